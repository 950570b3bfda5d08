package cache

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCache_RoundTrip(t *testing.T) {
	c := New(5*time.Minute, 10*time.Minute)

	c.Set("command:help", "v1", 0)
	v, ok := c.Get("command:help")
	require.True(t, ok)
	assert.Equal(t, "v1", v)

	_, ok = c.Get("missing")
	assert.False(t, ok)
}

func TestCache_ExpiresAfterTTL(t *testing.T) {
	c := New(5*time.Minute, 10*time.Minute)

	c.Set("entity:1", "v", 10*time.Millisecond)
	_, ok := c.Get("entity:1")
	require.True(t, ok)

	time.Sleep(20 * time.Millisecond)
	_, ok = c.Get("entity:1")
	assert.False(t, ok)
}

func TestCache_DeleteAndSize(t *testing.T) {
	c := New(5*time.Minute, 10*time.Minute)
	c.Set("a", 1, time.Minute)
	c.Set("b", 2, time.Minute)
	assert.Equal(t, 2, c.Size())

	assert.True(t, c.Delete("a"))
	assert.False(t, c.Delete("a"))
	assert.Equal(t, 1, c.Size())
}

func TestCache_TTLByPrefix(t *testing.T) {
	c := New(1*time.Millisecond, time.Hour)
	c.Set("command:x", "v", 0)
	time.Sleep(5 * time.Millisecond)
	_, ok := c.Get("command:x")
	assert.False(t, ok, "command: prefix should use the short command TTL")
}

func TestCache_SweepRemovesExpired(t *testing.T) {
	c := New(1*time.Millisecond, 1*time.Millisecond)
	c.Set("entity:1", "v", 0)
	time.Sleep(5 * time.Millisecond)
	c.sweep()
	assert.Equal(t, 0, c.Size())
}
