package ratelimit

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

type fakeRecorder struct {
	mu   sync.Mutex
	hits int
}

func (f *fakeRecorder) RecordRateLimitHit(ctx context.Context, commandID int64, entityID, userID string, windowStart time.Time) error {
	f.mu.Lock()
	f.hits++
	f.mu.Unlock()
	return nil
}

func TestLimiter_AdmitsUpToLimit(t *testing.T) {
	l := New(2, time.Minute, nil)
	assert.True(t, l.Allow(context.Background(), 1, "e1", "u1", 2))
	assert.True(t, l.Allow(context.Background(), 1, "e1", "u1", 2))
	assert.False(t, l.Allow(context.Background(), 1, "e1", "u1", 2))
}

func TestLimiter_SeparateKeysIndependent(t *testing.T) {
	l := New(1, time.Minute, nil)
	assert.True(t, l.Allow(context.Background(), 1, "e1", "u1", 1))
	assert.True(t, l.Allow(context.Background(), 1, "e1", "u2", 1))
}

func TestLimiter_WindowSlides(t *testing.T) {
	l := New(1, 20*time.Millisecond, nil)
	assert.True(t, l.Allow(context.Background(), 1, "e1", "u1", 1))
	assert.False(t, l.Allow(context.Background(), 1, "e1", "u1", 1))
	time.Sleep(30 * time.Millisecond)
	assert.True(t, l.Allow(context.Background(), 1, "e1", "u1", 1))
}

func TestLimiter_ResetUser(t *testing.T) {
	l := New(1, time.Minute, nil)
	l.Allow(context.Background(), 1, "e1", "u1", 1)
	assert.Equal(t, 1, l.Stats().ActiveWindows)
	l.ResetUser("u1")
	assert.Equal(t, 0, l.Stats().ActiveWindows)
}
