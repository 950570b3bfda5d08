package apierr

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestNotFound_Error(t *testing.T) {
	err := &NotFound{Entity: "command", Key: "42"}
	assert.Equal(t, "command not found: 42", err.Error())
}

func TestConflict_Error(t *testing.T) {
	err := &Conflict{Entity: "coordination", Reason: "already claimed"}
	assert.Equal(t, "coordination conflict: already claimed", err.Error())
}

func TestRateLimited_Error(t *testing.T) {
	err := &RateLimited{Key: "cmd:1:entity:2", RetryAfter: 30}
	assert.Equal(t, "rate limit exceeded for cmd:1:entity:2, retry after 30s", err.Error())
}

func TestUnauthorized_Error(t *testing.T) {
	err := &Unauthorized{Reason: "missing api key"}
	assert.Equal(t, "unauthorized: missing api key", err.Error())
}

func TestForbidden_Error(t *testing.T) {
	err := &Forbidden{Reason: "insufficient role"}
	assert.Equal(t, "forbidden: insufficient role", err.Error())
}

func TestErrorsAs_MatchesConcreteType(t *testing.T) {
	var err error = &NotFound{Entity: "entity", Key: "abc"}
	var nf *NotFound
	require := func(cond bool) {
		if !cond {
			t.Fatal("expected errors.As to match *NotFound")
		}
	}
	require(errors.As(err, &nf))
	assert.Equal(t, "entity", nf.Entity)

	var conflict *Conflict
	assert.False(t, errors.As(err, &conflict))
}
