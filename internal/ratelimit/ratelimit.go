// Package ratelimit implements the in-memory sliding-window limiter keyed by
// (command, entity, user), matching router_module/services/rate_limiter.py.
package ratelimit

import (
	"container/list"
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog/log"
)

const (
	defaultWindow = 60 * time.Second
	sweepEvery    = 60 * time.Second
)

// BucketRecorder persists a rejected request into the rate_limits table,
// bucketed by minute-floor window_start. Failures are logged and otherwise
// ignored — they must never affect admission decisions.
type BucketRecorder interface {
	RecordRateLimitHit(ctx context.Context, commandID int64, entityID string, userID string, windowStart time.Time) error
}

// Limiter is a thread-safe sliding-window rate limiter.
type Limiter struct {
	defaultLimit int
	window       time.Duration
	recorder     BucketRecorder

	mu      sync.Mutex
	windows map[string]*list.List // each element is time.Time
}

// New constructs a Limiter with the given default per-key limit and window.
func New(defaultLimit int, window time.Duration, recorder BucketRecorder) *Limiter {
	if window <= 0 {
		window = defaultWindow
	}
	if defaultLimit <= 0 {
		defaultLimit = 60
	}
	return &Limiter{
		defaultLimit: defaultLimit,
		window:       window,
		recorder:     recorder,
		windows:      make(map[string]*list.List),
	}
}

func key(commandID int64, entityID, userID string) string {
	return fmt.Sprintf("%d:%s:%s", commandID, entityID, userID)
}

// Allow reports whether a request for (commandID, entityID, userID) is
// admitted under limit within the configured window. On rejection it
// fire-and-forgets a DB bucket write via the recorder.
func (l *Limiter) Allow(ctx context.Context, commandID int64, entityID, userID string, limit int) bool {
	if limit <= 0 {
		limit = l.defaultLimit
	}
	k := key(commandID, entityID, userID)
	now := time.Now()
	cutoff := now.Add(-l.window)

	l.mu.Lock()
	win, ok := l.windows[k]
	if !ok {
		win = list.New()
		l.windows[k] = win
	}
	for win.Len() > 0 {
		front := win.Front()
		if front.Value.(time.Time).After(cutoff) {
			break
		}
		win.Remove(front)
	}
	if win.Len() >= limit {
		l.mu.Unlock()
		l.recordHit(ctx, commandID, entityID, userID, now)
		return false
	}
	win.PushBack(now)
	l.mu.Unlock()
	return true
}

func (l *Limiter) recordHit(ctx context.Context, commandID int64, entityID, userID string, now time.Time) {
	if l.recorder == nil {
		return
	}
	windowStart := now.Truncate(time.Minute)
	go func() {
		if err := l.recorder.RecordRateLimitHit(context.Background(), commandID, entityID, userID, windowStart); err != nil {
			log.Warn().Err(err).Str("entity_id", entityID).Str("user_id", userID).Msg("failed to record rate limit hit")
		}
	}()
	_ = ctx
}

// Stats mirrors the original rate limiter's get_stats shape.
type Stats struct {
	ActiveWindows    int `json:"active_windows"`
	TrackedRequests  int `json:"tracked_requests"`
}

func (l *Limiter) Stats() Stats {
	l.mu.Lock()
	defer l.mu.Unlock()
	total := 0
	for _, w := range l.windows {
		total += w.Len()
	}
	return Stats{ActiveWindows: len(l.windows), TrackedRequests: total}
}

// ResetUser drops every window belonging to userID (admin operation).
func (l *Limiter) ResetUser(userID string) {
	l.mu.Lock()
	defer l.mu.Unlock()
	suffix := ":" + userID
	for k := range l.windows {
		if len(k) >= len(suffix) && k[len(k)-len(suffix):] == suffix {
			delete(l.windows, k)
		}
	}
}

// Start runs the window-pruning sweeper until ctx is canceled.
func (l *Limiter) Start(ctx context.Context) {
	ticker := time.NewTicker(sweepEvery)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			l.sweep()
		}
	}
}

func (l *Limiter) sweep() {
	cutoff := time.Now().Add(-2 * l.window)
	l.mu.Lock()
	defer l.mu.Unlock()
	for k, win := range l.windows {
		for win.Len() > 0 {
			front := win.Front()
			if front.Value.(time.Time).After(cutoff) {
				break
			}
			win.Remove(front)
		}
		if win.Len() == 0 {
			delete(l.windows, k)
		}
	}
}
