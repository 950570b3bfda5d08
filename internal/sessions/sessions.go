// Package sessions implements the Redis-backed SessionStore: a TTL key/value
// store tying an inbound event to the out-of-band module reply, shared
// across router replicas. Grounded in uncord's gateway/session.go pipelined
// Set+Expire idiom, with keys/fields matching
// router_module/services/session_manager.py exactly.
package sessions

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
)

// ErrNotFound is returned when a session id is missing or has expired.
var ErrNotFound = errors.New("session not found")

const keyPrefix = "waddlebot:session:"

func sessionKey(id string) string { return keyPrefix + id }

// Session is the record stored per session id.
type Session struct {
	EntityID     string
	CreatedAt    time.Time
	LastActivity time.Time
	RequestCount int64
}

// Store is a Redis-backed SessionStore.
type Store struct {
	rdb *redis.Client
	ttl time.Duration
}

// New constructs a Store against an existing redis client.
func New(rdb *redis.Client, ttl time.Duration) *Store {
	if ttl <= 0 {
		ttl = time.Hour
	}
	return &Store{rdb: rdb, ttl: ttl}
}

// Create mints a uuid session id and stores {entity_id, now, now, 0} with the
// configured TTL.
func (s *Store) Create(ctx context.Context, entityID string) (string, error) {
	id := uuid.New().String()
	now := time.Now().UTC()

	key := sessionKey(id)
	pipe := s.rdb.Pipeline()
	pipe.HSet(ctx, key, map[string]interface{}{
		"entity_id":     entityID,
		"created_at":    now.Format(time.RFC3339Nano),
		"last_activity": now.Format(time.RFC3339Nano),
		"request_count": 0,
	})
	pipe.Expire(ctx, key, s.ttl)
	if _, err := pipe.Exec(ctx); err != nil {
		return "", fmt.Errorf("create session: %w", err)
	}
	return id, nil
}

// Get retrieves a session's fields. Returns ErrNotFound if missing/expired.
func (s *Store) Get(ctx context.Context, id string) (*Session, error) {
	res, err := s.rdb.HGetAll(ctx, sessionKey(id)).Result()
	if err != nil {
		return nil, fmt.Errorf("get session: %w", err)
	}
	if len(res) == 0 {
		return nil, ErrNotFound
	}
	return parseSession(res)
}

func parseSession(fields map[string]string) (*Session, error) {
	sess := &Session{EntityID: fields["entity_id"]}
	if v, ok := fields["created_at"]; ok {
		if t, err := time.Parse(time.RFC3339Nano, v); err == nil {
			sess.CreatedAt = t
		}
	}
	if v, ok := fields["last_activity"]; ok {
		if t, err := time.Parse(time.RFC3339Nano, v); err == nil {
			sess.LastActivity = t
		}
	}
	if v, ok := fields["request_count"]; ok {
		if n, err := strconv.ParseInt(v, 10, 64); err == nil {
			sess.RequestCount = n
		}
	}
	return sess, nil
}

// Touch bumps last_activity, increments request_count, and extends the TTL.
// Reports ErrNotFound if the session doesn't exist.
func (s *Store) Touch(ctx context.Context, id string) error {
	key := sessionKey(id)
	exists, err := s.rdb.Exists(ctx, key).Result()
	if err != nil {
		return fmt.Errorf("touch session: %w", err)
	}
	if exists == 0 {
		return ErrNotFound
	}

	pipe := s.rdb.Pipeline()
	pipe.HSet(ctx, key, "last_activity", time.Now().UTC().Format(time.RFC3339Nano))
	pipe.HIncrBy(ctx, key, "request_count", 1)
	pipe.Expire(ctx, key, s.ttl)
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("touch session: %w", err)
	}
	return nil
}

// Delete removes a session, reporting whether it existed.
func (s *Store) Delete(ctx context.Context, id string) (bool, error) {
	n, err := s.rdb.Del(ctx, sessionKey(id)).Result()
	if err != nil {
		return false, fmt.Errorf("delete session: %w", err)
	}
	return n > 0, nil
}

// Validate reports whether id's stored entity_id equals entityID, matching
// the response-reply-validation testable property.
func (s *Store) Validate(ctx context.Context, id, entityID string) (bool, error) {
	sess, err := s.Get(ctx, id)
	if err != nil {
		if errors.Is(err, ErrNotFound) {
			return false, nil
		}
		return false, err
	}
	return sess.EntityID == entityID, nil
}
