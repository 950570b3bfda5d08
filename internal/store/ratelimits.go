package store

import (
	"context"
	"time"
)

// RecordRateLimitHit writes the per-minute bucket row for (commandID, entityID,
// userID, windowStart). Called fire-and-forget by internal/ratelimit whenever
// a request is rejected; bucket rows are append-only and aggregated by readers.
func (p *Postgres) RecordRateLimitHit(ctx context.Context, commandID int64, entityID string, userID string, windowStart time.Time) error {
	_, err := p.pool.Exec(ctx, `
		INSERT INTO rate_limits (command_id, entity_id, user_id, window_start, request_count)
		VALUES ($1, (SELECT id FROM entities WHERE entity_id=$2), $3, $4, 1)`,
		commandID, entityID, userID, windowStart)
	return wrap("record rate limit hit", err)
}
