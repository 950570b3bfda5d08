package store

import (
	"context"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5/pgconn"

	"github.com/waddlebot/router/pkg/models"
)

const coordinationColumns = `id, platform, server_id, channel_id, entity_id, claimed_by, claimed_at,
	status, is_live, live_since, viewer_count, last_activity, last_check, last_checkin,
	claim_expires, heartbeat_interval, error_count, metadata, priority, max_containers,
	config, created_at, updated_at`

func scanCoordination(row pgxRow) (*models.Coordination, error) {
	var c models.Coordination
	var metadata, config []byte
	err := row.Scan(&c.ID, &c.Platform, &c.ServerID, &c.ChannelID, &c.EntityID, &c.ClaimedBy,
		&c.ClaimedAt, &c.Status, &c.IsLive, &c.LiveSince, &c.ViewerCount, &c.LastActivity,
		&c.LastCheck, &c.LastCheckin, &c.ClaimExpires, &c.HeartbeatInterval, &c.ErrorCount,
		&metadata, &c.Priority, &c.MaxContainers, &config, &c.CreatedAt, &c.UpdatedAt)
	if err != nil {
		return nil, err
	}
	c.Metadata = unmarshalMap(metadata)
	c.Config = unmarshalMap(config)
	return &c, nil
}

// entityIDFor synthesizes the coordination entity_id the way generate_entity_id
// does: platform+server[+channel]. Using "+" (not ":") matches the current
// format; only the superseded populate_from_servers_table migration path used ":".
func entityIDFor(platform models.Platform, serverID, channelID string) string {
	if channelID == "" {
		return fmt.Sprintf("%s+%s", platform, serverID)
	}
	return fmt.Sprintf("%s+%s+%s", platform, serverID, channelID)
}

// Populate creates a coordination row for every active server on platform
// that doesn't already have one. Idempotent: safe to call on every boot.
func (p *Postgres) Populate(ctx context.Context, platform models.Platform) (int, error) {
	rows, err := p.readPool.Query(ctx, `
		SELECT platform, server_id, channel, config FROM servers
		WHERE platform = $1 AND is_active = true`, platform)
	if err != nil {
		return 0, wrap("list servers for populate", err)
	}
	var servers []*models.Server
	for rows.Next() {
		var s models.Server
		var config []byte
		if err := rows.Scan(&s.Platform, &s.ServerID, &s.Channel, &config); err != nil {
			rows.Close()
			return 0, wrap("scan server for populate", err)
		}
		s.Config = unmarshalMap(config)
		servers = append(servers, &s)
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return 0, wrap("list servers for populate", err)
	}

	created := 0
	for _, s := range servers {
		entityID := entityIDFor(s.Platform, s.ServerID, s.Channel)
		tag, err := p.pool.Exec(ctx, `
			INSERT INTO coordination (platform, server_id, channel_id, entity_id)
			SELECT $1, $2, $3, $4
			WHERE NOT EXISTS (SELECT 1 FROM coordination WHERE entity_id = $4)`,
			s.Platform, s.ServerID, s.Channel, entityID)
		if err != nil {
			return created, wrap("insert coordination row", err)
		}
		created += int(tag.RowsAffected())
	}
	return created, nil
}

// ClaimCandidates returns entities available for claiming, ordered the way
// the router's claim loop expects: live entities first, then by priority,
// then by viewer count, then by staleness. limit is typically 2x the
// caller's desired claim count so TryClaim has room to skip losers of a
// race against another container.
func (p *Postgres) ClaimCandidates(ctx context.Context, platform models.Platform, checkinTimeout time.Duration, limit int) ([]*models.Coordination, error) {
	rows, err := p.readPool.Query(ctx, `
		SELECT `+coordinationColumns+` FROM coordination
		WHERE platform = $1
		  AND (claimed_by IS NULL OR claim_expires < now() OR last_checkin < now() - $2::interval)
		ORDER BY is_live DESC, priority ASC, viewer_count DESC, last_activity ASC NULLS FIRST
		LIMIT $3`, platform, checkinTimeout, limit)
	if err != nil {
		return nil, wrap("claim candidates", err)
	}
	defer rows.Close()
	var out []*models.Coordination
	for rows.Next() {
		c, err := scanCoordination(rows)
		if err != nil {
			return nil, wrap("scan coordination candidate", err)
		}
		out = append(out, c)
	}
	return out, wrap("claim candidates", rows.Err())
}

// TryClaim attempts to atomically take ownership of coordination row id.
// The WHERE guard re-checks the claimable predicate at write time, so a
// candidate picked from a stale read never steals a claim another container
// won first. Returns false (no error) when the guard fails to match.
func (p *Postgres) TryClaim(ctx context.Context, id int64, containerID string, claimExpires time.Time, checkinTimeout time.Duration) (bool, error) {
	tag, err := p.pool.Exec(ctx, `
		UPDATE coordination
		SET claimed_by = $2, claimed_at = now(), claim_expires = $3, status = 'claimed',
		    last_checkin = now(), updated_at = now()
		WHERE id = $1
		  AND (claimed_by IS NULL OR claim_expires < now() OR last_checkin < now() - $4::interval)`,
		id, containerID, claimExpires, checkinTimeout)
	if err != nil {
		return false, wrap("try claim", err)
	}
	return tag.RowsAffected() > 0, nil
}

func (p *Postgres) Release(ctx context.Context, containerID string, entityIDs []string) (int, error) {
	var tag pgconn.CommandTag
	var err error
	if len(entityIDs) == 0 {
		tag, err = p.pool.Exec(ctx, `
			UPDATE coordination SET claimed_by = NULL, claim_expires = NULL, status = 'available',
				updated_at = now()
			WHERE claimed_by = $1`, containerID)
	} else {
		tag, err = p.pool.Exec(ctx, `
			UPDATE coordination SET claimed_by = NULL, claim_expires = NULL, status = 'available',
				updated_at = now()
			WHERE claimed_by = $1 AND entity_id = ANY($2)`, containerID, entityIDs)
	}
	if err != nil {
		return 0, wrap("release coordination claims", err)
	}
	return int(tag.RowsAffected()), nil
}

func (p *Postgres) Checkin(ctx context.Context, containerID string, claimExpires time.Time) (int, error) {
	tag, err := p.pool.Exec(ctx, `
		UPDATE coordination SET last_checkin = now(), claim_expires = $2, updated_at = now()
		WHERE claimed_by = $1`, containerID, claimExpires)
	if err != nil {
		return 0, wrap("checkin", err)
	}
	return int(tag.RowsAffected()), nil
}

func (p *Postgres) ListClaimedBy(ctx context.Context, containerID string) ([]*models.Coordination, error) {
	rows, err := p.readPool.Query(ctx, `
		SELECT `+coordinationColumns+` FROM coordination WHERE claimed_by = $1`, containerID)
	if err != nil {
		return nil, wrap("list claimed entities", err)
	}
	defer rows.Close()
	var out []*models.Coordination
	for rows.Next() {
		c, err := scanCoordination(rows)
		if err != nil {
			return nil, wrap("scan coordination", err)
		}
		out = append(out, c)
	}
	return out, wrap("list claimed entities", rows.Err())
}

// UpdateStatus flips is_live (and live_since when a stream goes live) and
// refreshes activity bookkeeping for entityID owned by containerID.
// hasActivity true resets error_count, matching has_activity's error-clear
// behavior in the original updater.
func (p *Postgres) UpdateStatus(ctx context.Context, containerID, entityID string, isLive *bool, viewerCount *int, metadata map[string]interface{}, hasActivity bool) error {
	meta, err := marshalJSON(metadata)
	if err != nil {
		return wrap("marshal coordination metadata", err)
	}
	goneLive := isLive != nil && *isLive

	_, err = p.pool.Exec(ctx, `
		UPDATE coordination SET
			is_live = COALESCE($3, is_live),
			live_since = CASE WHEN $4 AND NOT is_live THEN now() ELSE live_since END,
			status = CASE
				WHEN $3::boolean IS NULL THEN status
				WHEN $3::boolean THEN 'live'
				ELSE 'offline'
			END,
			viewer_count = COALESCE($5, viewer_count),
			metadata = COALESCE(NULLIF($6::jsonb, 'null'::jsonb), metadata),
			last_activity = CASE WHEN $7 THEN now() ELSE last_activity END,
			error_count = CASE WHEN $7 THEN 0 ELSE error_count END,
			last_check = now(),
			updated_at = now()
		WHERE claimed_by = $1 AND entity_id = $2`,
		containerID, entityID, nilableBool(isLive), goneLive, nilableInt(viewerCount), meta, hasActivity)
	return wrap("update coordination status", err)
}

func nilableBool(b *bool) interface{} {
	if b == nil {
		return nil
	}
	return *b
}

func nilableInt(i *int) interface{} {
	if i == nil {
		return nil
	}
	return *i
}

// ReportError increments error_count for the claimed entity and flips status
// to error once it reaches three consecutive failures, matching the
// original collector's error-escalation threshold.
func (p *Postgres) ReportError(ctx context.Context, containerID, entityID string) (int, error) {
	var errorCount int
	err := p.pool.QueryRow(ctx, `
		UPDATE coordination SET error_count = error_count + 1, updated_at = now()
		WHERE claimed_by = $1 AND entity_id = $2
		RETURNING error_count`, containerID, entityID).Scan(&errorCount)
	if isNoRows(err) {
		return 0, nil
	}
	if err != nil {
		return 0, wrap("report coordination error", err)
	}
	if errorCount >= 3 {
		if _, err := p.pool.Exec(ctx, `
			UPDATE coordination SET status = 'error', updated_at = now()
			WHERE claimed_by = $1 AND entity_id = $2`, containerID, entityID); err != nil {
			return errorCount, wrap("mark coordination error status", err)
		}
	}
	return errorCount, nil
}

// ReleaseOfflineEntities releases claims on every entity owned by
// containerID that is not live and has status offline. Returns the
// entity_ids released; claiming replacements is left to the caller
// (Coordinator.ReleaseOfflineEntities).
func (p *Postgres) ReleaseOfflineEntities(ctx context.Context, containerID string) ([]string, error) {
	rows, err := p.pool.Query(ctx, `
		UPDATE coordination SET claimed_by = NULL, claim_expires = NULL, status = 'available',
			updated_at = now()
		WHERE claimed_by = $1 AND is_live = false AND status = 'offline'
		RETURNING entity_id`, containerID)
	if err != nil {
		return nil, wrap("release offline entities", err)
	}
	var released []string
	for rows.Next() {
		var entityID string
		if err := rows.Scan(&entityID); err != nil {
			rows.Close()
			return nil, wrap("scan released entity", err)
		}
		released = append(released, entityID)
	}
	rows.Close()
	return released, wrap("release offline entities", rows.Err())
}

// CleanupExpiredClaims releases every claim whose last_checkin is older
// than checkinTimeout, regardless of owner. Run periodically by the
// coordinator's background sweep.
func (p *Postgres) CleanupExpiredClaims(ctx context.Context, checkinTimeout time.Duration) (int, error) {
	tag, err := p.pool.Exec(ctx, `
		UPDATE coordination SET claimed_by = NULL, claim_expires = NULL, status = 'available',
			updated_at = now()
		WHERE claimed_by IS NOT NULL AND last_checkin < now() - $1::interval`, checkinTimeout)
	if err != nil {
		return 0, wrap("cleanup expired claims", err)
	}
	return int(tag.RowsAffected()), nil
}

// Stats returns per-container claim counts plus aggregate totals, matching
// get_stats's shape in the original coordination manager.
func (p *Postgres) Stats(ctx context.Context) (map[string]interface{}, error) {
	rows, err := p.readPool.Query(ctx, `
		SELECT claimed_by, count(*), count(*) FILTER (WHERE is_live)
		FROM coordination WHERE claimed_by IS NOT NULL GROUP BY claimed_by`)
	if err != nil {
		return nil, wrap("coordination stats", err)
	}
	perContainer := map[string]interface{}{}
	var totalClaimed, totalLive int
	for rows.Next() {
		var containerID string
		var claimed, live int
		if err := rows.Scan(&containerID, &claimed, &live); err != nil {
			rows.Close()
			return nil, wrap("scan coordination stats", err)
		}
		perContainer[containerID] = map[string]interface{}{"claimed": claimed, "live": live}
		totalClaimed += claimed
		totalLive += live
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return nil, wrap("coordination stats", err)
	}

	var totalEntities, available int
	if err := p.readPool.QueryRow(ctx, `SELECT count(*) FROM coordination`).Scan(&totalEntities); err != nil {
		return nil, wrap("count coordination entities", err)
	}
	if err := p.readPool.QueryRow(ctx, `SELECT count(*) FROM coordination WHERE claimed_by IS NULL`).Scan(&available); err != nil {
		return nil, wrap("count available entities", err)
	}

	return map[string]interface{}{
		"total_entities":  totalEntities,
		"available":       available,
		"total_claimed":   totalClaimed,
		"total_live":      totalLive,
		"by_container":    perContainer,
	}, nil
}

func (p *Postgres) ListCoordinationEntities(ctx context.Context, f ListFilter) ([]*models.Coordination, error) {
	limit, offset := normalizeFilter(f)
	rows, err := p.readPool.Query(ctx, `
		SELECT `+coordinationColumns+` FROM coordination
		ORDER BY id ASC LIMIT $1 OFFSET $2`, limit, offset)
	if err != nil {
		return nil, wrap("list coordination entities", err)
	}
	defer rows.Close()
	var out []*models.Coordination
	for rows.Next() {
		c, err := scanCoordination(rows)
		if err != nil {
			return nil, wrap("scan coordination", err)
		}
		out = append(out, c)
	}
	return out, wrap("list coordination entities", rows.Err())
}

func (p *Postgres) ListServers(ctx context.Context, platform models.Platform) ([]*models.Server, error) {
	rows, err := p.readPool.Query(ctx, `
		SELECT id, owner, platform, channel, server_id, is_active, webhook_url, config,
			last_activity, created_at, updated_at
		FROM servers WHERE platform = $1 AND is_active = true ORDER BY id ASC`, platform)
	if err != nil {
		return nil, wrap("list servers", err)
	}
	defer rows.Close()
	var out []*models.Server
	for rows.Next() {
		var s models.Server
		var config []byte
		if err := rows.Scan(&s.ID, &s.Owner, &s.Platform, &s.Channel, &s.ServerID, &s.IsActive,
			&s.WebhookURL, &config, &s.LastActivity, &s.CreatedAt, &s.UpdatedAt); err != nil {
			return nil, wrap("scan server", err)
		}
		s.Config = unmarshalMap(config)
		out = append(out, &s)
	}
	return out, wrap("list servers", rows.Err())
}
