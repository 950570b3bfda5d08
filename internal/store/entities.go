package store

import (
	"context"

	"github.com/waddlebot/router/internal/apierr"
	"github.com/waddlebot/router/pkg/models"
)

const entityColumns = `id, entity_id, platform, server_id, channel_id, owner, is_active, config, created_at, updated_at`

func scanEntity(row pgxRow) (*models.Entity, error) {
	var e models.Entity
	var config []byte
	err := row.Scan(&e.ID, &e.EntityID, &e.Platform, &e.ServerID, &e.ChannelID, &e.Owner,
		&e.IsActive, &config, &e.CreatedAt, &e.UpdatedAt)
	if err != nil {
		return nil, err
	}
	e.Config = unmarshalMap(config)
	return &e, nil
}

func (p *Postgres) GetEntityByEntityID(ctx context.Context, entityID string) (*models.Entity, error) {
	row := p.readPool.QueryRow(ctx, `SELECT `+entityColumns+` FROM entities WHERE entity_id=$1`, entityID)
	e, err := scanEntity(row)
	if isNoRows(err) {
		return nil, &apierr.NotFound{Entity: "entity", Key: entityID}
	}
	return e, wrap("get entity", err)
}

func (p *Postgres) GetEntity(ctx context.Context, id int64) (*models.Entity, error) {
	row := p.readPool.QueryRow(ctx, `SELECT `+entityColumns+` FROM entities WHERE id=$1`, id)
	e, err := scanEntity(row)
	if isNoRows(err) {
		return nil, &apierr.NotFound{Entity: "entity", Key: itoa(id)}
	}
	return e, wrap("get entity", err)
}

// EnsureEntity inserts e if entity_id is unseen, otherwise returns the
// existing row. Reports whether a row was newly created.
func (p *Postgres) EnsureEntity(ctx context.Context, e *models.Entity) (*models.Entity, bool, error) {
	existing, err := p.GetEntityByEntityID(ctx, e.EntityID)
	if err == nil {
		return existing, false, nil
	}
	if _, ok := err.(*apierr.NotFound); !ok {
		return nil, false, err
	}

	config, err := marshalJSON(e.Config)
	if err != nil {
		return nil, false, wrap("marshal entity config", err)
	}
	row := p.pool.QueryRow(ctx, `
		INSERT INTO entities (entity_id, platform, server_id, channel_id, owner, is_active, config)
		VALUES ($1,$2,$3,$4,$5,$6,$7)
		ON CONFLICT (entity_id) DO UPDATE SET entity_id = EXCLUDED.entity_id
		RETURNING id, created_at, updated_at`,
		e.EntityID, e.Platform, e.ServerID, e.ChannelID, e.Owner, e.IsActive, config)
	if err := row.Scan(&e.ID, &e.CreatedAt, &e.UpdatedAt); err != nil {
		return nil, false, wrap("ensure entity", err)
	}
	return e, true, nil
}

func (p *Postgres) ListEntities(ctx context.Context, f ListFilter) ([]*models.Entity, error) {
	limit, offset := normalizeFilter(f)
	rows, err := p.readPool.Query(ctx, `SELECT `+entityColumns+` FROM entities
		WHERE is_active=true ORDER BY id LIMIT $1 OFFSET $2`, limit, offset)
	if err != nil {
		return nil, wrap("list entities", err)
	}
	defer rows.Close()
	var out []*models.Entity
	for rows.Next() {
		e, err := scanEntity(rows)
		if err != nil {
			return nil, wrap("scan entity", err)
		}
		out = append(out, e)
	}
	return out, wrap("list entities", rows.Err())
}

// EnsureEntityGroupForServer creates (or returns) a server-wide EntityGroup
// for platform+serverID whose default entity is entityID, matching
// CommandProc step 2's "auto-create a server-wide EntityGroup" for
// Discord/Slack events with no channel.
func (p *Postgres) EnsureEntityGroupForServer(ctx context.Context, platform models.Platform, serverID, entityID, createdBy string) (*models.EntityGroup, error) {
	var g models.EntityGroup
	row := p.readPool.QueryRow(ctx, `
		SELECT id, name, platform, server_id, entity_ids, community_id, is_active, created_by, created_at
		FROM entity_groups WHERE platform=$1 AND server_id=$2 AND is_active=true LIMIT 1`, platform, serverID)
	var entityIDs []byte
	var communityID *int64
	err := row.Scan(&g.ID, &g.Name, &g.Platform, &g.ServerID, &entityIDs, &communityID, &g.IsActive, &g.CreatedBy, &g.CreatedAt)
	if err == nil {
		g.EntityIDs = unmarshalStrings(entityIDs)
		g.CommunityID = communityID
		return &g, nil
	}
	if !isNoRows(err) {
		return nil, wrap("get entity group", err)
	}

	ids, _ := marshalJSON([]string{entityID})
	insertRow := p.pool.QueryRow(ctx, `
		INSERT INTO entity_groups (name, platform, server_id, entity_ids, created_by)
		VALUES ($1,$2,$3,$4,$5)
		RETURNING id, created_at`,
		serverID, platform, serverID, ids, createdBy)
	if err := insertRow.Scan(&g.ID, &g.CreatedAt); err != nil {
		return nil, wrap("create entity group", err)
	}
	g.Name = serverID
	g.Platform = platform
	g.ServerID = serverID
	g.EntityIDs = []string{entityID}
	g.CreatedBy = createdBy
	g.IsActive = true

	defRow := p.pool.QueryRow(ctx, `
		INSERT INTO entity_defaults (entity_group_id, default_entity_id)
		VALUES ($1,$2) RETURNING id`, g.ID, entityID)
	var defID int64
	if err := defRow.Scan(&defID); err != nil {
		return nil, wrap("create entity default", err)
	}
	return &g, nil
}
