package store

import (
	"context"

	"github.com/waddlebot/router/internal/apierr"
	"github.com/waddlebot/router/pkg/models"
)

func (p *Postgres) GetPermission(ctx context.Context, commandID, entityID int64) (*models.CommandPermission, error) {
	row := p.readPool.QueryRow(ctx, `
		SELECT id, command_id, entity_id, is_enabled, config, permissions, usage_count, last_used, created_at, updated_at
		FROM command_permissions WHERE command_id=$1 AND entity_id=$2`, commandID, entityID)
	var cp models.CommandPermission
	var config, perms []byte
	err := row.Scan(&cp.ID, &cp.CommandID, &cp.EntityID, &cp.IsEnabled, &config, &perms,
		&cp.UsageCount, &cp.LastUsed, &cp.CreatedAt, &cp.UpdatedAt)
	if isNoRows(err) {
		return nil, &apierr.NotFound{Entity: "command_permission", Key: itoa(commandID) + ":" + itoa(entityID)}
	}
	if err != nil {
		return nil, wrap("get permission", err)
	}
	cp.Config = unmarshalMap(config)
	cp.Permissions = unmarshalStrings(perms)
	return &cp, nil
}

func (p *Postgres) UpsertPermission(ctx context.Context, perm *models.CommandPermission) (*models.CommandPermission, error) {
	config, err := marshalJSON(perm.Config)
	if err != nil {
		return nil, wrap("marshal permission config", err)
	}
	permsJSON, err := marshalJSON(perm.Permissions)
	if err != nil {
		return nil, wrap("marshal permission list", err)
	}
	row := p.pool.QueryRow(ctx, `
		INSERT INTO command_permissions (command_id, entity_id, is_enabled, config, permissions)
		VALUES ($1,$2,$3,$4,$5)
		ON CONFLICT (command_id, entity_id) DO UPDATE SET
			is_enabled = EXCLUDED.is_enabled, config = EXCLUDED.config,
			permissions = EXCLUDED.permissions, updated_at = now()
		RETURNING id, created_at, updated_at`,
		perm.CommandID, perm.EntityID, perm.IsEnabled, config, permsJSON)
	if err := row.Scan(&perm.ID, &perm.CreatedAt, &perm.UpdatedAt); err != nil {
		return nil, wrap("upsert permission", err)
	}
	return perm, nil
}

func (p *Postgres) TouchPermissionUsage(ctx context.Context, commandID, entityID int64) error {
	_, err := p.pool.Exec(ctx, `
		UPDATE command_permissions SET usage_count = usage_count + 1, last_used = now(), updated_at = now()
		WHERE command_id=$1 AND entity_id=$2`, commandID, entityID)
	return wrap("touch permission usage", err)
}
