package store

import (
	"context"

	"github.com/waddlebot/router/internal/apierr"
	"github.com/waddlebot/router/pkg/models"
)

const commandColumns = `id, command, prefix, description, location_url, location, type, method,
	timeout, headers, auth_required, rate_limit, is_active, module_type, module_id, version,
	trigger_type, event_types, priority, execution_mode, created_at, updated_at`

func scanCommand(row pgxRow) (*models.Command, error) {
	var c models.Command
	var headers, eventTypes []byte
	err := row.Scan(&c.ID, &c.Command, &c.Prefix, &c.Description, &c.LocationURL, &c.Location,
		&c.Type, &c.Method, &c.Timeout, &headers, &c.AuthRequired, &c.RateLimit, &c.IsActive,
		&c.ModuleType, &c.ModuleID, &c.Version, &c.TriggerType, &eventTypes, &c.Priority,
		&c.ExecutionMode, &c.CreatedAt, &c.UpdatedAt)
	if err != nil {
		return nil, err
	}
	c.Headers = stringMap(unmarshalMap(headers))
	c.EventTypes = unmarshalStrings(eventTypes)
	return &c, nil
}

func stringMap(m map[string]interface{}) map[string]string {
	if m == nil {
		return nil
	}
	out := make(map[string]string, len(m))
	for k, v := range m {
		if s, ok := v.(string); ok {
			out[k] = s
		}
	}
	return out
}

func (p *Postgres) GetCommandByPrefixName(ctx context.Context, prefix, name string) (*models.Command, error) {
	row := p.readPool.QueryRow(ctx, `SELECT `+commandColumns+` FROM commands
		WHERE prefix = $1 AND command = $2 AND is_active = true`, prefix, name)
	c, err := scanCommand(row)
	if isNoRows(err) {
		return nil, &apierr.NotFound{Entity: "command", Key: prefix + name}
	}
	return c, wrap("get command by prefix/name", err)
}

func (p *Postgres) GetCommand(ctx context.Context, id int64) (*models.Command, error) {
	row := p.readPool.QueryRow(ctx, `SELECT `+commandColumns+` FROM commands WHERE id = $1`, id)
	c, err := scanCommand(row)
	if isNoRows(err) {
		return nil, &apierr.NotFound{Entity: "command", Key: itoa(id)}
	}
	return c, wrap("get command", err)
}

func (p *Postgres) ListCommands(ctx context.Context, f ListFilter) ([]*models.Command, error) {
	limit, offset := normalizeFilter(f)
	rows, err := p.readPool.Query(ctx, `SELECT `+commandColumns+` FROM commands
		WHERE is_active = true ORDER BY id LIMIT $1 OFFSET $2`, limit, offset)
	if err != nil {
		return nil, wrap("list commands", err)
	}
	defer rows.Close()
	var out []*models.Command
	for rows.Next() {
		c, err := scanCommand(rows)
		if err != nil {
			return nil, wrap("scan command", err)
		}
		out = append(out, c)
	}
	return out, wrap("list commands", rows.Err())
}

// ListEventTriggeredCommands returns active commands whose trigger_type is
// event/both, whose event_types contains messageType, filtered by having an
// enabled CommandPermission for entityID, ordered by priority ascending.
func (p *Postgres) ListEventTriggeredCommands(ctx context.Context, entityID, messageType string) ([]*models.Command, error) {
	rows, err := p.readPool.Query(ctx, `
		SELECT c.`+commandColumnsAliased()+`
		FROM commands c
		JOIN entities e ON e.entity_id = $1
		JOIN command_permissions cp ON cp.command_id = c.id AND cp.entity_id = e.id AND cp.is_enabled = true
		WHERE c.is_active = true
		  AND c.trigger_type IN ('event', 'both')
		  AND c.event_types ? $2
		ORDER BY c.priority ASC`, entityID, messageType)
	if err != nil {
		return nil, wrap("list event triggered commands", err)
	}
	defer rows.Close()
	var out []*models.Command
	for rows.Next() {
		c, err := scanCommand(rows)
		if err != nil {
			return nil, wrap("scan command", err)
		}
		out = append(out, c)
	}
	return out, wrap("list event triggered commands", rows.Err())
}

func commandColumnsAliased() string {
	return `id, command, prefix, description, location_url, location, type, method,
	timeout, headers, auth_required, rate_limit, is_active, module_type, module_id, version,
	trigger_type, event_types, priority, execution_mode, created_at, updated_at`
}

func (p *Postgres) CreateCommand(ctx context.Context, c *models.Command) (*models.Command, error) {
	headers, err := marshalJSON(c.Headers)
	if err != nil {
		return nil, wrap("marshal command headers", err)
	}
	eventTypes, err := marshalJSON(c.EventTypes)
	if err != nil {
		return nil, wrap("marshal command event_types", err)
	}
	row := p.pool.QueryRow(ctx, `
		INSERT INTO commands (command, prefix, description, location_url, location, type, method,
			timeout, headers, auth_required, rate_limit, is_active, module_type, module_id,
			version, trigger_type, event_types, priority, execution_mode)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13,$14,$15,$16,$17,$18,$19)
		RETURNING id, created_at, updated_at`,
		c.Command, c.Prefix, c.Description, c.LocationURL, c.Location, c.Type, c.Method, c.Timeout,
		headers, c.AuthRequired, c.RateLimit, c.IsActive, c.ModuleType, c.ModuleID, c.Version,
		c.TriggerType, eventTypes, c.Priority, c.ExecutionMode)
	if err := row.Scan(&c.ID, &c.CreatedAt, &c.UpdatedAt); err != nil {
		return nil, wrap("create command", err)
	}
	return c, nil
}

func (p *Postgres) UpdateCommand(ctx context.Context, c *models.Command) error {
	headers, err := marshalJSON(c.Headers)
	if err != nil {
		return wrap("marshal command headers", err)
	}
	eventTypes, err := marshalJSON(c.EventTypes)
	if err != nil {
		return wrap("marshal command event_types", err)
	}
	_, err = p.pool.Exec(ctx, `
		UPDATE commands SET description=$2, location_url=$3, method=$4, timeout=$5, headers=$6,
			auth_required=$7, rate_limit=$8, is_active=$9, event_types=$10, priority=$11,
			execution_mode=$12, updated_at=now()
		WHERE id=$1`, c.ID, c.Description, c.LocationURL, c.Method, c.Timeout, headers,
		c.AuthRequired, c.RateLimit, c.IsActive, eventTypes, c.Priority, c.ExecutionMode)
	return wrap("update command", err)
}

func (p *Postgres) SetCommandActive(ctx context.Context, id int64, active bool) error {
	_, err := p.pool.Exec(ctx, `UPDATE commands SET is_active=$2, updated_at=now() WHERE id=$1`, id, active)
	return wrap("set command active", err)
}
