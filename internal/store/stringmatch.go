package store

import (
	"context"

	"github.com/waddlebot/router/internal/apierr"
	"github.com/waddlebot/router/pkg/models"
)

const stringMatchColumns = `id, string, match_type, case_sensitive, enabled_entity_ids, action,
	command_to_execute, command_parameters, webhook_url, warning_message, block_message,
	priority, is_active, match_count, last_matched, created_by, created_at, updated_at`

func scanStringMatchRule(row pgxRow) (*models.StringMatchRule, error) {
	var r models.StringMatchRule
	var enabledEntityIDs, commandParams []byte
	err := row.Scan(&r.ID, &r.Pattern, &r.MatchType, &r.CaseSensitive, &enabledEntityIDs, &r.Action,
		&r.CommandToExecute, &commandParams, &r.WebhookURL, &r.WarningMessage, &r.BlockMessage,
		&r.Priority, &r.IsActive, &r.MatchCount, &r.LastMatched, &r.CreatedBy, &r.CreatedAt, &r.UpdatedAt)
	if err != nil {
		return nil, err
	}
	r.EnabledEntityIDs = unmarshalStrings(enabledEntityIDs)
	r.CommandParameters = unmarshalStrings(commandParams)
	return &r, nil
}

// ListActiveRules returns rules applicable to entityID: global rules (no
// enabled_entity_ids) or rules whose list contains entityID, ordered by
// ascending priority.
func (p *Postgres) ListActiveRules(ctx context.Context, entityID string) ([]*models.StringMatchRule, error) {
	rows, err := p.readPool.Query(ctx, `
		SELECT `+stringMatchColumns+` FROM stringmatch
		WHERE is_active = true
		  AND (enabled_entity_ids IS NULL OR enabled_entity_ids = '[]' OR enabled_entity_ids @> to_jsonb($1::text))
		ORDER BY priority ASC`, entityID)
	if err != nil {
		return nil, wrap("list active string rules", err)
	}
	defer rows.Close()
	var out []*models.StringMatchRule
	for rows.Next() {
		r, err := scanStringMatchRule(rows)
		if err != nil {
			return nil, wrap("scan string rule", err)
		}
		out = append(out, r)
	}
	return out, wrap("list active string rules", rows.Err())
}

func (p *Postgres) ListAllRules(ctx context.Context) ([]*models.StringMatchRule, error) {
	rows, err := p.readPool.Query(ctx, `SELECT `+stringMatchColumns+` FROM stringmatch ORDER BY priority ASC`)
	if err != nil {
		return nil, wrap("list all string rules", err)
	}
	defer rows.Close()
	var out []*models.StringMatchRule
	for rows.Next() {
		r, err := scanStringMatchRule(rows)
		if err != nil {
			return nil, wrap("scan string rule", err)
		}
		out = append(out, r)
	}
	return out, wrap("list all string rules", rows.Err())
}

func (p *Postgres) GetRule(ctx context.Context, id int64) (*models.StringMatchRule, error) {
	row := p.readPool.QueryRow(ctx, `SELECT `+stringMatchColumns+` FROM stringmatch WHERE id=$1`, id)
	r, err := scanStringMatchRule(row)
	if isNoRows(err) {
		return nil, &apierr.NotFound{Entity: "string_match_rule", Key: itoa(id)}
	}
	return r, wrap("get string rule", err)
}

func (p *Postgres) CreateRule(ctx context.Context, r *models.StringMatchRule) (*models.StringMatchRule, error) {
	enabledEntityIDs, err := marshalJSON(r.EnabledEntityIDs)
	if err != nil {
		return nil, wrap("marshal enabled_entity_ids", err)
	}
	commandParams, err := marshalJSON(r.CommandParameters)
	if err != nil {
		return nil, wrap("marshal command_parameters", err)
	}
	row := p.pool.QueryRow(ctx, `
		INSERT INTO stringmatch (string, match_type, case_sensitive, enabled_entity_ids, action,
			command_to_execute, command_parameters, webhook_url, warning_message, block_message,
			priority, is_active, created_by)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13)
		RETURNING id, created_at, updated_at`,
		r.Pattern, r.MatchType, r.CaseSensitive, enabledEntityIDs, r.Action, r.CommandToExecute,
		commandParams, r.WebhookURL, r.WarningMessage, r.BlockMessage, r.Priority, r.IsActive, r.CreatedBy)
	if err := row.Scan(&r.ID, &r.CreatedAt, &r.UpdatedAt); err != nil {
		return nil, wrap("create string rule", err)
	}
	return r, nil
}

func (p *Postgres) UpdateRule(ctx context.Context, r *models.StringMatchRule) error {
	enabledEntityIDs, err := marshalJSON(r.EnabledEntityIDs)
	if err != nil {
		return wrap("marshal enabled_entity_ids", err)
	}
	commandParams, err := marshalJSON(r.CommandParameters)
	if err != nil {
		return wrap("marshal command_parameters", err)
	}
	_, err = p.pool.Exec(ctx, `
		UPDATE stringmatch SET string=$2, match_type=$3, case_sensitive=$4, enabled_entity_ids=$5,
			action=$6, command_to_execute=$7, command_parameters=$8, webhook_url=$9,
			warning_message=$10, block_message=$11, priority=$12, is_active=$13, updated_at=now()
		WHERE id=$1`, r.ID, r.Pattern, r.MatchType, r.CaseSensitive, enabledEntityIDs, r.Action,
		r.CommandToExecute, commandParams, r.WebhookURL, r.WarningMessage, r.BlockMessage,
		r.Priority, r.IsActive)
	return wrap("update string rule", err)
}

func (p *Postgres) DeleteRule(ctx context.Context, id int64) error {
	_, err := p.pool.Exec(ctx, `DELETE FROM stringmatch WHERE id=$1`, id)
	return wrap("delete string rule", err)
}

func (p *Postgres) RecordMatch(ctx context.Context, id int64) error {
	_, err := p.pool.Exec(ctx, `UPDATE stringmatch SET match_count = match_count + 1, last_matched = now() WHERE id=$1`, id)
	return wrap("record string rule match", err)
}
