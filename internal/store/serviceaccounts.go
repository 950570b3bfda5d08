package store

import (
	"context"
	"time"

	"github.com/waddlebot/router/internal/apierr"
	"github.com/waddlebot/router/pkg/models"
)

const serviceAccountColumns = `id, account_name, account_type, platform, api_key_hash, permissions,
	is_active, last_used, usage_count, rate_limit, expires_at, created_by, description,
	created_at, updated_at`

func scanServiceAccount(row pgxRow) (*models.ServiceAccount, error) {
	var a models.ServiceAccount
	var perms []byte
	err := row.Scan(&a.ID, &a.AccountName, &a.AccountType, &a.Platform, &a.APIKeyHash, &perms,
		&a.IsActive, &a.LastUsed, &a.UsageCount, &a.RateLimit, &a.ExpiresAt, &a.CreatedBy,
		&a.Description, &a.CreatedAt, &a.UpdatedAt)
	if err != nil {
		return nil, err
	}
	a.Permissions = unmarshalStrings(perms)
	return &a, nil
}

func (p *Postgres) GetServiceAccountByHash(ctx context.Context, hash string) (*models.ServiceAccount, error) {
	row := p.readPool.QueryRow(ctx, `
		SELECT `+serviceAccountColumns+` FROM service_accounts
		WHERE api_key_hash=$1 AND is_active=true`, hash)
	a, err := scanServiceAccount(row)
	if isNoRows(err) {
		return nil, &apierr.Unauthorized{Reason: "unknown or inactive api key"}
	}
	return a, wrap("get service account by hash", err)
}

func (p *Postgres) GetServiceAccount(ctx context.Context, id int64) (*models.ServiceAccount, error) {
	row := p.readPool.QueryRow(ctx, `SELECT `+serviceAccountColumns+` FROM service_accounts WHERE id=$1`, id)
	a, err := scanServiceAccount(row)
	if isNoRows(err) {
		return nil, &apierr.NotFound{Entity: "service_account", Key: itoa(id)}
	}
	return a, wrap("get service account", err)
}

func (p *Postgres) CreateServiceAccount(ctx context.Context, a *models.ServiceAccount) (*models.ServiceAccount, error) {
	perms, err := marshalJSON(a.Permissions)
	if err != nil {
		return nil, wrap("marshal service account permissions", err)
	}
	row := p.pool.QueryRow(ctx, `
		INSERT INTO service_accounts (account_name, account_type, platform, api_key_hash,
			permissions, is_active, rate_limit, expires_at, created_by, description)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10)
		RETURNING id, created_at, updated_at`,
		a.AccountName, a.AccountType, a.Platform, a.APIKeyHash, perms, a.IsActive, a.RateLimit,
		a.ExpiresAt, a.CreatedBy, a.Description)
	if err := row.Scan(&a.ID, &a.CreatedAt, &a.UpdatedAt); err != nil {
		return nil, wrap("create service account", err)
	}
	return a, nil
}

func (p *Postgres) RevokeServiceAccount(ctx context.Context, id int64) error {
	_, err := p.pool.Exec(ctx, `UPDATE service_accounts SET is_active=false, updated_at=now() WHERE id=$1`, id)
	return wrap("revoke service account", err)
}

func (p *Postgres) RegenerateServiceAccountKey(ctx context.Context, id int64, newHash string) error {
	_, err := p.pool.Exec(ctx, `
		UPDATE service_accounts SET api_key_hash=$2, updated_at=now() WHERE id=$1`, id, newHash)
	return wrap("regenerate service account key", err)
}

func (p *Postgres) TouchServiceAccountUsage(ctx context.Context, id int64) error {
	_, err := p.pool.Exec(ctx, `
		UPDATE service_accounts SET last_used=now(), usage_count=usage_count+1 WHERE id=$1`, id)
	return wrap("touch service account usage", err)
}

func (p *Postgres) RecordAPIUsage(ctx context.Context, u *models.APIUsage) error {
	_, err := p.pool.Exec(ctx, `
		INSERT INTO api_usage (service_account_id, endpoint, method, ip_address, user_agent,
			response_status, response_time_ms, request_size, response_size)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9)`,
		u.ServiceAccountID, u.Endpoint, u.Method, u.IPAddress, u.UserAgent, u.ResponseStatus,
		u.ResponseTimeMs, u.RequestSize, u.ResponseSize)
	return wrap("record api usage", err)
}

func (p *Postgres) CountUsageSince(ctx context.Context, serviceAccountID int64, since time.Time) (int, error) {
	var count int
	err := p.readPool.QueryRow(ctx, `
		SELECT count(*) FROM api_usage WHERE service_account_id=$1 AND timestamp >= $2`,
		serviceAccountID, since).Scan(&count)
	return count, wrap("count api usage since", err)
}
