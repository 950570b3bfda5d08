package store

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

// Postgres is the pgx-backed Store implementation. Reads that can tolerate
// staleness go through readPool (the read replica when configured, otherwise
// the primary), matching the original's db/db_read split.
type Postgres struct {
	pool     *pgxpool.Pool
	readPool *pgxpool.Pool
}

// New wraps a primary pool and an optional read-replica pool (nil falls back
// to the primary for every read).
func New(pool *pgxpool.Pool, readPool *pgxpool.Pool) *Postgres {
	if readPool == nil {
		readPool = pool
	}
	return &Postgres{pool: pool, readPool: readPool}
}

func (p *Postgres) Ping(ctx context.Context) error {
	return p.pool.Ping(ctx)
}

func (p *Postgres) Close() {
	p.pool.Close()
	if p.readPool != p.pool {
		p.readPool.Close()
	}
}

// isNoRows reports whether err is pgx.ErrNoRows; callers then construct the
// apierr.NotFound themselves, since apierr depends on nothing store-specific.
func isNoRows(err error) bool {
	return err == pgx.ErrNoRows
}

func wrap(op string, err error) error {
	if err == nil {
		return nil
	}
	return fmt.Errorf("%s: %w", op, err)
}
