// Package database archives request records in PostgreSQL and serves usage
// reports over them.
package database

import (
	"context"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
)

// DB wraps the PostgreSQL connection pool and provides query methods.
type DB struct {
	Pool *pgxpool.Pool
}

// New creates a new database connection pool.
func New(ctx context.Context, dsn string) (*DB, error) {
	config, err := pgxpool.ParseConfig(dsn)
	if err != nil {
		return nil, fmt.Errorf("parsing database config: %w", err)
	}

	config.MaxConns = 20
	config.MinConns = 2
	config.MaxConnLifetime = 30 * time.Minute
	config.MaxConnIdleTime = 5 * time.Minute

	ctx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()

	pool, err := pgxpool.NewWithConfig(ctx, config)
	if err != nil {
		return nil, fmt.Errorf("creating connection pool: %w", err)
	}

	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("pinging database: %w", err)
	}

	return &DB{Pool: pool}, nil
}

// Close shuts down the connection pool.
func (db *DB) Close() {
	db.Pool.Close()
}

// Migrate runs database schema migrations.
// An advisory lock prevents concurrent replicas from racing on DDL statements.
func (db *DB) Migrate(ctx context.Context) error {
	// Acquire a dedicated connection for the advisory lock.
	conn, err := db.Pool.Acquire(ctx)
	if err != nil {
		return fmt.Errorf("acquiring connection for migration: %w", err)
	}
	defer conn.Release()

	// Application-specific lock ID to avoid collisions with other apps on the
	// same PostgreSQL instance.
	const migrationLockID int64 = 0x544F_4C01 // "TOL" prefix + 01
	if _, err := conn.Exec(ctx, "SELECT pg_advisory_lock($1)", migrationLockID); err != nil {
		return fmt.Errorf("acquiring migration lock: %w", err)
	}
	defer conn.Exec(ctx, "SELECT pg_advisory_unlock($1)", migrationLockID)

	schema := `
	CREATE TABLE IF NOT EXISTS gateway_requests (
		request_id        TEXT PRIMARY KEY,
		timestamp         TIMESTAMPTZ NOT NULL DEFAULT NOW(),
		client            TEXT NOT NULL,
		endpoint          TEXT NOT NULL,
		method            TEXT NOT NULL,
		model             TEXT NOT NULL DEFAULT '',
		tokens            BIGINT NOT NULL DEFAULT 0,
		duration_seconds  DOUBLE PRECISION NOT NULL DEFAULT 0,
		cache_hit         BOOLEAN NOT NULL DEFAULT FALSE,
		status_code       INTEGER NOT NULL DEFAULT 0,
		error             TEXT NOT NULL DEFAULT '',
		cost_usd          DOUBLE PRECISION,
		scope             TEXT NOT NULL DEFAULT ''
	);

	CREATE INDEX IF NOT EXISTS idx_gateway_requests_timestamp ON gateway_requests(timestamp);
	CREATE INDEX IF NOT EXISTS idx_gateway_requests_client ON gateway_requests(client);
	CREATE INDEX IF NOT EXISTS idx_gateway_requests_model ON gateway_requests(model);
	`

	_, err = conn.Exec(ctx, schema)
	if err != nil {
		return fmt.Errorf("running migrations: %w", err)
	}

	return nil
}
