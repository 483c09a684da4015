package database

import (
	"context"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
)

// Connect opens a pgx connection pool using the provided DSN.
func Connect(ctx context.Context, dsn string) (*pgxpool.Pool, error) {
	cfg, err := pgxpool.ParseConfig(dsn)
	if err != nil {
		return nil, fmt.Errorf("parse dsn: %w", err)
	}
	cfg.MaxConns = 8
	cfg.MaxConnIdleTime = 5 * time.Minute
	return pgxpool.NewWithConfig(ctx, cfg)
}

// EnsureSchema creates the uploaded_files and products tables if needed.
// Having the migration in code keeps the stack self-contained so
// docker-compose can bootstrap everything.
func EnsureSchema(ctx context.Context, pool *pgxpool.Pool) error {
	const stmt = `
CREATE TABLE IF NOT EXISTS uploaded_files (
	id TEXT PRIMARY KEY,
	filename TEXT NOT NULL,
	location TEXT NOT NULL,
	content_type TEXT NOT NULL,
	status TEXT NOT NULL,
	total_records BIGINT NOT NULL DEFAULT 0,
	records_processed BIGINT NOT NULL DEFAULT 0,
	records_failed BIGINT NOT NULL DEFAULT 0,
	uploaded_at TIMESTAMPTZ NOT NULL,
	updated_at TIMESTAMPTZ NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_uploaded_files_status ON uploaded_files(status);
CREATE TABLE IF NOT EXISTS products (
	code TEXT PRIMARY KEY,
	product_name TEXT,
	file_id TEXT NOT NULL,
	last_modified TIMESTAMPTZ NOT NULL,
	extra JSONB NOT NULL DEFAULT '{}'::jsonb
);
CREATE INDEX IF NOT EXISTS idx_products_product_name ON products(product_name);`
	_, err := pool.Exec(ctx, stmt)
	if err != nil {
		return fmt.Errorf("ensure schema: %w", err)
	}
	return nil
}
