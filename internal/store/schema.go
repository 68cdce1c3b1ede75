package store

import (
	"context"
	"database/sql"
	"fmt"
)

const schema = `
CREATE TABLE IF NOT EXISTS webhook_events (
	event_id VARCHAR(255) PRIMARY KEY,
	event_type VARCHAR(255) NOT NULL,
	resource_id VARCHAR(255),
	payload JSONB NOT NULL,
	status VARCHAR(20) NOT NULL,
	attempts INTEGER NOT NULL DEFAULT 0,
	result VARCHAR(255),
	error TEXT,
	created_at TIMESTAMP WITH TIME ZONE NOT NULL,
	received_at TIMESTAMP WITH TIME ZONE NOT NULL,
	last_attempt_at TIMESTAMP WITH TIME ZONE NOT NULL,
	processed_at TIMESTAMP WITH TIME ZONE
);
CREATE INDEX IF NOT EXISTS idx_webhook_events_inflight
	ON webhook_events (resource_id, created_at) WHERE status = 'processing';
CREATE INDEX IF NOT EXISTS idx_webhook_events_type ON webhook_events (event_type);

CREATE TABLE IF NOT EXISTS webhook_dead_letters (
	id BIGSERIAL PRIMARY KEY,
	event_id VARCHAR(255) NOT NULL,
	event_type VARCHAR(255) NOT NULL,
	payload JSONB NOT NULL,
	error TEXT NOT NULL,
	created_at TIMESTAMP WITH TIME ZONE NOT NULL,
	reprocessed_at TIMESTAMP WITH TIME ZONE
);
CREATE UNIQUE INDEX IF NOT EXISTS ux_webhook_dead_letters_pending
	ON webhook_dead_letters (event_id) WHERE reprocessed_at IS NULL;
CREATE INDEX IF NOT EXISTS idx_webhook_dead_letters_created ON webhook_dead_letters (created_at);
`

// EnsureSchema creates the ledger and dead-letter tables if missing.
func EnsureSchema(ctx context.Context, db *sql.DB) error {
	if _, err := db.ExecContext(ctx, schema); err != nil {
		return fmt.Errorf("ensure schema: %w", err)
	}
	return nil
}

// Open opens a Postgres connection pool with the service's pool settings.
func Open(databaseURL string) (*sql.DB, error) {
	db, err := sql.Open("postgres", databaseURL)
	if err != nil {
		return nil, fmt.Errorf("open postgres: %w", err)
	}
	db.SetMaxOpenConns(20)
	db.SetMaxIdleConns(10)
	return db, nil
}
