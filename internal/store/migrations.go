package store

import (
	"context"
	"database/sql"
)

// schema contains the DDL for all dispatchd tables.
// Each statement uses IF NOT EXISTS for idempotency.
var schema = []string{
	`CREATE TABLE IF NOT EXISTS workers (
		shard         TEXT PRIMARY KEY,
		hostname      TEXT NOT NULL DEFAULT '',
		addr          TEXT NOT NULL DEFAULT '',
		instance_id   TEXT NOT NULL DEFAULT '',
		state         TEXT NOT NULL DEFAULT 'new',
		last_seen     TEXT NOT NULL,
		registered_at TEXT NOT NULL
	)`,

	`CREATE TABLE IF NOT EXISTS running_tasks (
		task_id    TEXT PRIMARY KEY,
		shard      TEXT NOT NULL,
		started_at TEXT NOT NULL
	)`,

	`CREATE TABLE IF NOT EXISTS tasks (
		id           TEXT PRIMARY KEY,
		command      TEXT NOT NULL,
		host_pin     TEXT NOT NULL DEFAULT '',
		state        TEXT NOT NULL DEFAULT 'QUEUED',
		shard        TEXT NOT NULL DEFAULT '',
		exit_code    INTEGER,
		retry_count  INTEGER NOT NULL DEFAULT 0,
		max_retries  INTEGER NOT NULL DEFAULT 0,
		created_at   TEXT NOT NULL,
		started_at   TEXT,
		completed_at TEXT
	)`,

	`CREATE INDEX IF NOT EXISTS idx_workers_state ON workers(state)`,
	`CREATE INDEX IF NOT EXISTS idx_running_tasks_shard ON running_tasks(shard)`,
	`CREATE INDEX IF NOT EXISTS idx_tasks_state ON tasks(state)`,
	`CREATE INDEX IF NOT EXISTS idx_tasks_shard ON tasks(shard)`,
}

// migrate executes all schema DDL statements.
func migrate(ctx context.Context, db *sql.DB) error {
	for _, stmt := range schema {
		if _, err := db.ExecContext(ctx, stmt); err != nil {
			return err
		}
	}
	return nil
}
