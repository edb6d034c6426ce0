package store

import (
	"context"
	"database/sql"
)

// schema contains the DDL for all run history tables.
// Each statement uses IF NOT EXISTS for idempotency.
var schema = []string{
	`CREATE TABLE IF NOT EXISTS runs (
		id           TEXT PRIMARY KEY,
		workflow_id  TEXT NOT NULL DEFAULT '',
		status       TEXT NOT NULL,
		error        TEXT NOT NULL DEFAULT '',
		started_at   TEXT NOT NULL,
		completed_at TEXT
	)`,

	`CREATE TABLE IF NOT EXISTS node_results (
		run_id       TEXT NOT NULL REFERENCES runs(id) ON DELETE CASCADE,
		node_id      TEXT NOT NULL,
		analysis     TEXT NOT NULL DEFAULT '',
		mode         TEXT NOT NULL DEFAULT '',
		state        TEXT NOT NULL,
		outputs      TEXT NOT NULL DEFAULT '{}',
		error        TEXT NOT NULL DEFAULT '',
		started_at   TEXT,
		completed_at TEXT,
		PRIMARY KEY (run_id, node_id)
	)`,

	// Events arrive while a run executes, before its runs row exists, so
	// they carry no foreign key.
	`CREATE TABLE IF NOT EXISTS events (
		seq        INTEGER PRIMARY KEY AUTOINCREMENT,
		run_id     TEXT NOT NULL,
		node_id    TEXT NOT NULL,
		from_state TEXT NOT NULL,
		to_state   TEXT NOT NULL,
		error      TEXT NOT NULL DEFAULT '',
		at         TEXT NOT NULL
	)`,

	`CREATE INDEX IF NOT EXISTS idx_runs_status ON runs(status)`,
	`CREATE INDEX IF NOT EXISTS idx_runs_started_at ON runs(started_at)`,
	`CREATE INDEX IF NOT EXISTS idx_events_run_id ON events(run_id)`,
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
