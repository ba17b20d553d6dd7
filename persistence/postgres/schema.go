package postgres

import "context"

var schemaStatements = []string{
	`CREATE TABLE IF NOT EXISTS executions (
		id               TEXT PRIMARY KEY,
		workflow_name    TEXT NOT NULL,
		workflow_version INTEGER NOT NULL,
		status           TEXT NOT NULL,
		trigger_data     JSONB NOT NULL DEFAULT '{}'::jsonb,
		error            JSONB,
		archived         BOOLEAN NOT NULL DEFAULT FALSE,
		started_at       TIMESTAMPTZ NOT NULL,
		ended_at         TIMESTAMPTZ
	)`,
	`CREATE INDEX IF NOT EXISTS executions_workflow_idx ON executions (workflow_name, status)`,
	`CREATE TABLE IF NOT EXISTS steps (
		execution_id TEXT NOT NULL,
		node_id      TEXT NOT NULL,
		status       TEXT NOT NULL,
		attempt      INTEGER NOT NULL,
		data         JSONB NOT NULL,
		PRIMARY KEY (execution_id, node_id)
	)`,
	`CREATE TABLE IF NOT EXISTS join_counters (
		execution_id TEXT NOT NULL,
		node_id      TEXT NOT NULL,
		remaining    INTEGER NOT NULL,
		PRIMARY KEY (execution_id, node_id)
	)`,
	`CREATE TABLE IF NOT EXISTS completion_claims (
		execution_id TEXT NOT NULL,
		node_id      TEXT NOT NULL,
		attempt      INTEGER NOT NULL,
		claimed_at   TIMESTAMPTZ NOT NULL DEFAULT now(),
		PRIMARY KEY (execution_id, node_id, attempt)
	)`,
	`CREATE TABLE IF NOT EXISTS snapshots (
		ref  TEXT PRIMARY KEY,
		data JSONB NOT NULL
	)`,
	`CREATE TABLE IF NOT EXISTS variable_refs (
		execution_id TEXT PRIMARY KEY,
		ref          TEXT NOT NULL
	)`,
	`CREATE TABLE IF NOT EXISTS ready_queue (
		id           BIGSERIAL PRIMARY KEY,
		part         INTEGER NOT NULL,
		execution_id TEXT NOT NULL,
		node_id      TEXT NOT NULL,
		attempt      INTEGER NOT NULL,
		data         JSONB NOT NULL,
		enqueued_at  TIMESTAMPTZ NOT NULL DEFAULT now()
	)`,
	`CREATE INDEX IF NOT EXISTS ready_queue_partition_idx ON ready_queue (part, id)`,
	`CREATE TABLE IF NOT EXISTS scheduled_queue (
		id        BIGSERIAL PRIMARY KEY,
		lane      TEXT NOT NULL,
		part      INTEGER NOT NULL,
		due_at    TIMESTAMPTZ NOT NULL,
		data      JSONB NOT NULL
	)`,
	`CREATE INDEX IF NOT EXISTS scheduled_queue_due_idx ON scheduled_queue (lane, part, due_at)`,
	`CREATE TABLE IF NOT EXISTS definitions (
		name      TEXT NOT NULL,
		version   INTEGER NOT NULL,
		published BOOLEAN NOT NULL DEFAULT FALSE,
		data      JSONB NOT NULL,
		PRIMARY KEY (name, version)
	)`,
	`CREATE TABLE IF NOT EXISTS events (
		id           BIGSERIAL PRIMARY KEY,
		execution_id TEXT NOT NULL,
		data         JSONB NOT NULL
	)`,
	`CREATE INDEX IF NOT EXISTS events_execution_idx ON events (execution_id, id)`,
}

// EnsureSchema creates every table the backend needs. Statements are
// idempotent, running them on boot is safe.
func (s *Store) EnsureSchema(ctx context.Context) error {
	for _, stmt := range schemaStatements {
		if _, err := s.pool.Exec(ctx, stmt); err != nil {
			return err
		}
	}
	return nil
}
