package pgstore

import (
	"context"
	"fmt"
)

const schemaQuery = `
CREATE TABLE IF NOT EXISTS executions (
	execution_id  TEXT PRIMARY KEY,
	pipeline_name TEXT NOT NULL,
	status        TEXT NOT NULL,
	started_at    TIMESTAMPTZ NOT NULL,
	completed_at  TIMESTAMPTZ
);

CREATE INDEX IF NOT EXISTS executions_pipeline_started_idx
	ON executions (pipeline_name, started_at DESC);

CREATE TABLE IF NOT EXISTS step_executions (
	execution_id    TEXT NOT NULL REFERENCES executions (execution_id),
	step_name       TEXT NOT NULL,
	job_type        TEXT NOT NULL,
	resolved_params JSONB NOT NULL DEFAULT '{}',
	status          TEXT NOT NULL,
	attempt         INTEGER NOT NULL DEFAULT 0,
	output          JSONB NOT NULL DEFAULT '{}',
	error_message   TEXT,
	PRIMARY KEY (execution_id, step_name)
);
`

// EnsureSchema creates the store's tables and indexes when missing. Safe to
// run on every startup.
func (s *Store) EnsureSchema(ctx context.Context) error {
	if _, err := s.db.ExecContext(ctx, schemaQuery); err != nil {
		return fmt.Errorf("ensure schema: %w", err)
	}
	return nil
}
