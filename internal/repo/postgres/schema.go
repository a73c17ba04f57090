package postgres

import (
	"context"
	"fmt"
)

// Schema is applied at service start. Steps reference their owning job
// with ON DELETE CASCADE: a step can never outlive its job. The three
// repeated sub-structures live as JSONB arrays on the step row because
// they are always read and written alongside it. The version column
// guards every update: it bumps on each write, so concurrent writers
// carrying different appends cannot overwrite each other even when
// they agree on the status.
const Schema = `
CREATE TABLE IF NOT EXISTS jobs (
	job_id TEXT PRIMARY KEY,
	pipeline TEXT NOT NULL,
	environment TEXT NOT NULL DEFAULT 'dev',
	namespace TEXT NOT NULL DEFAULT 'default',
	status TEXT NOT NULL DEFAULT 'pending',
	logic_version TEXT NOT NULL,
	request JSONB NOT NULL DEFAULT '{}',
	parameters JSONB NOT NULL DEFAULT '{}',
	run_ref TEXT,
	created_at TIMESTAMPTZ NOT NULL DEFAULT NOW(),
	started_at TIMESTAMPTZ,
	completed_at TIMESTAMPTZ,
	error TEXT,
	metadata JSONB NOT NULL DEFAULT '{}',
	version BIGINT NOT NULL DEFAULT 0
);

CREATE INDEX IF NOT EXISTS idx_jobs_pipeline ON jobs(pipeline);
CREATE INDEX IF NOT EXISTS idx_jobs_environment ON jobs(environment);
CREATE INDEX IF NOT EXISTS idx_jobs_namespace ON jobs(namespace);
CREATE INDEX IF NOT EXISTS idx_jobs_status ON jobs(status);
CREATE INDEX IF NOT EXISTS idx_jobs_created_at ON jobs(created_at);

CREATE TABLE IF NOT EXISTS job_steps (
	step_id TEXT PRIMARY KEY,
	job_id TEXT NOT NULL REFERENCES jobs(job_id) ON DELETE CASCADE,
	step_name TEXT NOT NULL,
	handler_type TEXT NOT NULL,
	action TEXT NOT NULL,
	status TEXT NOT NULL DEFAULT 'pending',
	correlation_id TEXT NOT NULL,
	inputs JSONB NOT NULL DEFAULT '[]',
	outputs JSONB NOT NULL DEFAULT '[]',
	executions JSONB NOT NULL DEFAULT '[]',
	created_at TIMESTAMPTZ NOT NULL DEFAULT NOW(),
	started_at TIMESTAMPTZ,
	completed_at TIMESTAMPTZ,
	duration_ms BIGINT,
	error TEXT,
	metadata JSONB NOT NULL DEFAULT '{}',
	version BIGINT NOT NULL DEFAULT 0
);

CREATE INDEX IF NOT EXISTS idx_job_steps_job_id ON job_steps(job_id);
CREATE INDEX IF NOT EXISTS idx_job_steps_status ON job_steps(status);
CREATE INDEX IF NOT EXISTS idx_job_steps_outputs ON job_steps USING GIN (outputs jsonb_path_ops);
CREATE INDEX IF NOT EXISTS idx_job_steps_inputs ON job_steps USING GIN (inputs jsonb_path_ops);
`

// EnsureSchema creates tables and indexes if they do not exist.
func EnsureSchema(ctx context.Context, db DB) error {
	if db == nil {
		return fmt.Errorf("db is required")
	}
	if _, err := db.ExecContext(ctx, Schema); err != nil {
		return fmt.Errorf("ensure schema: %w", err)
	}
	return nil
}
