package scheduler

// schemaSQL creates the scheduler tables. Statements are idempotent so the
// store can run them on every boot.
//
// workflow_id is an opaque grouping key, not a foreign key: jobs may name
// workflows that were created elsewhere or not at all. Workflow status is
// never stored; it is derived from the member jobs on read.
const schemaSQL = `
CREATE TABLE IF NOT EXISTS scheduled_jobs (
	id                   TEXT PRIMARY KEY,
	user_id              TEXT NOT NULL,
	workflow_id          TEXT NOT NULL DEFAULT '',
	name                 TEXT NOT NULL DEFAULT '',
	description          TEXT NOT NULL DEFAULT '',
	job_type             TEXT NOT NULL,
	check_config         JSONB,
	interval_seconds     INTEGER NOT NULL DEFAULT 0,
	max_attempts         INTEGER NOT NULL DEFAULT 0,
	max_runs             INTEGER NOT NULL DEFAULT 0,
	expires_at           TIMESTAMPTZ,
	attempts             INTEGER NOT NULL DEFAULT 0,
	consecutive_failures INTEGER NOT NULL DEFAULT 0,
	runs_completed       INTEGER NOT NULL DEFAULT 0,
	status               TEXT NOT NULL DEFAULT 'active',
	next_run_at          TIMESTAMPTZ,
	last_result          JSONB,
	on_success_message   TEXT NOT NULL DEFAULT '',
	on_failure_message   TEXT NOT NULL DEFAULT '',
	on_complete          TEXT NOT NULL DEFAULT 'notify',
	platform             TEXT NOT NULL DEFAULT '',
	channel              TEXT NOT NULL DEFAULT '',
	thread               TEXT NOT NULL DEFAULT '',
	conversation_id      TEXT NOT NULL DEFAULT '',
	created_at           TIMESTAMPTZ NOT NULL,
	completed_at         TIMESTAMPTZ
);

CREATE INDEX IF NOT EXISTS idx_scheduled_jobs_due ON scheduled_jobs (status, next_run_at);
CREATE INDEX IF NOT EXISTS idx_scheduled_jobs_user ON scheduled_jobs (user_id, created_at);
CREATE INDEX IF NOT EXISTS idx_scheduled_jobs_workflow ON scheduled_jobs (workflow_id);

CREATE TABLE IF NOT EXISTS scheduled_workflows (
	id          TEXT PRIMARY KEY,
	name        TEXT NOT NULL,
	description TEXT NOT NULL DEFAULT '',
	user_id     TEXT NOT NULL,
	created_at  TIMESTAMPTZ NOT NULL
);

CREATE INDEX IF NOT EXISTS idx_scheduled_workflows_user ON scheduled_workflows (user_id, created_at DESC);
`
