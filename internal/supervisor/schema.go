package supervisor

// schemaSQL creates the tasks table. Statements are idempotent so the store
// can run them on every boot.
//
// parent_task_id is a plain reference, not a foreign key: the chain walk
// tolerates parents that were pruned. log_offset counts persisted log
// lines, not bytes.
const schemaSQL = `
CREATE TABLE IF NOT EXISTS tasks (
	id              TEXT PRIMARY KEY,
	owner_user_id   TEXT NOT NULL,
	prompt          TEXT NOT NULL DEFAULT '',
	workspace_path  TEXT NOT NULL,
	status          TEXT NOT NULL DEFAULT 'queued',
	mode            TEXT NOT NULL DEFAULT 'execute',
	parent_task_id  TEXT NOT NULL DEFAULT '',
	container_ref   TEXT NOT NULL DEFAULT '',
	timeout_seconds INTEGER NOT NULL DEFAULT 0,
	heartbeat_at    TIMESTAMPTZ,
	started_at      TIMESTAMPTZ,
	finished_at     TIMESTAMPTZ,
	result          TEXT NOT NULL DEFAULT '',
	error           TEXT NOT NULL DEFAULT '',
	log_offset      BIGINT NOT NULL DEFAULT 0,
	exit_code       INTEGER,
	platform        TEXT NOT NULL DEFAULT '',
	channel         TEXT NOT NULL DEFAULT '',
	thread          TEXT NOT NULL DEFAULT '',
	conversation_id TEXT NOT NULL DEFAULT '',
	created_at      TIMESTAMPTZ NOT NULL
);

CREATE INDEX IF NOT EXISTS idx_tasks_owner ON tasks (owner_user_id, created_at);
CREATE INDEX IF NOT EXISTS idx_tasks_active ON tasks (status) WHERE status IN ('queued', 'running');
CREATE INDEX IF NOT EXISTS idx_tasks_parent ON tasks (parent_task_id);
`
