package conversations

// schemaSQL creates the conversation tables. Statements are idempotent so
// the store can run them on every boot.
//
// messages.seq is a BIGSERIAL: globally monotonic, therefore strictly
// monotonic within each conversation, which is the ordering the transcript
// relies on.
const schemaSQL = `
CREATE TABLE IF NOT EXISTS users (
	id           TEXT PRIMARY KEY,
	display_name TEXT NOT NULL DEFAULT '',
	permission   TEXT NOT NULL DEFAULT 'user',
	created_at   TIMESTAMPTZ NOT NULL,
	updated_at   TIMESTAMPTZ NOT NULL
);

CREATE TABLE IF NOT EXISTS personas (
	id              TEXT PRIMARY KEY,
	name            TEXT NOT NULL UNIQUE,
	system_prompt   TEXT NOT NULL DEFAULT '',
	allowed_modules JSONB,
	show_synthetic  BOOLEAN NOT NULL DEFAULT FALSE,
	created_at      TIMESTAMPTZ NOT NULL,
	updated_at      TIMESTAMPTZ NOT NULL
);

CREATE TABLE IF NOT EXISTS conversations (
	id         TEXT PRIMARY KEY,
	user_id    TEXT NOT NULL REFERENCES users (id),
	platform   TEXT NOT NULL,
	channel    TEXT NOT NULL,
	thread     TEXT NOT NULL DEFAULT '',
	persona_id TEXT REFERENCES personas (id) ON DELETE SET NULL,
	created_at TIMESTAMPTZ NOT NULL,
	updated_at TIMESTAMPTZ NOT NULL,
	UNIQUE (platform, channel, thread)
);

CREATE INDEX IF NOT EXISTS idx_conversations_user ON conversations (user_id, updated_at DESC);

CREATE TABLE IF NOT EXISTS messages (
	id              TEXT PRIMARY KEY,
	conversation_id TEXT NOT NULL REFERENCES conversations (id) ON DELETE CASCADE,
	seq             BIGSERIAL,
	type            TEXT NOT NULL,
	content         TEXT NOT NULL DEFAULT '',
	tool_call_id    TEXT NOT NULL DEFAULT '',
	tool_name       TEXT NOT NULL DEFAULT '',
	payload         JSONB,
	synthetic       BOOLEAN NOT NULL DEFAULT FALSE,
	attachments     JSONB,
	created_at      TIMESTAMPTZ NOT NULL
);

CREATE INDEX IF NOT EXISTS idx_messages_conversation_seq ON messages (conversation_id, seq);
`
