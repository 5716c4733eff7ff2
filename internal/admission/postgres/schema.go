package postgres

const schemaSQL = `
CREATE TABLE IF NOT EXISTS admission_records (
	user_id BIGINT NOT NULL,
	chat_id BIGINT NOT NULL,
	verified BOOLEAN NOT NULL DEFAULT TRUE,
	binding_id TEXT NOT NULL,
	event_id TEXT NOT NULL DEFAULT '',
	created_at TIMESTAMPTZ NOT NULL DEFAULT now(),
	updated_at TIMESTAMPTZ NOT NULL DEFAULT now(),

	PRIMARY KEY (user_id, chat_id)
);

CREATE INDEX IF NOT EXISTS admission_records_chat_idx ON admission_records (chat_id);

CREATE TABLE IF NOT EXISTS admission_key_leases (
	lease_key TEXT PRIMARY KEY,
	holder TEXT NOT NULL,
	expires_at TIMESTAMPTZ NOT NULL
);
`
