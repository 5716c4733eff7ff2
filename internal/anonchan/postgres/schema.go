package postgres

const schemaSQL = `
CREATE TABLE IF NOT EXISTS anon_message_sends (
	id UUID PRIMARY KEY,
	limit_key TEXT NOT NULL,
	sent_at TIMESTAMPTZ NOT NULL
);

CREATE INDEX IF NOT EXISTS anon_message_sends_key_sent_idx ON anon_message_sends (limit_key, sent_at);
`
