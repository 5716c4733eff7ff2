package postgres

const schemaSQL = `
CREATE TABLE IF NOT EXISTS event_chat_bindings (
	event_id TEXT PRIMARY KEY,
	event_name TEXT NOT NULL DEFAULT '',
	chat_id BIGINT NULL,
	topic_id BIGINT NULL,
	created_at TIMESTAMPTZ NOT NULL DEFAULT now(),
	updated_at TIMESTAMPTZ NOT NULL DEFAULT now(),

	CONSTRAINT event_chat_bindings_chat_topic_uniq UNIQUE (chat_id, topic_id),
	CONSTRAINT event_chat_bindings_topic_requires_chat CHECK (topic_id IS NULL OR chat_id IS NOT NULL)
);

CREATE INDEX IF NOT EXISTS event_chat_bindings_chat_idx ON event_chat_bindings (chat_id);

CREATE TABLE IF NOT EXISTS anon_channels (
	chat_id BIGINT PRIMARY KEY,
	topic_id BIGINT NOT NULL,
	created_at TIMESTAMPTZ NOT NULL DEFAULT now()
);
`
