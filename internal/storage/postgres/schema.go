package postgres

// Schema creates the tables the Store reads and writes. Migrate applies it
// idempotently.
const Schema = `
CREATE TABLE IF NOT EXISTS records (
	id                TEXT PRIMARY KEY,
	title             TEXT NOT NULL DEFAULT '',
	metadata          JSONB NOT NULL,
	local_image_count INTEGER NOT NULL DEFAULT 0,
	viewed            BOOLEAN NOT NULL DEFAULT FALSE,
	liked             BOOLEAN NOT NULL DEFAULT FALSE,
	submitted         BOOLEAN NOT NULL DEFAULT FALSE,
	cached_locally    BOOLEAN NOT NULL DEFAULT FALSE,
	created_at        TIMESTAMPTZ NOT NULL,
	updated_at        TIMESTAMPTZ NOT NULL
);
CREATE INDEX IF NOT EXISTS records_updated_at_idx ON records (updated_at DESC);

CREATE TABLE IF NOT EXISTS remote_records (
	id      TEXT PRIMARY KEY,
	title   TEXT NOT NULL DEFAULT '',
	payload JSONB NOT NULL
);

CREATE TABLE IF NOT EXISTS operation_history (
	id            BIGSERIAL PRIMARY KEY,
	target_id     TEXT NOT NULL,
	operation     TEXT NOT NULL,
	status        TEXT NOT NULL,
	actor         TEXT NOT NULL,
	error_message TEXT,
	ts            TIMESTAMPTZ NOT NULL
);

CREATE TABLE IF NOT EXISTS task_history (
	task_id      TEXT PRIMARY KEY,
	task_kind    TEXT NOT NULL,
	status       TEXT NOT NULL,
	target_ids   JSONB NOT NULL,
	failed_ids   JSONB NOT NULL,
	total_count  INTEGER NOT NULL,
	failed_count INTEGER NOT NULL,
	start_time   TIMESTAMPTZ NOT NULL,
	end_time     TIMESTAMPTZ
);
CREATE INDEX IF NOT EXISTS task_history_start_time_idx ON task_history (start_time DESC);
`
