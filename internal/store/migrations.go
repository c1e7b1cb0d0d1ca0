package store

type migration struct {
	version int
	sql     string
}

// migrations must be ordered by version, starting from 1.
var migrations = []migration{
	{
		version: 1,
		sql: `
CREATE TABLE IF NOT EXISTS schema_version (
	version INTEGER NOT NULL
);

CREATE TABLE IF NOT EXISTS tasks (
	id                    TEXT PRIMARY KEY,
	owner_id              TEXT NOT NULL,
	name                  TEXT NOT NULL DEFAULT '',
	search_query          TEXT NOT NULL,
	condition_description TEXT NOT NULL,
	schedule              TEXT NOT NULL,
	notify_behavior       TEXT NOT NULL CHECK(notify_behavior IN ('once', 'always', 'track_state')),
	notify_email          TEXT NOT NULL DEFAULT '',
	is_active             INTEGER NOT NULL DEFAULT 1 CHECK(is_active IN (0, 1)),
	last_known_state      TEXT,
	last_notified_at      DATETIME,
	last_fired_at         DATETIME,
	version               INTEGER NOT NULL DEFAULT 0,
	created_at            DATETIME NOT NULL,
	updated_at            DATETIME NOT NULL
);

CREATE TABLE IF NOT EXISTS executions (
	id            TEXT PRIMARY KEY,
	task_id       TEXT NOT NULL,
	started_at    DATETIME NOT NULL,
	finished_at   DATETIME,
	status        TEXT NOT NULL CHECK(status IN ('running', 'success', 'failed')),
	condition_met INTEGER NOT NULL DEFAULT 0,
	answer        TEXT NOT NULL DEFAULT '',
	reasoning     TEXT NOT NULL DEFAULT '',
	sources       TEXT NOT NULL DEFAULT '[]',
	error_message TEXT,
	retry_count   INTEGER NOT NULL DEFAULT 0,
	notified      INTEGER NOT NULL DEFAULT 0,
	worker_id     TEXT NOT NULL DEFAULT ''
);

CREATE TABLE IF NOT EXISTS notification_deliveries (
	id                  TEXT PRIMARY KEY,
	execution_id        TEXT NOT NULL,
	task_id             TEXT NOT NULL,
	channel             TEXT NOT NULL CHECK(channel IN ('webhook', 'email')),
	target              TEXT NOT NULL DEFAULT '',
	status              TEXT NOT NULL CHECK(status IN ('pending', 'success', 'failed', 'retrying')),
	attempts            INTEGER NOT NULL DEFAULT 0,
	next_retry_at       INTEGER,
	http_status_code    INTEGER,
	error_message       TEXT,
	signature_timestamp INTEGER,
	secret_version      INTEGER,
	locked_until        INTEGER,
	created_at          DATETIME NOT NULL,
	updated_at          DATETIME NOT NULL
);

CREATE TABLE IF NOT EXISTS webhook_configs (
	id             TEXT PRIMARY KEY,
	owner_id       TEXT NOT NULL,
	task_id        TEXT NOT NULL DEFAULT '',
	url            TEXT NOT NULL,
	secret         TEXT NOT NULL DEFAULT '',
	secret_version INTEGER NOT NULL DEFAULT 1,
	enabled        INTEGER NOT NULL DEFAULT 1,
	invalid_reason TEXT NOT NULL DEFAULT '',
	updated_at     DATETIME NOT NULL,
	UNIQUE(owner_id, task_id)
);

CREATE TABLE IF NOT EXISTS task_leases (
	task_id     TEXT PRIMARY KEY,
	holder      TEXT NOT NULL,
	acquired_at INTEGER NOT NULL,
	expires_at  INTEGER NOT NULL
);

CREATE INDEX IF NOT EXISTS idx_tasks_active ON tasks(is_active);
CREATE INDEX IF NOT EXISTS idx_executions_task_started ON executions(task_id, started_at);
CREATE INDEX IF NOT EXISTS idx_executions_status ON executions(status);
CREATE INDEX IF NOT EXISTS idx_deliveries_execution ON notification_deliveries(execution_id);
CREATE INDEX IF NOT EXISTS idx_deliveries_due ON notification_deliveries(status, next_retry_at);

INSERT INTO schema_version (version) VALUES (1);
`,
	},
}
