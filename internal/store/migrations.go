package store

// migration holds a single schema migration with its target version and SQL.
type migration struct {
	version int
	sql     string
}

// migrations is the ordered list of schema migrations.
// Each migration's version must be sequential starting from 1.
var migrations = []migration{
	{
		version: 1,
		sql: `
CREATE TABLE IF NOT EXISTS schema_version (
	version INTEGER NOT NULL
);

CREATE TABLE IF NOT EXISTS messages (
	id                 TEXT PRIMARY KEY,
	drive_id           TEXT NOT NULL,
	file_id            TEXT NOT NULL DEFAULT '',
	version_tag        TEXT NOT NULL DEFAULT '',
	origin_id          TEXT NOT NULL DEFAULT '',
	thread_id          TEXT NOT NULL DEFAULT '',
	subject            TEXT NOT NULL DEFAULT '',
	body               TEXT NOT NULL DEFAULT '',
	sender             TEXT NOT NULL DEFAULT '',
	recipients         TEXT NOT NULL DEFAULT '[]',
	created_at         DATETIME NOT NULL,
	updated_at         DATETIME NOT NULL,
	transit_created_at DATETIME,
	user_date          DATETIME,
	is_read            INTEGER NOT NULL DEFAULT 0 CHECK(is_read IN (0, 1)),
	allow_distribution INTEGER NOT NULL DEFAULT 0 CHECK(allow_distribution IN (0, 1)),
	delivery_status    TEXT NOT NULL DEFAULT '{}',
	attachments        TEXT NOT NULL DEFAULT '[]',
	preview_thumbnail  TEXT NOT NULL DEFAULT ''
);

CREATE UNIQUE INDEX IF NOT EXISTS idx_messages_drive_file
	ON messages(drive_id, file_id) WHERE file_id != '';

CREATE INDEX IF NOT EXISTS idx_messages_thread_id ON messages(thread_id);
CREATE INDEX IF NOT EXISTS idx_messages_origin_id ON messages(origin_id);
CREATE INDEX IF NOT EXISTS idx_messages_drive_updated ON messages(drive_id, updated_at);
CREATE INDEX IF NOT EXISTS idx_messages_is_read ON messages(is_read);

CREATE TABLE IF NOT EXISTS inbox_cursors (
	drive_id   TEXT PRIMARY KEY,
	state      TEXT NOT NULL DEFAULT '',
	drained    INTEGER NOT NULL DEFAULT 0 CHECK(drained IN (0, 1)),
	updated_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP
);

INSERT INTO schema_version (version) VALUES (1);
`,
	},
}
