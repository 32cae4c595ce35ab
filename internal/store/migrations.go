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

CREATE TABLE IF NOT EXISTS folder_messages (
	folder     TEXT NOT NULL,
	id         TEXT NOT NULL,
	seq_key    INTEGER NOT NULL,
	flags      INTEGER NOT NULL DEFAULT 0,
	envelope   TEXT NOT NULL DEFAULT '{}',
	size       INTEGER NOT NULL DEFAULT 0,
	updated_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP,
	PRIMARY KEY (folder, id)
);

CREATE INDEX IF NOT EXISTS idx_folder_messages_order
	ON folder_messages(folder, seq_key, id);

INSERT INTO schema_version (version) VALUES (1);
`,
	},
	{
		version: 2,
		sql: `
CREATE TABLE IF NOT EXISTS mailbox_trees (
	account_id TEXT PRIMARY KEY,
	tree       TEXT NOT NULL,
	updated_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP
);

INSERT INTO schema_version (version) VALUES (2);
`,
	},
}
