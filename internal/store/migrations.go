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

CREATE TABLE IF NOT EXISTS accounts (
	id           TEXT PRIMARY KEY,
	name         TEXT NOT NULL DEFAULT '',
	host         TEXT NOT NULL,
	port         INTEGER NOT NULL DEFAULT 993,
	username     TEXT NOT NULL,
	password     TEXT NOT NULL DEFAULT '',
	password_key TEXT NOT NULL DEFAULT '',
	tls          INTEGER NOT NULL DEFAULT 1,
	mailbox      TEXT NOT NULL DEFAULT 'INBOX',
	created_at   DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP,
	updated_at   DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP
);

CREATE TABLE IF NOT EXISTS messages (
	id           TEXT PRIMARY KEY,
	account_id   TEXT NOT NULL,
	provider_key TEXT NOT NULL,
	uid          INTEGER NOT NULL,
	message_id   TEXT NOT NULL DEFAULT '',
	subject      TEXT NOT NULL DEFAULT '',
	sender       TEXT NOT NULL DEFAULT '',
	recipient    TEXT NOT NULL DEFAULT '',
	date         DATETIME NOT NULL,
	flags        TEXT NOT NULL DEFAULT '[]',
	body         TEXT,
	synced_at    DATETIME NOT NULL,
	UNIQUE(account_id, provider_key),
	FOREIGN KEY(account_id) REFERENCES accounts(id)
);

CREATE INDEX IF NOT EXISTS idx_messages_account_uid ON messages(account_id, uid);

INSERT INTO schema_version (version) VALUES (1);
`,
	},
}
