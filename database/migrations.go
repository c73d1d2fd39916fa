package database

// migration holds a single schema migration with its target version and SQL.
type migration struct {
	version int
	sql     string
}

// migrations is the ordered list of sqlite migrations used for local
// development and tests. Production databases are migrated by the web app.
var migrations = []migration{
	{
		version: 1,
		sql: `
CREATE TABLE IF NOT EXISTS schema_version (
	version INTEGER NOT NULL
);

CREATE TABLE IF NOT EXISTS "groups" (
	id         TEXT PRIMARY KEY,
	name       TEXT NOT NULL,
	slug       TEXT NOT NULL UNIQUE,
	created_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP
);

CREATE TABLE IF NOT EXISTS group_members (
	id                          TEXT PRIMARY KEY,
	group_id                    TEXT NOT NULL,
	display_name                TEXT NOT NULL DEFAULT '',
	email                       TEXT,
	email_notifications_enabled INTEGER NOT NULL DEFAULT 1,
	email_unsubscribed_at       DATETIME
);

CREATE TABLE IF NOT EXISTS posts (
	id                TEXT PRIMARY KEY,
	group_id          TEXT NOT NULL,
	author_id         TEXT,
	title             TEXT,
	body              TEXT,
	preview_image_url TEXT,
	created_at        DATETIME NOT NULL
);

CREATE TABLE IF NOT EXISTS post_views (
	member_id TEXT NOT NULL,
	post_id   TEXT NOT NULL,
	viewed_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP,
	PRIMARY KEY (member_id, post_id)
);

CREATE INDEX IF NOT EXISTS idx_group_members_group ON group_members(group_id);
CREATE INDEX IF NOT EXISTS idx_posts_created_at ON posts(created_at);
CREATE INDEX IF NOT EXISTS idx_post_views_post ON post_views(post_id);

INSERT INTO schema_version (version) VALUES (1);
`,
	},
}
