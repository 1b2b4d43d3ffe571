package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
)

type Migration struct {
	Version int
	UpSQL   string
	DownSQL string
}

var migrations = []Migration{
	{
		Version: 1,
		UpSQL: `
CREATE TABLE IF NOT EXISTS instances (
	instance_id TEXT PRIMARY KEY,
	name TEXT NOT NULL UNIQUE,
	kind TEXT NOT NULL CHECK(kind IN ('rest','github')),
	base_url TEXT NOT NULL,
	credential_ref TEXT NOT NULL,
	server_version TEXT NOT NULL DEFAULT '',
	connection_status TEXT NOT NULL DEFAULT 'disconnected'
		CHECK(connection_status IN ('connected','disconnected','auth_failed','incompatible','network_error')),
	is_active INTEGER NOT NULL DEFAULT 0,
	created_at TEXT NOT NULL,
	updated_at TEXT NOT NULL
);

CREATE UNIQUE INDEX IF NOT EXISTS instances_single_active
ON instances(is_active) WHERE is_active = 1;

CREATE TABLE IF NOT EXISTS changes (
	change_id TEXT PRIMARY KEY,
	instance_id TEXT NOT NULL,
	remote_id TEXT NOT NULL,
	project TEXT NOT NULL DEFAULT '',
	branch TEXT NOT NULL DEFAULT '',
	subject TEXT NOT NULL DEFAULT '',
	status TEXT NOT NULL DEFAULT 'new' CHECK(status IN ('new','merged','abandoned')),
	current_revision TEXT NOT NULL DEFAULT '',
	import_status TEXT NOT NULL CHECK(import_status IN ('pending','importing','imported','failed','outdated')),
	conflict_status TEXT NOT NULL DEFAULT 'none'
		CHECK(conflict_status IN ('none','comments_pending','patch_set_updated','manual_resolution_required')),
	last_synced_at TEXT,
	created_at TEXT NOT NULL,
	updated_at TEXT NOT NULL,
	UNIQUE(instance_id, remote_id),
	FOREIGN KEY(instance_id) REFERENCES instances(instance_id) ON DELETE CASCADE
);

CREATE TABLE IF NOT EXISTS patch_sets (
	patch_set_id TEXT PRIMARY KEY,
	change_id TEXT NOT NULL,
	number INTEGER NOT NULL CHECK(number > 0),
	revision TEXT NOT NULL,
	author TEXT NOT NULL DEFAULT '',
	created_at TEXT NOT NULL,
	is_current INTEGER NOT NULL DEFAULT 0,
	UNIQUE(change_id, number),
	UNIQUE(change_id, revision),
	FOREIGN KEY(change_id) REFERENCES changes(change_id) ON DELETE CASCADE
);

CREATE UNIQUE INDEX IF NOT EXISTS patch_sets_single_current
ON patch_sets(change_id) WHERE is_current = 1;

CREATE TABLE IF NOT EXISTS files (
	file_id TEXT PRIMARY KEY,
	change_id TEXT NOT NULL,
	patch_set_number INTEGER NOT NULL,
	path TEXT NOT NULL,
	old_path TEXT NOT NULL DEFAULT '',
	change_type TEXT NOT NULL CHECK(change_type IN ('added','modified','deleted','renamed')),
	lines_inserted INTEGER NOT NULL DEFAULT 0,
	lines_deleted INTEGER NOT NULL DEFAULT 0,
	is_binary INTEGER NOT NULL DEFAULT 0,
	review_status TEXT NOT NULL DEFAULT 'unreviewed'
		CHECK(review_status IN ('unreviewed','pending','reviewed','approved','needs_work')),
	UNIQUE(change_id, patch_set_number, path),
	FOREIGN KEY(change_id, patch_set_number) REFERENCES patch_sets(change_id, number) ON DELETE CASCADE
);

CREATE TABLE IF NOT EXISTS comments (
	comment_id TEXT PRIMARY KEY,
	remote_id TEXT,
	change_id TEXT NOT NULL,
	file_path TEXT NOT NULL DEFAULT '',
	patch_set_number INTEGER NOT NULL,
	line INTEGER NOT NULL DEFAULT 0,
	range_start_line INTEGER,
	range_start_char INTEGER,
	range_end_line INTEGER,
	range_end_char INTEGER,
	message TEXT NOT NULL,
	author TEXT NOT NULL DEFAULT '',
	parent_id TEXT,
	unresolved INTEGER NOT NULL DEFAULT 0,
	sync_status TEXT NOT NULL
		CHECK(sync_status IN ('local_only','sync_pending','synced','sync_failed','conflict_detected','modified_locally')),
	base_message TEXT NOT NULL DEFAULT '',
	remote_message TEXT NOT NULL DEFAULT '',
	remote_updated_at TEXT,
	conflict_reason TEXT NOT NULL DEFAULT '' CHECK(conflict_reason IN ('','remote_edited','remote_deleted')),
	ever_synced INTEGER NOT NULL DEFAULT 0,
	deleted INTEGER NOT NULL DEFAULT 0,
	created_at TEXT NOT NULL,
	updated_at TEXT NOT NULL,
	CHECK(remote_id IS NULL OR ever_synced = 1),
	FOREIGN KEY(change_id) REFERENCES changes(change_id) ON DELETE CASCADE,
	FOREIGN KEY(parent_id) REFERENCES comments(comment_id)
);

CREATE UNIQUE INDEX IF NOT EXISTS comments_remote_id
ON comments(change_id, remote_id) WHERE remote_id IS NOT NULL;

CREATE INDEX IF NOT EXISTS comments_change_sync_status
ON comments(change_id, sync_status);

CREATE TABLE IF NOT EXISTS reviews (
	review_id TEXT PRIMARY KEY,
	change_id TEXT NOT NULL,
	patch_set_number INTEGER NOT NULL,
	message TEXT NOT NULL DEFAULT '',
	labels_json TEXT NOT NULL DEFAULT '{}',
	comment_ids_json TEXT NOT NULL DEFAULT '[]',
	status TEXT NOT NULL
		CHECK(status IN ('draft','pending_submission','submitted','submission_failed','partially_submitted')),
	last_error TEXT NOT NULL DEFAULT '',
	created_at TEXT NOT NULL,
	updated_at TEXT NOT NULL,
	submitted_at TEXT,
	FOREIGN KEY(change_id) REFERENCES changes(change_id) ON DELETE CASCADE
);

CREATE TABLE IF NOT EXISTS operations (
	operation_id TEXT PRIMARY KEY,
	instance_id TEXT NOT NULL,
	change_id TEXT,
	op_type TEXT NOT NULL
		CHECK(op_type IN ('push_comment','submit_review','pull_change','push_local','cleanup_credentials')),
	target_id TEXT NOT NULL,
	priority INTEGER NOT NULL,
	status TEXT NOT NULL CHECK(status IN ('pending','in_progress','completed','failed','cancelled')),
	payload TEXT NOT NULL DEFAULT '',
	retry_count INTEGER NOT NULL DEFAULT 0,
	max_retries INTEGER NOT NULL,
	next_attempt_at TEXT NOT NULL,
	last_error TEXT NOT NULL DEFAULT '',
	requeue INTEGER NOT NULL DEFAULT 0,
	created_at TEXT NOT NULL,
	updated_at TEXT NOT NULL,
	completed_at TEXT,
	FOREIGN KEY(change_id) REFERENCES changes(change_id) ON DELETE CASCADE
);

CREATE INDEX IF NOT EXISTS operations_status_priority
ON operations(status, priority DESC, created_at);

CREATE UNIQUE INDEX IF NOT EXISTS operations_active_target
ON operations(op_type, target_id) WHERE status IN ('pending','in_progress');

CREATE TABLE IF NOT EXISTS credentials (
	instance_id TEXT PRIMARY KEY,
	nonce BLOB NOT NULL,
	ciphertext BLOB NOT NULL,
	updated_at TEXT NOT NULL
);

CREATE TABLE IF NOT EXISTS conflict_log (
	conflict_id TEXT PRIMARY KEY,
	change_id TEXT NOT NULL,
	comment_id TEXT NOT NULL,
	reason TEXT NOT NULL,
	strategy TEXT NOT NULL,
	outcome TEXT NOT NULL,
	local_updated_at TEXT NOT NULL,
	remote_updated_at TEXT,
	detected_at TEXT NOT NULL,
	resolved_at TEXT,
	FOREIGN KEY(change_id) REFERENCES changes(change_id) ON DELETE CASCADE
);

CREATE INDEX IF NOT EXISTS conflict_log_comment
ON conflict_log(comment_id, resolved_at);
`,
		DownSQL: `
DROP TABLE IF EXISTS conflict_log;
DROP TABLE IF EXISTS credentials;
DROP TABLE IF EXISTS operations;
DROP TABLE IF EXISTS reviews;
DROP TABLE IF EXISTS comments;
DROP TABLE IF EXISTS files;
DROP TABLE IF EXISTS patch_sets;
DROP TABLE IF EXISTS changes;
DROP TABLE IF EXISTS instances;
`,
	},
	{
		Version: 2,
		UpSQL: `
ALTER TABLE comments ADD COLUMN edited_at TEXT NOT NULL DEFAULT '';
UPDATE comments SET edited_at = updated_at;
`,
		DownSQL: `ALTER TABLE comments DROP COLUMN edited_at;`,
	},
	{
		Version: 3,
		UpSQL: `
CREATE TABLE IF NOT EXISTS sync_leases (
	instance_id TEXT PRIMARY KEY,
	holder TEXT NOT NULL,
	acquired_at TEXT NOT NULL,
	expires_at TEXT NOT NULL,
	FOREIGN KEY(instance_id) REFERENCES instances(instance_id) ON DELETE CASCADE
);
`,
		DownSQL: `DROP TABLE IF EXISTS sync_leases;`,
	},
}

func ApplyMigrations(ctx context.Context, db *sql.DB) error {
	if _, err := db.ExecContext(ctx, `CREATE TABLE IF NOT EXISTS schema_migrations(version INTEGER PRIMARY KEY, applied_at TEXT NOT NULL)`); err != nil {
		return fmt.Errorf("create schema_migrations: %w", err)
	}

	for _, m := range migrations {
		var exists int
		err := db.QueryRowContext(ctx, `SELECT 1 FROM schema_migrations WHERE version = ?`, m.Version).Scan(&exists)
		if err == nil {
			continue
		}
		if !errors.Is(err, sql.ErrNoRows) {
			return fmt.Errorf("check migration %d: %w", m.Version, err)
		}

		tx, err := db.BeginTx(ctx, nil)
		if err != nil {
			return fmt.Errorf("begin tx for migration %d: %w", m.Version, err)
		}
		if _, err := tx.ExecContext(ctx, m.UpSQL); err != nil {
			tx.Rollback() //nolint:errcheck
			return fmt.Errorf("apply migration %d: %w", m.Version, err)
		}
		if _, err := tx.ExecContext(ctx, `INSERT INTO schema_migrations(version, applied_at) VALUES (?, datetime('now'))`, m.Version); err != nil {
			tx.Rollback() //nolint:errcheck
			return fmt.Errorf("record migration %d: %w", m.Version, err)
		}
		if err := tx.Commit(); err != nil {
			return fmt.Errorf("commit migration %d: %w", m.Version, err)
		}
	}
	return nil
}

func RollbackAll(ctx context.Context, db *sql.DB) error {
	for i := len(migrations) - 1; i >= 0; i-- {
		m := migrations[i]
		tx, err := db.BeginTx(ctx, nil)
		if err != nil {
			return fmt.Errorf("begin rollback tx %d: %w", m.Version, err)
		}
		if _, err := tx.ExecContext(ctx, m.DownSQL); err != nil {
			tx.Rollback() //nolint:errcheck
			return fmt.Errorf("rollback migration %d: %w", m.Version, err)
		}
		if _, err := tx.ExecContext(ctx, `DELETE FROM schema_migrations WHERE version = ?`, m.Version); err != nil {
			tx.Rollback() //nolint:errcheck
			return fmt.Errorf("unrecord migration %d: %w", m.Version, err)
		}
		if err := tx.Commit(); err != nil {
			return fmt.Errorf("commit rollback %d: %w", m.Version, err)
		}
	}
	return nil
}
