// Package sqlite implements the gateway's persistent store on a single
// local SQLite database: users, roles, grants, upstream servers, guard
// expressions, the config KV, and the append-only audit log.
package sqlite

import (
	"context"
	"database/sql"
	"fmt"
	"os"
	"path/filepath"

	_ "modernc.org/sqlite"
)

// DB wraps the SQLite handle shared by the store types.
type DB struct {
	db *sql.DB
}

// Open opens (creating if necessary) the database at path and applies
// migrations. The parent directory is created with 0700.
func Open(ctx context.Context, path string) (*DB, error) {
	if dir := filepath.Dir(path); dir != "." {
		if err := os.MkdirAll(dir, 0o700); err != nil {
			return nil, fmt.Errorf("failed to create database directory: %w", err)
		}
	}

	db, err := sql.Open("sqlite", path+"?_pragma=journal_mode(WAL)&_pragma=busy_timeout(5000)&_pragma=foreign_keys(1)")
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	// SQLite serializes writers; a single connection avoids
	// SQLITE_BUSY churn under concurrent request handling.
	db.SetMaxOpenConns(1)

	d := &DB{db: db}
	if err := d.migrate(ctx); err != nil {
		_ = db.Close()
		return nil, err
	}
	return d, nil
}

// Close closes the underlying handle.
func (d *DB) Close() error {
	return d.db.Close()
}

// Ping verifies the database is reachable; used by /health.
func (d *DB) Ping(ctx context.Context) error {
	return d.db.PingContext(ctx)
}

// Users returns the user store view.
func (d *DB) Users() *UserStore { return &UserStore{db: d.db} }

// Roles returns the role and grant store view.
func (d *DB) Roles() *RoleStore { return &RoleStore{db: d.db} }

// Servers returns the upstream server store view.
func (d *DB) Servers() *ServerStore { return &ServerStore{db: d.db} }

// Config returns the config KV store view.
func (d *DB) Config() *ConfigStore { return &ConfigStore{db: d.db} }

// Guards returns the guard expression store view.
func (d *DB) Guards() *GuardStore { return &GuardStore{db: d.db} }

// Audit returns the audit log store view.
func (d *DB) Audit() *AuditStore { return &AuditStore{db: d.db} }

func (d *DB) migrate(ctx context.Context) error {
	const schema = `
CREATE TABLE IF NOT EXISTS users (
	id            TEXT PRIMARY KEY,
	email         TEXT NOT NULL UNIQUE,
	name          TEXT NOT NULL DEFAULT '',
	provider      TEXT NOT NULL,
	password_hash TEXT NOT NULL DEFAULT '',
	enabled       INTEGER NOT NULL DEFAULT 1,
	created_at    INTEGER NOT NULL,
	updated_at    INTEGER NOT NULL
);

CREATE TABLE IF NOT EXISTS user_roles (
	user_id TEXT NOT NULL REFERENCES users(id) ON DELETE CASCADE,
	role_id TEXT NOT NULL REFERENCES roles(id) ON DELETE CASCADE,
	PRIMARY KEY (user_id, role_id)
);

CREATE TABLE IF NOT EXISTS roles (
	id          TEXT PRIMARY KEY,
	name        TEXT NOT NULL,
	description TEXT NOT NULL DEFAULT '',
	permissions TEXT NOT NULL DEFAULT '[]',
	is_system   INTEGER NOT NULL DEFAULT 0,
	created_at  INTEGER NOT NULL,
	updated_at  INTEGER NOT NULL
);

CREATE TABLE IF NOT EXISTS role_grants (
	role_id    TEXT NOT NULL REFERENCES roles(id) ON DELETE CASCADE,
	server_id  TEXT NOT NULL,
	tool_name  TEXT NOT NULL,
	granted_at INTEGER NOT NULL,
	PRIMARY KEY (role_id, server_id, tool_name)
);

CREATE TABLE IF NOT EXISTS servers (
	id                TEXT PRIMARY KEY,
	name              TEXT NOT NULL DEFAULT '',
	url               TEXT NOT NULL UNIQUE,
	headers_enc       BLOB,
	enabled           INTEGER NOT NULL DEFAULT 1,
	tools             TEXT NOT NULL DEFAULT '[]',
	health            TEXT NOT NULL DEFAULT 'unknown',
	last_health_check INTEGER NOT NULL DEFAULT 0,
	created_at        INTEGER NOT NULL,
	updated_at        INTEGER NOT NULL
);

CREATE TABLE IF NOT EXISTS guards (
	server_id  TEXT NOT NULL,
	tool_name  TEXT NOT NULL,
	expression TEXT NOT NULL,
	created_at INTEGER NOT NULL,
	updated_at INTEGER NOT NULL,
	PRIMARY KEY (server_id, tool_name)
);

CREATE TABLE IF NOT EXISTS config (
	key        TEXT PRIMARY KEY,
	value      BLOB NOT NULL,
	version    INTEGER NOT NULL DEFAULT 1,
	updated_at INTEGER NOT NULL
);

CREATE TABLE IF NOT EXISTS audit_log (
	id            INTEGER PRIMARY KEY AUTOINCREMENT,
	ts            INTEGER NOT NULL,
	kind          TEXT NOT NULL,
	severity      TEXT NOT NULL,
	user_id       TEXT NOT NULL DEFAULT '',
	resource_type TEXT NOT NULL DEFAULT '',
	resource_id   TEXT NOT NULL DEFAULT '',
	details       TEXT NOT NULL DEFAULT '{}',
	success       INTEGER NOT NULL DEFAULT 1
);

CREATE INDEX IF NOT EXISTS idx_audit_ts ON audit_log(ts);
CREATE INDEX IF NOT EXISTS idx_audit_kind ON audit_log(kind);
CREATE INDEX IF NOT EXISTS idx_audit_user ON audit_log(user_id);
`
	if _, err := d.db.ExecContext(ctx, schema); err != nil {
		return fmt.Errorf("failed to apply schema: %w", err)
	}
	return nil
}
