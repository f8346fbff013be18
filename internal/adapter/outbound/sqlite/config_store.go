package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"
)

// Well-known config keys.
const (
	ConfigKeyOriginPolicy = "origin_policy"
	ConfigKeyJWT          = "jwt_config"
	ConfigKeyAD           = "ad_config"
)

// ConfigStore is the persisted key/value config with versioned writes.
// Values are opaque bytes; secret-bearing values (jwt_config, ad_config)
// are encrypted by the caller before they arrive here.
type ConfigStore struct {
	db *sql.DB
}

// Get returns the value and version for key, or ErrNotFound.
func (s *ConfigStore) Get(ctx context.Context, key string) (value []byte, version int64, err error) {
	row := s.db.QueryRowContext(ctx, `SELECT value, version FROM config WHERE key = ?`, key)
	err = row.Scan(&value, &version)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, 0, ErrNotFound
	}
	if err != nil {
		return nil, 0, fmt.Errorf("failed to read config %s: %w", key, err)
	}
	return value, version, nil
}

// Set writes the value for key, bumping the monotonic version, and
// returns the new version. Reads on the same process observe the new
// value immediately (SQLite gives read-after-write on one connection).
func (s *ConfigStore) Set(ctx context.Context, key string, value []byte) (version int64, err error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return 0, fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	var current int64
	err = tx.QueryRowContext(ctx, `SELECT version FROM config WHERE key = ?`, key).Scan(&current)
	switch {
	case errors.Is(err, sql.ErrNoRows):
		current = 0
	case err != nil:
		return 0, fmt.Errorf("failed to read config version: %w", err)
	}

	version = current + 1
	_, err = tx.ExecContext(ctx,
		`INSERT INTO config (key, value, version, updated_at) VALUES (?, ?, ?, ?)
		 ON CONFLICT(key) DO UPDATE SET value = excluded.value, version = excluded.version, updated_at = excluded.updated_at`,
		key, value, version, time.Now().UnixMilli())
	if err != nil {
		return 0, fmt.Errorf("failed to write config %s: %w", key, err)
	}

	if err := tx.Commit(); err != nil {
		return 0, fmt.Errorf("failed to commit config write: %w", err)
	}
	return version, nil
}
