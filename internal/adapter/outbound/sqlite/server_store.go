package sqlite

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/Aegis-Gate/aegisgate/internal/domain/upstream"
)

// ServerStore persists upstream.Server records. Static headers are
// stored as an opaque encrypted blob supplied by the caller; the store
// never sees plaintext credentials.
type ServerStore struct {
	db *sql.DB
}

// Create inserts a server with its encrypted headers blob.
func (s *ServerStore) Create(ctx context.Context, srv *upstream.Server, headersEnc []byte) error {
	tools, err := json.Marshal(srv.Tools)
	if err != nil {
		return fmt.Errorf("failed to encode tools: %w", err)
	}

	_, err = s.db.ExecContext(ctx,
		`INSERT INTO servers (id, name, url, headers_enc, enabled, tools, health, last_health_check, created_at, updated_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		srv.ID, srv.Name, srv.URL, headersEnc, boolToInt(srv.Enabled), string(tools),
		string(srv.Health), srv.LastHealthCheck.UnixMilli(),
		srv.CreatedAt.UnixMilli(), srv.UpdatedAt.UnixMilli())
	if err != nil {
		if isUniqueViolation(err) {
			return ErrDuplicate
		}
		return fmt.Errorf("failed to insert server: %w", err)
	}
	return nil
}

// UpdateTools rewrites a server's discovered tool list.
func (s *ServerStore) UpdateTools(ctx context.Context, id string, tools []upstream.Tool) error {
	encoded, err := json.Marshal(tools)
	if err != nil {
		return fmt.Errorf("failed to encode tools: %w", err)
	}

	res, err := s.db.ExecContext(ctx,
		`UPDATE servers SET tools = ?, updated_at = ? WHERE id = ?`,
		string(encoded), time.Now().UnixMilli(), id)
	if err != nil {
		return fmt.Errorf("failed to update tools: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

// UpdateHealth records the latest health probe outcome.
func (s *ServerStore) UpdateHealth(ctx context.Context, id string, health upstream.Health, at time.Time) error {
	res, err := s.db.ExecContext(ctx,
		`UPDATE servers SET health = ?, last_health_check = ? WHERE id = ?`,
		string(health), at.UnixMilli(), id)
	if err != nil {
		return fmt.Errorf("failed to update health: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

// Delete removes a server record.
func (s *ServerStore) Delete(ctx context.Context, id string) error {
	res, err := s.db.ExecContext(ctx, `DELETE FROM servers WHERE id = ?`, id)
	if err != nil {
		return fmt.Errorf("failed to delete server: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

// GetByID fetches one server plus its encrypted headers blob.
func (s *ServerStore) GetByID(ctx context.Context, id string) (*upstream.Server, []byte, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT id, name, url, headers_enc, enabled, tools, health, last_health_check, created_at, updated_at
		 FROM servers WHERE id = ?`, id)
	return scanServer(row)
}

// List returns all servers with their encrypted header blobs, ordered
// by URL.
func (s *ServerStore) List(ctx context.Context) ([]*upstream.Server, map[string][]byte, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, name, url, headers_enc, enabled, tools, health, last_health_check, created_at, updated_at
		 FROM servers ORDER BY url`)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to list servers: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var servers []*upstream.Server
	blobs := make(map[string][]byte)
	for rows.Next() {
		srv, blob, err := scanServer(rows)
		if err != nil {
			return nil, nil, err
		}
		servers = append(servers, srv)
		if blob != nil {
			blobs[srv.ID] = blob
		}
	}
	return servers, blobs, rows.Err()
}

func scanServer(row rowScanner) (*upstream.Server, []byte, error) {
	var (
		srv                         upstream.Server
		headersEnc                  []byte
		enabled                     int
		tools, health               string
		lastCheck, created, updated int64
	)
	err := row.Scan(&srv.ID, &srv.Name, &srv.URL, &headersEnc, &enabled, &tools,
		&health, &lastCheck, &created, &updated)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil, ErrNotFound
	}
	if err != nil {
		return nil, nil, fmt.Errorf("failed to scan server: %w", err)
	}
	if err := json.Unmarshal([]byte(tools), &srv.Tools); err != nil {
		return nil, nil, fmt.Errorf("failed to decode tools: %w", err)
	}
	srv.Enabled = enabled != 0
	srv.Health = upstream.Health(health)
	srv.LastHealthCheck = time.UnixMilli(lastCheck)
	srv.CreatedAt = time.UnixMilli(created)
	srv.UpdatedAt = time.UnixMilli(updated)
	return &srv, headersEnc, nil
}
