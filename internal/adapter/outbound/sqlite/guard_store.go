package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/Aegis-Gate/aegisgate/internal/domain/guard"
)

// GuardStore persists CEL argument guards per (server, tool).
type GuardStore struct {
	db *sql.DB
}

// Put creates or replaces the guard for a (server, tool) pair.
func (s *GuardStore) Put(ctx context.Context, g guard.Guard) error {
	now := time.Now().UnixMilli()
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO guards (server_id, tool_name, expression, created_at, updated_at)
		 VALUES (?, ?, ?, ?, ?)
		 ON CONFLICT(server_id, tool_name) DO UPDATE SET expression = excluded.expression, updated_at = excluded.updated_at`,
		g.ServerID, g.ToolName, g.Expression, now, now)
	if err != nil {
		return fmt.Errorf("failed to store guard: %w", err)
	}
	return nil
}

// Delete removes a guard. Removing an absent guard returns ErrNotFound.
func (s *GuardStore) Delete(ctx context.Context, serverID, toolName string) error {
	res, err := s.db.ExecContext(ctx,
		`DELETE FROM guards WHERE server_id = ? AND tool_name = ?`, serverID, toolName)
	if err != nil {
		return fmt.Errorf("failed to delete guard: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

// Get fetches the guard for a (server, tool) pair.
func (s *GuardStore) Get(ctx context.Context, serverID, toolName string) (*guard.Guard, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT server_id, tool_name, expression, created_at, updated_at
		 FROM guards WHERE server_id = ? AND tool_name = ?`, serverID, toolName)
	return scanGuard(row)
}

// List returns all guards ordered by (server, tool).
func (s *GuardStore) List(ctx context.Context) ([]guard.Guard, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT server_id, tool_name, expression, created_at, updated_at
		 FROM guards ORDER BY server_id, tool_name`)
	if err != nil {
		return nil, fmt.Errorf("failed to list guards: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var guards []guard.Guard
	for rows.Next() {
		g, err := scanGuard(rows)
		if err != nil {
			return nil, err
		}
		guards = append(guards, *g)
	}
	return guards, rows.Err()
}

func scanGuard(row rowScanner) (*guard.Guard, error) {
	var (
		g                    guard.Guard
		createdAt, updatedAt int64
	)
	err := row.Scan(&g.ServerID, &g.ToolName, &g.Expression, &createdAt, &updatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to scan guard: %w", err)
	}
	g.CreatedAt = time.UnixMilli(createdAt)
	g.UpdatedAt = time.UnixMilli(updatedAt)
	return &g, nil
}
