package sqlite

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/Aegis-Gate/aegisgate/internal/domain/rbac"
)

// RoleStore persists rbac.Role and rbac.Grant records.
type RoleStore struct {
	db *sql.DB
}

// Create inserts a role.
func (s *RoleStore) Create(ctx context.Context, r *rbac.Role) error {
	perms, err := json.Marshal(r.Permissions)
	if err != nil {
		return fmt.Errorf("failed to encode permissions: %w", err)
	}

	_, err = s.db.ExecContext(ctx,
		`INSERT INTO roles (id, name, description, permissions, is_system, created_at, updated_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?)`,
		r.ID, r.Name, r.Description, string(perms), boolToInt(r.IsSystem),
		r.CreatedAt.UnixMilli(), r.UpdatedAt.UnixMilli())
	if err != nil {
		if isUniqueViolation(err) {
			return ErrDuplicate
		}
		return fmt.Errorf("failed to insert role: %w", err)
	}
	return nil
}

// Update rewrites a role's mutable fields. The caller is responsible
// for the system-role rules (rbac.Role.ValidateUpdate).
func (s *RoleStore) Update(ctx context.Context, r *rbac.Role) error {
	perms, err := json.Marshal(r.Permissions)
	if err != nil {
		return fmt.Errorf("failed to encode permissions: %w", err)
	}

	res, err := s.db.ExecContext(ctx,
		`UPDATE roles SET name = ?, description = ?, permissions = ?, updated_at = ? WHERE id = ?`,
		r.Name, r.Description, string(perms), time.Now().UnixMilli(), r.ID)
	if err != nil {
		return fmt.Errorf("failed to update role: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

// Delete removes a non-system role. Grants and user assignments cascade.
func (s *RoleStore) Delete(ctx context.Context, id string) error {
	role, err := s.GetByID(ctx, id)
	if err != nil {
		return err
	}
	if role.IsSystem {
		return rbac.ErrSystemRoleDelete
	}

	_, err = s.db.ExecContext(ctx, `DELETE FROM roles WHERE id = ?`, id)
	if err != nil {
		return fmt.Errorf("failed to delete role: %w", err)
	}
	return nil
}

// GetByID fetches one role.
func (s *RoleStore) GetByID(ctx context.Context, id string) (*rbac.Role, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT id, name, description, permissions, is_system, created_at, updated_at
		 FROM roles WHERE id = ?`, id)
	return scanRole(row)
}

// List returns all roles ordered by id.
func (s *RoleStore) List(ctx context.Context) ([]rbac.Role, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, name, description, permissions, is_system, created_at, updated_at
		 FROM roles ORDER BY id`)
	if err != nil {
		return nil, fmt.Errorf("failed to list roles: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var roles []rbac.Role
	for rows.Next() {
		r, err := scanRole(rows)
		if err != nil {
			return nil, err
		}
		roles = append(roles, *r)
	}
	return roles, rows.Err()
}

// Count returns the number of roles.
func (s *RoleStore) Count(ctx context.Context) (int64, error) {
	var n int64
	if err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM roles`).Scan(&n); err != nil {
		return 0, fmt.Errorf("failed to count roles: %w", err)
	}
	return n, nil
}

// AddGrant records a (role, server, tool) grant. Idempotent: granting
// an existing triple reports changed=false.
func (s *RoleStore) AddGrant(ctx context.Context, g rbac.Grant) (changed bool, err error) {
	res, err := s.db.ExecContext(ctx,
		`INSERT OR IGNORE INTO role_grants (role_id, server_id, tool_name, granted_at)
		 VALUES (?, ?, ?, ?)`,
		g.RoleID, g.ServerID, g.ToolName, g.GrantedAt.UnixMilli())
	if err != nil {
		return false, fmt.Errorf("failed to add grant: %w", err)
	}
	n, _ := res.RowsAffected()
	return n > 0, nil
}

// RemoveGrant deletes a grant. Idempotent: removing an absent triple
// reports changed=false.
func (s *RoleStore) RemoveGrant(ctx context.Context, g rbac.Grant) (changed bool, err error) {
	res, err := s.db.ExecContext(ctx,
		`DELETE FROM role_grants WHERE role_id = ? AND server_id = ? AND tool_name = ?`,
		g.RoleID, g.ServerID, g.ToolName)
	if err != nil {
		return false, fmt.Errorf("failed to remove grant: %w", err)
	}
	n, _ := res.RowsAffected()
	return n > 0, nil
}

// ListGrants returns all grants, optionally filtered by role id.
func (s *RoleStore) ListGrants(ctx context.Context, roleID string) ([]rbac.Grant, error) {
	query := `SELECT role_id, server_id, tool_name, granted_at FROM role_grants`
	var args []any
	if roleID != "" {
		query += ` WHERE role_id = ?`
		args = append(args, roleID)
	}
	query += ` ORDER BY role_id, server_id, tool_name`

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to list grants: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var grants []rbac.Grant
	for rows.Next() {
		var (
			g  rbac.Grant
			at int64
		)
		if err := rows.Scan(&g.RoleID, &g.ServerID, &g.ToolName, &at); err != nil {
			return nil, fmt.Errorf("failed to scan grant: %w", err)
		}
		g.GrantedAt = time.UnixMilli(at)
		grants = append(grants, g)
	}
	return grants, rows.Err()
}

func scanRole(row rowScanner) (*rbac.Role, error) {
	var (
		r                    rbac.Role
		perms                string
		isSystem             int
		createdAt, updatedAt int64
	)
	err := row.Scan(&r.ID, &r.Name, &r.Description, &perms, &isSystem, &createdAt, &updatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to scan role: %w", err)
	}
	if err := json.Unmarshal([]byte(perms), &r.Permissions); err != nil {
		return nil, fmt.Errorf("failed to decode permissions: %w", err)
	}
	r.IsSystem = isSystem != 0
	r.CreatedAt = time.UnixMilli(createdAt)
	r.UpdatedAt = time.UnixMilli(updatedAt)
	return &r, nil
}
