package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/Aegis-Gate/aegisgate/internal/domain/identity"
)

// Store errors.
var (
	ErrNotFound  = errors.New("not found")
	ErrDuplicate = errors.New("already exists")
)

// UserStore persists identity.User records.
type UserStore struct {
	db *sql.DB
}

// Create inserts a user and its role assignments.
func (s *UserStore) Create(ctx context.Context, u *identity.User) error {
	if err := u.Validate(); err != nil {
		return err
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	_, err = tx.ExecContext(ctx,
		`INSERT INTO users (id, email, name, provider, password_hash, enabled, created_at, updated_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		u.ID, strings.ToLower(u.Email), u.Name, string(u.Provider), u.PasswordHash,
		boolToInt(u.Enabled), u.CreatedAt.UnixMilli(), u.UpdatedAt.UnixMilli())
	if err != nil {
		if isUniqueViolation(err) {
			return ErrDuplicate
		}
		return fmt.Errorf("failed to insert user: %w", err)
	}

	if err := replaceUserRoles(ctx, tx, u.ID, u.RoleIDs); err != nil {
		return err
	}
	return tx.Commit()
}

// Update rewrites a user's mutable fields and role assignments.
func (s *UserStore) Update(ctx context.Context, u *identity.User) error {
	if err := u.Validate(); err != nil {
		return err
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	res, err := tx.ExecContext(ctx,
		`UPDATE users SET email = ?, name = ?, password_hash = ?, enabled = ?, updated_at = ?
		 WHERE id = ?`,
		strings.ToLower(u.Email), u.Name, u.PasswordHash, boolToInt(u.Enabled),
		time.Now().UnixMilli(), u.ID)
	if err != nil {
		return fmt.Errorf("failed to update user: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}

	if err := replaceUserRoles(ctx, tx, u.ID, u.RoleIDs); err != nil {
		return err
	}
	return tx.Commit()
}

// Delete removes a user. Role assignments cascade.
func (s *UserStore) Delete(ctx context.Context, id string) error {
	res, err := s.db.ExecContext(ctx, `DELETE FROM users WHERE id = ?`, id)
	if err != nil {
		return fmt.Errorf("failed to delete user: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

// GetByID fetches one user with its role ids.
func (s *UserStore) GetByID(ctx context.Context, id string) (*identity.User, error) {
	return s.getBy(ctx, `WHERE id = ?`, id)
}

// GetByEmail fetches one user by email (case-insensitive).
func (s *UserStore) GetByEmail(ctx context.Context, email string) (*identity.User, error) {
	return s.getBy(ctx, `WHERE email = ?`, strings.ToLower(email))
}

func (s *UserStore) getBy(ctx context.Context, where string, arg any) (*identity.User, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT id, email, name, provider, password_hash, enabled, created_at, updated_at
		 FROM users `+where, arg)

	u, err := scanUser(row)
	if err != nil {
		return nil, err
	}

	rows, err := s.db.QueryContext(ctx, `SELECT role_id FROM user_roles WHERE user_id = ?`, u.ID)
	if err != nil {
		return nil, fmt.Errorf("failed to load user roles: %w", err)
	}
	defer func() { _ = rows.Close() }()

	for rows.Next() {
		var rid string
		if err := rows.Scan(&rid); err != nil {
			return nil, fmt.Errorf("failed to scan role id: %w", err)
		}
		u.RoleIDs = append(u.RoleIDs, rid)
	}
	return u, rows.Err()
}

// List returns all users with their role ids, ordered by email.
func (s *UserStore) List(ctx context.Context) ([]*identity.User, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, email, name, provider, password_hash, enabled, created_at, updated_at
		 FROM users ORDER BY email`)
	if err != nil {
		return nil, fmt.Errorf("failed to list users: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var users []*identity.User
	byID := make(map[string]*identity.User)
	for rows.Next() {
		u, err := scanUser(rows)
		if err != nil {
			return nil, err
		}
		users = append(users, u)
		byID[u.ID] = u
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}

	roleRows, err := s.db.QueryContext(ctx, `SELECT user_id, role_id FROM user_roles`)
	if err != nil {
		return nil, fmt.Errorf("failed to load role assignments: %w", err)
	}
	defer func() { _ = roleRows.Close() }()

	for roleRows.Next() {
		var uid, rid string
		if err := roleRows.Scan(&uid, &rid); err != nil {
			return nil, fmt.Errorf("failed to scan assignment: %w", err)
		}
		if u, ok := byID[uid]; ok {
			u.RoleIDs = append(u.RoleIDs, rid)
		}
	}
	return users, roleRows.Err()
}

// Count returns the number of users. Zero means first boot.
func (s *UserStore) Count(ctx context.Context) (int64, error) {
	var n int64
	err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM users`).Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("failed to count users: %w", err)
	}
	return n, nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanUser(row rowScanner) (*identity.User, error) {
	var (
		u                    identity.User
		provider             string
		enabled              int
		createdAt, updatedAt int64
	)
	err := row.Scan(&u.ID, &u.Email, &u.Name, &provider, &u.PasswordHash, &enabled, &createdAt, &updatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to scan user: %w", err)
	}
	u.Provider = identity.Provider(provider)
	u.Enabled = enabled != 0
	u.CreatedAt = time.UnixMilli(createdAt)
	u.UpdatedAt = time.UnixMilli(updatedAt)
	return &u, nil
}

func replaceUserRoles(ctx context.Context, tx *sql.Tx, userID string, roleIDs []string) error {
	if _, err := tx.ExecContext(ctx, `DELETE FROM user_roles WHERE user_id = ?`, userID); err != nil {
		return fmt.Errorf("failed to clear role assignments: %w", err)
	}
	for _, rid := range roleIDs {
		if _, err := tx.ExecContext(ctx,
			`INSERT INTO user_roles (user_id, role_id) VALUES (?, ?)`, userID, rid); err != nil {
			return fmt.Errorf("failed to assign role %s: %w", rid, err)
		}
	}
	return nil
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}

// isUniqueViolation detects SQLite unique-constraint failures without
// depending on driver-specific error types.
func isUniqueViolation(err error) bool {
	return err != nil && strings.Contains(err.Error(), "UNIQUE constraint failed")
}
