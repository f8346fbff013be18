package service

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/alexedwards/argon2id"
	"github.com/google/uuid"

	"github.com/Aegis-Gate/aegisgate/internal/adapter/outbound/sqlite"
	"github.com/Aegis-Gate/aegisgate/internal/domain/audit"
	"github.com/Aegis-Gate/aegisgate/internal/domain/identity"
	"github.com/Aegis-Gate/aegisgate/internal/domain/rbac"
)

// BootstrapUserStore is the user persistence bootstrap needs.
type BootstrapUserStore interface {
	Create(ctx context.Context, u *identity.User) error
	Count(ctx context.Context) (int64, error)
}

// BootstrapRoleStore is the role persistence bootstrap needs.
type BootstrapRoleStore interface {
	Create(ctx context.Context, r *rbac.Role) error
	GetByID(ctx context.Context, id string) (*rbac.Role, error)
}

// Bootstrap seeds first-boot state: the three system roles always, and
// the default admin account only when the user table is empty. Both
// steps are idempotent across restarts; the admin seed happens at most
// once per database lifetime because any later boot sees a non-empty
// user table.
func Bootstrap(ctx context.Context, users BootstrapUserStore, roles BootstrapRoleStore, auditSvc *AuditService, logger *slog.Logger) error {
	now := time.Now()

	for _, role := range rbac.DefaultSystemRoles(now) {
		if _, err := roles.GetByID(ctx, role.ID); err == nil {
			continue
		} else if !errors.Is(err, sqlite.ErrNotFound) {
			return fmt.Errorf("failed to check role %s: %w", role.ID, err)
		}
		r := role
		if err := roles.Create(ctx, &r); err != nil && !errors.Is(err, sqlite.ErrDuplicate) {
			return fmt.Errorf("failed to seed role %s: %w", role.ID, err)
		}
		logger.Info("seeded system role", "role_id", role.ID)
	}

	count, err := users.Count(ctx)
	if err != nil {
		return fmt.Errorf("failed to count users: %w", err)
	}
	if count > 0 {
		return nil
	}

	hash, err := argon2id.CreateHash("admin", argon2id.DefaultParams)
	if err != nil {
		return fmt.Errorf("failed to hash bootstrap password: %w", err)
	}

	admin := &identity.User{
		ID:           uuid.NewString(),
		Email:        "admin",
		Name:         "Administrator",
		Provider:     identity.ProviderLocal,
		PasswordHash: hash,
		Enabled:      true,
		RoleIDs:      []string{rbac.RoleAdmin},
		CreatedAt:    now,
		UpdatedAt:    now,
	}
	if err := users.Create(ctx, admin); err != nil {
		return fmt.Errorf("failed to create bootstrap admin: %w", err)
	}

	logger.Warn("first-run bootstrap created default admin account; rotate the password immediately",
		"email", admin.Email)
	auditSvc.Emit(&audit.Event{
		Kind:         audit.KindFirstRunBootstrap,
		Severity:     audit.SeverityWarn,
		ResourceType: "user",
		ResourceID:   admin.ID,
		Details: map[string]interface{}{
			"reason": "default admin account created on empty user table; rotate the password immediately",
		},
		Success: true,
	})
	return nil
}
