// Package rbac implements roles, coarse permissions, per-tool grants,
// and the pure authorization decision functions the gateway consults on
// every tools/list and tools/call.
package rbac

import (
	"errors"
	"time"
)

// Permission is a coarse role-level capability tag, distinct from
// fine-grained per-tool grants.
type Permission string

const (
	PermUserManage   Permission = "USER_MANAGE"
	PermRoleManage   Permission = "ROLE_MANAGE"
	PermServerManage Permission = "SERVER_MANAGE"
	PermToolView     Permission = "TOOL_VIEW"
	PermToolExecute  Permission = "TOOL_EXECUTE"
	PermConfigView   Permission = "CONFIG_VIEW"
	PermConfigEdit   Permission = "CONFIG_EDIT"
	PermAuditView    Permission = "AUDIT_VIEW"
	PermOAuthManage  Permission = "OAUTH_MANAGE"
	PermADManage     Permission = "AD_MANAGE"
)

// AllPermissions lists every defined permission tag.
var AllPermissions = []Permission{
	PermUserManage, PermRoleManage, PermServerManage,
	PermToolView, PermToolExecute,
	PermConfigView, PermConfigEdit,
	PermAuditView, PermOAuthManage, PermADManage,
}

// ValidPermission reports whether p is a defined permission tag.
func ValidPermission(p Permission) bool {
	for _, known := range AllPermissions {
		if p == known {
			return true
		}
	}
	return false
}

// System role ids created on first boot.
const (
	RoleAdmin  = "admin"
	RoleUser   = "user"
	RoleViewer = "viewer"
)

// Role is a named permission set plus per-tool grants.
type Role struct {
	ID          string       `json:"id"`
	Name        string       `json:"name"`
	Description string       `json:"description"`
	Permissions []Permission `json:"permissions"`

	// IsSystem roles cannot be deleted and their permission set cannot
	// shrink.
	IsSystem bool `json:"is_system"`

	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// HasPermission reports whether the role carries the permission tag.
// The admin system role implicitly has every permission.
func (r *Role) HasPermission(p Permission) bool {
	if r.ID == RoleAdmin && r.IsSystem {
		return true
	}
	for _, have := range r.Permissions {
		if have == p {
			return true
		}
	}
	return false
}

// Mutation errors.
var (
	ErrSystemRoleDelete  = errors.New("system roles cannot be deleted")
	ErrSystemRoleShrink  = errors.New("system role permissions cannot shrink")
	ErrUnknownPermission = errors.New("unknown permission tag")
)

// ValidateUpdate checks that updated may replace r: system roles may
// gain permissions but never lose one, and all tags must be defined.
func (r *Role) ValidateUpdate(updated *Role) error {
	for _, p := range updated.Permissions {
		if !ValidPermission(p) {
			return ErrUnknownPermission
		}
	}
	if !r.IsSystem {
		return nil
	}
	for _, p := range r.Permissions {
		found := false
		for _, q := range updated.Permissions {
			if p == q {
				found = true
				break
			}
		}
		if !found {
			return ErrSystemRoleShrink
		}
	}
	return nil
}

// Grant allows a role to execute one (server, tool) pair.
type Grant struct {
	RoleID    string    `json:"role_id"`
	ServerID  string    `json:"server_id"`
	ToolName  string    `json:"tool_name"`
	GrantedAt time.Time `json:"granted_at"`
}

// DefaultSystemRoles returns the three roles created on an empty role
// table at first boot.
func DefaultSystemRoles(now time.Time) []Role {
	return []Role{
		{
			ID:          RoleAdmin,
			Name:        "Administrator",
			Description: "Full access to all tools and management operations",
			Permissions: append([]Permission(nil), AllPermissions...),
			IsSystem:    true,
			CreatedAt:   now,
			UpdatedAt:   now,
		},
		{
			ID:          RoleUser,
			Name:        "User",
			Description: "Can view and execute granted tools",
			Permissions: []Permission{PermToolView, PermToolExecute},
			IsSystem:    true,
			CreatedAt:   now,
			UpdatedAt:   now,
		},
		{
			ID:          RoleViewer,
			Name:        "Viewer",
			Description: "Can view granted tools but not execute them",
			Permissions: []Permission{PermToolView},
			IsSystem:    true,
			CreatedAt:   now,
			UpdatedAt:   now,
		},
	}
}
