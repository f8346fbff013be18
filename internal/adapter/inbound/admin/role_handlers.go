package admin

import (
	"errors"
	"net/http"
	"time"

	"github.com/google/uuid"

	"github.com/Aegis-Gate/aegisgate/internal/adapter/outbound/sqlite"
	"github.com/Aegis-Gate/aegisgate/internal/domain/audit"
	"github.com/Aegis-Gate/aegisgate/internal/domain/rbac"
)

type roleRequest struct {
	Name        string   `json:"name"`
	Description string   `json:"description"`
	Permissions []string `json:"permissions"`
}

type grantRequest struct {
	ServerID string `json:"server_id"`
	ToolName string `json:"tool_name"`
}

// handleListRoles returns all roles.
// GET /admin/api/roles
func (a *API) handleListRoles(w http.ResponseWriter, r *http.Request) {
	roles, err := a.roles.List(r.Context())
	if err != nil {
		a.logger.Error("failed to list roles", "error", err)
		a.respondError(w, http.StatusInternalServerError, "failed to list roles")
		return
	}
	a.respondJSON(w, http.StatusOK, roles)
}

// handleCreateRole creates a custom role.
// POST /admin/api/roles
func (a *API) handleCreateRole(w http.ResponseWriter, r *http.Request) {
	var req roleRequest
	if err := a.readJSON(r, &req); err != nil {
		a.respondError(w, http.StatusBadRequest, "invalid JSON body")
		return
	}
	if req.Name == "" {
		a.respondError(w, http.StatusBadRequest, "name is required")
		return
	}

	perms := make([]rbac.Permission, 0, len(req.Permissions))
	for _, p := range req.Permissions {
		perm := rbac.Permission(p)
		if !rbac.ValidPermission(perm) {
			a.respondError(w, http.StatusBadRequest, "unknown permission: "+p)
			return
		}
		perms = append(perms, perm)
	}

	now := time.Now()
	role := &rbac.Role{
		ID:          uuid.New().String(),
		Name:        req.Name,
		Description: req.Description,
		Permissions: perms,
		CreatedAt:   now,
		UpdatedAt:   now,
	}

	if err := a.roles.Create(r.Context(), role); err != nil {
		if errors.Is(err, sqlite.ErrDuplicate) {
			a.respondError(w, http.StatusConflict, "role name already exists")
			return
		}
		a.logger.Error("failed to create role", "error", err)
		a.respondError(w, http.StatusInternalServerError, "failed to create role")
		return
	}
	a.reloadRBAC(r)

	a.audit.Emit(&audit.Event{
		Kind:    audit.KindRoleCreated,
		UserID:  a.actorID(r),
		Details: map[string]interface{}{"role_id": role.ID, "name": role.Name},
	})
	a.respondJSON(w, http.StatusCreated, role)
}

// handleUpdateRole updates a role. System roles may gain permissions
// but never lose one.
// PUT /admin/api/roles/{id}
func (a *API) handleUpdateRole(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")

	var req roleRequest
	if err := a.readJSON(r, &req); err != nil {
		a.respondError(w, http.StatusBadRequest, "invalid JSON body")
		return
	}

	role, err := a.roles.GetByID(r.Context(), id)
	if err != nil {
		if errors.Is(err, sqlite.ErrNotFound) {
			a.respondError(w, http.StatusNotFound, "role not found")
			return
		}
		a.logger.Error("failed to load role", "id", id, "error", err)
		a.respondError(w, http.StatusInternalServerError, "failed to update role")
		return
	}

	updated := *role
	if req.Name != "" {
		updated.Name = req.Name
	}
	if req.Description != "" {
		updated.Description = req.Description
	}
	if req.Permissions != nil {
		perms := make([]rbac.Permission, 0, len(req.Permissions))
		for _, p := range req.Permissions {
			perms = append(perms, rbac.Permission(p))
		}
		updated.Permissions = perms
	}
	updated.UpdatedAt = time.Now()

	if err := role.ValidateUpdate(&updated); err != nil {
		status := http.StatusBadRequest
		if errors.Is(err, rbac.ErrSystemRoleShrink) {
			status = http.StatusForbidden
		}
		a.respondError(w, status, err.Error())
		return
	}

	if err := a.roles.Update(r.Context(), &updated); err != nil {
		a.logger.Error("failed to update role", "id", id, "error", err)
		a.respondError(w, http.StatusInternalServerError, "failed to update role")
		return
	}
	a.reloadRBAC(r)

	a.audit.Emit(&audit.Event{
		Kind:    audit.KindRoleUpdated,
		UserID:  a.actorID(r),
		Details: map[string]interface{}{"role_id": id},
	})
	a.respondJSON(w, http.StatusOK, &updated)
}

// handleDeleteRole removes a custom role. System roles are protected.
// DELETE /admin/api/roles/{id}
func (a *API) handleDeleteRole(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")

	role, err := a.roles.GetByID(r.Context(), id)
	if err != nil {
		if errors.Is(err, sqlite.ErrNotFound) {
			a.respondError(w, http.StatusNotFound, "role not found")
			return
		}
		a.logger.Error("failed to load role", "id", id, "error", err)
		a.respondError(w, http.StatusInternalServerError, "failed to delete role")
		return
	}
	if role.IsSystem {
		a.respondError(w, http.StatusForbidden, rbac.ErrSystemRoleDelete.Error())
		return
	}

	if err := a.roles.Delete(r.Context(), id); err != nil {
		a.logger.Error("failed to delete role", "id", id, "error", err)
		a.respondError(w, http.StatusInternalServerError, "failed to delete role")
		return
	}
	a.reloadRBAC(r)

	a.audit.Emit(&audit.Event{
		Kind:    audit.KindRoleDeleted,
		UserID:  a.actorID(r),
		Details: map[string]interface{}{"role_id": id},
	})
	w.WriteHeader(http.StatusNoContent)
}

// handleListGrants returns a role's tool grants.
// GET /admin/api/roles/{id}/grants
func (a *API) handleListGrants(w http.ResponseWriter, r *http.Request) {
	grants, err := a.roles.ListGrants(r.Context(), r.PathValue("id"))
	if err != nil {
		a.logger.Error("failed to list grants", "error", err)
		a.respondError(w, http.StatusInternalServerError, "failed to list grants")
		return
	}
	a.respondJSON(w, http.StatusOK, grants)
}

// handleAddGrant grants a role one (server, tool) pair. Adding a grant
// that already exists is a no-op returning 200 instead of 201.
// POST /admin/api/roles/{id}/grants
func (a *API) handleAddGrant(w http.ResponseWriter, r *http.Request) {
	roleID := r.PathValue("id")

	var req grantRequest
	if err := a.readJSON(r, &req); err != nil {
		a.respondError(w, http.StatusBadRequest, "invalid JSON body")
		return
	}
	if req.ServerID == "" || req.ToolName == "" {
		a.respondError(w, http.StatusBadRequest, "server_id and tool_name are required")
		return
	}

	grant := rbac.Grant{RoleID: roleID, ServerID: req.ServerID, ToolName: req.ToolName, GrantedAt: time.Now()}
	changed, err := a.roles.AddGrant(r.Context(), grant)
	if err != nil {
		a.logger.Error("failed to add grant", "role_id", roleID, "error", err)
		a.respondError(w, http.StatusInternalServerError, "failed to add grant")
		return
	}
	if !changed {
		a.respondJSON(w, http.StatusOK, grant)
		return
	}
	a.reloadRBAC(r)

	a.audit.Emit(&audit.Event{
		Kind:    audit.KindGrantAdded,
		UserID:  a.actorID(r),
		Details: map[string]interface{}{"role_id": roleID, "server_id": req.ServerID, "tool_name": req.ToolName},
	})
	a.respondJSON(w, http.StatusCreated, grant)
}

// handleRemoveGrant revokes a (server, tool) grant.
// DELETE /admin/api/roles/{id}/grants
func (a *API) handleRemoveGrant(w http.ResponseWriter, r *http.Request) {
	roleID := r.PathValue("id")

	var req grantRequest
	if err := a.readJSON(r, &req); err != nil {
		a.respondError(w, http.StatusBadRequest, "invalid JSON body")
		return
	}

	changed, err := a.roles.RemoveGrant(r.Context(), rbac.Grant{RoleID: roleID, ServerID: req.ServerID, ToolName: req.ToolName})
	if err != nil {
		a.logger.Error("failed to remove grant", "role_id", roleID, "error", err)
		a.respondError(w, http.StatusInternalServerError, "failed to remove grant")
		return
	}
	if !changed {
		a.respondError(w, http.StatusNotFound, "grant not found")
		return
	}
	a.reloadRBAC(r)

	a.audit.Emit(&audit.Event{
		Kind:    audit.KindGrantRevoked,
		UserID:  a.actorID(r),
		Details: map[string]interface{}{"role_id": roleID, "server_id": req.ServerID, "tool_name": req.ToolName},
	})
	w.WriteHeader(http.StatusNoContent)
}

// reloadRBAC refreshes the authorization snapshot after any role or
// grant mutation. A failed reload keeps serving the previous snapshot.
func (a *API) reloadRBAC(r *http.Request) {
	if err := a.rbac.Reload(r.Context()); err != nil {
		a.logger.Error("failed to reload authorization snapshot", "error", err)
	}
}
