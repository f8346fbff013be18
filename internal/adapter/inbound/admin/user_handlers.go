package admin

import (
	"errors"
	"net/http"
	"time"

	"github.com/alexedwards/argon2id"
	"github.com/google/uuid"

	"github.com/Aegis-Gate/aegisgate/internal/adapter/outbound/sqlite"
	"github.com/Aegis-Gate/aegisgate/internal/domain/audit"
	"github.com/Aegis-Gate/aegisgate/internal/domain/identity"
)

type userRequest struct {
	Email    string   `json:"email"`
	Name     string   `json:"name"`
	Password string   `json:"password"`
	Enabled  *bool    `json:"enabled"`
	RoleIDs  []string `json:"role_ids"`
}

type userResponse struct {
	ID        string   `json:"id"`
	Email     string   `json:"email"`
	Name      string   `json:"name"`
	Provider  string   `json:"provider"`
	Enabled   bool     `json:"enabled"`
	RoleIDs   []string `json:"role_ids"`
	CreatedAt string   `json:"created_at"`
}

func toUserResponse(u *identity.User) userResponse {
	return userResponse{
		ID:        u.ID,
		Email:     u.Email,
		Name:      u.Name,
		Provider:  string(u.Provider),
		Enabled:   u.Enabled,
		RoleIDs:   u.RoleIDs,
		CreatedAt: formatTime(u.CreatedAt),
	}
}

// handleListUsers returns all users. Password hashes never serialize.
// GET /admin/api/users
func (a *API) handleListUsers(w http.ResponseWriter, r *http.Request) {
	users, err := a.users.List(r.Context())
	if err != nil {
		a.logger.Error("failed to list users", "error", err)
		a.respondError(w, http.StatusInternalServerError, "failed to list users")
		return
	}
	out := make([]userResponse, 0, len(users))
	for _, u := range users {
		out = append(out, toUserResponse(u))
	}
	a.respondJSON(w, http.StatusOK, out)
}

// handleCreateUser creates a local user.
// POST /admin/api/users
func (a *API) handleCreateUser(w http.ResponseWriter, r *http.Request) {
	var req userRequest
	if err := a.readJSON(r, &req); err != nil {
		a.respondError(w, http.StatusBadRequest, "invalid JSON body")
		return
	}
	if req.Email == "" || req.Password == "" {
		a.respondError(w, http.StatusBadRequest, "email and password are required")
		return
	}

	hash, err := argon2id.CreateHash(req.Password, argon2id.DefaultParams)
	if err != nil {
		a.logger.Error("failed to hash password", "error", err)
		a.respondError(w, http.StatusInternalServerError, "failed to create user")
		return
	}

	now := time.Now()
	user := &identity.User{
		ID:           uuid.New().String(),
		Email:        req.Email,
		Name:         req.Name,
		Provider:     identity.ProviderLocal,
		PasswordHash: hash,
		Enabled:      true,
		RoleIDs:      req.RoleIDs,
		CreatedAt:    now,
		UpdatedAt:    now,
	}
	if req.Enabled != nil {
		user.Enabled = *req.Enabled
	}
	if err := user.Validate(); err != nil {
		a.respondError(w, http.StatusBadRequest, err.Error())
		return
	}

	if err := a.users.Create(r.Context(), user); err != nil {
		if errors.Is(err, sqlite.ErrDuplicate) {
			a.respondError(w, http.StatusConflict, "email already in use")
			return
		}
		a.logger.Error("failed to create user", "error", err)
		a.respondError(w, http.StatusInternalServerError, "failed to create user")
		return
	}

	a.audit.Emit(&audit.Event{
		Kind:    audit.KindUserCreated,
		UserID:  a.actorID(r),
		Details: map[string]interface{}{"created_user_id": user.ID, "email": user.Email},
	})
	a.respondJSON(w, http.StatusCreated, toUserResponse(user))
}

// handleUpdateUser updates name, enabled flag, roles, or password.
// PUT /admin/api/users/{id}
func (a *API) handleUpdateUser(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")

	var req userRequest
	if err := a.readJSON(r, &req); err != nil {
		a.respondError(w, http.StatusBadRequest, "invalid JSON body")
		return
	}

	user, err := a.users.GetByID(r.Context(), id)
	if err != nil {
		if errors.Is(err, sqlite.ErrNotFound) {
			a.respondError(w, http.StatusNotFound, "user not found")
			return
		}
		a.logger.Error("failed to load user", "id", id, "error", err)
		a.respondError(w, http.StatusInternalServerError, "failed to update user")
		return
	}

	if req.Name != "" {
		user.Name = req.Name
	}
	if req.Enabled != nil {
		user.Enabled = *req.Enabled
	}
	if req.RoleIDs != nil {
		user.RoleIDs = req.RoleIDs
	}
	if req.Password != "" {
		if user.Provider != identity.ProviderLocal {
			a.respondError(w, http.StatusBadRequest, "only local users have passwords")
			return
		}
		hash, err := argon2id.CreateHash(req.Password, argon2id.DefaultParams)
		if err != nil {
			a.logger.Error("failed to hash password", "error", err)
			a.respondError(w, http.StatusInternalServerError, "failed to update user")
			return
		}
		user.PasswordHash = hash
	}
	user.UpdatedAt = time.Now()

	if err := a.users.Update(r.Context(), user); err != nil {
		a.logger.Error("failed to update user", "id", id, "error", err)
		a.respondError(w, http.StatusInternalServerError, "failed to update user")
		return
	}

	a.audit.Emit(&audit.Event{
		Kind:    audit.KindUserUpdated,
		UserID:  a.actorID(r),
		Details: map[string]interface{}{"updated_user_id": user.ID},
	})
	a.respondJSON(w, http.StatusOK, toUserResponse(user))
}

// handleDeleteUser removes a user. Deleting yourself is rejected so an
// admin cannot lock out the last account by accident.
// DELETE /admin/api/users/{id}
func (a *API) handleDeleteUser(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	if actor := a.currentUser(r); actor != nil && actor.ID == id {
		a.respondError(w, http.StatusBadRequest, "cannot delete your own account")
		return
	}

	if err := a.users.Delete(r.Context(), id); err != nil {
		if errors.Is(err, sqlite.ErrNotFound) {
			a.respondError(w, http.StatusNotFound, "user not found")
			return
		}
		a.logger.Error("failed to delete user", "id", id, "error", err)
		a.respondError(w, http.StatusInternalServerError, "failed to delete user")
		return
	}

	a.audit.Emit(&audit.Event{
		Kind:    audit.KindUserDeleted,
		UserID:  a.actorID(r),
		Details: map[string]interface{}{"deleted_user_id": id},
	})
	w.WriteHeader(http.StatusNoContent)
}
