package admin

import (
	"errors"
	"net/http"

	"github.com/Aegis-Gate/aegisgate/internal/domain/audit"
	"github.com/Aegis-Gate/aegisgate/internal/service"
)

type loginRequest struct {
	Email    string `json:"email"`
	Password string `json:"password"`
}

type loginResponse struct {
	Token string       `json:"access_token"`
	User  userResponse `json:"user"`
}

// handleLoginLocal authenticates a local user and issues a JWT.
// POST /auth/login/local
func (a *API) handleLoginLocal(w http.ResponseWriter, r *http.Request) {
	var req loginRequest
	if err := a.readJSON(r, &req); err != nil {
		a.respondError(w, http.StatusBadRequest, "invalid JSON body")
		return
	}
	if req.Email == "" || req.Password == "" {
		a.respondError(w, http.StatusBadRequest, "email and password are required")
		return
	}

	user, token, err := a.tokens.LoginLocal(r.Context(), req.Email, req.Password)
	if err != nil {
		if errors.Is(err, service.ErrBadCredentials) || errors.Is(err, service.ErrUserDisabled) {
			a.respondError(w, http.StatusUnauthorized, "invalid email or password")
			return
		}
		a.logger.Error("local login failed", "error", err)
		a.respondError(w, http.StatusInternalServerError, "login failed")
		return
	}

	a.respondJSON(w, http.StatusOK, loginResponse{Token: token, User: toUserResponse(user)})
}

// handleAuthUser returns the authenticated caller's profile.
// GET /auth/user
func (a *API) handleAuthUser(w http.ResponseWriter, r *http.Request) {
	user := a.currentUser(r)
	if user == nil {
		a.respondError(w, http.StatusUnauthorized, "authentication required")
		return
	}
	a.respondJSON(w, http.StatusOK, map[string]interface{}{
		"user":    toUserResponse(user),
		"version": a.version,
	})
}

// handleLogout records the logout. Tokens are stateless, so the only
// server-side effect is the audit trail.
// POST /auth/logout
func (a *API) handleLogout(w http.ResponseWriter, r *http.Request) {
	user := a.currentUser(r)
	if user == nil {
		a.respondError(w, http.StatusUnauthorized, "authentication required")
		return
	}
	a.audit.Emit(&audit.Event{
		Kind:   audit.KindLogout,
		UserID: user.ID,
	})
	w.WriteHeader(http.StatusNoContent)
}

// handleOAuthInitiate would redirect to an external provider. No
// providers can be registered in this build, so it always 404s.
// POST /auth/login?provider_id=...
func (a *API) handleOAuthInitiate(w http.ResponseWriter, r *http.Request) {
	providerID := r.URL.Query().Get("provider_id")
	if providerID == "" {
		a.respondError(w, http.StatusBadRequest, "provider_id is required")
		return
	}
	a.respondError(w, http.StatusNotFound, "unknown OAuth provider")
}

// handleOAuthCallback completes an external provider flow. With no
// providers registered there is never a pending flow to complete.
// GET /auth/callback
func (a *API) handleOAuthCallback(w http.ResponseWriter, r *http.Request) {
	a.respondError(w, http.StatusNotFound, "no pending OAuth flow")
}

// handleJWKS publishes the RS256 verification keys.
// GET /.well-known/jwks.json
func (a *API) handleJWKS(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Cache-Control", "max-age=300")
	a.respondJSON(w, http.StatusOK, a.ring.JWKS())
}

// handleListOAuthProviders lists configured OAuth providers. Always
// empty: provider onboarding is not part of this build.
// GET /admin/api/oauth/providers
func (a *API) handleListOAuthProviders(w http.ResponseWriter, r *http.Request) {
	a.respondJSON(w, http.StatusOK, map[string]interface{}{"providers": []interface{}{}})
}

// handleCreateOAuthProvider would register an external provider. The
// route exists (it is part of the first-run surface) but onboarding is
// not available in this build.
// POST /admin/api/oauth/providers
func (a *API) handleCreateOAuthProvider(w http.ResponseWriter, r *http.Request) {
	a.respondError(w, http.StatusNotImplemented, "OAuth provider onboarding is not available")
}
