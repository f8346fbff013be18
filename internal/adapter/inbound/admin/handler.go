// Package admin provides the JSON control-plane API: user, role, and
// grant management, upstream registration, origin policy, JWT keys,
// tool guards, and audit queries. It is mounted behind the transport's
// bearer-auth middleware; every route enforces an RBAC permission.
package admin

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/Aegis-Gate/aegisgate/internal/adapter/outbound/keys"
	"github.com/Aegis-Gate/aegisgate/internal/ctxkey"
	"github.com/Aegis-Gate/aegisgate/internal/domain/audit"
	"github.com/Aegis-Gate/aegisgate/internal/domain/identity"
	"github.com/Aegis-Gate/aegisgate/internal/domain/rbac"
	"github.com/Aegis-Gate/aegisgate/internal/service"
)

// UserStore is the user persistence the admin API manages.
// Matches *sqlite.UserStore.
type UserStore interface {
	Create(ctx context.Context, u *identity.User) error
	Update(ctx context.Context, u *identity.User) error
	Delete(ctx context.Context, id string) error
	GetByID(ctx context.Context, id string) (*identity.User, error)
	List(ctx context.Context) ([]*identity.User, error)
	Count(ctx context.Context) (int64, error)
}

// RoleStore is the role and grant persistence the admin API manages.
// Matches *sqlite.RoleStore.
type RoleStore interface {
	Create(ctx context.Context, r *rbac.Role) error
	Update(ctx context.Context, r *rbac.Role) error
	Delete(ctx context.Context, id string) error
	GetByID(ctx context.Context, id string) (*rbac.Role, error)
	List(ctx context.Context) ([]rbac.Role, error)
	AddGrant(ctx context.Context, g rbac.Grant) (changed bool, err error)
	RemoveGrant(ctx context.Context, g rbac.Grant) (changed bool, err error)
	ListGrants(ctx context.Context, roleID string) ([]rbac.Grant, error)
}

// API is the admin control-plane handler.
type API struct {
	users    UserStore
	roles    RoleStore
	rbac     *service.RBACService
	registry *service.RegistryService
	guards   *service.GuardService
	tokens   *service.TokenService
	config   *service.ConfigService
	audit    *service.AuditService
	ring     *keys.KeyRing
	logger   *slog.Logger
	version  string
}

// Option configures API.
type Option func(*API)

// WithUserStore sets the user persistence.
func WithUserStore(s UserStore) Option {
	return func(a *API) { a.users = s }
}

// WithRoleStore sets the role and grant persistence.
func WithRoleStore(s RoleStore) Option {
	return func(a *API) { a.roles = s }
}

// WithRBACService sets the authorization service.
func WithRBACService(s *service.RBACService) Option {
	return func(a *API) { a.rbac = s }
}

// WithRegistryService sets the upstream registry.
func WithRegistryService(s *service.RegistryService) Option {
	return func(a *API) { a.registry = s }
}

// WithGuardService sets the tool-guard service.
func WithGuardService(s *service.GuardService) Option {
	return func(a *API) { a.guards = s }
}

// WithTokenService sets the token issuer used by local login.
func WithTokenService(s *service.TokenService) Option {
	return func(a *API) { a.tokens = s }
}

// WithConfigService sets the runtime config service.
func WithConfigService(s *service.ConfigService) Option {
	return func(a *API) { a.config = s }
}

// WithAuditService sets the audit service.
func WithAuditService(s *service.AuditService) Option {
	return func(a *API) { a.audit = s }
}

// WithKeyRing sets the JWT key ring for JWKS and rotation.
func WithKeyRing(r *keys.KeyRing) Option {
	return func(a *API) { a.ring = r }
}

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) Option {
	return func(a *API) { a.logger = l }
}

// WithVersion sets the version string reported by /auth/user.
func WithVersion(v string) Option {
	return func(a *API) { a.version = v }
}

// New creates the admin API handler.
func New(opts ...Option) *API {
	a := &API{logger: slog.Default()}
	for _, opt := range opts {
		opt(a)
	}
	return a
}

// Routes returns the full admin route tree. The auth endpoints and the
// JWKS document are reachable without a permission; everything under
// /admin/api/ requires one.
func (a *API) Routes() http.Handler {
	mux := http.NewServeMux()

	// Auth surface: login is unauthenticated, the rest only needs a
	// resolved user.
	mux.HandleFunc("POST /auth/login/local", a.handleLoginLocal)
	mux.HandleFunc("POST /auth/login", a.handleOAuthInitiate)
	mux.HandleFunc("GET /auth/callback", a.handleOAuthCallback)
	mux.HandleFunc("GET /auth/user", a.handleAuthUser)
	mux.HandleFunc("POST /auth/logout", a.handleLogout)
	mux.HandleFunc("GET /.well-known/jwks.json", a.handleJWKS)

	// Users.
	mux.HandleFunc("GET /admin/api/users", a.require(rbac.PermUserManage, a.handleListUsers))
	mux.HandleFunc("POST /admin/api/users", a.require(rbac.PermUserManage, a.handleCreateUser))
	mux.HandleFunc("PUT /admin/api/users/{id}", a.require(rbac.PermUserManage, a.handleUpdateUser))
	mux.HandleFunc("DELETE /admin/api/users/{id}", a.require(rbac.PermUserManage, a.handleDeleteUser))

	// Roles and grants.
	mux.HandleFunc("GET /admin/api/roles", a.require(rbac.PermRoleManage, a.handleListRoles))
	mux.HandleFunc("POST /admin/api/roles", a.require(rbac.PermRoleManage, a.handleCreateRole))
	mux.HandleFunc("PUT /admin/api/roles/{id}", a.require(rbac.PermRoleManage, a.handleUpdateRole))
	mux.HandleFunc("DELETE /admin/api/roles/{id}", a.require(rbac.PermRoleManage, a.handleDeleteRole))
	mux.HandleFunc("GET /admin/api/roles/{id}/grants", a.require(rbac.PermRoleManage, a.handleListGrants))
	mux.HandleFunc("POST /admin/api/roles/{id}/grants", a.require(rbac.PermRoleManage, a.handleAddGrant))
	mux.HandleFunc("DELETE /admin/api/roles/{id}/grants", a.require(rbac.PermRoleManage, a.handleRemoveGrant))

	// Upstream servers.
	mux.HandleFunc("GET /admin/api/servers", a.require(rbac.PermServerManage, a.handleListServers))
	mux.HandleFunc("POST /admin/api/servers", a.require(rbac.PermServerManage, a.handleRegisterServer))
	mux.HandleFunc("DELETE /admin/api/servers/{id}", a.require(rbac.PermServerManage, a.handleRemoveServer))
	mux.HandleFunc("POST /admin/api/servers/{id}/refresh", a.require(rbac.PermServerManage, a.handleRefreshServer))

	// Origin policy.
	mux.HandleFunc("GET /admin/api/origins", a.require(rbac.PermConfigView, a.handleGetOrigins))
	mux.HandleFunc("POST /admin/api/origins", a.require(rbac.PermConfigEdit, a.handleAddOrigin))
	mux.HandleFunc("DELETE /admin/api/origins", a.require(rbac.PermConfigEdit, a.handleRemoveOrigin))
	mux.HandleFunc("PUT /admin/api/origins/flags", a.require(rbac.PermConfigEdit, a.handleSetOriginFlags))

	// JWT keys.
	mux.HandleFunc("GET /admin/api/jwt/keys", a.require(rbac.PermConfigView, a.handleListKeys))
	mux.HandleFunc("POST /admin/api/jwt/rotate", a.require(rbac.PermConfigEdit, a.handleRotateKeys))

	// Tool guards.
	mux.HandleFunc("GET /admin/api/guards", a.require(rbac.PermConfigView, a.handleListGuards))
	mux.HandleFunc("PUT /admin/api/guards", a.require(rbac.PermConfigEdit, a.handlePutGuard))
	mux.HandleFunc("DELETE /admin/api/guards/{server_id}/{tool_name}", a.require(rbac.PermConfigEdit, a.handleDeleteGuard))

	// Audit log.
	mux.HandleFunc("GET /admin/api/audit", a.require(rbac.PermAuditView, a.handleQueryAudit))
	mux.HandleFunc("GET /admin/api/audit/stats", a.require(rbac.PermAuditView, a.handleAuditStats))

	// OAuth providers (none can be registered in this build).
	mux.HandleFunc("GET /admin/api/oauth/providers", a.require(rbac.PermOAuthManage, a.handleListOAuthProviders))
	mux.HandleFunc("POST /admin/api/oauth/providers", a.require(rbac.PermOAuthManage, a.handleCreateOAuthProvider))

	// Directory integration (opaque config, no client wired).
	mux.HandleFunc("GET /admin/api/ad/config", a.require(rbac.PermADManage, a.handleGetADConfig))
	mux.HandleFunc("PUT /admin/api/ad/config", a.require(rbac.PermADManage, a.handleSetADConfig))
	mux.HandleFunc("POST /admin/api/ad/test", a.require(rbac.PermADManage, a.handleTestAD))
	mux.HandleFunc("GET /admin/api/ad/groups", a.require(rbac.PermADManage, a.handleListADGroups))
	mux.HandleFunc("GET /admin/api/ad/groups/{name}/members", a.require(rbac.PermADManage, a.handleListADGroupMembers))

	return mux
}

// require wraps next with the permission check. When no user resolved
// and the user table is still empty, a narrow set of identity-bootstrap
// endpoints is allowed through with a WARN audit so a fresh install can
// stand up its identity source before the first login.
func (a *API) require(perm rbac.Permission, next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		user := a.currentUser(r)
		if user == nil {
			if a.firstRunBypass(r) {
				next(w, r)
				return
			}
			a.respondError(w, http.StatusUnauthorized, "authentication required")
			return
		}
		if !a.rbac.HasPermission(user, perm) {
			a.audit.Emit(&audit.Event{
				Kind:     audit.KindPermissionDenied,
				Severity: audit.SeverityWarn,
				UserID:   user.ID,
				Details:  map[string]interface{}{"permission": string(perm), "path": r.URL.Path},
			})
			a.respondError(w, http.StatusForbidden, "permission denied")
			return
		}
		next(w, r)
	}
}

// firstRunAllowed lists the only endpoints reachable through the
// first-run bypass: registering an OAuth provider, saving the
// directory config, and querying directory groups. Everything else
// stays locked even on an empty user table.
func firstRunAllowed(r *http.Request) bool {
	switch r.Method {
	case http.MethodPost:
		return r.URL.Path == "/admin/api/oauth/providers"
	case http.MethodPut:
		return r.URL.Path == "/admin/api/ad/config"
	case http.MethodGet:
		return r.URL.Path == "/admin/api/ad/groups" ||
			strings.HasPrefix(r.URL.Path, "/admin/api/ad/groups/")
	}
	return false
}

// firstRunBypass reports whether an unauthenticated request may proceed
// because no users exist yet. Each bypass is audited.
func (a *API) firstRunBypass(r *http.Request) bool {
	if !firstRunAllowed(r) {
		return false
	}
	n, err := a.users.Count(r.Context())
	if err != nil || n > 0 {
		return false
	}
	a.logger.Warn("admin request allowed by first-run bypass", "path", r.URL.Path)
	a.audit.Emit(&audit.Event{
		Kind:     audit.KindFirstRunBypass,
		Severity: audit.SeverityWarn,
		Details:  map[string]interface{}{"path": r.URL.Path, "method": r.Method},
	})
	return true
}

func (a *API) currentUser(r *http.Request) *identity.User {
	user, _ := r.Context().Value(ctxkey.UserKey{}).(*identity.User)
	return user
}

func (a *API) actorID(r *http.Request) string {
	if user := a.currentUser(r); user != nil {
		return user.ID
	}
	return ""
}

func (a *API) respondJSON(w http.ResponseWriter, status int, data interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(data); err != nil {
		a.logger.Error("failed to encode JSON response", "error", err)
	}
}

func (a *API) respondError(w http.ResponseWriter, status int, message string) {
	a.respondJSON(w, status, map[string]string{"error": message})
}

func (a *API) readJSON(r *http.Request, v interface{}) error {
	return json.NewDecoder(http.MaxBytesReader(nil, r.Body, 1<<20)).Decode(v)
}

func formatTime(t time.Time) string {
	return t.UTC().Format(time.RFC3339)
}
