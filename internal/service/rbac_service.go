package service

import (
	"context"
	"fmt"
	"log/slog"
	"sync"

	"github.com/cespare/xxhash/v2"

	"github.com/Aegis-Gate/aegisgate/internal/domain/identity"
	"github.com/Aegis-Gate/aegisgate/internal/domain/rbac"
)

// RoleReader loads role and grant state for snapshot rebuilds.
type RoleReader interface {
	List(ctx context.Context) ([]rbac.Role, error)
	ListGrants(ctx context.Context, roleID string) ([]rbac.Grant, error)
}

// decision is a cached authorization verdict.
type decision struct {
	gen     uint64
	allowed bool
}

// RBACService serves authorization decisions off an immutable snapshot
// with an xxhash-keyed decision cache. Any role or grant mutation calls
// Reload, which swaps the snapshot and bumps the cache generation so
// stale verdicts die immediately.
type RBACService struct {
	store   RoleReader
	logger  *slog.Logger
	enforce bool

	mu       sync.RWMutex
	snapshot *rbac.Snapshot
	gen      uint64
	cache    map[uint64]decision
}

// NewRBACService creates the service with an empty snapshot. Call
// Reload before serving.
func NewRBACService(store RoleReader, logger *slog.Logger, enforce bool) *RBACService {
	return &RBACService{
		store:    store,
		logger:   logger,
		enforce:  enforce,
		snapshot: rbac.NewSnapshot(nil, nil),
		cache:    make(map[uint64]decision),
	}
}

// Enforced reports whether RBAC filtering applies to anonymous
// tools/list calls.
func (s *RBACService) Enforced() bool { return s.enforce }

// Reload rebuilds the snapshot from storage and invalidates the
// decision cache.
func (s *RBACService) Reload(ctx context.Context) error {
	roles, err := s.store.List(ctx)
	if err != nil {
		return fmt.Errorf("failed to load roles: %w", err)
	}
	grants, err := s.store.ListGrants(ctx, "")
	if err != nil {
		return fmt.Errorf("failed to load grants: %w", err)
	}

	s.mu.Lock()
	s.snapshot = rbac.NewSnapshot(roles, grants)
	s.gen++
	s.cache = make(map[uint64]decision)
	s.mu.Unlock()

	s.logger.Debug("rbac snapshot reloaded", "roles", len(roles), "grants", len(grants))
	return nil
}

// Snapshot returns the current decision snapshot.
func (s *RBACService) Snapshot() *rbac.Snapshot {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.snapshot
}

// cacheKey hashes (user, verb, server, tool) into a cache key. Role
// membership changes are covered by the generation bump on Reload;
// user role edits also trigger Reload.
func cacheKey(userID, verb, serverID, toolName string) uint64 {
	h := xxhash.New()
	_, _ = h.WriteString(userID)
	_, _ = h.WriteString("\x00")
	_, _ = h.WriteString(verb)
	_, _ = h.WriteString("\x00")
	_, _ = h.WriteString(serverID)
	_, _ = h.WriteString("\x00")
	_, _ = h.WriteString(toolName)
	return h.Sum64()
}

func (s *RBACService) cached(key uint64) (bool, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	d, ok := s.cache[key]
	if !ok || d.gen != s.gen {
		return false, false
	}
	return d.allowed, true
}

func (s *RBACService) remember(key uint64, allowed bool) {
	s.mu.Lock()
	if len(s.cache) > 16384 {
		s.cache = make(map[uint64]decision)
	}
	s.cache[key] = decision{gen: s.gen, allowed: allowed}
	s.mu.Unlock()
}

// CanExecuteTool decides whether the user may invoke (server, tool).
func (s *RBACService) CanExecuteTool(u *identity.User, ref rbac.ToolRef) bool {
	if u == nil {
		return false
	}
	key := cacheKey(u.ID, "execute", ref.ServerID, ref.ToolName)
	if allowed, ok := s.cached(key); ok {
		return allowed
	}
	allowed := s.Snapshot().CanExecuteTool(u, ref)
	s.remember(key, allowed)
	return allowed
}

// CanViewTool decides whether the user may see (server, tool) in
// tools/list.
func (s *RBACService) CanViewTool(u *identity.User, ref rbac.ToolRef) bool {
	if u == nil {
		return false
	}
	key := cacheKey(u.ID, "view", ref.ServerID, ref.ToolName)
	if allowed, ok := s.cached(key); ok {
		return allowed
	}
	allowed := s.Snapshot().CanViewTool(u, ref)
	s.remember(key, allowed)
	return allowed
}

// HasPermission checks a coarse management permission. Not cached;
// these sit on the low-volume admin path.
func (s *RBACService) HasPermission(u *identity.User, p rbac.Permission) bool {
	return s.Snapshot().HasPermission(u, p)
}

// IsAdmin reports whether the user holds the system admin role.
func (s *RBACService) IsAdmin(u *identity.User) bool {
	return s.Snapshot().IsAdmin(u)
}
