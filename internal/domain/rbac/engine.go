package rbac

import (
	"github.com/Aegis-Gate/aegisgate/internal/domain/identity"
)

// ToolRef identifies a tool in the aggregated catalog.
type ToolRef struct {
	ServerID string
	ToolName string
}

// Snapshot is an immutable view of roles and grants used for
// authorization decisions. The RBAC service rebuilds a snapshot on any
// role/grant mutation and swaps it atomically; decision functions here
// never touch storage.
type Snapshot struct {
	roles map[string]*Role

	// grants indexes role ids by (server, tool).
	grants map[ToolRef]map[string]struct{}
}

// NewSnapshot builds a decision snapshot from role and grant lists.
func NewSnapshot(roles []Role, grants []Grant) *Snapshot {
	s := &Snapshot{
		roles:  make(map[string]*Role, len(roles)),
		grants: make(map[ToolRef]map[string]struct{}, len(grants)),
	}
	for i := range roles {
		s.roles[roles[i].ID] = &roles[i]
	}
	for _, g := range grants {
		ref := ToolRef{ServerID: g.ServerID, ToolName: g.ToolName}
		if s.grants[ref] == nil {
			s.grants[ref] = make(map[string]struct{})
		}
		s.grants[ref][g.RoleID] = struct{}{}
	}
	return s
}

// Role returns the role definition for the given id, or nil.
func (s *Snapshot) Role(id string) *Role {
	return s.roles[id]
}

// IsAdmin reports whether the user holds the system admin role.
func (s *Snapshot) IsAdmin(u *identity.User) bool {
	if u == nil {
		return false
	}
	for _, rid := range u.RoleIDs {
		if r := s.roles[rid]; r != nil && r.ID == RoleAdmin && r.IsSystem {
			return true
		}
	}
	return false
}

// HasPermission reports whether any of the user's roles carries the
// coarse permission tag.
func (s *Snapshot) HasPermission(u *identity.User, p Permission) bool {
	if u == nil {
		return false
	}
	for _, rid := range u.RoleIDs {
		if r := s.roles[rid]; r != nil && r.HasPermission(p) {
			return true
		}
	}
	return false
}

// HasGrant reports whether any of the user's roles has a grant for the
// (server, tool) pair.
func (s *Snapshot) HasGrant(u *identity.User, ref ToolRef) bool {
	if u == nil {
		return false
	}
	granted := s.grants[ref]
	if granted == nil {
		return false
	}
	for _, rid := range u.RoleIDs {
		if _, ok := granted[rid]; ok {
			return true
		}
	}
	return false
}

// Granted reports whether ANY role anywhere has a grant for the pair.
// Tools with no grant at all are admin-only for execution
// (default-deny for grantable tools).
func (s *Snapshot) Granted(ref ToolRef) bool {
	return len(s.grants[ref]) > 0
}

// GrantedRoles returns the role ids granted the (server, tool) pair.
func (s *Snapshot) GrantedRoles(ref ToolRef) []string {
	granted := s.grants[ref]
	if len(granted) == 0 {
		return nil
	}
	out := make([]string, 0, len(granted))
	for rid := range granted {
		out = append(out, rid)
	}
	return out
}

// CanViewTool decides whether the user may see the tool in tools/list:
// admins see everything, otherwise a grant on one of the user's roles
// is required.
func (s *Snapshot) CanViewTool(u *identity.User, ref ToolRef) bool {
	if u == nil {
		return false
	}
	if s.IsAdmin(u) {
		return true
	}
	return s.HasGrant(u, ref)
}

// CanExecuteTool decides whether the user may invoke the tool:
// visibility plus the TOOL_EXECUTE permission, with ungranted tools
// restricted to admins.
func (s *Snapshot) CanExecuteTool(u *identity.User, ref ToolRef) bool {
	if u == nil {
		return false
	}
	if s.IsAdmin(u) {
		return true
	}
	if !s.Granted(ref) {
		// No grant exists anywhere for this tool; only admin may run it.
		return false
	}
	return s.HasGrant(u, ref) && s.HasPermission(u, PermToolExecute)
}

// VisibleTools filters the aggregated catalog to the tools the user may
// view. Pure function used by tools/list.
func (s *Snapshot) VisibleTools(u *identity.User, all []ToolRef) []ToolRef {
	out := make([]ToolRef, 0, len(all))
	for _, ref := range all {
		if s.CanViewTool(u, ref) {
			out = append(out, ref)
		}
	}
	return out
}
