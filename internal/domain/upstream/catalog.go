package upstream

import (
	"errors"
)

// Catalog lookup errors.
var (
	ErrToolUnknown   = errors.New("no such tool in the caller's visible set")
	ErrToolAmbiguous = errors.New("tool name is ambiguous across upstreams")
)

// CatalogTool is one entry in the aggregated catalog: a tool plus the
// routing and authorization metadata stripped before client exposure.
type CatalogTool struct {
	ServerID string
	Tool     Tool

	// AccessRoles is the derived view of role grants for this tool,
	// carried as _access_roles metadata.
	AccessRoles []string
}

// Catalog is an immutable aggregated view over the healthy upstreams'
// tools. The registry rebuilds it on discovery and health transitions
// and swaps the snapshot atomically; readers never lock.
type Catalog struct {
	entries []CatalogTool

	// byName indexes entries by bare tool name; collisions keep every
	// entry, distinguished by ServerID.
	byName map[string][]int
}

// NewCatalog builds a catalog from the given servers. Unhealthy and
// disabled servers are skipped. The total tool count is capped at
// MaxTotalTools; entries beyond the cap are dropped deterministically
// in server order.
func NewCatalog(servers []*Server, accessRoles func(serverID, toolName string) []string) *Catalog {
	c := &Catalog{byName: make(map[string][]int)}

	for _, srv := range servers {
		if !srv.InCatalog() {
			continue
		}
		for _, tool := range srv.Tools {
			if len(c.entries) >= MaxTotalTools {
				return c
			}
			entry := CatalogTool{ServerID: srv.ID, Tool: tool}
			if accessRoles != nil {
				entry.AccessRoles = accessRoles(srv.ID, tool.Name)
			}
			c.byName[tool.Name] = append(c.byName[tool.Name], len(c.entries))
			c.entries = append(c.entries, entry)
		}
	}
	return c
}

// Tools returns every catalog entry.
func (c *Catalog) Tools() []CatalogTool {
	return c.entries
}

// Len returns the catalog size.
func (c *Catalog) Len() int {
	return len(c.entries)
}

// Lookup returns every entry whose tool has the given bare name.
func (c *Catalog) Lookup(name string) []CatalogTool {
	idxs := c.byName[name]
	if len(idxs) == 0 {
		return nil
	}
	out := make([]CatalogTool, len(idxs))
	for i, idx := range idxs {
		out[i] = c.entries[idx]
	}
	return out
}

// Resolve routes a tools/call name to its owning upstream, considering
// only the entries the caller may see (visible reports per-entry
// visibility). Resolution is over the visible set: a name matching two
// visible entries is ambiguous even if the caller meant one of them,
// and a name whose only matches are invisible is unknown rather than
// denied, so callers cannot probe for hidden tools.
func (c *Catalog) Resolve(name string, visible func(CatalogTool) bool) (CatalogTool, error) {
	var matches []CatalogTool
	for _, entry := range c.Lookup(name) {
		if visible == nil || visible(entry) {
			matches = append(matches, entry)
		}
	}

	switch len(matches) {
	case 0:
		return CatalogTool{}, ErrToolUnknown
	case 1:
		return matches[0], nil
	default:
		return CatalogTool{}, ErrToolAmbiguous
	}
}
