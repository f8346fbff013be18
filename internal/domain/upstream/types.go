// Package upstream defines registered upstream MCP servers, their
// discovered tools, and the aggregated catalog the gateway routes by.
package upstream

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/url"
	"strings"
	"time"

	"github.com/cespare/xxhash/v2"
)

// Catalog size limits, enforced at discovery time.
const (
	// MaxToolsPerServer caps the tools accepted from one upstream.
	MaxToolsPerServer = 1000

	// MaxTotalTools caps the aggregated catalog size.
	MaxTotalTools = 10000
)

// Health is an upstream's observed health state.
type Health string

const (
	HealthUnknown   Health = "unknown"
	HealthHealthy   Health = "healthy"
	HealthUnhealthy Health = "unhealthy"
)

// UnhealthyThreshold is the number of consecutive failed health pings
// after which a server is marked unhealthy and excluded from the
// catalog. The server stays registered.
const UnhealthyThreshold = 3

// Tool is one tool discovered from an upstream's tools/list.
type Tool struct {
	Name        string          `json:"name"`
	Description string          `json:"description,omitempty"`
	InputSchema json.RawMessage `json:"inputSchema,omitempty"`
}

// Server is a registered upstream MCP server.
type Server struct {
	// ID is derived deterministically from the endpoint URL.
	ID string `json:"id"`

	// Name is an optional operator-assigned label.
	Name string `json:"name"`

	// URL is the full endpoint, path included (/mcp, /sse, or other).
	URL string `json:"url"`

	// Headers are static headers attached to every outbound request to
	// this server (typically credentials). Values are encrypted at rest
	// and redacted in listings.
	Headers map[string]string `json:"-"`

	// Enabled servers participate in discovery and routing.
	Enabled bool `json:"enabled"`

	// Tools is the most recently discovered tool list.
	Tools []Tool `json:"tools"`

	Health           Health    `json:"health"`
	LastHealthCheck  time.Time `json:"last_health_check"`
	ConsecutiveFails int       `json:"-"`

	// SessionID is the cached upstream MCP session id from the last
	// successful initialize handshake. Never exposed.
	SessionID string `json:"-"`

	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// Registration errors.
var (
	ErrInvalidURL    = errors.New("upstream URL must be absolute http or https")
	ErrTooManyTools  = errors.New("upstream exposes too many tools")
	ErrDuplicateTool = errors.New("upstream tool names must be unique")
)

// ServerIDFromURL derives the stable server id from a normalized
// endpoint URL.
func ServerIDFromURL(rawURL string) string {
	return fmt.Sprintf("srv-%016x", xxhash.Sum64String(strings.TrimRight(rawURL, "/")))
}

// ValidateURL checks that rawURL is an absolute http(s) URL and returns
// its normalized form.
func ValidateURL(rawURL string) (string, error) {
	u, err := url.Parse(strings.TrimSpace(rawURL))
	if err != nil {
		return "", ErrInvalidURL
	}
	if (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
		return "", ErrInvalidURL
	}
	return strings.TrimRight(u.String(), "/"), nil
}

// ValidateTools enforces per-server tool constraints: unique names,
// bounded count.
func ValidateTools(tools []Tool) error {
	if len(tools) > MaxToolsPerServer {
		return ErrTooManyTools
	}
	seen := make(map[string]struct{}, len(tools))
	for _, tool := range tools {
		if _, dup := seen[tool.Name]; dup {
			return fmt.Errorf("%w: %s", ErrDuplicateTool, tool.Name)
		}
		seen[tool.Name] = struct{}{}
	}
	return nil
}

// RecordHealthCheck folds one health probe result into the server's
// state and returns the updated health.
func (s *Server) RecordHealthCheck(ok bool, at time.Time) Health {
	s.LastHealthCheck = at
	if ok {
		s.ConsecutiveFails = 0
		s.Health = HealthHealthy
		return s.Health
	}

	s.ConsecutiveFails++
	if s.ConsecutiveFails >= UnhealthyThreshold {
		s.Health = HealthUnhealthy
	}
	return s.Health
}

// InCatalog reports whether the server's tools belong in the aggregated
// catalog.
func (s *Server) InCatalog() bool {
	return s.Enabled && s.Health != HealthUnhealthy
}
