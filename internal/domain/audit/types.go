// Package audit contains domain types for the append-only audit log.
package audit

import (
	"strings"
	"time"
)

// Kind categorizes an audit event.
type Kind string

const (
	// Access and token events.
	KindLogin             Kind = "LOGIN"
	KindLoginFailed       Kind = "LOGIN_FAILED"
	KindLogout            Kind = "LOGOUT"
	KindTokenRejected     Kind = "TOKEN_REJECTED"
	KindLegacyTokenUsed   Kind = "LEGACY_TOKEN_USED"
	KindFirstRunBootstrap Kind = "FIRST_RUN_BOOTSTRAP"
	KindFirstRunBypass    Kind = "FIRST_RUN_BYPASS"

	// Origin events.
	KindOriginRejected   Kind = "ORIGIN_REJECTED"
	KindOriginPermissive Kind = "ORIGIN_PERMISSIVE_MATCH"

	// Authorization events.
	KindPermissionGranted Kind = "AUTHZ_PERMISSION_GRANTED"
	KindPermissionDenied  Kind = "AUTHZ_PERMISSION_DENIED"

	// Session events.
	KindSessionInitialized  Kind = "SESSION_INITIALIZED"
	KindSessionClosed       Kind = "SESSION_CLOSED"
	KindSessionBackpressure Kind = "SESSION_BACKPRESSURE_CLOSED"

	// Data plane events.
	KindToolsListed   Kind = "TOOLS_LISTED"
	KindToolCalled    Kind = "TOOL_CALLED"
	KindUpstreamError Kind = "UPSTREAM_ERROR"

	// Management plane events.
	KindUserCreated     Kind = "USER_CREATED"
	KindUserUpdated     Kind = "USER_UPDATED"
	KindUserDeleted     Kind = "USER_DELETED"
	KindRoleCreated     Kind = "ROLE_CREATED"
	KindRoleUpdated     Kind = "ROLE_UPDATED"
	KindRoleDeleted     Kind = "ROLE_DELETED"
	KindGrantAdded      Kind = "GRANT_ADDED"
	KindGrantRevoked    Kind = "GRANT_REVOKED"
	KindServerAdded     Kind = "SERVER_ADDED"
	KindServerRemoved   Kind = "SERVER_REMOVED"
	KindServerRefreshed Kind = "SERVER_REFRESHED"
	KindConfigChanged   Kind = "CONFIG_CHANGED"
	KindKeysRotated     Kind = "KEYS_ROTATED"
)

// Severity ranks the operational significance of an event.
type Severity string

const (
	SeverityInfo  Severity = "info"
	SeverityWarn  Severity = "warn"
	SeverityError Severity = "error"
)

// Event is one append-only audit record. IDs are assigned by the writer
// and are strictly monotonic within a process.
type Event struct {
	ID        int64     `json:"id"`
	Timestamp time.Time `json:"timestamp"`
	Kind      Kind      `json:"kind"`
	Severity  Severity  `json:"severity"`

	// UserID is empty for anonymous or system-originated events.
	UserID string `json:"user_id,omitempty"`

	// ResourceType and ResourceID name what the event touched
	// (e.g. "tool"/"srv-a:search", "role"/"viewer", "session"/<id>).
	ResourceType string `json:"resource_type,omitempty"`
	ResourceID   string `json:"resource_id,omitempty"`

	// Details is a bounded structured payload. Secrets must be redacted
	// before an event is constructed; the writer does not inspect it.
	Details map[string]interface{} `json:"details,omitempty"`

	Success bool `json:"success"`
}

// Filter selects events for read queries.
type Filter struct {
	Kind   Kind
	UserID string
	Since  time.Time
	Until  time.Time
	Limit  int
	Offset int
}

// Stats summarizes event counts over a window.
type Stats struct {
	Total      int64              `json:"total"`
	ByKind     map[Kind]int64     `json:"by_kind"`
	BySeverity map[Severity]int64 `json:"by_severity"`
	Window     time.Duration      `json:"-"`
}

// sensitiveKeywords lists substrings that indicate a sensitive detail
// key. Comparison is case-insensitive.
var sensitiveKeywords = []string{
	"password", "secret", "token", "api_key", "apikey",
	"credential", "auth", "private_key", "privatekey",
}

// Redact returns a copy of details with sensitive values masked.
// A key is sensitive if it contains any of the sensitiveKeywords
// (case-insensitive). Values are replaced with "***REDACTED***".
func Redact(details map[string]interface{}) map[string]interface{} {
	if len(details) == 0 {
		return details
	}
	redacted := make(map[string]interface{}, len(details))
	for k, v := range details {
		if isSensitiveKey(k) {
			redacted[k] = "***REDACTED***"
		} else {
			redacted[k] = v
		}
	}
	return redacted
}

func isSensitiveKey(key string) bool {
	lower := strings.ToLower(key)
	for _, kw := range sensitiveKeywords {
		if strings.Contains(lower, kw) {
			return true
		}
	}
	return false
}
