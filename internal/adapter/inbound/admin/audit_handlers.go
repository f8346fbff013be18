package admin

import (
	"net/http"
	"strconv"
	"time"

	"github.com/Aegis-Gate/aegisgate/internal/domain/audit"
)

const (
	defaultAuditLimit = 100
	maxAuditLimit     = 1000
)

// handleQueryAudit returns persisted audit events, newest first.
// Query parameters: kind, user_id, since, until (RFC 3339), limit,
// offset.
// GET /admin/api/audit
func (a *API) handleQueryAudit(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()

	filter := audit.Filter{
		Kind:   audit.Kind(q.Get("kind")),
		UserID: q.Get("user_id"),
		Limit:  defaultAuditLimit,
	}
	if raw := q.Get("since"); raw != "" {
		t, err := time.Parse(time.RFC3339, raw)
		if err != nil {
			a.respondError(w, http.StatusBadRequest, "since must be RFC 3339")
			return
		}
		filter.Since = t
	}
	if raw := q.Get("until"); raw != "" {
		t, err := time.Parse(time.RFC3339, raw)
		if err != nil {
			a.respondError(w, http.StatusBadRequest, "until must be RFC 3339")
			return
		}
		filter.Until = t
	}
	if raw := q.Get("limit"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n < 1 {
			a.respondError(w, http.StatusBadRequest, "limit must be a positive integer")
			return
		}
		if n > maxAuditLimit {
			n = maxAuditLimit
		}
		filter.Limit = n
	}
	if raw := q.Get("offset"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n < 0 {
			a.respondError(w, http.StatusBadRequest, "offset must be a non-negative integer")
			return
		}
		filter.Offset = n
	}

	events, err := a.audit.Query(r.Context(), filter)
	if err != nil {
		a.logger.Error("audit query failed", "error", err)
		a.respondError(w, http.StatusInternalServerError, "audit query failed")
		return
	}
	a.respondJSON(w, http.StatusOK, map[string]interface{}{
		"events": events,
		"count":  len(events),
	})
}

// handleAuditStats aggregates event counts by kind and severity over a
// trailing window (default 24h, ?window=168h).
// GET /admin/api/audit/stats
func (a *API) handleAuditStats(w http.ResponseWriter, r *http.Request) {
	window := 24 * time.Hour
	if raw := r.URL.Query().Get("window"); raw != "" {
		d, err := time.ParseDuration(raw)
		if err != nil || d <= 0 {
			a.respondError(w, http.StatusBadRequest, "window must be a positive duration")
			return
		}
		window = d
	}

	stats, err := a.audit.Stats(r.Context(), window)
	if err != nil {
		a.logger.Error("audit stats failed", "error", err)
		a.respondError(w, http.StatusInternalServerError, "audit stats failed")
		return
	}
	a.respondJSON(w, http.StatusOK, map[string]interface{}{
		"window": window.String(),
		"stats":  stats,
	})
}
