package http

import (
	"encoding/json"
	"fmt"
	"net/http"
	"runtime"

	"github.com/Aegis-Gate/aegisgate/internal/domain/session"
	"github.com/Aegis-Gate/aegisgate/internal/domain/upstream"
	"github.com/Aegis-Gate/aegisgate/internal/service"
)

// HealthResponse is the JSON body of the /health endpoint.
type HealthResponse struct {
	Status  string            `json:"status"`
	Checks  map[string]string `json:"checks"`
	Version string            `json:"version,omitempty"`
}

// HealthChecker reports gateway component health: session table,
// upstream registry, and audit pipeline backpressure.
type HealthChecker struct {
	sessions *session.Manager
	registry *service.RegistryService
	audit    *service.AuditService
	version  string
}

// NewHealthChecker creates a HealthChecker. Pass nil for components
// that are not wired.
func NewHealthChecker(sessions *session.Manager, registry *service.RegistryService, auditSvc *service.AuditService, version string) *HealthChecker {
	return &HealthChecker{
		sessions: sessions,
		registry: registry,
		audit:    auditSvc,
		version:  version,
	}
}

// Check runs all component checks.
func (h *HealthChecker) Check() HealthResponse {
	checks := make(map[string]string)
	healthy := true

	if h.sessions != nil {
		checks["sessions"] = fmt.Sprintf("%d active", h.sessions.Count())
	} else {
		checks["sessions"] = "not configured"
	}

	if h.registry != nil {
		var up, down int
		for _, srv := range h.registry.Servers() {
			if srv.Health == upstream.HealthUnhealthy {
				down++
			} else {
				up++
			}
		}
		checks["upstreams"] = fmt.Sprintf("%d healthy, %d unhealthy", up, down)
	} else {
		checks["upstreams"] = "not configured"
	}

	if h.audit != nil {
		depth := h.audit.ChannelDepth()
		capacity := h.audit.ChannelCapacity()
		percentFull := 0
		if capacity > 0 {
			percentFull = depth * 100 / capacity
		}
		if percentFull > 90 {
			checks["audit"] = fmt.Sprintf("degraded: %d/%d (%d%%)", depth, capacity, percentFull)
			healthy = false
		} else {
			checks["audit"] = fmt.Sprintf("ok: %d/%d (%d%%)", depth, capacity, percentFull)
		}
		if drops := h.audit.Dropped(); drops > 0 {
			checks["audit_drops"] = fmt.Sprintf("%d dropped", drops)
		}
	} else {
		checks["audit"] = "not configured"
	}

	checks["goroutines"] = fmt.Sprintf("%d", runtime.NumGoroutine())

	status := "healthy"
	if !healthy {
		status = "unhealthy"
	}
	return HealthResponse{Status: status, Checks: checks, Version: h.version}
}

// Handler returns the /health endpoint handler.
func (h *HealthChecker) Handler() http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		health := h.Check()

		w.Header().Set("Content-Type", "application/json")
		if health.Status != "healthy" {
			w.WriteHeader(http.StatusServiceUnavailable)
		} else {
			w.WriteHeader(http.StatusOK)
		}
		_ = json.NewEncoder(w).Encode(health)
	})
}
