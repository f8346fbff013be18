package admin

import (
	"errors"
	"net/http"

	"github.com/Aegis-Gate/aegisgate/internal/domain/upstream"
	"github.com/Aegis-Gate/aegisgate/internal/service"
)

type serverRequest struct {
	Name string `json:"name"`
	URL  string `json:"url"`
	// Headers carry upstream credentials; they are encrypted at rest
	// and never echoed back.
	Headers map[string]string `json:"headers"`
}

type serverResponse struct {
	ID         string          `json:"id"`
	Name       string          `json:"name"`
	URL        string          `json:"url"`
	Enabled    bool            `json:"enabled"`
	Health     string          `json:"health"`
	HasHeaders bool            `json:"has_headers"`
	Tools      []upstream.Tool `json:"tools"`
}

func toServerResponse(s *upstream.Server) serverResponse {
	return serverResponse{
		ID:         s.ID,
		Name:       s.Name,
		URL:        s.URL,
		Enabled:    s.Enabled,
		Health:     string(s.Health),
		HasHeaders: len(s.Headers) > 0,
		Tools:      s.Tools,
	}
}

// handleListServers returns all registered upstreams with their health
// and discovered tools. Credentials are reported only as a presence
// flag.
// GET /admin/api/servers
func (a *API) handleListServers(w http.ResponseWriter, r *http.Request) {
	servers := a.registry.Servers()
	out := make([]serverResponse, 0, len(servers))
	for _, s := range servers {
		out = append(out, toServerResponse(s))
	}
	a.respondJSON(w, http.StatusOK, out)
}

// handleRegisterServer registers an upstream: the registry validates
// the URL, performs the initialize handshake, discovers tools, and
// persists the server with encrypted headers.
// POST /admin/api/servers
func (a *API) handleRegisterServer(w http.ResponseWriter, r *http.Request) {
	var req serverRequest
	if err := a.readJSON(r, &req); err != nil {
		a.respondError(w, http.StatusBadRequest, "invalid JSON body")
		return
	}
	if req.URL == "" {
		a.respondError(w, http.StatusBadRequest, "url is required")
		return
	}

	srv, err := a.registry.Register(r.Context(), req.Name, req.URL, req.Headers)
	if err != nil {
		switch {
		case errors.Is(err, service.ErrServerExists):
			a.respondError(w, http.StatusConflict, "server already registered")
		case errors.Is(err, upstream.ErrInvalidURL):
			a.respondError(w, http.StatusBadRequest, err.Error())
		default:
			a.logger.Error("failed to register server", "url", req.URL, "error", err)
			a.respondError(w, http.StatusBadGateway, "upstream handshake failed")
		}
		return
	}

	a.respondJSON(w, http.StatusCreated, toServerResponse(srv))
}

// handleRemoveServer deregisters an upstream and cancels its in-flight
// calls.
// DELETE /admin/api/servers/{id}
func (a *API) handleRemoveServer(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	if err := a.registry.Remove(r.Context(), id); err != nil {
		if errors.Is(err, service.ErrServerNotFound) {
			a.respondError(w, http.StatusNotFound, "server not found")
			return
		}
		a.logger.Error("failed to remove server", "id", id, "error", err)
		a.respondError(w, http.StatusInternalServerError, "failed to remove server")
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// handleRefreshServer re-runs tool discovery for one upstream.
// POST /admin/api/servers/{id}/refresh
func (a *API) handleRefreshServer(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	if err := a.registry.Refresh(r.Context(), id); err != nil {
		if errors.Is(err, service.ErrServerNotFound) {
			a.respondError(w, http.StatusNotFound, "server not found")
			return
		}
		a.logger.Error("failed to refresh server", "id", id, "error", err)
		a.respondError(w, http.StatusBadGateway, "tool discovery failed")
		return
	}
	a.respondJSON(w, http.StatusOK, map[string]string{"status": "refreshed"})
}
