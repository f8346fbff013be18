package admin

import (
	"encoding/json"
	"errors"
	"io"
	"net/http"

	"github.com/Aegis-Gate/aegisgate/internal/service"
)

// handleGetADConfig returns the stored directory-integration blob.
// The gateway treats it as opaque JSON.
// GET /admin/api/ad/config
func (a *API) handleGetADConfig(w http.ResponseWriter, r *http.Request) {
	blob, err := a.config.GetADConfig(r.Context())
	if err != nil {
		if errors.Is(err, service.ErrADUnconfigured) {
			a.respondJSON(w, http.StatusOK, map[string]interface{}{"configured": false})
			return
		}
		a.logger.Error("failed to load directory config", "error", err)
		a.respondError(w, http.StatusInternalServerError, "failed to load directory config")
		return
	}
	a.respondJSON(w, http.StatusOK, map[string]interface{}{
		"configured": true,
		"config":     json.RawMessage(blob),
	})
}

// handleSetADConfig stores the directory blob encrypted at rest.
// PUT /admin/api/ad/config
func (a *API) handleSetADConfig(w http.ResponseWriter, r *http.Request) {
	blob, err := io.ReadAll(http.MaxBytesReader(w, r.Body, 1<<20))
	if err != nil {
		a.respondError(w, http.StatusBadRequest, "failed to read body")
		return
	}
	if !json.Valid(blob) {
		a.respondError(w, http.StatusBadRequest, "config must be valid JSON")
		return
	}

	if err := a.config.SetADConfig(r.Context(), blob, a.actorID(r)); err != nil {
		a.logger.Error("failed to store directory config", "error", err)
		a.respondError(w, http.StatusInternalServerError, "failed to store directory config")
		return
	}
	a.respondJSON(w, http.StatusOK, map[string]string{"status": "stored"})
}

// handleTestAD attempts a directory bind. No directory client is wired
// in this build, so the result is always unconfigured.
// POST /admin/api/ad/test
func (a *API) handleTestAD(w http.ResponseWriter, r *http.Request) {
	if err := a.config.TestADBind(r.Context()); err != nil {
		a.respondJSON(w, http.StatusOK, map[string]string{"status": "unconfigured", "detail": err.Error()})
		return
	}
	a.respondJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

// handleListADGroups lists directory groups.
// GET /admin/api/ad/groups
func (a *API) handleListADGroups(w http.ResponseWriter, r *http.Request) {
	groups, err := a.config.QueryADGroups(r.Context())
	if err != nil {
		a.respondError(w, http.StatusServiceUnavailable, err.Error())
		return
	}
	a.respondJSON(w, http.StatusOK, map[string]interface{}{"groups": groups})
}

// handleListADGroupMembers lists members of one directory group.
// GET /admin/api/ad/groups/{name}/members
func (a *API) handleListADGroupMembers(w http.ResponseWriter, r *http.Request) {
	members, err := a.config.QueryADGroupMembers(r.Context(), r.PathValue("name"))
	if err != nil {
		a.respondError(w, http.StatusServiceUnavailable, err.Error())
		return
	}
	a.respondJSON(w, http.StatusOK, map[string]interface{}{"members": members})
}
