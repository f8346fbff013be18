package admin

import (
	"net/http"
	"strings"
)

type originRequest struct {
	Origin string `json:"origin"`
}

type originFlagsRequest struct {
	AllowHTTPSAny      *bool `json:"allow_https_any"`
	AllowNgrok         *bool `json:"allow_ngrok"`
	AllowMissingOrigin *bool `json:"allow_missing_origin"`
}

// handleGetOrigins returns the current origin policy.
// GET /admin/api/origins
func (a *API) handleGetOrigins(w http.ResponseWriter, r *http.Request) {
	a.respondJSON(w, http.StatusOK, a.config.Policy())
}

// handleAddOrigin adds a hostname to the allowlist. Adding a present
// host is idempotent: 200 instead of 201, no audit, no store write.
// POST /admin/api/origins
func (a *API) handleAddOrigin(w http.ResponseWriter, r *http.Request) {
	var req originRequest
	if err := a.readJSON(r, &req); err != nil {
		a.respondError(w, http.StatusBadRequest, "invalid JSON body")
		return
	}
	host := strings.TrimSpace(req.Origin)
	if host == "" {
		a.respondError(w, http.StatusBadRequest, "origin is required")
		return
	}

	policy, changed, err := a.config.AddOrigin(r.Context(), host, a.actorID(r))
	if err != nil {
		a.respondError(w, http.StatusBadRequest, err.Error())
		return
	}
	status := http.StatusOK
	if changed {
		status = http.StatusCreated
	}
	a.respondJSON(w, status, policy)
}

// handleRemoveOrigin removes a hostname from the allowlist. Removing an
// absent host is idempotent and answers 404 without a store write.
// DELETE /admin/api/origins
func (a *API) handleRemoveOrigin(w http.ResponseWriter, r *http.Request) {
	var req originRequest
	if err := a.readJSON(r, &req); err != nil {
		a.respondError(w, http.StatusBadRequest, "invalid JSON body")
		return
	}

	policy, changed, err := a.config.RemoveOrigin(r.Context(), strings.TrimSpace(req.Origin), a.actorID(r))
	if err != nil {
		a.logger.Error("failed to remove origin", "error", err)
		a.respondError(w, http.StatusInternalServerError, "failed to remove origin")
		return
	}
	if !changed {
		a.respondError(w, http.StatusNotFound, "origin not in allowlist")
		return
	}
	a.respondJSON(w, http.StatusOK, policy)
}

// handleSetOriginFlags updates the permissive clauses.
// PUT /admin/api/origins/flags
func (a *API) handleSetOriginFlags(w http.ResponseWriter, r *http.Request) {
	var req originFlagsRequest
	if err := a.readJSON(r, &req); err != nil {
		a.respondError(w, http.StatusBadRequest, "invalid JSON body")
		return
	}

	policy, err := a.config.SetPermissiveFlags(r.Context(), req.AllowHTTPSAny, req.AllowNgrok, req.AllowMissingOrigin, a.actorID(r))
	if err != nil {
		a.logger.Error("failed to update origin flags", "error", err)
		a.respondError(w, http.StatusInternalServerError, "failed to update origin policy")
		return
	}
	a.respondJSON(w, http.StatusOK, policy)
}
