package admin

import (
	"errors"
	"net/http"

	"github.com/Aegis-Gate/aegisgate/internal/adapter/outbound/sqlite"
	"github.com/Aegis-Gate/aegisgate/internal/domain/guard"
)

type guardRequest struct {
	ServerID   string `json:"server_id"`
	ToolName   string `json:"tool_name"`
	Expression string `json:"expression"`
}

// handleListGuards returns all configured tool guards.
// GET /admin/api/guards
func (a *API) handleListGuards(w http.ResponseWriter, r *http.Request) {
	guards, err := a.guards.List(r.Context())
	if err != nil {
		a.logger.Error("failed to list guards", "error", err)
		a.respondError(w, http.StatusInternalServerError, "failed to list guards")
		return
	}
	a.respondJSON(w, http.StatusOK, guards)
}

// handlePutGuard creates or replaces the guard for one (server, tool)
// pair. The expression is compiled before it is stored; a CEL error is
// a 400.
// PUT /admin/api/guards
func (a *API) handlePutGuard(w http.ResponseWriter, r *http.Request) {
	var req guardRequest
	if err := a.readJSON(r, &req); err != nil {
		a.respondError(w, http.StatusBadRequest, "invalid JSON body")
		return
	}
	if req.ServerID == "" || req.ToolName == "" || req.Expression == "" {
		a.respondError(w, http.StatusBadRequest, "server_id, tool_name, and expression are required")
		return
	}

	g := guard.Guard{ServerID: req.ServerID, ToolName: req.ToolName, Expression: req.Expression}
	if err := a.guards.Put(r.Context(), g); err != nil {
		a.respondError(w, http.StatusBadRequest, err.Error())
		return
	}
	a.respondJSON(w, http.StatusOK, g)
}

// handleDeleteGuard removes a guard.
// DELETE /admin/api/guards/{server_id}/{tool_name}
func (a *API) handleDeleteGuard(w http.ResponseWriter, r *http.Request) {
	serverID := r.PathValue("server_id")
	toolName := r.PathValue("tool_name")

	if err := a.guards.Delete(r.Context(), serverID, toolName); err != nil {
		if errors.Is(err, sqlite.ErrNotFound) {
			a.respondError(w, http.StatusNotFound, "guard not found")
			return
		}
		a.logger.Error("failed to delete guard", "server_id", serverID, "tool", toolName, "error", err)
		a.respondError(w, http.StatusInternalServerError, "failed to delete guard")
		return
	}
	w.WriteHeader(http.StatusNoContent)
}
