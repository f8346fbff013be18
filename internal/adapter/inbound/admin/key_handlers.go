package admin

import (
	"net/http"
)

// handleListKeys returns the JWKS plus the active signing kid.
// GET /admin/api/jwt/keys
func (a *API) handleListKeys(w http.ResponseWriter, r *http.Request) {
	a.respondJSON(w, http.StatusOK, map[string]interface{}{
		"active_kid":   a.ring.ActiveKid(),
		"jwks":         a.ring.JWKS(),
		"legacy_hs256": a.tokens.LegacyEnabled(),
	})
}

// handleRotateKeys generates a new signing key and persists the ring.
// Tokens signed by retained previous keys keep verifying until their
// keys are evicted.
// POST /admin/api/jwt/rotate
func (a *API) handleRotateKeys(w http.ResponseWriter, r *http.Request) {
	kid, err := a.config.RotateKeys(r.Context(), a.ring, a.actorID(r))
	if err != nil {
		a.logger.Error("key rotation failed", "error", err)
		a.respondError(w, http.StatusInternalServerError, "key rotation failed")
		return
	}
	a.respondJSON(w, http.StatusOK, map[string]string{"active_kid": kid})
}
