// Package http is the client-facing transport adapter: the /mcp
// Streamable HTTP endpoint plus the health and metrics routes.
package http

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net"
	"net/http"
	"strings"

	"github.com/google/uuid"

	"github.com/Aegis-Gate/aegisgate/internal/ctxkey"
	"github.com/Aegis-Gate/aegisgate/internal/domain/audit"
	"github.com/Aegis-Gate/aegisgate/internal/domain/identity"
	"github.com/Aegis-Gate/aegisgate/internal/domain/origin"
	"github.com/Aegis-Gate/aegisgate/internal/service"
	"github.com/Aegis-Gate/aegisgate/pkg/mcp"
)

// PolicySource returns the current origin policy snapshot. The admin
// plane swaps the snapshot on mutation; readers never lock.
type PolicySource func() origin.Policy

// TokenVerifier resolves a bearer token to a user. Matches
// *service.TokenService.
type TokenVerifier interface {
	Verify(ctx context.Context, token string) (*identity.User, *identity.Claims, error)
}

// RequestIDMiddleware extracts or generates a request id and stores an
// enriched logger in the context.
func RequestIDMiddleware(logger *slog.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			requestID := r.Header.Get("X-Request-ID")
			if requestID == "" {
				requestID = uuid.New().String()
			}

			ctx := context.WithValue(r.Context(), ctxkey.RequestIDKey{}, requestID)
			ctx = context.WithValue(ctx, ctxkey.LoggerKey{}, logger.With("request_id", requestID))

			w.Header().Set("X-Request-ID", requestID)
			next.ServeHTTP(w, r.WithContext(ctx))
		})
	}
}

// LoggerFromContext retrieves the enriched logger from context,
// slog.Default() if none was stored.
func LoggerFromContext(ctx context.Context) *slog.Logger {
	if logger, ok := ctx.Value(ctxkey.LoggerKey{}).(*slog.Logger); ok {
		return logger
	}
	return slog.Default()
}

// RealIPMiddleware stores the client's real IP in the context. Only the
// first X-Forwarded-For entry is trusted.
func RealIPMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ctx := context.WithValue(r.Context(), ctxkey.RemoteIPKey{}, extractRealIP(r))
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

func extractRealIP(r *http.Request) string {
	if xff := r.Header.Get("X-Forwarded-For"); xff != "" {
		if ip := strings.TrimSpace(strings.Split(xff, ",")[0]); ip != "" {
			return ip
		}
	}
	if xri := r.Header.Get("X-Real-IP"); xri != "" {
		return strings.TrimSpace(xri)
	}
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}

// OriginMiddleware validates the request origin against the current
// policy before any protocol dispatch. Rejection is HTTP 403 with no
// protocol side effect. Permissive matches (https_any, ngrok, missing
// origin) are logged at WARN and audited so operators can see when a
// non-allowlisted origin got through.
func OriginMiddleware(policy PolicySource, auditSvc *service.AuditService, logger *slog.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			o, present, err := origin.Extract(r)
			if err != nil {
				auditSvc.Emit(&audit.Event{
					Kind:     audit.KindOriginRejected,
					Severity: audit.SeverityError,
					Details:  map[string]interface{}{"reason": err.Error()},
				})
				writeKindError(w, nil, mcp.KindOriginDenied, "origin rejected", "")
				return
			}

			allowed, rule := policy().Evaluate(o, present)
			if !allowed {
				logger.Error("origin denied", "origin", o.String(), "remote_ip", extractRealIP(r))
				auditSvc.Emit(&audit.Event{
					Kind:     audit.KindOriginRejected,
					Severity: audit.SeverityError,
					Details:  map[string]interface{}{"origin": o.String()},
				})
				writeKindError(w, nil, mcp.KindOriginDenied, "origin not allowed", "")
				return
			}

			if rule.Permissive() {
				logger.Warn("origin allowed by permissive rule", "origin", o.String(), "rule", string(rule))
				auditSvc.Emit(&audit.Event{
					Kind:     audit.KindOriginPermissive,
					Severity: audit.SeverityWarn,
					Details:  map[string]interface{}{"origin": o.String(), "rule": string(rule)},
				})
			} else if present {
				logger.Info("origin allowed", "origin", o.String(), "rule", string(rule))
			}

			ctx := context.WithValue(r.Context(), ctxkey.OriginKey{}, o.String())
			next.ServeHTTP(w, r.WithContext(ctx))
		})
	}
}

// BearerAuthMiddleware resolves the caller's identity from a bearer
// token, looking at the Authorization header first and the ?token=
// query parameter second (EventSource cannot set headers). Requests
// without a token continue anonymously; the gateway decides per method
// whether anonymity is acceptable. A token that is present but bad is
// rejected here.
func BearerAuthMiddleware(verifier TokenVerifier) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			token := bearerToken(r)
			if token == "" {
				next.ServeHTTP(w, r)
				return
			}

			user, claims, err := verifier.Verify(r.Context(), token)
			if err != nil {
				kind := mcp.KindTokenInvalid
				detail := ""
				switch {
				case errors.Is(err, service.ErrTokenExpired):
					kind = mcp.KindTokenExpired
				case errors.Is(err, service.ErrUserDisabled):
					detail = "account disabled"
				}
				writeKindError(w, nil, kind, "invalid bearer token", detail)
				return
			}

			ctx := context.WithValue(r.Context(), ctxkey.UserKey{}, user)
			ctx = context.WithValue(ctx, ctxkey.ClaimsKey{}, claims)
			next.ServeHTTP(w, r.WithContext(ctx))
		})
	}
}

func bearerToken(r *http.Request) string {
	auth := r.Header.Get("Authorization")
	if strings.HasPrefix(auth, "Bearer ") {
		return strings.TrimPrefix(auth, "Bearer ")
	}
	return r.URL.Query().Get("token")
}

// writeKindError writes a JSON-RPC error envelope carrying the kind
// discriminator, at the kind's HTTP status.
func writeKindError(w http.ResponseWriter, id json.RawMessage, kind mcp.Kind, message, detail string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(kind.HTTPStatus())
	_, _ = w.Write(mcp.NewKindErrorResponse(id, kind, message, detail))
}
