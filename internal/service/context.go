package service

import (
	"context"

	"github.com/Aegis-Gate/aegisgate/internal/ctxkey"
	"github.com/Aegis-Gate/aegisgate/internal/domain/identity"
)

// UserFromContext returns the authenticated user, or nil for anonymous
// requests.
func UserFromContext(ctx context.Context) *identity.User {
	u, _ := ctx.Value(ctxkey.UserKey{}).(*identity.User)
	return u
}

// userIDFromContext returns the authenticated user's id for audit
// attribution, empty for anonymous or system calls.
func userIDFromContext(ctx context.Context) string {
	if u := UserFromContext(ctx); u != nil {
		return u.ID
	}
	return ""
}
