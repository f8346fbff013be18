// Package ctxkey defines shared context key types used across multiple packages.
// This package should have no dependencies on other internal packages to avoid import cycles.
package ctxkey

// LoggerKey is the context key type for the enriched logger.
// Used by HTTP middleware to store and retrieve the logger with the request_id field.
type LoggerKey struct{}

// RequestIDKey is the context key type for the request correlation ID.
type RequestIDKey struct{}

// UserKey is the context key type for the authenticated user resolved
// from the request's bearer token. Value type is *identity.User.
type UserKey struct{}

// ClaimsKey is the context key type for the verified token claims.
// Value type is *identity.Claims.
type ClaimsKey struct{}

// OriginKey is the context key type for the sanitized request origin.
type OriginKey struct{}

// RemoteIPKey is the context key type for the client's real IP address.
type RemoteIPKey struct{}
