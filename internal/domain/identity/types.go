// Package identity defines users, auth providers, and verified token
// claims. Authorization logic lives in the rbac package; this package
// only models who the caller is.
package identity

import (
	"errors"
	"time"
)

// Provider identifies how a user authenticates.
type Provider string

const (
	// ProviderLocal is email+password against a stored argon2id hash.
	ProviderLocal Provider = "local"

	// ProviderAD is Active Directory / LDAP group import.
	ProviderAD Provider = "ad"
)

// OAuth providers are identified by their configured provider id
// (e.g. "google", "github"); any Provider value other than the two
// constants above is treated as an OAuth provider id.

// User is a gateway account.
type User struct {
	// ID is the stable user id, provider-scoped.
	ID string `json:"id"`

	// Email is unique across all users.
	Email string `json:"email"`

	// Name is the display name.
	Name string `json:"name"`

	// Provider records how this user signs in. A user has exactly one
	// provider for its lifetime.
	Provider Provider `json:"provider"`

	// PasswordHash is the argon2id hash; set only for local users.
	// Never serialized.
	PasswordHash string `json:"-"`

	// Enabled gates sign-in; disabled users fail token verification at
	// the resolution step even with a valid signature.
	Enabled bool `json:"enabled"`

	// RoleIDs are the roles assigned to the user.
	RoleIDs []string `json:"role_ids"`

	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// Validation errors.
var (
	ErrLocalNeedsHash   = errors.New("local user requires a password hash")
	ErrNonLocalHasHash  = errors.New("non-local user must not have a password hash")
	ErrEmailRequired    = errors.New("user email is required")
	ErrProviderRequired = errors.New("user provider is required")
)

// Validate enforces the provider/credential invariant: local users must
// carry a password hash and non-local users must not.
func (u *User) Validate() error {
	if u.Email == "" {
		return ErrEmailRequired
	}
	if u.Provider == "" {
		return ErrProviderRequired
	}
	if u.Provider == ProviderLocal && u.PasswordHash == "" {
		return ErrLocalNeedsHash
	}
	if u.Provider != ProviderLocal && u.PasswordHash != "" {
		return ErrNonLocalHasHash
	}
	return nil
}

// HasRole reports whether the user has the given role id assigned.
func (u *User) HasRole(roleID string) bool {
	for _, r := range u.RoleIDs {
		if r == roleID {
			return true
		}
	}
	return false
}

// VerifiedBy records which verification path accepted a token.
type VerifiedBy string

const (
	// VerifiedRS256 means the signature matched a key in the current JWKS.
	VerifiedRS256 VerifiedBy = "rs256"

	// VerifiedHS256Legacy means the legacy symmetric fallback was used.
	// Every use is audited at WARN so operators can retire the secret.
	VerifiedHS256Legacy VerifiedBy = "hs256_legacy"
)

// TokenTypeAccess is the only token type the gateway issues or accepts.
const TokenTypeAccess = "access"

// Claims is the verified content of an accepted JWT.
type Claims struct {
	UserID    string     `json:"sub"`
	Email     string     `json:"email"`
	Name      string     `json:"name"`
	Provider  Provider   `json:"provider"`
	TokenType string     `json:"type"`
	IssuedAt  time.Time  `json:"iat"`
	ExpiresAt time.Time  `json:"exp"`
	Verified  VerifiedBy `json:"-"`
}
