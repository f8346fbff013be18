package service

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/alexedwards/argon2id"
	"github.com/golang-jwt/jwt/v5"

	"github.com/Aegis-Gate/aegisgate/internal/adapter/outbound/keys"
	"github.com/Aegis-Gate/aegisgate/internal/domain/audit"
	"github.com/Aegis-Gate/aegisgate/internal/domain/identity"
)

// Token verification errors. The HTTP boundary maps these onto the
// structured error kinds.
var (
	ErrTokenExpired   = errors.New("token has expired")
	ErrTokenInvalid   = errors.New("token is invalid")
	ErrUserDisabled   = errors.New("user account is disabled")
	ErrBadCredentials = errors.New("invalid email or password")
)

// UserReader resolves verified token subjects to accounts.
type UserReader interface {
	GetByID(ctx context.Context, id string) (*identity.User, error)
	GetByEmail(ctx context.Context, email string) (*identity.User, error)
}

// TokenService issues and verifies the gateway's JWTs. Issuance is
// always RS256 with the active kid; verification tries RS256 against
// the key ring first and falls back to the legacy HS256 secret when
// one is configured. Every legacy acceptance is audited at WARN.
type TokenService struct {
	users        UserReader
	ring         *keys.KeyRing
	audit        *AuditService
	logger       *slog.Logger
	legacySecret []byte
	tokenTTL     time.Duration
}

// TokenOption configures TokenService.
type TokenOption func(*TokenService)

// WithLegacySecret enables the HS256 validation fallback. New tokens
// are never issued with it.
func WithLegacySecret(secret string) TokenOption {
	return func(s *TokenService) {
		if secret != "" {
			s.legacySecret = []byte(secret)
		}
	}
}

// WithTokenTTL sets the access token lifetime.
func WithTokenTTL(ttl time.Duration) TokenOption {
	return func(s *TokenService) {
		if ttl > 0 {
			s.tokenTTL = ttl
		}
	}
}

// NewTokenService creates the token service.
func NewTokenService(users UserReader, ring *keys.KeyRing, auditSvc *AuditService, logger *slog.Logger, opts ...TokenOption) *TokenService {
	s := &TokenService{
		users:    users,
		ring:     ring,
		audit:    auditSvc,
		logger:   logger,
		tokenTTL: 8 * time.Hour,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// LegacyEnabled reports whether the HS256 validation fallback is
// configured. The secret itself is never exposed.
func (s *TokenService) LegacyEnabled() bool {
	return len(s.legacySecret) > 0
}

// Issue signs an access token for the user with the active RS256 key.
func (s *TokenService) Issue(user *identity.User) (string, error) {
	kid, key := s.ring.Signer()
	if key == nil {
		return "", fmt.Errorf("no active signing key")
	}

	now := time.Now()
	token := jwt.NewWithClaims(jwt.SigningMethodRS256, jwt.MapClaims{
		"sub":      user.ID,
		"email":    user.Email,
		"name":     user.Name,
		"provider": string(user.Provider),
		"type":     identity.TokenTypeAccess,
		"iat":      now.Unix(),
		"exp":      now.Add(s.tokenTTL).Unix(),
	})
	token.Header["kid"] = kid

	signed, err := token.SignedString(key)
	if err != nil {
		return "", fmt.Errorf("failed to sign token: %w", err)
	}
	return signed, nil
}

// Verify validates a raw token string and resolves the account it
// names. Disabled users fail resolution even with a valid signature.
func (s *TokenService) Verify(ctx context.Context, raw string) (*identity.User, *identity.Claims, error) {
	claims, err := s.verifySignature(raw)
	if err != nil {
		s.audit.Emit(&audit.Event{
			Kind:     audit.KindTokenRejected,
			Severity: audit.SeverityWarn,
			Details:  map[string]interface{}{"reason": err.Error()},
		})
		return nil, nil, err
	}

	if claims.Verified == identity.VerifiedHS256Legacy {
		s.audit.Emit(&audit.Event{
			Kind:     audit.KindLegacyTokenUsed,
			Severity: audit.SeverityWarn,
			UserID:   claims.UserID,
			Details:  map[string]interface{}{"reason": "HS256 legacy fallback accepted; rotate clients to RS256"},
		})
	}

	user, err := s.users.GetByID(ctx, claims.UserID)
	if err != nil {
		return nil, nil, fmt.Errorf("%w: unknown subject", ErrTokenInvalid)
	}
	if !user.Enabled {
		return nil, nil, ErrUserDisabled
	}
	return user, claims, nil
}

// verifySignature checks the signature, expiry, and token type.
func (s *TokenService) verifySignature(raw string) (*identity.Claims, error) {
	verified := identity.VerifiedRS256

	parsed, err := jwt.Parse(raw, func(t *jwt.Token) (interface{}, error) {
		switch t.Method.(type) {
		case *jwt.SigningMethodRSA:
			kid, _ := t.Header["kid"].(string)
			if kid == "" {
				return nil, fmt.Errorf("missing kid")
			}
			pub, ok := s.ring.Verifier(kid)
			if !ok {
				return nil, fmt.Errorf("unknown kid %s", kid)
			}
			return pub, nil
		case *jwt.SigningMethodHMAC:
			if len(s.legacySecret) == 0 {
				return nil, fmt.Errorf("legacy HS256 not enabled")
			}
			verified = identity.VerifiedHS256Legacy
			return s.legacySecret, nil
		default:
			return nil, fmt.Errorf("unexpected signing method %s", t.Method.Alg())
		}
	}, jwt.WithValidMethods([]string{"RS256", "HS256"}))

	if err != nil {
		if errors.Is(err, jwt.ErrTokenExpired) {
			return nil, ErrTokenExpired
		}
		return nil, fmt.Errorf("%w: %v", ErrTokenInvalid, err)
	}

	mapClaims, ok := parsed.Claims.(jwt.MapClaims)
	if !ok || !parsed.Valid {
		return nil, ErrTokenInvalid
	}

	tokenType, _ := mapClaims["type"].(string)
	if tokenType != identity.TokenTypeAccess {
		return nil, fmt.Errorf("%w: not an access token", ErrTokenInvalid)
	}
	sub, _ := mapClaims["sub"].(string)
	if sub == "" {
		return nil, fmt.Errorf("%w: missing subject", ErrTokenInvalid)
	}

	claims := &identity.Claims{
		UserID:    sub,
		TokenType: tokenType,
		Verified:  verified,
	}
	if email, ok := mapClaims["email"].(string); ok {
		claims.Email = email
	}
	if name, ok := mapClaims["name"].(string); ok {
		claims.Name = name
	}
	if provider, ok := mapClaims["provider"].(string); ok {
		claims.Provider = identity.Provider(provider)
	}
	if iat, ok := mapClaims["iat"].(float64); ok {
		claims.IssuedAt = time.Unix(int64(iat), 0)
	}
	if exp, ok := mapClaims["exp"].(float64); ok {
		claims.ExpiresAt = time.Unix(int64(exp), 0)
	}
	return claims, nil
}

// LoginLocal authenticates a local user by email and password and
// issues an access token.
func (s *TokenService) LoginLocal(ctx context.Context, email, password string) (*identity.User, string, error) {
	fail := func(reason string) (*identity.User, string, error) {
		s.audit.Emit(&audit.Event{
			Kind:     audit.KindLoginFailed,
			Severity: audit.SeverityWarn,
			Details:  map[string]interface{}{"email": email, "reason": reason},
		})
		return nil, "", ErrBadCredentials
	}

	user, err := s.users.GetByEmail(ctx, email)
	if err != nil {
		// Burn comparable time so unknown emails are not distinguishable
		// by response latency.
		_, _ = argon2id.ComparePasswordAndHash(password,
			"$argon2id$v=19$m=65536,t=1,p=2$c29tZXNhbHQ$RdescudvJCsgt3ub+b+dWRWJTmaaJObG")
		return fail("unknown email")
	}
	if user.Provider != identity.ProviderLocal {
		return fail("not a local account")
	}
	if !user.Enabled {
		return fail("account disabled")
	}

	match, err := argon2id.ComparePasswordAndHash(password, user.PasswordHash)
	if err != nil || !match {
		return fail("wrong password")
	}

	token, err := s.Issue(user)
	if err != nil {
		return nil, "", err
	}

	s.audit.Emit(&audit.Event{
		Kind:    audit.KindLogin,
		UserID:  user.ID,
		Success: true,
	})
	return user, token, nil
}
