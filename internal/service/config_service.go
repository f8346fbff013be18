package service

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"

	"github.com/Aegis-Gate/aegisgate/internal/adapter/outbound/keys"
	"github.com/Aegis-Gate/aegisgate/internal/adapter/outbound/sqlite"
	"github.com/Aegis-Gate/aegisgate/internal/domain/audit"
	"github.com/Aegis-Gate/aegisgate/internal/domain/origin"
)

// ErrADUnconfigured is returned by TestADBind when no directory
// configuration has been stored.
var ErrADUnconfigured = errors.New("directory integration is not configured")

// ConfigKV is the versioned key/value persistence the config service
// writes through. Matches *sqlite.ConfigStore.
type ConfigKV interface {
	Get(ctx context.Context, key string) (value []byte, version int64, err error)
	Set(ctx context.Context, key string, value []byte) (version int64, err error)
}

// ConfigService owns the runtime-mutable configuration: the origin
// policy (read on every request, swapped atomically on mutation), the
// persisted JWT key ring, and the opaque directory-integration blob.
// Secret-bearing values are encrypted before they reach the store.
type ConfigService struct {
	store  ConfigKV
	cipher *keys.Cipher
	audit  *AuditService
	logger *slog.Logger

	mu     sync.RWMutex
	policy origin.Policy
}

// NewConfigService creates the service with the default origin policy.
// Call Load to replace it with the persisted one.
func NewConfigService(store ConfigKV, cipher *keys.Cipher, auditSvc *AuditService, logger *slog.Logger) *ConfigService {
	return &ConfigService{
		store:  store,
		cipher: cipher,
		audit:  auditSvc,
		logger: logger,
		policy: origin.DefaultPolicy(),
	}
}

// Load reads the persisted origin policy. A missing row keeps the
// default first-boot policy.
func (s *ConfigService) Load(ctx context.Context) error {
	value, _, err := s.store.Get(ctx, sqlite.ConfigKeyOriginPolicy)
	if errors.Is(err, sqlite.ErrNotFound) {
		return nil
	}
	if err != nil {
		return fmt.Errorf("failed to load origin policy: %w", err)
	}

	var p origin.Policy
	if err := json.Unmarshal(value, &p); err != nil {
		return fmt.Errorf("failed to decode origin policy: %w", err)
	}

	s.mu.Lock()
	s.policy = p
	s.mu.Unlock()
	s.logger.Info("origin policy loaded", "allowlist", len(p.Allowlist), "version", p.Version)
	return nil
}

// Policy returns the current origin policy snapshot. Safe for
// concurrent use on the request hot path.
func (s *ConfigService) Policy() origin.Policy {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.policy
}

// AddOrigin adds a sanitized hostname to the allowlist, persists the
// new policy, and swaps it in. Adding a present host is a no-op with
// changed=false and no store write.
func (s *ConfigService) AddOrigin(ctx context.Context, host, actorID string) (origin.Policy, bool, error) {
	if !origin.ValidHostname(host) {
		return origin.Policy{}, false, fmt.Errorf("invalid origin hostname %q", host)
	}
	return s.mutatePolicy(ctx, actorID, "origin_added", host, func(p origin.Policy) (origin.Policy, bool) {
		return p.WithOrigin(host)
	})
}

// RemoveOrigin removes a hostname from the allowlist. Removing an
// absent host is a no-op with changed=false.
func (s *ConfigService) RemoveOrigin(ctx context.Context, host, actorID string) (origin.Policy, bool, error) {
	return s.mutatePolicy(ctx, actorID, "origin_removed", host, func(p origin.Policy) (origin.Policy, bool) {
		return p.WithoutOrigin(host)
	})
}

// SetPermissiveFlags updates the policy's permissive clauses. Nil
// pointers leave the current value untouched.
func (s *ConfigService) SetPermissiveFlags(ctx context.Context, httpsAny, ngrok, missingOrigin *bool, actorID string) (origin.Policy, error) {
	p, _, err := s.mutatePolicy(ctx, actorID, "permissive_flags", "", func(p origin.Policy) (origin.Policy, bool) {
		out := p
		if httpsAny != nil {
			out.AllowHTTPSAny = *httpsAny
		}
		if ngrok != nil {
			out.AllowNgrok = *ngrok
		}
		if missingOrigin != nil {
			out.AllowMissingOrigin = *missingOrigin
		}
		changed := out.AllowHTTPSAny != p.AllowHTTPSAny ||
			out.AllowNgrok != p.AllowNgrok ||
			out.AllowMissingOrigin != p.AllowMissingOrigin
		return out, changed
	})
	return p, err
}

// mutatePolicy applies mutate under the write lock, persists the result
// with a bumped version, swaps the snapshot, and audits the change.
func (s *ConfigService) mutatePolicy(ctx context.Context, actorID, change, host string, mutate func(origin.Policy) (origin.Policy, bool)) (origin.Policy, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	next, changed := mutate(s.policy)
	if !changed {
		return s.policy, false, nil
	}
	next.Version = s.policy.Version + 1

	value, err := json.Marshal(next)
	if err != nil {
		return origin.Policy{}, false, fmt.Errorf("failed to encode origin policy: %w", err)
	}
	if _, err := s.store.Set(ctx, sqlite.ConfigKeyOriginPolicy, value); err != nil {
		return origin.Policy{}, false, fmt.Errorf("failed to persist origin policy: %w", err)
	}

	s.policy = next
	details := map[string]interface{}{"change": change, "policy_version": next.Version}
	if host != "" {
		details["origin"] = host
	}
	s.audit.Emit(&audit.Event{
		Kind:    audit.KindConfigChanged,
		UserID:  actorID,
		Details: details,
	})
	return next, true, nil
}

// LoadKeyRing reads the persisted key ring, decrypting it with the
// master cipher. On first boot (no row) a fresh ring is generated and
// persisted.
func (s *ConfigService) LoadKeyRing(ctx context.Context) (*keys.KeyRing, error) {
	blob, _, err := s.store.Get(ctx, sqlite.ConfigKeyJWT)
	if errors.Is(err, sqlite.ErrNotFound) {
		ring, err := keys.NewKeyRing()
		if err != nil {
			return nil, fmt.Errorf("failed to generate key ring: %w", err)
		}
		if err := s.SaveKeyRing(ctx, ring); err != nil {
			return nil, err
		}
		s.logger.Info("generated new JWT key ring", "kid", ring.ActiveKid())
		return ring, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to load key ring: %w", err)
	}

	plaintext, err := s.cipher.Decrypt(blob)
	if err != nil {
		return nil, fmt.Errorf("failed to decrypt key ring: %w", err)
	}
	ring, err := keys.UnmarshalKeyRing(plaintext)
	if err != nil {
		return nil, fmt.Errorf("failed to decode key ring: %w", err)
	}
	return ring, nil
}

// SaveKeyRing persists the ring encrypted under the master cipher.
func (s *ConfigService) SaveKeyRing(ctx context.Context, ring *keys.KeyRing) error {
	plaintext, err := ring.Marshal()
	if err != nil {
		return fmt.Errorf("failed to encode key ring: %w", err)
	}
	blob, err := s.cipher.Encrypt(plaintext)
	if err != nil {
		return fmt.Errorf("failed to encrypt key ring: %w", err)
	}
	if _, err := s.store.Set(ctx, sqlite.ConfigKeyJWT, blob); err != nil {
		return fmt.Errorf("failed to persist key ring: %w", err)
	}
	return nil
}

// RotateKeys generates a new active signing key, persists the ring, and
// audits the rotation. Returns the new active kid.
func (s *ConfigService) RotateKeys(ctx context.Context, ring *keys.KeyRing, actorID string) (string, error) {
	kid, err := ring.Rotate()
	if err != nil {
		return "", fmt.Errorf("failed to rotate keys: %w", err)
	}
	if err := s.SaveKeyRing(ctx, ring); err != nil {
		return "", err
	}
	s.audit.Emit(&audit.Event{
		Kind:    audit.KindKeysRotated,
		UserID:  actorID,
		Details: map[string]interface{}{"kid": kid},
	})
	s.logger.Info("JWT signing keys rotated", "kid", kid)
	return kid, nil
}

// SetADConfig stores the opaque directory-integration blob encrypted at
// rest. The gateway never interprets it; a directory client, when one
// is wired, is its only consumer.
func (s *ConfigService) SetADConfig(ctx context.Context, blob []byte, actorID string) error {
	enc, err := s.cipher.Encrypt(blob)
	if err != nil {
		return fmt.Errorf("failed to encrypt directory config: %w", err)
	}
	if _, err := s.store.Set(ctx, sqlite.ConfigKeyAD, enc); err != nil {
		return fmt.Errorf("failed to persist directory config: %w", err)
	}
	s.audit.Emit(&audit.Event{
		Kind:    audit.KindConfigChanged,
		UserID:  actorID,
		Details: map[string]interface{}{"change": "ad_config"},
	})
	return nil
}

// GetADConfig returns the decrypted directory blob, or ErrADUnconfigured.
func (s *ConfigService) GetADConfig(ctx context.Context) ([]byte, error) {
	blob, _, err := s.store.Get(ctx, sqlite.ConfigKeyAD)
	if errors.Is(err, sqlite.ErrNotFound) {
		return nil, ErrADUnconfigured
	}
	if err != nil {
		return nil, fmt.Errorf("failed to load directory config: %w", err)
	}
	return s.cipher.Decrypt(blob)
}

// TestADBind reports whether a directory bind would succeed. No
// directory client is wired in this build, so a stored config still
// reports unconfigured.
func (s *ConfigService) TestADBind(ctx context.Context) error {
	if _, err := s.GetADConfig(ctx); err != nil {
		return err
	}
	return ErrADUnconfigured
}

// QueryADGroups lists directory groups. Same contract as TestADBind:
// without a wired directory client the result is ErrADUnconfigured.
func (s *ConfigService) QueryADGroups(ctx context.Context) ([]string, error) {
	if _, err := s.GetADConfig(ctx); err != nil {
		return nil, err
	}
	return nil, ErrADUnconfigured
}

// QueryADGroupMembers lists members of a directory group. Same contract
// as QueryADGroups.
func (s *ConfigService) QueryADGroupMembers(ctx context.Context, group string) ([]string, error) {
	if _, err := s.GetADConfig(ctx); err != nil {
		return nil, err
	}
	return nil, ErrADUnconfigured
}
