// Package keys holds the gateway's cryptographic material: the RS256
// signing key ring with JWKS publication, the AES-GCM cipher for
// secrets at rest, and the 0600 key file it is derived from.
package keys

import (
	"crypto/rand"
	"crypto/rsa"
	"crypto/x509"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"math/big"
	"sync"
	"time"
)

// maxRetiredKeys bounds how many superseded keys stay available for
// verification after rotations.
const maxRetiredKeys = 2

// KeyRing manages RSA key pairs for JWT signing with rotation support.
// Rotation generates a fresh signing key and keeps the previous keys
// around so tokens issued before the rotation still verify until they
// expire.
type KeyRing struct {
	mu        sync.RWMutex
	keys      map[string]*rsa.PrivateKey
	activeKid string

	// order tracks kids oldest first; used to evict retired keys.
	order []string
}

// NewKeyRing creates a KeyRing with one freshly generated signing key.
func NewKeyRing() (*KeyRing, error) {
	kr := &KeyRing{keys: make(map[string]*rsa.PrivateKey)}
	if _, err := kr.Rotate(); err != nil {
		return nil, err
	}
	return kr, nil
}

// Rotate generates a new RSA key, makes it the active signing key, and
// returns its kid. Superseded keys remain verifiable, oldest evicted
// beyond maxRetiredKeys.
func (kr *KeyRing) Rotate() (string, error) {
	key, err := rsa.GenerateKey(rand.Reader, 2048)
	if err != nil {
		return "", fmt.Errorf("failed to generate RSA key: %w", err)
	}

	kid := newKid()

	kr.mu.Lock()
	defer kr.mu.Unlock()

	kr.keys[kid] = key
	kr.activeKid = kid
	kr.order = append(kr.order, kid)

	for len(kr.order) > maxRetiredKeys+1 {
		evict := kr.order[0]
		kr.order = kr.order[1:]
		delete(kr.keys, evict)
	}
	return kid, nil
}

func newKid() string {
	var b [6]byte
	_, _ = rand.Read(b[:])
	return fmt.Sprintf("key-%d-%s", time.Now().Unix(), base64.RawURLEncoding.EncodeToString(b[:]))
}

// Signer returns the active signing key and its kid.
func (kr *KeyRing) Signer() (kid string, key *rsa.PrivateKey) {
	kr.mu.RLock()
	defer kr.mu.RUnlock()
	return kr.activeKid, kr.keys[kr.activeKid]
}

// ActiveKid returns the current signing kid.
func (kr *KeyRing) ActiveKid() string {
	kr.mu.RLock()
	defer kr.mu.RUnlock()
	return kr.activeKid
}

// Verifier returns the public key for kid, if the ring knows it.
func (kr *KeyRing) Verifier(kid string) (*rsa.PublicKey, bool) {
	kr.mu.RLock()
	defer kr.mu.RUnlock()
	key, ok := kr.keys[kid]
	if !ok {
		return nil, false
	}
	return &key.PublicKey, true
}

// JWK is one RFC 7517 JSON Web Key.
type JWK struct {
	Kty string `json:"kty"`
	Use string `json:"use"`
	Kid string `json:"kid"`
	Alg string `json:"alg"`
	N   string `json:"n"`
	E   string `json:"e"`
}

// JWKS is an RFC 7517 JSON Web Key Set.
type JWKS struct {
	Keys []JWK `json:"keys"`
}

// JWKS returns the public half of every key in the ring, active key
// first.
func (kr *KeyRing) JWKS() JWKS {
	kr.mu.RLock()
	defer kr.mu.RUnlock()

	set := JWKS{Keys: make([]JWK, 0, len(kr.keys))}
	appendKey := func(kid string) {
		key := kr.keys[kid]
		set.Keys = append(set.Keys, JWK{
			Kty: "RSA",
			Use: "sig",
			Kid: kid,
			Alg: "RS256",
			N:   base64.RawURLEncoding.EncodeToString(key.N.Bytes()),
			E:   base64.RawURLEncoding.EncodeToString(big.NewInt(int64(key.E)).Bytes()),
		})
	}

	appendKey(kr.activeKid)
	for i := len(kr.order) - 1; i >= 0; i-- {
		if kr.order[i] != kr.activeKid {
			appendKey(kr.order[i])
		}
	}
	return set
}

// serializedRing is the persisted form. Private keys are PKCS#1 DER,
// base64; the blob is encrypted before it reaches the store.
type serializedRing struct {
	ActiveKid string            `json:"active_kid"`
	Order     []string          `json:"order"`
	Keys      map[string]string `json:"keys"`
}

// Marshal serializes the ring for persistence. The caller must encrypt
// the result before storing it.
func (kr *KeyRing) Marshal() ([]byte, error) {
	kr.mu.RLock()
	defer kr.mu.RUnlock()

	s := serializedRing{
		ActiveKid: kr.activeKid,
		Order:     append([]string(nil), kr.order...),
		Keys:      make(map[string]string, len(kr.keys)),
	}
	for kid, key := range kr.keys {
		s.Keys[kid] = base64.StdEncoding.EncodeToString(x509.MarshalPKCS1PrivateKey(key))
	}
	return json.Marshal(s)
}

// UnmarshalKeyRing restores a ring from its serialized form.
func UnmarshalKeyRing(data []byte) (*KeyRing, error) {
	var s serializedRing
	if err := json.Unmarshal(data, &s); err != nil {
		return nil, fmt.Errorf("failed to parse key ring: %w", err)
	}
	if s.ActiveKid == "" || len(s.Keys) == 0 {
		return nil, fmt.Errorf("key ring has no active key")
	}

	kr := &KeyRing{
		keys:      make(map[string]*rsa.PrivateKey, len(s.Keys)),
		activeKid: s.ActiveKid,
		order:     s.Order,
	}
	for kid, encoded := range s.Keys {
		der, err := base64.StdEncoding.DecodeString(encoded)
		if err != nil {
			return nil, fmt.Errorf("failed to decode key %s: %w", kid, err)
		}
		key, err := x509.ParsePKCS1PrivateKey(der)
		if err != nil {
			return nil, fmt.Errorf("failed to parse key %s: %w", kid, err)
		}
		kr.keys[kid] = key
	}
	if _, ok := kr.keys[kr.activeKid]; !ok {
		return nil, fmt.Errorf("active kid %s missing from key ring", kr.activeKid)
	}
	return kr, nil
}
