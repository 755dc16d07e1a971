// Package trust implements the Trust Store: a key_id -> verifying key map
// with revocation, used by the Registry Client's DSSE verifier.
package trust

import (
	"crypto/ed25519"
	"crypto/sha256"
	"crypto/x509"
	"encoding/hex"
	"fmt"
	"sync"
	"time"
)

// Algorithm identifies the signature scheme a pinned key uses.
type Algorithm string

const AlgorithmEd25519 Algorithm = "ed25519"

// Key is a pinned verifying key.
type Key struct {
	KeyID     string
	Algorithm Algorithm
	PublicKey ed25519.PublicKey
	Revoked   bool
	ExpiresAt *time.Time
}

// KeyIDFromSPKI computes key_id = "sha256:" + hex(SHA256(SPKI DER)).
func KeyIDFromSPKI(der []byte) string {
	sum := sha256.Sum256(der)
	return "sha256:" + hex.EncodeToString(sum[:])
}

// ParseSPKIEd25519 decodes an SPKI DER block and returns the key_id plus the
// Ed25519 public key it encodes.
func ParseSPKIEd25519(der []byte) (keyID string, pub ed25519.PublicKey, err error) {
	pk, err := x509.ParsePKIXPublicKey(der)
	if err != nil {
		return "", nil, fmt.Errorf("parse SPKI public key: %w", err)
	}
	edPub, ok := pk.(ed25519.PublicKey)
	if !ok {
		return "", nil, fmt.Errorf("SPKI key is not Ed25519")
	}
	return KeyIDFromSPKI(der), edPub, nil
}

// Store maps key_id to pinned keys. All lookups are O(1) hash-map indexed by
// key_id string, matching §4.2's constant-time-with-respect-to-key-contents
// requirement.
type Store struct {
	mu   sync.RWMutex
	keys map[string]Key
}

// New returns an empty trust store.
func New() *Store {
	return &Store{keys: make(map[string]Key)}
}

// AddPinnedKey registers or replaces a trusted key.
func (s *Store) AddPinnedKey(k Key) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.keys[k.KeyID] = k
}

// Lookup returns the key for key_id, if pinned.
func (s *Store) Lookup(keyID string) (Key, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	k, ok := s.keys[keyID]
	return k, ok
}

// IsRevoked reports whether key_id is pinned and marked revoked, or has
// passed its expiry.
func (s *Store) IsRevoked(keyID string, now time.Time) bool {
	k, ok := s.Lookup(keyID)
	if !ok {
		return false
	}
	if k.Revoked {
		return true
	}
	return k.ExpiresAt != nil && now.After(*k.ExpiresAt)
}

// Verify checks sig over message using the pinned key for keyID. Returns
// ErrKeyNotTrusted if the key_id isn't pinned, and a plain error otherwise.
func (s *Store) Verify(keyID string, message, sig []byte) error {
	k, ok := s.Lookup(keyID)
	if !ok {
		return ErrKeyNotTrusted
	}
	if k.Revoked {
		return ErrKeyNotTrusted
	}
	if !ed25519.Verify(k.PublicKey, message, sig) {
		return ErrSignatureInvalid
	}
	return nil
}

var (
	ErrKeyNotTrusted    = fmt.Errorf("key not trusted")
	ErrSignatureInvalid = fmt.Errorf("signature invalid")
)
