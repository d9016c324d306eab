package engine

import (
	"errors"
	"fmt"
	"sort"
	"sync"

	"stringcomm/internal/crypto"
	"stringcomm/internal/domain"
)

// ErrFingerprintMismatch reports a public key whose fingerprint is not the
// one it was presented under.
var ErrFingerprintMismatch = errors.New("engine: fingerprint mismatch")

// Keyring maps fingerprints to known peer identities.
type Keyring struct {
	mu   sync.RWMutex
	keys map[string]domain.PublicIdentity
}

func NewKeyring() *Keyring {
	return &Keyring{keys: make(map[string]domain.PublicIdentity)}
}

// Add stores pub and returns its fingerprint.
func (k *Keyring) Add(pub domain.PublicIdentity) string {
	fp := crypto.FingerprintOf(pub)
	k.mu.Lock()
	k.keys[fp] = pub
	k.mu.Unlock()
	return fp
}

// AddBytes parses and stores an encoded public identity.
func (k *Keyring) AddBytes(b []byte) (string, error) {
	pub, err := domain.ParsePublicIdentity(b)
	if err != nil {
		return "", err
	}
	return k.Add(pub), nil
}

// AddExpected stores b only if it hashes to fingerprint.
func (k *Keyring) AddExpected(fingerprint string, b []byte) error {
	pub, err := domain.ParsePublicIdentity(b)
	if err != nil {
		return err
	}
	if got := crypto.FingerprintOf(pub); got != fingerprint {
		return fmt.Errorf("%w: want %s, got %s", ErrFingerprintMismatch, fingerprint, got)
	}
	k.Add(pub)
	return nil
}

// Get returns the identity for fingerprint.
func (k *Keyring) Get(fingerprint string) (domain.PublicIdentity, bool) {
	k.mu.RLock()
	defer k.mu.RUnlock()
	pub, ok := k.keys[fingerprint]
	return pub, ok
}

// Remove forgets fingerprint.
func (k *Keyring) Remove(fingerprint string) {
	k.mu.Lock()
	delete(k.keys, fingerprint)
	k.mu.Unlock()
}

// Fingerprints lists known peers in sorted order.
func (k *Keyring) Fingerprints() []string {
	k.mu.RLock()
	out := make([]string, 0, len(k.keys))
	for fp := range k.keys {
		out = append(out, fp)
	}
	k.mu.RUnlock()
	sort.Strings(out)
	return out
}

// signedBy returns the first known identity other than exclude whose key
// verifies sig over msg.
func (k *Keyring) signedBy(msg, sig []byte, exclude string) (string, bool) {
	k.mu.RLock()
	defer k.mu.RUnlock()
	for fp, pub := range k.keys {
		if fp == exclude {
			continue
		}
		if crypto.VerifyEd25519(pub.Ed, msg, sig) {
			return fp, true
		}
	}
	return "", false
}
