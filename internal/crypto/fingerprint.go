package crypto

import (
	"crypto/sha256"
	"encoding/hex"

	"stringcomm/internal/domain"
)

// FingerprintSize is the number of digest bytes kept in a fingerprint.
const FingerprintSize = 20

// Fingerprint returns a hex fingerprint of a public key.
//
// It hashes with SHA-256 and truncates to 20 bytes (40 hex chars).
func Fingerprint(pub []byte) string {
	sum := sha256.Sum256(pub)
	return hex.EncodeToString(sum[:FingerprintSize])
}

// FingerprintOf returns the fingerprint of a peer identity.
func FingerprintOf(p domain.PublicIdentity) string {
	return Fingerprint(p.Bytes())
}
