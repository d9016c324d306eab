package domain

import "fmt"

// Identity holds a peer's long-term X25519 and Ed25519 keys.
type Identity struct {
	XPub   X25519Public   `json:"xpub"`
	XPriv  X25519Private  `json:"xpriv"`
	EdPub  Ed25519Public  `json:"edpub"`
	EdPriv Ed25519Private `json:"edpriv"`
}

// Public returns the shareable half of id.
func (id Identity) Public() PublicIdentity {
	return PublicIdentity{Ed: id.EdPub, X: id.XPub}
}

// PublicIdentity is what peers learn about each other: the signing key and
// the agreement key.
type PublicIdentity struct {
	Ed Ed25519Public
	X  X25519Public
}

// PublicIdentitySize is the length of PublicIdentity.Bytes.
const PublicIdentitySize = 64

// Bytes returns ed25519 ‖ x25519.
func (p PublicIdentity) Bytes() []byte {
	out := make([]byte, 0, PublicIdentitySize)
	out = append(out, p.Ed[:]...)
	return append(out, p.X[:]...)
}

// ParsePublicIdentity is the inverse of PublicIdentity.Bytes.
func ParsePublicIdentity(b []byte) (PublicIdentity, error) {
	var p PublicIdentity
	if len(b) != PublicIdentitySize {
		return p, fmt.Errorf("public identity: want %d bytes, got %d", PublicIdentitySize, len(b))
	}
	copy(p.Ed[:], b[:32])
	copy(p.X[:], b[32:])
	return p, nil
}
