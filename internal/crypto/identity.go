package crypto

import (
	"stringcomm/internal/domain"
	"stringcomm/internal/util/memzero"
)

// NewIdentity generates a fresh X25519 key pair and an Ed25519 key pair.
func NewIdentity() (domain.Identity, error) {
	xPriv, xPub, err := GenerateX25519()
	if err != nil {
		return domain.Identity{}, err
	}
	edPriv, edPub, err := GenerateEd25519()
	if err != nil {
		return domain.Identity{}, err
	}
	return domain.Identity{XPub: xPub, XPriv: xPriv, EdPub: edPub, EdPriv: edPriv}, nil
}

// WipeIdentity zeroes the private halves of id.
func WipeIdentity(id *domain.Identity) {
	memzero.Zero(id.XPriv[:])
	memzero.Zero(id.EdPriv[:])
}
