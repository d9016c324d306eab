package domain

import (
	"errors"
	"fmt"
)

// ErrKeyLength reports key bytes of the wrong size.
var ErrKeyLength = errors.New("domain: bad key length")

// X25519Private is a clamped Curve25519 scalar.
type X25519Private [32]byte

// X25519Public is a Curve25519 point.
type X25519Public [32]byte

// Ed25519Private is a seed followed by its public key, as crypto/ed25519
// lays it out.
type Ed25519Private [64]byte

type Ed25519Public [32]byte

// ParseX25519Public copies b into an X25519Public.
func ParseX25519Public(b []byte) (X25519Public, error) {
	var k X25519Public
	err := parseKey(k[:], b, "x25519 public key")
	return k, err
}

// ParseEd25519Public copies b into an Ed25519Public.
func ParseEd25519Public(b []byte) (Ed25519Public, error) {
	var k Ed25519Public
	err := parseKey(k[:], b, "ed25519 public key")
	return k, err
}

func parseKey(dst, src []byte, what string) error {
	if len(src) != len(dst) {
		return fmt.Errorf("%w: %s is %d bytes, want %d", ErrKeyLength, what, len(src), len(dst))
	}
	copy(dst, src)
	return nil
}
