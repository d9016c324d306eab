package crypto

import (
	"crypto/ed25519"
	"crypto/rand"

	"golang.org/x/crypto/curve25519"

	"stringcomm/internal/domain"
	"stringcomm/internal/util/memzero"
)

// GenerateX25519 returns a fresh agreement key pair. The scalar is clamped
// as RFC 7748 describes.
func GenerateX25519() (domain.X25519Private, domain.X25519Public, error) {
	var priv domain.X25519Private
	if _, err := rand.Read(priv[:]); err != nil {
		return domain.X25519Private{}, domain.X25519Public{}, err
	}
	priv[0] &= 248
	priv[31] = priv[31]&127 | 64
	pub, err := X25519PublicFrom(priv)
	return priv, pub, err
}

// X25519PublicFrom derives the public point of priv.
func X25519PublicFrom(priv domain.X25519Private) (domain.X25519Public, error) {
	var pub domain.X25519Public
	b, err := curve25519.X25519(priv[:], curve25519.Basepoint)
	if err == nil {
		copy(pub[:], b)
	}
	return pub, err
}

// DH returns the X25519 shared secret of priv and pub. Low-order points
// yield an error instead of an all-zero secret.
func DH(priv domain.X25519Private, pub domain.X25519Public) ([32]byte, error) {
	var out [32]byte
	b, err := curve25519.X25519(priv[:], pub[:])
	if err != nil {
		return out, err
	}
	copy(out[:], b)
	memzero.Zero(b)
	return out, nil
}

// GenerateEd25519 returns a fresh signing key pair.
func GenerateEd25519() (domain.Ed25519Private, domain.Ed25519Public, error) {
	var (
		priv domain.Ed25519Private
		pub  domain.Ed25519Public
	)
	pk, sk, err := ed25519.GenerateKey(rand.Reader)
	if err != nil {
		return priv, pub, err
	}
	copy(pub[:], pk)
	copy(priv[:], sk)
	memzero.Zero(sk)
	return priv, pub, nil
}

func SignEd25519(priv domain.Ed25519Private, msg []byte) []byte {
	return ed25519.Sign(priv[:], msg)
}

// VerifyEd25519 reports whether sig is pub's signature over msg. Signatures
// of the wrong length are rejected up front.
func VerifyEd25519(pub domain.Ed25519Public, msg, sig []byte) bool {
	return len(sig) == ed25519.SignatureSize && ed25519.Verify(pub[:], msg, sig)
}
