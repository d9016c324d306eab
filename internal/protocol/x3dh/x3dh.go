package x3dh

import (
	"crypto/sha256"
	"io"

	"golang.org/x/crypto/hkdf"

	"stringcomm/internal/crypto"
	"stringcomm/internal/domain"
	"stringcomm/internal/util/memzero"
)

const rootKeySize = 32

var (
	rootInfo = []byte("string-x3dh")
	mixInfo  = []byte("string-x3dh|dr")
)

// InitiatorRootKey derives the root key for the side that sent the first
// DRKeyExchange.
func InitiatorRootKey(
	ourIDPriv domain.X25519Private,
	ourEphPriv domain.X25519Private,
	peerIDPub domain.X25519Public,
	peerEphPub domain.X25519Public,
) ([]byte, error) {
	dh1, err := crypto.DH(ourIDPriv, peerEphPub) // DH(IKA, EKB)
	if err != nil {
		return nil, err
	}
	dh2, err := crypto.DH(ourEphPriv, peerIDPub) // DH(EKA, IKB)
	if err != nil {
		return nil, err
	}
	dh3, err := crypto.DH(ourEphPriv, peerEphPub) // DH(EKA, EKB)
	if err != nil {
		return nil, err
	}
	return rootFromTranscript(dh1, dh2, dh3), nil
}

// ResponderRootKey mirrors InitiatorRootKey on the answering side.
func ResponderRootKey(
	ourIDPriv domain.X25519Private,
	ourEphPriv domain.X25519Private,
	peerIDPub domain.X25519Public,
	peerEphPub domain.X25519Public,
) ([]byte, error) {
	dh1, err := crypto.DH(ourEphPriv, peerIDPub) // DH(EKB, IKA)
	if err != nil {
		return nil, err
	}
	dh2, err := crypto.DH(ourIDPriv, peerEphPub) // DH(IKB, EKA)
	if err != nil {
		return nil, err
	}
	dh3, err := crypto.DH(ourEphPriv, peerEphPub) // DH(EKB, EKA)
	if err != nil {
		return nil, err
	}
	return rootFromTranscript(dh1, dh2, dh3), nil
}

// MixRatchetKey folds the one-time dr_pubkey agreement into root. Both
// sides call it with the same shared secret: DH(EKA, DRB) on the initiator,
// DH(DRB, EKA) on the responder. shared is wiped.
func MixRatchetKey(root []byte, shared []byte) []byte {
	out := make([]byte, rootKeySize)
	r := hkdf.New(sha256.New, shared, root, mixInfo)
	_, _ = io.ReadFull(r, out)
	memzero.Zero(shared)
	return out
}

func rootFromTranscript(dh1, dh2, dh3 [32]byte) []byte {
	dhConcat := make([]byte, 0, 32*3)
	dhConcat = append(dhConcat, dh1[:]...)
	dhConcat = append(dhConcat, dh2[:]...)
	dhConcat = append(dhConcat, dh3[:]...)

	root := make([]byte, rootKeySize)
	r := hkdf.New(sha256.New, dhConcat, nil, rootInfo)
	_, _ = io.ReadFull(r, root)
	memzero.Zero(dhConcat, dh1[:], dh2[:], dh3[:])
	return root
}
