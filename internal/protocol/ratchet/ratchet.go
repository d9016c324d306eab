package ratchet

import (
	"bytes"
	"crypto/sha256"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"math"

	"github.com/hashicorp/golang-lru/v2/simplelru"
	"golang.org/x/crypto/chacha20poly1305"
	"golang.org/x/crypto/hkdf"

	"stringcomm/internal/util/memzero"
)

const (
	aeadKeySize = 32
	nonceSize   = chacha20poly1305.NonceSize
	indexSize   = 4

	// MaxSkip bounds how far ahead of the receiving chain a message may be.
	MaxSkip = 1000
	// Window is the capacity of the skipped-key cache. A key for an index
	// more than Window positions behind the newest received one has been
	// evicted, so such messages are stale.
	Window = 1000
)

var (
	// ErrStale reports an index that was already consumed or has fallen out
	// of the replay window.
	ErrStale = errors.New("ratchet: stale message index")
	// ErrTooFarAhead reports an index more than MaxSkip past the chain.
	ErrTooFarAhead = errors.New("ratchet: message index too far ahead")
	// ErrDecrypt reports a ciphertext that failed authentication.
	ErrDecrypt = errors.New("ratchet: message authentication failed")
	// ErrMalformed reports content too short to hold an index and tag.
	ErrMalformed = errors.New("ratchet: malformed content")
	// ErrChainExhausted reports a sending chain that ran out of indices.
	ErrChainExhausted = errors.New("ratchet: sending chain exhausted")

	chainInfo = []byte("string|chains")
	ckInfo    = []byte("string|ck")
)

// State is one side of a symmetric ratchet: a sending chain, a receiving
// chain and the keys of receiving indices that were skipped over.
type State struct {
	sendCK []byte
	sendN  uint32

	recvCK []byte
	recvN  uint32 // next index expected on the receiving chain

	skipped *simplelru.LRU[uint32, []byte]
}

// New seeds both chains from root. The two sides must pass opposite values
// of initiator so that one's sending chain is the other's receiving chain.
func New(root []byte, initiator bool) (*State, error) {
	if len(root) != 32 {
		return nil, fmt.Errorf("ratchet: root key must be 32 bytes, got %d", len(root))
	}
	r := hkdf.New(sha256.New, root, nil, chainInfo)
	i2r := make([]byte, 32)
	r2i := make([]byte, 32)
	_, _ = io.ReadFull(r, i2r)
	_, _ = io.ReadFull(r, r2i)

	skipped, err := simplelru.NewLRU[uint32, []byte](Window, func(_ uint32, mk []byte) {
		memzero.Zero(mk)
	})
	if err != nil {
		return nil, err
	}
	st := &State{skipped: skipped}
	if initiator {
		st.sendCK, st.recvCK = i2r, r2i
	} else {
		st.sendCK, st.recvCK = r2i, i2r
	}
	return st, nil
}

// Encrypt seals plaintext under the next sending key and returns
// index ‖ ciphertext. ad is authenticated but not sent.
func (st *State) Encrypt(ad, plaintext []byte) ([]byte, error) {
	if st.sendCK == nil {
		return nil, errors.New("ratchet: state wiped")
	}
	if st.sendN == math.MaxUint32 {
		return nil, ErrChainExhausted
	}
	nextCK, mk := kdfCK(st.sendCK)
	idx := st.sendN

	out := make([]byte, indexSize, indexSize+len(plaintext)+chacha20poly1305.Overhead)
	binary.BigEndian.PutUint32(out, idx)
	out, err := seal(mk, idx, ad, plaintext, out)
	memzero.Zero(mk)
	if err != nil {
		memzero.Zero(nextCK)
		return nil, err
	}

	memzero.Zero(st.sendCK)
	st.sendCK = nextCK
	st.sendN++
	return out, nil
}

// Decrypt opens content produced by the peer's Encrypt. Out-of-order
// messages within the window are served from the skipped-key cache and
// every key is usable once. The state is only advanced when
// authentication succeeds.
func (st *State) Decrypt(ad, content []byte) ([]byte, error) {
	if st.recvCK == nil {
		return nil, errors.New("ratchet: state wiped")
	}
	if len(content) < indexSize+chacha20poly1305.Overhead {
		return nil, ErrMalformed
	}
	idx := binary.BigEndian.Uint32(content[:indexSize])
	ct := content[indexSize:]

	if idx < st.recvN {
		mk, ok := st.skipped.Peek(idx)
		if !ok {
			return nil, ErrStale
		}
		pt, err := open(mk, idx, ad, ct)
		if err != nil {
			return nil, ErrDecrypt
		}
		st.skipped.Remove(idx)
		return pt, nil
	}
	if idx-st.recvN > MaxSkip {
		return nil, ErrTooFarAhead
	}

	// Derive on a scratch copy so a forged message cannot move the chain.
	ck := bytes.Clone(st.recvCK)
	pending := make([][]byte, 0, idx-st.recvN)
	for n := st.recvN; n < idx; n++ {
		next, mk := kdfCK(ck)
		memzero.Zero(ck)
		ck = next
		pending = append(pending, mk)
	}
	nextCK, mk := kdfCK(ck)
	memzero.Zero(ck)
	pt, err := open(mk, idx, ad, ct)
	memzero.Zero(mk)
	if err != nil {
		memzero.Zero(nextCK)
		for _, p := range pending {
			memzero.Zero(p)
		}
		return nil, ErrDecrypt
	}

	for i, p := range pending {
		st.skipped.Add(st.recvN+uint32(i), p)
	}
	memzero.Zero(st.recvCK)
	st.recvCK = nextCK
	st.recvN = idx + 1
	return pt, nil
}

// SendIndex is the index the next Encrypt will use.
func (st *State) SendIndex() uint32 { return st.sendN }

// RecvIndex is the next index expected from the peer.
func (st *State) RecvIndex() uint32 { return st.recvN }

// Skipped reports how many skipped keys are cached.
func (st *State) Skipped() int { return st.skipped.Len() }

// Wipe zeroes all key material. The state is unusable afterwards.
func (st *State) Wipe() {
	memzero.Zero(st.sendCK, st.recvCK)
	st.sendCK, st.recvCK = nil, nil
	st.skipped.Purge()
}

// --- helpers ---

func seal(mk []byte, idx uint32, ad, plaintext, dst []byte) ([]byte, error) {
	aead, err := chacha20poly1305.New(mk[:aeadKeySize])
	if err != nil {
		return nil, err
	}
	return aead.Seal(dst, nonce(idx), plaintext, additionalData(ad, idx)), nil
}

func open(mk []byte, idx uint32, ad, ciphertext []byte) ([]byte, error) {
	aead, err := chacha20poly1305.New(mk[:aeadKeySize])
	if err != nil {
		return nil, err
	}
	return aead.Open(nil, nonce(idx), ciphertext, additionalData(ad, idx))
}

func nonce(idx uint32) []byte {
	n := make([]byte, nonceSize)
	binary.BigEndian.PutUint32(n[nonceSize-4:], idx)
	return n
}

func additionalData(ad []byte, idx uint32) []byte {
	out := make([]byte, 0, len(ad)+indexSize)
	out = append(out, ad...)
	return binary.BigEndian.AppendUint32(out, idx)
}

// kdfCK steps a chain key: ck -> (next ck, message key). The step is one-way.
func kdfCK(ck []byte) (nextCK, mk []byte) {
	r := hkdf.New(sha256.New, ck, nil, ckInfo)
	nextCK = make([]byte, 32)
	mk = make([]byte, 32)
	_, _ = io.ReadFull(r, nextCK)
	_, _ = io.ReadFull(r, mk)
	return
}
