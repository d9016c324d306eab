package ratchet

import (
	"bytes"
	"errors"
	"testing"
)

// A receiving chain key captured at index k must not open anything sent
// before k.
func TestCompromisedChainKeyCannotOpenEarlierMessages(t *testing.T) {
	rk := bytes.Repeat([]byte{7}, 32)
	a, err := New(rk, true)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	b, err := New(rk, false)
	if err != nil {
		t.Fatalf("New: %v", err)
	}

	const k = 5
	var cts [][]byte
	for i := 0; i < k+1; i++ {
		ct, err := a.Encrypt(nil, []byte{byte(i)})
		if err != nil {
			t.Fatalf("Encrypt: %v", err)
		}
		cts = append(cts, ct)
	}
	for i := 0; i < k; i++ {
		if _, err := b.Decrypt(nil, cts[i]); err != nil {
			t.Fatalf("Decrypt %d: %v", i, err)
		}
	}

	// attacker snapshot: the live chain key, positioned at k
	stolen, err := New(bytes.Repeat([]byte{0}, 32), false)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	stolen.recvCK = bytes.Clone(b.recvCK)
	stolen.recvN = k

	for i := 0; i < k; i++ {
		if _, err := stolen.Decrypt(nil, cts[i]); !errors.Is(err, ErrStale) {
			t.Fatalf("index %d: want ErrStale, got %v", i, err)
		}
	}
	// the same key does work going forward, which is expected
	if _, err := stolen.Decrypt(nil, cts[k]); err != nil {
		t.Fatalf("Decrypt %d with stolen key: %v", k, err)
	}

	// no earlier message key is derivable by stepping the stolen key
	ck := bytes.Clone(b.recvCK)
	for i := 0; i < 2*k; i++ {
		next, mk := kdfCK(ck)
		for j := 0; j < k; j++ {
			if _, err := open(mk, uint32(j), nil, cts[j][indexSize:]); err == nil {
				t.Fatalf("message %d opened with key derived %d steps ahead", j, i)
			}
		}
		ck = next
	}
}
