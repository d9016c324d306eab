package store

import (
	"crypto/cipher"
	"crypto/rand"
	"encoding/json"
	"errors"
	"fmt"

	"golang.org/x/crypto/chacha20poly1305"
	"golang.org/x/crypto/scrypt"
)

// envelopeVersion is the newest sealed-file format this package reads.
const envelopeVersion = 1

// ErrWrongPassphrase is returned when a sealed file cannot be opened, either
// because the passphrase is wrong or because the file was modified.
var ErrWrongPassphrase = errors.New("store: wrong passphrase or corrupted file")

// kdfParams are the scrypt cost parameters recorded alongside each envelope
// so they can be raised later without breaking old files.
type kdfParams struct {
	N int `json:"scrypt_N"`
	R int `json:"scrypt_r"`
	P int `json:"scrypt_p"`
}

var defaultKDF = kdfParams{N: 1 << 15, R: 8, P: 1}

// envelope is the on-disk JSON form of a sealed payload.
type envelope struct {
	V    int    `json:"v"`
	Salt []byte `json:"salt"`
	kdfParams
	Cipher []byte `json:"cipher"`
}

// seal derives a key from passphrase and encrypts raw. The salt doubles as
// associated data so a blob cannot be re-labelled with another salt.
func seal(passphrase string, raw []byte, kdf kdfParams) ([]byte, error) {
	var salt [16]byte
	if _, err := rand.Read(salt[:]); err != nil {
		return nil, err
	}
	aead, err := envelopeAEAD(passphrase, salt[:], kdf)
	if err != nil {
		return nil, err
	}
	// a fresh salt means a fresh key, so the zero nonce is never reused
	var nonce [chacha20poly1305.NonceSize]byte
	return json.Marshal(envelope{
		V:         envelopeVersion,
		Salt:      salt[:],
		kdfParams: kdf,
		Cipher:    aead.Seal(nil, nonce[:], raw, salt[:]),
	})
}

// open reverses seal.
func open(passphrase string, b []byte) ([]byte, error) {
	var env envelope
	if err := json.Unmarshal(b, &env); err != nil {
		return nil, fmt.Errorf("store: decode envelope: %w", err)
	}
	if env.V < 1 || env.V > envelopeVersion {
		return nil, fmt.Errorf("store: unsupported envelope version %d", env.V)
	}
	aead, err := envelopeAEAD(passphrase, env.Salt, env.kdfParams)
	if err != nil {
		return nil, err
	}
	var nonce [chacha20poly1305.NonceSize]byte
	pt, err := aead.Open(nil, nonce[:], env.Cipher, env.Salt)
	if err != nil {
		return nil, ErrWrongPassphrase
	}
	return pt, nil
}

func envelopeAEAD(passphrase string, salt []byte, kdf kdfParams) (cipher.AEAD, error) {
	key, err := scrypt.Key([]byte(passphrase), salt, kdf.N, kdf.R, kdf.P, chacha20poly1305.KeySize)
	if err != nil {
		return nil, err
	}
	return chacha20poly1305.New(key)
}
