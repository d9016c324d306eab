package identity

import (
	"fmt"
	"unicode"

	"stringcomm/internal/crypto"
	"stringcomm/internal/domain"
)

const (
	// minPassphraseLength is the minimum number of characters in a passphrase.
	minPassphraseLength = 12
	// minPassphraseClasses is how many of upper, lower, digit and symbol a
	// passphrase must mix.
	minPassphraseClasses = 3
)

// ErrWeakPassphrase is returned when the passphrase fails the strength policy.
var ErrWeakPassphrase = fmt.Errorf(
	"passphrase is too weak (need at least %d characters mixing %d of upper, lower, number and symbol)",
	minPassphraseLength, minPassphraseClasses,
)

// Service manages the identity through a backing store.
type Service struct {
	store domain.IdentityStore
}

func New(s domain.IdentityStore) *Service { return &Service{store: s} }

// Generate creates a new identity, saves it sealed under passphrase and
// returns it with its fingerprint. Any previous identity is replaced.
func (s *Service) Generate(passphrase string) (domain.Identity, string, error) {
	if err := CheckPassphrase(passphrase); err != nil {
		return domain.Identity{}, "", err
	}
	id, err := crypto.NewIdentity()
	if err != nil {
		return domain.Identity{}, "", err
	}
	if err := s.store.SaveIdentity(passphrase, id); err != nil {
		crypto.WipeIdentity(&id)
		return domain.Identity{}, "", err
	}
	return id, crypto.FingerprintOf(id.Public()), nil
}

// Unlock decrypts and returns the identity.
func (s *Service) Unlock(passphrase string) (domain.Identity, error) {
	return s.store.LoadIdentity(passphrase)
}

// Fingerprint unlocks the identity just long enough to fingerprint it.
func (s *Service) Fingerprint(passphrase string) (string, error) {
	id, err := s.store.LoadIdentity(passphrase)
	if err != nil {
		return "", err
	}
	defer crypto.WipeIdentity(&id)
	return crypto.FingerprintOf(id.Public()), nil
}

// CheckPassphrase enforces the strength policy.
func CheckPassphrase(passphrase string) error {
	if len([]rune(passphrase)) < minPassphraseLength {
		return ErrWeakPassphrase
	}
	var hasUpper, hasLower, hasDigit, hasSymbol bool
	for _, r := range passphrase {
		switch {
		case unicode.IsUpper(r):
			hasUpper = true
		case unicode.IsLower(r):
			hasLower = true
		case unicode.IsDigit(r):
			hasDigit = true
		case unicode.IsPunct(r), unicode.IsSymbol(r), unicode.IsSpace(r):
			hasSymbol = true
		}
	}
	classes := 0
	for _, ok := range []bool{hasUpper, hasLower, hasDigit, hasSymbol} {
		if ok {
			classes++
		}
	}
	if classes < minPassphraseClasses {
		return ErrWeakPassphrase
	}
	return nil
}
