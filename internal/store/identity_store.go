package store

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"

	"stringcomm/internal/domain"
)

// IdentityFilename is the sealed identity inside a node's home directory.
const IdentityFilename = "identity.json.enc"

// ErrNoIdentity is returned by LoadIdentity before an identity was saved.
var ErrNoIdentity = errors.New("store: no identity, run init first")

// IdentityFileStore keeps the local identity sealed under a passphrase.
type IdentityFileStore struct {
	dir string
	kdf kdfParams
	mu  sync.Mutex
}

// NewIdentityFileStore returns an IdentityFileStore rooted at dir.
func NewIdentityFileStore(dir string) *IdentityFileStore {
	return &IdentityFileStore{dir: dir, kdf: defaultKDF}
}

// Exists reports whether an identity has been saved.
func (s *IdentityFileStore) Exists() bool {
	_, err := os.Stat(filepath.Join(s.dir, IdentityFilename))
	return err == nil
}

func (s *IdentityFileStore) SaveIdentity(passphrase string, id domain.Identity) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	raw, err := json.Marshal(id)
	if err != nil {
		return err
	}
	sealed, err := seal(passphrase, raw, s.kdf)
	if err != nil {
		return fmt.Errorf("store: seal identity: %w", err)
	}
	return writeFile(filepath.Join(s.dir, IdentityFilename), sealed)
}

func (s *IdentityFileStore) LoadIdentity(passphrase string) (domain.Identity, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	b, err := readFile(filepath.Join(s.dir, IdentityFilename))
	if err != nil {
		return domain.Identity{}, err
	}
	if b == nil {
		return domain.Identity{}, ErrNoIdentity
	}
	pt, err := open(passphrase, b)
	if err != nil {
		return domain.Identity{}, err
	}
	var id domain.Identity
	if err := json.Unmarshal(pt, &id); err != nil {
		return domain.Identity{}, fmt.Errorf("store: decode identity: %w", err)
	}
	return id, nil
}

var _ domain.IdentityStore = (*IdentityFileStore)(nil)
