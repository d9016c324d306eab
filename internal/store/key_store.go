package store

import (
	"encoding/base64"
	"path/filepath"
	"sync"

	"stringcomm/internal/domain"
)

const keysFilename = "known_peers.json"

// KeyFileStore caches peers' public identities learned from key exchanges so
// a restarted node can verify them without asking again.
type KeyFileStore struct {
	dir string
	mu  sync.Mutex
}

func NewKeyFileStore(dir string) *KeyFileStore {
	return &KeyFileStore{dir: dir}
}

// SaveKey records pub under fingerprint, replacing any earlier entry.
func (s *KeyFileStore) SaveKey(fingerprint string, pub domain.PublicIdentity) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	path := filepath.Join(s.dir, keysFilename)
	keys := map[string]string{}
	if err := readJSON(path, &keys); err != nil {
		return err
	}
	keys[fingerprint] = base64.StdEncoding.EncodeToString(pub.Bytes())
	return writeJSON(path, keys)
}

// LoadKeys returns every cached identity keyed by fingerprint. Entries that
// no longer decode are skipped.
func (s *KeyFileStore) LoadKeys() (map[string]domain.PublicIdentity, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	keys := map[string]string{}
	if err := readJSON(filepath.Join(s.dir, keysFilename), &keys); err != nil {
		return nil, err
	}
	out := make(map[string]domain.PublicIdentity, len(keys))
	for fp, enc := range keys {
		b, err := base64.StdEncoding.DecodeString(enc)
		if err != nil {
			continue
		}
		pub, err := domain.ParsePublicIdentity(b)
		if err != nil {
			continue
		}
		out[fp] = pub
	}
	return out, nil
}

var _ domain.KeyStore = (*KeyFileStore)(nil)
