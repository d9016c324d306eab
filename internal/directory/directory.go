package directory

import (
	"bytes"
	"errors"
	"math/rand/v2"
	"slices"
	"sort"
	"sync"
	"time"

	"stringcomm/internal/wire"
)

// ErrNotFound reports a fingerprint the directory has no entry for.
var ErrNotFound = errors.New("directory: peer not found")

// Peer is what we know about one remote identity.
type Peer struct {
	Fingerprint string
	// Endpoint is a dialable host:port, possibly empty for peers only
	// reachable through the mesh.
	Endpoint   string
	Pubkey     []byte
	LastUpdate time.Time
	// Connected is true while a transport connection to the peer is open.
	Connected bool
}

// Directory is the shared view of known peers. Safe for concurrent use.
type Directory struct {
	mu    sync.RWMutex
	peers map[string]*Peer
}

func New() *Directory {
	return &Directory{peers: make(map[string]*Peer)}
}

// Upsert records p unless the stored entry is strictly newer. The Connected
// flag is owned by SetConnected and is never overwritten here. It reports
// whether anything changed.
func (d *Directory) Upsert(p Peer) bool {
	if p.Fingerprint == "" {
		return false
	}
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.upsertLocked(p)
}

func (d *Directory) upsertLocked(p Peer) bool {
	cur, ok := d.peers[p.Fingerprint]
	if !ok {
		p.Pubkey = bytes.Clone(p.Pubkey)
		p.Connected = false
		d.peers[p.Fingerprint] = &p
		return true
	}
	if p.LastUpdate.Before(cur.LastUpdate) {
		return false
	}
	changed := !p.LastUpdate.Equal(cur.LastUpdate) ||
		p.Endpoint != cur.Endpoint ||
		!bytes.Equal(p.Pubkey, cur.Pubkey)
	if p.Endpoint != "" {
		cur.Endpoint = p.Endpoint
	}
	if len(p.Pubkey) > 0 {
		cur.Pubkey = bytes.Clone(p.Pubkey)
	}
	cur.LastUpdate = p.LastUpdate
	return changed
}

// Merge folds a SendAvailablePeers reply into the directory. Merging the
// same records twice is a no-op; for duplicates the newest LastUpdate wins.
// self is skipped. It returns the fingerprints that were added or changed.
func (d *Directory) Merge(self string, recs []wire.PeerRecord) []string {
	d.mu.Lock()
	defer d.mu.Unlock()
	var changed []string
	for _, r := range recs {
		if r.Fingerprint == self {
			continue
		}
		if d.upsertLocked(Peer{
			Fingerprint: r.Fingerprint,
			Endpoint:    r.Endpoint,
			Pubkey:      r.Pubkey,
			LastUpdate:  r.LastUpdate,
		}) {
			changed = append(changed, r.Fingerprint)
		}
	}
	sort.Strings(changed)
	return slices.Compact(changed)
}

// Get returns a copy of the entry for fingerprint.
func (d *Directory) Get(fingerprint string) (Peer, error) {
	d.mu.RLock()
	defer d.mu.RUnlock()
	p, ok := d.peers[fingerprint]
	if !ok {
		return Peer{}, ErrNotFound
	}
	return clonePeer(p), nil
}

func (d *Directory) Remove(fingerprint string) {
	d.mu.Lock()
	delete(d.peers, fingerprint)
	d.mu.Unlock()
}

// SetConnected flips the connection flag, creating a bare entry if needed.
func (d *Directory) SetConnected(fingerprint string, connected bool) {
	d.mu.Lock()
	defer d.mu.Unlock()
	p, ok := d.peers[fingerprint]
	if !ok {
		if !connected {
			return
		}
		p = &Peer{Fingerprint: fingerprint}
		d.peers[fingerprint] = p
	}
	p.Connected = connected
}

// Connected reports whether a transport to fingerprint is open.
func (d *Directory) Connected(fingerprint string) bool {
	d.mu.RLock()
	defer d.mu.RUnlock()
	p, ok := d.peers[fingerprint]
	return ok && p.Connected
}

// List returns all peers sorted by fingerprint.
func (d *Directory) List() []Peer {
	d.mu.RLock()
	out := make([]Peer, 0, len(d.peers))
	for _, p := range d.peers {
		out = append(out, clonePeer(p))
	}
	d.mu.RUnlock()
	sort.Slice(out, func(i, j int) bool { return out[i].Fingerprint < out[j].Fingerprint })
	return out
}

// Snapshot renders the directory as SendAvailablePeers records. Entries
// without a public key are left out since the receiver could not use them.
func (d *Directory) Snapshot() []wire.PeerRecord {
	peers := d.List()
	out := make([]wire.PeerRecord, 0, len(peers))
	for _, p := range peers {
		if len(p.Pubkey) == 0 {
			continue
		}
		out = append(out, wire.PeerRecord{
			Fingerprint: p.Fingerprint,
			Endpoint:    p.Endpoint,
			Pubkey:      p.Pubkey,
			LastUpdate:  p.LastUpdate,
		})
	}
	return out
}

// Fanout lists the connected peers not in exclude, sorted by fingerprint.
// With limit > 0 and more candidates than that, it returns a random subset
// of limit peers instead, drawn afresh on every call.
func (d *Directory) Fanout(exclude []string, limit int) []string {
	skip := make(map[string]struct{}, len(exclude))
	for _, e := range exclude {
		skip[e] = struct{}{}
	}
	d.mu.RLock()
	out := make([]string, 0, len(d.peers))
	for fp, p := range d.peers {
		if !p.Connected {
			continue
		}
		if _, ok := skip[fp]; ok {
			continue
		}
		out = append(out, fp)
	}
	d.mu.RUnlock()
	sort.Strings(out)
	if limit > 0 && len(out) > limit {
		rand.Shuffle(len(out), func(i, j int) { out[i], out[j] = out[j], out[i] })
		out = out[:limit]
	}
	return out
}

func clonePeer(p *Peer) Peer {
	c := *p
	c.Pubkey = bytes.Clone(p.Pubkey)
	return c
}
