package lighthouse

import (
	"bytes"
	"context"
	"net"
	"sort"
	"strconv"
	"sync"
	"time"

	"github.com/google/uuid"
)

// MemoryStore is a Store held in process memory.
type MemoryStore struct {
	mu        sync.Mutex
	endpoints map[uuid.UUID]*Endpoint
	byAddr    map[string]uuid.UUID
	pubkeys   map[uuid.UUID][]Pubkey
	pending   map[uuid.UUID][]PendingConnection
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		endpoints: make(map[uuid.UUID]*Endpoint),
		byAddr:    make(map[string]uuid.UUID),
		pubkeys:   make(map[uuid.UUID][]Pubkey),
		pending:   make(map[uuid.UUID][]PendingConnection),
	}
}

func (s *MemoryStore) RegisterEndpoint(_ context.Context, ip string, port int, now time.Time) (Endpoint, error) {
	now = now.UTC()
	key := net.JoinHostPort(ip, strconv.Itoa(port))
	s.mu.Lock()
	defer s.mu.Unlock()
	if id, ok := s.byAddr[key]; ok {
		e := s.endpoints[id]
		if now.After(e.LastUpdate) {
			e.LastUpdate = now
		}
		return *e, nil
	}
	e := &Endpoint{ID: uuid.New(), IP: ip, Port: port, LastUpdate: now}
	s.endpoints[e.ID] = e
	s.byAddr[key] = e.ID
	return *e, nil
}

func (s *MemoryStore) Endpoint(_ context.Context, id uuid.UUID) (Endpoint, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	e, ok := s.endpoints[id]
	if !ok {
		return Endpoint{}, ErrNotFound
	}
	return *e, nil
}

func (s *MemoryStore) ClaimEndpoint(_ context.Context, id uuid.UUID, tokenHash []byte) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	e, ok := s.endpoints[id]
	if !ok {
		return false, ErrNotFound
	}
	if len(s.pubkeys[id]) > 0 {
		return false, nil
	}
	e.TokenHash = bytes.Clone(tokenHash)
	return true, nil
}

func (s *MemoryStore) AttachPubkey(_ context.Context, k Pubkey) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.endpoints[k.EndpointID]; !ok {
		return ErrNotFound
	}
	keys := s.pubkeys[k.EndpointID]
	for i := range keys {
		if keys[i].Fingerprint == k.Fingerprint {
			keys[i].Key = bytes.Clone(k.Key)
			return nil
		}
	}
	k.Key = bytes.Clone(k.Key)
	k.CreatedAt = k.CreatedAt.UTC()
	s.pubkeys[k.EndpointID] = append(keys, k)
	return nil
}

func (s *MemoryStore) EndpointKeys(_ context.Context, id uuid.UUID) ([]Pubkey, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.endpoints[id]; !ok {
		return nil, ErrNotFound
	}
	return append([]Pubkey(nil), s.pubkeys[id]...), nil
}

func (s *MemoryStore) AddPending(_ context.Context, p PendingConnection) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.endpoints[p.EndpointID]; !ok {
		return ErrNotFound
	}
	p.CreatedAt = p.CreatedAt.UTC()
	s.pending[p.EndpointID] = append(s.pending[p.EndpointID], p)
	return nil
}

func (s *MemoryStore) TakePending(_ context.Context, id uuid.UUID) ([]PendingConnection, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.endpoints[id]; !ok {
		return nil, ErrNotFound
	}
	out := s.pending[id]
	delete(s.pending, id)
	sort.SliceStable(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out, nil
}

func (s *MemoryStore) Locate(ctx context.Context, fingerprint string) (Location, error) {
	locs, err := s.Locations(ctx)
	if err != nil {
		return Location{}, err
	}
	var best *Location
	for i := range locs {
		if locs[i].Fingerprint != fingerprint {
			continue
		}
		if best == nil || locs[i].LastUpdate.After(best.LastUpdate) {
			best = &locs[i]
		}
	}
	if best == nil {
		return Location{}, ErrNotFound
	}
	return *best, nil
}

func (s *MemoryStore) Locations(context.Context) ([]Location, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []Location
	for id, keys := range s.pubkeys {
		e := s.endpoints[id]
		for _, k := range keys {
			out = append(out, Location{
				Fingerprint: k.Fingerprint,
				EndpointID:  id,
				IP:          e.IP,
				Port:        e.Port,
				Pubkey:      bytes.Clone(k.Key),
				LastUpdate:  e.LastUpdate,
			})
		}
	}
	sortLocations(out)
	return out, nil
}

func (s *MemoryStore) DeleteEndpoint(_ context.Context, id uuid.UUID) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, ok := s.endpoints[id]
	s.deleteLocked(id)
	return ok, nil
}

func (s *MemoryStore) deleteLocked(id uuid.UUID) (pubkeys, pending int) {
	if e, ok := s.endpoints[id]; ok {
		delete(s.byAddr, net.JoinHostPort(e.IP, strconv.Itoa(e.Port)))
		delete(s.endpoints, id)
	}
	pubkeys, pending = len(s.pubkeys[id]), len(s.pending[id])
	delete(s.pubkeys, id)
	delete(s.pending, id)
	return pubkeys, pending
}

func (s *MemoryStore) Sweep(_ context.Context, staleBefore, pendingBefore time.Time) (SweepResult, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var res SweepResult
	for id, e := range s.endpoints {
		if !e.LastUpdate.Before(staleBefore) {
			continue
		}
		keys, pend := s.deleteLocked(id)
		res.Endpoints++
		res.Pubkeys += keys
		res.Pending += pend
	}
	for id, list := range s.pending {
		kept := list[:0]
		for _, p := range list {
			if p.CreatedAt.Before(pendingBefore) {
				res.Pending++
				continue
			}
			kept = append(kept, p)
		}
		if len(kept) == 0 {
			delete(s.pending, id)
		} else {
			s.pending[id] = kept
		}
	}
	return res, nil
}

func (s *MemoryStore) Stats(context.Context) (Stats, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	st := Stats{Endpoints: len(s.endpoints)}
	for _, keys := range s.pubkeys {
		st.Pubkeys += len(keys)
	}
	for _, list := range s.pending {
		st.Pending += len(list)
	}
	return st, nil
}

func (s *MemoryStore) Close() error { return nil }

func sortLocations(locs []Location) {
	sort.Slice(locs, func(i, j int) bool {
		if locs[i].Fingerprint != locs[j].Fingerprint {
			return locs[i].Fingerprint < locs[j].Fingerprint
		}
		return locs[i].LastUpdate.After(locs[j].LastUpdate)
	})
}

var _ Store = (*MemoryStore)(nil)
