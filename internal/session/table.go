package session

import (
	"sort"
	"sync"
	"time"

	"github.com/Arceliar/phony"
	"go.uber.org/zap"
)

// Config tunes session lifecycles.
type Config struct {
	// HandshakeTimeout returns an unanswered HandshakeSent session to
	// Uninitiated.
	HandshakeTimeout time.Duration
	// MaxFailures consecutive handshake failures close the session.
	MaxFailures int
}

// DefaultConfig returns the settings used when none are configured.
func DefaultConfig() Config {
	return Config{HandshakeTimeout: 10 * time.Second, MaxFailures: 3}
}

// Session owns one peer's State. All access goes through the actor inbox,
// so at most one mutation is in flight per peer and mutations run in the
// order they were submitted.
type Session struct {
	phony.Inbox

	peer    string
	state   State
	timeout time.Duration
	timer   *time.Timer
	log     *zap.Logger
}

// Peer returns the remote fingerprint.
func (s *Session) Peer() string { return s.peer }

// Do runs fn on the session state and waits for it to finish.
func (s *Session) Do(fn func(*State)) {
	phony.Block(s, func() {
		fn(&s.state)
		s._armTimer()
	})
}

// Go queues fn without waiting.
func (s *Session) Go(fn func(*State)) {
	s.Act(nil, func() {
		fn(&s.state)
		s._armTimer()
	})
}

// Status is a synchronous snapshot of the lifecycle status.
func (s *Session) Status() Status {
	var st Status
	s.Do(func(state *State) { st = state.Status() })
	return st
}

// _armTimer keeps exactly one timeout pending while a handshake is
// outstanding. Must run inside the actor.
func (s *Session) _armTimer() {
	if s.state.status != HandshakeSent {
		if s.timer != nil {
			s.timer.Stop()
			s.timer = nil
		}
		return
	}
	if s.timer != nil || s.timeout <= 0 {
		return
	}
	gen := s.state.handshakes
	s.timer = time.AfterFunc(s.timeout, func() {
		s.Act(nil, func() {
			s.timer = nil
			if s.state.status != HandshakeSent || s.state.handshakes != gen {
				s._armTimer()
				return
			}
			s.state.Fail(ErrHandshakeTimeout)
			s.log.Debug("handshake timed out",
				zap.String("peer", s.peer),
				zap.Int("failures", s.state.failures),
				zap.Stringer("status", s.state.status))
			s._armTimer()
		})
	})
}

// Table maps peer fingerprint to Session.
type Table struct {
	cfg Config
	log *zap.Logger

	mu       sync.Mutex
	sessions map[string]*Session
}

// NewTable returns an empty table.
func NewTable(cfg Config, log *zap.Logger) *Table {
	if log == nil {
		log = zap.NewNop()
	}
	return &Table{cfg: cfg, log: log.Named("session"), sessions: make(map[string]*Session)}
}

// Get returns the session for peer if one exists.
func (t *Table) Get(peer string) (*Session, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	s, ok := t.sessions[peer]
	return s, ok
}

// GetOrCreate returns the session for peer, creating an Uninitiated one if
// needed. Concurrent callers for the same peer get the same Session.
func (t *Table) GetOrCreate(peer string) *Session {
	t.mu.Lock()
	defer t.mu.Unlock()
	if s, ok := t.sessions[peer]; ok {
		return s
	}
	s := &Session{
		peer:    peer,
		state:   State{maxFailures: t.cfg.MaxFailures},
		timeout: t.cfg.HandshakeTimeout,
		log:     t.log,
	}
	t.sessions[peer] = s
	return s
}

// Remove drops the session for peer and wipes its key material. It is a
// no-op for unknown peers.
func (t *Table) Remove(peer string) {
	t.mu.Lock()
	s, ok := t.sessions[peer]
	delete(t.sessions, peer)
	t.mu.Unlock()
	if !ok {
		return
	}
	s.Do(func(st *State) { st.Close(ErrRemoved) })
}

// Status reports the lifecycle status for peer; Uninitiated if unknown.
func (t *Table) Status(peer string) Status {
	s, ok := t.Get(peer)
	if !ok {
		return Uninitiated
	}
	return s.Status()
}

// Len returns the number of tracked peers.
func (t *Table) Len() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.sessions)
}

// Peers returns tracked fingerprints in sorted order.
func (t *Table) Peers() []string {
	t.mu.Lock()
	out := make([]string, 0, len(t.sessions))
	for p := range t.sessions {
		out = append(out, p)
	}
	t.mu.Unlock()
	sort.Strings(out)
	return out
}

// Close removes every session.
func (t *Table) Close() {
	for _, p := range t.Peers() {
		t.Remove(p)
	}
}
