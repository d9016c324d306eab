package session

import (
	"errors"
	"fmt"

	"stringcomm/internal/domain"
	"stringcomm/internal/protocol/ratchet"
	"stringcomm/internal/util/memzero"
)

var (
	// ErrHandshakeTimeout is recorded when a handshake is abandoned
	// because the peer never answered.
	ErrHandshakeTimeout = errors.New("session: handshake timed out")
	// ErrInvalidTransition reports a lifecycle step that is not allowed
	// from the current status.
	ErrInvalidTransition = errors.New("session: invalid state transition")
	// ErrRemoved is recorded on sessions dropped from the table.
	ErrRemoved = errors.New("session: removed")
)

// Status is the lifecycle position of a session.
type Status int

const (
	Uninitiated Status = iota
	HandshakeSent
	HandshakeVerified
	Active
	Closed
)

func (s Status) String() string {
	switch s {
	case Uninitiated:
		return "uninitiated"
	case HandshakeSent:
		return "handshake_sent"
	case HandshakeVerified:
		return "handshake_verified"
	case Active:
		return "active"
	case Closed:
		return "closed"
	default:
		return fmt.Sprintf("status(%d)", int(s))
	}
}

// State is the per-peer session. It is only ever touched from inside its
// Session's actor.
type State struct {
	status   Status
	ephPriv  domain.X25519Private
	ephPub   domain.X25519Public
	hasEph   bool
	ratchet  *ratchet.State
	failures int
	lastErr  error

	maxFailures int
	handshakes  uint64 // bumped on every BeginHandshake
}

func (st *State) Status() Status { return st.status }

// Ratchet returns the live ratchet, or nil unless Active.
func (st *State) Ratchet() *ratchet.State {
	if st.status != Active {
		return nil
	}
	return st.ratchet
}

// Ephemeral returns the pending handshake key of an initiator.
func (st *State) Ephemeral() (domain.X25519Private, domain.X25519Public, bool) {
	return st.ephPriv, st.ephPub, st.hasEph
}

func (st *State) Failures() int    { return st.failures }
func (st *State) LastError() error { return st.lastErr }

// BeginHandshake records our outbound DRKeyExchange.
// Uninitiated|Closed -> HandshakeSent.
func (st *State) BeginHandshake(priv domain.X25519Private, pub domain.X25519Public) error {
	if st.status != Uninitiated && st.status != Closed {
		return fmt.Errorf("%w: %s -> %s", ErrInvalidTransition, st.status, HandshakeSent)
	}
	st.wipe()
	st.ephPriv, st.ephPub, st.hasEph = priv, pub, true
	st.status = HandshakeSent
	st.lastErr = nil
	st.handshakes++
	return nil
}

// Verify records a correctly signed exchange from the peer.
// Uninitiated|HandshakeSent -> HandshakeVerified.
func (st *State) Verify() error {
	if st.status != Uninitiated && st.status != HandshakeSent {
		return fmt.Errorf("%w: %s -> %s", ErrInvalidTransition, st.status, HandshakeVerified)
	}
	st.status = HandshakeVerified
	return nil
}

// Activate installs the derived ratchet. HandshakeVerified -> Active.
func (st *State) Activate(r *ratchet.State) error {
	if st.status != HandshakeVerified {
		return fmt.Errorf("%w: %s -> %s", ErrInvalidTransition, st.status, Active)
	}
	st.wipeEphemeral()
	st.ratchet = r
	st.status = Active
	st.failures = 0
	st.lastErr = nil
	return nil
}

// Fail records a failed handshake attempt. The session returns to
// Uninitiated so a fresh handshake can start, or is Closed once the peer
// has failed too many times in a row.
func (st *State) Fail(err error) {
	st.failures++
	st.lastErr = err
	st.wipe()
	if st.maxFailures > 0 && st.failures >= st.maxFailures {
		st.status = Closed
		return
	}
	st.status = Uninitiated
}

// Close discards all key material. Only an explicit BeginHandshake leaves
// Closed.
func (st *State) Close(err error) {
	st.wipe()
	st.lastErr = err
	st.status = Closed
}

// Reset discards key material and returns to Uninitiated, keeping the
// failure count.
func (st *State) Reset() {
	st.wipe()
	st.status = Uninitiated
}

func (st *State) wipe() {
	st.wipeEphemeral()
	if st.ratchet != nil {
		st.ratchet.Wipe()
		st.ratchet = nil
	}
}

func (st *State) wipeEphemeral() {
	if st.hasEph {
		memzero.Zero(st.ephPriv[:])
		st.ephPub = domain.X25519Public{}
		st.hasEph = false
	}
}
