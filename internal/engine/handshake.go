package engine

import (
	"fmt"

	"go.uber.org/zap"

	"stringcomm/internal/crypto"
	"stringcomm/internal/domain"
	"stringcomm/internal/protocol/ratchet"
	"stringcomm/internal/protocol/x3dh"
	"stringcomm/internal/session"
	"stringcomm/internal/util/memzero"
	"stringcomm/internal/wire"
)

// Initiate starts a handshake with peer and returns the signed
// DRKeyExchange to send. The peer's key must already be known.
func (e *Engine) Initiate(peer string) (*wire.SignedPacket, error) {
	if _, ok := e.keys.Get(peer); !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownPeer, peer)
	}
	priv, pub, err := crypto.GenerateX25519()
	if err != nil {
		return nil, err
	}
	s := e.sessions.GetOrCreate(peer)
	s.Do(func(st *session.State) {
		switch st.Status() {
		case session.HandshakeSent, session.HandshakeVerified:
			err = ErrHandshakePending
		case session.Active:
			// explicit re-handshake replaces the old keys
			st.Reset()
			err = st.BeginHandshake(priv, pub)
		default:
			err = st.BeginHandshake(priv, pub)
		}
	})
	if err != nil {
		memzero.Zero(priv[:])
		return nil, err
	}
	e.log.Debug("handshake initiated", zap.String("peer", peer))
	return e.Sign(wire.SignedPacketInternal{
		Destination: peer,
		MessageType: &wire.DRKeyExchange{DHPubkey: pub[:]},
	})
}

// handleKeyExchange answers an initiation or completes our own. State
// changes happen inside the peer's session actor.
func (e *Engine) handleKeyExchange(src string, peer domain.PublicIdentity, m *wire.DRKeyExchange) (Result, error) {
	s := e.sessions.GetOrCreate(src)
	peerEph, err := domain.ParseX25519Public(m.DHPubkey)
	if err != nil {
		err = fmt.Errorf("%w: dh_pubkey: %v", ErrMalformedPayload, err)
		s.Do(func(st *session.State) { st.Close(err) })
		return Result{}, err
	}

	if len(m.DRPubkey) == 0 {
		return e.respond(s, src, peer, peerEph)
	}

	drPub, err := domain.ParseX25519Public(m.DRPubkey)
	if err != nil {
		err = fmt.Errorf("%w: dr_pubkey: %v", ErrMalformedPayload, err)
		s.Do(func(st *session.State) { st.Close(err) })
		return Result{}, err
	}
	s.Do(func(st *session.State) {
		if st.Status() != session.HandshakeSent {
			err = fmt.Errorf("%w: session is %s", ErrUnexpectedHandshake, st.Status())
			return
		}
		ephPriv, _, _ := st.Ephemeral()
		defer memzero.Zero(ephPriv[:])
		if err = st.Verify(); err != nil {
			return
		}
		var r *ratchet.State
		r, err = e.deriveInitiator(ephPriv, peer.X, peerEph, drPub)
		if err != nil {
			err = fmt.Errorf("%w: %v", ErrMalformedPayload, err)
			st.Close(err)
			return
		}
		err = st.Activate(r)
	})
	if err != nil {
		return Result{}, err
	}
	e.log.Info("session established", zap.String("peer", src), zap.String("role", "initiator"))
	return Result{Peer: src, Established: true}, nil
}

// respond answers an initiation. When both sides initiated at once the
// lower fingerprint keeps the initiator role and ignores the other's
// initiation.
func (e *Engine) respond(s *session.Session, src string, peer domain.PublicIdentity, peerEph domain.X25519Public) (Result, error) {
	var (
		reply *wire.DRKeyExchange
		err   error
		skip  bool
	)
	s.Do(func(st *session.State) {
		switch st.Status() {
		case session.HandshakeSent:
			if e.fp < src {
				skip = true
				return
			}
			st.Reset()
		case session.Active, session.HandshakeVerified, session.Closed:
			// peer restarted or re-authenticates
			st.Reset()
		}
		if err = st.Verify(); err != nil {
			return
		}
		var r *ratchet.State
		r, reply, err = e.deriveResponder(peer.X, peerEph)
		if err != nil {
			err = fmt.Errorf("%w: %v", ErrMalformedPayload, err)
			st.Close(err)
			return
		}
		err = st.Activate(r)
	})
	if skip {
		e.log.Debug("simultaneous handshake, keeping initiator role", zap.String("peer", src))
		return Result{Peer: src}, nil
	}
	if err != nil {
		return Result{}, err
	}
	signed, err := e.Sign(wire.SignedPacketInternal{Destination: src, MessageType: reply})
	if err != nil {
		return Result{}, err
	}
	e.log.Info("session established", zap.String("peer", src), zap.String("role", "responder"))
	return Result{Peer: src, Reply: signed, Established: true}, nil
}

func (e *Engine) deriveInitiator(ephPriv domain.X25519Private, peerID, peerEph, drPub domain.X25519Public) (*ratchet.State, error) {
	root, err := x3dh.InitiatorRootKey(e.id.XPriv, ephPriv, peerID, peerEph)
	if err != nil {
		return nil, err
	}
	defer memzero.Zero(root)
	shared, err := crypto.DH(ephPriv, drPub)
	if err != nil {
		return nil, err
	}
	mixed := x3dh.MixRatchetKey(root, shared[:])
	defer memzero.Zero(mixed)
	return ratchet.New(mixed, true)
}

func (e *Engine) deriveResponder(peerID, peerEph domain.X25519Public) (*ratchet.State, *wire.DRKeyExchange, error) {
	ephPriv, ephPub, err := crypto.GenerateX25519()
	if err != nil {
		return nil, nil, err
	}
	defer memzero.Zero(ephPriv[:])
	drPriv, drPub, err := crypto.GenerateX25519()
	if err != nil {
		return nil, nil, err
	}
	defer memzero.Zero(drPriv[:])

	root, err := x3dh.ResponderRootKey(e.id.XPriv, ephPriv, peerID, peerEph)
	if err != nil {
		return nil, nil, err
	}
	defer memzero.Zero(root)
	shared, err := crypto.DH(drPriv, peerEph)
	if err != nil {
		return nil, nil, err
	}
	mixed := x3dh.MixRatchetKey(root, shared[:])
	defer memzero.Zero(mixed)
	r, err := ratchet.New(mixed, false)
	if err != nil {
		return nil, nil, err
	}
	return r, &wire.DRKeyExchange{DHPubkey: ephPub[:], DRPubkey: drPub[:]}, nil
}
