package engine

import (
	"errors"
	"fmt"

	"go.uber.org/zap"

	"stringcomm/internal/crypto"
	"stringcomm/internal/domain"
	"stringcomm/internal/protocol/ratchet"
	"stringcomm/internal/session"
	"stringcomm/internal/wire"
)

var (
	// ErrSignatureInvalid reports a signature that does not verify under
	// any known key.
	ErrSignatureInvalid = errors.New("engine: signature invalid")
	// ErrIdentityMismatch reports a packet whose signature verifies under a
	// different identity than its declared source.
	ErrIdentityMismatch = errors.New("engine: identity mismatch")
	// ErrUnknownPeer reports a source or destination whose public key is
	// not in the keyring yet.
	ErrUnknownPeer = errors.New("engine: unknown peer")
	// ErrNoSession reports traffic for a peer without an Active session.
	ErrNoSession = errors.New("engine: no active session")
	// ErrNotForUs reports a signed packet addressed to someone else.
	ErrNotForUs = errors.New("engine: packet addressed to another peer")
	// ErrMalformedPayload reports crypto content that cannot be parsed.
	ErrMalformedPayload = errors.New("engine: malformed crypto payload")
	// ErrUnexpectedHandshake reports a handshake answer nobody asked for.
	ErrUnexpectedHandshake = errors.New("engine: unexpected handshake reply")
	// ErrHandshakePending reports an initiation while one is outstanding.
	ErrHandshakePending = errors.New("engine: handshake already in progress")
)

// Result is what Handle produced for one inbound SignedPacket.
type Result struct {
	// Peer is the verified source fingerprint.
	Peer string
	// Reply, if set, must be sent back to Peer.
	Reply *wire.SignedPacket
	// Payload is the decrypted application packet of an EncryptedPacket.
	Payload wire.Packet
	// Established is true when this packet completed a handshake.
	Established bool
	// LearnedKey is the fingerprint of a key added from a PubKeyReply.
	LearnedKey string
}

// Engine authenticates and encrypts all session traffic for one local
// identity.
type Engine struct {
	id       domain.Identity
	fp       string
	keys     *Keyring
	sessions *session.Table
	log      *zap.Logger
}

// New returns an Engine for id. The local identity is added to keys.
func New(id domain.Identity, keys *Keyring, sessions *session.Table, log *zap.Logger) *Engine {
	if log == nil {
		log = zap.NewNop()
	}
	fp := keys.Add(id.Public())
	return &Engine{
		id:       id,
		fp:       fp,
		keys:     keys,
		sessions: sessions,
		log:      log.Named("engine").With(zap.String("self", fp)),
	}
}

// Fingerprint is the local identity's fingerprint.
func (e *Engine) Fingerprint() string { return e.fp }

// PublicKey is the encoded local public identity.
func (e *Engine) PublicKey() []byte { return e.id.Public().Bytes() }

// Keyring exposes known identities.
func (e *Engine) Keyring() *Keyring { return e.keys }

// Status reports the session status with peer.
func (e *Engine) Status(peer string) session.Status { return e.sessions.Status(peer) }

// Forget drops the session with peer and wipes its keys.
func (e *Engine) Forget(peer string) { e.sessions.Remove(peer) }

// Sign wraps in into a SignedPacket from the local identity.
func (e *Engine) Sign(in wire.SignedPacketInternal) (*wire.SignedPacket, error) {
	in.Source = e.fp
	msg, err := wire.EncodeSignedData(in)
	if err != nil {
		return nil, err
	}
	return &wire.SignedPacket{Signature: crypto.SignEd25519(e.id.EdPriv, msg), SignedData: in}, nil
}

// Verify checks sp's signature against its declared source.
func (e *Engine) Verify(sp *wire.SignedPacket) (domain.PublicIdentity, error) {
	src := sp.SignedData.Source
	msg, err := wire.EncodeSignedData(sp.SignedData)
	if err != nil {
		return domain.PublicIdentity{}, fmt.Errorf("%w: %v", ErrMalformedPayload, err)
	}
	pub, ok := e.keys.Get(src)
	if !ok {
		return domain.PublicIdentity{}, fmt.Errorf("%w: %s", ErrUnknownPeer, src)
	}
	if crypto.VerifyEd25519(pub.Ed, msg, sp.Signature) {
		return pub, nil
	}
	if actual, ok := e.keys.signedBy(msg, sp.Signature, src); ok {
		return domain.PublicIdentity{}, fmt.Errorf("%w: claims %s, signed by %s", ErrIdentityMismatch, src, actual)
	}
	return domain.PublicIdentity{}, ErrSignatureInvalid
}

// RequestKey builds a PubKeyRequest for peer's identity.
func (e *Engine) RequestKey(peer string) (*wire.SignedPacket, error) {
	return e.Sign(wire.SignedPacketInternal{Destination: peer, MessageType: &wire.PubKeyRequest{}})
}

// Encrypt seals p for peer under the Active session.
func (e *Engine) Encrypt(peer string, p wire.Packet) (*wire.SignedPacket, error) {
	plain, err := wire.Encode(p)
	if err != nil {
		return nil, err
	}
	s, ok := e.sessions.Get(peer)
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrNoSession, peer)
	}
	var content []byte
	s.Do(func(st *session.State) {
		r := st.Ratchet()
		if r == nil {
			err = fmt.Errorf("%w: %s is %s", ErrNoSession, peer, st.Status())
			return
		}
		content, err = r.Encrypt(associatedData(e.fp, peer), plain)
	})
	if err != nil {
		return nil, err
	}
	return e.Sign(wire.SignedPacketInternal{
		Destination: peer,
		MessageType: &wire.EncryptedPacket{Content: content},
	})
}

// Handle processes one inbound SignedPacket. Per-packet errors are returned
// for logging; the connection carrying the packet stays up. Identity
// mismatches and malformed crypto payloads also close the session.
func (e *Engine) Handle(sp *wire.SignedPacket) (Result, error) {
	in := sp.SignedData
	if in.Destination != e.fp {
		return Result{}, ErrNotForUs
	}
	src := in.Source
	if src == e.fp {
		return Result{}, fmt.Errorf("%w: packet claims to be from ourselves", ErrIdentityMismatch)
	}

	switch m := in.MessageType.(type) {
	case *wire.PubKeyReply:
		return e.handleKeyReply(sp, m)
	case *wire.PubKeyRequest:
		return e.handleKeyRequest(src)
	case *wire.DRKeyExchange:
		peer, err := e.verifyOrClose(sp)
		if err != nil {
			return Result{}, err
		}
		return e.handleKeyExchange(src, peer, m)
	case *wire.EncryptedPacket:
		if _, err := e.verifyOrClose(sp); err != nil {
			return Result{}, err
		}
		return e.handleEncrypted(src, m)
	default:
		return Result{}, fmt.Errorf("%w: %T", wire.ErrUnknownVariant, in.MessageType)
	}
}

// verifyOrClose checks the signature and closes the session with the
// declared source on any verification failure other than a missing key.
func (e *Engine) verifyOrClose(sp *wire.SignedPacket) (domain.PublicIdentity, error) {
	pub, err := e.Verify(sp)
	if err == nil || errors.Is(err, ErrUnknownPeer) {
		return pub, err
	}
	src := sp.SignedData.Source
	if s, ok := e.sessions.Get(src); ok {
		s.Do(func(st *session.State) { st.Close(err) })
	}
	e.log.Warn("signature check failed, session closed", zap.String("peer", src), zap.Error(err))
	return pub, err
}

func (e *Engine) handleKeyRequest(src string) (Result, error) {
	// Public keys are public; the request itself need not be verified.
	reply, err := e.Sign(wire.SignedPacketInternal{
		Destination: src,
		MessageType: &wire.PubKeyReply{Owner: e.fp, Pubkey: e.PublicKey()},
	})
	if err != nil {
		return Result{}, err
	}
	return Result{Peer: src, Reply: reply}, nil
}

func (e *Engine) handleKeyReply(sp *wire.SignedPacket, m *wire.PubKeyReply) (Result, error) {
	if err := e.keys.AddExpected(m.Owner, m.Pubkey); err != nil {
		return Result{}, fmt.Errorf("%w: %v", ErrMalformedPayload, err)
	}
	// A reply from the owner must also be signed by the key it carries.
	if sp.SignedData.Source == m.Owner {
		if _, err := e.Verify(sp); err != nil {
			e.keys.Remove(m.Owner)
			return Result{}, err
		}
	}
	e.log.Debug("learned public key", zap.String("owner", m.Owner))
	return Result{Peer: sp.SignedData.Source, LearnedKey: m.Owner}, nil
}

func (e *Engine) handleEncrypted(src string, m *wire.EncryptedPacket) (Result, error) {
	s, ok := e.sessions.Get(src)
	if !ok {
		return Result{}, fmt.Errorf("%w: %s", ErrNoSession, src)
	}
	var (
		plain []byte
		err   error
	)
	s.Do(func(st *session.State) {
		r := st.Ratchet()
		if r == nil {
			err = fmt.Errorf("%w: %s is %s", ErrNoSession, src, st.Status())
			return
		}
		plain, err = r.Decrypt(associatedData(src, e.fp), m.Content)
		if errors.Is(err, ratchet.ErrDecrypt) || errors.Is(err, ratchet.ErrMalformed) {
			err = fmt.Errorf("%w: %v", ErrMalformedPayload, err)
			st.Close(err)
		}
	})
	if err != nil {
		return Result{}, err
	}
	p, err := wire.Decode(plain)
	if err != nil {
		return Result{}, err
	}
	return Result{Peer: src, Payload: p}, nil
}

func associatedData(src, dst string) []byte {
	return []byte(src + "|" + dst)
}
