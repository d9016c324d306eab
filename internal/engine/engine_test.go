package engine_test

import (
	"errors"
	"reflect"
	"testing"
	"time"

	"stringcomm/internal/crypto"
	"stringcomm/internal/domain"
	"stringcomm/internal/engine"
	"stringcomm/internal/protocol/ratchet"
	"stringcomm/internal/session"
	"stringcomm/internal/wire"
)

type peer struct {
	id  domain.Identity
	eng *engine.Engine
}

func newPeer(t *testing.T) *peer {
	t.Helper()
	id, err := crypto.NewIdentity()
	if err != nil {
		t.Fatalf("NewIdentity: %v", err)
	}
	tbl := session.NewTable(session.DefaultConfig(), nil)
	t.Cleanup(tbl.Close)
	return &peer{id: id, eng: engine.New(id, engine.NewKeyring(), tbl, nil)}
}

func introduce(a, b *peer) {
	a.eng.Keyring().Add(b.id.Public())
	b.eng.Keyring().Add(a.id.Public())
}

func handle(t *testing.T, to *peer, sp *wire.SignedPacket) engine.Result {
	t.Helper()
	res, err := to.eng.Handle(sp)
	if err != nil {
		t.Fatalf("Handle: %v", err)
	}
	return res
}

func establish(t *testing.T, a, b *peer) {
	t.Helper()
	kx, err := a.eng.Initiate(b.eng.Fingerprint())
	if err != nil {
		t.Fatalf("Initiate: %v", err)
	}
	if got := a.eng.Status(b.eng.Fingerprint()); got != session.HandshakeSent {
		t.Fatalf("initiator status %s, want HandshakeSent", got)
	}
	res := handle(t, b, kx)
	if !res.Established || res.Reply == nil {
		t.Fatalf("responder result %+v", res)
	}
	res = handle(t, a, res.Reply)
	if !res.Established || res.Reply != nil {
		t.Fatalf("initiator result %+v", res)
	}
}

func sendMessage(t *testing.T, from, to *peer, text string) {
	t.Helper()
	msg := &wire.Message{ID: text, ChannelID: "c", Username: "u", Content: text, TimeSent: time.Unix(1700000000, 0).UTC()}
	sp, err := from.eng.Encrypt(to.eng.Fingerprint(), msg)
	if err != nil {
		t.Fatalf("Encrypt: %v", err)
	}
	res := handle(t, to, sp)
	if res.Peer != from.eng.Fingerprint() {
		t.Fatalf("result peer %s, want %s", res.Peer, from.eng.Fingerprint())
	}
	if !reflect.DeepEqual(res.Payload, msg) {
		t.Fatalf("payload %#v, want %#v", res.Payload, msg)
	}
}

func TestHandshakeAndEncrypt(t *testing.T) {
	a, b := newPeer(t), newPeer(t)
	introduce(a, b)
	establish(t, a, b)

	if a.eng.Status(b.eng.Fingerprint()) != session.Active || b.eng.Status(a.eng.Fingerprint()) != session.Active {
		t.Fatal("sessions not Active on both sides")
	}
	for _, s := range []string{"one", "two", "three"} {
		sendMessage(t, a, b, s)
		sendMessage(t, b, a, "re: "+s)
	}
}

func TestEncryptWithoutSession(t *testing.T) {
	a, b := newPeer(t), newPeer(t)
	introduce(a, b)
	if _, err := a.eng.Encrypt(b.eng.Fingerprint(), &wire.RequestAvailablePeers{}); !errors.Is(err, engine.ErrNoSession) {
		t.Fatalf("want ErrNoSession, got %v", err)
	}
	if _, err := a.eng.Initiate(b.eng.Fingerprint()); err != nil {
		t.Fatalf("Initiate: %v", err)
	}
	if _, err := a.eng.Encrypt(b.eng.Fingerprint(), &wire.RequestAvailablePeers{}); !errors.Is(err, engine.ErrNoSession) {
		t.Fatalf("want ErrNoSession during handshake, got %v", err)
	}
	if _, err := a.eng.Initiate(b.eng.Fingerprint()); !errors.Is(err, engine.ErrHandshakePending) {
		t.Fatalf("want ErrHandshakePending, got %v", err)
	}
}

func TestUnknownPeerKeyExchange(t *testing.T) {
	a, b := newPeer(t), newPeer(t)
	a.eng.Keyring().Add(b.id.Public()) // b does not know a yet

	kx, err := a.eng.Initiate(b.eng.Fingerprint())
	if err != nil {
		t.Fatalf("Initiate: %v", err)
	}
	if _, err := b.eng.Handle(kx); !errors.Is(err, engine.ErrUnknownPeer) {
		t.Fatalf("want ErrUnknownPeer, got %v", err)
	}

	req, err := b.eng.RequestKey(a.eng.Fingerprint())
	if err != nil {
		t.Fatalf("RequestKey: %v", err)
	}
	res := handle(t, a, req)
	if res.Reply == nil {
		t.Fatal("no PubKeyReply")
	}
	res = handle(t, b, res.Reply)
	if res.LearnedKey != a.eng.Fingerprint() {
		t.Fatalf("learned %q, want %q", res.LearnedKey, a.eng.Fingerprint())
	}

	// the original initiation now goes through
	res = handle(t, b, kx)
	if !res.Established {
		t.Fatal("handshake did not complete after key exchange")
	}
	handle(t, a, res.Reply)
	sendMessage(t, a, b, "hello")
}

func TestForgedKeyReplyRejected(t *testing.T) {
	a, b, c := newPeer(t), newPeer(t), newPeer(t)
	introduce(a, b)
	// a claims c's fingerprint carries a's own key
	reply, err := a.eng.Sign(wire.SignedPacketInternal{
		Destination: b.eng.Fingerprint(),
		MessageType: &wire.PubKeyReply{Owner: c.eng.Fingerprint(), Pubkey: a.eng.PublicKey()},
	})
	if err != nil {
		t.Fatalf("Sign: %v", err)
	}
	if _, err := b.eng.Handle(reply); !errors.Is(err, engine.ErrMalformedPayload) {
		t.Fatalf("want ErrMalformedPayload, got %v", err)
	}
	if _, ok := b.eng.Keyring().Get(c.eng.Fingerprint()); ok {
		t.Fatal("forged key stored")
	}
}

func TestIdentityMismatchClosesSession(t *testing.T) {
	a, b, mallory := newPeer(t), newPeer(t), newPeer(t)
	introduce(a, b)
	introduce(mallory, b)
	establish(t, a, b)

	in := wire.SignedPacketInternal{
		Source:      a.eng.Fingerprint(),
		Destination: b.eng.Fingerprint(),
		MessageType: &wire.EncryptedPacket{Content: make([]byte, 40)},
	}
	msg, err := wire.EncodeSignedData(in)
	if err != nil {
		t.Fatalf("EncodeSignedData: %v", err)
	}
	forged := &wire.SignedPacket{Signature: crypto.SignEd25519(mallory.id.EdPriv, msg), SignedData: in}
	if _, err := b.eng.Handle(forged); !errors.Is(err, engine.ErrIdentityMismatch) {
		t.Fatalf("want ErrIdentityMismatch, got %v", err)
	}
	if got := b.eng.Status(a.eng.Fingerprint()); got != session.Closed {
		t.Fatalf("session %s, want Closed", got)
	}
	if _, err := b.eng.Encrypt(a.eng.Fingerprint(), &wire.RequestAvailablePeers{}); !errors.Is(err, engine.ErrNoSession) {
		t.Fatalf("closed session still encrypts: %v", err)
	}

	// a must re-initiate; b accepts
	establish(t, a, b)
	sendMessage(t, a, b, "again")
}

func TestBadSignatureClosesSession(t *testing.T) {
	a, b := newPeer(t), newPeer(t)
	introduce(a, b)
	establish(t, a, b)

	sp, err := a.eng.Encrypt(b.eng.Fingerprint(), &wire.RequestAvailablePeers{})
	if err != nil {
		t.Fatalf("Encrypt: %v", err)
	}
	sp.Signature[0] ^= 1
	if _, err := b.eng.Handle(sp); !errors.Is(err, engine.ErrSignatureInvalid) {
		t.Fatalf("want ErrSignatureInvalid, got %v", err)
	}
	if got := b.eng.Status(a.eng.Fingerprint()); got != session.Closed {
		t.Fatalf("session %s, want Closed", got)
	}
}

func TestReplayIsDroppedNotFatal(t *testing.T) {
	a, b := newPeer(t), newPeer(t)
	introduce(a, b)
	establish(t, a, b)

	sp, err := a.eng.Encrypt(b.eng.Fingerprint(), &wire.RequestAvailablePeers{})
	if err != nil {
		t.Fatalf("Encrypt: %v", err)
	}
	handle(t, b, sp)
	if _, err := b.eng.Handle(sp); !errors.Is(err, ratchet.ErrStale) {
		t.Fatalf("want ErrStale, got %v", err)
	}
	if got := b.eng.Status(a.eng.Fingerprint()); got != session.Active {
		t.Fatalf("replay changed session to %s", got)
	}
	sendMessage(t, a, b, "still works")
}

func TestSimultaneousInitiation(t *testing.T) {
	a, b := newPeer(t), newPeer(t)
	introduce(a, b)

	kxA, err := a.eng.Initiate(b.eng.Fingerprint())
	if err != nil {
		t.Fatalf("Initiate a: %v", err)
	}
	kxB, err := b.eng.Initiate(a.eng.Fingerprint())
	if err != nil {
		t.Fatalf("Initiate b: %v", err)
	}
	resA := handle(t, a, kxB)
	resB := handle(t, b, kxA)

	// exactly one side answered
	var reply *wire.SignedPacket
	var to *peer
	switch {
	case resA.Reply != nil && resB.Reply == nil:
		reply, to = resA.Reply, b
	case resB.Reply != nil && resA.Reply == nil:
		reply, to = resB.Reply, a
	default:
		t.Fatalf("want exactly one reply, got a=%v b=%v", resA.Reply != nil, resB.Reply != nil)
	}
	handle(t, to, reply)
	sendMessage(t, a, b, "ping")
	sendMessage(t, b, a, "pong")
}

func TestPeerRestart(t *testing.T) {
	a, b := newPeer(t), newPeer(t)
	introduce(a, b)
	establish(t, a, b)
	sendMessage(t, a, b, "before")

	// a loses its state and starts over; b must accept the new handshake
	a.eng.Forget(b.eng.Fingerprint())
	establish(t, a, b)
	sendMessage(t, a, b, "after")
	sendMessage(t, b, a, "after too")
}

func TestNotForUs(t *testing.T) {
	a, b, c := newPeer(t), newPeer(t), newPeer(t)
	introduce(a, b)
	introduce(a, c)
	kx, err := a.eng.Initiate(c.eng.Fingerprint())
	if err != nil {
		t.Fatalf("Initiate: %v", err)
	}
	if _, err := b.eng.Handle(kx); !errors.Is(err, engine.ErrNotForUs) {
		t.Fatalf("want ErrNotForUs, got %v", err)
	}
}

func TestMalformedKeyExchangeCloses(t *testing.T) {
	a, b := newPeer(t), newPeer(t)
	introduce(a, b)
	bad, err := a.eng.Sign(wire.SignedPacketInternal{
		Destination: b.eng.Fingerprint(),
		MessageType: &wire.DRKeyExchange{DHPubkey: []byte{1, 2, 3}},
	})
	if err != nil {
		t.Fatalf("Sign: %v", err)
	}
	if _, err := b.eng.Handle(bad); !errors.Is(err, engine.ErrMalformedPayload) {
		t.Fatalf("want ErrMalformedPayload, got %v", err)
	}
	if got := b.eng.Status(a.eng.Fingerprint()); got != session.Closed {
		t.Fatalf("session %s, want Closed", got)
	}
}
