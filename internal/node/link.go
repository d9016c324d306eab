package node

import (
	"bytes"
	"context"
	"crypto/rand"
	"errors"
	"fmt"
	"io"
	"net"
	"strconv"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"stringcomm/internal/crypto"
	"stringcomm/internal/directory"
	"stringcomm/internal/domain"
	"stringcomm/internal/transport"
	"stringcomm/internal/wire"
)

// Accept runs the link handshake on an inbound connection and returns the
// remote fingerprint.
func (n *Node) Accept(ctx context.Context, c transport.Conn) (string, error) {
	return n.attach(ctx, c, "", "")
}

// Dial connects to addr. If expect is set the remote must present that
// fingerprint. An existing link to the same peer is replaced.
func (n *Node) Dial(ctx context.Context, addr, expect string) (string, error) {
	if n.dialer == nil {
		return "", errors.New("node: no dialer configured")
	}
	c, err := n.dialer.Dial(ctx, addr)
	if err != nil {
		return "", err
	}
	return n.attach(ctx, c, expect, addr)
}

// linkNonceSize is the length of the challenge each side sends in its hello.
const linkNonceSize = 32

// linkProofMessage is what the holder of pubkey signs to answer nonce.
func linkProofMessage(nonce, pubkey []byte) []byte {
	msg := make([]byte, 0, 12+len(nonce)+len(pubkey))
	msg = append(msg, "string-link|"...)
	msg = append(msg, nonce...)
	return append(msg, pubkey...)
}

// attach exchanges public keys on c, makes the remote prove it holds its
// key, registers the link and starts its read loop. The first two packets
// in each direction must be PeerPubKeyExchanges: a hello with the key and a
// nonce, then a signature over the other side's nonce. Nothing about an
// existing link or session changes until the proof checks out. On failure
// c is closed.
func (n *Node) attach(ctx context.Context, c transport.Conn, expect, addr string) (fp string, err error) {
	defer func() {
		if err != nil {
			_ = c.Close()
		}
	}()
	hctx, cancel := context.WithTimeout(ctx, n.cfg.LinkTimeout)
	defer cancel()
	stop := context.AfterFunc(n.ctx, cancel)
	defer stop()

	nonce := make([]byte, linkNonceSize)
	if _, err := rand.Read(nonce); err != nil {
		return "", err
	}
	self := n.engine.PublicKey()
	if err := sendKeyExchange(hctx, c, &wire.PeerPubKeyExchange{Pubkey: self, Nonce: nonce}); err != nil {
		return "", err
	}
	kx, err := recvKeyExchange(hctx, c)
	if err != nil {
		return "", err
	}
	if len(kx.Nonce) != linkNonceSize {
		return "", fmt.Errorf("%w: hello without a nonce", ErrLinkHandshake)
	}
	pub, err := domain.ParsePublicIdentity(kx.Pubkey)
	if err != nil {
		return "", fmt.Errorf("%w: %v", ErrLinkHandshake, err)
	}
	if pk, ok := c.(transport.PeerKeyer); ok && !bytes.Equal(pk.PeerKey(), pub.Ed[:]) {
		return "", fmt.Errorf("%w: key differs from the transport's peer certificate", ErrLinkHandshake)
	}
	answer := &wire.PeerPubKeyExchange{Signature: crypto.SignEd25519(n.id.EdPriv, linkProofMessage(kx.Nonce, self))}
	if err := sendKeyExchange(hctx, c, answer); err != nil {
		return "", err
	}
	proof, err := recvKeyExchange(hctx, c)
	if err != nil {
		return "", err
	}
	if !crypto.VerifyEd25519(pub.Ed, linkProofMessage(nonce, kx.Pubkey), proof.Signature) {
		return "", fmt.Errorf("%w: remote did not prove its key", ErrLinkHandshake)
	}

	fp = n.learnKey(pub)
	switch {
	case fp == n.fp:
		return "", ErrSelfConnection
	case expect != "" && fp != expect:
		return "", fmt.Errorf("%w: want %s, got %s", ErrFingerprintMismatch, short(expect), short(fp))
	}

	l := &link{peer: fp, conn: c, addr: addr}
	n.mu.Lock()
	if n.closed {
		n.mu.Unlock()
		return "", ErrClosed
	}
	old := n.links[fp]
	n.links[fp] = l
	n.wg.Add(1)
	n.mu.Unlock()
	if old != nil {
		_ = old.conn.Close()
	}

	// a fresh link always starts a fresh session
	n.engine.Forget(fp)
	n.dir.Upsert(directory.Peer{
		Fingerprint: fp,
		Endpoint:    addr,
		Pubkey:      kx.Pubkey,
		LastUpdate:  time.Now().UTC(),
	})
	go n.readLoop(l)

	n.log.Info("link up", zap.String("peer", short(fp)), zap.String("remote", c.RemoteAddr()))
	// only one side opens the handshake on a new link
	if n.fp < fp {
		n.initiate(ctx, fp)
	}
	return fp, nil
}

func sendKeyExchange(ctx context.Context, c transport.Conn, kx *wire.PeerPubKeyExchange) error {
	b, err := wire.Encode(kx)
	if err != nil {
		return err
	}
	if err := c.Send(ctx, b); err != nil {
		return fmt.Errorf("%w: send: %v", ErrLinkHandshake, err)
	}
	return nil
}

func recvKeyExchange(ctx context.Context, c transport.Conn) (*wire.PeerPubKeyExchange, error) {
	b, err := c.Recv(ctx)
	if err != nil {
		return nil, fmt.Errorf("%w: recv: %v", ErrLinkHandshake, err)
	}
	p, err := wire.Decode(b)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrLinkHandshake, err)
	}
	kx, ok := p.(*wire.PeerPubKeyExchange)
	if !ok {
		return nil, fmt.Errorf("%w: got %s during key exchange", ErrLinkHandshake, wire.Name(p))
	}
	return kx, nil
}

func (n *Node) readLoop(l *link) {
	defer n.wg.Done()
	defer n.dropLink(l)
	log := n.log.With(zap.String("peer", short(l.peer)))
	for {
		b, err := l.conn.Recv(n.ctx)
		if err != nil {
			if !errors.Is(err, io.EOF) && n.ctx.Err() == nil {
				log.Debug("link read failed", zap.Error(err))
			}
			return
		}
		p, err := wire.Decode(b)
		if err != nil {
			log.Debug("dropping undecodable packet", zap.Error(err))
			continue
		}
		n.dispatch(n.ctx, l.peer, p)
	}
}

// dropLink forgets l unless it was already replaced by a newer link to the
// same peer.
func (n *Node) dropLink(l *link) {
	_ = l.conn.Close()
	n.mu.Lock()
	current := n.links[l.peer] == l
	if current {
		delete(n.links, l.peer)
	}
	n.mu.Unlock()
	if !current {
		return
	}
	n.dir.SetConnected(l.peer, false)
	n.engine.Forget(l.peer)
	n.log.Info("link down", zap.String("peer", short(l.peer)))
}

func (n *Node) linkTo(peer string) (*link, bool) {
	n.mu.Lock()
	defer n.mu.Unlock()
	l, ok := n.links[peer]
	return l, ok
}

// SendTo hands g to the neighbour peer. Signed records travel as they are;
// records carrying Content are encrypted under the link's session.
func (n *Node) SendTo(ctx context.Context, peer string, g *wire.Gossip) error {
	if g.Signed != nil {
		return n.sendGossip(ctx, peer, g)
	}
	return n.sendPacket(ctx, peer, g)
}

// sendPacket encrypts p for the neighbour peer and sends it as a one-hop
// signed gossip record.
func (n *Node) sendPacket(ctx context.Context, peer string, p wire.Packet) error {
	sp, err := n.engine.Encrypt(peer, p)
	if err != nil {
		return err
	}
	return n.sendGossip(ctx, peer, &wire.Gossip{
		ID:       uuid.NewString(),
		TTL:      1,
		PeerName: n.cfg.Name,
		Signed:   sp,
	})
}

func (n *Node) sendGossip(ctx context.Context, peer string, g *wire.Gossip) error {
	l, ok := n.linkTo(peer)
	if !ok {
		return fmt.Errorf("%w: %s", ErrNotLinked, short(peer))
	}
	b, err := wire.Encode(g)
	if err != nil {
		return err
	}
	return l.conn.Send(ctx, b)
}

// sendSigned delivers a crypto envelope: straight over the link when the
// destination is a neighbour, otherwise through the mesh.
func (n *Node) sendSigned(ctx context.Context, sp *wire.SignedPacket) {
	dst := sp.SignedData.Destination
	var err error
	if _, ok := n.linkTo(dst); ok {
		err = n.sendGossip(ctx, dst, &wire.Gossip{
			ID:       uuid.NewString(),
			TTL:      1,
			PeerName: n.cfg.Name,
			Signed:   sp,
		})
	} else {
		err = n.router.Route(ctx, sp)
	}
	if err != nil {
		n.log.Debug("signed packet not sent", zap.String("peer", short(dst)), zap.Error(err))
	}
}

func (n *Node) initiate(ctx context.Context, peer string) {
	sp, err := n.engine.Initiate(peer)
	if err != nil {
		n.log.Debug("handshake not started", zap.String("peer", short(peer)), zap.Error(err))
		return
	}
	n.sendSigned(ctx, sp)
}

// advertised is the address peers should dial, or "" when unknown.
func (n *Node) advertised() (ip string, port int) {
	n.mu.Lock()
	defer n.mu.Unlock()
	ip = n.cfg.AdvertiseIP
	if ip == "" {
		ip = n.observedIP
	}
	return ip, n.cfg.AdvertisePort
}

func (n *Node) selfRecord() (wire.PeerRecord, bool) {
	ip, port := n.advertised()
	if ip == "" || port == 0 {
		return wire.PeerRecord{}, false
	}
	return wire.PeerRecord{
		Fingerprint: n.fp,
		Endpoint:    net.JoinHostPort(ip, strconv.Itoa(port)),
		Pubkey:      n.engine.PublicKey(),
		LastUpdate:  time.Now().UTC(),
	}, true
}
