package node

import (
	"context"
	"errors"
	"time"

	"go.uber.org/zap"

	"stringcomm/internal/engine"
	"stringcomm/internal/protocol/ratchet"
	"stringcomm/internal/session"
	"stringcomm/internal/wire"
)

// maxStashed bounds handshakes parked while the initiator's key is fetched.
const maxStashed = 64

// dispatch handles one packet read off the link to from. Only gossip
// records wrapping a signed envelope are accepted in the clear; flooded
// content and everything else travels encrypted inside them.
func (n *Node) dispatch(ctx context.Context, from string, p wire.Packet) {
	switch p := p.(type) {
	case *wire.Gossip:
		if p.Signed == nil || p.Content != nil {
			n.log.Debug("dropping unencrypted gossip content",
				zap.String("peer", short(from)),
				zap.String("id", p.ID))
			return
		}
		if _, err := n.router.Handle(ctx, from, p); err != nil {
			n.log.Debug("gossip rejected", zap.String("peer", short(from)), zap.Error(err))
		}
	case *wire.PeerPubKeyExchange:
		n.log.Debug("repeated key exchange ignored", zap.String("peer", short(from)))
	case *wire.Message, *wire.SendAvailablePeers, *wire.RequestAvailablePeers:
		n.log.Debug("dropping unencrypted packet",
			zap.String("peer", short(from)),
			zap.String("type", wire.Name(p)))
	}
}

// deliver is the router's local delivery hook.
func (n *Node) deliver(ctx context.Context, from string, g *wire.Gossip) {
	if g.Content != nil {
		n.receiveContent(from, g)
		return
	}
	n.handleSigned(ctx, g.Signed)
}

func (n *Node) handleSigned(ctx context.Context, sp *wire.SignedPacket) {
	src := sp.SignedData.Source
	res, err := n.engine.Handle(sp)
	if err != nil {
		n.handleCryptoError(ctx, sp, err)
		return
	}
	if res.LearnedKey != "" {
		n.onLearnedKey(ctx, res.LearnedKey)
	}
	if res.Reply != nil {
		n.sendSigned(ctx, res.Reply)
	}
	if res.Established {
		n.onEstablished(ctx, src)
	}
	if res.Payload != nil {
		n.dispatchPayload(ctx, src, res.Payload)
	}
}

func (n *Node) handleCryptoError(ctx context.Context, sp *wire.SignedPacket, err error) {
	src := sp.SignedData.Source
	log := n.log.With(zap.String("peer", short(src)), zap.Error(err))
	switch {
	case errors.Is(err, engine.ErrUnknownPeer):
		if _, ok := sp.SignedData.MessageType.(*wire.DRKeyExchange); ok {
			n.park(src, sp)
		}
		req, rerr := n.engine.RequestKey(src)
		if rerr != nil {
			log.Debug("key request failed", zap.NamedError("request_error", rerr))
			return
		}
		log.Debug("asking unknown peer for its key")
		n.sendSigned(ctx, req)
	case errors.Is(err, ratchet.ErrStale):
		log.Debug("dropping replayed packet")
	case errors.Is(err, engine.ErrSignatureInvalid),
		errors.Is(err, engine.ErrIdentityMismatch),
		errors.Is(err, engine.ErrMalformedPayload):
		// the engine closed the session; stop routing through it
		n.dir.SetConnected(src, false)
		log.Warn("dropping packet")
	default:
		log.Debug("dropping packet")
	}
}

// park keeps the latest handshake from src until its key arrives.
func (n *Node) park(src string, sp *wire.SignedPacket) {
	n.mu.Lock()
	defer n.mu.Unlock()
	if _, ok := n.stash[src]; !ok && len(n.stash) >= maxStashed {
		return
	}
	n.stash[src] = sp
}

func (n *Node) unpark(src string) (*wire.SignedPacket, bool) {
	n.mu.Lock()
	defer n.mu.Unlock()
	sp, ok := n.stash[src]
	delete(n.stash, src)
	return sp, ok
}

func (n *Node) onLearnedKey(ctx context.Context, fp string) {
	if pub, ok := n.engine.Keyring().Get(fp); ok {
		n.saveKey(fp, pub)
	}
	if sp, ok := n.unpark(fp); ok {
		n.handleSigned(ctx, sp)
	}
}

// onEstablished makes a neighbour eligible for gossip and asks it for its
// peers.
func (n *Node) onEstablished(ctx context.Context, peer string) {
	if _, ok := n.linkTo(peer); !ok {
		return
	}
	n.dir.SetConnected(peer, true)
	if err := n.sendPacket(ctx, peer, &wire.RequestAvailablePeers{}); err != nil {
		n.log.Debug("peer request not sent", zap.String("peer", short(peer)), zap.Error(err))
	}
}

// dispatchPayload handles a packet decrypted from peer's session.
func (n *Node) dispatchPayload(ctx context.Context, peer string, p wire.Packet) {
	switch p := p.(type) {
	case *wire.Gossip:
		if _, err := n.router.Handle(ctx, peer, p); err != nil {
			n.log.Debug("gossip rejected", zap.String("peer", short(peer)), zap.Error(err))
		}
	case *wire.Message:
		n.receiveMessage(p)
	case *wire.RequestAvailablePeers:
		recs := n.dir.Snapshot()
		if self, ok := n.selfRecord(); ok {
			recs = append(recs, self)
		}
		if err := n.sendPacket(ctx, peer, &wire.SendAvailablePeers{Peers: recs}); err != nil {
			n.log.Debug("peer list not sent", zap.String("peer", short(peer)), zap.Error(err))
		}
	case *wire.SendAvailablePeers:
		n.mergePeers(p.Peers)
	case *wire.PeerPubKeyExchange:
		// keys are exchanged when the link opens
	}
}

// mergePeers folds a peer list into the directory. Records whose key does
// not hash to their fingerprint are dropped.
func (n *Node) mergePeers(recs []wire.PeerRecord) {
	valid := recs[:0:0]
	for _, r := range recs {
		if len(r.Pubkey) > 0 {
			if err := n.engine.Keyring().AddExpected(r.Fingerprint, r.Pubkey); err != nil {
				n.log.Debug("dropping peer record", zap.String("peer", short(r.Fingerprint)), zap.Error(err))
				continue
			}
		}
		valid = append(valid, r)
	}
	for _, fp := range n.dir.Merge(n.fp, valid) {
		if pub, ok := n.engine.Keyring().Get(fp); ok {
			n.saveKey(fp, pub)
		}
	}
}

// receiveContent handles a flooded record meant for everyone.
func (n *Node) receiveContent(from string, g *wire.Gossip) {
	switch p := g.Content.(type) {
	case *wire.Message:
		n.receiveMessage(p)
	default:
		n.log.Debug("ignoring flooded packet",
			zap.String("peer", short(from)),
			zap.String("type", wire.Name(p)))
	}
}

// maintain re-initiates sessions on links that have none and asks
// neighbours for their peers, every PeerExchange interval.
func (n *Node) maintain(ctx context.Context) {
	t := time.NewTicker(n.cfg.PeerExchange)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-t.C:
		}
		for _, peer := range n.Linked() {
			switch n.engine.Status(peer) {
			case session.Uninitiated, session.Closed:
				n.initiate(ctx, peer)
			case session.Active:
				if err := n.sendPacket(ctx, peer, &wire.RequestAvailablePeers{}); err != nil {
					n.log.Debug("peer request not sent", zap.String("peer", short(peer)), zap.Error(err))
				}
			}
		}
		n.dialDiscovered(ctx)
	}
}
