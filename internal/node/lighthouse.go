package node

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"stringcomm/internal/lighthouse"
)

// dialWorkers caps concurrent outbound dials per round.
const dialWorkers = 4

// Register announces this node at its lighthouse and publishes its key
// there. It is repeated on every heartbeat; the lighthouse keeps one
// endpoint per address, so the id only changes after the old one expired.
func (n *Node) Register(ctx context.Context) (uuid.UUID, error) {
	if n.lh == nil {
		return uuid.Nil, ErrNoLighthouse
	}
	resp, err := n.lh.Register(ctx, n.cfg.AdvertiseIP, n.cfg.AdvertisePort)
	if err != nil {
		return uuid.Nil, fmt.Errorf("node: register: %w", err)
	}
	if err := n.lh.Attach(ctx, resp.ID, resp.Token, n.id); err != nil {
		return uuid.Nil, fmt.Errorf("node: attach key: %w", err)
	}
	n.mu.Lock()
	changed := n.endpoint != resp.ID
	n.endpoint = resp.ID
	n.observedIP = resp.ObservedIP
	n.mu.Unlock()
	if changed {
		n.log.Info("registered at lighthouse",
			zap.String("lighthouse", n.lh.Base),
			zap.Stringer("endpoint", resp.ID),
			zap.String("observed_ip", resp.ObservedIP))
	}
	return resp.ID, nil
}

// Info returns the string another user needs to reach this node. The node
// must have registered first.
func (n *Node) Info() (Info, error) {
	if n.lh == nil {
		return Info{}, ErrNoLighthouse
	}
	n.mu.Lock()
	ep := n.endpoint
	n.mu.Unlock()
	if ep == uuid.Nil {
		return Info{}, errors.New("node: not registered yet")
	}
	return Info{Fingerprint: n.fp, Endpoint: ep, Lighthouse: n.lh.Base}, nil
}

// Connect reaches the peer described by an info string. If the lighthouse
// knows a live endpoint for the peer it is dialled directly; otherwise a
// pending connection is filed so the peer dials us on its next poll.
func (n *Node) Connect(ctx context.Context, s string) error {
	info, err := DecodeInfo(s)
	if err != nil {
		return err
	}
	if info.Fingerprint == n.fp {
		return ErrSelfConnection
	}
	if _, ok := n.linkTo(info.Fingerprint); ok {
		return nil
	}
	lh := n.lh
	if lh == nil || strings.TrimRight(info.Lighthouse, "/") != lh.Base {
		lh = lighthouse.NewClient(info.Lighthouse)
	}
	log := n.log.With(zap.String("peer", short(info.Fingerprint)))

	loc, err := lh.Lookup(ctx, info.Fingerprint)
	switch {
	case err == nil:
		if kerr := n.engine.Keyring().AddExpected(info.Fingerprint, loc.Pubkey); kerr != nil {
			return fmt.Errorf("node: lighthouse returned a bad key: %w", kerr)
		}
		if _, err = n.Dial(ctx, loc.Addr(), info.Fingerprint); err == nil {
			return nil
		}
		log.Info("direct dial failed, asking peer to call back", zap.String("addr", loc.Addr()), zap.Error(err))
	case errors.Is(err, lighthouse.ErrNotFound):
		log.Info("peer not at lighthouse, asking it to call back")
	default:
		return fmt.Errorf("node: lookup: %w", err)
	}

	if info.Endpoint == uuid.Nil {
		return fmt.Errorf("node: cannot reach %s: no endpoint to leave a request at", short(info.Fingerprint))
	}
	ip, port := n.advertised()
	if port == 0 {
		return fmt.Errorf("node: cannot reach %s: not listening", short(info.Fingerprint))
	}
	if err := lh.RequestConnection(ctx, info.Endpoint, ip, port, n.fp); err != nil {
		return fmt.Errorf("node: request connection: %w", err)
	}
	return nil
}

// Leave removes this node's endpoint and keys from the lighthouse.
func (n *Node) Leave(ctx context.Context) error {
	if n.lh == nil {
		return ErrNoLighthouse
	}
	n.mu.Lock()
	ep := n.endpoint
	n.endpoint = uuid.Nil
	n.mu.Unlock()
	if ep == uuid.Nil {
		return nil
	}
	return n.lh.Wipe(ctx, ep, n.id)
}

// upkeep registers with the lighthouse, then on every heartbeat refreshes
// the registration and dials whoever asked to connect.
func (n *Node) upkeep(ctx context.Context) {
	t := time.NewTicker(n.cfg.Heartbeat)
	defer t.Stop()
	for {
		n.poll(ctx)
		select {
		case <-ctx.Done():
			return
		case <-t.C:
		}
	}
}

func (n *Node) poll(ctx context.Context) {
	ep, err := n.Register(ctx)
	if err != nil {
		if ctx.Err() == nil {
			n.log.Warn("lighthouse heartbeat failed", zap.Error(err))
		}
		return
	}
	pending, err := n.lh.ListConnections(ctx, ep, n.id)
	if err != nil {
		if ctx.Err() == nil {
			n.log.Warn("listing pending connections failed", zap.Error(err))
		}
		return
	}
	var eg errgroup.Group
	eg.SetLimit(dialWorkers)
	for _, p := range pending {
		if p.Fingerprint == n.fp {
			continue
		}
		if _, ok := n.linkTo(p.Fingerprint); ok {
			continue
		}
		eg.Go(func() error {
			if _, err := n.Dial(ctx, p.Addr(), p.Fingerprint); err != nil {
				n.log.Info("pending connection failed",
					zap.String("peer", short(p.Fingerprint)),
					zap.String("addr", p.Addr()),
					zap.Error(err))
			}
			return nil
		})
	}
	_ = eg.Wait()
}

// dialDiscovered tops the node up to TargetPeers links using endpoints
// learned from peer lists.
func (n *Node) dialDiscovered(ctx context.Context) {
	if n.dialer == nil || n.cfg.TargetPeers <= 0 {
		return
	}
	missing := n.cfg.TargetPeers - len(n.Linked())
	if missing <= 0 {
		return
	}
	var eg errgroup.Group
	eg.SetLimit(dialWorkers)
	for _, p := range n.dir.List() {
		if missing == 0 {
			break
		}
		if p.Endpoint == "" || p.Fingerprint == n.fp {
			continue
		}
		if _, ok := n.linkTo(p.Fingerprint); ok {
			continue
		}
		missing--
		eg.Go(func() error {
			if _, err := n.Dial(ctx, p.Endpoint, p.Fingerprint); err != nil {
				n.log.Debug("discovered peer unreachable",
					zap.String("peer", short(p.Fingerprint)),
					zap.String("addr", p.Endpoint),
					zap.Error(err))
			}
			return nil
		})
	}
	_ = eg.Wait()
}
