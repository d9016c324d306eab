package gossip

import (
	"context"
	"errors"
	"fmt"

	"github.com/google/uuid"
	lru "github.com/hashicorp/golang-lru/v2"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"stringcomm/internal/wire"
)

var (
	// ErrNoRoute reports that no connected neighbour could take a packet.
	ErrNoRoute = errors.New("gossip: no connected peers")
	// ErrInvalid reports a Gossip record without an id or payload.
	ErrInvalid = errors.New("gossip: invalid record")
)

// Sender hands one record to a directly connected neighbour. Records with
// Content are re-encrypted for that hop by the implementation.
type Sender interface {
	SendTo(ctx context.Context, peer string, g *wire.Gossip) error
}

// Peers chooses neighbours for forwarding.
type Peers interface {
	Fanout(exclude []string, limit int) []string
	Connected(peer string) bool
}

// DeliverFunc receives every new record meant for the local node: flooded
// Content, and Signed envelopes addressed to us. It runs at most once per
// record id.
type DeliverFunc func(ctx context.Context, from string, g *wire.Gossip)

// Config tunes the router.
type Config struct {
	// Self is the local fingerprint.
	Self string
	// Name is stamped into originated records as PeerName.
	Name string
	// CacheSize bounds the dedup cache.
	CacheSize int
	// TTL is the hop budget of originated records.
	TTL uint32
	// Fanout caps the neighbours a record is forwarded to. Zero forwards
	// to all of them.
	Fanout int
	// Workers caps concurrent sends per forward.
	Workers int
}

func DefaultConfig() Config {
	return Config{CacheSize: 4096, TTL: 8, Workers: 4}
}

// Router floods records across the mesh. Each record id is processed once:
// delivered locally if it concerns us, then forwarded with one less hop to
// the neighbours other than the one it came from.
type Router struct {
	cfg     Config
	peers   Peers
	send    Sender
	deliver DeliverFunc
	seen    *lru.Cache[string, uint32]
	metrics *Metrics
	log     *zap.Logger
}

func New(cfg Config, peers Peers, send Sender, deliver DeliverFunc, m *Metrics, log *zap.Logger) (*Router, error) {
	def := DefaultConfig()
	if cfg.CacheSize <= 0 {
		cfg.CacheSize = def.CacheSize
	}
	if cfg.TTL == 0 {
		cfg.TTL = def.TTL
	}
	if cfg.Fanout < 0 {
		cfg.Fanout = 0
	}
	if cfg.Workers <= 0 {
		cfg.Workers = def.Workers
	}
	seen, err := lru.New[string, uint32](cfg.CacheSize)
	if err != nil {
		return nil, fmt.Errorf("gossip: dedup cache: %w", err)
	}
	if log == nil {
		log = zap.NewNop()
	}
	if deliver == nil {
		deliver = func(context.Context, string, *wire.Gossip) {}
	}
	return &Router{
		cfg:     cfg,
		peers:   peers,
		send:    send,
		deliver: deliver,
		seen:    seen,
		metrics: m,
		log:     log.Named("gossip"),
	}, nil
}

// Seen reports whether id is in the dedup cache.
func (r *Router) Seen(id string) bool { return r.seen.Contains(id) }

// Handle processes a record received from neighbour from. It reports
// whether the record was new.
func (r *Router) Handle(ctx context.Context, from string, g *wire.Gossip) (bool, error) {
	if g == nil || g.ID == "" || (g.Content == nil && g.Signed == nil) {
		return false, ErrInvalid
	}
	forUs := g.Signed != nil && g.Signed.SignedData.Destination == r.cfg.Self
	// One-hop envelopes for us come straight off a link and are replay
	// checked by their session, so they stay out of the dedup cache.
	if !forUs || g.TTL > 1 {
		if found, _ := r.seen.ContainsOrAdd(g.ID, g.TTL); found {
			r.metrics.RecordDuplicate()
			return false, nil
		}
	}

	if g.Content != nil || forUs {
		r.metrics.RecordDelivered()
		r.deliver(ctx, from, g)
	}
	if forUs {
		return true, nil
	}

	if g.TTL <= 1 {
		r.metrics.RecordExpired()
		return true, nil
	}
	next := *g
	next.TTL = g.TTL - 1
	r.forward(ctx, r.targets(&next, from), &next)
	return true, nil
}

// Broadcast originates p as a new flooded record and returns its id.
func (r *Router) Broadcast(ctx context.Context, p wire.Packet) (string, error) {
	g := &wire.Gossip{ID: uuid.NewString(), TTL: r.cfg.TTL, PeerName: r.cfg.Name, Content: p}
	r.seen.Add(g.ID, g.TTL)
	targets := r.peers.Fanout(nil, r.cfg.Fanout)
	if len(targets) == 0 {
		return g.ID, ErrNoRoute
	}
	r.forward(ctx, targets, g)
	return g.ID, nil
}

// Route sends a signed envelope towards its destination: directly when
// connected, otherwise through the mesh.
func (r *Router) Route(ctx context.Context, sp *wire.SignedPacket) error {
	g := &wire.Gossip{ID: uuid.NewString(), TTL: r.cfg.TTL, PeerName: r.cfg.Name, Signed: sp}
	r.seen.Add(g.ID, g.TTL)
	targets := r.targets(g, "")
	if len(targets) == 0 {
		return ErrNoRoute
	}
	r.forward(ctx, targets, g)
	return nil
}

func (r *Router) targets(g *wire.Gossip, from string) []string {
	if g.Signed != nil {
		dst := g.Signed.SignedData.Destination
		if dst != from && r.peers.Connected(dst) {
			return []string{dst}
		}
	}
	var exclude []string
	if from != "" {
		exclude = []string{from}
	}
	return r.peers.Fanout(exclude, r.cfg.Fanout)
}

// forward sends g to every target through a bounded pool. Send failures
// are logged; the record was already accepted locally.
func (r *Router) forward(ctx context.Context, targets []string, g *wire.Gossip) {
	var eg errgroup.Group
	eg.SetLimit(r.cfg.Workers)
	for _, peer := range targets {
		eg.Go(func() error {
			if err := r.send.SendTo(ctx, peer, g); err != nil {
				r.metrics.RecordForwardError()
				r.log.Debug("forward failed",
					zap.String("peer", peer),
					zap.String("id", g.ID),
					zap.Error(err))
				return nil
			}
			r.metrics.RecordForwarded()
			return nil
		})
	}
	_ = eg.Wait()
}
