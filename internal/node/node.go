package node

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"stringcomm/internal/crypto"
	"stringcomm/internal/directory"
	"stringcomm/internal/domain"
	"stringcomm/internal/engine"
	"stringcomm/internal/gossip"
	"stringcomm/internal/lighthouse"
	"stringcomm/internal/session"
	"stringcomm/internal/transport"
	"stringcomm/internal/wire"
)

var (
	// ErrNotConnected reports that no peer could take a message.
	ErrNotConnected = errors.New("node: not connected to any peer")
	// ErrNotLinked reports a send to a peer without a direct connection.
	ErrNotLinked = errors.New("node: no link to peer")
	// ErrFingerprintMismatch reports a dialled peer presenting another
	// identity than the one asked for.
	ErrFingerprintMismatch = errors.New("node: remote identity does not match")
	// ErrSelfConnection reports a link that loops back to this node.
	ErrSelfConnection = errors.New("node: connection to self")
	// ErrLinkHandshake reports a connection that did not open with a
	// PeerPubKeyExchange.
	ErrLinkHandshake = errors.New("node: link handshake failed")
	// ErrNoLighthouse reports a lighthouse operation on a node without one.
	ErrNoLighthouse = errors.New("node: no lighthouse configured")
	// ErrClosed reports use of a closed node.
	ErrClosed = errors.New("node: closed")
)

// Config tunes a Node.
type Config struct {
	// Name is stamped on outgoing messages and gossip.
	Name string
	// AdvertiseIP is the address peers should dial. Empty means the
	// address the lighthouse observes.
	AdvertiseIP string
	// AdvertisePort is the port the listener is bound to.
	AdvertisePort int
	// Heartbeat is how often the lighthouse registration is refreshed and
	// pending connections are collected.
	Heartbeat time.Duration
	// PeerExchange is how often linked peers are asked for their peer lists
	// and idle sessions are re-initiated.
	PeerExchange time.Duration
	// TargetPeers is how many links the node tries to keep by dialling
	// peers it learned about.
	TargetPeers int
	// LinkTimeout bounds the key exchange on a new connection.
	LinkTimeout time.Duration
	// EventBuffer bounds the UI event queue.
	EventBuffer int
	Gossip      gossip.Config
	Session     session.Config
}

func DefaultConfig() Config {
	return Config{
		Name:         "anonymous",
		Heartbeat:    30 * time.Second,
		PeerExchange: 20 * time.Second,
		TargetPeers:  4,
		LinkTimeout:  10 * time.Second,
		EventBuffer:  256,
		Gossip:       gossip.DefaultConfig(),
		Session:      session.DefaultConfig(),
	}
}

// Options carries a Node's collaborators. Messages is required; the rest
// may be nil.
type Options struct {
	Messages   domain.MessageStore
	Keys       domain.KeyStore
	Dialer     transport.Dialer
	Lighthouse *lighthouse.Client
	Metrics    *gossip.Metrics
	Logger     *zap.Logger
}

// Listener yields inbound connections.
type Listener interface {
	Accept(ctx context.Context) (transport.Conn, error)
}

// link is one live connection to a neighbour.
type link struct {
	peer string
	conn transport.Conn
	// addr is the dialled address, empty for inbound links.
	addr string
}

// Node is one participant of the mesh. It owns the links to its
// neighbours, their sessions, the peer directory and the gossip router,
// and exposes the chat API used by the UI.
type Node struct {
	cfg      Config
	id       domain.Identity
	fp       string
	engine   *engine.Engine
	sessions *session.Table
	dir      *directory.Directory
	router   *gossip.Router
	msgs     domain.MessageStore
	keys     domain.KeyStore
	dialer   transport.Dialer
	lh       *lighthouse.Client
	events   *eventQueue
	log      *zap.Logger

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	mu     sync.Mutex
	closed bool
	links  map[string]*link
	// stash parks handshakes from peers whose key is being fetched
	stash      map[string]*wire.SignedPacket
	endpoint   uuid.UUID
	observedIP string
}

func New(cfg Config, id domain.Identity, opts Options) (*Node, error) {
	if opts.Messages == nil {
		return nil, errors.New("node: message store is required")
	}
	def := DefaultConfig()
	if cfg.Heartbeat <= 0 {
		cfg.Heartbeat = def.Heartbeat
	}
	if cfg.PeerExchange <= 0 {
		cfg.PeerExchange = def.PeerExchange
	}
	if cfg.LinkTimeout <= 0 {
		cfg.LinkTimeout = def.LinkTimeout
	}
	if cfg.EventBuffer <= 0 {
		cfg.EventBuffer = def.EventBuffer
	}
	log := opts.Logger
	if log == nil {
		log = zap.NewNop()
	}

	keyring := engine.NewKeyring()
	if opts.Keys != nil {
		known, err := opts.Keys.LoadKeys()
		if err != nil {
			return nil, fmt.Errorf("node: load known keys: %w", err)
		}
		for _, pub := range known {
			keyring.Add(pub)
		}
	}
	sessions := session.NewTable(cfg.Session, log)
	eng := engine.New(id, keyring, sessions, log)
	fp := eng.Fingerprint()

	ctx, cancel := context.WithCancel(context.Background())
	n := &Node{
		cfg:      cfg,
		id:       id,
		fp:       fp,
		engine:   eng,
		sessions: sessions,
		dir:      directory.New(),
		msgs:     opts.Messages,
		keys:     opts.Keys,
		dialer:   opts.Dialer,
		lh:       opts.Lighthouse,
		events:   newEventQueue(cfg.EventBuffer),
		log:      log.Named("node").With(zap.String("self", short(fp))),
		ctx:      ctx,
		cancel:   cancel,
		links:    make(map[string]*link),
		stash:    make(map[string]*wire.SignedPacket),
	}

	gcfg := cfg.Gossip
	gcfg.Self = fp
	gcfg.Name = cfg.Name
	router, err := gossip.New(gcfg, n.dir, n, n.deliver, opts.Metrics, log)
	if err != nil {
		cancel()
		sessions.Close()
		return nil, err
	}
	n.router = router
	return n, nil
}

// Fingerprint is the local identity's fingerprint.
func (n *Node) Fingerprint() string { return n.fp }

// Peers lists every peer the directory knows.
func (n *Node) Peers() []directory.Peer { return n.dir.List() }

// Linked lists the fingerprints of directly connected neighbours.
func (n *Node) Linked() []string {
	n.mu.Lock()
	defer n.mu.Unlock()
	out := make([]string, 0, len(n.links))
	for fp := range n.links {
		out = append(out, fp)
	}
	return out
}

// SessionStatus reports the session state with peer.
func (n *Node) SessionStatus(peer string) session.Status { return n.engine.Status(peer) }

// Events is the UI event stream. It is closed by Close.
func (n *Node) Events() <-chan Event { return n.events.ch }

// DroppedEvents counts events discarded because the consumer lagged.
func (n *Node) DroppedEvents() uint64 { return n.events.droppedCount() }

// Run drives the node's background work until ctx is done: accepting on l
// (if non-nil), the UI tick, session upkeep and, with a lighthouse,
// registration and pending-connection polling.
func (n *Node) Run(ctx context.Context, l Listener) error {
	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		n.tick(ctx)
		return nil
	})
	g.Go(func() error {
		n.maintain(ctx)
		return nil
	})
	if n.lh != nil {
		g.Go(func() error {
			n.upkeep(ctx)
			return nil
		})
	}
	if l != nil {
		g.Go(func() error { return n.serve(ctx, l) })
	}
	return g.Wait()
}

// Close tears down every link, wipes all sessions and closes the event
// stream. It is safe to call more than once.
func (n *Node) Close() error {
	n.mu.Lock()
	if n.closed {
		n.mu.Unlock()
		return nil
	}
	n.closed = true
	links := make([]*link, 0, len(n.links))
	for _, l := range n.links {
		links = append(links, l)
	}
	n.mu.Unlock()

	n.cancel()
	for _, l := range links {
		_ = l.conn.Close()
	}
	n.wg.Wait()
	n.sessions.Close()
	n.events.close()
	return nil
}

func (n *Node) serve(ctx context.Context, l Listener) error {
	for {
		c, err := l.Accept(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			return fmt.Errorf("node: accept: %w", err)
		}
		ok := n.spawn(func() {
			if _, err := n.Accept(ctx, c); err != nil {
				n.log.Debug("inbound link rejected", zap.String("remote", c.RemoteAddr()), zap.Error(err))
			}
		})
		if !ok {
			_ = c.Close()
			return nil
		}
	}
}

// spawn runs fn on a goroutine tracked by Close. It reports false once the
// node is closed.
func (n *Node) spawn(fn func()) bool {
	n.mu.Lock()
	defer n.mu.Unlock()
	if n.closed {
		return false
	}
	n.wg.Add(1)
	go func() {
		defer n.wg.Done()
		fn()
	}()
	return true
}

func (n *Node) tick(ctx context.Context) {
	t := time.NewTicker(time.Second)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case now := <-t.C:
			n.events.push(Tick{At: now})
		}
	}
}

func short(fp string) string {
	if len(fp) > 12 {
		return fp[:12]
	}
	return fp
}

func (n *Node) learnKey(pub domain.PublicIdentity) string {
	fp := crypto.FingerprintOf(pub)
	if _, ok := n.engine.Keyring().Get(fp); ok {
		return fp
	}
	n.engine.Keyring().Add(pub)
	n.saveKey(fp, pub)
	return fp
}

func (n *Node) saveKey(fp string, pub domain.PublicIdentity) {
	if n.keys == nil {
		return
	}
	if err := n.keys.SaveKey(fp, pub); err != nil {
		n.log.Warn("persist peer key failed", zap.String("peer", short(fp)), zap.Error(err))
	}
}
