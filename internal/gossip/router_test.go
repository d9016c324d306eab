package gossip_test

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"

	"github.com/prometheus/client_golang/prometheus"

	"stringcomm/internal/directory"
	"stringcomm/internal/gossip"
	"stringcomm/internal/wire"
)

type sent struct {
	to string
	g  wire.Gossip
}

type recorder struct {
	mu   sync.Mutex
	sent []sent
	fail map[string]bool
}

func (r *recorder) SendTo(_ context.Context, peer string, g *wire.Gossip) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.fail[peer] {
		return errors.New("link down")
	}
	r.sent = append(r.sent, sent{to: peer, g: *g})
	return nil
}

func (r *recorder) snapshot() []sent {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]sent(nil), r.sent...)
}

type deliveries struct {
	mu  sync.Mutex
	ids map[string]int
}

func (d *deliveries) fn(_ context.Context, _ string, g *wire.Gossip) {
	d.mu.Lock()
	if d.ids == nil {
		d.ids = make(map[string]int)
	}
	d.ids[g.ID]++
	d.mu.Unlock()
}

func (d *deliveries) count(id string) int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.ids[id]
}

func connected(fps ...string) *directory.Directory {
	d := directory.New()
	for _, fp := range fps {
		d.SetConnected(fp, true)
	}
	return d
}

func newRouter(t *testing.T, cfg gossip.Config, peers gossip.Peers, s gossip.Sender, d gossip.DeliverFunc, m *gossip.Metrics) *gossip.Router {
	t.Helper()
	r, err := gossip.New(cfg, peers, s, d, m, nil)
	if err != nil {
		t.Fatalf("gossip.New: %v", err)
	}
	return r
}

func message(id string) *wire.Message {
	return &wire.Message{ID: id, ChannelID: "general", Username: "ann", Content: "hi"}
}

func TestExactlyOnceAcrossPaths(t *testing.T) {
	cfg := gossip.DefaultConfig()
	cfg.Self = "self"
	rec := &recorder{}
	var got deliveries
	r := newRouter(t, cfg, connected("a", "b", "c", "d", "e"), rec, got.fn, nil)

	g := &wire.Gossip{ID: "m1", TTL: 4, Content: message("m1")}
	var wg sync.WaitGroup
	for _, from := range []string{"a", "b", "c"} {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if _, err := r.Handle(context.Background(), from, g); err != nil {
				t.Errorf("Handle from %s: %v", from, err)
			}
		}()
	}
	wg.Wait()

	if n := got.count("m1"); n != 1 {
		t.Fatalf("delivered %d times, want 1", n)
	}
	// one forward to each neighbour but the first sender
	out := rec.snapshot()
	if len(out) != 4 {
		t.Fatalf("%d retransmissions, want 4", len(out))
	}
	for _, s := range out {
		if s.g.TTL != 3 {
			t.Fatalf("forwarded with TTL %d, want 3", s.g.TTL)
		}
	}
}

func TestForwardExcludesSender(t *testing.T) {
	cfg := gossip.DefaultConfig()
	rec := &recorder{}
	r := newRouter(t, cfg, connected("a", "b", "c", "d"), rec, nil, nil)
	if _, err := r.Handle(context.Background(), "a", &wire.Gossip{ID: "x", TTL: 2, Content: message("x")}); err != nil {
		t.Fatalf("Handle: %v", err)
	}
	for _, s := range rec.snapshot() {
		if s.to == "a" {
			t.Fatal("record echoed back to its sender")
		}
	}
}

func TestTTLStopsPropagationNotDelivery(t *testing.T) {
	rec := &recorder{}
	var got deliveries
	r := newRouter(t, gossip.DefaultConfig(), connected("a", "b"), rec, got.fn, nil)
	if _, err := r.Handle(context.Background(), "a", &wire.Gossip{ID: "last-hop", TTL: 1, Content: message("last-hop")}); err != nil {
		t.Fatalf("Handle: %v", err)
	}
	if got.count("last-hop") != 1 {
		t.Fatal("record with TTL 1 not delivered")
	}
	if n := len(rec.snapshot()); n != 0 {
		t.Fatalf("record with TTL 1 forwarded %d times", n)
	}
}

func TestSignedRouting(t *testing.T) {
	cfg := gossip.DefaultConfig()
	cfg.Self = "self"
	rec := &recorder{}
	var got deliveries
	r := newRouter(t, cfg, connected("a", "b", "c", "dst"), rec, got.fn, nil)
	ctx := context.Background()

	mine := &wire.Gossip{ID: "s1", TTL: 5, Signed: &wire.SignedPacket{SignedData: wire.SignedPacketInternal{Source: "a", Destination: "self"}}}
	if _, err := r.Handle(ctx, "a", mine); err != nil {
		t.Fatalf("Handle: %v", err)
	}
	if got.count("s1") != 1 || len(rec.snapshot()) != 0 {
		t.Fatal("envelope for us must be delivered and not forwarded")
	}

	theirs := &wire.Gossip{ID: "s2", TTL: 5, Signed: &wire.SignedPacket{SignedData: wire.SignedPacketInternal{Source: "a", Destination: "dst"}}}
	if _, err := r.Handle(ctx, "a", theirs); err != nil {
		t.Fatalf("Handle: %v", err)
	}
	if got.count("s2") != 0 {
		t.Fatal("envelope for someone else delivered locally")
	}
	out := rec.snapshot()
	if len(out) != 1 || out[0].to != "dst" {
		t.Fatalf("want direct hop to dst, got %+v", out)
	}
}

func TestRouteWithoutPeers(t *testing.T) {
	r := newRouter(t, gossip.DefaultConfig(), directory.New(), &recorder{}, nil, nil)
	err := r.Route(context.Background(), &wire.SignedPacket{SignedData: wire.SignedPacketInternal{Destination: "x"}})
	if !errors.Is(err, gossip.ErrNoRoute) {
		t.Fatalf("want ErrNoRoute, got %v", err)
	}
	if _, err := r.Broadcast(context.Background(), message("b")); !errors.Is(err, gossip.ErrNoRoute) {
		t.Fatalf("want ErrNoRoute, got %v", err)
	}
}

func TestInvalidRecord(t *testing.T) {
	r := newRouter(t, gossip.DefaultConfig(), directory.New(), &recorder{}, nil, nil)
	for _, g := range []*wire.Gossip{nil, {TTL: 3, Content: message("")}, {ID: "empty", TTL: 3}} {
		if _, err := r.Handle(context.Background(), "a", g); !errors.Is(err, gossip.ErrInvalid) {
			t.Fatalf("Handle(%+v): want ErrInvalid, got %v", g, err)
		}
	}
}

// mesh wires routers together so that SendTo on one is Handle on another.
type mesh struct {
	t       *testing.T
	routers map[string]*gossip.Router
	mu      sync.Mutex
	sends   int
}

type link struct {
	m    *mesh
	self string
}

func (l link) SendTo(ctx context.Context, peer string, g *wire.Gossip) error {
	l.m.mu.Lock()
	l.m.sends++
	r := l.m.routers[peer]
	l.m.mu.Unlock()
	cp := *g
	_, err := r.Handle(ctx, l.self, &cp)
	return err
}

func TestMeshFloodBounded(t *testing.T) {
	// ring of 8 plus chords, so most nodes are reachable over several paths
	const n = 8
	names := make([]string, n)
	for i := range names {
		names[i] = fmt.Sprintf("n%d", i)
	}
	adj := make(map[string][]string)
	for i := 0; i < n; i++ {
		a, b, c := names[i], names[(i+1)%n], names[(i+3)%n]
		adj[a] = append(adj[a], b, c)
		adj[b] = append(adj[b], a)
		adj[c] = append(adj[c], a)
	}

	m := &mesh{t: t, routers: make(map[string]*gossip.Router)}
	got := make(map[string]*deliveries)
	cfg := gossip.DefaultConfig()
	for _, name := range names {
		d := &deliveries{}
		got[name] = d
		c := cfg
		c.Self, c.Name = name, name
		m.routers[name] = newRouter(t, c, connected(adj[name]...), link{m: m, self: name}, d.fn, nil)
	}

	id, err := m.routers["n0"].Broadcast(context.Background(), message("flood"))
	if err != nil {
		t.Fatalf("Broadcast: %v", err)
	}
	for _, name := range names[1:] {
		if c := got[name].count(id); c != 1 {
			t.Fatalf("%s delivered %d times, want 1", name, c)
		}
	}
	if got["n0"].count(id) != 0 {
		t.Fatal("originator delivered its own broadcast")
	}
	// every node forwards a record at most once per link
	limit := 0
	for _, peers := range adj {
		limit += len(peers)
	}
	if m.sends > limit {
		t.Fatalf("%d sends, want at most %d", m.sends, limit)
	}
}

func TestStarFloodReachesEveryLeaf(t *testing.T) {
	const leaves = 12
	m := &mesh{t: t, routers: make(map[string]*gossip.Router)}
	got := make(map[string]*deliveries)
	var spokes []string
	for i := 0; i < leaves; i++ {
		spokes = append(spokes, fmt.Sprintf("leaf%02d", i))
	}
	add := func(name string, peers ...string) {
		d := &deliveries{}
		got[name] = d
		cfg := gossip.DefaultConfig()
		cfg.Self, cfg.Name = name, name
		m.routers[name] = newRouter(t, cfg, connected(peers...), link{m: m, self: name}, d.fn, nil)
	}
	add("hub", spokes...)
	for _, leaf := range spokes {
		add(leaf, "hub")
	}

	// the last leaf sorts after every other one
	id, err := m.routers[spokes[leaves-1]].Broadcast(context.Background(), message("star"))
	if err != nil {
		t.Fatalf("Broadcast: %v", err)
	}
	for _, name := range append([]string{"hub"}, spokes[:leaves-1]...) {
		if c := got[name].count(id); c != 1 {
			t.Fatalf("%s delivered %d times, want 1", name, c)
		}
	}
}

func TestOneHopEnvelopesSkipDedup(t *testing.T) {
	cfg := gossip.DefaultConfig()
	cfg.Self = "self"
	cfg.CacheSize = 2
	var got deliveries
	r := newRouter(t, cfg, connected("a", "b"), &recorder{}, got.fn, nil)
	ctx := context.Background()

	if _, err := r.Handle(ctx, "a", &wire.Gossip{ID: "flood", TTL: 4, Content: message("flood")}); err != nil {
		t.Fatalf("Handle: %v", err)
	}
	for i := 0; i < 10; i++ {
		id := fmt.Sprintf("hop%d", i)
		g := &wire.Gossip{ID: id, TTL: 1, Signed: &wire.SignedPacket{SignedData: wire.SignedPacketInternal{Source: "a", Destination: "self"}}}
		if _, err := r.Handle(ctx, "a", g); err != nil {
			t.Fatalf("Handle %s: %v", id, err)
		}
		if got.count(id) != 1 {
			t.Fatalf("%s not delivered", id)
		}
		if r.Seen(id) {
			t.Fatalf("%s entered the dedup cache", id)
		}
	}
	if !r.Seen("flood") {
		t.Fatal("one-hop traffic evicted a flooded id from the dedup cache")
	}
}

func TestMetrics(t *testing.T) {
	reg := prometheus.NewRegistry()
	metrics := gossip.NewMetrics(reg)
	rec := &recorder{fail: map[string]bool{"b": true}}
	r := newRouter(t, gossip.DefaultConfig(), connected("a", "b", "c"), rec, nil, metrics)
	g := &wire.Gossip{ID: "m", TTL: 3, Content: message("m")}
	ctx := context.Background()
	_, _ = r.Handle(ctx, "a", g)
	_, _ = r.Handle(ctx, "c", g)

	want := map[string]float64{
		"string_gossip_delivered_total":      1,
		"string_gossip_duplicates_total":     1,
		"string_gossip_forwarded_total":      1,
		"string_gossip_forward_errors_total": 1,
	}
	families, err := reg.Gather()
	if err != nil {
		t.Fatalf("Gather: %v", err)
	}
	for _, f := range families {
		w, ok := want[f.GetName()]
		if !ok {
			continue
		}
		if got := f.GetMetric()[0].GetCounter().GetValue(); got != w {
			t.Errorf("%s = %v, want %v", f.GetName(), got, w)
		}
		delete(want, f.GetName())
	}
	for name := range want {
		t.Errorf("metric %s not gathered", name)
	}
}

func TestNilMetricsIsSafe(t *testing.T) {
	var m *gossip.Metrics
	m.RecordDelivered()
	m.RecordDuplicate()
	m.RecordForwarded()
	m.RecordForwardError()
	m.RecordExpired()
}
