package lighthouse_test

import (
	"context"
	"errors"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"

	"stringcomm/internal/crypto"
	"stringcomm/internal/domain"
	"stringcomm/internal/lighthouse"
)

type clock struct {
	mu sync.Mutex
	t  time.Time
}

func newClock() *clock {
	return &clock{t: time.Date(2024, 3, 1, 9, 0, 0, 0, time.UTC)}
}

func (c *clock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.t
}

func (c *clock) Advance(d time.Duration) {
	c.mu.Lock()
	c.t = c.t.Add(d)
	c.mu.Unlock()
}

// eachStore runs fn against every Store implementation.
func eachStore(t *testing.T, fn func(t *testing.T, st lighthouse.Store)) {
	t.Helper()
	t.Run("memory", func(t *testing.T) {
		fn(t, lighthouse.NewMemoryStore())
	})
	t.Run("sql", func(t *testing.T) {
		dsn := "file:" + filepath.Join(t.TempDir(), "lighthouse.db") + "?_pragma=foreign_keys(1)&_pragma=busy_timeout(5000)"
		st, err := lighthouse.OpenSQL(dsn, nil)
		if err != nil {
			t.Fatalf("OpenSQL: %v", err)
		}
		t.Cleanup(func() { _ = st.Close() })
		fn(t, st)
	})
}

func newService(st lighthouse.Store, c *clock) *lighthouse.Service {
	return lighthouse.NewService(st, lighthouse.Config{
		EndpointTTL: 5 * time.Minute,
		PendingTTL:  time.Minute,
		Now:         c.Now,
	}, nil, nil)
}

func identity(t *testing.T) domain.Identity {
	t.Helper()
	id, err := crypto.NewIdentity()
	if err != nil {
		t.Fatalf("NewIdentity: %v", err)
	}
	return id
}

func stats(t *testing.T, st lighthouse.Store) lighthouse.Stats {
	t.Helper()
	s, err := st.Stats(context.Background())
	if err != nil {
		t.Fatalf("Stats: %v", err)
	}
	return s
}

func TestRegisterCreatesOnce(t *testing.T) {
	eachStore(t, func(t *testing.T, st lighthouse.Store) {
		c := newClock()
		svc := newService(st, c)
		ctx := context.Background()

		const n = 16
		ids := make([]uuid.UUID, n)
		var wg sync.WaitGroup
		for i := 0; i < n; i++ {
			wg.Add(1)
			go func(i int) {
				defer wg.Done()
				id, err := svc.RegisterEndpoint(ctx, "203.0.113.7", 4000)
				if err != nil {
					t.Errorf("RegisterEndpoint: %v", err)
				}
				ids[i] = id
			}(i)
		}
		wg.Wait()
		for _, id := range ids[1:] {
			if id != ids[0] {
				t.Fatalf("concurrent registration created distinct endpoints %s and %s", ids[0], id)
			}
		}
		if got := stats(t, st).Endpoints; got != 1 {
			t.Fatalf("want 1 endpoint, got %d", got)
		}

		c.Advance(time.Minute)
		again, err := svc.RegisterEndpoint(ctx, "203.0.113.7", 4000)
		if err != nil || again != ids[0] {
			t.Fatalf("refresh returned %s, %v", again, err)
		}
		e, err := st.Endpoint(ctx, again)
		if err != nil {
			t.Fatalf("Endpoint: %v", err)
		}
		if !e.LastUpdate.Equal(c.Now()) {
			t.Fatalf("last_update %s, want %s", e.LastUpdate, c.Now())
		}
	})
}

func TestRegisterRejectsBadAddress(t *testing.T) {
	svc := newService(lighthouse.NewMemoryStore(), newClock())
	for _, tc := range []struct {
		ip   string
		port int
	}{{"not-an-ip", 1}, {"10.0.0.1", 0}, {"10.0.0.1", 70000}} {
		if _, err := svc.RegisterEndpoint(context.Background(), tc.ip, tc.port); !errors.Is(err, lighthouse.ErrInvalid) {
			t.Fatalf("RegisterEndpoint(%q, %d): want ErrInvalid, got %v", tc.ip, tc.port, err)
		}
	}
}

func TestAttachAndLookup(t *testing.T) {
	eachStore(t, func(t *testing.T, st lighthouse.Store) {
		c := newClock()
		svc := newService(st, c)
		ctx := context.Background()
		id := identity(t)
		fp := crypto.FingerprintOf(id.Public())

		if err := svc.AttachPubkey(ctx, uuid.New(), id.Public().Bytes()); !errors.Is(err, lighthouse.ErrNotFound) {
			t.Fatalf("attach to unknown endpoint: want ErrNotFound, got %v", err)
		}
		if err := svc.AttachPubkey(ctx, uuid.New(), []byte("short")); !errors.Is(err, lighthouse.ErrInvalid) {
			t.Fatalf("attach malformed key: want ErrInvalid, got %v", err)
		}

		old, _ := svc.RegisterEndpoint(ctx, "198.51.100.1", 4000)
		if err := svc.AttachPubkey(ctx, old, id.Public().Bytes()); err != nil {
			t.Fatalf("AttachPubkey: %v", err)
		}
		// attaching twice keeps one row
		if err := svc.AttachPubkey(ctx, old, id.Public().Bytes()); err != nil {
			t.Fatalf("AttachPubkey again: %v", err)
		}
		c.Advance(time.Minute)
		fresh, _ := svc.RegisterEndpoint(ctx, "198.51.100.2", 5000)
		if err := svc.AttachPubkey(ctx, fresh, id.Public().Bytes()); err != nil {
			t.Fatalf("AttachPubkey: %v", err)
		}
		if got := stats(t, st).Pubkeys; got != 2 {
			t.Fatalf("want 2 pubkeys, got %d", got)
		}

		loc, err := svc.Lookup(ctx, fp)
		if err != nil {
			t.Fatalf("Lookup: %v", err)
		}
		if loc.EndpointID != fresh || loc.Addr() != "198.51.100.2:5000" {
			t.Fatalf("Lookup = %+v, want the fresher endpoint", loc)
		}
		if _, err := svc.Lookup(ctx, "unknown"); !errors.Is(err, lighthouse.ErrNotFound) {
			t.Fatalf("want ErrNotFound, got %v", err)
		}

		peers, err := svc.Peers(ctx)
		if err != nil || len(peers) != 2 {
			t.Fatalf("Peers = %v, %v", peers, err)
		}

		// stale endpoints disappear from lookups before the sweep runs
		c.Advance(5*time.Minute + time.Second)
		if _, err := svc.Lookup(ctx, fp); !errors.Is(err, lighthouse.ErrNotFound) {
			t.Fatalf("stale lookup: want ErrNotFound, got %v", err)
		}
	})
}

func TestListConnectionsConsumes(t *testing.T) {
	eachStore(t, func(t *testing.T, st lighthouse.Store) {
		c := newClock()
		svc := newService(st, c)
		ctx := context.Background()
		target, _ := svc.RegisterEndpoint(ctx, "192.0.2.1", 4000)

		if err := svc.RequestConnection(ctx, uuid.New(), "192.0.2.9", 4001, "fp"); !errors.Is(err, lighthouse.ErrNotFound) {
			t.Fatalf("request to unknown endpoint: want ErrNotFound, got %v", err)
		}
		if err := svc.RequestConnection(ctx, target, "192.0.2.9", 4001, "first"); err != nil {
			t.Fatalf("RequestConnection: %v", err)
		}
		c.Advance(time.Second)
		if err := svc.RequestConnection(ctx, target, "192.0.2.10", 4002, "second"); err != nil {
			t.Fatalf("RequestConnection: %v", err)
		}

		got, err := svc.ListConnections(ctx, target)
		if err != nil {
			t.Fatalf("ListConnections: %v", err)
		}
		if len(got) != 2 || got[0].Fingerprint != "first" || got[1].Addr() != "192.0.2.10:4002" {
			t.Fatalf("ListConnections = %+v", got)
		}
		got, err = svc.ListConnections(ctx, target)
		if err != nil || len(got) != 0 {
			t.Fatalf("second ListConnections = %+v, %v", got, err)
		}
	})
}

func TestPendingConnectionExpires(t *testing.T) {
	eachStore(t, func(t *testing.T, st lighthouse.Store) {
		c := newClock()
		svc := newService(st, c)
		ctx := context.Background()
		target, _ := svc.RegisterEndpoint(ctx, "192.0.2.1", 4000)
		if err := svc.RequestConnection(ctx, target, "192.0.2.9", 4001, "fp"); err != nil {
			t.Fatalf("RequestConnection: %v", err)
		}

		c.Advance(time.Minute + time.Second)
		res, err := svc.Sweep(ctx, c.Now())
		if err != nil {
			t.Fatalf("Sweep: %v", err)
		}
		if res.Pending != 1 || res.Endpoints != 0 {
			t.Fatalf("Sweep = %+v, want one pending connection", res)
		}
		if got, _ := svc.ListConnections(ctx, target); len(got) != 0 {
			t.Fatalf("expired request still listed: %+v", got)
		}

		// expired but unswept requests are filtered too
		if err := svc.RequestConnection(ctx, target, "192.0.2.9", 4001, "fp"); err != nil {
			t.Fatalf("RequestConnection: %v", err)
		}
		c.Advance(2 * time.Minute)
		if got, _ := svc.ListConnections(ctx, target); len(got) != 0 {
			t.Fatalf("expired request still listed: %+v", got)
		}
	})
}

func TestRefreshedEndpointSurvivesSweeps(t *testing.T) {
	eachStore(t, func(t *testing.T, st lighthouse.Store) {
		c := newClock()
		svc := newService(st, c)
		ctx := context.Background()
		live, _ := svc.RegisterEndpoint(ctx, "192.0.2.1", 4000)
		dead, _ := svc.RegisterEndpoint(ctx, "192.0.2.2", 4000)

		for i := 0; i < 20; i++ {
			c.Advance(2 * time.Minute)
			if _, err := svc.RegisterEndpoint(ctx, "192.0.2.1", 4000); err != nil {
				t.Fatalf("refresh: %v", err)
			}
			if _, err := svc.Sweep(ctx, c.Now()); err != nil {
				t.Fatalf("Sweep: %v", err)
			}
			if _, err := st.Endpoint(ctx, live); err != nil {
				t.Fatalf("refreshed endpoint swept after %d rounds: %v", i+1, err)
			}
		}
		if _, err := st.Endpoint(ctx, dead); !errors.Is(err, lighthouse.ErrNotFound) {
			t.Fatalf("stale endpoint not swept: %v", err)
		}
	})
}

func TestDeleteEndpointCascades(t *testing.T) {
	eachStore(t, func(t *testing.T, st lighthouse.Store) {
		c := newClock()
		svc := newService(st, c)
		ctx := context.Background()

		gone, _ := svc.RegisterEndpoint(ctx, "192.0.2.1", 4000)
		kept, _ := svc.RegisterEndpoint(ctx, "192.0.2.2", 4000)
		for _, ep := range []uuid.UUID{gone, gone, kept} {
			if err := svc.AttachPubkey(ctx, ep, identity(t).Public().Bytes()); err != nil {
				t.Fatalf("AttachPubkey: %v", err)
			}
		}
		if err := svc.RequestConnection(ctx, gone, "192.0.2.3", 1, "x"); err != nil {
			t.Fatalf("RequestConnection: %v", err)
		}

		if err := svc.DeleteEndpoint(ctx, gone); err != nil {
			t.Fatalf("DeleteEndpoint: %v", err)
		}
		if got, want := stats(t, st), (lighthouse.Stats{Endpoints: 1, Pubkeys: 1}); got != want {
			t.Fatalf("after delete: %+v, want %+v", got, want)
		}
		if _, err := svc.EndpointKeys(ctx, gone); !errors.Is(err, lighthouse.ErrNotFound) {
			t.Fatalf("keys of deleted endpoint: %v", err)
		}
		if err := svc.DeleteEndpoint(ctx, gone); err != nil {
			t.Fatalf("second delete: %v", err)
		}
	})
}

func TestSweepCascades(t *testing.T) {
	eachStore(t, func(t *testing.T, st lighthouse.Store) {
		c := newClock()
		svc := newService(st, c)
		ctx := context.Background()
		ep, _ := svc.RegisterEndpoint(ctx, "192.0.2.1", 4000)
		for i := 0; i < 2; i++ {
			if err := svc.AttachPubkey(ctx, ep, identity(t).Public().Bytes()); err != nil {
				t.Fatalf("AttachPubkey: %v", err)
			}
		}
		c.Advance(4 * time.Minute)
		if err := svc.RequestConnection(ctx, ep, "192.0.2.3", 1, "x"); err != nil {
			t.Fatalf("RequestConnection: %v", err)
		}
		c.Advance(2 * time.Minute)

		res, err := svc.Sweep(ctx, c.Now())
		if err != nil {
			t.Fatalf("Sweep: %v", err)
		}
		if want := (lighthouse.SweepResult{Endpoints: 1, Pubkeys: 2, Pending: 1}); res != want {
			t.Fatalf("Sweep = %+v, want %+v", res, want)
		}
		if got := stats(t, st); got != (lighthouse.Stats{}) {
			t.Fatalf("orphans left: %+v", got)
		}
		if res, err := svc.Sweep(ctx, c.Now()); err != nil || res != (lighthouse.SweepResult{}) {
			t.Fatalf("second sweep = %+v, %v", res, err)
		}
	})
}

func TestRunStopsWithContext(t *testing.T) {
	svc := lighthouse.NewService(lighthouse.NewMemoryStore(), lighthouse.Config{SweepInterval: time.Millisecond}, nil, nil)
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- svc.Run(ctx) }()
	time.Sleep(10 * time.Millisecond)
	cancel()
	select {
	case err := <-done:
		if !errors.Is(err, context.Canceled) {
			t.Fatalf("Run returned %v", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("Run did not stop")
	}
}

func TestRegisterIssuesTokenUntilClaimed(t *testing.T) {
	eachStore(t, func(t *testing.T, st lighthouse.Store) {
		c := newClock()
		svc := newService(st, c)
		ctx := context.Background()
		alice, mallory := identity(t), identity(t)

		first, err := svc.Register(ctx, "192.0.2.9", 4000)
		if err != nil || first.Token == "" {
			t.Fatalf("Register = %+v, %v", first, err)
		}
		// a keyless endpoint rotates its token on every registration
		second, err := svc.Register(ctx, "192.0.2.9", 4000)
		if err != nil || second.ID != first.ID || second.Token == "" || second.Token == first.Token {
			t.Fatalf("second Register = %+v, %v", second, err)
		}
		stale := lighthouse.Prove(alice, lighthouse.OpAttach, first.ID, c.Now())
		if _, err := svc.AuthorizeAttach(ctx, first.ID, first.Token, stale); !errors.Is(err, lighthouse.ErrUnauthorized) {
			t.Fatalf("rotated-out token: want ErrUnauthorized, got %v", err)
		}

		p := lighthouse.Prove(alice, lighthouse.OpAttach, second.ID, c.Now())
		fp, err := svc.AuthorizeAttach(ctx, second.ID, second.Token, p)
		if err != nil || fp != crypto.FingerprintOf(alice.Public()) {
			t.Fatalf("AuthorizeAttach = %q, %v", fp, err)
		}
		if err := svc.AttachPubkey(ctx, second.ID, p.Pubkey); err != nil {
			t.Fatalf("AttachPubkey: %v", err)
		}

		third, err := svc.Register(ctx, "192.0.2.9", 4000)
		if err != nil || third.Token != "" {
			t.Fatalf("Register after attach = %+v, %v", third, err)
		}
		m := lighthouse.Prove(mallory, lighthouse.OpAttach, third.ID, c.Now())
		if _, err := svc.AuthorizeAttach(ctx, third.ID, third.Token, m); !errors.Is(err, lighthouse.ErrUnauthorized) {
			t.Fatalf("foreign attach: want ErrUnauthorized, got %v", err)
		}
		if _, err := svc.AuthorizeAttach(ctx, third.ID, "", p); err != nil {
			t.Fatalf("owner refresh: %v", err)
		}
	})
}
