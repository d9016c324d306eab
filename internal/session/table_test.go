package session_test

import (
	"bytes"
	"errors"
	"sync"
	"testing"
	"time"

	"stringcomm/internal/crypto"
	"stringcomm/internal/domain"
	"stringcomm/internal/protocol/ratchet"
	"stringcomm/internal/session"
)

func ephemeral(t *testing.T) (domain.X25519Private, domain.X25519Public) {
	t.Helper()
	priv, pub, err := crypto.GenerateX25519()
	if err != nil {
		t.Fatalf("GenerateX25519: %v", err)
	}
	return priv, pub
}

func newRatchet(t *testing.T) *ratchet.State {
	t.Helper()
	r, err := ratchet.New(bytes.Repeat([]byte{1}, 32), true)
	if err != nil {
		t.Fatalf("ratchet.New: %v", err)
	}
	return r
}

func TestGetOrCreateIsAtomic(t *testing.T) {
	tbl := session.NewTable(session.DefaultConfig(), nil)
	const n = 64
	got := make([]*session.Session, n)
	var wg sync.WaitGroup
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			got[i] = tbl.GetOrCreate("peer")
		}(i)
	}
	wg.Wait()
	for i := 1; i < n; i++ {
		if got[i] != got[0] {
			t.Fatal("concurrent GetOrCreate produced distinct sessions")
		}
	}
	if tbl.Len() != 1 {
		t.Fatalf("want 1 session, got %d", tbl.Len())
	}
}

func TestMutationsAreSerialised(t *testing.T) {
	tbl := session.NewTable(session.DefaultConfig(), nil)
	s := tbl.GetOrCreate("peer")

	counter := 0 // only touched inside the actor
	var order []int
	var wg sync.WaitGroup
	for i := 0; i < 200; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			s.Do(func(*session.State) { counter++ })
		}()
	}
	wg.Wait()
	for i := 0; i < 10; i++ {
		i := i
		s.Go(func(*session.State) { order = append(order, i) })
	}
	s.Do(func(*session.State) {})
	if counter != 200 {
		t.Fatalf("want 200 increments, got %d", counter)
	}
	for i, v := range order {
		if v != i {
			t.Fatalf("queued actions ran out of order: %v", order)
		}
	}
}

func TestLifecycle(t *testing.T) {
	tbl := session.NewTable(session.DefaultConfig(), nil)
	s := tbl.GetOrCreate("peer")
	priv, pub := ephemeral(t)

	s.Do(func(st *session.State) {
		if err := st.Activate(newRatchet(t)); !errors.Is(err, session.ErrInvalidTransition) {
			t.Errorf("Activate from Uninitiated: want ErrInvalidTransition, got %v", err)
		}
		if err := st.BeginHandshake(priv, pub); err != nil {
			t.Errorf("BeginHandshake: %v", err)
		}
		if err := st.BeginHandshake(priv, pub); !errors.Is(err, session.ErrInvalidTransition) {
			t.Errorf("second BeginHandshake: want ErrInvalidTransition, got %v", err)
		}
		if st.Ratchet() != nil {
			t.Error("ratchet visible before Active")
		}
		if err := st.Verify(); err != nil {
			t.Errorf("Verify: %v", err)
		}
		if err := st.Activate(newRatchet(t)); err != nil {
			t.Errorf("Activate: %v", err)
		}
		if _, _, ok := st.Ephemeral(); ok {
			t.Error("ephemeral key kept after Activate")
		}
		if st.Ratchet() == nil {
			t.Error("no ratchet when Active")
		}
	})
	if got := s.Status(); got != session.Active {
		t.Fatalf("want Active, got %s", got)
	}

	s.Do(func(st *session.State) { st.Close(errors.New("bad signature")) })
	if got := tbl.Status("peer"); got != session.Closed {
		t.Fatalf("want Closed, got %s", got)
	}
	// Closed only leaves through an explicit re-initiation
	s.Do(func(st *session.State) {
		if err := st.Verify(); !errors.Is(err, session.ErrInvalidTransition) {
			t.Errorf("Verify from Closed: want ErrInvalidTransition, got %v", err)
		}
		if err := st.BeginHandshake(ephemeral(t)); err != nil {
			t.Errorf("BeginHandshake from Closed: %v", err)
		}
	})
}

func TestHandshakeTimeoutResets(t *testing.T) {
	cfg := session.Config{HandshakeTimeout: 20 * time.Millisecond, MaxFailures: 5}
	tbl := session.NewTable(cfg, nil)
	s := tbl.GetOrCreate("peer")
	s.Do(func(st *session.State) {
		if err := st.BeginHandshake(ephemeral(t)); err != nil {
			t.Errorf("BeginHandshake: %v", err)
		}
	})

	deadline := time.Now().Add(2 * time.Second)
	for s.Status() != session.Uninitiated {
		if time.Now().After(deadline) {
			t.Fatal("handshake never timed out")
		}
		time.Sleep(5 * time.Millisecond)
	}
	s.Do(func(st *session.State) {
		if !errors.Is(st.LastError(), session.ErrHandshakeTimeout) {
			t.Errorf("want ErrHandshakeTimeout, got %v", st.LastError())
		}
		if _, _, ok := st.Ephemeral(); ok {
			t.Error("ephemeral key survived timeout")
		}
		if err := st.BeginHandshake(ephemeral(t)); err != nil {
			t.Errorf("retry after timeout: %v", err)
		}
	})
}

func TestCompletedHandshakeDoesNotTimeOut(t *testing.T) {
	cfg := session.Config{HandshakeTimeout: 20 * time.Millisecond, MaxFailures: 5}
	tbl := session.NewTable(cfg, nil)
	s := tbl.GetOrCreate("peer")
	s.Do(func(st *session.State) {
		_ = st.BeginHandshake(ephemeral(t))
		_ = st.Verify()
		_ = st.Activate(newRatchet(t))
	})
	time.Sleep(60 * time.Millisecond)
	if got := s.Status(); got != session.Active {
		t.Fatalf("want Active, got %s", got)
	}
}

func TestRepeatedFailuresClose(t *testing.T) {
	tbl := session.NewTable(session.Config{MaxFailures: 3}, nil)
	s := tbl.GetOrCreate("peer")
	boom := errors.New("boom")
	for i := 1; i <= 3; i++ {
		s.Do(func(st *session.State) {
			_ = st.BeginHandshake(ephemeral(t))
			st.Fail(boom)
		})
		want := session.Uninitiated
		if i == 3 {
			want = session.Closed
		}
		if got := s.Status(); got != want {
			t.Fatalf("after %d failures: want %s, got %s", i, want, got)
		}
	}
}

func TestRemoveWipes(t *testing.T) {
	tbl := session.NewTable(session.DefaultConfig(), nil)
	s := tbl.GetOrCreate("peer")
	s.Do(func(st *session.State) {
		_ = st.BeginHandshake(ephemeral(t))
	})
	tbl.Remove("peer")
	tbl.Remove("peer") // idempotent
	if _, ok := tbl.Get("peer"); ok {
		t.Fatal("session still in table")
	}
	s.Do(func(st *session.State) {
		if st.Status() != session.Closed {
			t.Errorf("removed session is %s", st.Status())
		}
		if _, _, ok := st.Ephemeral(); ok {
			t.Error("ephemeral key survived Remove")
		}
		if !errors.Is(st.LastError(), session.ErrRemoved) {
			t.Errorf("want ErrRemoved, got %v", st.LastError())
		}
	})
	if tbl.GetOrCreate("peer") == s {
		t.Fatal("removed session was reused")
	}
}
