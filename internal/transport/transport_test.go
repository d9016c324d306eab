package transport_test

import (
	"bytes"
	"context"
	"errors"
	"io"
	"testing"
	"time"

	"stringcomm/internal/crypto"
	"stringcomm/internal/domain"
	"stringcomm/internal/transport"
)

func exchange(t *testing.T, a, b transport.Conn) {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	for _, msg := range [][]byte{[]byte("hello"), bytes.Repeat([]byte{7}, 64<<10)} {
		if err := a.Send(ctx, msg); err != nil {
			t.Fatalf("Send: %v", err)
		}
		got, err := b.Recv(ctx)
		if err != nil {
			t.Fatalf("Recv: %v", err)
		}
		if !bytes.Equal(got, msg) {
			t.Fatalf("received %d bytes, want %d", len(got), len(msg))
		}
	}
}

func TestPipe(t *testing.T) {
	a, b := transport.Pipe()
	exchange(t, a, b)
	exchange(t, b, a)

	ctx := context.Background()
	if err := a.Send(ctx, []byte("last")); err != nil {
		t.Fatalf("Send: %v", err)
	}
	a.Close()
	if got, err := b.Recv(ctx); err != nil || string(got) != "last" {
		t.Fatalf("pending packet lost on close: %q, %v", got, err)
	}
	if _, err := b.Recv(ctx); !errors.Is(err, io.EOF) {
		t.Fatalf("want io.EOF after remote close, got %v", err)
	}
	if err := b.Send(ctx, []byte("x")); !errors.Is(err, transport.ErrClosed) {
		t.Fatalf("want ErrClosed, got %v", err)
	}
}

func TestPipeRecvHonoursContext(t *testing.T) {
	a, _ := transport.Pipe()
	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	if _, err := a.Recv(ctx); !errors.Is(err, context.DeadlineExceeded) {
		t.Fatalf("want DeadlineExceeded, got %v", err)
	}
}

func TestQUICLoopback(t *testing.T) {
	server, err := crypto.NewIdentity()
	if err != nil {
		t.Fatalf("NewIdentity: %v", err)
	}
	client, err := crypto.NewIdentity()
	if err != nil {
		t.Fatalf("NewIdentity: %v", err)
	}
	l, err := transport.Listen("127.0.0.1:0", server)
	if err != nil {
		t.Fatalf("Listen: %v", err)
	}
	defer l.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	accepted := make(chan transport.Conn, 1)
	go func() {
		c, err := l.Accept(ctx)
		if err != nil {
			t.Errorf("Accept: %v", err)
			close(accepted)
			return
		}
		accepted <- c
	}()

	d, err := transport.NewDialer(client)
	if err != nil {
		t.Fatalf("NewDialer: %v", err)
	}
	out, err := d.Dial(ctx, l.Addr().String())
	if err != nil {
		t.Fatalf("Dial: %v", err)
	}
	// the listener only sees the stream once the dialer has written
	if err := out.Send(ctx, []byte("hi")); err != nil {
		t.Fatalf("Send: %v", err)
	}
	in, ok := <-accepted
	if !ok {
		t.Fatal("no inbound connection")
	}
	if got, err := in.Recv(ctx); err != nil || string(got) != "hi" {
		t.Fatalf("first packet %q, %v", got, err)
	}

	exchange(t, out, in)
	exchange(t, in, out)

	// each side sees the other's identity key in its TLS certificate
	for _, tc := range []struct {
		conn transport.Conn
		want domain.Ed25519Public
	}{{out, server.Public().Ed}, {in, client.Public().Ed}} {
		pk, ok := tc.conn.(transport.PeerKeyer)
		if !ok {
			t.Fatalf("%T does not expose the peer key", tc.conn)
		}
		if got := pk.PeerKey(); !bytes.Equal(got, tc.want[:]) {
			t.Fatalf("PeerKey = %x, want %x", got, tc.want)
		}
	}

	out.Close()
	if _, err := in.Recv(ctx); !errors.Is(err, io.EOF) {
		t.Fatalf("want io.EOF after remote close, got %v", err)
	}
	in.Close()
}
