package transport

import (
	"context"
	"crypto/ed25519"
	"errors"
)

// ErrClosed reports use of a connection after Close.
var ErrClosed = errors.New("transport: connection closed")

// Conn carries whole encoded packets between two peers. Send and Recv may
// be called from different goroutines; Send is safe for concurrent use.
type Conn interface {
	Send(ctx context.Context, packet []byte) error
	// Recv returns the next packet, or io.EOF once the remote side has
	// closed.
	Recv(ctx context.Context) ([]byte, error)
	RemoteAddr() string
	Close() error
}

// Dialer opens outbound connections.
type Dialer interface {
	Dial(ctx context.Context, addr string) (Conn, error)
}

// PeerKeyer is implemented by connections whose own handshake already
// authenticated the remote's signing key. PeerKey is nil when the remote
// presented none.
type PeerKeyer interface {
	PeerKey() ed25519.PublicKey
}
