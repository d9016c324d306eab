package transport

import (
	"context"
	"io"
	"sync"
)

type pipeConn struct {
	name   string
	in     <-chan []byte
	out    chan<- []byte
	closed chan struct{}
	remote <-chan struct{}
	once   sync.Once
}

// Pipe returns two connected in-memory Conns.
func Pipe() (Conn, Conn) {
	ab := make(chan []byte, 64)
	ba := make(chan []byte, 64)
	aClosed, bClosed := make(chan struct{}), make(chan struct{})
	a := &pipeConn{name: "pipe-a", in: ba, out: ab, closed: aClosed, remote: bClosed}
	b := &pipeConn{name: "pipe-b", in: ab, out: ba, closed: bClosed, remote: aClosed}
	return a, b
}

func (p *pipeConn) Send(ctx context.Context, packet []byte) error {
	select {
	case <-p.closed:
		return ErrClosed
	case <-p.remote:
		return ErrClosed
	default:
	}
	buf := append([]byte(nil), packet...)
	select {
	case p.out <- buf:
		return nil
	case <-p.closed:
		return ErrClosed
	case <-p.remote:
		return ErrClosed
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (p *pipeConn) Recv(ctx context.Context) ([]byte, error) {
	select {
	case b := <-p.in:
		return b, nil
	case <-p.closed:
		return nil, ErrClosed
	case <-p.remote:
		// drain what the remote sent before closing
		select {
		case b := <-p.in:
			return b, nil
		default:
			return nil, io.EOF
		}
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// RemoteAddr names the other end; pipes have no network address.
func (p *pipeConn) RemoteAddr() string {
	if p.name == "pipe-a" {
		return "pipe-b"
	}
	return "pipe-a"
}

func (p *pipeConn) Close() error {
	p.once.Do(func() { close(p.closed) })
	return nil
}
