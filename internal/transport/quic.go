package transport

import (
	"context"
	"crypto/ed25519"
	"crypto/tls"
	"crypto/x509"
	"crypto/x509/pkix"
	"errors"
	"fmt"
	"io"
	"math/big"
	"net"
	"sync"
	"time"

	quic "github.com/quic-go/quic-go"

	"stringcomm/internal/crypto"
	"stringcomm/internal/domain"
	"stringcomm/internal/wire"
)

// ALPN identifies the protocol on the QUIC handshake.
const ALPN = "string/1"

type zeroReader struct{}

func (zeroReader) Read(p []byte) (int, error) {
	for i := range p {
		p[i] = 0
	}
	return len(p), nil
}

// identityCert builds a self-signed certificate from the identity's
// signing key. Nobody verifies the chain; instead the link handshake checks
// that the certificate key is the one the peer claims (see PeerKey).
func identityCert(id domain.Identity) (tls.Certificate, error) {
	priv := ed25519.PrivateKey(id.EdPriv[:])
	template := x509.Certificate{
		SerialNumber: big.NewInt(1),
		Subject:      pkix.Name{CommonName: crypto.FingerprintOf(id.Public())},
		NotBefore:    time.Unix(0, 0),
		NotAfter:     time.Unix(0, 0).Add(100 * 365 * 24 * time.Hour),
		KeyUsage:     x509.KeyUsageDigitalSignature,
		ExtKeyUsage:  []x509.ExtKeyUsage{x509.ExtKeyUsageServerAuth, x509.ExtKeyUsageClientAuth},
	}
	der, err := x509.CreateCertificate(zeroReader{}, &template, &template, priv.Public(), priv)
	if err != nil {
		return tls.Certificate{}, fmt.Errorf("transport: certificate: %w", err)
	}
	return tls.Certificate{Certificate: [][]byte{der}, PrivateKey: priv}, nil
}

func quicConfig() *quic.Config {
	return &quic.Config{
		KeepAlivePeriod: 15 * time.Second,
		MaxIdleTimeout:  time.Minute,
	}
}

// Listener accepts QUIC connections.
type Listener struct {
	ql *quic.Listener
}

// Listen binds addr (host:port, port 0 picks one).
func Listen(addr string, id domain.Identity) (*Listener, error) {
	cert, err := identityCert(id)
	if err != nil {
		return nil, err
	}
	ql, err := quic.ListenAddr(addr, &tls.Config{
		Certificates: []tls.Certificate{cert},
		NextProtos:   []string{ALPN},
		MinVersion:   tls.VersionTLS13,
		ClientAuth:   tls.RequireAnyClientCert,
	}, quicConfig())
	if err != nil {
		return nil, fmt.Errorf("transport: listen %s: %w", addr, err)
	}
	return &Listener{ql: ql}, nil
}

// Accept waits for the next peer. It returns once the peer has opened its
// stream and written to it.
func (l *Listener) Accept(ctx context.Context) (Conn, error) {
	for {
		qc, err := l.ql.Accept(ctx)
		if err != nil {
			return nil, err
		}
		s, err := qc.AcceptStream(ctx)
		if err != nil {
			_ = qc.CloseWithError(1, "no stream")
			if ctx.Err() != nil {
				return nil, ctx.Err()
			}
			continue
		}
		return newQUICConn(qc, s), nil
	}
}

func (l *Listener) Addr() net.Addr { return l.ql.Addr() }

func (l *Listener) Close() error { return l.ql.Close() }

// QUICDialer dials peers as one identity.
type QUICDialer struct {
	tls *tls.Config
}

func NewDialer(id domain.Identity) (*QUICDialer, error) {
	cert, err := identityCert(id)
	if err != nil {
		return nil, err
	}
	return &QUICDialer{tls: &tls.Config{
		Certificates:       []tls.Certificate{cert},
		NextProtos:         []string{ALPN},
		MinVersion:         tls.VersionTLS13,
		InsecureSkipVerify: true,
	}}, nil
}

// Dial connects to addr and opens the packet stream.
func (d *QUICDialer) Dial(ctx context.Context, addr string) (Conn, error) {
	qc, err := quic.DialAddr(ctx, addr, d.tls.Clone(), quicConfig())
	if err != nil {
		return nil, fmt.Errorf("transport: dial %s: %w", addr, err)
	}
	s, err := qc.OpenStreamSync(ctx)
	if err != nil {
		_ = qc.CloseWithError(1, "open stream")
		return nil, fmt.Errorf("transport: open stream to %s: %w", addr, err)
	}
	return newQUICConn(qc, s), nil
}

type quicConn struct {
	qc     *quic.Conn
	stream *quic.Stream

	sendMu sync.Mutex
	once   sync.Once
}

func newQUICConn(qc *quic.Conn, s *quic.Stream) *quicConn {
	return &quicConn{qc: qc, stream: s}
}

func (c *quicConn) Send(ctx context.Context, packet []byte) error {
	c.sendMu.Lock()
	defer c.sendMu.Unlock()
	if err := c.qc.Context().Err(); err != nil {
		return ErrClosed
	}
	stop := context.AfterFunc(ctx, func() { _ = c.stream.SetWriteDeadline(time.Now()) })
	defer stop()
	defer func() { _ = c.stream.SetWriteDeadline(time.Time{}) }()
	if err := wire.WriteFrame(c.stream, packet); err != nil {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		return err
	}
	return nil
}

func (c *quicConn) Recv(ctx context.Context) ([]byte, error) {
	stop := context.AfterFunc(ctx, func() { _ = c.stream.SetReadDeadline(time.Now()) })
	defer stop()
	defer func() { _ = c.stream.SetReadDeadline(time.Time{}) }()
	b, err := wire.ReadFrame(c.stream)
	if err == nil {
		return b, nil
	}
	if ctx.Err() != nil {
		return nil, ctx.Err()
	}
	var appErr *quic.ApplicationError
	if errors.Is(err, io.EOF) || errors.As(err, &appErr) {
		return nil, io.EOF
	}
	return nil, err
}

// PeerKey returns the signing key of the remote's TLS certificate.
func (c *quicConn) PeerKey() ed25519.PublicKey {
	certs := c.qc.ConnectionState().TLS.PeerCertificates
	if len(certs) == 0 {
		return nil
	}
	pub, _ := certs[0].PublicKey.(ed25519.PublicKey)
	return pub
}

func (c *quicConn) RemoteAddr() string { return c.qc.RemoteAddr().String() }

func (c *quicConn) Close() error {
	c.once.Do(func() {
		_ = c.stream.Close()
		_ = c.qc.CloseWithError(0, "bye")
	})
	return nil
}
