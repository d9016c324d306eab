// Package transport moves encoded packets between peers.
//
// The production binding is QUIC: one connection per peer pair with a
// single bidirectional stream, each packet written as a wire frame. TLS
// uses a self-signed certificate derived from the node identity; peer
// authentication is left to the signed envelopes above this layer.
//
// Pipe provides an in-memory pair for tests.
package transport
