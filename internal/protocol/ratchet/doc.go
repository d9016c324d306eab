// Package ratchet implements the symmetric ratchet used after the handshake.
//
// Both sides derive a sending and a receiving chain from the session root.
// Every message steps the sending chain through a one-way HKDF, so a chain
// key captured at index k gives no access to messages before k. There is no
// DH re-keying: the single ratchet public key is mixed in once by the
// handshake (see package x3dh).
//
// Each ciphertext is prefixed with its 4-byte big-endian chain index. The
// receiver steps forward to that index, caching keys it skips in a
// fixed-capacity cache that evicts the oldest index first. A cached key is
// deleted once used, so replays fail with ErrStale.
//
// Concurrency: State is NOT safe for concurrent use. Callers must serialise
// access per peer.
package ratchet
