// Package session tracks the per-peer handshake lifecycle.
//
//	Uninitiated -> HandshakeSent -> HandshakeVerified -> Active
//	      any   -> Closed (explicit close, or too many failures)
//
// A Table maps fingerprints to Sessions. Each Session is a phony actor, so
// lookups and creation are atomic and mutations for one peer never overlap.
// A handshake left unanswered for Config.HandshakeTimeout fails back to
// Uninitiated; key material is wiped on every exit from Active or
// HandshakeSent.
package session
