// Package lighthouse implements the rendezvous service that lets string
// peers find each other.
//
// A node registers its public endpoint (ip:port) and attaches the identity
// keys reachable there. Other nodes look an identity up by fingerprint, or,
// when they cannot dial it, leave a PendingConnection that the owner
// consumes on its next poll and answers by dialling back.
//
// Records expire. Endpoints not refreshed within Config.EndpointTTL are
// swept together with their pubkeys and pending connections, and pending
// connections older than Config.PendingTTL are dropped on their own.
// Deletes are idempotent.
//
// Two Store implementations are provided: MemoryStore and SQLStore (gorm on
// pure-Go SQLite). The HTTP API (NewHandler) and Client speak JSON; the
// attach, listconns and wipe calls carry an Ed25519 Proof over the
// operation, endpoint and a timestamp.
package lighthouse
