// Package crypto exposes the minimal primitives used by string peers.
//
// Contents
//
//   - X25519 key generation and Diffie-Hellman (GenerateX25519,
//     X25519PublicFrom, DH)
//   - Ed25519 key generation, signing and verification (GenerateEd25519,
//     SignEd25519, VerifyEd25519)
//   - Long-term identities combining both (NewIdentity, WipeIdentity)
//   - Public-key fingerprints used as peer identifiers (Fingerprint,
//     FingerprintOf)
//
// # Notes
//
// All functions return fixed-size array types defined in internal/domain to
// avoid accidental reallocations. Callers should treat returned secrets as
// sensitive and wipe them with internal/util/memzero when practical.
package crypto
