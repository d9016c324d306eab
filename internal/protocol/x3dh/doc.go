// Package x3dh implements the X3DH-style key agreement that bootstraps a
// session between two string peers.
//
// # Overview
//
// There are no published prekey bundles. Each side contributes its
// long-term X25519 identity key and a fresh ephemeral key carried in a
// signed DRKeyExchange:
//
//	initiator:  DRKeyExchange{dh_pubkey: EKA}
//	responder:  DRKeyExchange{dh_pubkey: EKB, dr_pubkey: DRB}
//
// # Flows
//
// Both sides compute the DH set (IKA·EKB, EKA·IKB, EKA·EKB) from their own
// point of view and HKDF the concatenated transcript to an identical 32-byte
// root key. The responder's dr_pubkey is then mixed in once with
// MixRatchetKey; it is not rotated afterwards, so later forward secrecy
// comes from the symmetric ratchet alone.
//
// # Security notes
//
// Only public material is sent over the wire. Signatures over the exchange
// are checked by the caller before any DH is computed. Intermediate DH
// outputs are wiped once the root is derived.
package x3dh
