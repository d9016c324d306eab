// Package engine authenticates, encrypts and decrypts the traffic carried
// inside SignedPacket envelopes.
//
// Every envelope is signed with the sender's Ed25519 identity over the
// canonical encoding of its SignedPacketInternal. Handle verifies the
// signature against the declared source before looking at the payload:
//
//   - PubKeyRequest / PubKeyReply exchange identities. A reply is accepted
//     only if the carried key hashes to the claimed owner fingerprint.
//   - DRKeyExchange runs the handshake (Initiate on our side, an automatic
//     answer on theirs) and leaves both sessions Active.
//   - EncryptedPacket is opened under the peer's ratchet and decoded into a
//     wire.Packet.
//
// A signature that verifies under some other known identity, or a crypto
// payload that fails to parse or authenticate, closes the session with that
// peer. Replays and gaps beyond the skip window only drop the packet.
//
// Session state lives in a session.Table; the engine never touches a State
// outside its actor.
package engine
