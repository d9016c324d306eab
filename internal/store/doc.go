// Package store persists a node's local state as files under its home
// directory.
//
//   - IdentityFileStore: the long-term identity, sealed with a
//     scrypt-derived ChaCha20-Poly1305 key.
//   - KeyFileStore: public identities of peers met so far.
//   - MessageFileStore: channels and their message history.
//
// Every write goes through a temp file and a rename, so a crash leaves
// either the old or the new file in place. All methods are safe for
// concurrent use.
package store
