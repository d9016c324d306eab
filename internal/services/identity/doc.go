// Package identity creates and unlocks the node's long-term identity.
//
// Keys are generated fresh on Generate and sealed under the passphrase by
// the backing domain.IdentityStore. A passphrase must pass a strength check
// before anything is written.
package identity
