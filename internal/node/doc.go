// Package node runs one participant of the string mesh.
//
// A Node keeps a link per neighbour. Each link opens with a
// PeerPubKeyExchange, after which the lower fingerprint starts the session
// handshake. All further traffic on a link is a gossip record carrying a
// signed envelope; application packets ride inside it encrypted under the
// link's session, so flooded messages are re-encrypted on every hop.
//
// The chat API (Send, ListChannels, ListMessages, CreateChannel, Events) is
// what a UI binds to. With a lighthouse configured the node also registers
// itself, publishes its key and answers pending connection requests.
package node
