// Package directory keeps the in-memory view of known peers: their
// endpoints, public keys and whether we currently hold a connection to
// them. It is refreshed from SendAvailablePeers replies and the lighthouse,
// and supplies the gossip router with its fanout.
package directory
