// Package gossip floods application packets and routes signed envelopes
// across the peer mesh.
//
// Every record carries an id and a hop budget (TTL). The router keeps a
// bounded LRU of ids it has processed; a record seen again through another
// path is dropped. A new record is delivered to the local node first and
// only then forwarded, so TTL bounds network load rather than delivery.
// By default a record goes to every connected neighbour except the one it
// came from; a positive Fanout caps that at a random subset per record.
package gossip
