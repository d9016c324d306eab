// Package app wires the string node for the CLI.
//
// NewWire builds the file stores and the lighthouse client from Config.
// Open unlocks the identity, binds the QUIC listener and assembles the
// node together with its metrics registry; Run then drives the node and
// the optional admin endpoint until the context ends.
package app
