package app

import (
	"net/http"

	"stringcomm/internal/config"
	"stringcomm/internal/gossip"
	"stringcomm/internal/node"
)

// Config holds runtime wiring options for building the app.
type Config struct {
	Node       config.Node
	Passphrase string
	HTTP       *http.Client // optional; lighthouse client default otherwise
}

// nodeConfig maps the loaded settings onto the node, with port being the
// bound listener port.
func (c Config) nodeConfig(port int) node.Config {
	nc := node.DefaultConfig()
	nc.Name = c.Node.Name
	nc.AdvertiseIP = c.Node.AdvertiseIP
	nc.AdvertisePort = port
	if c.Node.Heartbeat > 0 {
		nc.Heartbeat = c.Node.Heartbeat
	}
	if c.Node.PeerExchange > 0 {
		nc.PeerExchange = c.Node.PeerExchange
	}
	if c.Node.TargetPeers > 0 {
		nc.TargetPeers = c.Node.TargetPeers
	}
	if g := c.Node.Gossip; g.TTL > 0 {
		nc.Gossip = gossip.Config{TTL: g.TTL, Fanout: g.Fanout, CacheSize: g.CacheSize}
	}
	if s := c.Node.Session; s.HandshakeTimeout > 0 {
		nc.Session.HandshakeTimeout = s.HandshakeTimeout
	}
	if s := c.Node.Session; s.MaxFailures > 0 {
		nc.Session.MaxFailures = s.MaxFailures
	}
	return nc
}
