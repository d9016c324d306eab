package app

import (
	"stringcomm/internal/lighthouse"
	"stringcomm/internal/services/identity"
	"stringcomm/internal/store"
)

// Wire bundles the stores and clients the commands share.
type Wire struct {
	IDs        *identity.Service
	Identity   *store.IdentityFileStore
	Keys       *store.KeyFileStore
	Messages   *store.MessageFileStore
	Lighthouse *lighthouse.Client
}

// NewWire constructs the dependency graph from cfg. Lighthouse is nil when
// no lighthouse URL is configured.
func NewWire(cfg Config) *Wire {
	ids := store.NewIdentityFileStore(cfg.Node.Home)
	w := &Wire{
		IDs:      identity.New(ids),
		Identity: ids,
		Keys:     store.NewKeyFileStore(cfg.Node.Home),
		Messages: store.NewMessageFileStore(cfg.Node.Home),
	}
	if cfg.Node.Lighthouse != "" {
		w.Lighthouse = lighthouse.NewClient(cfg.Node.Lighthouse)
		if cfg.HTTP != nil {
			w.Lighthouse.HTTP = cfg.HTTP
		}
	}
	return w
}
