package lighthouse

import (
	"context"
	"errors"
	"fmt"
	"net/netip"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"stringcomm/internal/crypto"
	"stringcomm/internal/domain"
)

// Config tunes record lifetimes.
type Config struct {
	// EndpointTTL is the staleness threshold: an endpoint not refreshed
	// for this long is swept with everything attached to it.
	EndpointTTL time.Duration
	// PendingTTL bounds how long an unconsumed connection request lives.
	PendingTTL time.Duration
	// SweepInterval is the period of Run.
	SweepInterval time.Duration
	// ClockSkew bounds the age of signed requests.
	ClockSkew time.Duration
	// Now overrides the clock in tests.
	Now func() time.Time
}

func DefaultConfig() Config {
	return Config{
		EndpointTTL:   5 * time.Minute,
		PendingTTL:    2 * time.Minute,
		SweepInterval: 30 * time.Second,
		ClockSkew:     5 * time.Minute,
	}
}

// Service implements the rendezvous operations on top of a Store.
type Service struct {
	store   Store
	cfg     Config
	metrics *Metrics
	log     *zap.Logger
}

func NewService(store Store, cfg Config, m *Metrics, log *zap.Logger) *Service {
	def := DefaultConfig()
	if cfg.EndpointTTL <= 0 {
		cfg.EndpointTTL = def.EndpointTTL
	}
	if cfg.PendingTTL <= 0 {
		cfg.PendingTTL = def.PendingTTL
	}
	if cfg.SweepInterval <= 0 {
		cfg.SweepInterval = def.SweepInterval
	}
	if cfg.ClockSkew <= 0 {
		cfg.ClockSkew = def.ClockSkew
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	if log == nil {
		log = zap.NewNop()
	}
	return &Service{store: store, cfg: cfg, metrics: m, log: log.Named("lighthouse")}
}

func (s *Service) now() time.Time { return s.cfg.Now().UTC() }

// Registration is the outcome of registering an endpoint.
type Registration struct {
	ID uuid.UUID
	// Token lets a new identity attach to the endpoint. It is only issued
	// while no identity is attached yet.
	Token string
}

// RegisterEndpoint creates or refreshes the endpoint for ip:port.
func (s *Service) RegisterEndpoint(ctx context.Context, ip string, port int) (uuid.UUID, error) {
	r, err := s.Register(ctx, ip, port)
	return r.ID, err
}

// Register creates or refreshes the endpoint for ip:port and, while the
// endpoint has no identity attached, issues a fresh attach token.
func (s *Service) Register(ctx context.Context, ip string, port int) (Registration, error) {
	addr, err := netip.ParseAddr(ip)
	if err != nil {
		return Registration{}, fmt.Errorf("%w: ip %q", ErrInvalid, ip)
	}
	if port <= 0 || port > 65535 {
		return Registration{}, fmt.Errorf("%w: port %d", ErrInvalid, port)
	}
	e, err := s.store.RegisterEndpoint(ctx, addr.Unmap().String(), port, s.now())
	if err != nil {
		return Registration{}, err
	}
	tok, hash, err := newToken()
	if err != nil {
		return Registration{}, err
	}
	claimed, err := s.store.ClaimEndpoint(ctx, e.ID, hash)
	if err != nil {
		return Registration{}, err
	}
	if !claimed {
		tok = ""
	}
	s.log.Debug("endpoint registered", zap.Stringer("id", e.ID), zap.String("addr", e.Addr()), zap.Bool("token", claimed))
	return Registration{ID: e.ID, Token: tok}, nil
}

// AttachPubkey records that the identity encoded in pubkey is reachable at
// endpoint id.
func (s *Service) AttachPubkey(ctx context.Context, id uuid.UUID, pubkey []byte) error {
	pub, err := domain.ParsePublicIdentity(pubkey)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrInvalid, err)
	}
	fp := crypto.FingerprintOf(pub)
	err = s.store.AttachPubkey(ctx, Pubkey{
		ID:          uuid.New(),
		Fingerprint: fp,
		EndpointID:  id,
		Key:         pub.Bytes(),
		CreatedAt:   s.now(),
	})
	if err != nil {
		return err
	}
	s.log.Debug("pubkey attached", zap.Stringer("endpoint", id), zap.String("fingerprint", fp))
	return nil
}

// RequestConnection asks the owner of target to dial ip:port, where
// fingerprint is waiting.
func (s *Service) RequestConnection(ctx context.Context, target uuid.UUID, ip string, port int, fingerprint string) error {
	addr, err := netip.ParseAddr(ip)
	if err != nil {
		return fmt.Errorf("%w: ip %q", ErrInvalid, ip)
	}
	if port <= 0 || port > 65535 {
		return fmt.Errorf("%w: port %d", ErrInvalid, port)
	}
	if fingerprint == "" {
		return fmt.Errorf("%w: empty fingerprint", ErrInvalid)
	}
	return s.store.AddPending(ctx, PendingConnection{
		ID:          uuid.New(),
		EndpointID:  target,
		IP:          addr.Unmap().String(),
		Port:        port,
		Fingerprint: fingerprint,
		CreatedAt:   s.now(),
	})
}

// ListConnections consumes the pending connections of id. Requests older
// than PendingTTL are discarded even if no sweep has run yet.
func (s *Service) ListConnections(ctx context.Context, id uuid.UUID) ([]PendingConnection, error) {
	all, err := s.store.TakePending(ctx, id)
	if err != nil {
		return nil, err
	}
	cutoff := s.now().Add(-s.cfg.PendingTTL)
	out := all[:0]
	for _, p := range all {
		if p.CreatedAt.Before(cutoff) {
			continue
		}
		out = append(out, p)
	}
	return out, nil
}

// Lookup finds the freshest live endpoint of fingerprint.
func (s *Service) Lookup(ctx context.Context, fingerprint string) (Location, error) {
	loc, err := s.store.Locate(ctx, fingerprint)
	if err != nil {
		return Location{}, err
	}
	if s.stale(loc.LastUpdate) {
		return Location{}, ErrNotFound
	}
	return loc, nil
}

// Peers lists every live identity, for bootstrapping a node's directory.
func (s *Service) Peers(ctx context.Context) ([]Location, error) {
	all, err := s.store.Locations(ctx)
	if err != nil {
		return nil, err
	}
	out := all[:0]
	for _, l := range all {
		if !s.stale(l.LastUpdate) {
			out = append(out, l)
		}
	}
	return out, nil
}

// EndpointKeys lists the identities attached to id.
func (s *Service) EndpointKeys(ctx context.Context, id uuid.UUID) ([]Pubkey, error) {
	return s.store.EndpointKeys(ctx, id)
}

// DeleteEndpoint removes id with its pubkeys and pending connections.
// Deleting an unknown endpoint succeeds.
func (s *Service) DeleteEndpoint(ctx context.Context, id uuid.UUID) error {
	existed, err := s.store.DeleteEndpoint(ctx, id)
	if err != nil {
		return err
	}
	if existed {
		s.log.Info("endpoint deleted", zap.Stringer("id", id))
	}
	return nil
}

func (s *Service) stale(lastUpdate time.Time) bool {
	return lastUpdate.Before(s.now().Add(-s.cfg.EndpointTTL))
}

// Sweep expires records relative to now.
func (s *Service) Sweep(ctx context.Context, now time.Time) (SweepResult, error) {
	res, err := s.store.Sweep(ctx, now.Add(-s.cfg.EndpointTTL), now.Add(-s.cfg.PendingTTL))
	if err != nil {
		return res, err
	}
	s.metrics.RecordSweep(res)
	if st, err := s.store.Stats(ctx); err == nil {
		s.metrics.SetStats(st)
	}
	if res != (SweepResult{}) {
		s.log.Info("sweep",
			zap.Int("endpoints", res.Endpoints),
			zap.Int("pubkeys", res.Pubkeys),
			zap.Int("pending", res.Pending))
	}
	return res, nil
}

// Run sweeps every SweepInterval until ctx is done. Sweep failures are
// logged and retried on the next tick.
func (s *Service) Run(ctx context.Context) error {
	t := time.NewTicker(s.cfg.SweepInterval)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-t.C:
			if _, err := s.Sweep(ctx, s.now()); err != nil && !errors.Is(err, context.Canceled) {
				s.log.Warn("sweep failed", zap.Error(err))
			}
		}
	}
}
