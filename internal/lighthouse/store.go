package lighthouse

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
)

var (
	// ErrNotFound reports a missing endpoint or identity.
	ErrNotFound = errors.New("lighthouse: not found")
	// ErrInvalid reports a malformed request.
	ErrInvalid = errors.New("lighthouse: invalid request")
	// ErrUnauthorized reports a missing, stale or foreign request proof.
	ErrUnauthorized = errors.New("lighthouse: unauthorized")
	// ErrRateLimited reports a client over its request budget.
	ErrRateLimited = errors.New("lighthouse: rate limited")
)

// StorageError wraps a backend failure. Storage errors are transient:
// callers may retry the operation.
type StorageError struct {
	Op  string
	Err error
}

func (e *StorageError) Error() string {
	return fmt.Sprintf("lighthouse: storage %s: %v", e.Op, e.Err)
}

func (e *StorageError) Unwrap() error { return e.Err }

// Temporary is always true.
func (e *StorageError) Temporary() bool { return true }

// Store persists lighthouse records. Deleting an endpoint removes its
// pubkeys and pending connections in the same step. Deletes of missing
// rows succeed.
type Store interface {
	// RegisterEndpoint creates the endpoint for ip:port or refreshes its
	// LastUpdate. Concurrent first registrations yield one endpoint.
	RegisterEndpoint(ctx context.Context, ip string, port int, now time.Time) (Endpoint, error)
	Endpoint(ctx context.Context, id uuid.UUID) (Endpoint, error)
	// ClaimEndpoint sets the token hash of id while no pubkey is attached
	// to it, and reports whether it did.
	ClaimEndpoint(ctx context.Context, id uuid.UUID, tokenHash []byte) (bool, error)
	// AttachPubkey adds k, or refreshes the key already stored for the
	// same (fingerprint, endpoint). ErrNotFound if the endpoint is gone.
	AttachPubkey(ctx context.Context, k Pubkey) error
	EndpointKeys(ctx context.Context, id uuid.UUID) ([]Pubkey, error)
	// AddPending stores p. ErrNotFound if its endpoint is gone.
	AddPending(ctx context.Context, p PendingConnection) error
	// TakePending removes and returns every pending connection of id,
	// oldest first.
	TakePending(ctx context.Context, id uuid.UUID) ([]PendingConnection, error)
	// Locate returns the freshest endpoint holding fingerprint.
	Locate(ctx context.Context, fingerprint string) (Location, error)
	// Locations lists every attached identity with its endpoint.
	Locations(ctx context.Context) ([]Location, error)
	// DeleteEndpoint cascades to the endpoint's pubkeys and pending
	// connections. It reports whether the endpoint existed.
	DeleteEndpoint(ctx context.Context, id uuid.UUID) (bool, error)
	// Sweep deletes endpoints last updated before staleBefore (with their
	// children) and pending connections created before pendingBefore.
	Sweep(ctx context.Context, staleBefore, pendingBefore time.Time) (SweepResult, error)
	Stats(ctx context.Context) (Stats, error)
	Close() error
}
