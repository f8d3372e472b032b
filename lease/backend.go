package lease

import (
	"context"
	"time"
)

// Record is what a backend driver hands back on a successful acquire or
// renew: the facts a Handle needs to track its own lifecycle. Backends
// never return a Handle themselves; the manager constructs that from a
// Record plus the closures that bind the Record's lease id back to this
// backend.
type Record struct {
	// LeaseID is the opaque ownership token presented on every
	// subsequent renew/release.
	LeaseID string

	// AcquiredAt is when the store accepted this acquisition.
	AcquiredAt time.Time

	// ExpiresAt is the current expiry; Forever for infinite-duration
	// leases.
	ExpiresAt time.Time
}

// Backend is the contract every store-specific driver (server-lease,
// document-CAS, atomic-KV) implements. All three normalise their native
// store responses to this shape and to the error taxonomy in errors.go.
//
// Competition for a resource ("someone else holds it") is conveyed by a
// nil Record and a nil error; it is not an error condition. Only
// unexpected failures return a non-nil error.
type Backend interface {
	// Acquire attempts to claim name for duration (or Forever). Returns
	// (nil, nil) when the resource is currently held elsewhere.
	Acquire(ctx context.Context, name string, duration time.Duration) (*Record, error)

	// Renew extends the lease identified by leaseID on name, returning
	// the new expiry. Fails with ErrLeaseLost if the store no longer
	// recognises leaseID.
	Renew(ctx context.Context, name, leaseID string) (time.Time, error)

	// Release relinquishes the lease identified by leaseID on name.
	// Idempotent: succeeds whether or not the lease still exists or is
	// still owned by leaseID.
	Release(ctx context.Context, name, leaseID string) error

	// Break force-releases name regardless of current ownership.
	// Idempotent.
	Break(ctx context.Context, name string) error
}
