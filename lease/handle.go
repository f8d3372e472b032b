package lease

import (
	"context"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"
)

// State is a Handle's position in its {Held, Released, Lost} lifecycle.
type State int

const (
	// Held is the only state in which renew/release reach the backend.
	Held State = iota
	// Released is terminal: release() was called successfully, or the
	// handle was torn down by its owner.
	Released
	// Lost is terminal: the renewal engine gave up, or the backend
	// reported an ownership mismatch.
	Lost
)

func (s State) String() string {
	switch s {
	case Held:
		return "held"
	case Released:
		return "released"
	case Lost:
		return "lost"
	default:
		return "unknown"
	}
}

// RenewedFunc is invoked after each successful renewal made by the
// auto-renewal engine. A successful manual Renew increments the renewal
// count but does not invoke it.
type RenewedFunc func(newExpiry time.Time, elapsed time.Duration)

// RenewalFailedFunc is invoked after any failed renewal attempt, including
// ones that will be retried.
type RenewalFailedFunc func(attempt int, err error, willRetry bool)

// LostFunc is invoked exactly once, when the handle transitions to Lost.
type LostFunc func(reason string, lastGoodRenewal time.Time)

// renewCloser is the pair of backend-bound closures a Handle needs. The
// manager constructs these from whichever Backend produced the Record, so
// the Handle itself never holds a Backend reference: composition instead
// of a base type holding a polymorphic driver.
type renewCloser struct {
	renew   func(ctx context.Context) (time.Time, error)
	release func(ctx context.Context) error
}

// Handle is a single acquisition of a named resource (L2). It tracks
// identity and timestamps, serialises renew/release through an internal
// mutex, and, when constructed with auto-renew enabled on a finite
// duration, owns a background renewal engine (L3).
type Handle struct {
	resourceName string
	leaseID      string
	ownerTag     string

	mu         sync.Mutex
	acquiredAt time.Time
	expiresAt  time.Time
	renewCount int
	state      State

	ops    renewCloser
	engine *renewalEngine

	subsMu        sync.Mutex
	onRenewed     []RenewedFunc
	onRenewalFail []RenewalFailedFunc
	onLost        []LostFunc
	lastGoodRenew time.Time
	lostOnce      sync.Once
	logger        *zap.Logger
}

// newHandle is called by the manager once a backend Acquire succeeds.
func newHandle(resourceName, ownerTag string, rec *Record, ops renewCloser, logger *zap.Logger) *Handle {
	if logger == nil {
		logger = zap.NewNop()
	}
	h := &Handle{
		resourceName:  resourceName,
		leaseID:       rec.LeaseID,
		ownerTag:      ownerTag,
		acquiredAt:    rec.AcquiredAt,
		expiresAt:     rec.ExpiresAt,
		lastGoodRenew: rec.AcquiredAt,
		state:         Held,
		ops:           ops,
		logger:        logger.Named("lease.handle").With(zap.String("resource", resourceName)),
	}
	return h
}

// ResourceName returns the normalised resource name this handle claims.
func (h *Handle) ResourceName() string { return h.resourceName }

// LeaseID returns the opaque ownership token presented to the backend.
// Exposed so callers that want to use it as a fencing token may do so;
// the core itself never treats it as one.
func (h *Handle) LeaseID() string { return h.leaseID }

// OwnerTag returns the free-form metadata label attached at acquisition.
func (h *Handle) OwnerTag() string { return h.ownerTag }

// IsAcquired reports whether the handle is Held and not yet expired.
func (h *Handle) IsAcquired() bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.state == Held && time.Now().Before(h.expiresAt)
}

// ExpiresAt returns the current expiry timestamp.
func (h *Handle) ExpiresAt() time.Time {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.expiresAt
}

// AcquiredAt returns when this handle was first acquired.
func (h *Handle) AcquiredAt() time.Time {
	return h.acquiredAt
}

// RenewalCount returns the number of successful renewals so far.
func (h *Handle) RenewalCount() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.renewCount
}

// State returns the handle's current lifecycle state.
func (h *Handle) State() State {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.state
}

// OnRenewed subscribes to successful-renewal events. Subscription is
// one-sender, many-receiver: multiple callbacks may be registered and all
// fire in registration order. A callback that panics is recovered and
// discarded; it must never reach the renewal engine.
func (h *Handle) OnRenewed(fn RenewedFunc) {
	h.subsMu.Lock()
	defer h.subsMu.Unlock()
	h.onRenewed = append(h.onRenewed, fn)
}

// OnRenewalFailed subscribes to per-attempt renewal failure events.
func (h *Handle) OnRenewalFailed(fn RenewalFailedFunc) {
	h.subsMu.Lock()
	defer h.subsMu.Unlock()
	h.onRenewalFail = append(h.onRenewalFail, fn)
}

// OnLost subscribes to the terminal loss event. Fires at most once.
func (h *Handle) OnLost(fn LostFunc) {
	h.subsMu.Lock()
	defer h.subsMu.Unlock()
	h.onLost = append(h.onLost, fn)
}

func (h *Handle) fireRenewed(newExpiry time.Time, elapsed time.Duration) {
	h.subsMu.Lock()
	subs := append([]RenewedFunc(nil), h.onRenewed...)
	h.subsMu.Unlock()
	for _, fn := range subs {
		safeCall(func() { fn(newExpiry, elapsed) }, h.logger)
	}
}

func (h *Handle) fireRenewalFailed(attempt int, err error, willRetry bool) {
	h.subsMu.Lock()
	subs := append([]RenewalFailedFunc(nil), h.onRenewalFail...)
	h.subsMu.Unlock()
	for _, fn := range subs {
		safeCall(func() { fn(attempt, err, willRetry) }, h.logger)
	}
}

func (h *Handle) fireLost(reason string, lastGood time.Time) {
	h.lostOnce.Do(func() {
		h.subsMu.Lock()
		subs := append([]LostFunc(nil), h.onLost...)
		h.subsMu.Unlock()
		for _, fn := range subs {
			safeCall(func() { fn(reason, lastGood) }, h.logger)
		}
	})
}

// safeCall recovers any panic from an event handler; handlers must never
// be able to bring down the renewal loop that calls them.
func safeCall(fn func(), logger *zap.Logger) {
	defer func() {
		if r := recover(); r != nil {
			logger.Warn("lease event handler panicked", zap.Any("recover", r))
		}
	}()
	fn()
}

// attachEngine wires the renewal engine started for this handle. Called
// by the manager immediately after newHandle when auto-renew applies.
func (h *Handle) attachEngine(e *renewalEngine) {
	h.engine = e
}

// Renew performs a manual renewal. Serialised against both other manual
// calls and the background engine via the handle's mutex, so a manual
// renew can never race the engine's own attempt. Renewing a handle that
// was explicitly Released returns ErrObjectDisposed; renewing one that
// transitioned to Lost returns ErrLeaseLost: the two are distinct
// causes even though neither can renew again.
func (h *Handle) Renew(ctx context.Context) error {
	h.mu.Lock()
	defer h.mu.Unlock()

	switch h.state {
	case Released:
		return fmt.Errorf("renew %q: %w", h.resourceName, ErrObjectDisposed)
	case Lost:
		return fmt.Errorf("renew %q: %w", h.resourceName, ErrLeaseLost)
	}

	newExpiry, err := h.ops.renew(ctx)
	if err != nil {
		return err
	}

	h.expiresAt = newExpiry
	h.renewCount++
	h.lastGoodRenew = time.Now()
	return nil
}

// Release relinquishes the handle. Idempotent: release on an already
// Released or Lost handle is a silent no-op. The renewal engine is
// signalled to stop without waiting for it to exit, so a release issued
// from inside a renewal callback can't deadlock against itself, and only
// then does the backend release happen. Backend errors during release
// are always swallowed; the lease will simply expire.
func (h *Handle) Release(ctx context.Context) error {
	h.mu.Lock()
	if h.state != Held {
		h.mu.Unlock()
		return nil
	}
	h.state = Released
	engine := h.engine
	h.mu.Unlock()

	if engine != nil {
		engine.stop()
	}

	if err := h.ops.release(ctx); err != nil {
		h.logger.Warn("release suppressed backend error", zap.Error(err))
	}
	return nil
}

// markLost transitions the handle to Lost before the lost event is raised,
// so any release triggered synchronously from within an observer is
// already a no-op by the time it runs. Called only by the renewal engine.
func (h *Handle) markLost(reason string) {
	h.mu.Lock()
	if h.state != Held {
		h.mu.Unlock()
		return
	}
	h.state = Lost
	lastGood := h.lastGoodRenew
	h.mu.Unlock()

	h.fireLost(reason, lastGood)
}
