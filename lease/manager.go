package lease

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"
)

// ManagerConfig configures a Manager. The host assembles this struct and
// passes it in at construction; the library never reads configuration
// files or the environment itself.
type ManagerConfig struct {
	// AutoRenew enables the background renewal engine (L3) for handles
	// acquired with a finite duration. Ignored for Forever leases.
	AutoRenew bool

	// Renewal parameterises the auto-renewal engine when AutoRenew is
	// set. If its Interval is zero, the whole config is replaced by
	// DefaultRenewalConfig(duration) per acquisition.
	Renewal RenewalConfig

	// AcquireRetryInterval is the delay between try_acquire attempts
	// inside Acquire's blocking retry loop.
	AcquireRetryInterval time.Duration

	// OwnerTag is attached to every lease this manager acquires. When
	// empty, DefaultOwnerTag() is used.
	OwnerTag string

	// Logger receives structured events. Defaults to a no-op logger.
	Logger *zap.Logger
}

// DefaultManagerConfig returns sane defaults: auto-renew on, a 1s retry
// interval, and a process-derived owner tag.
func DefaultManagerConfig() ManagerConfig {
	return ManagerConfig{
		AutoRenew:            true,
		AcquireRetryInterval: 1 * time.Second,
		OwnerTag:             DefaultOwnerTag(),
	}
}

// Manager is the front-end coordinator (L4): it validates inputs, applies
// the blocking-acquire retry/timeout policy, and constructs handles from
// whatever the backend driver returns. A Manager owns its Backend
// exclusively for the manager's lifetime.
type Manager struct {
	backend Backend
	cfg     ManagerConfig
	logger  *zap.Logger
}

// NewManager constructs a Manager over the given backend driver.
func NewManager(backend Backend, cfg ManagerConfig) *Manager {
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	if cfg.OwnerTag == "" {
		cfg.OwnerTag = DefaultOwnerTag()
	}
	return &Manager{
		backend: backend,
		cfg:     cfg,
		logger:  logger.Named("lease.manager"),
	}
}

func validateAcquireInputs(name string, duration time.Duration) error {
	if name == "" {
		return fmt.Errorf("resource name must not be empty")
	}
	if duration != InfiniteDuration && duration <= 0 {
		return fmt.Errorf("duration must be positive or InfiniteDuration, got %s", duration)
	}
	return nil
}

// TryAcquire delegates directly to the backend and translates only
// store-side errors, never ordinary competition: a nil handle and nil
// error together mean the resource is currently held elsewhere.
func (m *Manager) TryAcquire(ctx context.Context, name string, duration time.Duration) (*Handle, error) {
	if err := validateAcquireInputs(name, duration); err != nil {
		return nil, err
	}
	normalized := NormalizeResourceName(name)

	effectiveDuration := duration
	var rec *Record
	var err error
	if duration == InfiniteDuration {
		rec, err = m.backend.Acquire(ctx, normalized, InfiniteDuration)
	} else {
		rec, err = m.backend.Acquire(ctx, normalized, duration)
	}
	if err != nil {
		if errors.Is(err, ErrLeaseConflict) {
			return nil, nil
		}
		return nil, err
	}
	if rec == nil {
		return nil, nil
	}

	ops := renewCloser{
		renew: func(ctx context.Context) (time.Time, error) {
			return m.backend.Renew(ctx, normalized, rec.LeaseID)
		},
		release: func(ctx context.Context) error {
			return m.backend.Release(ctx, normalized, rec.LeaseID)
		},
	}

	h := newHandle(normalized, m.cfg.OwnerTag, rec, ops, m.logger)

	if m.cfg.AutoRenew && effectiveDuration != InfiniteDuration && !IsForever(rec.ExpiresAt) {
		renewalCfg := m.cfg.Renewal
		if renewalCfg.Interval == 0 {
			renewalCfg = DefaultRenewalConfig(effectiveDuration)
		}
		if err := renewalCfg.Validate(effectiveDuration); err != nil {
			_ = m.backend.Release(ctx, normalized, rec.LeaseID)
			return nil, fmt.Errorf("acquire %q: %w", name, err)
		}
		engine := startRenewalEngine(ctx, h, renewalCfg, rec.AcquiredAt, effectiveDuration, m.logger)
		h.attachEngine(engine)
	}

	return h, nil
}

// Acquire loops TryAcquire at cfg.AcquireRetryInterval until success or
// timeout elapses (timeout == InfiniteDuration means wait forever; any
// other negative timeout is rejected). Competition outcomes
// (nil handle, nil error) are retried silently; unexpected backend errors
// are wrapped in ErrLeaseAcquisition and returned. Each sleep is clamped
// to the remaining budget, and the whole loop honours ctx cancellation.
func (m *Manager) Acquire(ctx context.Context, name string, duration, timeout time.Duration) (*Handle, error) {
	if err := validateAcquireInputs(name, duration); err != nil {
		return nil, err
	}
	if timeout != InfiniteDuration && timeout < 0 {
		return nil, fmt.Errorf("timeout must be non-negative or InfiniteDuration, got %s", timeout)
	}

	deadline := time.Now().Add(timeout)
	hasDeadline := timeout != InfiniteDuration

	for {
		h, err := m.TryAcquire(ctx, name, duration)
		if err != nil {
			return nil, fmt.Errorf("acquire %q: %w", name, errors.Join(ErrLeaseAcquisition, err))
		}
		if h != nil {
			return h, nil
		}

		if hasDeadline {
			remaining := time.Until(deadline)
			if remaining <= 0 {
				return nil, fmt.Errorf("acquire %q: %w: timed out after %s", name, ErrLeaseAcquisition, timeout)
			}
			sleep := m.cfg.AcquireRetryInterval
			if sleep > remaining {
				sleep = remaining
			}
			select {
			case <-ctx.Done():
				return nil, ctx.Err()
			case <-time.After(sleep):
			}
			continue
		}

		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(m.cfg.AcquireRetryInterval):
		}
	}
}

// Break force-releases name regardless of current ownership.
func (m *Manager) Break(ctx context.Context, name string) error {
	if name == "" {
		return fmt.Errorf("resource name must not be empty")
	}
	return m.backend.Break(ctx, NormalizeResourceName(name))
}
