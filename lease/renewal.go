package lease

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/go-playground/validator/v10"
	"go.uber.org/zap"
)

var renewalConfigValidator = validator.New()

// RenewalConfig parameterises the auto-renewal engine (L3). Field names
// follow the scheduling algorithm's own notation: D = lease duration,
// I = Interval, S = SafetyThreshold * D, R = MaxRetries, B = BaseBackoff.
type RenewalConfig struct {
	// Interval is how long the engine waits between renewal attempts.
	// Recommended default: 2*D/3.
	Interval time.Duration

	// SafetyThreshold is the fraction of D, measured from the last
	// successful renewal (or the acquisition), past which renewal is
	// refused and the handle is marked Lost. Must be in [0.5, 0.95];
	// default 0.9.
	SafetyThreshold float64 `validate:"gte=0.5,lte=0.95"`

	// MaxRetries is the number of retries after the first attempt
	// fails transiently (R+1 attempts total per scheduled renewal).
	MaxRetries int `validate:"gte=0"`

	// BaseBackoff is the base of the exponential retry backoff:
	// delay = BaseBackoff * 2^(attempt-1), clamped to whatever remains
	// of the safety window.
	BaseBackoff time.Duration
}

// DefaultRenewalConfig derives I = 2D/3 and the default safety threshold
// for a lease of the given duration.
func DefaultRenewalConfig(duration time.Duration) RenewalConfig {
	return RenewalConfig{
		Interval:        duration * 2 / 3,
		SafetyThreshold: 0.9,
		MaxRetries:      3,
		BaseBackoff:     200 * time.Millisecond,
	}
}

// Validate enforces the scheduling algorithm's rejection rules:
// I >= D, I >= S, and B > (D - I) are all invalid.
func (c RenewalConfig) Validate(duration time.Duration) error {
	if err := renewalConfigValidator.Struct(c); err != nil {
		return fmt.Errorf("renewal config: %w", err)
	}
	safetyWindow := time.Duration(float64(duration) * c.SafetyThreshold)
	if c.Interval >= duration {
		return fmt.Errorf("renewal config: interval %s >= duration %s", c.Interval, duration)
	}
	if c.Interval >= safetyWindow {
		return fmt.Errorf("renewal config: interval %s >= safety window %s", c.Interval, safetyWindow)
	}
	if c.BaseBackoff > duration-c.Interval {
		return fmt.Errorf("renewal config: base_backoff %s > (duration - interval) %s", c.BaseBackoff, duration-c.Interval)
	}
	return nil
}

// renewalEngine is the background loop owned exclusively by one Handle.
// It never holds a Backend reference directly; it drives renewal purely
// through the Handle's own Renew method, which is already serialised
// against manual renewals.
type renewalEngine struct {
	handle       *Handle
	cfg          RenewalConfig
	safetyWindow time.Duration
	acquiredAt   time.Time
	logger       *zap.Logger

	cancel  context.CancelFunc
	done    chan struct{}
	stopped sync.Once
}

// startRenewalEngine launches the engine goroutine and returns its
// handle. The manager calls this only when auto-renew was requested and
// the lease duration is finite.
func startRenewalEngine(ctx context.Context, h *Handle, cfg RenewalConfig, acquiredAt time.Time, duration time.Duration, logger *zap.Logger) *renewalEngine {
	if logger == nil {
		logger = zap.NewNop()
	}
	runCtx, cancel := context.WithCancel(ctx)
	e := &renewalEngine{
		handle:       h,
		cfg:          cfg,
		safetyWindow: time.Duration(float64(duration) * cfg.SafetyThreshold),
		acquiredAt:   acquiredAt,
		logger:       logger.Named("lease.renewal").With(zap.String("resource", h.ResourceName())),
		cancel:       cancel,
		done:         make(chan struct{}),
	}
	go e.run(runCtx)
	return e
}

// stop signals the engine to exit without waiting for it to do so: a
// release issued from inside a renewal callback must not deadlock against
// its own goroutine.
func (e *renewalEngine) stop() {
	e.stopped.Do(func() {
		e.cancel()
	})
}

func (e *renewalEngine) run(ctx context.Context) {
	defer close(e.done)

	lastAttempt := e.acquiredAt
	lastGood := e.acquiredAt

	for {
		sleepFor := time.Until(lastAttempt.Add(e.cfg.Interval))
		if sleepFor > 0 {
			select {
			case <-ctx.Done():
				return
			case <-time.After(sleepFor):
			}
		}
		if ctx.Err() != nil {
			return
		}
		if e.handle.State() != Held {
			return
		}

		if time.Since(lastGood) >= e.safetyWindow {
			e.handle.markLost("safety threshold exceeded")
			return
		}

		expiry, ok := e.attemptRenewal(ctx, lastGood.Add(e.safetyWindow))
		if !ok {
			return
		}
		lastAttempt = time.Now()
		lastGood = lastAttempt
		_ = expiry
	}
}

// attemptRenewal runs the retry-with-backoff sequence for a single
// scheduled renewal. Returns (newExpiry, true) on success, or
// (zero, false) if the handle transitioned out of Held (lost or
// cancelled) during the sequence.
func (e *renewalEngine) attemptRenewal(ctx context.Context, safetyDeadline time.Time) (time.Time, bool) {
	maxAttempts := e.cfg.MaxRetries + 1

	for attempt := 1; attempt <= maxAttempts; attempt++ {
		start := time.Now()
		err := e.handle.Renew(ctx)
		if err == nil {
			newExpiry := e.handle.ExpiresAt()
			e.handle.fireRenewed(newExpiry, time.Since(start))
			return newExpiry, true
		}

		if ctx.Err() != nil {
			// Cancellation is not a fault: exit quietly without
			// raising lost.
			return time.Time{}, false
		}

		lost := errors.Is(err, ErrLeaseLost)
		willRetry := !lost && attempt < maxAttempts

		e.handle.fireRenewalFailed(attempt, err, willRetry)

		if lost {
			e.handle.markLost(fmt.Sprintf("backend reported loss: %v", err))
			return time.Time{}, false
		}

		if !willRetry {
			e.handle.markLost(fmt.Sprintf("renewal failed after %d retries", e.cfg.MaxRetries))
			return time.Time{}, false
		}

		delay := e.cfg.BaseBackoff * time.Duration(1<<uint(attempt-1))
		if remaining := time.Until(safetyDeadline); delay > remaining {
			delay = remaining
		}
		if delay < 0 {
			e.handle.markLost("safety threshold exceeded during retry backoff")
			return time.Time{}, false
		}

		select {
		case <-ctx.Done():
			return time.Time{}, false
		case <-time.After(delay):
		}
	}

	e.handle.markLost(fmt.Sprintf("renewal failed after %d retries", e.cfg.MaxRetries))
	return time.Time{}, false
}
