package chaos

import (
	"context"
	"fmt"
	"path"
	"sync"
	"time"

	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"leasekit/lease"
)

// Backend decorates a lease.Backend, consulting the resolved Policy for
// each call and running its Strategy when the policy decides to inject.
// It is the only wrapping point this package needs: a Handle never holds
// a Backend reference of its own, so every renew/release a Handle issues
// already flows back through this same decorated Backend.
type Backend struct {
	inner    lease.Backend
	cfg      Config
	observer Observer
	logger   *zap.Logger

	rateMu  sync.Mutex
	limiter *rate.Limiter
}

// New validates cfg (when FailFastOnConfigErrors is set) and returns a
// Backend that wraps inner.
func New(inner lease.Backend, cfg Config, observer Observer, logger *zap.Logger) (*Backend, error) {
	if observer == nil {
		observer = NoopObserver{}
	}
	if logger == nil {
		logger = zap.NewNop()
	}

	errs, warnings := cfg.Validate()
	for _, w := range warnings {
		logger.Warn("chaos config warning", zap.String("warning", w))
	}
	if errs != nil && cfg.FailFastOnConfigErrors {
		return nil, fmt.Errorf("chaos: invalid config: %w", errs)
	}

	b := &Backend{
		inner:    inner,
		cfg:      cfg,
		observer: observer,
		logger:   logger.Named("lease.chaos"),
	}
	if cfg.MaxFaultRate > 0 {
		window := cfg.RateLimitWindow
		if window <= 0 {
			window = time.Second
		}
		b.limiter = rate.NewLimiter(rate.Limit(cfg.MaxFaultRate/window.Seconds()), int(cfg.MaxFaultRate)+1)
	}
	return b, nil
}

func (b *Backend) buildContext(op Operation, resourceName, leaseID string, attempt int) *FaultContext {
	metadata := make(map[string]string, len(b.cfg.GlobalMetadata))
	for k, v := range b.cfg.GlobalMetadata {
		metadata[k] = v
	}
	return &FaultContext{
		Operation:       op,
		ResourceName:    resourceName,
		LeaseID:         leaseID,
		Attempt:         attempt,
		ProviderName:    b.cfg.ProviderName,
		Metadata:        metadata,
		EnvironmentTags: append([]string(nil), b.cfg.EnvironmentTags...),
	}
}

func (b *Backend) matchesPatterns(patterns []string, resourceName string) bool {
	if len(patterns) == 0 {
		return true
	}
	for _, p := range patterns {
		if ok, _ := path.Match(p, resourceName); ok {
			return true
		}
	}
	return false
}

func (b *Backend) allowRate() bool {
	if b.limiter == nil {
		return true
	}
	return b.limiter.Allow()
}

// consult resolves the policy for op, applies name/condition filters and
// the global rate cap, and, if it decides to inject, runs the
// strategy. Returns an error only when a strategy actually faulted; that
// error must propagate out of the wrapped call unchanged.
func (b *Backend) consult(ctx context.Context, op Operation, fctx *FaultContext) error {
	enabled, policy := b.cfg.resolve(op)
	if !enabled || policy == nil {
		safeObserve(func() { b.observer.OnSkip(fctx, "operation disabled or no policy configured") }, b.logger)
		return nil
	}

	if oc, ok := b.cfg.PerOperation[op]; ok {
		if !b.matchesPatterns(oc.LeaseNamePatterns, fctx.ResourceName) {
			safeObserve(func() { b.observer.OnSkip(fctx, "resource name did not match configured patterns") }, b.logger)
			return nil
		}
		for _, cond := range oc.Conditions {
			if !cond(fctx) {
				safeObserve(func() { b.observer.OnSkip(fctx, "condition rejected fault") }, b.logger)
				return nil
			}
		}
	}

	inject, strategy := policy.Decide(fctx)
	safeObserve(func() { b.observer.OnDecision(fctx, inject) }, b.logger)
	if !inject || strategy == nil {
		return nil
	}

	if !b.allowRate() {
		safeObserve(func() { b.observer.OnSkip(fctx, "fault rate limit exceeded") }, b.logger)
		return nil
	}

	if !strategy.CanExecute(fctx) {
		safeObserve(func() { b.observer.OnSkip(fctx, "strategy declined to execute") }, b.logger)
		return nil
	}

	safeObserve(func() { b.observer.OnPreExecute(fctx, strategy) }, b.logger)
	err := strategy.Execute(ctx, fctx)
	if err != nil {
		safeObserve(func() { b.observer.OnExecuteFailure(fctx, strategy, err) }, b.logger)
		return err
	}
	safeObserve(func() { b.observer.OnPostExecute(fctx, strategy) }, b.logger)
	return nil
}

func safeObserve(fn func(), logger *zap.Logger) {
	defer func() {
		if r := recover(); r != nil {
			logger.Warn("chaos observer panicked", zap.Any("recover", r))
		}
	}()
	fn()
}

func (b *Backend) Acquire(ctx context.Context, name string, duration time.Duration) (*lease.Record, error) {
	fctx := b.buildContext(OpAcquire, name, "", 1)
	if err := b.consult(ctx, OpAcquire, fctx); err != nil {
		return nil, err
	}
	return b.inner.Acquire(ctx, name, duration)
}

func (b *Backend) Renew(ctx context.Context, name, leaseID string) (time.Time, error) {
	fctx := b.buildContext(OpRenew, name, leaseID, 1)
	if err := b.consult(ctx, OpRenew, fctx); err != nil {
		return time.Time{}, err
	}
	return b.inner.Renew(ctx, name, leaseID)
}

func (b *Backend) Release(ctx context.Context, name, leaseID string) error {
	fctx := b.buildContext(OpRelease, name, leaseID, 1)
	if err := b.consult(ctx, OpRelease, fctx); err != nil {
		return err
	}
	return b.inner.Release(ctx, name, leaseID)
}

func (b *Backend) Break(ctx context.Context, name string) error {
	fctx := b.buildContext(OpBreak, name, "", 1)
	if err := b.consult(ctx, OpBreak, fctx); err != nil {
		return err
	}
	return b.inner.Break(ctx, name)
}

var _ lease.Backend = (*Backend)(nil)
