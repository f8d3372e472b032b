package chaos_test

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"leasekit/lease"
	"leasekit/lease/chaos"
)

type stubBackend struct {
	acquireCalls int
}

func (s *stubBackend) Acquire(ctx context.Context, name string, duration time.Duration) (*lease.Record, error) {
	s.acquireCalls++
	now := time.Now()
	return &lease.Record{LeaseID: "stub", AcquiredAt: now, ExpiresAt: now.Add(duration)}, nil
}

func (s *stubBackend) Renew(ctx context.Context, name, leaseID string) (time.Time, error) {
	return time.Now().Add(time.Second), nil
}

func (s *stubBackend) Release(ctx context.Context, name, leaseID string) error { return nil }
func (s *stubBackend) Break(ctx context.Context, name string) error           { return nil }

func TestChaosBackend_DeterministicAcquireRetry(t *testing.T) {
	inner := &stubBackend{}
	strategy := chaos.NewExceptionStrategy("boom", "injected", "synthetic failure")
	policy := chaos.NewDeterministicFailFirstN("fail-first-3", 3, strategy)

	cfg := chaos.Config{
		Enabled: true,
		PerOperation: map[chaos.Operation]chaos.OperationConfig{
			chaos.OpAcquire: {Policy: policy},
		},
	}

	b, err := chaos.New(inner, cfg, nil, nil)
	require.NoError(t, err)

	var lastErr error
	var rec *lease.Record
	for i := 0; i < 4; i++ {
		rec, lastErr = b.Acquire(context.Background(), "res", 30*time.Second)
		if lastErr == nil {
			break
		}
	}

	require.NoError(t, lastErr)
	require.NotNil(t, rec)
	// The three injected faults return before the wrapped backend is
	// called, so only the fourth attempt reaches it.
	assert.Equal(t, 1, inner.acquireCalls)
}

func TestChaosBackend_DisabledNeverInjects(t *testing.T) {
	inner := &stubBackend{}
	strategy := chaos.NewExceptionStrategy("boom", "injected", "synthetic failure")
	policy := chaos.NewDeterministicFailFirstN("fail-all", 1000, strategy)

	cfg := chaos.Config{
		Enabled:       false,
		DefaultPolicy: policy,
	}

	b, err := chaos.New(inner, cfg, nil, nil)
	require.NoError(t, err)

	_, err = b.Acquire(context.Background(), "res", 30*time.Second)
	assert.NoError(t, err)
}

func TestChaosBackend_ManagerAcquireRetriesSimulatedConflict(t *testing.T) {
	inner := &stubBackend{}
	strategy := chaos.NewExceptionStrategy("boom", chaos.KindConflict, "synthetic competition")
	policy := chaos.NewDeterministicFailFirstN("fail-first-3", 3, strategy)

	cfg := chaos.Config{
		Enabled: true,
		PerOperation: map[chaos.Operation]chaos.OperationConfig{
			chaos.OpAcquire: {Policy: policy},
		},
	}

	b, err := chaos.New(inner, cfg, nil, nil)
	require.NoError(t, err)

	mgrCfg := lease.DefaultManagerConfig()
	mgrCfg.AutoRenew = false
	mgrCfg.AcquireRetryInterval = 5 * time.Millisecond
	m := lease.NewManager(b, mgrCfg)

	h, err := m.Acquire(context.Background(), "res", 30*time.Second, lease.InfiniteDuration)
	require.NoError(t, err, "a simulated-conflict fault must be swallowed and retried, never surfaced as LeaseAcquisition")
	require.NotNil(t, h)
	// The three injected faults return before the wrapped backend is
	// called, so only the fourth attempt reaches it.
	assert.Equal(t, 1, inner.acquireCalls)
}

func TestChaosBackend_FailFastOnConfigErrors(t *testing.T) {
	inner := &stubBackend{}
	badSeed := int64(-1)
	policy := chaos.NewProbabilisticPolicy("bad", 0.5, &badSeed)

	cfg := chaos.Config{
		Enabled:                true,
		DefaultPolicy:          policy,
		FailFastOnConfigErrors: true,
	}

	_, err := chaos.New(inner, cfg, nil, nil)
	require.Error(t, err)
}
