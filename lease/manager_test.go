package lease_test

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"leasekit/lease"
)

func newTestManager(backend lease.Backend) *lease.Manager {
	cfg := lease.DefaultManagerConfig()
	cfg.AutoRenew = false
	cfg.AcquireRetryInterval = 5 * time.Millisecond
	return lease.NewManager(backend, cfg)
}

func TestTryAcquire_BasicAcquireRelease(t *testing.T) {
	backend := newFakeBackend()
	m := newTestManager(backend)
	ctx := context.Background()

	h, err := m.TryAcquire(ctx, "res-a", 30*time.Second)
	require.NoError(t, err)
	require.NotNil(t, h)
	assert.True(t, h.IsAcquired())
	assert.WithinDuration(t, h.AcquiredAt().Add(30*time.Second), h.ExpiresAt(), 50*time.Millisecond)

	require.NoError(t, h.Release(ctx))
	assert.False(t, h.IsAcquired())

	h2, err := m.TryAcquire(ctx, "res-a", 30*time.Second)
	require.NoError(t, err)
	require.NotNil(t, h2, "resource should be acquirable again after release")
}

func TestTryAcquire_Competition(t *testing.T) {
	backend := newFakeBackend()
	m := newTestManager(backend)
	ctx := context.Background()

	h1, err1 := m.TryAcquire(ctx, "res-b", 30*time.Second)
	h2, err2 := m.TryAcquire(ctx, "res-b", 30*time.Second)

	require.NoError(t, err1)
	require.NoError(t, err2)

	// Exactly one of the two attempts succeeds; neither throws.
	acquired := 0
	if h1 != nil {
		acquired++
	}
	if h2 != nil {
		acquired++
	}
	assert.Equal(t, 1, acquired)
}

func TestRelease_Idempotent(t *testing.T) {
	backend := newFakeBackend()
	m := newTestManager(backend)
	ctx := context.Background()

	h, err := m.TryAcquire(ctx, "res-c", 30*time.Second)
	require.NoError(t, err)
	require.NotNil(t, h)

	require.NoError(t, h.Release(ctx))
	require.NoError(t, h.Release(ctx))
	require.NoError(t, h.Release(ctx))
}

func TestBreak_AllowsTakeoverRegardlessOfOwnership(t *testing.T) {
	backend := newFakeBackend()
	m := newTestManager(backend)
	ctx := context.Background()

	h, err := m.TryAcquire(ctx, "res-d", 30*time.Second)
	require.NoError(t, err)
	require.NotNil(t, h)

	require.NoError(t, m.Break(ctx, "res-d"))

	h2, err := m.TryAcquire(ctx, "res-d", 30*time.Second)
	require.NoError(t, err)
	require.NotNil(t, h2)
}

func TestAcquire_SucceedsAfterRetries(t *testing.T) {
	backend := newFakeBackend()
	ctx := context.Background()

	// Pre-hold the resource, then release it shortly after, so Acquire's
	// retry loop has to actually retry before succeeding.
	blocker, err := backend.Acquire(ctx, "res-e", 30*time.Second)
	require.NoError(t, err)
	require.NotNil(t, blocker)

	go func() {
		time.Sleep(20 * time.Millisecond)
		_ = backend.Release(ctx, "res-e", blocker.LeaseID)
	}()

	m := newTestManager(backend)
	h, err := m.Acquire(ctx, "res-e", 30*time.Second, 2*time.Second)
	require.NoError(t, err)
	require.NotNil(t, h)
}

func TestAcquire_TimeoutZeroMakesExactlyOneAttempt(t *testing.T) {
	backend := newFakeBackend()
	ctx := context.Background()

	blocker, err := backend.Acquire(ctx, "res-f", 30*time.Second)
	require.NoError(t, err)
	require.NotNil(t, blocker)

	m := newTestManager(backend)
	_, err = m.Acquire(ctx, "res-f", 30*time.Second, 0)
	require.Error(t, err)
	assert.ErrorIs(t, err, lease.ErrLeaseAcquisition)
}

func TestValidateAcquireInputs(t *testing.T) {
	backend := newFakeBackend()
	m := newTestManager(backend)
	ctx := context.Background()

	_, err := m.TryAcquire(ctx, "", 30*time.Second)
	assert.Error(t, err)

	_, err = m.TryAcquire(ctx, "res-g", 0)
	assert.Error(t, err)

	_, err = m.TryAcquire(ctx, "res-g", lease.InfiniteDuration)
	assert.NoError(t, err)
}

func TestNormalizeResourceName(t *testing.T) {
	backend := newFakeBackend()
	m := newTestManager(backend)
	ctx := context.Background()

	h, err := m.TryAcquire(ctx, "My Resource", 30*time.Second)
	require.NoError(t, err)
	require.NotNil(t, h)
	assert.Equal(t, "my-resource", h.ResourceName())
}
