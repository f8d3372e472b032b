// Package atomickv implements a backend over a key-value store with
// atomic set-if-absent and scripted compare-and-delete: SET NX PX to
// acquire, a GET-compare-then-act Lua script for renew/release, keyed
// by an arbitrary resource name.
package atomickv

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"leasekit/lease"
)

const keyPrefix = "leasekit:lease:"

// Clock-drift safety parameters: the effective validity reported to the
// caller is shorter than the nominal duration, bounding the risk that a
// renewal scheduled off a drifted clock races the store's own TTL.
const (
	DriftFactor     = 0.05
	DriftConstant   = 1 * time.Second
	MinimumValidity = 2 * time.Second
)

// value is the JSON payload stored at the lease key: the opaque lease id
// callers present as their ownership token, plus acquisition/renewal
// timestamps for diagnostics.
type value struct {
	LeaseID       string    `json:"lease_id"`
	AcquiredAt    time.Time `json:"acquired_at"`
	LastRenewedAt time.Time `json:"last_renewed_at"`
}

// renewScript atomically renews a lease only if the caller still owns it.
// KEYS[1] = lease key, ARGV[1] = expected lease id, ARGV[2] = new TTL ms,
// ARGV[3] = new JSON value. Returns 1 on success, 0 if not the owner.
var renewScript = redis.NewScript(`
local current = redis.call('GET', KEYS[1])
if not current then
  return 0
end
local parsed = cjson.decode(current)
if parsed.lease_id == ARGV[1] then
  redis.call('SET', KEYS[1], ARGV[3])
  redis.call('PEXPIRE', KEYS[1], tonumber(ARGV[2]))
  return 1
else
  return 0
end
`)

// releaseScript atomically deletes a lease only if the caller still owns
// it. KEYS[1] = lease key, ARGV[1] = expected lease id.
var releaseScript = redis.NewScript(`
local current = redis.call('GET', KEYS[1])
if not current then
  return 0
end
local parsed = cjson.decode(current)
if parsed.lease_id == ARGV[1] then
  return redis.call('DEL', KEYS[1])
else
  return 0
end
`)

// Driver is the atomic-KV Backend implementation. Renew takes no
// duration argument, so the driver remembers the nominal duration each
// resource was acquired with, per resource, so a renewal can re-issue
// the right TTL.
type Driver struct {
	client *redis.Client
	logger *zap.Logger

	mu        sync.Mutex
	durations map[string]time.Duration
}

// New constructs a Driver over an already-connected Redis client.
func New(client *redis.Client, logger *zap.Logger) *Driver {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Driver{
		client:    client,
		logger:    logger.Named("lease.provider.atomickv"),
		durations: make(map[string]time.Duration),
	}
}

func (d *Driver) rememberDuration(name string, duration time.Duration) {
	d.mu.Lock()
	d.durations[name] = duration
	d.mu.Unlock()
}

func (d *Driver) nominalDuration(name string) time.Duration {
	d.mu.Lock()
	defer d.mu.Unlock()
	if dur, ok := d.durations[name]; ok {
		return dur
	}
	return 30 * time.Second
}

func key(name string) string { return keyPrefix + name }

// effectiveValidity returns the clock-drift-safe validity window for a
// nominal duration.
func effectiveValidity(duration time.Duration) time.Duration {
	return duration - time.Duration(DriftFactor*float64(duration)) - DriftConstant
}

// Acquire performs SET key=leaseID NX PX=duration. A rejected SET (key
// already present) is ordinary competition: (nil, nil). Success reports
// an effective validity shorter than the nominal duration; if that is not
// above MinimumValidity, the acquisition is treated as failed rather than
// handing the caller a lease that might already be unsafe.
func (d *Driver) Acquire(ctx context.Context, name string, duration time.Duration) (*lease.Record, error) {
	if duration == lease.InfiniteDuration {
		return nil, fmt.Errorf("atomickv: infinite-duration leases are not supported by this backend: %w", lease.ErrLeaseAcquisition)
	}

	validity := effectiveValidity(duration)
	if validity <= MinimumValidity {
		return nil, fmt.Errorf("atomickv: effective validity %s below minimum %s for duration %s: %w", validity, MinimumValidity, duration, lease.ErrLeaseAcquisition)
	}

	now := time.Now()
	leaseID := lease.NewLeaseID()
	v := value{LeaseID: leaseID, AcquiredAt: now, LastRenewedAt: now}
	payload, err := json.Marshal(v)
	if err != nil {
		return nil, fmt.Errorf("atomickv: marshal lease value: %w", err)
	}

	ok, err := d.client.SetNX(ctx, key(name), payload, duration).Result()
	if err != nil {
		return nil, fmt.Errorf("atomickv: acquire %q: %w", name, errors.Join(lease.ErrProviderUnavailable, err))
	}
	if !ok {
		return nil, nil
	}

	d.rememberDuration(name, duration)

	return &lease.Record{
		LeaseID:    leaseID,
		AcquiredAt: now,
		ExpiresAt:  now.Add(validity),
	}, nil
}

// Renew runs renewScript: extends the key's TTL only if leaseID still
// matches the stored owner. A script result of 0 means the key is gone or
// owned by someone else: ErrLeaseLost.
func (d *Driver) Renew(ctx context.Context, name, leaseID string) (time.Time, error) {
	now := time.Now()
	v := value{LeaseID: leaseID, AcquiredAt: now, LastRenewedAt: now}
	payload, err := json.Marshal(v)
	if err != nil {
		return time.Time{}, fmt.Errorf("atomickv: marshal renewed value: %w", err)
	}

	nominal := d.nominalDuration(name)

	result, err := renewScript.Run(ctx, d.client, []string{key(name)}, leaseID, nominal.Milliseconds(), payload).Int()
	if err != nil {
		return time.Time{}, fmt.Errorf("atomickv: renew %q: %w", name, errors.Join(lease.ErrProviderUnavailable, err))
	}
	if result == 0 {
		return time.Time{}, fmt.Errorf("atomickv: renew %q: %w", name, lease.ErrLeaseLost)
	}

	return now.Add(effectiveValidity(nominal)), nil
}

// Release runs releaseScript: deletes the key only if leaseID still
// matches the stored owner. Any other outcome (already gone, owned by
// someone else) is treated as success per the idempotent-release
// contract.
func (d *Driver) Release(ctx context.Context, name, leaseID string) error {
	_, err := releaseScript.Run(ctx, d.client, []string{key(name)}, leaseID).Int()
	if err != nil {
		d.logger.Warn("release suppressed", zap.String("resource", name), zap.Error(err))
	}
	d.mu.Lock()
	delete(d.durations, name)
	d.mu.Unlock()
	return nil
}

// Break unconditionally deletes the key regardless of ownership.
func (d *Driver) Break(ctx context.Context, name string) error {
	if err := d.client.Del(ctx, key(name)).Err(); err != nil {
		return fmt.Errorf("atomickv: break %q: %w", name, errors.Join(lease.ErrProviderUnavailable, err))
	}
	d.mu.Lock()
	delete(d.durations, name)
	d.mu.Unlock()
	return nil
}
