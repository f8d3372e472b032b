// Package serverlease implements a backend where the store issues the
// lease id and enforces ownership server-side, built on etcd's
// clientv3.Lease API (Grant/KeepAliveOnce/Revoke).
package serverlease

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"time"

	rpctypes "go.etcd.io/etcd/api/v3/v3rpc/rpctypes"
	clientv3 "go.etcd.io/etcd/client/v3"
	"go.uber.org/zap"

	"leasekit/lease"
)

const (
	// MinDuration and MaxDuration bound finite lease durations for
	// server-issued leases.
	MinDuration = 15 * time.Second
	MaxDuration = 60 * time.Second

	// foreverTTLSeconds stands in for an "infinite" lease: etcd leases
	// always carry a finite server-side TTL, so Forever is modelled as
	// a very long one. The renewal engine is never started for Forever
	// leases, so this TTL is never actually exercised by renewal.
	foreverTTLSeconds = 100 * 365 * 24 * 3600

	keyPrefix = "/leasekit/serverlease/"
)

// Driver is the server-lease Backend implementation.
type Driver struct {
	client *clientv3.Client
	logger *zap.Logger
}

// New constructs a Driver over an already-connected etcd client. The
// caller owns the client's lifecycle (credential acquisition and
// connection setup are explicitly out of scope for this library).
func New(client *clientv3.Client, logger *zap.Logger) *Driver {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Driver{client: client, logger: logger.Named("lease.provider.serverlease")}
}

func key(name string) string { return keyPrefix + name }

func ttlSeconds(duration time.Duration) int64 {
	if duration == lease.InfiniteDuration {
		return foreverTTLSeconds
	}
	return int64(duration.Seconds())
}

// Acquire validates duration bounds, grants a native etcd lease, and
// performs an atomic create-if-absent Put conditioned on the key's
// CreateRevision being zero, the idiomatic etcd "lock" pattern. Losing
// the race revokes the just-granted lease (cleanup) and returns (nil,
// nil): ordinary competition, not an error.
func (d *Driver) Acquire(ctx context.Context, name string, duration time.Duration) (*lease.Record, error) {
	if duration != lease.InfiniteDuration && (duration < MinDuration || duration > MaxDuration) {
		return nil, fmt.Errorf("serverlease: duration %s outside [%s, %s]: %w", duration, MinDuration, MaxDuration, lease.ErrLeaseAcquisition)
	}

	grant, err := d.client.Grant(ctx, ttlSeconds(duration))
	if err != nil {
		return nil, fmt.Errorf("serverlease: grant lease: %w", errors.Join(lease.ErrProviderUnavailable, err))
	}

	k := key(name)
	leaseIDStr := strconv.FormatInt(int64(grant.ID), 10)

	txn := d.client.Txn(ctx).
		If(clientv3.Compare(clientv3.CreateRevision(k), "=", 0)).
		Then(clientv3.OpPut(k, leaseIDStr, clientv3.WithLease(grant.ID)))

	resp, err := txn.Commit()
	if err != nil {
		_, _ = d.client.Revoke(context.Background(), grant.ID)
		return nil, fmt.Errorf("serverlease: acquire txn: %w", errors.Join(lease.ErrProviderUnavailable, err))
	}
	if !resp.Succeeded {
		_, _ = d.client.Revoke(context.Background(), grant.ID)
		return nil, nil
	}

	now := time.Now()
	expiresAt := now.Add(duration)
	if duration == lease.InfiniteDuration {
		expiresAt = lease.Forever
	}

	return &lease.Record{
		LeaseID:    leaseIDStr,
		AcquiredAt: now,
		ExpiresAt:  expiresAt,
	}, nil
}

// Renew issues a single KeepAliveOnce against the held lease. A
// lease-not-found response means the store no longer recognises the
// lease id: ErrLeaseLost. Any other failure is transport/auth: surfaced
// as ErrProviderUnavailable so the renewal engine may retry it.
func (d *Driver) Renew(ctx context.Context, name, leaseIDStr string) (time.Time, error) {
	id, err := parseLeaseID(leaseIDStr)
	if err != nil {
		return time.Time{}, fmt.Errorf("serverlease: %w", errors.Join(lease.ErrLeaseLost, err))
	}

	resp, err := d.client.KeepAliveOnce(ctx, id)
	if err != nil {
		if errors.Is(err, rpctypes.ErrLeaseNotFound) {
			return time.Time{}, fmt.Errorf("serverlease: renew %q: %w", name, lease.ErrLeaseLost)
		}
		return time.Time{}, fmt.Errorf("serverlease: renew %q: %w", name, errors.Join(lease.ErrProviderUnavailable, err))
	}

	return time.Now().Add(time.Duration(resp.TTL) * time.Second), nil
}

// Release deletes the key and revokes the lease. Both calls are
// idempotent against a missing key/lease, and any remaining failure is
// suppressed: the caller sees a nil error regardless, and the lease
// expires naturally if this fails silently.
func (d *Driver) Release(ctx context.Context, name, leaseIDStr string) error {
	id, err := parseLeaseID(leaseIDStr)
	if err != nil {
		return nil
	}

	k := key(name)
	if _, delErr := d.client.Delete(ctx, k); delErr != nil {
		d.logger.Warn("release: delete suppressed", zap.String("resource", name), zap.Error(delErr))
	}
	if _, revErr := d.client.Revoke(ctx, id); revErr != nil {
		d.logger.Warn("release: revoke suppressed", zap.String("resource", name), zap.Error(revErr))
	}
	return nil
}

// Break unconditionally deletes the key regardless of current ownership.
// The underlying lease (if any) is left to expire on its own TTL.
func (d *Driver) Break(ctx context.Context, name string) error {
	_, err := d.client.Delete(ctx, key(name))
	if err != nil {
		return fmt.Errorf("serverlease: break %q: %w", name, errors.Join(lease.ErrProviderUnavailable, err))
	}
	return nil
}

func parseLeaseID(s string) (clientv3.LeaseID, error) {
	v, err := strconv.ParseInt(s, 10, 64)
	if err != nil {
		return 0, fmt.Errorf("invalid lease id %q: %w", s, err)
	}
	return clientv3.LeaseID(v), nil
}
