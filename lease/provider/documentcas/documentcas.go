// Package documentcas implements a backend where leases are mutable JSON
// documents guarded by an optimistic-concurrency version token, built on
// etcd's Txn/Compare API: the same Compare(ModRevision)/
// Compare(CreateRevision) idiom the serverlease driver uses for a bare
// key, applied here to a document value.
package documentcas

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	clientv3 "go.etcd.io/etcd/client/v3"
	"go.uber.org/zap"

	"leasekit/lease"
)

const keyPrefix = "/leasekit/documentcas/"

// Document is the wire format for this backend. A change to this shape
// is a backward-incompatible protocol change.
type Document struct {
	ID              string            `json:"id"`
	LeaseName       string            `json:"leaseName"`
	LeaseID         string            `json:"leaseId"`
	OwnerTag        string            `json:"ownerTag,omitempty"`
	AcquiredAt      time.Time         `json:"acquiredAt"`
	ExpiresAt       time.Time         `json:"expiresAt"`
	DurationSeconds float64           `json:"durationSeconds"`
	RenewalCount    int               `json:"renewalCount"`
	LastRenewedAt   time.Time         `json:"lastRenewedAt"`
	Metadata        map[string]string `json:"metadata,omitempty"`
	TTL             int64             `json:"ttl"`
}

// TTLMultiple is the minimum recommended multiple of duration used for
// the etcd lease attached to a document, bounding how much garbage a
// crashed holder can leave behind.
const TTLMultiple = 5

// Driver is the document-CAS Backend implementation.
type Driver struct {
	client *clientv3.Client
	logger *zap.Logger
}

// New constructs a Driver over an already-connected etcd client.
func New(client *clientv3.Client, logger *zap.Logger) *Driver {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Driver{client: client, logger: logger.Named("lease.provider.documentcas")}
}

func key(name string) string { return keyPrefix + name }

// Acquire reads the document by id. If absent, it creates one
// conditioned on CreateRevision(key)=0 (a concurrent create loses the
// race and is reported as ordinary competition). If present and still
// live, reports competition. If present and expired, replaces it
// conditioned on the observed ModRevision; a concurrent winner's replace
// makes ours lose the race the same way.
func (d *Driver) Acquire(ctx context.Context, name string, duration time.Duration) (*lease.Record, error) {
	k := key(name)

	getResp, err := d.client.Get(ctx, k)
	if err != nil {
		return nil, fmt.Errorf("documentcas: get %q: %w", name, errors.Join(lease.ErrProviderUnavailable, err))
	}

	now := time.Now()
	doc := newDocument(name, duration, now)
	payload, err := json.Marshal(doc)
	if err != nil {
		return nil, fmt.Errorf("documentcas: marshal document: %w", err)
	}

	ttlSeconds := int64(TTLMultiple * durationSecondsOrFallback(duration))
	grant, err := d.client.Grant(ctx, ttlSeconds)
	if err != nil {
		return nil, fmt.Errorf("documentcas: grant ttl lease: %w", errors.Join(lease.ErrProviderUnavailable, err))
	}

	if len(getResp.Kvs) == 0 {
		txn := d.client.Txn(ctx).
			If(clientv3.Compare(clientv3.CreateRevision(k), "=", 0)).
			Then(clientv3.OpPut(k, string(payload), clientv3.WithLease(grant.ID)))
		resp, err := txn.Commit()
		if err != nil {
			_, _ = d.client.Revoke(context.Background(), grant.ID)
			return nil, fmt.Errorf("documentcas: create txn: %w", errors.Join(lease.ErrProviderUnavailable, err))
		}
		if !resp.Succeeded {
			_, _ = d.client.Revoke(context.Background(), grant.ID)
			return nil, nil
		}
		return recordFromDocument(doc), nil
	}

	var existing Document
	kv := getResp.Kvs[0]
	if err := json.Unmarshal(kv.Value, &existing); err != nil {
		_, _ = d.client.Revoke(context.Background(), grant.ID)
		return nil, fmt.Errorf("documentcas: unmarshal document %q: %w", name, err)
	}

	if existing.ExpiresAt.After(now) || lease.IsForever(existing.ExpiresAt) {
		_, _ = d.client.Revoke(context.Background(), grant.ID)
		return nil, nil
	}

	txn := d.client.Txn(ctx).
		If(clientv3.Compare(clientv3.ModRevision(k), "=", kv.ModRevision)).
		Then(clientv3.OpPut(k, string(payload), clientv3.WithLease(grant.ID)))
	resp, err := txn.Commit()
	if err != nil {
		_, _ = d.client.Revoke(context.Background(), grant.ID)
		return nil, fmt.Errorf("documentcas: replace txn: %w", errors.Join(lease.ErrProviderUnavailable, err))
	}
	if !resp.Succeeded {
		_, _ = d.client.Revoke(context.Background(), grant.ID)
		return nil, nil
	}

	return recordFromDocument(doc), nil
}

// Renew reads the current document; if its lease id no longer matches
// ours, ownership is gone (ErrLeaseLost). Otherwise it replaces the
// document with an extended expiry, conditioned on the version token
// read moments earlier; a concurrent winner again causes ErrLeaseLost.
func (d *Driver) Renew(ctx context.Context, name, leaseID string) (time.Time, error) {
	k := key(name)

	getResp, err := d.client.Get(ctx, k)
	if err != nil {
		return time.Time{}, fmt.Errorf("documentcas: renew get %q: %w", name, errors.Join(lease.ErrProviderUnavailable, err))
	}
	if len(getResp.Kvs) == 0 {
		return time.Time{}, fmt.Errorf("documentcas: renew %q: %w", name, lease.ErrLeaseLost)
	}

	kv := getResp.Kvs[0]
	oldLeaseID := clientv3.LeaseID(kv.Lease)
	var doc Document
	if err := json.Unmarshal(kv.Value, &doc); err != nil {
		return time.Time{}, fmt.Errorf("documentcas: unmarshal document %q: %w", name, err)
	}
	if doc.LeaseID != leaseID {
		return time.Time{}, fmt.Errorf("documentcas: renew %q: %w", name, lease.ErrLeaseLost)
	}

	now := time.Now()
	duration := time.Duration(doc.DurationSeconds * float64(time.Second))
	newExpiry := now.Add(duration)
	if doc.DurationSeconds <= 0 {
		newExpiry = lease.Forever
	}
	doc.ExpiresAt = newExpiry
	doc.RenewalCount++
	doc.LastRenewedAt = now

	// The document's GC lease must be re-granted on every renewal, not
	// just on acquisition: reusing the original grant (WithIgnoreLease)
	// leaves the key's TTL counting down from acquiredAt regardless of
	// how faithfully the holder renews, so it would still expire at
	// acquiredAt + ttl even under an unbroken renewal chain.
	ttlSeconds := int64(TTLMultiple * durationSecondsOrFallback(duration))
	doc.TTL = ttlSeconds
	payload, err := json.Marshal(doc)
	if err != nil {
		return time.Time{}, fmt.Errorf("documentcas: marshal renewed document: %w", err)
	}

	grant, err := d.client.Grant(ctx, ttlSeconds)
	if err != nil {
		return time.Time{}, fmt.Errorf("documentcas: renew grant ttl lease: %w", errors.Join(lease.ErrProviderUnavailable, err))
	}

	txn := d.client.Txn(ctx).
		If(clientv3.Compare(clientv3.ModRevision(k), "=", kv.ModRevision)).
		Then(clientv3.OpPut(k, string(payload), clientv3.WithLease(grant.ID)))
	resp, err := txn.Commit()
	if err != nil {
		_, _ = d.client.Revoke(context.Background(), grant.ID)
		return time.Time{}, fmt.Errorf("documentcas: renew txn %q: %w", name, errors.Join(lease.ErrProviderUnavailable, err))
	}
	if !resp.Succeeded {
		_, _ = d.client.Revoke(context.Background(), grant.ID)
		return time.Time{}, fmt.Errorf("documentcas: renew %q: %w", name, lease.ErrLeaseLost)
	}

	if oldLeaseID != 0 && oldLeaseID != grant.ID {
		_, _ = d.client.Revoke(context.Background(), oldLeaseID)
	}

	return newExpiry, nil
}

// Release deletes the document. A missing document is success (already
// idempotent by construction of etcd Delete).
func (d *Driver) Release(ctx context.Context, name, leaseID string) error {
	_, err := d.client.Delete(ctx, key(name))
	if err != nil {
		d.logger.Warn("release suppressed", zap.String("resource", name), zap.Error(err))
	}
	return nil
}

// Break deletes the document regardless of its current lease id.
func (d *Driver) Break(ctx context.Context, name string) error {
	_, err := d.client.Delete(ctx, key(name))
	if err != nil {
		return fmt.Errorf("documentcas: break %q: %w", name, errors.Join(lease.ErrProviderUnavailable, err))
	}
	return nil
}

func newDocument(name string, duration time.Duration, now time.Time) Document {
	expiresAt := now.Add(duration)
	durationSeconds := duration.Seconds()
	if duration == lease.InfiniteDuration {
		expiresAt = lease.Forever
		durationSeconds = 0
	}
	return Document{
		ID:              name,
		LeaseName:       name,
		LeaseID:         lease.NewLeaseID(),
		AcquiredAt:      now,
		ExpiresAt:       expiresAt,
		DurationSeconds: durationSeconds,
		LastRenewedAt:   now,
		TTL:             int64(TTLMultiple * durationSecondsOrFallback(duration)),
	}
}

func durationSecondsOrFallback(duration time.Duration) float64 {
	if duration == lease.InfiniteDuration || duration <= 0 {
		return 60
	}
	return duration.Seconds()
}

func recordFromDocument(doc Document) *lease.Record {
	return &lease.Record{
		LeaseID:    doc.LeaseID,
		AcquiredAt: doc.AcquiredAt,
		ExpiresAt:  doc.ExpiresAt,
	}
}
