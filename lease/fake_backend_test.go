package lease_test

import (
	"context"
	"sync"
	"time"

	"leasekit/lease"
)

// fakeBackend is an in-memory lease.Backend used to exercise the manager,
// handle, and renewal engine without a live store.
type fakeBackend struct {
	mu           sync.Mutex
	holders      map[string]string // resource -> lease id
	renewErr     map[string]error  // resource -> error to return on next Renew call(s)
	renewErrLeft map[string]int    // resource -> remaining failing calls
}

func newFakeBackend() *fakeBackend {
	return &fakeBackend{
		holders:      make(map[string]string),
		renewErr:     make(map[string]error),
		renewErrLeft: make(map[string]int),
	}
}

func (f *fakeBackend) Acquire(ctx context.Context, name string, duration time.Duration) (*lease.Record, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	if _, held := f.holders[name]; held {
		return nil, nil
	}

	id := lease.NewLeaseID()
	f.holders[name] = id
	now := time.Now()
	expiresAt := now.Add(duration)
	if duration == lease.InfiniteDuration {
		expiresAt = lease.Forever
	}
	return &lease.Record{LeaseID: id, AcquiredAt: now, ExpiresAt: expiresAt}, nil
}

func (f *fakeBackend) Renew(ctx context.Context, name, leaseID string) (time.Time, error) {
	f.mu.Lock()
	if left := f.renewErrLeft[name]; left > 0 {
		err := f.renewErr[name]
		f.renewErrLeft[name] = left - 1
		if f.renewErrLeft[name] == 0 {
			delete(f.renewErr, name)
			delete(f.renewErrLeft, name)
		}
		f.mu.Unlock()
		return time.Time{}, err
	}
	current, held := f.holders[name]
	f.mu.Unlock()

	if !held || current != leaseID {
		return time.Time{}, lease.ErrLeaseLost
	}
	return time.Now().Add(2 * time.Second), nil
}

func (f *fakeBackend) Release(ctx context.Context, name, leaseID string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if current, held := f.holders[name]; held && current == leaseID {
		delete(f.holders, name)
	}
	return nil
}

func (f *fakeBackend) Break(ctx context.Context, name string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	delete(f.holders, name)
	return nil
}

// failNextRenew arranges for the next Renew call on name to fail with err.
func (f *fakeBackend) failNextRenew(name string, err error) {
	f.failNextNRenews(name, 1, err)
}

// failNextNRenews arranges for the next n Renew calls on name to fail
// with err, after which Renew behaves normally again.
func (f *fakeBackend) failNextNRenews(name string, n int, err error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.renewErr[name] = err
	f.renewErrLeft[name] = n
}

var _ lease.Backend = (*fakeBackend)(nil)
