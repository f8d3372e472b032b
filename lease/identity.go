package lease

import (
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/google/uuid"
)

// processBootTime is captured once so the boot-timestamp part of
// DefaultOwnerTag is the same for every call in a process.
var processBootTime = time.Now().UnixNano()

// Forever is the sentinel "infinite duration" expiry. Using the last
// second of year 9999 UTC, a far-future instant that time.Time represents
// and JSON encodes without overflow, keeps comparisons
// (`now.Before(expiresAt)`) well-defined without a separate "is infinite"
// flag threaded through every lifecycle check.
var Forever = time.Date(9999, time.December, 31, 23, 59, 59, 0, time.UTC)

// IsForever reports whether t is the infinite-duration sentinel.
func IsForever(t time.Time) bool {
	return t.Equal(Forever)
}

// InfiniteDuration is the sentinel passed to Acquire/TryAcquire to request
// a lease with no expiry and no auto-renewal engine.
const InfiniteDuration time.Duration = -1

// NormalizeResourceName maps a caller-supplied resource name to the
// canonical store key: lowercased, internal whitespace runs replaced with
// a single dash. Backends key everything off this normalised form.
func NormalizeResourceName(name string) string {
	fields := strings.Fields(strings.ToLower(name))
	return strings.Join(fields, "-")
}

// DefaultOwnerTag builds a free-form owner label when the caller doesn't
// supply one: {hostname}-{bootTimestampNanos}-{uuidSuffix}. It is metadata
// only and is never consulted for ownership decisions.
func DefaultOwnerTag() string {
	hostname, err := os.Hostname()
	if err != nil {
		hostname = "unknown"
	}
	return fmt.Sprintf("%s-%d-%s", hostname, processBootTime, uuid.New().String()[:8])
}

// NewLeaseID mints a fresh opaque ownership token for backends that don't
// receive one from the store itself (document-CAS, atomic-KV).
func NewLeaseID() string {
	return uuid.New().String()
}
