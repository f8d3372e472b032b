package lease

import "errors"

// Error kinds, per the taxonomy normalised across all three backend
// protocols. Callers compare with errors.Is; internal code wraps one of
// these with fmt.Errorf("...: %w", ...) for additional context.
var (
	// ErrLeaseAcquisition is an unexpected failure during acquisition:
	// transport fault, timeout budget exhausted, or an unrecognised
	// backend error wrapped for the caller. Never returned for ordinary
	// competition (that is signalled by a nil handle).
	ErrLeaseAcquisition = errors.New("lease: acquisition failed")

	// ErrLeaseConflict models normal competition for a resource as an
	// error internally (some backends surface it that way); it is
	// recovered locally by the manager's retry loop and never escapes
	// to a caller.
	ErrLeaseConflict = errors.New("lease: resource already held")

	// ErrLeaseRenewal is a non-fatal, possibly transient renewal
	// failure. The auto-renewal engine may retry it.
	ErrLeaseRenewal = errors.New("lease: renewal failed")

	// ErrLeaseLost is definitive loss of ownership: the backend no
	// longer recognises the lease id, renewal retries were exhausted,
	// or the safety threshold was exceeded. Terminal for the handle.
	ErrLeaseLost = errors.New("lease: ownership lost")

	// ErrProviderUnavailable means the backend's transport or
	// authentication to the store could not be reached.
	ErrProviderUnavailable = errors.New("lease: provider unavailable")

	// ErrObjectDisposed is returned for operations on a handle that has
	// already been Released. A handle in the Lost state reports
	// ErrLeaseLost instead.
	ErrObjectDisposed = errors.New("lease: handle already disposed")
)
