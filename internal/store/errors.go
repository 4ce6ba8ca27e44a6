package store

import "errors"

// Sentinel errors for expected control-flow branches, mirroring tarsy's
// pkg/config/errors.go idiom of package-level sentinels for the common
// cases and typed wrappers (below) for ones that need extra context.
var (
	// ErrNoMessageAvailable is returned by Lease/LeaseFiltered when no
	// eligible row exists. It is not a failure; callers back off and retry.
	ErrNoMessageAvailable = errors.New("store: no message available")

	// ErrDuplicateID is returned by Enqueue when id already exists in
	// queue_messages or dead_letters.
	ErrDuplicateID = errors.New("store: message id already exists")

	// ErrLeaseNotHeld is returned by Heartbeat when the caller's lease_id no
	// longer matches the row (lease expired and was stolen, or acked).
	ErrLeaseNotHeld = errors.New("store: lease not held")
)

// OpenError wraps a failure to open or migrate the database, carrying the
// path for diagnostics. Mirrors config.LoadError.
type OpenError struct {
	Path string
	Err  error
}

func (e *OpenError) Error() string {
	return "store: failed to open " + e.Path + ": " + e.Err.Error()
}

func (e *OpenError) Unwrap() error { return e.Err }
