package memory

import (
	"errors"
	"fmt"
)

var (
	// ErrNotFound is returned for operations on absent or terminal-state
	// records. It is a normal result, not a failure.
	ErrNotFound = errors.New("memory: record not found")

	// ErrStoreUnavailable indicates the persistence backend is
	// unreachable. Callers retry with backoff; retrieval degrades to an
	// explicit empty result instead of blocking.
	ErrStoreUnavailable = errors.New("memory: store unavailable")

	// ErrVersionConflict indicates a concurrent mutation invalidated an
	// optimistic version check. Consolidation retries a bounded number of
	// times, then skips the record for this cycle.
	ErrVersionConflict = errors.New("memory: version conflict")
)

// ValidationError rejects a malformed record or candidate fact before it
// reaches persistence. It is locally recoverable and never partially
// applied.
type ValidationError struct {
	Field  string
	Reason string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("memory: invalid %s: %s", e.Field, e.Reason)
}

// IsValidation reports whether err is a ValidationError.
func IsValidation(err error) bool {
	var ve *ValidationError
	return errors.As(err, &ve)
}

// OwnerIsolationError marks a code path that compared or mutated records
// across owner namespaces. This is a programmer error: it is always
// surfaced and never suppressed.
type OwnerIsolationError struct {
	Requested string
	Got       string
}

func (e *OwnerIsolationError) Error() string {
	return fmt.Sprintf("memory: owner isolation violation: requested %q, got record of %q", e.Requested, e.Got)
}
