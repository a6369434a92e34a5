package modulator

import (
	"errors"
	"fmt"

	"github.com/banshee-data/bpskmod/internal/modem"
)

// LifecycleError reports that the modem capability failed to create or
// destroy a handle. It is fatal for the pipeline instance.
type LifecycleError struct {
	Op     string // "create" or "destroy"
	Scheme modem.Scheme
	Err    error
}

func (e *LifecycleError) Error() string {
	return fmt.Sprintf("modem %s %s: %v", e.Op, e.Scheme, e.Err)
}

func (e *LifecycleError) Unwrap() error { return e.Err }

// InvariantViolation reports a packet the engine refused to emit because
// its own bookkeeping was inconsistent.
type InvariantViolation struct {
	StreamID string
	Reason   string
}

func (e *InvariantViolation) Error() string {
	return fmt.Sprintf("invariant violated on stream %q: %s", e.StreamID, e.Reason)
}

// IsFatal reports whether err should stop the service loop.
func IsFatal(err error) bool {
	var le *LifecycleError
	return errors.As(err, &le)
}
