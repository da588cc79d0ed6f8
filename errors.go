package miniflare

import (
	"errors"
	"fmt"

	"github.com/cloudflare/miniflare-sub005/internal/configmodel"
)

// Re-exported option-error sentinels, so callers can errors.Is against the
// root package instead of reaching into internal/configmodel.
var (
	ErrNoWorkers            = configmodel.ErrNoWorkers
	ErrDuplicateName        = configmodel.ErrDuplicateName
	ErrValidation           = configmodel.ErrValidation
	ErrMountNoName          = configmodel.ErrMountNoName
	ErrMountNested          = configmodel.ErrMountNested
	ErrMount                = configmodel.ErrMount
	ErrDifferentUniqueKeys  = configmodel.ErrDifferentUniqueKeys
	ErrMultipleConsumers    = configmodel.ErrMultipleConsumers
	ErrDeadLetterQueueCycle = configmodel.ErrDeadLetterQueueCycle

	// ErrRuntimeFailure is returned when the runtime subprocess refuses to
	// start or reject an updateConfig call.
	ErrRuntimeFailure = errors.New("miniflare: runtime process failure")
	// ErrDisposed is returned by SetOptions and Ready once Dispose has run.
	ErrDisposed = errors.New("miniflare: supervisor has been disposed")
)

// ConfigError is the structured error type for option/lifecycle failures,
// re-exported from internal/configmodel so callers never need to import
// that package directly.
type ConfigError = configmodel.ConfigError

// runtimeError wraps a runtime-subprocess failure with the attempted
// operation, keeping ErrRuntimeFailure reachable via errors.Is.
type runtimeError struct {
	op  string
	err error
}

func (e *runtimeError) Error() string {
	return fmt.Sprintf("miniflare: runtime %s: %v", e.op, e.err)
}

func (e *runtimeError) Unwrap() []error {
	return []error{ErrRuntimeFailure, e.err}
}

func wrapRuntimeErr(op string, err error) error {
	if err == nil {
		return nil
	}
	return &runtimeError{op: op, err: err}
}
