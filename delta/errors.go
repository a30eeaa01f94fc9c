package delta

import (
	"errors"
	"fmt"
)

// EngineError is a custom error type for delta engine errors
type EngineError struct {
	Message string
}

func (e EngineError) Error() string {
	return fmt.Sprintf("delta engine error: %s", e.Message)
}

// ErrInvalidConfig creates an error for invalid configuration
func ErrInvalidConfig(msg string) error {
	return EngineError{Message: fmt.Sprintf("invalid config: %s", msg)}
}

var (
	// Returned synchronously from Submit.
	ErrExhausted = errors.New("resource pool exhausted")
	ErrDispatch  = errors.New("dispatch failure")
	ErrQueueFull = errors.New("queue full")

	// Surfaced through the bound IOCommand status.
	ErrMapping   = errors.New("mapping failure")
	ErrProvision = errors.New("provision failure")
	ErrTimeout   = errors.New("media timeout")
	ErrDevice    = errors.New("device failure")

	ErrInit          = errors.New("init failure")
	ErrClosed        = errors.New("engine closed")
	ErrStaleEntry    = errors.New("stale queue entry")
	ErrDoubleRelease = errors.New("slot already free")
	ErrPageBound     = errors.New("page bound to a command")
	ErrPayloadSize   = errors.New("delta payload does not fit")
	ErrNoChain       = errors.New("no delta chain for base page")
)
