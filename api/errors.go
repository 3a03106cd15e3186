// Package api
// Author: corvene team
//
// Error surface of the fiberio runtime. Failures carry the operation
// that produced them and unwrap to a sentinel or the underlying errno,
// so callers branch with errors.Is while logs keep the full path.

package api

import "errors"

// Sentinel conditions surfaced by the runtime.
var (
	// ErrSchedulerStopped: starting a scheduler whose stop has already
	// been requested.
	ErrSchedulerStopped = errors.New("scheduler already stopped")

	// ErrEventExists: arming a descriptor event whose slot is occupied.
	// Surfacing it is fatal; the panic value wraps this sentinel.
	ErrEventExists = errors.New("event already registered")

	// ErrEventNotFound: cancelling or deleting an event that was never
	// armed, or whose handler already fired.
	ErrEventNotFound = errors.New("event not registered")
)

// Error binds a failure to the operation that produced it.
type Error struct {
	Op  string
	Err error
}

func (e *Error) Error() string { return e.Op + ": " + e.Err.Error() }

// Unwrap exposes the cause to errors.Is/errors.As.
func (e *Error) Unwrap() error { return e.Err }

// Wrap annotates err with the failing operation. A nil err stays nil,
// so call sites can wrap unconditionally.
func Wrap(op string, err error) error {
	if err == nil {
		return nil
	}
	return &Error{Op: op, Err: err}
}
