package gopool

import (
	"errors"
	"fmt"
)

// ErrPoolClosed is returned to any call made after the pool has
// finished closing, and to every waiter still queued when close begins.
var ErrPoolClosed = errors.New("gopool: pool closed")

// ErrTooBusy is the sentinel errors.Is target for TooBusyError.
var ErrTooBusy = errors.New("gopool: too busy")

// ErrAlreadyRecycled is returned by Lease.Recycle when the lease has
// already been recycled once. It is a programming error on the
// caller's part; it does not affect the pool's state.
var ErrAlreadyRecycled = errors.New("gopool: lease already recycled")

// errRemoved is the synthetic cause reported when a connector signals
// on_remove against a slot that is still CONNECTING.
var errRemoved = errors.New("gopool: connection removed before connect completed")

// TooBusyError reports that acquire was rejected because the waiter
// queue was already at max_waiters.
type TooBusyError struct {
	QueueLength int
}

func (e *TooBusyError) Error() string {
	return fmt.Sprintf("gopool: too busy (queue length %d)", e.QueueLength)
}

// Is reports that a TooBusyError matches the ErrTooBusy sentinel, so
// callers can use errors.Is(err, ErrTooBusy) without a type assertion.
func (e *TooBusyError) Is(target error) bool { return target == ErrTooBusy }

// ConnectError wraps the cause a Connector reported for a failed
// connect attempt bound to a waiter.
type ConnectError struct {
	Cause error
}

func (e *ConnectError) Error() string {
	return fmt.Sprintf("gopool: connect failed: %v", e.Cause)
}

// Unwrap exposes the connector's cause to errors.Is/errors.As.
func (e *ConnectError) Unwrap() error { return e.Cause }
