package dispatcher

import (
	"errors"
	"fmt"
)

var (
	// ErrTimeout is recorded on jobs forced out of processing after Timeout.
	ErrTimeout = errors.New("timeout while processing")

	// ErrRetryExhausted is recorded on jobs that failed MaxAttempts times.
	ErrRetryExhausted = errors.New("retry limit exhausted")

	// ErrNoInput is recorded on queued jobs without an input reference.
	ErrNoInput = errors.New("no input reference")
)

// StoreError wraps a job store failure that aborted a pass.
type StoreError struct {
	Op  string
	Err error
}

func (e *StoreError) Error() string {
	return fmt.Sprintf("store %s: %v", e.Op, e.Err)
}

func (e *StoreError) Unwrap() error { return e.Err }
