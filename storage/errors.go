package storage

import (
	"errors"
	"fmt"
	"time"
)

// ThrottleError is a temporary rejection by the store. Callers retry it.
type ThrottleError struct {
	Op         string
	RetryAfter time.Duration
	Err        error
}

func (e *ThrottleError) Error() string {
	return fmt.Sprintf("%s throttled: %v", e.Op, e.Err)
}

func (e *ThrottleError) Unwrap() error { return e.Err }

// HardError is a failure retrying will not fix, such as a permission or
// not-found response.
type HardError struct {
	Op  string
	Err error
}

func (e *HardError) Error() string {
	return fmt.Sprintf("%s failed: %v", e.Op, e.Err)
}

func (e *HardError) Unwrap() error { return e.Err }

func Throttled(op string, err error) error {
	return &ThrottleError{Op: op, Err: err}
}

func Hard(op string, err error) error {
	return &HardError{Op: op, Err: err}
}

// IsRetryable reports whether err is a throttling error.
func IsRetryable(err error) bool {
	var te *ThrottleError
	return errors.As(err, &te)
}
