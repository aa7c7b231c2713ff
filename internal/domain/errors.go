package domain

import (
	"errors"
	"fmt"
)

var (
	// ErrPersistence matches any PersistenceError via errors.Is.
	ErrPersistence = errors.New("persistence unavailable")
	// ErrNetworkUnavailable is reported when a sync is attempted offline.
	ErrNetworkUnavailable = errors.New("network unavailable")
)

// PersistenceError means the durable store could not be read or written.
type PersistenceError struct {
	Op  string
	Err error
}

func (e *PersistenceError) Error() string {
	return fmt.Sprintf("persistence %s: %v", e.Op, e.Err)
}

func (e *PersistenceError) Unwrap() error { return e.Err }

func (e *PersistenceError) Is(target error) bool { return target == ErrPersistence }

// NewPersistenceError wraps err unless it already is a PersistenceError.
func NewPersistenceError(op string, err error) error {
	if err == nil {
		return nil
	}
	var pe *PersistenceError
	if errors.As(err, &pe) {
		return err
	}
	return &PersistenceError{Op: op, Err: err}
}

// RemoteError is a failure reported by the remote apply call.
type RemoteError struct {
	StatusCode int
	Retryable  bool
	Err        error
}

func (e *RemoteError) Error() string {
	kind := "non-retryable"
	if e.Retryable {
		kind = "retryable"
	}
	if e.StatusCode != 0 {
		return fmt.Sprintf("remote %s error (status %d): %v", kind, e.StatusCode, e.Err)
	}
	return fmt.Sprintf("remote %s error: %v", kind, e.Err)
}

func (e *RemoteError) Unwrap() error { return e.Err }

// Retryable marks err as a transient remote failure.
func Retryable(err error) error {
	return &RemoteError{Retryable: true, Err: err}
}

// NonRetryable marks err as a rejection that retrying cannot fix.
func NonRetryable(err error) error {
	return &RemoteError{Retryable: false, Err: err}
}
