// Package store defines the key-value store used by process groups to exchange bootstrap information
// (e.g.: the unique id of a communicator clique) between the processes of a group, and some implementations.
//
// Keys are written once and read by many: Get blocks until the key is set (or the store times out).
// Implementations must be safe for concurrent use by all ranks of a group.
package store

import (
	"time"

	"github.com/pkg/errors"
)

// Store is a blocking key-value store shared by all the processes of a group.
type Store interface {
	// Set stores value under key, overwriting any previous value.
	Set(key string, value []byte) error

	// Get returns the value stored under key, blocking until it becomes available.
	// It fails with an error matching ErrTimeout if the key is not set within the store timeout.
	Get(key string) ([]byte, error)
}

var (
	// ErrStore is matched (errors.Is) by all errors returned by stores.
	ErrStore = errors.New("store error")

	// ErrTimeout is matched (errors.Is) by errors of Get calls that timed out. It also matches ErrStore.
	ErrTimeout = &storeError{msg: "store timeout"}
)

// storeError is an error that also matches ErrStore.
type storeError struct {
	msg string
}

func (e *storeError) Error() string { return e.msg }

// Is implements the interface used by errors.Is.
func (e *storeError) Is(target error) bool { return target == ErrStore }

// DefaultTimeout is the default time a Get waits for a key.
const DefaultTimeout = 5 * time.Minute

// wrapf annotates err (that may be nil) with a stack and a message, and makes sure it matches ErrStore.
func wrapf(err error, format string, args ...any) error {
	if err == nil {
		return errors.Wrapf(ErrStore, format, args...)
	}
	if errors.Is(err, ErrStore) {
		return errors.Wrapf(err, format, args...)
	}
	return errors.Wrapf(&wrappedError{err: err}, format, args...)
}

// wrappedError marks an arbitrary error as a store error, keeping it as the cause.
type wrappedError struct {
	err error
}

func (e *wrappedError) Error() string { return e.err.Error() + " (" + ErrStore.Error() + ")" }

func (e *wrappedError) Unwrap() error { return e.err }

func (e *wrappedError) Is(target error) bool { return target == ErrStore }

// timeoutf returns a timeout error for key.
func timeoutf(key string, timeout time.Duration) error {
	return errors.Wrapf(ErrTimeout, "waiting %s for key %q", timeout, key)
}
