package processgroup

import (
	"github.com/gomlx/collective/pkg/distributed/store"
	"github.com/pkg/errors"
)

// Errors returned by process groups can be classified with errors.Is against:
var (
	// ErrInvalidArgument is returned when the buffers or options passed don't conform to the API.
	// These are detected before any device work is scheduled, and only abort the offending call.
	ErrInvalidArgument = errors.New("invalid argument")

	// ErrStore is returned when the store used to exchange bootstrap information fails. It is store.ErrStore.
	ErrStore = store.ErrStore

	// ErrBackend is returned when the collective backend fails creating communicators, streams or events, or
	// scheduling a collective call.
	ErrBackend = errors.New("backend error")

	// ErrNotSupported is returned by functionality not supported by the implementation.
	ErrNotSupported = errors.New("not supported")

	// ErrDivergence is returned by the debug sequence check when the processes of the group
	// didn't issue the same collective calls.
	ErrDivergence = errors.New("collective calls diverged across processes")
)

// IsFatal returns whether err leaves the process group in an unusable state: store and backend errors.
// Callers are expected to abort the process on fatal errors.
func IsFatal(err error) bool {
	return errors.Is(err, ErrStore) || errors.Is(err, ErrBackend) || errors.Is(err, ErrDivergence)
}

// kindError classifies a cause error with one of the sentinel errors above.
type kindError struct {
	kind, cause error
}

func (e *kindError) Error() string { return e.cause.Error() }

// Unwrap allows errors.Is to match both the kind and the cause.
func (e *kindError) Unwrap() []error { return []error{e.kind, e.cause} }

// WrapKind annotates err with a stack and the formatted message, and classifies it with kind
// (one of ErrInvalidArgument, ErrStore, ErrBackend, ...), so that errors.Is(result, kind) holds.
// If err already matches kind, it is only annotated.
func WrapKind(kind, err error, format string, args ...any) error {
	if err == nil {
		return errors.Wrapf(kind, format, args...)
	}
	if errors.Is(err, kind) {
		return errors.WithMessagef(err, format, args...)
	}
	return errors.Wrapf(&kindError{kind: kind, cause: err}, format, args...)
}
