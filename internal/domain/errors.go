package domain

import "errors"

// -----------------------------------------------------------------------------
// Domain Errors
// These errors are the only failure classes that leave the backend gateway and
// the subscription controller. Callers wrap them with context using %w.
// -----------------------------------------------------------------------------

var (
	// ErrBackendUnavailable means the document store is unreachable or not
	// initialized yet.
	ErrBackendUnavailable = errors.New("backend unavailable")

	// ErrBackend means the store rejected an operation.
	ErrBackend = errors.New("backend error")

	// ErrNotFound means a party code matched no record, or a watched
	// document no longer exists.
	ErrNotFound = errors.New("not found")

	// ErrInvalidInput covers empty codes, empty or malformed links and
	// commands that need a session while none is active.
	ErrInvalidInput = errors.New("invalid input")

	// ErrListenerFailure means a live subscription failed in transport.
	ErrListenerFailure = errors.New("listener failure")
)

// Kind is a stable, transport-friendly name for an error class.
type Kind string

const (
	KindNone               Kind = ""
	KindBackendUnavailable Kind = "backend_unavailable"
	KindBackend            Kind = "backend"
	KindNotFound           Kind = "not_found"
	KindInvalidInput       Kind = "invalid_input"
	KindListenerFailure    Kind = "listener_failure"
)

// KindOf classifies err. Unclassified errors are reported as KindBackend.
func KindOf(err error) Kind {
	switch {
	case err == nil:
		return KindNone
	case errors.Is(err, ErrInvalidInput):
		return KindInvalidInput
	case errors.Is(err, ErrNotFound):
		return KindNotFound
	case errors.Is(err, ErrBackendUnavailable):
		return KindBackendUnavailable
	case errors.Is(err, ErrListenerFailure):
		return KindListenerFailure
	default:
		return KindBackend
	}
}
