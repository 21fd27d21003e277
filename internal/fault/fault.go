// Package fault defines the error taxonomy shared by every Homestead
// component. Collaborator failures are mapped to a Kind before crossing a
// package boundary; anything unrecognized is coerced to KindInternal.
package fault

import (
	"context"
	"errors"
	"fmt"
)

// Kind categorizes a failure for propagation and user-visible reporting.
type Kind string

const (
	// KindValidation indicates the input shape was violated (unknown model
	// tag, invalid schedule expression, missing required field).
	KindValidation Kind = "validation"

	// KindNotFound indicates a referenced entity is absent.
	KindNotFound Kind = "not_found"

	// KindConflict indicates an invariant would be violated.
	KindConflict Kind = "conflict"

	// KindTransport indicates a lower-layer I/O failure that may be
	// retried by the layer that can decide.
	KindTransport Kind = "transport"

	// KindTimeout indicates an inner timeout elapsed. Never retried.
	KindTimeout Kind = "timeout"

	// KindBackend indicates the model backend rejected the request or
	// returned malformed output.
	KindBackend Kind = "backend"

	// KindCanceled indicates the caller withdrew the work before it
	// finished. Never retried, and not a failure of the component.
	KindCanceled Kind = "canceled"

	// KindInternal is the default for unexpected conditions.
	KindInternal Kind = "internal"
)

// Error carries a Kind alongside a message and an optional wrapped cause.
type Error struct {
	Kind Kind
	Msg  string
	Err  error
}

func (e *Error) Error() string {
	if e.Err != nil {
		if e.Msg != "" {
			return fmt.Sprintf("%s: %v", e.Msg, e.Err)
		}
		return e.Err.Error()
	}
	return e.Msg
}

func (e *Error) Unwrap() error { return e.Err }

// New creates a fault of the given kind with a formatted message.
func New(kind Kind, format string, args ...any) *Error {
	return &Error{Kind: kind, Msg: fmt.Sprintf(format, args...)}
}

// Wrap attaches a kind and message to an underlying error.
// A nil err returns nil.
func Wrap(kind Kind, err error, format string, args ...any) error {
	if err == nil {
		return nil
	}
	return &Error{Kind: kind, Msg: fmt.Sprintf(format, args...), Err: err}
}

// KindOf extracts the Kind from an error chain. Context deadline errors map
// to KindTimeout, cancellation to KindCanceled; everything without an
// embedded *Error is KindInternal.
func KindOf(err error) Kind {
	if err == nil {
		return ""
	}
	var fe *Error
	if errors.As(err, &fe) {
		return fe.Kind
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return KindTimeout
	}
	if errors.Is(err, context.Canceled) {
		return KindCanceled
	}
	return KindInternal
}

// IsKind reports whether the error chain carries the given kind.
func IsKind(err error, kind Kind) bool {
	return KindOf(err) == kind
}
