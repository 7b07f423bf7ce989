// Package merrors defines the daemon-wide error taxonomy.
//
// Every error that crosses a component boundary (storage, memory, hooks,
// IPC, council) is wrapped in a *Error carrying one of the Kind values
// below, so callers at the edges (the hook front-end, the IPC server) can
// make uniform decisions without type-switching on underlying causes.
package merrors

import (
	"errors"
	"fmt"
)

// Kind categorizes an error for uniform handling at process boundaries.
type Kind string

const (
	// InvalidInput is a missing or malformed parameter.
	InvalidInput Kind = "invalid_input"
	// NotFound is a referenced row or resource that does not exist.
	NotFound Kind = "not_found"
	// Conflict is a uniqueness violation or a state transition that is
	// not allowed (e.g. closing an already-stopped session).
	Conflict Kind = "conflict"
	// Backend is a failure in a downstream provider, HTTP call, or the
	// embedding service.
	Backend Kind = "backend"
	// Transient is a retryable failure (timeout, connection reset).
	Transient Kind = "transient"
	// Unavailable means the capability is disabled (no credentials, a
	// required extension missing).
	Unavailable Kind = "unavailable"
	// Corruption means the schema catalog is inconsistent with what the
	// engine expects.
	Corruption Kind = "corruption"
)

// Error is the structured error type threaded through the daemon.
type Error struct {
	Kind Kind
	Op   string
	Err  error
}

func (e *Error) Error() string {
	if e.Err == nil {
		return fmt.Sprintf("%s: %s", e.Op, e.Kind)
	}
	return fmt.Sprintf("%s: %s: %v", e.Op, e.Kind, e.Err)
}

func (e *Error) Unwrap() error { return e.Err }

// New constructs an *Error.
func New(kind Kind, op string, err error) *Error {
	return &Error{Kind: kind, Op: op, Err: err}
}

// Newf constructs an *Error from a format string.
func Newf(kind Kind, op, format string, args ...any) *Error {
	return &Error{Kind: kind, Op: op, Err: fmt.Errorf(format, args...)}
}

// KindOf extracts the Kind from err, defaulting to Backend when err does
// not wrap a *Error (an infrastructure error escaped without annotation).
func KindOf(err error) Kind {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return Backend
}

// Is reports whether err (or anything it wraps) carries the given Kind.
func Is(err error, kind Kind) bool {
	return KindOf(err) == kind
}
