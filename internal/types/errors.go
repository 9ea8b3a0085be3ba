package types

import (
	"errors"
	"fmt"
)

// ErrKind classifies every error the core surfaces to callers.
type ErrKind string

const (
	// BadRequest means the task violated an invariant or a parameter range.
	// Terminal.
	BadRequest ErrKind = "bad_request"

	// Overloaded means admission was refused due to resource or queue
	// pressure. Retriable by the caller.
	Overloaded ErrKind = "overloaded"

	// Unavailable means no healthy backend accepted the work. Retriable.
	Unavailable ErrKind = "unavailable"

	// Timeout means the per-call deadline was exceeded or the caller
	// cancelled. Retriable.
	Timeout ErrKind = "timeout"

	// ModelError means the runtime returned a non-retriable error. Terminal;
	// the runtime's message is preserved.
	ModelError ErrKind = "model_error"

	// Internal means an unexpected invariant violation. Terminal.
	Internal ErrKind = "internal"
)

// Error is the typed error surfaced by Dispatch and its collaborators.
type Error struct {
	Kind ErrKind
	Msg  string
	Err  error
}

func (e *Error) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %s: %v", e.Kind, e.Msg, e.Err)
	}
	return fmt.Sprintf("%s: %s", e.Kind, e.Msg)
}

func (e *Error) Unwrap() error { return e.Err }

// Retriable reports whether the caller may usefully retry the same task.
func (e *Error) Retriable() bool {
	switch e.Kind {
	case Overloaded, Unavailable, Timeout:
		return true
	}
	return false
}

// Errorf builds a typed error from a format string.
func Errorf(kind ErrKind, format string, args ...any) *Error {
	return &Error{Kind: kind, Msg: fmt.Sprintf(format, args...)}
}

// WrapError attaches a kind and message to an underlying cause.
func WrapError(kind ErrKind, err error, msg string) *Error {
	return &Error{Kind: kind, Msg: msg, Err: err}
}

// KindOf extracts the ErrKind from err, defaulting to Internal for errors
// produced outside the taxonomy.
func KindOf(err error) ErrKind {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return Internal
}
