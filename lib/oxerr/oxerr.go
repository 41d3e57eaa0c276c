// Package oxerr defines the error taxonomy shared by every OxideTerm core
// component. Components never hand the UI a bare trace.Error — they wrap it
// in an Error carrying a stable machine-readable Kind so the IPC surface can
// serialize a code the UI can switch on instead of pattern-matching strings.
package oxerr

import (
	"fmt"

	"github.com/gravitational/trace"
)

// Kind is the closed set of error categories surfaced to the UI.
type Kind string

const (
	Auth        Kind = "auth"
	HostKey     Kind = "host_key"
	Network     Kind = "network"
	Protocol    Kind = "protocol"
	Policy      Kind = "policy"
	IO          Kind = "io"
	Cancelled   Kind = "cancelled"
	LinkDown    Kind = "link_down"
	Internal    Kind = "internal"
	NotFound    Kind = "not_found"
	NotReady    Kind = "not_ready"
	SpecInvalid Kind = "spec_invalid"
)

// Error is the typed error surfaced to the IPC command dispatcher. Reason is
// a human-readable string that MUST NOT contain secrets — callers constructing
// an Error from a lower-level trace.Error should route the original error
// through Cause, not interpolate it into Reason, whenever the lower error
// might carry credential material (e.g. auth failures echoing passwords).
type Error struct {
	Kind   Kind
	Reason string
	Cause  error
}

func (e *Error) Error() string {
	if e.Reason == "" {
		return string(e.Kind)
	}
	return fmt.Sprintf("%s: %s", e.Kind, e.Reason)
}

func (e *Error) Unwrap() error { return e.Cause }

// New builds an Error of the given kind, wrapping cause with trace so the
// stack is preserved for logs while Reason stays a short, secret-free summary.
func New(kind Kind, cause error, format string, args ...interface{}) *Error {
	return &Error{
		Kind:   kind,
		Reason: fmt.Sprintf(format, args...),
		Cause:  trace.Wrap(cause),
	}
}

// Is reports whether err is an *Error of the given kind, unwrapping through
// trace's wrapping along the way.
func Is(err error, kind Kind) bool {
	var oe *Error
	for err != nil {
		if e, ok := err.(*Error); ok {
			oe = e
			break
		}
		u, ok := err.(interface{ Unwrap() error })
		if !ok {
			break
		}
		err = u.Unwrap()
	}
	return oe != nil && oe.Kind == kind
}
