// Package failure defines the stable error kinds surfaced by the broker core.
//
// Every error that crosses the package boundary is (or wraps) a *Error with one
// of the kinds below. Callers branch on kinds with errors.Is against the
// sentinels, never on message text.
package failure

import (
	"errors"
	"fmt"
	"time"
)

// Kind is a stable, machine-readable error category.
type Kind string

const (
	// ConnectionTimeout: the socket never reached Connected within its deadline.
	ConnectionTimeout Kind = "ConnectionTimeout"
	// AuthenticationFailed: the broker rejected the credential.
	AuthenticationFailed Kind = "AuthenticationFailed"
	// RequestTimeout: a single request exceeded its deadline.
	RequestTimeout Kind = "RequestTimeout"
	// MalformedFrame: an inbound frame could not be decoded.
	MalformedFrame Kind = "MalformedFrame"
	// ConnectionClosed: the socket was torn down while the request was pending.
	ConnectionClosed Kind = "ConnectionClosed"
	// CircuitOpen: the breaker denied the operation before any network call.
	CircuitOpen Kind = "CircuitOpen"
	// PermissionDenied: the credential lacks a required capability.
	PermissionDenied Kind = "PermissionDenied"
	// Rejected: the broker answered with a protocol error of another kind.
	Rejected Kind = "Rejected"
)

// Sentinels for errors.Is.
var (
	ErrConnectionTimeout    = &Error{Kind: ConnectionTimeout}
	ErrAuthenticationFailed = &Error{Kind: AuthenticationFailed}
	ErrRequestTimeout       = &Error{Kind: RequestTimeout}
	ErrMalformedFrame       = &Error{Kind: MalformedFrame}
	ErrConnectionClosed     = &Error{Kind: ConnectionClosed}
	ErrCircuitOpen          = &Error{Kind: CircuitOpen}
	ErrPermissionDenied     = &Error{Kind: PermissionDenied}
	ErrRejected             = &Error{Kind: Rejected}
)

// Error is a classified error.
type Error struct {
	Kind       Kind
	Code       string        // Broker error code, if the broker produced the error
	Message    string        // Human-readable, never contains credentials or raw frames
	Err        error         // Underlying cause
	RetryAfter time.Duration // Retry-after hint (CircuitOpen only)
}

// New returns an error of the given kind.
func New(kind Kind, format string, args ...any) *Error {
	return &Error{Kind: kind, Message: fmt.Sprintf(format, args...)}
}

// Wrap returns an error of the given kind wrapping cause.
func Wrap(kind Kind, cause error, format string, args ...any) *Error {
	return &Error{Kind: kind, Message: fmt.Sprintf(format, args...), Err: cause}
}

func (e *Error) Error() string {
	msg := e.Message
	if msg == "" {
		msg = string(e.Kind)
	} else {
		msg = string(e.Kind) + ": " + msg
	}
	if e.Code != "" {
		msg += " (" + e.Code + ")"
	}
	if e.Err != nil {
		msg += ": " + e.Err.Error()
	}
	return msg
}

func (e *Error) Unwrap() error {
	return e.Err
}

// Is reports whether target is a *Error of the same kind.
func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	if !ok {
		return false
	}
	return t.Kind == e.Kind
}

// KindOf returns the kind of the outermost *Error in err's chain, or "" if
// there is none.
func KindOf(err error) Kind {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return ""
}

// Retryable reports whether the connection layer retries this kind on its own.
// Business failures (auth, permission, breaker, broker rejection) never are.
func Retryable(kind Kind) bool {
	return kind == ConnectionTimeout || kind == ConnectionClosed
}

// RetryAfter returns the retry-after hint carried by err, if any.
func RetryAfter(err error) (time.Duration, bool) {
	var e *Error
	if errors.As(err, &e) && e.RetryAfter > 0 {
		return e.RetryAfter, true
	}
	return 0, false
}
