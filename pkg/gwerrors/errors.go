// Package gwerrors defines the gateway's error taxonomy: a fixed set of
// kinds that transports, the middleware pipeline, and the registry use to
// let outer layers (the HTTP façade, callers) make deterministic decisions
// about retrying, mapping to a status code, or giving up.
package gwerrors

import (
	"errors"
	"fmt"
	"net/http"
)

// Kind is one of the ten error kinds spec'd for the gateway core.
type Kind string

const (
	BadInput         Kind = "BadInput"
	NotFound         Kind = "NotFound"
	NotReady         Kind = "NotReady"
	PolicyViolation  Kind = "PolicyViolation"
	ConnectionClosed Kind = "ConnectionClosed"
	NotConnected     Kind = "NotConnected"
	Timeout          Kind = "Timeout"
	Canceled         Kind = "Canceled"
	Upstream         Kind = "Upstream"
	Internal         Kind = "Internal"
)

// httpStatus maps each kind to the status the gateway's HTTP handlers
// should use; kept here so the mapping is deterministic and doesn't need to
// be reimplemented by every caller.
var httpStatus = map[Kind]int{
	BadInput:         http.StatusBadRequest,
	NotFound:         http.StatusNotFound,
	NotReady:         http.StatusServiceUnavailable,
	PolicyViolation:  http.StatusForbidden,
	ConnectionClosed: http.StatusBadGateway,
	NotConnected:     http.StatusBadGateway,
	Timeout:          http.StatusGatewayTimeout,
	Canceled:         499, // client closed request (nginx convention)
	Upstream:         http.StatusBadGateway,
	Internal:         http.StatusInternalServerError,
}

// recoverable reports whether the outer caller may usefully retry.
var recoverable = map[Kind]bool{
	BadInput:         false,
	NotFound:         false,
	NotReady:         true,
	PolicyViolation:  false,
	ConnectionClosed: true,
	NotConnected:     true,
	Timeout:          true,
	Canceled:         false,
	Upstream:         false,
	Internal:         false,
}

// Error is a gateway error tagged with a stable Kind, optionally wrapping an
// underlying cause.
type Error struct {
	Kind    Kind
	Message string
	Cause   error
}

func (e *Error) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("%s: %s: %v", e.Kind, e.Message, e.Cause)
	}
	return fmt.Sprintf("%s: %s", e.Kind, e.Message)
}

func (e *Error) Unwrap() error { return e.Cause }

// HTTPStatus returns the status code an HTTP façade should use for this
// error's kind.
func (e *Error) HTTPStatus() int {
	if s, ok := httpStatus[e.Kind]; ok {
		return s
	}
	return http.StatusInternalServerError
}

// Recoverable reports whether a caller may retry this error.
func (e *Error) Recoverable() bool {
	return recoverable[e.Kind]
}

// New builds an *Error of the given kind.
func New(kind Kind, message string) *Error {
	return &Error{Kind: kind, Message: message}
}

// Wrap builds an *Error of the given kind around an existing cause.
func Wrap(kind Kind, message string, cause error) *Error {
	return &Error{Kind: kind, Message: message, Cause: cause}
}

// Is reports whether err (or anything it wraps) is a gateway error of kind.
func Is(err error, kind Kind) bool {
	var ge *Error
	if errors.As(err, &ge) {
		return ge.Kind == kind
	}
	return false
}

// KindOf extracts the Kind of err, or Internal if err is not a gateway
// error (or is nil, in which case it returns "").
func KindOf(err error) Kind {
	if err == nil {
		return ""
	}
	var ge *Error
	if errors.As(err, &ge) {
		return ge.Kind
	}
	return Internal
}
