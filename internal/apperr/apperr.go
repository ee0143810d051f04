// Package apperr defines the request-scoped error taxonomy surfaced to clients.
package apperr

import (
	"errors"
	"net/http"
)

// Kind classifies an application error
type Kind int

const (
	KindNotFound Kind = iota + 1
	KindNotOwned
	KindInvalidOperation
	KindUnauthorized
	KindInvariant
)

func (k Kind) String() string {
	switch k {
	case KindNotFound:
		return "not_found"
	case KindNotOwned:
		return "not_owned"
	case KindInvalidOperation:
		return "invalid_operation"
	case KindUnauthorized:
		return "unauthorized"
	case KindInvariant:
		return "invariant_violation"
	default:
		return "unknown"
	}
}

// Error carries a human-readable message that is returned verbatim to the caller
type Error struct {
	Kind    Kind
	Message string
}

func (e *Error) Error() string {
	return e.Message
}

// StatusCode maps the error kind to the HTTP status used on the wire
func (e *Error) StatusCode() int {
	switch e.Kind {
	case KindNotFound:
		return http.StatusNotFound
	case KindNotOwned:
		return http.StatusForbidden
	case KindInvalidOperation:
		return http.StatusUnprocessableEntity
	case KindUnauthorized:
		return http.StatusUnauthorized
	default:
		return http.StatusInternalServerError
	}
}

func NotFound(msg string) *Error {
	if msg == "" {
		msg = "Resource not found"
	}
	return &Error{Kind: KindNotFound, Message: msg}
}

func NotOwned(msg string) *Error {
	if msg == "" {
		msg = "Resource not owned"
	}
	return &Error{Kind: KindNotOwned, Message: msg}
}

func InvalidOperation(msg string) *Error {
	return &Error{Kind: KindInvalidOperation, Message: msg}
}

func Unauthorized(msg string) *Error {
	if msg == "" {
		msg = "Unauthorized"
	}
	return &Error{Kind: KindUnauthorized, Message: msg}
}

func Invariant(msg string) *Error {
	return &Error{Kind: KindInvariant, Message: msg}
}

// KindOf returns the kind of the first *Error in err's chain, or 0
func KindOf(err error) Kind {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return 0
}

// Is reports whether err carries the given kind
func Is(err error, kind Kind) bool {
	return KindOf(err) == kind
}

// Status returns the wire status code and message for any error.
// Errors outside the taxonomy are reported as 500 with a generic message.
func Status(err error) (int, string) {
	var e *Error
	if errors.As(err, &e) {
		return e.StatusCode(), e.Message
	}
	return http.StatusInternalServerError, "internal error"
}
