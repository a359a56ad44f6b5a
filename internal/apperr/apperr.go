// Package apperr defines the closed set of error kinds CrowdSieve's core
// carries, and the HTTP status translation for each.
package apperr

import (
	"errors"
	"fmt"
	"net/http"
)

// Kind is a closed enumeration of the error categories this service recognizes.
type Kind int

const (
	Unknown Kind = iota
	InvalidConfig
	InvalidInput
	Unauthorized
	NotFound
	UpstreamTimeout
	UpstreamError
	StorageError
	InternalError
)

func (k Kind) String() string {
	switch k {
	case InvalidConfig:
		return "invalid_config"
	case InvalidInput:
		return "invalid_input"
	case Unauthorized:
		return "unauthorized"
	case NotFound:
		return "not_found"
	case UpstreamTimeout:
		return "upstream_timeout"
	case UpstreamError:
		return "upstream_error"
	case StorageError:
		return "storage_error"
	case InternalError:
		return "internal_error"
	default:
		return "unknown"
	}
}

// Error is the carrier type for a Kind plus a message and an optional
// wrapped cause.
type Error struct {
	Kind  Kind
	Msg   string
	Cause error
}

func (e *Error) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("%s: %s: %v", e.Kind, e.Msg, e.Cause)
	}
	return fmt.Sprintf("%s: %s", e.Kind, e.Msg)
}

func (e *Error) Unwrap() error { return e.Cause }

// New builds an *Error of the given kind.
func New(k Kind, msg string) *Error {
	return &Error{Kind: k, Msg: msg}
}

// Wrap builds an *Error of the given kind around cause.
func Wrap(k Kind, msg string, cause error) *Error {
	return &Error{Kind: k, Msg: msg, Cause: cause}
}

// KindOf extracts the Kind from err, defaulting to InternalError if err is
// not an *Error.
func KindOf(err error) Kind {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return InternalError
}

// StatusFor maps a Kind to the HTTP status code it should produce.
func StatusFor(k Kind) int {
	switch k {
	case InvalidInput:
		return http.StatusBadRequest
	case Unauthorized:
		return http.StatusUnauthorized
	case NotFound:
		return http.StatusNotFound
	case UpstreamTimeout, UpstreamError:
		return http.StatusBadGateway
	case StorageError, InternalError, InvalidConfig:
		return http.StatusInternalServerError
	default:
		return http.StatusInternalServerError
	}
}
