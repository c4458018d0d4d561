// Package apperr centralizes the error-kind to HTTP-status mapping used by
// both the admin API and the two proxies, so callers share one taxonomy
// instead of duplicating status-code switches.
package apperr

import (
	"errors"
	"net/http"
)

// Kind is one of the error kinds the core and admin API can surface.
type Kind string

const (
	InvalidURL        Kind = "InvalidURL"
	AlreadyExists     Kind = "AlreadyExists"
	NotFound          Kind = "NotFound"
	NoBackends        Kind = "NoBackends"
	BackendConnect    Kind = "BackendConnect"
	BackendTLS        Kind = "BackendTLS"
	UpstreamIO        Kind = "UpstreamIO"
	ClientIO          Kind = "ClientIO"
	StorageError      Kind = "StorageError"
	ReplicationLagged Kind = "ReplicationLagged"
	Validation        Kind = "Validation"
	Timeout           Kind = "Timeout"
)

// Error wraps a Kind with a human-readable message and an optional cause.
type Error struct {
	Kind    Kind
	Message string
	Cause   error
}

func (e *Error) Error() string {
	if e.Cause != nil {
		return e.Message + ": " + e.Cause.Error()
	}
	return e.Message
}

func (e *Error) Unwrap() error { return e.Cause }

// New builds an *Error of the given kind.
func New(kind Kind, message string) *Error {
	return &Error{Kind: kind, Message: message}
}

// Wrap builds an *Error of the given kind around a cause.
func Wrap(kind Kind, message string, cause error) *Error {
	return &Error{Kind: kind, Message: message, Cause: cause}
}

// KindOf extracts the Kind from err, if it (or something it wraps) is an
// *Error. Returns "" if not found.
func KindOf(err error) Kind {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return ""
}

// statusByKind maps each Kind to the HTTP status the admin API assigns it.
var statusByKind = map[Kind]int{
	InvalidURL:        http.StatusUnprocessableEntity,
	AlreadyExists:     http.StatusConflict,
	NotFound:          http.StatusNotFound,
	NoBackends:        http.StatusServiceUnavailable,
	BackendConnect:    http.StatusBadGateway,
	BackendTLS:        http.StatusBadGateway,
	UpstreamIO:        0, // connection closed, no status rewrite
	ClientIO:          http.StatusBadRequest,
	StorageError:      http.StatusInternalServerError,
	ReplicationLagged: 0, // never surfaced to request handlers
	Validation:        http.StatusUnprocessableEntity,
	Timeout:           http.StatusGatewayTimeout,
}

// HTTPStatus returns the HTTP status code for err, or 500 if err carries no
// known Kind.
func HTTPStatus(err error) int {
	if status, ok := statusByKind[KindOf(err)]; ok && status != 0 {
		return status
	}
	return http.StatusInternalServerError
}
