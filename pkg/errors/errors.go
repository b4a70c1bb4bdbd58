package errors

import (
	"errors"
	"fmt"
	"net/http"
)

// Kind defines different categories of errors
type Kind string

const (
	KindBadRequest       Kind = "BAD_REQUEST"
	KindUnauthorized     Kind = "UNAUTHORIZED"
	KindForbidden        Kind = "FORBIDDEN"
	KindNotFound         Kind = "NOT_FOUND"
	KindMethodNotAllowed Kind = "METHOD_NOT_ALLOWED"
	KindEntityTooLarge   Kind = "ENTITY_TOO_LARGE"
	KindURITooLong       Kind = "URI_TOO_LONG"
	KindHeaderTooLarge   Kind = "HEADER_TOO_LARGE"
	KindInternal         Kind = "INTERNAL"
	KindOverload         Kind = "OVERLOAD"
	KindTimeout          Kind = "TIMEOUT"
	KindInvalidUTF8      Kind = "INVALID_UTF8"
	KindUnresolved       Kind = "UNRESOLVED"
)

// AppError is the custom error type for the runtime
type AppError struct {
	Kind    Kind
	Message string
	Err     error
}

// Error implements the error interface
func (e *AppError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %s: %v", e.Kind, e.Message, e.Err)
	}
	return fmt.Sprintf("%s: %s", e.Kind, e.Message)
}

// Unwrap allows errors.Is and errors.As to work
func (e *AppError) Unwrap() error {
	return e.Err
}

// StatusCode maps the error kind to the HTTP status it is surfaced as.
// Timeout, InvalidUTF8 and Unresolved are in-band conditions that callers
// handle themselves; they map to 500 only if they leak this far.
func (e *AppError) StatusCode() int {
	switch e.Kind {
	case KindBadRequest:
		return http.StatusBadRequest
	case KindUnauthorized:
		return http.StatusUnauthorized
	case KindForbidden:
		return http.StatusForbidden
	case KindNotFound:
		return http.StatusNotFound
	case KindMethodNotAllowed:
		return http.StatusMethodNotAllowed
	case KindEntityTooLarge:
		return http.StatusRequestEntityTooLarge
	case KindURITooLong:
		return http.StatusRequestURITooLong
	case KindHeaderTooLarge:
		return http.StatusRequestHeaderFieldsTooLarge
	case KindOverload:
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}

// Constructor functions for different error kinds

// New creates an error of the given kind
func New(kind Kind, message string) error {
	return &AppError{Kind: kind, Message: message}
}

// NewBadRequest creates a bad-client-input error
func NewBadRequest(message string) error {
	return &AppError{Kind: KindBadRequest, Message: message}
}

// NewUnauthorized creates an unauthorized error
func NewUnauthorized(message string) error {
	return &AppError{Kind: KindUnauthorized, Message: message}
}

// NewForbidden creates a forbidden error
func NewForbidden(message string) error {
	return &AppError{Kind: KindForbidden, Message: message}
}

// NewNotFound creates a not found error
func NewNotFound(message string) error {
	return &AppError{Kind: KindNotFound, Message: message}
}

// NewInternal creates an internal error
func NewInternal(message string, err error) error {
	return &AppError{Kind: KindInternal, Message: message, Err: err}
}

// NewOverload creates an overload error surfaced as 503
func NewOverload(message string) error {
	return &AppError{Kind: KindOverload, Message: message}
}

// NewTimeout creates a wait-timeout error, distinguishable from a miss
func NewTimeout(message string) error {
	return &AppError{Kind: KindTimeout, Message: message}
}

// NewInvalidUTF8 creates a form-decode error for undecodable input
func NewInvalidUTF8(message string) error {
	return &AppError{Kind: KindInvalidUTF8, Message: message}
}

// NewUnresolved creates a DNS resolution failure
func NewUnresolved(message string, err error) error {
	return &AppError{Kind: KindUnresolved, Message: message, Err: err}
}

// Wrap wraps an error with additional context
func Wrap(err error, message string) error {
	if err == nil {
		return nil
	}

	// If it's already an AppError, preserve the kind
	if appErr, ok := err.(*AppError); ok {
		return &AppError{
			Kind:    appErr.Kind,
			Message: fmt.Sprintf("%s: %s", message, appErr.Message),
			Err:     appErr.Err,
		}
	}

	return &AppError{Kind: KindInternal, Message: message, Err: err}
}

// Kind checking functions

// Is reports whether err is an AppError of the given kind
func Is(err error, kind Kind) bool {
	var appErr *AppError
	return errors.As(err, &appErr) && appErr.Kind == kind
}

// IsTimeout checks if an error is a wait timeout
func IsTimeout(err error) bool {
	return Is(err, KindTimeout)
}

// IsNotFound checks if an error is a not found error
func IsNotFound(err error) bool {
	return Is(err, KindNotFound)
}

// IsInternal checks if an error is an internal error
func IsInternal(err error) bool {
	return Is(err, KindInternal)
}

// StatusOf returns the HTTP status for any error, defaulting to 500
func StatusOf(err error) int {
	var appErr *AppError
	if errors.As(err, &appErr) {
		return appErr.StatusCode()
	}
	return http.StatusInternalServerError
}
