// Package brokererrors defines the typed error taxonomy used across the broker.
package brokererrors

import (
	"errors"
	"fmt"
)

// Type classifies a broker error for HTTP status mapping and retry decisions.
type Type string

const (
	// TypeInvalidRequest marks a malformed caller request (4xx at the HTTP edge).
	TypeInvalidRequest Type = "invalid_request"
	// TypeNoAvailableProvider marks a routing failure: no candidate yielded a queuer.
	TypeNoAvailableProvider Type = "no_available_provider"
	// TypeProviderFailure marks an error raised by the execute closure.
	TypeProviderFailure Type = "provider_failure"
	// TypePersistenceFailure marks a UsageStore read/write/auth failure.
	TypePersistenceFailure Type = "persistence_failure"
	// TypeBootstrapFailure marks a startup failure (no key for the default provider).
	TypeBootstrapFailure Type = "bootstrap_failure"
)

// Error is a typed, wrapped error carrying enough context for callers to
// branch on Type without string matching.
type Error struct {
	Cause   error
	Type    Type
	Message string
}

// Error implements the error interface.
func (e *Error) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("%s: %s: %v", e.Type, e.Message, e.Cause)
	}
	return fmt.Sprintf("%s: %s", e.Type, e.Message)
}

// Unwrap exposes the underlying cause for errors.Is/errors.As.
func (e *Error) Unwrap() error {
	return e.Cause
}

// New builds an Error of the given type.
func New(t Type, message string) *Error {
	return &Error{Type: t, Message: message}
}

// Wrap builds an Error of the given type around an existing cause.
func Wrap(t Type, message string, cause error) *Error {
	return &Error{Type: t, Message: message, Cause: cause}
}

// Is reports whether err is a broker Error of the given type.
func Is(err error, t Type) bool {
	var be *Error
	if errors.As(err, &be) {
		return be.Type == t
	}
	return false
}
