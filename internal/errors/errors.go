// Package errors provides the typed error taxonomy shared by the gateway core
// and its HTTP surface.
package errors

import (
	"errors"
	"fmt"
)

// Sentinel error kinds. Callers classify with errors.Is.
var (
	// ErrConfig indicates missing or invalid credential material. Never retried.
	ErrConfig = errors.New("configuration error")

	// ErrAuth indicates the login exchange with the broker failed.
	ErrAuth = errors.New("authentication error")

	// ErrUpstream indicates a broker market-data call failed.
	ErrUpstream = errors.New("upstream error")

	// ErrValidation indicates malformed caller input, rejected before any network call.
	ErrValidation = errors.New("validation error")

	// ErrSessionRejected marks an ErrUpstream failure caused by the broker
	// refusing the session token.
	ErrSessionRejected = errors.New("session rejected")
)

// AppError is a structured gateway error.
type AppError struct {
	// Type is the error kind (one of the sentinels above).
	Type error
	// Message is safe to show to callers.
	Message string
	// Status is the upstream HTTP status, when one was received.
	Status int
	// Cause is the underlying error.
	Cause error
	// SessionRejected adds ErrSessionRejected to the chain.
	SessionRejected bool
}

// Error implements the error interface.
func (e *AppError) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("%s: %v", e.Message, e.Cause)
	}
	return e.Message
}

// Unwrap exposes both the kind and the cause to errors.Is / errors.As.
func (e *AppError) Unwrap() []error {
	errs := []error{e.Type}
	if e.SessionRejected {
		errs = append(errs, ErrSessionRejected)
	}
	if e.Cause != nil {
		errs = append(errs, e.Cause)
	}
	return errs
}

// New creates a new AppError.
func New(errType error, message string) *AppError {
	return &AppError{
		Type:    errType,
		Message: message,
	}
}

// Wrap wraps an error with additional context.
func Wrap(errType error, message string, cause error) *AppError {
	return &AppError{
		Type:    errType,
		Message: message,
		Cause:   cause,
	}
}

// Config builds an ErrConfig error.
func Config(format string, args ...any) *AppError {
	return New(ErrConfig, fmt.Sprintf(format, args...))
}

// Auth wraps cause as an ErrAuth error.
func Auth(message string, cause error) *AppError {
	return Wrap(ErrAuth, message, cause)
}

// Upstream wraps cause as an ErrUpstream error carrying the HTTP status (0 if none).
func Upstream(message string, status int, cause error) *AppError {
	e := Wrap(ErrUpstream, message, cause)
	e.Status = status
	return e
}

// Rejected is an Upstream error for a refused session token.
func Rejected(message string, status int, cause error) *AppError {
	e := Upstream(message, status, cause)
	e.SessionRejected = true
	return e
}

// Validation builds an ErrValidation error.
func Validation(format string, args ...any) *AppError {
	return New(ErrValidation, fmt.Sprintf(format, args...))
}

// Is reports whether any error in err's chain matches target.
func Is(err, target error) bool {
	return errors.Is(err, target)
}

// Message returns the caller-safe message of an AppError, or err.Error() otherwise.
func Message(err error) string {
	var appErr *AppError
	if errors.As(err, &appErr) {
		return appErr.Message
	}
	return err.Error()
}
