// Package domainerrors provides code-carrying errors for the service layer.
// Stores return sentinel errors (pkg/platform/sentinel); services translate
// them into coded errors here so transports can map codes to status lines
// without inspecting error strings.
package domainerrors

import (
	"errors"
	"fmt"
)

// Code classifies an error for transport mapping and retry policy.
type Code string

const (
	// CodeValidation covers rejected submissions: bad signatures,
	// unauthorized publishers, identity mismatches. Caller error, not retryable.
	CodeValidation Code = "validation"
	// CodeBadRequest covers malformed payloads before domain validation runs.
	CodeBadRequest Code = "bad_request"
	// CodeNotFound means the requested entity does not exist.
	CodeNotFound Code = "not_found"
	// CodeConflict means optimistic concurrency lost after bounded retries.
	// Transient from the caller's perspective.
	CodeConflict Code = "conflict"
	// CodeUnavailable means backing storage or a collaborator is unreachable.
	// The whole request is safe to retry.
	CodeUnavailable Code = "unavailable"
	// CodeInternal is everything else. Details stay out of responses.
	CodeInternal Code = "internal_error"
)

// Error is a coded error with an operator-facing message.
type Error struct {
	Code    Code
	Message string
	cause   error
}

func (e *Error) Error() string {
	if e.cause != nil {
		return fmt.Sprintf("%s: %s: %v", e.Code, e.Message, e.cause)
	}
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

func (e *Error) Unwrap() error { return e.cause }

// New creates a coded error.
func New(code Code, message string) *Error {
	return &Error{Code: code, Message: message}
}

// Newf creates a coded error with a formatted message.
func Newf(code Code, format string, args ...any) *Error {
	return &Error{Code: code, Message: fmt.Sprintf(format, args...)}
}

// Wrap attaches a code and message to an underlying error.
func Wrap(err error, code Code, message string) *Error {
	return &Error{Code: code, Message: message, cause: err}
}

// Is reports whether err carries the given code anywhere in its chain.
func Is(err error, code Code) bool {
	return HasCode(err, code)
}

// HasCode reports whether err carries the given code anywhere in its chain.
func HasCode(err error, code Code) bool {
	var coded *Error
	if errors.As(err, &coded) {
		return coded.Code == code
	}
	return false
}

// CodeOf extracts the code from err, defaulting to CodeInternal.
func CodeOf(err error) Code {
	var coded *Error
	if errors.As(err, &coded) {
		return coded.Code
	}
	return CodeInternal
}
