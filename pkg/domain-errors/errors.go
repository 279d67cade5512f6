// Package errors defines the domain error taxonomy shared by services and
// transports. Services return *Error values; handlers map the Code to an HTTP
// status through pkg/platform/httputil.
package errors

import (
	"errors"
	"fmt"
)

// Code identifies a class of domain failure. Codes are stable and appear on the
// wire as the "error" field of JSON error responses.
type Code string

const (
	CodeBadRequest         Code = "bad_request"
	CodeValidation         Code = "validation_error"
	CodeInvalidInput       Code = "invalid_input"
	CodeUnauthorized       Code = "unauthorized"
	CodeForbidden          Code = "forbidden"
	CodeNotFound           Code = "not_found"
	CodeConflict           Code = "conflict"
	CodeInvariantViolation Code = "invariant_violation"
	CodeTimeout            Code = "timeout"
	CodeInternal           Code = "internal_error"

	// Lifecycle guard failures. Each is distinct so callers can tell
	// "payment unverified" apart from "already terminal".
	CodeInvalidState       Code = "invalid_state"
	CodeInvalidTransition  Code = "invalid_transition"
	CodePaymentNotVerified Code = "payment_not_verified"
	CodeMissingAttachments Code = "missing_attachments"

	CodeConfirmationExhausted Code = "confirmation_number_exhausted"
	CodeExternalService       Code = "external_service_failure"
)

// Error is a domain error carrying a stable code, a client-safe message and an
// optional wrapped cause.
type Error struct {
	Code    Code
	Message string
	Err     error
}

func (e *Error) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %s: %v", e.Code, e.Message, e.Err)
	}
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

func (e *Error) Unwrap() error {
	return e.Err
}

// New creates a domain error with the given code and message.
func New(code Code, msg string) error {
	return &Error{Code: code, Message: msg}
}

// Wrap attaches a domain code to an underlying error.
func Wrap(err error, code Code, msg string) error {
	return &Error{Code: code, Message: msg, Err: err}
}

// From returns the outermost domain error in the chain, if any.
func From(err error) (*Error, bool) {
	var de *Error
	if errors.As(err, &de) {
		return de, true
	}
	return nil, false
}

// HasCode reports whether the outermost domain error in the chain has code.
func HasCode(err error, code Code) bool {
	de, ok := From(err)
	return ok && de.Code == code
}

// Is is an alias of HasCode kept for handler readability.
func Is(err error, code Code) bool {
	return HasCode(err, code)
}

// CodeOf returns the code of the outermost domain error or CodeInternal.
func CodeOf(err error) Code {
	if de, ok := From(err); ok {
		return de.Code
	}
	return CodeInternal
}
