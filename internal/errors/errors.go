// Package errors is the engine's error taxonomy. Every error returned across a
// service boundary carries one of the Code values below so transports can map
// it without inspecting message text.
package errors

import (
	stderrors "errors"
	"fmt"
)

// Code classifies an error for the caller.
type Code string

const (
	ErrCodeNotFound     Code = "NOT_FOUND"
	ErrCodeValidation   Code = "VALIDATION_ERROR"
	ErrCodeInvalidState Code = "INVALID_STATE"
	ErrCodeForbidden    Code = "FORBIDDEN"
	ErrCodeInternal     Code = "INTERNAL"
)

// Error is a coded error with an optional wrapped cause.
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

// New creates a coded error.
func New(code Code, message string) *Error {
	return &Error{Code: code, Message: message}
}

// Newf creates a coded error with a formatted message.
func Newf(code Code, format string, args ...any) *Error {
	return &Error{Code: code, Message: fmt.Sprintf(format, args...)}
}

// Wrap attaches a code and message to err. A nil err stays nil.
func Wrap(err error, code Code, message string) error {
	if err == nil {
		return nil
	}
	return &Error{Code: code, Message: message, Err: err}
}

// NotFound reports a missing resource (or one outside the caller's tenant).
func NotFound(resource, id string) *Error {
	return Newf(ErrCodeNotFound, "%s %s not found", resource, id)
}

// InvalidInput reports a malformed field.
func InvalidInput(field, message string) *Error {
	return Newf(ErrCodeValidation, "invalid %s: %s", field, message)
}

// InvalidState reports an operation that is not legal in the current state,
// including the loser of a concurrent update.
func InvalidState(message string) *Error {
	return New(ErrCodeInvalidState, message)
}

// Forbidden reports an actor that may not perform the operation.
func Forbidden(message string) *Error {
	return New(ErrCodeForbidden, message)
}

// CodeOf returns the code of the first *Error in err's chain, or
// ErrCodeInternal for uncoded errors.
func CodeOf(err error) Code {
	var e *Error
	if stderrors.As(err, &e) {
		return e.Code
	}
	return ErrCodeInternal
}

func IsNotFound(err error) bool     { return err != nil && CodeOf(err) == ErrCodeNotFound }
func IsValidation(err error) bool   { return err != nil && CodeOf(err) == ErrCodeValidation }
func IsInvalidState(err error) bool { return err != nil && CodeOf(err) == ErrCodeInvalidState }
func IsForbidden(err error) bool    { return err != nil && CodeOf(err) == ErrCodeForbidden }

// Is and As re-export the standard library helpers so callers importing this
// package under the name errors keep them.
func Is(err, target error) bool { return stderrors.Is(err, target) }
func As(err error, target any) bool { return stderrors.As(err, target) }
