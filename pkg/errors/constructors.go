package errors

import (
	"errors"
	"fmt"
)

// New creates an Error with the given code and message.
//
//	err := errors.New(errors.CodeIssuerMismatch, "auth: token issuer is not trusted")
func New(code Code, message string) *Error {
	return &Error{
		Code:    code,
		Message: message,
	}
}

// Newf creates an Error with a formatted message.
func Newf(code Code, format string, args ...any) *Error {
	return &Error{
		Code:    code,
		Message: fmt.Sprintf(format, args...),
	}
}

// Wrap wraps err with a code and message. It returns nil when err is nil,
// so it can be used directly on a call's return value.
//
//	if err := pool.Ping(ctx); err != nil {
//	    return errors.Wrap(err, errors.CodeUnavailableDependency, "postgres: ping failed")
//	}
func Wrap(err error, code Code, message string) *Error {
	if err == nil {
		return nil
	}
	return &Error{
		Code:    code,
		Message: message,
		Cause:   err,
	}
}

// Wrapf wraps err with a formatted message. It returns nil when err is nil.
func Wrapf(err error, code Code, format string, args ...any) *Error {
	if err == nil {
		return nil
	}
	return &Error{
		Code:    code,
		Message: fmt.Sprintf(format, args...),
		Cause:   err,
	}
}

// FromError returns err as an *Error. Errors that are not already *Error
// are wrapped as CodeInternal with a generic message.
func FromError(err error) *Error {
	if err == nil {
		return nil
	}

	var e *Error
	if errors.As(err, &e) {
		return e
	}

	return Wrap(err, CodeInternal, "an unexpected error occurred")
}
