// Package apperr defines the error taxonomy shared by all money-movement
// components. Every error carries a stable machine-readable code and an HTTP
// status; handlers map errors with errors.As and never surface internal
// detail on 500-class failures.
package apperr

import (
	"errors"
	"fmt"
	"net/http"
)

type Code string

const (
	CodeValidation          Code = "validation_error"
	CodeAuthentication      Code = "authentication_error"
	CodeAuthorization       Code = "authorization_error"
	CodeNotFound            Code = "not_found"
	CodeConflict            Code = "conflict"
	CodeInsufficientBalance Code = "insufficient_balance"
	CodeWindowExpired       Code = "window_expired"
	CodeUpstream            Code = "upstream_error"
)

// Error is a domain error with a stable code. The wrapped cause, if any, is
// for logs only and never reaches a response body.
type Error struct {
	Code    Code
	Status  int
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

func Validation(msg string) *Error {
	return &Error{Code: CodeValidation, Status: http.StatusBadRequest, Message: msg}
}

func Authentication(msg string) *Error {
	return &Error{Code: CodeAuthentication, Status: http.StatusUnauthorized, Message: msg}
}

func Authorization(msg string) *Error {
	return &Error{Code: CodeAuthorization, Status: http.StatusForbidden, Message: msg}
}

func NotFound(msg string) *Error {
	return &Error{Code: CodeNotFound, Status: http.StatusNotFound, Message: msg}
}

func Conflict(msg string) *Error {
	return &Error{Code: CodeConflict, Status: http.StatusConflict, Message: msg}
}

func InsufficientBalance(msg string) *Error {
	return &Error{Code: CodeInsufficientBalance, Status: http.StatusBadRequest, Message: msg}
}

func WindowExpired(msg string) *Error {
	return &Error{Code: CodeWindowExpired, Status: http.StatusGone, Message: msg}
}

// Upstream wraps a storage or provider failure. The message shown to callers
// is generic; cause stays in the error chain for logging.
func Upstream(msg string, cause error) *Error {
	return &Error{Code: CodeUpstream, Status: http.StatusInternalServerError, Message: msg, cause: cause}
}

// From extracts an *Error from err's chain, or wraps err as an upstream
// failure so callers always have a code and status to respond with.
func From(err error) *Error {
	var ae *Error
	if errors.As(err, &ae) {
		return ae
	}
	return Upstream("internal error", err)
}
