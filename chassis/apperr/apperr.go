// Package apperr defines the API error carried to clients as
// {"errorCode": ..., "errorMessage": ...}.
package apperr

import (
	"errors"
	"fmt"
	"net/http"
)

// Error is a client-facing failure with a stable numeric code.
type Error struct {
	Code    int
	Message string
	Status  int
}

func (e *Error) Error() string {
	return fmt.Sprintf("%d: %s", e.Code, e.Message)
}

// New ...
func New(code int, status int, message string) *Error {
	return &Error{Code: code, Status: status, Message: message}
}

// Newf ...
func Newf(code int, status int, format string, args ...interface{}) *Error {
	return New(code, status, fmt.Sprintf(format, args...))
}

// BadRequest returns a generic validation failure.
func BadRequest(message string) *Error {
	return New(HTTPBadRequest, http.StatusBadRequest, message)
}

// NotFound ...
func NotFound(message string) *Error {
	return New(HTTPNotFound, http.StatusNotFound, message)
}

// Unauthorized ...
func Unauthorized(message string) *Error {
	return New(HTTPUnauthorized, http.StatusUnauthorized, message)
}

// Forbidden ...
func Forbidden(message string) *Error {
	return New(HTTPForbidden, http.StatusForbidden, message)
}

// EmailNotVerified is shared by every flow that needs a verified account.
func EmailNotVerified() *Error {
	return New(AccEmailNotVerified, http.StatusForbidden, "Login with verified email required")
}

// From extracts an *Error from err's chain.
func From(err error) (*Error, bool) {
	var appErr *Error
	if errors.As(err, &appErr) {
		return appErr, true
	}
	return nil, false
}

// Is reports whether err carries the given code.
func Is(err error, code int) bool {
	appErr, ok := From(err)
	return ok && appErr.Code == code
}
