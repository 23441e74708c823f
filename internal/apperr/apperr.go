// Package apperr is the error taxonomy shared by the control plane and the
// mapping of each class onto an HTTP status.
package apperr

import (
	"errors"
	"fmt"
	"net/http"
)

// Code identifies the class of an error
type Code string

const (
	CodeValidation    Code = "VALIDATION"
	CodeNotFound      Code = "NOT_FOUND"
	CodeTimeout       Code = "TIMEOUT"
	CodeDriver        Code = "DRIVER"
	CodeInternalState Code = "INTERNAL_STATE"
)

// Error is a classified error
type Error struct {
	Code    Code
	Message string
	Err     error
}

func (e *Error) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("[%s] %s: %v", e.Code, e.Message, e.Err)
	}
	return fmt.Sprintf("[%s] %s", e.Code, e.Message)
}

// Unwrap returns the underlying error for errors.Is/As
func (e *Error) Unwrap() error {
	return e.Err
}

func newf(code Code, format string, args ...any) *Error {
	return &Error{Code: code, Message: fmt.Sprintf(format, args...)}
}

// Validation reports a malformed request.
func Validation(format string, args ...any) *Error { return newf(CodeValidation, format, args...) }

// NotFound reports an unknown session or task.
func NotFound(format string, args ...any) *Error { return newf(CodeNotFound, format, args...) }

// Timeout reports an operation that ran out of time.
func Timeout(format string, args ...any) *Error { return newf(CodeTimeout, format, args...) }

// InternalState reports a broken registry or manager invariant.
func InternalState(format string, args ...any) *Error {
	return newf(CodeInternalState, format, args...)
}

// Driver wraps a browser-driver failure.
func Driver(err error, message string) *Error {
	if err == nil {
		return nil
	}
	return &Error{Code: CodeDriver, Message: message, Err: err}
}

// CodeOf extracts the code of err, or "" when err is not classified.
func CodeOf(err error) Code {
	var e *Error
	if errors.As(err, &e) {
		return e.Code
	}
	return ""
}

// Is reports whether err carries the given code.
func Is(err error, code Code) bool {
	return err != nil && CodeOf(err) == code
}

// HTTPStatus maps err onto a response status. Unclassified errors are 500.
func HTTPStatus(err error) int {
	switch CodeOf(err) {
	case CodeValidation:
		return http.StatusBadRequest
	case CodeNotFound:
		return http.StatusNotFound
	case CodeTimeout:
		return http.StatusGatewayTimeout
	default:
		return http.StatusInternalServerError
	}
}
