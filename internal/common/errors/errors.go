// Package errors defines AppError, the error shape the task store returns and
// the HTTP layer renders as {"error": {...}}.
package errors

import (
	"errors"
	"fmt"
	"net/http"
)

// Stable error codes clients may switch on.
const (
	ErrCodeNotFound           = "NOT_FOUND"
	ErrCodeBadRequest         = "BAD_REQUEST"
	ErrCodeConflict           = "CONFLICT"
	ErrCodeInternalError      = "INTERNAL_ERROR"
	ErrCodeServiceUnavailable = "SERVICE_UNAVAILABLE"
)

// AppError carries a code, a user-facing message and the HTTP status to use.
// Field names the offending input for validation failures.
type AppError struct {
	Code       string `json:"code"`
	Message    string `json:"message"`
	Field      string `json:"field,omitempty"`
	HTTPStatus int    `json:"-"`
	Err        error  `json:"-"`
}

func (e *AppError) Error() string {
	msg := e.Code + ": " + e.Message
	if e.Field != "" {
		msg += " (field " + e.Field + ")"
	}
	if e.Err != nil {
		msg += ": " + e.Err.Error()
	}
	return msg
}

func (e *AppError) Unwrap() error { return e.Err }

func newError(code string, status int, message string, err error) *AppError {
	return &AppError{Code: code, Message: message, HTTPStatus: status, Err: err}
}

// NotFound reports a missing resource.
func NotFound(resource, id string) *AppError {
	return newError(ErrCodeNotFound, http.StatusNotFound, fmt.Sprintf("%s with id '%s' not found", resource, id), nil)
}

// BadRequest reports invalid input.
func BadRequest(message string) *AppError {
	return newError(ErrCodeBadRequest, http.StatusBadRequest, message, nil)
}

// InvalidField reports invalid input attributable to one field.
func InvalidField(field, format string, args ...interface{}) *AppError {
	e := BadRequest(fmt.Sprintf(format, args...))
	e.Field = field
	return e
}

// Conflict reports a state conflict, wrapping the sentinel that caused it.
func Conflict(message string, err error) *AppError {
	return newError(ErrCodeConflict, http.StatusConflict, message, err)
}

// InternalError wraps an unexpected failure.
func InternalError(message string, err error) *AppError {
	return newError(ErrCodeInternalError, http.StatusInternalServerError, message, err)
}

// ServiceUnavailable reports a temporarily missing dependency such as a host.
func ServiceUnavailable(message string, err error) *AppError {
	return newError(ErrCodeServiceUnavailable, http.StatusServiceUnavailable, message, err)
}

// IsNotFound reports whether err is (or wraps) a NOT_FOUND AppError.
func IsNotFound(err error) bool {
	var appErr *AppError
	return errors.As(err, &appErr) && appErr.Code == ErrCodeNotFound
}

// As converts err into an AppError; anything else becomes INTERNAL_ERROR.
func As(err error) *AppError {
	var appErr *AppError
	if errors.As(err, &appErr) {
		return appErr
	}
	return InternalError("internal error", err)
}
