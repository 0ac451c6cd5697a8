// Package apperr defines the error taxonomy surfaced by the API. Handlers
// map these to HTTP status codes; everything else wraps with fmt.Errorf and
// %w so errors.As still finds the class at the edge.
package apperr

import (
	"errors"
	"fmt"
	"net/http"
)

type Code string

const (
	CodeUnauthorized       Code = "unauthorized"
	CodeNotFound           Code = "not_found"
	CodeValidation         Code = "validation_error"
	CodePreconditionFailed Code = "precondition_failed"
	CodeStorage            Code = "storage_error"
)

// FieldError carries field-level detail for validation failures.
type FieldError struct {
	Field   string `json:"field"`
	Message string `json:"message"`
}

type Error struct {
	Code    Code         `json:"code"`
	Message string       `json:"message"`
	Details []FieldError `json:"details,omitempty"`
	// Retryable marks failures the caller should retry with backoff
	// (storage-layer errors on the durable write path).
	Retryable bool  `json:"-"`
	Err       error `json:"-"`
}

func (e *Error) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %s: %v", e.Code, e.Message, e.Err)
	}
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

func (e *Error) Unwrap() error { return e.Err }

// HTTPStatus maps the error class to its API status code.
func (e *Error) HTTPStatus() int {
	switch e.Code {
	case CodeUnauthorized:
		return http.StatusUnauthorized
	case CodeNotFound:
		return http.StatusNotFound
	case CodeValidation:
		return http.StatusBadRequest
	case CodePreconditionFailed:
		return http.StatusPreconditionFailed
	case CodeStorage:
		return http.StatusInternalServerError
	}
	return http.StatusInternalServerError
}

func Unauthorized(msg string) *Error {
	return &Error{Code: CodeUnauthorized, Message: msg}
}

func NotFound(msg string) *Error {
	return &Error{Code: CodeNotFound, Message: msg}
}

func Validation(msg string, details ...FieldError) *Error {
	return &Error{Code: CodeValidation, Message: msg, Details: details}
}

func PreconditionFailed(msg string) *Error {
	return &Error{Code: CodePreconditionFailed, Message: msg}
}

func Storage(msg string, err error) *Error {
	return &Error{Code: CodeStorage, Message: msg, Retryable: true, Err: err}
}

// As extracts an *Error from err's chain, or nil.
func As(err error) *Error {
	var e *Error
	if errors.As(err, &e) {
		return e
	}
	return nil
}

// IsCode reports whether err carries the given error class.
func IsCode(err error, code Code) bool {
	e := As(err)
	return e != nil && e.Code == code
}
