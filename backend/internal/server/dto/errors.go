package dto

import (
	"fmt"
	"net/http"
)

// ErrorCode is a machine readable error category.
type ErrorCode string

// Error codes.
const (
	CodeBadRequest    ErrorCode = "BAD_REQUEST"
	CodeUnauthorized  ErrorCode = "UNAUTHORIZED"
	CodeNotFound      ErrorCode = "NOT_FOUND"
	CodeConflict      ErrorCode = "CONFLICT"
	CodeInternalError ErrorCode = "INTERNAL_ERROR"
)

// ErrorDetails is the payload of an error response.
type ErrorDetails struct {
	Code    ErrorCode      `json:"code"`
	Message string         `json:"message"`
	Details map[string]any `json:"details,omitempty"`
}

// ErrorResponse is the body of every non-2xx JSON response.
type ErrorResponse struct {
	Error ErrorDetails `json:"error"`
}

// APIError is an error that knows its HTTP status.
type APIError struct {
	statusCode int
	code       ErrorCode
	message    string
	details    map[string]any
	err        error
}

func (e *APIError) Error() string {
	if e.err != nil {
		return fmt.Sprintf("%s: %v", e.message, e.err)
	}
	return e.message
}

func (e *APIError) Unwrap() error {
	return e.err
}

// StatusCode returns the HTTP status.
func (e *APIError) StatusCode() int {
	return e.statusCode
}

// Code returns the error code.
func (e *APIError) Code() ErrorCode {
	return e.code
}

// Response returns the JSON body. The wrapped error is not exposed.
func (e *APIError) Response() *ErrorResponse {
	return &ErrorResponse{Error: ErrorDetails{Code: e.code, Message: e.message, Details: e.details}}
}

// Wrap records the underlying cause.
func (e *APIError) Wrap(err error) *APIError {
	e.err = err
	return e
}

// WithDetail adds a key to the details map.
func (e *APIError) WithDetail(key string, value any) *APIError {
	if e.details == nil {
		e.details = map[string]any{}
	}
	e.details[key] = value
	return e
}

// BadRequest returns a 400 error.
func BadRequest(msg string) *APIError {
	return &APIError{statusCode: http.StatusBadRequest, code: CodeBadRequest, message: msg}
}

// Unauthorized returns a 401 error.
func Unauthorized(msg string) *APIError {
	return &APIError{statusCode: http.StatusUnauthorized, code: CodeUnauthorized, message: msg}
}

// NotFound returns a 404 error for resource.
func NotFound(resource string) *APIError {
	return &APIError{statusCode: http.StatusNotFound, code: CodeNotFound, message: resource + " not found"}
}

// Conflict returns a 409 error.
func Conflict(msg string) *APIError {
	return &APIError{statusCode: http.StatusConflict, code: CodeConflict, message: msg}
}

// InternalError returns a 500 error.
func InternalError(msg string) *APIError {
	return &APIError{statusCode: http.StatusInternalServerError, code: CodeInternalError, message: msg}
}
