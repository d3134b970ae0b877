package types

import (
	"errors"
	"fmt"
)

// ErrorCode represents a unified error code across the pipeline.
type ErrorCode string

// Pipeline error codes
const (
	ErrMalformedMessage     ErrorCode = "MALFORMED_MESSAGE"
	ErrNoSuitableWorker     ErrorCode = "NO_SUITABLE_WORKER"
	ErrBusUnavailable       ErrorCode = "BUS_UNAVAILABLE"
	ErrTimeout              ErrorCode = "TIMEOUT"
	ErrClassificationFailed ErrorCode = "CLASSIFICATION_FAILED"
	ErrClosed               ErrorCode = "CLOSED"
	ErrInvalidRequest       ErrorCode = "INVALID_REQUEST"
	ErrInternalError        ErrorCode = "INTERNAL_ERROR"
	ErrWorkerFailed         ErrorCode = "WORKER_FAILED"
	ErrSelectionUnavailable ErrorCode = "SELECTION_UNAVAILABLE"
)

// Error represents a structured error with code, message, and metadata.
type Error struct {
	Code      ErrorCode `json:"code"`
	Message   string    `json:"message"`
	Retryable bool      `json:"retryable"`
	Topic     string    `json:"topic,omitempty"`
	Cause     error     `json:"-"`
}

// Error implements the error interface.
func (e *Error) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("[%s] %s: %v", e.Code, e.Message, e.Cause)
	}
	return fmt.Sprintf("[%s] %s", e.Code, e.Message)
}

// Unwrap returns the underlying cause.
func (e *Error) Unwrap() error {
	return e.Cause
}

// NewError creates a new Error with the given code and message.
func NewError(code ErrorCode, message string) *Error {
	return &Error{Code: code, Message: message}
}

// WithCause adds a cause to the error.
func (e *Error) WithCause(cause error) *Error {
	e.Cause = cause
	return e
}

// WithRetryable marks the error as retryable.
func (e *Error) WithRetryable(retryable bool) *Error {
	e.Retryable = retryable
	return e
}

// WithTopic records the bus topic the failure relates to.
func (e *Error) WithTopic(topic string) *Error {
	e.Topic = topic
	return e
}

// NewBusError wraps a transport failure. Bus errors are always retryable:
// the surrounding supervisor restarts the component.
func NewBusError(topic string, cause error) *Error {
	return NewError(ErrBusUnavailable, "bus unavailable").
		WithTopic(topic).
		WithCause(cause).
		WithRetryable(true)
}

// NewMalformedError reports a payload that could not be decoded.
func NewMalformedError(topic string, cause error) *Error {
	return NewError(ErrMalformedMessage, "malformed message").
		WithTopic(topic).
		WithCause(cause)
}

// NewTimeoutError reports a bounded wait that elapsed.
func NewTimeoutError(message string) *Error {
	return NewError(ErrTimeout, message).WithRetryable(true)
}

// AsError extracts *Error from an error chain.
func AsError(err error) (*Error, bool) {
	var e *Error
	if errors.As(err, &e) {
		return e, true
	}
	return nil, false
}

// IsRetryable checks if an error is retryable.
func IsRetryable(err error) bool {
	if e, ok := AsError(err); ok {
		return e.Retryable
	}
	return false
}

// GetErrorCode extracts the error code from an error.
func GetErrorCode(err error) ErrorCode {
	if e, ok := AsError(err); ok {
		return e.Code
	}
	return ""
}

// IsCode reports whether err carries the given code anywhere in its chain.
func IsCode(err error, code ErrorCode) bool {
	return GetErrorCode(err) == code
}
