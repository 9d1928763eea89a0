// Package errors provides a structured error system for metricsd with error codes, categories, and context.
package errors

import (
	stderrors "errors"
	"fmt"
	"time"
)

// ErrorCode represents a structured error code for metricsd operations.
type ErrorCode string

const (
	// Configuration errors
	ErrCodeInvalidConfig    ErrorCode = "INVALID_CONFIG"
	ErrCodeConfigValidation ErrorCode = "CONFIG_VALIDATION"
	ErrCodeConfigLoad       ErrorCode = "CONFIG_LOAD"

	// Instrumentation errors
	ErrCodeInvalidLabelCount ErrorCode = "INVALID_LABEL_COUNT"
	ErrCodeInvalidMetricName ErrorCode = "INVALID_METRIC_NAME"
	ErrCodeInvalidBuckets    ErrorCode = "INVALID_BUCKETS"
	ErrCodeUnknownRequestID  ErrorCode = "UNKNOWN_REQUEST_ID"
	ErrCodeSampleReadFailure ErrorCode = "SAMPLE_READ_FAILURE"

	// Storage errors
	ErrCodeStorageUnavailable ErrorCode = "STORAGE_UNAVAILABLE"
	ErrCodeStorageRequest     ErrorCode = "STORAGE_REQUEST"
	ErrCodeItemNotFound       ErrorCode = "ITEM_NOT_FOUND"

	// Request errors
	ErrCodeValidationFailed ErrorCode = "VALIDATION_FAILED"
	ErrCodeRequestTimeout   ErrorCode = "REQUEST_TIMEOUT"

	// Internal errors
	ErrCodeInternalError  ErrorCode = "INTERNAL_ERROR"
	ErrCodePanicRecovered ErrorCode = "PANIC_RECOVERED"
)

// ErrorCategory represents the general category of an error.
type ErrorCategory string

const (
	CategoryConfiguration   ErrorCategory = "configuration"
	CategoryInstrumentation ErrorCategory = "instrumentation"
	CategoryStorage         ErrorCategory = "storage"
	CategoryRequest         ErrorCategory = "request"
	CategoryInternal        ErrorCategory = "internal"
)

// Error represents a structured error with context and metadata.
type Error struct {
	Code      ErrorCode     `json:"code"`
	Category  ErrorCategory `json:"category"`
	Message   string        `json:"message"`
	Cause     error         `json:"-"`
	Timestamp time.Time     `json:"timestamp"`

	Component string `json:"component,omitempty"`
	Operation string `json:"operation,omitempty"`

	HTTPStatus int `json:"http_status,omitempty"`
}

// Error implements the error interface.
func (e *Error) Error() string {
	if e.Component != "" {
		if e.Operation != "" {
			return fmt.Sprintf("[%s:%s] %s: %s", e.Component, e.Operation, e.Code, e.Message)
		}
		return fmt.Sprintf("[%s] %s: %s", e.Component, e.Code, e.Message)
	}
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

// Unwrap returns the underlying cause error for error wrapping compatibility.
func (e *Error) Unwrap() error {
	return e.Cause
}

// Is checks if the error matches the target error (for errors.Is compatibility).
func (e *Error) Is(target error) bool {
	if other, ok := target.(*Error); ok {
		return e.Code == other.Code
	}
	return false
}

// New creates a new structured error.
func New(code ErrorCode, message string) *Error {
	return &Error{
		Code:       code,
		Category:   GetCategory(code),
		Message:    message,
		Timestamp:  time.Now(),
		HTTPStatus: GetDefaultHTTPStatus(code),
	}
}

// Newf creates a new structured error with a formatted message.
func Newf(code ErrorCode, format string, args ...interface{}) *Error {
	return New(code, fmt.Sprintf(format, args...))
}

// WithComponent sets the component for an error
func (e *Error) WithComponent(component string) *Error {
	e.Component = component
	return e
}

// WithOperation sets the operation for an error
func (e *Error) WithOperation(operation string) *Error {
	e.Operation = operation
	return e
}

// WithCause sets the underlying cause
func (e *Error) WithCause(cause error) *Error {
	e.Cause = cause
	return e
}

// GetCategory determines the category based on the error code.
func GetCategory(code ErrorCode) ErrorCategory {
	switch code {
	case ErrCodeInvalidConfig, ErrCodeConfigValidation, ErrCodeConfigLoad:
		return CategoryConfiguration
	case ErrCodeInvalidLabelCount, ErrCodeInvalidMetricName, ErrCodeInvalidBuckets,
		ErrCodeUnknownRequestID, ErrCodeSampleReadFailure:
		return CategoryInstrumentation
	case ErrCodeStorageUnavailable, ErrCodeStorageRequest, ErrCodeItemNotFound:
		return CategoryStorage
	case ErrCodeValidationFailed, ErrCodeRequestTimeout:
		return CategoryRequest
	default:
		return CategoryInternal
	}
}

// GetDefaultHTTPStatus returns the default HTTP status for an error code.
func GetDefaultHTTPStatus(code ErrorCode) int {
	switch code {
	case ErrCodeInvalidConfig, ErrCodeConfigValidation, ErrCodeValidationFailed:
		return 400
	case ErrCodeItemNotFound:
		return 404
	case ErrCodeStorageUnavailable:
		return 503
	case ErrCodeRequestTimeout:
		return 504
	default:
		return 500
	}
}

// Kind maps an error to a bounded set of tags suitable for metric labels.
// Raw error type names would leak unbounded cardinality into the exceptions
// counter, so every error collapses into one of a few known kinds.
func Kind(err error) string {
	if err == nil {
		return ""
	}
	var e *Error
	if stderrors.As(err, &e) {
		switch e.Category {
		case CategoryStorage:
			return "storage"
		case CategoryRequest:
			if e.Code == ErrCodeRequestTimeout {
				return "timeout"
			}
			return "validation"
		case CategoryConfiguration:
			return "configuration"
		case CategoryInstrumentation:
			return "instrumentation"
		}
	}
	return "internal"
}
