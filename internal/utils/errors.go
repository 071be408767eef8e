package utils

import (
	"errors"
	"fmt"
	"strings"
	"time"
)

// ErrorKind is the coarse failure category that decides how an error is
// handled: retried, rejected, discarded, absorbed or fatal.
type ErrorKind string

const (
	// KindTransient covers network blips and database contention. Retried
	// with exponential backoff, bounded attempts.
	KindTransient ErrorKind = "TRANSIENT"
	// KindAuthentication covers bad or expired tokens. Rejected immediately.
	KindAuthentication ErrorKind = "AUTHENTICATION"
	// KindValidation covers malformed inbound messages. The message is
	// discarded, the connection stays open.
	KindValidation ErrorKind = "VALIDATION"
	// KindResourceExhaustion covers full caches, full queues and memory
	// pressure. Handled by eviction, never by crashing.
	KindResourceExhaustion ErrorKind = "RESOURCE_EXHAUSTION"
	// KindFatal covers unrecoverable configuration or schema mismatches.
	KindFatal ErrorKind = "FATAL"
)

// AppError represents a structured application error
type AppError struct {
	Kind      ErrorKind              `json:"kind"`
	Code      string                 `json:"code"`
	Message   string                 `json:"message"`
	Details   string                 `json:"details,omitempty"`
	Cause     error                  `json:"-"`
	Context   map[string]interface{} `json:"context,omitempty"`
	Timestamp time.Time              `json:"timestamp"`
	Component string                 `json:"component"`
}

// Error implements the error interface
func (e *AppError) Error() string {
	msg := fmt.Sprintf("[%s:%s] %s", e.Kind, e.Code, e.Message)
	if e.Details != "" {
		msg += ": " + e.Details
	}
	if e.Cause != nil {
		msg += ": " + e.Cause.Error()
	}
	return msg
}

// Unwrap returns the underlying error for error unwrapping
func (e *AppError) Unwrap() error {
	return e.Cause
}

// IsRetryable reports whether the error is worth another attempt.
func (e *AppError) IsRetryable() bool {
	return e.Kind == KindTransient
}

// WithContext adds context to the error
func (e *AppError) WithContext(key string, value interface{}) *AppError {
	if e.Context == nil {
		e.Context = make(map[string]interface{})
	}
	e.Context[key] = value
	return e
}

// WithDetails adds additional details to the error
func (e *AppError) WithDetails(details string) *AppError {
	e.Details = details
	return e
}

// NewAppError creates a new application error
func NewAppError(kind ErrorKind, code, message, component string) *AppError {
	return &AppError{
		Kind:      kind,
		Code:      code,
		Message:   message,
		Component: component,
		Timestamp: time.Now().UTC(),
	}
}

// WrapError wraps an existing error with application error context
func WrapError(err error, kind ErrorKind, code, message, component string) *AppError {
	appErr := NewAppError(kind, code, message, component)
	appErr.Cause = err
	return appErr
}

// Transient, Validation etc. are shorthands for the common constructors.
func Transient(err error, code, component string) *AppError {
	return WrapError(err, KindTransient, code, "transient failure", component)
}

func Validation(err error, code, component string) *AppError {
	return WrapError(err, KindValidation, code, "invalid input", component)
}

func Fatal(err error, code, component string) *AppError {
	return WrapError(err, KindFatal, code, "unrecoverable failure", component)
}

// KindOf extracts the error kind, walking the wrap chain. Unknown errors are
// classified by message pattern; anything unrecognised is treated as fatal so
// it is never retried forever.
func KindOf(err error) ErrorKind {
	if err == nil {
		return ""
	}
	var appErr *AppError
	if errors.As(err, &appErr) {
		return appErr.Kind
	}
	if looksTransient(err) {
		return KindTransient
	}
	return KindFatal
}

// IsKind reports whether err belongs to the given kind.
func IsKind(err error, kind ErrorKind) bool {
	return KindOf(err) == kind
}

// IsRetryableError checks if an error is retryable
func IsRetryableError(err error) bool {
	return KindOf(err) == KindTransient
}

// CodeOf extracts the error code from an error
func CodeOf(err error) string {
	var appErr *AppError
	if errors.As(err, &appErr) {
		return appErr.Code
	}
	return "UNKNOWN"
}

var transientPatterns = []string{
	"timeout",
	"connection refused",
	"connection reset",
	"broken pipe",
	"temporary failure",
	"service unavailable",
	"too many requests",
	"database is locked",
	"deadlock",
	"could not serialize",
}

func looksTransient(err error) bool {
	errStr := strings.ToLower(err.Error())
	for _, pattern := range transientPatterns {
		if strings.Contains(errStr, pattern) {
			return true
		}
	}
	return false
}
