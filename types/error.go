package types

import (
	"errors"
	"fmt"
	"time"
)

// ErrorCode represents a unified error code across the platform.
type ErrorCode string

const (
	ErrCodeValidation          ErrorCode = "VALIDATION_ERROR"
	ErrCodePermissionDenied    ErrorCode = "PERMISSION_DENIED"
	ErrCodeRateLimitExceeded   ErrorCode = "RATE_LIMIT_EXCEEDED"
	ErrCodeSessionExpired      ErrorCode = "SESSION_EXPIRED"
	ErrCodeInvalidTransition   ErrorCode = "INVALID_TRANSITION"
	ErrCodeEscalationExhausted ErrorCode = "ESCALATION_EXHAUSTED"
	ErrCodeProviderFailure     ErrorCode = "PROVIDER_FAILURE"
	ErrCodeNotFound            ErrorCode = "NOT_FOUND"
	ErrCodeInternal            ErrorCode = "INTERNAL_ERROR"
)

// Error represents a structured error with code, message, and metadata.
type Error struct {
	Code       ErrorCode `json:"code"`
	Message    string    `json:"message"`
	HTTPStatus int       `json:"http_status,omitempty"`
	Retryable  bool      `json:"retryable"`
	Cause      error     `json:"-"`
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

// WithHTTPStatus sets the HTTP status code.
func (e *Error) WithHTTPStatus(status int) *Error {
	e.HTTPStatus = status
	return e
}

// WithRetryable marks the error as retryable.
func (e *Error) WithRetryable(retryable bool) *Error {
	e.Retryable = retryable
	return e
}

// IsRetryable checks if an error is retryable.
func IsRetryable(err error) bool {
	var e *Error
	if errors.As(err, &e) {
		return e.Retryable
	}
	return false
}

// GetErrorCode extracts the error code from an error, walking the wrap chain.
// Returns an empty code for non-structured errors.
func GetErrorCode(err error) ErrorCode {
	var e *Error
	if errors.As(err, &e) {
		return e.Code
	}
	var pd *PermissionDenied
	if errors.As(err, &pd) {
		return ErrCodePermissionDenied
	}
	var rl *RateLimitExceeded
	if errors.As(err, &rl) {
		return ErrCodeRateLimitExceeded
	}
	return ""
}

// PermissionDenied is the typed result of a failed authorization check.
// It carries the required versus actual level so callers can surface both.
type PermissionDenied struct {
	SessionID string
	Required  SecurityLevel
	Actual    SecurityLevel
	Missing   Permission
}

func (e *PermissionDenied) Error() string {
	if e.Missing != "" {
		return fmt.Sprintf("[%s] session %s lacks permission %q", ErrCodePermissionDenied, e.SessionID, e.Missing)
	}
	return fmt.Sprintf("[%s] session %s requires level %q, has %q", ErrCodePermissionDenied, e.SessionID, e.Required, e.Actual)
}

// RateLimitExceeded is the typed result of a throttled action. RetryAfter is
// the time until the current window rolls over or capacity frees up.
type RateLimitExceeded struct {
	SessionID  string
	Category   string
	Limit      int
	RetryAfter time.Duration
}

func (e *RateLimitExceeded) Error() string {
	return fmt.Sprintf("[%s] session %s exceeded %s limit of %d, retry in %s",
		ErrCodeRateLimitExceeded, e.SessionID, e.Category, e.Limit, e.RetryAfter)
}

// ErrorMessageType maps an error to its protocol message family so rejected
// actions always surface as a typed envelope, never a raw fault.
func ErrorMessageType(err error) MessageType {
	switch GetErrorCode(err) {
	case ErrCodePermissionDenied:
		return TypePermissionDenied
	case ErrCodeRateLimitExceeded:
		return TypeRateLimitExceeded
	case ErrCodeSessionExpired:
		return TypeSessionExpired
	default:
		return TypeValidationError
	}
}
