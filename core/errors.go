package core

import (
	"errors"
	"fmt"
	"net/http"
)

// ErrorCode categorizes library errors.
type ErrorCode string

const (
	ErrRateLimited       ErrorCode = "rate_limited"
	ErrServerError       ErrorCode = "server_error"
	ErrBadRequest        ErrorCode = "bad_request"
	ErrAuthentication    ErrorCode = "authentication"
	ErrTimeout           ErrorCode = "timeout"
	ErrCanceled          ErrorCode = "canceled"
	ErrStreamParse       ErrorCode = "stream_parse"
	ErrSchemaUnsupported ErrorCode = "schema_unsupported"
	ErrExtraction        ErrorCode = "extraction"
	ErrToolModeMismatch  ErrorCode = "tool_mode_mismatch"
	ErrBatchItem         ErrorCode = "batch_item"
	ErrInternal          ErrorCode = "internal"
)

// Error provides structured failure context for library consumers.
type Error struct {
	Code       ErrorCode
	Message    string
	Status     int
	Retryable  bool
	Details    map[string]any
	RetryAfter int64
	wrapped    error
}

func (e *Error) Error() string {
	if e == nil {
		return ""
	}
	if e.wrapped != nil {
		return fmt.Sprintf("%s: %v", e.Message, e.wrapped)
	}
	return e.Message
}

func (e *Error) Unwrap() error { return e.wrapped }

// WrapError creates a new Error with the provided code, passing through values
// that are already structured.
func WrapError(err error, code ErrorCode) *Error {
	if err == nil {
		return nil
	}
	var ce *Error
	if errors.As(err, &ce) {
		return ce
	}
	return &Error{Code: code, Message: err.Error(), wrapped: err}
}

// NewError builds an Error explicitly.
func NewError(code ErrorCode, message string, opts ...ErrorOption) *Error {
	e := &Error{Code: code, Message: message}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// ErrorOption mutates an Error during construction.
type ErrorOption func(*Error)

// WithStatus sets the HTTP status code.
func WithStatus(status int) ErrorOption {
	return func(e *Error) { e.Status = status }
}

// WithRetryable marks whether retry is recommended.
func WithRetryable(retryable bool) ErrorOption {
	return func(e *Error) { e.Retryable = retryable }
}

// WithRetryAfter sets retry-after seconds.
func WithRetryAfter(seconds int64) ErrorOption {
	return func(e *Error) { e.RetryAfter = seconds }
}

// WithDetails attaches structured context.
func WithDetails(details map[string]any) ErrorOption {
	return func(e *Error) { e.Details = details }
}

// WithWrapped attaches an underlying error.
func WithWrapped(err error) ErrorOption {
	return func(e *Error) { e.wrapped = err }
}

func classify(code ErrorCode) func(error) bool {
	return func(err error) bool {
		var ce *Error
		if err == nil {
			return false
		}
		if errors.As(err, &ce) {
			return ce.Code == code
		}
		return false
	}
}

// Helper predicates for common error handling patterns.
var (
	IsRateLimited       = classify(ErrRateLimited)
	IsServerError       = classify(ErrServerError)
	IsBadRequest        = classify(ErrBadRequest)
	IsAuthentication    = classify(ErrAuthentication)
	IsTimeout           = classify(ErrTimeout)
	IsCanceled          = classify(ErrCanceled)
	IsStreamParse       = classify(ErrStreamParse)
	IsSchemaUnsupported = classify(ErrSchemaUnsupported)
	IsExtraction        = classify(ErrExtraction)
	IsToolModeMismatch  = classify(ErrToolModeMismatch)
	IsBatchItem         = classify(ErrBatchItem)
)

// IsRetryable reports whether the error is worth retrying per the transport
// policy. Unclassified errors are not retryable.
func IsRetryable(err error) bool {
	var ce *Error
	if errors.As(err, &ce) {
		return ce.Retryable
	}
	return false
}

// GetRetryAfter extracts the retry-after hint in seconds.
func GetRetryAfter(err error) int64 {
	var ce *Error
	if errors.As(err, &ce) {
		return ce.RetryAfter
	}
	return 0
}

// CodeForStatus maps an HTTP status to the library error code. Rate limits and
// server-side failures are retryable; any other non-success status is fatal
// and should carry the vendor's decoded message.
func CodeForStatus(status int) ErrorCode {
	switch {
	case status == http.StatusTooManyRequests:
		return ErrRateLimited
	case status == http.StatusUnauthorized || status == http.StatusForbidden:
		return ErrAuthentication
	case status == http.StatusRequestTimeout:
		return ErrTimeout
	case status >= 500:
		return ErrServerError
	default:
		return ErrBadRequest
	}
}

// RetryableStatus reports whether the HTTP status indicates a transient
// failure.
func RetryableStatus(status int) bool {
	return status == http.StatusTooManyRequests || status == http.StatusRequestTimeout || status >= 500
}
