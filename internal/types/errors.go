package types

import (
	"errors"
	"fmt"
)

// ErrorCode classifies every failure the core can surface. Codes are grouped
// by prefix:
//
//	E1xx - input validation
//	E2xx - provider (API, auth, rate limiting)
//	E3xx - state and storage
//	E4xx - configuration
//	E5xx - internal/unexpected
type ErrorCode string

const (
	// ErrCodeInvalidInput indicates the caller supplied malformed or empty input
	ErrCodeInvalidInput ErrorCode = "E101"
	// ErrCodeNameCollision indicates a note already exists at the canonical path
	ErrCodeNameCollision ErrorCode = "E110"

	// ErrCodeProviderCall indicates a provider API call failed (transient)
	ErrCodeProviderCall ErrorCode = "E201"
	// ErrCodeProviderAuth indicates the provider rejected our credentials
	ErrCodeProviderAuth ErrorCode = "E202"
	// ErrCodeRateLimited indicates the provider rate-limited us (transient)
	ErrCodeRateLimited ErrorCode = "E203"
	// ErrCodeEmbeddingFailed indicates an embedding request failed
	ErrCodeEmbeddingFailed ErrorCode = "E210"

	// ErrCodeFileNotFound indicates a file was not found at the expected path
	ErrCodeFileNotFound ErrorCode = "E301"
	// ErrCodePermission indicates a filesystem permission failure
	ErrCodePermission ErrorCode = "E302"
	// ErrCodeDiskFull indicates the filesystem is out of space
	ErrCodeDiskFull ErrorCode = "E303"
	// ErrCodeInvalidPipelineState indicates an operation was attempted in a
	// stage that does not permit it
	ErrCodeInvalidPipelineState ErrorCode = "E310"
	// ErrCodeEntityNotFound indicates a pipeline, task, pair, or node lookup missed
	ErrCodeEntityNotFound ErrorCode = "E311"
	// ErrCodeLockConflict indicates a lease or task slot was already held
	ErrCodeLockConflict ErrorCode = "E320"

	// ErrCodeProviderConfig indicates the provider configuration is missing or invalid
	ErrCodeProviderConfig ErrorCode = "E401"
	// ErrCodeTemplateMissing indicates no template is registered for a task type
	ErrCodeTemplateMissing ErrorCode = "E402"
	// ErrCodeTemplateSlot indicates a template was rendered without a required slot
	ErrCodeTemplateSlot ErrorCode = "E403"

	// ErrCodeInternal indicates an unexpected internal failure
	ErrCodeInternal ErrorCode = "E501"
)

// CodedError is the tagged failure result used throughout the core. Every
// fallible operation either succeeds or returns one of these (possibly
// wrapping a lower-level cause).
type CodedError struct {
	Code    ErrorCode              `json:"code"`
	Message string                 `json:"message"`
	Details map[string]interface{} `json:"details,omitempty"`
	Cause   error                  `json:"-"`
}

func (e *CodedError) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("[%s] %s: %v", e.Code, e.Message, e.Cause)
	}
	return fmt.Sprintf("[%s] %s", e.Code, e.Message)
}

func (e *CodedError) Unwrap() error {
	return e.Cause
}

// NewError creates a CodedError with a formatted message.
func NewError(code ErrorCode, format string, args ...interface{}) *CodedError {
	return &CodedError{Code: code, Message: fmt.Sprintf(format, args...)}
}

// WrapError creates a CodedError wrapping a cause.
func WrapError(code ErrorCode, cause error, format string, args ...interface{}) *CodedError {
	return &CodedError{Code: code, Message: fmt.Sprintf(format, args...), Cause: cause}
}

// WithDetail attaches a key/value detail and returns the error for chaining.
func (e *CodedError) WithDetail(key string, value interface{}) *CodedError {
	if e.Details == nil {
		e.Details = make(map[string]interface{})
	}
	e.Details[key] = value
	return e
}

// CodeOf extracts the ErrorCode from err. Errors that are not CodedErrors
// (directly or via wrapping) classify as internal.
func CodeOf(err error) ErrorCode {
	if err == nil {
		return ""
	}
	var coded *CodedError
	if errors.As(err, &coded) {
		return coded.Code
	}
	return ErrCodeInternal
}

// AsCoded returns err as a *CodedError, coercing unclassified errors to E501.
func AsCoded(err error) *CodedError {
	if err == nil {
		return nil
	}
	var coded *CodedError
	if errors.As(err, &coded) {
		return coded
	}
	return &CodedError{Code: ErrCodeInternal, Message: err.Error(), Cause: err}
}

// IsTransient reports whether an error is a transient provider failure that
// the task queue may retry. Validation, state, and configuration errors are
// never retried.
func IsTransient(err error) bool {
	switch CodeOf(err) {
	case ErrCodeProviderCall, ErrCodeRateLimited:
		return true
	default:
		return false
	}
}
