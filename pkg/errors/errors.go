// Package errors provides the structured error system for DriveFS: error codes, categories,
// retry hints and translation to POSIX errno values.
package errors

import (
	"encoding/json"
	stderrors "errors"
	"fmt"
	"net/http"
	"strings"
	"time"
)

// ErrorCode represents a structured error code for DriveFS operations.
type ErrorCode string

// Error code constants grouped by category.
const (
	// Configuration errors
	ErrCodeInvalidConfig    ErrorCode = "INVALID_CONFIG"
	ErrCodeConfigValidation ErrorCode = "CONFIG_VALIDATION"
	ErrCodeConfigLoad       ErrorCode = "CONFIG_LOAD"
	ErrCodeConfigSave       ErrorCode = "CONFIG_SAVE"

	// Remote drive errors, classified at the drive client boundary
	ErrCodeTransient        ErrorCode = "TRANSIENT"
	ErrCodeRateLimited      ErrorCode = "RATE_LIMITED"
	ErrCodeConflict         ErrorCode = "VERSION_CONFLICT"
	ErrCodeNotFound         ErrorCode = "NOT_FOUND"
	ErrCodePermissionDenied ErrorCode = "PERMISSION_DENIED"
	ErrCodeUnauthorized     ErrorCode = "UNAUTHORIZED"
	ErrCodeFatal            ErrorCode = "FATAL"

	// Filesystem errors
	ErrCodeMountFailed     ErrorCode = "MOUNT_FAILED"
	ErrCodeUnmountFailed   ErrorCode = "UNMOUNT_FAILED"
	ErrCodePathInvalid     ErrorCode = "PATH_INVALID"
	ErrCodeNotDirectory    ErrorCode = "NOT_DIRECTORY"
	ErrCodeIsDirectory     ErrorCode = "IS_DIRECTORY"
	ErrCodeNotEmpty        ErrorCode = "NOT_EMPTY"
	ErrCodeAlreadyExists   ErrorCode = "ALREADY_EXISTS"
	ErrCodeInvalidArgument ErrorCode = "INVALID_ARGUMENT"
	ErrCodeReadOnly        ErrorCode = "READ_ONLY"
	ErrCodeStaleHandle     ErrorCode = "STALE_HANDLE"
	ErrCodeBadHandle       ErrorCode = "BAD_HANDLE"

	// Resource errors
	ErrCodeBusy          ErrorCode = "BUSY"
	ErrCodeBufferFull    ErrorCode = "BUFFER_FULL"
	ErrCodeQuotaExceeded ErrorCode = "QUOTA_EXCEEDED"

	// State errors
	ErrCodeNotInitialized     ErrorCode = "NOT_INITIALIZED"
	ErrCodeAlreadyStarted     ErrorCode = "ALREADY_STARTED"
	ErrCodeComponentStopped   ErrorCode = "COMPONENT_STOPPED"
	ErrCodeServiceUnavailable ErrorCode = "SERVICE_UNAVAILABLE"

	// Operation errors
	ErrCodeOperationTimeout  ErrorCode = "OPERATION_TIMEOUT"
	ErrCodeOperationCanceled ErrorCode = "OPERATION_CANCELED"
	ErrCodeRetryExhausted    ErrorCode = "RETRY_EXHAUSTED"

	// Internal errors
	ErrCodeInternalError ErrorCode = "INTERNAL_ERROR"
)

// ErrorCategory represents the general category of an error.
type ErrorCategory string

const (
	CategoryConfiguration ErrorCategory = "configuration"
	CategoryRemote        ErrorCategory = "remote"
	CategoryAuth          ErrorCategory = "auth"
	CategoryFilesystem    ErrorCategory = "filesystem"
	CategoryResource      ErrorCategory = "resource"
	CategoryState         ErrorCategory = "state"
	CategoryOperation     ErrorCategory = "operation"
	CategoryInternal      ErrorCategory = "internal"
)

var categories = map[ErrorCode]ErrorCategory{
	ErrCodeInvalidConfig:      CategoryConfiguration,
	ErrCodeConfigValidation:   CategoryConfiguration,
	ErrCodeConfigLoad:         CategoryConfiguration,
	ErrCodeConfigSave:         CategoryConfiguration,
	ErrCodeTransient:          CategoryRemote,
	ErrCodeRateLimited:        CategoryRemote,
	ErrCodeConflict:           CategoryRemote,
	ErrCodeNotFound:           CategoryRemote,
	ErrCodeFatal:              CategoryRemote,
	ErrCodePermissionDenied:   CategoryAuth,
	ErrCodeUnauthorized:       CategoryAuth,
	ErrCodeMountFailed:        CategoryFilesystem,
	ErrCodeUnmountFailed:      CategoryFilesystem,
	ErrCodePathInvalid:        CategoryFilesystem,
	ErrCodeNotDirectory:       CategoryFilesystem,
	ErrCodeIsDirectory:        CategoryFilesystem,
	ErrCodeNotEmpty:           CategoryFilesystem,
	ErrCodeAlreadyExists:      CategoryFilesystem,
	ErrCodeInvalidArgument:    CategoryFilesystem,
	ErrCodeReadOnly:           CategoryFilesystem,
	ErrCodeStaleHandle:        CategoryFilesystem,
	ErrCodeBadHandle:          CategoryFilesystem,
	ErrCodeBusy:               CategoryResource,
	ErrCodeBufferFull:         CategoryResource,
	ErrCodeQuotaExceeded:      CategoryResource,
	ErrCodeNotInitialized:     CategoryState,
	ErrCodeAlreadyStarted:     CategoryState,
	ErrCodeComponentStopped:   CategoryState,
	ErrCodeServiceUnavailable: CategoryState,
	ErrCodeOperationTimeout:   CategoryOperation,
	ErrCodeOperationCanceled:  CategoryOperation,
	ErrCodeRetryExhausted:     CategoryOperation,
}

// DriveFSError represents a structured error with context and metadata.
type DriveFSError struct {
	// Core error information
	Code     ErrorCode     `json:"code"`
	Category ErrorCategory `json:"category"`
	Message  string        `json:"message"`

	// Contextual information
	Context   map[string]string `json:"context,omitempty"`
	Cause     error             `json:"-"`
	Timestamp time.Time         `json:"timestamp"`

	// Operational metadata
	Component string `json:"component,omitempty"`
	Operation string `json:"operation,omitempty"`

	// Error handling hints
	Retryable  bool          `json:"retryable"`
	RetryAfter time.Duration `json:"retry_after,omitempty"`
	HTTPStatus int           `json:"http_status,omitempty"`
}

// Error implements the error interface.
func (e *DriveFSError) Error() string {
	msg := fmt.Sprintf("%s: %s", e.Code, e.Message)
	if e.Component != "" {
		if e.Operation != "" {
			msg = fmt.Sprintf("[%s:%s] %s", e.Component, e.Operation, msg)
		} else {
			msg = fmt.Sprintf("[%s] %s", e.Component, msg)
		}
	}
	if e.Cause != nil {
		msg += ": " + e.Cause.Error()
	}
	return msg
}

// Unwrap returns the underlying cause error for error wrapping compatibility.
func (e *DriveFSError) Unwrap() error {
	return e.Cause
}

// Is reports whether target is a DriveFSError with the same code.
func (e *DriveFSError) Is(target error) bool {
	if other, ok := target.(*DriveFSError); ok {
		return e.Code == other.Code
	}
	return false
}

// String returns a detailed string representation for logging.
func (e *DriveFSError) String() string {
	var parts []string

	parts = append(parts, fmt.Sprintf("Code=%s", e.Code))
	parts = append(parts, fmt.Sprintf("Category=%s", e.Category))
	parts = append(parts, fmt.Sprintf("Message=%q", e.Message))

	if e.Component != "" {
		parts = append(parts, fmt.Sprintf("Component=%s", e.Component))
	}
	if e.Operation != "" {
		parts = append(parts, fmt.Sprintf("Operation=%s", e.Operation))
	}
	if e.Retryable {
		parts = append(parts, "Retryable=true")
	}
	if e.RetryAfter > 0 {
		parts = append(parts, fmt.Sprintf("RetryAfter=%s", e.RetryAfter))
	}
	if e.Cause != nil {
		parts = append(parts, fmt.Sprintf("Cause=%q", e.Cause.Error()))
	}

	return fmt.Sprintf("DriveFSError{%s}", strings.Join(parts, ", "))
}

// JSON returns the error as a JSON string.
func (e *DriveFSError) JSON() string {
	data, err := json.Marshal(e)
	if err != nil {
		return fmt.Sprintf(`{"error":"failed to marshal error: %s"}`, err.Error())
	}
	return string(data)
}

// NewError creates a new DriveFS error with default values for its code.
func NewError(code ErrorCode, message string) *DriveFSError {
	return &DriveFSError{
		Code:      code,
		Category:  GetCategory(code),
		Message:   message,
		Timestamp: time.Now(),
		Context:   make(map[string]string),
		Retryable: IsRetryableByDefault(code),
	}
}

// Wrap creates a new error with the given code whose cause is err.
func Wrap(err error, code ErrorCode, message string) *DriveFSError {
	return NewError(code, message).WithCause(err)
}

// GetCategory determines the category of an error code.
func GetCategory(code ErrorCode) ErrorCategory {
	if c, ok := categories[code]; ok {
		return c
	}
	return CategoryInternal
}

// IsRetryableByDefault determines if an error code is retryable by default.
func IsRetryableByDefault(code ErrorCode) bool {
	switch code {
	case ErrCodeTransient, ErrCodeRateLimited, ErrCodeOperationTimeout:
		return true
	}
	return false
}

// WithContext adds contextual information to an error
func (e *DriveFSError) WithContext(key, value string) *DriveFSError {
	if e.Context == nil {
		e.Context = make(map[string]string)
	}
	e.Context[key] = value
	return e
}

// WithComponent sets the component for an error
func (e *DriveFSError) WithComponent(component string) *DriveFSError {
	e.Component = component
	return e
}

// WithOperation sets the operation for an error
func (e *DriveFSError) WithOperation(operation string) *DriveFSError {
	e.Operation = operation
	return e
}

// WithCause sets the underlying cause
func (e *DriveFSError) WithCause(cause error) *DriveFSError {
	e.Cause = cause
	return e
}

// WithRetryAfter records the server-requested wait before the next attempt.
func (e *DriveFSError) WithRetryAfter(d time.Duration) *DriveFSError {
	e.RetryAfter = d
	return e
}

// WithHTTPStatus records the HTTP status the error was classified from.
func (e *DriveFSError) WithHTTPStatus(status int) *DriveFSError {
	e.HTTPStatus = status
	return e
}

// GetRecommendation returns a short operator hint for fixing the error.
func (e *DriveFSError) GetRecommendation() string {
	switch e.Code {
	case ErrCodeUnauthorized:
		return "The access token was rejected. Refresh the drive credentials and remount."
	case ErrCodePermissionDenied:
		return "The account lacks access to the requested item or drive."
	case ErrCodeRateLimited:
		return "The drive is throttling requests. Lower network.rate_limit or network.concurrency."
	case ErrCodeMountFailed:
		return "Check mount point permissions and ensure FUSE is installed."
	case ErrCodeInvalidConfig, ErrCodeConfigValidation:
		return "Check your configuration file syntax and required parameters."
	case ErrCodeServiceUnavailable:
		return "The drive has been failing repeatedly. Requests resume after the breaker timeout."
	}
	return "Please check the error message for details."
}

// AsDriveFSError returns the first DriveFSError in err's chain.
func AsDriveFSError(err error) (*DriveFSError, bool) {
	var de *DriveFSError
	if stderrors.As(err, &de) {
		return de, true
	}
	return nil, false
}

// CodeOf returns the code of the first DriveFSError in err's chain, or
// ErrCodeInternalError for foreign errors.
func CodeOf(err error) ErrorCode {
	if de, ok := AsDriveFSError(err); ok {
		return de.Code
	}
	return ErrCodeInternalError
}

// IsCode reports whether any DriveFSError in err's chain carries code.
func IsCode(err error, code ErrorCode) bool {
	for err != nil {
		if de, ok := err.(*DriveFSError); ok && de.Code == code {
			return true
		}
		err = stderrors.Unwrap(err)
	}
	return false
}

// IsRetryable reports whether err is marked retryable.
func IsRetryable(err error) bool {
	if de, ok := AsDriveFSError(err); ok {
		return de.Retryable
	}
	return false
}

// IsFatal reports whether err means the drive session can no longer make progress.
func IsFatal(err error) bool {
	return IsCode(err, ErrCodeUnauthorized) || IsCode(err, ErrCodeFatal)
}

// RetryAfter returns the server-requested wait attached to err, if any.
func RetryAfter(err error) time.Duration {
	for err != nil {
		if de, ok := err.(*DriveFSError); ok && de.RetryAfter > 0 {
			return de.RetryAfter
		}
		err = stderrors.Unwrap(err)
	}
	return 0
}

// NewRateLimited creates a throttling error honouring the given wait.
func NewRateLimited(message string, retryAfter time.Duration) *DriveFSError {
	return NewError(ErrCodeRateLimited, message).WithRetryAfter(retryAfter)
}

// FromHTTPStatus classifies a remote HTTP failure into the error taxonomy.
func FromHTTPStatus(status int, message string, retryAfter time.Duration) *DriveFSError {
	var code ErrorCode
	switch {
	case status == http.StatusUnauthorized:
		code = ErrCodeUnauthorized
	case status == http.StatusForbidden:
		code = ErrCodePermissionDenied
	case status == http.StatusNotFound || status == http.StatusGone:
		code = ErrCodeNotFound
	case status == http.StatusConflict || status == http.StatusPreconditionFailed:
		code = ErrCodeConflict
	case status == http.StatusTooManyRequests:
		code = ErrCodeRateLimited
	case status == http.StatusServiceUnavailable && retryAfter > 0:
		code = ErrCodeRateLimited
	case status == http.StatusInsufficientStorage:
		code = ErrCodeQuotaExceeded
	case status == http.StatusRequestTimeout || status >= 500:
		code = ErrCodeTransient
	case status == http.StatusBadRequest:
		code = ErrCodeInvalidArgument
	default:
		code = ErrCodeFatal
	}
	return NewError(code, message).WithHTTPStatus(status).WithRetryAfter(retryAfter)
}
