package errors

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"syscall"
	"testing"
	"time"
)

func TestNewError(t *testing.T) {
	t.Parallel()

	t.Run("creates error with all defaults", func(t *testing.T) {
		err := NewError(ErrCodeInvalidConfig, "configuration is invalid")
		if err == nil {
			t.Fatal("NewError returned nil")
		}
		if err.Code != ErrCodeInvalidConfig {
			t.Errorf("Code = %v, want %v", err.Code, ErrCodeInvalidConfig)
		}
		if err.Message != "configuration is invalid" {
			t.Errorf("Message = %q, want %q", err.Message, "configuration is invalid")
		}
		if err.Category != CategoryConfiguration {
			t.Errorf("Category = %v, want %v", err.Category, CategoryConfiguration)
		}
		if err.Context == nil {
			t.Error("Context map is nil")
		}
		if err.Timestamp.IsZero() {
			t.Error("Timestamp not set")
		}
	})

	t.Run("sets correct retryable defaults", func(t *testing.T) {
		if !NewError(ErrCodeTransient, "reset").Retryable {
			t.Error("Transient should be retryable by default")
		}
		if !NewError(ErrCodeRateLimited, "slow down").Retryable {
			t.Error("RateLimited should be retryable by default")
		}
		for _, code := range []ErrorCode{ErrCodeNotFound, ErrCodeConflict, ErrCodeUnauthorized, ErrCodeBusy} {
			if NewError(code, "x").Retryable {
				t.Errorf("%s should not be retryable by default", code)
			}
		}
	})
}

func TestGetCategory(t *testing.T) {
	t.Parallel()

	tests := []struct {
		code     ErrorCode
		expected ErrorCategory
	}{
		{ErrCodeInvalidConfig, CategoryConfiguration},
		{ErrCodeConfigLoad, CategoryConfiguration},
		{ErrCodeTransient, CategoryRemote},
		{ErrCodeConflict, CategoryRemote},
		{ErrCodeUnauthorized, CategoryAuth},
		{ErrCodePermissionDenied, CategoryAuth},
		{ErrCodeMountFailed, CategoryFilesystem},
		{ErrCodeStaleHandle, CategoryFilesystem},
		{ErrCodeBusy, CategoryResource},
		{ErrCodeServiceUnavailable, CategoryState},
		{ErrCodeRetryExhausted, CategoryOperation},
		{ErrCodeInternalError, CategoryInternal},
		{ErrorCode("SOMETHING_ELSE"), CategoryInternal},
	}

	for _, tt := range tests {
		t.Run(string(tt.code), func(t *testing.T) {
			if got := GetCategory(tt.code); got != tt.expected {
				t.Errorf("GetCategory(%v) = %v, want %v", tt.code, got, tt.expected)
			}
		})
	}
}

func TestDriveFSError_Error(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name string
		err  *DriveFSError
		want string
	}{
		{
			name: "code and message",
			err:  NewError(ErrCodeNotFound, "item gone"),
			want: "NOT_FOUND: item gone",
		},
		{
			name: "with component",
			err:  NewError(ErrCodeNotFound, "item gone").WithComponent("graph"),
			want: "[graph] NOT_FOUND: item gone",
		},
		{
			name: "with component and operation",
			err:  NewError(ErrCodeNotFound, "item gone").WithComponent("graph").WithOperation("GetMetadata"),
			want: "[graph:GetMetadata] NOT_FOUND: item gone",
		},
		{
			name: "with cause",
			err:  Wrap(fmt.Errorf("connection reset"), ErrCodeTransient, "download failed"),
			want: "TRANSIENT: download failed: connection reset",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := tt.err.Error(); got != tt.want {
				t.Errorf("Error() = %q, want %q", got, tt.want)
			}
		})
	}
}

func TestDriveFSError_IsAndUnwrap(t *testing.T) {
	t.Parallel()

	cause := fmt.Errorf("socket closed")
	err := Wrap(cause, ErrCodeTransient, "list failed")
	wrapped := fmt.Errorf("dispatch: %w", err)

	if !errors.Is(wrapped, NewError(ErrCodeTransient, "")) {
		t.Error("errors.Is should match on code through wrapping")
	}
	if errors.Is(wrapped, NewError(ErrCodeNotFound, "")) {
		t.Error("errors.Is matched a different code")
	}
	if !errors.Is(wrapped, cause) {
		t.Error("errors.Is should reach the cause")
	}
	if CodeOf(wrapped) != ErrCodeTransient {
		t.Errorf("CodeOf = %v, want %v", CodeOf(wrapped), ErrCodeTransient)
	}
	if CodeOf(cause) != ErrCodeInternalError {
		t.Errorf("CodeOf(foreign) = %v, want INTERNAL_ERROR", CodeOf(cause))
	}
}

func TestIsCodeThroughRetryWrapper(t *testing.T) {
	t.Parallel()

	inner := NewError(ErrCodeUnauthorized, "token expired")
	outer := Wrap(inner, ErrCodeRetryExhausted, "gave up")

	if !IsCode(outer, ErrCodeUnauthorized) {
		t.Error("IsCode should find nested codes")
	}
	if !IsFatal(outer) {
		t.Error("unauthorized cause should be fatal")
	}
	if IsFatal(NewError(ErrCodeTransient, "x")) {
		t.Error("transient should not be fatal")
	}
}

func TestRetryAfter(t *testing.T) {
	t.Parallel()

	err := fmt.Errorf("call: %w", NewRateLimited("throttled", 3*time.Second))
	if got := RetryAfter(err); got != 3*time.Second {
		t.Errorf("RetryAfter = %v, want 3s", got)
	}
	if got := RetryAfter(fmt.Errorf("plain")); got != 0 {
		t.Errorf("RetryAfter(plain) = %v, want 0", got)
	}
}

func TestFromHTTPStatus(t *testing.T) {
	t.Parallel()

	tests := []struct {
		status     int
		retryAfter time.Duration
		want       ErrorCode
	}{
		{http.StatusUnauthorized, 0, ErrCodeUnauthorized},
		{http.StatusForbidden, 0, ErrCodePermissionDenied},
		{http.StatusNotFound, 0, ErrCodeNotFound},
		{http.StatusConflict, 0, ErrCodeConflict},
		{http.StatusPreconditionFailed, 0, ErrCodeConflict},
		{http.StatusTooManyRequests, time.Second, ErrCodeRateLimited},
		{http.StatusServiceUnavailable, 2 * time.Second, ErrCodeRateLimited},
		{http.StatusServiceUnavailable, 0, ErrCodeTransient},
		{http.StatusBadGateway, 0, ErrCodeTransient},
		{http.StatusInsufficientStorage, 0, ErrCodeQuotaExceeded},
		{http.StatusBadRequest, 0, ErrCodeInvalidArgument},
		{http.StatusTeapot, 0, ErrCodeFatal},
	}

	for _, tt := range tests {
		t.Run(http.StatusText(tt.status), func(t *testing.T) {
			err := FromHTTPStatus(tt.status, "remote said no", tt.retryAfter)
			if err.Code != tt.want {
				t.Errorf("FromHTTPStatus(%d) = %v, want %v", tt.status, err.Code, tt.want)
			}
			if err.HTTPStatus != tt.status {
				t.Errorf("HTTPStatus = %d, want %d", err.HTTPStatus, tt.status)
			}
			if err.RetryAfter != tt.retryAfter {
				t.Errorf("RetryAfter = %v, want %v", err.RetryAfter, tt.retryAfter)
			}
		})
	}
}

func TestToErrno(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name string
		err  error
		want syscall.Errno
	}{
		{"nil", nil, 0},
		{"not found", NewError(ErrCodeNotFound, "x"), syscall.ENOENT},
		{"wrapped not found", fmt.Errorf("lookup: %w", NewError(ErrCodeNotFound, "x")), syscall.ENOENT},
		{"permission", NewError(ErrCodePermissionDenied, "x"), syscall.EACCES},
		{"unauthorized", NewError(ErrCodeUnauthorized, "x"), syscall.EACCES},
		{"busy", NewError(ErrCodeBusy, "x"), syscall.EBUSY},
		{"exhausted transient", Wrap(NewError(ErrCodeTransient, "x"), ErrCodeRetryExhausted, "y"), syscall.EIO},
		{"exhausted not found", Wrap(NewError(ErrCodeNotFound, "x"), ErrCodeRetryExhausted, "y"), syscall.ENOENT},
		{"circuit open", NewError(ErrCodeServiceUnavailable, "x"), syscall.EIO},
		{"exists", NewError(ErrCodeAlreadyExists, "x"), syscall.EEXIST},
		{"not empty", NewError(ErrCodeNotEmpty, "x"), syscall.ENOTEMPTY},
		{"not dir", NewError(ErrCodeNotDirectory, "x"), syscall.ENOTDIR},
		{"is dir", NewError(ErrCodeIsDirectory, "x"), syscall.EISDIR},
		{"read only", NewError(ErrCodeReadOnly, "x"), syscall.EROFS},
		{"stale", NewError(ErrCodeStaleHandle, "x"), syscall.ESTALE},
		{"bad handle", NewError(ErrCodeBadHandle, "x"), syscall.EBADF},
		{"quota", NewError(ErrCodeQuotaExceeded, "x"), syscall.ENOSPC},
		{"raw errno", fmt.Errorf("op: %w", syscall.ENOTSUP), syscall.ENOTSUP},
		{"canceled", context.Canceled, syscall.EINTR},
		{"deadline", context.DeadlineExceeded, syscall.ETIMEDOUT},
		{"foreign", fmt.Errorf("boom"), syscall.EIO},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := ToErrno(tt.err); got != tt.want {
				t.Errorf("ToErrno(%v) = %v, want %v", tt.err, got, tt.want)
			}
		})
	}
}

func TestDriveFSError_StringAndJSON(t *testing.T) {
	t.Parallel()

	err := NewRateLimited("throttled", 5*time.Second).
		WithComponent("dispatcher").
		WithContext("id", "abc")

	s := err.String()
	for _, want := range []string{"Code=RATE_LIMITED", "Component=dispatcher", "Retryable=true", "RetryAfter=5s"} {
		if !strings.Contains(s, want) {
			t.Errorf("String() = %q, missing %q", s, want)
		}
	}

	var decoded map[string]interface{}
	if jerr := json.Unmarshal([]byte(err.JSON()), &decoded); jerr != nil {
		t.Fatalf("JSON() produced invalid json: %v", jerr)
	}
	if decoded["code"] != "RATE_LIMITED" {
		t.Errorf("json code = %v", decoded["code"])
	}
}

func TestGetRecommendation(t *testing.T) {
	t.Parallel()

	if rec := NewError(ErrCodeUnauthorized, "x").GetRecommendation(); !strings.Contains(rec, "credentials") {
		t.Errorf("unexpected recommendation %q", rec)
	}
	if rec := NewError(ErrCodeInternalError, "x").GetRecommendation(); rec == "" {
		t.Error("fallback recommendation should not be empty")
	}
}
