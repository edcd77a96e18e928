package s3

import (
	"context"
	stderrors "errors"
	"net/http"

	"github.com/aws/smithy-go"

	"github.com/objectfs/drivefs/pkg/errors"
)

// errorCodes maps S3 API error codes onto the drive taxonomy.
var errorCodes = map[string]errors.ErrorCode{
	"NoSuchKey":                  errors.ErrCodeNotFound,
	"NotFound":                   errors.ErrCodeNotFound,
	"PreconditionFailed":         errors.ErrCodeConflict,
	"ConditionalRequestConflict": errors.ErrCodeConflict,
	"AccessDenied":               errors.ErrCodePermissionDenied,
	"AllAccessDisabled":          errors.ErrCodePermissionDenied,
	"InvalidAccessKeyId":         errors.ErrCodeUnauthorized,
	"SignatureDoesNotMatch":      errors.ErrCodeUnauthorized,
	"ExpiredToken":               errors.ErrCodeUnauthorized,
	"SlowDown":                   errors.ErrCodeRateLimited,
	"Throttling":                 errors.ErrCodeRateLimited,
	"RequestLimitExceeded":       errors.ErrCodeRateLimited,
	"InternalError":              errors.ErrCodeTransient,
	"ServiceUnavailable":         errors.ErrCodeTransient,
	"RequestTimeout":             errors.ErrCodeTransient,
	"NoSuchBucket":               errors.ErrCodeFatal,
	"EntityTooLarge":             errors.ErrCodeQuotaExceeded,
}

type httpStatusError interface {
	HTTPStatusCode() int
}

// translateError classifies an SDK error. API errors are matched by code
// first, then by HTTP status; anything else is treated as a transport
// failure.
func translateError(ctx context.Context, err error, op, key string) error {
	if err == nil {
		return nil
	}
	if _, ok := errors.AsDriveFSError(err); ok {
		return err
	}
	if ctx.Err() != nil {
		return errors.Wrap(ctx.Err(), errors.ErrCodeOperationCanceled, "request canceled").
			WithComponent("s3").WithOperation(op)
	}

	var apiErr smithy.APIError
	if stderrors.As(err, &apiErr) {
		if code, ok := errorCodes[apiErr.ErrorCode()]; ok {
			return errors.Wrap(err, code, apiErr.ErrorCode()).
				WithComponent("s3").WithOperation(op).WithContext("key", key)
		}
	}
	var statusErr httpStatusError
	if stderrors.As(err, &statusErr) && statusErr.HTTPStatusCode() != 0 {
		status := statusErr.HTTPStatusCode()
		if status == http.StatusRequestedRangeNotSatisfiable {
			return errors.Wrap(err, errors.ErrCodeInvalidArgument, "invalid range").
				WithComponent("s3").WithOperation(op).WithHTTPStatus(status)
		}
		return errors.FromHTTPStatus(status, http.StatusText(status), 0).WithCause(err).
			WithComponent("s3").WithOperation(op).WithContext("key", key)
	}
	return errors.Wrap(err, errors.ErrCodeTransient, "request failed").
		WithComponent("s3").WithOperation(op).WithContext("key", key)
}

// isInvalidRange reports a read starting at or past the end of an object.
func isInvalidRange(err error) bool {
	var apiErr smithy.APIError
	if stderrors.As(err, &apiErr) && apiErr.ErrorCode() == "InvalidRange" {
		return true
	}
	var statusErr httpStatusError
	return stderrors.As(err, &statusErr) && statusErr.HTTPStatusCode() == http.StatusRequestedRangeNotSatisfiable
}
