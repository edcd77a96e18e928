package errors

import (
	"context"
	stderrors "errors"
	"syscall"
)

var errnoByCode = map[ErrorCode]syscall.Errno{
	ErrCodeNotFound:           syscall.ENOENT,
	ErrCodePermissionDenied:   syscall.EACCES,
	ErrCodeUnauthorized:       syscall.EACCES,
	ErrCodeBusy:               syscall.EBUSY,
	ErrCodeTransient:          syscall.EIO,
	ErrCodeRateLimited:        syscall.EIO,
	ErrCodeRetryExhausted:     syscall.EIO,
	ErrCodeFatal:              syscall.EIO,
	ErrCodeServiceUnavailable: syscall.EIO,
	ErrCodeConflict:           syscall.EEXIST,
	ErrCodeAlreadyExists:      syscall.EEXIST,
	ErrCodeNotEmpty:           syscall.ENOTEMPTY,
	ErrCodeNotDirectory:       syscall.ENOTDIR,
	ErrCodeIsDirectory:        syscall.EISDIR,
	ErrCodeInvalidArgument:    syscall.EINVAL,
	ErrCodePathInvalid:        syscall.EINVAL,
	ErrCodeReadOnly:           syscall.EROFS,
	ErrCodeStaleHandle:        syscall.ESTALE,
	ErrCodeBadHandle:          syscall.EBADF,
	ErrCodeQuotaExceeded:      syscall.ENOSPC,
	ErrCodeBufferFull:         syscall.ENOMEM,
	ErrCodeOperationCanceled:  syscall.EINTR,
	ErrCodeOperationTimeout:   syscall.ETIMEDOUT,
	ErrCodeComponentStopped:   syscall.ENOTCONN,
}

// ToErrno translates err into the POSIX errno returned to the filesystem caller.
// A nil error maps to 0. Unclassified errors map to EIO.
func ToErrno(err error) syscall.Errno {
	if err == nil {
		return 0
	}

	var errno syscall.Errno
	if stderrors.As(err, &errno) {
		return errno
	}

	if de, ok := AsDriveFSError(err); ok {
		// A retry wrapper reports the errno of what it gave up on.
		if de.Code == ErrCodeRetryExhausted && de.Cause != nil {
			return ToErrno(de.Cause)
		}
		if e, ok := errnoByCode[de.Code]; ok {
			return e
		}
		return syscall.EIO
	}

	switch {
	case stderrors.Is(err, context.Canceled):
		return syscall.EINTR
	case stderrors.Is(err, context.DeadlineExceeded):
		return syscall.ETIMEDOUT
	}
	return syscall.EIO
}
