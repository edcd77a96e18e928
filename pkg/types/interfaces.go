package types

import (
	"context"
	"time"
)

// Drive is the remote drive API boundary.
//
// Implementations return *errors.DriveFSError values classified as transient,
// rate limited, conflict, not found, permission denied or unauthorized. No
// transport-specific error crosses this interface.
type Drive interface {
	// Root returns the identifier of the drive root.
	Root(ctx context.Context) (string, error)

	// Info returns drive identity and quota.
	Info(ctx context.Context) (*DriveInfo, error)

	ListChildren(ctx context.Context, id string) ([]*Entry, error)
	GetMetadata(ctx context.Context, id string) (*Entry, error)

	// DownloadRange returns up to length bytes starting at offset. A short
	// result means the end of the content was reached.
	DownloadRange(ctx context.Context, id string, offset, length int64) ([]byte, error)

	Upload(ctx context.Context, req UploadRequest) (*Entry, error)
	Create(ctx context.Context, parentID, name string, kind EntryKind) (*Entry, error)
	Delete(ctx context.Context, id string) error
	Rename(ctx context.Context, id, newParentID, newName string) (*Entry, error)
}

// ChunkedUploader is implemented by drives that support resumable upload sessions.
type ChunkedUploader interface {
	NewUploadSession(ctx context.Context, req UploadRequest, size int64) (UploadSession, error)
}

// UploadSession is an in-progress chunked upload. Chunks must be sent in order.
// The final chunk returns the committed entry.
type UploadSession interface {
	UploadChunk(ctx context.Context, offset int64, chunk []byte, total int64) (*Entry, error)
	Cancel(ctx context.Context) error
}

// MetricsCollector defines the metrics collection interface
type MetricsCollector interface {
	RecordOperation(operation string, duration time.Duration, size int64, success bool)
	RecordRemoteCall(operation string, duration time.Duration, status string)
	RecordRetry(operation string)
	RecordCacheHit(cache string, size int64)
	RecordCacheMiss(cache string, size int64)
	RecordConflict(resolution string)
	RecordError(operation string, err error)
	SetDirtyBytes(n int64)
	SetCachedBytes(n int64)
	SetQueueWaiters(n int)
}

// NopMetrics discards every measurement.
type NopMetrics struct{}

func (NopMetrics) RecordOperation(string, time.Duration, int64, bool)  {}
func (NopMetrics) RecordRemoteCall(string, time.Duration, string)      {}
func (NopMetrics) RecordRetry(string)                                  {}
func (NopMetrics) RecordCacheHit(string, int64)                        {}
func (NopMetrics) RecordCacheMiss(string, int64)                       {}
func (NopMetrics) RecordConflict(string)                               {}
func (NopMetrics) RecordError(string, error)                           {}
func (NopMetrics) SetDirtyBytes(int64)                                 {}
func (NopMetrics) SetCachedBytes(int64)                                {}
func (NopMetrics) SetQueueWaiters(int)                                 {}
