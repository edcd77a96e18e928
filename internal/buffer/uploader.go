package buffer

import (
	"context"
	"time"

	"go.uber.org/zap"

	"github.com/objectfs/drivefs/pkg/errors"
	"github.com/objectfs/drivefs/pkg/types"
)

// UploaderConfig configures an Uploader.
type UploaderConfig struct {
	// SingleLimit is the largest content sent in one upload call.
	SingleLimit int64
	// ChunkSize is the fragment size of a chunked session.
	ChunkSize int64
}

// Uploader commits snapshots to the drive in as few calls as size limits allow.
type Uploader struct {
	drive   types.Drive
	chunked types.ChunkedUploader
	cfg     UploaderConfig
	pool    *BytePool
	logger  *zap.Logger
}

// NewUploader creates an uploader. chunked may be nil when the drive has no
// upload sessions, in which case every upload is a single call.
func NewUploader(drive types.Drive, chunked types.ChunkedUploader, cfg UploaderConfig, logger *zap.Logger) *Uploader {
	if cfg.SingleLimit <= 0 {
		cfg.SingleLimit = 4 << 20
	}
	if cfg.ChunkSize <= 0 {
		cfg.ChunkSize = 10 << 20
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Uploader{
		drive:   drive,
		chunked: chunked,
		cfg:     cfg,
		pool:    defaultBytePool,
		logger:  logger,
	}
}

// Upload commits snap. req addresses the target and carries the expected
// version; its Data is filled from snap.
func (u *Uploader) Upload(ctx context.Context, req types.UploadRequest, snap *Snapshot) (*types.Entry, error) {
	size := snap.Size()
	if size <= u.cfg.SingleLimit || u.chunked == nil {
		req.Data = snap.Bytes()
		return u.drive.Upload(ctx, req)
	}
	return u.uploadChunked(ctx, req, snap)
}

func (u *Uploader) uploadChunked(ctx context.Context, req types.UploadRequest, snap *Snapshot) (*types.Entry, error) {
	size := snap.Size()
	start := time.Now()

	session, err := u.chunked.NewUploadSession(ctx, req, size)
	if err != nil {
		return nil, err
	}

	chunk := u.pool.Get(int(u.cfg.ChunkSize))
	defer u.pool.Put(chunk)

	var entry *types.Entry
	for off := int64(0); off < size; off += u.cfg.ChunkSize {
		n := snap.ReadAt(chunk[:min64(u.cfg.ChunkSize, size-off)], off)
		entry, err = session.UploadChunk(ctx, off, chunk[:n], size)
		if err != nil {
			// Abort the session so the drive does not keep a partial upload.
			if cerr := session.Cancel(context.WithoutCancel(ctx)); cerr != nil {
				u.logger.Warn("cancel upload session failed",
					zap.String("name", req.Name), zap.String("id", req.ID), zap.Error(cerr))
			}
			return nil, err
		}
	}
	if entry == nil {
		_ = session.Cancel(context.WithoutCancel(ctx))
		return nil, errors.NewError(errors.ErrCodeInternalError, "upload session finished without an entry").
			WithComponent("buffer").WithOperation("upload")
	}

	u.logger.Debug("chunked upload complete",
		zap.String("id", entry.ID),
		zap.Int64("size", size),
		zap.Duration("duration", time.Since(start)))
	return entry, nil
}
