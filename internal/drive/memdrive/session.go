package memdrive

import (
	"bytes"
	"context"
	"strconv"

	"github.com/objectfs/drivefs/pkg/errors"
	"github.com/objectfs/drivefs/pkg/types"
)

// NewUploadSession implements types.ChunkedUploader. The content is committed
// atomically when the final chunk arrives.
func (d *Drive) NewUploadSession(ctx context.Context, req types.UploadRequest, size int64) (types.UploadSession, error) {
	if err := d.begin(ctx, OpNewSession); err != nil {
		return nil, err
	}
	d.mu.Lock()
	d.sessions++
	d.mu.Unlock()
	return &session{drive: d, req: req, size: size}, nil
}

type session struct {
	drive    *Drive
	req      types.UploadRequest
	size     int64
	data     bytes.Buffer
	canceled bool
	done     bool
}

func (s *session) UploadChunk(ctx context.Context, offset int64, chunk []byte, total int64) (*types.Entry, error) {
	if err := s.drive.begin(ctx, OpUploadChunk); err != nil {
		return nil, err
	}
	d := s.drive
	d.mu.Lock()
	defer d.mu.Unlock()

	switch {
	case s.canceled || s.done:
		return nil, errors.NewError(errors.ErrCodeNotFound, "upload session closed").WithComponent("memdrive")
	case offset != int64(s.data.Len()):
		return nil, errors.NewError(errors.ErrCodeInvalidArgument, "chunk out of order").
			WithComponent("memdrive").
			WithContext("offset", strconv.FormatInt(offset, 10)).
			WithContext("expected", strconv.Itoa(s.data.Len()))
	case total != s.size:
		return nil, errors.NewError(errors.ErrCodeInvalidArgument, "total size changed").WithComponent("memdrive")
	}

	s.data.Write(chunk)
	if int64(s.data.Len()) < s.size {
		return nil, nil
	}
	s.done = true
	d.sessions--
	return d.commit(s.req, s.data.Bytes())
}

func (s *session) Cancel(ctx context.Context) error {
	if err := s.drive.begin(ctx, OpCancelSession); err != nil {
		return err
	}
	d := s.drive
	d.mu.Lock()
	defer d.mu.Unlock()
	if !s.canceled && !s.done {
		s.canceled = true
		d.sessions--
	}
	return nil
}

// OpenSessions returns the number of upload sessions neither committed nor cancelled.
func (d *Drive) OpenSessions() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.sessions
}
