package graph

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"sync"

	"github.com/objectfs/drivefs/pkg/errors"
	"github.com/objectfs/drivefs/pkg/types"
)

// ChunkAlignment is the granularity Graph requires for every fragment of an
// upload session except the last.
const ChunkAlignment = 320 << 10

// Upload sends the whole content in one PUT. Replacing an existing item is
// conditional on ExpectedVersion through If-Match; creating fails if the
// name is taken.
func (c *Client) Upload(ctx context.Context, req types.UploadRequest) (*types.Entry, error) {
	data := req.Data
	if data == nil {
		data = []byte{}
	}
	r := request{method: http.MethodPut, raw: data}
	if req.IsCreate() {
		r.url = c.childURL(req.ParentID, req.Name, "/content") + "?@microsoft.graph.conflictBehavior=fail"
	} else {
		r.url = c.itemURL(req.ID, "/content")
		if req.ExpectedVersion != "" {
			r.headers = map[string]string{"If-Match": req.ExpectedVersion}
		}
	}

	var it driveItem
	if err := c.doJSON(ctx, "upload", r, &it); err != nil {
		return nil, err
	}
	e := it.entry()
	if e.ParentID == "" {
		e.ParentID = req.ParentID
	}
	return e, nil
}

type sessionResource struct {
	UploadURL          string   `json:"uploadUrl"`
	NextExpectedRanges []string `json:"nextExpectedRanges"`
}

// NewUploadSession starts a resumable upload of size bytes.
func (c *Client) NewUploadSession(ctx context.Context, req types.UploadRequest, size int64) (types.UploadSession, error) {
	r := request{method: http.MethodPost}
	if req.IsCreate() {
		r.url = c.childURL(req.ParentID, req.Name, "/createUploadSession")
		r.body = map[string]any{
			"item": map[string]any{"@microsoft.graph.conflictBehavior": "fail"},
		}
	} else {
		r.url = c.itemURL(req.ID, "/createUploadSession")
		r.body = map[string]any{
			"item": map[string]any{"@microsoft.graph.conflictBehavior": "replace"},
		}
		if req.ExpectedVersion != "" {
			r.headers = map[string]string{"If-Match": req.ExpectedVersion}
		}
	}

	var res sessionResource
	if err := c.doJSON(ctx, "new_upload_session", r, &res); err != nil {
		return nil, err
	}
	if res.UploadURL == "" {
		return nil, errors.NewError(errors.ErrCodeTransient, "upload session has no url").
			WithComponent("graph").WithOperation("new_upload_session")
	}
	return &uploadSession{client: c, url: res.UploadURL, parentID: req.ParentID, size: size}, nil
}

type uploadSession struct {
	client   *Client
	url      string
	parentID string
	size     int64

	mu     sync.Mutex
	next   int64
	closed bool
}

// UploadChunk sends one fragment with Content-Range. The upload URL is
// pre-authenticated so no bearer token is attached.
func (s *uploadSession) UploadChunk(ctx context.Context, offset int64, chunk []byte, total int64) (*types.Entry, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil, errors.NewError(errors.ErrCodeNotFound, "upload session closed").
			WithComponent("graph").WithOperation("upload_chunk")
	}
	if total != s.size {
		return nil, errors.NewError(errors.ErrCodeInvalidArgument, "total size changed").
			WithComponent("graph").WithOperation("upload_chunk")
	}
	end := offset + int64(len(chunk))
	if len(chunk) == 0 || end > total {
		return nil, errors.NewError(errors.ErrCodeInvalidArgument, "chunk outside upload").
			WithComponent("graph").WithOperation("upload_chunk")
	}
	if end < total && len(chunk)%ChunkAlignment != 0 {
		return nil, errors.NewError(errors.ErrCodeInvalidArgument,
			fmt.Sprintf("chunk of %d bytes is not a multiple of %d", len(chunk), ChunkAlignment)).
			WithComponent("graph").WithOperation("upload_chunk")
	}
	// A retried chunk that already landed is acknowledged without resending.
	if offset < s.next && end <= s.next {
		return nil, nil
	}
	if offset != s.next {
		return nil, errors.NewError(errors.ErrCodeInvalidArgument, "chunk out of order").
			WithComponent("graph").WithOperation("upload_chunk").
			WithContext("expected", fmt.Sprint(s.next))
	}

	resp, err := s.client.do(ctx, "upload_chunk", request{
		method:  http.MethodPut,
		url:     s.url,
		raw:     chunk,
		noAuth:  true,
		headers: map[string]string{"Content-Range": fmt.Sprintf("bytes %d-%d/%d", offset, end-1, total)},
	})
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()
	s.next = end

	if resp.StatusCode == http.StatusAccepted {
		_, _ = io.Copy(io.Discard, resp.Body)
		return nil, nil
	}
	var it driveItem
	if err := json.NewDecoder(resp.Body).Decode(&it); err != nil {
		return nil, errors.Wrap(err, errors.ErrCodeTransient, "failed to decode response").
			WithComponent("graph").WithOperation("upload_chunk")
	}
	s.closed = true
	e := it.entry()
	if e.ParentID == "" {
		e.ParentID = s.parentID
	}
	return e, nil
}

// Cancel deletes the session so the partial upload is discarded.
func (s *uploadSession) Cancel(ctx context.Context) error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil
	}
	s.closed = true
	s.mu.Unlock()

	err := s.client.doJSON(ctx, "cancel_session", request{method: http.MethodDelete, url: s.url, noAuth: true}, nil)
	if errors.IsCode(err, errors.ErrCodeNotFound) {
		return nil
	}
	return err
}
