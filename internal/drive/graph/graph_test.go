package graph

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"strconv"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/oauth2"

	"github.com/objectfs/drivefs/pkg/errors"
	"github.com/objectfs/drivefs/pkg/types"
)

type fakeGraph struct {
	t      *testing.T
	server *httptest.Server

	mu       sync.Mutex
	handlers map[string]http.HandlerFunc
	requests []*http.Request
	bodies   []string
}

func newFakeGraph(t *testing.T) *fakeGraph {
	f := &fakeGraph{t: t, handlers: map[string]http.HandlerFunc{}}
	f.server = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		body, _ := io.ReadAll(r.Body)
		f.mu.Lock()
		f.requests = append(f.requests, r)
		f.bodies = append(f.bodies, string(body))
		h, ok := f.handlers[r.Method+" "+r.URL.Path]
		f.mu.Unlock()
		if !ok {
			w.WriteHeader(http.StatusNotFound)
			_, _ = io.WriteString(w, `{"error":{"code":"itemNotFound","message":"no route"}}`)
			return
		}
		h(w, r)
	}))
	t.Cleanup(f.server.Close)
	return f
}

func (f *fakeGraph) handle(method, path string, h http.HandlerFunc) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.handlers[method+" "+path] = h
}

func (f *fakeGraph) last() (*http.Request, string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	require.NotEmpty(f.t, f.requests)
	return f.requests[len(f.requests)-1], f.bodies[len(f.bodies)-1]
}

func (f *fakeGraph) client(t *testing.T) *Client {
	c, err := New(Config{
		BaseURL: f.server.URL,
		Token:   oauth2.StaticTokenSource(&oauth2.Token{AccessToken: "tok", TokenType: "Bearer"}),
	})
	require.NoError(t, err)
	return c
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func item(id, parent, name string, size int64, etag string, folder bool) map[string]any {
	m := map[string]any{
		"id":                   id,
		"name":                 name,
		"eTag":                 etag,
		"size":                 size,
		"lastModifiedDateTime": "2024-03-01T10:00:00Z",
		"parentReference":      map[string]any{"id": parent},
	}
	if folder {
		m["folder"] = map[string]any{"childCount": 0}
	} else {
		m["file"] = map[string]any{"mimeType": "text/plain"}
	}
	return m
}

func TestNewRequiresToken(t *testing.T) {
	_, err := New(Config{})
	assert.True(t, errors.IsCode(err, errors.ErrCodeInvalidConfig))
}

func TestDriveSelection(t *testing.T) {
	tok := oauth2.StaticTokenSource(&oauth2.Token{AccessToken: "x"})
	tests := []struct {
		cfg  Config
		want string
	}{
		{Config{Token: tok}, "/me/drive"},
		{Config{Token: tok, DriveID: "b!abc"}, "/drives/b%21abc"},
		{Config{Token: tok, DriveID: "d", SiteID: "site1"}, "/sites/site1/drive"},
	}
	for _, tt := range tests {
		c, err := New(tt.cfg)
		require.NoError(t, err)
		assert.Equal(t, DefaultBaseURL+tt.want, c.driveURL(""))
	}
}

func TestRootAndInfo(t *testing.T) {
	f := newFakeGraph(t)
	var rootCalls int
	f.handle("GET", "/me/drive/root", func(w http.ResponseWriter, r *http.Request) {
		rootCalls++
		assert.Equal(t, "Bearer tok", r.Header.Get("Authorization"))
		writeJSON(w, 200, map[string]any{"id": "ROOT", "name": "root", "folder": map[string]any{}})
	})
	f.handle("GET", "/me/drive", func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, 200, map[string]any{
			"id": "D1", "name": "OneDrive", "driveType": "business",
			"quota": map[string]any{"total": 1000, "used": 400, "remaining": 600},
		})
	})
	c := f.client(t)
	ctx := context.Background()

	id, err := c.Root(ctx)
	require.NoError(t, err)
	assert.Equal(t, "ROOT", id)

	info, err := c.Info(ctx)
	require.NoError(t, err)
	assert.Equal(t, &types.DriveInfo{
		ID: "D1", Name: "OneDrive", DriveType: "business", RootID: "ROOT",
		QuotaTotal: 1000, QuotaUsed: 400, QuotaRemaining: 600,
	}, info)
	assert.Equal(t, 1, rootCalls)
}

func TestListChildrenFollowsNextLink(t *testing.T) {
	f := newFakeGraph(t)
	f.handle("GET", "/me/drive/items/P/children", func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Query().Get("page") == "2" {
			writeJSON(w, 200, map[string]any{"value": []any{
				item("c", "P", "c.txt", 3, "e3", false),
				map[string]any{"id": "gone", "name": "gone", "deleted": map[string]any{}},
			}})
			return
		}
		assert.Equal(t, "200", r.URL.Query().Get("$top"))
		writeJSON(w, 200, map[string]any{
			"value": []any{
				item("a", "P", "a", 0, "e1", true),
				item("b", "", "b.txt", 7, "e2", false),
			},
			"@odata.nextLink": f.server.URL + "/me/drive/items/P/children?page=2",
		})
	})
	c := f.client(t)

	children, err := c.ListChildren(context.Background(), "P")
	require.NoError(t, err)
	require.Len(t, children, 3)
	assert.Equal(t, types.KindDirectory, children[0].Kind)
	assert.Equal(t, "P", children[1].ParentID)
	assert.Equal(t, int64(7), children[1].Size)
	assert.Equal(t, "e2", children[1].Version)
	assert.Equal(t, "c.txt", children[2].Name)
	assert.Equal(t, time.Date(2024, 3, 1, 10, 0, 0, 0, time.UTC), children[2].ModTime.UTC())
}

func TestErrorClassification(t *testing.T) {
	f := newFakeGraph(t)
	f.handle("GET", "/me/drive/items/throttled", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Retry-After", "7")
		writeJSON(w, 429, map[string]any{"error": map[string]any{"code": "activityLimitReached", "message": "slow down"}})
	})
	f.handle("GET", "/me/drive/items/denied", func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, 403, map[string]any{"error": map[string]any{"code": "accessDenied", "message": "no"}})
	})
	f.handle("GET", "/me/drive/items/flaky", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(502)
	})
	c := f.client(t)
	ctx := context.Background()

	_, err := c.GetMetadata(ctx, "throttled")
	assert.True(t, errors.IsCode(err, errors.ErrCodeRateLimited))
	assert.Equal(t, 7*time.Second, errors.RetryAfter(err))
	de, ok := errors.AsDriveFSError(err)
	require.True(t, ok)
	assert.Equal(t, "activityLimitReached", de.Context["graph_code"])
	assert.Equal(t, "get_metadata", de.Operation)

	_, err = c.GetMetadata(ctx, "denied")
	assert.True(t, errors.IsCode(err, errors.ErrCodePermissionDenied))

	_, err = c.GetMetadata(ctx, "flaky")
	assert.True(t, errors.IsCode(err, errors.ErrCodeTransient))

	_, err = c.GetMetadata(ctx, "missing")
	assert.True(t, errors.IsCode(err, errors.ErrCodeNotFound))
}

func TestCanceledContext(t *testing.T) {
	f := newFakeGraph(t)
	c := f.client(t)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err := c.GetMetadata(ctx, "x")
	assert.True(t, errors.IsCode(err, errors.ErrCodeOperationCanceled))
}

func TestDownloadRange(t *testing.T) {
	f := newFakeGraph(t)
	content := "0123456789abcdef"
	f.handle("GET", "/me/drive/items/F/content", func(w http.ResponseWriter, r *http.Request) {
		http.Redirect(w, r, "/download/F", http.StatusFound)
	})
	f.handle("GET", "/download/F", func(w http.ResponseWriter, r *http.Request) {
		var start, end int
		if _, err := fmt.Sscanf(r.Header.Get("Range"), "bytes=%d-%d", &start, &end); !assert.NoError(t, err) {
			w.WriteHeader(http.StatusBadRequest)
			return
		}
		if start >= len(content) {
			w.WriteHeader(http.StatusRequestedRangeNotSatisfiable)
			return
		}
		if end >= len(content) {
			end = len(content) - 1
		}
		w.Header().Set("Content-Range", fmt.Sprintf("bytes %d-%d/%d", start, end, len(content)))
		w.WriteHeader(http.StatusPartialContent)
		_, _ = io.WriteString(w, content[start:end+1])
	})
	f.handle("GET", "/me/drive/items/G/content", func(w http.ResponseWriter, r *http.Request) {
		_, _ = io.WriteString(w, content)
	})
	c := f.client(t)
	ctx := context.Background()

	data, err := c.DownloadRange(ctx, "F", 4, 4)
	require.NoError(t, err)
	assert.Equal(t, "4567", string(data))

	data, err = c.DownloadRange(ctx, "F", 12, 10)
	require.NoError(t, err)
	assert.Equal(t, "cdef", string(data))

	data, err = c.DownloadRange(ctx, "F", 100, 10)
	require.NoError(t, err)
	assert.Empty(t, data)

	// Range ignored by the server.
	data, err = c.DownloadRange(ctx, "G", 10, 3)
	require.NoError(t, err)
	assert.Equal(t, "abc", string(data))

	data, err = c.DownloadRange(ctx, "F", 0, 0)
	require.NoError(t, err)
	assert.Empty(t, data)
}

func TestUploadCreateAndReplace(t *testing.T) {
	f := newFakeGraph(t)
	f.handle("PUT", "/me/drive/items/P:/new.txt:/content", func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "fail", r.URL.Query().Get("@microsoft.graph.conflictBehavior"))
		writeJSON(w, 201, item("N", "P", "new.txt", 5, "v1", false))
	})
	f.handle("PUT", "/me/drive/items/N/content", func(w http.ResponseWriter, r *http.Request) {
		if r.Header.Get("If-Match") != "v1" {
			writeJSON(w, 412, map[string]any{"error": map[string]any{"code": "preconditionFailed", "message": "etag"}})
			return
		}
		writeJSON(w, 200, item("N", "P", "new.txt", 6, "v2", false))
	})
	c := f.client(t)
	ctx := context.Background()

	e, err := c.Upload(ctx, types.UploadRequest{ParentID: "P", Name: "new.txt", Data: []byte("hello")})
	require.NoError(t, err)
	assert.Equal(t, "N", e.ID)
	_, body := f.last()
	assert.Equal(t, "hello", body)

	e, err = c.Upload(ctx, types.UploadRequest{ID: "N", Data: []byte("hello!"), ExpectedVersion: "v1"})
	require.NoError(t, err)
	assert.Equal(t, "v2", e.Version)

	_, err = c.Upload(ctx, types.UploadRequest{ID: "N", Data: []byte("x"), ExpectedVersion: "stale"})
	assert.True(t, errors.IsCode(err, errors.ErrCodeConflict))
}

func TestCreateRenameDelete(t *testing.T) {
	f := newFakeGraph(t)
	f.handle("POST", "/me/drive/items/P/children", func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, 201, item("D", "P", "docs", 0, "d1", true))
	})
	f.handle("PUT", "/me/drive/items/P:/empty.txt:/content", func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, int64(0), r.ContentLength)
		writeJSON(w, 201, item("E", "P", "empty.txt", 0, "e1", false))
	})
	f.handle("PATCH", "/me/drive/items/E", func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, 200, item("E", "D", "moved.txt", 0, "e2", false))
	})
	f.handle("DELETE", "/me/drive/items/E", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNoContent)
	})
	c := f.client(t)
	ctx := context.Background()

	dir, err := c.Create(ctx, "P", "docs", types.KindDirectory)
	require.NoError(t, err)
	assert.True(t, dir.IsDir())
	_, body := f.last()
	var sent map[string]any
	require.NoError(t, json.Unmarshal([]byte(body), &sent))
	assert.Equal(t, "docs", sent["name"])
	assert.Equal(t, "fail", sent["@microsoft.graph.conflictBehavior"])
	assert.Contains(t, sent, "folder")

	file, err := c.Create(ctx, "P", "empty.txt", types.KindFile)
	require.NoError(t, err)
	assert.Equal(t, "E", file.ID)

	moved, err := c.Rename(ctx, "E", "D", "moved.txt")
	require.NoError(t, err)
	assert.Equal(t, "D", moved.ParentID)
	_, body = f.last()
	assert.JSONEq(t, `{"name":"moved.txt","parentReference":{"id":"D"}}`, body)

	require.NoError(t, c.Delete(ctx, "E"))
}

func TestUploadSession(t *testing.T) {
	f := newFakeGraph(t)
	total := ChunkAlignment + 10
	var ranges []string
	f.handle("POST", "/me/drive/items/P:/big.bin:/createUploadSession", func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, 200, map[string]any{"uploadUrl": f.server.URL + "/upload/s1"})
	})
	f.handle("PUT", "/upload/s1", func(w http.ResponseWriter, r *http.Request) {
		assert.Empty(t, r.Header.Get("Authorization"))
		ranges = append(ranges, r.Header.Get("Content-Range"))
		if strings.HasSuffix(r.Header.Get("Content-Range"), "-"+strconv.Itoa(total-1)+"/"+strconv.Itoa(total)) {
			writeJSON(w, 201, item("B", "P", "big.bin", int64(total), "b1", false))
			return
		}
		writeJSON(w, 202, map[string]any{"nextExpectedRanges": []string{strconv.Itoa(ChunkAlignment) + "-"}})
	})
	c := f.client(t)
	ctx := context.Background()

	s, err := c.NewUploadSession(ctx, types.UploadRequest{ParentID: "P", Name: "big.bin"}, int64(total))
	require.NoError(t, err)

	_, err = s.UploadChunk(ctx, 0, make([]byte, 1000), int64(total))
	assert.True(t, errors.IsCode(err, errors.ErrCodeInvalidArgument))

	e, err := s.UploadChunk(ctx, 0, make([]byte, ChunkAlignment), int64(total))
	require.NoError(t, err)
	assert.Nil(t, e)

	_, err = s.UploadChunk(ctx, 5, make([]byte, 5), int64(total))
	assert.True(t, errors.IsCode(err, errors.ErrCodeInvalidArgument))

	e, err = s.UploadChunk(ctx, int64(ChunkAlignment), make([]byte, 10), int64(total))
	require.NoError(t, err)
	require.NotNil(t, e)
	assert.Equal(t, "B", e.ID)
	assert.Equal(t, []string{
		fmt.Sprintf("bytes 0-%d/%d", ChunkAlignment-1, total),
		fmt.Sprintf("bytes %d-%d/%d", ChunkAlignment, total-1, total),
	}, ranges)

	// Finished sessions need no cancel.
	require.NoError(t, s.Cancel(ctx))
}

func TestUploadSessionCancel(t *testing.T) {
	f := newFakeGraph(t)
	var deleted bool
	f.handle("POST", "/me/drive/items/N/createUploadSession", func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "v1", r.Header.Get("If-Match"))
		writeJSON(w, 200, map[string]any{"uploadUrl": f.server.URL + "/upload/s2"})
	})
	f.handle("DELETE", "/upload/s2", func(w http.ResponseWriter, r *http.Request) {
		deleted = true
		w.WriteHeader(http.StatusNoContent)
	})
	c := f.client(t)
	ctx := context.Background()

	s, err := c.NewUploadSession(ctx, types.UploadRequest{ID: "N", ExpectedVersion: "v1"}, 10<<20)
	require.NoError(t, err)
	require.NoError(t, s.Cancel(ctx))
	assert.True(t, deleted)

	_, err = s.UploadChunk(ctx, 0, make([]byte, ChunkAlignment), 10<<20)
	assert.True(t, errors.IsCode(err, errors.ErrCodeNotFound))
}

func TestParseRetryAfter(t *testing.T) {
	now := time.Date(2024, 1, 1, 12, 0, 0, 0, time.UTC)
	tests := []struct {
		in   string
		want time.Duration
	}{
		{"", 0},
		{"5", 5 * time.Second},
		{"-1", 0},
		{"garbage", 0},
		{now.Add(30 * time.Second).Format(http.TimeFormat), 30 * time.Second},
		{now.Add(-time.Minute).Format(http.TimeFormat), 0},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, parseRetryAfter(tt.in, now), tt.in)
	}
}

func TestTokenSourceRefresh(t *testing.T) {
	var grants int
	tokenServer := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.NoError(t, r.ParseForm())
		assert.Equal(t, "/contoso/oauth2/v2.0/token", r.URL.Path)
		assert.Equal(t, "refresh_token", r.PostForm.Get("grant_type"))
		assert.Equal(t, "app", r.PostForm.Get("client_id"))
		if r.PostForm.Get("refresh_token") == "revoked" {
			writeJSON(w, 400, map[string]any{"error": "invalid_grant"})
			return
		}
		grants++
		writeJSON(w, 200, map[string]any{
			"access_token":  "at-" + strconv.Itoa(grants),
			"token_type":    "Bearer",
			"expires_in":    3600,
			"refresh_token": "rt-" + strconv.Itoa(grants),
		})
	}))
	defer tokenServer.Close()

	var rotated []string
	ctx := context.WithValue(context.Background(), oauth2.HTTPClient, tokenServer.Client())
	src, err := NewTokenSource(ctx, AuthConfig{
		ClientID:     "app",
		Tenant:       "contoso",
		RefreshToken: "rt-0",
		Authority:    tokenServer.URL,
		OnRefresh:    func(rt string) { rotated = append(rotated, rt) },
	})
	require.NoError(t, err)

	tok, err := src.Token()
	require.NoError(t, err)
	assert.Equal(t, "at-1", tok.AccessToken)
	tok, err = src.Token()
	require.NoError(t, err)
	assert.Equal(t, "at-1", tok.AccessToken, "cached until expiry")
	assert.Equal(t, []string{"rt-1"}, rotated)

	bad, err := NewTokenSource(ctx, AuthConfig{ClientID: "app", Tenant: "contoso", RefreshToken: "revoked", Authority: tokenServer.URL})
	require.NoError(t, err)
	_, err = bad.Token()
	require.Error(t, err)
	assert.True(t, errors.IsCode(classifyTokenError(err), errors.ErrCodeUnauthorized))
}

func TestTokenSourceStaticAndMissing(t *testing.T) {
	_, err := NewTokenSource(context.Background(), AuthConfig{})
	assert.ErrorIs(t, err, errNoCredentials)

	src, err := NewTokenSource(context.Background(), AuthConfig{AccessToken: "static"})
	require.NoError(t, err)
	tok, err := src.Token()
	require.NoError(t, err)
	assert.Equal(t, "static", tok.AccessToken)
}
