// Package graph implements types.Drive over the Microsoft Graph drive API.
package graph

import (
	"bytes"
	"context"
	"encoding/json"
	stderrors "errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"
	"golang.org/x/oauth2"

	"github.com/objectfs/drivefs/pkg/errors"
	"github.com/objectfs/drivefs/pkg/types"
)

// DefaultBaseURL is the Graph v1.0 endpoint.
const DefaultBaseURL = "https://graph.microsoft.com/v1.0"

// Config holds client configuration.
type Config struct {
	BaseURL string
	// DriveID selects /drives/{id}. Empty means the signed-in user's drive.
	DriveID string
	// SiteID selects the default library of a site. It takes precedence
	// over DriveID.
	SiteID  string
	Timeout time.Duration

	// Token supplies bearer tokens. See NewTokenSource.
	Token oauth2.TokenSource

	// HTTPClient overrides the default tuned client.
	HTTPClient *http.Client
	Logger     *zap.Logger
}

// Client is a types.Drive and types.ChunkedUploader backed by Graph.
type Client struct {
	baseURL    string
	driveBase  string
	httpClient *http.Client
	token      oauth2.TokenSource
	logger     *zap.Logger

	mu     sync.Mutex
	rootID string
}

var (
	_ types.Drive           = (*Client)(nil)
	_ types.ChunkedUploader = (*Client)(nil)
)

// New creates a new client.
func New(cfg Config) (*Client, error) {
	if cfg.Token == nil {
		return nil, errors.NewError(errors.ErrCodeInvalidConfig, "graph client requires a token source").
			WithComponent("graph")
	}
	if cfg.BaseURL == "" {
		cfg.BaseURL = DefaultBaseURL
	}
	if cfg.Timeout == 0 {
		cfg.Timeout = 60 * time.Second
	}
	if cfg.Logger == nil {
		cfg.Logger = zap.NewNop()
	}
	httpClient := cfg.HTTPClient
	if httpClient == nil {
		httpClient = &http.Client{
			Timeout: cfg.Timeout,
			Transport: &http.Transport{
				DialContext: (&net.Dialer{
					Timeout:   10 * time.Second,
					KeepAlive: 30 * time.Second,
				}).DialContext,
				MaxIdleConns:        100,
				MaxIdleConnsPerHost: 16,
				IdleConnTimeout:     90 * time.Second,
				TLSHandshakeTimeout: 10 * time.Second,
			},
		}
	}

	c := &Client{
		baseURL:    strings.TrimRight(cfg.BaseURL, "/"),
		httpClient: httpClient,
		token:      cfg.Token,
		logger:     cfg.Logger.With(zap.String("component", "graph")),
	}
	switch {
	case cfg.SiteID != "":
		c.driveBase = "/sites/" + url.PathEscape(cfg.SiteID) + "/drive"
	case cfg.DriveID != "":
		c.driveBase = "/drives/" + url.PathEscape(cfg.DriveID)
	default:
		c.driveBase = "/me/drive"
	}
	return c, nil
}

func (c *Client) driveURL(suffix string) string {
	return c.baseURL + c.driveBase + suffix
}

func (c *Client) itemURL(id, suffix string) string {
	return c.driveURL("/items/" + url.PathEscape(id) + suffix)
}

// childURL addresses a child by name below parent, for example
// /items/{parent}:/{name}:/content.
func (c *Client) childURL(parentID, name, suffix string) string {
	return c.itemURL(parentID, ":/"+url.PathEscape(name)+":"+suffix)
}

// applyAuth sets the bearer token. It is applied per request rather than by a
// transport so that redirects to pre-authenticated download hosts do not
// carry it.
func (c *Client) applyAuth(req *http.Request) *errors.DriveFSError {
	tok, err := c.token.Token()
	if err != nil {
		return classifyTokenError(err)
	}
	tok.SetAuthHeader(req)
	return nil
}

type request struct {
	method  string
	url     string
	body    any
	raw     []byte
	headers map[string]string
	noAuth  bool
}

// do sends r and returns the response with a 2xx status. Any other status is
// drained, closed and returned as a classified error.
func (c *Client) do(ctx context.Context, op string, r request) (*http.Response, error) {
	var body io.Reader
	switch {
	case r.raw != nil:
		body = bytes.NewReader(r.raw)
	case r.body != nil:
		data, err := json.Marshal(r.body)
		if err != nil {
			return nil, errors.Wrap(err, errors.ErrCodeInternalError, "failed to encode request").
				WithComponent("graph").WithOperation(op)
		}
		body = bytes.NewReader(data)
	}

	req, err := http.NewRequestWithContext(ctx, r.method, r.url, body)
	if err != nil {
		return nil, errors.Wrap(err, errors.ErrCodeInternalError, "failed to build request").
			WithComponent("graph").WithOperation(op)
	}
	if r.body != nil && r.raw == nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if r.raw != nil {
		req.Header.Set("Content-Type", "application/octet-stream")
		req.ContentLength = int64(len(r.raw))
	}
	for k, v := range r.headers {
		req.Header.Set(k, v)
	}
	if !r.noAuth {
		if aerr := c.applyAuth(req); aerr != nil {
			return nil, aerr.WithOperation(op)
		}
	}

	start := time.Now()
	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, transportError(ctx, err).WithOperation(op)
	}
	c.logger.Debug("graph request",
		zap.String("op", op),
		zap.String("method", r.method),
		zap.Int("status", resp.StatusCode),
		zap.Duration("duration", time.Since(start)))

	if resp.StatusCode >= 200 && resp.StatusCode < 300 {
		return resp, nil
	}
	defer resp.Body.Close()
	return nil, responseError(resp).WithOperation(op)
}

// doJSON sends r and decodes a 2xx body into out.
func (c *Client) doJSON(ctx context.Context, op string, r request, out any) error {
	resp, err := c.do(ctx, op, r)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if out == nil {
		_, _ = io.Copy(io.Discard, resp.Body)
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return errors.Wrap(err, errors.ErrCodeTransient, "failed to decode response").
			WithComponent("graph").WithOperation(op)
	}
	return nil
}

type apiError struct {
	Error struct {
		Code    string `json:"code"`
		Message string `json:"message"`
	} `json:"error"`
}

func responseError(resp *http.Response) *errors.DriveFSError {
	data, _ := io.ReadAll(io.LimitReader(resp.Body, 64<<10))
	msg := http.StatusText(resp.StatusCode)
	var code string
	var parsed apiError
	if json.Unmarshal(data, &parsed) == nil && parsed.Error.Code != "" {
		code = parsed.Error.Code
		msg = parsed.Error.Message
	}
	e := errors.FromHTTPStatus(resp.StatusCode, msg, parseRetryAfter(resp.Header.Get("Retry-After"), time.Now())).
		WithComponent("graph")
	if code != "" {
		e = e.WithContext("graph_code", code)
	}
	return e
}

// parseRetryAfter reads delta-seconds or an HTTP date.
func parseRetryAfter(v string, now time.Time) time.Duration {
	v = strings.TrimSpace(v)
	if v == "" {
		return 0
	}
	if secs, err := strconv.Atoi(v); err == nil {
		if secs < 0 {
			return 0
		}
		return time.Duration(secs) * time.Second
	}
	if t, err := http.ParseTime(v); err == nil {
		if d := t.Sub(now); d > 0 {
			return d
		}
	}
	return 0
}

func transportError(ctx context.Context, err error) *errors.DriveFSError {
	if ctx.Err() != nil {
		return errors.Wrap(ctx.Err(), errors.ErrCodeOperationCanceled, "request canceled").WithComponent("graph")
	}
	var re *oauth2.RetrieveError
	if stderrors.As(err, &re) {
		return classifyTokenError(err)
	}
	return errors.Wrap(err, errors.ErrCodeTransient, "request failed").WithComponent("graph")
}

// classifyTokenError maps token endpoint failures. A rejected grant cannot be
// fixed by retrying; anything else may be a transient endpoint failure.
func classifyTokenError(err error) *errors.DriveFSError {
	var re *oauth2.RetrieveError
	if stderrors.As(err, &re) && re.Response != nil {
		status := re.Response.StatusCode
		if status == http.StatusBadRequest || status == http.StatusUnauthorized {
			return errors.Wrap(err, errors.ErrCodeUnauthorized, "token refresh rejected").WithComponent("graph")
		}
		return errors.FromHTTPStatus(status, "token endpoint error", 0).WithCause(err).WithComponent("graph")
	}
	if stderrors.Is(err, errNoCredentials) {
		return errors.Wrap(err, errors.ErrCodeUnauthorized, "no credentials").WithComponent("graph")
	}
	return errors.Wrap(err, errors.ErrCodeTransient, "token refresh failed").WithComponent("graph")
}

type driveResource struct {
	ID        string `json:"id"`
	Name      string `json:"name"`
	DriveType string `json:"driveType"`
	Quota     struct {
		Total     int64 `json:"total"`
		Used      int64 `json:"used"`
		Remaining int64 `json:"remaining"`
	} `json:"quota"`
}

// Root returns the identifier of the drive root.
func (c *Client) Root(ctx context.Context) (string, error) {
	c.mu.Lock()
	id := c.rootID
	c.mu.Unlock()
	if id != "" {
		return id, nil
	}

	var item driveItem
	if err := c.doJSON(ctx, "root", request{method: http.MethodGet, url: c.driveURL("/root")}, &item); err != nil {
		return "", err
	}
	if item.ID == "" {
		return "", errors.NewError(errors.ErrCodeFatal, "drive root has no id").WithComponent("graph")
	}
	c.mu.Lock()
	c.rootID = item.ID
	c.mu.Unlock()
	return item.ID, nil
}

// Info returns drive identity and quota.
func (c *Client) Info(ctx context.Context) (*types.DriveInfo, error) {
	var d driveResource
	if err := c.doJSON(ctx, "info", request{method: http.MethodGet, url: c.driveURL("")}, &d); err != nil {
		return nil, err
	}
	root, err := c.Root(ctx)
	if err != nil {
		return nil, err
	}
	return &types.DriveInfo{
		ID:             d.ID,
		Name:           d.Name,
		DriveType:      d.DriveType,
		RootID:         root,
		QuotaTotal:     d.Quota.Total,
		QuotaUsed:      d.Quota.Used,
		QuotaRemaining: d.Quota.Remaining,
	}, nil
}

func (c *Client) String() string {
	return fmt.Sprintf("graph(%s)", c.driveBase)
}
