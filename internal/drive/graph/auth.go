package graph

import (
	"context"
	stderrors "errors"
	"strings"
	"sync"

	"golang.org/x/oauth2"
)

// DefaultAuthority is the Microsoft identity platform host.
const DefaultAuthority = "https://login.microsoftonline.com"

// DefaultScopes grants drive access and a refresh token.
var DefaultScopes = []string{"Files.ReadWrite.All", "offline_access"}

var errNoCredentials = stderrors.New("graph: neither refresh_token nor access_token configured")

// AuthConfig describes how bearer tokens are obtained.
type AuthConfig struct {
	ClientID string
	// Tenant is "common", "organizations", "consumers" or a tenant id.
	Tenant       string
	RefreshToken string
	// AccessToken is used as is when no RefreshToken is configured.
	AccessToken string
	Scopes      []string
	Authority   string

	// OnRefresh is called after a refresh returns a rotated refresh token,
	// so the caller can persist it.
	OnRefresh func(refreshToken string)
}

// NewTokenSource returns a caching token source. With a refresh token it
// redeems it against the tenant token endpoint and refreshes before expiry.
// The HTTP client used for refreshes can be set on ctx with oauth2.HTTPClient.
func NewTokenSource(ctx context.Context, cfg AuthConfig) (oauth2.TokenSource, error) {
	if cfg.RefreshToken == "" {
		if cfg.AccessToken == "" {
			return nil, errNoCredentials
		}
		return oauth2.StaticTokenSource(&oauth2.Token{AccessToken: cfg.AccessToken, TokenType: "Bearer"}), nil
	}

	if cfg.Tenant == "" {
		cfg.Tenant = "common"
	}
	if cfg.Authority == "" {
		cfg.Authority = DefaultAuthority
	}
	if len(cfg.Scopes) == 0 {
		cfg.Scopes = DefaultScopes
	}
	base := strings.TrimRight(cfg.Authority, "/") + "/" + cfg.Tenant + "/oauth2/v2.0"
	conf := &oauth2.Config{
		ClientID: cfg.ClientID,
		Scopes:   cfg.Scopes,
		Endpoint: oauth2.Endpoint{
			AuthURL:   base + "/authorize",
			TokenURL:  base + "/token",
			AuthStyle: oauth2.AuthStyleInParams,
		},
	}
	src := conf.TokenSource(ctx, &oauth2.Token{RefreshToken: cfg.RefreshToken})
	if cfg.OnRefresh == nil {
		return src, nil
	}
	return &rotationSource{src: src, last: cfg.RefreshToken, notify: cfg.OnRefresh}, nil
}

// rotationSource reports refresh token rotation.
type rotationSource struct {
	src    oauth2.TokenSource
	mu     sync.Mutex
	last   string
	notify func(string)
}

func (s *rotationSource) Token() (*oauth2.Token, error) {
	tok, err := s.src.Token()
	if err != nil {
		return nil, err
	}
	s.mu.Lock()
	rotated := tok.RefreshToken != "" && tok.RefreshToken != s.last
	if rotated {
		s.last = tok.RefreshToken
	}
	s.mu.Unlock()
	if rotated {
		s.notify(tok.RefreshToken)
	}
	return tok, nil
}
