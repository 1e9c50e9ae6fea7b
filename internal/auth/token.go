// Package auth adapts credential providers to the single bearer-token call the
// transfer queue needs. Acquiring credentials is somebody else's job.
package auth

import (
	"context"
	"errors"
	"fmt"
	"net/url"
	"strings"
	"sync"
	"time"

	"golang.org/x/oauth2"
	"golang.org/x/oauth2/clientcredentials"
)

var (
	ErrNoCredentials = errors.New("auth: no credentials configured")
	ErrEmptyToken    = errors.New("auth: empty token")
)

const defaultAuthority = "https://login.microsoftonline.com"

// TokenSource returns a bearer token for the remote store
type TokenSource interface {
	Token(ctx context.Context) (string, error)
}

// Static is a fixed token, typically handed over by the login screen or an env var.
// A JWT whose exp claim has passed is refused locally.
type Static string

func (s Static) Token(context.Context) (string, error) {
	if strings.TrimSpace(string(s)) == "" {
		return "", ErrEmptyToken
	}
	if expired(string(s), time.Now()) {
		return "", ErrTokenExpired
	}
	return string(s), nil
}

// Func adapts a plain function
type Func func(ctx context.Context) (string, error)

func (f Func) Token(ctx context.Context) (string, error) {
	return f(ctx)
}

// ClientCredentials runs the OAuth2 client-credentials grant and reuses the token until
// it is about to expire.
type ClientCredentials struct {
	cfg   *clientcredentials.Config
	token *oauth2.Token
	mu    sync.Mutex
}

type ClientCredentialsParams struct {
	TenantID     string
	ClientID     string
	ClientSecret string
	Scopes       []string
	// TokenURL overrides the tenant token endpoint
	TokenURL string
}

func NewClientCredentials(p *ClientCredentialsParams) (*ClientCredentials, error) {
	if p.ClientID == "" || p.ClientSecret == "" {
		return nil, ErrNoCredentials
	}

	tokenURL := p.TokenURL
	if tokenURL == "" {
		if p.TenantID == "" {
			return nil, fmt.Errorf("%w: tenant id required", ErrNoCredentials)
		}
		tokenURL = fmt.Sprintf("%s/%s/oauth2/v2.0/token", defaultAuthority, url.PathEscape(p.TenantID))
	}

	scopes := p.Scopes
	if len(scopes) == 0 {
		scopes = []string{"https://graph.microsoft.com/.default"}
	}

	return &ClientCredentials{
		cfg: &clientcredentials.Config{
			ClientID:     p.ClientID,
			ClientSecret: p.ClientSecret,
			TokenURL:     tokenURL,
			Scopes:       scopes,
			AuthStyle:    oauth2.AuthStyleInParams,
		},
	}, nil
}

func (c *ClientCredentials) Token(ctx context.Context) (string, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.token.Valid() {
		return c.token.AccessToken, nil
	}

	tok, err := c.cfg.Token(ctx)
	if err != nil {
		return "", fmt.Errorf("auth: client credentials: %w", err)
	}
	if tok.AccessToken == "" {
		return "", ErrEmptyToken
	}

	c.token = tok
	return tok.AccessToken, nil
}
