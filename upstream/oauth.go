// Package upstream holds the clients for the third-party API this system
// fronts: the OAuth token endpoints and the REST entity API.
package upstream

import (
	"context"
	"net/http"
	"time"

	"github.com/rs/zerolog/log"
	"golang.org/x/oauth2"

	"github.com/tokengate/tokengate/domain"
)

// defaultTimeout bounds every upstream call so a hung upstream cannot wedge
// an identity's serial queue.
const defaultTimeout = 30 * time.Second

// OAuthConfig describes the upstream authorization server.
type OAuthConfig struct {
	ClientID     string
	ClientSecret string
	AuthURL      string
	TokenURL     string
	RedirectURL  string
	Scopes       []string
}

// OAuthClient performs code exchange and single-shot refresh against the
// upstream token endpoint.
type OAuthClient struct {
	config *oauth2.Config
	client *http.Client
}

// NewOAuthClient creates an OAuthClient.
func NewOAuthClient(cfg OAuthConfig) *OAuthClient {
	return &OAuthClient{
		config: &oauth2.Config{
			ClientID:     cfg.ClientID,
			ClientSecret: cfg.ClientSecret,
			RedirectURL:  cfg.RedirectURL,
			Scopes:       cfg.Scopes,
			Endpoint: oauth2.Endpoint{
				AuthURL:  cfg.AuthURL,
				TokenURL: cfg.TokenURL,
			},
		},
		client: &http.Client{Timeout: defaultTimeout},
	}
}

// AuthCodeURL generates the authorization URL the user should be redirected
// to, with a state parameter for CSRF protection.
func (c *OAuthClient) AuthCodeURL(state string) string {
	return c.config.AuthCodeURL(state)
}

// ExchangeCode exchanges an authorization code for a token pair.
func (c *OAuthClient) ExchangeCode(ctx context.Context, code string) (*oauth2.Token, error) {
	ctx = context.WithValue(ctx, oauth2.HTTPClient, c.client)
	token, err := c.config.Exchange(ctx, code)
	if err != nil {
		return nil, domain.NewUpstreamTransportError(err)
	}
	return token, nil
}

// Refresh performs exactly one refresh attempt with the given refresh token.
// There is no retry or backoff here; the caller owns the degradation policy.
func (c *OAuthClient) Refresh(ctx context.Context, refreshToken string) (*oauth2.Token, error) {
	ctx = context.WithValue(ctx, oauth2.HTTPClient, c.client)
	token, err := c.config.TokenSource(ctx, &oauth2.Token{RefreshToken: refreshToken}).Token()
	if err != nil {
		log.Ctx(ctx).Warn().Err(err).Msg("upstream token refresh failed")
		return nil, domain.NewUpstreamTransportError(err)
	}
	return token, nil
}
