// Package publisher adapts each social platform's publishing API to one
// contract. Adapters hold no credentials; the access token arrives with each
// call and is dropped when it returns.
package publisher

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/maheshrc27/postpilot/internal/media"
	"github.com/maheshrc27/postpilot/internal/models"
	"golang.org/x/oauth2"
)

type PublishRequest struct {
	Account        *models.Account
	Content        string
	Title          string
	Media          []media.Resolved
	AccessToken    string
	IdempotencyKey string
}

type Result struct {
	PlatformPostID  string
	PlatformPostURL string
}

type Metrics struct {
	Impressions int64
	Reach       int64
	Likes       int64
	Comments    int64
	Shares      int64
	Saves       int64
	VideoViews  int64
}

type Publisher interface {
	Platform() models.Platform
	// Publish returns an *apperr.Error whose Kind tells the dispatcher what
	// to do next.
	Publish(ctx context.Context, req PublishRequest) (*Result, error)
	FetchMetrics(ctx context.Context, account *models.Account, platformPostID, accessToken string) (*Metrics, error)
}

type Credentials struct {
	AccessToken  string
	RefreshToken string
}

// Refresher is implemented by platforms that can renew a token without the
// user. Platforms without it must be reconnected before expiry.
type Refresher interface {
	RefreshToken(ctx context.Context, creds Credentials) (*oauth2.Token, error)
}

// Connection is the outcome of an OAuth authorization code exchange.
type Connection struct {
	ExternalID  string
	Username    string
	DisplayName string
	Token       *oauth2.Token
}

type Connector interface {
	AuthCodeURL(state string) string
	Exchange(ctx context.Context, code, state string) (*Connection, error)
}

type Registry map[models.Platform]Publisher

func NewRegistry(publishers ...Publisher) Registry {
	r := make(Registry, len(publishers))
	for _, p := range publishers {
		r[p.Platform()] = p
	}
	return r
}

func (r Registry) Get(p models.Platform) (Publisher, error) {
	pub, ok := r[p]
	if !ok {
		return nil, fmt.Errorf("no publisher registered for %s", p)
	}
	return pub, nil
}

func (r Registry) Refresher(p models.Platform) (Refresher, bool) {
	ref, ok := r[p].(Refresher)
	return ref, ok
}

func (r Registry) Connector(p models.Platform) (Connector, bool) {
	c, ok := r[p].(Connector)
	return c, ok
}

// Option tunes an adapter. Tests point adapters at httptest servers.
type Option func(*options)

type options struct {
	baseURL    string
	authURL    string
	tokenURL   string
	httpClient *http.Client
	now        func() time.Time
}

func WithBaseURL(u string) Option {
	return func(o *options) { o.baseURL = u }
}

func WithAuthURL(u string) Option {
	return func(o *options) { o.authURL = u }
}

func WithTokenURL(u string) Option {
	return func(o *options) { o.tokenURL = u }
}

func WithHTTPClient(c *http.Client) Option {
	return func(o *options) { o.httpClient = c }
}

func WithClock(now func() time.Time) Option {
	return func(o *options) { o.now = now }
}

func buildOptions(baseURL, authURL, tokenURL string, opts []Option) options {
	o := options{
		baseURL:    baseURL,
		authURL:    authURL,
		tokenURL:   tokenURL,
		httpClient: &http.Client{Timeout: 60 * time.Second},
		now:        time.Now,
	}
	for _, opt := range opts {
		opt(&o)
	}
	return o
}

func expiresAt(now time.Time, expiresIn int64) time.Time {
	if expiresIn <= 0 {
		return time.Time{}
	}
	return now.Add(time.Duration(expiresIn) * time.Second)
}
