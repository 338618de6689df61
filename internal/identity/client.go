// Package identity implements the identity provider client of the session
// coordinator against an OpenID Connect provider. Sign-ins use the
// authorization code flow with PKCE, either started by a redirect to the
// provider or by a magic link sent by email. The provider session is kept in
// the signal channel so that every context shares it.
package identity

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"sort"
	"sync"
	"time"

	"github.com/go-jose/go-jose/v4"
	"github.com/patrickmn/go-cache"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"
	"golang.org/x/oauth2"
	"golang.org/x/sync/singleflight"

	slogctx "github.com/veqryn/slog-context"

	"github.com/openkcm/portfolio-site/internal/pkce"
	"github.com/openkcm/portfolio-site/pkg/session"
	"github.com/openkcm/portfolio-site/pkg/signal"
)

const (
	DefaultStorageKey    = "sb-portfolio-auth-token"
	DefaultRefreshMargin = 5 * time.Minute
	DefaultCacheTTL      = time.Hour

	verifierSuffix = "-code-verifier"
)

var defaultScopes = []string{"openid", "profile", "email", "offline_access"}

var defaultSigAlgs = []string{string(jose.RS256), string(jose.ES256)}

type Config struct {
	IssuerURL    string
	ClientID     string
	ClientSecret string
	// RedirectURL is used when a sign-in does not name its own.
	RedirectURL string
	// MagicLinkURL is the endpoint sending magic link emails.
	MagicLinkURL string
	Scopes       []string
	// StorageKey is the signal channel key of the provider session.
	StorageKey    string
	RefreshMargin time.Duration
	CacheTTL      time.Duration
	JWSSigAlgs    []string
	HTTPClient    *http.Client
}

type Option func(*Client)

func WithClock(now func() time.Time) Option {
	return func(c *Client) {
		c.now = now
	}
}

// Client is safe for concurrent use.
type Client struct {
	cfg        Config
	channel    signal.Channel
	httpClient *http.Client
	cache      *cache.Cache
	pkce       pkce.Source
	refresh    singleflight.Group
	sigAlgs    []jose.SignatureAlgorithm
	now        func() time.Time

	mu       sync.Mutex
	handlers map[int]session.AuthChangeHandler
	next     int
	// revocable keeps the refresh token of the last local sign-out for a
	// following global sign-out.
	revocable string
}

var _ session.IdentityProvider = (*Client)(nil)

func NewClient(cfg Config, channel signal.Channel, opts ...Option) *Client {
	if cfg.StorageKey == "" {
		cfg.StorageKey = DefaultStorageKey
	}
	if cfg.RefreshMargin == 0 {
		cfg.RefreshMargin = DefaultRefreshMargin
	}
	if cfg.CacheTTL == 0 {
		cfg.CacheTTL = DefaultCacheTTL
	}
	if len(cfg.Scopes) == 0 {
		cfg.Scopes = defaultScopes
	}
	if len(cfg.JWSSigAlgs) == 0 {
		cfg.JWSSigAlgs = defaultSigAlgs
	}

	httpClient := cfg.HTTPClient
	if httpClient == nil {
		httpClient = &http.Client{
			Timeout:   10 * time.Second,
			Transport: otelhttp.NewTransport(http.DefaultTransport),
		}
	}

	algs := make([]jose.SignatureAlgorithm, 0, len(cfg.JWSSigAlgs))
	for _, alg := range cfg.JWSSigAlgs {
		algs = append(algs, jose.SignatureAlgorithm(alg))
	}

	c := &Client{
		cfg:        cfg,
		channel:    channel,
		httpClient: httpClient,
		cache:      cache.New(cfg.CacheTTL, 2*cfg.CacheTTL),
		sigAlgs:    algs,
		now:        time.Now,
		handlers:   make(map[int]session.AuthChangeHandler),
	}

	for _, opt := range opts {
		opt(c)
	}

	return c
}

// StorageKey is the signal channel key of the provider session.
func (c *Client) StorageKey() string {
	return c.cfg.StorageKey
}

func (c *Client) OnAuthStateChange(fn session.AuthChangeHandler) func() {
	c.mu.Lock()
	defer c.mu.Unlock()

	id := c.next
	c.next++
	c.handlers[id] = fn

	return func() {
		c.mu.Lock()
		delete(c.handlers, id)
		c.mu.Unlock()
	}
}

func (c *Client) emit(ctx context.Context, event session.AuthEvent, s *session.ProviderSession) {
	c.mu.Lock()
	ids := make([]int, 0, len(c.handlers))
	for id := range c.handlers {
		ids = append(ids, id)
	}
	sort.Ints(ids)

	handlers := make([]session.AuthChangeHandler, 0, len(ids))
	for _, id := range ids {
		handlers = append(handlers, c.handlers[id])
	}
	c.mu.Unlock()

	slogctx.Debug(ctx, "Auth state changed", "event", event)

	for _, handler := range handlers {
		handler(ctx, event, s)
	}
}

// GetSession returns the stored session. A session expiring within the
// refresh margin is refreshed first, a session that cannot be refreshed any
// more is removed and reads as signed out.
func (c *Client) GetSession(ctx context.Context) (*session.ProviderSession, error) {
	stored, ok := c.loadSession(ctx)
	if !ok {
		return nil, nil
	}

	if !c.shouldRefresh(stored) {
		return stored, nil
	}

	v, err, _ := c.refresh.Do(c.cfg.StorageKey, func() (any, error) {
		// another caller may have refreshed in the meantime
		current, ok := c.loadSession(ctx)
		if !ok {
			return (*session.ProviderSession)(nil), nil
		}

		if !c.shouldRefresh(current) {
			return current, nil
		}

		return c.refreshSession(ctx, current)
	})
	if err == nil {
		//nolint:forcetypeassert
		return v.(*session.ProviderSession), nil
	}

	if !errors.Is(err, errUnrefreshable) {
		return nil, err
	}

	slogctx.Info(ctx, "Session could not be refreshed, signing out", "error", err)

	if c.removeSession(ctx) {
		c.emit(ctx, session.EventSignedOut, nil)
	}

	return nil, nil
}

func (c *Client) shouldRefresh(s *session.ProviderSession) bool {
	if s.ExpiresAt.IsZero() {
		return false
	}

	return s.ExpiresAt.Sub(c.now()) < c.cfg.RefreshMargin
}

func (c *Client) loadSession(ctx context.Context) (*session.ProviderSession, bool) {
	raw, ok := c.channel.Read(ctx, c.cfg.StorageKey)
	if !ok {
		return nil, false
	}

	var s session.ProviderSession
	if err := json.Unmarshal([]byte(raw), &s); err != nil || s.AccessToken == "" {
		slogctx.Warn(ctx, "Discarding an unreadable stored session", "error", err)
		c.channel.Remove(ctx, c.cfg.StorageKey)

		return nil, false
	}

	return &s, true
}

func (c *Client) storeSession(ctx context.Context, s *session.ProviderSession) {
	raw, err := json.Marshal(s)
	if err != nil {
		slogctx.Warn(ctx, "Could not encode the session", "error", err)
		return
	}

	c.channel.Write(ctx, c.cfg.StorageKey, string(raw))
}

// removeSession reports whether a session was stored.
func (c *Client) removeSession(ctx context.Context) bool {
	stored, ok := c.loadSession(ctx)
	if ok && stored.RefreshToken != "" {
		c.mu.Lock()
		c.revocable = stored.RefreshToken
		c.mu.Unlock()
	}

	c.channel.Remove(ctx, c.cfg.StorageKey)
	c.channel.Remove(ctx, c.verifierKey())

	return ok
}

func (c *Client) verifierKey() string {
	return c.cfg.StorageKey + verifierSuffix
}

// httpContext makes the oauth2 package use the client's HTTP client.
func (c *Client) httpContext(ctx context.Context) context.Context {
	return context.WithValue(ctx, oauth2.HTTPClient, c.httpClient)
}
