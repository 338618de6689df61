package identity

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"

	"github.com/zitadel/oidc/v3/pkg/oidc"
	"golang.org/x/oauth2"

	slogctx "github.com/veqryn/slog-context"

	"github.com/openkcm/portfolio-site/internal/serviceerr"
	"github.com/openkcm/portfolio-site/pkg/session"
)

const (
	providerParam = "identity_provider"
	emailProvider = "email"
)

// flow is the pending sign-in stored until the code comes back.
type flow struct {
	Verifier   string `json:"verifier"`
	RedirectTo string `json:"redirect_to"`
	Provider   string `json:"provider"`
}

type otpRequest struct {
	Email               string `json:"email"`
	RedirectTo          string `json:"redirect_to"`
	CodeChallenge       string `json:"code_challenge"`
	CodeChallengeMethod string `json:"code_challenge_method"`
}

type errorResponse struct {
	Error            string `json:"error"`
	ErrorDescription string `json:"error_description"`
}

// SignInWithOAuth returns the authorize URL of a social sign-in. The provider
// name is passed to the issuer as identity provider hint.
func (c *Client) SignInWithOAuth(ctx context.Context, provider, redirectTo string) (string, error) {
	conf, err := c.discovery(ctx)
	if err != nil {
		return "", err
	}

	redirectTo = c.redirectTo(redirectTo)
	pair := c.pkce.Pair()
	c.storeFlow(ctx, flow{Verifier: pair.Verifier, RedirectTo: redirectTo, Provider: provider})

	opts := []oauth2.AuthCodeOption{oauth2.S256ChallengeOption(pair.Verifier)}
	if provider != "" {
		opts = append(opts, oauth2.SetAuthURLParam(providerParam, provider))
	}

	return c.oauthConfig(conf, redirectTo).AuthCodeURL(c.pkce.State(), opts...), nil
}

// SignInWithOTP asks the magic link endpoint to email a sign-in link. The
// link carries a code that is exchanged like the one of a social sign-in.
func (c *Client) SignInWithOTP(ctx context.Context, email, redirectTo string) error {
	if c.cfg.MagicLinkURL == "" {
		return fmt.Errorf("%w: magic links are not configured", serviceerr.ErrInvalidRequest)
	}

	if email == "" {
		return fmt.Errorf("%w: missing email", serviceerr.ErrInvalidRequest)
	}

	redirectTo = c.redirectTo(redirectTo)
	pair := c.pkce.Pair()

	body, err := json.Marshal(otpRequest{
		Email:               email,
		RedirectTo:          redirectTo,
		CodeChallenge:       pair.Challenge,
		CodeChallengeMethod: pair.Method,
	})
	if err != nil {
		return fmt.Errorf("encoding request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.cfg.MagicLinkURL, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("creating a new HTTP request: %w", err)
	}

	req.Header.Set("Content-Type", "application/json")

	if err := c.do(req); err != nil {
		return fmt.Errorf("requesting magic link: %w", err)
	}

	c.storeFlow(ctx, flow{Verifier: pair.Verifier, RedirectTo: redirectTo, Provider: emailProvider})

	slogctx.Info(ctx, "Magic link requested")

	return nil
}

// ExchangeCodeForSession exchanges the code of a callback for a session,
// stores it and notifies about the sign-in.
func (c *Client) ExchangeCodeForSession(ctx context.Context, code string) (*session.ProviderSession, error) {
	pending, ok := c.loadFlow(ctx)
	if !ok {
		return nil, fmt.Errorf("%w: no sign-in in progress", serviceerr.ErrInvalidGrant)
	}

	conf, err := c.discovery(ctx)
	if err != nil {
		return nil, err
	}

	token, err := c.oauthConfig(conf, pending.RedirectTo).Exchange(c.httpContext(ctx), code, oauth2.VerifierOption(pending.Verifier))
	if err != nil {
		return nil, fmt.Errorf("exchanging code for tokens: %w", oauthError(err))
	}

	c.channel.Remove(ctx, c.verifierKey())

	s, err := c.sessionFromToken(ctx, conf, token, &session.ProviderSession{User: session.User{Provider: pending.Provider}})
	if err != nil {
		return nil, err
	}

	c.storeSession(ctx, s)
	c.emit(ctx, session.EventSignedIn, s)

	slogctx.Info(ctx, "Signed in", "userID", s.User.ID, "provider", s.User.Provider)

	return s, nil
}

// SignOut removes the stored session. The global scope additionally revokes
// a refresh token at the issuer: the one of the stored session if a sign-out
// found it, otherwise the one of ending.
func (c *Client) SignOut(ctx context.Context, scope session.SignOutScope, ending *session.ProviderSession) error {
	if c.removeSession(ctx) {
		c.emit(ctx, session.EventSignedOut, nil)
	}

	if scope != session.ScopeGlobal {
		return nil
	}

	c.mu.Lock()
	token := c.revocable
	c.revocable = ""
	c.mu.Unlock()

	if token == "" && ending != nil {
		token = ending.RefreshToken
	}

	if token == "" {
		slogctx.Debug(ctx, "No refresh token to revoke")
		return nil
	}

	conf, err := c.discovery(ctx)
	if err != nil {
		return err
	}

	return c.revoke(ctx, conf, token)
}

func (c *Client) revoke(ctx context.Context, conf *oidc.DiscoveryConfiguration, token string) error {
	if conf.RevocationEndpoint == "" {
		return serviceerr.ErrEndSessionNotSupported
	}

	form := revocationForm(token, c.cfg.ClientID)

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, conf.RevocationEndpoint, bytes.NewBufferString(form.Encode()))
	if err != nil {
		return fmt.Errorf("creating a new HTTP request: %w", err)
	}

	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	if c.cfg.ClientSecret != "" {
		req.SetBasicAuth(c.cfg.ClientID, c.cfg.ClientSecret)
	}

	if err := c.do(req); err != nil {
		return fmt.Errorf("revoking refresh token: %w", err)
	}

	return nil
}

// refreshSession exchanges the refresh token of the stored session for a new
// session and notifies about the refresh.
func (c *Client) refreshSession(ctx context.Context, stored *session.ProviderSession) (*session.ProviderSession, error) {
	if stored.RefreshToken == "" {
		return nil, fmt.Errorf("%w: no refresh token", errUnrefreshable)
	}

	conf, err := c.discovery(ctx)
	if err != nil {
		return nil, err
	}

	source := c.oauthConfig(conf, "").TokenSource(c.httpContext(ctx), &oauth2.Token{RefreshToken: stored.RefreshToken})

	token, err := source.Token()
	if err != nil {
		if rejected(err) {
			return nil, fmt.Errorf("%w: %w", errUnrefreshable, oauthError(err))
		}

		return nil, fmt.Errorf("refreshing token: %w", oauthError(err))
	}

	s, err := c.sessionFromToken(ctx, conf, token, stored)
	if err != nil {
		return nil, err
	}

	c.storeSession(ctx, s)
	c.emit(ctx, session.EventTokenRefreshed, s)

	return s, nil
}

func (c *Client) oauthConfig(conf *oidc.DiscoveryConfiguration, redirectTo string) *oauth2.Config {
	// public clients authenticate with the client id in the form
	authStyle := oauth2.AuthStyleInParams
	if c.cfg.ClientSecret != "" {
		authStyle = oauth2.AuthStyleInHeader
	}

	return &oauth2.Config{
		ClientID:     c.cfg.ClientID,
		ClientSecret: c.cfg.ClientSecret,
		RedirectURL:  redirectTo,
		Scopes:       c.cfg.Scopes,
		Endpoint: oauth2.Endpoint{
			AuthURL:   conf.AuthorizationEndpoint,
			TokenURL:  conf.TokenEndpoint,
			AuthStyle: authStyle,
		},
	}
}

func (c *Client) redirectTo(redirectTo string) string {
	if redirectTo == "" {
		return c.cfg.RedirectURL
	}

	return redirectTo
}

func (c *Client) storeFlow(ctx context.Context, f flow) {
	raw, err := json.Marshal(f)
	if err != nil {
		slogctx.Warn(ctx, "Could not encode the sign-in flow", "error", err)
		return
	}

	c.channel.Write(ctx, c.verifierKey(), string(raw))
}

func (c *Client) loadFlow(ctx context.Context) (flow, bool) {
	raw, ok := c.channel.Read(ctx, c.verifierKey())
	if !ok {
		return flow{}, false
	}

	var f flow
	if err := json.Unmarshal([]byte(raw), &f); err != nil || f.Verifier == "" {
		return flow{}, false
	}

	return f, true
}

// do executes req and turns an unsuccessful response into an error.
func (c *Client) do(req *http.Request) error {
	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("executing an http request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 200 && resp.StatusCode < 300 {
		_, _ = io.Copy(io.Discard, resp.Body)
		return nil
	}

	var e errorResponse
	if err := json.NewDecoder(resp.Body).Decode(&e); err != nil || e.Error == "" {
		return fmt.Errorf("%w: unexpected status %d", serviceerr.ErrUpstream, resp.StatusCode)
	}

	return &serviceerr.Error{Err: serviceerr.Code(e.Error), Description: e.ErrorDescription}
}

// rejected reports whether the token endpoint refused the grant for good.
// Server errors and rate limiting are transient and keep the session.
func rejected(err error) bool {
	var retrieveErr *oauth2.RetrieveError
	if !errors.As(err, &retrieveErr) || retrieveErr.Response == nil {
		return false
	}

	status := retrieveErr.Response.StatusCode

	return status >= http.StatusBadRequest &&
		status < http.StatusInternalServerError &&
		status != http.StatusTooManyRequests
}

// oauthError converts the error response of a token request.
func oauthError(err error) error {
	var retrieveErr *oauth2.RetrieveError
	if !errors.As(err, &retrieveErr) || retrieveErr.ErrorCode == "" {
		return err
	}

	return &serviceerr.Error{Err: serviceerr.Code(retrieveErr.ErrorCode), Description: retrieveErr.ErrorDescription}
}
