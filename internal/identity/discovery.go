package identity

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"

	"github.com/go-jose/go-jose/v4"
	"github.com/patrickmn/go-cache"
	"github.com/zitadel/oidc/v3/pkg/oidc"

	slogctx "github.com/veqryn/slog-context"

	"github.com/openkcm/portfolio-site/internal/serviceerr"
)

const (
	discoveryCacheKey = "discovery"
	jwksCacheKey      = "jwks"
)

// discovery returns the provider metadata of the issuer.
func (c *Client) discovery(ctx context.Context) (*oidc.DiscoveryConfiguration, error) {
	if cached, ok := c.cache.Get(discoveryCacheKey); ok {
		//nolint:forcetypeassert
		return cached.(*oidc.DiscoveryConfiguration), nil
	}

	issuer := strings.TrimSuffix(c.cfg.IssuerURL, "/")

	var conf oidc.DiscoveryConfiguration
	if err := c.getJSON(ctx, issuer+oidc.DiscoveryEndpoint, &conf); err != nil {
		return nil, fmt.Errorf("getting openid configuration: %w", err)
	}

	if strings.TrimSuffix(conf.Issuer, "/") != issuer {
		slogctx.Error(ctx, "Issuer mismatch in the openid configuration", "expected", issuer, "got", conf.Issuer)
		return nil, serviceerr.ErrInvalidOIDCProvider
	}

	if conf.AuthorizationEndpoint == "" || conf.TokenEndpoint == "" || conf.JwksURI == "" {
		return nil, serviceerr.ErrInvalidOIDCProvider
	}

	c.cache.Set(discoveryCacheKey, &conf, cache.DefaultExpiration)

	return &conf, nil
}

// keySet returns the signing keys of the issuer. A cached key set is
// dropped with forget so that rotated keys are fetched again.
func (c *Client) keySet(ctx context.Context, conf *oidc.DiscoveryConfiguration) (*jose.JSONWebKeySet, error) {
	if cached, ok := c.cache.Get(jwksCacheKey); ok {
		//nolint:forcetypeassert
		return cached.(*jose.JSONWebKeySet), nil
	}

	var keySet jose.JSONWebKeySet
	if err := c.getJSON(ctx, conf.JwksURI, &keySet); err != nil {
		return nil, fmt.Errorf("getting jwks: %w", err)
	}

	c.cache.Set(jwksCacheKey, &keySet, cache.DefaultExpiration)

	return &keySet, nil
}

func (c *Client) forgetKeySet() {
	c.cache.Delete(jwksCacheKey)
}

func (c *Client) getJSON(ctx context.Context, uri string, into any) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, uri, nil)
	if err != nil {
		return fmt.Errorf("creating a new HTTP request: %w", err)
	}

	req.Header.Set("Accept", "application/json")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("executing an http request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("%w: unexpected status %d from %s", serviceerr.ErrUpstream, resp.StatusCode, uri)
	}

	if err := json.NewDecoder(resp.Body).Decode(into); err != nil {
		return fmt.Errorf("decoding response: %w", err)
	}

	return nil
}
