package identity

import (
	"context"
	"errors"
	"fmt"
	"net/url"

	"github.com/go-jose/go-jose/v4/jwt"
	"github.com/zitadel/oidc/v3/pkg/oidc"
	"golang.org/x/oauth2"

	"github.com/openkcm/portfolio-site/internal/serviceerr"
	"github.com/openkcm/portfolio-site/pkg/session"
)

// errUnrefreshable marks a session the issuer will not refresh any more.
var errUnrefreshable = errors.New("session cannot be refreshed")

// profileClaims are the ID token claims describing the user.
type profileClaims struct {
	Email             string `json:"email"`
	Name              string `json:"name"`
	FullName          string `json:"full_name"`
	PreferredUsername string `json:"preferred_username"`
	Picture           string `json:"picture"`
	AvatarURL         string `json:"avatar_url"`
}

// sessionFromToken builds a session from a token response. Values missing
// from the response, like the ID token of a refresh, are taken from previous.
func (c *Client) sessionFromToken(ctx context.Context, conf *oidc.DiscoveryConfiguration, token *oauth2.Token, previous *session.ProviderSession) (*session.ProviderSession, error) {
	s := &session.ProviderSession{
		AccessToken:  token.AccessToken,
		RefreshToken: token.RefreshToken,
		IDToken:      previous.IDToken,
		TokenType:    token.Type(),
		ExpiresAt:    token.Expiry,
		User:         previous.User,
	}

	rawIDToken, _ := token.Extra("id_token").(string)
	if rawIDToken == "" {
		if s.User.ID == "" {
			return nil, fmt.Errorf("%w: token response without id token", serviceerr.ErrInvalidGrant)
		}

		return s, nil
	}

	subject, claims, err := c.verifyIDToken(ctx, conf, rawIDToken)
	if err != nil {
		return nil, err
	}

	s.IDToken = rawIDToken
	s.User = session.User{
		ID:       subject,
		Email:    claims.Email,
		Provider: previous.User.Provider,
		Metadata: session.Metadata{
			FullName:  claims.FullName,
			Name:      claims.Name,
			UserName:  claims.PreferredUsername,
			AvatarURL: claims.AvatarURL,
			Picture:   claims.Picture,
		},
	}

	return s, nil
}

// verifyIDToken checks the signature and the registered claims of an ID
// token and returns its subject and profile claims.
func (c *Client) verifyIDToken(ctx context.Context, conf *oidc.DiscoveryConfiguration, raw string) (string, profileClaims, error) {
	parsed, err := jwt.ParseSigned(raw, c.sigAlgs)
	if err != nil {
		return "", profileClaims{}, fmt.Errorf("parsing id token: %w", err)
	}

	var std jwt.Claims
	var claims profileClaims

	keys, err := c.keySet(ctx, conf)
	if err != nil {
		return "", profileClaims{}, err
	}

	if err := parsed.Claims(keys, &std, &claims); err != nil {
		// the issuer may have rotated its keys
		c.forgetKeySet()

		keys, err = c.keySet(ctx, conf)
		if err != nil {
			return "", profileClaims{}, err
		}

		if err := parsed.Claims(keys, &std, &claims); err != nil {
			return "", profileClaims{}, fmt.Errorf("verifying id token: %w", err)
		}
	}

	expected := jwt.Expected{
		Issuer:      conf.Issuer,
		AnyAudience: jwt.Audience{c.cfg.ClientID},
		Time:        c.now(),
	}
	if err := std.ValidateWithLeeway(expected, jwt.DefaultLeeway); err != nil {
		return "", profileClaims{}, fmt.Errorf("validating id token claims: %w", err)
	}

	if std.Subject == "" {
		return "", profileClaims{}, fmt.Errorf("%w: id token without subject", serviceerr.ErrInvalidGrant)
	}

	return std.Subject, claims, nil
}

func revocationForm(token, clientID string) url.Values {
	form := url.Values{}
	form.Set("token", token)
	form.Set("token_type_hint", "refresh_token")
	form.Set("client_id", clientID)

	return form
}
