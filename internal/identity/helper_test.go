package identity_test

import (
	"crypto/rand"
	"crypto/rsa"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/go-jose/go-jose/v4"
	"github.com/go-jose/go-jose/v4/jwt"
	"github.com/stretchr/testify/require"
	"github.com/zitadel/oidc/v3/pkg/oidc"

	"github.com/openkcm/portfolio-site/internal/pkce"
)

const (
	clientID = "portfolio-site"
	keyID    = "test-key"
)

// oidcServer is a minimal OpenID Connect provider.
type oidcServer struct {
	*httptest.Server

	t   *testing.T
	key *rsa.PrivateKey

	mu sync.Mutex
	// challenge expected in the next code exchange
	challenge string
	// issuer announced in the discovery document, defaults to the server URL
	issuer         string
	noRevocation   bool
	tokenError     string
	// refreshStatus answers refresh requests with this status when set
	refreshStatus  int
	refreshCalls   int
	revoked        []string
	magicLinks     []map[string]string
	magicLinkError string
	claims         map[string]any
	discoveryCalls int
	// forgeKey signs ID tokens with a key the JWKS does not announce
	forgeKey *rsa.PrivateKey
}

func newOIDCServer(t *testing.T) *oidcServer {
	t.Helper()

	key, err := rsa.GenerateKey(rand.Reader, 2048)
	require.NoError(t, err)

	s := &oidcServer{
		t:   t,
		key: key,
		claims: map[string]any{
			"email":              "alice@example.com",
			"name":               "Alice",
			"preferred_username": "alice",
			"picture":            "https://avatars.githubusercontent.com/u/1",
		},
	}
	s.Server = httptest.NewServer(http.HandlerFunc(s.serve))
	t.Cleanup(s.Close)

	return s
}

func (s *oidcServer) serve(w http.ResponseWriter, r *http.Request) {
	s.mu.Lock()
	defer s.mu.Unlock()

	switch r.URL.Path {
	case oidc.DiscoveryEndpoint:
		s.discoveryCalls++

		issuer := s.issuer
		if issuer == "" {
			issuer = s.URL
		}

		conf := oidc.DiscoveryConfiguration{
			Issuer:                issuer,
			AuthorizationEndpoint: s.URL + "/authorize",
			TokenEndpoint:         s.URL + "/token",
			JwksURI:               s.URL + "/jwks",
		}
		if !s.noRevocation {
			conf.RevocationEndpoint = s.URL + "/revoke"
		}

		writeJSON(w, http.StatusOK, conf)
	case "/jwks":
		writeJSON(w, http.StatusOK, jose.JSONWebKeySet{Keys: []jose.JSONWebKey{{
			Key:       &s.key.PublicKey,
			KeyID:     keyID,
			Algorithm: string(jose.RS256),
			Use:       "sig",
		}}})
	case "/token":
		s.token(w, r)
	case "/revoke":
		s.revoked = append(s.revoked, r.FormValue("token"))
		w.WriteHeader(http.StatusOK)
	case "/magic-link":
		if s.magicLinkError != "" {
			writeJSON(w, http.StatusTooManyRequests, map[string]string{"error": s.magicLinkError, "error_description": "slow down"})
			return
		}

		var body map[string]string
		_ = json.NewDecoder(r.Body).Decode(&body)
		s.magicLinks = append(s.magicLinks, body)
		w.WriteHeader(http.StatusOK)
	default:
		http.NotFound(w, r)
	}
}

func (s *oidcServer) token(w http.ResponseWriter, r *http.Request) {
	if err := r.ParseForm(); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "invalid_request"})
		return
	}

	if s.tokenError != "" {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": s.tokenError, "error_description": "rejected"})
		return
	}

	switch r.Form.Get("grant_type") {
	case "authorization_code":
		if pkce.Challenge(r.Form.Get("code_verifier")) != s.challenge {
			writeJSON(w, http.StatusBadRequest, map[string]string{"error": "invalid_grant", "error_description": "pkce mismatch"})
			return
		}

		signingKey := s.key
		if s.forgeKey != nil {
			signingKey = s.forgeKey
		}

		writeJSON(w, http.StatusOK, map[string]any{
			"access_token":  "access-1",
			"refresh_token": "refresh-1",
			"token_type":    "Bearer",
			"expires_in":    3600,
			"id_token":      s.idToken(signingKey, "user-1"),
		})
	case "refresh_token":
		s.refreshCalls++
		if s.refreshStatus != 0 {
			writeJSON(w, s.refreshStatus, map[string]string{"error": "temporarily_unavailable"})
			return
		}

		if r.Form.Get("refresh_token") == "revoked" {
			writeJSON(w, http.StatusBadRequest, map[string]string{"error": "invalid_grant"})
			return
		}

		writeJSON(w, http.StatusOK, map[string]any{
			"access_token": "access-refreshed",
			"token_type":   "Bearer",
			"expires_in":   3600,
		})
	default:
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "unsupported_grant_type"})
	}
}

func (s *oidcServer) idToken(key *rsa.PrivateKey, subject string) string {
	signer, err := jose.NewSigner(
		jose.SigningKey{Algorithm: jose.RS256, Key: jose.JSONWebKey{Key: key, KeyID: keyID}},
		(&jose.SignerOptions{}).WithType("JWT"),
	)
	require.NoError(s.t, err)

	now := time.Now()
	raw, err := jwt.Signed(signer).
		Claims(jwt.Claims{
			Issuer:   s.URL,
			Subject:  subject,
			Audience: jwt.Audience{clientID},
			IssuedAt: jwt.NewNumericDate(now),
			Expiry:   jwt.NewNumericDate(now.Add(time.Hour)),
		}).
		Claims(s.claims).
		Serialize()
	require.NoError(s.t, err)

	return raw
}

func (s *oidcServer) expectChallenge(challenge string) {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.challenge = challenge
}

func (s *oidcServer) set(fn func(s *oidcServer)) {
	s.mu.Lock()
	defer s.mu.Unlock()

	fn(s)
}

func (s *oidcServer) get(fn func(s *oidcServer)) {
	s.mu.Lock()
	defer s.mu.Unlock()

	fn(s)
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}
