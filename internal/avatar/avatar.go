// Package avatar fetches profile pictures from the well known avatar hosts of
// the social sign-in providers, so that pages can embed them from their own
// origin.
package avatar

import (
	"context"
	"fmt"
	"io"
	"mime"
	"net"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"

	slogctx "github.com/veqryn/slog-context"

	"github.com/openkcm/portfolio-site/internal/serviceerr"
)

const (
	DefaultMaxAgeCap = 24 * time.Hour
	DefaultTimeout   = 10 * time.Second
)

// DefaultAllowedHosts are the avatar hosts of the supported providers.
var DefaultAllowedHosts = []string{
	"lh3.googleusercontent.com",
	"*.googleusercontent.com",
	"avatars.githubusercontent.com",
	"secure.gravatar.com",
	"www.gravatar.com",
	"cdn.discordapp.com",
	"pbs.twimg.com",
	"platform-lookaside.fbsbx.com",
}

type Config struct {
	// AllowedHosts are exact host names or "*." wildcards matching any
	// subdomain.
	AllowedHosts []string
	MaxAgeCap    time.Duration
	HTTPClient   *http.Client
}

// Image is an upstream image. The caller closes Body.
type Image struct {
	Body        io.ReadCloser
	ContentType string
	MaxAge      time.Duration
}

type Proxy struct {
	allowed    []string
	maxAgeCap  time.Duration
	httpClient *http.Client
}

func NewProxy(cfg Config) *Proxy {
	if len(cfg.AllowedHosts) == 0 {
		cfg.AllowedHosts = DefaultAllowedHosts
	}
	if cfg.MaxAgeCap <= 0 {
		cfg.MaxAgeCap = DefaultMaxAgeCap
	}

	httpClient := cfg.HTTPClient
	if httpClient == nil {
		httpClient = &http.Client{
			Timeout:   DefaultTimeout,
			Transport: otelhttp.NewTransport(http.DefaultTransport),
		}
	}

	return &Proxy{
		allowed:    cfg.AllowedHosts,
		maxAgeCap:  cfg.MaxAgeCap,
		httpClient: httpClient,
	}
}

// Fetch validates src and fetches the image it points to.
func (p *Proxy) Fetch(ctx context.Context, src string) (*Image, error) {
	u, err := p.Validate(src)
	if err != nil {
		return nil, err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u.String(), nil)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", serviceerr.ErrInvalidRequest, err)
	}

	req.Header.Set("Accept", "image/*")

	resp, err := p.httpClient.Do(req)
	if err != nil {
		slogctx.Warn(ctx, "Avatar request failed", "host", u.Host, "error", err)
		return nil, fmt.Errorf("%w: %w", serviceerr.ErrUpstream, err)
	}

	if resp.StatusCode != http.StatusOK {
		resp.Body.Close()
		slogctx.Warn(ctx, "Avatar host answered with an unexpected status", "host", u.Host, "status", resp.StatusCode)

		return nil, fmt.Errorf("%w: unexpected status %d", serviceerr.ErrUpstream, resp.StatusCode)
	}

	contentType := resp.Header.Get("Content-Type")
	if mediaType, _, err := mime.ParseMediaType(contentType); err != nil || !strings.HasPrefix(mediaType, "image/") {
		resp.Body.Close()
		slogctx.Warn(ctx, "Avatar host answered with a non image", "host", u.Host, "contentType", contentType)

		return nil, fmt.Errorf("%w: unexpected content type %q", serviceerr.ErrUpstream, contentType)
	}

	return &Image{
		Body:        resp.Body,
		ContentType: contentType,
		MaxAge:      p.maxAge(resp.Header.Get("Cache-Control")),
	}, nil
}

// Validate parses src and checks it against the allow-list.
func (p *Proxy) Validate(src string) (*url.URL, error) {
	if src == "" {
		return nil, fmt.Errorf("%w: missing src", serviceerr.ErrInvalidRequest)
	}

	u, err := url.Parse(src)
	if err != nil {
		return nil, fmt.Errorf("%w: malformed src", serviceerr.ErrInvalidRequest)
	}

	if (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
		return nil, fmt.Errorf("%w: src must be an absolute http(s) URL", serviceerr.ErrInvalidRequest)
	}

	if !MatchHost(u.Host, p.allowed) {
		return nil, fmt.Errorf("%w: %s", serviceerr.ErrDisallowedHost, u.Hostname())
	}

	return u, nil
}

// maxAge is the upstream max-age capped at the configured maximum. Without a
// max-age the cap applies.
func (p *Proxy) maxAge(cacheControl string) time.Duration {
	for directive := range strings.SplitSeq(cacheControl, ",") {
		name, value, ok := strings.Cut(strings.TrimSpace(directive), "=")
		if !ok || !strings.EqualFold(name, "max-age") {
			continue
		}

		seconds, err := strconv.ParseInt(strings.Trim(value, `"`), 10, 64)
		if err != nil || seconds < 0 {
			continue
		}

		return min(time.Duration(seconds)*time.Second, p.maxAgeCap)
	}

	return p.maxAgeCap
}

// MatchHost reports whether host matches one of patterns. A "*." pattern
// matches every subdomain but not the domain itself. Ports are ignored.
func MatchHost(host string, patterns []string) bool {
	host = hostname(host)
	if host == "" {
		return false
	}

	for _, pattern := range patterns {
		pattern = hostname(pattern)

		if suffix, ok := strings.CutPrefix(pattern, "*"); ok && strings.HasPrefix(suffix, ".") {
			if strings.HasSuffix(host, suffix) && host != suffix[1:] {
				return true
			}

			continue
		}

		if host == pattern {
			return true
		}
	}

	return false
}

func hostname(host string) string {
	host = strings.ToLower(strings.TrimSpace(host))

	if h, _, err := net.SplitHostPort(host); err == nil {
		return h
	}

	return host
}
