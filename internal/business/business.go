package business

import (
	"context"
	"fmt"
	"net/http"

	"github.com/exaring/otelpgx"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/openkcm/common-sdk/pkg/commoncfg"
	"github.com/valkey-io/valkey-go"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"

	"github.com/openkcm/portfolio-site/internal/avatar"
	"github.com/openkcm/portfolio-site/internal/business/server"
	"github.com/openkcm/portfolio-site/internal/config"
	"github.com/openkcm/portfolio-site/internal/identity"
	"github.com/openkcm/portfolio-site/pkg/signal"
	signalvalkey "github.com/openkcm/portfolio-site/pkg/signal/valkey"
)

// Main starts the public API server
func Main(ctx context.Context, cfg *config.Config) error {
	proxy := avatar.NewProxy(avatar.Config{
		AllowedHosts: cfg.AvatarProxy.AllowedHosts,
		MaxAgeCap:    cfg.AvatarProxy.MaxAgeCap,
		HTTPClient: &http.Client{
			Timeout:   cfg.AvatarProxy.Timeout,
			Transport: otelhttp.NewTransport(http.DefaultTransport),
		},
	})

	return server.StartHTTPServer(ctx, cfg, proxy)
}

// initDB opens a traced connection pool to the profile database.
func initDB(ctx context.Context, cfg *config.Config) (*pgxpool.Pool, error) {
	connStr, err := config.MakeConnStr(cfg.Database)
	if err != nil {
		return nil, fmt.Errorf("making dsn from config: %w", err)
	}

	poolCfg, err := pgxpool.ParseConfig(connStr)
	if err != nil {
		return nil, fmt.Errorf("parsing dsn: %w", err)
	}

	poolCfg.ConnConfig.Tracer = otelpgx.NewTracer()

	db, err := pgxpool.NewWithConfig(ctx, poolCfg)
	if err != nil {
		return nil, fmt.Errorf("initialising pgxpool connection: %w", err)
	}

	return db, nil
}

// initSignalChannel connects to valkey and opens this context's channel on
// the shared store.
func initSignalChannel(ctx context.Context, cfg *config.Config) (_ signal.Channel, closeFn func(), _ error) {
	valkeyHost, err := commoncfg.LoadValueFromSourceRef(cfg.ValKey.Host)
	if err != nil {
		return nil, nil, fmt.Errorf("loading valkey host: %w", err)
	}

	valkeyUsername, err := commoncfg.LoadValueFromSourceRef(cfg.ValKey.User)
	if err != nil {
		return nil, nil, fmt.Errorf("loading valkey username: %w", err)
	}

	valkeyPassword, err := commoncfg.LoadValueFromSourceRef(cfg.ValKey.Password)
	if err != nil {
		return nil, nil, fmt.Errorf("loading valkey password: %w", err)
	}

	valkeyClient, err := valkey.NewClient(valkey.ClientOption{
		InitAddress: []string{string(valkeyHost)},
		Username:    string(valkeyUsername),
		Password:    string(valkeyPassword),
	})
	if err != nil {
		return nil, nil, fmt.Errorf("creating a new valkey client: %w", err)
	}

	channel := signalvalkey.NewChannel(ctx, valkeyClient, cfg.ValKey.Prefix)

	return channel, func() {
		channel.Close()
		valkeyClient.Close()
	}, nil
}

func initIdentityClient(cfg *config.Config, channel signal.Channel) (*identity.Client, error) {
	clientID, err := commoncfg.LoadValueFromSourceRef(cfg.Identity.ClientID)
	if err != nil {
		return nil, fmt.Errorf("loading client id: %w", err)
	}

	// public clients have no secret
	var clientSecret []byte
	if cfg.Identity.ClientSecret.Source != "" {
		clientSecret, err = commoncfg.LoadValueFromSourceRef(cfg.Identity.ClientSecret)
		if err != nil {
			return nil, fmt.Errorf("loading client secret: %w", err)
		}
	}

	return identity.NewClient(identity.Config{
		IssuerURL:     cfg.Identity.IssuerURL,
		ClientID:      string(clientID),
		ClientSecret:  string(clientSecret),
		RedirectURL:   cfg.Session.RedirectURL,
		MagicLinkURL:  cfg.Identity.MagicLinkURL,
		Scopes:        cfg.Identity.Scopes,
		StorageKey:    cfg.Identity.StorageKey,
		RefreshMargin: cfg.Identity.RefreshMargin,
		CacheTTL:      cfg.Identity.CacheTTL,
		JWSSigAlgs:    cfg.Identity.JWSSigAlgs,
	}, channel), nil
}
