package business

import (
	"context"
	"fmt"
	"net/url"
	"sync"
	"time"

	slogctx "github.com/veqryn/slog-context"

	"github.com/openkcm/portfolio-site/internal/config"
	"github.com/openkcm/portfolio-site/internal/profile"
	"github.com/openkcm/portfolio-site/internal/profile/profilesql"
	"github.com/openkcm/portfolio-site/pkg/session"
	"github.com/openkcm/portfolio-site/pkg/signal"
)

// SessionOptions are the actions of a session run.
type SessionOptions struct {
	// URL is the address the session is mounted at, a callback URL
	// completes a sign-in. Defaults to the site URL.
	URL string
	// SignInEmail requests a magic link for the address.
	SignInEmail string
	// SignInProvider starts a social sign-in with the provider.
	SignInProvider string
	SignOut        bool
	// Watch keeps the session mounted and resyncs it periodically.
	Watch bool
}

// SessionMain mounts a session coordinator on the shared store and performs
// the requested actions.
func SessionMain(ctx context.Context, cfg *config.Config, opts SessionOptions) error {
	channel, closeFn, err := initSignalChannel(ctx, cfg)
	if err != nil {
		return fmt.Errorf("initialising the signal channel: %w", err)
	}
	defer closeFn()

	db, err := initDB(ctx, cfg)
	if err != nil {
		return fmt.Errorf("initialising the profile database: %w", err)
	}
	defer db.Close()

	idp, err := initIdentityClient(cfg, channel)
	if err != nil {
		return fmt.Errorf("initialising the identity client: %w", err)
	}

	return runSession(ctx, cfg, channel, idp, profile.NewUpserter(profilesql.NewRepository(db)), opts)
}

func runSession(
	ctx context.Context,
	cfg *config.Config,
	channel signal.Channel,
	idp session.IdentityProvider,
	profiles session.ProfileUpserter,
	opts SessionOptions,
) error {
	rawURL := opts.URL
	if rawURL == "" {
		rawURL = cfg.Session.SiteURL
	}

	if err := checkCredentialPattern(cfg.Session.CredentialPattern, idp); err != nil {
		return err
	}

	location, err := newLogLocation(ctx, rawURL)
	if err != nil {
		return err
	}

	coordinator := session.NewCoordinator(session.NewStore(), channel, idp, profiles, location,
		session.WithSignOutTimeout(cfg.Session.SignOutTimeout),
		session.WithCooldown(cfg.Session.MagicLinkCooldown),
		session.WithCredentialPattern(cfg.Session.CredentialPattern),
		session.WithRedirectURL(cfg.Session.RedirectURL),
	)

	unsubscribe := coordinator.Store().Subscribe(func(state session.State) {
		logState(ctx, state)
	})
	defer unsubscribe()

	coordinator.Mount(ctx)
	defer func() {
		coordinator.Unmount()
		coordinator.Wait()
	}()

	logState(ctx, coordinator.Store().Get())

	if err := runActions(ctx, coordinator, opts); err != nil {
		return err
	}

	if !opts.Watch {
		return nil
	}

	return resyncLoop(ctx, coordinator, cfg.Session.ResyncInterval)
}

// storageKeyer is implemented by identity providers that persist their
// credentials on the signal channel.
type storageKeyer interface {
	StorageKey() string
}

// checkCredentialPattern rejects a credential pattern that would not purge
// the key the identity provider stores its credentials under.
func checkCredentialPattern(pattern string, idp session.IdentityProvider) error {
	keyer, ok := idp.(storageKeyer)
	if !ok {
		return nil
	}

	key := keyer.StorageKey()
	if !signal.Match(pattern, key) {
		return fmt.Errorf("credential pattern %q does not match identity storage key %q", pattern, key)
	}

	return nil
}

func runActions(ctx context.Context, coordinator *session.Coordinator, opts SessionOptions) error {
	if opts.SignOut {
		coordinator.SignOut(ctx)
	}

	if opts.SignInProvider != "" {
		if err := coordinator.SignInWithOAuth(ctx, opts.SignInProvider); err != nil {
			return fmt.Errorf("signing in with %s: %w", opts.SignInProvider, err)
		}
	}

	if opts.SignInEmail != "" {
		if err := coordinator.SignInWithEmail(ctx, opts.SignInEmail); err != nil {
			return fmt.Errorf("signing in with email: %w", err)
		}

		slogctx.Info(ctx, "Check your inbox for the sign-in link")
	}

	return nil
}

// resyncLoop treats every tick as the context becoming visible again.
func resyncLoop(ctx context.Context, coordinator *session.Coordinator, interval time.Duration) error {
	c := time.Tick(interval)
	for {
		select {
		case <-c:
			coordinator.VisibilityChanged(ctx, true)
		case <-ctx.Done():
			return nil
		}
	}
}

func logState(ctx context.Context, state session.State) {
	switch {
	case state.Loading:
		slogctx.Debug(ctx, "Session loading")
	case state.SignedIn():
		slogctx.Info(ctx, "Signed in", "userID", state.User.ID, "email", state.User.Email, "provider", state.User.Provider)
	default:
		slogctx.Info(ctx, "Signed out")
	}
}

// logLocation is the address of a session run. Navigations are logged, the
// user follows them.
type logLocation struct {
	ctx context.Context //nolint:containedctx

	mu      sync.Mutex
	current *url.URL
}

var _ session.Location = (*logLocation)(nil)

func newLogLocation(ctx context.Context, rawURL string) (*logLocation, error) {
	u, err := url.Parse(rawURL)
	if err != nil {
		return nil, fmt.Errorf("parsing session url: %w", err)
	}

	return &logLocation{ctx: ctx, current: u}, nil
}

func (l *logLocation) URL() *url.URL {
	l.mu.Lock()
	defer l.mu.Unlock()

	u := *l.current
	return &u
}

func (l *logLocation) ReplaceState(u *url.URL) {
	l.mu.Lock()
	defer l.mu.Unlock()

	clean := *u
	l.current = &clean
}

func (l *logLocation) Replace(target string) {
	slogctx.Info(l.ctx, "Continue at", "url", l.navigate(target))
}

func (l *logLocation) Assign(target string) {
	slogctx.Info(l.ctx, "Open to sign in", "url", l.navigate(target))
}

// navigate resolves target against the current address and moves there.
func (l *logLocation) navigate(target string) string {
	l.mu.Lock()
	defer l.mu.Unlock()

	ref, err := url.Parse(target)
	if err != nil {
		return target
	}

	l.current = l.current.ResolveReference(ref)

	return l.current.String()
}
