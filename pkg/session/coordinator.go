package session

import (
	"context"
	"encoding/json"
	"fmt"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	slogctx "github.com/veqryn/slog-context"

	"github.com/openkcm/portfolio-site/internal/returnpath"
	"github.com/openkcm/portfolio-site/internal/serviceerr"
	"github.com/openkcm/portfolio-site/pkg/signal"
)

// Keys of the shared store.
const (
	ReturnPathKey = "auth.returnTo"
	SignOutKey    = "auth.signout"
	CooldownKey   = "auth.magicLinkCooldownUntil"

	// CredentialPattern matches the keys the identity provider stores its
	// credentials under.
	CredentialPattern = "sb-*-auth-token"
)

const (
	DefaultSignOutTimeout = 3 * time.Second
	DefaultCooldown       = 60 * time.Second
)

// Query parameters of an identity provider callback.
var callbackParams = []string{"code", "error", "error_description", "error_code"}

// SignOutSignal is written under SignOutKey to sign out the other contexts.
type SignOutSignal struct {
	Event     AuthEvent `json:"event"`
	Timestamp int64     `json:"timestamp"` // Unix milliseconds
}

type Option func(*Coordinator)

// WithSignOutTimeout bounds the wait for the local sign-out call.
func WithSignOutTimeout(timeout time.Duration) Option {
	return func(c *Coordinator) {
		c.signOutTimeout = timeout
	}
}

// WithCooldown sets the window between two magic link requests.
func WithCooldown(cooldown time.Duration) Option {
	return func(c *Coordinator) {
		c.cooldown = cooldown
	}
}

func WithCredentialPattern(pattern string) Option {
	return func(c *Coordinator) {
		c.credentialPattern = pattern
	}
}

// WithRedirectURL sets the address the identity provider sends the user back to.
func WithRedirectURL(redirectURL string) Option {
	return func(c *Coordinator) {
		c.redirectURL = redirectURL
	}
}

func WithClock(now func() time.Time) Option {
	return func(c *Coordinator) {
		c.now = now
	}
}

// Coordinator keeps the session of one context consistent with the identity
// provider and with the other contexts sharing the signal channel.
type Coordinator struct {
	store    *Store
	channel  signal.Channel
	idp      IdentityProvider
	profiles ProfileUpserter
	location Location

	signOutTimeout    time.Duration
	cooldown          time.Duration
	credentialPattern string
	redirectURL       string
	now               func() time.Time

	mounted  atomic.Bool
	callback atomic.Bool
	// generation counts the session changes, a fetch started before a
	// change must not overwrite it.
	generation atomic.Uint64

	mu          sync.Mutex
	unsubscribe []func()

	background sync.WaitGroup
}

// NewCoordinator creates a coordinator. profiles may be nil.
func NewCoordinator(
	store *Store,
	channel signal.Channel,
	idp IdentityProvider,
	profiles ProfileUpserter,
	location Location,
	opts ...Option,
) *Coordinator {
	c := &Coordinator{
		store:             store,
		channel:           channel,
		idp:               idp,
		profiles:          profiles,
		location:          location,
		signOutTimeout:    DefaultSignOutTimeout,
		cooldown:          DefaultCooldown,
		credentialPattern: CredentialPattern,
		now:               time.Now,
	}

	for _, opt := range opts {
		opt(c)
	}

	return c
}

func (c *Coordinator) Store() *Store {
	return c.store
}

// Mount runs the startup sequence. Subscriptions are established before the
// initial fetch so no change is lost. Mount runs once, later calls are no-ops.
func (c *Coordinator) Mount(ctx context.Context) {
	if !c.mounted.CompareAndSwap(false, true) {
		return
	}

	u := c.location.URL()
	code := ""
	if u != nil {
		code = u.Query().Get("code")
	}
	c.callback.Store(code != "")

	unsubscribe := []func(){
		c.idp.OnAuthStateChange(c.handleAuthChange),
		c.channel.OnChange(SignOutKey, c.handleSignOutSignal),
		c.channel.OnChange(c.credentialPattern, c.handleCredentialChange),
	}

	c.mu.Lock()
	c.unsubscribe = append(c.unsubscribe, unsubscribe...)
	c.mu.Unlock()

	generation := c.generation.Load()

	if code != "" {
		if _, err := c.idp.ExchangeCodeForSession(ctx, code); err != nil {
			slogctx.Warn(ctx, "Could not exchange the authorization code", "error", err)
		}
	}

	session, err := c.idp.GetSession(ctx)
	if err != nil {
		slogctx.Warn(ctx, "Could not fetch the session", "error", err)
		session = nil
	}

	if !c.applyFetched(generation, session) {
		slogctx.Debug(ctx, "Discarded a stale session fetch")
		return
	}

	if session == nil {
		return
	}

	c.upsertProfile(ctx, session.User)

	if c.callback.Load() {
		c.RedirectAfterLogin(ctx)
	}
}

// Unmount removes every subscription of the coordinator.
func (c *Coordinator) Unmount() {
	c.mu.Lock()
	unsubscribe := c.unsubscribe
	c.unsubscribe = nil
	c.mu.Unlock()

	for _, fn := range unsubscribe {
		fn()
	}
}

// Wait blocks until the background work started so far is done.
func (c *Coordinator) Wait() {
	c.background.Wait()
}

// RedirectAfterLogin consumes the stored return path and navigates to it.
// It reports whether a navigation happened.
func (c *Coordinator) RedirectAfterLogin(ctx context.Context) bool {
	path, ok := c.channel.Read(ctx, ReturnPathKey)
	if !ok || !returnpath.IsValid(path) {
		return false
	}

	c.channel.Remove(ctx, ReturnPathKey)
	c.location.Replace(path)

	slogctx.Info(ctx, "Returned to the page of the sign-in", "path", path)

	return true
}

// SignInWithOAuth starts a social sign-in and navigates to the provider.
func (c *Coordinator) SignInWithOAuth(ctx context.Context, provider string) error {
	c.captureReturnPath(ctx)

	authURL, err := c.idp.SignInWithOAuth(ctx, provider, c.redirectURL)
	if err != nil {
		slogctx.Error(ctx, "Could not start the sign-in", "provider", provider, "error", err)
		return fmt.Errorf("starting %s sign-in: %w", provider, err)
	}

	c.location.Assign(authURL)

	return nil
}

// SignInWithEmail sends a magic link unless the previous one was requested
// within the cooldown.
func (c *Coordinator) SignInWithEmail(ctx context.Context, email string) error {
	if remaining := c.CooldownRemaining(ctx); remaining > 0 {
		return fmt.Errorf("%w: retry in %s", serviceerr.ErrCooldownActive, remaining.Round(time.Second))
	}

	c.captureReturnPath(ctx)

	if err := c.idp.SignInWithOTP(ctx, email, c.redirectURL); err != nil {
		slogctx.Error(ctx, "Could not send the magic link", "error", err)
		return fmt.Errorf("sending magic link: %w", err)
	}

	until := c.now().Add(c.cooldown).UnixMilli()
	c.channel.Write(ctx, CooldownKey, strconv.FormatInt(until, 10))

	return nil
}

// CooldownRemaining returns the time until the next magic link may be
// requested. An expired cooldown is removed from the store.
func (c *Coordinator) CooldownRemaining(ctx context.Context) time.Duration {
	v, ok := c.channel.Read(ctx, CooldownKey)
	if !ok {
		return 0
	}

	until, err := strconv.ParseInt(v, 10, 64)
	if err != nil {
		c.channel.Remove(ctx, CooldownKey)
		return 0
	}

	remaining := time.UnixMilli(until).Sub(c.now())
	if remaining <= 0 {
		c.channel.Remove(ctx, CooldownKey)
		return 0
	}

	return remaining
}

// SignOut ends the session of this context right away and signs out the
// other contexts. The identity provider is given a bounded time for the
// local sign-out, the global sign-out runs in the background.
func (c *Coordinator) SignOut(ctx context.Context) {
	// taken before the credentials are purged, the global sign-out needs it
	// when the local call is still pending
	ending := c.store.Get().RawSession

	done := make(chan error, 1)
	c.background.Go(func() {
		done <- c.idp.SignOut(context.WithoutCancel(ctx), ScopeLocal, ending)
	})

	timer := time.NewTimer(c.signOutTimeout)
	defer timer.Stop()

	select {
	case err := <-done:
		if err != nil {
			slogctx.Warn(ctx, "Local sign-out failed", "error", err)
		}
	case <-timer.C:
		slogctx.Warn(ctx, "Local sign-out timed out, continuing", "timeout", c.signOutTimeout)
	case <-ctx.Done():
		slogctx.Warn(ctx, "Local sign-out abandoned", "error", ctx.Err())
	}

	for _, key := range c.channel.Keys(ctx, c.credentialPattern) {
		c.channel.Remove(ctx, key)
	}

	c.generation.Add(1)
	c.setSession(nil)

	c.writeSignOutSignal(ctx)

	c.goBackground(ctx, func(ctx context.Context) {
		if err := c.idp.SignOut(ctx, ScopeGlobal, ending); err != nil {
			slogctx.Warn(ctx, "Global sign-out failed", "error", err)
			return
		}

		slogctx.Info(ctx, "Signed out on all devices")
	})
}

// VisibilityChanged reconciles the session when the context comes back to
// the foreground.
func (c *Coordinator) VisibilityChanged(ctx context.Context, visible bool) {
	if visible {
		c.resync(ctx)
	}
}

func (c *Coordinator) handleAuthChange(ctx context.Context, event AuthEvent, session *ProviderSession) {
	c.generation.Add(1)
	c.setSession(session)

	slogctx.Debug(ctx, "Session changed", "event", event, "signedIn", session != nil)

	if event != EventSignedIn && !c.callback.Load() {
		return
	}

	if session != nil {
		c.upsertProfile(ctx, session.User)
	}

	c.stripCallbackParams()
	c.RedirectAfterLogin(ctx)
}

func (c *Coordinator) handleSignOutSignal(ctx context.Context, change signal.Change) {
	if change.Removed {
		return
	}

	slogctx.Info(ctx, "Signed out by another context")

	c.generation.Add(1)
	c.setSession(nil)
}

func (c *Coordinator) handleCredentialChange(ctx context.Context, change signal.Change) {
	if change.Removed {
		slogctx.Info(ctx, "Credentials removed by another context", "key", change.Key)

		c.generation.Add(1)
		c.setSession(nil)

		return
	}

	c.resync(ctx)
}

func (c *Coordinator) resync(ctx context.Context) {
	generation := c.generation.Load()

	session, err := c.idp.GetSession(ctx)
	if err != nil {
		slogctx.Warn(ctx, "Could not refresh the session", "error", err)
		return
	}

	c.applyFetched(generation, session)
}

// applyFetched sets the result of a fetch started at generation unless the
// session changed in the meantime. It reports whether the result was applied.
func (c *Coordinator) applyFetched(generation uint64, session *ProviderSession) bool {
	applied := false
	c.store.Update(func(state *State) {
		if c.generation.Load() != generation {
			return
		}

		setSession(state, session)
		applied = true
	})

	return applied
}

func (c *Coordinator) setSession(session *ProviderSession) {
	c.store.Update(func(state *State) {
		setSession(state, session)
	})
}

func setSession(state *State, session *ProviderSession) {
	state.Loading = false
	state.RawSession = session
	state.User = nil

	if session != nil {
		user := session.User
		state.User = &user
	}
}

func (c *Coordinator) captureReturnPath(ctx context.Context) {
	path := returnpath.FromURL(c.location.URL())
	if !returnpath.IsValid(path) {
		return
	}

	c.channel.Write(ctx, ReturnPathKey, path)
}

func (c *Coordinator) stripCallbackParams() {
	u := c.location.URL()
	if u == nil {
		return
	}

	q := u.Query()
	stripped := false
	for _, param := range callbackParams {
		if q.Has(param) {
			q.Del(param)
			stripped = true
		}
	}

	if !stripped {
		return
	}

	clean := *u
	clean.RawQuery = q.Encode()
	c.location.ReplaceState(&clean)
}

func (c *Coordinator) writeSignOutSignal(ctx context.Context) {
	payload, err := json.Marshal(SignOutSignal{Event: EventSignedOut, Timestamp: c.now().UnixMilli()})
	if err != nil {
		slogctx.Warn(ctx, "Could not encode the sign-out signal", "error", err)
		return
	}

	c.channel.Write(ctx, SignOutKey, string(payload))
}

func (c *Coordinator) upsertProfile(ctx context.Context, user User) {
	if c.profiles == nil {
		return
	}

	c.goBackground(ctx, func(ctx context.Context) {
		if err := c.profiles.UpsertProfile(ctx, user); err != nil {
			slogctx.Warn(ctx, "Could not update the profile", "userID", user.ID, "error", err)
		}
	})
}

// goBackground runs fn detached from the cancellation of ctx.
func (c *Coordinator) goBackground(ctx context.Context, fn func(ctx context.Context)) {
	ctx = context.WithoutCancel(ctx)
	c.background.Go(func() {
		fn(ctx)
	})
}
