package session

import (
	"context"
	"net/url"
)

// AuthChangeHandler receives session changes from the identity provider.
// The session is nil after a sign-out.
type AuthChangeHandler func(ctx context.Context, event AuthEvent, session *ProviderSession)

// IdentityProvider performs the credential exchange, session issuance and
// refresh.
type IdentityProvider interface {
	// GetSession returns the current session, refreshing it if needed. A nil
	// session without an error means signed out.
	GetSession(ctx context.Context) (*ProviderSession, error)
	// ExchangeCodeForSession completes a redirect based sign-in.
	ExchangeCodeForSession(ctx context.Context, code string) (*ProviderSession, error)
	// SignInWithOAuth returns the URL to send the user to for a social sign-in.
	SignInWithOAuth(ctx context.Context, provider, redirectTo string) (string, error)
	// SignInWithOTP sends a magic link to the given email address.
	SignInWithOTP(ctx context.Context, email, redirectTo string) error
	// SignOut ends the session. ending is the session known to the caller,
	// possibly nil; the global scope revokes its refresh token when the
	// stored credential is already gone.
	SignOut(ctx context.Context, scope SignOutScope, ending *ProviderSession) error
	// OnAuthStateChange registers fn for every session change.
	OnAuthStateChange(fn AuthChangeHandler) (unsubscribe func())
}

// ProfileUpserter persists the denormalised profile of a signed in user.
type ProfileUpserter interface {
	UpsertProfile(ctx context.Context, user User) error
}

// Location is the address of the context the coordinator runs in.
type Location interface {
	// URL returns the current address.
	URL() *url.URL
	// ReplaceState changes the visible address without a navigation.
	ReplaceState(u *url.URL)
	// Replace navigates to target without keeping the current address in
	// the history.
	Replace(target string)
	// Assign navigates to target.
	Assign(target string)
}
