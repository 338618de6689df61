package session

import "time"

// Metadata is the display information supplied by the identity provider.
type Metadata struct {
	FullName  string `json:"full_name,omitempty"`
	Name      string `json:"name,omitempty"`
	UserName  string `json:"user_name,omitempty"`
	AvatarURL string `json:"avatar_url,omitempty"`
	Picture   string `json:"picture,omitempty"`
}

// User is the authenticated identity.
type User struct {
	ID       string   `json:"id"`
	Email    string   `json:"email,omitempty"`
	Provider string   `json:"provider,omitempty"` // Social provider or "email" for magic links
	Metadata Metadata `json:"user_metadata"`
}

// ProviderSession is the token bundle issued by the identity provider.
type ProviderSession struct {
	AccessToken  string    `json:"access_token"`
	RefreshToken string    `json:"refresh_token,omitempty"`
	IDToken      string    `json:"id_token,omitempty"`
	TokenType    string    `json:"token_type"`
	ExpiresAt    time.Time `json:"expires_at"`
	User         User      `json:"user"`
}

// State is the session as seen by one context.
//
// User is set if and only if RawSession is set. Loading is true from
// construction until the first session check resolved.
type State struct {
	User       *User
	RawSession *ProviderSession
	Loading    bool
}

// SignedIn reports whether the state carries a session.
func (s State) SignedIn() bool {
	return s.RawSession != nil
}

// AuthEvent names a session change reported by the identity provider.
type AuthEvent string

const (
	EventSignedIn       AuthEvent = "SIGNED_IN"
	EventSignedOut      AuthEvent = "SIGNED_OUT"
	EventTokenRefreshed AuthEvent = "TOKEN_REFRESHED"
	EventUserUpdated    AuthEvent = "USER_UPDATED"
)

// SignOutScope selects which sessions a sign-out ends.
type SignOutScope string

const (
	// ScopeLocal ends the session of this context only.
	ScopeLocal SignOutScope = "local"
	// ScopeGlobal ends every session of the user on every device.
	ScopeGlobal SignOutScope = "global"
)
