package sessionmock

import (
	"context"
	"sort"
	"sync"

	"github.com/openkcm/portfolio-site/pkg/session"
)

// IdentityProvider is an in-memory identity provider recording its calls.
type IdentityProvider struct {
	mu sync.Mutex

	session  *session.ProviderSession
	calls    []string
	endings  map[session.SignOutScope]*session.ProviderSession
	handlers map[int]session.AuthChangeHandler
	next     int

	// AuthURL is returned by SignInWithOAuth.
	AuthURL string
	// Exchanged is the session a successful ExchangeCodeForSession signs in.
	Exchanged *session.ProviderSession

	GetSessionErr, ExchangeErr, SignInErr, SignOutErr error

	// OnGetSession runs inside GetSession before the result is read.
	OnGetSession func(ctx context.Context)
	// SignOutGate blocks local sign-outs until it is closed.
	SignOutGate chan struct{}
}

var _ session.IdentityProvider = (*IdentityProvider)(nil)

func NewIdentityProvider(current *session.ProviderSession) *IdentityProvider {
	return &IdentityProvider{
		session:  current,
		endings:  make(map[session.SignOutScope]*session.ProviderSession),
		handlers: make(map[int]session.AuthChangeHandler),
		AuthURL:  "https://idp.example.com/authorize",
	}
}

// Calls returns the names of the called methods in call order.
func (p *IdentityProvider) Calls() []string {
	p.mu.Lock()
	defer p.mu.Unlock()

	return append([]string(nil), p.calls...)
}

// Ending returns the session the last sign-out of scope was given.
func (p *IdentityProvider) Ending(scope session.SignOutScope) *session.ProviderSession {
	p.mu.Lock()
	defer p.mu.Unlock()

	return p.endings[scope]
}

// SetSession replaces the current session without notifying anybody.
func (p *IdentityProvider) SetSession(s *session.ProviderSession) {
	p.mu.Lock()
	defer p.mu.Unlock()

	p.session = s
}

// Emit sets the current session and notifies the registered handlers.
func (p *IdentityProvider) Emit(ctx context.Context, event session.AuthEvent, s *session.ProviderSession) {
	p.mu.Lock()
	p.session = s

	ids := make([]int, 0, len(p.handlers))
	for id := range p.handlers {
		ids = append(ids, id)
	}
	sort.Ints(ids)

	handlers := make([]session.AuthChangeHandler, 0, len(ids))
	for _, id := range ids {
		handlers = append(handlers, p.handlers[id])
	}
	p.mu.Unlock()

	for _, handler := range handlers {
		handler(ctx, event, s)
	}
}

func (p *IdentityProvider) GetSession(ctx context.Context) (*session.ProviderSession, error) {
	p.record("GetSession")

	if p.OnGetSession != nil {
		p.OnGetSession(ctx)
	}

	p.mu.Lock()
	defer p.mu.Unlock()

	if p.GetSessionErr != nil {
		return nil, p.GetSessionErr
	}

	return p.session, nil
}

func (p *IdentityProvider) ExchangeCodeForSession(ctx context.Context, _ string) (*session.ProviderSession, error) {
	p.record("ExchangeCodeForSession")

	if p.ExchangeErr != nil {
		return nil, p.ExchangeErr
	}

	p.Emit(ctx, session.EventSignedIn, p.Exchanged)

	return p.Exchanged, nil
}

func (p *IdentityProvider) SignInWithOAuth(_ context.Context, _, _ string) (string, error) {
	p.record("SignInWithOAuth")

	if p.SignInErr != nil {
		return "", p.SignInErr
	}

	return p.AuthURL, nil
}

func (p *IdentityProvider) SignInWithOTP(_ context.Context, _, _ string) error {
	p.record("SignInWithOTP")

	return p.SignInErr
}

func (p *IdentityProvider) SignOut(_ context.Context, scope session.SignOutScope, ending *session.ProviderSession) error {
	p.record("SignOut:" + string(scope))

	p.mu.Lock()
	p.endings[scope] = ending
	p.mu.Unlock()

	if scope == session.ScopeLocal && p.SignOutGate != nil {
		<-p.SignOutGate
	}

	if p.SignOutErr != nil {
		return p.SignOutErr
	}

	if scope == session.ScopeLocal {
		p.SetSession(nil)
	}

	return nil
}

func (p *IdentityProvider) OnAuthStateChange(fn session.AuthChangeHandler) func() {
	p.mu.Lock()
	defer p.mu.Unlock()

	id := p.next
	p.next++
	p.handlers[id] = fn

	return func() {
		p.mu.Lock()
		delete(p.handlers, id)
		p.mu.Unlock()
	}
}

func (p *IdentityProvider) record(call string) {
	p.mu.Lock()
	defer p.mu.Unlock()

	p.calls = append(p.calls, call)
}
