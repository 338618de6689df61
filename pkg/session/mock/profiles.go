package sessionmock

import (
	"context"
	"sync"

	"github.com/openkcm/portfolio-site/pkg/session"
)

// Profiles records upserted users.
type Profiles struct {
	mu    sync.Mutex
	users []session.User
	err   error
}

var _ session.ProfileUpserter = (*Profiles)(nil)

func NewProfiles(err error) *Profiles {
	return &Profiles{err: err}
}

func (p *Profiles) UpsertProfile(_ context.Context, user session.User) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	p.users = append(p.users, user)

	return p.err
}

// Users returns the upserted users in call order.
func (p *Profiles) Users() []session.User {
	p.mu.Lock()
	defer p.mu.Unlock()

	return append([]session.User(nil), p.users...)
}
