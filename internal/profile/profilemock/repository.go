package profilemock

import (
	"context"
	"sync"

	"github.com/openkcm/portfolio-site/internal/profile"
	"github.com/openkcm/portfolio-site/internal/serviceerr"
)

type Repository struct {
	mu       sync.Mutex
	Profiles map[string]profile.Profile

	upsertErr, getErr error
}

var _ profile.Repository = (*Repository)(nil)

func NewInMemRepository(upsertErr, getErr error) *Repository {
	return &Repository{
		Profiles:  make(map[string]profile.Profile),
		upsertErr: upsertErr,
		getErr:    getErr,
	}
}

func (r *Repository) Upsert(_ context.Context, p profile.Profile) error {
	if r.upsertErr != nil {
		return r.upsertErr
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if stored, ok := r.Profiles[p.ID]; ok {
		p.Email = keep(p.Email, stored.Email)
		p.DisplayName = keep(p.DisplayName, stored.DisplayName)
		p.AvatarURL = keep(p.AvatarURL, stored.AvatarURL)
		p.Provider = keep(p.Provider, stored.Provider)
	}

	r.Profiles[p.ID] = p

	return nil
}

func (r *Repository) Get(_ context.Context, id string) (profile.Profile, error) {
	if r.getErr != nil {
		return profile.Profile{}, r.getErr
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if p, ok := r.Profiles[id]; ok {
		return p, nil
	}

	return profile.Profile{}, serviceerr.ErrNotFound
}

func keep(value, stored string) string {
	if value == "" {
		return stored
	}

	return value
}
