// Package profile keeps a denormalised profile row of every user that
// signed in, for display purposes.
package profile

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/openkcm/portfolio-site/internal/serviceerr"
	"github.com/openkcm/portfolio-site/pkg/session"
)

type Profile struct {
	ID          string
	Email       string
	DisplayName string
	AvatarURL   string
	Provider    string
	UpdatedAt   time.Time
}

type Repository interface {
	// Upsert creates the profile or updates the existing one. Empty values do
	// not overwrite stored ones.
	Upsert(ctx context.Context, profile Profile) error
	Get(ctx context.Context, id string) (Profile, error)
}

// FromUser derives the profile of a user from the provider metadata.
func FromUser(user session.User) Profile {
	return Profile{
		ID:          user.ID,
		Email:       user.Email,
		DisplayName: displayName(user),
		AvatarURL:   firstNonEmpty(user.Metadata.AvatarURL, user.Metadata.Picture),
		Provider:    user.Provider,
	}
}

func displayName(user session.User) string {
	localPart, _, _ := strings.Cut(user.Email, "@")

	return firstNonEmpty(
		user.Metadata.FullName,
		user.Metadata.Name,
		user.Metadata.UserName,
		localPart,
	)
}

func firstNonEmpty(values ...string) string {
	for _, v := range values {
		if v = strings.TrimSpace(v); v != "" {
			return v
		}
	}

	return ""
}

// Upserter writes the profile of users signing in.
type Upserter struct {
	repo Repository
	now  func() time.Time
}

var _ session.ProfileUpserter = (*Upserter)(nil)

func NewUpserter(repo Repository) *Upserter {
	return &Upserter{
		repo: repo,
		now:  time.Now,
	}
}

func (u *Upserter) UpsertProfile(ctx context.Context, user session.User) error {
	if user.ID == "" {
		return fmt.Errorf("%w: user without id", serviceerr.ErrInvalidRequest)
	}

	p := FromUser(user)
	p.UpdatedAt = u.now().UTC()

	if err := u.repo.Upsert(ctx, p); err != nil {
		return fmt.Errorf("upserting profile: %w", err)
	}

	return nil
}
