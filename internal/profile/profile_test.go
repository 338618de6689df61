package profile_test

import (
	"errors"
	"testing"

	"github.com/google/go-cmp/cmp"
	"github.com/google/go-cmp/cmp/cmpopts"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/openkcm/portfolio-site/internal/profile"
	"github.com/openkcm/portfolio-site/internal/profile/profilemock"
	"github.com/openkcm/portfolio-site/internal/serviceerr"
	"github.com/openkcm/portfolio-site/pkg/session"
)

func TestFromUser(t *testing.T) {
	tests := []struct {
		name string
		user session.User
		want profile.Profile
	}{
		{
			name: "Full name and avatar",
			user: session.User{
				ID:       "u1",
				Email:    "ada@example.com",
				Provider: "github",
				Metadata: session.Metadata{
					FullName:  "Ada Lovelace",
					Name:      "Ada",
					UserName:  "ada",
					AvatarURL: "https://avatars.example.com/ada.png",
					Picture:   "https://pictures.example.com/ada.png",
				},
			},
			want: profile.Profile{
				ID:          "u1",
				Email:       "ada@example.com",
				DisplayName: "Ada Lovelace",
				AvatarURL:   "https://avatars.example.com/ada.png",
				Provider:    "github",
			},
		},
		{
			name: "Name and picture",
			user: session.User{
				ID:       "u2",
				Email:    "grace@example.com",
				Provider: "google",
				Metadata: session.Metadata{Name: "Grace", Picture: "https://pictures.example.com/grace.png"},
			},
			want: profile.Profile{
				ID:          "u2",
				Email:       "grace@example.com",
				DisplayName: "Grace",
				AvatarURL:   "https://pictures.example.com/grace.png",
				Provider:    "google",
			},
		},
		{
			name: "User name",
			user: session.User{ID: "u3", Metadata: session.Metadata{FullName: "  ", UserName: "hopper"}},
			want: profile.Profile{ID: "u3", DisplayName: "hopper"},
		},
		{
			name: "Email local part",
			user: session.User{ID: "u4", Email: "alan@example.com", Provider: "email"},
			want: profile.Profile{ID: "u4", Email: "alan@example.com", DisplayName: "alan", Provider: "email"},
		},
		{
			name: "Nothing to display",
			user: session.User{ID: "u5"},
			want: profile.Profile{ID: "u5"},
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := profile.FromUser(tt.user)
			if diff := cmp.Diff(tt.want, got); diff != "" {
				t.Errorf("FromUser() mismatch (-want +got):\n%s", diff)
			}
		})
	}
}

func TestUpserter_UpsertProfile(t *testing.T) {
	errStorage := errors.New("storage unavailable")

	tests := []struct {
		name      string
		repo      *profilemock.Repository
		user      session.User
		want      map[string]profile.Profile
		assertErr assert.ErrorAssertionFunc
	}{
		{
			name: "Success",
			repo: profilemock.NewInMemRepository(nil, nil),
			user: session.User{ID: "u1", Email: "ada@example.com", Provider: "github", Metadata: session.Metadata{FullName: "Ada Lovelace"}},
			want: map[string]profile.Profile{
				"u1": {ID: "u1", Email: "ada@example.com", DisplayName: "Ada Lovelace", Provider: "github"},
			},
			assertErr: assert.NoError,
		},
		{
			name: "Error missing user id",
			repo: profilemock.NewInMemRepository(nil, nil),
			user: session.User{Email: "ada@example.com"},
			want: map[string]profile.Profile{},
			assertErr: func(t assert.TestingT, err error, i ...any) bool {
				return assert.ErrorIs(t, err, serviceerr.ErrInvalidRequest, i...)
			},
		},
		{
			name: "Error repository",
			repo: profilemock.NewInMemRepository(errStorage, nil),
			user: session.User{ID: "u1"},
			want: map[string]profile.Profile{},
			assertErr: func(t assert.TestingT, err error, i ...any) bool {
				return assert.ErrorIs(t, err, errStorage, i...)
			},
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			u := profile.NewUpserter(tt.repo)

			err := u.UpsertProfile(t.Context(), tt.user)
			tt.assertErr(t, err)

			if diff := cmp.Diff(tt.want, tt.repo.Profiles, cmpopts.IgnoreFields(profile.Profile{}, "UpdatedAt")); diff != "" {
				t.Errorf("stored profiles mismatch (-want +got):\n%s", diff)
			}
		})
	}
}

func TestUpserter_UpsertProfileTwice(t *testing.T) {
	repo := profilemock.NewInMemRepository(nil, nil)
	u := profile.NewUpserter(repo)

	user := session.User{ID: "u1", Email: "ada@example.com", Metadata: session.Metadata{AvatarURL: "https://avatars.example.com/ada.png"}}
	require.NoError(t, u.UpsertProfile(t.Context(), user))

	user.Metadata.AvatarURL = ""
	require.NoError(t, u.UpsertProfile(t.Context(), user))

	got, err := repo.Get(t.Context(), "u1")
	require.NoError(t, err)
	assert.Equal(t, "https://avatars.example.com/ada.png", got.AvatarURL)
	assert.False(t, got.UpdatedAt.IsZero())
}
