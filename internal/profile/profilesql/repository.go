package profilesql

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"go.opentelemetry.io/otel"

	"github.com/openkcm/portfolio-site/internal/profile"
	"github.com/openkcm/portfolio-site/internal/serviceerr"
)

type Repository struct {
	db *pgxpool.Pool
}

var _ profile.Repository = (*Repository)(nil)

func NewRepository(db *pgxpool.Pool) *Repository {
	return &Repository{
		db: db,
	}
}

func (r *Repository) Upsert(ctx context.Context, p profile.Profile) error {
	tracer := otel.GetTracerProvider()
	ctx, span := tracer.Tracer("").Start(ctx, "upsert_profile_sql")
	defer span.End()

	if p.ID == "" {
		return fmt.Errorf("%w: missing profile id", serviceerr.ErrInvalidRequest)
	}

	// empty values keep what is stored
	_, err := r.db.Exec(ctx,
		`INSERT INTO profiles (id, email, display_name, avatar_url, provider, updated_at)
			VALUES ($1, $2, $3, $4, $5, $6)
			ON CONFLICT (id) DO UPDATE SET
				email        = COALESCE(NULLIF(EXCLUDED.email, ''), profiles.email),
				display_name = COALESCE(NULLIF(EXCLUDED.display_name, ''), profiles.display_name),
				avatar_url   = COALESCE(NULLIF(EXCLUDED.avatar_url, ''), profiles.avatar_url),
				provider     = COALESCE(NULLIF(EXCLUDED.provider, ''), profiles.provider),
				updated_at   = EXCLUDED.updated_at;`,
		p.ID, p.Email, p.DisplayName, p.AvatarURL, p.Provider, p.UpdatedAt,
	)
	if err != nil {
		span.RecordError(err)
		if mapped, ok := handlePgError(err); ok {
			return mapped
		}

		return fmt.Errorf("upserting into profiles: %w", err)
	}

	return nil
}

func (r *Repository) Get(ctx context.Context, id string) (profile.Profile, error) {
	tracer := otel.GetTracerProvider()
	ctx, span := tracer.Tracer("").Start(ctx, "get_profile_sql")
	defer span.End()

	var p profile.Profile
	err := r.db.QueryRow(ctx,
		`SELECT id, email, display_name, avatar_url, provider, updated_at FROM profiles WHERE id = $1;`, id,
	).Scan(&p.ID, &p.Email, &p.DisplayName, &p.AvatarURL, &p.Provider, &p.UpdatedAt)
	if err != nil {
		span.RecordError(err)
		if errors.Is(err, pgx.ErrNoRows) {
			return profile.Profile{}, serviceerr.ErrNotFound
		}

		return profile.Profile{}, fmt.Errorf("scanning row: %w", err)
	}

	return p, nil
}
