package business

import (
	"context"
	"fmt"
	"io/fs"
	"os"
	"strings"

	"github.com/XSAM/otelsql"
	"github.com/pressly/goose/v3"
	"github.com/samber/oops"

	// Register pgx driver
	_ "github.com/jackc/pgx/v5/stdlib"

	slogctx "github.com/veqryn/slog-context"
	semconv "go.opentelemetry.io/otel/semconv/v1.37.0"

	"github.com/openkcm/portfolio-site/internal/config"
	migrations "github.com/openkcm/portfolio-site/sql"
)

const fileSourcePrefix = "file://"

// migrationsFS returns the migrations of the profile schema named by source:
// a file:// directory, or the migrations built into the binary when empty.
func migrationsFS(source string) (fs.FS, error) {
	if source == "" {
		return migrations.FS, nil
	}

	dir, ok := strings.CutPrefix(source, fileSourcePrefix)
	if !ok || dir == "" {
		return nil, fmt.Errorf("unsupported migration source %q", source)
	}

	if _, err := os.Stat(dir); err != nil {
		return nil, fmt.Errorf("reading migration source: %w", err)
	}

	return os.DirFS(dir), nil
}

// MigrateMain applies the pending migrations of the profile schema.
func MigrateMain(ctx context.Context, cfg *config.Config) error {
	const dialect = "pgx"
	dbSystemName := semconv.DBSystemNamePostgreSQL

	fsys, err := migrationsFS(cfg.Migrate.Source)
	if err != nil {
		return err
	}

	connStr, err := config.MakeConnStr(cfg.Database)
	if err != nil {
		return fmt.Errorf("making connection string from config: %w", err)
	}

	db, err := otelsql.Open(dialect, connStr, otelsql.WithAttributes(dbSystemName))
	if err != nil {
		return oops.In("main").Wrapf(err, "opening DB connection")
	}

	reg, err := otelsql.RegisterDBStatsMetrics(db, otelsql.WithAttributes(dbSystemName))
	if err != nil {
		return fmt.Errorf("registering db stats metrics: %w", err)
	}

	defer func() {
		err = reg.Unregister()
		if err != nil {
			slogctx.Error(ctx, "failed to unregister db stats metrics", "error", err)
		}
	}()

	provider, err := goose.NewProvider(goose.DialectPostgres, db, fsys)
	if err != nil {
		return fmt.Errorf("creating migration provider: %w", err)
	}
	defer provider.Close()

	results, err := provider.Up(ctx)
	if err != nil {
		return fmt.Errorf("applying profile schema migrations: %w", err)
	}

	for _, result := range results {
		slogctx.Info(ctx, "Applied profile schema migration",
			"version", result.Source.Version,
			"path", result.Source.Path,
			"duration", result.Duration,
		)
	}

	if len(results) == 0 {
		slogctx.Info(ctx, "Profile schema is up to date")
	}

	return nil
}
