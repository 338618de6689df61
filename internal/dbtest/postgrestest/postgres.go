package postgrestest

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/docker/go-connections/nat"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/jackc/pgx/v5/stdlib"
	"github.com/pressly/goose/v3"
	"github.com/testcontainers/testcontainers-go/modules/postgres"

	slogctx "github.com/veqryn/slog-context"

	migrations "github.com/openkcm/portfolio-site/sql"
)

const (
	DBHost     = "localhost"
	DBUser     = "postgres"
	DBPassword = "secret"
	DBName     = "portfolio_site"
	DBSSLMode  = "disable"
)

// Seeded profile
const (
	ProfileID          = "user-one"
	ProfileEmail       = "ada@example.com"
	ProfileDisplayName = "Ada Lovelace"
	ProfileAvatarURL   = "https://avatars.example.com/ada.png"
	ProfileProvider    = "github"
)

// UpdatedAt is the time used as "updated_at" for the inserted data
//
//nolint:gosmopolitan
var UpdatedAt = time.Date(2025, time.March, 1, 12, 0, 0, 0, time.UTC)

// Start initialises a database instance and returns a connection pool, database port, and termination function.
//
// Database credentials are available as exported variables.
// The database contains pre-defined test data. See INSERT statements in the prepareDB.
func Start(ctx context.Context) (*pgxpool.Pool, nat.Port, func(ctx context.Context)) {
	pgContainer, err := postgres.Run(
		ctx,
		"postgres:17-alpine",
		postgres.WithDatabase(DBName),
		postgres.WithUsername(DBUser),
		postgres.WithPassword(DBPassword),
		postgres.BasicWaitStrategies(),
	)
	if err != nil {
		slogctx.Error(ctx, "Failed to start PostgreSQL", slog.String("error", err.Error()))
		panic(err)
	}

	port, err := pgContainer.MappedPort(ctx, nat.Port("5432"))
	if err != nil {
		slogctx.Error(ctx, "Failed to get mapped port for the PosgtgreSQL container", slog.String("error", err.Error()))
		panic(err)
	}

	dbPool := makeDBConn(ctx, port)
	prepareDB(ctx, dbPool)

	terminate := func(ctx context.Context) {
		dbPool.Close()

		if err := pgContainer.Terminate(ctx); err != nil {
			slogctx.Error(ctx, "Failed to terminate PosgtgreSQL container", slog.String("error", err.Error()))
			panic(err)
		}
	}

	return dbPool, port, terminate
}

func makeDBConn(ctx context.Context, port nat.Port) *pgxpool.Pool {
	connStr := fmt.Sprintf("host=%s user=%s password=%s dbname=%s port=%s sslmode=%s", DBHost, DBUser, DBPassword, DBName, port.Port(), DBSSLMode)

	pool, err := pgxpool.New(ctx, connStr)
	if err != nil {
		panic(err)
	}

	return pool
}

func migrateDB(ctx context.Context, dbPool *pgxpool.Pool) {
	db := stdlib.OpenDBFromPool(dbPool)
	defer db.Close()

	provider, err := goose.NewProvider(goose.DialectPostgres, db, migrations.FS)
	if err != nil {
		panic(err)
	}
	defer provider.Close()

	if _, err := provider.Up(ctx); err != nil {
		panic(err)
	}
}

func prepareDB(ctx context.Context, dbPool *pgxpool.Pool) {
	migrateDB(ctx, dbPool)

	b := new(pgx.Batch)
	b.Queue(`INSERT INTO profiles (id, email, display_name, avatar_url, provider, updated_at) VALUES ($1, $2, $3, $4, $5, $6);`,
		ProfileID, ProfileEmail, ProfileDisplayName, ProfileAvatarURL, ProfileProvider, UpdatedAt)

	res := dbPool.SendBatch(ctx, b)
	if err := res.Close(); err != nil {
		panic(err)
	}
}
