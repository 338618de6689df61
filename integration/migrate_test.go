//go:build integration

package integration_test

import (
	"fmt"
	"io/fs"
	"os"
	"os/exec"
	"path/filepath"
	"testing"

	"github.com/docker/go-connections/nat"
	"github.com/go-viper/mapstructure/v2"
	"github.com/goccy/go-yaml"
	"github.com/jackc/pgx/v5"
	"github.com/openkcm/common-sdk/pkg/commoncfg"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/testcontainers/testcontainers-go/modules/postgres"

	"github.com/openkcm/portfolio-site/internal/config"
)

func TestMigrate(t *testing.T) {
	const cmdName = "migrate"
	const configFilePath = "./" + cmdName + "-test/config.yaml"
	const dbuser = "postgres"
	const dbpass = "secret"
	const dbname = "portfolio_site"

	ctx := t.Context()
	testdir := filepath.Dir(configFilePath)

	// This test doesn't utilise infraStat like the others because it needs an empty DB
	pgContainer, err := postgres.Run(
		ctx,
		"postgres:17-alpine",
		postgres.WithDatabase(dbname),
		postgres.WithUsername(dbuser),
		postgres.WithPassword(dbpass),
		postgres.BasicWaitStrategies(),
	)
	require.NoError(t, err, "failed to start PostgreSQL")
	defer pgContainer.Terminate(ctx)

	port, err := pgContainer.MappedPort(ctx, nat.Port("5432"))
	require.NoError(t, err, "failed to get mapped port for the PostgreSQL container")

	// Prepare config
	os.MkdirAll(testdir, fs.ModePerm)
	defer os.RemoveAll(testdir)

	require.NoError(t, os.WriteFile(configFilePath, []byte(validConfig), fs.ModePerm), "failed to write config file")

	var cfg config.Config
	require.NoError(t, commoncfg.LoadConfig(&cfg, nil, testdir), "failed to load config")

	currdir, err := os.Getwd()
	require.NoError(t, err, "failed to get wd")

	cfg.Database.Name = dbname
	cfg.Database.User = commoncfg.SourceRef{Source: "embedded", Value: dbuser}
	cfg.Database.Password = commoncfg.SourceRef{Source: "embedded", Value: dbpass}
	cfg.Database.Host = commoncfg.SourceRef{Source: "embedded", Value: "localhost"}
	cfg.Database.Port = port.Port()
	cfg.Migrate.Source = "file://" + filepath.Join(currdir, "../sql")

	cfgMap := make(map[string]any)
	require.NoError(t, mapstructure.Decode(cfg, &cfgMap), "failed to decode mapstructure")

	data, err := yaml.Marshal(cfgMap)
	require.NoError(t, err, "failed to encode config")
	require.NoError(t, os.WriteFile(configFilePath, data, fs.ModePerm), "failed to write config")

	t.Chdir(testdir)

	// Run the migrations
	cmd := exec.CommandContext(ctx, filepath.Join(currdir, binary), cmdName)

	cmdOutPath := filepath.Join(currdir, cmdName+".log")
	cmdOut, err := os.Create(cmdOutPath)
	require.NoError(t, err, "failed to create an log file")
	defer cmdOut.Close()

	cmd.Stdout = cmdOut
	cmd.Stderr = cmdOut
	t.Logf("starting an app process. Logs will be saved into %s", cmdOutPath)
	require.NoError(t, cmd.Run(), "process exited abnormally")

	conn, err := pgx.Connect(ctx, fmt.Sprintf("host=localhost user=%s password=%s dbname=%s port=%s sslmode=disable", dbuser, dbpass, dbname, port.Port()))
	require.NoError(t, err)
	defer conn.Close(ctx)

	var exists bool
	err = conn.QueryRow(ctx, `SELECT EXISTS (SELECT FROM information_schema.tables WHERE table_name = 'profiles');`).Scan(&exists)
	require.NoError(t, err)
	assert.True(t, exists, "profiles table should exist after the migration")
}
