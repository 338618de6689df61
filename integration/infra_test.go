//go:build integration

package integration_test

import (
	"context"
	"fmt"
	"io/fs"
	"net"
	"net/http"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"syscall"
	"testing"
	"time"

	"github.com/docker/go-connections/nat"
	"github.com/goccy/go-yaml"
	"github.com/openkcm/common-sdk/pkg/commoncfg"
	"github.com/stretchr/testify/require"
	"github.com/valkey-io/valkey-go"

	"github.com/openkcm/portfolio-site/internal/config"
	"github.com/openkcm/portfolio-site/internal/dbtest/postgrestest"
	"github.com/openkcm/portfolio-site/internal/dbtest/valkeytest"
)

type closeFunc func(ctx context.Context)

type infraStat struct {
	PostgresPort   nat.Port
	ValKeyPort     nat.Port
	ValKey         valkey.Client
	ConfigFilePath string
	Procdir        string
	Cfg            config.Config

	closeFuncs []closeFunc
}

func initInfra(t *testing.T, exeName string) (istat infraStat) {
	t.Helper()

	// Since the config is read from the file $PWD/config.yaml,
	// we're running a process in a subdirectory so that we aren't interferring with the other tests.
	wd, err := os.Getwd()
	require.NoError(t, err, "failed to get wd")
	istat.Procdir = filepath.Join(wd, exeName+"-test")
	istat.ConfigFilePath = filepath.Join(istat.Procdir, "config.yaml")

	// Prepare a directory for the test
	err = os.MkdirAll(istat.Procdir, fs.ModePerm)
	require.NoError(t, err, "failed to create a dir for the process")

	err = os.WriteFile(istat.ConfigFilePath, []byte(validConfig), fs.ModePerm)
	require.NoError(t, err, "failed to write config file")

	err = commoncfg.LoadConfig(&istat.Cfg, nil, istat.Procdir)
	require.NoError(t, err, "failed to load config")

	// Let OS choose a free port
	istat.Cfg.HTTP.Address = "unix://" + filepath.Join(istat.Procdir, exeName+".sock")
	fmt.Println("HTTP Address is: ", istat.Cfg.HTTP.Address)

	return istat
}

func (istat *infraStat) PreparePostgres(t *testing.T) {
	t.Helper()

	wd, err := os.Getwd()
	require.NoError(t, err, "getting wd")

	pgClient, pgPort, pgTerminate := postgrestest.Start(t.Context())
	pgClient.Close()

	istat.PostgresPort = pgPort
	istat.closeFuncs = append(istat.closeFuncs, pgTerminate)

	istat.Cfg.Database.Name = postgrestest.DBName
	istat.Cfg.Database.User = commoncfg.SourceRef{Source: "embedded", Value: postgrestest.DBUser}
	istat.Cfg.Database.Password = commoncfg.SourceRef{Source: "embedded", Value: postgrestest.DBPassword}
	istat.Cfg.Database.Host = commoncfg.SourceRef{Source: "embedded", Value: postgrestest.DBHost}
	istat.Cfg.Database.Port = pgPort.Port()
	istat.Cfg.Migrate.Source = "file://" + filepath.Join(wd, "../sql")
}

func (istat *infraStat) PrepareValKey(t *testing.T) {
	t.Helper()

	vkClient, vkPort, vkTerminate := valkeytest.Start(t.Context())

	istat.ValKey = vkClient
	istat.ValKeyPort = vkPort
	require.NoError(t, valkeytest.Flush(t.Context(), vkClient))

	istat.closeFuncs = append(istat.closeFuncs, vkTerminate)

	istat.Cfg.ValKey.Host = commoncfg.SourceRef{Source: "embedded", Value: net.JoinHostPort("localhost", vkPort.Port())}
	istat.Cfg.ValKey.User = commoncfg.SourceRef{Source: "embedded", Value: ""}
	istat.Cfg.ValKey.Password = commoncfg.SourceRef{Source: "embedded", Value: ""}
}

// PrepareConfig writes a config file for running the test into the ConfigFilePath.
func (istat *infraStat) PrepareConfig(t *testing.T) {
	t.Helper()

	data, err := yaml.Marshal(istat.Cfg)
	require.NoError(t, err, "failed to encode config")

	err = os.WriteFile(istat.ConfigFilePath, data, fs.ModePerm)
	require.NoError(t, err, "failed to write config")
}

func (istat *infraStat) Close(ctx context.Context) {
	os.Remove(istat.ConfigFilePath)
	os.RemoveAll(istat.Procdir)

	for _, close := range istat.closeFuncs {
		close(ctx)
	}
}

// StartService runs the binary with args inside Procdir, logging to
// <logName>.log, and stops it with SIGTERM at the end of the test so that
// coverprofiles get written.
func (istat *infraStat) StartService(t *testing.T, logName string, args ...string) {
	t.Helper()

	currdir, err := os.Getwd()
	require.NoError(t, err, "failed to get wd")

	t.Chdir(istat.Procdir)

	ctx, cancel := context.WithTimeout(t.Context(), 30*time.Second)
	t.Cleanup(cancel)

	out, err := os.Create(filepath.Join(currdir, logName+".log"))
	require.NoError(t, err, "failed to create a log file")
	t.Cleanup(func() { _ = out.Close() })

	cmd := exec.CommandContext(ctx, filepath.Join(currdir, binary), args...)
	cmd.Stdout = out
	cmd.Stderr = out

	require.NoError(t, cmd.Start(), "could not start command")
	t.Cleanup(func() {
		_ = syscall.Kill(cmd.Process.Pid, syscall.SIGTERM)
		_ = cmd.Wait()
	})
}

// HTTPClient dials the unix socket of the public API whatever the URL host.
func (istat *infraStat) HTTPClient() *http.Client {
	socket := strings.TrimPrefix(istat.Cfg.HTTP.Address, "unix://")

	return &http.Client{
		Timeout: 5 * time.Second,
		Transport: &http.Transport{
			DialContext: func(ctx context.Context, _, _ string) (net.Conn, error) {
				return new(net.Dialer).DialContext(ctx, "unix", socket)
			},
		},
	}
}

// RunJob runs the binary with args inside Procdir until it exits and fails
// the test when it exits abnormally.
func (istat *infraStat) RunJob(t *testing.T, logName string, args ...string) {
	t.Helper()

	currdir, err := os.Getwd()
	require.NoError(t, err, "failed to get wd")

	t.Chdir(istat.Procdir)

	ctx, cancel := context.WithTimeout(t.Context(), 30*time.Second)
	defer cancel()

	outPath := filepath.Join(currdir, logName+".log")
	out, err := os.Create(outPath)
	require.NoError(t, err, "failed to create a log file")
	defer out.Close()

	cmd := exec.CommandContext(ctx, filepath.Join(currdir, binary), args...)
	cmd.Stdout = out
	cmd.Stderr = out

	t.Logf("starting an app process. Logs will be saved into %s", outPath)
	require.NoError(t, cmd.Run(), "process exited abnormally")
}
