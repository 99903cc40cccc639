package waveconfig

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func writeConfig(t *testing.T, dir, body string) string {
	t.Helper()
	path := filepath.Join(dir, "wave.yaml")
	require.NoError(t, os.WriteFile(path, []byte(body), 0644))
	return path
}

func TestLoaderLoadsAndAppliesDefaults(t *testing.T) {
	dir := t.TempDir()
	path := writeConfig(t, dir, `
project: demo
server:
  port: 9091
domains:
  - name: backend
`)

	loader, err := NewLoader(path)
	require.NoError(t, err)

	cfg, err := loader.Load(context.Background())
	require.NoError(t, err)
	require.Equal(t, "demo", cfg.Project)
	require.Equal(t, 9091, cfg.Server.Port)
	require.Equal(t, DefaultHost, cfg.Server.Host)
	require.Len(t, cfg.Domains, 1)
	require.Equal(t, "backend", cfg.Domains[0].Name)
	require.NotZero(t, cfg.Domains[0].PollTimeout)
}

func TestLoaderExpandsEnvVars(t *testing.T) {
	t.Setenv("WAVE_REDIS_URL", "redis://envhost:6380/1")
	dir := t.TempDir()
	path := writeConfig(t, dir, `
project: demo
pubsub:
  url: ${WAVE_REDIS_URL}
`)

	loader, err := NewLoader(path)
	require.NoError(t, err)

	cfg, err := loader.Load(context.Background())
	require.NoError(t, err)
	require.Equal(t, "redis://envhost:6380/1", cfg.Pubsub.URL)
}

func TestLoaderEnvVarDefaultFallsBackWhenUnset(t *testing.T) {
	os.Unsetenv("WAVE_MISSING_VAR")
	dir := t.TempDir()
	path := writeConfig(t, dir, `
project: demo
pubsub:
  consumer_group: ${WAVE_MISSING_VAR:-fallback-group}
`)

	loader, err := NewLoader(path)
	require.NoError(t, err)

	cfg, err := loader.Load(context.Background())
	require.NoError(t, err)
	require.Equal(t, "fallback-group", cfg.Pubsub.ConsumerGroup)
}

func TestLoaderLoadMissingFileErrors(t *testing.T) {
	loader, err := NewLoader(filepath.Join(t.TempDir(), "missing.yaml"))
	require.NoError(t, err)

	_, err = loader.Load(context.Background())
	require.Error(t, err)
}

func TestLoaderLoadInvalidConfigErrors(t *testing.T) {
	dir := t.TempDir()
	path := writeConfig(t, dir, `
project: demo
server:
  port: 99999
`)

	loader, err := NewLoader(path)
	require.NoError(t, err)

	_, err = loader.Load(context.Background())
	require.Error(t, err)
}

func TestLoaderWatchReloadsOnChange(t *testing.T) {
	dir := t.TempDir()
	path := writeConfig(t, dir, `
project: demo
server:
  port: 9000
`)

	reloaded := make(chan *Config, 1)
	loader, err := NewLoader(path, WithOnChange(func(cfg *Config) {
		select {
		case reloaded <- cfg:
		default:
		}
	}))
	require.NoError(t, err)
	defer loader.Close()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	go loader.Watch(ctx)

	// Give the watcher a moment to subscribe before mutating the file.
	time.Sleep(100 * time.Millisecond)
	writeConfig(t, dir, `
project: demo
server:
  port: 9100
`)

	select {
	case cfg := <-reloaded:
		require.Equal(t, 9100, cfg.Server.Port)
	case <-time.After(5 * time.Second):
		t.Fatal("timed out waiting for config reload")
	}
}

func TestExpandEnvStringHandlesAllForms(t *testing.T) {
	t.Setenv("WAVE_TEST_VAR", "value")
	require.Equal(t, "value", expandEnvString("$WAVE_TEST_VAR"))
	require.Equal(t, "value", expandEnvString("${WAVE_TEST_VAR}"))
	require.Equal(t, "value", expandEnvString("${WAVE_TEST_VAR:-default}"))
	require.Equal(t, "default", expandEnvString("${WAVE_UNSET_VAR:-default}"))
	require.Equal(t, "no vars here", expandEnvString("no vars here"))
}

func TestLoadDotEnvToleratesMissingFiles(t *testing.T) {
	dir := t.TempDir()
	cwd, err := os.Getwd()
	require.NoError(t, err)
	defer os.Chdir(cwd)
	require.NoError(t, os.Chdir(dir))

	require.NoError(t, LoadDotEnv())
}
