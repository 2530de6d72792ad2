package main

import (
	"log/slog"
	"os"
	"path/filepath"
	. "testing"
	"time"

	vm "github.com/VictoriaMetrics/metrics"
	"github.com/spf13/pflag"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mediocregopher/sentinel"
	"github.com/mediocregopher/sentinel/metrics"
)

func loadArgs(t *T, args ...string) (Config, error) {
	t.Helper()
	fs := pflag.NewFlagSet("test", pflag.ContinueOnError)
	registerFlags(fs)
	require.NoError(t, fs.Parse(args))
	v, err := newViper(fs)
	require.NoError(t, err)
	return LoadConfig(v)
}

func TestLoadConfigDefaults(t *T) {
	cfg, err := loadArgs(t, "--group", "mymaster", "--sentinels", "10.0.0.1,10.0.0.2:26380")
	require.NoError(t, err)

	assert.Equal(t, "mymaster", cfg.Group)
	require.Len(t, cfg.Sentinels, 2)
	assert.Equal(t, "10.0.0.1:26379", cfg.Sentinels[0].Addr())
	assert.Equal(t, "10.0.0.2:26380", cfg.Sentinels[1].Addr())
	assert.True(t, cfg.ScanPeers)
	assert.Equal(t, time.Second, cfg.GraceWindow)
	assert.Equal(t, 10*time.Second, cfg.HealthCheckInterval)
	assert.Equal(t, 30*time.Second, cfg.RefreshInterval)
	assert.Equal(t, 250*time.Millisecond, cfg.BackoffBase)
	assert.Equal(t, 10*time.Second, cfg.BackoffMax)
	assert.Equal(t, "pool", cfg.Manager)
	assert.Equal(t, 0, cfg.DB)
	assert.Equal(t, ":9121", cfg.HTTPAddr)
	assert.Equal(t, slog.LevelInfo, cfg.LogLevel)
}

func TestLoadConfigEnv(t *T) {
	t.Setenv("SENTINELWATCH_GROUP", "envmaster")
	t.Setenv("SENTINELWATCH_SENTINELS", "10.0.0.3")
	t.Setenv("SENTINELWATCH_HEALTH_CHECK_INTERVAL", "2s")
	t.Setenv("SENTINELWATCH_MANAGER", "PIPE")

	cfg, err := loadArgs(t, "--db", "4")
	require.NoError(t, err)
	assert.Equal(t, "envmaster", cfg.Group)
	assert.Equal(t, "10.0.0.3:26379", cfg.Sentinels[0].Addr())
	assert.Equal(t, 2*time.Second, cfg.HealthCheckInterval)
	assert.Equal(t, "pipe", cfg.Manager)
	assert.Equal(t, 4, cfg.DB)

	// flags take precedence over the environment
	cfg, err = loadArgs(t, "--group", "flagmaster")
	require.NoError(t, err)
	assert.Equal(t, "flagmaster", cfg.Group)
}

func TestLoadConfigFile(t *T) {
	path := filepath.Join(t.TempDir(), "sentinelwatch.yaml")
	require.NoError(t, os.WriteFile(path, []byte(`
group: filemaster
sentinels:
  - 10.0.0.1
  - redis://:secret@10.0.0.2:26380
scan-peers: false
grace-window: 3s
log-level: debug
`), 0o600))

	cfg, err := loadArgs(t, "--config", path)
	require.NoError(t, err)
	assert.Equal(t, "filemaster", cfg.Group)
	require.Len(t, cfg.Sentinels, 2)
	assert.Equal(t, "secret", cfg.Sentinels[1].Password)
	assert.False(t, cfg.ScanPeers)
	assert.Equal(t, 3*time.Second, cfg.GraceWindow)
	assert.Equal(t, slog.LevelDebug, cfg.LogLevel)

	fs := pflag.NewFlagSet("test", pflag.ContinueOnError)
	registerFlags(fs)
	require.NoError(t, fs.Parse([]string{"--config", filepath.Join(t.TempDir(), "missing.yaml")}))
	_, err = newViper(fs)
	assert.Error(t, err)
}

func TestLoadConfigInvalid(t *T) {
	for _, args := range [][]string{
		{"--sentinels", "10.0.0.1"},
		{"--group", "g"},
		{"--group", "g", "--sentinels", "http://10.0.0.1"},
		{"--group", "g", "--sentinels", "10.0.0.1", "--manager", "cluster"},
		{"--group", "g", "--sentinels", "10.0.0.1", "--db", "-1"},
		{"--group", "g", "--sentinels", "10.0.0.1", "--backoff-base", "0s"},
		{"--group", "g", "--sentinels", "10.0.0.1", "--backoff-max", "1ms"},
		{"--group", "g", "--sentinels", "10.0.0.1", "--log-level", "loud"},
	} {
		_, err := loadArgs(t, args...)
		assert.ErrorIs(t, err, sentinel.ErrInvalidConfig, "args:%v", args)
	}
}

func TestConfigOpts(t *T) {
	cfg, err := loadArgs(t, "--group", "g", "--sentinels", "10.0.0.1", "--db", "2")
	require.NoError(t, err)

	logger := newLogger(os.Stderr, cfg.LogLevel)
	opts := cfg.Opts(logger, metrics.New(metrics.WithMetricsSet(vm.NewSet())))
	s, err := sentinel.New(cfg.Group, cfg.Sentinels, opts...)
	require.NoError(t, err)
	assert.Equal(t, sentinel.StateStarting, s.State())
	require.NoError(t, s.Close())

	cfg.Manager = "pipe"
	s, err = sentinel.New(cfg.Group, cfg.Sentinels, cfg.Opts(logger, nil)...)
	require.NoError(t, err)
	require.NoError(t, s.Close())
}
