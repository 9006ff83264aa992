package config

import (
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/weailabs/skillrun/pkg/domain"
)

func writeConfig(t *testing.T, dir, content string) string {
	t.Helper()
	path := filepath.Join(dir, "skillrun.yaml")
	require.NoError(t, os.WriteFile(path, []byte(content), 0o600))
	return path
}

func TestLoadDefaults(t *testing.T) {
	cfg, err := Load("")
	require.NoError(t, err)

	assert.Equal(t, ":8080", cfg.Server.Address)
	assert.Equal(t, 15*time.Second, cfg.Server.ShutdownTimeout)
	assert.Equal(t, "info", cfg.Logging.Level)
	assert.Equal(t, 30*time.Second, cfg.Resolver.CacheTTL)
	assert.Equal(t, 30*time.Second, cfg.Executor.DefaultDeadline)
	assert.Zero(t, cfg.Billing.DefaultQuota)
}

func TestLoadFromFile(t *testing.T) {
	path := writeConfig(t, t.TempDir(), `
server:
  address: ":9090"
logging:
  level: debug
billing:
  default_quota: 500
  quotas:
    acme: 1000
pricing:
  default_unit_price_micros: 250
  unit_price_micros:
    notify.webhook: 1500
skills:
  - id: test.echo
    version: 1
    inputSchema:
      uri: schema://test.echo/input/v1
      required: [message]
    outputSchema:
      uri: schema://test.echo/output/v1
`)

	cfg, err := Load(path)
	require.NoError(t, err)

	assert.Equal(t, ":9090", cfg.Server.Address)
	assert.Equal(t, "debug", cfg.Logging.Level)
	assert.Equal(t, int64(500), cfg.Billing.DefaultQuota)
	assert.Equal(t, int64(1000), cfg.Billing.Quotas["acme"])
	assert.Equal(t, int64(1500), cfg.Pricing.UnitPriceMicros["notify.webhook"])
	require.Len(t, cfg.Skills, 1)
	assert.Equal(t, "test.echo", cfg.Skills[0].ID)
	assert.Equal(t, []string{"message"}, cfg.Skills[0].InputSchema.Required)

	// Unset fields keep their defaults.
	assert.Equal(t, 30*time.Second, cfg.Executor.DefaultDeadline)
}

func TestLoadMissingFile(t *testing.T) {
	_, err := Load(filepath.Join(t.TempDir(), "absent.yaml"))
	require.Error(t, err)
}

func TestLoadMalformedFile(t *testing.T) {
	path := writeConfig(t, t.TempDir(), "server: [not a mapping")
	_, err := Load(path)
	require.Error(t, err)
}

func TestLoadEnvOverrides(t *testing.T) {
	t.Setenv("SKILLRUN_ADDR", ":7070")
	t.Setenv("SKILLRUN_LOG_LEVEL", "warn")
	t.Setenv("SKILLRUN_LOG_PRETTY", "true")
	t.Setenv("SKILLRUN_DEFAULT_QUOTA", "42")
	t.Setenv("SKILLRUN_OTLP_ENDPOINT", "collector:4317")
	t.Setenv("SKILLRUN_OTLP_INSECURE", "true")

	cfg, err := Load("")
	require.NoError(t, err)

	assert.Equal(t, ":7070", cfg.Server.Address)
	assert.Equal(t, "warn", cfg.Logging.Level)
	assert.True(t, cfg.Logging.Pretty)
	assert.Equal(t, int64(42), cfg.Billing.DefaultQuota)
	assert.Equal(t, "collector:4317", cfg.Telemetry.OTLPEndpoint)
	assert.True(t, cfg.Telemetry.Insecure)
}

func validConfig() *Config {
	return &Config{
		Server:   ServerConfig{Address: ":8080", ShutdownTimeout: 15 * time.Second},
		Logging:  LoggingConfig{Level: "info"},
		Resolver: ResolverConfig{CacheTTL: 30 * time.Second},
		Executor: ExecutorConfig{DefaultDeadline: 30 * time.Second},
	}
}

func TestValidateRejectsBadValues(t *testing.T) {
	cases := []struct {
		name   string
		mutate func(*Config)
	}{
		{"empty address", func(c *Config) { c.Server.Address = "" }},
		{"negative cache ttl", func(c *Config) { c.Resolver.CacheTTL = -time.Second }},
		{"zero deadline", func(c *Config) { c.Executor.DefaultDeadline = 0 }},
		{"negative default quota", func(c *Config) { c.Billing.DefaultQuota = -1 }},
		{"negative org quota", func(c *Config) { c.Billing.Quotas = map[string]int64{"acme": -5} }},
		{"negative default price", func(c *Config) { c.Pricing.DefaultUnitPriceMicros = -1 }},
		{"negative skill price", func(c *Config) { c.Pricing.UnitPriceMicros = map[string]int64{"x": -1} }},
		{"skill without schemas", func(c *Config) {
			c.Skills = []domain.SkillDefinition{{ID: "bad.skill", Version: 1}}
		}},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			cfg := validConfig()
			tc.mutate(cfg)
			assert.Error(t, cfg.Validate())
		})
	}

	assert.NoError(t, validConfig().Validate())
}

func TestFileProviderInitialLoadMustSucceed(t *testing.T) {
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	_, err := NewFileConfigProvider(filepath.Join(t.TempDir(), "absent.yaml"), logger)
	require.Error(t, err)
}

func TestFileProviderServesAndReloads(t *testing.T) {
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	dir := t.TempDir()
	path := writeConfig(t, dir, "billing:\n  default_quota: 10\n")

	provider, err := NewFileConfigProvider(path, logger)
	require.NoError(t, err)
	defer provider.Close()

	assert.Equal(t, int64(10), provider.Current().Billing.DefaultQuota)

	updates := provider.Subscribe()
	first := <-updates
	assert.Equal(t, int64(10), first.Billing.DefaultQuota)

	writeConfig(t, dir, "billing:\n  default_quota: 20\n")

	select {
	case next := <-updates:
		assert.Equal(t, int64(20), next.Billing.DefaultQuota)
	case <-time.After(3 * time.Second):
		t.Fatal("no config update observed after file rewrite")
	}
	assert.Equal(t, int64(20), provider.Current().Billing.DefaultQuota)
}

func TestFileProviderCloseClosesSubscribers(t *testing.T) {
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	path := writeConfig(t, t.TempDir(), "billing:\n  default_quota: 10\n")

	provider, err := NewFileConfigProvider(path, logger)
	require.NoError(t, err)

	updates := provider.Subscribe()
	<-updates // initial snapshot

	provider.Close()

	select {
	case _, ok := <-updates:
		assert.False(t, ok, "subscriber channel must close on shutdown")
	case <-time.After(3 * time.Second):
		t.Fatal("subscriber channel still open after Close")
	}

	// Subscribing after shutdown yields an already-closed channel.
	_, ok := <-provider.Subscribe()
	assert.False(t, ok)
}

func TestFileProviderOnReloadReportsOutcome(t *testing.T) {
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	dir := t.TempDir()
	path := writeConfig(t, dir, "billing:\n  default_quota: 10\n")

	provider, err := NewFileConfigProvider(path, logger)
	require.NoError(t, err)
	defer provider.Close()

	outcomes := make(chan error, 4)
	provider.OnReload(func(err error) { outcomes <- err })

	writeConfig(t, dir, "billing:\n  default_quota: 20\n")
	select {
	case err := <-outcomes:
		assert.NoError(t, err)
	case <-time.After(3 * time.Second):
		t.Fatal("no reload outcome after good rewrite")
	}

	writeConfig(t, dir, "billing: [broken")
	select {
	case err := <-outcomes:
		assert.Error(t, err)
	case <-time.After(3 * time.Second):
		t.Fatal("no reload outcome after bad rewrite")
	}
	assert.Equal(t, int64(20), provider.Current().Billing.DefaultQuota)
}

func TestFileProviderKeepsLastGoodConfigOnBadReload(t *testing.T) {
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	dir := t.TempDir()
	path := writeConfig(t, dir, "billing:\n  default_quota: 10\n")

	provider, err := NewFileConfigProvider(path, logger)
	require.NoError(t, err)
	defer provider.Close()

	writeConfig(t, dir, "billing: [broken")

	// The reload fails after the debounce window; the last good config stays.
	time.Sleep(500 * time.Millisecond)
	assert.Equal(t, int64(10), provider.Current().Billing.DefaultQuota)
}
