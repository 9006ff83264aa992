// Package config provides configuration structures and loading logic for the
// skill execution service.
package config

import (
	"fmt"
	"os"
	"strconv"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/weailabs/skillrun/pkg/domain"
)

// Config holds the global configuration for the service.
type Config struct {
	Server ServerConfig `yaml:"server"`

	Telemetry TelemetryConfig `yaml:"telemetry"`
	Logging   LoggingConfig   `yaml:"logging"`
	Resolver  ResolverConfig  `yaml:"resolver"`
	Executor  ExecutorConfig  `yaml:"executor"`
	Billing   BillingConfig   `yaml:"billing"`
	Pricing   PricingConfig   `yaml:"pricing"`

	// Skills seeds the registry at startup. Definitions may also be
	// registered at runtime; the file is the durable source.
	Skills []domain.SkillDefinition `yaml:"skills,omitempty"`
}

// ServerConfig holds configuration for the HTTP server.
type ServerConfig struct {
	Address         string        `yaml:"address"`
	ShutdownTimeout time.Duration `yaml:"shutdown_timeout"`
}

// TelemetryConfig holds configuration for OpenTelemetry.
type TelemetryConfig struct {
	OTLPEndpoint string `yaml:"otlp_endpoint"`
	Insecure     bool   `yaml:"insecure"`
	Environment  string `yaml:"environment"`
}

// LoggingConfig holds configuration for logging.
type LoggingConfig struct {
	Level  string `yaml:"level"`
	Pretty bool   `yaml:"pretty"`
}

// ResolverConfig tunes the skill definition cache.
type ResolverConfig struct {
	CacheTTL time.Duration `yaml:"cache_ttl"`
}

// ExecutorConfig tunes adapter invocation.
type ExecutorConfig struct {
	DefaultDeadline time.Duration `yaml:"default_deadline"`
}

// BillingConfig holds per-organization quota limits in invocation units per
// billing period. DefaultQuota of zero means unlimited.
type BillingConfig struct {
	DefaultQuota int64            `yaml:"default_quota"`
	Quotas       map[string]int64 `yaml:"quotas,omitempty"`
}

// PricingConfig holds per-skill unit prices in micro-units of currency.
type PricingConfig struct {
	DefaultUnitPriceMicros int64            `yaml:"default_unit_price_micros"`
	UnitPriceMicros        map[string]int64 `yaml:"unit_price_micros,omitempty"`
}

// Load reads configuration from a file and applies environment variable overrides.
func Load(path string) (*Config, error) {
	cfg := &Config{
		// Defaults
		Server: ServerConfig{
			Address:         ":8080",
			ShutdownTimeout: 15 * time.Second,
		},
		Logging: LoggingConfig{
			Level: "info",
		},
		Resolver: ResolverConfig{
			CacheTTL: 30 * time.Second,
		},
		Executor: ExecutorConfig{
			DefaultDeadline: 30 * time.Second,
		},
	}

	if path != "" {
		//nolint:gosec // Config file path is controlled by admin/operator
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("failed to read config file %s: %w", path, err)
		}
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("failed to parse config file %s: %w", path, err)
		}
	}

	applyEnvOverrides(cfg)

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("configuration validation failed: %w", err)
	}

	return cfg, nil
}

func applyEnvOverrides(cfg *Config) {
	if val := os.Getenv("SKILLRUN_ADDR"); val != "" {
		cfg.Server.Address = val
	}

	if val := os.Getenv("SKILLRUN_OTLP_ENDPOINT"); val != "" {
		cfg.Telemetry.OTLPEndpoint = val
	}
	if val := os.Getenv("SKILLRUN_OTLP_INSECURE"); val == "true" {
		cfg.Telemetry.Insecure = true
	}
	if val := os.Getenv("SKILLRUN_ENVIRONMENT"); val != "" {
		cfg.Telemetry.Environment = val
	}

	if val := os.Getenv("SKILLRUN_LOG_LEVEL"); val != "" {
		cfg.Logging.Level = val
	}
	if val := os.Getenv("SKILLRUN_LOG_PRETTY"); val == "true" {
		cfg.Logging.Pretty = true
	}

	if val := os.Getenv("SKILLRUN_DEFAULT_QUOTA"); val != "" {
		if quota, err := strconv.ParseInt(val, 10, 64); err == nil {
			cfg.Billing.DefaultQuota = quota
		}
	}
}

// Validate checks the configuration for inconsistencies.
func (c *Config) Validate() error {
	if c.Server.Address == "" {
		return fmt.Errorf("server.address must not be empty")
	}
	if c.Resolver.CacheTTL < 0 {
		return fmt.Errorf("resolver.cache_ttl must not be negative")
	}
	if c.Executor.DefaultDeadline <= 0 {
		return fmt.Errorf("executor.default_deadline must be positive")
	}
	if c.Billing.DefaultQuota < 0 {
		return fmt.Errorf("billing.default_quota must not be negative")
	}
	for org, quota := range c.Billing.Quotas {
		if quota < 0 {
			return fmt.Errorf("billing.quotas[%s] must not be negative", org)
		}
	}
	if c.Pricing.DefaultUnitPriceMicros < 0 {
		return fmt.Errorf("pricing.default_unit_price_micros must not be negative")
	}
	for skill, price := range c.Pricing.UnitPriceMicros {
		if price < 0 {
			return fmt.Errorf("pricing.unit_price_micros[%s] must not be negative", skill)
		}
	}
	for i, def := range c.Skills {
		if err := def.Validate(); err != nil {
			return fmt.Errorf("skills[%d]: %w", i, err)
		}
	}
	return nil
}
