// Package config loads gateway configuration from a YAML file with
// CHATGATE_* environment overrides layered on top.
package config

import (
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/knadh/koanf/parsers/yaml"
	"github.com/knadh/koanf/providers/env"
	"github.com/knadh/koanf/providers/file"
	"github.com/knadh/koanf/v2"
	yamlv3 "gopkg.in/yaml.v3"
)

const envPrefix = "CHATGATE_"

// Config is the root runtime configuration.
type Config struct {
	Gateway   GatewayConfig             `koanf:"gateway" yaml:"gateway"`
	Logging   LoggingConfig             `koanf:"logging" yaml:"logging"`
	Store     StoreConfig               `koanf:"store" yaml:"store"`
	Pipeline  PipelineConfig            `koanf:"pipeline" yaml:"pipeline"`
	Health    HealthConfig              `koanf:"health" yaml:"health"`
	Router    RouterConfig              `koanf:"router" yaml:"router"`
	Platforms map[string]PlatformConfig `koanf:"platforms" yaml:"platforms"`
	Bots      []BotSeed                 `koanf:"bots" yaml:"bots,omitempty"`
}

// GatewayConfig configures the HTTP ingress bind address.
type GatewayConfig struct {
	Host string `koanf:"host" yaml:"host"`
	Port int    `koanf:"port" yaml:"port"`
}

// LoggingConfig controls structured log output format and verbosity.
type LoggingConfig struct {
	Format    string `koanf:"format" yaml:"format"`
	Level     string `koanf:"level" yaml:"level"`
	AddSource bool   `koanf:"add_source" yaml:"add_source"`
}

// StoreConfig configures bot-record persistence. An empty path selects the
// in-memory store.
type StoreConfig struct {
	Path string `koanf:"path" yaml:"path"`
}

// PipelineConfig configures the downstream message-pipeline hand-off. An
// empty URL logs normalized messages instead of forwarding them.
type PipelineConfig struct {
	URL            string `koanf:"url" yaml:"url"`
	TimeoutSeconds int    `koanf:"timeout_seconds" yaml:"timeout_seconds"`
}

// HealthConfig controls the adapter health-monitor loop.
type HealthConfig struct {
	IntervalSeconds     int `koanf:"interval_seconds" yaml:"interval_seconds"`
	ProbeTimeoutSeconds int `koanf:"probe_timeout_seconds" yaml:"probe_timeout_seconds"`
}

// RouterConfig controls outbound dispatch behavior.
type RouterConfig struct {
	SendTimeoutSeconds int `koanf:"send_timeout_seconds" yaml:"send_timeout_seconds"`
}

// PlatformConfig bounds outbound traffic for one platform.
type PlatformConfig struct {
	MessagesPerSecond int `koanf:"messages_per_second" yaml:"messages_per_second"`
	MaxConcurrent     int `koanf:"max_concurrent" yaml:"max_concurrent"`
	Priority          int `koanf:"priority" yaml:"priority"`
}

// BotSeed declares a bot in the config file. Seeded bots are created in the
// store at boot when absent, matched by tenant, name, and platform.
type BotSeed struct {
	TenantID    string            `koanf:"tenant_id" yaml:"tenant_id"`
	Name        string            `koanf:"name" yaml:"name"`
	Platform    string            `koanf:"platform" yaml:"platform"`
	Credentials string            `koanf:"credentials" yaml:"credentials"`
	WebhookURL  string            `koanf:"webhook_url" yaml:"webhook_url,omitempty"`
	Settings    map[string]string `koanf:"settings" yaml:"settings,omitempty"`
	AutoStart   bool              `koanf:"auto_start" yaml:"auto_start"`
}

// Default returns the built-in configuration, including per-platform rate
// limits tuned to each vendor's published throttling behavior.
func Default() *Config {
	return &Config{
		Gateway: GatewayConfig{Host: "0.0.0.0", Port: 8790},
		Logging: LoggingConfig{Format: "text", Level: "info"},
		Store:   StoreConfig{Path: "chatgate.db"},
		Pipeline: PipelineConfig{
			TimeoutSeconds: 10,
		},
		Health: HealthConfig{
			IntervalSeconds:     30,
			ProbeTimeoutSeconds: 5,
		},
		Router: RouterConfig{SendTimeoutSeconds: 30},
		Platforms: map[string]PlatformConfig{
			"telegram":     {MessagesPerSecond: 30, MaxConcurrent: 40, Priority: 5},
			"telegram-api": {MessagesPerSecond: 30, MaxConcurrent: 40, Priority: 4},
			"discord":      {MessagesPerSecond: 5, MaxConcurrent: 20, Priority: 3},
			"slack":        {MessagesPerSecond: 1, MaxConcurrent: 10, Priority: 3},
			"teams":        {MessagesPerSecond: 15, MaxConcurrent: 20, Priority: 2},
			"line":         {MessagesPerSecond: 60, MaxConcurrent: 40, Priority: 2},
			"whatsapp":     {MessagesPerSecond: 80, MaxConcurrent: 50, Priority: 6},
			"webchat":      {MessagesPerSecond: 100, MaxConcurrent: 100, Priority: 1},
		},
	}
}

// Load reads configuration from path (when the file exists), then overlays
// environment variable overrides: CHATGATE_GATEWAY_PORT maps to
// gateway.port, and so on.
func Load(path string) (*Config, error) {
	k := koanf.New(".")
	cfg := Default()

	if _, err := os.Stat(path); err == nil {
		if err := k.Load(file.Provider(path), yaml.Parser()); err != nil {
			return nil, fmt.Errorf("read config %s: %w", path, err)
		}
	} else if !os.IsNotExist(err) {
		return nil, fmt.Errorf("access config %s: %w", path, err)
	}

	if err := k.Load(env.Provider(envPrefix, ".", func(s string) string {
		return strings.ReplaceAll(strings.ToLower(strings.TrimPrefix(s, envPrefix)), "_", ".")
	}), nil); err != nil {
		return nil, fmt.Errorf("load env overrides: %w", err)
	}

	if err := k.Unmarshal("", cfg); err != nil {
		return nil, fmt.Errorf("unmarshal config: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	return cfg, nil
}

// Save writes the configuration as YAML to path.
func (c *Config) Save(path string) error {
	data, err := yamlv3.Marshal(c)
	if err != nil {
		return fmt.Errorf("marshal config: %w", err)
	}
	if err := os.WriteFile(path, data, 0o644); err != nil {
		return fmt.Errorf("write config %s: %w", path, err)
	}
	return nil
}

// Validate checks that the configuration contains workable values.
func (c *Config) Validate() error {
	if c.Gateway.Port <= 0 || c.Gateway.Port > 65535 {
		return fmt.Errorf("gateway.port %d out of range", c.Gateway.Port)
	}
	if c.Health.IntervalSeconds <= 0 {
		return fmt.Errorf("health.interval_seconds must be positive")
	}
	if c.Health.ProbeTimeoutSeconds <= 0 {
		return fmt.Errorf("health.probe_timeout_seconds must be positive")
	}
	if c.Router.SendTimeoutSeconds <= 0 {
		return fmt.Errorf("router.send_timeout_seconds must be positive")
	}
	for name, seed := range c.Bots {
		if strings.TrimSpace(seed.Platform) == "" {
			return fmt.Errorf("bots[%d]: platform is required", name)
		}
	}
	return nil
}

// HealthInterval returns the health monitor loop interval.
func (c *Config) HealthInterval() time.Duration {
	return time.Duration(c.Health.IntervalSeconds) * time.Second
}

// ProbeTimeout returns the per-probe health check timeout.
func (c *Config) ProbeTimeout() time.Duration {
	return time.Duration(c.Health.ProbeTimeoutSeconds) * time.Second
}

// SendTimeout returns the outbound send timeout.
func (c *Config) SendTimeout() time.Duration {
	return time.Duration(c.Router.SendTimeoutSeconds) * time.Second
}

// PipelineTimeout returns the pipeline hand-off timeout.
func (c *Config) PipelineTimeout() time.Duration {
	return time.Duration(c.Pipeline.TimeoutSeconds) * time.Second
}
