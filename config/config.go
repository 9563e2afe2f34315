// Copyright 2026 The Aegis Authors
// SPDX-License-Identifier: Apache-2.0

// Package config loads coordinator configuration.
//
// Configuration comes from a single YAML file named by the
// AEGIS_CONFIG environment variable or the --config flag. There is no
// automatic discovery and environment variables do not override file
// values; the file is the single auditable source of truth. The file
// may contain development/staging/production sections that override
// base values when the environment matches.
package config

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

// Environment identifies the deployment type.
type Environment string

const (
	Development Environment = "development"
	Staging     Environment = "staging"
	Production  Environment = "production"
)

// Duration is a time.Duration that unmarshals from YAML strings like
// "5m" or "90s".
type Duration time.Duration

// UnmarshalYAML implements yaml.Unmarshaler.
func (d *Duration) UnmarshalYAML(value *yaml.Node) error {
	var raw string
	if err := value.Decode(&raw); err != nil {
		return err
	}
	parsed, err := time.ParseDuration(raw)
	if err != nil {
		return fmt.Errorf("parsing duration %q: %w", raw, err)
	}
	*d = Duration(parsed)
	return nil
}

// Std returns the value as a time.Duration.
func (d Duration) Std() time.Duration { return time.Duration(d) }

// Config is the coordinator's full configuration.
type Config struct {
	Environment Environment `yaml:"environment"`

	Listen   ListenConfig   `yaml:"listen"`
	Auth     AuthConfig     `yaml:"auth"`
	Ingest   IngestConfig   `yaml:"ingest"`
	Cache    CacheConfig    `yaml:"cache"`
	Alerts   AlertsConfig   `yaml:"alerts"`
	Registry RegistryConfig `yaml:"registry"`
	Router   RouterConfig   `yaml:"router"`
	Audit    AuditConfig    `yaml:"audit"`

	// Per-environment override sections, applied after the base
	// values.
	Development *Overrides `yaml:"development,omitempty"`
	Staging     *Overrides `yaml:"staging,omitempty"`
	Production  *Overrides `yaml:"production,omitempty"`
}

// Overrides holds the sections an environment may override.
type Overrides struct {
	Listen *ListenConfig `yaml:"listen,omitempty"`
	Cache  *CacheConfig  `yaml:"cache,omitempty"`
	Audit  *AuditConfig  `yaml:"audit,omitempty"`
}

// ListenConfig names the serving endpoints.
type ListenConfig struct {
	// StreamNetwork is "tcp" or "unix".
	StreamNetwork string `yaml:"stream_network"`

	// StreamAddress is the agent/supervisor stream endpoint: a host
	// port for tcp, a socket path for unix.
	StreamAddress string `yaml:"stream_address"`

	// HTTPAddress serves the REST API, /healthz, and /metrics.
	HTTPAddress string `yaml:"http_address"`
}

// AuthConfig configures session-token validation.
type AuthConfig struct {
	// JWTSecret is the HS256 signing secret shared with the token
	// issuer. Required.
	JWTSecret string `yaml:"jwt_secret"`

	// Issuer is the required token issuer claim.
	Issuer string `yaml:"issuer"`
}

// IngestConfig tunes location ingest and geofence evaluation.
type IngestConfig struct {
	// AccuracyCeilingMeters discards (but still audits) samples with
	// worse device-reported accuracy.
	AccuracyCeilingMeters float64 `yaml:"accuracy_ceiling_m"`

	// ViolationCooldown suppresses repeat violations per agent.
	ViolationCooldown Duration `yaml:"violation_cooldown"`

	// ViolationAlertThresholdMeters gates automatic SECURITY alerts: a
	// geofence violation raises an alert only when the agent is at
	// least this far outside the boundary. Zero alerts on every
	// violation. The violation event itself is always broadcast.
	ViolationAlertThresholdMeters float64 `yaml:"violation_alert_threshold_m"`

	// FreshnessWindow marks latest positions older than this "stale".
	FreshnessWindow Duration `yaml:"freshness_window"`
}

// CacheConfig configures the latest-position redis cache.
type CacheConfig struct {
	RedisAddress string   `yaml:"redis_address"`
	TTL          Duration `yaml:"ttl"`
}

// AlertsConfig tunes the escalation state machine.
type AlertsConfig struct {
	// Tiers is the dwell at each level before automatic escalation.
	Tiers []Duration `yaml:"tiers"`

	// HighPriorityTypes lists additional alert types treated as HIGH
	// priority beyond the always-HIGH PANIC/MEDICAL/FIRE.
	HighPriorityTypes []string `yaml:"high_priority_types"`

	// TerminalRetention is how long resolved alerts stay in memory
	// before eviction. Retries after eviction are served from the
	// audit store.
	TerminalRetention Duration `yaml:"terminal_retention"`
}

// RegistryConfig tunes session tracking.
type RegistryConfig struct {
	IdleTimeout   Duration `yaml:"idle_timeout"`
	SweepInterval Duration `yaml:"sweep_interval"`
	OutboxBuffer  int      `yaml:"outbox_buffer"`
}

// RouterConfig tunes offline-queue retention.
type RouterConfig struct {
	LocationRetention Duration `yaml:"location_retention"`
	AlertRetention    Duration `yaml:"alert_retention"`
	SweepInterval     Duration `yaml:"sweep_interval"`
}

// AuditConfig configures the durable sink.
type AuditConfig struct {
	// Path is the SQLite database file.
	Path string `yaml:"path"`

	QueueSize      int      `yaml:"queue_size"`
	MaxAttempts    int      `yaml:"max_attempts"`
	InitialBackoff Duration `yaml:"initial_backoff"`
}

// Default returns the baseline configuration.
func Default() *Config {
	return &Config{
		Environment: Development,
		Listen: ListenConfig{
			StreamNetwork: "tcp",
			StreamAddress: ":7600",
			HTTPAddress:   ":7601",
		},
		Auth: AuthConfig{
			Issuer: "aegis",
		},
		Ingest: IngestConfig{
			AccuracyCeilingMeters: 50,
			ViolationCooldown:     Duration(5 * time.Minute),
			FreshnessWindow:       Duration(90 * time.Second),
		},
		Cache: CacheConfig{
			RedisAddress: "localhost:6379",
			TTL:          Duration(5 * time.Minute),
		},
		Alerts: AlertsConfig{
			Tiers:             []Duration{Duration(5 * time.Minute), Duration(10 * time.Minute)},
			TerminalRetention: Duration(time.Hour),
		},
		Registry: RegistryConfig{
			IdleTimeout:   Duration(90 * time.Second),
			SweepInterval: Duration(30 * time.Second),
			OutboxBuffer:  64,
		},
		Router: RouterConfig{
			LocationRetention: Duration(24 * time.Hour),
			AlertRetention:    Duration(72 * time.Hour),
			SweepInterval:     Duration(5 * time.Minute),
		},
		Audit: AuditConfig{
			Path:           "/var/lib/aegis/audit.db",
			QueueSize:      4096,
			MaxAttempts:    5,
			InitialBackoff: Duration(100 * time.Millisecond),
		},
	}
}

// Load reads the file named by AEGIS_CONFIG. It fails rather than
// guessing when the variable is unset.
func Load() (*Config, error) {
	path := os.Getenv("AEGIS_CONFIG")
	if path == "" {
		return nil, fmt.Errorf("AEGIS_CONFIG environment variable not set; " +
			"set it to your aegis.yaml path, or use --config")
	}
	return LoadFile(path)
}

// LoadFile loads configuration from path, applies the matching
// environment override section, and validates the result.
func LoadFile(path string) (*Config, error) {
	cfg := Default()

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading config: %w", err)
	}
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parsing config %s: %w", path, err)
	}

	cfg.applyOverrides()

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("config %s: %w", path, err)
	}
	return cfg, nil
}

func (c *Config) applyOverrides() {
	var overrides *Overrides
	switch c.Environment {
	case Development:
		overrides = c.Development
	case Staging:
		overrides = c.Staging
	case Production:
		overrides = c.Production
	}
	if overrides == nil {
		return
	}

	if overrides.Listen != nil {
		if overrides.Listen.StreamNetwork != "" {
			c.Listen.StreamNetwork = overrides.Listen.StreamNetwork
		}
		if overrides.Listen.StreamAddress != "" {
			c.Listen.StreamAddress = overrides.Listen.StreamAddress
		}
		if overrides.Listen.HTTPAddress != "" {
			c.Listen.HTTPAddress = overrides.Listen.HTTPAddress
		}
	}
	if overrides.Cache != nil {
		if overrides.Cache.RedisAddress != "" {
			c.Cache.RedisAddress = overrides.Cache.RedisAddress
		}
		if overrides.Cache.TTL > 0 {
			c.Cache.TTL = overrides.Cache.TTL
		}
	}
	if overrides.Audit != nil {
		if overrides.Audit.Path != "" {
			c.Audit.Path = overrides.Audit.Path
		}
		if overrides.Audit.QueueSize > 0 {
			c.Audit.QueueSize = overrides.Audit.QueueSize
		}
	}
}

// Validate rejects configurations the coordinator cannot run with.
func (c *Config) Validate() error {
	switch c.Environment {
	case Development, Staging, Production:
	default:
		return fmt.Errorf("unknown environment %q", c.Environment)
	}
	switch c.Listen.StreamNetwork {
	case "tcp", "unix":
	default:
		return fmt.Errorf("stream_network must be tcp or unix, got %q", c.Listen.StreamNetwork)
	}
	if c.Listen.StreamAddress == "" {
		return fmt.Errorf("listen.stream_address is required")
	}
	if c.Auth.JWTSecret == "" {
		return fmt.Errorf("auth.jwt_secret is required")
	}
	if c.Ingest.AccuracyCeilingMeters <= 0 {
		return fmt.Errorf("ingest.accuracy_ceiling_m must be positive")
	}
	if c.Ingest.ViolationAlertThresholdMeters < 0 {
		return fmt.Errorf("ingest.violation_alert_threshold_m must not be negative")
	}
	if len(c.Alerts.Tiers) == 0 {
		return fmt.Errorf("alerts.tiers must name at least one escalation dwell")
	}
	for i, tier := range c.Alerts.Tiers {
		if tier <= 0 {
			return fmt.Errorf("alerts.tiers[%d] must be positive", i)
		}
	}
	if c.Alerts.TerminalRetention < 0 {
		return fmt.Errorf("alerts.terminal_retention must not be negative")
	}
	if c.Audit.Path == "" {
		return fmt.Errorf("audit.path is required")
	}
	return nil
}
