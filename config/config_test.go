// Copyright 2026 The Aegis Authors
// SPDX-License-Identifier: Apache-2.0

package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"
)

func writeConfig(t *testing.T, contents string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "aegis.yaml")
	if err := os.WriteFile(path, []byte(contents), 0o600); err != nil {
		t.Fatalf("writing config: %v", err)
	}
	return path
}

func TestLoadFileAppliesDefaults(t *testing.T) {
	t.Parallel()

	path := writeConfig(t, `
environment: development
auth:
  jwt_secret: test-secret
`)
	cfg, err := LoadFile(path)
	if err != nil {
		t.Fatalf("LoadFile: %v", err)
	}
	if cfg.Listen.StreamAddress != ":7600" {
		t.Errorf("stream address = %q, want default :7600", cfg.Listen.StreamAddress)
	}
	if cfg.Ingest.ViolationCooldown.Std() != 5*time.Minute {
		t.Errorf("cooldown = %v, want 5m default", cfg.Ingest.ViolationCooldown.Std())
	}
	if len(cfg.Alerts.Tiers) != 2 || cfg.Alerts.Tiers[1].Std() != 10*time.Minute {
		t.Errorf("tiers = %v, want default [5m 10m]", cfg.Alerts.Tiers)
	}
}

func TestLoadFileParsesDurations(t *testing.T) {
	t.Parallel()

	path := writeConfig(t, `
environment: staging
auth:
  jwt_secret: s
ingest:
  violation_cooldown: 2m30s
  violation_alert_threshold_m: 75
  freshness_window: 45s
alerts:
  tiers: ["1m", "3m", "10m"]
  terminal_retention: 45m
`)
	cfg, err := LoadFile(path)
	if err != nil {
		t.Fatalf("LoadFile: %v", err)
	}
	if cfg.Ingest.ViolationCooldown.Std() != 2*time.Minute+30*time.Second {
		t.Errorf("cooldown = %v", cfg.Ingest.ViolationCooldown.Std())
	}
	if cfg.Ingest.ViolationAlertThresholdMeters != 75 {
		t.Errorf("alert threshold = %v", cfg.Ingest.ViolationAlertThresholdMeters)
	}
	if len(cfg.Alerts.Tiers) != 3 || cfg.Alerts.Tiers[0].Std() != time.Minute {
		t.Errorf("tiers = %v", cfg.Alerts.Tiers)
	}
	if cfg.Alerts.TerminalRetention.Std() != 45*time.Minute {
		t.Errorf("terminal retention = %v", cfg.Alerts.TerminalRetention.Std())
	}
}

func TestEnvironmentOverrides(t *testing.T) {
	t.Parallel()

	path := writeConfig(t, `
environment: production
auth:
  jwt_secret: s
cache:
  redis_address: localhost:6379
production:
  cache:
    redis_address: redis.internal:6379
  audit:
    path: /srv/aegis/audit.db
staging:
  cache:
    redis_address: redis.staging:6379
`)
	cfg, err := LoadFile(path)
	if err != nil {
		t.Fatalf("LoadFile: %v", err)
	}
	if cfg.Cache.RedisAddress != "redis.internal:6379" {
		t.Errorf("redis address = %q, want production override", cfg.Cache.RedisAddress)
	}
	if cfg.Audit.Path != "/srv/aegis/audit.db" {
		t.Errorf("audit path = %q, want production override", cfg.Audit.Path)
	}
}

func TestValidateRejectsBadConfig(t *testing.T) {
	t.Parallel()

	cases := []struct {
		name     string
		contents string
	}{
		{"missing secret", "environment: development\n"},
		{"bad network", "environment: development\nauth:\n  jwt_secret: s\nlisten:\n  stream_network: udp\n"},
		{"bad environment", "environment: sandbox\nauth:\n  jwt_secret: s\n"},
		{"empty tiers", "environment: development\nauth:\n  jwt_secret: s\nalerts:\n  tiers: []\n"},
		{"negative alert threshold", "environment: development\nauth:\n  jwt_secret: s\ningest:\n  violation_alert_threshold_m: -5\n"},
	}
	for _, tc := range cases {
		tc := tc
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()
			path := writeConfig(t, tc.contents)
			if _, err := LoadFile(path); err == nil {
				t.Fatalf("LoadFile accepted %s", tc.name)
			}
		})
	}
}

func TestLoadRequiresEnvVar(t *testing.T) {
	// Not parallel: manipulates the process environment.
	t.Setenv("AEGIS_CONFIG", "")
	if _, err := Load(); err == nil {
		t.Fatal("Load without AEGIS_CONFIG succeeded")
	}
}
