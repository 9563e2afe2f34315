// Copyright 2026 The Aegis Authors
// SPDX-License-Identifier: Apache-2.0

// Command aegis-coordinator runs the real-time coordination engine:
// the framed stream endpoint for agent devices and supervisor
// consoles, the REST API, geofence evaluation, alert escalation, and
// the durable audit sink.
package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/pflag"

	"github.com/aegis-security/aegis/config"
	"github.com/aegis-security/aegis/coordinator"
	"github.com/aegis-security/aegis/directory"
	"github.com/aegis-security/aegis/lib/clock"
)

func main() {
	if err := run(); err != nil {
		fmt.Fprintf(os.Stderr, "aegis-coordinator: %v\n", err)
		os.Exit(1)
	}
}

func run() error {
	var (
		configPath string
		logLevel   string
	)
	pflag.StringVar(&configPath, "config", "", "path to aegis.yaml (defaults to $AEGIS_CONFIG)")
	pflag.StringVar(&logLevel, "log-level", "info", "log level: debug, info, warn, error")
	pflag.Parse()

	var level slog.Level
	if err := level.UnmarshalText([]byte(logLevel)); err != nil {
		return fmt.Errorf("invalid --log-level %q: %w", logLevel, err)
	}
	logger := slog.New(slog.NewJSONHandler(os.Stderr, &slog.HandlerOptions{Level: level}))
	slog.SetDefault(logger)

	var (
		cfg *config.Config
		err error
	)
	if configPath != "" {
		cfg, err = config.LoadFile(configPath)
	} else {
		cfg, err = config.Load()
	}
	if err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	// The in-memory directory serves single-node deployments; shift
	// and roster data arrives from the platform at startup or over
	// the admin surface.
	dir := directory.NewMemory()

	server, err := coordinator.New(cfg, dir, dir, clock.Real(), logger)
	if err != nil {
		return err
	}

	logger.Info("coordinator starting",
		"environment", cfg.Environment,
		"stream", cfg.Listen.StreamAddress,
		"http", cfg.Listen.HTTPAddress,
	)
	if err := server.Run(ctx); err != nil {
		return err
	}
	logger.Info("coordinator stopped")
	return nil
}
