// Copyright 2026 The Aegis Authors
// SPDX-License-Identifier: Apache-2.0

package coordinator

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/redis/go-redis/v9"

	"github.com/aegis-security/aegis/alert"
	"github.com/aegis-security/aegis/audit"
	"github.com/aegis-security/aegis/auth"
	"github.com/aegis-security/aegis/config"
	"github.com/aegis-security/aegis/directory"
	"github.com/aegis-security/aegis/geo"
	"github.com/aegis-security/aegis/lib/clock"
	"github.com/aegis-security/aegis/metrics"
	"github.com/aegis-security/aegis/registry"
	"github.com/aegis-security/aegis/router"
	"github.com/aegis-security/aegis/transport"
)

// Server assembles the coordination engine: session registry, ingest
// pipeline, escalation engine, broadcast router, audit sink, and the
// two serving surfaces (stream and REST).
type Server struct {
	cfg    *config.Config
	clock  clock.Clock
	logger *slog.Logger

	registry *registry.Registry
	router   *router.Router
	alerts   *alert.Engine
	writer   *audit.Writer
	store    *audit.SQLiteStore
	redis    *redis.Client

	stream *StreamServer
	api    *APIServer
}

// New wires the engine from configuration. The directory supplies
// shift, geofence, and roster data; clk is injectable for tests.
func New(cfg *config.Config, dir directory.Service, shiftResolver geo.ShiftResolver, clk clock.Clock, logger *slog.Logger) (*Server, error) {
	promRegistry := prometheus.NewRegistry()
	m := metrics.New(promRegistry)

	validator := auth.NewJWTValidator([]byte(cfg.Auth.JWTSecret), cfg.Auth.Issuer, clk)

	reg := registry.New(registry.Config{
		IdleTimeout:   cfg.Registry.IdleTimeout.Std(),
		SweepInterval: cfg.Registry.SweepInterval.Std(),
		OutboxBuffer:  cfg.Registry.OutboxBuffer,
	}, validator, clk, logger)

	broadcast := router.New(router.Config{
		LocationRetention: cfg.Router.LocationRetention.Std(),
		AlertRetention:    cfg.Router.AlertRetention.Std(),
		SweepInterval:     cfg.Router.SweepInterval.Std(),
	}, reg, dir, clk, logger, m)

	store, err := audit.OpenSQLite(cfg.Audit.Path, logger)
	if err != nil {
		return nil, fmt.Errorf("opening audit store: %w", err)
	}
	writer := audit.NewWriter(audit.WriterConfig{
		QueueSize:      cfg.Audit.QueueSize,
		MaxAttempts:    cfg.Audit.MaxAttempts,
		InitialBackoff: cfg.Audit.InitialBackoff.Std(),
	}, store, clk, logger, m)

	tiers := make([]time.Duration, len(cfg.Alerts.Tiers))
	for i, tier := range cfg.Alerts.Tiers {
		tiers[i] = tier.Std()
	}
	priorities := make(map[alert.Type]alert.Priority, len(cfg.Alerts.HighPriorityTypes))
	for _, raw := range cfg.Alerts.HighPriorityTypes {
		alertType, err := alert.ParseType(raw)
		if err != nil {
			return nil, fmt.Errorf("alerts.high_priority_types: %w", err)
		}
		priorities[alertType] = alert.PriorityHigh
	}
	engine := alert.NewEngine(
		alert.Config{
			Tiers:             tiers,
			Priorities:        priorities,
			TerminalRetention: cfg.Alerts.TerminalRetention.Std(),
		},
		dir,
		&alertPublisher{router: broadcast, logger: logger, metrics: m},
		writer,
		store,
		clk,
		logger,
	)

	redisClient := redis.NewClient(&redis.Options{Addr: cfg.Cache.RedisAddress})
	cache := geo.NewRedisCache(redisClient, geo.WithTTL(cfg.Cache.TTL.Std()))

	ingestor := geo.NewIngestor(shiftResolver, geo.IngestorConfig{
		AccuracyCeilingMeters: cfg.Ingest.AccuracyCeilingMeters,
		ViolationCooldown:     cfg.Ingest.ViolationCooldown.Std(),
	}, clk, logger)

	pipeline := NewPipeline(PipelineConfig{
		ViolationAlertThresholdMeters: cfg.Ingest.ViolationAlertThresholdMeters,
	}, ingestor, cache, broadcast, writer, engine, clk, logger, m)

	return &Server{
		cfg:      cfg,
		clock:    clk,
		logger:   logger,
		registry: reg,
		router:   broadcast,
		alerts:   engine,
		writer:   writer,
		store:    store,
		redis:    redisClient,
		stream:   NewStreamServer(reg, pipeline, clk, logger, m),
		api:      NewAPIServer(engine, cache, validator, clk, logger, promRegistry, cfg.Ingest.FreshnessWindow.Std()),
	}, nil
}

// Run serves until the context is cancelled, then drains. Open alerts
// recorded before the last shutdown are restored first so escalation
// resumes where it left off.
func (s *Server) Run(ctx context.Context) error {
	open, err := s.store.LoadOpenAlerts(ctx)
	if err != nil {
		return fmt.Errorf("loading open alerts: %w", err)
	}
	if len(open) > 0 {
		s.logger.Info("restoring open alerts", "count", len(open))
		s.alerts.Restore(ctx, open)
	}

	listener, err := s.listen()
	if err != nil {
		return err
	}

	// A serving failure cancels the workers the same way an external
	// shutdown signal does.
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	httpServer := &http.Server{
		Addr:    s.cfg.Listen.HTTPAddress,
		Handler: s.api.Router(),
	}

	var wg sync.WaitGroup
	errCh := make(chan error, 2)

	wg.Add(3)
	go func() {
		defer wg.Done()
		s.registry.Run(ctx)
	}()
	go func() {
		defer wg.Done()
		s.router.Run(ctx)
	}()
	go func() {
		defer wg.Done()
		s.writer.Run(ctx)
	}()

	go func() {
		if err := listener.Serve(ctx, s.stream.HandleConn); err != nil && ctx.Err() == nil {
			errCh <- fmt.Errorf("stream listener: %w", err)
		}
	}()
	go func() {
		s.logger.Info("http listening", "address", httpServer.Addr)
		if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- fmt.Errorf("http server: %w", err)
		}
	}()

	var runErr error
	select {
	case <-ctx.Done():
	case runErr = <-errCh:
		cancel()
	}

	shutdownCtx, cancelShutdown := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancelShutdown()
	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		s.logger.Warn("http shutdown", "error", err)
	}
	listener.Close()

	// The worker goroutines drain on ctx cancellation; the audit writer
	// flushes its queue before returning.
	wg.Wait()

	if err := s.redis.Close(); err != nil {
		s.logger.Warn("closing redis client", "error", err)
	}
	if err := s.store.Close(); err != nil {
		s.logger.Warn("closing audit store", "error", err)
	}
	return runErr
}

func (s *Server) listen() (*transport.StreamListener, error) {
	switch s.cfg.Listen.StreamNetwork {
	case "unix":
		return transport.ListenUnix(s.cfg.Listen.StreamAddress, s.logger)
	default:
		return transport.ListenTCP(s.cfg.Listen.StreamAddress, s.logger)
	}
}
