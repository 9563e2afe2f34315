// Copyright 2026 The Aegis Authors
// SPDX-License-Identifier: Apache-2.0

// Package coordinator composes the engine: it owns the stream server
// for agent and console connections, the REST API, and the
// ingest-evaluate-broadcast pipeline that ties the leaf components
// together.
package coordinator

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/aegis-security/aegis/alert"
	"github.com/aegis-security/aegis/audit"
	"github.com/aegis-security/aegis/geo"
	"github.com/aegis-security/aegis/lib/clock"
	"github.com/aegis-security/aegis/metrics"
	"github.com/aegis-security/aegis/ref"
	"github.com/aegis-security/aegis/router"
	"github.com/aegis-security/aegis/wire"
)

// Pipeline is the hot path for one location sample: validate and
// evaluate, refresh the latest-position cache, broadcast to the
// site and monitoring rooms, append to the audit sink, and create a
// security alert when a geofence violation clears the cooldown.
//
// Nothing on this path blocks: cache writes go to redis with the
// request context, audit writes are queued, broadcasts use
// non-blocking sends.
// PipelineConfig carries the pipeline's own tunables.
type PipelineConfig struct {
	// ViolationAlertThresholdMeters gates automatic SECURITY alerts: a
	// violation raises one only when the breach distance is at least
	// this many meters. Zero alerts on every violation. Violation
	// events are broadcast regardless.
	ViolationAlertThresholdMeters float64
}

type Pipeline struct {
	cfg      PipelineConfig
	ingestor *geo.Ingestor
	cache    geo.LatestCache
	router   *router.Router
	audit    *audit.Writer
	alerts   *alert.Engine
	clock    clock.Clock
	logger   *slog.Logger
	metrics  *metrics.Metrics
}

// NewPipeline wires the sample path. All collaborators are required.
func NewPipeline(
	cfg PipelineConfig,
	ingestor *geo.Ingestor,
	cache geo.LatestCache,
	broadcast *router.Router,
	auditWriter *audit.Writer,
	alerts *alert.Engine,
	clk clock.Clock,
	logger *slog.Logger,
	m *metrics.Metrics,
) *Pipeline {
	return &Pipeline{
		cfg:      cfg,
		ingestor: ingestor,
		cache:    cache,
		router:   broadcast,
		audit:    auditWriter,
		alerts:   alerts,
		clock:    clk,
		logger:   logger,
		metrics:  m,
	}
}

// HandleSample runs one sample through the pipeline and returns the
// ingest result. Validation failures return an error for the caller
// to surface to the originating connection; every other outcome is
// handled here.
func (p *Pipeline) HandleSample(ctx context.Context, sample geo.Sample) (geo.Result, error) {
	result, err := p.ingestor.Ingest(ctx, sample)
	if err != nil {
		p.metrics.SamplesIngested.WithLabelValues(wire.SampleRejected).Inc()
		return geo.Result{}, err
	}
	p.metrics.SamplesIngested.WithLabelValues(string(result.Outcome)).Inc()

	switch result.Outcome {
	case geo.OutcomeDroppedStale:
		// Out-of-order: dropped silently, not audited.
		return result, nil
	case geo.OutcomeDiscardedAccuracy:
		// Not broadcast, but still part of the audit record.
		p.audit.RecordLocationSample(result.Sample)
		return result, nil
	}

	if err := p.cache.SetLatest(ctx, result.Sample); err != nil {
		p.logger.Error("latest-position cache write failed",
			"agent_id", result.Sample.AgentID,
			"error", err,
		)
	}
	p.audit.RecordLocationSample(result.Sample)
	p.broadcast(ctx, wire.EventLocation, result.Sample.SiteID, result.Sample)

	if result.Violation != nil {
		p.metrics.Violations.Inc()
		p.broadcast(ctx, wire.EventViolation, result.Violation.SiteID, result.Violation)
		if result.Violation.DistanceMeters >= p.cfg.ViolationAlertThresholdMeters {
			p.raiseViolationAlert(ctx, *result.Violation)
		}
	}
	return result, nil
}

// broadcast publishes a payload to the site room and the global
// monitoring feed.
func (p *Pipeline) broadcast(ctx context.Context, kind string, site ref.SiteID, payload any) {
	now := p.clock.Now()
	for _, room := range []ref.RoomID{ref.SiteRoom(site), ref.MonitoringRoom()} {
		event, err := wire.NewEvent(kind, room, now, payload)
		if err != nil {
			p.logger.Error("encode broadcast event", "kind", kind, "error", err)
			return
		}
		p.router.Publish(ctx, event)
	}
}

// raiseViolationAlert opens a SECURITY alert for a geofence breach.
// The alert is system-created: no reporter, detail carries the
// distance for the responding supervisor.
func (p *Pipeline) raiseViolationAlert(ctx context.Context, violation geo.Violation) {
	_, err := p.alerts.Create(ctx, alert.CreateRequest{
		Type:    alert.TypeSecurity,
		AgentID: violation.AgentID,
		SiteID:  violation.SiteID,
		Detail: fmt.Sprintf("agent %s outside the geofence of site %s by %.0f m",
			violation.AgentID, violation.SiteID, violation.DistanceMeters),
	})
	if err != nil {
		p.logger.Error("violation alert creation failed",
			"agent_id", violation.AgentID,
			"site_id", violation.SiteID,
			"error", err,
		)
	}
}
