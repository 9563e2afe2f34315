// Copyright 2026 The Aegis Authors
// SPDX-License-Identifier: Apache-2.0

package geo

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/aegis-security/aegis/aegiserr"
	"github.com/aegis-security/aegis/lib/clock"
	"github.com/aegis-security/aegis/ref"
)

// ShiftResolver resolves an agent's active shift (and through it the
// governing geofence). Implemented by the directory collaborator.
type ShiftResolver interface {
	// ActiveShift returns the shift covering the agent at the given
	// time, or an error of kind Validation if none exists.
	ActiveShift(ctx context.Context, agent ref.AgentID, at time.Time) (Shift, error)
}

// Outcome classifies an ingest result. The string values match the
// wire protocol's SampleAck statuses.
type Outcome string

const (
	OutcomeAccepted          Outcome = "accepted"
	OutcomeDroppedStale      Outcome = "dropped_stale"
	OutcomeDiscardedAccuracy Outcome = "discarded_accuracy"
)

// Result is the evaluator's verdict on one sample. For rejected
// samples Ingest returns an error instead.
type Result struct {
	Outcome Outcome
	Sample  Sample
	Shift   Shift

	// Violation is set when the sample fell outside the geofence and
	// the per-agent cooldown allows a new violation. Suppressed
	// reports boundary breaches swallowed by the cooldown.
	Violation  *Violation
	Suppressed bool
}

// IngestorConfig carries the evaluator tunables.
type IngestorConfig struct {
	// AccuracyCeilingMeters discards (but still audits) samples whose
	// reported accuracy is worse than this.
	AccuracyCeilingMeters float64

	// ViolationCooldown is the minimum interval between violations for
	// the same agent; breaches inside the window are suppressed so GPS
	// jitter at a boundary cannot storm the alert engine.
	ViolationCooldown time.Duration
}

// Ingestor validates samples, enforces per-agent ordering, and tests
// geofence containment. It owns the per-agent last-accepted and
// last-violation tables — no other component writes them.
type Ingestor struct {
	resolver ShiftResolver
	cfg      IngestorConfig
	clock    clock.Clock
	logger   *slog.Logger

	mu sync.Mutex
	// lastAccepted maps agent → capture timestamp of the newest
	// accepted sample. Samples at or before it are dropped.
	lastAccepted map[ref.AgentID]time.Time
	// lastViolation maps agent → time of the last emitted violation,
	// for the cooldown window.
	lastViolation map[ref.AgentID]time.Time
}

// NewIngestor creates an evaluator. resolver, clk, and logger are
// required.
func NewIngestor(resolver ShiftResolver, cfg IngestorConfig, clk clock.Clock, logger *slog.Logger) *Ingestor {
	return &Ingestor{
		resolver:      resolver,
		cfg:           cfg,
		clock:         clk,
		logger:        logger,
		lastAccepted:  make(map[ref.AgentID]time.Time),
		lastViolation: make(map[ref.AgentID]time.Time),
	}
}

// Ingest evaluates one sample. Validation failures return an error
// (kind Validation). Out-of-order and low-accuracy samples return a
// Result with the corresponding non-accepted outcome and no error —
// they are not failures from the client's perspective.
func (in *Ingestor) Ingest(ctx context.Context, sample Sample) (Result, error) {
	if sample.AgentID == "" {
		return Result{}, aegiserr.New(aegiserr.KindValidation, "sample missing agent id")
	}
	if sample.CapturedAt.IsZero() {
		return Result{}, aegiserr.New(aegiserr.KindValidation, "sample missing capture timestamp")
	}
	if sample.Position.Latitude < -90 || sample.Position.Latitude > 90 ||
		sample.Position.Longitude < -180 || sample.Position.Longitude > 180 {
		return Result{}, aegiserr.New(aegiserr.KindValidation,
			"sample coordinates out of range: %f,%f", sample.Position.Latitude, sample.Position.Longitude)
	}

	shift, err := in.resolver.ActiveShift(ctx, sample.AgentID, sample.CapturedAt)
	if err != nil {
		return Result{}, err
	}
	sample.SiteID = shift.SiteID

	in.mu.Lock()
	if last, ok := in.lastAccepted[sample.AgentID]; ok && !sample.CapturedAt.After(last) {
		in.mu.Unlock()
		in.logger.Debug("dropped out-of-order sample",
			"agent_id", sample.AgentID,
			"captured_at", sample.CapturedAt,
			"last_accepted", last,
		)
		return Result{Outcome: OutcomeDroppedStale, Sample: sample, Shift: shift}, nil
	}

	if in.cfg.AccuracyCeilingMeters > 0 && sample.AccuracyMeters > in.cfg.AccuracyCeilingMeters {
		in.mu.Unlock()
		in.logger.Debug("discarded low-accuracy sample",
			"agent_id", sample.AgentID,
			"accuracy_m", sample.AccuracyMeters,
			"ceiling_m", in.cfg.AccuracyCeilingMeters,
		)
		return Result{Outcome: OutcomeDiscardedAccuracy, Sample: sample, Shift: shift}, nil
	}

	in.lastAccepted[sample.AgentID] = sample.CapturedAt

	result := Result{Outcome: OutcomeAccepted, Sample: sample, Shift: shift}
	if !shift.Fence.Contains(sample.Position) {
		now := in.clock.Now()
		if last, ok := in.lastViolation[sample.AgentID]; ok && now.Sub(last) < in.cfg.ViolationCooldown {
			result.Suppressed = true
		} else {
			in.lastViolation[sample.AgentID] = now
			result.Violation = &Violation{
				AgentID:        sample.AgentID,
				SiteID:         shift.SiteID,
				Sample:         sample,
				DistanceMeters: shift.Fence.DistanceOutside(sample.Position),
				At:             now,
			}
		}
	}
	in.mu.Unlock()

	if result.Violation != nil {
		in.logger.Info("geofence violation",
			"agent_id", sample.AgentID,
			"site_id", shift.SiteID,
			"distance_m", result.Violation.DistanceMeters,
		)
	}
	return result, nil
}
