// Copyright 2026 The Aegis Authors
// SPDX-License-Identifier: Apache-2.0

package geo

import (
	"context"
	"io"
	"log/slog"
	"testing"
	"time"

	"github.com/aegis-security/aegis/aegiserr"
	"github.com/aegis-security/aegis/lib/clock"
	"github.com/aegis-security/aegis/ref"
)

var ingestEpoch = time.Date(2026, 3, 1, 8, 0, 0, 0, time.UTC)

// staticResolver returns one fixed shift for a single agent.
type staticResolver struct {
	shift Shift
}

func (r *staticResolver) ActiveShift(_ context.Context, agent ref.AgentID, _ time.Time) (Shift, error) {
	if agent != r.shift.AgentID {
		return Shift{}, aegiserr.New(aegiserr.KindValidation, "agent %s has no active shift", agent)
	}
	return r.shift, nil
}

func testShift(agent ref.AgentID) Shift {
	center := Point{Latitude: 40.0, Longitude: -74.0}
	return Shift{
		ID:      "shift-1",
		AgentID: agent,
		SiteID:  "site-1",
		Fence:   Geofence{SiteID: "site-1", Kind: FenceCircle, Center: center, RadiusMeters: 100},
		Start:   ingestEpoch.Add(-time.Hour),
		End:     ingestEpoch.Add(8 * time.Hour),
	}
}

func testIngestor(t *testing.T, agent ref.AgentID, fake *clock.FakeClock) *Ingestor {
	t.Helper()
	cfg := IngestorConfig{
		AccuracyCeilingMeters: 50,
		ViolationCooldown:     5 * time.Minute,
	}
	return NewIngestor(&staticResolver{shift: testShift(agent)}, cfg, fake, slog.New(slog.NewTextHandler(io.Discard, nil)))
}

func insideSample(agent ref.AgentID, at time.Time) Sample {
	return Sample{
		AgentID:        agent,
		Position:       Point{Latitude: 40.0, Longitude: -74.0},
		AccuracyMeters: 10,
		BatteryPercent: 80,
		CapturedAt:     at,
	}
}

func outsideSample(agent ref.AgentID, at time.Time) Sample {
	// ~150m east of the fence center.
	sample := insideSample(agent, at)
	sample.Position = pointAtDistance(Point{Latitude: 40.0, Longitude: -74.0}, 150)
	return sample
}

func TestIngestAcceptsInOrderSamples(t *testing.T) {
	t.Parallel()
	fake := clock.Fake(ingestEpoch)
	ingestor := testIngestor(t, "agent-1", fake)

	for i := 0; i < 3; i++ {
		result, err := ingestor.Ingest(context.Background(), insideSample("agent-1", ingestEpoch.Add(time.Duration(i)*time.Second)))
		if err != nil {
			t.Fatalf("Ingest sample %d: %v", i, err)
		}
		if result.Outcome != OutcomeAccepted {
			t.Fatalf("sample %d outcome = %s, want accepted", i, result.Outcome)
		}
		if result.Sample.SiteID != "site-1" {
			t.Fatalf("sample %d site = %s, want site-1", i, result.Sample.SiteID)
		}
	}
}

func TestIngestDropsOutOfOrderSample(t *testing.T) {
	t.Parallel()
	fake := clock.Fake(ingestEpoch)
	ingestor := testIngestor(t, "agent-1", fake)

	if _, err := ingestor.Ingest(context.Background(), insideSample("agent-1", ingestEpoch.Add(10*time.Second))); err != nil {
		t.Fatalf("Ingest: %v", err)
	}

	// Earlier timestamp arrives late.
	result, err := ingestor.Ingest(context.Background(), insideSample("agent-1", ingestEpoch.Add(5*time.Second)))
	if err != nil {
		t.Fatalf("Ingest out-of-order returned error: %v", err)
	}
	if result.Outcome != OutcomeDroppedStale {
		t.Errorf("outcome = %s, want dropped_stale", result.Outcome)
	}

	// Equal timestamp is also a drop — accepted timestamps are
	// strictly increasing.
	result, err = ingestor.Ingest(context.Background(), insideSample("agent-1", ingestEpoch.Add(10*time.Second)))
	if err != nil {
		t.Fatalf("Ingest equal-timestamp returned error: %v", err)
	}
	if result.Outcome != OutcomeDroppedStale {
		t.Errorf("equal timestamp outcome = %s, want dropped_stale", result.Outcome)
	}
}

func TestIngestDiscardsLowAccuracy(t *testing.T) {
	t.Parallel()
	fake := clock.Fake(ingestEpoch)
	ingestor := testIngestor(t, "agent-1", fake)

	sample := insideSample("agent-1", ingestEpoch.Add(time.Second))
	sample.AccuracyMeters = 80

	result, err := ingestor.Ingest(context.Background(), sample)
	if err != nil {
		t.Fatalf("Ingest: %v", err)
	}
	if result.Outcome != OutcomeDiscardedAccuracy {
		t.Errorf("outcome = %s, want discarded_accuracy", result.Outcome)
	}

	// A discarded sample must not advance the ordering watermark.
	repeat, err := ingestor.Ingest(context.Background(), insideSample("agent-1", ingestEpoch.Add(time.Second)))
	if err != nil {
		t.Fatalf("Ingest after discard: %v", err)
	}
	if repeat.Outcome != OutcomeAccepted {
		t.Errorf("outcome after discard = %s, want accepted", repeat.Outcome)
	}
}

func TestIngestRejectsUnknownAgent(t *testing.T) {
	t.Parallel()
	fake := clock.Fake(ingestEpoch)
	ingestor := testIngestor(t, "agent-1", fake)

	_, err := ingestor.Ingest(context.Background(), insideSample("agent-2", ingestEpoch))
	if !aegiserr.IsKind(err, aegiserr.KindValidation) {
		t.Fatalf("err = %v, want Validation error", err)
	}
}

func TestIngestRejectsMalformedSamples(t *testing.T) {
	t.Parallel()
	fake := clock.Fake(ingestEpoch)
	ingestor := testIngestor(t, "agent-1", fake)

	badLatitude := insideSample("agent-1", ingestEpoch)
	badLatitude.Position.Latitude = 91
	if _, err := ingestor.Ingest(context.Background(), badLatitude); !aegiserr.IsKind(err, aegiserr.KindValidation) {
		t.Errorf("bad latitude: err = %v, want Validation", err)
	}

	noTimestamp := insideSample("agent-1", time.Time{})
	if _, err := ingestor.Ingest(context.Background(), noTimestamp); !aegiserr.IsKind(err, aegiserr.KindValidation) {
		t.Errorf("zero timestamp: err = %v, want Validation", err)
	}
}

func TestIngestEmitsViolationOutsideFence(t *testing.T) {
	t.Parallel()
	fake := clock.Fake(ingestEpoch)
	ingestor := testIngestor(t, "agent-1", fake)

	result, err := ingestor.Ingest(context.Background(), outsideSample("agent-1", ingestEpoch.Add(time.Second)))
	if err != nil {
		t.Fatalf("Ingest: %v", err)
	}
	if result.Outcome != OutcomeAccepted {
		t.Fatalf("outcome = %s, want accepted (violating samples are still accepted)", result.Outcome)
	}
	if result.Violation == nil {
		t.Fatal("no violation for a sample 150m from a 100m fence")
	}
	if result.Violation.DistanceMeters < 49 || result.Violation.DistanceMeters > 51 {
		t.Errorf("violation distance = %.2fm, want ~50m", result.Violation.DistanceMeters)
	}
}

func TestIngestViolationCooldownSuppressesRepeat(t *testing.T) {
	t.Parallel()
	fake := clock.Fake(ingestEpoch)
	ingestor := testIngestor(t, "agent-1", fake)

	first, err := ingestor.Ingest(context.Background(), outsideSample("agent-1", ingestEpoch.Add(time.Second)))
	if err != nil {
		t.Fatalf("Ingest: %v", err)
	}
	if first.Violation == nil {
		t.Fatal("first breach produced no violation")
	}

	// Two minutes later, still outside: suppressed by the 5m cooldown.
	fake.Advance(2 * time.Minute)
	second, err := ingestor.Ingest(context.Background(), outsideSample("agent-1", ingestEpoch.Add(2*time.Minute)))
	if err != nil {
		t.Fatalf("Ingest: %v", err)
	}
	if second.Violation != nil {
		t.Error("violation emitted inside the cooldown window")
	}
	if !second.Suppressed {
		t.Error("suppressed breach not flagged")
	}

	// Past the cooldown, a new violation fires.
	fake.Advance(4 * time.Minute)
	third, err := ingestor.Ingest(context.Background(), outsideSample("agent-1", ingestEpoch.Add(7*time.Minute)))
	if err != nil {
		t.Fatalf("Ingest: %v", err)
	}
	if third.Violation == nil {
		t.Error("no violation after the cooldown expired")
	}
}
