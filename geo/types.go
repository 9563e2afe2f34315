// Copyright 2026 The Aegis Authors
// SPDX-License-Identifier: Apache-2.0

// Package geo implements location ingest and geofence evaluation:
// sample validation, ordering enforcement, boundary testing for
// circular and polygon geofences, violation cooldown, and the
// latest-position cache.
package geo

import (
	"time"

	"github.com/aegis-security/aegis/ref"
)

// Point is a WGS84 coordinate.
type Point struct {
	Latitude  float64 `cbor:"lat" json:"lat"`
	Longitude float64 `cbor:"lon" json:"lon"`
}

// Sample is one position report from an agent's device. Immutable once
// accepted: written once to the audit sink and overwritten in the
// latest-position cache.
type Sample struct {
	AgentID  ref.AgentID `cbor:"agent_id" json:"agent_id"`
	SiteID   ref.SiteID  `cbor:"site_id" json:"site_id"`
	Position Point       `cbor:"position" json:"position"`

	// AccuracyMeters is the device-reported horizontal accuracy
	// radius. Samples above the configured ceiling are audited but
	// not broadcast.
	AccuracyMeters float64 `cbor:"accuracy_m" json:"accuracy_m"`

	// BatteryPercent is the device battery level, 0-100.
	BatteryPercent int `cbor:"battery_pct" json:"battery_pct"`

	// CapturedAt is the device-side capture timestamp. Ingest enforces
	// strict per-agent monotonicity on this field.
	CapturedAt time.Time `cbor:"captured_at" json:"captured_at"`
}

// Status classifies a cached sample by freshness for the polling
// fallback API: "active" within the freshness window, "stale" after.
const (
	StatusActive = "active"
	StatusStale  = "stale"
)

// FenceKind distinguishes the two geofence geometries.
type FenceKind string

const (
	FenceCircle  FenceKind = "circle"
	FencePolygon FenceKind = "polygon"
)

// Geofence is the bounded region associated with a site. Exactly one
// geofence governs an active shift. Circle fences use Center+Radius;
// polygon fences use Vertices (at least three, implicitly closed).
type Geofence struct {
	SiteID ref.SiteID `cbor:"site_id" json:"site_id"`
	Kind   FenceKind  `cbor:"kind" json:"kind"`

	Center       Point   `cbor:"center,omitempty" json:"center,omitempty"`
	RadiusMeters float64 `cbor:"radius_m,omitempty" json:"radius_m,omitempty"`

	Vertices []Point `cbor:"vertices,omitempty" json:"vertices,omitempty"`

	// SecurityLevel tags the fence for reporting ("standard", "high",
	// "restricted"). Not used in boundary math.
	SecurityLevel string `cbor:"security_level,omitempty" json:"security_level,omitempty"`
}

// Shift binds an agent to a site and its geofence for a time window.
// Resolved by the directory collaborator at ingest time.
type Shift struct {
	ID      ref.ShiftID
	AgentID ref.AgentID
	SiteID  ref.SiteID
	Fence   Geofence
	Start   time.Time
	End     time.Time
}

// Violation records a sample falling outside its shift's geofence.
// Never mutated after creation.
type Violation struct {
	AgentID ref.AgentID `cbor:"agent_id" json:"agent_id"`
	SiteID  ref.SiteID  `cbor:"site_id" json:"site_id"`
	Sample  Sample      `cbor:"sample" json:"sample"`

	// DistanceMeters is how far outside the boundary the sample fell.
	DistanceMeters float64 `cbor:"distance_m" json:"distance_m"`

	At time.Time `cbor:"at" json:"at"`
}
