// Copyright 2026 The Aegis Authors
// SPDX-License-Identifier: Apache-2.0

// Package alert owns the emergency-alert state machine: creation,
// timed escalation through severity tiers, acknowledgment, and
// resolution. The hard invariant is that escalation timers and
// acknowledge/resolve calls are mutually exclusive — an escalation can
// never be recorded after a terminal transition.
package alert

import (
	"time"

	"github.com/aegis-security/aegis/ref"
)

// Type classifies the emergency.
type Type string

const (
	TypePanic    Type = "PANIC"
	TypeMedical  Type = "MEDICAL"
	TypeSecurity Type = "SECURITY"
	TypeFire     Type = "FIRE"
	TypeGeneral  Type = "GENERAL"
)

// ParseType validates an alert type string from a client request.
func ParseType(s string) (Type, error) {
	switch Type(s) {
	case TypePanic, TypeMedical, TypeSecurity, TypeFire, TypeGeneral:
		return Type(s), nil
	}
	return "", errUnknownType(s)
}

// Priority determines the level-0 audience treatment.
type Priority string

const (
	PriorityHigh   Priority = "HIGH"
	PriorityNormal Priority = "NORMAL"
)

// State is the alert lifecycle state. OPEN alerts escalate on timer
// expiry; ACKNOWLEDGED stops escalation but stays open for resolution;
// RESOLVED is terminal.
type State string

const (
	StateOpen         State = "OPEN"
	StateAcknowledged State = "ACKNOWLEDGED"
	StateResolved     State = "RESOLVED"
)

// Acknowledgment records one supervisor's acknowledgment.
type Acknowledgment struct {
	By ref.UserID `cbor:"by" json:"by"`
	At time.Time  `cbor:"at" json:"at"`
}

// Resolution is the terminal record.
type Resolution struct {
	By    ref.UserID `cbor:"by" json:"by"`
	At    time.Time  `cbor:"at" json:"at"`
	Notes string     `cbor:"notes,omitempty" json:"notes,omitempty"`
}

// Alert is one emergency alert. The engine owns the value for the
// alert's open lifetime; callers receive copies.
type Alert struct {
	ID       ref.AlertID `cbor:"id" json:"id"`
	Type     Type        `cbor:"type" json:"type"`
	AgentID  ref.AgentID `cbor:"agent_id,omitempty" json:"agent_id,omitempty"`
	SiteID   ref.SiteID  `cbor:"site_id" json:"site_id"`
	Priority Priority    `cbor:"priority" json:"priority"`

	// Level is the current escalation tier, 0-based, monotonically
	// non-decreasing until a terminal state.
	Level int   `cbor:"level" json:"level"`
	State State `cbor:"state" json:"state"`

	// Detail is free text from the trigger: the violation summary for
	// geofence alerts, the reporter's description for manual ones.
	Detail string `cbor:"detail,omitempty" json:"detail,omitempty"`

	// ReportedBy is the triggering user for manual alerts; empty for
	// system-created (geofence) alerts.
	ReportedBy ref.UserID `cbor:"reported_by,omitempty" json:"reported_by,omitempty"`

	Acknowledgments []Acknowledgment `cbor:"acknowledgments,omitempty" json:"acknowledgments,omitempty"`
	Resolution      *Resolution      `cbor:"resolution,omitempty" json:"resolution,omitempty"`

	CreatedAt time.Time `cbor:"created_at" json:"created_at"`
	UpdatedAt time.Time `cbor:"updated_at" json:"updated_at"`

	// LevelEnteredAt is when the alert reached its current level.
	// Recovery resumes escalation timers from this instant rather
	// than from process start.
	LevelEnteredAt time.Time `cbor:"level_entered_at" json:"level_entered_at"`
}

// Terminal reports whether the alert has left the escalating state.
// ACKNOWLEDGED is terminal for escalation even though resolution is
// still expected.
func (a Alert) Terminal() bool {
	return a.State != StateOpen
}

// EventKind classifies an alert transition for audit and broadcast.
type EventKind string

const (
	EventCreated      EventKind = "created"
	EventEscalated    EventKind = "escalated"
	EventAcknowledged EventKind = "acknowledged"
	EventResolved     EventKind = "resolved"
)

// Event is one alert transition: appended to the audit sink and fanned
// out to the alert's current audience. Alert is the post-transition
// snapshot.
type Event struct {
	AlertID   ref.AlertID `cbor:"alert_id" json:"alert_id"`
	Kind      EventKind   `cbor:"kind" json:"kind"`
	FromLevel int         `cbor:"from_level" json:"from_level"`
	ToLevel   int         `cbor:"to_level" json:"to_level"`
	Actor     ref.UserID  `cbor:"actor,omitempty" json:"actor,omitempty"`
	At        time.Time   `cbor:"at" json:"at"`
	Alert     Alert       `cbor:"alert" json:"alert"`
}
