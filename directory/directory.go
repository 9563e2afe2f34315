// Copyright 2026 The Aegis Authors
// SPDX-License-Identifier: Apache-2.0

// Package directory defines the engine's view of the platform
// directory: which shift an agent is on, which geofence governs it,
// and who must hear about a site's alerts at each escalation level.
// The platform's CRUD layer owns this data; the engine only reads it.
//
// Memory is the bundled implementation, suitable for tests and for
// single-node deployments where the coordinator process is fed shift
// and roster data at startup or over its admin surface.
package directory

import (
	"context"
	"sync"
	"time"

	"github.com/aegis-security/aegis/aegiserr"
	"github.com/aegis-security/aegis/geo"
	"github.com/aegis-security/aegis/ref"
)

// Service is the directory contract the engine consumes.
type Service interface {
	// ActiveShift returns the shift covering the agent at the given
	// time. Returns an error of kind Validation when the agent has no
	// active shift — samples from off-shift agents are rejected
	// outright.
	ActiveShift(ctx context.Context, agent ref.AgentID, at time.Time) (geo.Shift, error)

	// EscalationRooms returns the rooms notified at the given
	// escalation level for a site's alert. Widening is monotonic:
	// every room at level n is also at level n+1.
	EscalationRooms(ctx context.Context, site ref.SiteID, level int) ([]ref.RoomID, error)

	// RoomRoster returns the users entitled to a room's events, live
	// or not. The broadcast router queues events for roster members
	// without a connected session.
	RoomRoster(ctx context.Context, room ref.RoomID) ([]ref.UserID, error)
}

// Compile-time checks: Memory satisfies both the Service contract and
// the ingest evaluator's resolver interface.
var (
	_ Service           = (*Memory)(nil)
	_ geo.ShiftResolver = (*Memory)(nil)
)

// Memory is an in-memory directory.
type Memory struct {
	mu      sync.RWMutex
	shifts  []geo.Shift
	rosters map[ref.RoomID][]ref.UserID
}

// NewMemory creates an empty in-memory directory.
func NewMemory() *Memory {
	return &Memory{rosters: make(map[ref.RoomID][]ref.UserID)}
}

// AddShift registers a shift. Overlapping shifts for one agent are the
// scheduler's bug; lookup returns the first match.
func (m *Memory) AddShift(shift geo.Shift) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.shifts = append(m.shifts, shift)
}

// SetRoster replaces a room's roster.
func (m *Memory) SetRoster(room ref.RoomID, users []ref.UserID) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.rosters[room] = append([]ref.UserID(nil), users...)
}

// ActiveShift finds the shift covering the agent at the given time.
// The window is inclusive of its start and exclusive of its end.
func (m *Memory) ActiveShift(_ context.Context, agent ref.AgentID, at time.Time) (geo.Shift, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	for _, shift := range m.shifts {
		if shift.AgentID == agent && !at.Before(shift.Start) && at.Before(shift.End) {
			return shift, nil
		}
	}
	return geo.Shift{}, aegiserr.New(aegiserr.KindValidation, "agent %s has no active shift at %s", agent, at.Format(time.RFC3339))
}

// EscalationRooms widens the notified audience per level: the site's
// own room at level 0, the monitoring feed at level 1, the admin room
// at level 2 and beyond.
func (m *Memory) EscalationRooms(_ context.Context, site ref.SiteID, level int) ([]ref.RoomID, error) {
	rooms := []ref.RoomID{ref.SiteRoom(site)}
	if level >= 1 {
		rooms = append(rooms, ref.MonitoringRoom())
	}
	if level >= 2 {
		rooms = append(rooms, ref.AdminRoom())
	}
	return rooms, nil
}

// RoomRoster returns the configured roster for a room. An unknown room
// has an empty roster, which the router reports as a routing gap.
func (m *Memory) RoomRoster(_ context.Context, room ref.RoomID) ([]ref.UserID, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return append([]ref.UserID(nil), m.rosters[room]...), nil
}
