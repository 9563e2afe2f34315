// Copyright 2026 The Aegis Authors
// SPDX-License-Identifier: Apache-2.0

// Package ref defines the typed identifiers shared across the
// coordination engine: agents, sites, users, shifts, and broadcast
// rooms. Using distinct types instead of bare strings prevents the
// classic mixup of passing an agent ID where a site ID is expected.
package ref

import (
	"fmt"
	"strings"
)

// AgentID identifies a field agent (the person pushing GPS samples).
type AgentID string

// SiteID identifies a client site with an associated geofence.
type SiteID string

// UserID identifies an authenticated platform user. Agents are users;
// so are supervisors, admins, and client contacts.
type UserID string

// ShiftID identifies a scheduled shift binding an agent to a site.
type ShiftID string

// AlertID identifies an emergency alert.
type AlertID string

func (a AgentID) String() string { return string(a) }
func (s SiteID) String() string  { return string(s) }
func (u UserID) String() string  { return string(u) }
func (s ShiftID) String() string { return string(s) }
func (a AlertID) String() string { return string(a) }

// Role is the authorization role resolved at session registration.
// A session's role is immutable for its lifetime; a role change
// requires re-authentication.
type Role string

const (
	RoleAgent      Role = "AGENT"
	RoleSupervisor Role = "SUPERVISOR"
	RoleAdmin      Role = "ADMIN"
	RoleClient     Role = "CLIENT"
)

// ParseRole validates a role string from an auth token claim.
func ParseRole(s string) (Role, error) {
	switch Role(strings.ToUpper(s)) {
	case RoleAgent:
		return RoleAgent, nil
	case RoleSupervisor:
		return RoleSupervisor, nil
	case RoleAdmin:
		return RoleAdmin, nil
	case RoleClient:
		return RoleClient, nil
	}
	return "", fmt.Errorf("unknown role %q", s)
}

// RoomID names a broadcast group. Rooms are structured identifiers,
// not free-form strings; the constructors below build the three
// room families the engine uses.
type RoomID string

func (r RoomID) String() string { return string(r) }

// MonitoringRoom is the global live-monitoring feed. Every accepted
// location sample and every alert event is published here.
func MonitoringRoom() RoomID { return "monitoring" }

// SiteRoom is the per-site feed: samples and alerts scoped to one
// site, joined by the site's supervisors and client contacts.
func SiteRoom(site SiteID) RoomID { return RoomID("site:" + site) }

// AdminRoom is the platform-wide administrator channel, added to an
// alert's audience at the final escalation tier.
func AdminRoom() RoomID { return "admins" }

// AgentRoom is the per-agent channel: events concerning a single
// agent, used for targeted delivery back to that agent's device.
func AgentRoom(agent AgentID) RoomID { return RoomID("agent:" + agent) }

// ParseRoom validates a room subscription string from a client frame.
// Accepted forms: "monitoring", "admins", "site:<id>", "agent:<id>".
func ParseRoom(s string) (RoomID, error) {
	switch {
	case s == "monitoring":
		return MonitoringRoom(), nil
	case s == "admins":
		return AdminRoom(), nil
	case strings.HasPrefix(s, "site:") && len(s) > len("site:"):
		return RoomID(s), nil
	case strings.HasPrefix(s, "agent:") && len(s) > len("agent:"):
		return RoomID(s), nil
	}
	return "", fmt.Errorf("invalid room %q", s)
}

// SiteOf extracts the site ID from a site room. Returns false for
// other room families.
func (r RoomID) SiteOf() (SiteID, bool) {
	if rest, ok := strings.CutPrefix(string(r), "site:"); ok {
		return SiteID(rest), true
	}
	return "", false
}
