// Copyright 2026 The Aegis Authors
// SPDX-License-Identifier: Apache-2.0

package registry

import (
	"context"
	"io"
	"log/slog"
	"testing"
	"time"

	"github.com/aegis-security/aegis/aegiserr"
	"github.com/aegis-security/aegis/auth"
	"github.com/aegis-security/aegis/lib/clock"
	"github.com/aegis-security/aegis/lib/testutil"
	"github.com/aegis-security/aegis/ref"
	"github.com/aegis-security/aegis/wire"
)

// staticValidator accepts any token equal to its key.
type staticValidator struct {
	token    string
	identity auth.Identity
}

func (v staticValidator) Validate(_ context.Context, token string) (auth.Identity, error) {
	if token != v.token {
		return auth.Identity{}, aegiserr.New(aegiserr.KindAuthentication, "bad token")
	}
	return v.identity, nil
}

func newTestRegistry(t *testing.T) (*Registry, *clock.FakeClock) {
	t.Helper()
	fake := clock.Fake(time.Date(2026, 3, 1, 8, 0, 0, 0, time.UTC))
	validator := staticValidator{
		token:    "good-token",
		identity: auth.Identity{UserID: "user-1", Role: ref.RoleSupervisor},
	}
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	return New(Config{}, validator, fake, logger), fake
}

func register(t *testing.T, reg *Registry) *Session {
	t.Helper()
	session, err := reg.Register(context.Background(), "good-token")
	if err != nil {
		t.Fatalf("Register: %v", err)
	}
	return session
}

func TestRegisterRejectsBadToken(t *testing.T) {
	t.Parallel()

	reg, _ := newTestRegistry(t)
	_, err := reg.Register(context.Background(), "forged")
	if !aegiserr.IsKind(err, aegiserr.KindAuthentication) {
		t.Fatalf("Register with bad token: %v, want authentication error", err)
	}
}

func TestJoinAndRoute(t *testing.T) {
	t.Parallel()

	reg, _ := newTestRegistry(t)
	first := register(t, reg)
	second := register(t, reg)

	room := ref.SiteRoom("site-1")
	if err := reg.Join(first, room); err != nil {
		t.Fatalf("Join: %v", err)
	}
	if err := reg.Join(second, room); err != nil {
		t.Fatalf("Join: %v", err)
	}
	if err := reg.Join(second, ref.MonitoringRoom()); err != nil {
		t.Fatalf("Join monitoring: %v", err)
	}

	if got := len(reg.Route(room)); got != 2 {
		t.Errorf("Route(site-1) returned %d sessions, want 2", got)
	}
	if got := len(reg.Route(ref.MonitoringRoom())); got != 1 {
		t.Errorf("Route(monitoring) returned %d sessions, want 1", got)
	}
	if got := reg.Route(ref.SiteRoom("site-other")); got != nil {
		t.Errorf("Route(empty room) = %v, want nil", got)
	}

	reg.Leave(first, room)
	if got := len(reg.Route(room)); got != 1 {
		t.Errorf("Route after leave returned %d sessions, want 1", got)
	}
}

func TestJoinEmitsPresence(t *testing.T) {
	t.Parallel()

	reg, _ := newTestRegistry(t)
	session := register(t, reg)

	room := ref.SiteRoom("site-1")
	if err := reg.Join(session, room); err != nil {
		t.Fatalf("Join: %v", err)
	}

	event := testutil.RequireReceive(t, reg.Presence(), 5*time.Second, "join presence event")
	if !event.Online || len(event.Rooms) != 1 || event.Rooms[0] != room {
		t.Errorf("presence event = %+v, want online for %s", event, room)
	}
	if event.UserID != "user-1" {
		t.Errorf("presence user = %s, want user-1", event.UserID)
	}

	// Re-joining the same room is a no-op with no second event.
	if err := reg.Join(session, room); err != nil {
		t.Fatalf("duplicate Join: %v", err)
	}
	testutil.RequireNoReceive(t, reg.Presence(), 100*time.Millisecond, "duplicate join presence")
}

func TestDisconnectClearsMemberships(t *testing.T) {
	t.Parallel()

	reg, _ := newTestRegistry(t)
	session := register(t, reg)

	siteRoom := ref.SiteRoom("site-1")
	if err := reg.Join(session, siteRoom); err != nil {
		t.Fatalf("Join: %v", err)
	}
	if err := reg.Join(session, ref.MonitoringRoom()); err != nil {
		t.Fatalf("Join: %v", err)
	}
	testutil.RequireReceive(t, reg.Presence(), 5*time.Second, "first join event")
	testutil.RequireReceive(t, reg.Presence(), 5*time.Second, "second join event")

	reg.Disconnect(session, "client closed")
	testutil.RequireClosed(t, session.Done(), 5*time.Second, "session done channel")

	offline := testutil.RequireReceive(t, reg.Presence(), 5*time.Second, "offline presence event")
	if offline.Online {
		t.Error("disconnect emitted an online event")
	}
	if len(offline.Rooms) != 2 {
		t.Errorf("offline event rooms = %v, want both held rooms", offline.Rooms)
	}
	if reg.Route(siteRoom) != nil {
		t.Error("disconnected session still routed")
	}

	// Idempotent: a second disconnect emits nothing and does not panic.
	reg.Disconnect(session, "again")
	testutil.RequireNoReceive(t, reg.Presence(), 100*time.Millisecond, "duplicate disconnect event")

	// Joining after disconnect fails.
	if err := reg.Join(session, siteRoom); !aegiserr.IsKind(err, aegiserr.KindStateConflict) {
		t.Errorf("Join after disconnect: %v, want state conflict", err)
	}
}

func TestSendNonBlocking(t *testing.T) {
	t.Parallel()

	fake := clock.Fake(time.Now())
	validator := staticValidator{token: "t", identity: auth.Identity{UserID: "u", Role: ref.RoleAgent, AgentID: "a"}}
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	reg := New(Config{OutboxBuffer: 2}, validator, fake, logger)

	session, err := reg.Register(context.Background(), "t")
	if err != nil {
		t.Fatalf("Register: %v", err)
	}

	event := wire.Event{Kind: wire.EventLocation, Room: ref.MonitoringRoom()}
	if !session.Send(event) || !session.Send(event) {
		t.Fatal("sends within buffer failed")
	}
	if session.Send(event) {
		t.Error("send into a full outbox succeeded, want drop")
	}

	got := testutil.RequireReceive(t, session.Outbox(), 5*time.Second, "buffered event")
	if got.Kind != wire.EventLocation {
		t.Errorf("outbox event kind = %s", got.Kind)
	}

	reg.Disconnect(session, "done")
	if session.Send(event) {
		t.Error("send to disconnected session succeeded")
	}
}

func TestIdleSweepDisconnects(t *testing.T) {
	t.Parallel()

	reg, fake := newTestRegistry(t)
	cfgIdle := DefaultConfig().IdleTimeout

	active := register(t, reg)
	idle := register(t, reg)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go reg.Run(ctx)
	fake.WaitForTimers(1)

	// Keep one session fresh across the idle window; let the other
	// expire.
	fake.Advance(cfgIdle / 2)
	reg.Touch(active)
	fake.Advance(cfgIdle - time.Second)

	testutil.RequireClosed(t, idle.Done(), 5*time.Second, "idle session done")
	select {
	case <-active.Done():
		t.Fatal("touched session was swept")
	default:
	}
}
