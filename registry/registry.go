// Copyright 2026 The Aegis Authors
// SPDX-License-Identifier: Apache-2.0

// Package registry tracks authenticated sessions and their room
// memberships. It holds no business logic: it answers "who is in this
// room right now" for the broadcast router and emits presence events
// when that answer changes.
package registry

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/aegis-security/aegis/aegiserr"
	"github.com/aegis-security/aegis/auth"
	"github.com/aegis-security/aegis/lib/clock"
	"github.com/aegis-security/aegis/ref"
	"github.com/aegis-security/aegis/wire"
)

// Config carries the registry tunables.
type Config struct {
	// IdleTimeout disconnects sessions with no frame activity. Agents
	// send heartbeats well inside this window.
	IdleTimeout time.Duration

	// SweepInterval is how often the idle sweep runs.
	SweepInterval time.Duration

	// OutboxBuffer is the per-session outbound event buffer. The
	// router sends non-blocking; a full buffer drops the event for
	// that session.
	OutboxBuffer int

	// PresenceBuffer sizes the presence event channel consumed by the
	// router.
	PresenceBuffer int
}

// DefaultConfig returns production defaults.
func DefaultConfig() Config {
	return Config{
		IdleTimeout:    90 * time.Second,
		SweepInterval:  30 * time.Second,
		OutboxBuffer:   64,
		PresenceBuffer: 256,
	}
}

// Session is one live authenticated connection. The identity is
// resolved once at registration and never changes; a role change
// requires reconnecting with a new token.
type Session struct {
	ID       string
	Identity auth.Identity

	outbox chan wire.Event
	done   chan struct{}
}

// Outbox is the event stream for the connection's writer goroutine.
func (s *Session) Outbox() <-chan wire.Event { return s.outbox }

// Done is closed when the session is disconnected, by the client or
// by the idle sweep.
func (s *Session) Done() <-chan struct{} { return s.done }

// Send delivers an event to the session without blocking. It reports
// false if the session is gone or its outbox is full; a full outbox
// means the connection's writer is not keeping up and the event is
// dropped for this session only.
func (s *Session) Send(event wire.Event) bool {
	select {
	case <-s.done:
		return false
	default:
	}
	select {
	case s.outbox <- event:
		return true
	default:
		return false
	}
}

// PresenceEvent reports a membership change: a session joining a room,
// or a session disconnecting while holding room memberships. The
// router uses joins to flush queued messages and disconnects to start
// queueing.
type PresenceEvent struct {
	SessionID string
	UserID    ref.UserID
	Role      ref.Role

	// Rooms affected: the single joined room for an online event, or
	// every room the session held for an offline event.
	Rooms  []ref.RoomID
	Online bool
	At     time.Time
}

// Registry owns every Session. All mutation goes through its mutex;
// sessions themselves are immutable apart from their outbox.
type Registry struct {
	cfg       Config
	validator auth.Validator
	clock     clock.Clock
	logger    *slog.Logger

	presence chan PresenceEvent

	mu       sync.Mutex
	sessions map[string]*sessionState
	rooms    map[ref.RoomID]map[string]*Session
}

// sessionState is the registry-private mutable side of a session.
type sessionState struct {
	session  *Session
	rooms    map[ref.RoomID]struct{}
	lastSeen time.Time
}

// New creates a Registry. Zero config fields take defaults.
func New(cfg Config, validator auth.Validator, clk clock.Clock, logger *slog.Logger) *Registry {
	defaults := DefaultConfig()
	if cfg.IdleTimeout <= 0 {
		cfg.IdleTimeout = defaults.IdleTimeout
	}
	if cfg.SweepInterval <= 0 {
		cfg.SweepInterval = defaults.SweepInterval
	}
	if cfg.OutboxBuffer <= 0 {
		cfg.OutboxBuffer = defaults.OutboxBuffer
	}
	if cfg.PresenceBuffer <= 0 {
		cfg.PresenceBuffer = defaults.PresenceBuffer
	}
	return &Registry{
		cfg:       cfg,
		validator: validator,
		clock:     clk,
		logger:    logger,
		presence:  make(chan PresenceEvent, cfg.PresenceBuffer),
		sessions:  make(map[string]*sessionState),
		rooms:     make(map[ref.RoomID]map[string]*Session),
	}
}

// Presence is the membership-change stream. A single consumer (the
// router) must drain it; events are dropped with a warning if the
// buffer overflows.
func (r *Registry) Presence() <-chan PresenceEvent { return r.presence }

// Register validates the token and creates a live session.
func (r *Registry) Register(ctx context.Context, token string) (*Session, error) {
	identity, err := r.validator.Validate(ctx, token)
	if err != nil {
		return nil, err
	}

	session := &Session{
		ID:       uuid.NewString(),
		Identity: identity,
		outbox:   make(chan wire.Event, r.cfg.OutboxBuffer),
		done:     make(chan struct{}),
	}

	r.mu.Lock()
	r.sessions[session.ID] = &sessionState{
		session:  session,
		rooms:    make(map[ref.RoomID]struct{}),
		lastSeen: r.clock.Now(),
	}
	r.mu.Unlock()

	r.logger.Info("session registered",
		"session_id", session.ID,
		"user_id", identity.UserID,
		"role", identity.Role,
	)
	return session, nil
}

// Join adds the session to a room and emits an online presence event
// for it.
func (r *Registry) Join(session *Session, room ref.RoomID) error {
	r.mu.Lock()
	state, ok := r.sessions[session.ID]
	if !ok {
		r.mu.Unlock()
		return aegiserr.New(aegiserr.KindStateConflict, "session %s is not live", session.ID)
	}
	if _, member := state.rooms[room]; member {
		r.mu.Unlock()
		return nil
	}
	state.rooms[room] = struct{}{}
	members, ok := r.rooms[room]
	if !ok {
		members = make(map[string]*Session)
		r.rooms[room] = members
	}
	members[session.ID] = session
	now := r.clock.Now()
	r.mu.Unlock()

	r.emit(PresenceEvent{
		SessionID: session.ID,
		UserID:    session.Identity.UserID,
		Role:      session.Identity.Role,
		Rooms:     []ref.RoomID{room},
		Online:    true,
		At:        now,
	})
	return nil
}

// Leave removes the session from a room. Leaving a room the session
// never joined is a no-op.
func (r *Registry) Leave(session *Session, room ref.RoomID) {
	r.mu.Lock()
	defer r.mu.Unlock()
	state, ok := r.sessions[session.ID]
	if !ok {
		return
	}
	delete(state.rooms, room)
	r.removeFromRoomLocked(session.ID, room)
}

// Route returns the live sessions currently joined to a room.
func (r *Registry) Route(room ref.RoomID) []*Session {
	r.mu.Lock()
	defer r.mu.Unlock()
	members := r.rooms[room]
	if len(members) == 0 {
		return nil
	}
	live := make([]*Session, 0, len(members))
	for _, session := range members {
		live = append(live, session)
	}
	return live
}

// Touch refreshes the session's last-seen time. Called for every
// inbound frame, heartbeats included.
func (r *Registry) Touch(session *Session) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if state, ok := r.sessions[session.ID]; ok {
		state.lastSeen = r.clock.Now()
	}
}

// Disconnect removes the session from every room, closes its done
// channel, and emits an offline presence event carrying the rooms it
// held. Safe to call more than once.
func (r *Registry) Disconnect(session *Session, reason string) {
	r.mu.Lock()
	state, ok := r.sessions[session.ID]
	if !ok {
		r.mu.Unlock()
		return
	}
	delete(r.sessions, session.ID)
	held := make([]ref.RoomID, 0, len(state.rooms))
	for room := range state.rooms {
		held = append(held, room)
		r.removeFromRoomLocked(session.ID, room)
	}
	now := r.clock.Now()
	r.mu.Unlock()

	close(session.done)
	r.emit(PresenceEvent{
		SessionID: session.ID,
		UserID:    session.Identity.UserID,
		Role:      session.Identity.Role,
		Rooms:     held,
		Online:    false,
		At:        now,
	})

	r.logger.Info("session disconnected",
		"session_id", session.ID,
		"user_id", session.Identity.UserID,
		"reason", reason,
	)
}

// Run drives the idle sweep until the context is cancelled. Sessions
// with no activity inside IdleTimeout are forcibly disconnected,
// which triggers queue-based fallback for their room memberships.
func (r *Registry) Run(ctx context.Context) {
	ticker := r.clock.NewTicker(r.cfg.SweepInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			r.sweep()
		}
	}
}

func (r *Registry) sweep() {
	cutoff := r.clock.Now().Add(-r.cfg.IdleTimeout)

	r.mu.Lock()
	var idle []*Session
	for _, state := range r.sessions {
		if state.lastSeen.Before(cutoff) {
			idle = append(idle, state.session)
		}
	}
	r.mu.Unlock()

	for _, session := range idle {
		r.Disconnect(session, "idle timeout")
	}
}

// removeFromRoomLocked drops a membership entry, deleting the room's
// map once empty. Must be called with r.mu held.
func (r *Registry) removeFromRoomLocked(sessionID string, room ref.RoomID) {
	members, ok := r.rooms[room]
	if !ok {
		return
	}
	delete(members, sessionID)
	if len(members) == 0 {
		delete(r.rooms, room)
	}
}

func (r *Registry) emit(event PresenceEvent) {
	select {
	case r.presence <- event:
	default:
		r.logger.Warn("presence event dropped",
			"session_id", event.SessionID,
			"online", event.Online,
		)
	}
}
