// Copyright 2026 The Aegis Authors
// SPDX-License-Identifier: Apache-2.0

// Package router fans events out to room subscribers. Live sessions
// receive immediately over non-blocking buffered channels; known room
// members without a live session get a queued copy, flushed in publish
// order when they reconnect. Queued events past their retention window
// are dropped, not delivered stale.
package router

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/aegis-security/aegis/aegiserr"
	"github.com/aegis-security/aegis/lib/clock"
	"github.com/aegis-security/aegis/metrics"
	"github.com/aegis-security/aegis/ref"
	"github.com/aegis-security/aegis/registry"
	"github.com/aegis-security/aegis/wire"
)

// Roster resolves the known membership of a room, live or not.
// Implemented by the directory.
type Roster interface {
	RoomRoster(ctx context.Context, room ref.RoomID) ([]ref.UserID, error)
}

// Config carries the router tunables.
type Config struct {
	// LocationRetention bounds how long location and presence events
	// wait in an offline recipient's queue.
	LocationRetention time.Duration

	// AlertRetention bounds alert events, which are kept longer given
	// their audit importance.
	AlertRetention time.Duration

	// SweepInterval is how often expired queue entries are collected.
	SweepInterval time.Duration
}

// DefaultConfig returns production defaults: 24h for location events,
// 72h for alert events.
func DefaultConfig() Config {
	return Config{
		LocationRetention: 24 * time.Hour,
		AlertRetention:    72 * time.Hour,
		SweepInterval:     5 * time.Minute,
	}
}

// QueuedMessage is one event held for an offline room member.
type QueuedMessage struct {
	Recipient  ref.UserID
	Room       ref.RoomID
	Event      wire.Event
	EnqueuedAt time.Time
	Attempts   int
}

// queueKey addresses one recipient's backlog for one room.
type queueKey struct {
	user ref.UserID
	room ref.RoomID
}

// Router is the broadcast fanout. Publish assigns each event a
// per-room sequence number and delivers it; Run consumes presence
// events to flush queues and sweeps retention.
type Router struct {
	cfg      Config
	registry *registry.Registry
	roster   Roster
	clock    clock.Clock
	logger   *slog.Logger
	metrics  *metrics.Metrics

	mu     sync.Mutex
	seq    map[ref.RoomID]uint64
	queues map[queueKey][]QueuedMessage
	depth  int
}

// New creates a Router. Zero config fields take defaults.
func New(cfg Config, reg *registry.Registry, roster Roster, clk clock.Clock, logger *slog.Logger, m *metrics.Metrics) *Router {
	defaults := DefaultConfig()
	if cfg.LocationRetention <= 0 {
		cfg.LocationRetention = defaults.LocationRetention
	}
	if cfg.AlertRetention <= 0 {
		cfg.AlertRetention = defaults.AlertRetention
	}
	if cfg.SweepInterval <= 0 {
		cfg.SweepInterval = defaults.SweepInterval
	}
	return &Router{
		cfg:      cfg,
		registry: reg,
		roster:   roster,
		clock:    clk,
		logger:   logger,
		metrics:  m,
		seq:      make(map[ref.RoomID]uint64),
		queues:   make(map[queueKey][]QueuedMessage),
	}
}

// Publish delivers an event to every member of its room: immediately
// to live sessions, queued for roster members currently offline.
// Presence events are live-only; they have no value after the fact.
//
// An empty room (no live sessions and no roster) is a routing error,
// logged and counted but never fatal.
func (r *Router) Publish(ctx context.Context, event wire.Event) {
	room := event.Room
	now := r.clock.Now()

	r.mu.Lock()
	r.seq[room]++
	event.Seq = r.seq[room]
	r.mu.Unlock()

	r.metrics.EventsPublished.WithLabelValues(event.Kind).Inc()

	live := r.registry.Route(room)
	onlineUsers := make(map[ref.UserID]bool, len(live))
	for _, session := range live {
		onlineUsers[session.Identity.UserID] = true
		if session.Send(event) {
			r.metrics.EventsDelivered.Inc()
		} else {
			r.metrics.EventsDropped.Inc()
			r.logger.Warn("event dropped for slow session",
				"session_id", session.ID,
				"room", room,
				"kind", event.Kind,
			)
		}
	}

	if event.Kind == wire.EventPresence {
		return
	}

	known, err := r.roster.RoomRoster(ctx, room)
	if err != nil {
		r.logger.Error("roster lookup failed", "room", room, "error", err)
		return
	}
	if len(live) == 0 && len(known) == 0 {
		err := aegiserr.New(aegiserr.KindRouting, "room %s has no known recipients", room)
		r.logger.Warn("publish to empty room", "room", room, "kind", event.Kind, "error", err)
		return
	}

	r.mu.Lock()
	for _, user := range known {
		if onlineUsers[user] {
			continue
		}
		key := queueKey{user: user, room: room}
		r.queues[key] = append(r.queues[key], QueuedMessage{
			Recipient:  user,
			Room:       room,
			Event:      event,
			EnqueuedAt: now,
		})
		r.depth++
		r.metrics.EventsQueued.Inc()
	}
	r.metrics.QueueDepth.Set(float64(r.depth))
	r.mu.Unlock()
}

// Run consumes presence events and sweeps queue retention until the
// context is cancelled.
func (r *Router) Run(ctx context.Context) {
	ticker := r.clock.NewTicker(r.cfg.SweepInterval)
	defer ticker.Stop()
	presence := r.registry.Presence()
	for {
		select {
		case <-ctx.Done():
			return
		case event := <-presence:
			r.handlePresence(ctx, event)
		case <-ticker.C:
			r.sweep()
		}
	}
}

// handlePresence flushes queued backlogs on join and announces the
// change to the affected rooms.
func (r *Router) handlePresence(ctx context.Context, event registry.PresenceEvent) {
	if event.Online {
		for _, room := range event.Rooms {
			r.flush(event.SessionID, event.UserID, room)
		}
	}

	for _, room := range event.Rooms {
		announcement, err := wire.NewEvent(wire.EventPresence, room, event.At, presenceNotice{
			UserID: event.UserID,
			Role:   event.Role,
			Online: event.Online,
		})
		if err != nil {
			r.logger.Error("encode presence event", "error", err)
			return
		}
		r.Publish(ctx, announcement)
	}
}

// presenceNotice is the payload of a presence broadcast.
type presenceNotice struct {
	UserID ref.UserID `cbor:"user_id"`
	Role   ref.Role   `cbor:"role"`
	Online bool       `cbor:"online"`
}

// flush delivers a recipient's backlog for one room to the session
// that just joined, in enqueue order, each event exactly once. A full
// outbox stops the flush; undelivered messages stay queued for the
// next join.
func (r *Router) flush(sessionID string, user ref.UserID, room ref.RoomID) {
	key := queueKey{user: user, room: room}

	r.mu.Lock()
	pending := r.queues[key]
	delete(r.queues, key)
	r.depth -= len(pending)
	r.mu.Unlock()

	if len(pending) == 0 {
		return
	}

	var target *registry.Session
	for _, session := range r.registry.Route(room) {
		if session.ID == sessionID {
			target = session
			break
		}
	}

	delivered := 0
	if target != nil {
		for _, queued := range pending {
			if !target.Send(queued.Event) {
				break
			}
			delivered++
		}
	}
	r.metrics.EventsFlushed.Add(float64(delivered))

	if delivered < len(pending) {
		remainder := pending[delivered:]
		for i := range remainder {
			remainder[i].Attempts++
		}
		r.mu.Lock()
		r.queues[key] = append(remainder, r.queues[key]...)
		r.depth += len(remainder)
		r.mu.Unlock()
		r.logger.Warn("queue flush incomplete",
			"user_id", user,
			"room", room,
			"delivered", delivered,
			"remaining", len(remainder),
		)
	} else {
		r.logger.Info("queue flushed", "user_id", user, "room", room, "count", delivered)
	}

	r.mu.Lock()
	r.metrics.QueueDepth.Set(float64(r.depth))
	r.mu.Unlock()
}

// sweep drops queued events older than their retention window.
func (r *Router) sweep() {
	now := r.clock.Now()
	expired := 0

	r.mu.Lock()
	for key, pending := range r.queues {
		kept := pending[:0]
		for _, queued := range pending {
			if now.Sub(queued.EnqueuedAt) > r.retentionFor(queued.Event.Kind) {
				expired++
				r.logger.Info("queued event expired",
					"user_id", queued.Recipient,
					"room", queued.Room,
					"kind", queued.Event.Kind,
					"enqueued_at", queued.EnqueuedAt,
				)
				continue
			}
			kept = append(kept, queued)
		}
		if len(kept) == 0 {
			delete(r.queues, key)
		} else {
			r.queues[key] = kept
		}
	}
	r.depth -= expired
	r.metrics.QueueDepth.Set(float64(r.depth))
	r.mu.Unlock()

	if expired > 0 {
		r.metrics.EventsExpired.Add(float64(expired))
	}
}

// retentionFor maps an event kind to its queue retention window.
func (r *Router) retentionFor(kind string) time.Duration {
	if kind == wire.EventAlert {
		return r.cfg.AlertRetention
	}
	return r.cfg.LocationRetention
}

// QueuedFor reports the backlog size for a recipient in a room.
// Test and introspection helper.
func (r *Router) QueuedFor(user ref.UserID, room ref.RoomID) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.queues[queueKey{user: user, room: room}])
}
