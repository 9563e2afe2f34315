// Copyright 2026 The Aegis Authors
// SPDX-License-Identifier: Apache-2.0

package alert

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/aegis-security/aegis/aegiserr"
	"github.com/aegis-security/aegis/lib/clock"
	"github.com/aegis-security/aegis/ref"
)

func errUnknownType(s string) error {
	return aegiserr.New(aegiserr.KindValidation, "unknown alert type %q", s)
}

// Publisher receives alert events for broadcast. Implemented by the
// broadcast router; must not block (the router uses non-blocking
// channel sends internally).
type Publisher interface {
	PublishAlertEvent(rooms []ref.RoomID, event Event)
}

// Recorder appends alert transitions to the audit sink. Implementations
// are asynchronous: Record enqueues and returns immediately, so a sink
// outage never stalls the state machine.
type Recorder interface {
	RecordAlertEvent(event Event)
}

// RoomResolver maps a site and escalation level to the rooms that must
// be notified. Implemented by the directory.
type RoomResolver interface {
	EscalationRooms(ctx context.Context, site ref.SiteID, level int) ([]ref.RoomID, error)
}

// SnapshotSource serves alert snapshots that have been evicted from
// memory, so duplicate acknowledge/resolve retries and reads stay
// idempotent after the in-memory retention window. Implemented by the
// audit store; may be nil, in which case evicted alerts are unknown.
type SnapshotSource interface {
	LoadAlert(ctx context.Context, id ref.AlertID) (Alert, bool, error)
}

// Config carries the escalation tunables.
type Config struct {
	// Tiers is the dwell time at each escalation level before the
	// automatic transition to the next one. len(Tiers) is the number
	// of automatic escalations; an alert at level len(Tiers) has no
	// further timer. The defaults — 5m then 10m — give the standard
	// schedule: level 1 at +5 minutes, level 2 at +15 minutes total.
	Tiers []time.Duration

	// Priorities overrides the creation-time priority per type.
	// PANIC, MEDICAL, and FIRE are always HIGH regardless of this
	// map; unlisted types default to NORMAL.
	Priorities map[Type]Priority

	// TerminalRetention is how long a RESOLVED alert stays in memory
	// before eviction. The audit store keeps the terminal snapshot;
	// retries landing after eviction are served from there.
	TerminalRetention time.Duration
}

// DefaultConfig returns the standard escalation schedule.
func DefaultConfig() Config {
	return Config{
		Tiers:             []time.Duration{5 * time.Minute, 10 * time.Minute},
		TerminalRetention: time.Hour,
	}
}

// entry is the engine's mutable record for one alert. generation
// guards the fire/cancel race: it is captured when a timer is
// scheduled and re-checked when the timer fires; any transition bumps
// it, so a fire that lost the race to an acknowledge observes a
// mismatch and does nothing.
type entry struct {
	alert      Alert
	timer      *clock.Timer
	generation uint64
}

// Engine runs the escalation state machine for every open alert.
//
// All transitions for a given alert are serialized under the engine
// mutex; the generation counter makes timer firing and explicit
// transitions mutually exclusive rather than merely ordered. This is
// the compare-and-swap design: "cancel then act" alone would lose to
// an in-flight fire.
type Engine struct {
	cfg       Config
	rooms     RoomResolver
	publisher Publisher
	recorder  Recorder
	snapshots SnapshotSource
	clock     clock.Clock
	logger    *slog.Logger

	mu     sync.Mutex
	alerts map[ref.AlertID]*entry
}

// NewEngine creates an escalation engine. snapshots may be nil; every
// other collaborator is required.
func NewEngine(cfg Config, rooms RoomResolver, publisher Publisher, recorder Recorder, snapshots SnapshotSource, clk clock.Clock, logger *slog.Logger) *Engine {
	if len(cfg.Tiers) == 0 {
		cfg.Tiers = DefaultConfig().Tiers
	}
	if cfg.TerminalRetention <= 0 {
		cfg.TerminalRetention = DefaultConfig().TerminalRetention
	}
	return &Engine{
		cfg:       cfg,
		rooms:     rooms,
		publisher: publisher,
		recorder:  recorder,
		snapshots: snapshots,
		clock:     clk,
		logger:    logger,
		alerts:    make(map[ref.AlertID]*entry),
	}
}

// CreateRequest carries the trigger parameters for a new alert.
type CreateRequest struct {
	Type       Type
	AgentID    ref.AgentID
	SiteID     ref.SiteID
	Detail     string
	ReportedBy ref.UserID
}

// Create opens a new alert at level 0, notifies the level-0 rooms, and
// starts the first escalation timer.
func (e *Engine) Create(ctx context.Context, req CreateRequest) (Alert, error) {
	if req.SiteID == "" {
		return Alert{}, aegiserr.New(aegiserr.KindValidation, "alert missing site id")
	}
	if _, err := ParseType(string(req.Type)); err != nil {
		return Alert{}, err
	}

	now := e.clock.Now()
	created := Alert{
		ID:             ref.AlertID(uuid.NewString()),
		Type:           req.Type,
		AgentID:        req.AgentID,
		SiteID:         req.SiteID,
		Priority:       e.priorityFor(req.Type),
		Level:          0,
		State:          StateOpen,
		Detail:         req.Detail,
		ReportedBy:     req.ReportedBy,
		CreatedAt:      now,
		UpdatedAt:      now,
		LevelEnteredAt: now,
	}

	e.mu.Lock()
	record := &entry{alert: created}
	e.alerts[created.ID] = record
	e.scheduleLocked(record, e.cfg.Tiers[0])
	e.dispatchLocked(ctx, created.SiteID, created.Level, Event{
		AlertID: created.ID,
		Kind:    EventCreated,
		At:      now,
		Actor:   req.ReportedBy,
		Alert:   created,
	})
	e.mu.Unlock()

	e.logger.Info("alert created",
		"alert_id", created.ID,
		"type", created.Type,
		"site_id", created.SiteID,
		"priority", created.Priority,
	)
	return created, nil
}

// Acknowledge moves an OPEN alert to ACKNOWLEDGED and cancels further
// escalation. Acknowledging an already-terminal alert is an idempotent
// no-op returning the existing record, tolerating duplicate client
// retries.
func (e *Engine) Acknowledge(ctx context.Context, id ref.AlertID, by ref.UserID) (Alert, error) {
	e.mu.Lock()
	record, ok := e.alerts[id]
	if !ok {
		e.mu.Unlock()
		if evicted, found := e.loadEvicted(ctx, id); found {
			return evicted, nil
		}
		return Alert{}, aegiserr.New(aegiserr.KindValidation, "unknown alert %s", id)
	}
	if record.alert.Terminal() {
		existing := record.alert
		e.mu.Unlock()
		return existing, nil
	}

	now := e.clock.Now()
	record.generation++
	if record.timer != nil {
		record.timer.Stop()
		record.timer = nil
	}
	record.alert.State = StateAcknowledged
	record.alert.Acknowledgments = append(record.alert.Acknowledgments, Acknowledgment{By: by, At: now})
	record.alert.UpdatedAt = now
	snapshot := record.alert
	e.dispatchLocked(ctx, snapshot.SiteID, snapshot.Level, Event{
		AlertID:   id,
		Kind:      EventAcknowledged,
		FromLevel: snapshot.Level,
		ToLevel:   snapshot.Level,
		Actor:     by,
		At:        now,
		Alert:     snapshot,
	})
	e.mu.Unlock()

	e.logger.Info("alert acknowledged", "alert_id", id, "by", by, "level", snapshot.Level)
	return snapshot, nil
}

// Resolve terminates an alert from any state, superseding
// acknowledgment. Resolving an already-resolved alert is an idempotent
// no-op returning the existing terminal record.
func (e *Engine) Resolve(ctx context.Context, id ref.AlertID, by ref.UserID, notes string) (Alert, error) {
	e.mu.Lock()
	record, ok := e.alerts[id]
	if !ok {
		e.mu.Unlock()
		if evicted, found := e.loadEvicted(ctx, id); found {
			return evicted, nil
		}
		return Alert{}, aegiserr.New(aegiserr.KindValidation, "unknown alert %s", id)
	}
	if record.alert.State == StateResolved {
		existing := record.alert
		e.mu.Unlock()
		return existing, nil
	}

	now := e.clock.Now()
	record.generation++
	if record.timer != nil {
		record.timer.Stop()
		record.timer = nil
	}
	record.alert.State = StateResolved
	record.alert.Resolution = &Resolution{By: by, At: now, Notes: notes}
	record.alert.UpdatedAt = now
	// Terminal records are evicted after the retention window; the
	// audit store serves retries from then on.
	e.clock.AfterFunc(e.cfg.TerminalRetention, func() {
		e.evictResolved(id)
	})
	snapshot := record.alert
	e.dispatchLocked(ctx, snapshot.SiteID, snapshot.Level, Event{
		AlertID:   id,
		Kind:      EventResolved,
		FromLevel: snapshot.Level,
		ToLevel:   snapshot.Level,
		Actor:     by,
		At:        now,
		Alert:     snapshot,
	})
	e.mu.Unlock()

	e.logger.Info("alert resolved", "alert_id", id, "by", by)
	return snapshot, nil
}

// Get returns a snapshot of an alert. Alerts evicted after resolution
// are read back from the snapshot source.
func (e *Engine) Get(ctx context.Context, id ref.AlertID) (Alert, bool) {
	e.mu.Lock()
	record, ok := e.alerts[id]
	if ok {
		snapshot := record.alert
		e.mu.Unlock()
		return snapshot, true
	}
	e.mu.Unlock()
	return e.loadEvicted(ctx, id)
}

// loadEvicted reads a resolved alert's snapshot from the audit store.
// Only terminal records are served: an OPEN alert missing from memory
// means the engine never saw it, not that it was evicted.
func (e *Engine) loadEvicted(ctx context.Context, id ref.AlertID) (Alert, bool) {
	if e.snapshots == nil {
		return Alert{}, false
	}
	snapshot, found, err := e.snapshots.LoadAlert(ctx, id)
	if err != nil {
		e.logger.Error("alert snapshot load failed", "alert_id", id, "error", err)
		return Alert{}, false
	}
	if !found || snapshot.State != StateResolved {
		return Alert{}, false
	}
	return snapshot, true
}

// evictResolved drops a resolved alert from memory once its retention
// window passes. A no-op if the alert is gone already.
func (e *Engine) evictResolved(id ref.AlertID) {
	e.mu.Lock()
	defer e.mu.Unlock()
	record, ok := e.alerts[id]
	if !ok || record.alert.State != StateResolved {
		return
	}
	delete(e.alerts, id)
}

// Open returns snapshots of every non-resolved alert, for the REST
// listing surface.
func (e *Engine) Open() []Alert {
	e.mu.Lock()
	defer e.mu.Unlock()
	var open []Alert
	for _, record := range e.alerts {
		if record.alert.State != StateResolved {
			open = append(open, record.alert)
		}
	}
	return open
}

// Restore re-seats alerts loaded from the audit store at startup. OPEN
// alerts resume their escalation timer with the dwell time remaining
// from LevelEnteredAt; dwell already exhausted escalates immediately.
func (e *Engine) Restore(ctx context.Context, alerts []Alert) {
	now := e.clock.Now()

	// Exhausted dwells escalate after the lock is released; escalate
	// re-acquires it.
	type overdue struct {
		id         ref.AlertID
		generation uint64
	}
	var fires []overdue

	e.mu.Lock()
	for _, restored := range alerts {
		if _, exists := e.alerts[restored.ID]; exists {
			continue
		}
		record := &entry{alert: restored}
		e.alerts[restored.ID] = record
		if restored.State != StateOpen || restored.Level >= len(e.cfg.Tiers) {
			continue
		}
		remaining := e.cfg.Tiers[restored.Level] - now.Sub(restored.LevelEnteredAt)
		if remaining > 0 {
			e.scheduleLocked(record, remaining)
		} else {
			fires = append(fires, overdue{id: restored.ID, generation: record.generation})
		}
	}
	e.mu.Unlock()

	for _, fire := range fires {
		e.escalate(fire.id, fire.generation)
	}

	e.logger.Info("alerts restored", "count", len(alerts))
}

// priorityFor resolves creation-time priority: PANIC/MEDICAL/FIRE are
// always HIGH; other types consult the config map and default NORMAL.
func (e *Engine) priorityFor(alertType Type) Priority {
	switch alertType {
	case TypePanic, TypeMedical, TypeFire:
		return PriorityHigh
	}
	if p, ok := e.cfg.Priorities[alertType]; ok {
		return p
	}
	return PriorityNormal
}

// scheduleLocked arms the escalation timer for an entry's current
// level. Must be called with e.mu held. The captured generation is
// the CAS token: the fire callback aborts if any transition bumped it.
func (e *Engine) scheduleLocked(record *entry, dwell time.Duration) {
	id := record.alert.ID
	generation := record.generation
	record.timer = e.clock.AfterFunc(dwell, func() {
		e.escalate(id, generation)
	})
}

// escalate is the timer-fire path: OPEN(n) → OPEN(n+1). It re-checks
// state and generation under the lock, so a fire racing a concurrent
// acknowledge or resolve is a no-op.
func (e *Engine) escalate(id ref.AlertID, generation uint64) {
	e.mu.Lock()
	record, ok := e.alerts[id]
	if !ok || record.generation != generation || record.alert.State != StateOpen {
		e.mu.Unlock()
		return
	}

	now := e.clock.Now()
	fromLevel := record.alert.Level
	record.generation++
	record.alert.Level++
	record.alert.LevelEnteredAt = now
	record.alert.UpdatedAt = now
	if record.alert.Level < len(e.cfg.Tiers) {
		e.scheduleLocked(record, e.cfg.Tiers[record.alert.Level])
	} else {
		record.timer = nil
	}
	snapshot := record.alert
	e.dispatchLocked(context.Background(), snapshot.SiteID, snapshot.Level, Event{
		AlertID:   id,
		Kind:      EventEscalated,
		FromLevel: fromLevel,
		ToLevel:   snapshot.Level,
		At:        now,
		Alert:     snapshot,
	})
	e.mu.Unlock()

	e.logger.Info("alert escalated",
		"alert_id", id,
		"from_level", fromLevel,
		"to_level", snapshot.Level,
	)
}

// dispatchLocked records the event and broadcasts it to the audience
// for the alert's level, while still holding e.mu so events leave the
// engine in transition order. Both collaborators enqueue without
// blocking. Room resolution failure degrades to audit-only delivery;
// it never fails the transition.
func (e *Engine) dispatchLocked(ctx context.Context, site ref.SiteID, level int, event Event) {
	e.recorder.RecordAlertEvent(event)

	rooms, err := e.rooms.EscalationRooms(ctx, site, level)
	if err != nil {
		e.logger.Error("escalation room resolution failed",
			"alert_id", event.AlertID,
			"site_id", site,
			"error", fmt.Errorf("resolving rooms at level %d: %w", level, err),
		)
		return
	}
	e.publisher.PublishAlertEvent(rooms, event)
}
