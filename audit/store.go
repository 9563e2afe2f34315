// Copyright 2026 The Aegis Authors
// SPDX-License-Identifier: Apache-2.0

// Package audit is the append-only history sink: every accepted
// location sample and every alert transition is recorded durably. The
// SQLite store is the durable backend; the Writer in this package
// feeds it asynchronously so a storage outage never blocks the live
// broadcast path.
package audit

import (
	"context"
	"fmt"
	"log/slog"

	"zombiezen.com/go/sqlite"
	"zombiezen.com/go/sqlite/sqlitex"

	"github.com/aegis-security/aegis/aegiserr"
	"github.com/aegis-security/aegis/alert"
	"github.com/aegis-security/aegis/geo"
	"github.com/aegis-security/aegis/lib/codec"
	"github.com/aegis-security/aegis/lib/sqlitepool"
	"github.com/aegis-security/aegis/ref"
)

// Store is the durable audit backend.
type Store interface {
	AppendLocationSample(ctx context.Context, sample geo.Sample) error
	AppendAlertEvent(ctx context.Context, event alert.Event) error

	// LoadOpenAlerts returns every non-resolved alert for startup
	// recovery.
	LoadOpenAlerts(ctx context.Context) ([]alert.Alert, error)
}

const schema = `
	CREATE TABLE IF NOT EXISTS location_samples (
		agent_id    TEXT NOT NULL,
		site_id     TEXT NOT NULL,
		lat         REAL NOT NULL,
		lon         REAL NOT NULL,
		accuracy    REAL NOT NULL,
		battery     INTEGER NOT NULL,
		captured_at INTEGER NOT NULL
	);
	CREATE INDEX IF NOT EXISTS idx_samples_agent
		ON location_samples(agent_id, captured_at);
	CREATE INDEX IF NOT EXISTS idx_samples_site
		ON location_samples(site_id, captured_at);

	CREATE TABLE IF NOT EXISTS alerts (
		id               TEXT PRIMARY KEY,
		type             TEXT NOT NULL,
		priority         TEXT NOT NULL,
		level            INTEGER NOT NULL,
		state            TEXT NOT NULL,
		site_id          TEXT NOT NULL,
		agent_id         TEXT,
		created_at       INTEGER NOT NULL,
		updated_at       INTEGER NOT NULL,
		level_entered_at INTEGER NOT NULL,
		snapshot         BLOB NOT NULL
	);
	CREATE INDEX IF NOT EXISTS idx_alerts_state ON alerts(state);

	CREATE TABLE IF NOT EXISTS alert_events (
		alert_id   TEXT NOT NULL,
		kind       TEXT NOT NULL,
		from_level INTEGER NOT NULL,
		to_level   INTEGER NOT NULL,
		actor      TEXT,
		at         INTEGER NOT NULL
	);
	CREATE INDEX IF NOT EXISTS idx_alert_events_alert
		ON alert_events(alert_id, at);
`

// SQLiteStore is the production Store, on a WAL connection pool.
type SQLiteStore struct {
	pool   *sqlitepool.Pool
	logger *slog.Logger
}

// OpenSQLite opens (creating if needed) the audit database.
func OpenSQLite(path string, logger *slog.Logger) (*SQLiteStore, error) {
	pool, err := sqlitepool.Open(sqlitepool.Config{
		Path:   path,
		Logger: logger,
		OnConnect: func(conn *sqlite.Conn) error {
			return sqlitex.ExecuteScript(conn, schema, nil)
		},
	})
	if err != nil {
		return nil, fmt.Errorf("audit store: %w", err)
	}
	return &SQLiteStore{pool: pool, logger: logger}, nil
}

// Close closes the underlying pool.
func (s *SQLiteStore) Close() error {
	return s.pool.Close()
}

// AppendLocationSample records one accepted (or accuracy-discarded)
// sample.
func (s *SQLiteStore) AppendLocationSample(ctx context.Context, sample geo.Sample) error {
	conn, err := s.pool.Take(ctx)
	if err != nil {
		return aegiserr.Wrap(aegiserr.KindPersistence, err, "append location sample")
	}
	defer s.pool.Put(conn)

	err = sqlitex.Execute(conn, `INSERT INTO location_samples
		(agent_id, site_id, lat, lon, accuracy, battery, captured_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)`, &sqlitex.ExecOptions{
		Args: []any{
			string(sample.AgentID),
			string(sample.SiteID),
			sample.Position.Latitude,
			sample.Position.Longitude,
			sample.AccuracyMeters,
			sample.BatteryPercent,
			sample.CapturedAt.UnixNano(),
		},
	})
	if err != nil {
		return aegiserr.Wrap(aegiserr.KindPersistence, err, "append location sample for %s", sample.AgentID)
	}
	return nil
}

// AppendAlertEvent records one alert transition: the event row is
// appended and the alert's current snapshot is upserted, in a single
// transaction.
func (s *SQLiteStore) AppendAlertEvent(ctx context.Context, event alert.Event) (err error) {
	conn, takeErr := s.pool.Take(ctx)
	if takeErr != nil {
		return aegiserr.Wrap(aegiserr.KindPersistence, takeErr, "append alert event")
	}
	defer s.pool.Put(conn)

	endTransaction, err := sqlitex.ImmediateTransaction(conn)
	if err != nil {
		return aegiserr.Wrap(aegiserr.KindPersistence, err, "append alert event: begin")
	}
	defer endTransaction(&err)

	snapshot, err := codec.Marshal(event.Alert)
	if err != nil {
		return fmt.Errorf("encode alert snapshot: %w", err)
	}

	err = sqlitex.Execute(conn, `INSERT INTO alerts
		(id, type, priority, level, state, site_id, agent_id,
		 created_at, updated_at, level_entered_at, snapshot)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			level = excluded.level,
			state = excluded.state,
			updated_at = excluded.updated_at,
			level_entered_at = excluded.level_entered_at,
			snapshot = excluded.snapshot`, &sqlitex.ExecOptions{
		Args: []any{
			string(event.Alert.ID),
			string(event.Alert.Type),
			string(event.Alert.Priority),
			event.Alert.Level,
			string(event.Alert.State),
			string(event.Alert.SiteID),
			string(event.Alert.AgentID),
			event.Alert.CreatedAt.UnixNano(),
			event.Alert.UpdatedAt.UnixNano(),
			event.Alert.LevelEnteredAt.UnixNano(),
			snapshot,
		},
	})
	if err != nil {
		return aegiserr.Wrap(aegiserr.KindPersistence, err, "upsert alert %s", event.AlertID)
	}

	err = sqlitex.Execute(conn, `INSERT INTO alert_events
		(alert_id, kind, from_level, to_level, actor, at)
		VALUES (?, ?, ?, ?, ?, ?)`, &sqlitex.ExecOptions{
		Args: []any{
			string(event.AlertID),
			string(event.Kind),
			event.FromLevel,
			event.ToLevel,
			string(event.Actor),
			event.At.UnixNano(),
		},
	})
	if err != nil {
		return aegiserr.Wrap(aegiserr.KindPersistence, err, "append event for alert %s", event.AlertID)
	}
	return nil
}

// LoadOpenAlerts decodes the snapshots of every non-resolved alert.
func (s *SQLiteStore) LoadOpenAlerts(ctx context.Context) ([]alert.Alert, error) {
	conn, err := s.pool.Take(ctx)
	if err != nil {
		return nil, aegiserr.Wrap(aegiserr.KindPersistence, err, "load open alerts")
	}
	defer s.pool.Put(conn)

	var open []alert.Alert
	err = sqlitex.Execute(conn, `SELECT snapshot FROM alerts
		WHERE state != ? ORDER BY created_at`, &sqlitex.ExecOptions{
		Args: []any{string(alert.StateResolved)},
		ResultFunc: func(stmt *sqlite.Stmt) error {
			blob := make([]byte, stmt.ColumnLen(0))
			stmt.ColumnBytes(0, blob)
			var restored alert.Alert
			if err := codec.Unmarshal(blob, &restored); err != nil {
				return fmt.Errorf("decode alert snapshot: %w", err)
			}
			open = append(open, restored)
			return nil
		},
	})
	if err != nil {
		return nil, aegiserr.Wrap(aegiserr.KindPersistence, err, "load open alerts")
	}
	return open, nil
}

// LoadAlert decodes the stored snapshot of a single alert. The second
// return is false when the alert was never recorded.
func (s *SQLiteStore) LoadAlert(ctx context.Context, id ref.AlertID) (alert.Alert, bool, error) {
	conn, err := s.pool.Take(ctx)
	if err != nil {
		return alert.Alert{}, false, aegiserr.Wrap(aegiserr.KindPersistence, err, "load alert")
	}
	defer s.pool.Put(conn)

	var loaded alert.Alert
	found := false
	err = sqlitex.Execute(conn, `SELECT snapshot FROM alerts WHERE id = ?`,
		&sqlitex.ExecOptions{
			Args: []any{string(id)},
			ResultFunc: func(stmt *sqlite.Stmt) error {
				blob := make([]byte, stmt.ColumnLen(0))
				stmt.ColumnBytes(0, blob)
				if err := codec.Unmarshal(blob, &loaded); err != nil {
					return fmt.Errorf("decode alert snapshot: %w", err)
				}
				found = true
				return nil
			},
		})
	if err != nil {
		return alert.Alert{}, false, aegiserr.Wrap(aegiserr.KindPersistence, err, "load alert")
	}
	return loaded, found, nil
}

// CountAlertEvents returns the number of recorded transitions for an
// alert. Recovery diagnostics and tests.
func (s *SQLiteStore) CountAlertEvents(ctx context.Context, id string) (int, error) {
	conn, err := s.pool.Take(ctx)
	if err != nil {
		return 0, aegiserr.Wrap(aegiserr.KindPersistence, err, "count alert events")
	}
	defer s.pool.Put(conn)

	count := 0
	err = sqlitex.Execute(conn, `SELECT COUNT(*) FROM alert_events WHERE alert_id = ?`,
		&sqlitex.ExecOptions{
			Args: []any{id},
			ResultFunc: func(stmt *sqlite.Stmt) error {
				count = stmt.ColumnInt(0)
				return nil
			},
		})
	if err != nil {
		return 0, aegiserr.Wrap(aegiserr.KindPersistence, err, "count alert events")
	}
	return count, nil
}
