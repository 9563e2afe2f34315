// Copyright 2026 The Aegis Authors
// SPDX-License-Identifier: Apache-2.0

// Package metrics declares the engine's Prometheus instruments. One
// Metrics value is created in main and shared by every component;
// tests build their own against a private registry.
package metrics

import "github.com/prometheus/client_golang/prometheus"

// Metrics holds every instrument the coordinator exports.
type Metrics struct {
	SamplesIngested *prometheus.CounterVec // by outcome
	Violations      prometheus.Counter
	AlertsCreated   *prometheus.CounterVec // by type
	Escalations     prometheus.Counter

	EventsPublished *prometheus.CounterVec // by kind
	EventsDelivered prometheus.Counter
	EventsDropped   prometheus.Counter
	EventsQueued    prometheus.Counter
	EventsFlushed   prometheus.Counter
	EventsExpired   prometheus.Counter
	QueueDepth      prometheus.Gauge

	AuditWrites  prometheus.Counter
	AuditRetries prometheus.Counter
	AuditDropped prometheus.Counter

	SessionsActive prometheus.Gauge
}

// New builds and registers the instrument set.
func New(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		SamplesIngested: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "aegis_samples_ingested_total",
				Help: "Location samples by ingest outcome",
			},
			[]string{"outcome"},
		),
		Violations: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "aegis_geofence_violations_total",
			Help: "Geofence violations emitted (post-cooldown)",
		}),
		AlertsCreated: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "aegis_alerts_created_total",
				Help: "Emergency alerts created, by type",
			},
			[]string{"type"},
		),
		Escalations: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "aegis_alert_escalations_total",
			Help: "Automatic alert level escalations",
		}),
		EventsPublished: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "aegis_events_published_total",
				Help: "Events published to the broadcast router, by kind",
			},
			[]string{"kind"},
		),
		EventsDelivered: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "aegis_events_delivered_total",
			Help: "Events delivered to live sessions",
		}),
		EventsDropped: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "aegis_events_dropped_total",
			Help: "Events dropped because a live session's outbox was full",
		}),
		EventsQueued: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "aegis_events_queued_total",
			Help: "Events queued for offline room members",
		}),
		EventsFlushed: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "aegis_events_flushed_total",
			Help: "Queued events delivered on reconnect",
		}),
		EventsExpired: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "aegis_events_expired_total",
			Help: "Queued events dropped past the retention window",
		}),
		QueueDepth: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "aegis_queue_depth",
			Help: "Queued events currently held for offline recipients",
		}),
		AuditWrites: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "aegis_audit_writes_total",
			Help: "Audit records written durably",
		}),
		AuditRetries: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "aegis_audit_retries_total",
			Help: "Audit write retries after a store failure",
		}),
		AuditDropped: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "aegis_audit_dropped_total",
			Help: "Audit records dropped after retries exhausted",
		}),
		SessionsActive: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "aegis_sessions_active",
			Help: "Live registered sessions",
		}),
	}
	reg.MustRegister(
		m.SamplesIngested,
		m.Violations,
		m.AlertsCreated,
		m.Escalations,
		m.EventsPublished,
		m.EventsDelivered,
		m.EventsDropped,
		m.EventsQueued,
		m.EventsFlushed,
		m.EventsExpired,
		m.QueueDepth,
		m.AuditWrites,
		m.AuditRetries,
		m.AuditDropped,
		m.SessionsActive,
	)
	return m
}
