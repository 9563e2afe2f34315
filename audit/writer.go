// Copyright 2026 The Aegis Authors
// SPDX-License-Identifier: Apache-2.0

package audit

import (
	"context"
	"log/slog"
	"time"

	"github.com/aegis-security/aegis/alert"
	"github.com/aegis-security/aegis/geo"
	"github.com/aegis-security/aegis/lib/clock"
	"github.com/aegis-security/aegis/metrics"
)

// WriterConfig carries the async writer tunables.
type WriterConfig struct {
	// QueueSize bounds the pending-record buffer. A full queue drops
	// the record rather than blocking the caller.
	QueueSize int

	// MaxAttempts is the total number of tries per record, the first
	// write included.
	MaxAttempts int

	// InitialBackoff is the wait after the first failure; it doubles
	// per attempt up to MaxBackoff.
	InitialBackoff time.Duration
	MaxBackoff     time.Duration
}

// DefaultWriterConfig returns production defaults.
func DefaultWriterConfig() WriterConfig {
	return WriterConfig{
		QueueSize:      4096,
		MaxAttempts:    5,
		InitialBackoff: 100 * time.Millisecond,
		MaxBackoff:     5 * time.Second,
	}
}

// record is one pending audit write. Exactly one field is set.
type record struct {
	sample *geo.Sample
	event  *alert.Event
}

// Writer feeds the Store asynchronously. Record calls enqueue and
// return immediately; a single consumer goroutine writes in enqueue
// order, retrying failures with exponential backoff. A store outage
// degrades audit durability (records drop once the queue fills or
// retries exhaust) but never blocks ingest or broadcast.
//
// Writer implements the alert engine's Recorder.
type Writer struct {
	cfg     WriterConfig
	store   Store
	clock   clock.Clock
	logger  *slog.Logger
	metrics *metrics.Metrics

	queue chan record
}

// NewWriter creates a Writer. Zero config fields take defaults.
func NewWriter(cfg WriterConfig, store Store, clk clock.Clock, logger *slog.Logger, m *metrics.Metrics) *Writer {
	defaults := DefaultWriterConfig()
	if cfg.QueueSize <= 0 {
		cfg.QueueSize = defaults.QueueSize
	}
	if cfg.MaxAttempts <= 0 {
		cfg.MaxAttempts = defaults.MaxAttempts
	}
	if cfg.InitialBackoff <= 0 {
		cfg.InitialBackoff = defaults.InitialBackoff
	}
	if cfg.MaxBackoff <= 0 {
		cfg.MaxBackoff = defaults.MaxBackoff
	}
	return &Writer{
		cfg:     cfg,
		store:   store,
		clock:   clk,
		logger:  logger,
		metrics: m,
		queue:   make(chan record, cfg.QueueSize),
	}
}

// RecordLocationSample enqueues a sample for durable append.
func (w *Writer) RecordLocationSample(sample geo.Sample) {
	w.enqueue(record{sample: &sample})
}

// RecordAlertEvent enqueues an alert transition for durable append.
func (w *Writer) RecordAlertEvent(event alert.Event) {
	w.enqueue(record{event: &event})
}

func (w *Writer) enqueue(pending record) {
	select {
	case w.queue <- pending:
	default:
		w.metrics.AuditDropped.Inc()
		w.logger.Error("audit queue full, record dropped")
	}
}

// Run consumes the queue until the context is cancelled, then drains
// whatever is already buffered with a final best-effort pass.
func (w *Writer) Run(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			w.drain()
			return
		case pending := <-w.queue:
			w.write(ctx, pending)
		}
	}
}

// drain makes one non-retrying attempt per buffered record at
// shutdown.
func (w *Writer) drain() {
	for {
		select {
		case pending := <-w.queue:
			if err := w.attempt(context.Background(), pending); err != nil {
				w.metrics.AuditDropped.Inc()
				w.logger.Error("audit write dropped at shutdown", "error", err)
			} else {
				w.metrics.AuditWrites.Inc()
			}
		default:
			return
		}
	}
}

// write appends one record, retrying with exponential backoff.
// Records that still fail after MaxAttempts are dropped and counted.
func (w *Writer) write(ctx context.Context, pending record) {
	backoff := w.cfg.InitialBackoff
	for attempt := 1; ; attempt++ {
		err := w.attempt(ctx, pending)
		if err == nil {
			w.metrics.AuditWrites.Inc()
			return
		}
		if attempt >= w.cfg.MaxAttempts {
			w.metrics.AuditDropped.Inc()
			w.logger.Error("audit write dropped after retries",
				"attempts", attempt,
				"error", err,
			)
			return
		}

		w.metrics.AuditRetries.Inc()
		w.logger.Warn("audit write failed, retrying",
			"attempt", attempt,
			"backoff", backoff,
			"error", err,
		)
		select {
		case <-ctx.Done():
			return
		case <-w.clock.After(backoff):
		}
		backoff *= 2
		if backoff > w.cfg.MaxBackoff {
			backoff = w.cfg.MaxBackoff
		}
	}
}

func (w *Writer) attempt(ctx context.Context, pending record) error {
	switch {
	case pending.sample != nil:
		return w.store.AppendLocationSample(ctx, *pending.sample)
	case pending.event != nil:
		return w.store.AppendAlertEvent(ctx, *pending.event)
	}
	return nil
}
