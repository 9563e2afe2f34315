// Copyright 2026 The Aegis Authors
// SPDX-License-Identifier: Apache-2.0

package coordinator

import (
	"context"
	"log/slog"

	"github.com/aegis-security/aegis/alert"
	"github.com/aegis-security/aegis/metrics"
	"github.com/aegis-security/aegis/ref"
	"github.com/aegis-security/aegis/router"
	"github.com/aegis-security/aegis/wire"
)

// alertPublisher adapts the broadcast router to the alert engine's
// Publisher. One alert transition fans out to every room in the
// alert's current audience.
type alertPublisher struct {
	router  *router.Router
	logger  *slog.Logger
	metrics *metrics.Metrics
}

func (p *alertPublisher) PublishAlertEvent(rooms []ref.RoomID, event alert.Event) {
	switch event.Kind {
	case alert.EventCreated:
		p.metrics.AlertsCreated.WithLabelValues(string(event.Alert.Type)).Inc()
	case alert.EventEscalated:
		p.metrics.Escalations.Inc()
	}

	for _, room := range rooms {
		envelope, err := wire.NewEvent(wire.EventAlert, room, event.At, event)
		if err != nil {
			p.logger.Error("encode alert event", "alert_id", event.AlertID, "error", err)
			return
		}
		p.router.Publish(context.Background(), envelope)
	}
}
