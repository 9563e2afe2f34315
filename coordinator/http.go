// Copyright 2026 The Aegis Authors
// SPDX-License-Identifier: Apache-2.0

package coordinator

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/aegis-security/aegis/aegiserr"
	"github.com/aegis-security/aegis/alert"
	"github.com/aegis-security/aegis/auth"
	"github.com/aegis-security/aegis/geo"
	"github.com/aegis-security/aegis/lib/clock"
	"github.com/aegis-security/aegis/ref"
)

// APIServer is the REST surface: the polling fallback for latest
// positions and the manual alert operations used by the
// report-submission flow.
type APIServer struct {
	alerts    *alert.Engine
	cache     geo.LatestCache
	validator auth.Validator
	clock     clock.Clock
	logger    *slog.Logger
	registry  *prometheus.Registry

	// freshnessWindow classifies latest positions active or stale.
	freshnessWindow time.Duration
}

// NewAPIServer creates the REST handler set.
func NewAPIServer(
	alerts *alert.Engine,
	cache geo.LatestCache,
	validator auth.Validator,
	clk clock.Clock,
	logger *slog.Logger,
	promRegistry *prometheus.Registry,
	freshnessWindow time.Duration,
) *APIServer {
	return &APIServer{
		alerts:          alerts,
		cache:           cache,
		validator:       validator,
		clock:           clk,
		logger:          logger,
		registry:        promRegistry,
		freshnessWindow: freshnessWindow,
	}
}

// Router builds the chi routing tree.
func (s *APIServer) Router() http.Handler {
	r := chi.NewRouter()

	r.Get("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		s.writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
	})
	r.Handle("/metrics", promhttp.HandlerFor(s.registry, promhttp.HandlerOpts{}))

	r.Route("/api", func(r chi.Router) {
		r.Use(s.authMiddleware)

		r.Post("/alerts", s.handleCreateAlert)
		r.Get("/alerts", s.handleListAlerts)
		r.Get("/alerts/{alertID}", s.handleGetAlert)
		r.Post("/alerts/{alertID}/acknowledge", s.handleAcknowledge)
		r.Post("/alerts/{alertID}/resolve", s.handleResolve)

		r.Get("/locations/latest", s.handleLatestLocations)
	})
	return r
}

type identityKey struct{}

// authMiddleware validates the bearer token and stores the resolved
// identity in the request context.
func (s *APIServer) authMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		header := r.Header.Get("Authorization")
		token, ok := strings.CutPrefix(header, "Bearer ")
		if !ok || token == "" {
			s.writeError(w, http.StatusUnauthorized, "missing bearer token")
			return
		}
		identity, err := s.validator.Validate(r.Context(), token)
		if err != nil {
			s.writeError(w, http.StatusUnauthorized, "invalid token")
			return
		}
		ctx := context.WithValue(r.Context(), identityKey{}, identity)
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

func identityFrom(ctx context.Context) auth.Identity {
	identity, _ := ctx.Value(identityKey{}).(auth.Identity)
	return identity
}

type createAlertRequest struct {
	Type    string `json:"type"`
	AgentID string `json:"agent_id,omitempty"`
	SiteID  string `json:"site_id"`
	Detail  string `json:"detail,omitempty"`
}

func (s *APIServer) handleCreateAlert(w http.ResponseWriter, r *http.Request) {
	var req createAlertRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.writeError(w, http.StatusBadRequest, "malformed request body")
		return
	}
	alertType, err := alert.ParseType(req.Type)
	if err != nil {
		s.writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	created, err := s.alerts.Create(r.Context(), alert.CreateRequest{
		Type:       alertType,
		AgentID:    ref.AgentID(req.AgentID),
		SiteID:     ref.SiteID(req.SiteID),
		Detail:     req.Detail,
		ReportedBy: identityFrom(r.Context()).UserID,
	})
	if err != nil {
		s.writeEngineError(w, err)
		return
	}
	s.writeJSON(w, http.StatusCreated, created)
}

func (s *APIServer) handleListAlerts(w http.ResponseWriter, _ *http.Request) {
	open := s.alerts.Open()
	if open == nil {
		open = []alert.Alert{}
	}
	s.writeJSON(w, http.StatusOK, open)
}

func (s *APIServer) handleGetAlert(w http.ResponseWriter, r *http.Request) {
	id := ref.AlertID(chi.URLParam(r, "alertID"))
	found, ok := s.alerts.Get(r.Context(), id)
	if !ok {
		s.writeError(w, http.StatusNotFound, "unknown alert")
		return
	}
	s.writeJSON(w, http.StatusOK, found)
}

func (s *APIServer) handleAcknowledge(w http.ResponseWriter, r *http.Request) {
	id := ref.AlertID(chi.URLParam(r, "alertID"))
	if _, ok := s.alerts.Get(r.Context(), id); !ok {
		s.writeError(w, http.StatusNotFound, "unknown alert")
		return
	}
	acked, err := s.alerts.Acknowledge(r.Context(), id, identityFrom(r.Context()).UserID)
	if err != nil {
		s.writeEngineError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, acked)
}

type resolveRequest struct {
	Notes string `json:"notes,omitempty"`
}

func (s *APIServer) handleResolve(w http.ResponseWriter, r *http.Request) {
	id := ref.AlertID(chi.URLParam(r, "alertID"))
	if _, ok := s.alerts.Get(r.Context(), id); !ok {
		s.writeError(w, http.StatusNotFound, "unknown alert")
		return
	}

	var req resolveRequest
	if r.Body != nil {
		// Body is optional for resolve.
		_ = json.NewDecoder(r.Body).Decode(&req)
	}
	resolved, err := s.alerts.Resolve(r.Context(), id, identityFrom(r.Context()).UserID, req.Notes)
	if err != nil {
		s.writeEngineError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, resolved)
}

// latestLocation is one row of the polling fallback: the cached sample
// plus its derived freshness status.
type latestLocation struct {
	geo.Sample
	Status string `json:"status"`
}

func (s *APIServer) handleLatestLocations(w http.ResponseWriter, r *http.Request) {
	siteID := r.URL.Query().Get("site_id")
	if siteID == "" {
		s.writeError(w, http.StatusBadRequest, "site_id query parameter is required")
		return
	}

	samples, err := s.cache.LatestForSite(r.Context(), ref.SiteID(siteID))
	if err != nil {
		s.logger.Error("latest location lookup failed", "site_id", siteID, "error", err)
		s.writeError(w, http.StatusInternalServerError, "cache lookup failed")
		return
	}

	now := s.clock.Now()
	rows := make([]latestLocation, 0, len(samples))
	for _, sample := range samples {
		rows = append(rows, latestLocation{
			Sample: sample,
			Status: geo.FreshnessStatus(sample, now, s.freshnessWindow),
		})
	}
	s.writeJSON(w, http.StatusOK, rows)
}

func (s *APIServer) writeEngineError(w http.ResponseWriter, err error) {
	var coordErr *aegiserr.Error
	if errors.As(err, &coordErr) {
		switch coordErr.Kind {
		case aegiserr.KindValidation:
			s.writeError(w, http.StatusBadRequest, coordErr.Message)
			return
		case aegiserr.KindAuthentication:
			s.writeError(w, http.StatusUnauthorized, coordErr.Message)
			return
		}
	}
	s.logger.Error("request failed", "error", err)
	s.writeError(w, http.StatusInternalServerError, "internal error")
}

func (s *APIServer) writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		s.logger.Error("encode response", "error", err)
	}
}

func (s *APIServer) writeError(w http.ResponseWriter, status int, message string) {
	s.writeJSON(w, status, map[string]string{"error": message})
}
