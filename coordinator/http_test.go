// Copyright 2026 The Aegis Authors
// SPDX-License-Identifier: Apache-2.0

package coordinator

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/aegis-security/aegis/alert"
	"github.com/aegis-security/aegis/auth"
	"github.com/aegis-security/aegis/geo"
	"github.com/aegis-security/aegis/lib/testutil"
	"github.com/aegis-security/aegis/ref"
)

type apiFixture struct {
	*pipelineFixture
	server *httptest.Server
}

func newAPIFixture(t *testing.T) *apiFixture {
	t.Helper()
	f := newPipelineFixture(t)
	api := NewAPIServer(f.alerts, f.cache, f.tokens, f.clock, testLogger(), prometheus.NewRegistry(), 90*time.Second)
	server := httptest.NewServer(api.Router())
	t.Cleanup(server.Close)
	return &apiFixture{pipelineFixture: f, server: server}
}

func (f *apiFixture) supervisorToken() string {
	token := testutil.UniqueID("token")
	f.tokens[token] = auth.Identity{UserID: "sup-1", Role: ref.RoleSupervisor}
	return token
}

// request performs an authenticated JSON request and decodes the
// response body into out when non-nil.
func (f *apiFixture) request(t *testing.T, method, path, token string, body, out any) int {
	t.Helper()
	var reader *bytes.Reader
	if body != nil {
		encoded, err := json.Marshal(body)
		if err != nil {
			t.Fatalf("marshal request body: %v", err)
		}
		reader = bytes.NewReader(encoded)
	} else {
		reader = bytes.NewReader(nil)
	}

	req, err := http.NewRequest(method, f.server.URL+path, reader)
	if err != nil {
		t.Fatalf("NewRequest: %v", err)
	}
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("%s %s: %v", method, path, err)
	}
	defer resp.Body.Close()
	if out != nil {
		if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
			t.Fatalf("decode %s %s response: %v", method, path, err)
		}
	}
	return resp.StatusCode
}

func TestAPIRequiresBearerToken(t *testing.T) {
	t.Parallel()
	f := newAPIFixture(t)

	if status := f.request(t, http.MethodGet, "/api/alerts", "", nil, nil); status != http.StatusUnauthorized {
		t.Errorf("no token status = %d, want 401", status)
	}
	if status := f.request(t, http.MethodGet, "/api/alerts", "forged", nil, nil); status != http.StatusUnauthorized {
		t.Errorf("bad token status = %d, want 401", status)
	}
}

func TestHealthzNeedsNoAuth(t *testing.T) {
	t.Parallel()
	f := newAPIFixture(t)
	if status := f.request(t, http.MethodGet, "/healthz", "", nil, nil); status != http.StatusOK {
		t.Errorf("healthz status = %d, want 200", status)
	}
}

func TestAlertLifecycleOverHTTP(t *testing.T) {
	t.Parallel()
	f := newAPIFixture(t)
	token := f.supervisorToken()

	var created alert.Alert
	status := f.request(t, http.MethodPost, "/api/alerts", token, createAlertRequest{
		Type:    "PANIC",
		AgentID: "agent-1",
		SiteID:  "site-1",
		Detail:  "agent pressed the panic button",
	}, &created)
	if status != http.StatusCreated {
		t.Fatalf("create status = %d, want 201", status)
	}
	if created.ID == "" || created.State != alert.StateOpen || created.Priority != alert.PriorityHigh {
		t.Fatalf("created = %+v", created)
	}
	if created.ReportedBy != "sup-1" {
		t.Errorf("reporter = %s, want sup-1 from the bearer identity", created.ReportedBy)
	}

	var listed []alert.Alert
	if status := f.request(t, http.MethodGet, "/api/alerts", token, nil, &listed); status != http.StatusOK {
		t.Fatalf("list status = %d, want 200", status)
	}
	if len(listed) != 1 || listed[0].ID != created.ID {
		t.Fatalf("listed = %+v", listed)
	}

	var acked alert.Alert
	ackPath := fmt.Sprintf("/api/alerts/%s/acknowledge", created.ID)
	if status := f.request(t, http.MethodPost, ackPath, token, nil, &acked); status != http.StatusOK {
		t.Fatalf("acknowledge status = %d, want 200", status)
	}
	if acked.State != alert.StateAcknowledged {
		t.Errorf("acknowledged state = %s", acked.State)
	}
	if len(acked.Acknowledgments) != 1 || acked.Acknowledgments[0].By != "sup-1" {
		t.Errorf("acknowledgments = %+v", acked.Acknowledgments)
	}

	var resolved alert.Alert
	resolvePath := fmt.Sprintf("/api/alerts/%s/resolve", created.ID)
	if status := f.request(t, http.MethodPost, resolvePath, token, resolveRequest{Notes: "false alarm"}, &resolved); status != http.StatusOK {
		t.Fatalf("resolve status = %d, want 200", status)
	}
	if resolved.State != alert.StateResolved || resolved.Resolution == nil || resolved.Resolution.Notes != "false alarm" {
		t.Errorf("resolved = %+v", resolved)
	}

	// Resolved alerts leave the open listing.
	listed = nil
	if status := f.request(t, http.MethodGet, "/api/alerts", token, nil, &listed); status != http.StatusOK {
		t.Fatalf("list status = %d, want 200", status)
	}
	if len(listed) != 0 {
		t.Errorf("open listing after resolve = %+v", listed)
	}
}

func TestCreateAlertRejectsUnknownType(t *testing.T) {
	t.Parallel()
	f := newAPIFixture(t)
	status := f.request(t, http.MethodPost, "/api/alerts", f.supervisorToken(), createAlertRequest{
		Type:   "EARTHQUAKE",
		SiteID: "site-1",
	}, nil)
	if status != http.StatusBadRequest {
		t.Errorf("status = %d, want 400", status)
	}
}

func TestAlertOperationsOnUnknownIDReturn404(t *testing.T) {
	t.Parallel()
	f := newAPIFixture(t)
	token := f.supervisorToken()

	if status := f.request(t, http.MethodGet, "/api/alerts/no-such-alert", token, nil, nil); status != http.StatusNotFound {
		t.Errorf("get status = %d, want 404", status)
	}
	if status := f.request(t, http.MethodPost, "/api/alerts/no-such-alert/acknowledge", token, nil, nil); status != http.StatusNotFound {
		t.Errorf("acknowledge status = %d, want 404", status)
	}
	if status := f.request(t, http.MethodPost, "/api/alerts/no-such-alert/resolve", token, nil, nil); status != http.StatusNotFound {
		t.Errorf("resolve status = %d, want 404", status)
	}
}

func TestLatestLocationsReportFreshness(t *testing.T) {
	t.Parallel()
	f := newAPIFixture(t)
	token := f.supervisorToken()

	now := f.clock.Now()
	fresh := agentSample(40.0, -74.0, now.Add(-time.Minute))
	old := agentSample(40.001, -74.0, now.Add(-10*time.Minute))
	old.AgentID = "agent-2"
	for _, sample := range []geo.Sample{fresh, old} {
		if err := f.cache.SetLatest(context.Background(), sample); err != nil {
			t.Fatalf("SetLatest: %v", err)
		}
	}

	var rows []latestLocation
	if status := f.request(t, http.MethodGet, "/api/locations/latest?site_id=site-1", token, nil, &rows); status != http.StatusOK {
		t.Fatalf("status = %d, want 200", status)
	}
	if len(rows) != 2 {
		t.Fatalf("rows = %+v, want 2", rows)
	}
	statuses := map[ref.AgentID]string{}
	for _, row := range rows {
		statuses[row.AgentID] = row.Status
	}
	if statuses["agent-1"] != geo.StatusActive {
		t.Errorf("agent-1 status = %s, want active", statuses["agent-1"])
	}
	if statuses["agent-2"] != geo.StatusStale {
		t.Errorf("agent-2 status = %s, want stale", statuses["agent-2"])
	}
}

func TestLatestLocationsRequireSiteID(t *testing.T) {
	t.Parallel()
	f := newAPIFixture(t)
	status := f.request(t, http.MethodGet, "/api/locations/latest", f.supervisorToken(), nil, nil)
	if status != http.StatusBadRequest {
		t.Errorf("status = %d, want 400", status)
	}
}
