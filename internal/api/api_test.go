// Perimetra - Tenant-Scoped Visitor Event Ingestion and Fan-Out
// Copyright 2026 Perimetra Authors
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/perimetra/perimetra

package api

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/goccy/go-json"
	"github.com/golang-jwt/jwt/v5"

	"github.com/perimetra/perimetra/internal/auth"
	"github.com/perimetra/perimetra/internal/config"
	"github.com/perimetra/perimetra/internal/models"
	"github.com/perimetra/perimetra/internal/pipeline"
	"github.com/perimetra/perimetra/internal/queue"
	"github.com/perimetra/perimetra/internal/search"
	"github.com/perimetra/perimetra/internal/store"
)

const testMasterSecret = "0123456789abcdef0123456789abcdef"

type testServer struct {
	server *httptest.Server
	store  *store.BadgerStore
	token  string
}

func newTestServer(t *testing.T) *testServer {
	t.Helper()

	st, err := store.Open(config.StoreConfig{InMemory: true}, store.DefaultIndexes())
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	t.Cleanup(func() {
		if err := st.Close(); err != nil {
			t.Errorf("close store: %v", err)
		}
	})

	sc, err := search.Open(config.SearchConfig{IndexPrefix: "perimetra", MasterScope: "master"})
	if err != nil {
		t.Fatalf("open search: %v", err)
	}
	t.Cleanup(func() {
		if err := sc.Close(); err != nil {
			t.Errorf("close search: %v", err)
		}
	})

	lanes := config.QueueConfig{
		PollInterval:     20 * time.Millisecond,
		StuckTimeout:     time.Hour,
		WatchdogInterval: time.Hour,
		SearchLane:       config.LaneConfig{Concurrency: 1, MaxAttempts: 3, Priority: queue.PriorityCritical, Backoff: queue.BackoffFixed, BackoffBase: 10 * time.Millisecond},
		BusLane:          config.LaneConfig{Concurrency: 1, MaxAttempts: 3, Priority: queue.PriorityNormal, Backoff: queue.BackoffFixed, BackoffBase: 10 * time.Millisecond},
		TouchLane:        config.LaneConfig{Concurrency: 1, MaxAttempts: 3, Priority: queue.PriorityNormal, Backoff: queue.BackoffFixed, BackoffBase: 10 * time.Millisecond},
	}
	q := queue.New(st.DB(), lanes)
	t.Cleanup(func() {
		if err := q.Close(); err != nil {
			t.Errorf("close queue: %v", err)
		}
	})

	gate, err := auth.NewGate(st, config.SecurityConfig{
		MasterSecret:    testMasterSecret,
		TenantCacheTTL:  time.Minute,
		TenantCacheSize: 16,
	})
	if err != nil {
		t.Fatalf("NewGate() error = %v", err)
	}

	token := seedTenant(t, st)

	srv := NewServer(gate, pipeline.New(st, q, sc, lanes), st, config.ServerConfig{})
	ts := httptest.NewServer(srv.Router())
	t.Cleanup(ts.Close)

	return &testServer{server: ts, store: st, token: token}
}

// seedTenant stores a tenant whose token set contains one valid token and
// returns that token.
func seedTenant(t *testing.T, st *store.BadgerStore) string {
	t.Helper()

	consumerSecret := "consumer-secret-1"
	sealed, err := auth.Seal(consumerSecret, testMasterSecret)
	if err != nil {
		t.Fatalf("Seal() error = %v", err)
	}
	token, err := auth.Encode(jwt.MapClaims{
		auth.ClaimIssuer:   "ck-acme",
		auth.ClaimType:     auth.PrincipalUser,
		auth.ClaimUserID:   "u-1",
		auth.ClaimTenantID: "org-1",
	}, consumerSecret)
	if err != nil {
		t.Fatalf("Encode() error = %v", err)
	}

	tenant := &models.Tenant{
		ID:          "org-1",
		Name:        "Acme",
		ConsumerKey: "ck-acme",
		ConsumerCredentials: models.ConsumerCredentials{
			Key:    "ck-acme",
			Secret: sealed,
		},
		Tokens: []string{token},
	}
	if err := st.Insert(context.Background(), store.TableTenants, tenant.ID, tenant); err != nil {
		t.Fatalf("insert tenant: %v", err)
	}
	return token
}

func (ts *testServer) do(t *testing.T, method, path, token, body string) (*http.Response, *APIResponse) {
	t.Helper()

	req, err := http.NewRequest(method, ts.server.URL+path, strings.NewReader(body))
	if err != nil {
		t.Fatalf("new request: %v", err)
	}
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	resp, err := ts.server.Client().Do(req)
	if err != nil {
		t.Fatalf("request %s %s: %v", method, path, err)
	}
	defer resp.Body.Close()

	var envelope APIResponse
	if err := json.NewDecoder(resp.Body).Decode(&envelope); err != nil {
		t.Fatalf("decode envelope: %v", err)
	}
	return resp, &envelope
}

func TestHealth(t *testing.T) {
	ts := newTestServer(t)

	resp, envelope := ts.do(t, http.MethodGet, "/health", "", "")
	if resp.StatusCode != http.StatusOK {
		t.Errorf("status = %d, want 200", resp.StatusCode)
	}
	if !envelope.Success {
		t.Error("envelope.Success = false, want true")
	}
}

func TestCreateEventRequiresToken(t *testing.T) {
	ts := newTestServer(t)

	resp, envelope := ts.do(t, http.MethodPost, "/core/events", "", `{"event":"enter","data":{}}`)
	if resp.StatusCode != http.StatusUnauthorized {
		t.Errorf("status = %d, want 401", resp.StatusCode)
	}
	if envelope.Error == nil || envelope.Error.Code != ErrCodeUnauthorized {
		t.Errorf("error = %+v, want code UNAUTHORIZED", envelope.Error)
	}
}

func TestCreateEventRejectsUnknownToken(t *testing.T) {
	ts := newTestServer(t)

	forged, err := auth.Encode(jwt.MapClaims{
		auth.ClaimIssuer: "ck-acme",
		auth.ClaimType:   auth.PrincipalUser,
	}, "wrong-secret")
	if err != nil {
		t.Fatalf("Encode() error = %v", err)
	}

	resp, _ := ts.do(t, http.MethodPost, "/core/events", forged, `{"event":"enter","data":{}}`)
	if resp.StatusCode != http.StatusUnauthorized {
		t.Errorf("status = %d, want 401", resp.StatusCode)
	}
}

func TestCreateAndGetEvent(t *testing.T) {
	ts := newTestServer(t)

	resp, envelope := ts.do(t, http.MethodPost, "/core/events", ts.token,
		`{"event":"enter","data":{"visitor_id":"v-1","geofence_id":"g-1","tags":["vip"]}}`)
	if resp.StatusCode != http.StatusCreated {
		t.Fatalf("create status = %d, want 201", resp.StatusCode)
	}

	data, err := json.Marshal(envelope.Data)
	if err != nil {
		t.Fatalf("marshal data: %v", err)
	}
	var event models.Event
	if err := json.Unmarshal(data, &event); err != nil {
		t.Fatalf("decode event: %v", err)
	}
	if event.OrganizationID != "org-1" {
		t.Errorf("OrganizationID = %q, want org-1", event.OrganizationID)
	}
	if event.Type != models.EventTypeEnter {
		t.Errorf("Type = %q, want enter", event.Type)
	}

	resp, getEnvelope := ts.do(t, http.MethodGet, "/core/events/"+event.ID, ts.token, "")
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("get status = %d, want 200", resp.StatusCode)
	}
	if !getEnvelope.Success {
		t.Error("get envelope.Success = false, want true")
	}
}

func TestCreateEventInvalidPayload(t *testing.T) {
	ts := newTestServer(t)

	resp, envelope := ts.do(t, http.MethodPost, "/core/events", ts.token, `{"data":{}}`)
	if resp.StatusCode != http.StatusBadRequest {
		t.Errorf("status = %d, want 400", resp.StatusCode)
	}
	if envelope.Error == nil || envelope.Error.Code != ErrCodeBadRequest {
		t.Errorf("error = %+v, want code BAD_REQUEST", envelope.Error)
	}
}

func TestGetEventUnknownID(t *testing.T) {
	ts := newTestServer(t)

	resp, _ := ts.do(t, http.MethodGet, "/core/events/unknown", ts.token, "")
	if resp.StatusCode != http.StatusNotFound {
		t.Errorf("status = %d, want 404", resp.StatusCode)
	}
}

func TestGetEventOtherTenantHidden(t *testing.T) {
	ts := newTestServer(t)

	other := models.NewEvent("org-2", models.EventTypeEnter)
	if err := ts.store.Insert(context.Background(), store.TableEvents, other.ID, other); err != nil {
		t.Fatalf("insert event: %v", err)
	}

	resp, _ := ts.do(t, http.MethodGet, "/core/events/"+other.ID, ts.token, "")
	if resp.StatusCode != http.StatusNotFound {
		t.Errorf("status = %d, want 404 for another tenant's event", resp.StatusCode)
	}
}

func TestTokenAcceptedAsQueryParameter(t *testing.T) {
	ts := newTestServer(t)

	resp, _ := ts.do(t, http.MethodPost, "/core/events?token="+ts.token, "", `{"event":"enter","data":{}}`)
	if resp.StatusCode != http.StatusCreated {
		t.Errorf("status = %d, want 201 with query token", resp.StatusCode)
	}
}
