// Perimetra - Tenant-Scoped Visitor Event Ingestion and Fan-Out
// Copyright 2026 Perimetra Authors
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/perimetra/perimetra

package pipeline

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/goccy/go-json"

	"github.com/perimetra/perimetra/internal/auth"
	"github.com/perimetra/perimetra/internal/config"
	"github.com/perimetra/perimetra/internal/models"
	"github.com/perimetra/perimetra/internal/queue"
	"github.com/perimetra/perimetra/internal/search"
	"github.com/perimetra/perimetra/internal/store"
)

type harness struct {
	store    *store.BadgerStore
	search   *search.Client
	queue    *queue.Queue
	pipeline *Pipeline
	sinks    *Sinks
}

func testLanes() config.QueueConfig {
	lane := config.LaneConfig{
		Concurrency: 2,
		MaxAttempts: 3,
		Priority:    queue.PriorityNormal,
		Backoff:     queue.BackoffFixed,
		BackoffBase: 10 * time.Millisecond,
	}
	critical := lane
	critical.Priority = queue.PriorityCritical
	return config.QueueConfig{
		PollInterval:     20 * time.Millisecond,
		StuckTimeout:     time.Hour,
		WatchdogInterval: time.Hour,
		SearchLane:       critical,
		BusLane:          lane,
		TouchLane:        lane,
	}
}

// newHarness wires a full pipeline on in-memory backends. The realtime bus
// is nil; its sink behavior is covered by the bus package tests.
func newHarness(t *testing.T, startSinks bool) *harness {
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

	sc, err := search.Open(config.SearchConfig{
		IndexPrefix:  "perimetra",
		Multitenancy: true,
		MasterScope:  "master",
	})
	if err != nil {
		t.Fatalf("open search: %v", err)
	}
	t.Cleanup(func() {
		if err := sc.Close(); err != nil {
			t.Errorf("close search: %v", err)
		}
	})

	lanes := testLanes()
	q := queue.New(st.DB(), lanes)
	t.Cleanup(func() {
		if err := q.Close(); err != nil {
			t.Errorf("close queue: %v", err)
		}
	})

	h := &harness{
		store:    st,
		search:   sc,
		queue:    q,
		pipeline: New(st, q, sc, lanes),
		sinks:    NewSinks(st, sc, nil),
	}
	if startSinks {
		h.sinks.Register(q, lanes)
	}
	return h
}

func principal() *auth.Principal {
	return &auth.Principal{
		Type:     auth.PrincipalUser,
		ID:       "u-1",
		TenantID: "org-1",
		Tenant:   &models.Tenant{ID: "org-1", Name: "Acme"},
	}
}

func rawEventBody(t *testing.T, eventType string, data models.EventData, createdAt *time.Time) []byte {
	t.Helper()
	body, err := json.Marshal(map[string]interface{}{
		"event":     eventType,
		"data":      data,
		"createdAt": createdAt,
	})
	if err != nil {
		t.Fatalf("marshal body: %v", err)
	}
	return body
}

func waitFor(t *testing.T, timeout time.Duration, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatal("condition not met within timeout")
}

func TestIngestPersistsAndEnqueues(t *testing.T) {
	h := newHarness(t, false)
	ctx := context.Background()

	body := rawEventBody(t, models.EventTypeEnter, models.EventData{
		VisitorID:  "v-1",
		GeofenceID: "g-1",
	}, nil)

	event, err := h.pipeline.Ingest(ctx, body, principal())
	if err != nil {
		t.Fatalf("Ingest() error = %v", err)
	}
	if event.OrganizationID != "org-1" {
		t.Errorf("OrganizationID = %q, want org-1 (stamped from principal)", event.OrganizationID)
	}
	if event.ID == "" {
		t.Error("event has no id")
	}

	// Durable before any fan-out runs.
	var stored models.Event
	if err := h.store.Get(ctx, store.TableEvents, event.ID, &stored); err != nil {
		t.Fatalf("event not in primary store: %v", err)
	}

	for _, lane := range []string{LaneSearchIndex, LaneRealtimeBus} {
		depth, err := h.queue.Depth(lane)
		if err != nil {
			t.Fatalf("Depth(%s) error = %v", lane, err)
		}
		if depth != 1 {
			t.Errorf("Depth(%s) = %d, want 1", lane, depth)
		}
	}
	// Touch lane only fires for position-carrying events.
	depth, err := h.queue.Depth(LaneTouchLast)
	if err != nil {
		t.Fatalf("Depth(touch) error = %v", err)
	}
	if depth != 0 {
		t.Errorf("Depth(touch) = %d, want 0", depth)
	}
}

func TestIngestPositionEnqueuesTouch(t *testing.T) {
	h := newHarness(t, false)

	body := rawEventBody(t, models.EventTypePosition, models.EventData{
		VisitorID: "v-1",
		Location:  &models.GeoPoint{Lat: 60.17, Lng: 24.94},
	}, nil)

	if _, err := h.pipeline.Ingest(context.Background(), body, principal()); err != nil {
		t.Fatalf("Ingest() error = %v", err)
	}

	depth, err := h.queue.Depth(LaneTouchLast)
	if err != nil {
		t.Fatalf("Depth(touch) error = %v", err)
	}
	if depth != 1 {
		t.Errorf("Depth(touch) = %d, want 1", depth)
	}
}

func TestIngestRejectsInvalidPayload(t *testing.T) {
	h := newHarness(t, false)
	ctx := context.Background()

	if _, err := h.pipeline.Ingest(ctx, []byte("{not json"), principal()); !errors.Is(err, ErrInvalidPayload) {
		t.Errorf("Ingest(garbage) error = %v, want ErrInvalidPayload", err)
	}
	if _, err := h.pipeline.Ingest(ctx, []byte(`{"data":{}}`), principal()); !errors.Is(err, ErrInvalidPayload) {
		t.Errorf("Ingest(missing type) error = %v, want ErrInvalidPayload", err)
	}
}

func TestResolverEnrichesThroughChain(t *testing.T) {
	h := newHarness(t, false)
	ctx := context.Background()

	seed := []struct {
		table string
		id    string
		doc   interface{}
	}{
		{store.TableGeofences, "g-1", &models.Geofence{ID: "g-1", OrganizationID: "org-1", Name: "Lobby", PlaceID: "p-1", DepartmentID: "d-1"}},
		{store.TableDepartments, "d-1", &models.Department{ID: "d-1", OrganizationID: "org-1", Name: "Reception"}},
		{store.TablePlaces, "p-1", &models.Place{ID: "p-1", OrganizationID: "org-1", Name: "HQ", FloorID: "f-1", Tags: []string{"hq", "vip"}}},
		{store.TableFloors, "f-1", &models.Floor{ID: "f-1", OrganizationID: "org-1", Name: "Ground"}},
		{store.TableVisitors, "v-1", &models.Visitor{ID: "v-1", OrganizationID: "org-1", Name: "Badge 42"}},
	}
	for _, s := range seed {
		if err := h.store.Insert(ctx, s.table, s.id, s.doc); err != nil {
			t.Fatalf("seed %s: %v", s.table, err)
		}
	}

	event := models.NewEvent("org-1", models.EventTypeEnter)
	event.Data.GeofenceID = "g-1"
	event.Data.VisitorID = "v-1"
	event.Data.Tags = []string{"vip"}

	if err := NewResolver(h.store).Resolve(ctx, event); err != nil {
		t.Fatalf("Resolve() error = %v", err)
	}

	if event.Data.Geofence != "Lobby" || event.Data.Place != "HQ" ||
		event.Data.Department != "Reception" || event.Data.Floor != "Ground" {
		t.Errorf("denormalized names = %q/%q/%q/%q, want Lobby/HQ/Reception/Ground",
			event.Data.Geofence, event.Data.Place, event.Data.Department, event.Data.Floor)
	}
	if event.Data.PlaceID != "p-1" || event.Data.FloorID != "f-1" {
		t.Errorf("forwarded ids place=%q floor=%q, want p-1/f-1", event.Data.PlaceID, event.Data.FloorID)
	}
	if event.Data.Visitor == nil || event.Data.Visitor.Name != "Badge 42" {
		t.Errorf("visitor = %+v, want embedded Badge 42", event.Data.Visitor)
	}
	// Place tags unioned without duplicating the existing "vip".
	want := []string{"vip", "hq"}
	if len(event.Data.Tags) != len(want) {
		t.Fatalf("tags = %v, want %v", event.Data.Tags, want)
	}
	for i, tag := range want {
		if event.Data.Tags[i] != tag {
			t.Errorf("tags[%d] = %q, want %q", i, event.Data.Tags[i], tag)
		}
	}
}

func TestResolverMissingEntityIsNonFatal(t *testing.T) {
	h := newHarness(t, false)

	event := models.NewEvent("org-1", models.EventTypeEnter)
	event.Data.GeofenceID = "g-missing"
	event.Data.VisitorID = "v-missing"

	if err := NewResolver(h.store).Resolve(context.Background(), event); err != nil {
		t.Fatalf("Resolve() error = %v", err)
	}
	if event.Data.Geofence != "" {
		t.Errorf("Geofence = %q, want empty for missing entity", event.Data.Geofence)
	}
	if event.Data.Visitor != nil {
		t.Errorf("Visitor = %+v, want nil for missing entity", event.Data.Visitor)
	}
}

func TestConcurrentTaggingCountsExactly(t *testing.T) {
	h := newHarness(t, false)
	ctx := context.Background()
	agg := NewTagAggregator(h.store)

	const events = 50
	var wg sync.WaitGroup
	errCh := make(chan error, events)
	for i := 0; i < events; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			event := models.NewEvent("org-1", models.EventTypeEnter)
			event.Data.VisitorID = "v-1"
			event.Data.Tags = []string{"vip"}
			if err := agg.Apply(ctx, event); err != nil {
				errCh <- err
			}
		}()
	}
	wg.Wait()
	close(errCh)
	for err := range errCh {
		t.Fatalf("Apply() error = %v", err)
	}

	count, err := h.store.Counter(ctx, TagScope("v-1"), "vip")
	if err != nil {
		t.Fatalf("Counter() error = %v", err)
	}
	if count != events {
		t.Errorf("vip counter = %d, want %d", count, events)
	}
}

func TestTagAggregatorNoopWithoutVisitor(t *testing.T) {
	h := newHarness(t, false)

	event := models.NewEvent("org-1", models.EventTypeEnter)
	event.Data.Tags = []string{"vip"}
	if err := NewTagAggregator(h.store).Apply(context.Background(), event); err != nil {
		t.Fatalf("Apply() error = %v", err)
	}
}

func TestDwellCorrelationEndToEnd(t *testing.T) {
	h := newHarness(t, true)
	ctx := context.Background()

	t0 := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	t1 := t0.Add(95 * time.Second)

	enterBody := rawEventBody(t, models.EventTypeEnter, models.EventData{
		VisitorID:  "v-1",
		GeofenceID: "g-1",
	}, &t0)
	enter, err := h.pipeline.Ingest(ctx, enterBody, principal())
	if err != nil {
		t.Fatalf("Ingest(enter) error = %v", err)
	}
	if enter.DwellTime != nil {
		t.Errorf("enter DwellTime = %v, want unset", enter.DwellTime)
	}

	// Wait for the search sink to index the enter event.
	index := h.search.IndexName("events", "org-1")
	waitFor(t, 5*time.Second, func() bool {
		n, err := h.search.Count(ctx, index)
		return err == nil && n >= 1
	})

	exitBody := rawEventBody(t, models.EventTypeExit, models.EventData{
		VisitorID:  "v-1",
		GeofenceID: "g-1",
	}, &t1)
	exit, err := h.pipeline.Ingest(ctx, exitBody, principal())
	if err != nil {
		t.Fatalf("Ingest(exit) error = %v", err)
	}

	if exit.DwellTime == nil || *exit.DwellTime != 95 {
		t.Fatalf("exit DwellTime = %v, want 95", exit.DwellTime)
	}
	if exit.EnterEventID != enter.ID {
		t.Errorf("exit EnterEventID = %q, want %q", exit.EnterEventID, enter.ID)
	}

	// The matched enter record got the mutual back-reference.
	var storedEnter models.Event
	if err := h.store.Get(ctx, store.TableEvents, enter.ID, &storedEnter); err != nil {
		t.Fatalf("load enter: %v", err)
	}
	if storedEnter.ExitEventID != exit.ID {
		t.Errorf("enter ExitEventID = %q, want %q", storedEnter.ExitEventID, exit.ID)
	}
	if storedEnter.DwellTime == nil || *storedEnter.DwellTime != 95 {
		t.Errorf("enter DwellTime = %v, want 95", storedEnter.DwellTime)
	}

	// Both records eventually converge in the search index.
	waitFor(t, 5*time.Second, func() bool {
		indexedEnter, err := h.search.Get(ctx, index, enter.ID)
		if err != nil || indexedEnter.ExitEventID != exit.ID {
			return false
		}
		indexedExit, err := h.search.Get(ctx, index, exit.ID)
		return err == nil && indexedExit.EnterEventID == enter.ID
	})
}

func TestDwellMissIsNotAnError(t *testing.T) {
	h := newHarness(t, false)

	body := rawEventBody(t, models.EventTypeExit, models.EventData{
		VisitorID:  "v-1",
		GeofenceID: "g-1",
	}, nil)
	event, err := h.pipeline.Ingest(context.Background(), body, principal())
	if err != nil {
		t.Fatalf("Ingest() error = %v", err)
	}
	if event.DwellTime != nil {
		t.Errorf("DwellTime = %v, want unset on correlation miss", event.DwellTime)
	}
}

func TestSearchSinkIsIdempotent(t *testing.T) {
	h := newHarness(t, false)
	ctx := context.Background()

	event := models.NewEvent("org-1", models.EventTypeEnter)
	event.Data.VisitorID = "v-1"
	if err := h.store.Insert(ctx, store.TableEvents, event.ID, event); err != nil {
		t.Fatalf("insert event: %v", err)
	}

	payload, err := json.Marshal(FanoutJob{EventID: event.ID, TenantID: "org-1"})
	if err != nil {
		t.Fatalf("marshal payload: %v", err)
	}
	job := &queue.Job{ID: "job-1", Lane: LaneSearchIndex, Payload: payload}

	// Simulated redelivery: the same job applied twice.
	for i := 0; i < 2; i++ {
		if err := h.sinks.HandleSearchIndex(ctx, job); err != nil {
			t.Fatalf("HandleSearchIndex() attempt %d error = %v", i+1, err)
		}
	}

	n, err := h.search.Count(ctx, h.search.IndexName("events", "org-1"))
	if err != nil {
		t.Fatalf("Count() error = %v", err)
	}
	if n != 1 {
		t.Errorf("index has %d documents after redelivery, want 1", n)
	}
}

func TestSinkCompletesWhenEventVanished(t *testing.T) {
	h := newHarness(t, false)

	payload, err := json.Marshal(FanoutJob{EventID: "gone", TenantID: "org-1"})
	if err != nil {
		t.Fatalf("marshal payload: %v", err)
	}
	job := &queue.Job{ID: "job-1", Lane: LaneSearchIndex, Payload: payload}

	if err := h.sinks.HandleSearchIndex(context.Background(), job); err != nil {
		t.Errorf("HandleSearchIndex() for vanished event error = %v, want nil", err)
	}
}

func TestIngestConcurrentEventsInterleave(t *testing.T) {
	h := newHarness(t, false)
	ctx := context.Background()

	const n = 20
	var wg sync.WaitGroup
	errCh := make(chan error, n)
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			body := rawEventBody(t, models.EventTypeEnter, models.EventData{
				VisitorID: fmt.Sprintf("v-%d", i),
			}, nil)
			if _, err := h.pipeline.Ingest(ctx, body, principal()); err != nil {
				errCh <- err
			}
		}(i)
	}
	wg.Wait()
	close(errCh)
	for err := range errCh {
		t.Fatalf("Ingest() error = %v", err)
	}

	depth, err := h.queue.Depth(LaneSearchIndex)
	if err != nil {
		t.Fatalf("Depth() error = %v", err)
	}
	if depth != n {
		t.Errorf("search lane depth = %d, want %d", depth, n)
	}
}
