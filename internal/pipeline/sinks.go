// Perimetra - Tenant-Scoped Visitor Event Ingestion and Fan-Out
// Copyright 2026 Perimetra Authors
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/perimetra/perimetra

package pipeline

import (
	"context"
	"errors"
	"fmt"
	"time"

	gobreaker "github.com/sony/gobreaker/v2"

	"github.com/perimetra/perimetra/internal/bus"
	"github.com/perimetra/perimetra/internal/config"
	"github.com/perimetra/perimetra/internal/logging"
	"github.com/perimetra/perimetra/internal/metrics"
	"github.com/perimetra/perimetra/internal/models"
	"github.com/perimetra/perimetra/internal/queue"
	"github.com/perimetra/perimetra/internal/search"
	"github.com/perimetra/perimetra/internal/store"
)

// Sinks holds the fan-out consumers. Every handler is idempotent: the
// queue delivers at least once, and the watchdog can redeliver a job whose
// worker crashed mid-write.
type Sinks struct {
	store  store.Store
	search *search.Client
	bus    *bus.Bus

	searchBreaker *gobreaker.CircuitBreaker[interface{}]
	busBreaker    *gobreaker.CircuitBreaker[interface{}]
}

// NewSinks wires the sink adapters. The bus may be nil when the realtime
// surface is disabled; its lanes then complete as no-ops.
func NewSinks(st store.Store, sc *search.Client, rb *bus.Bus) *Sinks {
	return &Sinks{
		store:         st,
		search:        sc,
		bus:           rb,
		searchBreaker: newSinkBreaker("search-index"),
		busBreaker:    newSinkBreaker("realtime-bus"),
	}
}

// newSinkBreaker protects a sink's external system. A tripped breaker fails
// jobs fast; the queue's backoff spaces out the probes.
func newSinkBreaker(name string) *gobreaker.CircuitBreaker[interface{}] {
	return gobreaker.NewCircuitBreaker[interface{}](gobreaker.Settings{
		Name:        name,
		MaxRequests: 3,
		Interval:    60 * time.Second,
		Timeout:     15 * time.Second,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= 5
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			logging.Warn().
				Str("sink", name).
				Str("from", from.String()).
				Str("to", to.String()).
				Msg("Sink circuit breaker state change")
		},
	})
}

// Register attaches the sink handlers to their lanes with the configured
// concurrency bounds.
func (s *Sinks) Register(q *queue.Queue, cfg config.QueueConfig) {
	q.Process(LaneSearchIndex, cfg.SearchLane.Concurrency, s.HandleSearchIndex)
	q.Process(LaneRealtimeBus, cfg.BusLane.Concurrency, s.HandleRealtimeBus)
	q.Process(LaneTouchLast, cfg.TouchLane.Concurrency, s.HandleTouchLast)
}

// HandleSearchIndex upserts the event document into the tenant's index.
// Keyed by event id, so redelivery rewrites the same document.
func (s *Sinks) HandleSearchIndex(ctx context.Context, job *queue.Job) error {
	event, err := s.loadEvent(ctx, job)
	if err != nil || event == nil {
		return err
	}

	index := s.search.IndexName("events", event.OrganizationID)
	_, err = s.searchBreaker.Execute(func() (interface{}, error) {
		return nil, s.search.Upsert(ctx, index, event)
	})
	if err != nil {
		metrics.SinkWrites.WithLabelValues("search_index", "error").Inc()
		return fmt.Errorf("search index sink: %w", err)
	}
	metrics.SinkWrites.WithLabelValues("search_index", "ok").Inc()
	return nil
}

// HandleRealtimeBus routes the event into the tenant's realtime tree:
// positions for located visitors, the proximity branch for enter/exit/leave,
// the global branch for everything else.
func (s *Sinks) HandleRealtimeBus(ctx context.Context, job *queue.Job) error {
	if s.bus == nil {
		return nil
	}
	event, err := s.loadEvent(ctx, job)
	if err != nil || event == nil {
		return err
	}

	_, err = s.busBreaker.Execute(func() (interface{}, error) {
		if event.HasPosition() {
			if err := s.bus.SetPosition(ctx, event); err != nil {
				return nil, err
			}
		}
		if event.IsProximity() {
			return nil, s.bus.PublishProximity(ctx, event)
		}
		return nil, s.bus.PublishGlobal(ctx, event)
	})
	if err != nil {
		metrics.SinkWrites.WithLabelValues("realtime_bus", "error").Inc()
		return fmt.Errorf("realtime bus sink: %w", err)
	}
	metrics.SinkWrites.WithLabelValues("realtime_bus", "ok").Inc()
	return nil
}

// HandleTouchLast stamps the tenant's last-event marker.
func (s *Sinks) HandleTouchLast(ctx context.Context, job *queue.Job) error {
	if s.bus == nil {
		return nil
	}
	event, err := s.loadEvent(ctx, job)
	if err != nil || event == nil {
		return err
	}

	_, err = s.busBreaker.Execute(func() (interface{}, error) {
		return nil, s.bus.TouchLastEvent(ctx, event)
	})
	if err != nil {
		metrics.SinkWrites.WithLabelValues("touch_last", "error").Inc()
		return fmt.Errorf("touch-last sink: %w", err)
	}
	metrics.SinkWrites.WithLabelValues("touch_last", "ok").Inc()
	return nil
}

// loadEvent reloads the job's event from the primary store so retries see
// the latest record. A record that no longer exists completes the job;
// retrying cannot bring it back.
func (s *Sinks) loadEvent(ctx context.Context, job *queue.Job) (*models.Event, error) {
	var payload FanoutJob
	if err := job.UnmarshalPayload(&payload); err != nil {
		return nil, fmt.Errorf("decode fan-out payload: %w", err)
	}

	var event models.Event
	err := s.store.Get(ctx, store.TableEvents, payload.EventID, &event)
	if errors.Is(err, store.ErrNotFound) {
		logging.Warn().Str("event_id", payload.EventID).Msg("Fan-out event vanished from primary store")
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("load event %s: %w", payload.EventID, err)
	}
	return &event, nil
}
