// Perimetra - Tenant-Scoped Visitor Event Ingestion and Fan-Out
// Copyright 2026 Perimetra Authors
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/perimetra/perimetra

// Package pipeline ingests tenant-scoped events. Each ingestion runs the
// stages resolve -> aggregate tags -> correlate dwell -> persist -> enqueue
// fan-out, strictly in order. The primary store insert is the durability
// boundary: once it succeeds the request is accepted, and every downstream
// sink converges asynchronously through the job queue.
package pipeline

import (
	"context"
	"fmt"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/goccy/go-json"

	"github.com/perimetra/perimetra/internal/auth"
	"github.com/perimetra/perimetra/internal/config"
	"github.com/perimetra/perimetra/internal/logging"
	"github.com/perimetra/perimetra/internal/metrics"
	"github.com/perimetra/perimetra/internal/models"
	"github.com/perimetra/perimetra/internal/queue"
	"github.com/perimetra/perimetra/internal/search"
	"github.com/perimetra/perimetra/internal/store"
)

// Fan-out lanes.
const (
	LaneSearchIndex = "search-index"
	LaneRealtimeBus = "realtime-bus"
	LaneTouchLast   = "touch-last"
)

// FanoutJob is the queue payload for every sink lane. It carries ids only;
// sinks reload the event from the primary store so a retried job always
// sees the latest record.
type FanoutJob struct {
	EventID  string `json:"event_id"`
	TenantID string `json:"tenant_id"`
}

// eventRequest is the wire shape accepted by Ingest.
type eventRequest struct {
	Type      string           `json:"event" validate:"required"`
	Data      models.EventData `json:"data"`
	CreatedAt *time.Time       `json:"createdAt"`
}

// Pipeline orchestrates the ingestion stages.
type Pipeline struct {
	store     store.Store
	queue     *queue.Queue
	resolver  *Resolver
	tags      *TagAggregator
	correlate *DwellCorrelator
	validate  *validator.Validate
	lanes     config.QueueConfig
}

// New wires the pipeline onto its collaborators. The queue instance is
// injected, never reached through a global.
func New(st store.Store, q *queue.Queue, sc *search.Client, lanes config.QueueConfig) *Pipeline {
	return &Pipeline{
		store:     st,
		queue:     q,
		resolver:  NewResolver(st),
		tags:      NewTagAggregator(st),
		correlate: NewDwellCorrelator(st, sc),
		validate:  validator.New(),
		lanes:     lanes,
	}
}

// Ingest runs one event through the pipeline and returns the persisted
// record. Enrichment and correlation failures degrade the record but never
// fail the request; only an invalid payload or a primary store failure is
// surfaced.
func (p *Pipeline) Ingest(ctx context.Context, raw []byte, principal *auth.Principal) (*models.Event, error) {
	start := time.Now()

	var req eventRequest
	if err := json.Unmarshal(raw, &req); err != nil {
		metrics.ObserveIngest("unknown", "invalid", start)
		return nil, fmt.Errorf("%w: %v", ErrInvalidPayload, err)
	}
	if err := p.validate.Struct(&req); err != nil {
		metrics.ObserveIngest("unknown", "invalid", start)
		return nil, fmt.Errorf("%w: %v", ErrInvalidPayload, err)
	}

	event := models.NewEvent(principal.TenantID, req.Type)
	event.Data = req.Data
	if req.CreatedAt != nil {
		event.CreatedAt = req.CreatedAt.UTC()
		event.UpdatedAt = event.CreatedAt
	}
	if principal.Tenant != nil {
		event.OrganizationName = principal.Tenant.Name
	}

	if err := p.resolver.Resolve(ctx, event); err != nil {
		logging.Warn().Err(err).Str("event_id", event.ID).Msg("Enrichment degraded")
	}
	if err := p.tags.Apply(ctx, event); err != nil {
		logging.Warn().Err(err).Str("event_id", event.ID).Msg("Tag aggregation degraded")
	}
	if err := p.correlate.Correlate(ctx, event); err != nil {
		logging.Warn().Err(err).Str("event_id", event.ID).Msg("Dwell correlation degraded")
	}

	if err := p.store.Insert(ctx, store.TableEvents, event.ID, event); err != nil {
		metrics.ObserveIngest(event.Type, "store_error", start)
		return nil, fmt.Errorf("%w: %v", ErrPrimaryStore, err)
	}

	// The record is durable; fan-out failures are the queue's problem now.
	p.enqueueFanout(ctx, event)

	metrics.ObserveIngest(event.Type, "ok", start)
	logging.Info().
		Str("event_id", event.ID).
		Str("tenant_id", event.OrganizationID).
		Str("event_type", event.Type).
		Msg("Event ingested")
	return event, nil
}

func (p *Pipeline) enqueueFanout(ctx context.Context, event *models.Event) {
	payload := FanoutJob{EventID: event.ID, TenantID: event.OrganizationID}

	p.enqueue(ctx, LaneSearchIndex, payload, queue.OptionsFromLane(p.lanes.SearchLane))
	p.enqueue(ctx, LaneRealtimeBus, payload, queue.OptionsFromLane(p.lanes.BusLane))
	if event.HasPosition() {
		p.enqueue(ctx, LaneTouchLast, payload, queue.OptionsFromLane(p.lanes.TouchLane))
	}
}

func (p *Pipeline) enqueue(ctx context.Context, lane string, payload FanoutJob, opts queue.Options) {
	if _, err := p.queue.Enqueue(ctx, lane, payload, opts); err != nil {
		logging.Error().Err(err).
			Str("lane", lane).
			Str("event_id", payload.EventID).
			Msg("Fan-out enqueue failed")
	}
}
