// Perimetra - Tenant-Scoped Visitor Event Ingestion and Fan-Out
// Copyright 2026 Perimetra Authors
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/perimetra/perimetra

package pipeline

import (
	"context"
	"errors"
	"time"

	"github.com/perimetra/perimetra/internal/logging"
	"github.com/perimetra/perimetra/internal/metrics"
	"github.com/perimetra/perimetra/internal/models"
	"github.com/perimetra/perimetra/internal/search"
	"github.com/perimetra/perimetra/internal/store"
)

// DwellCorrelator pairs an exit event with the visitor's most recent enter
// event in the same geofence and derives the elapsed dwell time. The two
// records cross-reference each other by id: the matched enter record is
// updated with an independent point write, never through an in-memory link.
type DwellCorrelator struct {
	store  store.Store
	search *search.Client
}

// NewDwellCorrelator creates a correlator on the primary store and the
// search index.
func NewDwellCorrelator(st store.Store, sc *search.Client) *DwellCorrelator {
	return &DwellCorrelator{store: st, search: sc}
}

// Correlate derives dwell time for exit events. A missing counterpart is
// not an error: the dwell time simply stays unset.
func (c *DwellCorrelator) Correlate(ctx context.Context, event *models.Event) error {
	if event.Type != models.EventTypeExit || event.DwellTime != nil {
		return nil
	}
	if event.Data.VisitorID == "" || event.Data.GeofenceID == "" {
		return nil
	}

	index := c.search.IndexName("events", event.OrganizationID)
	enter, err := c.search.FindLastEnter(ctx, index, event.OrganizationID, event.Data.VisitorID, event.Data.GeofenceID, event.CreatedAt)
	if errors.Is(err, search.ErrNotFound) {
		metrics.DwellCorrelations.WithLabelValues("miss").Inc()
		return nil
	}
	if err != nil {
		return err
	}

	dwell := int64(event.CreatedAt.Sub(enter.CreatedAt).Seconds())
	if dwell < 0 {
		dwell = 0
	}
	event.DwellTime = &dwell
	event.EnterEventID = enter.ID

	now := time.Now().UTC()
	patch := map[string]interface{}{
		"dwellTime":     dwell,
		"exit_event_id": event.ID,
		"updatedAt":     now,
	}
	if err := c.store.Update(ctx, store.TableEvents, enter.ID, patch); err != nil {
		// The exit side of the pair is already set; the enter side will
		// converge when the record is next written.
		logging.Error().Err(err).
			Str("enter_event_id", enter.ID).
			Str("exit_event_id", event.ID).
			Msg("Enter event back-reference write failed")
	}

	enter.DwellTime = &dwell
	enter.ExitEventID = event.ID
	enter.UpdatedAt = now
	if err := c.search.Upsert(ctx, index, enter); err != nil {
		logging.Error().Err(err).
			Str("enter_event_id", enter.ID).
			Msg("Enter event index update failed")
	}

	metrics.DwellCorrelations.WithLabelValues("matched").Inc()
	return nil
}
