// Perimetra - Tenant-Scoped Visitor Event Ingestion and Fan-Out
// Copyright 2026 Perimetra Authors
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/perimetra/perimetra

package pipeline

import (
	"context"
	"fmt"

	"github.com/perimetra/perimetra/internal/models"
	"github.com/perimetra/perimetra/internal/store"
)

// TagAggregator maintains per-visitor tag counters. Every tag on a resolved
// event bumps the (visitor, tag) counter through the store's atomic
// increment, so concurrent events for the same visitor cannot lose updates.
type TagAggregator struct {
	store store.Store
}

// NewTagAggregator creates an aggregator on the primary store.
func NewTagAggregator(st store.Store) *TagAggregator {
	return &TagAggregator{store: st}
}

// TagScope is the counter scope for a visitor's tag counters.
func TagScope(visitorID string) string {
	return "visitor:" + visitorID
}

// Apply increments the counter for each tag on the event. No-op when the
// event carries no visitor id or no tags.
func (a *TagAggregator) Apply(ctx context.Context, event *models.Event) error {
	if event.Data.VisitorID == "" || len(event.Data.Tags) == 0 {
		return nil
	}

	scope := TagScope(event.Data.VisitorID)
	for _, tag := range event.Data.Tags {
		if tag == "" {
			continue
		}
		if _, err := a.store.Increment(ctx, scope, tag, 1); err != nil {
			return fmt.Errorf("increment tag %s for visitor %s: %w", tag, event.Data.VisitorID, err)
		}
	}
	return nil
}
