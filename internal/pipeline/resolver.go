// Perimetra - Tenant-Scoped Visitor Event Ingestion and Fan-Out
// Copyright 2026 Perimetra Authors
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/perimetra/perimetra

package pipeline

import (
	"context"
	"errors"
	"slices"

	"github.com/perimetra/perimetra/internal/logging"
	"github.com/perimetra/perimetra/internal/metrics"
	"github.com/perimetra/perimetra/internal/models"
	"github.com/perimetra/perimetra/internal/store"
)

// Resolver denormalizes an event's foreign keys against the primary store.
// A missing referenced entity leaves the field blank and never fails the
// event. Resolution order matters: the geofence may contribute place and
// department ids, and the place may contribute the floor id and tags.
type Resolver struct {
	store store.Store
}

// NewResolver creates a resolver on the primary store.
func NewResolver(st store.Store) *Resolver {
	return &Resolver{store: st}
}

// Resolve enriches the event in place. Only lookup errors other than
// not-found are returned; absent entities are counted and skipped.
func (r *Resolver) Resolve(ctx context.Context, event *models.Event) error {
	event.NormalizeTags()

	if event.Data.GeofenceID != "" && event.Data.Geofence == "" {
		var geofence models.Geofence
		if ok, err := r.lookup(ctx, store.TableGeofences, event.Data.GeofenceID, &geofence); err != nil {
			return err
		} else if ok {
			event.Data.Geofence = geofence.Name
			if event.Data.PlaceID == "" {
				event.Data.PlaceID = geofence.PlaceID
			}
			if event.Data.DepartmentID == "" {
				event.Data.DepartmentID = geofence.DepartmentID
			}
		}
	}

	if event.Data.DepartmentID != "" && event.Data.Department == "" {
		var department models.Department
		if ok, err := r.lookup(ctx, store.TableDepartments, event.Data.DepartmentID, &department); err != nil {
			return err
		} else if ok {
			event.Data.Department = department.Name
		}
	}

	if event.Data.PlaceID != "" && event.Data.Place == "" {
		var place models.Place
		if ok, err := r.lookup(ctx, store.TablePlaces, event.Data.PlaceID, &place); err != nil {
			return err
		} else if ok {
			event.Data.Place = place.Name
			if event.Data.FloorID == "" {
				event.Data.FloorID = place.FloorID
			}
			for _, tag := range place.Tags {
				if !slices.Contains(event.Data.Tags, tag) {
					event.Data.Tags = append(event.Data.Tags, tag)
				}
			}
		}
	}

	if event.Data.FloorID != "" && event.Data.Floor == "" {
		var floor models.Floor
		if ok, err := r.lookup(ctx, store.TableFloors, event.Data.FloorID, &floor); err != nil {
			return err
		} else if ok {
			event.Data.Floor = floor.Name
		}
	}

	if event.Data.VisitorID != "" && event.Data.Visitor == nil {
		var visitor models.Visitor
		if ok, err := r.lookup(ctx, store.TableVisitors, event.Data.VisitorID, &visitor); err != nil {
			return err
		} else if ok {
			event.Data.Visitor = &visitor
		}
	}

	return nil
}

// lookup fetches an entity, mapping not-found to a counted miss.
func (r *Resolver) lookup(ctx context.Context, table, id string, out interface{}) (bool, error) {
	err := r.store.Get(ctx, table, id, out)
	if errors.Is(err, store.ErrNotFound) {
		metrics.EnrichmentLookupMisses.WithLabelValues(table).Inc()
		logging.Debug().Str("table", table).Str("id", id).Msg("Referenced entity not found")
		return false, nil
	}
	if err != nil {
		return false, err
	}
	return true, nil
}
