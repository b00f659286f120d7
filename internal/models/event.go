// Perimetra - Tenant-Scoped Visitor Event Ingestion and Fan-Out
// Copyright 2026 Perimetra Authors
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/perimetra/perimetra

// Package models defines the domain entities shared across the ingestion
// pipeline, the primary store, the search index and the realtime bus.
package models

import (
	"time"

	"github.com/google/uuid"
)

// Event types understood by the pipeline. The list is open-ended; unknown
// types are accepted and routed to the global bus channel.
const (
	EventTypeEnter        = "enter"
	EventTypeExit         = "exit"
	EventTypeLeave        = "leave"
	EventTypePosition     = "position"
	EventTypeGlobal       = "global"
	EventTypeConfigChange = "config-change"
)

// GeoPoint is a WGS84 coordinate pair.
type GeoPoint struct {
	Lat float64 `json:"lat"`
	Lng float64 `json:"lng"`
}

// EventData is the nested payload of an event. Foreign keys reference other
// entities by id only; denormalized display names are copied forward by the
// reference resolver before the event is stored.
type EventData struct {
	GeofenceID   string    `json:"geofence_id,omitempty"`
	PlaceID      string    `json:"place_id,omitempty"`
	DepartmentID string    `json:"department_id,omitempty"`
	FloorID      string    `json:"floor_id,omitempty"`
	VisitorID    string    `json:"visitor_id,omitempty"`
	Location     *GeoPoint `json:"location,omitempty"`
	Tags         []string  `json:"tags"`

	// Denormalized fields, populated by enrichment.
	Geofence   string   `json:"geofence,omitempty"`
	Place      string   `json:"place,omitempty"`
	Department string   `json:"department,omitempty"`
	Floor      string   `json:"floor,omitempty"`
	Visitor    *Visitor `json:"visitor,omitempty"`
}

// Event is a tenant-scoped domain event. Cross-references between paired
// enter/exit events are by id, never by in-memory pointer: both records live
// in the primary store and correlation updates them with independent point
// writes.
type Event struct {
	ID               string    `json:"id,omitempty"`
	OrganizationID   string    `json:"organization_id"`
	OrganizationName string    `json:"organization_name,omitempty"`
	Type             string    `json:"event"`
	Data             EventData `json:"data"`

	// DwellTime is the elapsed duration in whole seconds a visitor spent
	// inside a geofence, derived by correlating exit with enter. Nil until
	// correlation succeeds.
	DwellTime    *int64 `json:"dwellTime,omitempty"`
	EnterEventID string `json:"enter_event_id,omitempty"`
	ExitEventID  string `json:"exit_event_id,omitempty"`

	CreatedAt time.Time `json:"createdAt"`
	UpdatedAt time.Time `json:"updatedAt"`
}

// NewEvent creates an event with a fresh id and UTC timestamps.
func NewEvent(orgID, eventType string) *Event {
	now := time.Now().UTC()
	return &Event{
		ID:             uuid.New().String(),
		OrganizationID: orgID,
		Type:           eventType,
		Data:           EventData{Tags: []string{}},
		CreatedAt:      now,
		UpdatedAt:      now,
	}
}

// IsProximity reports whether the event belongs to the proximity channel of
// the realtime bus (enter|exit|leave); everything else is global.
func (e *Event) IsProximity() bool {
	switch e.Type {
	case EventTypeEnter, EventTypeExit, EventTypeLeave:
		return true
	}
	return false
}

// HasPosition reports whether the event carries a visitor position usable
// for the geospatial bus channel.
func (e *Event) HasPosition() bool {
	return e.Data.Location != nil && e.Data.VisitorID != ""
}

// NormalizeTags guarantees the tags slice is non-nil so downstream stages
// can append and union without nil checks.
func (e *Event) NormalizeTags() {
	if e.Data.Tags == nil {
		e.Data.Tags = []string{}
	}
}
