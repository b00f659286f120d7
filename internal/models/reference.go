// Perimetra - Tenant-Scoped Visitor Event Ingestion and Fan-Out
// Copyright 2026 Perimetra Authors
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/perimetra/perimetra

package models

// Reference entities looked up by the resolver to denormalize an event.
// Each carries its display name plus the parent foreign keys it contributes
// to subsequent resolution steps.

// Geofence is a named polygonal region. It may supply place and department
// ids to an event that only carries a geofence id.
type Geofence struct {
	ID             string `json:"id"`
	OrganizationID string `json:"organization_id"`
	Name           string `json:"name"`
	PlaceID        string `json:"place_id,omitempty"`
	DepartmentID   string `json:"department_id,omitempty"`
}

// Place is a physical venue. Its tags are unioned into the event's tag list
// and its floor id is copied forward when the event has none.
type Place struct {
	ID             string   `json:"id"`
	OrganizationID string   `json:"organization_id"`
	Name           string   `json:"name"`
	FloorID        string   `json:"floor_id,omitempty"`
	Tags           []string `json:"tags,omitempty"`
}

// Department is an organizational unit within a place.
type Department struct {
	ID             string `json:"id"`
	OrganizationID string `json:"organization_id"`
	Name           string `json:"name"`
}

// Floor is a level within a place.
type Floor struct {
	ID             string `json:"id"`
	OrganizationID string `json:"organization_id"`
	Name           string `json:"name"`
}

// Visitor is a tracked device or person. The full record is embedded into
// resolved events; per-visitor tag counters live in the primary store under
// a dedicated counter keyspace, not on this struct.
type Visitor struct {
	ID             string `json:"id"`
	OrganizationID string `json:"organization_id"`
	Name           string `json:"name,omitempty"`
}
