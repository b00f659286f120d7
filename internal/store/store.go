// Perimetra - Tenant-Scoped Visitor Event Ingestion and Fan-Out
// Copyright 2026 Perimetra Authors
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/perimetra/perimetra

// Package store implements the primary store, the system of record for
// events, tenants, reference entities and tag counters.
//
// The store is a document store over BadgerDB: documents are JSON blobs
// keyed by (table, id), with optional secondary indexes maintained on
// registered JSON fields. All writes are last-writer-wins per id; the
// ingestion design tolerates this because rewrites of the same entity id
// are rare and convergent.
package store

import (
	"context"
	"errors"
)

// Table names used by the ingestion core.
const (
	TableEvents      = "events"
	TableTenants     = "tenants"
	TableGeofences   = "geofences"
	TablePlaces      = "places"
	TableDepartments = "departments"
	TableFloors      = "floors"
	TableVisitors    = "visitors"
)

// Sentinel errors.
var (
	// ErrNotFound is returned when a document does not exist.
	ErrNotFound = errors.New("document not found")

	// ErrAlreadyExists is returned when inserting a duplicate id.
	ErrAlreadyExists = errors.New("document already exists")

	// ErrClosed is returned after the store has been closed.
	ErrClosed = errors.New("store is closed")
)

// Indexes maps a table name to the JSON fields that get a secondary index.
// Index entries are maintained on Insert and Update from the marshaled
// document, so indexed fields must be top-level string values.
type Indexes map[string][]string

// DefaultIndexes returns the secondary indexes the ingestion core relies
// on: tenant lookup by gateway consumer key.
func DefaultIndexes() Indexes {
	return Indexes{
		TableTenants: {"consumer_key"},
	}
}

// Store is the primary store contract consumed by the pipeline, the
// resolver and the auth gate.
type Store interface {
	// Get unmarshals the document with the given id into out.
	// Returns ErrNotFound if absent.
	Get(ctx context.Context, table, id string, out interface{}) error

	// Insert stores a new document. Returns ErrAlreadyExists on duplicate id.
	Insert(ctx context.Context, table, id string, doc interface{}) error

	// Update merges patch into the stored document and rewrites it.
	// Returns ErrNotFound if the document does not exist. This is an
	// independent point write by id: correlation uses it to mutate a
	// previously stored record without holding any in-memory reference.
	Update(ctx context.Context, table, id string, patch map[string]interface{}) error

	// GetAllBy returns the raw JSON documents whose indexed field equals
	// value. The field must be registered in the store's Indexes.
	GetAllBy(ctx context.Context, table, field, value string) ([][]byte, error)

	// Increment atomically adds delta to the counter identified by
	// (scope, key) and returns the new value. The increment is a
	// transactional read-add-write with conflict retry inside the store,
	// so concurrent callers never lose updates. Counters never decrease.
	Increment(ctx context.Context, scope, key string, delta uint64) (uint64, error)

	// Counter returns the current counter value, zero if absent.
	Counter(ctx context.Context, scope, key string) (uint64, error)

	// Close releases the underlying database.
	Close() error
}
