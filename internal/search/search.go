// Perimetra - Tenant-Scoped Visitor Event Ingestion and Fan-Out
// Copyright 2026 Perimetra Authors
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/perimetra/perimetra

// Package search maintains the secondary event index on DuckDB. The index is
// a queryable projection of the primary store: writes are idempotent upserts
// keyed by event id, so the fan-out queue can replay a job without creating
// duplicates.
package search

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"runtime"
	"strings"
	"sync"
	"time"

	_ "github.com/duckdb/duckdb-go/v2"
	"github.com/goccy/go-json"

	"github.com/perimetra/perimetra/internal/config"
	"github.com/perimetra/perimetra/internal/logging"
	"github.com/perimetra/perimetra/internal/models"
)

// ErrNotFound is returned when a lookup matches no indexed document.
var ErrNotFound = errors.New("search: document not found")

// Client wraps the DuckDB connection backing the event index.
type Client struct {
	conn *sql.DB
	cfg  config.SearchConfig

	// ensured tracks indexes whose backing table already exists, so the
	// hot path skips the CREATE TABLE round trip.
	ensuredMu sync.Mutex
	ensured   map[string]struct{}
}

// Open creates the DuckDB connection. An empty path runs in-memory.
func Open(cfg config.SearchConfig) (*Client, error) {
	dsn := cfg.Path
	if dsn != "" {
		dir := filepath.Dir(dsn)
		if dir != "" && dir != "." {
			if err := os.MkdirAll(dir, 0o750); err != nil {
				return nil, fmt.Errorf("create search index directory %s: %w", dir, err)
			}
		}
		dsn = fmt.Sprintf("%s?access_mode=read_write&threads=%d", dsn, runtime.NumCPU())
	}

	conn, err := sql.Open("duckdb", dsn)
	if err != nil {
		return nil, fmt.Errorf("open search index: %w", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := conn.PingContext(ctx); err != nil {
		_ = conn.Close()
		return nil, fmt.Errorf("ping search index: %w", err)
	}

	conn.SetMaxOpenConns(runtime.NumCPU())
	conn.SetMaxIdleConns(2)
	conn.SetConnMaxLifetime(time.Hour)

	logging.Info().
		Str("path", cfg.Path).
		Str("index_prefix", cfg.IndexPrefix).
		Bool("multitenancy", cfg.Multitenancy).
		Msg("Search index opened")

	return &Client{
		conn:    conn,
		cfg:     cfg,
		ensured: make(map[string]struct{}),
	}, nil
}

// IndexName builds the <prefix>-<plural>-<scope> index name. The scope is
// the tenant id when multitenancy is enabled, otherwise the master scope.
func (c *Client) IndexName(resource, tenantID string) string {
	scope := c.cfg.MasterScope
	if c.cfg.Multitenancy {
		scope = tenantID
	}
	return c.cfg.IndexPrefix + "-" + resource + "-" + scope
}

// quoteIdent quotes an identifier for use in SQL. Index names carry
// hyphens, which DuckDB only accepts inside quoted identifiers.
func quoteIdent(name string) string {
	return `"` + strings.ReplaceAll(name, `"`, `""`) + `"`
}

// EnsureIndex creates the backing table for an index if it does not exist.
func (c *Client) EnsureIndex(ctx context.Context, index string) error {
	c.ensuredMu.Lock()
	defer c.ensuredMu.Unlock()
	if _, ok := c.ensured[index]; ok {
		return nil
	}

	stmt := fmt.Sprintf(`CREATE TABLE IF NOT EXISTS %s (
		id VARCHAR PRIMARY KEY,
		organization_id VARCHAR NOT NULL,
		event_type VARCHAR NOT NULL,
		visitor_id VARCHAR,
		geofence_id VARCHAR,
		place_id VARCHAR,
		department_id VARCHAR,
		floor_id VARCHAR,
		dwell_time BIGINT,
		enter_event_id VARCHAR,
		exit_event_id VARCHAR,
		created_at TIMESTAMP NOT NULL,
		updated_at TIMESTAMP NOT NULL,
		document VARCHAR NOT NULL
	)`, quoteIdent(index))

	if _, err := c.conn.ExecContext(ctx, stmt); err != nil {
		return fmt.Errorf("ensure index %s: %w", index, err)
	}
	c.ensured[index] = struct{}{}
	return nil
}

// Upsert writes an event document into the index. Replaying the same event
// id overwrites the prior row, so sink retries cannot duplicate documents.
func (c *Client) Upsert(ctx context.Context, index string, event *models.Event) error {
	if err := c.EnsureIndex(ctx, index); err != nil {
		return err
	}

	doc, err := json.Marshal(event)
	if err != nil {
		return fmt.Errorf("marshal event %s: %w", event.ID, err)
	}

	stmt := fmt.Sprintf(`INSERT INTO %s
		(id, organization_id, event_type, visitor_id, geofence_id, place_id,
		 department_id, floor_id, dwell_time, enter_event_id, exit_event_id,
		 created_at, updated_at, document)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT (id) DO UPDATE SET
		event_type = excluded.event_type,
		dwell_time = excluded.dwell_time,
		enter_event_id = excluded.enter_event_id,
		exit_event_id = excluded.exit_event_id,
		updated_at = excluded.updated_at,
		document = excluded.document`, quoteIdent(index))

	_, err = c.conn.ExecContext(ctx, stmt,
		event.ID,
		event.OrganizationID,
		event.Type,
		nullString(event.Data.VisitorID),
		nullString(event.Data.GeofenceID),
		nullString(event.Data.PlaceID),
		nullString(event.Data.DepartmentID),
		nullString(event.Data.FloorID),
		nullInt64(event.DwellTime),
		nullString(event.EnterEventID),
		nullString(event.ExitEventID),
		event.CreatedAt,
		event.UpdatedAt,
		string(doc),
	)
	if err != nil {
		return fmt.Errorf("upsert event %s into %s: %w", event.ID, index, err)
	}
	return nil
}

// FindLastEnter returns the most recent enter event for a visitor inside a
// geofence that happened strictly before the given instant. Ties on the
// timestamp are broken by id so repeated queries return the same row.
// The organization predicate matters in master scope, where one table holds
// every tenant's events.
func (c *Client) FindLastEnter(ctx context.Context, index, orgID, visitorID, geofenceID string, before time.Time) (*models.Event, error) {
	if err := c.EnsureIndex(ctx, index); err != nil {
		return nil, err
	}

	stmt := fmt.Sprintf(`SELECT document FROM %s
		WHERE organization_id = ?
		  AND event_type = ?
		  AND visitor_id = ?
		  AND geofence_id = ?
		  AND created_at < ?
		ORDER BY created_at DESC, id DESC
		LIMIT 1`, quoteIdent(index))

	var doc string
	err := c.conn.QueryRowContext(ctx, stmt,
		orgID, models.EventTypeEnter, visitorID, geofenceID, before).Scan(&doc)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("query last enter in %s: %w", index, err)
	}

	var event models.Event
	if err := json.Unmarshal([]byte(doc), &event); err != nil {
		return nil, fmt.Errorf("decode indexed event: %w", err)
	}
	return &event, nil
}

// Get returns an indexed event by id.
func (c *Client) Get(ctx context.Context, index, id string) (*models.Event, error) {
	if err := c.EnsureIndex(ctx, index); err != nil {
		return nil, err
	}

	stmt := fmt.Sprintf(`SELECT document FROM %s WHERE id = ?`, quoteIdent(index))

	var doc string
	err := c.conn.QueryRowContext(ctx, stmt, id).Scan(&doc)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get event %s from %s: %w", id, index, err)
	}

	var event models.Event
	if err := json.Unmarshal([]byte(doc), &event); err != nil {
		return nil, fmt.Errorf("decode indexed event: %w", err)
	}
	return &event, nil
}

// Count returns the number of documents in an index.
func (c *Client) Count(ctx context.Context, index string) (int64, error) {
	if err := c.EnsureIndex(ctx, index); err != nil {
		return 0, err
	}

	var n int64
	stmt := fmt.Sprintf(`SELECT COUNT(*) FROM %s`, quoteIdent(index))
	if err := c.conn.QueryRowContext(ctx, stmt).Scan(&n); err != nil {
		return 0, fmt.Errorf("count %s: %w", index, err)
	}
	return n, nil
}

// Close releases the DuckDB connection.
func (c *Client) Close() error {
	return c.conn.Close()
}

func nullString(s string) interface{} {
	if s == "" {
		return nil
	}
	return s
}

func nullInt64(p *int64) interface{} {
	if p == nil {
		return nil
	}
	return *p
}
