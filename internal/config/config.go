// Perimetra - Tenant-Scoped Visitor Event Ingestion and Fan-Out
// Copyright 2026 Perimetra Authors
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/perimetra/perimetra

// Package config provides centralized configuration management for all
// Perimetra components.
//
// Configuration loading order (Koanf v2, highest priority wins):
//  1. Built-in defaults
//  2. Optional YAML config file (config.yaml)
//  3. Environment variables
//
// Config is immutable after Load() and safe for concurrent read access.
package config

import "time"

// Config holds all application configuration.
type Config struct {
	Server   ServerConfig   `koanf:"server"`
	Store    StoreConfig    `koanf:"store"`
	Search   SearchConfig   `koanf:"search"`
	Bus      BusConfig      `koanf:"bus"`
	Queue    QueueConfig    `koanf:"queue"`
	Security SecurityConfig `koanf:"security"`
	Logging  LoggingConfig  `koanf:"logging"`
}

// ServerConfig holds HTTP server settings.
type ServerConfig struct {
	Host    string        `koanf:"host"`
	Port    int           `koanf:"port"`
	Timeout time.Duration `koanf:"timeout"`

	// RateLimitReqs/RateLimitWindow bound requests per client IP.
	RateLimitReqs   int           `koanf:"rate_limit_reqs"`
	RateLimitWindow time.Duration `koanf:"rate_limit_window"`
	CORSOrigins     []string      `koanf:"cors_origins"`
}

// StoreConfig holds primary store (BadgerDB) settings. The primary store is
// the system of record: events, tenants, reference entities, tag counters
// and the durable job queue all live here.
type StoreConfig struct {
	Path string `koanf:"path"`

	// SyncWrites forces fsync on every write. The insert that acknowledges
	// an ingestion is the durability boundary, so this defaults to true.
	SyncWrites bool `koanf:"sync_writes"`

	// InMemory runs BadgerDB without disk persistence. Tests only.
	InMemory bool `koanf:"in_memory"`
}

// SearchConfig holds search index (DuckDB) settings.
type SearchConfig struct {
	// Path is the DuckDB database file. Empty means in-memory.
	Path string `koanf:"path"`

	// IndexPrefix is the first segment of the index naming convention
	// <prefix>-<pluralResourceName>-<scope>.
	IndexPrefix string `koanf:"index_prefix"`

	// Multitenancy controls the <scope> segment: when true each tenant gets
	// its own index keyed by tenant id, otherwise MasterScope is used.
	Multitenancy bool   `koanf:"multitenancy"`
	MasterScope  string `koanf:"master_scope"`
}

// BusConfig holds realtime bus (NATS JetStream) settings.
type BusConfig struct {
	Enabled bool   `koanf:"enabled"`
	URL     string `koanf:"url"`

	// EmbeddedServer starts an in-process NATS server instead of connecting
	// to an external one.
	EmbeddedServer bool   `koanf:"embedded_server"`
	StoreDir       string `koanf:"store_dir"`
	MaxMemory      int64  `koanf:"max_memory"`
	MaxStore       int64  `koanf:"max_store"`

	// Bucket is the JetStream KV bucket backing the hierarchical
	// organizations/{tenant}/... tree.
	Bucket string `koanf:"bucket"`

	// StreamName and SubjectPrefix configure the live publication stream.
	StreamName    string `koanf:"stream_name"`
	SubjectPrefix string `koanf:"subject_prefix"`
}

// LaneConfig holds per-lane job queue settings mirroring the historical
// queue deployment: attempts 3, exponential backoff, bounded concurrency.
type LaneConfig struct {
	Concurrency int           `koanf:"concurrency"`
	MaxAttempts int           `koanf:"max_attempts"`
	Priority    string        `koanf:"priority"`
	Backoff     string        `koanf:"backoff"`
	BackoffBase time.Duration `koanf:"backoff_base"`

	// RemoveOnComplete drops finished jobs instead of retaining them.
	RemoveOnComplete bool `koanf:"remove_on_complete"`
}

// QueueConfig holds durable job queue settings.
type QueueConfig struct {
	// PollInterval bounds how long a ready job waits for an idle worker.
	PollInterval time.Duration `koanf:"poll_interval"`

	// StuckTimeout is how long a job may stay active before the watchdog
	// assumes the claiming worker crashed and requeues it.
	StuckTimeout time.Duration `koanf:"stuck_timeout"`

	// WatchdogInterval is how often the watchdog scans for stuck jobs.
	WatchdogInterval time.Duration `koanf:"watchdog_interval"`

	SearchLane LaneConfig `koanf:"search_lane"`
	BusLane    LaneConfig `koanf:"bus_lane"`
	TouchLane  LaneConfig `koanf:"touch_lane"`
}

// SecurityConfig holds the auth gate settings.
type SecurityConfig struct {
	// MasterSecret seals tenant secrets and consumer credentials at rest.
	MasterSecret string `koanf:"master_secret"`

	// EnforceWriteCapability requires a user-typed principal for mutating
	// methods. The historical deployments disagreed on whether this check
	// was active, so it is a policy switch rather than hard-wired.
	EnforceWriteCapability bool `koanf:"enforce_write_capability"`

	// Tenant cache bounds for the consumer-id keyed lookup cache.
	TenantCacheTTL  time.Duration `koanf:"tenant_cache_ttl"`
	TenantCacheSize int           `koanf:"tenant_cache_size"`
}

// LoggingConfig holds logging settings.
type LoggingConfig struct {
	Level  string `koanf:"level"`
	Format string `koanf:"format"`
	Caller bool   `koanf:"caller"`
}
