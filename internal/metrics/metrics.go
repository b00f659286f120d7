// Perimetra - Tenant-Scoped Visitor Event Ingestion and Fan-Out
// Copyright 2026 Perimetra Authors
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/perimetra/perimetra

// Package metrics provides Prometheus instrumentation for the ingestion
// pipeline, the job queue, the auth gate and the sink adapters.
package metrics

import (
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// Ingestion pipeline metrics
	IngestDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "ingest_duration_seconds",
			Help:    "Duration of event ingestion pipeline executions in seconds",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"event_type", "status"},
	)

	EventsIngested = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "events_ingested_total",
			Help: "Total number of events accepted by the ingestion pipeline",
		},
		[]string{"event_type"},
	)

	DwellCorrelations = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "dwell_correlations_total",
			Help: "Dwell-time correlation outcomes (matched or miss)",
		},
		[]string{"outcome"},
	)

	EnrichmentLookupMisses = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "enrichment_lookup_misses_total",
			Help: "Reference lookups that found no entity (non-fatal)",
		},
		[]string{"entity"},
	)

	// Job queue metrics
	QueueJobsEnqueued = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "queue_jobs_enqueued_total",
			Help: "Jobs enqueued per lane",
		},
		[]string{"lane", "priority"},
	)

	QueueJobsCompleted = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "queue_jobs_completed_total",
			Help: "Jobs completed per lane and terminal state",
		},
		[]string{"lane", "state"},
	)

	QueueJobRetries = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "queue_job_retries_total",
			Help: "Job retry attempts per lane",
		},
		[]string{"lane"},
	)

	QueueJobsRequeuedStuck = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "queue_jobs_requeued_stuck_total",
			Help: "Jobs requeued by the stuck-job watchdog per lane",
		},
		[]string{"lane"},
	)

	QueueDepth = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "queue_depth",
			Help: "Number of queued jobs per lane",
		},
		[]string{"lane"},
	)

	QueueHandlerDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "queue_handler_duration_seconds",
			Help:    "Duration of job handler executions in seconds",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"lane"},
	)

	// Sink adapter metrics
	SinkWrites = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "sink_writes_total",
			Help: "Sink write attempts per sink and result",
		},
		[]string{"sink", "result"},
	)

	// Auth gate metrics
	AuthDecisions = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "auth_decisions_total",
			Help: "Auth gate outcomes",
		},
		[]string{"outcome"},
	)

	TenantCacheHits = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "tenant_cache_hits_total",
			Help: "Tenant lookups served from the consumer-id cache",
		},
	)

	TenantCacheMisses = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "tenant_cache_misses_total",
			Help: "Tenant lookups that fell through to the primary store",
		},
	)

	// API metrics
	APIRequestsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "api_requests_total",
			Help: "HTTP requests by method, path and status code",
		},
		[]string{"method", "path", "status"},
	)

	APIRequestDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "api_request_duration_seconds",
			Help:    "HTTP request duration in seconds",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"method", "path"},
	)
)

// ObserveIngest records one pipeline execution.
func ObserveIngest(eventType, status string, start time.Time) {
	IngestDuration.WithLabelValues(eventType, status).Observe(time.Since(start).Seconds())
	if status == "ok" {
		EventsIngested.WithLabelValues(eventType).Inc()
	}
}

// ObserveAPIRequest records one HTTP request.
func ObserveAPIRequest(method, path string, status int, start time.Time) {
	APIRequestsTotal.WithLabelValues(method, path, strconv.Itoa(status)).Inc()
	APIRequestDuration.WithLabelValues(method, path).Observe(time.Since(start).Seconds())
}
