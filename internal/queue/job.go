// Perimetra - Tenant-Scoped Visitor Event Ingestion and Fan-Out
// Copyright 2026 Perimetra Authors
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/perimetra/perimetra

package queue

import (
	"fmt"
	"time"

	"github.com/goccy/go-json"
)

// Job states.
const (
	StateQueued   = "queued"
	StateActive   = "active"
	StateComplete = "complete"
	StateFailed   = "failed"
)

// Priorities. Lower sort rank drains first within a lane.
const (
	PriorityCritical = "critical"
	PriorityNormal   = "normal"
	PriorityLow      = "low"
)

// Backoff strategies.
const (
	BackoffFixed       = "fixed"
	BackoffExponential = "exponential"
)

// Job is a durable unit of work on a lane. Jobs survive process restarts:
// the full record is persisted on enqueue and rewritten on every state
// transition.
type Job struct {
	ID   string `json:"id"`
	Lane string `json:"lane"`

	// Payload is the serialized work item. Use UnmarshalPayload to decode.
	Payload json.RawMessage `json:"payload"`

	Priority string `json:"priority"`
	State    string `json:"state"`

	// Attempts counts claims, including the one currently executing.
	Attempts    int    `json:"attempts"`
	MaxAttempts int    `json:"max_attempts"`
	Backoff     string `json:"backoff"`
	BackoffBase time.Duration `json:"backoff_base"`

	// RemoveOnComplete drops the record after success instead of retaining
	// a tombstone.
	RemoveOnComplete bool `json:"remove_on_complete"`

	// RunAt is the earliest instant a queued job may be claimed. Retries
	// push it into the future per the backoff strategy.
	RunAt time.Time `json:"run_at"`

	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`

	// StartedAt is when the current claim began. The watchdog compares it
	// against the stuck timeout.
	StartedAt time.Time `json:"started_at,omitempty"`

	LastError string `json:"last_error,omitempty"`
}

// UnmarshalPayload decodes the payload into v.
func (j *Job) UnmarshalPayload(v interface{}) error {
	return json.Unmarshal(j.Payload, v)
}

// retryDelay returns how long to wait before the next attempt. The
// exponential strategy doubles the base per completed attempt.
func (j *Job) retryDelay() time.Duration {
	base := j.BackoffBase
	if base <= 0 {
		base = time.Second
	}
	if j.Backoff == BackoffFixed {
		return base
	}
	delay := base
	for i := 1; i < j.Attempts; i++ {
		delay *= 2
		if delay > 5*time.Minute {
			return 5 * time.Minute
		}
	}
	return delay
}

// priorityRank maps a priority to its sort rank inside the ready keyspace.
func priorityRank(priority string) (byte, error) {
	switch priority {
	case PriorityCritical:
		return '0', nil
	case PriorityNormal:
		return '1', nil
	case PriorityLow:
		return '2', nil
	default:
		return 0, fmt.Errorf("unknown priority %q", priority)
	}
}
