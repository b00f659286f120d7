// Perimetra - Tenant-Scoped Visitor Event Ingestion and Fan-Out
// Copyright 2026 Perimetra Authors
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/perimetra/perimetra

package config

import (
	"fmt"
	"strings"
)

// Validate checks the loaded configuration for internally inconsistent or
// unusable values. It returns the first problem found.
func (c *Config) Validate() error {
	if c.Server.Port < 1 || c.Server.Port > 65535 {
		return fmt.Errorf("server.port must be in 1-65535, got %d", c.Server.Port)
	}
	if c.Server.Timeout <= 0 {
		return fmt.Errorf("server.timeout must be positive, got %s", c.Server.Timeout)
	}

	if !c.Store.InMemory && c.Store.Path == "" {
		return fmt.Errorf("store.path is required unless store.in_memory is set")
	}

	if c.Search.IndexPrefix == "" {
		return fmt.Errorf("search.index_prefix is required")
	}
	if strings.ContainsAny(c.Search.IndexPrefix, `"'`) {
		return fmt.Errorf("search.index_prefix must not contain quotes")
	}
	if !c.Search.Multitenancy && c.Search.MasterScope == "" {
		return fmt.Errorf("search.master_scope is required when multitenancy is disabled")
	}

	if c.Bus.Enabled {
		if !c.Bus.EmbeddedServer && c.Bus.URL == "" {
			return fmt.Errorf("bus.url is required when bus.embedded_server is disabled")
		}
		if c.Bus.Bucket == "" {
			return fmt.Errorf("bus.bucket is required")
		}
		if c.Bus.SubjectPrefix == "" {
			return fmt.Errorf("bus.subject_prefix is required")
		}
	}

	if c.Queue.StuckTimeout <= 0 {
		return fmt.Errorf("queue.stuck_timeout must be positive, got %s", c.Queue.StuckTimeout)
	}
	if c.Queue.WatchdogInterval <= 0 {
		return fmt.Errorf("queue.watchdog_interval must be positive, got %s", c.Queue.WatchdogInterval)
	}
	for name, lane := range map[string]LaneConfig{
		"queue.search_lane": c.Queue.SearchLane,
		"queue.bus_lane":    c.Queue.BusLane,
		"queue.touch_lane":  c.Queue.TouchLane,
	} {
		if err := validateLane(name, lane); err != nil {
			return err
		}
	}

	if c.Security.MasterSecret == "" {
		return fmt.Errorf("security.master_secret is required")
	}
	if len(c.Security.MasterSecret) < 32 {
		return fmt.Errorf("security.master_secret must be at least 32 characters")
	}
	if c.Security.TenantCacheSize <= 0 {
		return fmt.Errorf("security.tenant_cache_size must be positive, got %d", c.Security.TenantCacheSize)
	}

	return nil
}

func validateLane(name string, lane LaneConfig) error {
	if lane.Concurrency <= 0 {
		return fmt.Errorf("%s.concurrency must be positive, got %d", name, lane.Concurrency)
	}
	if lane.MaxAttempts <= 0 {
		return fmt.Errorf("%s.max_attempts must be positive, got %d", name, lane.MaxAttempts)
	}
	switch lane.Priority {
	case "low", "normal", "critical":
	default:
		return fmt.Errorf("%s.priority must be low, normal or critical, got %q", name, lane.Priority)
	}
	switch lane.Backoff {
	case "fixed", "exponential":
	default:
		return fmt.Errorf("%s.backoff must be fixed or exponential, got %q", name, lane.Backoff)
	}
	if lane.BackoffBase <= 0 {
		return fmt.Errorf("%s.backoff_base must be positive, got %s", name, lane.BackoffBase)
	}
	return nil
}
