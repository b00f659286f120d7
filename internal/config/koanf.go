// Perimetra - Tenant-Scoped Visitor Event Ingestion and Fan-Out
// Copyright 2026 Perimetra Authors
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/perimetra/perimetra

package config

import (
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/knadh/koanf/parsers/yaml"
	"github.com/knadh/koanf/providers/env"
	"github.com/knadh/koanf/providers/file"
	"github.com/knadh/koanf/providers/structs"
	"github.com/knadh/koanf/v2"
)

// DefaultConfigPaths lists the paths where config files are searched in
// order of priority. The first file found wins.
var DefaultConfigPaths = []string{
	"config.yaml",
	"config.yml",
	"/etc/perimetra/config.yaml",
	"/etc/perimetra/config.yml",
}

// ConfigPathEnvVar overrides the config file path.
const ConfigPathEnvVar = "CONFIG_PATH"

// envPrefix namespaces all Perimetra environment variables.
const envPrefix = "PERIMETRA_"

// defaultConfig returns a Config with all defaults applied. The lane
// defaults mirror the historical queue deployment: three attempts with
// exponential backoff, search updates at critical priority with concurrency
// 10, bus updates at normal priority with concurrency 20.
func defaultConfig() *Config {
	return &Config{
		Server: ServerConfig{
			Host:            "0.0.0.0",
			Port:            9090,
			Timeout:         30 * time.Second,
			RateLimitReqs:   300,
			RateLimitWindow: time.Minute,
			CORSOrigins:     []string{"*"},
		},
		Store: StoreConfig{
			Path:       "/data/perimetra/store",
			SyncWrites: true,
			InMemory:   false,
		},
		Search: SearchConfig{
			Path:         "/data/perimetra/search.duckdb",
			IndexPrefix:  "perimetra",
			Multitenancy: true,
			MasterScope:  "master",
		},
		Bus: BusConfig{
			Enabled:        true,
			URL:            "nats://127.0.0.1:4222",
			EmbeddedServer: true,
			StoreDir:       "/data/perimetra/bus",
			MaxMemory:      1 << 30,  // 1GB
			MaxStore:       10 << 30, // 10GB
			Bucket:         "organizations",
			StreamName:     "PERIMETRA_EVENTS",
			SubjectPrefix:  "events",
		},
		Queue: QueueConfig{
			PollInterval:     50 * time.Millisecond,
			StuckTimeout:     time.Minute,
			WatchdogInterval: 5 * time.Second,
			SearchLane: LaneConfig{
				Concurrency:      10,
				MaxAttempts:      3,
				Priority:         "critical",
				Backoff:          "exponential",
				BackoffBase:      time.Second,
				RemoveOnComplete: true,
			},
			BusLane: LaneConfig{
				Concurrency:      20,
				MaxAttempts:      3,
				Priority:         "normal",
				Backoff:          "exponential",
				BackoffBase:      time.Second,
				RemoveOnComplete: false,
			},
			TouchLane: LaneConfig{
				Concurrency:      20,
				MaxAttempts:      3,
				Priority:         "normal",
				Backoff:          "exponential",
				BackoffBase:      time.Second,
				RemoveOnComplete: false,
			},
		},
		Security: SecurityConfig{
			MasterSecret:           "",
			EnforceWriteCapability: false,
			TenantCacheTTL:         5 * time.Minute,
			TenantCacheSize:        10000,
		},
		Logging: LoggingConfig{
			Level:  "info",
			Format: "json",
			Caller: false,
		},
	}
}

// Load loads configuration using Koanf v2 with layered sources:
// defaults, then an optional YAML file, then environment variables.
//
// Environment variables use the PERIMETRA_ prefix with underscores mapping
// to nesting, e.g. PERIMETRA_SERVER_PORT -> server.port and
// PERIMETRA_SECURITY_MASTER_SECRET -> security.master_secret.
func Load() (*Config, error) {
	k := koanf.New(".")

	if err := k.Load(structs.Provider(defaultConfig(), "koanf"), nil); err != nil {
		return nil, fmt.Errorf("load defaults: %w", err)
	}

	if configPath := findConfigFile(); configPath != "" {
		if err := k.Load(file.Provider(configPath), yaml.Parser()); err != nil {
			return nil, fmt.Errorf("load config file %s: %w", configPath, err)
		}
	}

	if err := k.Load(env.Provider(envPrefix, ".", envTransformFunc), nil); err != nil {
		return nil, fmt.Errorf("load environment variables: %w", err)
	}

	if err := processSliceFields(k); err != nil {
		return nil, fmt.Errorf("process slice fields: %w", err)
	}

	cfg := &Config{}
	if err := k.Unmarshal("", cfg); err != nil {
		return nil, fmt.Errorf("unmarshal configuration: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("configuration validation failed: %w", err)
	}

	return cfg, nil
}

// findConfigFile returns the first config file found, or "".
func findConfigFile() string {
	if envPath := os.Getenv(ConfigPathEnvVar); envPath != "" {
		if _, err := os.Stat(envPath); err == nil {
			return envPath
		}
	}
	for _, path := range DefaultConfigPaths {
		if _, err := os.Stat(path); err == nil {
			return path
		}
	}
	return ""
}

// sliceConfigPaths defines which config paths are parsed as comma-separated
// slices when supplied via environment variables.
var sliceConfigPaths = []string{
	"server.cors_origins",
}

// processSliceFields converts comma-separated strings to slices for known
// slice fields. Env vars come in as strings while the config expects slices.
func processSliceFields(k *koanf.Koanf) error {
	for _, path := range sliceConfigPaths {
		val := k.Get(path)
		if val == nil {
			continue
		}
		if _, ok := val.([]interface{}); ok {
			continue
		}
		if _, ok := val.([]string); ok {
			continue
		}

		strVal, ok := val.(string)
		if !ok || strVal == "" {
			continue
		}
		parts := strings.Split(strVal, ",")
		trimmed := make([]string, 0, len(parts))
		for _, p := range parts {
			if p = strings.TrimSpace(p); p != "" {
				trimmed = append(trimmed, p)
			}
		}
		if len(trimmed) > 0 {
			if err := k.Set(path, trimmed); err != nil {
				return fmt.Errorf("set %s: %w", path, err)
			}
		}
	}
	return nil
}

// envTransformFunc maps environment variable names to koanf paths.
// PERIMETRA_SERVER_PORT -> server.port; the first underscore after the
// prefix separates the section, the remainder keeps its underscores:
// PERIMETRA_SECURITY_MASTER_SECRET -> security.master_secret.
func envTransformFunc(key string) string {
	key = strings.ToLower(strings.TrimPrefix(key, envPrefix))
	section, rest, found := strings.Cut(key, "_")
	if !found {
		return key
	}
	// Lane overrides are nested one level deeper:
	// PERIMETRA_QUEUE_SEARCH_LANE_MAX_ATTEMPTS -> queue.search_lane.max_attempts
	if section == "queue" {
		for _, lane := range []string{"search_lane", "bus_lane", "touch_lane"} {
			if strings.HasPrefix(rest, lane+"_") {
				return section + "." + lane + "." + strings.TrimPrefix(rest, lane+"_")
			}
		}
	}
	return section + "." + rest
}
