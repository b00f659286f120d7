// Perimetra - Tenant-Scoped Visitor Event Ingestion and Fan-Out
// Copyright 2026 Perimetra Authors
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/perimetra/perimetra

// Package main is the entry point for the Perimetra server.
//
// Perimetra ingests visitor events scoped to tenants, enriches them against
// reference entities, and fans them out to a search index and a realtime bus.
//
// # Application Architecture
//
// The server initializes components in the following order:
//
//  1. Configuration: Koanf v2 layered loading (defaults, config.yaml, env)
//  2. Primary store: BadgerDB documents, secondary indexes, tag counters
//  3. Search index: DuckDB tables per tenant-scoped index
//  4. Realtime bus (optional): NATS JetStream KV tree and event stream,
//     embedded server or external URL
//  5. Durable job queue: fan-out lanes backed by the primary store
//  6. Auth gate: consumer-key tenant resolution and token verification
//  7. Ingestion pipeline and sink workers
//  8. HTTP server: chi router with rate limiting and Prometheus metrics
//
// Everything runs under a suture supervisor tree with messaging and api
// layers for failure isolation.
//
// # Signal Handling
//
// SIGINT and SIGTERM trigger graceful shutdown: the HTTP server drains
// in-flight requests, queue workers finish their current jobs, then the
// bus and stores close.
package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"github.com/perimetra/perimetra/internal/api"
	"github.com/perimetra/perimetra/internal/auth"
	"github.com/perimetra/perimetra/internal/bus"
	"github.com/perimetra/perimetra/internal/config"
	"github.com/perimetra/perimetra/internal/logging"
	"github.com/perimetra/perimetra/internal/pipeline"
	"github.com/perimetra/perimetra/internal/queue"
	"github.com/perimetra/perimetra/internal/search"
	"github.com/perimetra/perimetra/internal/store"
	"github.com/perimetra/perimetra/internal/supervisor"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		// Config errors use the default logger, config is not available yet.
		logging.Fatal().Err(err).Msg("Failed to load configuration")
	}

	logging.Init(logging.Config{
		Level:  cfg.Logging.Level,
		Format: cfg.Logging.Format,
		Caller: cfg.Logging.Caller,
	})

	logging.Info().
		Str("store_path", cfg.Store.Path).
		Bool("bus_enabled", cfg.Bus.Enabled).
		Bool("multitenancy", cfg.Search.Multitenancy).
		Msg("Configuration loaded")

	st, err := store.Open(cfg.Store, store.DefaultIndexes())
	if err != nil {
		logging.Fatal().Err(err).Msg("Failed to open primary store")
	}
	defer func() {
		if err := st.Close(); err != nil {
			logging.Error().Err(err).Msg("Error closing primary store")
		}
	}()
	logging.Info().Msg("Primary store opened")

	sc, err := search.Open(cfg.Search)
	if err != nil {
		logging.Fatal().Err(err).Msg("Failed to open search index")
	}
	defer func() {
		if err := sc.Close(); err != nil {
			logging.Error().Err(err).Msg("Error closing search index")
		}
	}()
	logging.Info().Msg("Search index opened")

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	tree := supervisor.NewTree(logging.NewSlogLogger(), supervisor.DefaultTreeConfig())

	// Realtime bus is optional. With an embedded server the client URL is
	// only known after the server is listening.
	var rb *bus.Bus
	if cfg.Bus.Enabled {
		if cfg.Bus.EmbeddedServer {
			es, err := bus.StartEmbeddedServer(cfg.Bus)
			if err != nil {
				logging.Fatal().Err(err).Msg("Failed to start embedded bus server")
			}
			cfg.Bus.URL = es.ClientURL()
			tree.AddMessagingService(supervisor.NewShutdownService(es, cfg.Server.Timeout, "bus-server"))
			logging.Info().Str("url", cfg.Bus.URL).Msg("Embedded bus server started")
		}

		rb, err = bus.Connect(ctx, cfg.Bus)
		if err != nil {
			logging.Fatal().Err(err).Msg("Failed to connect to realtime bus")
		}
		tree.AddMessagingService(supervisor.NewCloserService(rb, "bus-connection"))
		logging.Info().Str("bucket", cfg.Bus.Bucket).Str("stream", cfg.Bus.StreamName).Msg("Realtime bus connected")
	} else {
		logging.Info().Msg("Realtime bus disabled, bus fan-out lane is a no-op")
	}

	// The queue shares the primary store's BadgerDB so an enqueue that
	// follows an event insert is exactly as durable as the insert.
	q := queue.New(st.DB(), cfg.Queue)
	tree.AddMessagingService(supervisor.NewCloserService(q, "job-queue"))

	gate, err := auth.NewGate(st, cfg.Security)
	if err != nil {
		logging.Fatal().Err(err).Msg("Failed to initialize auth gate")
	}
	if cfg.Security.EnforceWriteCapability {
		logging.Info().Msg("Write capability enforcement enabled")
	}

	p := pipeline.New(st, q, sc, cfg.Queue)
	sinks := pipeline.NewSinks(st, sc, rb)
	sinks.Register(q, cfg.Queue)
	logging.Info().Msg("Ingestion pipeline and sink workers ready")

	srv := api.NewServer(gate, p, st, cfg.Server)
	httpServer := &http.Server{
		Addr:         fmt.Sprintf("%s:%d", cfg.Server.Host, cfg.Server.Port),
		Handler:      srv.Router(),
		ReadTimeout:  cfg.Server.Timeout,
		WriteTimeout: cfg.Server.Timeout,
	}
	tree.AddAPIService(supervisor.NewHTTPServerService(httpServer, cfg.Server.Timeout))

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		sig := <-sigCh
		logging.Info().Str("signal", sig.String()).Msg("Received shutdown signal")
		cancel()
	}()

	logging.Info().Str("addr", httpServer.Addr).Msg("Starting supervisor tree")
	errCh := tree.ServeBackground(ctx)

	select {
	case <-ctx.Done():
		logging.Info().Msg("Context canceled, waiting for supervisor to finish")
	case err := <-errCh:
		if err != nil && !errors.Is(err, context.Canceled) {
			logging.Error().Err(err).Msg("Supervisor tree error")
		}
	}

	for err := range errCh {
		if err != nil && !errors.Is(err, context.Canceled) {
			logging.Error().Err(err).Msg("Supervisor shutdown error")
		}
	}

	unstopped, _ := tree.UnstoppedServiceReport()
	for _, svc := range unstopped {
		logging.Warn().Str("service", svc.Name).Msg("Service failed to stop within timeout")
	}

	logging.Info().Msg("Server stopped gracefully")
}
