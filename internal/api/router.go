// Perimetra - Tenant-Scoped Visitor Event Ingestion and Fan-Out
// Copyright 2026 Perimetra Authors
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/perimetra/perimetra

package api

import (
	"net/http"

	"github.com/go-chi/chi/v5"
	chimiddleware "github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"github.com/go-chi/httprate"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/perimetra/perimetra/internal/auth"
	"github.com/perimetra/perimetra/internal/config"
	"github.com/perimetra/perimetra/internal/pipeline"
	"github.com/perimetra/perimetra/internal/store"
)

// Server holds the HTTP surface's collaborators.
type Server struct {
	gate     *auth.Gate
	pipeline *pipeline.Pipeline
	store    store.Store
	cfg      config.ServerConfig
}

// NewServer wires the HTTP layer.
func NewServer(gate *auth.Gate, p *pipeline.Pipeline, st store.Store, cfg config.ServerConfig) *Server {
	return &Server{gate: gate, pipeline: p, store: st, cfg: cfg}
}

// Router builds the chi route tree.
func (s *Server) Router() http.Handler {
	r := chi.NewRouter()

	r.Use(chimiddleware.RequestID)
	r.Use(chimiddleware.RealIP)
	r.Use(chimiddleware.Recoverer)
	r.Use(requestLogger)
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins:   s.cfg.CORSOrigins,
		AllowedMethods:   []string{"GET", "POST", "OPTIONS"},
		AllowedHeaders:   []string{"Accept", "Authorization", "Content-Type"},
		AllowCredentials: false,
		MaxAge:           300,
	}))

	r.Get("/health", s.Health)
	r.Handle("/metrics", promhttp.Handler())

	r.Route("/core", func(r chi.Router) {
		if s.cfg.RateLimitReqs > 0 {
			r.Use(httprate.LimitByIP(s.cfg.RateLimitReqs, s.cfg.RateLimitWindow))
		}
		r.Use(s.authenticate)

		r.Post("/events", s.CreateEvent)
		r.Get("/events/{id}", s.GetEvent)
	})

	return r
}
