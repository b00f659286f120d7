// Perimetra - Tenant-Scoped Visitor Event Ingestion and Fan-Out
// Copyright 2026 Perimetra Authors
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/perimetra/perimetra

package api

import (
	"errors"
	"io"
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/perimetra/perimetra/internal/models"
	"github.com/perimetra/perimetra/internal/pipeline"
	"github.com/perimetra/perimetra/internal/store"
)

// maxEventBody bounds an event payload at 1 MiB.
const maxEventBody = 1 << 20

// Health answers liveness probes.
func (s *Server) Health(w http.ResponseWriter, r *http.Request) {
	respondSuccess(w, r, http.StatusOK, map[string]string{"status": "ok"})
}

// CreateEvent ingests one event for the authenticated tenant. A 201 means
// the record is durable in the primary store; sink propagation is
// asynchronous.
func (s *Server) CreateEvent(w http.ResponseWriter, r *http.Request) {
	principal := PrincipalFromContext(r.Context())

	body, err := io.ReadAll(io.LimitReader(r.Body, maxEventBody))
	if err != nil {
		respondError(w, r, http.StatusBadRequest, ErrCodeBadRequest, "unreadable request body")
		return
	}

	event, err := s.pipeline.Ingest(r.Context(), body, principal)
	if err != nil {
		if errors.Is(err, pipeline.ErrInvalidPayload) {
			respondError(w, r, http.StatusBadRequest, ErrCodeBadRequest, err.Error())
			return
		}
		respondError(w, r, http.StatusInternalServerError, ErrCodeInternalError, "event not accepted")
		return
	}

	respondSuccess(w, r, http.StatusCreated, event)
}

// GetEvent returns one of the tenant's events by id.
func (s *Server) GetEvent(w http.ResponseWriter, r *http.Request) {
	principal := PrincipalFromContext(r.Context())
	id := chi.URLParam(r, "id")

	var event models.Event
	err := s.store.Get(r.Context(), store.TableEvents, id, &event)
	if errors.Is(err, store.ErrNotFound) {
		respondError(w, r, http.StatusNotFound, ErrCodeNotFound, "event not found")
		return
	}
	if err != nil {
		respondError(w, r, http.StatusInternalServerError, ErrCodeInternalError, "event lookup failed")
		return
	}
	// Events are tenant-scoped; an id from another tenant does not exist
	// as far as this caller is concerned.
	if event.OrganizationID != principal.TenantID {
		respondError(w, r, http.StatusNotFound, ErrCodeNotFound, "event not found")
		return
	}

	respondSuccess(w, r, http.StatusOK, &event)
}
