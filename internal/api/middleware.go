// Perimetra - Tenant-Scoped Visitor Event Ingestion and Fan-Out
// Copyright 2026 Perimetra Authors
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/perimetra/perimetra

package api

import (
	"context"
	"errors"
	"net/http"
	"strings"
	"time"

	"github.com/go-chi/chi/v5/middleware"

	"github.com/perimetra/perimetra/internal/auth"
	"github.com/perimetra/perimetra/internal/logging"
	"github.com/perimetra/perimetra/internal/metrics"
)

type contextKey string

const principalKey contextKey = "principal"

// PrincipalFromContext returns the authenticated principal, nil outside an
// authenticated route.
func PrincipalFromContext(ctx context.Context) *auth.Principal {
	p, _ := ctx.Value(principalKey).(*auth.Principal)
	return p
}

// requestLogger logs one line per request with outcome and latency.
func requestLogger(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		next.ServeHTTP(ww, r)

		metrics.ObserveAPIRequest(r.Method, r.URL.Path, ww.Status(), start)
		logging.Info().
			Str("method", r.Method).
			Str("path", r.URL.Path).
			Int("status", ww.Status()).
			Dur("duration", time.Since(start)).
			Str("request_id", middleware.GetReqID(r.Context())).
			Msg("Request")
	})
}

// authenticate validates the bearer token and attaches the principal.
func (s *Server) authenticate(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		token := bearerToken(r)
		if token == "" {
			respondError(w, r, http.StatusUnauthorized, ErrCodeUnauthorized, "missing bearer token")
			return
		}

		principal, err := s.gate.Authorize(r.Context(), token, r.Method)
		if err != nil {
			status, code := authStatus(err)
			respondError(w, r, status, code, err.Error())
			return
		}

		ctx := context.WithValue(r.Context(), principalKey, principal)
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

func bearerToken(r *http.Request) string {
	header := r.Header.Get("Authorization")
	if after, ok := strings.CutPrefix(header, "Bearer "); ok {
		return after
	}
	// Tokens are also accepted as a query parameter for bus-style clients
	// that cannot set headers.
	return r.URL.Query().Get("token")
}

func authStatus(err error) (int, string) {
	switch {
	case errors.Is(err, auth.ErrPermissionDenied):
		return http.StatusForbidden, ErrCodeForbidden
	case errors.Is(err, auth.ErrConsumerMissing),
		errors.Is(err, auth.ErrTenantNotFound),
		errors.Is(err, auth.ErrInvalidToken):
		return http.StatusUnauthorized, ErrCodeUnauthorized
	default:
		return http.StatusInternalServerError, ErrCodeInternalError
	}
}
