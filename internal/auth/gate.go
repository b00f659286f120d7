// Perimetra - Tenant-Scoped Visitor Event Ingestion and Fan-Out
// Copyright 2026 Perimetra Authors
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/perimetra/perimetra

// Package auth validates tenant-scoped access tokens. A token is accepted
// when the tenant resolved from its consumer key lists it in the active
// token set and its signature verifies under the consumer secret. Tenant
// lookups are served from a TTL cache in front of the primary store.
package auth

import (
	"context"
	"fmt"

	"github.com/goccy/go-json"

	"github.com/perimetra/perimetra/internal/cache"
	"github.com/perimetra/perimetra/internal/config"
	"github.com/perimetra/perimetra/internal/logging"
	"github.com/perimetra/perimetra/internal/metrics"
	"github.com/perimetra/perimetra/internal/models"
	"github.com/perimetra/perimetra/internal/store"
)

// Principal is an authenticated caller.
type Principal struct {
	// Type is user or application.
	Type string

	// ID is the user or application id from the token claims.
	ID string

	TenantID string
	Tenant   *models.Tenant
}

// Gate authorizes bearer tokens against tenant token sets.
type Gate struct {
	store  store.Store
	cache  *cache.Cache
	policy *Policy
	cfg    config.SecurityConfig
}

// NewGate builds the auth gate with its tenant cache and capability policy.
func NewGate(st store.Store, cfg config.SecurityConfig) (*Gate, error) {
	policy, err := NewPolicy()
	if err != nil {
		return nil, err
	}
	return &Gate{
		store:  st,
		cache:  cache.New(cfg.TenantCacheTTL, cfg.TenantCacheSize),
		policy: policy,
		cfg:    cfg,
	}, nil
}

// Authorize resolves and validates a bearer token for an HTTP method.
// Returns the authenticated principal or one of the package's sentinel
// errors.
func (g *Gate) Authorize(ctx context.Context, token, method string) (*Principal, error) {
	consumerKey, err := ConsumerKey(token)
	if err != nil {
		metrics.AuthDecisions.WithLabelValues("no_consumer").Inc()
		return nil, err
	}

	tenant, err := g.tenantByConsumerKey(ctx, consumerKey)
	if err != nil {
		metrics.AuthDecisions.WithLabelValues("tenant_not_found").Inc()
		return nil, err
	}

	if !tenant.HasToken(token) {
		metrics.AuthDecisions.WithLabelValues("token_revoked").Inc()
		return nil, ErrInvalidToken
	}

	consumerSecret, err := Unseal(tenant.ConsumerCredentials.Secret, g.cfg.MasterSecret)
	if err != nil {
		logging.Error().Err(err).Str("tenant_id", tenant.ID).Msg("Consumer secret unseal failed")
		metrics.AuthDecisions.WithLabelValues("unseal_failed").Inc()
		return nil, ErrInvalidToken
	}

	claims, err := Decode(token, consumerSecret)
	if err != nil {
		metrics.AuthDecisions.WithLabelValues("bad_signature").Inc()
		return nil, ErrInvalidToken
	}

	principal := &Principal{
		Type:     PrincipalApplication,
		TenantID: tenant.ID,
		Tenant:   tenant,
	}
	if typ, _ := claims[ClaimType].(string); typ != "" {
		principal.Type = typ
	}
	switch principal.Type {
	case PrincipalUser:
		principal.ID, _ = claims[ClaimUserID].(string)
	case PrincipalApplication:
		principal.ID, _ = claims[ClaimApplicationID].(string)
	default:
		metrics.AuthDecisions.WithLabelValues("unknown_principal").Inc()
		return nil, ErrInvalidToken
	}

	if g.cfg.EnforceWriteCapability {
		action := ActionForMethod(method)
		allowed, err := g.policy.Allows(principal.Type, action)
		if err != nil {
			return nil, err
		}
		if !allowed {
			metrics.AuthDecisions.WithLabelValues("denied").Inc()
			return nil, ErrPermissionDenied
		}
	}

	metrics.AuthDecisions.WithLabelValues("allowed").Inc()
	return principal, nil
}

// Invalidate drops a tenant from the lookup cache, forcing the next
// Authorize through the primary store. Call after rotating tokens.
func (g *Gate) Invalidate(consumerKey string) {
	g.cache.Delete(consumerKey)
}

func (g *Gate) tenantByConsumerKey(ctx context.Context, consumerKey string) (*models.Tenant, error) {
	if cached, ok := g.cache.Get(consumerKey); ok {
		metrics.TenantCacheHits.Inc()
		return cached.(*models.Tenant), nil
	}
	metrics.TenantCacheMisses.Inc()

	docs, err := g.store.GetAllBy(ctx, store.TableTenants, "consumer_key", consumerKey)
	if err != nil {
		return nil, fmt.Errorf("lookup tenant by consumer key: %w", err)
	}
	if len(docs) == 0 {
		return nil, ErrTenantNotFound
	}

	var tenant models.Tenant
	if err := json.Unmarshal(docs[0], &tenant); err != nil {
		return nil, fmt.Errorf("decode tenant: %w", err)
	}

	g.cache.Set(consumerKey, &tenant)
	return &tenant, nil
}
