// Perimetra - Tenant-Scoped Visitor Event Ingestion and Fan-Out
// Copyright 2026 Perimetra Authors
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/perimetra/perimetra

package auth

import "errors"

var (
	// ErrConsumerMissing means the token names no issuer, so no tenant can
	// be resolved.
	ErrConsumerMissing = errors.New("auth: token has no consumer key")

	// ErrTenantNotFound means no tenant matches the token's consumer key.
	ErrTenantNotFound = errors.New("auth: tenant not found")

	// ErrInvalidToken means the token is not in the tenant's token set or
	// fails verification under the consumer secret.
	ErrInvalidToken = errors.New("auth: invalid token")

	// ErrPermissionDenied means the principal may not perform the request.
	ErrPermissionDenied = errors.New("auth: permission denied")
)
