// Perimetra - Tenant-Scoped Visitor Event Ingestion and Fan-Out
// Copyright 2026 Perimetra Authors
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/perimetra/perimetra

package models

import "time"

// ConsumerCredentials is the gateway consumer key/secret pair issued for a
// tenant. Tokens presented by clients are signed with Secret.
type ConsumerCredentials struct {
	Key    string `json:"key"`
	Secret string `json:"secret"`
}

// Tenant is an organization record. The ingestion core treats tenants as
// read-only: registration and login flows that mutate them live upstream.
//
// Secret and ConsumerCredentials.Secret are stored sealed: each is a JWT
// signed and encoded with the service master secret, decoded on demand by
// the auth gate. Tokens holds the signed token strings currently considered
// valid; a presented token is accepted only if it is a member of Tokens AND
// verifies under the decrypted consumer secret.
type Tenant struct {
	ID                  string              `json:"id"`
	Name                string              `json:"name"`
	Secret              string              `json:"secret,omitempty"`
	ConsumerCredentials ConsumerCredentials `json:"consumerCredentials"`
	ConsumerKey         string              `json:"consumer_key,omitempty"`
	Tokens              []string            `json:"tokens"`
	CreatedAt           time.Time           `json:"createdAt"`
	UpdatedAt           time.Time           `json:"updatedAt"`
}

// HasToken reports whether token is a member of the tenant's active tokens.
func (t *Tenant) HasToken(token string) bool {
	for _, candidate := range t.Tokens {
		if candidate == token {
			return true
		}
	}
	return false
}

// Public returns the externally visible representation of the tenant.
func (t *Tenant) Public() map[string]string {
	return map[string]string{
		"id":   t.ID,
		"name": t.Name,
	}
}
