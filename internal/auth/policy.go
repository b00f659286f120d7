// Perimetra - Tenant-Scoped Visitor Event Ingestion and Fan-Out
// Copyright 2026 Perimetra Authors
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/perimetra/perimetra

package auth

import (
	_ "embed"
	"fmt"
	"strings"

	"github.com/casbin/casbin/v2"
	"github.com/casbin/casbin/v2/model"
)

//go:embed model.conf
var embeddedModel string

//go:embed policy.csv
var embeddedPolicy string

// Actions checked against the capability policy.
const (
	ActionRead  = "read"
	ActionWrite = "write"
)

// Policy decides which principal types may perform which actions.
type Policy struct {
	enforcer *casbin.SyncedEnforcer
}

// NewPolicy builds the capability policy from the embedded model and rules.
func NewPolicy() (*Policy, error) {
	m, err := model.NewModelFromString(embeddedModel)
	if err != nil {
		return nil, fmt.Errorf("load capability model: %w", err)
	}

	enforcer, err := casbin.NewSyncedEnforcer(m)
	if err != nil {
		return nil, fmt.Errorf("create capability enforcer: %w", err)
	}
	if err := loadEmbeddedPolicy(enforcer, embeddedPolicy); err != nil {
		return nil, err
	}
	return &Policy{enforcer: enforcer}, nil
}

// Allows reports whether the principal type may perform the action.
func (p *Policy) Allows(principalType, action string) (bool, error) {
	ok, err := p.enforcer.Enforce(principalType, action)
	if err != nil {
		return false, fmt.Errorf("enforce %s/%s: %w", principalType, action, err)
	}
	return ok, nil
}

func loadEmbeddedPolicy(enforcer *casbin.SyncedEnforcer, policy string) error {
	for _, line := range strings.Split(policy, "\n") {
		line = strings.TrimSpace(line)
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}

		parts := strings.Split(line, ",")
		if len(parts) < 3 || strings.TrimSpace(parts[0]) != "p" {
			continue
		}
		sub := strings.TrimSpace(parts[1])
		act := strings.TrimSpace(parts[2])
		if _, err := enforcer.AddPolicy(sub, act); err != nil {
			return fmt.Errorf("load capability rule %q: %w", line, err)
		}
	}
	return nil
}

// ActionForMethod maps an HTTP method to a capability action.
func ActionForMethod(method string) string {
	switch method {
	case "GET", "HEAD", "OPTIONS":
		return ActionRead
	default:
		return ActionWrite
	}
}
