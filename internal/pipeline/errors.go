// Perimetra - Tenant-Scoped Visitor Event Ingestion and Fan-Out
// Copyright 2026 Perimetra Authors
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/perimetra/perimetra

package pipeline

import "errors"

var (
	// ErrInvalidPayload means the raw event body failed to decode or
	// validate. Fatal to the request.
	ErrInvalidPayload = errors.New("pipeline: invalid event payload")

	// ErrPrimaryStore means the insert at the durability boundary failed.
	// Fatal to the request; nothing has been written downstream yet, so no
	// compensation is needed.
	ErrPrimaryStore = errors.New("pipeline: primary store write failed")
)
