// Perimetra - Tenant-Scoped Visitor Event Ingestion and Fan-Out
// Copyright 2026 Perimetra Authors
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/perimetra/perimetra

package store

import (
	"context"
	"encoding/binary"
	"errors"
	"fmt"

	"github.com/dgraph-io/badger/v4"
)

// maxCounterRetries bounds the optimistic-concurrency retry loop. Badger
// aborts a transaction with ErrConflict when another writer touched the
// same key first; under heavy contention a handful of retries is plenty.
const maxCounterRetries = 64

// Increment atomically adds delta to the counter and returns the new value.
// Concurrent increments never lose updates: conflicting transactions are
// retried until they commit on top of the latest value.
func (s *BadgerStore) Increment(ctx context.Context, scope, key string, delta uint64) (uint64, error) {
	if err := s.guard(); err != nil {
		return 0, err
	}

	ck := counterKey(scope, key)
	for attempt := 0; attempt < maxCounterRetries; attempt++ {
		if err := ctx.Err(); err != nil {
			return 0, err
		}

		var next uint64
		err := s.db.Update(func(txn *badger.Txn) error {
			current, err := readCounter(txn, ck)
			if err != nil {
				return err
			}
			next = current + delta
			buf := make([]byte, 8)
			binary.BigEndian.PutUint64(buf, next)
			return txn.Set(ck, buf)
		})
		if errors.Is(err, badger.ErrConflict) {
			continue
		}
		if err != nil {
			return 0, fmt.Errorf("increment %s/%s: %w", scope, key, err)
		}
		return next, nil
	}
	return 0, fmt.Errorf("increment %s/%s: retries exhausted", scope, key)
}

// Counter returns the current counter value, zero if never incremented.
func (s *BadgerStore) Counter(ctx context.Context, scope, key string) (uint64, error) {
	if err := s.guard(); err != nil {
		return 0, err
	}

	var value uint64
	err := s.db.View(func(txn *badger.Txn) error {
		v, err := readCounter(txn, counterKey(scope, key))
		if err != nil {
			return err
		}
		value = v
		return nil
	})
	if err != nil {
		return 0, fmt.Errorf("read counter %s/%s: %w", scope, key, err)
	}
	return value, nil
}

func readCounter(txn *badger.Txn, key []byte) (uint64, error) {
	item, err := txn.Get(key)
	if errors.Is(err, badger.ErrKeyNotFound) {
		return 0, nil
	}
	if err != nil {
		return 0, err
	}
	var value uint64
	err = item.Value(func(val []byte) error {
		if len(val) != 8 {
			return fmt.Errorf("counter value has %d bytes, want 8", len(val))
		}
		value = binary.BigEndian.Uint64(val)
		return nil
	})
	return value, err
}
