// Perimetra - Tenant-Scoped Visitor Event Ingestion and Fan-Out
// Copyright 2026 Perimetra Authors
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/perimetra/perimetra

package store

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/dgraph-io/badger/v4"
	"github.com/goccy/go-json"

	"github.com/perimetra/perimetra/internal/config"
	"github.com/perimetra/perimetra/internal/logging"
)

// Key prefixes for the BadgerDB keyspace.
const (
	prefixDoc     = "doc:"
	prefixIndex   = "idx:"
	prefixCounter = "cnt:"
)

// BadgerStore implements Store on BadgerDB.
type BadgerStore struct {
	db      *badger.DB
	indexes Indexes

	mu     sync.RWMutex
	closed bool
}

// Open creates (or reopens) a BadgerStore at the configured path.
func Open(cfg config.StoreConfig, indexes Indexes) (*BadgerStore, error) {
	opts := badger.DefaultOptions(cfg.Path).
		WithSyncWrites(cfg.SyncWrites).
		WithLogger(nil)
	if cfg.InMemory {
		opts = opts.WithInMemory(true).WithDir("").WithValueDir("")
	}

	db, err := badger.Open(opts)
	if err != nil {
		return nil, fmt.Errorf("open badger store: %w", err)
	}

	if indexes == nil {
		indexes = DefaultIndexes()
	}

	logging.Info().
		Str("path", cfg.Path).
		Bool("in_memory", cfg.InMemory).
		Bool("sync_writes", cfg.SyncWrites).
		Msg("Primary store opened")

	return &BadgerStore{db: db, indexes: indexes}, nil
}

// DB exposes the underlying BadgerDB handle. The job queue shares the
// database so a job enqueue is as durable as the write it follows.
func (s *BadgerStore) DB() *badger.DB {
	return s.db
}

func docKey(table, id string) []byte {
	return []byte(prefixDoc + table + ":" + id)
}

func indexKey(table, field, value, id string) []byte {
	return []byte(prefixIndex + table + ":" + field + ":" + value + ":" + id)
}

func counterKey(scope, key string) []byte {
	return []byte(prefixCounter + scope + ":" + key)
}

// Get unmarshals the document with the given id into out.
func (s *BadgerStore) Get(ctx context.Context, table, id string, out interface{}) error {
	if err := s.guard(); err != nil {
		return err
	}

	return s.db.View(func(txn *badger.Txn) error {
		item, err := txn.Get(docKey(table, id))
		if errors.Is(err, badger.ErrKeyNotFound) {
			return ErrNotFound
		}
		if err != nil {
			return fmt.Errorf("get %s/%s: %w", table, id, err)
		}
		return item.Value(func(val []byte) error {
			return json.Unmarshal(val, out)
		})
	})
}

// Insert stores a new document and writes its secondary index entries.
func (s *BadgerStore) Insert(ctx context.Context, table, id string, doc interface{}) error {
	if err := s.guard(); err != nil {
		return err
	}

	data, err := json.Marshal(doc)
	if err != nil {
		return fmt.Errorf("marshal %s/%s: %w", table, id, err)
	}

	return s.db.Update(func(txn *badger.Txn) error {
		key := docKey(table, id)
		if _, err := txn.Get(key); err == nil {
			return ErrAlreadyExists
		} else if !errors.Is(err, badger.ErrKeyNotFound) {
			return fmt.Errorf("check %s/%s: %w", table, id, err)
		}

		if err := txn.Set(key, data); err != nil {
			return fmt.Errorf("set %s/%s: %w", table, id, err)
		}
		return s.writeIndexEntries(txn, table, id, data)
	})
}

// Update merges patch into the stored document and rewrites it,
// refreshing any index entries whose field changed.
func (s *BadgerStore) Update(ctx context.Context, table, id string, patch map[string]interface{}) error {
	if err := s.guard(); err != nil {
		return err
	}

	return s.db.Update(func(txn *badger.Txn) error {
		key := docKey(table, id)
		item, err := txn.Get(key)
		if errors.Is(err, badger.ErrKeyNotFound) {
			return ErrNotFound
		}
		if err != nil {
			return fmt.Errorf("get %s/%s: %w", table, id, err)
		}

		var current map[string]interface{}
		if err := item.Value(func(val []byte) error {
			return json.Unmarshal(val, &current)
		}); err != nil {
			return fmt.Errorf("decode %s/%s: %w", table, id, err)
		}

		if err := s.removeIndexEntries(txn, table, id, current); err != nil {
			return err
		}

		for field, value := range patch {
			current[field] = value
		}

		data, err := json.Marshal(current)
		if err != nil {
			return fmt.Errorf("marshal %s/%s: %w", table, id, err)
		}
		if err := txn.Set(key, data); err != nil {
			return fmt.Errorf("set %s/%s: %w", table, id, err)
		}
		return s.writeIndexEntries(txn, table, id, data)
	})
}

// GetAllBy returns raw JSON documents whose indexed field equals value.
func (s *BadgerStore) GetAllBy(ctx context.Context, table, field, value string) ([][]byte, error) {
	if err := s.guard(); err != nil {
		return nil, err
	}

	var results [][]byte
	err := s.db.View(func(txn *badger.Txn) error {
		prefix := []byte(prefixIndex + table + ":" + field + ":" + value + ":")
		itOpts := badger.DefaultIteratorOptions
		itOpts.Prefix = prefix
		it := txn.NewIterator(itOpts)
		defer it.Close()

		for it.Rewind(); it.Valid(); it.Next() {
			id, err := it.Item().ValueCopy(nil)
			if err != nil {
				return fmt.Errorf("read index entry: %w", err)
			}
			item, err := txn.Get(docKey(table, string(id)))
			if errors.Is(err, badger.ErrKeyNotFound) {
				// Stale index entry; skip rather than fail the scan.
				continue
			}
			if err != nil {
				return fmt.Errorf("get %s/%s: %w", table, id, err)
			}
			doc, err := item.ValueCopy(nil)
			if err != nil {
				return fmt.Errorf("read %s/%s: %w", table, id, err)
			}
			results = append(results, doc)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return results, nil
}

// Close releases the underlying database.
func (s *BadgerStore) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil
	}
	s.closed = true
	return s.db.Close()
}

func (s *BadgerStore) guard() error {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.closed {
		return ErrClosed
	}
	return nil
}

// writeIndexEntries writes index keys for every registered field present as
// a top-level string in the marshaled document.
func (s *BadgerStore) writeIndexEntries(txn *badger.Txn, table, id string, data []byte) error {
	fields := s.indexes[table]
	if len(fields) == 0 {
		return nil
	}

	var decoded map[string]interface{}
	if err := json.Unmarshal(data, &decoded); err != nil {
		return fmt.Errorf("decode for indexing %s/%s: %w", table, id, err)
	}

	for _, field := range fields {
		value, ok := decoded[field].(string)
		if !ok || value == "" {
			continue
		}
		if err := txn.Set(indexKey(table, field, value, id), []byte(id)); err != nil {
			return fmt.Errorf("set index %s.%s: %w", table, field, err)
		}
	}
	return nil
}

// removeIndexEntries deletes index keys derived from the current document
// state, ahead of a patch that may change indexed values.
func (s *BadgerStore) removeIndexEntries(txn *badger.Txn, table, id string, current map[string]interface{}) error {
	for _, field := range s.indexes[table] {
		value, ok := current[field].(string)
		if !ok || value == "" {
			continue
		}
		if err := txn.Delete(indexKey(table, field, value, id)); err != nil {
			return fmt.Errorf("delete index %s.%s: %w", table, field, err)
		}
	}
	return nil
}
