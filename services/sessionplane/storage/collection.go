// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package storage persists control-plane documents.
//
// Every collection (schedules, proxies, selector samples, model artifact)
// is a set of JSON documents keyed "<collection>/<id>" in one BadgerDB.
// Writing a single record touches a single key, so a mutation never
// rewrites the whole collection.
//
// Two write paths exist:
//
//   - PutSync / DeleteSync commit immediately. The scheduler uses these
//     so run_count and last_run are durable before the trigger loop moves on.
//   - Put / Delete buffer the change. A flusher goroutine (RunFlusher)
//     commits the buffer on an interval in one write batch. Proxy stats,
//     which change on every dispatch, use this path.
package storage

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/dgraph-io/badger/v4"
)

// ErrClosed is returned by writes after Close.
var ErrClosed = errors.New("collection is closed")

type pendingOp[T any] struct {
	value   T
	deleted bool
}

// Collection is a typed document collection.
//
// # Thread Safety
//
// Safe for concurrent use. Buffered writes are visible to Get and LoadAll
// before they are flushed. Sync writes and flushes are serialised by
// writeMu, so a batch taken before a DeleteSync can never land after it.
type Collection[T any] struct {
	db       *badger.DB
	name     string
	prefix   []byte
	logger   *slog.Logger
	writeMu  sync.Mutex
	mu       sync.Mutex
	pending  map[string]pendingOp[T]
	inflight map[string]pendingOp[T]
	closed   bool
}

// NewCollection binds a collection name to db.
//
// # Inputs
//
//   - db: Open BadgerDB. Must not be nil.
//   - name: Collection name, used as key prefix. Must not contain "/".
//   - logger: Optional. Defaults to slog.Default().
func NewCollection[T any](db *badger.DB, name string, logger *slog.Logger) *Collection[T] {
	if logger == nil {
		logger = slog.Default()
	}
	return &Collection[T]{
		db:      db,
		name:    name,
		prefix:  []byte(name + "/"),
		logger:  logger,
		pending: make(map[string]pendingOp[T]),
	}
}

// Name returns the collection name.
func (c *Collection[T]) Name() string {
	return c.name
}

func (c *Collection[T]) key(id string) []byte {
	return append(append([]byte{}, c.prefix...), id...)
}

// Put buffers v under id until the next Flush.
func (c *Collection[T]) Put(id string, v T) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return
	}
	c.pending[id] = pendingOp[T]{value: v}
}

// Delete buffers removal of id until the next Flush.
func (c *Collection[T]) Delete(id string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return
	}
	c.pending[id] = pendingOp[T]{deleted: true}
}

// PutSync writes v under id and commits before returning.
func (c *Collection[T]) PutSync(id string, v T) error {
	data, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("encode %s/%s: %w", c.name, id, err)
	}

	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return ErrClosed
	}
	if err := c.db.Update(func(txn *badger.Txn) error {
		return txn.Set(c.key(id), data)
	}); err != nil {
		return fmt.Errorf("write %s/%s: %w", c.name, id, err)
	}
	delete(c.pending, id)
	return nil
}

// DeleteSync removes id and commits before returning.
func (c *Collection[T]) DeleteSync(id string) error {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return ErrClosed
	}
	if err := c.db.Update(func(txn *badger.Txn) error {
		return txn.Delete(c.key(id))
	}); err != nil {
		return fmt.Errorf("delete %s/%s: %w", c.name, id, err)
	}
	delete(c.pending, id)
	return nil
}

// Get returns the document for id, including unflushed changes.
//
// # Outputs
//
//   - T: The document (zero value when missing).
//   - bool: true if the document exists.
//   - error: Non-nil on read or decode failure.
func (c *Collection[T]) Get(id string) (T, bool, error) {
	var zero T

	c.mu.Lock()
	op, ok := c.pending[id]
	if !ok {
		op, ok = c.inflight[id]
	}
	c.mu.Unlock()
	if ok {
		if op.deleted {
			return zero, false, nil
		}
		return op.value, true, nil
	}

	var out T
	err := c.db.View(func(txn *badger.Txn) error {
		item, err := txn.Get(c.key(id))
		if err != nil {
			return err
		}
		return item.Value(func(val []byte) error {
			return json.Unmarshal(val, &out)
		})
	})
	if errors.Is(err, badger.ErrKeyNotFound) {
		return zero, false, nil
	}
	if err != nil {
		return zero, false, fmt.Errorf("read %s/%s: %w", c.name, id, err)
	}
	return out, true, nil
}

// LoadAll returns every document keyed by id, including unflushed changes.
func (c *Collection[T]) LoadAll() (map[string]T, error) {
	out := make(map[string]T)
	err := c.db.View(func(txn *badger.Txn) error {
		opts := badger.DefaultIteratorOptions
		opts.Prefix = c.prefix
		it := txn.NewIterator(opts)
		defer it.Close()

		for it.Rewind(); it.ValidForPrefix(c.prefix); it.Next() {
			item := it.Item()
			id := string(item.Key()[len(c.prefix):])
			var v T
			if err := item.Value(func(val []byte) error {
				return json.Unmarshal(val, &v)
			}); err != nil {
				return fmt.Errorf("decode %s/%s: %w", c.name, id, err)
			}
			out[id] = v
		}
		return nil
	})
	if err != nil {
		return nil, err
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	for _, ops := range []map[string]pendingOp[T]{c.inflight, c.pending} {
		for id, op := range ops {
			if op.deleted {
				delete(out, id)
				continue
			}
			out[id] = op.value
		}
	}
	return out, nil
}

// Pending returns the number of buffered changes.
func (c *Collection[T]) Pending() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.pending)
}

// Flush commits every buffered change in one write batch.
//
// # Description
//
// The buffer is swapped out under the lock and written without holding
// it, so callers of Put are never blocked on disk I/O. The swapped batch
// stays readable through Get and LoadAll until it is committed. PutSync
// and DeleteSync wait for the batch to land, so their write is always the
// newer one. If the write fails the changes are merged back unless a
// newer change for the same id arrived in the meantime.
func (c *Collection[T]) Flush() error {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()

	c.mu.Lock()
	if len(c.pending) == 0 {
		c.mu.Unlock()
		return nil
	}
	batch := c.pending
	c.pending = make(map[string]pendingOp[T])
	c.inflight = batch
	c.mu.Unlock()

	err := c.writeBatch(batch)

	c.mu.Lock()
	defer c.mu.Unlock()
	c.inflight = nil
	if err == nil {
		return nil
	}
	for id, op := range batch {
		if _, newer := c.pending[id]; !newer {
			c.pending[id] = op
		}
	}
	return err
}

func (c *Collection[T]) writeBatch(batch map[string]pendingOp[T]) error {
	wb := c.db.NewWriteBatch()
	defer wb.Cancel()

	for id, op := range batch {
		if op.deleted {
			if err := wb.Delete(c.key(id)); err != nil {
				return fmt.Errorf("batch delete %s/%s: %w", c.name, id, err)
			}
			continue
		}
		data, err := json.Marshal(op.value)
		if err != nil {
			return fmt.Errorf("encode %s/%s: %w", c.name, id, err)
		}
		if err := wb.Set(c.key(id), data); err != nil {
			return fmt.Errorf("batch set %s/%s: %w", c.name, id, err)
		}
	}
	if err := wb.Flush(); err != nil {
		return fmt.Errorf("flush %s: %w", c.name, err)
	}
	return nil
}

// RunFlusher flushes on every tick until ctx is cancelled, then flushes
// one last time.
func (c *Collection[T]) RunFlusher(ctx context.Context, interval time.Duration) error {
	if interval <= 0 {
		interval = 5 * time.Second
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			if err := c.Flush(); err != nil {
				c.logger.Error("final collection flush failed", "collection", c.name, "error", err)
				return err
			}
			return nil
		case <-ticker.C:
			if err := c.Flush(); err != nil {
				c.logger.Warn("collection flush failed", "collection", c.name, "error", err)
			}
		}
	}
}

// Close flushes and rejects further writes.
func (c *Collection[T]) Close() error {
	err := c.Flush()
	c.mu.Lock()
	c.closed = true
	c.mu.Unlock()
	return err
}
