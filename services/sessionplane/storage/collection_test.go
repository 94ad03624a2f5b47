// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package storage

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	sbadger "github.com/jinterlante1206/sessionplane/services/sessionplane/storage/badger"
)

type doc struct {
	Name  string `json:"name"`
	Count int    `json:"count"`
}

func openTestDB(t *testing.T) *sbadger.DB {
	t.Helper()
	db, err := sbadger.OpenInMemory()
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close() })
	return db
}

func TestCollection_PutSyncAndGet(t *testing.T) {
	db := openTestDB(t)
	c := NewCollection[doc](db.DB, "docs", nil)

	require.NoError(t, c.PutSync("a", doc{Name: "alpha", Count: 1}))

	got, ok, err := c.Get("a")
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, "alpha", got.Name)

	_, ok, err = c.Get("missing")
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestCollection_BufferedWritesVisibleBeforeFlush(t *testing.T) {
	db := openTestDB(t)
	c := NewCollection[doc](db.DB, "docs", nil)

	c.Put("a", doc{Name: "alpha"})
	c.Put("b", doc{Name: "beta"})
	assert.Equal(t, 2, c.Pending())

	all, err := c.LoadAll()
	require.NoError(t, err)
	assert.Len(t, all, 2)

	require.NoError(t, c.Flush())
	assert.Equal(t, 0, c.Pending())

	// A second collection over the same db sees flushed data only.
	other := NewCollection[doc](db.DB, "docs", nil)
	all, err = other.LoadAll()
	require.NoError(t, err)
	assert.Len(t, all, 2)
}

func TestCollection_DeleteBuffered(t *testing.T) {
	db := openTestDB(t)
	c := NewCollection[doc](db.DB, "docs", nil)
	require.NoError(t, c.PutSync("a", doc{Name: "alpha"}))

	c.Delete("a")
	_, ok, err := c.Get("a")
	require.NoError(t, err)
	assert.False(t, ok, "pending delete hides the stored document")

	require.NoError(t, c.Flush())
	all, err := c.LoadAll()
	require.NoError(t, err)
	assert.Empty(t, all)
}

func TestCollection_PrefixIsolation(t *testing.T) {
	db := openTestDB(t)
	a := NewCollection[doc](db.DB, "schedules", nil)
	b := NewCollection[doc](db.DB, "schedules_archive", nil)

	require.NoError(t, a.PutSync("1", doc{Name: "x"}))
	require.NoError(t, b.PutSync("1", doc{Name: "y"}))

	all, err := a.LoadAll()
	require.NoError(t, err)
	require.Len(t, all, 1)
	assert.Equal(t, "x", all["1"].Name)
}

func TestCollection_RunFlusherFlushesOnCancel(t *testing.T) {
	db := openTestDB(t)
	c := NewCollection[doc](db.DB, "docs", nil)
	c.Put("a", doc{Name: "alpha"})

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- c.RunFlusher(ctx, time.Hour) }()
	cancel()

	select {
	case err := <-done:
		require.NoError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("flusher did not stop")
	}
	assert.Equal(t, 0, c.Pending())
}

func TestCollection_WritesAfterCloseRejected(t *testing.T) {
	db := openTestDB(t)
	c := NewCollection[doc](db.DB, "docs", nil)
	require.NoError(t, c.Close())

	assert.ErrorIs(t, c.PutSync("a", doc{}), ErrClosed)
	c.Put("b", doc{})
	assert.Equal(t, 0, c.Pending())
}

func TestCollection_DeleteSyncDuringFlushStaysDeleted(t *testing.T) {
	db := openTestDB(t)
	c := NewCollection[doc](db.DB, "docs", nil)

	for i := 0; i < 200; i++ {
		id := fmt.Sprintf("k%d", i)
		c.Put(id, doc{Name: id})
		c.Put("other", doc{Count: i})

		var wg sync.WaitGroup
		wg.Add(1)
		go func() {
			defer wg.Done()
			assert.NoError(t, c.Flush())
		}()
		require.NoError(t, c.DeleteSync(id))
		wg.Wait()

		require.NoError(t, c.Flush())
		_, ok, err := c.Get(id)
		require.NoError(t, err)
		require.False(t, ok, "deleted %s came back after flush", id)
	}

	reopened := NewCollection[doc](db.DB, "docs", nil)
	all, err := reopened.LoadAll()
	require.NoError(t, err)
	assert.Len(t, all, 1)
	assert.Equal(t, 199, all["other"].Count)
}

func TestCollection_InflightBatchVisible(t *testing.T) {
	db := openTestDB(t)
	c := NewCollection[doc](db.DB, "docs", nil)
	require.NoError(t, c.PutSync("a", doc{Name: "old"}))

	c.Put("a", doc{Name: "new"})
	c.mu.Lock()
	c.inflight, c.pending = c.pending, make(map[string]pendingOp[doc])
	c.mu.Unlock()

	got, ok, err := c.Get("a")
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, "new", got.Name)

	all, err := c.LoadAll()
	require.NoError(t, err)
	assert.Equal(t, "new", all["a"].Name)
}
