// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package config

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/jinterlante1206/sessionplane/services/sessionplane/contingency"
	"github.com/jinterlante1206/sessionplane/services/sessionplane/resource"
)

type fakeTargets struct {
	mu  sync.Mutex
	con []contingency.Thresholds
	res []resource.Thresholds
	err error
}

func (f *fakeTargets) setContingency(th contingency.Thresholds) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.err != nil {
		return f.err
	}
	f.con = append(f.con, th)
	return nil
}

func (f *fakeTargets) setResource(th resource.Thresholds) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.res = append(f.res, th)
	return nil
}

func (f *fakeTargets) lastContingency() (contingency.Thresholds, bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if len(f.con) == 0 {
		return contingency.Thresholds{}, false
	}
	return f.con[len(f.con)-1], true
}

type contingencyFunc func(contingency.Thresholds) error

func (fn contingencyFunc) SetThresholds(th contingency.Thresholds) error { return fn(th) }

type resourceFunc func(resource.Thresholds) error

func (fn resourceFunc) SetThresholds(th resource.Thresholds) error { return fn(th) }

func newTestWatcher(t *testing.T, body string) (*Watcher, *fakeTargets, string) {
	t.Helper()
	path := filepath.Join(t.TempDir(), "sessionplane.yaml")
	require.NoError(t, os.WriteFile(path, []byte(body), 0o644))
	f := &fakeTargets{}
	w, err := NewWatcher(WatcherOptions{
		Path:        path,
		Debounce:    20 * time.Millisecond,
		Contingency: contingencyFunc(f.setContingency),
		Resource:    resourceFunc(f.setResource),
	})
	require.NoError(t, err)
	return w, f, path
}

func TestNewWatcher_RequiresPath(t *testing.T) {
	_, err := NewWatcher(WatcherOptions{})
	assert.Error(t, err)
}

func TestWatcher_ReloadAppliesThresholds(t *testing.T) {
	w, f, _ := newTestWatcher(t, "contingency:\n  block_rate_threshold: 0.2\nresource:\n  ram_threshold_percent: 70\n")

	require.NoError(t, w.Reload())

	con, ok := f.lastContingency()
	require.True(t, ok)
	assert.Equal(t, 0.2, con.BlockRate)
	assert.Equal(t, contingency.DefaultThresholds().ConsecutiveFailures, con.ConsecutiveFailures)
	require.Len(t, f.res, 1)
	assert.Equal(t, 70.0, f.res[0].RAMPercent)
	assert.Equal(t, 80.0, f.res[0].CPUPercent)
	assert.Equal(t, 1, w.Applied())
}

func TestWatcher_ReloadRejectsInvalid(t *testing.T) {
	w, f, _ := newTestWatcher(t, "resource:\n  cpu_threshold_percent: 99\n")

	err := w.Reload()
	assert.ErrorIs(t, err, ErrInvalid)
	_, ok := f.lastContingency()
	assert.False(t, ok, "nothing is applied from an invalid file")
	assert.Empty(t, f.res)
	assert.Zero(t, w.Applied())
}

func TestWatcher_ReloadTargetError(t *testing.T) {
	w, f, _ := newTestWatcher(t, "queue:\n  max_queue_size: 10\n")
	f.err = errors.New("boom")

	assert.Error(t, w.Reload())
	assert.Zero(t, w.Applied())
}

func TestWatcher_ReloadMissingFile(t *testing.T) {
	w, _, path := newTestWatcher(t, "")
	require.NoError(t, os.Remove(path))
	assert.Error(t, w.Reload())
}

func TestWatcher_RunPicksUpWrites(t *testing.T) {
	w, f, path := newTestWatcher(t, "")
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- w.Run(ctx) }()

	// Rewrite until the watch is registered and the change lands.
	require.Eventually(t, func() bool {
		_ = os.WriteFile(path, []byte("contingency:\n  consecutive_failure_threshold: 5\n"), 0o644)
		con, ok := f.lastContingency()
		return ok && con.ConsecutiveFailures == 5
	}, 5*time.Second, 100*time.Millisecond)

	cancel()
	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(2 * time.Second):
		t.Fatal("watcher did not stop")
	}
}

func TestWatcher_RealTargets(t *testing.T) {
	path := filepath.Join(t.TempDir(), "sessionplane.yaml")
	require.NoError(t, os.WriteFile(path, []byte("contingency:\n  block_rate_threshold: 0.3\nresource:\n  cpu_threshold_percent: 60\n"), 0o644))

	tracker, err := contingency.New(contingency.Options{})
	require.NoError(t, err)
	sampler, err := resource.NewSampler(resource.SamplerOptions{Source: resource.StaticSource{CPU: 10, RAM: 10}})
	require.NoError(t, err)

	w, err := NewWatcher(WatcherOptions{Path: path, Contingency: tracker, Resource: sampler})
	require.NoError(t, err)
	require.NoError(t, w.Reload())

	assert.Equal(t, 0.3, tracker.Thresholds().BlockRate)
	assert.Equal(t, 60.0, sampler.Thresholds().CPUPercent)
}
