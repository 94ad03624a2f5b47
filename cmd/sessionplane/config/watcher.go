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
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"

	"github.com/jinterlante1206/sessionplane/services/sessionplane/contingency"
	"github.com/jinterlante1206/sessionplane/services/sessionplane/resource"
)

// DefaultDebounce is how long the watcher waits for writes to settle.
const DefaultDebounce = 250 * time.Millisecond

// ContingencyTarget receives reloaded contingency thresholds.
type ContingencyTarget interface {
	SetThresholds(contingency.Thresholds) error
}

// ResourceTarget receives reloaded resource thresholds.
type ResourceTarget interface {
	SetThresholds(resource.Thresholds) error
}

// WatcherOptions configures a Watcher.
type WatcherOptions struct {
	// Path of the config file. Required.
	Path string

	// Debounce window. Default: DefaultDebounce.
	Debounce time.Duration

	Contingency ContingencyTarget
	Resource    ResourceTarget
	Logger      *slog.Logger
}

// Watcher reapplies threshold changes from the config file while running.
//
// # Description
//
// The parent directory is watched so editors that replace the file on
// save are seen. Events for the file are debounced; the file is then
// parsed and validated, and only a valid configuration is applied. Every
// other section needs a restart.
//
// # Thread Safety
//
// Run must be called once. Reload is safe to call concurrently.
type Watcher struct {
	path     string
	debounce time.Duration

	contingency ContingencyTarget
	resource    ResourceTarget
	logger      *slog.Logger

	mu      sync.Mutex
	applied int
}

// NewWatcher creates a Watcher.
func NewWatcher(opts WatcherOptions) (*Watcher, error) {
	if opts.Path == "" {
		return nil, errors.New("config watcher: path is required")
	}
	if opts.Debounce <= 0 {
		opts.Debounce = DefaultDebounce
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	abs, err := filepath.Abs(opts.Path)
	if err != nil {
		return nil, err
	}
	return &Watcher{
		path:        abs,
		debounce:    opts.Debounce,
		contingency: opts.Contingency,
		resource:    opts.Resource,
		logger:      opts.Logger.With("component", "config_watcher", "path", abs),
	}, nil
}

// Run watches until ctx is cancelled.
func (w *Watcher) Run(ctx context.Context) error {
	fw, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("create config watcher: %w", err)
	}
	defer fw.Close()
	if err := fw.Add(filepath.Dir(w.path)); err != nil {
		return fmt.Errorf("watch %s: %w", filepath.Dir(w.path), err)
	}
	w.logger.Info("config watcher started")

	timer := time.NewTimer(w.debounce)
	if !timer.Stop() {
		<-timer.C
	}
	defer timer.Stop()

	for {
		select {
		case <-ctx.Done():
			w.logger.Info("config watcher stopped")
			return nil
		case ev, ok := <-fw.Events:
			if !ok {
				return nil
			}
			if filepath.Clean(ev.Name) != w.path {
				continue
			}
			if ev.Has(fsnotify.Write) || ev.Has(fsnotify.Create) || ev.Has(fsnotify.Rename) {
				timer.Reset(w.debounce)
			}
		case err, ok := <-fw.Errors:
			if !ok {
				return nil
			}
			w.logger.Warn("config watcher error", "error", err)
		case <-timer.C:
			if err := w.Reload(); err != nil {
				w.logger.Warn("config reload rejected", "error", err)
			}
		}
	}
}

// Reload reads the file and applies its thresholds.
//
// # Outputs
//
//   - error: Read, parse or validation failure. Nothing is applied then.
func (w *Watcher) Reload() error {
	data, err := os.ReadFile(w.path)
	if err != nil {
		return fmt.Errorf("read config: %w", err)
	}
	cfg, err := Parse(data)
	if err != nil {
		return err
	}
	if err := Validate(cfg); err != nil {
		return err
	}

	w.mu.Lock()
	defer w.mu.Unlock()
	if w.contingency != nil {
		if err := w.contingency.SetThresholds(cfg.Contingency); err != nil {
			return err
		}
	}
	if w.resource != nil {
		if err := w.resource.SetThresholds(cfg.Resource.Thresholds); err != nil {
			return err
		}
	}
	w.applied++
	w.logger.Info("config thresholds reloaded",
		"block_rate_threshold", cfg.Contingency.BlockRate,
		"consecutive_failure_threshold", cfg.Contingency.ConsecutiveFailures,
		"cpu_threshold_percent", cfg.Resource.Thresholds.CPUPercent,
		"ram_threshold_percent", cfg.Resource.Thresholds.RAMPercent)
	return nil
}

// Applied returns how many reloads have been applied.
func (w *Watcher) Applied() int {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.applied
}
