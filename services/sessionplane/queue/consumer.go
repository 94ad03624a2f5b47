// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package queue

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"golang.org/x/sync/errgroup"
)

// Handler executes one work item and reports whether it succeeded. An
// error counts as a failure.
type Handler func(ctx context.Context, item WorkItem) (bool, error)

// ConsumerConfig configures a Consumer.
type ConsumerConfig struct {
	// Interval between polls. Default: 1s.
	Interval time.Duration

	// MaxConcurrent bounds handlers running at once. A tick that finds
	// every slot busy pulls nothing. Default: 1.
	MaxConcurrent int

	// Eligible filters items at dequeue time. Nil accepts all.
	Eligible func(WorkItem) bool

	Logger *slog.Logger
}

// Consumer polls a WorkQueue and runs a Handler for each item.
//
// # Description
//
// Each tick pulls at most one eligible item. The handler runs on its own
// goroutine so a long session never stalls the polling loop; the result is
// fed back through WorkQueue.Complete.
//
// # Thread Safety
//
// Run must be called once.
type Consumer struct {
	q      *WorkQueue
	handle Handler
	cfg    ConsumerConfig
	logger *slog.Logger
}

// NewConsumer creates a Consumer for q.
func NewConsumer(q *WorkQueue, handle Handler, cfg ConsumerConfig) *Consumer {
	if cfg.Interval <= 0 {
		cfg.Interval = time.Second
	}
	if cfg.MaxConcurrent <= 0 {
		cfg.MaxConcurrent = 1
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	return &Consumer{
		q:      q,
		handle: handle,
		cfg:    cfg,
		logger: cfg.Logger.With("component", "consumer"),
	}
}

// Run polls until ctx is cancelled, then waits for running handlers.
//
// # Outputs
//
//   - error: Always nil; ctx cancellation is a normal stop.
func (c *Consumer) Run(ctx context.Context) error {
	var g errgroup.Group
	g.SetLimit(c.cfg.MaxConcurrent)

	ticker := time.NewTicker(c.cfg.Interval)
	defer ticker.Stop()

	c.logger.Info("consumer started", "interval", c.cfg.Interval, "max_concurrent", c.cfg.MaxConcurrent)
	for {
		select {
		case <-ctx.Done():
			_ = g.Wait()
			c.logger.Info("consumer stopped")
			return nil
		case <-ticker.C:
			g.TryGo(func() error {
				c.Poll(ctx)
				return nil
			})
		}
	}
}

// Poll dequeues and handles one item synchronously.
//
// # Outputs
//
//   - bool: true if an item was handled.
func (c *Consumer) Poll(ctx context.Context) bool {
	item, err := c.q.DequeueFunc(c.cfg.Eligible)
	if errors.Is(err, ErrQueueEmpty) {
		return false
	}
	if err != nil {
		c.logger.Error("dequeue failed", "error", err)
		return false
	}

	ok, err := c.safeHandle(ctx, item)
	if err != nil {
		c.logger.Warn("work item execution failed",
			"item_id", item.ID, "session_id", item.SessionID, "error", err)
		ok = false
	}

	if _, _, err := c.q.Complete(item.ID, ok); err != nil {
		c.logger.Error("complete failed", "item_id", item.ID, "error", err)
	}
	return true
}

func (c *Consumer) safeHandle(ctx context.Context, item WorkItem) (ok bool, err error) {
	defer func() {
		if r := recover(); r != nil {
			c.logger.Error("handler panicked", "item_id", item.ID, "panic", r)
			ok, err = false, errors.New("handler panicked")
		}
	}()
	return c.handle(ctx, item)
}
