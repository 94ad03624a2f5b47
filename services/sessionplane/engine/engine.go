// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package engine

import (
	"context"
	"errors"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/jinterlante1206/sessionplane/services/sessionplane/proxy"
	"github.com/jinterlante1206/sessionplane/services/sessionplane/queue"
)

// Engine runs the control-plane loops over a Deps.
type Engine struct {
	deps       *Deps
	dispatcher *Dispatcher
	consumer   *queue.Consumer
}

// New builds the dispatcher and consumer over deps.
func New(deps *Deps) *Engine {
	s := deps.Settings
	dispatcher := NewDispatcher(DispatcherOptions{
		Selector:         deps.Selector,
		Tracker:          deps.Tracker,
		Detector:         deps.Detector,
		Placer:           deps.Controller,
		Strategy:         s.Strategy,
		FailureThreshold: s.ProxyFailureThreshold,
		Clock:            deps.Clock,
		Metrics:          deps.Metrics,
		Instruments:      deps.Instruments,
		Logger:           deps.Logger,
	})
	consumer := queue.NewConsumer(deps.Queue, dispatcher.Handle, queue.ConsumerConfig{
		Interval:      s.ConsumerInterval,
		MaxConcurrent: s.MaxConcurrent,
		Eligible:      dispatcher.Eligible,
		Logger:        deps.Logger,
	})
	return &Engine{deps: deps, dispatcher: dispatcher, consumer: consumer}
}

// Deps returns the engine's components.
func (e *Engine) Deps() *Deps { return e.deps }

// Dispatcher returns the work-item handler.
func (e *Engine) Dispatcher() *Dispatcher { return e.dispatcher }

// Consumer returns the queue consumer.
func (e *Engine) Consumer() *queue.Consumer { return e.consumer }

// Run starts every loop and blocks until ctx is cancelled or a loop
// fails.
//
// # Description
//
// Loops: queue consumer, scheduler, resource sampler, placement
// controller, proxy and sample flushers, and periodic model training
// when TrainInterval is set. Each loop exits at its next tick after
// cancellation.
//
// # Outputs
//
//   - error: The first loop failure, or nil on cancellation.
func (e *Engine) Run(ctx context.Context) error {
	d := e.deps
	s := d.Settings
	g, ctx := errgroup.WithContext(ctx)

	g.Go(func() error { return e.consumer.Run(ctx) })
	g.Go(func() error { return d.Scheduler.Run(ctx) })
	g.Go(func() error { return d.Sampler.Run(ctx) })
	g.Go(func() error { return d.Controller.Run(ctx) })
	g.Go(func() error { return d.Pool.RunFlusher(ctx, s.FlushInterval) })
	g.Go(func() error {
		every(ctx, s.FlushInterval, func() {
			if err := d.Samples.Flush(); err != nil {
				d.Logger.Error("flush proxy samples failed", "error", err)
			}
		})
		return nil
	})
	if s.TrainInterval > 0 {
		g.Go(func() error {
			every(ctx, s.TrainInterval, func() { _ = e.Train(ctx) })
			return nil
		})
	}

	d.Logger.Info("engine started")
	err := g.Wait()
	d.Logger.Info("engine stopped")
	if errors.Is(err, context.Canceled) {
		return nil
	}
	return err
}

// Train retrains the selector model. A shortage of samples is logged,
// not returned.
func (e *Engine) Train(ctx context.Context) error {
	_, err := e.deps.Selector.Train(ctx)
	if errors.Is(err, proxy.ErrInsufficientData) {
		e.deps.Logger.Debug("skipping proxy model training", "reason", err)
		return nil
	}
	if err != nil {
		e.deps.Logger.Error("proxy model training failed", "error", err)
	}
	return err
}

func every(ctx context.Context, interval time.Duration, fn func()) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			fn()
		}
	}
}
