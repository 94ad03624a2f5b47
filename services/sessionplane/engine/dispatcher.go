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
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/jinterlante1206/sessionplane/services/sessionplane/anomaly"
	"github.com/jinterlante1206/sessionplane/services/sessionplane/clock"
	"github.com/jinterlante1206/sessionplane/services/sessionplane/contingency"
	"github.com/jinterlante1206/sessionplane/services/sessionplane/observability"
	"github.com/jinterlante1206/sessionplane/services/sessionplane/placement"
	"github.com/jinterlante1206/sessionplane/services/sessionplane/proxy"
	"github.com/jinterlante1206/sessionplane/services/sessionplane/queue"
	"github.com/jinterlante1206/sessionplane/services/sessionplane/telemetry"
)

// Dispatch outcomes, used as metric labels.
const (
	OutcomeSuccess = "success"
	OutcomeFailure = "failure"
	OutcomeBlocked = "blocked"
	OutcomeError   = "error"
)

// Placer picks the tier an item executes on.
type Placer interface {
	TierFor(ctx context.Context, item queue.WorkItem) (placement.Tier, error)
}

// DispatcherOptions configures a Dispatcher.
type DispatcherOptions struct {
	Selector *proxy.Selector
	Tracker  *contingency.Tracker
	Detector *anomaly.Detector
	Placer   Placer

	// Strategy binds sessions to proxies. Default: auto.
	Strategy proxy.Strategy

	// FailureThreshold is passed to proxy feedback. Default: 5.
	FailureThreshold int

	Clock       clock.Clock
	Metrics     *observability.Metrics
	Instruments *telemetry.Instruments
	Logger      *slog.Logger
}

// Dispatcher executes work items and feeds outcomes back into the
// proxy, contingency and anomaly components.
//
// # Description
//
// A session keeps its proxy across items until the proxy is evicted or
// deactivated. Eviction is per session: the evicted proxy is excluded
// from that session's later selections and stays active for everyone
// else. Once a session has been evicted from every active proxy its
// exclusions are cleared and rotation starts over. When the pool holds
// no proxies at all the item runs without one; an empty active set with
// proxies configured is a retryable error.
//
// # Thread Safety
//
// Safe for concurrent use.
type Dispatcher struct {
	selector  *proxy.Selector
	pool      *proxy.Pool
	tracker   *contingency.Tracker
	detector  *anomaly.Detector
	placer    Placer
	strategy  proxy.Strategy
	threshold int

	mu       sync.Mutex
	bindings map[string]proxy.Selection
	excluded map[string]map[string]bool

	clock       clock.Clock
	metrics     *observability.Metrics
	instruments *telemetry.Instruments
	logger      *slog.Logger
}

// NewDispatcher creates a Dispatcher.
func NewDispatcher(opts DispatcherOptions) *Dispatcher {
	if opts.Strategy == "" {
		opts.Strategy = proxy.StrategyAuto
	}
	if opts.FailureThreshold <= 0 {
		opts.FailureThreshold = 5
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	return &Dispatcher{
		selector:    opts.Selector,
		pool:        opts.Selector.Pool(),
		tracker:     opts.Tracker,
		detector:    opts.Detector,
		placer:      opts.Placer,
		strategy:    opts.Strategy,
		threshold:   opts.FailureThreshold,
		bindings:    make(map[string]proxy.Selection),
		excluded:    make(map[string]map[string]bool),
		clock:       clock.OrReal(opts.Clock),
		metrics:     opts.Metrics,
		instruments: opts.Instruments,
		logger:      opts.Logger.With("component", "dispatcher"),
	}
}

// Eligible reports whether the item's session may receive work now.
func (d *Dispatcher) Eligible(item queue.WorkItem) bool {
	return d.tracker.Eligible(item.SessionID)
}

// Handle executes one work item. It is a queue.Handler.
//
// # Outputs
//
//   - bool: The session succeeded.
//   - error: Placement, proxy or tier failure. A blocked session is a
//     false result, not an error.
func (d *Dispatcher) Handle(ctx context.Context, item queue.WorkItem) (bool, error) {
	ctx, span := telemetry.StartSpan(ctx, "engine.dispatch", trace.WithAttributes(
		attribute.String("session.id", item.SessionID),
		attribute.String("item.id", item.ID),
		attribute.Int("item.retry_count", item.RetryCount),
	))
	defer span.End()
	start := d.clock.Now()

	tier, err := d.placer.TierFor(ctx, item)
	if err != nil {
		telemetry.RecordError(span, err)
		d.record(ctx, "none", OutcomeError, 0)
		return false, fmt.Errorf("place item: %w", err)
	}
	span.SetAttributes(attribute.String("tier", tier.Name()))

	sel, bound, err := d.bind(ctx, item.SessionID)
	if err != nil {
		telemetry.RecordError(span, err)
		d.record(ctx, tier.Name(), OutcomeError, 0)
		return false, fmt.Errorf("select proxy: %w", err)
	}

	job := placement.Job{SessionID: item.SessionID, ItemID: item.ID, Payload: item.Payload}
	if bound {
		span.SetAttributes(attribute.String("proxy.id", sel.Record.ID))
		job.ProxyURL, err = d.pool.URL(sel.Record.ID)
		if err != nil {
			d.Unbind(item.SessionID)
			telemetry.RecordError(span, err)
			d.record(ctx, tier.Name(), OutcomeError, 0)
			return false, fmt.Errorf("proxy url: %w", err)
		}
	}

	ok, execErr := tier.Execute(ctx, job)
	latency := d.clock.Now().Sub(start)
	blocked := errors.Is(execErr, placement.ErrBlocked)
	if execErr != nil && !blocked {
		telemetry.RecordError(span, execErr)
		d.record(ctx, tier.Name(), OutcomeError, latency)
		return false, execErr
	}
	ok = ok && !blocked

	if bound {
		deactivated, err := d.selector.Feedback(sel, proxy.Outcome{Success: ok, Latency: latency, Banned: blocked}, d.threshold)
		if err != nil {
			d.logger.Warn("proxy feedback failed", "proxy_id", sel.Record.ID, "error", err)
		}
		if deactivated || errors.Is(err, proxy.ErrNotFound) {
			d.Unbind(item.SessionID)
		}
	}

	if ok {
		d.tracker.RecordSuccess(item.SessionID)
	} else {
		d.tracker.RecordFailure(item.SessionID, blocked)
		d.escalate(ctx, item.SessionID, sel, bound)
	}

	if _, err := d.detector.Observe(item.SessionID, anomaly.MetricLatencyMs, float64(latency.Milliseconds())); err != nil && !errors.Is(err, anomaly.ErrNoBaseline) {
		d.logger.Debug("anomaly check failed", "session_id", item.SessionID, "error", err)
	}

	outcome := OutcomeSuccess
	switch {
	case blocked:
		outcome = OutcomeBlocked
	case !ok:
		outcome = OutcomeFailure
	}
	d.record(ctx, tier.Name(), outcome, latency)
	if ok {
		telemetry.SetSpanOK(span)
	}
	span.SetAttributes(attribute.String("outcome", outcome))
	return ok, nil
}

// escalate applies the contingency decisions after a failure.
func (d *Dispatcher) escalate(ctx context.Context, sessionID string, sel proxy.Selection, bound bool) {
	if d.tracker.ShouldEvictProxy(sessionID) && bound {
		d.tracker.RecordEviction(sessionID, sel.Record.ID)
		d.mu.Lock()
		delete(d.bindings, sessionID)
		if d.excluded[sessionID] == nil {
			d.excluded[sessionID] = make(map[string]bool)
		}
		d.excluded[sessionID][sel.Record.ID] = true
		d.mu.Unlock()
	}
	if d.tracker.ShouldEnterCoolDown(sessionID) {
		d.tracker.EnterCoolDown(ctx, sessionID)
	}
}

// bind returns the session's proxy, selecting one when unbound.
//
// # Outputs
//
//   - proxy.Selection: The binding, with features captured now.
//   - bool: false when the pool is empty and the item runs direct.
//   - error: The pool has proxies but none is usable.
func (d *Dispatcher) bind(ctx context.Context, sessionID string) (proxy.Selection, bool, error) {
	d.mu.Lock()
	sel, ok := d.bindings[sessionID]
	d.mu.Unlock()

	if ok {
		rec, err := d.pool.Get(sel.Record.ID)
		if err == nil && rec.Active {
			sel.Features = proxy.Features(rec, d.clock.Now())
			if rec, err = d.pool.MarkUsed(rec.ID); err == nil {
				sel.Record = rec
				return sel, true, nil
			}
		}
		d.Unbind(sessionID)
	}

	sel, err := d.selector.SelectExcluding(ctx, d.strategy, d.exclusions(sessionID))
	if errors.Is(err, proxy.ErrPoolEmpty) && len(d.pool.List()) == 0 {
		return proxy.Selection{}, false, nil
	}
	if errors.Is(err, proxy.ErrPoolEmpty) && d.clearExclusions(sessionID) > 0 && len(d.pool.Active()) > 0 {
		d.logger.Info("session evicted from every active proxy, rotating again", "session_id", sessionID)
		sel, err = d.selector.Select(ctx, d.strategy)
	}
	if err != nil {
		return proxy.Selection{}, false, err
	}

	d.mu.Lock()
	d.bindings[sessionID] = sel
	d.mu.Unlock()
	d.logger.Info("session bound to proxy", "session_id", sessionID, "proxy_id", sel.Record.ID, "mode", sel.Mode)
	return sel, true, nil
}

// Unbind drops the session's proxy binding.
func (d *Dispatcher) Unbind(sessionID string) {
	d.mu.Lock()
	delete(d.bindings, sessionID)
	d.mu.Unlock()
}

// Exclusions returns the proxies the session was evicted from, sorted.
func (d *Dispatcher) Exclusions(sessionID string) []string {
	d.mu.Lock()
	defer d.mu.Unlock()
	out := make([]string, 0, len(d.excluded[sessionID]))
	for id := range d.excluded[sessionID] {
		out = append(out, id)
	}
	sort.Strings(out)
	return out
}

func (d *Dispatcher) exclusions(sessionID string) map[string]bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	if len(d.excluded[sessionID]) == 0 {
		return nil
	}
	out := make(map[string]bool, len(d.excluded[sessionID]))
	for id := range d.excluded[sessionID] {
		out[id] = true
	}
	return out
}

// clearExclusions drops the session's exclusions and returns how many
// there were.
func (d *Dispatcher) clearExclusions(sessionID string) int {
	d.mu.Lock()
	defer d.mu.Unlock()
	n := len(d.excluded[sessionID])
	delete(d.excluded, sessionID)
	return n
}

// Bindings returns session id to proxy id for every bound session.
func (d *Dispatcher) Bindings() map[string]string {
	d.mu.Lock()
	defer d.mu.Unlock()
	out := make(map[string]string, len(d.bindings))
	for s, sel := range d.bindings {
		out[s] = sel.Record.ID
	}
	return out
}

// Teardown forgets everything held for a finished session.
func (d *Dispatcher) Teardown(sessionID string) {
	d.Unbind(sessionID)
	d.clearExclusions(sessionID)
	d.tracker.Teardown(sessionID)
	d.detector.Teardown(sessionID)
}

func (d *Dispatcher) record(ctx context.Context, tier, outcome string, latency time.Duration) {
	d.metrics.ObserveDispatch(tier, outcome, latency)
	d.instruments.Dispatch(ctx, tier, outcome)
}
