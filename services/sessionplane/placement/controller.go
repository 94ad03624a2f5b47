// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package placement decides where work runs (local process, container or
// cloud) and moves queued work between tiers as host load changes.
package placement

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/jinterlante1206/sessionplane/services/sessionplane/clock"
	"github.com/jinterlante1206/sessionplane/services/sessionplane/events"
	"github.com/jinterlante1206/sessionplane/services/sessionplane/observability"
	"github.com/jinterlante1206/sessionplane/services/sessionplane/queue"
)

// Decision reasons.
const (
	ReasonSteady            = "steady"
	ReasonScaleUp           = "scale_up"
	ReasonScaleUpNoRemote   = "scale_up_no_remote_tier"
	ReasonScaleUpNoWork     = "scale_up_no_local_work"
	ReasonScaleDown         = "scale_down"
	ReasonScaleDownNoRemote = "scale_down_no_remote_work"
)

// Signals is the load signal the controller follows.
type Signals interface {
	ShouldScaleUp() bool
	ShouldScaleDown() bool
}

// Migrator moves queued work between tiers.
type Migrator interface {
	ReassignOldest(from func(tier string) bool, to string) (queue.WorkItem, string, bool)
}

// Migration records one moved work item.
type Migration struct {
	ItemID    string `json:"item_id"`
	SessionID string `json:"session_id"`
	From      string `json:"from"`
	To        string `json:"to"`
}

// Decision is the outcome of one controller tick.
type Decision struct {
	Tier      string     `json:"tier"`
	Reason    string     `json:"reason"`
	At        time.Time  `json:"at"`
	Migration *Migration `json:"migration,omitempty"`
}

// ControllerOptions configures a Controller.
type ControllerOptions struct {
	// Signals and Queue are required.
	Signals Signals
	Queue   Migrator

	// Local executes work on this host.
	Local Tier

	// Remote tiers in preference order, e.g. container then cloud.
	Remote []Tier

	// Interval between ticks. Default: 5s.
	Interval time.Duration

	Clock     clock.Clock
	Publisher events.Publisher
	Metrics   *observability.Metrics
	Logger    *slog.Logger
}

// Controller is the placement control loop.
//
// # Description
//
// Each tick reads the load signals:
//
//   - scale-up: the oldest local item moves to the first available
//     remote tier.
//   - scale-down: the oldest remote item moves back to local.
//   - otherwise nothing moves.
//
// At most one item migrates per tick. The sampler's debounce and the
// gap between the scale-up threshold and half of it give the loop its
// hysteresis.
//
// # Thread Safety
//
// Safe for concurrent use. Run must be called once.
type Controller struct {
	signals  Signals
	queue    Migrator
	local    Tier
	remote   []Tier
	byName   map[string]Tier
	interval time.Duration

	mu   sync.Mutex
	last Decision

	clock   clock.Clock
	pub     events.Publisher
	metrics *observability.Metrics
	logger  *slog.Logger
}

// NewController creates a Controller.
func NewController(opts ControllerOptions) (*Controller, error) {
	if opts.Signals == nil || opts.Queue == nil {
		return nil, fmt.Errorf("placement controller: signals and queue are required")
	}
	if opts.Interval <= 0 {
		opts.Interval = 5 * time.Second
	}
	if opts.Publisher == nil {
		opts.Publisher = events.Discard{}
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	c := &Controller{
		signals:  opts.Signals,
		queue:    opts.Queue,
		local:    opts.Local,
		byName:   make(map[string]Tier),
		interval: opts.Interval,
		clock:    clock.OrReal(opts.Clock),
		pub:      opts.Publisher,
		metrics:  opts.Metrics,
		logger:   opts.Logger.With("component", "placement"),
	}
	if opts.Local != nil {
		c.byName[opts.Local.Name()] = opts.Local
	}
	for _, t := range opts.Remote {
		if t == nil {
			continue
		}
		c.remote = append(c.remote, t)
		c.byName[t.Name()] = t
	}
	c.last = Decision{Tier: TierLocal, Reason: ReasonSteady, At: c.clock.Now()}
	return c, nil
}

// Run ticks every interval until ctx is cancelled.
func (c *Controller) Run(ctx context.Context) error {
	c.logger.Info("placement controller started", "interval", c.interval, "remote_tiers", len(c.remote))
	ticker := time.NewTicker(c.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			c.logger.Info("placement controller stopped")
			return nil
		case <-ticker.C:
			c.Tick(ctx)
		}
	}
}

// Tick evaluates the signals once and performs at most one migration.
func (c *Controller) Tick(ctx context.Context) Decision {
	d := Decision{Tier: TierLocal, Reason: ReasonSteady, At: c.clock.Now()}

	switch {
	case c.signals.ShouldScaleUp():
		c.metrics.ScaleRecommended("up")
		target := c.firstAvailableRemote(ctx)
		if target == nil {
			d.Reason = ReasonScaleUpNoRemote
			break
		}
		d.Tier = target.Name()
		item, from, ok := c.queue.ReassignOldest(isLocal, target.Name())
		if !ok {
			d.Reason = ReasonScaleUpNoWork
			break
		}
		d.Reason = ReasonScaleUp
		d.Migration = &Migration{ItemID: item.ID, SessionID: item.SessionID, From: from, To: target.Name()}
		c.announce(events.TypeScaleUp, d)

	case c.signals.ShouldScaleDown():
		c.metrics.ScaleRecommended("down")
		item, from, ok := c.queue.ReassignOldest(isRemote, TierLocal)
		if !ok {
			d.Reason = ReasonScaleDownNoRemote
			break
		}
		d.Reason = ReasonScaleDown
		d.Migration = &Migration{ItemID: item.ID, SessionID: item.SessionID, From: from, To: TierLocal}
		c.announce(events.TypeScaleDown, d)
	}

	c.mu.Lock()
	c.last = d
	c.mu.Unlock()
	return d
}

// Last returns the most recent decision.
func (c *Controller) Last() Decision {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.last
}

// TierFor returns the tier an item should execute on: its assigned tier
// when available, otherwise local.
//
// # Outputs
//
//   - Tier: The tier to execute on.
//   - error: ErrTierUnavailable when neither is available.
func (c *Controller) TierFor(ctx context.Context, item queue.WorkItem) (Tier, error) {
	name := item.TierOrLocal()
	if t, ok := c.byName[name]; ok && t.IsAvailable(ctx) {
		return t, nil
	}
	if name != TierLocal {
		c.logger.Warn("assigned tier unavailable; running locally", "item_id", item.ID, "tier", name)
	}
	if c.local != nil && c.local.IsAvailable(ctx) {
		return c.local, nil
	}
	return nil, fmt.Errorf("%w: %s", ErrTierUnavailable, name)
}

// TierStatus reports a tier's availability.
type TierStatus struct {
	Name      string `json:"name"`
	Available bool   `json:"available"`
}

// Tiers reports every configured tier, local first.
func (c *Controller) Tiers(ctx context.Context) []TierStatus {
	var out []TierStatus
	if c.local != nil {
		out = append(out, TierStatus{Name: c.local.Name(), Available: c.local.IsAvailable(ctx)})
	}
	for _, t := range c.remote {
		out = append(out, TierStatus{Name: t.Name(), Available: t.IsAvailable(ctx)})
	}
	return out
}

func (c *Controller) firstAvailableRemote(ctx context.Context) Tier {
	for _, t := range c.remote {
		if t.IsAvailable(ctx) {
			return t
		}
	}
	return nil
}

func (c *Controller) announce(typ events.Type, d Decision) {
	m := d.Migration
	c.metrics.Migrated(m.From, m.To)
	c.logger.Info("work item migrated",
		"item_id", m.ItemID, "session_id", m.SessionID, "from", m.From, "to", m.To, "reason", d.Reason)
	c.pub.Publish(events.Event{
		Type:      typ,
		SessionID: m.SessionID,
		ItemID:    m.ItemID,
		Message:   d.Reason,
		Attrs:     map[string]any{"tier": d.Tier},
	})
	c.pub.Publish(events.Event{
		Type:      events.TypeMigrated,
		SessionID: m.SessionID,
		ItemID:    m.ItemID,
		Attrs:     map[string]any{"from": m.From, "to": m.To},
	})
}

func isLocal(tier string) bool  { return tier == TierLocal }
func isRemote(tier string) bool { return tier != TierLocal }
