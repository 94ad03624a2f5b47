// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package events carries control-plane notifications from producers
// (queue, scheduler, contingency, placement) to any number of consumers
// (API websocket clients, metrics, logs).
//
// Publishing never blocks. A subscriber whose buffer is full misses the
// event and the drop is counted, so a slow operator console cannot stall
// the dispatch loop.
package events

import (
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
)

// Type identifies the kind of event.
type Type string

const (
	// TypeTerminalFailure is published when a work item exhausts its retries.
	TypeTerminalFailure Type = "work.terminal_failure"

	// TypeWorkCompleted is published when a work item succeeds.
	TypeWorkCompleted Type = "work.completed"

	// TypeWorkRetried is published when a failed item is re-enqueued.
	TypeWorkRetried Type = "work.retried"

	// TypeScheduleFired is published when a schedule entry enqueues work.
	TypeScheduleFired Type = "schedule.fired"

	// TypeScheduleSkipped is published when a due entry is outside its window.
	TypeScheduleSkipped Type = "schedule.skipped"

	// TypeProxyEvicted is published when a session's proxy is evicted.
	TypeProxyEvicted Type = "proxy.evicted"

	// TypeProxyDeactivated is published when a proxy crosses its failure threshold.
	TypeProxyDeactivated Type = "proxy.deactivated"

	// TypeCoolDownEntered is published when a session enters cooldown.
	TypeCoolDownEntered Type = "session.cooldown"

	// TypeAnomaly is published when a metric deviates from its baseline.
	TypeAnomaly Type = "session.anomaly"

	// TypeScaleUp and TypeScaleDown report placement recommendations.
	TypeScaleUp   Type = "placement.scale_up"
	TypeScaleDown Type = "placement.scale_down"

	// TypeMigrated is published when a work item moves between tiers.
	TypeMigrated Type = "placement.migrated"
)

// Event is a single notification.
type Event struct {
	ID        string         `json:"id"`
	Type      Type           `json:"type"`
	Time      time.Time      `json:"time"`
	SessionID string         `json:"session_id,omitempty"`
	ItemID    string         `json:"item_id,omitempty"`
	Message   string         `json:"message,omitempty"`
	Attrs     map[string]any `json:"attrs,omitempty"`
}

// Publisher is the producer side of the bus.
type Publisher interface {
	Publish(ev Event)
}

// Bus fans events out to subscribers over buffered channels.
//
// # Thread Safety
//
// Bus is safe for concurrent use. Publish holds a read lock only, so
// publishers do not serialise behind each other.
type Bus struct {
	mu      sync.RWMutex
	subs    map[uint64]chan Event
	nextID  uint64
	dropped atomic.Int64
	closed  bool
}

// NewBus creates an empty bus.
func NewBus() *Bus {
	return &Bus{subs: make(map[uint64]chan Event)}
}

// Subscribe registers a new consumer.
//
// # Inputs
//
//   - buffer: Channel capacity. Values below 1 are raised to 1.
//
// # Outputs
//
//   - <-chan Event: Receives events until cancel is called or the bus closes.
//   - func(): Unsubscribes and closes the channel. Safe to call twice.
func (b *Bus) Subscribe(buffer int) (<-chan Event, func()) {
	if buffer < 1 {
		buffer = 1
	}
	ch := make(chan Event, buffer)

	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		close(ch)
		return ch, func() {}
	}
	id := b.nextID
	b.nextID++
	b.subs[id] = ch
	b.mu.Unlock()

	var once sync.Once
	return ch, func() {
		once.Do(func() {
			b.mu.Lock()
			defer b.mu.Unlock()
			if existing, ok := b.subs[id]; ok {
				delete(b.subs, id)
				close(existing)
			}
		})
	}
}

// Publish delivers ev to every subscriber that has room.
//
// ID and Time are filled in when empty.
func (b *Bus) Publish(ev Event) {
	if ev.ID == "" {
		ev.ID = uuid.NewString()
	}
	if ev.Time.IsZero() {
		ev.Time = time.Now()
	}

	b.mu.RLock()
	defer b.mu.RUnlock()
	if b.closed {
		return
	}
	for _, ch := range b.subs {
		select {
		case ch <- ev:
		default:
			b.dropped.Add(1)
		}
	}
}

// Dropped returns how many deliveries were skipped because a subscriber was full.
func (b *Bus) Dropped() int64 {
	return b.dropped.Load()
}

// Subscribers returns the current subscriber count.
func (b *Bus) Subscribers() int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.subs)
}

// Close closes every subscriber channel. Later publishes are ignored.
func (b *Bus) Close() {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return
	}
	b.closed = true
	for id, ch := range b.subs {
		close(ch)
		delete(b.subs, id)
	}
}

// Discard is a Publisher that drops everything. Used when a component is
// constructed without a bus.
type Discard struct{}

// Publish does nothing.
func (Discard) Publish(Event) {}
