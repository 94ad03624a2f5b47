// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package queue implements the bounded priority work queue.
//
// # Description
//
// Items are ordered by priority (1 first) and, among equal priorities, by
// insertion order. Dequeue moves an item to the in-flight set; Complete
// either removes it, re-enqueues it at a degraded priority, or drops it to
// the dead-letter list with a terminal-failure event.
//
// Capacity bounds pending plus in-flight items, so a failed item always has
// room to be re-enqueued without pushing the queue past its limit.
//
// # Thread Safety
//
// Every mutation happens under one mutex. Heap operations are O(log n).
package queue

import (
	"container/heap"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"sync"

	"github.com/google/uuid"

	"github.com/jinterlante1206/sessionplane/pkg/validation"
	"github.com/jinterlante1206/sessionplane/services/sessionplane/clock"
	"github.com/jinterlante1206/sessionplane/services/sessionplane/events"
	"github.com/jinterlante1206/sessionplane/services/sessionplane/observability"
)

var (
	// ErrQueueFull is returned by Enqueue when the queue is at capacity.
	ErrQueueFull = errors.New("work queue is full")

	// ErrQueueEmpty is returned by Dequeue when nothing is eligible.
	ErrQueueEmpty = errors.New("work queue is empty")

	// ErrNotInFlight is returned by Complete for an unknown item id.
	ErrNotInFlight = errors.New("work item is not in flight")

	// ErrNotFound is returned when an item id is not pending or dead-lettered.
	ErrNotFound = errors.New("work item not found")

	// ErrInvalidPriority is returned for a priority outside [1,10].
	ErrInvalidPriority = errors.New("priority must be between 1 and 10")

	// ErrInvalidItem is returned for items missing a session id or with a
	// negative retry budget.
	ErrInvalidItem = errors.New("invalid work item")
)

// Options configures a WorkQueue.
type Options struct {
	// Capacity bounds pending plus in-flight items. Default: 1000.
	Capacity int

	// DeadLetterCapacity bounds retained dead letters; the oldest is
	// discarded first. Default: 100.
	DeadLetterCapacity int

	Clock     clock.Clock
	Publisher events.Publisher
	Metrics   *observability.Metrics
	Logger    *slog.Logger
}

type entry struct {
	item  WorkItem
	seq   uint64
	index int
}

type itemHeap []*entry

func (h itemHeap) Len() int { return len(h) }

func (h itemHeap) Less(i, j int) bool {
	if h[i].item.Priority != h[j].item.Priority {
		return h[i].item.Priority < h[j].item.Priority
	}
	return h[i].seq < h[j].seq
}

func (h itemHeap) Swap(i, j int) {
	h[i], h[j] = h[j], h[i]
	h[i].index = i
	h[j].index = j
}

func (h *itemHeap) Push(x any) {
	e := x.(*entry)
	e.index = len(*h)
	*h = append(*h, e)
}

func (h *itemHeap) Pop() any {
	old := *h
	n := len(old)
	e := old[n-1]
	old[n-1] = nil
	e.index = -1
	*h = old[:n-1]
	return e
}

// WorkQueue is a capacity-bounded priority queue with an in-flight set.
//
// # Thread Safety
//
// Safe for concurrent use.
type WorkQueue struct {
	mu       sync.Mutex
	pending  itemHeap
	byID     map[string]*entry
	inFlight map[string]WorkItem
	dead     []DeadLetter
	seq      uint64

	capacity int
	deadCap  int
	clock    clock.Clock
	pub      events.Publisher
	metrics  *observability.Metrics
	logger   *slog.Logger
}

// New creates an empty WorkQueue.
func New(opts Options) *WorkQueue {
	if opts.Capacity <= 0 {
		opts.Capacity = 1000
	}
	if opts.DeadLetterCapacity <= 0 {
		opts.DeadLetterCapacity = 100
	}
	if opts.Publisher == nil {
		opts.Publisher = events.Discard{}
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	return &WorkQueue{
		byID:     make(map[string]*entry),
		inFlight: make(map[string]WorkItem),
		capacity: opts.Capacity,
		deadCap:  opts.DeadLetterCapacity,
		clock:    clock.OrReal(opts.Clock),
		pub:      opts.Publisher,
		metrics:  opts.Metrics,
		logger:   opts.Logger.With("component", "work_queue"),
	}
}

// Enqueue adds item at priority without blocking.
//
// # Inputs
//
//   - item: SessionID is required. ID is generated when empty and
//     EnqueuedAt is stamped when zero.
//   - priority: 1 (highest) to 10 (lowest). Overrides item.Priority.
//
// # Outputs
//
//   - WorkItem: The stored item with ID and EnqueuedAt filled in.
//   - error: ErrQueueFull, ErrInvalidPriority, ErrInvalidItem, or an error
//     for a duplicate id.
func (q *WorkQueue) Enqueue(item WorkItem, priority int) (WorkItem, error) {
	if !ValidPriority(priority) {
		q.metrics.Enqueued("invalid")
		return WorkItem{}, fmt.Errorf("%w: got %d", ErrInvalidPriority, priority)
	}
	if item.SessionID == "" || item.MaxRetries < 0 || item.RetryCount < 0 {
		q.metrics.Enqueued("invalid")
		return WorkItem{}, ErrInvalidItem
	}
	if err := validation.ValidateID(item.SessionID); err != nil {
		q.metrics.Enqueued("invalid")
		return WorkItem{}, fmt.Errorf("%w: session: %v", ErrInvalidItem, err)
	}
	if item.ID == "" {
		item.ID = uuid.NewString()
	} else if err := validation.ValidateID(item.ID); err != nil {
		q.metrics.Enqueued("invalid")
		return WorkItem{}, fmt.Errorf("%w: id: %v", ErrInvalidItem, err)
	}
	if item.EnqueuedAt.IsZero() {
		item.EnqueuedAt = q.clock.Now()
	}
	item.Priority = priority

	q.mu.Lock()
	defer q.mu.Unlock()

	if q.heldLocked() >= q.capacity {
		q.metrics.Enqueued("full")
		return WorkItem{}, ErrQueueFull
	}
	if _, dup := q.byID[item.ID]; dup {
		return WorkItem{}, fmt.Errorf("%w: duplicate id %s", ErrInvalidItem, item.ID)
	}
	if _, dup := q.inFlight[item.ID]; dup {
		return WorkItem{}, fmt.Errorf("%w: duplicate id %s", ErrInvalidItem, item.ID)
	}

	q.pushLocked(item)
	q.metrics.Enqueued("ok")
	q.observeLocked()
	return item, nil
}

// Dequeue removes the highest-priority item and marks it in flight.
func (q *WorkQueue) Dequeue() (WorkItem, error) {
	return q.DequeueFunc(nil)
}

// DequeueFunc is Dequeue restricted to items for which eligible returns
// true. Skipped items keep their position. A nil eligible accepts all.
//
// # Description
//
// The dispatcher passes a predicate that rejects sessions in cooldown, so
// their work stays queued without blocking other sessions.
func (q *WorkQueue) DequeueFunc(eligible func(WorkItem) bool) (WorkItem, error) {
	q.mu.Lock()
	defer q.mu.Unlock()

	var skipped []*entry
	defer func() {
		for _, e := range skipped {
			heap.Push(&q.pending, e)
		}
	}()

	for q.pending.Len() > 0 {
		e := heap.Pop(&q.pending).(*entry)
		if eligible != nil && !eligible(e.item) {
			skipped = append(skipped, e)
			continue
		}
		delete(q.byID, e.item.ID)
		q.inFlight[e.item.ID] = e.item
		q.observeAfter(len(skipped))
		return e.item, nil
	}
	return WorkItem{}, ErrQueueEmpty
}

// Complete finishes an in-flight item.
//
// # Description
//
// On success the item is removed. On failure it is re-enqueued with
// RetryCount+1 and priority degraded one step toward 10 while
// RetryCount < MaxRetries; otherwise it is dropped to the dead-letter
// list and a terminal-failure event is published.
//
// # Outputs
//
//   - WorkItem: The item as it now stands (retried items carry the new
//     priority and retry count).
//   - CompletionResult: Completed, Retried or Dropped.
//   - error: ErrNotInFlight for an unknown id.
func (q *WorkQueue) Complete(id string, success bool) (WorkItem, CompletionResult, error) {
	q.mu.Lock()
	item, ok := q.inFlight[id]
	if !ok {
		q.mu.Unlock()
		return WorkItem{}, "", fmt.Errorf("%w: %s", ErrNotInFlight, id)
	}
	delete(q.inFlight, id)

	if success {
		q.observeLocked()
		q.mu.Unlock()
		q.metrics.Completed("success")
		q.pub.Publish(events.Event{Type: events.TypeWorkCompleted, SessionID: item.SessionID, ItemID: id})
		return item, Completed, nil
	}

	if item.RetryCount < item.MaxRetries {
		item.RetryCount++
		if item.Priority < LowestPriority {
			item.Priority++
		}
		q.pushLocked(item)
		q.observeLocked()
		q.mu.Unlock()

		q.metrics.Completed("retry")
		q.logger.Info("work item retried",
			"item_id", id, "session_id", item.SessionID,
			"retry_count", item.RetryCount, "priority", item.Priority)
		q.pub.Publish(events.Event{
			Type: events.TypeWorkRetried, SessionID: item.SessionID, ItemID: id,
			Attrs: map[string]any{"retry_count": item.RetryCount, "priority": item.Priority},
		})
		return item, Retried, nil
	}

	q.dead = append(q.dead, DeadLetter{Item: item, FailedAt: q.clock.Now()})
	if len(q.dead) > q.deadCap {
		q.dead = q.dead[len(q.dead)-q.deadCap:]
	}
	q.observeLocked()
	q.mu.Unlock()

	q.metrics.Completed("terminal")
	q.logger.Warn("work item dropped after exhausting retries",
		"item_id", id, "session_id", item.SessionID, "max_retries", item.MaxRetries)
	q.pub.Publish(events.Event{
		Type: events.TypeTerminalFailure, SessionID: item.SessionID, ItemID: id,
		Message: "retries exhausted",
		Attrs:   map[string]any{"retry_count": item.RetryCount, "max_retries": item.MaxRetries},
	})
	return item, Dropped, nil
}

// Remove cancels a pending item.
func (q *WorkQueue) Remove(id string) (WorkItem, error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	e, ok := q.byID[id]
	if !ok {
		return WorkItem{}, fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	heap.Remove(&q.pending, e.index)
	delete(q.byID, id)
	q.observeLocked()
	return e.item, nil
}

// Requeue moves a dead-lettered item back into the queue with a fresh
// retry budget. It fails with ErrInvalidItem while an item with the same
// id is pending or in flight; the dead letter is kept.
func (q *WorkQueue) Requeue(id string, priority int) (WorkItem, error) {
	if !ValidPriority(priority) {
		return WorkItem{}, fmt.Errorf("%w: got %d", ErrInvalidPriority, priority)
	}
	q.mu.Lock()
	defer q.mu.Unlock()

	idx := -1
	for i, d := range q.dead {
		if d.Item.ID == id {
			idx = i
			break
		}
	}
	if idx < 0 {
		return WorkItem{}, fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	if _, dup := q.byID[id]; dup {
		return WorkItem{}, fmt.Errorf("%w: %s already queued", ErrInvalidItem, id)
	}
	if _, dup := q.inFlight[id]; dup {
		return WorkItem{}, fmt.Errorf("%w: %s already in flight", ErrInvalidItem, id)
	}
	if q.heldLocked() >= q.capacity {
		return WorkItem{}, ErrQueueFull
	}

	item := q.dead[idx].Item
	q.dead = append(q.dead[:idx], q.dead[idx+1:]...)
	item.RetryCount = 0
	item.Priority = priority
	q.pushLocked(item)
	q.observeLocked()
	return item, nil
}

// ReassignOldest moves the oldest item (pending or in flight) whose tier
// satisfies from onto tier to.
//
// # Description
//
// "Oldest" is by EnqueuedAt. Pending items run on the new tier when next
// dequeued. In-flight items keep running where they are; the new tier
// takes effect if they are retried.
//
// # Outputs
//
//   - WorkItem: The item after reassignment.
//   - string: The tier the item was on.
//   - bool: false when no item matched.
func (q *WorkQueue) ReassignOldest(from func(tier string) bool, to string) (WorkItem, string, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()

	var (
		oldest   *WorkItem
		inFlight bool
	)
	for _, e := range q.pending {
		if from(e.item.TierOrLocal()) && (oldest == nil || e.item.EnqueuedAt.Before(oldest.EnqueuedAt)) {
			oldest = &e.item
			inFlight = false
		}
	}
	for id := range q.inFlight {
		it := q.inFlight[id]
		if from(it.TierOrLocal()) && (oldest == nil || it.EnqueuedAt.Before(oldest.EnqueuedAt)) {
			cp := it
			oldest = &cp
			inFlight = true
		}
	}
	if oldest == nil {
		return WorkItem{}, "", false
	}

	prev := oldest.TierOrLocal()
	oldest.Tier = to
	if inFlight {
		q.inFlight[oldest.ID] = *oldest
	}
	return *oldest, prev, true
}

// Len returns the number of pending items.
func (q *WorkQueue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.pending.Len()
}

// InFlight returns the number of in-flight items.
func (q *WorkQueue) InFlight() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.inFlight)
}

// Capacity returns the configured capacity.
func (q *WorkQueue) Capacity() int {
	return q.capacity
}

// Pending returns pending items in dequeue order.
func (q *WorkQueue) Pending() []WorkItem {
	q.mu.Lock()
	entries := make([]*entry, len(q.pending))
	for i, e := range q.pending {
		cp := *e
		entries[i] = &cp
	}
	q.mu.Unlock()

	sort.Slice(entries, func(i, j int) bool {
		return itemHeap(entries).Less(i, j)
	})
	out := make([]WorkItem, len(entries))
	for i, e := range entries {
		out[i] = e.item
	}
	return out
}

// InFlightItems returns a copy of the in-flight set.
func (q *WorkQueue) InFlightItems() []WorkItem {
	q.mu.Lock()
	defer q.mu.Unlock()
	out := make([]WorkItem, 0, len(q.inFlight))
	for _, it := range q.inFlight {
		out = append(out, it)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].EnqueuedAt.Before(out[j].EnqueuedAt) })
	return out
}

// DeadLetters returns retained dead letters, oldest first.
func (q *WorkQueue) DeadLetters() []DeadLetter {
	q.mu.Lock()
	defer q.mu.Unlock()
	out := make([]DeadLetter, len(q.dead))
	copy(out, q.dead)
	return out
}

// Stats returns a summary of the queue.
func (q *WorkQueue) Stats() Stats {
	q.mu.Lock()
	defer q.mu.Unlock()
	s := Stats{
		Pending:     q.pending.Len(),
		InFlight:    len(q.inFlight),
		Capacity:    q.capacity,
		DeadLetters: len(q.dead),
		ByPriority:  make(map[int]int),
		ByTier:      make(map[string]int),
	}
	for _, e := range q.pending {
		s.ByPriority[e.item.Priority]++
		s.ByTier[e.item.TierOrLocal()]++
	}
	for _, it := range q.inFlight {
		s.ByTier[it.TierOrLocal()]++
	}
	return s
}

func (q *WorkQueue) pushLocked(item WorkItem) {
	q.seq++
	e := &entry{item: item, seq: q.seq}
	heap.Push(&q.pending, e)
	q.byID[item.ID] = e
}

func (q *WorkQueue) heldLocked() int {
	return q.pending.Len() + len(q.inFlight)
}

func (q *WorkQueue) observeLocked() {
	q.metrics.SetQueue(q.pending.Len(), len(q.inFlight), len(q.dead))
}

// observeAfter reports depth including items about to be pushed back.
func (q *WorkQueue) observeAfter(skipped int) {
	q.metrics.SetQueue(q.pending.Len()+skipped, len(q.inFlight), len(q.dead))
}
