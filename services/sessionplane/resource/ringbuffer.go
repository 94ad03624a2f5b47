// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package resource

import "sync"

// RingBuffer is a thread-safe, fixed-size circular buffer that overwrites
// its oldest item when full.
//
// # Description
//
// The sampler keeps its rolling history here. Reads never consume:
// ToSlice and Last return copies, oldest first.
//
// # Thread Safety
//
// Safe for concurrent use.
//
// # Example
//
//	history := NewRingBuffer[Sample](60)
//	history.Push(s)
//	recent := history.Last(3)
type RingBuffer[T any] struct {
	mu       sync.Mutex
	buffer   []T
	head     int
	size     int
	capacity int
	dropped  int64
}

// NewRingBuffer creates an empty buffer.
//
// # Panics
//
// Panics if capacity <= 0.
func NewRingBuffer[T any](capacity int) *RingBuffer[T] {
	if capacity <= 0 {
		panic("ring buffer capacity must be positive")
	}
	return &RingBuffer[T]{buffer: make([]T, capacity), capacity: capacity}
}

// Push appends item, evicting the oldest when full.
//
// # Outputs
//
//   - bool: true if an item was evicted.
func (r *RingBuffer[T]) Push(item T) bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	tail := (r.head + r.size) % r.capacity
	r.buffer[tail] = item
	if r.size == r.capacity {
		r.head = (r.head + 1) % r.capacity
		r.dropped++
		return true
	}
	r.size++
	return false
}

// Latest returns the newest item.
func (r *RingBuffer[T]) Latest() (T, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.size == 0 {
		var zero T
		return zero, false
	}
	return r.buffer[(r.head+r.size-1)%r.capacity], true
}

// Last returns up to n newest items, oldest first. Nil when empty.
func (r *RingBuffer[T]) Last(n int) []T {
	r.mu.Lock()
	defer r.mu.Unlock()
	if n <= 0 || r.size == 0 {
		return nil
	}
	if n > r.size {
		n = r.size
	}
	out := make([]T, n)
	start := r.head + r.size - n
	for i := 0; i < n; i++ {
		out[i] = r.buffer[(start+i)%r.capacity]
	}
	return out
}

// ToSlice returns every item, oldest first. Nil when empty.
func (r *RingBuffer[T]) ToSlice() []T {
	return r.Last(r.Capacity())
}

// Size returns the current item count.
func (r *RingBuffer[T]) Size() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.size
}

// Capacity returns the fixed capacity.
func (r *RingBuffer[T]) Capacity() int {
	return r.capacity
}

// DroppedCount returns how many items were evicted.
func (r *RingBuffer[T]) DroppedCount() int64 {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.dropped
}
