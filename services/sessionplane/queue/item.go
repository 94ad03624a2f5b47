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
	"encoding/json"
	"time"
)

const (
	// HighestPriority is the most urgent priority. Scheduled work uses it.
	HighestPriority = 1

	// LowestPriority is the least urgent priority. Retries degrade toward it.
	LowestPriority = 10

	// DefaultPriority is used by callers that do not care.
	DefaultPriority = 5
)

// TierLocal is the tier a new item starts on.
const TierLocal = "local"

// WorkItem is one pending unit of work for a session.
type WorkItem struct {
	// ID is assigned on Enqueue when empty.
	ID string `json:"id"`

	// SessionID names the session the work belongs to. Contingency state
	// and proxy binding are keyed by it.
	SessionID string `json:"session_id"`

	// Payload is opaque to the control plane and handed to the executor.
	Payload json.RawMessage `json:"payload,omitempty"`

	// Priority is 1 (highest) to 10 (lowest).
	Priority int `json:"priority"`

	// EnqueuedAt is set on first enqueue and kept across retries, so
	// "oldest" means oldest by original submission.
	EnqueuedAt time.Time `json:"enqueued_at"`

	RetryCount int `json:"retry_count"`
	MaxRetries int `json:"max_retries"`

	// Tier is the execution tier the item is assigned to. Empty means local.
	Tier string `json:"tier,omitempty"`

	// ScheduleID is set for work produced by a schedule entry.
	ScheduleID string `json:"schedule_id,omitempty"`
}

// TierOrLocal returns the item's tier, defaulting to TierLocal.
func (w WorkItem) TierOrLocal() string {
	if w.Tier == "" {
		return TierLocal
	}
	return w.Tier
}

// ValidPriority reports whether p is within [HighestPriority, LowestPriority].
func ValidPriority(p int) bool {
	return p >= HighestPriority && p <= LowestPriority
}

// CompletionResult says what Complete did with an item.
type CompletionResult string

const (
	// Completed means the item succeeded and was removed.
	Completed CompletionResult = "completed"

	// Retried means the item failed and was re-enqueued.
	Retried CompletionResult = "retried"

	// Dropped means the item failed with no retries left.
	Dropped CompletionResult = "dropped"
)

// DeadLetter is a terminally failed item retained for inspection.
type DeadLetter struct {
	Item     WorkItem  `json:"item"`
	FailedAt time.Time `json:"failed_at"`
}

// Stats is a point-in-time summary of the queue.
type Stats struct {
	Pending     int            `json:"pending"`
	InFlight    int            `json:"in_flight"`
	Capacity    int            `json:"capacity"`
	DeadLetters int            `json:"dead_letters"`
	ByPriority  map[int]int    `json:"by_priority"`
	ByTier      map[string]int `json:"by_tier"`
}
