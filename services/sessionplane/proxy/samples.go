// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package proxy

import (
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/dgraph-io/badger/v4"

	"github.com/jinterlante1206/sessionplane/services/sessionplane/storage"
)

// DefaultSampleCapacity bounds the training sample log.
const DefaultSampleCapacity = 10000

// Sample is one labelled dispatch outcome.
type Sample struct {
	Seq      uint64    `json:"seq"`
	ProxyID  string    `json:"proxy_id"`
	Features []float64 `json:"features"`
	Success  bool      `json:"success"`
	At       time.Time `json:"at"`
}

// SampleLog is a bounded, persisted log of training samples. The oldest
// sample is dropped once capacity is reached.
//
// # Thread Safety
//
// Safe for concurrent use.
type SampleLog struct {
	mu       sync.Mutex
	samples  []Sample
	nextSeq  uint64
	capacity int
	store    *storage.Collection[Sample]
}

// NewSampleLog creates a sample log. db may be nil for an in-memory log.
func NewSampleLog(db *badger.DB, capacity int, logger *slog.Logger) *SampleLog {
	if capacity <= 0 {
		capacity = DefaultSampleCapacity
	}
	if logger == nil {
		logger = slog.Default()
	}
	l := &SampleLog{capacity: capacity}
	if db != nil {
		l.store = storage.NewCollection[Sample](db, "proxy_samples", logger)
	}
	return l
}

// Load restores persisted samples in sequence order, trimming to capacity.
func (l *SampleLog) Load() error {
	if l.store == nil {
		return nil
	}
	all, err := l.store.LoadAll()
	if err != nil {
		return fmt.Errorf("load samples: %w", err)
	}

	l.mu.Lock()
	defer l.mu.Unlock()
	l.samples = l.samples[:0]
	for _, s := range all {
		l.samples = append(l.samples, s)
	}
	sort.Slice(l.samples, func(i, j int) bool { return l.samples[i].Seq < l.samples[j].Seq })
	for len(l.samples) > l.capacity {
		l.store.Delete(sampleKey(l.samples[0].Seq))
		l.samples = l.samples[1:]
	}
	if n := len(l.samples); n > 0 {
		l.nextSeq = l.samples[n-1].Seq + 1
	}
	return nil
}

// Append records a sample. Persistence is buffered.
func (l *SampleLog) Append(s Sample) {
	l.mu.Lock()
	defer l.mu.Unlock()
	s.Seq = l.nextSeq
	l.nextSeq++
	l.samples = append(l.samples, s)
	if l.store != nil {
		l.store.Put(sampleKey(s.Seq), s)
	}
	if len(l.samples) > l.capacity {
		if l.store != nil {
			l.store.Delete(sampleKey(l.samples[0].Seq))
		}
		// Dropping the head reslices; append reallocates once the
		// shrinking capacity is exhausted, so trimming is amortised O(1).
		l.samples[0] = Sample{}
		l.samples = l.samples[1:]
	}
}

// Len returns the number of retained samples.
func (l *SampleLog) Len() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.samples)
}

// Snapshot returns a copy of the retained samples, oldest first.
func (l *SampleLog) Snapshot() []Sample {
	l.mu.Lock()
	defer l.mu.Unlock()
	out := make([]Sample, len(l.samples))
	copy(out, l.samples)
	return out
}

// Flush writes buffered samples.
func (l *SampleLog) Flush() error {
	if l.store == nil {
		return nil
	}
	return l.store.Flush()
}

func sampleKey(seq uint64) string {
	return fmt.Sprintf("%020d", seq)
}
