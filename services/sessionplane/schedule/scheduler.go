// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package schedule fires cron-triggered work into the work queue.
//
// # Description
//
// Each Entry moves idle → due → window check → fired | skipped → idle.
// On every due tick next_run is recomputed and persisted before anything
// else happens, so an entry fires at most once per matching minute even
// if the process restarts mid-fire. Accepted fires update last_run and
// run_count, persist synchronously, and enqueue the work template at
// priority 1.
//
// # Thread Safety
//
// Scheduler is safe for concurrent use. Tick holds the scheduler lock
// while it calls into the queue; the queue never calls back, so the lock
// order is always scheduler then queue.
package schedule

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/jinterlante1206/sessionplane/pkg/validation"
	"github.com/jinterlante1206/sessionplane/services/sessionplane/clock"
	"github.com/jinterlante1206/sessionplane/services/sessionplane/events"
	"github.com/jinterlante1206/sessionplane/services/sessionplane/observability"
	"github.com/jinterlante1206/sessionplane/services/sessionplane/queue"
	"github.com/jinterlante1206/sessionplane/services/sessionplane/storage"
)

// ErrNotFound is returned for an unknown schedule id.
var ErrNotFound = errors.New("schedule not found")

// WorkTemplate is the work enqueued on each fire.
type WorkTemplate struct {
	SessionID  string          `json:"session_id" yaml:"session_id"`
	Payload    json.RawMessage `json:"payload,omitempty" yaml:"-"`
	// MaxRetries is the retry budget of each fired item. Nil uses the
	// scheduler's DefaultMaxRetries at fire time.
	MaxRetries *int `json:"max_retries,omitempty" yaml:"max_retries,omitempty"`
}

// Entry is a persisted schedule.
type Entry struct {
	ID           string       `json:"schedule_id"`
	Name         string       `json:"name,omitempty"`
	WorkTemplate WorkTemplate `json:"work_template"`
	Trigger      string       `json:"trigger"`
	Window       TimeWindow   `json:"time_window"`
	Enabled      bool         `json:"enabled"`
	NextRun      time.Time    `json:"next_run"`
	LastRun      time.Time    `json:"last_run,omitempty"`
	RunCount     int          `json:"run_count"`
	CreatedAt    time.Time    `json:"created_at"`
}

// Enqueuer is the queue side the scheduler feeds.
type Enqueuer interface {
	Enqueue(item queue.WorkItem, priority int) (queue.WorkItem, error)
}

// Options configures a Scheduler.
type Options struct {
	Queue Enqueuer

	// Store persists entries. Nil keeps entries in memory only.
	Store *storage.Collection[Entry]

	// Interval between due checks. Default: 1s.
	Interval time.Duration

	// Location evaluates cron fields and windows. Default: time.Local.
	Location *time.Location

	// DefaultMaxRetries applies to templates without their own budget.
	// Default: DefaultMaxRetries.
	DefaultMaxRetries int

	Clock     clock.Clock
	Publisher events.Publisher
	Metrics   *observability.Metrics
	Logger    *slog.Logger
}

// DefaultMaxRetries is the retry budget of fired work when neither the
// template nor Options sets one.
const DefaultMaxRetries = 3

// Scheduler owns schedule entries and fires them.
type Scheduler struct {
	mu       sync.Mutex
	entries  map[string]*Entry
	triggers map[string]Trigger

	queue      Enqueuer
	store      *storage.Collection[Entry]
	interval   time.Duration
	maxRetries int
	loc        *time.Location
	clock      clock.Clock
	pub        events.Publisher
	metrics    *observability.Metrics
	logger     *slog.Logger
}

// New creates a Scheduler. Call Load to restore persisted entries.
func New(opts Options) *Scheduler {
	if opts.Interval <= 0 {
		opts.Interval = time.Second
	}
	if opts.Location == nil {
		opts.Location = time.Local
	}
	if opts.DefaultMaxRetries <= 0 {
		opts.DefaultMaxRetries = DefaultMaxRetries
	}
	if opts.Publisher == nil {
		opts.Publisher = events.Discard{}
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	return &Scheduler{
		entries:    make(map[string]*Entry),
		triggers:   make(map[string]Trigger),
		queue:      opts.Queue,
		store:      opts.Store,
		interval:   opts.Interval,
		maxRetries: opts.DefaultMaxRetries,
		loc:        opts.Location,
		clock:      clock.OrReal(opts.Clock),
		pub:        opts.Publisher,
		metrics:    opts.Metrics,
		logger:     opts.Logger.With("component", "scheduler"),
	}
}

// Load restores entries from the store.
//
// # Description
//
// Fires missed while the process was down are not replayed: an enabled
// entry whose next_run is in the past is moved to its next activation
// after now. Entries whose trigger no longer parses are logged and left
// disabled.
func (s *Scheduler) Load() error {
	if s.store == nil {
		return nil
	}
	stored, err := s.store.LoadAll()
	if err != nil {
		return fmt.Errorf("load schedules: %w", err)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	now := s.now()
	for id, e := range stored {
		trig, err := ParseCron(e.Trigger)
		if err != nil {
			s.logger.Error("stored schedule has invalid trigger; disabling",
				"schedule_id", id, "trigger", e.Trigger, "error", err)
			e.Enabled = false
			s.entries[id] = &e
			continue
		}
		if e.Enabled && (e.NextRun.IsZero() || e.NextRun.Before(now)) {
			e.NextRun = trig.Next(now)
			if err := s.persist(&e); err != nil {
				return err
			}
		}
		s.entries[id] = &e
		s.triggers[id] = trig
	}
	s.logger.Info("schedules loaded", "count", len(s.entries))
	return nil
}

// Add validates and stores a new entry.
//
// # Description
//
// The trigger and window are validated here so a malformed entry can
// never reach the firing path. ID is generated when empty; NextRun is
// computed from now.
//
// # Outputs
//
//   - Entry: The stored entry.
//   - error: Wraps ErrInvalidCron or ErrInvalidWindow, or a storage error.
func (s *Scheduler) Add(e Entry) (Entry, error) {
	trig, err := ParseCron(e.Trigger)
	if err != nil {
		return Entry{}, err
	}
	if err := e.Window.Validate(); err != nil {
		return Entry{}, err
	}
	if e.WorkTemplate.SessionID == "" {
		return Entry{}, fmt.Errorf("%w: work template needs a session id", queue.ErrInvalidItem)
	}
	if err := validation.ValidateID(e.WorkTemplate.SessionID); err != nil {
		return Entry{}, fmt.Errorf("%w: work template session: %v", queue.ErrInvalidItem, err)
	}
	if e.WorkTemplate.MaxRetries != nil && *e.WorkTemplate.MaxRetries < 0 {
		return Entry{}, fmt.Errorf("%w: negative max retries", queue.ErrInvalidItem)
	}
	if e.ID == "" {
		e.ID = uuid.NewString()
	} else if err := validation.ValidateID(e.ID); err != nil {
		return Entry{}, fmt.Errorf("schedule id: %w", err)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if _, exists := s.entries[e.ID]; exists {
		return Entry{}, fmt.Errorf("schedule %s already exists", e.ID)
	}
	now := s.now()
	e.Trigger = trig.String()
	e.CreatedAt = now
	e.RunCount = 0
	e.LastRun = time.Time{}
	e.NextRun = trig.Next(now)

	if err := s.persist(&e); err != nil {
		return Entry{}, err
	}
	s.entries[e.ID] = &e
	s.triggers[e.ID] = trig
	s.logger.Info("schedule added", "schedule_id", e.ID, "trigger", e.Trigger, "next_run", e.NextRun)
	return e, nil
}

// Get returns the entry for id.
func (s *Scheduler) Get(id string) (Entry, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	e, ok := s.entries[id]
	if !ok {
		return Entry{}, fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	return *e, nil
}

// List returns every entry ordered by next run.
func (s *Scheduler) List() []Entry {
	s.mu.Lock()
	out := make([]Entry, 0, len(s.entries))
	for _, e := range s.entries {
		out = append(out, *e)
	}
	s.mu.Unlock()

	sort.Slice(out, func(i, j int) bool {
		if out[i].NextRun.Equal(out[j].NextRun) {
			return out[i].ID < out[j].ID
		}
		return out[i].NextRun.Before(out[j].NextRun)
	})
	return out
}

// Remove deletes an entry.
func (s *Scheduler) Remove(id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.entries[id]; !ok {
		return fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	if s.store != nil {
		if err := s.store.DeleteSync(id); err != nil {
			return fmt.Errorf("delete schedule %s: %w", id, err)
		}
	}
	delete(s.entries, id)
	delete(s.triggers, id)
	s.logger.Info("schedule removed", "schedule_id", id)
	return nil
}

// SetEnabled enables or disables an entry. Enabling recomputes next_run.
func (s *Scheduler) SetEnabled(id string, enabled bool) (Entry, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	e, ok := s.entries[id]
	if !ok {
		return Entry{}, fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	trig, ok := s.triggers[id]
	if !ok && enabled {
		return Entry{}, fmt.Errorf("%w: stored trigger %q", ErrInvalidCron, e.Trigger)
	}

	updated := *e
	updated.Enabled = enabled
	if enabled {
		updated.NextRun = trig.Next(s.now())
	}
	if err := s.persist(&updated); err != nil {
		return Entry{}, err
	}
	*e = updated
	return updated, nil
}

// RunNow fires an entry immediately, ignoring its trigger and window.
// next_run is unchanged.
func (s *Scheduler) RunNow(id string) (queue.WorkItem, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	e, ok := s.entries[id]
	if !ok {
		return queue.WorkItem{}, fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	return s.fireLocked(e, s.now())
}

// Tick fires every enabled entry that is due.
//
// # Outputs
//
//   - int: Number of entries that enqueued work.
func (s *Scheduler) Tick() int {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := s.now()
	fired := 0
	for id, e := range s.entries {
		if !e.Enabled || e.NextRun.IsZero() || now.Before(e.NextRun) {
			continue
		}
		trig := s.triggers[id]

		// Advance first so this activation cannot fire twice. Memory only
		// moves once the store has the new next_run.
		advanced := *e
		advanced.NextRun = trig.Next(now)
		if err := s.persist(&advanced); err != nil {
			s.logger.Error("persist next_run failed", "schedule_id", id, "error", err)
			s.metrics.ScheduleRun("error")
			continue
		}
		*e = advanced

		if ok, reason := e.Window.Allows(now); !ok {
			s.logger.Info("skipped", "schedule_id", id, "reason", reason, "next_run", e.NextRun)
			s.metrics.ScheduleRun("skipped")
			s.pub.Publish(events.Event{
				Type: events.TypeScheduleSkipped, SessionID: e.WorkTemplate.SessionID,
				Message: reason, Attrs: map[string]any{"schedule_id": id},
			})
			continue
		}

		if _, err := s.fireLocked(e, now); err != nil {
			continue
		}
		fired++
	}
	return fired
}

func (s *Scheduler) fireLocked(e *Entry, now time.Time) (queue.WorkItem, error) {
	retries := s.maxRetries
	if e.WorkTemplate.MaxRetries != nil {
		retries = *e.WorkTemplate.MaxRetries
	}
	item, err := s.queue.Enqueue(queue.WorkItem{
		SessionID:  e.WorkTemplate.SessionID,
		Payload:    e.WorkTemplate.Payload,
		MaxRetries: retries,
		ScheduleID: e.ID,
	}, queue.HighestPriority)
	if err != nil {
		s.logger.Warn("schedule fire could not enqueue", "schedule_id", e.ID, "error", err)
		s.metrics.ScheduleRun("error")
		return queue.WorkItem{}, fmt.Errorf("enqueue schedule %s: %w", e.ID, err)
	}

	e.LastRun = now
	e.RunCount++
	if err := s.persist(e); err != nil {
		s.logger.Error("persist fire failed", "schedule_id", e.ID, "error", err)
	}

	s.metrics.ScheduleRun("fired")
	s.logger.Info("schedule fired",
		"schedule_id", e.ID, "item_id", item.ID, "run_count", e.RunCount, "next_run", e.NextRun)
	s.pub.Publish(events.Event{
		Type: events.TypeScheduleFired, SessionID: e.WorkTemplate.SessionID, ItemID: item.ID,
		Attrs: map[string]any{"schedule_id": e.ID, "run_count": e.RunCount},
	})
	return item, nil
}

// Run checks for due entries every interval until ctx is cancelled.
func (s *Scheduler) Run(ctx context.Context) error {
	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	s.logger.Info("scheduler started", "interval", s.interval)
	for {
		select {
		case <-ctx.Done():
			s.logger.Info("scheduler stopped")
			return nil
		case <-ticker.C:
			s.Tick()
		}
	}
}

func (s *Scheduler) now() time.Time {
	return s.clock.Now().In(s.loc)
}

func (s *Scheduler) persist(e *Entry) error {
	if s.store == nil {
		return nil
	}
	if err := s.store.PutSync(e.ID, *e); err != nil {
		return fmt.Errorf("persist schedule %s: %w", e.ID, err)
	}
	return nil
}
