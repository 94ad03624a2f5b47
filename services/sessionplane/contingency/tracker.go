// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package contingency tracks per-session failure and block signals and
// decides when a session's proxy is evicted and when the session cools down.
package contingency

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math/rand/v2"
	"sort"
	"sync"
	"time"

	"github.com/go-playground/validator/v10"

	"github.com/jinterlante1206/sessionplane/services/sessionplane/clock"
	"github.com/jinterlante1206/sessionplane/services/sessionplane/events"
	"github.com/jinterlante1206/sessionplane/services/sessionplane/observability"
	"github.com/jinterlante1206/sessionplane/services/sessionplane/telemetry"
)

// ErrInvalidThresholds is returned for out-of-range thresholds.
var ErrInvalidThresholds = errors.New("invalid contingency thresholds")

var thresholdsValidate = validator.New()

// Phase is the escalation phase of a session.
//
// # State Diagram
//
//	NORMAL ──[block_rate > thr OR consecutive ≥ cft]──► EVICT_PROXY
//	   ▲                                                    │
//	   │                                        [consecutive ≥ 2·cft]
//	   │                                                    ▼
//	   └──────────────[cool_down_until passes]────────── COOL_DOWN
type Phase int

const (
	PhaseNormal Phase = iota
	PhaseEvictProxy
	PhaseCoolDown
)

// String returns a human-readable phase name.
func (p Phase) String() string {
	switch p {
	case PhaseNormal:
		return "NORMAL"
	case PhaseEvictProxy:
		return "EVICT_PROXY"
	case PhaseCoolDown:
		return "COOL_DOWN"
	default:
		return fmt.Sprintf("UNKNOWN(%d)", p)
	}
}

// MarshalText encodes the phase name.
func (p Phase) MarshalText() ([]byte, error) {
	return []byte(p.String()), nil
}

// Thresholds configures escalation.
type Thresholds struct {
	// BlockRate above which the session's proxy is evicted. Default: 0.10
	BlockRate float64 `yaml:"block_rate_threshold" json:"block_rate_threshold" validate:"gte=0.01,lte=0.5"`

	// ConsecutiveFailures at which the proxy is evicted; twice this
	// enters cooldown. Default: 3
	ConsecutiveFailures int `yaml:"consecutive_failure_threshold" json:"consecutive_failure_threshold" validate:"gte=1,lte=10"`

	// CoolDownMinSec and CoolDownMaxSec bound the cooldown draw.
	// Default: 300 and 900
	CoolDownMinSec int `yaml:"cool_down_min_sec" json:"cool_down_min_sec" validate:"gte=1"`
	CoolDownMaxSec int `yaml:"cool_down_max_sec" json:"cool_down_max_sec" validate:"gtefield=CoolDownMinSec"`
}

// DefaultThresholds returns the default escalation thresholds.
func DefaultThresholds() Thresholds {
	return Thresholds{
		BlockRate:           0.10,
		ConsecutiveFailures: 3,
		CoolDownMinSec:      300,
		CoolDownMaxSec:      900,
	}
}

// Validate checks every range.
func (t Thresholds) Validate() error {
	if err := thresholdsValidate.Struct(t); err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidThresholds, err)
	}
	return nil
}

// State is the contingency state of one session.
type State struct {
	SessionID           string    `json:"session_id"`
	ConsecutiveFailures int       `json:"consecutive_failures"`
	TotalRequests       int       `json:"total_requests"`
	TotalBlocks         int       `json:"total_blocks"`
	CoolDownUntil       time.Time `json:"cool_down_until,omitempty"`
	CoolDowns           int       `json:"cool_downs"`
}

// BlockRate is blocks/requests, 0 with no requests.
func (s State) BlockRate() float64 {
	if s.TotalRequests == 0 {
		return 0
	}
	return float64(s.TotalBlocks) / float64(s.TotalRequests)
}

// Options configures a Tracker.
type Options struct {
	// Thresholds must pass Validate. Zero value means DefaultThresholds.
	Thresholds Thresholds

	// Rand draws cooldown durations. Default: a time-seeded PCG.
	Rand *rand.Rand

	Clock       clock.Clock
	Publisher   events.Publisher
	Metrics     *observability.Metrics
	Instruments *telemetry.Instruments
	Logger      *slog.Logger
}

// Tracker holds per-session contingency state.
//
// # Description
//
// RecordSuccess and RecordFailure update counters. ShouldEvictProxy and
// ShouldEnterCoolDown read them against the current thresholds.
// EnterCoolDown draws a fresh duration and stamps cool_down_until; until
// then CoolingDown reports true and the dispatcher gives the session no
// new work. Escalation never surfaces as an error.
//
// # Thread Safety
//
// Safe for concurrent use. SetThresholds may be called at any time.
type Tracker struct {
	mu         sync.Mutex
	sessions   map[string]*State
	thresholds Thresholds
	rng        *rand.Rand

	clock       clock.Clock
	pub         events.Publisher
	metrics     *observability.Metrics
	instruments *telemetry.Instruments
	logger      *slog.Logger
}

// New creates a Tracker.
//
// # Outputs
//
//   - *Tracker: Ready to use.
//   - error: ErrInvalidThresholds.
func New(opts Options) (*Tracker, error) {
	if opts.Thresholds == (Thresholds{}) {
		opts.Thresholds = DefaultThresholds()
	}
	if err := opts.Thresholds.Validate(); err != nil {
		return nil, err
	}
	if opts.Rand == nil {
		seed := uint64(time.Now().UnixNano())
		opts.Rand = rand.New(rand.NewPCG(seed, seed^0x9e3779b97f4a7c15))
	}
	if opts.Publisher == nil {
		opts.Publisher = events.Discard{}
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	return &Tracker{
		sessions:    make(map[string]*State),
		thresholds:  opts.Thresholds,
		rng:         opts.Rand,
		clock:       clock.OrReal(opts.Clock),
		pub:         opts.Publisher,
		metrics:     opts.Metrics,
		instruments: opts.Instruments,
		logger:      opts.Logger.With("component", "contingency"),
	}, nil
}

// Thresholds returns the active thresholds.
func (t *Tracker) Thresholds() Thresholds {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.thresholds
}

// SetThresholds replaces the thresholds after validating them. Invalid
// thresholds leave the current ones in place.
func (t *Tracker) SetThresholds(th Thresholds) error {
	if err := th.Validate(); err != nil {
		return err
	}
	t.mu.Lock()
	old := t.thresholds
	t.thresholds = th
	t.mu.Unlock()
	if old != th {
		t.logger.Info("contingency thresholds updated",
			"block_rate", th.BlockRate, "consecutive_failures", th.ConsecutiveFailures,
			"cool_down_min_sec", th.CoolDownMinSec, "cool_down_max_sec", th.CoolDownMaxSec)
	}
	return nil
}

// RecordSuccess counts a request and resets the consecutive failure count.
func (t *Tracker) RecordSuccess(sessionID string) State {
	t.mu.Lock()
	defer t.mu.Unlock()
	s := t.stateLocked(sessionID)
	s.TotalRequests++
	s.ConsecutiveFailures = 0
	return *s
}

// RecordFailure counts a failed request, and a block when isBlock.
func (t *Tracker) RecordFailure(sessionID string, isBlock bool) State {
	t.mu.Lock()
	defer t.mu.Unlock()
	s := t.stateLocked(sessionID)
	s.TotalRequests++
	s.ConsecutiveFailures++
	if isBlock {
		s.TotalBlocks++
	}
	return *s
}

// ShouldEvictProxy reports whether the session's block rate exceeds the
// threshold or its consecutive failures reached the threshold.
func (t *Tracker) ShouldEvictProxy(sessionID string) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	s, ok := t.sessions[sessionID]
	if !ok {
		return false
	}
	return shouldEvict(*s, t.thresholds)
}

// ShouldEnterCoolDown reports whether consecutive failures reached twice
// the threshold.
func (t *Tracker) ShouldEnterCoolDown(sessionID string) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	s, ok := t.sessions[sessionID]
	if !ok {
		return false
	}
	return shouldCoolDown(*s, t.thresholds)
}

// RecordEviction counts and announces a proxy eviction for the session.
func (t *Tracker) RecordEviction(sessionID, proxyID string) {
	st, _ := t.State(sessionID)
	t.metrics.Evicted()
	t.logger.Warn("evicting session proxy",
		"session_id", sessionID, "proxy_id", proxyID,
		"block_rate", st.BlockRate(), "consecutive_failures", st.ConsecutiveFailures)
	t.pub.Publish(events.Event{
		Type:      events.TypeProxyEvicted,
		SessionID: sessionID,
		Attrs: map[string]any{
			"proxy_id":             proxyID,
			"block_rate":           st.BlockRate(),
			"consecutive_failures": st.ConsecutiveFailures,
		},
	})
}

// CoolDownDuration draws a duration uniformly from the whole seconds in
// [CoolDownMinSec, CoolDownMaxSec].
func (t *Tracker) CoolDownDuration() time.Duration {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.drawLocked()
}

// EnterCoolDown places the session in cooldown for a freshly drawn
// duration and clears its consecutive failure count, so the session
// re-enters the normal phase when the cooldown ends.
//
// # Outputs
//
//   - time.Time: cool_down_until.
func (t *Tracker) EnterCoolDown(ctx context.Context, sessionID string) time.Time {
	t.mu.Lock()
	d := t.drawLocked()
	s := t.stateLocked(sessionID)
	s.CoolDownUntil = t.clock.Now().Add(d)
	s.ConsecutiveFailures = 0
	s.CoolDowns++
	until := s.CoolDownUntil
	t.mu.Unlock()

	t.metrics.CooledDown()
	t.instruments.CoolDown(ctx, d.Seconds())
	t.logger.Warn("session entering cooldown", "session_id", sessionID, "duration", d, "until", until)
	t.pub.Publish(events.Event{
		Type:      events.TypeCoolDownEntered,
		SessionID: sessionID,
		Attrs:     map[string]any{"duration_sec": int(d / time.Second), "until": until},
	})
	return until
}

// CoolingDown reports whether now is before the session's cool_down_until.
func (t *Tracker) CoolingDown(sessionID string, now time.Time) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	s, ok := t.sessions[sessionID]
	return ok && now.Before(s.CoolDownUntil)
}

// Eligible reports whether the session may receive new work now.
func (t *Tracker) Eligible(sessionID string) bool {
	return !t.CoolingDown(sessionID, t.clock.Now())
}

// Phase returns the session's escalation phase.
func (t *Tracker) Phase(sessionID string) Phase {
	t.mu.Lock()
	defer t.mu.Unlock()
	s, ok := t.sessions[sessionID]
	if !ok {
		return PhaseNormal
	}
	return phaseOf(*s, t.thresholds, t.clock.Now())
}

// State returns a copy of the session's state.
func (t *Tracker) State(sessionID string) (State, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	s, ok := t.sessions[sessionID]
	if !ok {
		return State{SessionID: sessionID}, false
	}
	return *s, true
}

// Snapshot pairs a state with its phase.
type Snapshot struct {
	State
	Phase     Phase   `json:"phase"`
	BlockRate float64 `json:"block_rate"`
}

// List returns every tracked session ordered by id.
func (t *Tracker) List() []Snapshot {
	t.mu.Lock()
	defer t.mu.Unlock()
	now := t.clock.Now()
	out := make([]Snapshot, 0, len(t.sessions))
	for _, s := range t.sessions {
		out = append(out, Snapshot{State: *s, Phase: phaseOf(*s, t.thresholds, now), BlockRate: s.BlockRate()})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].SessionID < out[j].SessionID })
	return out
}

// Reset clears the session's counters and cooldown. Operator action.
func (t *Tracker) Reset(sessionID string) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	if _, ok := t.sessions[sessionID]; !ok {
		return false
	}
	t.sessions[sessionID] = &State{SessionID: sessionID}
	t.logger.Info("contingency state reset", "session_id", sessionID)
	return true
}

// Teardown forgets the session entirely.
func (t *Tracker) Teardown(sessionID string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	delete(t.sessions, sessionID)
}

func (t *Tracker) stateLocked(sessionID string) *State {
	s, ok := t.sessions[sessionID]
	if !ok {
		s = &State{SessionID: sessionID}
		t.sessions[sessionID] = s
	}
	return s
}

func (t *Tracker) drawLocked() time.Duration {
	lo, hi := t.thresholds.CoolDownMinSec, t.thresholds.CoolDownMaxSec
	return time.Duration(lo+t.rng.IntN(hi-lo+1)) * time.Second
}

func shouldEvict(s State, th Thresholds) bool {
	return s.BlockRate() > th.BlockRate || s.ConsecutiveFailures >= th.ConsecutiveFailures
}

func shouldCoolDown(s State, th Thresholds) bool {
	return s.ConsecutiveFailures >= 2*th.ConsecutiveFailures
}

func phaseOf(s State, th Thresholds, now time.Time) Phase {
	switch {
	case now.Before(s.CoolDownUntil) || shouldCoolDown(s, th):
		return PhaseCoolDown
	case shouldEvict(s, th):
		return PhaseEvictProxy
	default:
		return PhaseNormal
	}
}
