// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package proxy owns the proxy pool and the selector that ranks it.
//
// # Description
//
// Pool holds proxy records, their credentials and their statistics, and
// offers the rotation strategies (round_robin, random, best). Selector
// sits on top: it ranks active proxies with a trained classifier when one
// is available and enough samples back it, and otherwise with a fixed
// heuristic. Falling back is never an error.
//
// Inactive proxies are never returned by any selection path.
//
// # Thread Safety
//
// Pool and Selector are safe for concurrent use.
package proxy

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math/rand/v2"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/dgraph-io/badger/v4"
	"github.com/google/uuid"

	"github.com/jinterlante1206/sessionplane/pkg/validation"
	"github.com/jinterlante1206/sessionplane/services/sessionplane/clock"
	"github.com/jinterlante1206/sessionplane/services/sessionplane/events"
	"github.com/jinterlante1206/sessionplane/services/sessionplane/observability"
	"github.com/jinterlante1206/sessionplane/services/sessionplane/storage"
)

var (
	// ErrPoolEmpty is returned when no active proxy can be selected.
	ErrPoolEmpty = errors.New("no active proxy available")

	// ErrNotFound is returned for an unknown proxy id.
	ErrNotFound = errors.New("proxy not found")

	// ErrInvalidRecord is returned for a malformed proxy.
	ErrInvalidRecord = errors.New("invalid proxy record")

	// ErrUnknownStrategy is returned for an unrecognised strategy name.
	ErrUnknownStrategy = errors.New("unknown selection strategy")
)

// Strategy is a rotation strategy.
type Strategy string

const (
	StrategyRoundRobin Strategy = "round_robin"
	StrategyRandom     Strategy = "random"
	StrategyBest       Strategy = "best"

	// StrategyAuto ranks with the trained model, falling back to the
	// heuristic. Only the Selector understands it.
	StrategyAuto Strategy = "auto"
)

// ParseStrategy validates a strategy name. Empty means auto.
func ParseStrategy(s string) (Strategy, error) {
	switch st := Strategy(strings.ToLower(strings.TrimSpace(s))); st {
	case "":
		return StrategyAuto, nil
	case StrategyRoundRobin, StrategyRandom, StrategyBest, StrategyAuto:
		return st, nil
	default:
		return "", fmt.Errorf("%w: %q", ErrUnknownStrategy, s)
	}
}

// storedRecord is the persisted document: the record plus its password.
type storedRecord struct {
	Record
	Password string `json:"password,omitempty"`
}

// poolState holds pool-wide persisted state.
type poolState struct {
	RoundRobinIndex int `json:"round_robin_index"`
}

const poolStateKey = "pool"

type member struct {
	rec    Record
	secret *secret
}

// PoolOptions configures a Pool.
type PoolOptions struct {
	// DB persists proxies ("proxies/<id>") and the round-robin index
	// ("proxy_state/pool"). Nil keeps the pool in memory.
	DB *badger.DB

	// Rand drives the random strategy. Default: a time-seeded PCG.
	Rand *rand.Rand

	Clock     clock.Clock
	Publisher events.Publisher
	Metrics   *observability.Metrics
	Logger    *slog.Logger
}

// Pool owns proxy records.
type Pool struct {
	mu      sync.Mutex
	members map[string]*member
	rrIndex int
	rng     *rand.Rand

	records *storage.Collection[storedRecord]
	state   *storage.Collection[poolState]
	clock   clock.Clock
	pub     events.Publisher
	metrics *observability.Metrics
	logger  *slog.Logger
}

// NewPool creates an empty pool. Call Load to restore persisted proxies.
func NewPool(opts PoolOptions) *Pool {
	if opts.Rand == nil {
		seed := uint64(time.Now().UnixNano())
		opts.Rand = rand.New(rand.NewPCG(seed, seed>>1|1))
	}
	if opts.Publisher == nil {
		opts.Publisher = events.Discard{}
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	p := &Pool{
		members: make(map[string]*member),
		rng:     opts.Rand,
		clock:   clock.OrReal(opts.Clock),
		pub:     opts.Publisher,
		metrics: opts.Metrics,
		logger:  opts.Logger.With("component", "proxy_pool"),
	}
	if opts.DB != nil {
		p.records = storage.NewCollection[storedRecord](opts.DB, "proxies", opts.Logger)
		p.state = storage.NewCollection[poolState](opts.DB, "proxy_state", opts.Logger)
	}
	return p
}

// Load restores proxies and the round-robin index.
func (p *Pool) Load() error {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.records != nil {
		stored, err := p.records.LoadAll()
		if err != nil {
			return fmt.Errorf("load proxies: %w", err)
		}
		for id, sr := range stored {
			p.members[id] = &member{rec: sr.Record, secret: newSecret(sr.Password)}
		}
	}
	if p.state != nil {
		st, ok, err := p.state.Get(poolStateKey)
		if err != nil {
			return fmt.Errorf("load pool state: %w", err)
		}
		if ok {
			p.rrIndex = st.RoundRobinIndex
		}
	}
	p.observeLocked()
	p.logger.Info("proxy pool loaded", "proxies", len(p.members), "round_robin_index", p.rrIndex)
	return nil
}

// Add registers a proxy. The record is created active with zeroed stats.
//
// # Inputs
//
//   - rec: Address and Port required. ID generated when empty.
//   - password: Optional. Sealed in locked memory.
func (p *Pool) Add(rec Record, password string) (Record, error) {
	if err := rec.validate(); err != nil {
		return Record{}, err
	}
	kind, err := ParseKind(string(rec.Kind))
	if err != nil {
		return Record{}, err
	}
	if rec.ID == "" {
		rec.ID = uuid.NewString()
	} else if err := validation.ValidateID(rec.ID); err != nil {
		return Record{}, fmt.Errorf("%w: %v", ErrInvalidRecord, err)
	}
	rec.Kind = kind
	rec.Active = true
	rec.SuccessCount, rec.FailureCount, rec.BansDetected = 0, 0, 0
	rec.AvgLatencyMs, rec.LatencySamples = 0, 0
	rec.LastUsed = time.Time{}
	rec.CreatedAt = p.clock.Now()
	rec.HasPassword = password != ""

	p.mu.Lock()
	defer p.mu.Unlock()
	if _, exists := p.members[rec.ID]; exists {
		return Record{}, fmt.Errorf("%w: duplicate id %s", ErrInvalidRecord, rec.ID)
	}
	if p.records != nil {
		if err := p.records.PutSync(rec.ID, storedRecord{Record: rec, Password: password}); err != nil {
			return Record{}, fmt.Errorf("persist proxy %s: %w", rec.ID, err)
		}
	}
	p.members[rec.ID] = &member{rec: rec, secret: newSecret(password)}
	p.observeLocked()
	p.logger.Info("proxy added", "proxy_id", rec.ID, "kind", rec.Kind, "has_credentials", rec.Username != "")
	return rec, nil
}

// Remove deletes a proxy.
func (p *Pool) Remove(id string) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if _, ok := p.members[id]; !ok {
		return fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	if p.records != nil {
		if err := p.records.DeleteSync(id); err != nil {
			return fmt.Errorf("delete proxy %s: %w", id, err)
		}
	}
	delete(p.members, id)
	p.observeLocked()
	return nil
}

// Get returns a proxy by id.
func (p *Pool) Get(id string) (Record, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	m, ok := p.members[id]
	if !ok {
		return Record{}, fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	return m.rec, nil
}

// List returns every proxy ordered by creation time then id.
func (p *Pool) List() []Record {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.sortedLocked(false)
}

// Active returns active proxies in rotation order.
func (p *Pool) Active() []Record {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.sortedLocked(true)
}

// SetActive reactivates or deactivates a proxy. Reactivating clears the
// failure count so the proxy is not immediately deactivated again.
func (p *Pool) SetActive(id string, active bool, reason string) (Record, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	m, ok := p.members[id]
	if !ok {
		return Record{}, fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	if m.rec.Active == active {
		return m.rec, nil
	}
	m.rec.Active = active
	if active {
		m.rec.FailureCount = 0
	} else {
		p.deactivatedLocked(m, reason)
	}
	p.observeLocked()
	if err := p.saveLocked(m); err != nil {
		return m.rec, err
	}
	return m.rec, nil
}

// Select picks an active proxy with strategy and stamps its last_used.
//
// # Outputs
//
//   - Record: The chosen proxy.
//   - error: ErrPoolEmpty when nothing is active, ErrUnknownStrategy for
//     StrategyAuto or an unknown name.
func (p *Pool) Select(strategy Strategy) (Record, error) {
	return p.SelectExcluding(strategy, nil)
}

// SelectExcluding is Select over the active proxies whose id is not in
// exclude. Excluded proxies stay active for every other caller.
func (p *Pool) SelectExcluding(strategy Strategy, exclude map[string]bool) (Record, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	active := filterExcluded(p.sortedLocked(true), exclude)
	if len(active) == 0 {
		return Record{}, ErrPoolEmpty
	}

	var chosen Record
	switch strategy {
	case StrategyRoundRobin:
		idx := p.rrIndex % len(active)
		if idx < 0 {
			idx = 0
		}
		chosen = active[idx]
		p.rrIndex = (idx + 1) % len(active)
		if p.state != nil {
			p.state.Put(poolStateKey, poolState{RoundRobinIndex: p.rrIndex})
		}
	case StrategyRandom:
		chosen = active[p.rng.IntN(len(active))]
	case StrategyBest:
		chosen = active[0]
		for _, r := range active[1:] {
			if r.SuccessRate() > chosen.SuccessRate() {
				chosen = r
			}
		}
	default:
		return Record{}, fmt.Errorf("%w: %q", ErrUnknownStrategy, strategy)
	}

	p.metrics.ProxySelected(string(strategy), "rotation")
	return p.markUsedLocked(chosen.ID), nil
}

// MarkUsed stamps last_used on a proxy chosen outside Select.
func (p *Pool) MarkUsed(id string) (Record, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if _, ok := p.members[id]; !ok {
		return Record{}, fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	return p.markUsedLocked(id), nil
}

// ReportSuccess counts one success.
func (p *Pool) ReportSuccess(id string) error {
	_, err := p.ReportOutcome(id, Outcome{Success: true}, 0)
	return err
}

// ReportFailure counts one failure and deactivates the proxy once
// failure_count reaches threshold. A threshold below 1 never deactivates.
//
// # Outputs
//
//   - bool: true if this call deactivated the proxy.
func (p *Pool) ReportFailure(id string, threshold int) (bool, error) {
	return p.ReportOutcome(id, Outcome{Success: false}, threshold)
}

// ReportOutcome records a full outcome: success or failure, latency and
// whether the proxy was banned.
//
// # Description
//
// avg_latency_ms is a running mean over outcomes that carry a latency.
// A ban counts as a failure.
func (p *Pool) ReportOutcome(id string, o Outcome, threshold int) (bool, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	m, ok := p.members[id]
	if !ok {
		return false, fmt.Errorf("%w: %s", ErrNotFound, id)
	}

	success := o.Success && !o.Banned
	if o.Latency > 0 {
		m.rec.LatencySamples++
		ms := float64(o.Latency) / float64(time.Millisecond)
		m.rec.AvgLatencyMs += (ms - m.rec.AvgLatencyMs) / float64(m.rec.LatencySamples)
	}
	if o.Banned {
		m.rec.BansDetected++
	}
	if success {
		m.rec.SuccessCount++
	} else {
		m.rec.FailureCount++
	}

	deactivated := false
	if !success && threshold > 0 && m.rec.Active && m.rec.FailureCount >= threshold {
		m.rec.Active = false
		deactivated = true
		p.deactivatedLocked(m, "failure_threshold")
	}
	if deactivated {
		p.observeLocked()
	}
	if err := p.saveLocked(m); err != nil {
		return deactivated, err
	}
	return deactivated, nil
}

// URL returns the proxy URL including credentials, for handing to an
// executor. The password is read from locked memory.
func (p *Pool) URL(id string) (string, error) {
	p.mu.Lock()
	m, ok := p.members[id]
	var (
		rec Record
		sec *secret
	)
	if ok {
		rec, sec = m.rec, m.secret
	}
	p.mu.Unlock()
	if !ok {
		return "", fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	var out string
	err := sec.reveal(func(pw string) {
		out = buildURL(rec, pw)
	})
	return out, err
}

// Flush writes buffered statistics.
func (p *Pool) Flush() error {
	var errs []error
	if p.records != nil {
		errs = append(errs, p.records.Flush())
	}
	if p.state != nil {
		errs = append(errs, p.state.Flush())
	}
	return errors.Join(errs...)
}

// RunFlusher flushes buffered statistics every interval until ctx is
// cancelled, then flushes once more.
func (p *Pool) RunFlusher(ctx context.Context, interval time.Duration) error {
	if interval <= 0 {
		interval = 5 * time.Second
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return p.Flush()
		case <-ticker.C:
			if err := p.Flush(); err != nil {
				p.logger.Warn("proxy stats flush failed", "error", err)
			}
		}
	}
}

func (p *Pool) markUsedLocked(id string) Record {
	m := p.members[id]
	m.rec.LastUsed = p.clock.Now()
	if err := p.saveLocked(m); err != nil {
		p.logger.Warn("proxy last_used not persisted", "proxy_id", id, "error", err)
	}
	return m.rec
}

// saveLocked buffers the record; stats change on every dispatch and are
// flushed in batches. The record is not buffered when the password cannot
// be read, so a stored password is never replaced by an empty one.
func (p *Pool) saveLocked(m *member) error {
	if p.records == nil {
		return nil
	}
	var pw string
	if err := m.secret.reveal(func(plain string) { pw = strings.Clone(plain) }); err != nil {
		return fmt.Errorf("persist proxy %s: %w", m.rec.ID, err)
	}
	p.records.Put(m.rec.ID, storedRecord{Record: m.rec, Password: pw})
	return nil
}

func (p *Pool) deactivatedLocked(m *member, reason string) {
	p.metrics.ProxyDeactivated(reason)
	p.logger.Warn("proxy deactivated",
		"proxy_id", m.rec.ID, "reason", reason,
		"failure_count", m.rec.FailureCount, "success_rate", m.rec.SuccessRate())
	p.pub.Publish(events.Event{
		Type:    events.TypeProxyDeactivated,
		Message: reason,
		Attrs:   map[string]any{"proxy_id": m.rec.ID, "failure_count": m.rec.FailureCount},
	})
}

func (p *Pool) sortedLocked(activeOnly bool) []Record {
	out := make([]Record, 0, len(p.members))
	for _, m := range p.members {
		if activeOnly && !m.rec.Active {
			continue
		}
		out = append(out, m.rec)
	}
	sort.Slice(out, func(i, j int) bool {
		if !out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].CreatedAt.Before(out[j].CreatedAt)
		}
		return out[i].ID < out[j].ID
	})
	return out
}

func filterExcluded(recs []Record, exclude map[string]bool) []Record {
	if len(exclude) == 0 {
		return recs
	}
	out := recs[:0]
	for _, r := range recs {
		if !exclude[r.ID] {
			out = append(out, r)
		}
	}
	return out
}

func (p *Pool) observeLocked() {
	n := 0
	for _, m := range p.members {
		if m.rec.Active {
			n++
		}
	}
	p.metrics.SetActiveProxies(n)
}
