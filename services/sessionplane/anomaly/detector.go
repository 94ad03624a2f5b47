// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package anomaly keeps rolling per-session metric baselines and flags
// observations that deviate from them.
//
// # Description
//
// Signals are advisory. A flagged observation is logged, counted and
// published as an event; it never changes contingency state.
package anomaly

import (
	"errors"
	"fmt"
	"log/slog"
	"math"
	"sort"
	"sync"
	"time"

	"github.com/jinterlante1206/sessionplane/services/sessionplane/clock"
	"github.com/jinterlante1206/sessionplane/services/sessionplane/events"
	"github.com/jinterlante1206/sessionplane/services/sessionplane/observability"
)

// ErrNoBaseline is returned when fewer than MinBaselineSamples points
// fall inside the horizon.
var ErrNoBaseline = errors.New("not enough samples for a baseline")

const (
	// MinBaselineSamples is the smallest window that yields a baseline.
	MinBaselineSamples = 5

	// DefaultDeviation is the relative deviation that counts as anomalous.
	DefaultDeviation = 0.10

	// DefaultBaselinePeriod is the nominal baseline period. The window
	// horizon defaults to twice this.
	DefaultBaselinePeriod = time.Hour

	// DefaultMaxPoints bounds each (session, metric) window.
	DefaultMaxPoints = 1000
)

// Well-known metric names.
const (
	MetricLatencyMs = "latency_ms"
)

// Point is one observation.
type Point struct {
	Value float64   `json:"value"`
	At    time.Time `json:"at"`
}

// Baseline summarises a window.
type Baseline struct {
	SessionID   string    `json:"session_id"`
	Metric      string    `json:"metric"`
	Mean        float64   `json:"mean"`
	StdDev      float64   `json:"std_dev"`
	P50         float64   `json:"p50"`
	Min         float64   `json:"min"`
	Max         float64   `json:"max"`
	DataPoints  int       `json:"data_points"`
	WindowStart time.Time `json:"window_start"`
	WindowEnd   time.Time `json:"window_end"`
}

// Result is the verdict on one value.
type Result struct {
	SessionID string  `json:"session_id"`
	Metric    string  `json:"metric"`
	Value     float64 `json:"value"`
	Baseline  float64 `json:"baseline"`

	// Deviation is |value-baseline|/|baseline|, +Inf when the baseline
	// is zero and the value positive.
	Deviation float64 `json:"deviation"`
	Anomalous bool    `json:"anomalous"`
}

// IsAnomalous applies the deviation rule: |v-b|/|b| > threshold, and with
// b = 0 any positive value is anomalous.
func IsAnomalous(value, baseline, threshold float64) (bool, float64) {
	if baseline == 0 {
		if value > 0 {
			return true, math.Inf(1)
		}
		return false, 0
	}
	dev := math.Abs(value-baseline) / math.Abs(baseline)
	return dev > threshold, dev
}

// Options configures a Detector.
type Options struct {
	// Horizon bounds each window by age. Default: 2 × DefaultBaselinePeriod.
	Horizon time.Duration

	// Deviation threshold. Default: DefaultDeviation.
	Deviation float64

	// MaxPoints bounds each window by count. Default: DefaultMaxPoints.
	MaxPoints int

	Clock     clock.Clock
	Publisher events.Publisher
	Metrics   *observability.Metrics
	Logger    *slog.Logger
}

type key struct {
	session string
	metric  string
}

// Detector holds rolling windows keyed by (session, metric).
//
// # Thread Safety
//
// Safe for concurrent use.
type Detector struct {
	mu      sync.Mutex
	windows map[key][]Point

	horizon   time.Duration
	deviation float64
	maxPoints int

	clock   clock.Clock
	pub     events.Publisher
	metrics *observability.Metrics
	logger  *slog.Logger
}

// New creates a Detector.
func New(opts Options) *Detector {
	if opts.Horizon <= 0 {
		opts.Horizon = 2 * DefaultBaselinePeriod
	}
	if opts.Deviation <= 0 {
		opts.Deviation = DefaultDeviation
	}
	if opts.MaxPoints <= 0 {
		opts.MaxPoints = DefaultMaxPoints
	}
	if opts.Publisher == nil {
		opts.Publisher = events.Discard{}
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	return &Detector{
		windows:   make(map[key][]Point),
		horizon:   opts.Horizon,
		deviation: opts.Deviation,
		maxPoints: opts.MaxPoints,
		clock:     clock.OrReal(opts.Clock),
		pub:       opts.Publisher,
		metrics:   opts.Metrics,
		logger:    opts.Logger.With("component", "anomaly"),
	}
}

// Record appends an observation to the (session, metric) window.
func (d *Detector) Record(sessionID, metric string, value float64) {
	now := d.clock.Now()
	d.mu.Lock()
	defer d.mu.Unlock()
	k := key{sessionID, metric}
	pts := append(d.pruneLocked(k, now), Point{Value: value, At: now})
	if len(pts) > d.maxPoints {
		pts = pts[len(pts)-d.maxPoints:]
	}
	d.windows[k] = pts
}

// Baseline returns the mean and spread of the window.
//
// # Outputs
//
//   - Baseline: Statistics over points inside the horizon.
//   - error: ErrNoBaseline with fewer than MinBaselineSamples points.
func (d *Detector) Baseline(sessionID, metric string) (Baseline, error) {
	now := d.clock.Now()
	d.mu.Lock()
	pts := d.pruneLocked(key{sessionID, metric}, now)
	values := make([]float64, len(pts))
	for i, p := range pts {
		values[i] = p.Value
	}
	d.mu.Unlock()

	if len(values) < MinBaselineSamples {
		return Baseline{}, fmt.Errorf("%w: %s/%s has %d of %d", ErrNoBaseline, sessionID, metric, len(values), MinBaselineSamples)
	}

	sorted := make([]float64, len(values))
	copy(sorted, values)
	sort.Float64s(sorted)

	n := float64(len(values))
	sum := 0.0
	for _, v := range values {
		sum += v
	}
	mean := sum / n
	variance := 0.0
	for _, v := range values {
		variance += (v - mean) * (v - mean)
	}

	return Baseline{
		SessionID:   sessionID,
		Metric:      metric,
		Mean:        mean,
		StdDev:      math.Sqrt(variance / n),
		P50:         sorted[len(sorted)/2],
		Min:         sorted[0],
		Max:         sorted[len(sorted)-1],
		DataPoints:  len(values),
		WindowStart: now.Add(-d.horizon),
		WindowEnd:   now,
	}, nil
}

// CheckAnomaly compares value with the current baseline without
// recording it.
//
// # Outputs
//
//   - Result: The verdict. Anomalous results are logged, counted and
//     published.
//   - error: ErrNoBaseline.
func (d *Detector) CheckAnomaly(sessionID, metric string, value float64) (Result, error) {
	b, err := d.Baseline(sessionID, metric)
	if err != nil {
		return Result{SessionID: sessionID, Metric: metric, Value: value}, err
	}
	anomalous, dev := IsAnomalous(value, b.Mean, d.deviation)
	r := Result{
		SessionID: sessionID,
		Metric:    metric,
		Value:     value,
		Baseline:  b.Mean,
		Deviation: dev,
		Anomalous: anomalous,
	}
	if anomalous {
		d.flag(r)
	}
	return r, nil
}

// Observe checks value against the baseline of earlier observations and
// then records it.
func (d *Detector) Observe(sessionID, metric string, value float64) (Result, error) {
	r, err := d.CheckAnomaly(sessionID, metric, value)
	d.Record(sessionID, metric, value)
	return r, err
}

// Baselines returns every available baseline for the session, ordered by
// metric name.
func (d *Detector) Baselines(sessionID string) []Baseline {
	d.mu.Lock()
	var metrics []string
	for k := range d.windows {
		if k.session == sessionID {
			metrics = append(metrics, k.metric)
		}
	}
	d.mu.Unlock()
	sort.Strings(metrics)

	out := make([]Baseline, 0, len(metrics))
	for _, m := range metrics {
		if b, err := d.Baseline(sessionID, m); err == nil {
			out = append(out, b)
		}
	}
	return out
}

// Teardown drops every window of the session.
func (d *Detector) Teardown(sessionID string) {
	d.mu.Lock()
	defer d.mu.Unlock()
	for k := range d.windows {
		if k.session == sessionID {
			delete(d.windows, k)
		}
	}
}

func (d *Detector) flag(r Result) {
	d.metrics.Anomaly(r.Metric)
	d.logger.Warn("anomalous observation",
		"session_id", r.SessionID, "metric", r.Metric,
		"value", r.Value, "baseline", r.Baseline, "deviation", r.Deviation)
	d.pub.Publish(events.Event{
		Type:      events.TypeAnomaly,
		SessionID: r.SessionID,
		Message:   r.Metric,
		Attrs: map[string]any{
			"metric":    r.Metric,
			"value":     r.Value,
			"baseline":  r.Baseline,
			"deviation": r.Deviation,
		},
	})
}

// pruneLocked drops points older than the horizon and returns the rest.
func (d *Detector) pruneLocked(k key, now time.Time) []Point {
	pts := d.windows[k]
	cutoff := now.Add(-d.horizon)
	i := 0
	for i < len(pts) && pts[i].At.Before(cutoff) {
		i++
	}
	if i > 0 {
		pts = pts[i:]
		if len(pts) == 0 {
			delete(d.windows, k)
			return nil
		}
		d.windows[k] = pts
	}
	return pts
}
