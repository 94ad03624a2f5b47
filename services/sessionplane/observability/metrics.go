// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package observability provides Prometheus metrics for the control plane.
//
// # Description
//
// Metrics cover every control loop:
//   - Work queue depth, in-flight count, enqueue results and completions
//   - Schedule fires and window skips
//   - Proxy selections (by strategy and ML/heuristic mode) and deactivations
//   - Contingency evictions and cooldowns, anomaly flags
//   - Host CPU/RAM, scale recommendations and tier migrations
//   - Dispatch latency per tier
//
// # Integration
//
// Metrics are exposed via the API's /metrics endpoint.
//
// # Thread Safety
//
// All methods are safe for concurrent use. Every method is a no-op on a
// nil *Metrics, so components can be built without metrics in tests.
package observability

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

const metricsNamespace = "sessionplane"

// Metrics holds every control-plane collector.
type Metrics struct {
	// QueueDepth is the number of pending work items.
	QueueDepth prometheus.Gauge

	// QueueInFlight is the number of dequeued, uncompleted work items.
	QueueInFlight prometheus.Gauge

	// EnqueueTotal counts enqueue attempts.
	// Labels: result (ok, full, invalid)
	EnqueueTotal *prometheus.CounterVec

	// CompletionsTotal counts work item completions.
	// Labels: outcome (success, retry, terminal)
	CompletionsTotal *prometheus.CounterVec

	// DeadLetters is the number of terminally failed items retained.
	DeadLetters prometheus.Gauge

	// ScheduleRunsTotal counts due schedule entries.
	// Labels: result (fired, skipped, error)
	ScheduleRunsTotal *prometheus.CounterVec

	// ProxySelectionsTotal counts proxy selections.
	// Labels: strategy (round_robin, random, best, ml), mode (model, heuristic, rotation)
	ProxySelectionsTotal *prometheus.CounterVec

	// ProxyDeactivationsTotal counts proxies taken out of rotation.
	// Labels: reason (failure_threshold, evicted, operator)
	ProxyDeactivationsTotal *prometheus.CounterVec

	// ProxiesActive is the number of active proxies.
	ProxiesActive prometheus.Gauge

	// EvictionsTotal counts contingency-driven proxy evictions.
	EvictionsTotal prometheus.Counter

	// CoolDownsTotal counts sessions entering cooldown.
	CoolDownsTotal prometheus.Counter

	// AnomaliesTotal counts anomalous metric observations.
	// Labels: metric
	AnomaliesTotal *prometheus.CounterVec

	// HostCPUPercent and HostRAMPercent are the latest resource sample.
	HostCPUPercent prometheus.Gauge
	HostRAMPercent prometheus.Gauge

	// ScaleRecommendationsTotal counts placement recommendations.
	// Labels: direction (up, down)
	ScaleRecommendationsTotal *prometheus.CounterVec

	// MigrationsTotal counts work items moved between tiers.
	// Labels: from, to
	MigrationsTotal *prometheus.CounterVec

	// DispatchDurationSeconds measures execution callback latency.
	// Labels: tier, outcome (success, failure, error)
	DispatchDurationSeconds *prometheus.HistogramVec
}

// NewMetrics creates and registers every collector with reg.
//
// # Inputs
//
//   - reg: Registry to register with. Pass prometheus.DefaultRegisterer in
//     production and prometheus.NewRegistry() in tests.
//
// # Outputs
//
//   - *Metrics: Ready to use.
//
// # Limitations
//
//   - Panics on duplicate registration against the same registry.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	f := promauto.With(reg)
	return &Metrics{
		QueueDepth: f.NewGauge(prometheus.GaugeOpts{
			Namespace: metricsNamespace, Subsystem: "queue", Name: "depth",
			Help: "Number of pending work items",
		}),
		QueueInFlight: f.NewGauge(prometheus.GaugeOpts{
			Namespace: metricsNamespace, Subsystem: "queue", Name: "in_flight",
			Help: "Number of dequeued work items awaiting completion",
		}),
		EnqueueTotal: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: metricsNamespace, Subsystem: "queue", Name: "enqueue_total",
			Help: "Enqueue attempts by result",
		}, []string{"result"}),
		CompletionsTotal: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: metricsNamespace, Subsystem: "queue", Name: "completions_total",
			Help: "Work item completions by outcome",
		}, []string{"outcome"}),
		DeadLetters: f.NewGauge(prometheus.GaugeOpts{
			Namespace: metricsNamespace, Subsystem: "queue", Name: "dead_letters",
			Help: "Terminally failed work items retained for inspection",
		}),
		ScheduleRunsTotal: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: metricsNamespace, Subsystem: "scheduler", Name: "runs_total",
			Help: "Due schedule entries by result",
		}, []string{"result"}),
		ProxySelectionsTotal: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: metricsNamespace, Subsystem: "proxy", Name: "selections_total",
			Help: "Proxy selections by strategy and ranking mode",
		}, []string{"strategy", "mode"}),
		ProxyDeactivationsTotal: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: metricsNamespace, Subsystem: "proxy", Name: "deactivations_total",
			Help: "Proxies taken out of rotation by reason",
		}, []string{"reason"}),
		ProxiesActive: f.NewGauge(prometheus.GaugeOpts{
			Namespace: metricsNamespace, Subsystem: "proxy", Name: "active",
			Help: "Number of active proxies",
		}),
		EvictionsTotal: f.NewCounter(prometheus.CounterOpts{
			Namespace: metricsNamespace, Subsystem: "contingency", Name: "evictions_total",
			Help: "Proxy evictions triggered by session failure signals",
		}),
		CoolDownsTotal: f.NewCounter(prometheus.CounterOpts{
			Namespace: metricsNamespace, Subsystem: "contingency", Name: "cooldowns_total",
			Help: "Sessions placed into cooldown",
		}),
		AnomaliesTotal: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: metricsNamespace, Subsystem: "anomaly", Name: "flags_total",
			Help: "Observations deviating from their rolling baseline",
		}, []string{"metric"}),
		HostCPUPercent: f.NewGauge(prometheus.GaugeOpts{
			Namespace: metricsNamespace, Subsystem: "resource", Name: "cpu_percent",
			Help: "Most recent host CPU utilisation sample",
		}),
		HostRAMPercent: f.NewGauge(prometheus.GaugeOpts{
			Namespace: metricsNamespace, Subsystem: "resource", Name: "ram_percent",
			Help: "Most recent host RAM utilisation sample",
		}),
		ScaleRecommendationsTotal: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: metricsNamespace, Subsystem: "placement", Name: "recommendations_total",
			Help: "Scale recommendations by direction",
		}, []string{"direction"}),
		MigrationsTotal: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: metricsNamespace, Subsystem: "placement", Name: "migrations_total",
			Help: "Work items moved between execution tiers",
		}, []string{"from", "to"}),
		DispatchDurationSeconds: f.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: metricsNamespace, Subsystem: "dispatch", Name: "duration_seconds",
			Help:    "Execution callback duration",
			Buckets: []float64{0.5, 1, 5, 15, 30, 60, 120, 300, 900},
		}, []string{"tier", "outcome"}),
	}
}

// SetQueue records queue depth and in-flight count.
func (m *Metrics) SetQueue(depth, inFlight, deadLetters int) {
	if m == nil {
		return
	}
	m.QueueDepth.Set(float64(depth))
	m.QueueInFlight.Set(float64(inFlight))
	m.DeadLetters.Set(float64(deadLetters))
}

// Enqueued counts an enqueue attempt.
func (m *Metrics) Enqueued(result string) {
	if m == nil {
		return
	}
	m.EnqueueTotal.WithLabelValues(result).Inc()
}

// Completed counts a completion outcome.
func (m *Metrics) Completed(outcome string) {
	if m == nil {
		return
	}
	m.CompletionsTotal.WithLabelValues(outcome).Inc()
}

// ScheduleRun counts a due schedule entry.
func (m *Metrics) ScheduleRun(result string) {
	if m == nil {
		return
	}
	m.ScheduleRunsTotal.WithLabelValues(result).Inc()
}

// ProxySelected counts a proxy selection.
func (m *Metrics) ProxySelected(strategy, mode string) {
	if m == nil {
		return
	}
	m.ProxySelectionsTotal.WithLabelValues(strategy, mode).Inc()
}

// ProxyDeactivated counts a proxy leaving rotation.
func (m *Metrics) ProxyDeactivated(reason string) {
	if m == nil {
		return
	}
	m.ProxyDeactivationsTotal.WithLabelValues(reason).Inc()
}

// SetActiveProxies records the active proxy count.
func (m *Metrics) SetActiveProxies(n int) {
	if m == nil {
		return
	}
	m.ProxiesActive.Set(float64(n))
}

// Evicted counts a contingency eviction.
func (m *Metrics) Evicted() {
	if m == nil {
		return
	}
	m.EvictionsTotal.Inc()
}

// CooledDown counts a session entering cooldown.
func (m *Metrics) CooledDown() {
	if m == nil {
		return
	}
	m.CoolDownsTotal.Inc()
}

// Anomaly counts an anomalous observation.
func (m *Metrics) Anomaly(metric string) {
	if m == nil {
		return
	}
	m.AnomaliesTotal.WithLabelValues(metric).Inc()
}

// SetHost records the latest resource sample.
func (m *Metrics) SetHost(cpuPct, ramPct float64) {
	if m == nil {
		return
	}
	m.HostCPUPercent.Set(cpuPct)
	m.HostRAMPercent.Set(ramPct)
}

// ScaleRecommended counts a scale recommendation.
func (m *Metrics) ScaleRecommended(direction string) {
	if m == nil {
		return
	}
	m.ScaleRecommendationsTotal.WithLabelValues(direction).Inc()
}

// Migrated counts a tier migration.
func (m *Metrics) Migrated(from, to string) {
	if m == nil {
		return
	}
	m.MigrationsTotal.WithLabelValues(from, to).Inc()
}

// ObserveDispatch records execution latency.
func (m *Metrics) ObserveDispatch(tier, outcome string, d time.Duration) {
	if m == nil {
		return
	}
	m.DispatchDurationSeconds.WithLabelValues(tier, outcome).Observe(d.Seconds())
}
