// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package observability

import (
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
)

func newTestMetrics(t *testing.T) *Metrics {
	t.Helper()
	return NewMetrics(prometheus.NewRegistry())
}

func TestMetrics_QueueGauges(t *testing.T) {
	m := newTestMetrics(t)
	m.SetQueue(7, 2, 1)

	assert.Equal(t, 7.0, testutil.ToFloat64(m.QueueDepth))
	assert.Equal(t, 2.0, testutil.ToFloat64(m.QueueInFlight))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.DeadLetters))
}

func TestMetrics_Counters(t *testing.T) {
	m := newTestMetrics(t)

	m.Enqueued("ok")
	m.Enqueued("ok")
	m.Enqueued("full")
	m.Completed("terminal")
	m.ProxySelected("best", "heuristic")
	m.Migrated("local", "cloud")
	m.Evicted()

	assert.Equal(t, 2.0, testutil.ToFloat64(m.EnqueueTotal.WithLabelValues("ok")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.EnqueueTotal.WithLabelValues("full")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.CompletionsTotal.WithLabelValues("terminal")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.ProxySelectionsTotal.WithLabelValues("best", "heuristic")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.MigrationsTotal.WithLabelValues("local", "cloud")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.EvictionsTotal))
}

func TestMetrics_NilReceiverIsNoop(t *testing.T) {
	var m *Metrics
	assert.NotPanics(t, func() {
		m.SetQueue(1, 1, 1)
		m.Enqueued("ok")
		m.Completed("success")
		m.ScheduleRun("fired")
		m.ProxySelected("random", "rotation")
		m.ProxyDeactivated("evicted")
		m.SetActiveProxies(3)
		m.Evicted()
		m.CooledDown()
		m.Anomaly("latency_ms")
		m.SetHost(10, 20)
		m.ScaleRecommended("up")
		m.Migrated("local", "container")
		m.ObserveDispatch("local", "success", time.Second)
	})
}

func TestMetrics_DuplicateRegistrationPanics(t *testing.T) {
	reg := prometheus.NewRegistry()
	NewMetrics(reg)
	assert.Panics(t, func() { NewMetrics(reg) })
}
