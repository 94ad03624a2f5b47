// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package contingency

import (
	"context"
	"math/rand/v2"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/jinterlante1206/sessionplane/services/sessionplane/clock"
	"github.com/jinterlante1206/sessionplane/services/sessionplane/events"
)

func newTestTracker(t *testing.T, th Thresholds) (*Tracker, *clock.Manual) {
	t.Helper()
	clk := clock.NewManual(time.Date(2025, 3, 10, 12, 0, 0, 0, time.UTC))
	tr, err := New(Options{Thresholds: th, Clock: clk, Rand: rand.New(rand.NewPCG(7, 11))})
	require.NoError(t, err)
	return tr, clk
}

// interleave records failures with successes between them so that the
// consecutive count never exceeds one.
func interleave(tr *Tracker, session string, requests, blocks int) {
	for i := 0; i < requests; i++ {
		if i%2 == 0 && i/2 < blocks {
			tr.RecordFailure(session, true)
		} else {
			tr.RecordSuccess(session)
		}
	}
}

func TestThresholds_Validate(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(*Thresholds)
		ok     bool
	}{
		{"defaults", func(*Thresholds) {}, true},
		{"block rate too low", func(th *Thresholds) { th.BlockRate = 0.001 }, false},
		{"block rate too high", func(th *Thresholds) { th.BlockRate = 0.6 }, false},
		{"consecutive zero", func(th *Thresholds) { th.ConsecutiveFailures = 0 }, false},
		{"consecutive eleven", func(th *Thresholds) { th.ConsecutiveFailures = 11 }, false},
		{"max below min", func(th *Thresholds) { th.CoolDownMaxSec = th.CoolDownMinSec - 1 }, false},
		{"min equals max", func(th *Thresholds) { th.CoolDownMaxSec = th.CoolDownMinSec }, true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			th := DefaultThresholds()
			tt.mutate(&th)
			err := th.Validate()
			if tt.ok {
				assert.NoError(t, err)
			} else {
				assert.ErrorIs(t, err, ErrInvalidThresholds)
			}
		})
	}
}

func TestNew_RejectsInvalidThresholds(t *testing.T) {
	_, err := New(Options{Thresholds: Thresholds{BlockRate: 0.9, ConsecutiveFailures: 3, CoolDownMinSec: 1, CoolDownMaxSec: 2}})
	assert.ErrorIs(t, err, ErrInvalidThresholds)
}

func TestBlockRate_ZeroWithoutRequests(t *testing.T) {
	assert.Equal(t, 0.0, State{}.BlockRate())
	tr, _ := newTestTracker(t, DefaultThresholds())
	st, ok := tr.State("nobody")
	assert.False(t, ok)
	assert.Equal(t, 0.0, st.BlockRate())
	assert.False(t, tr.ShouldEvictProxy("nobody"))
	assert.False(t, tr.ShouldEnterCoolDown("nobody"))
}

func TestShouldEvict_BlockRateExample(t *testing.T) {
	th := DefaultThresholds()
	th.BlockRate = 0.10
	tr, _ := newTestTracker(t, th)

	interleave(tr, "two", 15, 2)
	interleave(tr, "one", 15, 1)

	two, _ := tr.State("two")
	one, _ := tr.State("one")
	require.Equal(t, 15, two.TotalRequests)
	require.Equal(t, 15, one.TotalRequests)
	assert.Less(t, two.ConsecutiveFailures, th.ConsecutiveFailures)

	assert.True(t, tr.ShouldEvictProxy("two"), "2/15 > 0.10")
	assert.False(t, tr.ShouldEvictProxy("one"), "1/15 <= 0.10")
	assert.Equal(t, PhaseEvictProxy, tr.Phase("two"))
	assert.Equal(t, PhaseNormal, tr.Phase("one"))
}

func TestBlockRate_Monotonic(t *testing.T) {
	tr, _ := newTestTracker(t, DefaultThresholds())
	prev := 0.0
	for i := 0; i < 5; i++ {
		st := tr.RecordFailure("s", true)
		assert.GreaterOrEqual(t, st.BlockRate(), prev)
		prev = st.BlockRate()
	}
	for i := 0; i < 5; i++ {
		st := tr.RecordSuccess("s")
		assert.Less(t, st.BlockRate(), prev)
		prev = st.BlockRate()
	}
	st := tr.RecordFailure("s", false)
	assert.Less(t, st.BlockRate(), prev, "non-block failures dilute the rate")
}

func TestEscalation_ConsecutiveFailures(t *testing.T) {
	th := DefaultThresholds()
	th.ConsecutiveFailures = 2
	th.BlockRate = 0.5
	tr, _ := newTestTracker(t, th)

	tr.RecordFailure("s", false)
	assert.False(t, tr.ShouldEvictProxy("s"))
	tr.RecordFailure("s", false)
	assert.True(t, tr.ShouldEvictProxy("s"))
	assert.False(t, tr.ShouldEnterCoolDown("s"))
	tr.RecordFailure("s", false)
	tr.RecordFailure("s", false)
	assert.True(t, tr.ShouldEnterCoolDown("s"))
	assert.Equal(t, PhaseCoolDown, tr.Phase("s"))

	st := tr.RecordSuccess("s")
	assert.Zero(t, st.ConsecutiveFailures)
	assert.False(t, tr.ShouldEnterCoolDown("s"))
}

func TestCoolDownDuration_WithinBounds(t *testing.T) {
	th := DefaultThresholds()
	th.CoolDownMinSec, th.CoolDownMaxSec = 30, 40
	tr, _ := newTestTracker(t, th)

	seen := map[time.Duration]bool{}
	for i := 0; i < 1000; i++ {
		d := tr.CoolDownDuration()
		require.GreaterOrEqual(t, d, 30*time.Second)
		require.LessOrEqual(t, d, 40*time.Second)
		require.Zero(t, d%time.Second, "whole seconds")
		seen[d] = true
	}
	assert.Len(t, seen, 11, "every second in range is reachable")
}

func TestEnterCoolDown_GatesEligibility(t *testing.T) {
	bus := events.NewBus()
	defer bus.Close()
	sub, cancel := bus.Subscribe(4)
	defer cancel()

	th := DefaultThresholds()
	th.ConsecutiveFailures = 1
	th.CoolDownMinSec, th.CoolDownMaxSec = 60, 60
	clk := clock.NewManual(time.Date(2025, 3, 10, 12, 0, 0, 0, time.UTC))
	tr, err := New(Options{Thresholds: th, Clock: clk, Publisher: bus})
	require.NoError(t, err)

	tr.RecordFailure("s", true)
	tr.RecordFailure("s", true)
	require.True(t, tr.ShouldEnterCoolDown("s"))

	until := tr.EnterCoolDown(context.Background(), "s")
	assert.Equal(t, clk.Now().Add(time.Minute), until)
	assert.False(t, tr.Eligible("s"))
	assert.True(t, tr.CoolingDown("s", clk.Now().Add(59*time.Second)))
	assert.Equal(t, PhaseCoolDown, tr.Phase("s"))

	st, _ := tr.State("s")
	assert.Zero(t, st.ConsecutiveFailures)
	assert.Equal(t, 1, st.CoolDowns)

	clk.Advance(time.Minute)
	assert.True(t, tr.Eligible("s"))
	assert.True(t, tr.Eligible("unknown"))

	select {
	case ev := <-sub:
		assert.Equal(t, events.TypeCoolDownEntered, ev.Type)
		assert.Equal(t, "s", ev.SessionID)
	case <-time.After(time.Second):
		t.Fatal("no cooldown event")
	}
}

func TestResetAndTeardown(t *testing.T) {
	tr, clk := newTestTracker(t, DefaultThresholds())
	tr.RecordFailure("s", true)
	tr.EnterCoolDown(context.Background(), "s")
	require.False(t, tr.Eligible("s"))

	assert.True(t, tr.Reset("s"))
	st, ok := tr.State("s")
	assert.True(t, ok)
	assert.Zero(t, st.TotalRequests)
	assert.False(t, tr.CoolingDown("s", clk.Now()))
	assert.False(t, tr.Reset("missing"))

	tr.Teardown("s")
	_, ok = tr.State("s")
	assert.False(t, ok)
	assert.Empty(t, tr.List())
}

func TestSetThresholds_HotReload(t *testing.T) {
	tr, _ := newTestTracker(t, DefaultThresholds())
	interleave(tr, "s", 10, 1)
	assert.False(t, tr.ShouldEvictProxy("s"), "0.10 is not above 0.10")

	lower := DefaultThresholds()
	lower.BlockRate = 0.05
	require.NoError(t, tr.SetThresholds(lower))
	assert.True(t, tr.ShouldEvictProxy("s"))

	bad := lower
	bad.ConsecutiveFailures = 0
	assert.ErrorIs(t, tr.SetThresholds(bad), ErrInvalidThresholds)
	assert.Equal(t, lower, tr.Thresholds())
}

func TestPhase_String(t *testing.T) {
	assert.Equal(t, "NORMAL", PhaseNormal.String())
	assert.Equal(t, "EVICT_PROXY", PhaseEvictProxy.String())
	assert.Equal(t, "COOL_DOWN", PhaseCoolDown.String())
	assert.Equal(t, "UNKNOWN(9)", Phase(9).String())
}
