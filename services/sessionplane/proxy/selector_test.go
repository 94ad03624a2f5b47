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
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// lowRateClassifier prefers the proxy with the lowest success rate, the
// opposite of the heuristic, so tests can tell which path ranked.
type lowRateClassifier struct{ available bool }

func (c lowRateClassifier) IsAvailable() bool { return c.available }

func (c lowRateClassifier) Predict(f []float64) float64 { return 1 - f[0] }

func newTestSelector(t *testing.T, minSamples int) (*Selector, *Pool) {
	t.Helper()
	p, clk := newTestPool(t, nil)
	addProxies(t, p, clk, "good", "fresh", "poor")
	setRate(t, p, "good", 9, 1)
	setRate(t, p, "poor", 2, 8)
	s := NewSelector(SelectorOptions{Pool: p, MinSamples: minSamples, Clock: clk})
	return s, p
}

func fillSamples(s *Selector, n int) {
	for _, smp := range separableSamples(n) {
		s.Samples().Append(smp)
	}
}

func TestSelector_HeuristicWithoutModel(t *testing.T) {
	s, _ := newTestSelector(t, 5)

	sel, err := s.Select(context.Background(), StrategyAuto)
	require.NoError(t, err)
	assert.Equal(t, "good", sel.Record.ID)
	assert.Equal(t, ModeHeuristic, sel.Mode)
	assert.InDelta(t, 0.9, sel.Score, 1e-9)
	assert.Len(t, sel.Features, FeatureCount)
	assert.False(t, sel.Record.LastUsed.IsZero())
}

func TestSelector_SelectExcludingRanksTheRest(t *testing.T) {
	s, p := newTestSelector(t, 5)

	sel, err := s.SelectExcluding(context.Background(), StrategyAuto, map[string]bool{"good": true})
	require.NoError(t, err)
	assert.Equal(t, "fresh", sel.Record.ID)

	rec, err := p.Get("good")
	require.NoError(t, err)
	assert.True(t, rec.Active)

	_, err = s.SelectExcluding(context.Background(), StrategyAuto, map[string]bool{"good": true, "fresh": true, "poor": true})
	assert.ErrorIs(t, err, ErrPoolEmpty)
}

func TestSelector_UntestedBeatsWeakProxy(t *testing.T) {
	s, p := newTestSelector(t, 5)
	_, err := p.SetActive("good", false, "operator")
	require.NoError(t, err)

	sel, err := s.Select(context.Background(), "")
	require.NoError(t, err)
	assert.Equal(t, "fresh", sel.Record.ID, "untested 0.5 beats 0.2")
}

func TestSelector_ModelNeedsMinSamples(t *testing.T) {
	s, _ := newTestSelector(t, 5)
	s.SetClassifier(lowRateClassifier{available: true})

	sel, err := s.Select(context.Background(), StrategyAuto)
	require.NoError(t, err)
	assert.Equal(t, ModeHeuristic, sel.Mode)
	assert.Equal(t, "good", sel.Record.ID)

	fillSamples(s, 5)
	sel, err = s.Select(context.Background(), StrategyAuto)
	require.NoError(t, err)
	assert.Equal(t, ModeModel, sel.Mode)
	assert.Equal(t, "poor", sel.Record.ID)
}

func TestSelector_UnavailableClassifierFallsBack(t *testing.T) {
	s, _ := newTestSelector(t, 5)
	fillSamples(s, 10)
	s.SetClassifier(lowRateClassifier{available: false})

	sel, err := s.Select(context.Background(), StrategyAuto)
	require.NoError(t, err)
	assert.Equal(t, ModeHeuristic, sel.Mode)
	assert.Equal(t, "good", sel.Record.ID)
}

func TestSelector_RotationStrategiesDelegate(t *testing.T) {
	s, _ := newTestSelector(t, 5)

	sel, err := s.Select(context.Background(), StrategyBest)
	require.NoError(t, err)
	assert.Equal(t, "good", sel.Record.ID)
	assert.Equal(t, ModeRotation, sel.Mode)
	assert.Len(t, sel.Features, FeatureCount)

	_, err = s.Select(context.Background(), Strategy("nope"))
	assert.ErrorIs(t, err, ErrUnknownStrategy)
}

func TestSelector_EmptyPool(t *testing.T) {
	s := NewSelector(SelectorOptions{Pool: NewPool(PoolOptions{})})
	_, err := s.Select(context.Background(), StrategyAuto)
	assert.ErrorIs(t, err, ErrPoolEmpty)
}

func TestSelector_FeedbackRecordsSampleAndStats(t *testing.T) {
	s, p := newTestSelector(t, 5)
	sel, err := s.Select(context.Background(), StrategyAuto)
	require.NoError(t, err)

	off, err := s.Feedback(sel, Outcome{Success: false, Banned: true, Latency: time.Second}, 0)
	require.NoError(t, err)
	assert.False(t, off)

	rec, err := p.Get(sel.Record.ID)
	require.NoError(t, err)
	assert.Equal(t, 2, rec.FailureCount)
	assert.Equal(t, 1, rec.BansDetected)

	samples := s.Samples().Snapshot()
	require.Len(t, samples, 1)
	assert.False(t, samples[0].Success)
	assert.Equal(t, sel.Features, samples[0].Features)
}

func TestSelector_TrainRefusesBelowMinimum(t *testing.T) {
	s, _ := newTestSelector(t, 100)
	fillSamples(s, 99)

	_, err := s.Train(context.Background())
	assert.ErrorIs(t, err, ErrInsufficientData)
	assert.Nil(t, s.Classifier())
	assert.Equal(t, ModeHeuristic, s.Mode())
}

func TestSelector_TrainSavesAndLoads(t *testing.T) {
	db := openTestDB(t)
	store := NewBadgerArtifactStore(db, nil)

	p, clk := newTestPool(t, nil)
	addProxies(t, p, clk, "a")
	s := NewSelector(SelectorOptions{Pool: p, MinSamples: 100, Artifacts: store, Clock: clk})
	fillSamples(s, 120)

	m, err := s.Train(context.Background())
	require.NoError(t, err)
	assert.Equal(t, ModeModel, s.Mode())
	assert.Equal(t, clk.Now(), m.TrainedAt)

	fresh := NewSelector(SelectorOptions{Pool: p, MinSamples: 100, Artifacts: store})
	require.NoError(t, fresh.LoadModel(context.Background()))
	st := fresh.Status()
	assert.True(t, st.ModelAvailable)
	assert.Equal(t, ModeHeuristic, st.Mode, "loaded model still needs samples")
	assert.Equal(t, m.Weights, fresh.Classifier().(*LogisticModel).Weights)
}

func TestSelector_LoadModelWithoutArtifact(t *testing.T) {
	db := openTestDB(t)
	s := NewSelector(SelectorOptions{
		Pool:      NewPool(PoolOptions{}),
		Artifacts: NewBadgerArtifactStore(db, nil),
	})
	require.NoError(t, s.LoadModel(context.Background()))
	assert.Nil(t, s.Classifier())
}

func TestSampleLog_BoundedAndPersisted(t *testing.T) {
	db := openTestDB(t)
	log := NewSampleLog(db, 3, nil)
	for i := 0; i < 5; i++ {
		log.Append(Sample{ProxyID: string(rune('a' + i)), Features: make([]float64, FeatureCount)})
	}
	require.Equal(t, 3, log.Len())
	require.NoError(t, log.Flush())

	reloaded := NewSampleLog(db, 3, nil)
	require.NoError(t, reloaded.Load())
	got := reloaded.Snapshot()
	require.Len(t, got, 3)
	assert.Equal(t, "c", got[0].ProxyID)
	assert.Equal(t, "e", got[2].ProxyID)

	reloaded.Append(Sample{ProxyID: "f"})
	assert.Equal(t, uint64(5), reloaded.Snapshot()[2].Seq)
}

func TestSampleLog_TrimKeepsBackingArrayBounded(t *testing.T) {
	const capacity = 100
	log := NewSampleLog(nil, capacity, nil)
	for i := 0; i < 50*capacity; i++ {
		log.Append(Sample{ProxyID: "p"})
	}

	got := log.Snapshot()
	require.Len(t, got, capacity)
	assert.Equal(t, uint64(49*capacity), got[0].Seq)
	assert.Equal(t, uint64(50*capacity-1), got[capacity-1].Seq)

	log.mu.Lock()
	backing := cap(log.samples)
	log.mu.Unlock()
	assert.Less(t, backing, 10*capacity)
}

type memArtifacts struct {
	m   *LogisticModel
	err error
}

func (a *memArtifacts) Save(_ context.Context, m *LogisticModel) error {
	if a.err != nil {
		return a.err
	}
	a.m = m
	return nil
}

func (a *memArtifacts) Load(context.Context) (*LogisticModel, error) {
	if a.m == nil {
		return nil, ErrNoArtifact
	}
	return a.m, nil
}

func TestMirroredArtifactStore(t *testing.T) {
	primary := &memArtifacts{}
	mirror := &memArtifacts{}
	store := MirroredArtifactStore{Primary: primary, Mirror: mirror}

	_, err := store.Load(context.Background())
	assert.ErrorIs(t, err, ErrNoArtifact)

	model := &LogisticModel{Samples: 7}
	require.NoError(t, store.Save(context.Background(), model))
	assert.Same(t, model, primary.m)
	assert.Same(t, model, mirror.m)

	primary.m = nil
	got, err := store.Load(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 7, got.Samples)

	mirror.err = assert.AnError
	assert.NoError(t, store.Save(context.Background(), model), "mirror failures are logged only")
}
