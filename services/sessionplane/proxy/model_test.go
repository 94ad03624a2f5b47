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

// separableSamples labels a sample successful when its success_rate
// feature is at least 0.5.
func separableSamples(n int) []Sample {
	out := make([]Sample, n)
	for i := range out {
		sr := float64(i%10) / 10
		f := make([]float64, FeatureCount)
		f[0] = sr
		f[1] = float64(100 + i%7*10)
		f[2] = float64(i % 13)
		f[5] = 1
		f[8] = float64(i % 24)
		f[9] = float64(i % 7)
		out[i] = Sample{Features: f, Success: sr >= 0.5}
	}
	return out
}

func TestFeatures_Layout(t *testing.T) {
	now := time.Date(2025, 3, 12, 14, 0, 0, 0, time.UTC) // Wednesday
	rec := Record{
		Kind:         KindSOCKS5,
		SuccessCount: 3,
		FailureCount: 1,
		AvgLatencyMs: 250,
		BansDetected: 1,
		LastUsed:     now.Add(-2 * time.Hour),
	}
	f := Features(rec, now)
	require.Len(t, f, FeatureCount)
	require.Len(t, FeatureNames, FeatureCount)
	assert.Equal(t, []float64{0.75, 250, 4, 1, 2, 0, 0, 1, 14, 3}, f)
}

func TestFeatures_IdleCappedAndFromCreation(t *testing.T) {
	now := time.Date(2025, 3, 12, 0, 0, 0, 0, time.UTC)
	rec := Record{Kind: KindHTTP, CreatedAt: now.Add(-90 * 24 * time.Hour)}
	assert.Equal(t, float64(maxIdleHours), Features(rec, now)[4])

	rec.CreatedAt = now.Add(-3 * time.Hour)
	assert.Equal(t, 3.0, Features(rec, now)[4])
}

func TestHeuristicScore(t *testing.T) {
	assert.Equal(t, 0.5, HeuristicScore(Record{}), "untested proxies are neutral")

	rec := Record{SuccessCount: 8, FailureCount: 2, AvgLatencyMs: 500, BansDetected: 1}
	assert.InDelta(t, 0.8-0.05-0.1, HeuristicScore(rec), 1e-9)
}

func TestTrainLogistic_InsufficientData(t *testing.T) {
	_, err := TrainLogistic(context.Background(), separableSamples(99), TrainOptions{}, time.Now())
	assert.ErrorIs(t, err, ErrInsufficientData)

	// Malformed vectors do not count toward the minimum.
	samples := separableSamples(100)
	samples[0].Features = samples[0].Features[:3]
	_, err = TrainLogistic(context.Background(), samples, TrainOptions{}, time.Now())
	assert.ErrorIs(t, err, ErrInsufficientData)
}

func TestTrainLogistic_LearnsSeparableSignal(t *testing.T) {
	m, err := TrainLogistic(context.Background(), separableSamples(200), TrainOptions{}, time.Now())
	require.NoError(t, err)
	require.True(t, m.IsAvailable())
	assert.Equal(t, 200, m.Samples)
	assert.Greater(t, m.Accuracy, 0.8)

	good := make([]float64, FeatureCount)
	good[0], good[5] = 0.9, 1
	bad := make([]float64, FeatureCount)
	bad[0], bad[5] = 0.1, 1
	assert.Greater(t, m.Predict(good), m.Predict(bad))
	assert.Greater(t, m.Predict(good), 0.5)
}

func TestTrainLogistic_Deterministic(t *testing.T) {
	a, err := TrainLogistic(context.Background(), separableSamples(150), TrainOptions{}, time.Time{})
	require.NoError(t, err)
	b, err := TrainLogistic(context.Background(), separableSamples(150), TrainOptions{}, time.Time{})
	require.NoError(t, err)
	assert.Equal(t, a, b)
}

func TestTrainLogistic_Cancelled(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err := TrainLogistic(ctx, separableSamples(150), TrainOptions{}, time.Now())
	assert.ErrorIs(t, err, context.Canceled)
}

func TestLogisticModel_UnavailablePredictsNeutral(t *testing.T) {
	var m *LogisticModel
	assert.False(t, m.IsAvailable())
	assert.Equal(t, 0.5, m.Predict(make([]float64, FeatureCount)))
	assert.False(t, (&LogisticModel{Weights: []float64{1}}).IsAvailable())
}
