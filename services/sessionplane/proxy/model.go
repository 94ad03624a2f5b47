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
	"errors"
	"fmt"
	"math"
	"time"
)

// ErrInsufficientData is returned by training below the sample minimum.
var ErrInsufficientData = errors.New("insufficient training data")

// Classifier predicts the probability that a proxy will succeed.
//
// # Description
//
// IsAvailable lets callers branch on capability: a classifier that is not
// trained, or whose artifact failed to load, reports false and the
// selector falls back to the heuristic.
type Classifier interface {
	IsAvailable() bool
	Predict(features []float64) float64
}

// LogisticModel is a standardised logistic regression over the proxy
// feature vector.
type LogisticModel struct {
	Weights   []float64 `json:"weights"`
	Bias      float64   `json:"bias"`
	Mean      []float64 `json:"mean"`
	Scale     []float64 `json:"scale"`
	Samples   int       `json:"samples"`
	Accuracy  float64   `json:"accuracy"`
	TrainedAt time.Time `json:"trained_at"`
}

// IsAvailable reports whether the model has weights for every feature.
func (m *LogisticModel) IsAvailable() bool {
	return m != nil && len(m.Weights) == FeatureCount &&
		len(m.Mean) == FeatureCount && len(m.Scale) == FeatureCount
}

// Predict returns P(success | features). An unavailable model returns 0.5.
func (m *LogisticModel) Predict(features []float64) float64 {
	if !m.IsAvailable() || len(features) != FeatureCount {
		return 0.5
	}
	z := m.Bias
	for i, x := range features {
		z += m.Weights[i] * (x - m.Mean[i]) / m.Scale[i]
	}
	return sigmoid(z)
}

// TrainOptions tunes gradient descent.
type TrainOptions struct {
	// MinSamples is the sample count below which training refuses to run.
	// Default: 100.
	MinSamples int

	// Epochs of full-batch gradient descent. Default: 300.
	Epochs int

	// LearningRate. Default: 0.5.
	LearningRate float64

	// L2 regularisation strength. Default: 0.001; negative disables it.
	L2 float64
}

func (o TrainOptions) withDefaults() TrainOptions {
	if o.MinSamples <= 0 {
		o.MinSamples = 100
	}
	if o.Epochs <= 0 {
		o.Epochs = 300
	}
	if o.LearningRate <= 0 {
		o.LearningRate = 0.5
	}
	if o.L2 < 0 {
		o.L2 = 0
	} else if o.L2 == 0 {
		o.L2 = 0.001
	}
	return o
}

// TrainLogistic fits a LogisticModel to samples.
//
// # Description
//
// Features are standardised (zero mean, unit variance; constant features
// get scale 1). Weights start at zero and are fitted by full-batch
// gradient descent, so the result is deterministic for a given input.
// The model is built completely before it is returned; nothing partial
// ever escapes.
//
// # Outputs
//
//   - *LogisticModel: Trained model.
//   - error: ErrInsufficientData below opts.MinSamples, or ctx.Err() if
//     cancelled mid-training.
func TrainLogistic(ctx context.Context, samples []Sample, opts TrainOptions, now time.Time) (*LogisticModel, error) {
	opts = opts.withDefaults()
	usable := make([]Sample, 0, len(samples))
	for _, s := range samples {
		if len(s.Features) == FeatureCount {
			usable = append(usable, s)
		}
	}
	if len(usable) < opts.MinSamples {
		return nil, fmt.Errorf("%w: have %d samples, need %d", ErrInsufficientData, len(usable), opts.MinSamples)
	}

	n := float64(len(usable))
	mean := make([]float64, FeatureCount)
	scale := make([]float64, FeatureCount)
	for _, s := range usable {
		for i, x := range s.Features {
			mean[i] += x
		}
	}
	for i := range mean {
		mean[i] /= n
	}
	for _, s := range usable {
		for i, x := range s.Features {
			d := x - mean[i]
			scale[i] += d * d
		}
	}
	for i := range scale {
		scale[i] = math.Sqrt(scale[i] / n)
		if scale[i] < 1e-9 {
			scale[i] = 1
		}
	}

	xs := make([][]float64, len(usable))
	ys := make([]float64, len(usable))
	for j, s := range usable {
		row := make([]float64, FeatureCount)
		for i, x := range s.Features {
			row[i] = (x - mean[i]) / scale[i]
		}
		xs[j] = row
		if s.Success {
			ys[j] = 1
		}
	}

	w := make([]float64, FeatureCount)
	var b float64
	grad := make([]float64, FeatureCount)
	for epoch := 0; epoch < opts.Epochs; epoch++ {
		if epoch%50 == 0 {
			if err := ctx.Err(); err != nil {
				return nil, err
			}
		}
		for i := range grad {
			grad[i] = 0
		}
		var gb float64
		for j, row := range xs {
			z := b
			for i, x := range row {
				z += w[i] * x
			}
			diff := sigmoid(z) - ys[j]
			for i, x := range row {
				grad[i] += diff * x
			}
			gb += diff
		}
		for i := range w {
			w[i] -= opts.LearningRate * (grad[i]/n + opts.L2*w[i])
		}
		b -= opts.LearningRate * gb / n
	}

	m := &LogisticModel{
		Weights:   w,
		Bias:      b,
		Mean:      mean,
		Scale:     scale,
		Samples:   len(usable),
		TrainedAt: now,
	}
	correct := 0
	for _, s := range usable {
		if (m.Predict(s.Features) >= 0.5) == s.Success {
			correct++
		}
	}
	m.Accuracy = float64(correct) / n
	return m, nil
}

func sigmoid(z float64) float64 {
	if z >= 0 {
		return 1 / (1 + math.Exp(-z))
	}
	e := math.Exp(z)
	return e / (1 + e)
}
