// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package telemetry

import (
	"context"
	"fmt"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

// Instruments are the OTel metric instruments recorded by the dispatcher.
//
// # Description
//
// These complement the client_golang collectors with per-dispatch
// attributes (tier, proxy selection mode) that travel with trace
// exemplars when an OTLP backend is used.
//
// # Thread Safety
//
// Safe for concurrent use. A nil *Instruments is a no-op.
type Instruments struct {
	// DispatchAttempts counts dispatches by tier and outcome.
	DispatchAttempts metric.Int64Counter

	// SelectorScore records the success probability assigned to the
	// chosen proxy.
	SelectorScore metric.Float64Histogram

	// CoolDownSeconds records drawn cooldown durations.
	CoolDownSeconds metric.Float64Histogram
}

// NewInstruments creates instruments on the global meter.
func NewInstruments() (*Instruments, error) {
	return NewInstrumentsFrom(otel.Meter(TracerName))
}

// NewInstrumentsFrom creates instruments on meter.
func NewInstrumentsFrom(meter metric.Meter) (*Instruments, error) {
	attempts, err := meter.Int64Counter("sessionplane.dispatch.attempts",
		metric.WithDescription("Dispatch attempts by tier and outcome"),
	)
	if err != nil {
		return nil, fmt.Errorf("create dispatch counter: %w", err)
	}
	score, err := meter.Float64Histogram("sessionplane.selector.score",
		metric.WithDescription("Predicted success probability of the selected proxy"),
		metric.WithExplicitBucketBoundaries(0.1, 0.25, 0.5, 0.75, 0.9, 1),
	)
	if err != nil {
		return nil, fmt.Errorf("create selector histogram: %w", err)
	}
	cool, err := meter.Float64Histogram("sessionplane.contingency.cooldown",
		metric.WithDescription("Drawn session cooldown durations"),
		metric.WithUnit("s"),
	)
	if err != nil {
		return nil, fmt.Errorf("create cooldown histogram: %w", err)
	}
	return &Instruments{DispatchAttempts: attempts, SelectorScore: score, CoolDownSeconds: cool}, nil
}

// Dispatch records one dispatch attempt.
func (in *Instruments) Dispatch(ctx context.Context, tier, outcome string) {
	if in == nil {
		return
	}
	in.DispatchAttempts.Add(ctx, 1, metric.WithAttributes(
		attribute.String("tier", tier),
		attribute.String("outcome", outcome),
	))
}

// Score records a proxy selection score.
func (in *Instruments) Score(ctx context.Context, mode string, p float64) {
	if in == nil {
		return
	}
	in.SelectorScore.Record(ctx, p, metric.WithAttributes(attribute.String("mode", mode)))
}

// CoolDown records a cooldown duration in seconds.
func (in *Instruments) CoolDown(ctx context.Context, seconds float64) {
	if in == nil {
		return
	}
	in.CoolDownSeconds.Record(ctx, seconds)
}
