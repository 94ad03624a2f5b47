// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package resource samples host CPU and RAM into a rolling history and
// derives scale-up and scale-down signals from it.
package resource

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/go-playground/validator/v10"

	"github.com/jinterlante1206/sessionplane/services/sessionplane/clock"
	"github.com/jinterlante1206/sessionplane/services/sessionplane/observability"
)

// ErrInvalidThresholds is returned for thresholds outside 50-95.
var ErrInvalidThresholds = errors.New("invalid resource thresholds")

var thresholdsValidate = validator.New()

const (
	// DefaultCapacity is the number of samples kept.
	DefaultCapacity = 60

	// DefaultInterval is the sampling period.
	DefaultInterval = 5 * time.Second

	// debounceSamples is how many recent samples must agree before
	// scaling up.
	debounceSamples = 3

	// scaleDownSamples is the window that must sit below half the
	// threshold before scaling down.
	scaleDownSamples = 5
)

// Sample is one host reading.
type Sample struct {
	Timestamp  time.Time `json:"timestamp"`
	CPUPercent float64   `json:"cpu_percent"`
	RAMPercent float64   `json:"ram_percent"`
}

// Thresholds are the scale-up trigger levels, in percent.
type Thresholds struct {
	CPUPercent float64 `yaml:"cpu_threshold_percent" json:"cpu_threshold_percent" validate:"gte=50,lte=95"`
	RAMPercent float64 `yaml:"ram_threshold_percent" json:"ram_threshold_percent" validate:"gte=50,lte=95"`
}

// DefaultThresholds returns 80% for both resources.
func DefaultThresholds() Thresholds {
	return Thresholds{CPUPercent: 80, RAMPercent: 80}
}

// Validate checks both thresholds lie in [50, 95].
func (t Thresholds) Validate() error {
	if err := thresholdsValidate.Struct(t); err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidThresholds, err)
	}
	return nil
}

// SamplerOptions configures a Sampler.
type SamplerOptions struct {
	// Source is required.
	Source Source

	// Sinks receive every sample. Write errors are logged.
	Sinks []Sink

	// Capacity of the history. Default: DefaultCapacity.
	Capacity int

	// Interval between samples. Default: DefaultInterval.
	Interval time.Duration

	// Thresholds. Zero value means DefaultThresholds.
	Thresholds Thresholds

	Clock   clock.Clock
	Metrics *observability.Metrics
	Logger  *slog.Logger
}

// Sampler polls a Source and keeps the last Capacity samples.
//
// # Description
//
// ShouldScaleUp holds when the newest sample exceeds the CPU or RAM
// threshold and the mean of the last three exceeds the same threshold.
// It is false with fewer than three samples, so one hot reading at
// startup never triggers a migration. ShouldScaleDown holds when the means of
// the last five samples are below half of both thresholds; it is false
// with fewer than five samples.
//
// # Thread Safety
//
// Safe for concurrent use.
type Sampler struct {
	source   Source
	sinks    []Sink
	history  *RingBuffer[Sample]
	interval time.Duration

	mu         sync.RWMutex
	thresholds Thresholds

	clock   clock.Clock
	metrics *observability.Metrics
	logger  *slog.Logger
}

// NewSampler creates a Sampler.
//
// # Outputs
//
//   - *Sampler: Ready to Run.
//   - error: ErrInvalidThresholds, or a missing source.
func NewSampler(opts SamplerOptions) (*Sampler, error) {
	if opts.Source == nil {
		return nil, fmt.Errorf("resource sampler: source is required")
	}
	if opts.Thresholds == (Thresholds{}) {
		opts.Thresholds = DefaultThresholds()
	}
	if err := opts.Thresholds.Validate(); err != nil {
		return nil, err
	}
	if opts.Capacity <= 0 {
		opts.Capacity = DefaultCapacity
	}
	if opts.Interval <= 0 {
		opts.Interval = DefaultInterval
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	return &Sampler{
		source:     opts.Source,
		sinks:      opts.Sinks,
		history:    NewRingBuffer[Sample](opts.Capacity),
		interval:   opts.Interval,
		thresholds: opts.Thresholds,
		clock:      clock.OrReal(opts.Clock),
		metrics:    opts.Metrics,
		logger:     opts.Logger.With("component", "resource_sampler"),
	}, nil
}

// Thresholds returns the active thresholds.
func (s *Sampler) Thresholds() Thresholds {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.thresholds
}

// SetThresholds validates and applies new thresholds.
func (s *Sampler) SetThresholds(t Thresholds) error {
	if err := t.Validate(); err != nil {
		return err
	}
	s.mu.Lock()
	s.thresholds = t
	s.mu.Unlock()
	s.logger.Info("resource thresholds updated", "cpu_percent", t.CPUPercent, "ram_percent", t.RAMPercent)
	return nil
}

// Run samples every interval until ctx is cancelled. Read failures are
// logged and the tick is skipped.
func (s *Sampler) Run(ctx context.Context) error {
	s.logger.Info("resource sampler started", "interval", s.interval, "capacity", s.history.Capacity())
	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			s.logger.Info("resource sampler stopped")
			return nil
		case <-ticker.C:
			if _, err := s.SampleOnce(ctx); err != nil && ctx.Err() == nil {
				s.logger.Warn("resource sample failed", "error", err)
			}
		}
	}
}

// SampleOnce reads the source, records the sample and forwards it to
// every sink.
func (s *Sampler) SampleOnce(ctx context.Context) (Sample, error) {
	cpu, ram, err := s.source.Read(ctx)
	if err != nil {
		return Sample{}, err
	}
	smp := Sample{Timestamp: s.clock.Now(), CPUPercent: cpu, RAMPercent: ram}
	s.Record(smp)
	for _, sink := range s.sinks {
		if err := sink.Write(ctx, smp); err != nil {
			s.logger.Debug("resource sink write failed", "error", err)
		}
	}
	return smp, nil
}

// Record appends a sample to the history.
func (s *Sampler) Record(smp Sample) {
	s.history.Push(smp)
	s.metrics.SetHost(smp.CPUPercent, smp.RAMPercent)
}

// History returns the retained samples, oldest first.
func (s *Sampler) History() []Sample {
	return s.history.ToSlice()
}

// Latest returns the newest sample.
func (s *Sampler) Latest() (Sample, bool) {
	return s.history.Latest()
}

// ShouldScaleUp reports sustained pressure on CPU or RAM.
func (s *Sampler) ShouldScaleUp() bool {
	th := s.Thresholds()
	recent := s.history.Last(debounceSamples)
	if len(recent) < debounceSamples {
		return false
	}
	cur := recent[len(recent)-1]
	cpuMean, ramMean := means(recent)

	cpuHot := cur.CPUPercent > th.CPUPercent && cpuMean > th.CPUPercent
	ramHot := cur.RAMPercent > th.RAMPercent && ramMean > th.RAMPercent
	return cpuHot || ramHot
}

// ShouldScaleDown reports sustained low usage on both resources.
func (s *Sampler) ShouldScaleDown() bool {
	th := s.Thresholds()
	recent := s.history.Last(scaleDownSamples)
	if len(recent) < scaleDownSamples {
		return false
	}
	cpuMean, ramMean := means(recent)
	return cpuMean < th.CPUPercent/2 && ramMean < th.RAMPercent/2
}

func means(samples []Sample) (cpu, ram float64) {
	if len(samples) == 0 {
		return 0, 0
	}
	for _, s := range samples {
		cpu += s.CPUPercent
		ram += s.RAMPercent
	}
	n := float64(len(samples))
	return cpu / n, ram / n
}
