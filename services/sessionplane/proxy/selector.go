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
	"log/slog"
	"sync"
	"time"

	"go.opentelemetry.io/otel/attribute"

	"github.com/jinterlante1206/sessionplane/services/sessionplane/clock"
	"github.com/jinterlante1206/sessionplane/services/sessionplane/observability"
	"github.com/jinterlante1206/sessionplane/services/sessionplane/telemetry"
)

// Ranking modes reported on a Selection.
const (
	ModeModel     = "model"
	ModeHeuristic = "heuristic"
	ModeRotation  = "rotation"
)

// DefaultMinSamples is the sample count below which the model is neither
// trained nor trusted.
const DefaultMinSamples = 100

// Selection is the result of Selector.Select.
type Selection struct {
	Record   Record    `json:"proxy"`
	Strategy Strategy  `json:"strategy"`
	Mode     string    `json:"mode"`
	Score    float64   `json:"score"`
	Features []float64 `json:"features"`
}

// SelectorOptions configures a Selector.
type SelectorOptions struct {
	// Pool is required.
	Pool *Pool

	// Samples receives one labelled sample per Feedback call. Default: an
	// in-memory log of DefaultSampleCapacity.
	Samples *SampleLog

	// Artifacts persists trained models. Nil keeps models in memory only.
	Artifacts ArtifactStore

	// MinSamples gates both training and model-based ranking.
	// Default: DefaultMinSamples.
	MinSamples int

	// Training tunes gradient descent. MinSamples above overrides its
	// MinSamples field.
	Training TrainOptions

	Clock       clock.Clock
	Metrics     *observability.Metrics
	Instruments *telemetry.Instruments
	Logger      *slog.Logger
}

// Selector chooses a proxy for a work item.
//
// # Description
//
// StrategyAuto ranks every active proxy. When a classifier is available
// and the sample log holds at least MinSamples, the score is the
// classifier's success probability; otherwise it is HeuristicScore. The
// highest score wins and ties go to the earlier proxy in rotation order.
// Other strategies delegate to the Pool.
//
// # Thread Safety
//
// Safe for concurrent use. Training runs under its own lock and swaps the
// model in only once it is fully built.
type Selector struct {
	pool       *Pool
	samples    *SampleLog
	artifacts  ArtifactStore
	minSamples int
	training   TrainOptions

	mu         sync.RWMutex
	classifier Classifier

	trainMu sync.Mutex

	clock       clock.Clock
	metrics     *observability.Metrics
	instruments *telemetry.Instruments
	logger      *slog.Logger
}

// NewSelector creates a Selector with no model loaded.
func NewSelector(opts SelectorOptions) *Selector {
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	if opts.MinSamples <= 0 {
		opts.MinSamples = DefaultMinSamples
	}
	if opts.Samples == nil {
		opts.Samples = NewSampleLog(nil, DefaultSampleCapacity, opts.Logger)
	}
	opts.Training.MinSamples = opts.MinSamples
	return &Selector{
		pool:        opts.Pool,
		samples:     opts.Samples,
		artifacts:   opts.Artifacts,
		minSamples:  opts.MinSamples,
		training:    opts.Training,
		clock:       clock.OrReal(opts.Clock),
		metrics:     opts.Metrics,
		instruments: opts.Instruments,
		logger:      opts.Logger.With("component", "proxy_selector"),
	}
}

// Pool returns the underlying pool.
func (s *Selector) Pool() *Pool {
	return s.pool
}

// SetClassifier replaces the ranking model. Nil clears it.
func (s *Selector) SetClassifier(c Classifier) {
	s.mu.Lock()
	s.classifier = c
	s.mu.Unlock()
}

// Classifier returns the current ranking model, or nil.
func (s *Selector) Classifier() Classifier {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.classifier
}

// Mode reports how StrategyAuto would rank right now.
func (s *Selector) Mode() string {
	c := s.Classifier()
	if c != nil && c.IsAvailable() && s.samples.Len() >= s.minSamples {
		return ModeModel
	}
	return ModeHeuristic
}

// Select picks a proxy with strategy and stamps its last_used.
//
// # Outputs
//
//   - Selection: The chosen record, ranking mode, score and the feature
//     vector captured before last_used was stamped (for Feedback).
//   - error: ErrPoolEmpty when nothing is active; ErrUnknownStrategy.
func (s *Selector) Select(ctx context.Context, strategy Strategy) (Selection, error) {
	return s.SelectExcluding(ctx, strategy, nil)
}

// SelectExcluding is Select restricted to proxies whose id is not in
// exclude. The dispatcher uses it to keep a session off proxies it was
// evicted from without deactivating them for other sessions.
func (s *Selector) SelectExcluding(ctx context.Context, strategy Strategy, exclude map[string]bool) (Selection, error) {
	if strategy == "" {
		strategy = StrategyAuto
	}
	now := s.clock.Now()
	if strategy != StrategyAuto {
		before := s.pool.Active()
		rec, err := s.pool.SelectExcluding(strategy, exclude)
		if err != nil {
			return Selection{}, err
		}
		prior := rec
		for _, r := range before {
			if r.ID == rec.ID {
				prior = r
				break
			}
		}
		return Selection{
			Record:   rec,
			Strategy: strategy,
			Mode:     ModeRotation,
			Score:    prior.SuccessRate(),
			Features: Features(prior, now),
		}, nil
	}

	ctx, span := telemetry.StartSpan(ctx, "proxy.Selector.Select")
	defer span.End()

	active := filterExcluded(s.pool.Active(), exclude)
	if len(active) == 0 {
		telemetry.RecordError(span, ErrPoolEmpty)
		return Selection{}, ErrPoolEmpty
	}

	mode := s.Mode()
	c := s.Classifier()
	best := -1
	var bestScore float64
	var bestFeatures []float64
	for i, rec := range active {
		f := Features(rec, now)
		var score float64
		if mode == ModeModel {
			score = c.Predict(f)
		} else {
			score = HeuristicScore(rec)
		}
		if best < 0 || score > bestScore {
			best, bestScore, bestFeatures = i, score, f
		}
	}

	rec, err := s.pool.MarkUsed(active[best].ID)
	if err != nil {
		// Removed between Active and MarkUsed.
		telemetry.RecordError(span, err)
		return Selection{}, fmt.Errorf("%w: %v", ErrPoolEmpty, err)
	}

	s.metrics.ProxySelected(string(StrategyAuto), mode)
	s.instruments.Score(ctx, mode, bestScore)
	span.SetAttributes(
		attribute.String("proxy.id", rec.ID),
		attribute.String("proxy.mode", mode),
		attribute.Float64("proxy.score", bestScore),
	)
	telemetry.SetSpanOK(span)
	s.logger.Debug("proxy selected", "proxy_id", rec.ID, "mode", mode, "score", bestScore, "candidates", len(active))

	return Selection{
		Record:   rec,
		Strategy: StrategyAuto,
		Mode:     mode,
		Score:    bestScore,
		Features: bestFeatures,
	}, nil
}

// Feedback reports the outcome of a selection to the pool and appends a
// training sample.
//
// # Outputs
//
//   - bool: true if the pool deactivated the proxy.
//   - error: ErrNotFound if the proxy was removed.
func (s *Selector) Feedback(sel Selection, o Outcome, threshold int) (bool, error) {
	deactivated, err := s.pool.ReportOutcome(sel.Record.ID, o, threshold)
	if err != nil {
		return false, err
	}
	if len(sel.Features) == FeatureCount {
		s.samples.Append(Sample{
			ProxyID:  sel.Record.ID,
			Features: sel.Features,
			Success:  o.Success && !o.Banned,
			At:       s.clock.Now(),
		})
	}
	return deactivated, nil
}

// Samples returns the training sample log.
func (s *Selector) Samples() *SampleLog {
	return s.samples
}

// Train fits a new model on the sample log, saves it and swaps it in.
//
// # Description
//
// Below MinSamples, Train returns ErrInsufficientData and leaves the
// current model untouched. Concurrent calls are serialised.
func (s *Selector) Train(ctx context.Context) (*LogisticModel, error) {
	s.trainMu.Lock()
	defer s.trainMu.Unlock()

	ctx, span := telemetry.StartSpan(ctx, "proxy.Selector.Train")
	defer span.End()

	start := time.Now()
	m, err := TrainLogistic(ctx, s.samples.Snapshot(), s.training, s.clock.Now())
	if err != nil {
		telemetry.RecordError(span, err)
		return nil, err
	}
	if s.artifacts != nil {
		if err := s.artifacts.Save(ctx, m); err != nil {
			telemetry.RecordError(span, err)
			return nil, fmt.Errorf("save model: %w", err)
		}
	}
	s.SetClassifier(m)

	span.SetAttributes(attribute.Int("train.samples", m.Samples), attribute.Float64("train.accuracy", m.Accuracy))
	telemetry.SetSpanOK(span)
	s.logger.Info("proxy model trained",
		"samples", m.Samples, "accuracy", m.Accuracy, "duration", time.Since(start))
	return m, nil
}

// LoadModel restores the saved model. A missing or unusable artifact
// leaves the selector on the heuristic and is not an error.
func (s *Selector) LoadModel(ctx context.Context) error {
	if s.artifacts == nil {
		return nil
	}
	m, err := s.artifacts.Load(ctx)
	if errors.Is(err, ErrNoArtifact) {
		s.logger.Info("no saved proxy model; using heuristic ranking")
		return nil
	}
	if err != nil {
		return fmt.Errorf("load model: %w", err)
	}
	if !m.IsAvailable() {
		s.logger.Warn("saved proxy model is incomplete; ignoring")
		return nil
	}
	s.SetClassifier(m)
	s.logger.Info("proxy model loaded", "samples", m.Samples, "trained_at", m.TrainedAt)
	return nil
}

// SelectorStatus summarises the selector for operators.
type SelectorStatus struct {
	Mode           string    `json:"mode"`
	ModelAvailable bool      `json:"model_available"`
	Samples        int       `json:"samples"`
	MinSamples     int       `json:"min_samples"`
	TrainedAt      time.Time `json:"trained_at,omitempty"`
	Accuracy       float64   `json:"accuracy,omitempty"`
}

// Status returns the current ranking status.
func (s *Selector) Status() SelectorStatus {
	st := SelectorStatus{
		Mode:       s.Mode(),
		Samples:    s.samples.Len(),
		MinSamples: s.minSamples,
	}
	c := s.Classifier()
	st.ModelAvailable = c != nil && c.IsAvailable()
	if m, ok := c.(*LogisticModel); ok && m != nil {
		st.TrainedAt = m.TrainedAt
		st.Accuracy = m.Accuracy
	}
	return st
}
