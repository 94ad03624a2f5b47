// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package engine wires the control-plane components together and runs
// their loops.
//
// # Description
//
// Deps is built once by the command layer and owns every component and
// its shutdown. The Dispatcher is the work-item handler: it gates on
// contingency state, binds the session to a proxy, places the item on a
// tier, executes it and feeds the outcome back. Engine.Run supervises
// every loop under one errgroup.
package engine

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"path/filepath"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/jinterlante1206/sessionplane/services/sessionplane/anomaly"
	"github.com/jinterlante1206/sessionplane/services/sessionplane/clock"
	"github.com/jinterlante1206/sessionplane/services/sessionplane/contingency"
	"github.com/jinterlante1206/sessionplane/services/sessionplane/events"
	"github.com/jinterlante1206/sessionplane/services/sessionplane/observability"
	"github.com/jinterlante1206/sessionplane/services/sessionplane/placement"
	"github.com/jinterlante1206/sessionplane/services/sessionplane/proxy"
	"github.com/jinterlante1206/sessionplane/services/sessionplane/queue"
	"github.com/jinterlante1206/sessionplane/services/sessionplane/resource"
	"github.com/jinterlante1206/sessionplane/services/sessionplane/schedule"
	"github.com/jinterlante1206/sessionplane/services/sessionplane/storage"
	sbadger "github.com/jinterlante1206/sessionplane/services/sessionplane/storage/badger"
	"github.com/jinterlante1206/sessionplane/services/sessionplane/telemetry"
)

// Settings are the resolved runtime settings for every component.
type Settings struct {
	// DataDir holds the database. Empty runs fully in memory.
	DataDir string

	QueueCapacity      int
	DeadLetterCapacity int
	ConsumerInterval   time.Duration
	MaxConcurrent      int

	// MaxRetries is the retry budget of work enqueued without one.
	// Default: DefaultMaxRetries.
	MaxRetries int

	SchedulerInterval time.Duration
	Location          *time.Location

	Contingency contingency.Thresholds

	// Strategy used to bind sessions to proxies. Default: auto.
	Strategy proxy.Strategy

	// ProxyFailureThreshold deactivates a proxy once its failure count
	// reaches it. Default: 5.
	ProxyFailureThreshold int

	SelectorMinSamples int
	SampleCapacity     int

	// TrainInterval retrains the selector model. Zero disables
	// periodic training.
	TrainInterval time.Duration

	// ModelMirror optionally copies the trained model to GCS.
	ModelMirror GCSMirror

	Resource  ResourceSettings
	Placement PlacementSettings

	// FlushInterval for buffered proxy and sample writes. Default: 5s.
	FlushInterval time.Duration

	// Registry receives the Prometheus collectors. Default: a fresh registry.
	Registry *prometheus.Registry

	// Source overrides the host resource source. Default: procfs.
	Source resource.Source

	Clock clock.Clock
}

// GCSMirror locates the model mirror object.
type GCSMirror struct {
	Bucket          string
	Object          string
	CredentialsFile string
}

// ResourceSettings configure the sampler.
type ResourceSettings struct {
	Thresholds resource.Thresholds
	Capacity   int
	Interval   time.Duration
	ProcRoot   string

	// Influx enables the history export when URL is set.
	Influx resource.InfluxConfig
}

// PlacementSettings configure the execution tiers.
type PlacementSettings struct {
	Interval time.Duration

	LocalCommand []string

	ContainerRuntime string
	ContainerImage   string
	ContainerArgs    []string

	Cloud placement.CloudConfig
}

// DefaultMaxRetries is the retry budget when none is configured.
const DefaultMaxRetries = 3

func (s *Settings) applyDefaults() {
	if s.MaxRetries <= 0 {
		s.MaxRetries = DefaultMaxRetries
	}
	if s.Strategy == "" {
		s.Strategy = proxy.StrategyAuto
	}
	if s.ProxyFailureThreshold <= 0 {
		s.ProxyFailureThreshold = 5
	}
	if s.FlushInterval <= 0 {
		s.FlushInterval = 5 * time.Second
	}
	if s.Contingency == (contingency.Thresholds{}) {
		s.Contingency = contingency.DefaultThresholds()
	}
	if s.Registry == nil {
		s.Registry = prometheus.NewRegistry()
	}
}

// Deps owns every control-plane component.
//
// # Thread Safety
//
// Fields are set once by Open and read-only afterwards. Close must be
// called once, after Engine.Run returns.
type Deps struct {
	Settings Settings
	Logger   *slog.Logger
	Clock    clock.Clock

	DB          *sbadger.DB
	Bus         *events.Bus
	Registry    *prometheus.Registry
	Metrics     *observability.Metrics
	Instruments *telemetry.Instruments

	Queue      *queue.WorkQueue
	Schedules  *storage.Collection[schedule.Entry]
	Scheduler  *schedule.Scheduler
	Pool       *proxy.Pool
	Samples    *proxy.SampleLog
	Selector   *proxy.Selector
	Tracker    *contingency.Tracker
	Detector   *anomaly.Detector
	Sampler    *resource.Sampler
	Controller *placement.Controller

	closers []func() error
}

// Open builds every component and restores persisted state.
//
// # Inputs
//
//   - ctx: Used for the optional GCS client and the model load.
//   - s: Settings. Zero values take component defaults.
//   - logger: Parent logger. Nil uses slog.Default().
//
// # Outputs
//
//   - *Deps: Ready to run. Caller must Close it.
//   - error: Storage, threshold validation or restore failures.
func Open(ctx context.Context, s Settings, logger *slog.Logger) (_ *Deps, err error) {
	s.applyDefaults()
	if logger == nil {
		logger = slog.Default()
	}
	d := &Deps{
		Settings: s,
		Logger:   logger,
		Clock:    clock.OrReal(s.Clock),
		Bus:      events.NewBus(),
		Registry: s.Registry,
	}
	defer func() {
		if err != nil {
			_ = d.Close()
		}
	}()
	d.closers = append(d.closers, func() error { d.Bus.Close(); return nil })

	if s.DataDir == "" {
		d.DB, err = sbadger.OpenInMemory()
	} else {
		cfg := sbadger.DefaultConfig(filepath.Join(s.DataDir, "db"))
		cfg.Logger = logger
		d.DB, err = sbadger.Open(cfg)
	}
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}
	d.closers = append(d.closers, d.DB.Close)

	d.Metrics = observability.NewMetrics(d.Registry)
	d.Instruments, err = telemetry.NewInstruments()
	if err != nil {
		return nil, err
	}

	d.Queue = queue.New(queue.Options{
		Capacity:           s.QueueCapacity,
		DeadLetterCapacity: s.DeadLetterCapacity,
		Clock:              d.Clock,
		Publisher:          d.Bus,
		Metrics:            d.Metrics,
		Logger:             logger,
	})

	d.Schedules = storage.NewCollection[schedule.Entry](d.DB.DB, "schedules", logger)
	d.Scheduler = schedule.New(schedule.Options{
		Queue:             d.Queue,
		Store:             d.Schedules,
		Interval:          s.SchedulerInterval,
		Location:          s.Location,
		DefaultMaxRetries: s.MaxRetries,
		Clock:             d.Clock,
		Publisher:         d.Bus,
		Metrics:           d.Metrics,
		Logger:            logger,
	})
	if err := d.Scheduler.Load(); err != nil {
		return nil, fmt.Errorf("load schedules: %w", err)
	}

	if err := d.openProxies(ctx); err != nil {
		return nil, err
	}

	d.Tracker, err = contingency.New(contingency.Options{
		Thresholds:  s.Contingency,
		Clock:       d.Clock,
		Publisher:   d.Bus,
		Metrics:     d.Metrics,
		Instruments: d.Instruments,
		Logger:      logger,
	})
	if err != nil {
		return nil, err
	}

	d.Detector = anomaly.New(anomaly.Options{
		Clock:     d.Clock,
		Publisher: d.Bus,
		Metrics:   d.Metrics,
		Logger:    logger,
	})

	if err := d.openResources(); err != nil {
		return nil, err
	}
	if err := d.openPlacement(); err != nil {
		return nil, err
	}
	return d, nil
}

func (d *Deps) openProxies(ctx context.Context) error {
	s := d.Settings
	d.Pool = proxy.NewPool(proxy.PoolOptions{
		DB:        d.DB.DB,
		Clock:     d.Clock,
		Publisher: d.Bus,
		Metrics:   d.Metrics,
		Logger:    d.Logger,
	})
	if err := d.Pool.Load(); err != nil {
		return fmt.Errorf("load proxies: %w", err)
	}
	d.closers = append(d.closers, d.Pool.Flush)

	d.Samples = proxy.NewSampleLog(d.DB.DB, s.SampleCapacity, d.Logger)
	if err := d.Samples.Load(); err != nil {
		return fmt.Errorf("load proxy samples: %w", err)
	}
	d.closers = append(d.closers, d.Samples.Flush)

	var artifacts proxy.ArtifactStore = proxy.NewBadgerArtifactStore(d.DB.DB, d.Logger)
	if s.ModelMirror.Bucket != "" {
		object := s.ModelMirror.Object
		if object == "" {
			object = "sessionplane/proxy_model.json"
		}
		gcs, err := proxy.NewGCSArtifactStore(ctx, s.ModelMirror.Bucket, object, s.ModelMirror.CredentialsFile)
		if err != nil {
			return fmt.Errorf("open model mirror: %w", err)
		}
		d.closers = append(d.closers, gcs.Close)
		artifacts = proxy.MirroredArtifactStore{Primary: artifacts, Mirror: gcs, Logger: d.Logger}
	}

	d.Selector = proxy.NewSelector(proxy.SelectorOptions{
		Pool:        d.Pool,
		Samples:     d.Samples,
		Artifacts:   artifacts,
		MinSamples:  s.SelectorMinSamples,
		Clock:       d.Clock,
		Metrics:     d.Metrics,
		Instruments: d.Instruments,
		Logger:      d.Logger,
	})
	if err := d.Selector.LoadModel(ctx); err != nil {
		d.Logger.Warn("could not load proxy model; using heuristic ranking", "error", err)
	}
	return nil
}

func (d *Deps) openResources() error {
	rs := d.Settings.Resource
	src := d.Settings.Source
	if src == nil {
		procfs, err := resource.NewProcfsSource(rs.ProcRoot)
		if err != nil {
			d.Logger.Warn("procfs unavailable; host sampling disabled", "error", err)
			src = resource.StaticSource{Err: resource.ErrUnavailable}
		} else {
			src = procfs
		}
	}

	var sinks []resource.Sink
	if rs.Influx.URL != "" {
		sink, err := resource.NewInfluxSink(rs.Influx)
		if err != nil {
			return fmt.Errorf("open influx sink: %w", err)
		}
		d.closers = append(d.closers, func() error { sink.Close(); return nil })
		sinks = append(sinks, sink)
	}

	var err error
	d.Sampler, err = resource.NewSampler(resource.SamplerOptions{
		Source:     src,
		Sinks:      sinks,
		Capacity:   rs.Capacity,
		Interval:   rs.Interval,
		Thresholds: rs.Thresholds,
		Clock:      d.Clock,
		Metrics:    d.Metrics,
		Logger:     d.Logger,
	})
	return err
}

func (d *Deps) openPlacement() error {
	ps := d.Settings.Placement
	local := &placement.LocalTier{Command: ps.LocalCommand}

	var remote []placement.Tier
	if ps.ContainerImage != "" {
		remote = append(remote, &placement.ContainerTier{
			Runtime: ps.ContainerRuntime,
			Image:   ps.ContainerImage,
			Args:    ps.ContainerArgs,
		})
	}
	if ps.Cloud.Endpoint != "" {
		remote = append(remote, placement.NewCloudTier(ps.Cloud, nil))
	}

	var err error
	d.Controller, err = placement.NewController(placement.ControllerOptions{
		Signals:   d.Sampler,
		Queue:     d.Queue,
		Local:     local,
		Remote:    remote,
		Interval:  ps.Interval,
		Clock:     d.Clock,
		Publisher: d.Bus,
		Metrics:   d.Metrics,
		Logger:    d.Logger,
	})
	return err
}

// Close flushes buffered writes and releases resources in reverse order.
func (d *Deps) Close() error {
	var errs []error
	for i := len(d.closers) - 1; i >= 0; i-- {
		if err := d.closers[i](); err != nil {
			errs = append(errs, err)
		}
	}
	d.closers = nil
	return errors.Join(errs...)
}
