// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package config

import (
	"fmt"
	"log/slog"
	"time"

	"github.com/jinterlante1206/sessionplane/pkg/extensions"
	"github.com/jinterlante1206/sessionplane/pkg/logging"
	"github.com/jinterlante1206/sessionplane/services/sessionplane/contingency"
	"github.com/jinterlante1206/sessionplane/services/sessionplane/engine"
	"github.com/jinterlante1206/sessionplane/services/sessionplane/placement"
	"github.com/jinterlante1206/sessionplane/services/sessionplane/proxy"
	"github.com/jinterlante1206/sessionplane/services/sessionplane/resource"
	"github.com/jinterlante1206/sessionplane/services/sessionplane/telemetry"
)

// SessionplaneConfig is the on-disk configuration.
type SessionplaneConfig struct {
	// DataDir holds the database. Supports ~. Empty runs in memory.
	DataDir string `yaml:"data_dir"`

	API       APIConfig        `yaml:"api"`
	Logging   LoggingConfig    `yaml:"logging"`
	Telemetry telemetry.Config `yaml:"telemetry"`

	Queue     QueueConfig     `yaml:"queue"`
	Scheduler SchedulerConfig `yaml:"scheduler"`
	Proxy     ProxyConfig     `yaml:"proxy"`

	Contingency contingency.Thresholds `yaml:"contingency"`
	Resource    ResourceConfig         `yaml:"resource"`
	Placement   PlacementConfig        `yaml:"placement"`
}

type APIConfig struct {
	Addr string `yaml:"addr" validate:"required,hostname_port"`

	// Token grants admin access. When Token and ReadToken are both
	// empty the API accepts every request.
	Token string `yaml:"token,omitempty"`

	// ReadToken grants read-only access.
	ReadToken string `yaml:"read_token,omitempty"`

	// AuditCapacity bounds the in-memory audit trail. Default: 1000.
	AuditCapacity int `yaml:"audit_capacity" validate:"gte=0"`
}

type LoggingConfig struct {
	Level  string `yaml:"level" validate:"omitempty,oneof=debug info warn warning error"`
	Dir    string `yaml:"dir,omitempty"`
	Format string `yaml:"format" validate:"omitempty,oneof=auto text json"`
}

type QueueConfig struct {
	// MaxQueueSize bounds pending plus in-flight items.
	MaxQueueSize int `yaml:"max_queue_size" validate:"gte=1"`

	// MaxRetries applies to work enqueued without its own budget.
	MaxRetries int `yaml:"max_retries" validate:"gte=1,lte=100"`

	DeadLetterSize int           `yaml:"dead_letter_size" validate:"gte=0"`
	PollInterval   time.Duration `yaml:"poll_interval" validate:"gte=0"`
	MaxConcurrent  int           `yaml:"max_concurrent" validate:"gte=0"`
}

type SchedulerConfig struct {
	Interval time.Duration `yaml:"interval" validate:"gte=0"`

	// Timezone is an IANA name. Empty means local time.
	Timezone string `yaml:"timezone,omitempty" validate:"omitempty,timezone"`
}

type ProxyConfig struct {
	Strategy         string        `yaml:"strategy" validate:"omitempty,oneof=round_robin random best auto"`
	FailureThreshold int           `yaml:"failure_threshold" validate:"gte=0"`
	MinSamples       int           `yaml:"min_samples" validate:"gte=0"`
	SampleCapacity   int           `yaml:"sample_capacity" validate:"gte=0"`
	TrainInterval    time.Duration `yaml:"train_interval" validate:"gte=0"`

	// ModelMirror copies trained models to GCS when Bucket is set.
	ModelMirror GCSConfig `yaml:"model_mirror"`
}

type GCSConfig struct {
	Bucket          string `yaml:"bucket,omitempty"`
	Object          string `yaml:"object,omitempty"`
	CredentialsFile string `yaml:"credentials_file,omitempty"`
}

type ResourceConfig struct {
	Thresholds resource.Thresholds   `yaml:",inline"`
	History    int                   `yaml:"history" validate:"gte=0"`
	Interval   time.Duration         `yaml:"interval" validate:"gte=0"`
	ProcRoot   string                `yaml:"proc_root,omitempty"`
	Influx     resource.InfluxConfig `yaml:"influx"`
}

type PlacementConfig struct {
	Interval time.Duration `yaml:"interval" validate:"gte=0"`

	// LocalCommand runs each work item with the payload on stdin.
	LocalCommand []string `yaml:"local_command,omitempty"`

	Container ContainerConfig       `yaml:"container"`
	Cloud     placement.CloudConfig `yaml:"cloud"`
}

type ContainerConfig struct {
	Runtime string   `yaml:"runtime,omitempty" validate:"omitempty,oneof=podman docker"`
	Image   string   `yaml:"image,omitempty"`
	Args    []string `yaml:"args,omitempty"`
}

// DefaultConfig returns the configuration written on first run.
func DefaultConfig() SessionplaneConfig {
	return SessionplaneConfig{
		DataDir: "~/.sessionplane/data",
		API:     APIConfig{Addr: "127.0.0.1:8470", AuditCapacity: 1000},
		Logging: LoggingConfig{
			Level:  "info",
			Dir:    "~/.sessionplane/logs",
			Format: string(logging.FormatAuto),
		},
		Telemetry: telemetry.DefaultConfig(),
		Queue: QueueConfig{
			MaxQueueSize:   10000,
			MaxRetries:     engine.DefaultMaxRetries,
			DeadLetterSize: 1000,
			PollInterval:   time.Second,
			MaxConcurrent:  4,
		},
		Scheduler: SchedulerConfig{Interval: 30 * time.Second},
		Proxy: ProxyConfig{
			Strategy:         string(proxy.StrategyAuto),
			FailureThreshold: 5,
			MinSamples:       proxy.DefaultMinSamples,
			SampleCapacity:   proxy.DefaultSampleCapacity,
			TrainInterval:    time.Hour,
		},
		Contingency: contingency.DefaultThresholds(),
		Resource: ResourceConfig{
			Thresholds: resource.DefaultThresholds(),
			History:    resource.DefaultCapacity,
			Interval:   resource.DefaultInterval,
		},
		Placement: PlacementConfig{
			Interval:  5 * time.Second,
			Container: ContainerConfig{Runtime: "podman"},
		},
	}
}

// EngineSettings converts the file configuration into runtime settings.
//
// # Outputs
//
//   - engine.Settings: Paths expanded, timezone resolved.
//   - error: An unknown timezone or strategy.
func (c SessionplaneConfig) EngineSettings() (engine.Settings, error) {
	var loc *time.Location
	if c.Scheduler.Timezone != "" {
		var err error
		if loc, err = time.LoadLocation(c.Scheduler.Timezone); err != nil {
			return engine.Settings{}, fmt.Errorf("%w: timezone: %v", ErrInvalid, err)
		}
	}
	strategy, err := proxy.ParseStrategy(c.Proxy.Strategy)
	if err != nil {
		return engine.Settings{}, fmt.Errorf("%w: %v", ErrInvalid, err)
	}

	return engine.Settings{
		DataDir:               ExpandPath(c.DataDir),
		QueueCapacity:         c.Queue.MaxQueueSize,
		DeadLetterCapacity:    c.Queue.DeadLetterSize,
		ConsumerInterval:      c.Queue.PollInterval,
		MaxConcurrent:         c.Queue.MaxConcurrent,
		MaxRetries:            c.Queue.MaxRetries,
		SchedulerInterval:     c.Scheduler.Interval,
		Location:              loc,
		Contingency:           c.Contingency,
		Strategy:              strategy,
		ProxyFailureThreshold: c.Proxy.FailureThreshold,
		SelectorMinSamples:    c.Proxy.MinSamples,
		SampleCapacity:        c.Proxy.SampleCapacity,
		TrainInterval:         c.Proxy.TrainInterval,
		ModelMirror: engine.GCSMirror{
			Bucket:          c.Proxy.ModelMirror.Bucket,
			Object:          c.Proxy.ModelMirror.Object,
			CredentialsFile: ExpandPath(c.Proxy.ModelMirror.CredentialsFile),
		},
		Resource: engine.ResourceSettings{
			Thresholds: c.Resource.Thresholds,
			Capacity:   c.Resource.History,
			Interval:   c.Resource.Interval,
			ProcRoot:   c.Resource.ProcRoot,
			Influx:     c.Resource.Influx,
		},
		Placement: engine.PlacementSettings{
			Interval:         c.Placement.Interval,
			LocalCommand:     c.Placement.LocalCommand,
			ContainerRuntime: c.Placement.Container.Runtime,
			ContainerImage:   c.Placement.Container.Image,
			ContainerArgs:    c.Placement.Container.Args,
			Cloud:            c.Placement.Cloud,
		},
	}, nil
}

// Extensions builds the admin API hooks. Audit is always recorded;
// authentication is enforced once a token is configured.
func (c SessionplaneConfig) Extensions(logger *slog.Logger) extensions.ServiceOptions {
	opts := extensions.DefaultOptions().
		WithAudit(extensions.NewMemoryAuditLogger(c.API.AuditCapacity, logger))
	tokens := map[string]extensions.AuthInfo{}
	if c.API.Token != "" {
		tokens[c.API.Token] = extensions.AuthInfo{UserID: "admin", Roles: []string{extensions.RoleAdmin}}
	}
	if c.API.ReadToken != "" {
		tokens[c.API.ReadToken] = extensions.AuthInfo{UserID: "viewer", Roles: []string{extensions.RoleViewer}}
	}
	if len(tokens) == 0 {
		return opts
	}
	return opts.WithAuth(extensions.NewTokenAuthProvider(tokens)).WithAuthz(extensions.RoleAuthzProvider{})
}

// LoggingSettings converts the logging section.
func (c SessionplaneConfig) LoggingSettings() logging.Config {
	level, _ := logging.ParseLevel(c.Logging.Level)
	format := logging.Format(c.Logging.Format)
	if format == "" {
		format = logging.FormatAuto
	}
	return logging.Config{
		Level:   level,
		LogDir:  c.Logging.Dir,
		Service: "sessionplane",
		Format:  format,
	}
}
