// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package resource

import (
	"context"
	"fmt"

	influxdb2 "github.com/influxdata/influxdb-client-go/v2"
	"github.com/influxdata/influxdb-client-go/v2/api"
)

// Sink receives every sample.
type Sink interface {
	Write(ctx context.Context, s Sample) error
}

// InfluxConfig locates an InfluxDB v2 bucket.
type InfluxConfig struct {
	URL    string `yaml:"url"`
	Token  string `yaml:"token"`
	Org    string `yaml:"org"`
	Bucket string `yaml:"bucket"`

	// Host tags every point. Default: "local".
	Host string `yaml:"host"`
}

// InfluxSink writes samples to the "host_resources" measurement.
type InfluxSink struct {
	client   influxdb2.Client
	writeAPI api.WriteAPIBlocking
	host     string
}

// NewInfluxSink creates a blocking-write sink.
func NewInfluxSink(cfg InfluxConfig) (*InfluxSink, error) {
	if cfg.URL == "" || cfg.Bucket == "" || cfg.Org == "" {
		return nil, fmt.Errorf("influx sink: url, org and bucket are required")
	}
	if cfg.Host == "" {
		cfg.Host = "local"
	}
	client := influxdb2.NewClient(cfg.URL, cfg.Token)
	return &InfluxSink{
		client:   client,
		writeAPI: client.WriteAPIBlocking(cfg.Org, cfg.Bucket),
		host:     cfg.Host,
	}, nil
}

// Write stores one sample.
func (s *InfluxSink) Write(ctx context.Context, smp Sample) error {
	p := influxdb2.NewPointWithMeasurement("host_resources").
		AddTag("host", s.host).
		AddField("cpu_percent", smp.CPUPercent).
		AddField("ram_percent", smp.RAMPercent).
		SetTime(smp.Timestamp)
	return s.writeAPI.WritePoint(ctx, p)
}

// Close releases the client.
func (s *InfluxSink) Close() {
	s.client.Close()
}
