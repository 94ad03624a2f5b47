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
	"errors"
	"fmt"
	"sync"

	"github.com/prometheus/procfs"
)

// ErrUnavailable is returned when a source cannot read the host.
var ErrUnavailable = errors.New("resource source unavailable")

// Source reads host CPU and RAM utilisation.
type Source interface {
	// Read returns utilisation percentages in [0, 100].
	Read(ctx context.Context) (cpuPct, ramPct float64, err error)
}

// ProcfsSource reads /proc/stat and /proc/meminfo.
//
// # Description
//
// CPU utilisation is the busy share of jiffies since the previous Read;
// the first Read measures since boot. RAM utilisation is
// (MemTotal - MemAvailable) / MemTotal.
//
// # Thread Safety
//
// Safe for concurrent use.
type ProcfsSource struct {
	fs procfs.FS

	mu        sync.Mutex
	prevBusy  float64
	prevTotal float64
}

// NewProcfsSource opens procfs at mountPoint. Empty means /proc.
func NewProcfsSource(mountPoint string) (*ProcfsSource, error) {
	if mountPoint == "" {
		mountPoint = procfs.DefaultMountPoint
	}
	fs, err := procfs.NewFS(mountPoint)
	if err != nil {
		return nil, fmt.Errorf("%w: open procfs %s: %v", ErrUnavailable, mountPoint, err)
	}
	return &ProcfsSource{fs: fs}, nil
}

// Read samples the host.
func (s *ProcfsSource) Read(ctx context.Context) (float64, float64, error) {
	if err := ctx.Err(); err != nil {
		return 0, 0, err
	}
	stat, err := s.fs.Stat()
	if err != nil {
		return 0, 0, fmt.Errorf("read /proc/stat: %w", err)
	}
	mem, err := s.fs.Meminfo()
	if err != nil {
		return 0, 0, fmt.Errorf("read /proc/meminfo: %w", err)
	}

	c := stat.CPUTotal
	idle := c.Idle + c.Iowait
	busy := c.User + c.Nice + c.System + c.IRQ + c.SoftIRQ + c.Steal
	total := idle + busy

	s.mu.Lock()
	dBusy, dTotal := busy-s.prevBusy, total-s.prevTotal
	s.prevBusy, s.prevTotal = busy, total
	s.mu.Unlock()

	cpu := 0.0
	if dTotal > 0 {
		cpu = clampPct(dBusy / dTotal * 100)
	}

	if mem.MemTotal == nil || *mem.MemTotal == 0 || mem.MemAvailable == nil {
		return cpu, 0, fmt.Errorf("%w: meminfo lacks MemTotal/MemAvailable", ErrUnavailable)
	}
	ram := clampPct(float64(*mem.MemTotal-*mem.MemAvailable) / float64(*mem.MemTotal) * 100)
	return cpu, ram, nil
}

// StaticSource returns fixed values. Useful for dry runs and tests.
type StaticSource struct {
	CPU float64
	RAM float64
	Err error
}

// Read returns the configured values.
func (s StaticSource) Read(context.Context) (float64, float64, error) {
	return s.CPU, s.RAM, s.Err
}

func clampPct(v float64) float64 {
	switch {
	case v < 0:
		return 0
	case v > 100:
		return 100
	default:
		return v
	}
}
