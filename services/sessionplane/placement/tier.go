// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package placement

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/jinterlante1206/sessionplane/services/sessionplane/queue"
)

// Tier names.
const (
	TierLocal     = queue.TierLocal
	TierContainer = "container"
	TierCloud     = "cloud"
)

var (
	// ErrTierUnavailable is returned when a tier cannot execute work.
	ErrTierUnavailable = errors.New("execution tier unavailable")

	// ErrBlocked is returned with a false result when the target refused
	// the session (ban, captcha, 403). It counts toward the block rate.
	ErrBlocked = errors.New("session blocked")
)

// BlockedExitCode is the process exit code that reports a block.
const BlockedExitCode = 75

// Job is what a tier executes.
type Job struct {
	SessionID string          `json:"session_id"`
	ItemID    string          `json:"item_id"`
	Payload   json.RawMessage `json:"payload,omitempty"`

	// ProxyURL is the network identity chosen for the job, with
	// credentials. Empty when no proxy is in use.
	ProxyURL string `json:"proxy_url,omitempty"`
}

// env renders the job as environment variables for process tiers.
func (j Job) env() []string {
	env := []string{
		"SESSIONPLANE_SESSION_ID=" + j.SessionID,
		"SESSIONPLANE_ITEM_ID=" + j.ItemID,
	}
	if j.ProxyURL != "" {
		env = append(env, "SESSIONPLANE_PROXY_URL="+j.ProxyURL)
	}
	return env
}

// Tier is an execution target.
//
// # Description
//
// IsAvailable is a capability check: callers branch on it rather than
// treating an absent runtime as an error. Execute reports the session's
// success. ErrBlocked marks a blocked session; any other error means the
// tier itself failed.
type Tier interface {
	Name() string
	IsAvailable(ctx context.Context) bool
	Execute(ctx context.Context, job Job) (bool, error)
}

// LocalTier runs a command on this host with the payload on stdin.
// Exit code 0 is success and BlockedExitCode is a block.
type LocalTier struct {
	// Command is the executable and its arguments. Required.
	Command []string

	// Runner defaults to ExecRunner.
	Runner Runner
}

// Name returns "local".
func (t *LocalTier) Name() string { return TierLocal }

// IsAvailable reports whether a command is configured and resolvable.
func (t *LocalTier) IsAvailable(context.Context) bool {
	return len(t.Command) > 0 && t.runner().LookPath(t.Command[0])
}

// Execute runs the command.
func (t *LocalTier) Execute(ctx context.Context, job Job) (bool, error) {
	if len(t.Command) == 0 {
		return false, fmt.Errorf("%w: local command not configured", ErrTierUnavailable)
	}
	code, _, err := t.runner().Run(ctx, Command{
		Name:  t.Command[0],
		Args:  t.Command[1:],
		Env:   job.env(),
		Stdin: job.Payload,
	})
	if err != nil {
		return false, fmt.Errorf("local execute: %w", err)
	}
	return exitResult(code)
}

func (t *LocalTier) runner() Runner {
	if t.Runner == nil {
		return ExecRunner{}
	}
	return t.Runner
}

// ContainerTier runs each job in a fresh container with podman or docker.
type ContainerTier struct {
	// Runtime is "podman" or "docker". Empty picks whichever is on PATH,
	// podman first.
	Runtime string

	// Image is the container image. Required.
	Image string

	// Args are passed after the image.
	Args []string

	// ExtraRunArgs are inserted before the image (e.g. "--network=host").
	ExtraRunArgs []string

	// Runner defaults to ExecRunner.
	Runner Runner

	// ProbeTTL caches IsAvailable. Default: 30s.
	ProbeTTL time.Duration

	probe probeCache
}

// Name returns "container".
func (t *ContainerTier) Name() string { return TierContainer }

// IsAvailable reports whether an image is configured and the runtime
// answers "version".
func (t *ContainerTier) IsAvailable(ctx context.Context) bool {
	if t.Image == "" {
		return false
	}
	return t.probe.get(t.ProbeTTL, func() bool {
		rt := t.runtime()
		if rt == "" {
			return false
		}
		pctx, cancel := context.WithTimeout(ctx, 5*time.Second)
		defer cancel()
		code, _, err := t.runner().Run(pctx, Command{Name: rt, Args: []string{"version"}})
		return err == nil && code == 0
	})
}

// Execute runs "<runtime> run --rm -i -e ... <image> <args>".
func (t *ContainerTier) Execute(ctx context.Context, job Job) (bool, error) {
	rt := t.runtime()
	if rt == "" || t.Image == "" {
		return false, fmt.Errorf("%w: no container runtime or image", ErrTierUnavailable)
	}
	args := []string{"run", "--rm", "-i"}
	for _, kv := range job.env() {
		args = append(args, "-e", kv)
	}
	args = append(args, t.ExtraRunArgs...)
	args = append(args, t.Image)
	args = append(args, t.Args...)

	code, _, err := t.runner().Run(ctx, Command{Name: rt, Args: args, Stdin: job.Payload})
	if err != nil {
		return false, fmt.Errorf("container execute: %w", err)
	}
	return exitResult(code)
}

func (t *ContainerTier) runtime() string {
	if t.Runtime != "" {
		return t.Runtime
	}
	for _, rt := range []string{"podman", "docker"} {
		if t.runner().LookPath(rt) {
			return rt
		}
	}
	return ""
}

func (t *ContainerTier) runner() Runner {
	if t.Runner == nil {
		return ExecRunner{}
	}
	return t.Runner
}

func exitResult(code int) (bool, error) {
	switch code {
	case 0:
		return true, nil
	case BlockedExitCode:
		return false, ErrBlocked
	default:
		return false, nil
	}
}

// probeCache memoises an availability probe for a TTL.
type probeCache struct {
	mu      sync.Mutex
	checked time.Time
	ok      bool
}

func (p *probeCache) get(ttl time.Duration, probe func() bool) bool {
	if ttl <= 0 {
		ttl = 30 * time.Second
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	if !p.checked.IsZero() && time.Since(p.checked) < ttl {
		return p.ok
	}
	p.ok = probe()
	p.checked = time.Now()
	return p.ok
}
