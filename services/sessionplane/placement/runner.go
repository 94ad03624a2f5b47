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
	"bytes"
	"context"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"strings"
	"sync"
)

// Command is one process invocation.
type Command struct {
	Name  string
	Args  []string
	Env   []string
	Stdin []byte
}

// Runner executes commands.
//
// # Description
//
// Tiers never call os/exec directly so tests can substitute a
// MockRunner.
type Runner interface {
	// Run executes cmd to completion.
	//
	// # Outputs
	//
	//   - int: Exit code. Non-zero exit is not an error.
	//   - []byte: Combined stdout.
	//   - error: The process could not be started or was killed.
	Run(ctx context.Context, cmd Command) (int, []byte, error)

	// LookPath reports whether name resolves to an executable.
	LookPath(name string) bool
}

// ExecRunner runs real processes with os/exec.
type ExecRunner struct{}

// Run executes cmd. The environment is the current one plus cmd.Env.
func (ExecRunner) Run(ctx context.Context, c Command) (int, []byte, error) {
	cmd := exec.CommandContext(ctx, c.Name, c.Args...)
	cmd.Env = append(os.Environ(), c.Env...)
	if c.Stdin != nil {
		cmd.Stdin = bytes.NewReader(c.Stdin)
	}
	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	err := cmd.Run()
	var exitErr *exec.ExitError
	switch {
	case err == nil:
		return 0, stdout.Bytes(), nil
	case ctx.Err() != nil:
		return -1, stdout.Bytes(), ctx.Err()
	case errors.As(err, &exitErr):
		return exitErr.ExitCode(), stdout.Bytes(), nil
	default:
		if stderr.Len() > 0 {
			return -1, nil, fmt.Errorf("%w: %s", err, strings.TrimSpace(stderr.String()))
		}
		return -1, nil, err
	}
}

// LookPath wraps exec.LookPath.
func (ExecRunner) LookPath(name string) bool {
	_, err := exec.LookPath(name)
	return err == nil
}

// MockRunner records commands and returns scripted results.
type MockRunner struct {
	// RunFunc is called for Run. Nil returns exit 0.
	RunFunc func(ctx context.Context, cmd Command) (int, []byte, error)

	// Paths lists executables LookPath finds.
	Paths map[string]bool

	mu    sync.Mutex
	calls []Command
}

// Run records cmd and delegates to RunFunc.
func (m *MockRunner) Run(ctx context.Context, cmd Command) (int, []byte, error) {
	m.mu.Lock()
	m.calls = append(m.calls, cmd)
	fn := m.RunFunc
	m.mu.Unlock()
	if fn == nil {
		return 0, nil, nil
	}
	return fn(ctx, cmd)
}

// LookPath consults Paths.
func (m *MockRunner) LookPath(name string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.Paths[name]
}

// Calls returns the recorded commands.
func (m *MockRunner) Calls() []Command {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]Command, len(m.calls))
	copy(out, m.calls)
	return out
}
