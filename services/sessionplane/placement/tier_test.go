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
	"net/http"
	"net/http/httptest"
	"os/exec"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestExecRunner_ExitCodes(t *testing.T) {
	if _, err := exec.LookPath("sh"); err != nil {
		t.Skip("sh not available")
	}
	r := ExecRunner{}

	code, out, err := r.Run(context.Background(), Command{Name: "sh", Args: []string{"-c", "cat; exit 3"}, Stdin: []byte("hello")})
	require.NoError(t, err)
	assert.Equal(t, 3, code)
	assert.Equal(t, "hello", string(out))

	code, out, err = r.Run(context.Background(), Command{
		Name: "sh",
		Args: []string{"-c", `printf %s "$SESSIONPLANE_TEST"`},
		Env:  []string{"SESSIONPLANE_TEST=value"},
	})
	require.NoError(t, err)
	assert.Equal(t, 0, code)
	assert.Equal(t, "value", string(out))

	_, _, err = r.Run(context.Background(), Command{Name: "definitely-not-a-binary-xyz"})
	assert.Error(t, err)
	assert.False(t, r.LookPath("definitely-not-a-binary-xyz"))
}

func TestMockRunner_RecordsCalls(t *testing.T) {
	m := &MockRunner{Paths: map[string]bool{"podman": true}}
	code, _, err := m.Run(context.Background(), Command{Name: "x"})
	require.NoError(t, err)
	assert.Equal(t, 0, code)
	assert.True(t, m.LookPath("podman"))
	assert.False(t, m.LookPath("docker"))
	require.Len(t, m.Calls(), 1)
	assert.Equal(t, "x", m.Calls()[0].Name)
}

func TestLocalTier_Execute(t *testing.T) {
	m := &MockRunner{
		Paths: map[string]bool{"worker": true},
		RunFunc: func(_ context.Context, cmd Command) (int, []byte, error) {
			if string(cmd.Stdin) == `{"fail":true}` {
				return 1, nil, nil
			}
			return 0, nil, nil
		},
	}
	tier := &LocalTier{Command: []string{"worker", "--once"}, Runner: m}
	ctx := context.Background()

	assert.Equal(t, TierLocal, tier.Name())
	assert.True(t, tier.IsAvailable(ctx))

	ok, err := tier.Execute(ctx, Job{SessionID: "s1", ItemID: "w1", Payload: json.RawMessage(`{"n":1}`), ProxyURL: "http://p:1"})
	require.NoError(t, err)
	assert.True(t, ok)

	ok, err = tier.Execute(ctx, Job{SessionID: "s1", ItemID: "w2", Payload: json.RawMessage(`{"fail":true}`)})
	require.NoError(t, err)
	assert.False(t, ok)

	calls := m.Calls()
	require.Len(t, calls, 2)
	assert.Equal(t, "worker", calls[0].Name)
	assert.Equal(t, []string{"--once"}, calls[0].Args)
	assert.Contains(t, calls[0].Env, "SESSIONPLANE_SESSION_ID=s1")
	assert.Contains(t, calls[0].Env, "SESSIONPLANE_ITEM_ID=w1")
	assert.Contains(t, calls[0].Env, "SESSIONPLANE_PROXY_URL=http://p:1")
	assert.Len(t, calls[1].Env, 2)
}

func TestLocalTier_BlockedExitCode(t *testing.T) {
	tier := &LocalTier{Command: []string{"worker"}, Runner: &MockRunner{
		RunFunc: func(context.Context, Command) (int, []byte, error) { return BlockedExitCode, nil, nil },
	}}
	ok, err := tier.Execute(context.Background(), Job{SessionID: "s1"})
	assert.False(t, ok)
	assert.ErrorIs(t, err, ErrBlocked)
}

func TestLocalTier_Unconfigured(t *testing.T) {
	tier := &LocalTier{Runner: &MockRunner{}}
	assert.False(t, tier.IsAvailable(context.Background()))
	_, err := tier.Execute(context.Background(), Job{})
	assert.True(t, errors.Is(err, ErrTierUnavailable))
}

func TestLocalTier_RunnerError(t *testing.T) {
	boom := errors.New("killed")
	tier := &LocalTier{Command: []string{"worker"}, Runner: &MockRunner{
		RunFunc: func(context.Context, Command) (int, []byte, error) { return -1, nil, boom },
	}}
	_, err := tier.Execute(context.Background(), Job{})
	assert.ErrorIs(t, err, boom)
}

func TestContainerTier_PrefersPodman(t *testing.T) {
	m := &MockRunner{Paths: map[string]bool{"podman": true, "docker": true}}
	tier := &ContainerTier{Image: "worker:latest", Args: []string{"--once"}, ExtraRunArgs: []string{"--network=host"}, Runner: m}

	assert.True(t, tier.IsAvailable(context.Background()))
	ok, err := tier.Execute(context.Background(), Job{SessionID: "s1", ItemID: "w1"})
	require.NoError(t, err)
	assert.True(t, ok)

	calls := m.Calls()
	require.Len(t, calls, 2)
	assert.Equal(t, Command{Name: "podman", Args: []string{"version"}}, calls[0])
	assert.Equal(t, "podman", calls[1].Name)
	assert.Equal(t, []string{
		"run", "--rm", "-i",
		"-e", "SESSIONPLANE_SESSION_ID=s1",
		"-e", "SESSIONPLANE_ITEM_ID=w1",
		"--network=host", "worker:latest", "--once",
	}, calls[1].Args)
}

func TestContainerTier_FallsBackToDocker(t *testing.T) {
	m := &MockRunner{Paths: map[string]bool{"docker": true}}
	tier := &ContainerTier{Image: "worker", Runner: m}
	_, err := tier.Execute(context.Background(), Job{SessionID: "s1"})
	require.NoError(t, err)
	assert.Equal(t, "docker", m.Calls()[0].Name)
}

func TestContainerTier_Unavailable(t *testing.T) {
	ctx := context.Background()

	noRuntime := &ContainerTier{Image: "worker", Runner: &MockRunner{}}
	assert.False(t, noRuntime.IsAvailable(ctx))
	_, err := noRuntime.Execute(ctx, Job{})
	assert.ErrorIs(t, err, ErrTierUnavailable)

	noImage := &ContainerTier{Runner: &MockRunner{Paths: map[string]bool{"docker": true}}}
	assert.False(t, noImage.IsAvailable(ctx))

	broken := &ContainerTier{Image: "worker", Runner: &MockRunner{
		Paths:   map[string]bool{"docker": true},
		RunFunc: func(context.Context, Command) (int, []byte, error) { return 125, nil, nil },
	}}
	assert.False(t, broken.IsAvailable(ctx))
}

func TestContainerTier_ProbeIsCached(t *testing.T) {
	m := &MockRunner{Paths: map[string]bool{"podman": true}}
	tier := &ContainerTier{Image: "worker", Runner: m}
	for i := 0; i < 5; i++ {
		assert.True(t, tier.IsAvailable(context.Background()))
	}
	assert.Len(t, m.Calls(), 1)
}

func newCloudServer(t *testing.T, handler http.HandlerFunc) *CloudTier {
	t.Helper()
	srv := httptest.NewServer(handler)
	t.Cleanup(srv.Close)
	return NewCloudTier(CloudConfig{Endpoint: srv.URL + "/", Token: "secret", RequestsPerSecond: 100, Burst: 10}, srv.Client())
}

func TestCloudTier_Execute(t *testing.T) {
	var got Job
	tier := newCloudServer(t, func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case "/healthz":
			w.WriteHeader(http.StatusOK)
		case "/v1/execute":
			assert.Equal(t, http.MethodPost, r.Method)
			assert.Equal(t, "Bearer secret", r.Header.Get("Authorization"))
			assert.NoError(t, json.NewDecoder(r.Body).Decode(&got))
			_ = json.NewEncoder(w).Encode(map[string]any{
				"success": got.ItemID == "w1",
				"blocked": got.ItemID == "w3",
			})
		default:
			http.NotFound(w, r)
		}
	})
	ctx := context.Background()

	assert.Equal(t, TierCloud, tier.Name())
	assert.True(t, tier.IsAvailable(ctx))

	ok, err := tier.Execute(ctx, Job{SessionID: "s1", ItemID: "w1", ProxyURL: "http://p:1"})
	require.NoError(t, err)
	assert.True(t, ok)
	assert.Equal(t, "s1", got.SessionID)
	assert.Equal(t, "http://p:1", got.ProxyURL)

	ok, err = tier.Execute(ctx, Job{SessionID: "s1", ItemID: "w2"})
	require.NoError(t, err)
	assert.False(t, ok)

	ok, err = tier.Execute(ctx, Job{SessionID: "s1", ItemID: "w3"})
	assert.False(t, ok)
	assert.ErrorIs(t, err, ErrBlocked)
}

func TestCloudTier_StatusMapping(t *testing.T) {
	tests := []struct {
		name    string
		status  int
		wantErr bool
	}{
		{"server error is a tier failure", http.StatusBadGateway, true},
		{"rate limited is a tier failure", http.StatusTooManyRequests, true},
		{"client error is a session failure", http.StatusForbidden, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			tier := newCloudServer(t, func(w http.ResponseWriter, r *http.Request) {
				http.Error(w, "nope", tt.status)
			})
			ok, err := tier.Execute(context.Background(), Job{SessionID: "s1"})
			assert.False(t, ok)
			assert.Equal(t, tt.wantErr, err != nil)
		})
	}
}

func TestCloudTier_Unconfigured(t *testing.T) {
	tier := NewCloudTier(CloudConfig{}, nil)
	assert.False(t, tier.IsAvailable(context.Background()))
	_, err := tier.Execute(context.Background(), Job{})
	assert.ErrorIs(t, err, ErrTierUnavailable)
}

func TestCloudTier_UnhealthyEndpoint(t *testing.T) {
	tier := newCloudServer(t, func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusServiceUnavailable)
	})
	assert.False(t, tier.IsAvailable(context.Background()))
}
