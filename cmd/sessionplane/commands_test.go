// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package main

import (
	"bytes"
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/jinterlante1206/sessionplane/pkg/extensions"
	"github.com/jinterlante1206/sessionplane/services/sessionplane/api"
	"github.com/jinterlante1206/sessionplane/services/sessionplane/engine"
	"github.com/jinterlante1206/sessionplane/services/sessionplane/resource"
)

func init() {
	gin.SetMode(gin.TestMode)
}

// startServer serves an in-memory control plane and returns its URL.
func startServer(t *testing.T) (*engine.Deps, string) {
	t.Helper()
	deps, err := engine.Open(context.Background(), engine.Settings{
		Source: resource.StaticSource{CPU: 25, RAM: 35},
	}, nil)
	require.NoError(t, err)
	t.Cleanup(func() { _ = deps.Close() })

	srv := httptest.NewServer(api.NewServer(engine.New(deps)).Router())
	t.Cleanup(srv.Close)
	return deps, srv.URL
}

func execute(t *testing.T, url string, args ...string) (string, error) {
	t.Helper()
	apiToken = ""
	var buf bytes.Buffer
	rootCmd.SetOut(&buf)
	rootCmd.SetErr(&buf)
	rootCmd.SetArgs(append(args, "--api", url))
	err := rootCmd.ExecuteContext(context.Background())
	return buf.String(), err
}

func TestQueueCommands(t *testing.T) {
	deps, url := startServer(t)

	out, err := execute(t, url, "queue", "add", "--session", "s1", "--priority", "2", "--payload", `{"url":"https://example.com"}`)
	require.NoError(t, err, out)
	assert.Contains(t, out, `"session_id": "s1"`)
	assert.Contains(t, out, `"priority": 2`)
	assert.Equal(t, 1, deps.Queue.Len())

	out, err = execute(t, url, "queue", "stats")
	require.NoError(t, err)
	assert.Contains(t, out, "pending")

	out, err = execute(t, url, "queue", "list")
	require.NoError(t, err)
	assert.Contains(t, out, "s1")

	_, err = execute(t, url, "queue", "add", "--session", "s2", "--payload", "not json")
	assert.ErrorContains(t, err, "not valid JSON")
	assert.Equal(t, 1, deps.Queue.Len())

	_, err = execute(t, url, "queue", "remove", "missing")
	var apiErr *APIError
	require.ErrorAs(t, err, &apiErr)
	assert.Equal(t, http.StatusNotFound, apiErr.Status)
}

func TestScheduleCommands(t *testing.T) {
	deps, url := startServer(t)

	out, err := execute(t, url, "schedule", "add", "--id", "hourly", "--cron", "0 * * * *", "--session", "s1")
	require.NoError(t, err, out)
	assert.Contains(t, out, `"schedule_id": "hourly"`)

	out, err = execute(t, url, "schedule", "list")
	require.NoError(t, err)
	assert.Contains(t, out, "hourly")

	out, err = execute(t, url, "schedule", "run", "hourly")
	require.NoError(t, err, out)
	assert.Contains(t, out, `"priority": 1`)
	assert.Equal(t, 1, deps.Queue.Len())

	_, err = execute(t, url, "schedule", "disable", "hourly")
	require.NoError(t, err)
	e, err := deps.Scheduler.Get("hourly")
	require.NoError(t, err)
	assert.False(t, e.Enabled)

	out, err = execute(t, url, "schedule", "remove", "hourly")
	require.NoError(t, err)
	assert.Contains(t, out, "ok")

	_, err = execute(t, url, "schedule", "remove", "hourly")
	var apiErr *APIError
	require.ErrorAs(t, err, &apiErr)
	assert.Equal(t, http.StatusNotFound, apiErr.Status)

	_, err = execute(t, url, "schedule", "add", "--id", "bad", "--cron", "*/5 * * * *", "--session", "s1")
	require.ErrorAs(t, err, &apiErr)
	assert.Equal(t, http.StatusBadRequest, apiErr.Status)
}

func TestProxyCommands(t *testing.T) {
	deps, url := startServer(t)

	out, err := execute(t, url, "proxy", "add", "--id", "p1", "--address", "10.0.0.1", "--port", "8080",
		"--username", "user", "--password", "hunter2")
	require.NoError(t, err, out)
	assert.Contains(t, out, `"id": "p1"`)
	assert.NotContains(t, out, "hunter2")

	out, err = execute(t, url, "proxy", "select", "--strategy", "round_robin")
	require.NoError(t, err, out)
	assert.Contains(t, out, `"id": "p1"`)

	_, err = execute(t, url, "proxy", "deactivate", "p1")
	require.NoError(t, err)
	assert.Empty(t, deps.Pool.Active())

	_, err = execute(t, url, "proxy", "select", "--strategy", "round_robin")
	var apiErr *APIError
	require.ErrorAs(t, err, &apiErr)
	assert.Equal(t, http.StatusServiceUnavailable, apiErr.Status)

	_, err = execute(t, url, "proxy", "activate", "p1")
	require.NoError(t, err)
	assert.Len(t, deps.Pool.Active(), 1)
}

func TestContingencyCommands(t *testing.T) {
	deps, url := startServer(t)
	deps.Tracker.RecordSuccess("s1")

	out, err := execute(t, url, "contingency", "list")
	require.NoError(t, err)
	assert.Contains(t, out, "s1")

	out, err = execute(t, url, "contingency", "show", "s1")
	require.NoError(t, err, out)
	assert.Contains(t, out, `"eligible": true`)

	out, err = execute(t, url, "contingency", "thresholds", "--block-rate", "0.2")
	require.NoError(t, err, out)
	assert.Equal(t, 0.2, deps.Tracker.Thresholds().BlockRate)
	assert.Equal(t, 3, deps.Tracker.Thresholds().ConsecutiveFailures)

	_, err = execute(t, url, "contingency", "teardown", "s1")
	require.NoError(t, err)
	_, ok := deps.Tracker.State("s1")
	assert.False(t, ok)
}

func TestStatusCommand(t *testing.T) {
	deps, url := startServer(t)
	_, err := deps.Sampler.SampleOnce(context.Background())
	require.NoError(t, err)

	out, err := execute(t, url, "status")
	require.NoError(t, err, out)
	assert.Contains(t, out, `"queue"`)
	assert.Contains(t, out, `"cpu_percent": 25`)
	assert.Contains(t, out, `"placement"`)
}

func TestTrainCommand_InsufficientData(t *testing.T) {
	_, url := startServer(t)

	_, err := execute(t, url, "train")
	var apiErr *APIError
	require.ErrorAs(t, err, &apiErr)
	assert.Equal(t, http.StatusBadRequest, apiErr.Status)
}

func TestAPIClient_Errors(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case "/full":
			w.WriteHeader(http.StatusTooManyRequests)
			_, _ = w.Write([]byte(`{"error":"queue full"}`))
		default:
			w.WriteHeader(http.StatusBadGateway)
			_, _ = w.Write([]byte("upstream down"))
		}
	}))
	defer srv.Close()
	c := newAPIClient(srv.URL, "")

	err := c.do(context.Background(), "GET", "/full", nil, nil)
	var apiErr *APIError
	require.True(t, errors.As(err, &apiErr))
	assert.Equal(t, http.StatusTooManyRequests, apiErr.Status)
	assert.Equal(t, "queue full", apiErr.Message)

	err = c.do(context.Background(), "GET", "/other", nil, nil)
	require.True(t, errors.As(err, &apiErr))
	assert.Equal(t, "upstream down", apiErr.Message)
}

func TestNewAPIClient_AddsScheme(t *testing.T) {
	assert.Equal(t, "http://127.0.0.1:8470", newAPIClient("127.0.0.1:8470", "").baseURL)
	assert.Equal(t, "https://cp.example.com", newAPIClient("https://cp.example.com/", "").baseURL)
}

func TestAuditCommand_WithToken(t *testing.T) {
	deps, err := engine.Open(context.Background(), engine.Settings{
		Source: resource.StaticSource{CPU: 25, RAM: 35},
	}, nil)
	require.NoError(t, err)
	t.Cleanup(func() { _ = deps.Close() })

	opts := extensions.DefaultOptions().
		WithAuth(extensions.NewTokenAuthProvider(map[string]extensions.AuthInfo{
			"s3cret": {UserID: "ops", Roles: []string{extensions.RoleAdmin}},
		})).
		WithAuthz(extensions.RoleAuthzProvider{}).
		WithAudit(extensions.NewMemoryAuditLogger(10, nil))
	srv := httptest.NewServer(api.NewServer(engine.New(deps)).WithExtensions(opts).Router())
	t.Cleanup(srv.Close)

	_, err = execute(t, srv.URL, "queue", "stats", "--token", "")
	var apiErr *APIError
	require.ErrorAs(t, err, &apiErr)
	assert.Equal(t, http.StatusUnauthorized, apiErr.Status)

	_, err = execute(t, srv.URL, "queue", "add", "--session", "s9", "--payload", "", "--token", "s3cret")
	require.NoError(t, err)

	out, err := execute(t, srv.URL, "audit", "--token", "s3cret")
	require.NoError(t, err, out)
	assert.Contains(t, out, `"user_id": "ops"`)
	assert.Contains(t, out, `"resource_type": "queue"`)
}
