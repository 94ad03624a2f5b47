// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package api

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/jinterlante1206/sessionplane/services/sessionplane/contingency"
	"github.com/jinterlante1206/sessionplane/services/sessionplane/engine"
	"github.com/jinterlante1206/sessionplane/services/sessionplane/events"
	"github.com/jinterlante1206/sessionplane/services/sessionplane/proxy"
	"github.com/jinterlante1206/sessionplane/services/sessionplane/queue"
	"github.com/jinterlante1206/sessionplane/services/sessionplane/resource"
	"github.com/jinterlante1206/sessionplane/services/sessionplane/schedule"
)

func init() {
	gin.SetMode(gin.TestMode)
}

type testServer struct {
	deps   *engine.Deps
	router *gin.Engine
}

func newTestServer(t *testing.T, settings engine.Settings) *testServer {
	t.Helper()
	if settings.Source == nil {
		settings.Source = resource.StaticSource{CPU: 20, RAM: 30}
	}
	deps, err := engine.Open(context.Background(), settings, nil)
	require.NoError(t, err)
	t.Cleanup(func() { _ = deps.Close() })
	return &testServer{deps: deps, router: NewServer(engine.New(deps)).Router()}
}

func (ts *testServer) request(t *testing.T, method, path string, body any) *http.Request {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		require.NoError(t, json.NewEncoder(&buf).Encode(body))
	}
	req := httptest.NewRequest(method, path, &buf)
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	return req
}

func (ts *testServer) do(t *testing.T, method, path string, body any) *httptest.ResponseRecorder {
	t.Helper()
	w := httptest.NewRecorder()
	ts.router.ServeHTTP(w, ts.request(t, method, path, body))
	return w
}

func decode[T any](t *testing.T, w *httptest.ResponseRecorder) T {
	t.Helper()
	var v T
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &v), w.Body.String())
	return v
}

// =============================================================================
// Routing and errors
// =============================================================================

func TestRouter_RegistersRoutes(t *testing.T) {
	ts := newTestServer(t, engine.Settings{})
	want := []struct{ method, path string }{
		{"GET", "/health"},
		{"GET", "/metrics"},
		{"POST", "/v1/queue/items"},
		{"GET", "/v1/queue/dead-letters"},
		{"POST", "/v1/schedules"},
		{"POST", "/v1/schedules/:id/run"},
		{"POST", "/v1/proxies/select"},
		{"POST", "/v1/selector/train"},
		{"POST", "/v1/sessions/:id/reset"},
		{"PUT", "/v1/contingency/thresholds"},
		{"GET", "/v1/placement"},
		{"GET", "/v1/events/ws"},
		{"GET", "/v1/audit"},
	}
	registered := map[string]bool{}
	for _, r := range ts.router.Routes() {
		registered[r.Method+" "+r.Path] = true
	}
	for _, r := range want {
		assert.True(t, registered[r.method+" "+r.path], "route %s %s not registered", r.method, r.path)
	}
}

func TestStatusFor(t *testing.T) {
	tests := []struct {
		err  error
		want int
	}{
		{queue.ErrQueueFull, http.StatusTooManyRequests},
		{fmt.Errorf("wrapped: %w", schedule.ErrNotFound), http.StatusNotFound},
		{proxy.ErrNotFound, http.StatusNotFound},
		{proxy.ErrPoolEmpty, http.StatusServiceUnavailable},
		{schedule.ErrInvalidCron, http.StatusBadRequest},
		{contingency.ErrInvalidThresholds, http.StatusBadRequest},
		{errors.New("disk on fire"), http.StatusInternalServerError},
	}
	for _, tt := range tests {
		t.Run(tt.err.Error(), func(t *testing.T) {
			assert.Equal(t, tt.want, statusFor(tt.err))
		})
	}
}

func TestHealthAndMetrics(t *testing.T) {
	ts := newTestServer(t, engine.Settings{})
	assert.Equal(t, http.StatusOK, ts.do(t, "GET", "/health", nil).Code)

	w := ts.do(t, "GET", "/metrics", nil)
	assert.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), "sessionplane_queue_depth")
}

// =============================================================================
// Queue
// =============================================================================

func TestEnqueue(t *testing.T) {
	ts := newTestServer(t, engine.Settings{QueueCapacity: 1})

	w := ts.do(t, "POST", "/v1/queue/items", map[string]any{"session_id": "s1", "payload": map[string]any{"url": "https://example.com"}})
	require.Equal(t, http.StatusCreated, w.Code, w.Body.String())
	item := decode[queue.WorkItem](t, w)
	assert.NotEmpty(t, item.ID)
	assert.Equal(t, DefaultPriority, item.Priority)
	assert.Equal(t, engine.DefaultMaxRetries, item.MaxRetries)

	w = ts.do(t, "POST", "/v1/queue/items", map[string]any{"session_id": "s2"})
	assert.Equal(t, http.StatusTooManyRequests, w.Code)

	stats := decode[queue.Stats](t, ts.do(t, "GET", "/v1/queue", nil))
	assert.Equal(t, 1, stats.Pending)

	w = ts.do(t, "DELETE", "/v1/queue/items/"+item.ID, nil)
	assert.Equal(t, http.StatusOK, w.Code)
	w = ts.do(t, "DELETE", "/v1/queue/items/"+item.ID, nil)
	assert.Equal(t, http.StatusNotFound, w.Code)
}

func TestEnqueue_Validation(t *testing.T) {
	ts := newTestServer(t, engine.Settings{})
	tests := []struct {
		name string
		body map[string]any
	}{
		{"missing session", map[string]any{"priority": 1}},
		{"priority too high", map[string]any{"session_id": "s1", "priority": 11}},
		{"priority too low", map[string]any{"session_id": "s1", "priority": 0}},
		{"negative retries", map[string]any{"session_id": "s1", "max_retries": -1}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, http.StatusBadRequest, ts.do(t, "POST", "/v1/queue/items", tt.body).Code)
		})
	}
}

func TestDeadLetterRequeue(t *testing.T) {
	ts := newTestServer(t, engine.Settings{})
	item, err := ts.deps.Queue.Enqueue(queue.WorkItem{SessionID: "s1"}, 3)
	require.NoError(t, err)
	_, err = ts.deps.Queue.Dequeue()
	require.NoError(t, err)
	_, _, err = ts.deps.Queue.Complete(item.ID, false)
	require.NoError(t, err)

	dead := decode[[]queue.DeadLetter](t, ts.do(t, "GET", "/v1/queue/dead-letters", nil))
	require.Len(t, dead, 1)

	w := ts.do(t, "POST", "/v1/queue/dead-letters/"+item.ID+"/requeue", map[string]any{"priority": 2})
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	assert.Equal(t, 2, decode[queue.WorkItem](t, w).Priority)
	assert.Equal(t, 1, ts.deps.Queue.Len())
}

// =============================================================================
// Schedules
// =============================================================================

func TestSchedules(t *testing.T) {
	ts := newTestServer(t, engine.Settings{})

	w := ts.do(t, "POST", "/v1/schedules", map[string]any{
		"schedule_id":   "hourly",
		"trigger":       "0 * * * *",
		"work_template": map[string]any{"session_id": "s1", "max_retries": 2},
	})
	require.Equal(t, http.StatusCreated, w.Code, w.Body.String())
	entry := decode[schedule.Entry](t, w)
	assert.True(t, entry.Enabled)
	assert.False(t, entry.NextRun.IsZero())

	assert.Equal(t, http.StatusBadRequest, ts.do(t, "POST", "/v1/schedules", map[string]any{
		"trigger": "*/5 * * * *", "work_template": map[string]any{"session_id": "s1"},
	}).Code)
	assert.Equal(t, http.StatusNotFound, ts.do(t, "GET", "/v1/schedules/nope", nil).Code)

	w = ts.do(t, "POST", "/v1/schedules/hourly/disable", nil)
	require.Equal(t, http.StatusOK, w.Code)
	assert.False(t, decode[schedule.Entry](t, w).Enabled)

	w = ts.do(t, "POST", "/v1/schedules/hourly/run", nil)
	require.Equal(t, http.StatusAccepted, w.Code, w.Body.String())
	run := decode[queue.WorkItem](t, w)
	assert.Equal(t, "s1", run.SessionID)
	assert.Equal(t, 1, run.Priority)

	list := decode[[]schedule.Entry](t, ts.do(t, "GET", "/v1/schedules", nil))
	require.Len(t, list, 1)
	assert.Equal(t, 1, list[0].RunCount)

	assert.Equal(t, http.StatusNoContent, ts.do(t, "DELETE", "/v1/schedules/hourly", nil).Code)
	assert.Equal(t, http.StatusNotFound, ts.do(t, "DELETE", "/v1/schedules/hourly", nil).Code)
}

// =============================================================================
// Proxies and selector
// =============================================================================

func TestProxies(t *testing.T) {
	ts := newTestServer(t, engine.Settings{})

	assert.Equal(t, http.StatusServiceUnavailable, ts.do(t, "POST", "/v1/proxies/select", nil).Code)

	w := ts.do(t, "POST", "/v1/proxies", map[string]any{"id": "p1", "address": "10.0.0.1", "port": 3128, "username": "u", "password": "secret"})
	require.Equal(t, http.StatusCreated, w.Code, w.Body.String())
	rec := decode[proxy.Record](t, w)
	assert.True(t, rec.Active)
	assert.True(t, rec.HasPassword)
	assert.NotContains(t, w.Body.String(), "secret")

	assert.Equal(t, http.StatusBadRequest, ts.do(t, "POST", "/v1/proxies", map[string]any{"address": "x", "port": 70000}).Code)
	assert.Equal(t, http.StatusBadRequest, ts.do(t, "POST", "/v1/proxies", map[string]any{"address": "x", "port": 80, "kind": "ftp"}).Code)

	w = ts.do(t, "POST", "/v1/proxies/select", map[string]any{"strategy": "round_robin"})
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	sel := decode[proxy.Selection](t, w)
	assert.Equal(t, "p1", sel.Record.ID)
	assert.Equal(t, proxy.ModeRotation, sel.Mode)

	assert.Equal(t, http.StatusBadRequest, ts.do(t, "POST", "/v1/proxies/select", map[string]any{"strategy": "fastest"}).Code)

	w = ts.do(t, "POST", "/v1/proxies/p1/deactivate", nil)
	require.Equal(t, http.StatusOK, w.Code)
	assert.False(t, decode[proxy.Record](t, w).Active)
	assert.Empty(t, decode[[]proxy.Record](t, ts.do(t, "GET", "/v1/proxies?active=true", nil)))
	assert.Len(t, decode[[]proxy.Record](t, ts.do(t, "GET", "/v1/proxies", nil)), 1)

	assert.Equal(t, http.StatusNoContent, ts.do(t, "DELETE", "/v1/proxies/p1", nil).Code)
	assert.Equal(t, http.StatusNotFound, ts.do(t, "GET", "/v1/proxies/p1", nil).Code)
}

func TestSelector(t *testing.T) {
	ts := newTestServer(t, engine.Settings{})

	status := decode[proxy.SelectorStatus](t, ts.do(t, "GET", "/v1/selector", nil))
	assert.Equal(t, proxy.ModeHeuristic, status.Mode)
	assert.False(t, status.ModelAvailable)

	w := ts.do(t, "POST", "/v1/selector/train", nil)
	assert.Equal(t, http.StatusBadRequest, w.Code)
	assert.Contains(t, w.Body.String(), "insufficient")
}

// =============================================================================
// Sessions, thresholds, resources, placement
// =============================================================================

func TestSessions(t *testing.T) {
	ts := newTestServer(t, engine.Settings{})
	assert.Equal(t, http.StatusNotFound, ts.do(t, "GET", "/v1/sessions/s1", nil).Code)
	assert.Equal(t, http.StatusNotFound, ts.do(t, "POST", "/v1/sessions/s1/reset", nil).Code)

	ts.deps.Tracker.RecordFailure("s1", true)
	ts.deps.Tracker.RecordSuccess("s1")

	w := ts.do(t, "GET", "/v1/sessions/s1", nil)
	require.Equal(t, http.StatusOK, w.Code)
	got := decode[map[string]any](t, w)
	assert.Equal(t, 0.5, got["block_rate"])
	assert.Equal(t, "EVICT_PROXY", got["phase"])
	assert.Equal(t, true, got["eligible"])

	assert.Len(t, decode[[]map[string]any](t, ts.do(t, "GET", "/v1/sessions", nil)), 1)
	assert.Equal(t, http.StatusNoContent, ts.do(t, "POST", "/v1/sessions/s1/reset", nil).Code)
	st, _ := ts.deps.Tracker.State("s1")
	assert.Zero(t, st.TotalRequests)

	assert.Equal(t, http.StatusNoContent, ts.do(t, "DELETE", "/v1/sessions/s1", nil).Code)
	assert.Equal(t, http.StatusNotFound, ts.do(t, "GET", "/v1/sessions/s1", nil).Code)
}

func TestContingencyThresholds(t *testing.T) {
	ts := newTestServer(t, engine.Settings{})

	th := decode[contingency.Thresholds](t, ts.do(t, "GET", "/v1/contingency/thresholds", nil))
	assert.Equal(t, contingency.DefaultThresholds(), th)

	bad := th
	bad.BlockRate = 0.9
	assert.Equal(t, http.StatusBadRequest, ts.do(t, "PUT", "/v1/contingency/thresholds", bad).Code)

	good := th
	good.ConsecutiveFailures = 5
	require.Equal(t, http.StatusOK, ts.do(t, "PUT", "/v1/contingency/thresholds", good).Code)
	assert.Equal(t, 5, ts.deps.Tracker.Thresholds().ConsecutiveFailures)
}

func TestResources(t *testing.T) {
	ts := newTestServer(t, engine.Settings{})
	_, err := ts.deps.Sampler.SampleOnce(context.Background())
	require.NoError(t, err)

	got := decode[ResourcesResponse](t, ts.do(t, "GET", "/v1/resources", nil))
	require.Len(t, got.History, 1)
	assert.Equal(t, 20.0, got.History[0].CPUPercent)
	assert.False(t, got.ShouldScaleUp)

	assert.Equal(t, http.StatusBadRequest, ts.do(t, "PUT", "/v1/resources/thresholds",
		resource.Thresholds{CPUPercent: 99, RAMPercent: 80}).Code)
	require.Equal(t, http.StatusOK, ts.do(t, "PUT", "/v1/resources/thresholds",
		resource.Thresholds{CPUPercent: 60, RAMPercent: 70}).Code)
	assert.Equal(t, 60.0, ts.deps.Sampler.Thresholds().CPUPercent)
}

func TestPlacement(t *testing.T) {
	ts := newTestServer(t, engine.Settings{})
	got := decode[PlacementResponse](t, ts.do(t, "GET", "/v1/placement", nil))
	assert.Equal(t, "steady", got.Last.Reason)
	require.Len(t, got.Tiers, 1)
	assert.Equal(t, "local", got.Tiers[0].Name)
	assert.False(t, got.Tiers[0].Available, "no local command configured")
}

// =============================================================================
// WebSocket
// =============================================================================

func TestEventsWebSocket(t *testing.T) {
	ts := newTestServer(t, engine.Settings{})
	srv := httptest.NewServer(ts.router)
	defer srv.Close()

	url := "ws" + strings.TrimPrefix(srv.URL, "http") + "/v1/events/ws?types=" + string(events.TypeScaleUp)
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	require.NoError(t, err)
	defer conn.Close()

	require.Eventually(t, func() bool { return ts.deps.Bus.Subscribers() == 1 }, time.Second, 5*time.Millisecond)

	ts.deps.Bus.Publish(events.Event{Type: events.TypeWorkCompleted, SessionID: "filtered"})
	ts.deps.Bus.Publish(events.Event{Type: events.TypeScaleUp, SessionID: "s1", Message: "scale_up"})

	require.NoError(t, conn.SetReadDeadline(time.Now().Add(2*time.Second)))
	var ev events.Event
	require.NoError(t, conn.ReadJSON(&ev))
	assert.Equal(t, events.TypeScaleUp, ev.Type)
	assert.Equal(t, "s1", ev.SessionID)
	assert.NotEmpty(t, ev.ID)
}
