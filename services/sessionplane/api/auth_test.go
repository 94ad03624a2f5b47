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
	"context"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/jinterlante1206/sessionplane/pkg/extensions"
	"github.com/jinterlante1206/sessionplane/services/sessionplane/engine"
	"github.com/jinterlante1206/sessionplane/services/sessionplane/resource"
)

func newSecuredServer(t *testing.T) (*testServer, *extensions.MemoryAuditLogger) {
	t.Helper()
	deps, err := engine.Open(context.Background(), engine.Settings{
		Source: resource.StaticSource{CPU: 20, RAM: 30},
	}, nil)
	require.NoError(t, err)
	t.Cleanup(func() { _ = deps.Close() })

	audit := extensions.NewMemoryAuditLogger(100, nil)
	srv := NewServer(engine.New(deps)).WithExtensions(extensions.ServiceOptions{
		AuthProvider: extensions.NewTokenAuthProvider(map[string]extensions.AuthInfo{
			"admin-token": {UserID: "ops", Roles: []string{extensions.RoleAdmin}},
			"view-token":  {UserID: "dash", Roles: []string{extensions.RoleViewer}},
		}),
		AuthzProvider: extensions.RoleAuthzProvider{},
		AuditLogger:   audit,
	})
	return &testServer{deps: deps, router: srv.Router()}, audit
}

func (ts *testServer) doAs(t *testing.T, token, method, path string, body any) *httptest.ResponseRecorder {
	t.Helper()
	req := ts.request(t, method, path, body)
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	w := httptest.NewRecorder()
	ts.router.ServeHTTP(w, req)
	return w
}

func TestAuth_OpenRoutesSkipAuth(t *testing.T) {
	ts, _ := newSecuredServer(t)
	assert.Equal(t, http.StatusOK, ts.doAs(t, "", "GET", "/health", nil).Code)
	assert.Equal(t, http.StatusOK, ts.doAs(t, "", "GET", "/metrics", nil).Code)
}

func TestAuth_RequiresToken(t *testing.T) {
	ts, audit := newSecuredServer(t)

	w := ts.doAs(t, "", "GET", "/v1/queue", nil)
	assert.Equal(t, http.StatusUnauthorized, w.Code)
	w = ts.doAs(t, "wrong", "GET", "/v1/queue", nil)
	assert.Equal(t, http.StatusUnauthorized, w.Code)

	events, err := audit.Query(context.Background(), extensions.AuditFilter{EventTypes: []string{"auth.failed"}})
	require.NoError(t, err)
	assert.Len(t, events, 2)
}

func TestAuth_QueryTokenForWebsocketClients(t *testing.T) {
	ts, _ := newSecuredServer(t)
	w := ts.doAs(t, "", "GET", "/v1/queue?access_token=view-token", nil)
	assert.Equal(t, http.StatusOK, w.Code)
}

func TestAuthz_ViewerIsReadOnly(t *testing.T) {
	ts, audit := newSecuredServer(t)

	assert.Equal(t, http.StatusOK, ts.doAs(t, "view-token", "GET", "/v1/queue", nil).Code)

	w := ts.doAs(t, "view-token", "POST", "/v1/queue/items", map[string]any{"session_id": "s1"})
	assert.Equal(t, http.StatusForbidden, w.Code)
	assert.Zero(t, ts.deps.Queue.Len())

	denied, err := audit.Query(context.Background(), extensions.AuditFilter{EventTypes: []string{"authz.denied"}})
	require.NoError(t, err)
	require.Len(t, denied, 1)
	assert.Equal(t, "dash", denied[0].UserID)
	assert.Equal(t, "queue", denied[0].ResourceType)
	assert.Equal(t, extensions.ActionCreate, denied[0].Action)
}

func TestAudit_RecordsMutations(t *testing.T) {
	ts, audit := newSecuredServer(t)

	w := ts.doAs(t, "admin-token", "POST", "/v1/queue/items", map[string]any{"session_id": "s1"})
	require.Equal(t, http.StatusCreated, w.Code, w.Body.String())
	w = ts.doAs(t, "admin-token", "DELETE", "/v1/proxies/missing", nil)
	require.Equal(t, http.StatusNotFound, w.Code)
	ts.doAs(t, "admin-token", "GET", "/v1/queue", nil)

	events, err := audit.Query(context.Background(), extensions.AuditFilter{EventTypes: []string{"api.request"}})
	require.NoError(t, err)
	require.Len(t, events, 2, "reads are not audited")

	assert.Equal(t, "proxies", events[0].ResourceType)
	assert.Equal(t, "missing", events[0].ResourceID)
	assert.Equal(t, "failure", events[0].Outcome)
	assert.Equal(t, extensions.ActionDelete, events[0].Action)

	assert.Equal(t, "queue", events[1].ResourceType)
	assert.Equal(t, "success", events[1].Outcome)
	assert.Equal(t, "ops", events[1].UserID)

	w = ts.doAs(t, "admin-token", "GET", "/v1/audit?resource_type=queue", nil)
	require.Equal(t, http.StatusOK, w.Code)
	listed := decode[[]extensions.AuditEvent](t, w)
	require.Len(t, listed, 1)
	assert.Equal(t, "s1", ts.deps.Queue.Pending()[0].SessionID)

	w = ts.doAs(t, "admin-token", "GET", "/v1/audit?limit=x", nil)
	assert.Equal(t, http.StatusBadRequest, w.Code)
}

func TestResourceType(t *testing.T) {
	tests := map[string]string{
		"/v1/queue/items/:id":        "queue",
		"/v1/contingency/thresholds": "contingency",
		"/v1/placement":              "placement",
		"":                           "",
	}
	for in, want := range tests {
		assert.Equal(t, want, resourceType(in), in)
	}
}

func TestActionFor(t *testing.T) {
	assert.Equal(t, extensions.ActionRead, actionFor(http.MethodGet))
	assert.Equal(t, extensions.ActionCreate, actionFor(http.MethodPost))
	assert.Equal(t, extensions.ActionUpdate, actionFor(http.MethodPut))
	assert.Equal(t, extensions.ActionDelete, actionFor(http.MethodDelete))
}
