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
	"errors"
	"net/http"
	"strconv"
	"strings"

	"github.com/gin-gonic/gin"

	"github.com/jinterlante1206/sessionplane/pkg/extensions"
)

const authInfoKey = "auth_info"

// WithExtensions replaces the auth, authz and audit hooks. Call before
// Router.
func (s *Server) WithExtensions(opts extensions.ServiceOptions) *Server {
	s.ext = opts.Normalized()
	return s
}

// authenticate resolves the caller from "Authorization: Bearer <token>",
// or the access_token query parameter for websocket clients.
func (s *Server) authenticate() gin.HandlerFunc {
	return func(c *gin.Context) {
		token := strings.TrimSpace(strings.TrimPrefix(c.GetHeader("Authorization"), "Bearer "))
		if token == "" {
			token = c.Query("access_token")
		}
		info, err := s.ext.AuthProvider.Validate(c.Request.Context(), token)
		if err != nil {
			if !errors.Is(err, extensions.ErrUnauthorized) {
				s.fail(c, err)
				c.Abort()
				return
			}
			s.audit(c, "auth.failed", nil, "denied")
			c.AbortWithStatusJSON(http.StatusUnauthorized, ErrorResponse{Error: err.Error()})
			return
		}
		c.Set(authInfoKey, info)
		c.Next()
	}
}

// authorize checks the caller against the route and audits every
// non-GET request once the handler has run.
func (s *Server) authorize() gin.HandlerFunc {
	return func(c *gin.Context) {
		info := authInfo(c)
		req := extensions.AuthzRequest{
			User:         info,
			Action:       actionFor(c.Request.Method),
			ResourceType: resourceType(c.FullPath()),
			ResourceID:   c.Param("id"),
		}
		if err := s.ext.AuthzProvider.Authorize(c.Request.Context(), req); err != nil {
			s.audit(c, "authz.denied", info, "denied")
			c.AbortWithStatusJSON(http.StatusForbidden, ErrorResponse{Error: err.Error()})
			return
		}
		c.Next()
		if req.Action == extensions.ActionRead {
			return
		}
		outcome := "success"
		if c.Writer.Status() >= http.StatusBadRequest {
			outcome = "failure"
		}
		s.audit(c, "api.request", info, outcome)
	}
}

func (s *Server) audit(c *gin.Context, eventType string, info *extensions.AuthInfo, outcome string) {
	ev := extensions.AuditEvent{
		EventType:    eventType,
		Timestamp:    s.deps.Clock.Now().UTC(),
		Action:       actionFor(c.Request.Method),
		ResourceType: resourceType(c.FullPath()),
		ResourceID:   c.Param("id"),
		Outcome:      outcome,
		Metadata: map[string]any{
			"method": c.Request.Method,
			"path":   c.Request.URL.Path,
			"status": c.Writer.Status(),
		},
	}
	if info != nil {
		ev.UserID = info.UserID
	}
	if err := s.ext.AuditLogger.Log(c.Request.Context(), ev); err != nil {
		s.logger.Warn("audit log failed", "event_type", eventType, "error", err)
	}
}

func authInfo(c *gin.Context) *extensions.AuthInfo {
	v, ok := c.Get(authInfoKey)
	if !ok {
		return nil
	}
	info, _ := v.(*extensions.AuthInfo)
	return info
}

func actionFor(method string) string {
	switch method {
	case http.MethodGet, http.MethodHead, http.MethodOptions:
		return extensions.ActionRead
	case http.MethodPut, http.MethodPatch:
		return extensions.ActionUpdate
	case http.MethodDelete:
		return extensions.ActionDelete
	default:
		return extensions.ActionCreate
	}
}

// resourceType is the first path segment after /v1.
func resourceType(fullPath string) string {
	rest := strings.TrimPrefix(fullPath, "/v1/")
	if i := strings.IndexByte(rest, '/'); i >= 0 {
		rest = rest[:i]
	}
	return rest
}

// listAudit serves GET /v1/audit?user=&resource_type=&outcome=&limit=.
func (s *Server) listAudit(c *gin.Context) {
	filter := extensions.AuditFilter{
		UserID:       c.Query("user"),
		ResourceType: c.Query("resource_type"),
		Outcome:      c.Query("outcome"),
		Limit:        100,
	}
	if v := c.Query("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n < 0 {
			c.JSON(http.StatusBadRequest, ErrorResponse{Error: "limit must be a non-negative integer"})
			return
		}
		filter.Limit = n
	}
	events, err := s.ext.AuditLogger.Query(c.Request.Context(), filter)
	if err != nil {
		s.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, events)
}
