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
	"encoding/json"
	"fmt"
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/jinterlante1206/sessionplane/services/sessionplane/anomaly"
	"github.com/jinterlante1206/sessionplane/services/sessionplane/contingency"
	"github.com/jinterlante1206/sessionplane/services/sessionplane/placement"
	"github.com/jinterlante1206/sessionplane/services/sessionplane/proxy"
	"github.com/jinterlante1206/sessionplane/services/sessionplane/queue"
	"github.com/jinterlante1206/sessionplane/services/sessionplane/resource"
	"github.com/jinterlante1206/sessionplane/services/sessionplane/schedule"
)

// DefaultPriority applies to enqueue and requeue requests that omit one.
const DefaultPriority = 5

// =============================================================================
// Queue
// =============================================================================

// EnqueueRequest is the body of POST /v1/queue/items.
type EnqueueRequest struct {
	SessionID  string          `json:"session_id" binding:"required"`
	Payload    json.RawMessage `json:"payload,omitempty"`
	Priority   *int            `json:"priority,omitempty" binding:"omitempty,min=1,max=10"`
	MaxRetries *int            `json:"max_retries,omitempty" binding:"omitempty,min=0"`
}

func (s *Server) enqueue(c *gin.Context) {
	var req EnqueueRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		badRequest(c, err)
		return
	}
	priority, retries := DefaultPriority, s.deps.Settings.MaxRetries
	if req.Priority != nil {
		priority = *req.Priority
	}
	if req.MaxRetries != nil {
		retries = *req.MaxRetries
	}
	item, err := s.deps.Queue.Enqueue(queue.WorkItem{
		SessionID:  req.SessionID,
		Payload:    req.Payload,
		MaxRetries: retries,
	}, priority)
	if err != nil {
		s.fail(c, err)
		return
	}
	c.JSON(http.StatusCreated, item)
}

func (s *Server) queueStats(c *gin.Context) {
	c.JSON(http.StatusOK, s.deps.Queue.Stats())
}

func (s *Server) listItems(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{
		"pending":   s.deps.Queue.Pending(),
		"in_flight": s.deps.Queue.InFlightItems(),
	})
}

func (s *Server) removeItem(c *gin.Context) {
	item, err := s.deps.Queue.Remove(c.Param("id"))
	if err != nil {
		s.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, item)
}

func (s *Server) deadLetters(c *gin.Context) {
	c.JSON(http.StatusOK, s.deps.Queue.DeadLetters())
}

// RequeueRequest is the optional body of the requeue route.
type RequeueRequest struct {
	Priority int `json:"priority" binding:"omitempty,min=1,max=10"`
}

func (s *Server) requeue(c *gin.Context) {
	var req RequeueRequest
	if c.Request.ContentLength > 0 {
		if err := c.ShouldBindJSON(&req); err != nil {
			badRequest(c, err)
			return
		}
	}
	if req.Priority == 0 {
		req.Priority = DefaultPriority
	}
	item, err := s.deps.Queue.Requeue(c.Param("id"), req.Priority)
	if err != nil {
		s.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, item)
}

// =============================================================================
// Schedules
// =============================================================================

// ScheduleRequest is the body of POST /v1/schedules.
type ScheduleRequest struct {
	ID           string                `json:"schedule_id,omitempty"`
	Name         string                `json:"name,omitempty"`
	Trigger      string                `json:"trigger" binding:"required"`
	WorkTemplate schedule.WorkTemplate `json:"work_template"`
	Window       schedule.TimeWindow   `json:"time_window"`
	Enabled      *bool                 `json:"enabled,omitempty"`
}

func (s *Server) createSchedule(c *gin.Context) {
	var req ScheduleRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		badRequest(c, err)
		return
	}
	enabled := true
	if req.Enabled != nil {
		enabled = *req.Enabled
	}
	entry, err := s.deps.Scheduler.Add(schedule.Entry{
		ID:           req.ID,
		Name:         req.Name,
		Trigger:      req.Trigger,
		WorkTemplate: req.WorkTemplate,
		Window:       req.Window,
		Enabled:      enabled,
	})
	if err != nil {
		s.fail(c, err)
		return
	}
	c.JSON(http.StatusCreated, entry)
}

func (s *Server) listSchedules(c *gin.Context) {
	c.JSON(http.StatusOK, s.deps.Scheduler.List())
}

func (s *Server) getSchedule(c *gin.Context) {
	entry, err := s.deps.Scheduler.Get(c.Param("id"))
	if err != nil {
		s.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, entry)
}

func (s *Server) deleteSchedule(c *gin.Context) {
	if err := s.deps.Scheduler.Remove(c.Param("id")); err != nil {
		s.fail(c, err)
		return
	}
	c.Status(http.StatusNoContent)
}

func (s *Server) setScheduleEnabled(enabled bool) gin.HandlerFunc {
	return func(c *gin.Context) {
		entry, err := s.deps.Scheduler.SetEnabled(c.Param("id"), enabled)
		if err != nil {
			s.fail(c, err)
			return
		}
		c.JSON(http.StatusOK, entry)
	}
}

func (s *Server) runSchedule(c *gin.Context) {
	item, err := s.deps.Scheduler.RunNow(c.Param("id"))
	if err != nil {
		s.fail(c, err)
		return
	}
	c.JSON(http.StatusAccepted, item)
}

// =============================================================================
// Proxies
// =============================================================================

// ProxyRequest is the body of POST /v1/proxies.
type ProxyRequest struct {
	ID       string `json:"id,omitempty"`
	Address  string `json:"address" binding:"required"`
	Port     int    `json:"port" binding:"required,min=1,max=65535"`
	Kind     string `json:"kind,omitempty" binding:"omitempty,oneof=http https socks5"`
	Username string `json:"username,omitempty"`
	Password string `json:"password,omitempty"`
}

func (s *Server) addProxy(c *gin.Context) {
	var req ProxyRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		badRequest(c, err)
		return
	}
	rec, err := s.deps.Pool.Add(proxy.Record{
		ID:       req.ID,
		Address:  req.Address,
		Port:     req.Port,
		Kind:     proxy.Kind(req.Kind),
		Username: req.Username,
	}, req.Password)
	if err != nil {
		s.fail(c, err)
		return
	}
	c.JSON(http.StatusCreated, rec)
}

func (s *Server) listProxies(c *gin.Context) {
	if c.Query("active") == "true" {
		c.JSON(http.StatusOK, s.deps.Pool.Active())
		return
	}
	c.JSON(http.StatusOK, s.deps.Pool.List())
}

func (s *Server) getProxy(c *gin.Context) {
	rec, err := s.deps.Pool.Get(c.Param("id"))
	if err != nil {
		s.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, rec)
}

func (s *Server) removeProxy(c *gin.Context) {
	if err := s.deps.Pool.Remove(c.Param("id")); err != nil {
		s.fail(c, err)
		return
	}
	c.Status(http.StatusNoContent)
}

func (s *Server) setProxyActive(active bool) gin.HandlerFunc {
	return func(c *gin.Context) {
		rec, err := s.deps.Pool.SetActive(c.Param("id"), active, "operator")
		if err != nil {
			s.fail(c, err)
			return
		}
		c.JSON(http.StatusOK, rec)
	}
}

// SelectRequest is the optional body of POST /v1/proxies/select.
type SelectRequest struct {
	Strategy string `json:"strategy,omitempty"`
}

func (s *Server) selectProxy(c *gin.Context) {
	var req SelectRequest
	if c.Request.ContentLength > 0 {
		if err := c.ShouldBindJSON(&req); err != nil {
			badRequest(c, err)
			return
		}
	}
	strategy := proxy.StrategyAuto
	if req.Strategy != "" {
		var err error
		if strategy, err = proxy.ParseStrategy(req.Strategy); err != nil {
			s.fail(c, err)
			return
		}
	}
	sel, err := s.deps.Selector.Select(c.Request.Context(), strategy)
	if err != nil {
		s.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, sel)
}

func (s *Server) selectorStatus(c *gin.Context) {
	c.JSON(http.StatusOK, s.deps.Selector.Status())
}

func (s *Server) train(c *gin.Context) {
	m, err := s.deps.Selector.Train(c.Request.Context())
	if err != nil {
		s.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"samples":    m.Samples,
		"accuracy":   m.Accuracy,
		"trained_at": m.TrainedAt,
	})
}

// =============================================================================
// Sessions and contingency
// =============================================================================

// SessionResponse is one session's full control-plane view.
type SessionResponse struct {
	contingency.Snapshot
	ProxyID   string             `json:"proxy_id,omitempty"`
	Evicted   []string           `json:"evicted_proxies"`
	Eligible  bool               `json:"eligible"`
	Baselines []anomaly.Baseline `json:"baselines"`
}

func (s *Server) listSessions(c *gin.Context) {
	c.JSON(http.StatusOK, s.deps.Tracker.List())
}

func (s *Server) getSession(c *gin.Context) {
	id := c.Param("id")
	st, ok := s.deps.Tracker.State(id)
	if !ok {
		c.JSON(http.StatusNotFound, ErrorResponse{Error: fmt.Sprintf("session %s not tracked", id)})
		return
	}
	c.JSON(http.StatusOK, SessionResponse{
		Snapshot:  contingency.Snapshot{State: st, Phase: s.deps.Tracker.Phase(id), BlockRate: st.BlockRate()},
		ProxyID:   s.dispatcher.Bindings()[id],
		Evicted:   s.dispatcher.Exclusions(id),
		Eligible:  s.deps.Tracker.Eligible(id),
		Baselines: s.deps.Detector.Baselines(id),
	})
}

func (s *Server) resetSession(c *gin.Context) {
	id := c.Param("id")
	if !s.deps.Tracker.Reset(id) {
		c.JSON(http.StatusNotFound, ErrorResponse{Error: fmt.Sprintf("session %s not tracked", id)})
		return
	}
	c.Status(http.StatusNoContent)
}

func (s *Server) teardownSession(c *gin.Context) {
	s.dispatcher.Teardown(c.Param("id"))
	c.Status(http.StatusNoContent)
}

func (s *Server) contingencyThresholds(c *gin.Context) {
	c.JSON(http.StatusOK, s.deps.Tracker.Thresholds())
}

func (s *Server) setContingencyThresholds(c *gin.Context) {
	var th contingency.Thresholds
	if err := c.ShouldBindJSON(&th); err != nil {
		badRequest(c, err)
		return
	}
	if err := s.deps.Tracker.SetThresholds(th); err != nil {
		s.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, th)
}

// =============================================================================
// Resources and placement
// =============================================================================

// ResourcesResponse is the body of GET /v1/resources.
type ResourcesResponse struct {
	Thresholds      resource.Thresholds `json:"thresholds"`
	History         []resource.Sample   `json:"history"`
	ShouldScaleUp   bool                `json:"should_scale_up"`
	ShouldScaleDown bool                `json:"should_scale_down"`
}

func (s *Server) resources(c *gin.Context) {
	sm := s.deps.Sampler
	c.JSON(http.StatusOK, ResourcesResponse{
		Thresholds:      sm.Thresholds(),
		History:         sm.History(),
		ShouldScaleUp:   sm.ShouldScaleUp(),
		ShouldScaleDown: sm.ShouldScaleDown(),
	})
}

func (s *Server) setResourceThresholds(c *gin.Context) {
	var th resource.Thresholds
	if err := c.ShouldBindJSON(&th); err != nil {
		badRequest(c, err)
		return
	}
	if err := s.deps.Sampler.SetThresholds(th); err != nil {
		s.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, th)
}

// PlacementResponse is the body of GET /v1/placement.
type PlacementResponse struct {
	Last  placement.Decision     `json:"last"`
	Tiers []placement.TierStatus `json:"tiers"`
}

func (s *Server) placement(c *gin.Context) {
	c.JSON(http.StatusOK, PlacementResponse{
		Last:  s.deps.Controller.Last(),
		Tiers: s.deps.Controller.Tiers(c.Request.Context()),
	})
}
