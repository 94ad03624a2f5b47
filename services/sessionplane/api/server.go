// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package api serves the control-plane admin API.
//
// # Routes
//
//	GET    /health
//	GET    /metrics
//	POST   /v1/queue/items               enqueue work
//	GET    /v1/queue                     queue stats
//	GET    /v1/queue/items               pending and in-flight items
//	DELETE /v1/queue/items/:id           drop a pending item
//	GET    /v1/queue/dead-letters        terminally failed items
//	POST   /v1/queue/dead-letters/:id/requeue
//	POST   /v1/schedules                 create a schedule
//	GET    /v1/schedules, /v1/schedules/:id
//	DELETE /v1/schedules/:id
//	POST   /v1/schedules/:id/enable, /disable, /run
//	POST   /v1/proxies                   add a proxy
//	GET    /v1/proxies, /v1/proxies/:id
//	DELETE /v1/proxies/:id
//	POST   /v1/proxies/:id/activate, /deactivate
//	POST   /v1/proxies/select            select a proxy now
//	GET    /v1/selector                  ranking mode and model status
//	POST   /v1/selector/train            train the ranking model
//	GET    /v1/sessions                  contingency state of every session
//	GET    /v1/sessions/:id              one session with proxy binding and baselines
//	POST   /v1/sessions/:id/reset        operator reset
//	DELETE /v1/sessions/:id              teardown
//	GET    /v1/contingency/thresholds, PUT to change
//	GET    /v1/resources                 host history and scale signals
//	PUT    /v1/resources/thresholds
//	GET    /v1/placement                 last decision and tier availability
//	GET    /v1/events/ws                 websocket event stream
//	GET    /v1/audit                     recorded mutating requests
//
// Every /v1 route passes the authentication, authorization and audit
// hooks of pkg/extensions. /health and /metrics are open.
package api

import (
	"errors"
	"log/slog"
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.opentelemetry.io/contrib/instrumentation/github.com/gin-gonic/gin/otelgin"

	"github.com/jinterlante1206/sessionplane/pkg/extensions"
	"github.com/jinterlante1206/sessionplane/pkg/validation"
	"github.com/jinterlante1206/sessionplane/services/sessionplane/anomaly"
	"github.com/jinterlante1206/sessionplane/services/sessionplane/contingency"
	"github.com/jinterlante1206/sessionplane/services/sessionplane/engine"
	"github.com/jinterlante1206/sessionplane/services/sessionplane/placement"
	"github.com/jinterlante1206/sessionplane/services/sessionplane/proxy"
	"github.com/jinterlante1206/sessionplane/services/sessionplane/queue"
	"github.com/jinterlante1206/sessionplane/services/sessionplane/resource"
	"github.com/jinterlante1206/sessionplane/services/sessionplane/schedule"
)

// Server holds the handlers' dependencies.
type Server struct {
	deps       *engine.Deps
	dispatcher *engine.Dispatcher
	ext        extensions.ServiceOptions
	logger     *slog.Logger
}

// NewServer creates a Server over a built engine. Every request is
// allowed until WithExtensions installs other hooks.
func NewServer(eng *engine.Engine) *Server {
	deps := eng.Deps()
	return &Server{
		deps:       deps,
		dispatcher: eng.Dispatcher(),
		ext:        extensions.DefaultOptions(),
		logger:     deps.Logger.With("component", "api"),
	}
}

// Router builds the gin engine with every route registered.
func (s *Server) Router() *gin.Engine {
	router := gin.New()
	router.Use(gin.Recovery())
	router.Use(otelgin.Middleware("sessionplane"))
	s.Register(router)
	return router
}

// Register adds the routes to router.
func (s *Server) Register(router *gin.Engine) {
	router.GET("/health", s.health)
	router.GET("/metrics", gin.WrapH(promhttp.HandlerFor(s.deps.Registry, promhttp.HandlerOpts{})))

	v1 := router.Group("/v1", s.authenticate(), s.authorize())
	{
		q := v1.Group("/queue")
		{
			q.GET("", s.queueStats)
			q.POST("/items", s.enqueue)
			q.GET("/items", s.listItems)
			q.DELETE("/items/:id", s.removeItem)
			q.GET("/dead-letters", s.deadLetters)
			q.POST("/dead-letters/:id/requeue", s.requeue)
		}

		sched := v1.Group("/schedules")
		{
			sched.POST("", s.createSchedule)
			sched.GET("", s.listSchedules)
			sched.GET("/:id", s.getSchedule)
			sched.DELETE("/:id", s.deleteSchedule)
			sched.POST("/:id/enable", s.setScheduleEnabled(true))
			sched.POST("/:id/disable", s.setScheduleEnabled(false))
			sched.POST("/:id/run", s.runSchedule)
		}

		proxies := v1.Group("/proxies")
		{
			proxies.POST("", s.addProxy)
			proxies.GET("", s.listProxies)
			proxies.POST("/select", s.selectProxy)
			proxies.GET("/:id", s.getProxy)
			proxies.DELETE("/:id", s.removeProxy)
			proxies.POST("/:id/activate", s.setProxyActive(true))
			proxies.POST("/:id/deactivate", s.setProxyActive(false))
		}

		v1.GET("/selector", s.selectorStatus)
		v1.POST("/selector/train", s.train)

		sessions := v1.Group("/sessions")
		{
			sessions.GET("", s.listSessions)
			sessions.GET("/:id", s.getSession)
			sessions.POST("/:id/reset", s.resetSession)
			sessions.DELETE("/:id", s.teardownSession)
		}

		v1.GET("/contingency/thresholds", s.contingencyThresholds)
		v1.PUT("/contingency/thresholds", s.setContingencyThresholds)

		v1.GET("/resources", s.resources)
		v1.PUT("/resources/thresholds", s.setResourceThresholds)

		v1.GET("/placement", s.placement)

		v1.GET("/events/ws", s.eventsWebSocket)

		v1.GET("/audit", s.listAudit)
	}
}

// ErrorResponse is the body of every non-2xx reply.
type ErrorResponse struct {
	Error string `json:"error"`
}

// statusFor maps domain errors to HTTP status codes.
func statusFor(err error) int {
	switch {
	case errors.Is(err, queue.ErrQueueFull):
		return http.StatusTooManyRequests
	case errors.Is(err, queue.ErrNotFound),
		errors.Is(err, schedule.ErrNotFound),
		errors.Is(err, proxy.ErrNotFound):
		return http.StatusNotFound
	case errors.Is(err, proxy.ErrPoolEmpty),
		errors.Is(err, placement.ErrTierUnavailable):
		return http.StatusServiceUnavailable
	case errors.Is(err, queue.ErrInvalidPriority),
		errors.Is(err, queue.ErrInvalidItem),
		errors.Is(err, schedule.ErrInvalidCron),
		errors.Is(err, schedule.ErrInvalidWindow),
		errors.Is(err, proxy.ErrInvalidRecord),
		errors.Is(err, proxy.ErrUnknownStrategy),
		errors.Is(err, proxy.ErrInsufficientData),
		errors.Is(err, contingency.ErrInvalidThresholds),
		errors.Is(err, resource.ErrInvalidThresholds),
		errors.Is(err, anomaly.ErrNoBaseline),
		errors.Is(err, validation.ErrInvalidID):
		return http.StatusBadRequest
	default:
		return http.StatusInternalServerError
	}
}

func (s *Server) fail(c *gin.Context, err error) {
	status := statusFor(err)
	if status == http.StatusInternalServerError {
		s.logger.Error("request failed", "path", c.FullPath(), "error", err)
	}
	c.JSON(status, ErrorResponse{Error: err.Error()})
}

func badRequest(c *gin.Context, err error) {
	c.JSON(http.StatusBadRequest, ErrorResponse{Error: err.Error()})
}

func (s *Server) health(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"status": "ok"})
}
