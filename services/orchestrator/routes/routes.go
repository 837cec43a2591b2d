// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package routes

import (
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/AleutianAI/AleutianAgents/services/orchestrator/handlers"
	"github.com/AleutianAI/AleutianAgents/services/orchestrator/middleware"
	"github.com/AleutianAI/AleutianAgents/services/orchestrator/observability"
	"github.com/AleutianAI/AleutianAgents/services/secrets"
	"github.com/AleutianAI/AleutianAgents/services/tasks/store"
)

// Deps are the collaborators the routes need.
type Deps struct {
	Submitter handlers.Submitter
	Tasks     store.TaskStore
	Runs      store.RunLog
	Streamer  *handlers.Streamer
	Stats     handlers.Snapshotter
	Health    map[string]handlers.HealthProbe

	// APIKeys enables auth on /v1 when non-empty.
	APIKeys secrets.Set

	// RateLimiter applies to /v1. Nil disables it.
	RateLimiter *middleware.RateLimiter

	// Metrics records HTTP metrics. Nil disables them.
	Metrics *observability.ServiceMetrics

	// MetricsHandler serves /metrics. Nil uses promhttp.Handler().
	MetricsHandler http.Handler
}

// SetupRoutes registers every endpoint.
//
// /health and /metrics stay unauthenticated so probes and scrapers work
// without a key. Everything under /v1 goes through auth and then the
// rate limiter, so buckets are keyed by API key where possible.
func SetupRoutes(router *gin.Engine, d Deps) {
	var onReject func(string)
	if d.Metrics != nil {
		router.Use(d.Metrics.Middleware())
		onReject = d.Metrics.RecordRejection
	}
	router.Use(middleware.RequestID())

	metricsHandler := d.MetricsHandler
	if metricsHandler == nil {
		metricsHandler = promhttp.Handler()
	}
	router.GET("/health", handlers.HandleHealth(d.Health))
	router.GET("/metrics", gin.WrapH(metricsHandler))

	v1 := router.Group("/v1")
	v1.Use(middleware.APIKeyAuth(d.APIKeys, onReject))
	v1.Use(middleware.RateLimit(d.RateLimiter, onReject))
	{
		v1.POST("/agent/execute", handlers.HandleExecute(d.Submitter))
		v1.GET("/metrics", handlers.HandleSystemMetrics(d.Stats))

		tasks := v1.Group("/tasks")
		{
			tasks.GET("", handlers.HandleListTasks(d.Tasks))
			tasks.GET("/:id", handlers.HandleGetTask(d.Tasks, d.Runs))
			tasks.GET("/:id/events", d.Streamer.HandleSSE())
			tasks.GET("/:id/ws", d.Streamer.HandleWebSocket())
		}
	}

	router.NoRoute(func(c *gin.Context) {
		middleware.AbortWithError(c, http.StatusNotFound, middleware.CodeNotFound, "route not found")
	})
}
