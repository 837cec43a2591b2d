// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package handlers

import (
	"context"
	"log/slog"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/AleutianAI/AleutianAgents/services/orchestrator/middleware"
	"github.com/AleutianAI/AleutianAgents/services/tasks/stats"
)

// Snapshotter computes system metrics.
type Snapshotter interface {
	Snapshot(ctx context.Context) (*stats.Snapshot, error)
}

// HandleSystemMetrics returns completed-task statistics for today, the
// last N days and all time.
func HandleSystemMetrics(s Snapshotter) gin.HandlerFunc {
	return func(c *gin.Context) {
		snap, err := s.Snapshot(c.Request.Context())
		if err != nil {
			slog.Error("system metrics failed", slog.String("error", err.Error()))
			middleware.AbortWithError(c, http.StatusInternalServerError, middleware.CodeInternal, "could not compute metrics")
			return
		}
		c.JSON(http.StatusOK, snap)
	}
}

// HealthProbe reports whether a dependency is usable.
type HealthProbe func(ctx context.Context) error

// HandleHealth runs every probe with a short timeout. Any failure turns
// the response into 503 with the failing probe named.
func HandleHealth(probes map[string]HealthProbe) gin.HandlerFunc {
	return func(c *gin.Context) {
		ctx, cancel := context.WithTimeout(c.Request.Context(), 2*time.Second)
		defer cancel()

		checks := make(map[string]string, len(probes))
		healthy := true
		for name, probe := range probes {
			if err := probe(ctx); err != nil {
				checks[name] = err.Error()
				healthy = false
				continue
			}
			checks[name] = "ok"
		}

		status, code := "healthy", http.StatusOK
		if !healthy {
			status, code = "unhealthy", http.StatusServiceUnavailable
		}
		c.JSON(code, gin.H{
			"status":    status,
			"checks":    checks,
			"timestamp": time.Now().UTC(),
		})
	}
}
