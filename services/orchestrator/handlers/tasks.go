// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package handlers implements the HTTP endpoints of the agents API.
package handlers

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"

	"github.com/AleutianAI/AleutianAgents/services/orchestrator/middleware"
	"github.com/AleutianAI/AleutianAgents/services/tasks/datatypes"
	"github.com/AleutianAI/AleutianAgents/services/tasks/gateway"
	"github.com/AleutianAI/AleutianAgents/services/tasks/queue"
	"github.com/AleutianAI/AleutianAgents/services/tasks/store"
)

// Submitter accepts new tasks.
type Submitter interface {
	Submit(ctx context.Context, req gateway.SubmitRequest) (*gateway.Receipt, error)
}

// TaskDetail is a task with its execution runs.
type TaskDetail struct {
	*datatypes.Task
	Runs []*datatypes.ExecutionRun `json:"execution_runs"`
}

// HandleExecute accepts a task for asynchronous processing.
//
// # Description
//
// POST /v1/agent/execute with {"task": "...", "session_id": "..."}.
// Responds 202 with the receipt. Validation failures are 400 and create
// nothing. A closed queue (shutdown in progress) is 503.
//
// # Inputs
//
//   - submitter: Usually *gateway.Gateway.
//
// # Outputs
//
//   - gin.HandlerFunc: The endpoint.
func HandleExecute(submitter Submitter) gin.HandlerFunc {
	return func(c *gin.Context) {
		var req gateway.SubmitRequest
		if err := c.ShouldBindJSON(&req); err != nil {
			middleware.AbortWithError(c, http.StatusBadRequest, middleware.CodeInvalidRequest, "request body must be JSON with a task field")
			return
		}
		req.Metadata = datatypes.Metadata{
			ClientIP:  c.ClientIP(),
			UserAgent: c.Request.UserAgent(),
			RequestID: middleware.GetRequestID(c),
			APIKeyID:  middleware.GetKeyID(c),
		}

		receipt, err := submitter.Submit(c.Request.Context(), req)
		switch {
		case err == nil:
			c.JSON(http.StatusAccepted, receipt)
		case errors.Is(err, gateway.ErrInvalidRequest):
			middleware.AbortWithError(c, http.StatusBadRequest, middleware.CodeInvalidRequest, err.Error())
		case errors.Is(err, queue.ErrClosed):
			middleware.AbortWithError(c, http.StatusServiceUnavailable, middleware.CodeUnavailable, "service is shutting down")
		default:
			slog.Error("submit task failed",
				slog.String("request_id", middleware.GetRequestID(c)),
				slog.String("error", err.Error()))
			middleware.AbortWithError(c, http.StatusInternalServerError, middleware.CodeInternal, "could not accept task")
		}
	}
}

// HandleListTasks returns one page of tasks, newest first.
//
// Query parameters: status, category, page (>= 1), page_size (1-100).
func HandleListTasks(tasks store.TaskStore) gin.HandlerFunc {
	return func(c *gin.Context) {
		filter, msg := parseFilter(c)
		if msg != "" {
			middleware.AbortWithError(c, http.StatusBadRequest, middleware.CodeInvalidRequest, msg)
			return
		}
		page, err := tasks.List(c.Request.Context(), filter)
		if err != nil {
			slog.Error("list tasks failed", slog.String("error", err.Error()))
			middleware.AbortWithError(c, http.StatusInternalServerError, middleware.CodeInternal, "could not list tasks")
			return
		}
		c.JSON(http.StatusOK, page)
	}
}

func parseFilter(c *gin.Context) (datatypes.Filter, string) {
	f := datatypes.Filter{
		Category: c.Query("category"),
		Page:     1,
		PageSize: datatypes.DefaultPageSize,
	}
	if raw := c.Query("status"); raw != "" {
		s, err := datatypes.ParseStatus(raw)
		if err != nil {
			return f, "status must be one of queued, processing, completed, failed"
		}
		f.Status = s
	}
	if raw := c.Query("page"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n < 1 {
			return f, "page must be an integer >= 1"
		}
		f.Page = n
	}
	if raw := c.Query("page_size"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n < 1 || n > datatypes.MaxPageSize {
			return f, "page_size must be an integer between 1 and 100"
		}
		f.PageSize = n
	}
	return f, ""
}

// HandleGetTask returns a task and its execution runs.
func HandleGetTask(tasks store.TaskStore, runs store.RunLog) gin.HandlerFunc {
	return func(c *gin.Context) {
		ctx := c.Request.Context()
		id := c.Param("id")

		task, err := tasks.Get(ctx, id)
		if errors.Is(err, store.ErrNotFound) {
			middleware.AbortWithError(c, http.StatusNotFound, middleware.CodeNotFound, "task not found")
			return
		}
		if err != nil {
			slog.Error("get task failed", slog.String("task_id", id), slog.String("error", err.Error()))
			middleware.AbortWithError(c, http.StatusInternalServerError, middleware.CodeInternal, "could not load task")
			return
		}

		taskRuns, err := runs.ListRuns(ctx, id)
		if err != nil {
			slog.Error("list runs failed", slog.String("task_id", id), slog.String("error", err.Error()))
			middleware.AbortWithError(c, http.StatusInternalServerError, middleware.CodeInternal, "could not load execution runs")
			return
		}
		c.JSON(http.StatusOK, TaskDetail{Task: task, Runs: taskRuns})
	}
}
