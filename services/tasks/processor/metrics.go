// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package processor

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// =============================================================================
// Prometheus Metrics for Task Processing
// =============================================================================

var (
	// tasksFinished counts terminal transitions.
	// Labels: status (completed, failed), handler, error_type
	tasksFinished = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "aleutian",
		Subsystem: "agents",
		Name:      "tasks_finished_total",
		Help:      "Tasks that reached a terminal status",
	}, []string{"status", "handler", "error_type"})

	// attemptsTotal counts classifier and handler invocations.
	// Labels: phase (routing, execution), outcome (ok, error)
	attemptsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "aleutian",
		Subsystem: "agents",
		Name:      "attempts_total",
		Help:      "Classifier and handler attempts by phase and outcome",
	}, []string{"phase", "outcome"})

	// retriesTotal counts backoff sleeps.
	// Labels: phase
	retriesTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "aleutian",
		Subsystem: "agents",
		Name:      "retries_total",
		Help:      "Retries scheduled after transient failures",
	}, []string{"phase"})

	// taskDuration measures started_at to completed_at.
	// Labels: status
	taskDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: "aleutian",
		Subsystem: "agents",
		Name:      "task_duration_seconds",
		Help:      "Processing time of terminal tasks in seconds",
		Buckets:   []float64{0.5, 1, 2, 5, 10, 20, 30, 60, 120, 300},
	}, []string{"status"})

	// llmTokens counts tokens reported by model providers.
	// Labels: model, direction (prompt, completion)
	llmTokens = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "aleutian",
		Subsystem: "agents",
		Name:      "llm_tokens_total",
		Help:      "LLM tokens by model and direction",
	}, []string{"model", "direction"})

	// panicsRecovered counts worker panics turned into INTERNAL failures.
	panicsRecovered = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "aleutian",
		Subsystem: "agents",
		Name:      "worker_panics_total",
		Help:      "Panics recovered while processing a task",
	})

	// staleRequeued counts queued tasks the sweeper delivered again.
	staleRequeued = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "aleutian",
		Subsystem: "agents",
		Name:      "stale_requeued_total",
		Help:      "Queued tasks re-enqueued after sitting past the stale threshold",
	})
)
