// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package routing

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// =============================================================================
// Prometheus Metrics for Task Routing
// =============================================================================

var (
	// routingLatency measures successful classifier calls.
	routingLatency = promauto.NewHistogram(prometheus.HistogramOpts{
		Namespace: "aleutian",
		Subsystem: "routing",
		Name:      "latency_seconds",
		Help:      "Classifier latency for routed tasks in seconds",
		Buckets:   []float64{0.1, 0.25, 0.5, 1, 2, 5, 10, 20},
	})

	// routingConfidence tracks the distribution of confidence scores.
	routingConfidence = promauto.NewHistogram(prometheus.HistogramOpts{
		Namespace: "aleutian",
		Subsystem: "routing",
		Name:      "confidence",
		Help:      "Distribution of classifier confidence scores",
		Buckets:   []float64{0.1, 0.2, 0.3, 0.4, 0.5, 0.6, 0.7, 0.8, 0.9, 0.95, 1.0},
	})

	// routingDecisions counts outcomes.
	// Labels: outcome (routed, unknown, unregistered, low_confidence, classifier_error)
	routingDecisions = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "aleutian",
		Subsystem: "routing",
		Name:      "decisions_total",
		Help:      "Routing outcomes by type",
	}, []string{"outcome"})
)
