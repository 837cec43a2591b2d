// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package observability provides service-level metrics for the agents API.
//
// # Description
//
// Component metrics (routing, processing, submissions) live next to the
// code that records them. This package covers the HTTP surface and the
// shared plumbing between components:
//   - Request counters and latency by route
//   - Active status streams by transport (sse, websocket)
//   - Events dropped by the bus for slow subscribers
//   - Queue depth, sampled at scrape time
//   - Auth and rate-limit rejections
//
// # Thread Safety
//
// All metric operations are thread-safe via Prometheus's internal locking.
package observability

import (
	"strconv"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// =============================================================================
// Metric Definitions
// =============================================================================

const (
	metricsNamespace = "aleutian"
	metricsSubsystem = "agents"
)

// Transport labels stream metrics.
type Transport string

const (
	TransportSSE       Transport = "sse"
	TransportWebSocket Transport = "websocket"
)

// ServiceMetrics holds the API-level metrics.
//
// # Fields
//
//   - RequestsTotal: Requests by route, method and status code.
//   - RequestDurationSeconds: Latency by route.
//   - ActiveStreams: Open status streams by transport.
//   - StreamEventsTotal: Events written to clients by transport.
//   - ClientDisconnectsTotal: Streams closed by the client.
//   - EventsDroppedTotal: Bus deliveries skipped for full subscribers.
//   - RejectionsTotal: Requests refused by middleware, by reason.
type ServiceMetrics struct {
	RequestsTotal          *prometheus.CounterVec
	RequestDurationSeconds *prometheus.HistogramVec
	ActiveStreams          *prometheus.GaugeVec
	StreamEventsTotal      *prometheus.CounterVec
	ClientDisconnectsTotal *prometheus.CounterVec
	EventsDroppedTotal     prometheus.Counter
	RejectionsTotal        *prometheus.CounterVec

	reg prometheus.Registerer
}

// NewServiceMetrics creates and registers the metrics on reg.
//
// # Inputs
//
//   - reg: Target registry. Tests pass prometheus.NewRegistry(); the
//     service passes prometheus.DefaultRegisterer.
//
// # Limitations
//
//   - Panics on duplicate registration against the same registry.
func NewServiceMetrics(reg prometheus.Registerer) *ServiceMetrics {
	f := promauto.With(reg)
	return &ServiceMetrics{
		RequestsTotal: f.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: metricsNamespace,
				Subsystem: metricsSubsystem,
				Name:      "http_requests_total",
				Help:      "HTTP requests by route, method and status code",
			},
			[]string{"route", "method", "code"},
		),

		RequestDurationSeconds: f.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: metricsNamespace,
				Subsystem: metricsSubsystem,
				Name:      "http_request_duration_seconds",
				Help:      "HTTP request latency by route",
				Buckets:   []float64{0.005, 0.01, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5},
			},
			[]string{"route"},
		),

		ActiveStreams: f.NewGaugeVec(
			prometheus.GaugeOpts{
				Namespace: metricsNamespace,
				Subsystem: metricsSubsystem,
				Name:      "active_streams",
				Help:      "Open task status streams by transport",
			},
			[]string{"transport"},
		),

		StreamEventsTotal: f.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: metricsNamespace,
				Subsystem: metricsSubsystem,
				Name:      "stream_events_total",
				Help:      "Status events written to stream clients by transport",
			},
			[]string{"transport"},
		),

		ClientDisconnectsTotal: f.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: metricsNamespace,
				Subsystem: metricsSubsystem,
				Name:      "client_disconnects_total",
				Help:      "Streams closed by the client before the task finished",
			},
			[]string{"transport"},
		),

		EventsDroppedTotal: f.NewCounter(
			prometheus.CounterOpts{
				Namespace: metricsNamespace,
				Subsystem: metricsSubsystem,
				Name:      "events_dropped_total",
				Help:      "Status events dropped because a subscriber buffer was full",
			},
		),

		RejectionsTotal: f.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: metricsNamespace,
				Subsystem: metricsSubsystem,
				Name:      "rejections_total",
				Help:      "Requests refused by middleware by reason (unauthorized, rate_limited)",
			},
			[]string{"reason"},
		),

		reg: reg,
	}
}

// RegisterQueueDepth exposes a gauge sampled from depth at scrape time.
func (m *ServiceMetrics) RegisterQueueDepth(depth func() int) {
	promauto.With(m.reg).NewGaugeFunc(
		prometheus.GaugeOpts{
			Namespace: metricsNamespace,
			Subsystem: metricsSubsystem,
			Name:      "queue_depth",
			Help:      "Tasks waiting for a worker",
		},
		func() float64 { return float64(depth()) },
	)
}

// =============================================================================
// Helper Methods
// =============================================================================

// RecordDrop counts one dropped event. Matches the bus drop hook.
func (m *ServiceMetrics) RecordDrop(string) {
	m.EventsDroppedTotal.Inc()
}

// RecordRejection counts a middleware refusal.
func (m *ServiceMetrics) RecordRejection(reason string) {
	m.RejectionsTotal.WithLabelValues(reason).Inc()
}

// StreamStarted increments the active streams gauge.
func (m *ServiceMetrics) StreamStarted(t Transport) {
	m.ActiveStreams.WithLabelValues(string(t)).Inc()
}

// StreamEnded decrements the active streams gauge.
func (m *ServiceMetrics) StreamEnded(t Transport) {
	m.ActiveStreams.WithLabelValues(string(t)).Dec()
}

// RecordStreamEvent counts one event written to a client.
func (m *ServiceMetrics) RecordStreamEvent(t Transport) {
	m.StreamEventsTotal.WithLabelValues(string(t)).Inc()
}

// RecordClientDisconnect counts a client-side close.
func (m *ServiceMetrics) RecordClientDisconnect(t Transport) {
	m.ClientDisconnectsTotal.WithLabelValues(string(t)).Inc()
}

// Middleware records request count and latency. The route label is the
// registered pattern, so task IDs never become label values.
func (m *ServiceMetrics) Middleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()

		route := c.FullPath()
		if route == "" {
			route = "unmatched"
		}
		m.RequestsTotal.WithLabelValues(route, c.Request.Method, strconv.Itoa(c.Writer.Status())).Inc()
		m.RequestDurationSeconds.WithLabelValues(route).Observe(time.Since(start).Seconds())
	}
}
