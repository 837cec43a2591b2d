// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package observability

import (
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func init() {
	gin.SetMode(gin.TestMode)
}

func newTestMetrics(t *testing.T) (*ServiceMetrics, *prometheus.Registry) {
	t.Helper()
	reg := prometheus.NewRegistry()
	return NewServiceMetrics(reg), reg
}

func TestStreamGauge(t *testing.T) {
	m, _ := newTestMetrics(t)

	m.StreamStarted(TransportSSE)
	m.StreamStarted(TransportSSE)
	m.StreamStarted(TransportWebSocket)
	m.StreamEnded(TransportSSE)

	assert.Equal(t, 1.0, testutil.ToFloat64(m.ActiveStreams.WithLabelValues("sse")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.ActiveStreams.WithLabelValues("websocket")))
}

func TestStreamCounters(t *testing.T) {
	m, _ := newTestMetrics(t)

	m.RecordStreamEvent(TransportSSE)
	m.RecordStreamEvent(TransportSSE)
	m.RecordClientDisconnect(TransportWebSocket)

	assert.Equal(t, 2.0, testutil.ToFloat64(m.StreamEventsTotal.WithLabelValues("sse")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.ClientDisconnectsTotal.WithLabelValues("websocket")))
}

func TestRecordDropAndRejection(t *testing.T) {
	m, _ := newTestMetrics(t)

	m.RecordDrop("task-1")
	m.RecordDrop("task-2")
	m.RecordRejection("rate_limited")

	assert.Equal(t, 2.0, testutil.ToFloat64(m.EventsDroppedTotal))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.RejectionsTotal.WithLabelValues("rate_limited")))
	assert.Equal(t, 0.0, testutil.ToFloat64(m.RejectionsTotal.WithLabelValues("unauthorized")))
}

func TestRegisterQueueDepth(t *testing.T) {
	m, reg := newTestMetrics(t)
	depth := 3
	m.RegisterQueueDepth(func() int { return depth })

	expected := `
# HELP aleutian_agents_queue_depth Tasks waiting for a worker
# TYPE aleutian_agents_queue_depth gauge
aleutian_agents_queue_depth 3
`
	require.NoError(t, testutil.GatherAndCompare(reg, strings.NewReader(expected), "aleutian_agents_queue_depth"))

	depth = 7
	expected = strings.Replace(expected, "depth 3", "depth 7", 1)
	require.NoError(t, testutil.GatherAndCompare(reg, strings.NewReader(expected), "aleutian_agents_queue_depth"))
}

func TestMiddleware_UsesRoutePattern(t *testing.T) {
	m, _ := newTestMetrics(t)
	r := gin.New()
	r.Use(m.Middleware())
	r.GET("/v1/tasks/:id", func(c *gin.Context) { c.Status(http.StatusNotFound) })

	for _, id := range []string{"a", "b"} {
		w := httptest.NewRecorder()
		r.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/v1/tasks/"+id, nil))
	}
	w := httptest.NewRecorder()
	r.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/nowhere", nil))

	assert.Equal(t, 2.0, testutil.ToFloat64(m.RequestsTotal.WithLabelValues("/v1/tasks/:id", "GET", "404")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.RequestsTotal.WithLabelValues("unmatched", "GET", "404")))
	assert.Equal(t, 2, testutil.CollectAndCount(m.RequestDurationSeconds))
}
