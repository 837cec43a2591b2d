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
	"errors"
	"log/slog"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"

	"github.com/AleutianAI/AleutianAgents/services/orchestrator/middleware"
	"github.com/AleutianAI/AleutianAgents/services/orchestrator/observability"
	"github.com/AleutianAI/AleutianAgents/services/tasks/datatypes"
	"github.com/AleutianAI/AleutianAgents/services/tasks/events"
	"github.com/AleutianAI/AleutianAgents/services/tasks/store"
)

// DefaultKeepAlive is the SSE comment / WebSocket ping interval.
const DefaultKeepAlive = 15 * time.Second

const wsWriteWait = 10 * time.Second

// Subscriber is the read side of the event bus.
type Subscriber interface {
	Subscribe(taskID string) *events.Subscription
}

// StreamMetrics records stream activity. *observability.ServiceMetrics
// satisfies it.
type StreamMetrics interface {
	StreamStarted(t observability.Transport)
	StreamEnded(t observability.Transport)
	RecordStreamEvent(t observability.Transport)
	RecordClientDisconnect(t observability.Transport)
}

type nopStreamMetrics struct{}

func (nopStreamMetrics) StreamStarted(observability.Transport)          {}
func (nopStreamMetrics) StreamEnded(observability.Transport)            {}
func (nopStreamMetrics) RecordStreamEvent(observability.Transport)      {}
func (nopStreamMetrics) RecordClientDisconnect(observability.Transport) {}

// Streamer serves task status over SSE and WebSocket.
//
// # Description
//
// Both transports follow the same sequence: subscribe to the task, read
// the stored task, send its current status, then forward bus events
// until a terminal status. Subscribing before the read means no
// transition can slip between the snapshot and the live feed. Events
// that do not advance past the last sent status are skipped, so the
// overlap never produces a duplicate or a step backwards.
//
// A task that is already terminal gets one event and the stream closes.
type Streamer struct {
	tasks     store.TaskStore
	bus       Subscriber
	metrics   StreamMetrics
	keepAlive time.Duration
	now       func() time.Time
	upgrader  websocket.Upgrader
}

// NewStreamer creates a streamer. metrics may be nil; keepAlive <= 0
// selects DefaultKeepAlive.
func NewStreamer(tasks store.TaskStore, bus Subscriber, metrics StreamMetrics, keepAlive time.Duration) *Streamer {
	if metrics == nil {
		metrics = nopStreamMetrics{}
	}
	if keepAlive <= 0 {
		keepAlive = DefaultKeepAlive
	}
	return &Streamer{
		tasks:     tasks,
		bus:       bus,
		metrics:   metrics,
		keepAlive: keepAlive,
		now:       time.Now,
		upgrader: websocket.Upgrader{
			// Clients authenticate with an API key, not cookies.
			CheckOrigin:     func(r *http.Request) bool { return true },
			ReadBufferSize:  1024,
			WriteBufferSize: 4096,
		},
	}
}

// open subscribes and loads the task. On failure the error response is
// written and nil is returned.
func (s *Streamer) open(c *gin.Context) (*events.Subscription, *datatypes.Task) {
	id := c.Param("id")
	sub := s.bus.Subscribe(id)
	task, err := s.tasks.Get(c.Request.Context(), id)
	if err != nil {
		sub.Close()
		if errors.Is(err, store.ErrNotFound) {
			middleware.AbortWithError(c, http.StatusNotFound, middleware.CodeNotFound, "task not found")
			return nil, nil
		}
		slog.Error("load task for stream failed", slog.String("task_id", id), slog.String("error", err.Error()))
		middleware.AbortWithError(c, http.StatusInternalServerError, middleware.CodeInternal, "could not load task")
		return nil, nil
	}
	return sub, task
}

// statusRank orders statuses along the state machine.
func statusRank(s datatypes.Status) int {
	switch s {
	case datatypes.StatusQueued:
		return 0
	case datatypes.StatusProcessing:
		return 1
	default:
		return 2
	}
}

// HandleSSE streams status events as Server-Sent Events.
func (s *Streamer) HandleSSE() gin.HandlerFunc {
	return func(c *gin.Context) {
		sub, task := s.open(c)
		if sub == nil {
			return
		}
		defer sub.Close()

		SetSSEHeaders(c.Writer)
		c.Status(http.StatusOK)
		w, err := NewSSEWriter(c.Writer)
		if err != nil {
			middleware.AbortWithError(c, http.StatusInternalServerError, middleware.CodeInternal, "streaming not supported")
			return
		}

		const transport = observability.TransportSSE
		s.metrics.StreamStarted(transport)
		defer s.metrics.StreamEnded(transport)

		logger := slog.With(slog.String("task_id", task.ID), slog.String("transport", string(transport)))
		last := events.StatusEvent(task, s.now())
		if err := w.WriteEvent(last); err != nil {
			return
		}
		s.metrics.RecordStreamEvent(transport)
		if task.Status.IsTerminal() {
			return
		}

		ticker := time.NewTicker(s.keepAlive)
		defer ticker.Stop()
		for {
			select {
			case <-c.Request.Context().Done():
				s.metrics.RecordClientDisconnect(transport)
				logger.Debug("client disconnected")
				return
			case <-ticker.C:
				if err := w.WriteKeepAlive(); err != nil {
					return
				}
			case ev, ok := <-sub.C():
				if !ok {
					return
				}
				if statusRank(ev.Status) <= statusRank(last.Status) {
					continue
				}
				if err := w.WriteEvent(ev); err != nil {
					logger.Debug("write event failed", slog.String("error", err.Error()))
					return
				}
				s.metrics.RecordStreamEvent(transport)
				last = ev
				if ev.Status.IsTerminal() {
					return
				}
			}
		}
	}
}

// HandleWebSocket streams status events as JSON WebSocket messages. The
// server closes with 1000 after the terminal event. Client messages are
// read and discarded; a read error means the client went away.
func (s *Streamer) HandleWebSocket() gin.HandlerFunc {
	return func(c *gin.Context) {
		sub, task := s.open(c)
		if sub == nil {
			return
		}
		defer sub.Close()

		ws, err := s.upgrader.Upgrade(c.Writer, c.Request, nil)
		if err != nil {
			slog.Warn("websocket upgrade failed", slog.String("task_id", task.ID), slog.String("error", err.Error()))
			return
		}
		defer ws.Close()

		const transport = observability.TransportWebSocket
		s.metrics.StreamStarted(transport)
		defer s.metrics.StreamEnded(transport)

		gone := make(chan struct{})
		go func() {
			defer close(gone)
			for {
				if _, _, err := ws.ReadMessage(); err != nil {
					return
				}
			}
		}()

		send := func(ev events.Event) bool {
			_ = ws.SetWriteDeadline(time.Now().Add(wsWriteWait))
			if err := ws.WriteJSON(ev); err != nil {
				return false
			}
			s.metrics.RecordStreamEvent(transport)
			return true
		}
		finish := func() {
			msg := websocket.FormatCloseMessage(websocket.CloseNormalClosure, "task finished")
			_ = ws.WriteControl(websocket.CloseMessage, msg, time.Now().Add(wsWriteWait))
		}

		last := events.StatusEvent(task, s.now())
		if !send(last) {
			return
		}
		if task.Status.IsTerminal() {
			finish()
			return
		}

		ticker := time.NewTicker(s.keepAlive)
		defer ticker.Stop()
		for {
			select {
			case <-gone:
				s.metrics.RecordClientDisconnect(transport)
				return
			case <-ticker.C:
				if err := ws.WriteControl(websocket.PingMessage, nil, time.Now().Add(wsWriteWait)); err != nil {
					return
				}
			case ev, ok := <-sub.C():
				if !ok {
					finish()
					return
				}
				if statusRank(ev.Status) <= statusRank(last.Status) {
					continue
				}
				if !send(ev) {
					return
				}
				last = ev
				if ev.Status.IsTerminal() {
					finish()
					return
				}
			}
		}
	}
}
