// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package gateway accepts task submissions.
//
// # Description
//
// Submit validates the request, resolves the session, creates the task at
// status queued, stores the user's message and schedules the task on the
// queue. The gateway never changes a task's status after creation.
package gateway

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"

	"github.com/AleutianAI/AleutianAgents/services/tasks/datatypes"
	"github.com/AleutianAI/AleutianAgents/services/tasks/events"
	"github.com/AleutianAI/AleutianAgents/services/tasks/queue"
	"github.com/AleutianAI/AleutianAgents/services/tasks/screening"
	"github.com/AleutianAI/AleutianAgents/services/tasks/store"
)

// MaxTaskBytes bounds the task text.
const MaxTaskBytes = 32 * 1024

// ErrInvalidRequest wraps every validation failure.
var ErrInvalidRequest = errors.New("invalid submission")

var submitValidate *validator.Validate

func init() {
	submitValidate = validator.New()
	_ = submitValidate.RegisterValidation("notblank", func(fl validator.FieldLevel) bool {
		return strings.TrimSpace(fl.Field().String()) != ""
	})
	_ = submitValidate.RegisterValidation("maxbytes", func(fl validator.FieldLevel) bool {
		return len(fl.Field().String()) <= MaxTaskBytes
	})
}

// SubmitRequest is one task submission.
type SubmitRequest struct {
	// Task is the free-form request text.
	Task string `json:"task" validate:"notblank,maxbytes"`

	// SessionID links the task to a conversation. Empty or unknown IDs
	// start a new session.
	SessionID string `json:"session_id,omitempty" validate:"omitempty,max=128"`

	Metadata datatypes.Metadata `json:"-"`
}

// Validate checks the request against its tags.
func (r *SubmitRequest) Validate() error {
	if err := submitValidate.Struct(r); err != nil {
		var verrs validator.ValidationErrors
		if errors.As(err, &verrs) && len(verrs) > 0 {
			return fmt.Errorf("%w: %s", ErrInvalidRequest, describe(verrs[0]))
		}
		return fmt.Errorf("%w: %v", ErrInvalidRequest, err)
	}
	return nil
}

func describe(fe validator.FieldError) string {
	switch fe.Tag() {
	case "notblank":
		return "task must not be empty"
	case "maxbytes":
		return fmt.Sprintf("task exceeds %d bytes", MaxTaskBytes)
	default:
		return fmt.Sprintf("%s failed %s", strings.ToLower(fe.Field()), fe.Tag())
	}
}

// Receipt acknowledges an accepted submission.
type Receipt struct {
	TaskID    string           `json:"task_id"`
	SessionID string           `json:"session_id"`
	Status    datatypes.Status `json:"status"`
	QueuedAt  time.Time        `json:"queued_at"`
	Message   string           `json:"message"`
}

// Gateway creates and schedules tasks.
//
// # Thread Safety
//
// Safe for concurrent use.
type Gateway struct {
	tasks    store.TaskStore
	sessions store.SessionStore
	queue    queue.Queue
	events   events.Publisher
	now      func() time.Time
	newID    func() string
	logger   *slog.Logger
	screener *screening.Screener
	blockAt  screening.Confidence

	enqueueTimeout time.Duration
}

// DefaultEnqueueTimeout bounds how long Submit waits for queue space.
const DefaultEnqueueTimeout = 2 * time.Second

// Option configures a Gateway.
type Option func(*Gateway)

// WithClock injects the time source.
func WithClock(now func() time.Time) Option {
	return func(g *Gateway) { g.now = now }
}

// WithIDGenerator replaces uuid.NewString for task IDs.
func WithIDGenerator(fn func() string) Option {
	return func(g *Gateway) { g.newID = fn }
}

// WithLogger sets the logger.
func WithLogger(logger *slog.Logger) Option {
	return func(g *Gateway) {
		if logger != nil {
			g.logger = logger
		}
	}
}

// WithScreener rejects tasks carrying a credential matched at or above
// min confidence. The finding is logged without the matched text.
func WithScreener(s *screening.Screener, min screening.Confidence) Option {
	return func(g *Gateway) {
		g.screener = s
		g.blockAt = min
	}
}

// WithEnqueueTimeout bounds how long Submit waits on a full queue.
func WithEnqueueTimeout(d time.Duration) Option {
	return func(g *Gateway) {
		if d > 0 {
			g.enqueueTimeout = d
		}
	}
}

// New creates a gateway. sessions and publisher may be nil.
func New(tasks store.TaskStore, sessions store.SessionStore, q queue.Queue, publisher events.Publisher, opts ...Option) (*Gateway, error) {
	if tasks == nil {
		return nil, errors.New("task store must not be nil")
	}
	if q == nil {
		return nil, errors.New("queue must not be nil")
	}
	g := &Gateway{
		tasks:    tasks,
		sessions: sessions,
		queue:    q,
		events:   publisher,
		now:      time.Now,
		newID:    uuid.NewString,
		logger:   slog.Default(),

		enqueueTimeout: DefaultEnqueueTimeout,
	}
	for _, opt := range opts {
		opt(g)
	}
	g.logger = g.logger.With(slog.String("component", "gateway"))
	return g, nil
}

// Submit accepts one task.
//
// # Description
//
// The task is persisted before it is enqueued, so a crash between the two
// leaves a queued task that startup recovery re-enqueues. The enqueue is
// detached from ctx and bounded by the enqueue timeout: a client that
// disconnects cannot orphan its task. When the queue stays full the receipt
// is still returned and the stale-task sweeper delivers the task later.
// Only a closed queue (shutdown) is reported as an error.
//
// # Outputs
//
//   - *Receipt: The queued task's identity.
//   - error: Wraps ErrInvalidRequest for bad input, otherwise a store or
//     queue failure.
func (g *Gateway) Submit(ctx context.Context, req SubmitRequest) (*Receipt, error) {
	ctx, span := otel.Tracer("gateway").Start(ctx, "gateway.Gateway.Submit")
	defer span.End()

	if err := req.Validate(); err != nil {
		submissions.WithLabelValues("rejected").Inc()
		return nil, err
	}
	text := strings.TrimSpace(req.Task)
	if g.screener != nil {
		if f, found := screening.Blocking(g.screener.Scan(text), g.blockAt); found {
			submissions.WithLabelValues("rejected").Inc()
			g.logger.Warn("submission contains a credential",
				slog.String("pattern", f.PatternID),
				slog.String("request_id", req.Metadata.RequestID))
			return nil, fmt.Errorf("%w: task appears to contain a credential (%s); remove it and resubmit",
				ErrInvalidRequest, f.Description)
		}
	}

	sessionID := req.SessionID
	if g.sessions != nil {
		sess, err := g.sessions.EnsureSession(ctx, req.SessionID, req.Metadata.ClientIP)
		if err != nil {
			return nil, fmt.Errorf("resolve session: %w", err)
		}
		sessionID = sess.ID
	}

	now := g.now()
	task := datatypes.NewTask(g.newID(), sessionID, text, req.Metadata, now)
	span.SetAttributes(attribute.String("task_id", task.ID), attribute.String("session_id", sessionID))
	if err := g.tasks.Create(ctx, task); err != nil {
		return nil, fmt.Errorf("create task: %w", err)
	}

	if g.sessions != nil && sessionID != "" {
		msg := &datatypes.Message{
			SessionID: sessionID,
			TaskID:    task.ID,
			Role:      datatypes.MessageRoleUser,
			Content:   text,
			CreatedAt: task.CreatedAt,
		}
		if err := g.sessions.AppendMessage(ctx, msg); err != nil {
			g.logger.Warn("failed to store user message", slog.String("task_id", task.ID), slog.String("error", err.Error()))
		}
	}
	if g.events != nil {
		g.events.Publish(task.ID, events.StatusEvent(task, task.QueuedAt))
	}

	enqCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), g.enqueueTimeout)
	err := g.queue.Enqueue(enqCtx, task.ID)
	cancel()
	switch {
	case errors.Is(err, queue.ErrClosed):
		g.logger.Error("task stored but not enqueued", slog.String("task_id", task.ID), slog.String("error", err.Error()))
		return nil, fmt.Errorf("enqueue task %s: %w", task.ID, err)
	case err != nil:
		submissions.WithLabelValues("deferred").Inc()
		g.logger.Warn("queue full, task left for the stale-task sweep",
			slog.String("task_id", task.ID),
			slog.Duration("waited", g.enqueueTimeout),
		)
	default:
		submissions.WithLabelValues("accepted").Inc()
	}
	g.logger.Info("task queued",
		slog.String("task_id", task.ID),
		slog.String("session_id", sessionID),
		slog.String("request_id", req.Metadata.RequestID),
	)

	return &Receipt{
		TaskID:    task.ID,
		SessionID: sessionID,
		Status:    task.Status,
		QueuedAt:  task.QueuedAt,
		Message:   "Task queued for processing",
	}, nil
}
