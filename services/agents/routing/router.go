// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package routing turns a classifier decision into a handler selection.
//
// # Description
//
// The Router asks the classifier for a verdict and applies the business
// rules: the chosen name must be registered and the confidence must reach
// the minimum. It never invokes a handler; the processor does that.
//
// # Thread Safety
//
// All types in this package are designed for concurrent use.
package routing

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math"
	"sync/atomic"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"

	"github.com/AleutianAI/AleutianAgents/services/agents"
	"github.com/AleutianAI/AleutianAgents/services/agents/classifier"
	"github.com/AleutianAI/AleutianAgents/services/tasks/datatypes"
)

// DefaultMinConfidence is the lowest confidence that still routes.
const DefaultMinConfidence = 0.6

// =============================================================================
// Contracts
// =============================================================================

// Classifier produces a routing verdict for a task.
type Classifier interface {
	Classify(ctx context.Context, taskText string, history []datatypes.Message) (*classifier.Decision, *agents.Invocation, error)
}

// HandlerLookup resolves handler names.
type HandlerLookup interface {
	Get(name string) (agents.Handler, bool)
}

// Route is a successful routing outcome.
type Route struct {
	HandlerName string
	Category    string
	Decision    classifier.Decision
	Invocation  *agents.Invocation
}

// ErrorKind classifies routing failures.
type ErrorKind int

const (
	// KindUnknownTaskType means no registered handler fits. Permanent.
	KindUnknownTaskType ErrorKind = iota + 1
)

func (k ErrorKind) String() string {
	if k == KindUnknownTaskType {
		return "unknown_task_type"
	}
	return "unknown"
}

// Error is a permanent routing failure.
type Error struct {
	Kind       ErrorKind
	Reasoning  string
	Decision   classifier.Decision
	Invocation *agents.Invocation
	Err        error
}

func (e *Error) Error() string {
	return fmt.Sprintf("routing %s: %v", e.Kind, e.Err)
}

func (e *Error) Unwrap() error {
	return e.Err
}

var (
	errUnknownName   = errors.New("classifier chose no handler")
	errUnregistered  = errors.New("handler is not registered")
	errLowConfidence = errors.New("confidence below minimum")
)

// =============================================================================
// Router
// =============================================================================

// Option configures a Router.
type Option func(*Router)

// WithMinConfidence sets the initial minimum confidence.
func WithMinConfidence(v float64) Option {
	return func(r *Router) { r.SetMinConfidence(v) }
}

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) Option {
	return func(r *Router) {
		if l != nil {
			r.logger = l
		}
	}
}

// Router selects a handler for a task.
//
// # Description
//
// MinConfidence is stored atomically so a config reload can change it
// while workers are routing.
//
// # Thread Safety
//
// Safe for concurrent use.
type Router struct {
	classifier    Classifier
	handlers      HandlerLookup
	minConfidence atomic.Uint64
	logger        *slog.Logger
}

// NewRouter creates a router.
func NewRouter(c Classifier, handlers HandlerLookup, opts ...Option) (*Router, error) {
	if c == nil {
		return nil, errors.New("classifier must not be nil")
	}
	if handlers == nil {
		return nil, errors.New("handler lookup must not be nil")
	}
	r := &Router{
		classifier: c,
		handlers:   handlers,
		logger:     slog.Default().With(slog.String("component", "router")),
	}
	r.SetMinConfidence(DefaultMinConfidence)
	for _, opt := range opts {
		opt(r)
	}
	return r, nil
}

// MinConfidence returns the current threshold.
func (r *Router) MinConfidence() float64 {
	return math.Float64frombits(r.minConfidence.Load())
}

// SetMinConfidence replaces the threshold. Values outside [0, 1] are clamped.
func (r *Router) SetMinConfidence(v float64) {
	if math.IsNaN(v) {
		v = DefaultMinConfidence
	}
	v = math.Max(0, math.Min(1, v))
	r.minConfidence.Store(math.Float64bits(v))
}

// Route classifies task and validates the verdict.
//
// # Description
//
// Classifier errors are returned unchanged so the caller can retry them.
// An "unknown" or unregistered name, or a confidence below the minimum,
// yields *Error with KindUnknownTaskType. Confidence equal to the minimum
// routes.
//
// # Inputs
//
//   - ctx: Context for cancellation.
//   - task: The task to route. Not mutated.
//   - history: Prior session messages, oldest first.
//
// # Outputs
//
//   - *Route: The selection on success.
//   - *agents.Invocation: The classifier invocation, also on failure. May be
//     nil if the classifier returned none.
//   - error: *classifier.Error (transient) or *Error (permanent).
func (r *Router) Route(ctx context.Context, task *datatypes.Task, history []datatypes.Message) (*Route, *agents.Invocation, error) {
	ctx, span := otel.Tracer("routing").Start(ctx, "routing.Router.Route")
	defer span.End()
	span.SetAttributes(attribute.String("task_id", task.ID))

	start := time.Now()
	decision, inv, err := r.classifier.Classify(ctx, task.InputText, history)
	if err != nil {
		routingDecisions.WithLabelValues("classifier_error").Inc()
		span.RecordError(err)
		span.SetStatus(codes.Error, "classifier failed")
		return nil, inv, err
	}
	routingLatency.Observe(time.Since(start).Seconds())
	routingConfidence.Observe(decision.Confidence)

	min := r.MinConfidence()
	fail := func(cause error, label string) (*Route, *agents.Invocation, error) {
		routingDecisions.WithLabelValues(label).Inc()
		span.SetStatus(codes.Error, label)
		r.logger.Info("task not routable",
			slog.String("task_id", task.ID),
			slog.String("handler_name", decision.HandlerName),
			slog.Float64("confidence", decision.Confidence),
			slog.Float64("min_confidence", min),
			slog.String("reason", label),
		)
		return nil, inv, &Error{
			Kind:       KindUnknownTaskType,
			Reasoning:  decision.Reasoning,
			Decision:   *decision,
			Invocation: inv,
			Err:        fmt.Errorf("%w: %q at confidence %.3f", cause, decision.HandlerName, decision.Confidence),
		}
	}

	if decision.HandlerName == agents.UnknownHandler {
		return fail(errUnknownName, "unknown")
	}
	h, ok := r.handlers.Get(decision.HandlerName)
	if !ok {
		return fail(errUnregistered, "unregistered")
	}
	if decision.Confidence < min {
		return fail(errLowConfidence, "low_confidence")
	}

	routingDecisions.WithLabelValues("routed").Inc()
	span.SetAttributes(
		attribute.String("handler_name", h.Name()),
		attribute.Float64("confidence", decision.Confidence),
	)
	return &Route{
		HandlerName: h.Name(),
		Category:    h.Category(),
		Decision:    *decision,
		Invocation:  inv,
	}, inv, nil
}

// IsUnknownTaskType reports whether err is a routing rejection.
func IsUnknownTaskType(err error) bool {
	var re *Error
	return errors.As(err, &re) && re.Kind == KindUnknownTaskType
}
