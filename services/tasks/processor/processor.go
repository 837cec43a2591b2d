// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package processor drives a task through its lifecycle.
//
// # Description
//
// ProcessOnce is the unit of work: it loads a task, routes it, runs the
// selected handler with retries and persists the outcome. Every classifier
// and handler invocation is recorded as an execution run, and every status
// transition is published to the event bus. ProcessOnce is re-entrant: a
// redelivered terminal task is a no-op, and a task interrupted while
// processing is picked up again from the start.
//
// # State Machine
//
//	queued ──► processing ──► completed
//	               │
//	               └────────► failed
//
// # Thread Safety
//
// Processor is safe for concurrent use. A per-task lease ensures only one
// worker processes a given task at a time.
package processor

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/cenkalti/backoff/v5"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/AleutianAI/AleutianAgents/services/agents"
	"github.com/AleutianAI/AleutianAgents/services/agents/classifier"
	"github.com/AleutianAI/AleutianAgents/services/agents/routing"
	"github.com/AleutianAI/AleutianAgents/services/tasks/datatypes"
	"github.com/AleutianAI/AleutianAgents/services/tasks/events"
	"github.com/AleutianAI/AleutianAgents/services/tasks/queue"
	"github.com/AleutianAI/AleutianAgents/services/tasks/store"
)

// ErrTaskNotFound is returned when a dequeued ID has no task.
var ErrTaskNotFound = errors.New("task not found")

// errHandlerPanic marks a recovered handler panic.
var errHandlerPanic = errors.New("handler panicked")

const (
	phaseRouting   = "routing"
	phaseExecution = "execution"
)

// =============================================================================
// Configuration
// =============================================================================

// Config controls retries and context.
type Config struct {
	// MaxAttempts caps tries per phase, the first try included.
	MaxAttempts int `yaml:"max_attempts" validate:"gte=1,lte=10"`

	// InitialBackoff is the delay before the first retry.
	InitialBackoff time.Duration `yaml:"initial_backoff" validate:"gt=0"`

	// MaxBackoff caps a single delay.
	MaxBackoff time.Duration `yaml:"max_backoff" validate:"gtefield=InitialBackoff"`

	// Multiplier grows the delay between retries.
	Multiplier float64 `yaml:"multiplier" validate:"gte=1"`

	// Jitter is the randomization factor in [0, 1).
	Jitter float64 `yaml:"jitter" validate:"gte=0,lt=1"`

	// HistoryLimit is how many prior session messages the classifier sees.
	HistoryLimit int `yaml:"history_limit" validate:"gte=0,lte=100"`

	// SummaryRunes caps Result.Summary.
	SummaryRunes int `yaml:"summary_runes" validate:"gt=0"`
}

// DefaultConfig returns production defaults.
func DefaultConfig() Config {
	return Config{
		MaxAttempts:    3,
		InitialBackoff: 500 * time.Millisecond,
		MaxBackoff:     10 * time.Second,
		Multiplier:     2,
		Jitter:         0.2,
		HistoryLimit:   10,
		SummaryRunes:   280,
	}
}

// =============================================================================
// Dependencies
// =============================================================================

// Router selects a handler for a task.
type Router interface {
	Route(ctx context.Context, task *datatypes.Task, history []datatypes.Message) (*routing.Route, *agents.Invocation, error)
}

// HandlerLookup resolves handler names.
type HandlerLookup interface {
	Get(name string) (agents.Handler, bool)
}

// Deps are the collaborators of a Processor. Sessions may be nil.
type Deps struct {
	Tasks    store.TaskStore
	Runs     store.RunLog
	Sessions store.SessionStore
	Router   Router
	Handlers HandlerLookup
	Events   events.Publisher
	Leases   *queue.Leases
}

// Option configures a Processor.
type Option func(*Processor)

// WithConfig replaces the default configuration.
func WithConfig(cfg Config) Option {
	return func(p *Processor) { p.cfg = cfg }
}

// WithClock injects the time source.
func WithClock(now func() time.Time) Option {
	return func(p *Processor) { p.now = now }
}

// WithSleep injects the backoff sleep, e.g. a no-op in tests.
func WithSleep(sleep func(ctx context.Context, d time.Duration) error) Option {
	return func(p *Processor) { p.sleep = sleep }
}

// WithLogger sets the logger.
func WithLogger(logger *slog.Logger) Option {
	return func(p *Processor) {
		if logger != nil {
			p.logger = logger
		}
	}
}

// =============================================================================
// Processor
// =============================================================================

// Processor runs the task state machine.
type Processor struct {
	deps   Deps
	cfg    Config
	now    func() time.Time
	sleep  func(ctx context.Context, d time.Duration) error
	logger *slog.Logger
}

// New creates a processor.
//
// # Outputs
//
//   - *Processor: Ready to process tasks.
//   - error: A required dependency is nil or the config is unusable.
func New(deps Deps, opts ...Option) (*Processor, error) {
	switch {
	case deps.Tasks == nil:
		return nil, errors.New("task store must not be nil")
	case deps.Runs == nil:
		return nil, errors.New("run log must not be nil")
	case deps.Router == nil:
		return nil, errors.New("router must not be nil")
	case deps.Handlers == nil:
		return nil, errors.New("handler lookup must not be nil")
	case deps.Events == nil:
		return nil, errors.New("event publisher must not be nil")
	}
	if deps.Leases == nil {
		deps.Leases = queue.NewLeases()
	}
	p := &Processor{
		deps:   deps,
		cfg:    DefaultConfig(),
		now:    time.Now,
		sleep:  sleepCtx,
		logger: slog.Default(),
	}
	for _, opt := range opts {
		opt(p)
	}
	if p.cfg.MaxAttempts < 1 {
		return nil, fmt.Errorf("max attempts must be at least 1, got %d", p.cfg.MaxAttempts)
	}
	p.logger = p.logger.With(slog.String("component", "processor"))
	return p, nil
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}

func (p *Processor) newBackoff() *backoff.ExponentialBackOff {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = p.cfg.InitialBackoff
	b.MaxInterval = p.cfg.MaxBackoff
	b.Multiplier = p.cfg.Multiplier
	b.RandomizationFactor = p.cfg.Jitter
	b.Reset()
	return b
}

// run carries the per-invocation state of ProcessOnce.
type run struct {
	task     *datatypes.Task
	cost     datatypes.Cost
	attempts map[string]int
	span     trace.Span
}

// ProcessOnce advances one task to a terminal status.
//
// # Description
//
// Terminal tasks are left untouched. A task whose lease is held by another
// worker is skipped. Otherwise the task moves to processing, is routed
// (retrying classifier errors) and executed (retrying transient handler
// errors), and ends completed or failed. If ctx is cancelled mid-flight the
// task stays processing and ctx.Err() is returned; startup recovery
// re-enqueues it.
//
// # Inputs
//
//   - ctx: Worker context. Cancellation interrupts waits and LLM calls.
//   - taskID: The task to process.
//
// # Outputs
//
//   - error: ErrTaskNotFound, a store failure or ctx.Err(). Task failures
//     are persisted on the task and return nil.
func (p *Processor) ProcessOnce(ctx context.Context, taskID string) error {
	ctx, span := otel.Tracer("processor").Start(ctx, "processor.Processor.ProcessOnce",
		trace.WithAttributes(attribute.String("task_id", taskID)),
	)
	defer span.End()

	task, err := p.load(ctx, taskID)
	if err != nil || task.Status.IsTerminal() {
		return err
	}

	if !p.deps.Leases.TryAcquire(taskID) {
		p.logger.Debug("task lease held by another worker", slog.String("task_id", taskID))
		return nil
	}
	defer p.deps.Leases.Release(taskID)

	// Another worker may have finished the task between load and acquire.
	if task, err = p.load(ctx, taskID); err != nil || task.Status.IsTerminal() {
		return err
	}

	r := &run{attempts: make(map[string]int), span: span}
	if err := p.countPriorRuns(ctx, taskID, r); err != nil {
		return err
	}

	redelivered := task.Status == datatypes.StatusProcessing
	now := p.now()
	task, err = p.deps.Tasks.Update(ctx, taskID, datatypes.Patch{
		Status:    datatypes.StatusPtr(datatypes.StatusProcessing),
		StartedAt: &now,
	})
	if err != nil {
		return fmt.Errorf("mark processing: %w", err)
	}
	r.task = task
	if redelivered {
		// Observers already saw processing; only the terminal event is new.
		p.logger.Info("task resumed", slog.String("task_id", taskID))
	} else {
		p.deps.Events.Publish(taskID, events.StatusEvent(task, now))
		p.logger.Info("task processing", slog.String("task_id", taskID))
	}

	history := p.history(ctx, task)

	route, err := p.routePhase(ctx, r, history)
	if err != nil || route == nil {
		return err
	}
	return p.executePhase(ctx, r, route)
}

func (p *Processor) load(ctx context.Context, taskID string) (*datatypes.Task, error) {
	task, err := p.deps.Tasks.Get(ctx, taskID)
	if errors.Is(err, store.ErrNotFound) {
		p.logger.Warn("dropping unknown task", slog.String("task_id", taskID))
		return nil, fmt.Errorf("%w: %s", ErrTaskNotFound, taskID)
	}
	if err != nil {
		return nil, fmt.Errorf("load task %s: %w", taskID, err)
	}
	if task.Status.IsTerminal() {
		p.logger.Debug("task already terminal", slog.String("task_id", taskID), slog.String("status", string(task.Status)))
	}
	return task, nil
}

// countPriorRuns seeds attempt numbers and cost from runs already logged,
// so a redelivered task appends new runs instead of colliding with them and
// its final Cost covers every delivery.
func (p *Processor) countPriorRuns(ctx context.Context, taskID string, r *run) error {
	runs, err := p.deps.Runs.ListRuns(ctx, taskID)
	if err != nil {
		return fmt.Errorf("list runs: %w", err)
	}
	for _, existing := range runs {
		r.cost.Add(existing.TokenUsage)
		if existing.Attempt > r.attempts[existing.ActorName] {
			r.attempts[existing.ActorName] = existing.Attempt
		}
	}
	return nil
}

func (p *Processor) history(ctx context.Context, task *datatypes.Task) []datatypes.Message {
	if p.deps.Sessions == nil || task.SessionID == "" || p.cfg.HistoryLimit == 0 {
		return nil
	}
	// One extra message covers this task's own user turn, filtered below.
	msgs, err := p.deps.Sessions.RecentMessages(ctx, task.SessionID, p.cfg.HistoryLimit+1)
	if err != nil {
		p.logger.Warn("session history unavailable", slog.String("task_id", task.ID), slog.String("error", err.Error()))
		return nil
	}
	out := make([]datatypes.Message, 0, len(msgs))
	for _, m := range msgs {
		if m.TaskID != task.ID {
			out = append(out, m)
		}
	}
	if len(out) > p.cfg.HistoryLimit {
		out = out[len(out)-p.cfg.HistoryLimit:]
	}
	return out
}

// =============================================================================
// Routing phase
// =============================================================================

func (p *Processor) routePhase(ctx context.Context, r *run, history []datatypes.Message) (*routing.Route, error) {
	bo := p.newBackoff()
	for attempt := 1; ; attempt++ {
		route, inv, err := p.deps.Router.Route(ctx, r.task, history)
		p.record(ctx, r, datatypes.RouterActor, datatypes.RoleRouter, inv, err)
		if err == nil {
			attemptsTotal.WithLabelValues(phaseRouting, "ok").Inc()
			return route, nil
		}
		attemptsTotal.WithLabelValues(phaseRouting, "error").Inc()

		if routing.IsUnknownTaskType(err) {
			var re *routing.Error
			errors.As(err, &re)
			msg := "no registered handler can process this task"
			if re.Reasoning != "" {
				msg += ": " + re.Reasoning
			}
			return nil, p.fail(ctx, r, "", datatypes.ErrorTypeUnknownTaskType, msg)
		}
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}

		var ce *classifier.Error
		if !errors.As(err, &ce) {
			return nil, p.fail(ctx, r, "", datatypes.ErrorTypeInternal, "routing failed unexpectedly")
		}
		if attempt < p.cfg.MaxAttempts {
			if err := p.wait(ctx, r.task.ID, phaseRouting, attempt, bo, err); err != nil {
				return nil, err
			}
			continue
		}

		errType, msg := datatypes.ErrorTypeClassifierTimeout, "classifier did not answer in time"
		if ce.Kind == classifier.KindMalformedResponse {
			errType, msg = datatypes.ErrorTypeClassifierMalformed, "classifier returned a malformed decision"
		}
		return nil, p.fail(ctx, r, "", errType, fmt.Sprintf("%s after %d attempts", msg, attempt))
	}
}

// =============================================================================
// Execution phase
// =============================================================================

func (p *Processor) executePhase(ctx context.Context, r *run, route *routing.Route) error {
	h, ok := p.deps.Handlers.Get(route.HandlerName)
	if !ok {
		return p.fail(ctx, r, "", datatypes.ErrorTypeUnknownTaskType,
			fmt.Sprintf("handler %s is not registered", route.HandlerName))
	}
	r.span.SetAttributes(attribute.String("handler_name", h.Name()))

	// Persist the routing decision so observers see it while the handler runs.
	task, err := p.deps.Tasks.Update(context.WithoutCancel(ctx), r.task.ID, datatypes.Patch{
		SelectedHandler: datatypes.StringPtr(route.HandlerName),
		HandlerCategory: datatypes.StringPtr(route.Category),
		RoutingReason:   datatypes.StringPtr(route.Decision.Reasoning),
	})
	if err != nil {
		return fmt.Errorf("record route: %w", err)
	}
	r.task = task

	bo := p.newBackoff()
	for attempt := 1; ; attempt++ {
		out, err := p.invoke(ctx, h, r.task)
		var inv *agents.Invocation
		if out != nil {
			inv = &out.Invocation
		} else {
			var he *agents.HandlerError
			if errors.As(err, &he) {
				inv = &he.Invocation
			}
		}
		p.record(ctx, r, h.Name(), datatypes.RoleExecutor, inv, err)

		if err == nil {
			attemptsTotal.WithLabelValues(phaseExecution, "ok").Inc()
			return p.complete(ctx, r, route, out)
		}
		attemptsTotal.WithLabelValues(phaseExecution, "error").Inc()

		if ctx.Err() != nil {
			return ctx.Err()
		}
		if errors.Is(err, errHandlerPanic) {
			return p.fail(ctx, r, h.Name(), datatypes.ErrorTypeInternal, "handler crashed")
		}
		if !agents.IsTransient(err) {
			return p.fail(ctx, r, h.Name(), datatypes.ErrorTypeHandlerPermanent,
				fmt.Sprintf("%s failed: %s", h.Name(), errorText(err)))
		}
		if attempt < p.cfg.MaxAttempts {
			if err := p.wait(ctx, r.task.ID, phaseExecution, attempt, bo, err); err != nil {
				return err
			}
			continue
		}
		return p.fail(ctx, r, h.Name(), datatypes.ErrorTypeHandlerTransient,
			fmt.Sprintf("%s failed after %d attempts: %s", h.Name(), attempt, errorText(err)))
	}
}

// invoke runs the handler and converts a panic into errHandlerPanic.
func (p *Processor) invoke(ctx context.Context, h agents.Handler, task *datatypes.Task) (out *agents.Output, err error) {
	defer func() {
		if rec := recover(); rec != nil {
			panicsRecovered.Inc()
			p.logger.Error("handler panic recovered",
				slog.String("task_id", task.ID),
				slog.String("handler", h.Name()),
				slog.Any("panic", rec),
			)
			out, err = nil, fmt.Errorf("%w: %v", errHandlerPanic, rec)
		}
	}()
	out, err = h.Run(ctx, task.Clone())
	if err == nil && out == nil {
		err = agents.NewPermanent(h.Name(), errors.New("handler returned no output"))
	}
	return out, err
}

func (p *Processor) wait(ctx context.Context, taskID, phase string, attempt int, bo *backoff.ExponentialBackOff, cause error) error {
	d := bo.NextBackOff()
	retriesTotal.WithLabelValues(phase).Inc()
	p.logger.Warn("retrying after transient failure",
		slog.String("task_id", taskID),
		slog.String("phase", phase),
		slog.Int("attempt", attempt),
		slog.Duration("backoff", d),
		slog.String("error", cause.Error()),
	)
	return p.sleep(ctx, d)
}

// =============================================================================
// Bookkeeping
// =============================================================================

// record appends one execution run. Writes survive cancellation so the
// audit trail of an interrupted attempt is kept.
func (p *Processor) record(ctx context.Context, r *run, actor string, role datatypes.Role, inv *agents.Invocation, runErr error) {
	ctx = context.WithoutCancel(ctx)
	r.attempts[actor]++
	finished := p.now()

	rec := &datatypes.ExecutionRun{
		ID:         datatypes.RunID(r.task.ID, actor, r.attempts[actor]),
		TaskID:     r.task.ID,
		SessionID:  r.task.SessionID,
		ActorName:  actor,
		Role:       role,
		Attempt:    r.attempts[actor],
		Input:      r.task.InputText,
		ToolsUsed:  []string{},
		StartedAt:  finished,
		FinishedAt: finished,
	}
	if inv != nil {
		if inv.Input != "" {
			rec.Input = inv.Input
		}
		rec.Output = inv.Output
		rec.Model = inv.Model
		if inv.ToolsUsed != nil {
			rec.ToolsUsed = append([]string{}, inv.ToolsUsed...)
		}
		rec.TokenUsage = inv.Usage
		if !inv.StartedAt.IsZero() {
			rec.StartedAt = inv.StartedAt.UTC()
		}
		if inv.Duration > 0 {
			rec.FinishedAt = rec.StartedAt.Add(inv.Duration)
		}
		r.cost.Add(inv.Usage)
		if inv.Usage.TotalTokens > 0 {
			llmTokens.WithLabelValues(inv.Model, "prompt").Add(float64(inv.Usage.PromptTokens))
			llmTokens.WithLabelValues(inv.Model, "completion").Add(float64(inv.Usage.CompletionTokens))
		}
	}
	if rec.FinishedAt.Before(rec.StartedAt) {
		rec.FinishedAt = rec.StartedAt
	}
	rec.DurationMS = rec.FinishedAt.Sub(rec.StartedAt).Milliseconds()
	if runErr != nil {
		rec.Error = &datatypes.ErrorInfo{Type: runErrorType(runErr), Message: errorText(runErr)}
	}

	if err := p.deps.Runs.AppendRun(ctx, rec); err != nil {
		p.logger.Error("failed to append execution run",
			slog.String("task_id", r.task.ID),
			slog.String("run_id", rec.ID),
			slog.String("error", err.Error()),
		)
	}
}

func (p *Processor) complete(ctx context.Context, r *run, route *routing.Route, out *agents.Output) error {
	ctx = context.WithoutCancel(ctx)
	now := p.now()
	cost := r.cost
	citations := out.Citations
	if citations == nil {
		citations = []datatypes.Citation{}
	}
	task, err := p.deps.Tasks.Update(ctx, r.task.ID, datatypes.Patch{
		Status:          datatypes.StatusPtr(datatypes.StatusCompleted),
		SelectedHandler: datatypes.StringPtr(route.HandlerName),
		HandlerCategory: datatypes.StringPtr(route.Category),
		RoutingReason:   datatypes.StringPtr(route.Decision.Reasoning),
		Result: &datatypes.Result{
			Summary:       Summarize(out.Content, p.cfg.SummaryRunes),
			Content:       out.Content,
			OutputSubtype: out.OutputSubtype,
			Citations:     citations,
		},
		Cost:        &cost,
		CompletedAt: &now,
	})
	if err != nil {
		return fmt.Errorf("mark completed: %w", err)
	}
	r.task = task
	p.deps.Events.Publish(task.ID, events.StatusEvent(task, now))

	tasksFinished.WithLabelValues(string(datatypes.StatusCompleted), route.HandlerName, "").Inc()
	taskDuration.WithLabelValues(string(datatypes.StatusCompleted)).Observe(task.Duration().Seconds())
	r.span.SetStatus(codes.Ok, "")
	p.logger.Info("task completed",
		slog.String("task_id", task.ID),
		slog.String("handler", route.HandlerName),
		slog.Int("total_tokens", cost.TotalTokens),
		slog.Duration("duration", task.Duration()),
	)

	p.rememberAnswer(ctx, task, route.HandlerName, out.Content)
	return nil
}

func (p *Processor) rememberAnswer(ctx context.Context, task *datatypes.Task, handler, content string) {
	if p.deps.Sessions == nil || task.SessionID == "" {
		return
	}
	msg := &datatypes.Message{
		SessionID:   task.SessionID,
		TaskID:      task.ID,
		Role:        datatypes.MessageRoleAssistant,
		HandlerName: handler,
		Content:     content,
		CreatedAt:   p.now().UTC(),
	}
	if err := p.deps.Sessions.AppendMessage(ctx, msg); err != nil {
		p.logger.Warn("failed to store assistant message", slog.String("task_id", task.ID), slog.String("error", err.Error()))
	}
	if err := p.deps.Sessions.SetLastTask(ctx, task.SessionID, task.ID); err != nil {
		p.logger.Warn("failed to update session", slog.String("task_id", task.ID), slog.String("error", err.Error()))
	}
}

// fail persists a terminal failure. handler is recorded when known.
func (p *Processor) fail(ctx context.Context, r *run, handler, errType, msg string) error {
	ctx = context.WithoutCancel(ctx)
	now := p.now()
	cost := r.cost
	patch := datatypes.Patch{
		Status:      datatypes.StatusPtr(datatypes.StatusFailed),
		Error:       &datatypes.ErrorInfo{Type: errType, Message: msg},
		Cost:        &cost,
		CompletedAt: &now,
	}
	task, err := p.deps.Tasks.Update(ctx, r.task.ID, patch)
	if err != nil {
		return fmt.Errorf("mark failed: %w", err)
	}
	r.task = task
	p.deps.Events.Publish(task.ID, events.StatusEvent(task, now))

	tasksFinished.WithLabelValues(string(datatypes.StatusFailed), handler, errType).Inc()
	taskDuration.WithLabelValues(string(datatypes.StatusFailed)).Observe(task.Duration().Seconds())
	r.span.SetStatus(codes.Error, errType)
	p.logger.Warn("task failed",
		slog.String("task_id", task.ID),
		slog.String("error_type", errType),
		slog.String("message", msg),
	)
	return nil
}

// FailInternal marks a task failed with INTERNAL after an unexpected crash
// outside a handler. Terminal tasks are left alone.
func (p *Processor) FailInternal(ctx context.Context, taskID string, cause any) error {
	ctx = context.WithoutCancel(ctx)
	task, err := p.deps.Tasks.Get(ctx, taskID)
	if err != nil {
		return fmt.Errorf("load task %s: %w", taskID, err)
	}
	if task.Status.IsTerminal() {
		return nil
	}
	p.logger.Error("failing task after internal error", slog.String("task_id", taskID), slog.Any("cause", cause))

	now := p.now()
	if task.Status == datatypes.StatusQueued {
		if task, err = p.deps.Tasks.Update(ctx, taskID, datatypes.Patch{
			Status:    datatypes.StatusPtr(datatypes.StatusProcessing),
			StartedAt: &now,
		}); err != nil {
			return fmt.Errorf("mark processing: %w", err)
		}
		p.deps.Events.Publish(taskID, events.StatusEvent(task, now))
	}
	r := &run{task: task, attempts: map[string]int{}, span: trace.SpanFromContext(ctx)}
	if task.Cost != nil {
		r.cost = *task.Cost
	}
	return p.fail(ctx, r, task.SelectedHandler, datatypes.ErrorTypeInternal, "internal error while processing the task")
}

// =============================================================================
// Helpers
// =============================================================================

func runErrorType(err error) string {
	var ce *classifier.Error
	var he *agents.HandlerError
	switch {
	case routing.IsUnknownTaskType(err):
		return datatypes.ErrorTypeUnknownTaskType
	case errors.As(err, &ce) && ce.Kind == classifier.KindMalformedResponse:
		return datatypes.ErrorTypeClassifierMalformed
	case errors.As(err, &ce):
		return datatypes.ErrorTypeClassifierTimeout
	case errors.As(err, &he) && he.Kind == agents.Transient:
		return datatypes.ErrorTypeHandlerTransient
	case errors.As(err, &he):
		return datatypes.ErrorTypeHandlerPermanent
	default:
		return datatypes.ErrorTypeInternal
	}
}

// errorText flattens err to one bounded line.
func errorText(err error) string {
	s := strings.Join(strings.Fields(err.Error()), " ")
	if r := []rune(s); len(r) > 500 {
		return string(r[:500]) + "..."
	}
	return s
}

// Summarize returns the first prose paragraph of content, skipping
// Markdown headings and fences, capped at maxRunes.
func Summarize(content string, maxRunes int) string {
	for _, para := range strings.Split(content, "\n\n") {
		para = strings.TrimSpace(para)
		if para == "" || strings.HasPrefix(para, "#") || strings.HasPrefix(para, "```") {
			continue
		}
		para = strings.Join(strings.Fields(para), " ")
		if r := []rune(para); maxRunes > 0 && len(r) > maxRunes {
			return strings.TrimSpace(string(r[:maxRunes])) + "..."
		}
		return para
	}
	return ""
}
