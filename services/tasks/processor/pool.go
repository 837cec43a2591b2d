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
	"context"
	"errors"
	"fmt"
	"log/slog"

	"golang.org/x/sync/errgroup"

	"github.com/AleutianAI/AleutianAgents/services/tasks/datatypes"
	"github.com/AleutianAI/AleutianAgents/services/tasks/queue"
	"github.com/AleutianAI/AleutianAgents/services/tasks/store"
)

// DefaultWorkers is the worker count used when none is configured.
const DefaultWorkers = 4

// Pool runs workers that pull task IDs from a queue.
//
// # Thread Safety
//
// Run may be called once. Recover and a Sweeper may feed the queue while
// Run drains it.
type Pool struct {
	proc    *Processor
	queue   queue.Queue
	workers int
	logger  *slog.Logger
}

// NewPool creates a pool. workers <= 0 selects DefaultWorkers.
func NewPool(proc *Processor, q queue.Queue, workers int, logger *slog.Logger) *Pool {
	if workers <= 0 {
		workers = DefaultWorkers
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Pool{
		proc:    proc,
		queue:   q,
		workers: workers,
		logger:  logger.With(slog.String("component", "worker_pool")),
	}
}

// Run starts the workers and blocks until ctx is cancelled or the queue is
// closed. Task failures never stop a worker.
func (p *Pool) Run(ctx context.Context) error {
	g, ctx := errgroup.WithContext(ctx)
	for i := 0; i < p.workers; i++ {
		worker := i
		g.Go(func() error { return p.work(ctx, worker) })
	}
	p.logger.Info("worker pool started", slog.Int("workers", p.workers))
	err := g.Wait()
	p.logger.Info("worker pool stopped")
	return err
}

func (p *Pool) work(ctx context.Context, worker int) error {
	log := p.logger.With(slog.Int("worker", worker))
	for {
		taskID, err := p.queue.Dequeue(ctx)
		switch {
		case errors.Is(err, queue.ErrClosed), ctx.Err() != nil:
			return nil
		case err != nil:
			log.Error("dequeue failed", slog.String("error", err.Error()))
			continue
		}
		p.handle(ctx, log, taskID)
	}
}

// handle processes one task, turning a panic into an INTERNAL failure.
func (p *Pool) handle(ctx context.Context, log *slog.Logger, taskID string) {
	defer func() {
		if rec := recover(); rec != nil {
			panicsRecovered.Inc()
			log.Error("worker panic recovered", slog.String("task_id", taskID), slog.Any("panic", rec))
			if err := p.proc.FailInternal(ctx, taskID, rec); err != nil {
				log.Error("could not fail task after panic", slog.String("task_id", taskID), slog.String("error", err.Error()))
			}
		}
	}()

	err := p.proc.ProcessOnce(ctx, taskID)
	switch {
	case err == nil:
	case errors.Is(err, ErrTaskNotFound):
		log.Warn("dequeued unknown task", slog.String("task_id", taskID))
	case ctx.Err() != nil:
		log.Info("task interrupted by shutdown", slog.String("task_id", taskID))
	default:
		log.Error("task processing error", slog.String("task_id", taskID), slog.String("error", err.Error()))
	}
}

// Recover re-enqueues every queued or processing task. Run at startup so
// tasks interrupted by a restart are delivered again.
//
// # Description
//
// IDs are collected before any enqueue so no store transaction is held
// while the queue applies backpressure. With a bounded queue Recover blocks
// until workers drain it, so run it alongside Pool.Run, never before.
//
// # Outputs
//
//   - int: Number of tasks enqueued.
//   - error: Store iteration or enqueue failure.
func Recover(ctx context.Context, tasks store.TaskStore, q queue.Queue, logger *slog.Logger) (int, error) {
	if logger == nil {
		logger = slog.Default()
	}
	ids, err := collect(ctx, tasks, func(t *datatypes.Task) bool { return !t.Status.IsTerminal() })
	if err != nil {
		return 0, err
	}
	n, err := enqueueAll(ctx, q, ids)
	if n > 0 {
		logger.Info("re-enqueued unfinished tasks", slog.Int("count", n))
	}
	return n, err
}

func collect(ctx context.Context, tasks store.TaskStore, keep func(*datatypes.Task) bool) ([]string, error) {
	var ids []string
	err := tasks.Each(ctx, func(t *datatypes.Task) error {
		if keep(t) {
			ids = append(ids, t.ID)
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("scan tasks: %w", err)
	}
	return ids, nil
}

func enqueueAll(ctx context.Context, q queue.Queue, ids []string) (int, error) {
	for i, id := range ids {
		if err := q.Enqueue(ctx, id); err != nil {
			return i, fmt.Errorf("enqueue %s: %w", id, err)
		}
	}
	return len(ids), nil
}
