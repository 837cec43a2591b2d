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
	"log/slog"
	"time"

	"github.com/AleutianAI/AleutianAgents/services/tasks/datatypes"
	"github.com/AleutianAI/AleutianAgents/services/tasks/queue"
	"github.com/AleutianAI/AleutianAgents/services/tasks/store"
)

// Sweeper defaults.
const (
	DefaultSweepInterval = 30 * time.Second
	DefaultStaleAfter    = 2 * time.Minute
)

// SweeperOption configures a Sweeper.
type SweeperOption func(*Sweeper)

// WithSweepInterval sets how often the store is scanned.
func WithSweepInterval(d time.Duration) SweeperOption {
	return func(s *Sweeper) {
		if d > 0 {
			s.interval = d
		}
	}
}

// WithStaleAfter sets how long a task may sit queued before it is
// delivered again.
func WithStaleAfter(d time.Duration) SweeperOption {
	return func(s *Sweeper) {
		if d > 0 {
			s.staleAfter = d
		}
	}
}

// WithSweepClock injects the time source.
func WithSweepClock(now func() time.Time) SweeperOption {
	return func(s *Sweeper) { s.now = now }
}

// WithSweepLogger sets the logger.
func WithSweepLogger(logger *slog.Logger) SweeperOption {
	return func(s *Sweeper) {
		if logger != nil {
			s.logger = logger
		}
	}
}

// Sweeper re-enqueues tasks left queued longer than the stale threshold.
//
// # Description
//
// A submission whose enqueue timed out against a full queue is stored but
// never delivered. The sweeper finds such tasks and enqueues them again.
// A task still waiting in the queue may be delivered twice; ProcessOnce
// skips terminal and leased tasks, so the duplicate is harmless. Each ID is
// re-sent at most once per stale period.
//
// # Thread Safety
//
// Run and SweepOnce must not be called concurrently.
type Sweeper struct {
	tasks      store.TaskStore
	queue      queue.Queue
	interval   time.Duration
	staleAfter time.Duration
	now        func() time.Time
	logger     *slog.Logger

	sent map[string]time.Time
}

// NewSweeper creates a sweeper over tasks feeding q.
func NewSweeper(tasks store.TaskStore, q queue.Queue, opts ...SweeperOption) *Sweeper {
	s := &Sweeper{
		tasks:      tasks,
		queue:      q,
		interval:   DefaultSweepInterval,
		staleAfter: DefaultStaleAfter,
		now:        time.Now,
		logger:     slog.Default(),
		sent:       make(map[string]time.Time),
	}
	for _, opt := range opts {
		opt(s)
	}
	s.logger = s.logger.With(slog.String("component", "sweeper"))
	return s
}

// Run sweeps every interval until ctx is done or the queue is closed.
func (s *Sweeper) Run(ctx context.Context) error {
	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
		}
		n, err := s.SweepOnce(ctx)
		switch {
		case errors.Is(err, queue.ErrClosed), ctx.Err() != nil:
			return nil
		case err != nil:
			s.logger.Error("stale task sweep failed", slog.String("error", err.Error()))
		case n > 0:
			s.logger.Warn("re-enqueued stale queued tasks", slog.Int("count", n))
		}
	}
}

// SweepOnce runs one pass and returns how many tasks were enqueued.
func (s *Sweeper) SweepOnce(ctx context.Context) (int, error) {
	now := s.now()
	cutoff := now.Add(-s.staleAfter)

	queued := make(map[string]struct{})
	ids, err := collect(ctx, s.tasks, func(t *datatypes.Task) bool {
		if t.Status != datatypes.StatusQueued {
			return false
		}
		queued[t.ID] = struct{}{}
		if !t.QueuedAt.Before(cutoff) {
			return false
		}
		last, ok := s.sent[t.ID]
		return !ok || !last.After(cutoff)
	})
	if err != nil {
		return 0, err
	}
	for id := range s.sent {
		if _, ok := queued[id]; !ok {
			delete(s.sent, id)
		}
	}

	n, err := enqueueAll(ctx, s.queue, ids)
	for _, id := range ids[:n] {
		s.sent[id] = now
	}
	if n > 0 {
		staleRequeued.Add(float64(n))
	}
	return n, err
}
