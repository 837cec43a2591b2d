// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package stats aggregates completed-task metrics for the system endpoint.
package stats

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"time"

	"github.com/AleutianAI/AleutianAgents/services/tasks/datatypes"
	"github.com/AleutianAI/AleutianAgents/services/tasks/store"
)

const (
	DefaultHistoryDays = 5
	MaxHistoryDays     = 30
)

// Window summarises completed tasks over one period.
type Window struct {
	TotalTasks    int            `json:"total_tasks"`
	TasksPerAgent map[string]int `json:"tasks_per_agent"`
	AvgLatencyMS  float64        `json:"avg_latency_ms"`
	P95LatencyMS  float64        `json:"p95_latency_ms"`
	FirstTaskAt   *time.Time     `json:"first_task_at,omitempty"`
	LastTaskAt    *time.Time     `json:"last_task_at,omitempty"`

	latenciesMS []float64
}

// Day is the window of one UTC calendar day.
type Day struct {
	Date string `json:"date"`
	Window
}

// Snapshot is the full system metrics payload.
type Snapshot struct {
	Date         string `json:"date"`
	Today        Window `json:"today"`
	PendingTasks int    `json:"pending_tasks"`
	Days         []Day  `json:"last_days"`
	AllTime      Window `json:"all_time"`
}

// Service computes snapshots from the task store.
type Service struct {
	tasks       store.TaskStore
	historyDays int
	now         func() time.Time
	logger      *slog.Logger
}

// NewService creates a stats service. historyDays outside [1, 30] is
// replaced by the default or clamped.
func NewService(tasks store.TaskStore, historyDays int, logger *slog.Logger) *Service {
	if logger == nil {
		logger = slog.Default()
	}
	logger = logger.With(slog.String("component", "stats"))
	switch {
	case historyDays <= 0:
		historyDays = DefaultHistoryDays
	case historyDays > MaxHistoryDays:
		logger.Warn("history days clamped", slog.Int("configured", historyDays), slog.Int("max", MaxHistoryDays))
		historyDays = MaxHistoryDays
	}
	return &Service{tasks: tasks, historyDays: historyDays, now: time.Now, logger: logger}
}

// Snapshot scans the store once and aggregates every window.
//
// # Description
//
// Only completed tasks count toward totals and latency. Latency is
// started_at to completed_at. Days are UTC calendar days ending today,
// listed oldest first. Pending counts queued and processing tasks.
func (s *Service) Snapshot(ctx context.Context) (*Snapshot, error) {
	now := s.now().UTC()
	today := time.Date(now.Year(), now.Month(), now.Day(), 0, 0, 0, 0, time.UTC)
	oldest := today.AddDate(0, 0, -(s.historyDays - 1))

	days := make([]Day, s.historyDays)
	for i := range days {
		days[i] = Day{Date: oldest.AddDate(0, 0, i).Format(time.DateOnly), Window: newWindow()}
	}
	all := newWindow()
	pending := 0

	err := s.tasks.Each(ctx, func(t *datatypes.Task) error {
		if !t.Status.IsTerminal() {
			pending++
			return nil
		}
		if t.Status != datatypes.StatusCompleted || t.CompletedAt == nil {
			return nil
		}
		all.add(t)
		done := t.CompletedAt.UTC()
		if done.Before(oldest) || !done.Before(today.AddDate(0, 0, 1)) {
			return nil
		}
		idx := int(done.Sub(oldest) / (24 * time.Hour))
		days[idx].add(t)
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("scan tasks: %w", err)
	}

	all.finish()
	for i := range days {
		days[i].finish()
		days[i].FirstTaskAt, days[i].LastTaskAt = nil, nil
	}
	snap := &Snapshot{
		Date:         today.Format(time.DateOnly),
		Today:        days[len(days)-1].Window,
		PendingTasks: pending,
		Days:         days,
		AllTime:      all,
	}
	s.logger.Debug("system metrics computed",
		slog.Int("today_total", snap.Today.TotalTasks),
		slog.Int("all_time_total", all.TotalTasks),
		slog.Int("pending", pending),
	)
	return snap, nil
}

func newWindow() Window {
	return Window{TasksPerAgent: map[string]int{}}
}

func (w *Window) add(t *datatypes.Task) {
	w.TotalTasks++
	if t.SelectedHandler != "" {
		w.TasksPerAgent[t.SelectedHandler]++
	}
	if t.StartedAt != nil {
		w.latenciesMS = append(w.latenciesMS, float64(t.CompletedAt.Sub(*t.StartedAt))/float64(time.Millisecond))
	}
	done := t.CompletedAt.UTC()
	if w.FirstTaskAt == nil || done.Before(*w.FirstTaskAt) {
		w.FirstTaskAt = &done
	}
	if w.LastTaskAt == nil || done.After(*w.LastTaskAt) {
		w.LastTaskAt = &done
	}
}

func (w *Window) finish() {
	w.AvgLatencyMS, w.P95LatencyMS = LatencyStats(w.latenciesMS)
	w.latenciesMS = nil
}

// LatencyStats returns the mean and the 95th percentile of latencies.
// The percentile index is int(0.95*n)-1 clamped into range. Empty input
// yields zeros.
func LatencyStats(latencies []float64) (avg, p95 float64) {
	if len(latencies) == 0 {
		return 0, 0
	}
	sorted := append([]float64(nil), latencies...)
	sort.Float64s(sorted)
	sum := 0.0
	for _, v := range sorted {
		sum += v
	}
	idx := int(0.95*float64(len(sorted))) - 1
	idx = max(0, min(idx, len(sorted)-1))
	return sum / float64(len(sorted)), sorted[idx]
}
