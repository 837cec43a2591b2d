// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package stats

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/AleutianAI/AleutianAgents/services/tasks/datatypes"
	"github.com/AleutianAI/AleutianAgents/services/tasks/store"
	kv "github.com/AleutianAI/AleutianAgents/services/tasks/storage/badger"
)

var fixedNow = time.Date(2025, 6, 10, 15, 0, 0, 0, time.UTC)

type seeder struct {
	t *testing.T
	s *store.BadgerStore
	n int
}

func (sd *seeder) queued() *datatypes.Task {
	sd.t.Helper()
	sd.n++
	task := datatypes.NewTask(fmt.Sprintf("t-%d", sd.n), "", "x", datatypes.Metadata{}, fixedNow.AddDate(0, 0, -60))
	require.NoError(sd.t, sd.s.Create(context.Background(), task))
	return task
}

func (sd *seeder) completed(handler string, done time.Time, latency time.Duration) {
	sd.t.Helper()
	ctx := context.Background()
	task := sd.queued()
	_, err := sd.s.Update(ctx, task.ID, datatypes.Patch{
		Status:    datatypes.StatusPtr(datatypes.StatusProcessing),
		StartedAt: datatypes.TimePtr(done.Add(-latency)),
	})
	require.NoError(sd.t, err)
	_, err = sd.s.Update(ctx, task.ID, datatypes.Patch{
		Status:          datatypes.StatusPtr(datatypes.StatusCompleted),
		SelectedHandler: datatypes.StringPtr(handler),
		Result:          &datatypes.Result{Content: "ok"},
		CompletedAt:     datatypes.TimePtr(done),
	})
	require.NoError(sd.t, err)
}

func (sd *seeder) failed() {
	sd.t.Helper()
	ctx := context.Background()
	task := sd.queued()
	_, err := sd.s.Update(ctx, task.ID, datatypes.Patch{
		Status:    datatypes.StatusPtr(datatypes.StatusProcessing),
		StartedAt: datatypes.TimePtr(fixedNow.Add(-time.Hour)),
	})
	require.NoError(sd.t, err)
	_, err = sd.s.Update(ctx, task.ID, datatypes.Patch{
		Status:      datatypes.StatusPtr(datatypes.StatusFailed),
		Error:       &datatypes.ErrorInfo{Type: datatypes.ErrorTypeHandlerPermanent, Message: "no"},
		CompletedAt: datatypes.TimePtr(fixedNow.Add(-time.Hour)),
	})
	require.NoError(sd.t, err)
}

func newService(t *testing.T, days int) (*Service, *seeder) {
	t.Helper()
	db, err := kv.OpenInMemory()
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })
	s := store.NewBadgerStore(db)
	svc := NewService(s, days, nil)
	svc.now = func() time.Time { return fixedNow }
	return svc, &seeder{t: t, s: s}
}

func TestSnapshot(t *testing.T) {
	svc, sd := newService(t, 0)
	today := fixedNow.Add(-2 * time.Hour)
	yesterday := fixedNow.AddDate(0, 0, -1)

	sd.completed("CodeHandler", today, 100*time.Millisecond)
	sd.completed("CodeHandler", today, 300*time.Millisecond)
	sd.completed("ContentHandler", today, 200*time.Millisecond)
	sd.completed("ContentHandler", yesterday, time.Second)
	sd.completed("ContentHandler", fixedNow.AddDate(0, 0, -20), time.Second)
	sd.failed()
	sd.queued()
	sd.queued()

	snap, err := svc.Snapshot(context.Background())
	require.NoError(t, err)

	assert.Equal(t, "2025-06-10", snap.Date)
	assert.Equal(t, 2, snap.PendingTasks)

	assert.Equal(t, 3, snap.Today.TotalTasks)
	assert.Equal(t, map[string]int{"CodeHandler": 2, "ContentHandler": 1}, snap.Today.TasksPerAgent)
	assert.InDelta(t, 200, snap.Today.AvgLatencyMS, 0.001)
	assert.InDelta(t, 200, snap.Today.P95LatencyMS, 0.001)

	require.Len(t, snap.Days, DefaultHistoryDays)
	assert.Equal(t, "2025-06-06", snap.Days[0].Date)
	assert.Equal(t, "2025-06-09", snap.Days[3].Date)
	assert.Equal(t, 1, snap.Days[3].TotalTasks)
	assert.Equal(t, 0, snap.Days[0].TotalTasks)
	assert.NotNil(t, snap.Days[0].TasksPerAgent)

	assert.Equal(t, 5, snap.AllTime.TotalTasks)
	assert.Equal(t, 3, snap.AllTime.TasksPerAgent["ContentHandler"])
	require.NotNil(t, snap.AllTime.FirstTaskAt)
	assert.True(t, snap.AllTime.FirstTaskAt.Equal(fixedNow.AddDate(0, 0, -20)))
	assert.True(t, snap.AllTime.LastTaskAt.Equal(today))
}

func TestSnapshot_Empty(t *testing.T) {
	svc, _ := newService(t, 1)
	snap, err := svc.Snapshot(context.Background())
	require.NoError(t, err)
	assert.Zero(t, snap.Today.TotalTasks)
	assert.Zero(t, snap.Today.AvgLatencyMS)
	assert.Len(t, snap.Days, 1)
	assert.Nil(t, snap.AllTime.FirstTaskAt)
}

func TestNewService_ClampsHistory(t *testing.T) {
	assert.Equal(t, DefaultHistoryDays, NewService(nil, 0, nil).historyDays)
	assert.Equal(t, DefaultHistoryDays, NewService(nil, -4, nil).historyDays)
	assert.Equal(t, 12, NewService(nil, 12, nil).historyDays)
	assert.Equal(t, MaxHistoryDays, NewService(nil, 90, nil).historyDays)
}

func TestLatencyStats(t *testing.T) {
	tests := []struct {
		name string
		in   []float64
		avg  float64
		p95  float64
	}{
		{"empty", nil, 0, 0},
		{"single", []float64{42}, 42, 42},
		{"unsorted", []float64{30, 10, 20}, 20, 20},
		{"twenty", seq(20), 10.5, 19},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			avg, p95 := LatencyStats(tt.in)
			assert.InDelta(t, tt.avg, avg, 1e-9)
			assert.InDelta(t, tt.p95, p95, 1e-9)
		})
	}
}

func seq(n int) []float64 {
	out := make([]float64, n)
	for i := range out {
		out[i] = float64(i + 1)
	}
	return out
}
