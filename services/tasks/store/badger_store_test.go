// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package store

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/AleutianAI/AleutianAgents/services/tasks/datatypes"
	kv "github.com/AleutianAI/AleutianAgents/services/tasks/storage/badger"
)

func newTestStore(t *testing.T) *BadgerStore {
	t.Helper()
	db, err := kv.OpenInMemory()
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })
	return NewBadgerStore(db)
}

var epoch = time.Date(2025, 6, 1, 9, 0, 0, 0, time.UTC)

func seedTask(t *testing.T, s *BadgerStore, id string, offset time.Duration) *datatypes.Task {
	t.Helper()
	task := datatypes.NewTask(id, "sess", "input "+id, datatypes.Metadata{RequestID: "req-" + id}, epoch.Add(offset))
	require.NoError(t, s.Create(context.Background(), task))
	return task
}

func TestCreateAndGet(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	seedTask(t, s, "a", 0)

	got, err := s.Get(ctx, "a")
	require.NoError(t, err)
	assert.Equal(t, datatypes.StatusQueued, got.Status)
	assert.Equal(t, "input a", got.InputText)
	assert.Equal(t, "req-a", got.Metadata.RequestID)

	err = s.Create(ctx, datatypes.NewTask("a", "", "dup", datatypes.Metadata{}, epoch))
	assert.ErrorIs(t, err, ErrAlreadyExists)

	_, err = s.Get(ctx, "missing")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestCreateRejectsNonQueued(t *testing.T) {
	s := newTestStore(t)
	task := datatypes.NewTask("x", "", "in", datatypes.Metadata{}, epoch)
	task.Status = datatypes.StatusProcessing
	assert.ErrorIs(t, s.Create(context.Background(), task), datatypes.ErrInvalidTransition)
}

func TestUpdateLifecycle(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	seedTask(t, s, "a", 0)

	started := epoch.Add(time.Second)
	task, err := s.Update(ctx, "a", datatypes.Patch{
		Status:    datatypes.StatusPtr(datatypes.StatusProcessing),
		StartedAt: datatypes.TimePtr(started),
	})
	require.NoError(t, err)
	assert.Equal(t, datatypes.StatusProcessing, task.Status)

	_, err = s.Update(ctx, "a", datatypes.Patch{Status: datatypes.StatusPtr(datatypes.StatusCompleted)})
	assert.ErrorIs(t, err, datatypes.ErrInvariant, "completion without result must be rejected")

	stored, err := s.Get(ctx, "a")
	require.NoError(t, err)
	assert.Equal(t, datatypes.StatusProcessing, stored.Status, "rejected update leaves record untouched")

	done := epoch.Add(2 * time.Second)
	task, err = s.Update(ctx, "a", datatypes.Patch{
		Status:      datatypes.StatusPtr(datatypes.StatusFailed),
		Error:       &datatypes.ErrorInfo{Type: datatypes.ErrorTypeUnknownTaskType, Message: "no handler"},
		CompletedAt: datatypes.TimePtr(done),
	})
	require.NoError(t, err)
	assert.Equal(t, datatypes.StatusFailed, task.Status)
	require.NoError(t, task.Validate())

	_, err = s.Update(ctx, "a", datatypes.Patch{Status: datatypes.StatusPtr(datatypes.StatusProcessing)})
	assert.ErrorIs(t, err, datatypes.ErrInvalidTransition)

	_, err = s.Update(ctx, "missing", datatypes.Patch{})
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestConcurrentUpdatesAreAtomic(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	seedTask(t, s, "a", 0)
	_, err := s.Update(ctx, "a", datatypes.Patch{Status: datatypes.StatusPtr(datatypes.StatusProcessing)})
	require.NoError(t, err)

	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			reason := fmt.Sprintf("reason-%d", i)
			_, _ = s.Update(ctx, "a", datatypes.Patch{RoutingReason: &reason})
		}(i)
	}
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			got, err := s.Get(ctx, "a")
			if assert.NoError(t, err) {
				assert.NoError(t, got.Validate())
			}
		}()
	}
	wg.Wait()
}

func TestListNewestFirstWithFilters(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	for i := 0; i < 5; i++ {
		seedTask(t, s, fmt.Sprintf("t%d", i), time.Duration(i)*time.Minute)
	}
	_, err := s.Update(ctx, "t1", datatypes.Patch{
		Status:          datatypes.StatusPtr(datatypes.StatusProcessing),
		HandlerCategory: datatypes.StringPtr("code"),
	})
	require.NoError(t, err)

	page, err := s.List(ctx, datatypes.Filter{Page: 1, PageSize: 2})
	require.NoError(t, err)
	assert.Equal(t, 5, page.Total)
	require.Len(t, page.Items, 2)
	assert.Equal(t, "t4", page.Items[0].ID)
	assert.Equal(t, "t3", page.Items[1].ID)

	page, err = s.List(ctx, datatypes.Filter{Page: 3, PageSize: 2})
	require.NoError(t, err)
	require.Len(t, page.Items, 1)
	assert.Equal(t, "t0", page.Items[0].ID)

	page, err = s.List(ctx, datatypes.Filter{Status: datatypes.StatusQueued})
	require.NoError(t, err)
	assert.Equal(t, 4, page.Total)

	page, err = s.List(ctx, datatypes.Filter{Category: "code"})
	require.NoError(t, err)
	require.Len(t, page.Items, 1)
	assert.Equal(t, "t1", page.Items[0].ID)
}

func TestEachVisitsOldestFirst(t *testing.T) {
	s := newTestStore(t)
	seedTask(t, s, "b", time.Minute)
	seedTask(t, s, "a", 0)

	var ids []string
	err := s.Each(context.Background(), func(task *datatypes.Task) error {
		ids = append(ids, task.ID)
		return nil
	})
	require.NoError(t, err)
	assert.Equal(t, []string{"a", "b"}, ids)
}

func TestRunLogWriteOnceAndOrdered(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	late := &datatypes.ExecutionRun{
		ID: datatypes.RunID("a", "CodeHandler", 1), TaskID: "a",
		ActorName: "CodeHandler", Role: datatypes.RoleExecutor, Attempt: 1,
		StartedAt: epoch.Add(2 * time.Second),
	}
	early := &datatypes.ExecutionRun{
		ID: datatypes.RunID("a", datatypes.RouterActor, 1), TaskID: "a",
		ActorName: datatypes.RouterActor, Role: datatypes.RoleRouter, Attempt: 1,
		StartedAt: epoch.Add(time.Second),
	}
	require.NoError(t, s.AppendRun(ctx, late))
	require.NoError(t, s.AppendRun(ctx, early))

	replay := *late
	replay.Output = "changed"
	assert.ErrorIs(t, s.AppendRun(ctx, &replay), ErrRunExists)

	runs, err := s.ListRuns(ctx, "a")
	require.NoError(t, err)
	require.Len(t, runs, 2)
	assert.Equal(t, datatypes.RoleRouter, runs[0].Role)
	assert.Equal(t, datatypes.RoleExecutor, runs[1].Role)
	assert.Empty(t, runs[1].Output, "original run is immutable")
	assert.NotNil(t, runs[0].ToolsUsed)

	runs, err = s.ListRuns(ctx, "other")
	require.NoError(t, err)
	assert.Empty(t, runs)
}

func TestSessionsAndMessages(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	created, err := s.EnsureSession(ctx, "", "10.0.0.1")
	require.NoError(t, err)
	require.NotEmpty(t, created.ID)

	same, err := s.EnsureSession(ctx, created.ID, "")
	require.NoError(t, err)
	assert.Equal(t, created.ID, same.ID)
	assert.Equal(t, "10.0.0.1", same.ClientIP)

	fresh, err := s.EnsureSession(ctx, "does-not-exist", "")
	require.NoError(t, err)
	assert.NotEqual(t, "does-not-exist", fresh.ID)

	require.NoError(t, s.SetLastTask(ctx, created.ID, "task-9"))
	got, err := s.GetSession(ctx, created.ID)
	require.NoError(t, err)
	assert.Equal(t, "task-9", got.LastTaskID)

	for i := 0; i < 4; i++ {
		require.NoError(t, s.AppendMessage(ctx, &datatypes.Message{
			SessionID: created.ID,
			TaskID:    fmt.Sprintf("task-%d", i),
			Role:      datatypes.MessageRoleUser,
			Content:   fmt.Sprintf("m%d", i),
			CreatedAt: epoch.Add(time.Duration(i) * time.Second),
		}))
	}
	msgs, err := s.RecentMessages(ctx, created.ID, 2)
	require.NoError(t, err)
	require.Len(t, msgs, 2)
	assert.Equal(t, "m2", msgs[0].Content)
	assert.Equal(t, "m3", msgs[1].Content)

	msgs, err = s.RecentMessages(ctx, fresh.ID, 5)
	require.NoError(t, err)
	assert.Empty(t, msgs)
}
