// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package datatypes

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCanTransition(t *testing.T) {
	tests := []struct {
		from, to Status
		want     bool
	}{
		{StatusQueued, StatusProcessing, true},
		{StatusQueued, StatusCompleted, false},
		{StatusQueued, StatusFailed, false},
		{StatusProcessing, StatusProcessing, true},
		{StatusProcessing, StatusCompleted, true},
		{StatusProcessing, StatusFailed, true},
		{StatusProcessing, StatusQueued, false},
		{StatusCompleted, StatusFailed, false},
		{StatusCompleted, StatusProcessing, false},
		{StatusFailed, StatusCompleted, false},
		{StatusFailed, StatusQueued, false},
	}
	for _, tt := range tests {
		t.Run(string(tt.from)+"->"+string(tt.to), func(t *testing.T) {
			assert.Equal(t, tt.want, CanTransition(tt.from, tt.to))
		})
	}
}

func TestParseStatus(t *testing.T) {
	s, err := ParseStatus(" Completed ")
	require.NoError(t, err)
	assert.Equal(t, StatusCompleted, s)

	_, err = ParseStatus("cancelled")
	assert.ErrorIs(t, err, ErrInvalidStatus)
}

func TestPatchApply(t *testing.T) {
	created := time.Date(2025, 1, 1, 12, 0, 0, 0, time.UTC)
	task := NewTask("t1", "s1", "hello", Metadata{}, created)

	t.Run("start sets started_at once", func(t *testing.T) {
		first := created.Add(time.Second)
		err := Patch{Status: StatusPtr(StatusProcessing), StartedAt: TimePtr(first)}.Apply(task, first)
		require.NoError(t, err)
		require.NotNil(t, task.StartedAt)
		assert.Equal(t, first, *task.StartedAt)

		second := created.Add(time.Minute)
		err = Patch{Status: StatusPtr(StatusProcessing), StartedAt: TimePtr(second)}.Apply(task, second)
		require.NoError(t, err)
		assert.Equal(t, first, *task.StartedAt)
		assert.Equal(t, second, task.UpdatedAt)
	})

	t.Run("completion then terminal is absorbing", func(t *testing.T) {
		done := created.Add(2 * time.Minute)
		err := Patch{
			Status:          StatusPtr(StatusCompleted),
			SelectedHandler: StringPtr("CodeHandler"),
			Result:          &Result{Content: "x"},
			CompletedAt:     TimePtr(done),
		}.Apply(task, done)
		require.NoError(t, err)
		require.NoError(t, task.Validate())
		assert.NotNil(t, task.Result.Citations, "citations are never nil once stored")

		err = Patch{Status: StatusPtr(StatusFailed)}.Apply(task, done)
		assert.ErrorIs(t, err, ErrInvalidTransition)
		err = Patch{Status: StatusPtr(StatusCompleted)}.Apply(task, done)
		assert.ErrorIs(t, err, ErrInvalidTransition)
	})

	t.Run("updated_at never decreases", func(t *testing.T) {
		before := task.UpdatedAt
		err := Patch{RoutingReason: StringPtr("r")}.Apply(task, created)
		require.NoError(t, err)
		assert.Equal(t, before, task.UpdatedAt)
	})
}

func TestTaskValidate(t *testing.T) {
	now := time.Now().UTC()
	base := func() *Task { return NewTask("t", "", "in", Metadata{}, now) }

	tests := []struct {
		name    string
		mutate  func(*Task)
		wantErr bool
	}{
		{"queued ok", func(*Task) {}, false},
		{"queued with result", func(t *Task) { t.Result = &Result{} }, true},
		{"completed without handler", func(t *Task) {
			t.Status = StatusCompleted
			t.Result = &Result{}
		}, true},
		{"completed with both", func(t *Task) {
			t.Status = StatusCompleted
			t.SelectedHandler = "h"
			t.Result = &Result{}
			t.Error = &ErrorInfo{}
		}, true},
		{"failed with error", func(t *Task) {
			t.Status = StatusFailed
			t.Error = &ErrorInfo{Type: ErrorTypeUnknownTaskType}
		}, false},
		{"failed with neither", func(t *Task) { t.Status = StatusFailed }, true},
		{"started before queued", func(t *Task) {
			s := now.Add(-time.Hour)
			t.StartedAt = &s
		}, true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			task := base()
			tt.mutate(task)
			err := task.Validate()
			if tt.wantErr {
				assert.ErrorIs(t, err, ErrInvariant)
			} else {
				assert.NoError(t, err)
			}
		})
	}
}

func TestCloneIsDeep(t *testing.T) {
	task := NewTask("t", "", "in", Metadata{}, time.Now())
	task.Result = &Result{Citations: []Citation{{Source: "a"}}}
	c := task.Clone()
	c.Result.Citations[0].Source = "b"
	assert.Equal(t, "a", task.Result.Citations[0].Source)
}

func TestFilterNormalize(t *testing.T) {
	f := Filter{Page: 0, PageSize: 500}.Normalize()
	assert.Equal(t, 1, f.Page)
	assert.Equal(t, MaxPageSize, f.PageSize)

	f = Filter{}.Normalize()
	assert.Equal(t, DefaultPageSize, f.PageSize)
}

func TestRunID(t *testing.T) {
	assert.Equal(t, "abc:Router:2", RunID("abc", RouterActor, 2))
}
