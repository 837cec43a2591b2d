// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package events

import (
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/AleutianAI/AleutianAgents/services/tasks/datatypes"
)

func statusEvent(s datatypes.Status) Event {
	return Event{Type: TypeStatusChanged, Status: s, Timestamp: time.Now()}
}

func drain(t *testing.T, sub *Subscription) []datatypes.Status {
	t.Helper()
	var got []datatypes.Status
	timeout := time.After(time.Second)
	for {
		select {
		case ev, ok := <-sub.C():
			if !ok {
				return got
			}
			got = append(got, ev.Status)
		case <-timeout:
			t.Fatal("subscription was not closed")
			return got
		}
	}
}

func TestBusDeliversInOrderAndClosesOnTerminal(t *testing.T) {
	bus := NewBus()
	a := bus.Subscribe("task")
	b := bus.Subscribe("task")
	other := bus.Subscribe("other")

	bus.Publish("task", statusEvent(datatypes.StatusQueued))
	bus.Publish("task", statusEvent(datatypes.StatusProcessing))
	bus.Publish("task", statusEvent(datatypes.StatusCompleted))

	want := []datatypes.Status{datatypes.StatusQueued, datatypes.StatusProcessing, datatypes.StatusCompleted}
	assert.Equal(t, want, drain(t, a))
	assert.Equal(t, want, drain(t, b))
	assert.Equal(t, 0, bus.SubscriberCount("task"))
	assert.Equal(t, 1, bus.SubscriberCount("other"))

	select {
	case ev := <-other.C():
		t.Fatalf("unexpected cross-task event %+v", ev)
	default:
	}
	other.Close()
}

func TestBusSlowSubscriberDropsOldest(t *testing.T) {
	var dropped atomic.Int32
	bus := NewBus(WithBufferSize(2), WithDropHook(func(string) { dropped.Add(1) }))
	slow := bus.Subscribe("task")

	done := make(chan struct{})
	go func() {
		defer close(done)
		bus.Publish("task", statusEvent(datatypes.StatusQueued))
		bus.Publish("task", statusEvent(datatypes.StatusProcessing))
		bus.Publish("task", statusEvent(datatypes.StatusProcessing))
		bus.Publish("task", statusEvent(datatypes.StatusFailed))
	}()

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("publish blocked on a slow subscriber")
	}

	got := drain(t, slow)
	require.Len(t, got, 2)
	assert.Equal(t, datatypes.StatusFailed, got[1], "terminal event is never the one dropped")
	assert.Equal(t, int32(2), dropped.Load())
}

func TestBusUnsubscribe(t *testing.T) {
	bus := NewBus()
	sub := bus.Subscribe("task")
	assert.True(t, bus.Unsubscribe(sub))
	assert.False(t, bus.Unsubscribe(sub))
	sub.Close()

	_, ok := <-sub.C()
	assert.False(t, ok)

	// Publishing to a topic without subscribers is a no-op.
	bus.Publish("task", statusEvent(datatypes.StatusCompleted))
}

func TestStatusEventCarriesError(t *testing.T) {
	task := datatypes.NewTask("t", "", "x", datatypes.Metadata{}, time.Now())
	task.Status = datatypes.StatusFailed
	task.Error = &datatypes.ErrorInfo{Type: datatypes.ErrorTypeUnknownTaskType, Message: "low confidence"}

	ev := StatusEvent(task, time.Now())
	assert.Equal(t, "t", ev.TaskID)
	assert.Equal(t, TypeStatusChanged, ev.Type)
	assert.Equal(t, datatypes.ErrorTypeUnknownTaskType, ev.ErrorType)
	assert.NotEmpty(t, ev.ID)
}

func TestRecorder(t *testing.T) {
	r := NewRecorder()
	r.Publish("a", statusEvent(datatypes.StatusQueued))
	r.Publish("b", statusEvent(datatypes.StatusQueued))
	r.Publish("a", statusEvent(datatypes.StatusProcessing))
	assert.Equal(t, []datatypes.Status{datatypes.StatusQueued, datatypes.StatusProcessing}, r.Statuses("a"))
}
