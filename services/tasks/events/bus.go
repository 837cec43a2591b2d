// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package events broadcasts task status transitions to observers.
//
// # Description
//
// Channels are keyed by task ID. Each subscription owns a bounded buffer;
// Publish never blocks, so a slow SSE or WebSocket client cannot stall the
// processor or other subscribers. When the buffer is full the oldest queued
// event is dropped in favour of the new one. After a terminal status is
// published every subscription of that task is closed and the topic is
// removed.
//
// # Thread Safety
//
// Bus is safe for concurrent use.
package events

import (
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/AleutianAI/AleutianAgents/services/tasks/datatypes"
)

// Type identifies the kind of event.
type Type string

// TypeStatusChanged is published on every task status transition.
const TypeStatusChanged Type = "status_changed"

// Event is the payload delivered to subscribers.
type Event struct {
	ID           string           `json:"id"`
	TaskID       string           `json:"task_id"`
	Type         Type             `json:"event"`
	Status       datatypes.Status `json:"status"`
	Timestamp    time.Time        `json:"timestamp"`
	ErrorType    string           `json:"error_type,omitempty"`
	ErrorMessage string           `json:"error_message,omitempty"`
}

// StatusEvent builds the status_changed event for the current task state.
func StatusEvent(task *datatypes.Task, at time.Time) Event {
	ev := Event{
		ID:        uuid.NewString(),
		TaskID:    task.ID,
		Type:      TypeStatusChanged,
		Status:    task.Status,
		Timestamp: at.UTC(),
	}
	if task.Error != nil {
		ev.ErrorType = task.Error.Type
		ev.ErrorMessage = task.Error.Message
	}
	return ev
}

// Publisher is the side of the bus the processor and gateway use.
type Publisher interface {
	Publish(taskID string, ev Event)
}

// Subscription is one observer's view of a task's events.
type Subscription struct {
	ID     string
	TaskID string

	ch  chan Event
	bus *Bus
}

// C returns the delivery channel. It is closed after the terminal event or
// on Unsubscribe.
func (s *Subscription) C() <-chan Event {
	return s.ch
}

// Close unsubscribes. Safe to call more than once.
func (s *Subscription) Close() {
	s.bus.Unsubscribe(s)
}

// BusOption configures a Bus.
type BusOption func(*Bus)

// WithBufferSize sets the per-subscription buffer size.
func WithBufferSize(size int) BusOption {
	return func(b *Bus) {
		if size > 0 {
			b.bufferSize = size
		}
	}
}

// WithDropHook registers a callback invoked for every dropped event.
func WithDropHook(fn func(taskID string)) BusOption {
	return func(b *Bus) {
		b.onDrop = fn
	}
}

// WithBusLogger sets the logger.
func WithBusLogger(logger *slog.Logger) BusOption {
	return func(b *Bus) {
		b.logger = logger
	}
}

// Bus is an in-process publish/subscribe hub keyed by task ID.
type Bus struct {
	mu         sync.Mutex
	topics     map[string]map[string]*Subscription
	bufferSize int
	onDrop     func(taskID string)
	logger     *slog.Logger
}

// NewBus creates an empty bus.
func NewBus(opts ...BusOption) *Bus {
	b := &Bus{
		topics:     make(map[string]map[string]*Subscription),
		bufferSize: 16,
		logger:     slog.Default(),
	}
	for _, opt := range opts {
		opt(b)
	}
	return b
}

// Subscribe registers a new observer of taskID.
//
// # Outputs
//
//   - *Subscription: Read events from C(). Call Close when done.
func (b *Bus) Subscribe(taskID string) *Subscription {
	b.mu.Lock()
	defer b.mu.Unlock()

	sub := &Subscription{
		ID:     uuid.NewString(),
		TaskID: taskID,
		ch:     make(chan Event, b.bufferSize),
		bus:    b,
	}
	subs, ok := b.topics[taskID]
	if !ok {
		subs = make(map[string]*Subscription)
		b.topics[taskID] = subs
	}
	subs[sub.ID] = sub
	return sub
}

// Unsubscribe removes sub and closes its channel.
//
// # Outputs
//
//   - bool: True if the subscription was still active.
func (b *Bus) Unsubscribe(sub *Subscription) bool {
	b.mu.Lock()
	defer b.mu.Unlock()

	subs, ok := b.topics[sub.TaskID]
	if !ok {
		return false
	}
	if _, ok := subs[sub.ID]; !ok {
		return false
	}
	delete(subs, sub.ID)
	close(sub.ch)
	if len(subs) == 0 {
		delete(b.topics, sub.TaskID)
	}
	return true
}

// Publish delivers ev to every subscriber of taskID without blocking.
//
// # Description
//
// A full subscriber buffer loses its oldest event. When ev carries a
// terminal status the topic is torn down and all channels are closed
// after delivery.
func (b *Bus) Publish(taskID string, ev Event) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if ev.TaskID == "" {
		ev.TaskID = taskID
	}
	subs := b.topics[taskID]
	for _, sub := range subs {
		b.deliver(sub, ev)
	}

	if ev.Status.IsTerminal() {
		for _, sub := range subs {
			close(sub.ch)
		}
		delete(b.topics, taskID)
	}
}

// deliver must be called with b.mu held.
func (b *Bus) deliver(sub *Subscription, ev Event) {
	for {
		select {
		case sub.ch <- ev:
			return
		default:
		}
		select {
		case <-sub.ch:
			if b.onDrop != nil {
				b.onDrop(sub.TaskID)
			}
			b.logger.Debug("event buffer full, dropped oldest event",
				slog.String("task_id", sub.TaskID),
				slog.String("subscription_id", sub.ID),
			)
		default:
		}
	}
}

// SubscriberCount returns the number of active subscriptions for taskID.
func (b *Bus) SubscriberCount(taskID string) int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.topics[taskID])
}

// Recorder is a Publisher that keeps every event. Used in tests.
type Recorder struct {
	mu     sync.Mutex
	events []Event
}

// NewRecorder creates an empty recorder.
func NewRecorder() *Recorder {
	return &Recorder{}
}

// Publish implements Publisher.
func (r *Recorder) Publish(taskID string, ev Event) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if ev.TaskID == "" {
		ev.TaskID = taskID
	}
	r.events = append(r.events, ev)
}

// Events returns a copy of the recorded events for taskID.
func (r *Recorder) Events(taskID string) []Event {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []Event
	for _, ev := range r.events {
		if ev.TaskID == taskID {
			out = append(out, ev)
		}
	}
	return out
}

// Statuses returns the status sequence published for taskID.
func (r *Recorder) Statuses(taskID string) []datatypes.Status {
	var out []datatypes.Status
	for _, ev := range r.Events(taskID) {
		out = append(out, ev.Status)
	}
	return out
}
