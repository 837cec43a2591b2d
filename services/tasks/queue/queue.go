// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package queue schedules task IDs for the worker pool.
//
// Delivery is at-least-once: the same ID may be enqueued again by startup
// recovery or by a duplicate submission path, and consumers must tolerate
// it. Leases stop two workers in this process from running the same task at
// the same time.
package queue

import (
	"context"
	"errors"
	"sync"
)

// ErrClosed is returned after Close.
var ErrClosed = errors.New("queue closed")

// Queue carries task IDs from the gateway to workers.
type Queue interface {
	// Enqueue schedules taskID. Blocks while the queue is full.
	Enqueue(ctx context.Context, taskID string) error

	// Dequeue blocks until an ID is available, ctx is done or the queue
	// is closed.
	Dequeue(ctx context.Context) (string, error)

	// Len returns the number of IDs waiting.
	Len() int
}

// MemoryQueue is a bounded in-process FIFO.
//
// # Thread Safety
//
// Safe for concurrent use by any number of producers and consumers.
type MemoryQueue struct {
	ch     chan string
	done   chan struct{}
	closer sync.Once
}

// NewMemoryQueue creates a queue holding at most capacity IDs.
func NewMemoryQueue(capacity int) *MemoryQueue {
	if capacity <= 0 {
		capacity = 1024
	}
	return &MemoryQueue{
		ch:   make(chan string, capacity),
		done: make(chan struct{}),
	}
}

// Enqueue implements Queue.
func (q *MemoryQueue) Enqueue(ctx context.Context, taskID string) error {
	select {
	case <-q.done:
		return ErrClosed
	default:
	}
	select {
	case q.ch <- taskID:
		return nil
	case <-q.done:
		return ErrClosed
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Dequeue implements Queue.
func (q *MemoryQueue) Dequeue(ctx context.Context) (string, error) {
	select {
	case id := <-q.ch:
		return id, nil
	case <-q.done:
		return "", ErrClosed
	case <-ctx.Done():
		return "", ctx.Err()
	}
}

// Len implements Queue.
func (q *MemoryQueue) Len() int {
	return len(q.ch)
}

// Close wakes every blocked caller with ErrClosed. IDs still buffered are
// abandoned; startup recovery re-enqueues them from the store.
func (q *MemoryQueue) Close() {
	q.closer.Do(func() { close(q.done) })
}

// Leases grants exclusive, in-process ownership of a task ID.
type Leases struct {
	mu   sync.Mutex
	held map[string]struct{}
}

// NewLeases creates an empty lease table.
func NewLeases() *Leases {
	return &Leases{held: make(map[string]struct{})}
}

// TryAcquire takes the lease for taskID. It returns false when another
// worker holds it.
func (l *Leases) TryAcquire(taskID string) bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	if _, ok := l.held[taskID]; ok {
		return false
	}
	l.held[taskID] = struct{}{}
	return true
}

// Release gives the lease back.
func (l *Leases) Release(taskID string) {
	l.mu.Lock()
	defer l.mu.Unlock()
	delete(l.held, taskID)
}

// Held returns the number of leases currently taken.
func (l *Leases) Held() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.held)
}
