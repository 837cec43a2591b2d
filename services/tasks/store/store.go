// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package store persists tasks, execution runs, sessions and messages.
//
// # Description
//
// The interfaces here are what the gateway, processor and HTTP layer depend
// on. BadgerStore is the single implementation, backed by the embedded
// database in services/tasks/storage/badger. Every mutation runs inside one
// read-write transaction, so a reader never sees a half-applied update.
//
// # Key Layout
//
//	task/<id>                         -> Task JSON
//	tidx/<created_unix_nano>/<id>     -> empty (listing index, newest last)
//	run/<task_id>/<started_nano>/<id> -> ExecutionRun JSON
//	rid/<run_id>                      -> empty (write-once guard)
//	sess/<id>                         -> Session JSON
//	msg/<session_id>/<nano>/<task>/<role> -> Message JSON
//
// Timestamps are zero padded so lexical key order equals time order.
package store

import (
	"context"
	"errors"

	"github.com/AleutianAI/AleutianAgents/services/tasks/datatypes"
)

var (
	// ErrNotFound is returned when a task or session does not exist.
	ErrNotFound = errors.New("not found")

	// ErrAlreadyExists is returned by Create for a duplicate task ID.
	ErrAlreadyExists = errors.New("already exists")

	// ErrRunExists is returned when an execution run ID was already appended.
	ErrRunExists = errors.New("execution run already recorded")
)

// TaskStore is the persisted record of task lifecycles.
type TaskStore interface {
	// Create persists a new task. The task must be queued.
	Create(ctx context.Context, task *datatypes.Task) error

	// Get returns a copy of the task or ErrNotFound.
	Get(ctx context.Context, id string) (*datatypes.Task, error)

	// Update applies patch atomically and returns the updated task.
	Update(ctx context.Context, id string, patch datatypes.Patch) (*datatypes.Task, error)

	// List returns one page of tasks matching filter, newest first.
	List(ctx context.Context, filter datatypes.Filter) (*datatypes.Page, error)

	// Each calls fn for every task, oldest first. Returning an error stops.
	Each(ctx context.Context, fn func(*datatypes.Task) error) error
}

// RunLog is the append-only execution run log.
type RunLog interface {
	// AppendRun writes run once. A second append with the same ID fails
	// with ErrRunExists.
	AppendRun(ctx context.Context, run *datatypes.ExecutionRun) error

	// ListRuns returns the runs of a task ordered by StartedAt.
	ListRuns(ctx context.Context, taskID string) ([]*datatypes.ExecutionRun, error)
}

// SessionStore keeps conversational sessions and their messages.
type SessionStore interface {
	// EnsureSession returns the session with id, creating it when id is
	// empty or unknown. A fresh ID is generated in both creation cases.
	EnsureSession(ctx context.Context, id, clientIP string) (*datatypes.Session, error)

	// GetSession returns the session or ErrNotFound.
	GetSession(ctx context.Context, id string) (*datatypes.Session, error)

	// SetLastTask records the most recent task of a session.
	SetLastTask(ctx context.Context, sessionID, taskID string) error

	// AppendMessage stores one conversation turn.
	AppendMessage(ctx context.Context, msg *datatypes.Message) error

	// RecentMessages returns up to limit messages, oldest first.
	RecentMessages(ctx context.Context, sessionID string, limit int) ([]datatypes.Message, error)
}
