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
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/dgraph-io/badger/v4"
	"github.com/google/uuid"

	"github.com/AleutianAI/AleutianAgents/services/tasks/datatypes"
	kv "github.com/AleutianAI/AleutianAgents/services/tasks/storage/badger"
)

const (
	prefixTask    = "task/"
	prefixIndex   = "tidx/"
	prefixRun     = "run/"
	prefixRunID   = "rid/"
	prefixSession = "sess/"
	prefixMessage = "msg/"
)

func taskKey(id string) []byte { return []byte(prefixTask + id) }

func indexKey(t *datatypes.Task) []byte {
	return []byte(fmt.Sprintf("%s%020d/%s", prefixIndex, t.CreatedAt.UnixNano(), t.ID))
}

func runKey(r *datatypes.ExecutionRun) []byte {
	return []byte(fmt.Sprintf("%s%s/%020d/%s", prefixRun, r.TaskID, r.StartedAt.UnixNano(), r.ID))
}

func messageKey(m *datatypes.Message) []byte {
	return []byte(fmt.Sprintf("%s%s/%020d/%s/%s", prefixMessage, m.SessionID, m.CreatedAt.UnixNano(), m.TaskID, m.Role))
}

// Option configures a BadgerStore.
type Option func(*BadgerStore)

// WithClock overrides the time source used for UpdatedAt and sessions.
func WithClock(now func() time.Time) Option {
	return func(s *BadgerStore) {
		s.now = now
	}
}

// WithLogger sets the store logger.
func WithLogger(logger *slog.Logger) Option {
	return func(s *BadgerStore) {
		s.logger = logger
	}
}

// BadgerStore implements TaskStore, RunLog and SessionStore on one database.
//
// # Thread Safety
//
// Safe for concurrent use. Concurrent Update calls on the same task are
// serialised by Badger's optimistic transactions and retried on conflict.
type BadgerStore struct {
	db     *kv.DB
	now    func() time.Time
	logger *slog.Logger
}

// NewBadgerStore wraps an opened database.
func NewBadgerStore(db *kv.DB, opts ...Option) *BadgerStore {
	s := &BadgerStore{
		db:     db,
		now:    time.Now,
		logger: slog.Default(),
	}
	for _, opt := range opts {
		opt(s)
	}
	s.logger = s.logger.With(slog.String("component", "task_store"))
	return s
}

// =============================================================================
// Helpers
// =============================================================================

func getJSON(txn *badger.Txn, key []byte, out any) error {
	item, err := txn.Get(key)
	if errors.Is(err, badger.ErrKeyNotFound) {
		return ErrNotFound
	}
	if err != nil {
		return err
	}
	return item.Value(func(val []byte) error {
		return json.Unmarshal(val, out)
	})
}

func setJSON(txn *badger.Txn, key []byte, v any) error {
	data, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("marshal %s: %w", key, err)
	}
	return txn.Set(key, data)
}

func exists(txn *badger.Txn, key []byte) (bool, error) {
	_, err := txn.Get(key)
	if errors.Is(err, badger.ErrKeyNotFound) {
		return false, nil
	}
	return err == nil, err
}

// =============================================================================
// TaskStore
// =============================================================================

// Create implements TaskStore.
func (s *BadgerStore) Create(ctx context.Context, task *datatypes.Task) error {
	if task == nil || task.ID == "" {
		return errors.New("task id is required")
	}
	if task.Status != datatypes.StatusQueued {
		return fmt.Errorf("%w: new task must be queued, got %s", datatypes.ErrInvalidTransition, task.Status)
	}
	if err := task.Validate(); err != nil {
		return err
	}

	err := s.db.WithTxn(ctx, func(txn *badger.Txn) error {
		found, err := exists(txn, taskKey(task.ID))
		if err != nil {
			return err
		}
		if found {
			return fmt.Errorf("task %s: %w", task.ID, ErrAlreadyExists)
		}
		if err := setJSON(txn, taskKey(task.ID), task); err != nil {
			return err
		}
		return txn.Set(indexKey(task), nil)
	})
	if err != nil {
		return fmt.Errorf("create task: %w", err)
	}
	return nil
}

// Get implements TaskStore.
func (s *BadgerStore) Get(ctx context.Context, id string) (*datatypes.Task, error) {
	var task datatypes.Task
	err := s.db.WithReadTxn(ctx, func(txn *badger.Txn) error {
		return getJSON(txn, taskKey(id), &task)
	})
	if err != nil {
		return nil, fmt.Errorf("get task %s: %w", id, err)
	}
	return &task, nil
}

// Update implements TaskStore.
//
// # Description
//
// Loads the task, applies patch, validates the result and writes it back in
// one transaction. An illegal transition or a broken invariant aborts the
// transaction and leaves the stored task untouched.
//
// # Outputs
//
//   - *datatypes.Task: The task as committed.
//   - error: ErrNotFound, datatypes.ErrInvalidTransition,
//     datatypes.ErrInvariant or a storage error.
func (s *BadgerStore) Update(ctx context.Context, id string, patch datatypes.Patch) (*datatypes.Task, error) {
	var updated datatypes.Task
	err := s.db.WithTxn(ctx, func(txn *badger.Txn) error {
		var task datatypes.Task
		if err := getJSON(txn, taskKey(id), &task); err != nil {
			return err
		}
		if err := patch.Apply(&task, s.now()); err != nil {
			return err
		}
		if err := task.Validate(); err != nil {
			return err
		}
		if err := setJSON(txn, taskKey(id), &task); err != nil {
			return err
		}
		updated = task
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("update task %s: %w", id, err)
	}
	return &updated, nil
}

// List implements TaskStore.
func (s *BadgerStore) List(ctx context.Context, filter datatypes.Filter) (*datatypes.Page, error) {
	filter = filter.Normalize()
	page := &datatypes.Page{
		Items:    []*datatypes.Task{},
		Page:     filter.Page,
		PageSize: filter.PageSize,
	}
	skip := (filter.Page - 1) * filter.PageSize

	err := s.db.WithReadTxn(ctx, func(txn *badger.Txn) error {
		opts := badger.DefaultIteratorOptions
		opts.Reverse = true
		opts.PrefetchValues = false
		prefix := []byte(prefixIndex)
		it := txn.NewIterator(opts)
		defer it.Close()

		for it.Seek(append(append([]byte{}, prefix...), 0xFF)); it.ValidForPrefix(prefix); it.Next() {
			id := idFromIndexKey(it.Item().Key())
			var task datatypes.Task
			if err := getJSON(txn, taskKey(id), &task); err != nil {
				return fmt.Errorf("load indexed task %s: %w", id, err)
			}
			if !filter.Matches(&task) {
				continue
			}
			if page.Total >= skip && len(page.Items) < filter.PageSize {
				t := task
				page.Items = append(page.Items, &t)
			}
			page.Total++
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("list tasks: %w", err)
	}
	return page, nil
}

// Each implements TaskStore.
func (s *BadgerStore) Each(ctx context.Context, fn func(*datatypes.Task) error) error {
	return s.db.WithReadTxn(ctx, func(txn *badger.Txn) error {
		opts := badger.DefaultIteratorOptions
		opts.PrefetchValues = false
		prefix := []byte(prefixIndex)
		it := txn.NewIterator(opts)
		defer it.Close()

		for it.Seek(prefix); it.ValidForPrefix(prefix); it.Next() {
			if err := ctx.Err(); err != nil {
				return err
			}
			var task datatypes.Task
			if err := getJSON(txn, taskKey(idFromIndexKey(it.Item().Key())), &task); err != nil {
				return err
			}
			if err := fn(&task); err != nil {
				return err
			}
		}
		return nil
	})
}

// idFromIndexKey extracts the task ID from tidx/<nano>/<id>.
func idFromIndexKey(key []byte) string {
	// prefix + 20 digit timestamp + "/"
	offset := len(prefixIndex) + 21
	if len(key) <= offset {
		return ""
	}
	return string(key[offset:])
}

// =============================================================================
// RunLog
// =============================================================================

// AppendRun implements RunLog.
func (s *BadgerStore) AppendRun(ctx context.Context, run *datatypes.ExecutionRun) error {
	if run == nil || run.ID == "" || run.TaskID == "" {
		return errors.New("run id and task id are required")
	}
	if run.ToolsUsed == nil {
		run.ToolsUsed = []string{}
	}

	err := s.db.WithTxn(ctx, func(txn *badger.Txn) error {
		guard := []byte(prefixRunID + run.ID)
		found, err := exists(txn, guard)
		if err != nil {
			return err
		}
		if found {
			return fmt.Errorf("run %s: %w", run.ID, ErrRunExists)
		}
		if err := txn.Set(guard, nil); err != nil {
			return err
		}
		return setJSON(txn, runKey(run), run)
	})
	if err != nil {
		return fmt.Errorf("append run: %w", err)
	}
	return nil
}

// ListRuns implements RunLog.
func (s *BadgerStore) ListRuns(ctx context.Context, taskID string) ([]*datatypes.ExecutionRun, error) {
	runs := []*datatypes.ExecutionRun{}
	err := s.db.WithReadTxn(ctx, func(txn *badger.Txn) error {
		prefix := []byte(prefixRun + taskID + "/")
		it := txn.NewIterator(badger.DefaultIteratorOptions)
		defer it.Close()

		for it.Seek(prefix); it.ValidForPrefix(prefix); it.Next() {
			var run datatypes.ExecutionRun
			if err := it.Item().Value(func(val []byte) error {
				return json.Unmarshal(val, &run)
			}); err != nil {
				return err
			}
			runs = append(runs, &run)
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("list runs for %s: %w", taskID, err)
	}
	return runs, nil
}

// =============================================================================
// SessionStore
// =============================================================================

// EnsureSession implements SessionStore.
func (s *BadgerStore) EnsureSession(ctx context.Context, id, clientIP string) (*datatypes.Session, error) {
	var session datatypes.Session
	err := s.db.WithTxn(ctx, func(txn *badger.Txn) error {
		now := s.now().UTC()
		if id != "" {
			err := getJSON(txn, []byte(prefixSession+id), &session)
			if err == nil {
				session.UpdatedAt = now
				if clientIP != "" {
					session.ClientIP = clientIP
				}
				return setJSON(txn, []byte(prefixSession+id), &session)
			}
			if !errors.Is(err, ErrNotFound) {
				return err
			}
			s.logger.Debug("unknown session id, creating a new session", slog.String("session_id", id))
		}
		session = datatypes.Session{
			ID:        uuid.NewString(),
			ClientIP:  clientIP,
			CreatedAt: now,
			UpdatedAt: now,
		}
		return setJSON(txn, []byte(prefixSession+session.ID), &session)
	})
	if err != nil {
		return nil, fmt.Errorf("ensure session: %w", err)
	}
	return &session, nil
}

// GetSession implements SessionStore.
func (s *BadgerStore) GetSession(ctx context.Context, id string) (*datatypes.Session, error) {
	var session datatypes.Session
	err := s.db.WithReadTxn(ctx, func(txn *badger.Txn) error {
		return getJSON(txn, []byte(prefixSession+id), &session)
	})
	if err != nil {
		return nil, fmt.Errorf("get session %s: %w", id, err)
	}
	return &session, nil
}

// SetLastTask implements SessionStore.
func (s *BadgerStore) SetLastTask(ctx context.Context, sessionID, taskID string) error {
	return s.db.WithTxn(ctx, func(txn *badger.Txn) error {
		key := []byte(prefixSession + sessionID)
		var session datatypes.Session
		if err := getJSON(txn, key, &session); err != nil {
			return fmt.Errorf("session %s: %w", sessionID, err)
		}
		session.LastTaskID = taskID
		session.UpdatedAt = s.now().UTC()
		return setJSON(txn, key, &session)
	})
}

// AppendMessage implements SessionStore.
func (s *BadgerStore) AppendMessage(ctx context.Context, msg *datatypes.Message) error {
	if msg.SessionID == "" {
		return errors.New("message session id is required")
	}
	if msg.CreatedAt.IsZero() {
		msg.CreatedAt = s.now().UTC()
	}
	return s.db.WithTxn(ctx, func(txn *badger.Txn) error {
		return setJSON(txn, messageKey(msg), msg)
	})
}

// RecentMessages implements SessionStore.
func (s *BadgerStore) RecentMessages(ctx context.Context, sessionID string, limit int) ([]datatypes.Message, error) {
	if limit <= 0 || sessionID == "" {
		return []datatypes.Message{}, nil
	}
	var newestFirst []datatypes.Message
	err := s.db.WithReadTxn(ctx, func(txn *badger.Txn) error {
		opts := badger.DefaultIteratorOptions
		opts.Reverse = true
		prefix := []byte(prefixMessage + sessionID + "/")
		it := txn.NewIterator(opts)
		defer it.Close()

		for it.Seek(append(append([]byte{}, prefix...), 0xFF)); it.ValidForPrefix(prefix) && len(newestFirst) < limit; it.Next() {
			var msg datatypes.Message
			if err := it.Item().Value(func(val []byte) error {
				return json.Unmarshal(val, &msg)
			}); err != nil {
				return err
			}
			newestFirst = append(newestFirst, msg)
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("recent messages for %s: %w", sessionID, err)
	}

	out := make([]datatypes.Message, len(newestFirst))
	for i, m := range newestFirst {
		out[len(newestFirst)-1-i] = m
	}
	return out, nil
}
