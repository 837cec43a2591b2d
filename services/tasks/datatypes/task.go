// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package datatypes defines the persisted entities of the task pipeline.
//
// # Description
//
// A Task is created by the gateway in the queued state and is mutated only
// by the processor afterwards. Execution runs are append-only audit records,
// one per classifier or handler invocation. Sessions and messages carry the
// conversational context that the classifier reads.
//
// # Thread Safety
//
// Values in this package are plain data and are not safe for concurrent
// mutation. Stores hand out copies.
package datatypes

import (
	"errors"
	"fmt"
	"strings"
	"time"
)

// =============================================================================
// Status
// =============================================================================

// Status is the externally visible lifecycle state of a task.
type Status string

const (
	StatusQueued     Status = "queued"
	StatusProcessing Status = "processing"
	StatusCompleted  Status = "completed"
	StatusFailed     Status = "failed"
)

// AllStatuses lists the statuses in lifecycle order.
var AllStatuses = []Status{StatusQueued, StatusProcessing, StatusCompleted, StatusFailed}

// IsTerminal reports whether no transition may leave s.
func (s Status) IsTerminal() bool {
	return s == StatusCompleted || s == StatusFailed
}

// Valid reports whether s is one of the four known statuses.
func (s Status) Valid() bool {
	switch s {
	case StatusQueued, StatusProcessing, StatusCompleted, StatusFailed:
		return true
	}
	return false
}

// ParseStatus converts a client supplied string into a Status.
//
// # Inputs
//
//   - raw: Status name, case-insensitive. Surrounding whitespace is ignored.
//
// # Outputs
//
//   - Status: The parsed status.
//   - error: ErrInvalidStatus when raw names no known status.
func ParseStatus(raw string) (Status, error) {
	s := Status(strings.ToLower(strings.TrimSpace(raw)))
	if !s.Valid() {
		return "", fmt.Errorf("%w: %q", ErrInvalidStatus, raw)
	}
	return s, nil
}

// CanTransition reports whether the state machine allows from -> to.
//
// # Description
//
// Allowed edges are queued->processing, processing->completed and
// processing->failed. processing->processing is allowed so a task that was
// interrupted mid-flight can be picked up again after redelivery.
// Terminal states are absorbing.
func CanTransition(from, to Status) bool {
	switch from {
	case StatusQueued:
		return to == StatusProcessing
	case StatusProcessing:
		return to == StatusProcessing || to == StatusCompleted || to == StatusFailed
	default:
		return false
	}
}

// =============================================================================
// Error Types
// =============================================================================

// Error type codes stored in ErrorInfo.Type.
const (
	ErrorTypeUnknownTaskType     = "UNKNOWN_TASK_TYPE"
	ErrorTypeClassifierTimeout   = "CLASSIFIER_TIMEOUT"
	ErrorTypeClassifierMalformed = "CLASSIFIER_MALFORMED_RESPONSE"
	ErrorTypeHandlerTransient    = "HANDLER_TRANSIENT"
	ErrorTypeHandlerPermanent    = "HANDLER_PERMANENT"
	ErrorTypeInternal            = "INTERNAL"
)

var (
	// ErrInvalidStatus is returned when a status string is not recognised.
	ErrInvalidStatus = errors.New("invalid task status")

	// ErrInvalidTransition is returned when a patch would move a task along
	// an edge the state machine does not allow.
	ErrInvalidTransition = errors.New("invalid status transition")

	// ErrInvariant is returned by Task.Validate.
	ErrInvariant = errors.New("task invariant violated")
)

// =============================================================================
// Task
// =============================================================================

// Citation references one external source used to produce a result.
type Citation struct {
	Source string `json:"source"`
	Title  string `json:"title,omitempty"`
	URL    string `json:"url,omitempty"`
}

// Result is the payload of a completed task.
type Result struct {
	Summary       string     `json:"summary,omitempty"`
	Content       string     `json:"content"`
	OutputSubtype string     `json:"output_subtype,omitempty"`
	Citations     []Citation `json:"citations"`
}

// ErrorInfo describes why a task failed. Message is human readable and never
// contains stack traces.
type ErrorInfo struct {
	Type    string `json:"type"`
	Message string `json:"message"`
}

// Metadata is submission context carried through the pipeline untouched.
type Metadata struct {
	ClientIP  string `json:"client_ip,omitempty"`
	UserAgent string `json:"user_agent,omitempty"`
	RequestID string `json:"request_id,omitempty"`
	APIKeyID  string `json:"api_key_id,omitempty"`
}

// Cost accumulates token usage over every execution run of a task.
type Cost struct {
	PromptTokens     int `json:"prompt_tokens"`
	CompletionTokens int `json:"completion_tokens"`
	TotalTokens      int `json:"total_tokens"`
}

// Add folds one run's usage into c.
func (c *Cost) Add(u TokenUsage) {
	c.PromptTokens += u.PromptTokens
	c.CompletionTokens += u.CompletionTokens
	c.TotalTokens += u.TotalTokens
}

// Task is one unit of client-submitted work.
type Task struct {
	ID              string     `json:"task_id"`
	SessionID       string     `json:"session_id,omitempty"`
	InputText       string     `json:"input_text"`
	Status          Status     `json:"status"`
	SelectedHandler string     `json:"selected_handler,omitempty"`
	HandlerCategory string     `json:"handler_category,omitempty"`
	RoutingReason   string     `json:"routing_reason,omitempty"`
	Result          *Result    `json:"result,omitempty"`
	Error           *ErrorInfo `json:"error,omitempty"`
	Metadata        Metadata   `json:"metadata"`
	Cost            *Cost      `json:"cost,omitempty"`
	CreatedAt       time.Time  `json:"created_at"`
	QueuedAt        time.Time  `json:"queued_at"`
	StartedAt       *time.Time `json:"started_at,omitempty"`
	CompletedAt     *time.Time `json:"completed_at,omitempty"`
	UpdatedAt       time.Time  `json:"updated_at"`
}

// NewTask builds a queued task with all creation timestamps set to now.
func NewTask(id, sessionID, input string, meta Metadata, now time.Time) *Task {
	now = now.UTC()
	return &Task{
		ID:        id,
		SessionID: sessionID,
		InputText: input,
		Status:    StatusQueued,
		Metadata:  meta,
		CreatedAt: now,
		QueuedAt:  now,
		UpdatedAt: now,
	}
}

// Clone returns a deep copy of t.
func (t *Task) Clone() *Task {
	if t == nil {
		return nil
	}
	c := *t
	if t.Result != nil {
		r := *t.Result
		r.Citations = append([]Citation(nil), t.Result.Citations...)
		c.Result = &r
	}
	if t.Error != nil {
		e := *t.Error
		c.Error = &e
	}
	if t.Cost != nil {
		cost := *t.Cost
		c.Cost = &cost
	}
	if t.StartedAt != nil {
		s := *t.StartedAt
		c.StartedAt = &s
	}
	if t.CompletedAt != nil {
		d := *t.CompletedAt
		c.CompletedAt = &d
	}
	return &c
}

// Validate checks the cross-field invariants of a task.
//
// # Description
//
// A terminal task carries exactly one of Result and Error, a completed task
// carries a selected handler, and timestamps never run backwards. A non
// terminal task carries neither Result nor Error.
//
// # Outputs
//
//   - error: Wraps ErrInvariant describing the first violation, or nil.
func (t *Task) Validate() error {
	if t.ID == "" {
		return fmt.Errorf("%w: empty id", ErrInvariant)
	}
	if !t.Status.Valid() {
		return fmt.Errorf("%w: status %q", ErrInvariant, t.Status)
	}
	switch {
	case t.Status.IsTerminal() && (t.Result == nil) == (t.Error == nil):
		return fmt.Errorf("%w: terminal task must carry exactly one of result and error", ErrInvariant)
	case !t.Status.IsTerminal() && (t.Result != nil || t.Error != nil):
		return fmt.Errorf("%w: %s task carries a result or error", ErrInvariant, t.Status)
	case t.Status == StatusCompleted && t.SelectedHandler == "":
		return fmt.Errorf("%w: completed task has no selected handler", ErrInvariant)
	case t.Status == StatusCompleted && t.Result == nil:
		return fmt.Errorf("%w: completed task has no result", ErrInvariant)
	case t.Status == StatusFailed && t.Error == nil:
		return fmt.Errorf("%w: failed task has no error", ErrInvariant)
	}

	if t.QueuedAt.Before(t.CreatedAt) {
		return fmt.Errorf("%w: queued_at precedes created_at", ErrInvariant)
	}
	last := t.QueuedAt
	if t.StartedAt != nil {
		if t.StartedAt.Before(last) {
			return fmt.Errorf("%w: started_at precedes queued_at", ErrInvariant)
		}
		last = *t.StartedAt
	}
	if t.CompletedAt != nil {
		if t.CompletedAt.Before(last) {
			return fmt.Errorf("%w: completed_at precedes started_at", ErrInvariant)
		}
		last = *t.CompletedAt
	}
	if t.UpdatedAt.Before(last) {
		return fmt.Errorf("%w: updated_at precedes latest lifecycle timestamp", ErrInvariant)
	}
	return nil
}

// Duration returns the processing time of a terminal task, or zero.
func (t *Task) Duration() time.Duration {
	if t.StartedAt == nil || t.CompletedAt == nil {
		return 0
	}
	return t.CompletedAt.Sub(*t.StartedAt)
}

// =============================================================================
// Patch
// =============================================================================

// Patch is a partial update applied atomically by the store.
//
// Nil fields are left unchanged. StartedAt is applied only when the task has
// no start time yet, so redelivery never resets it.
type Patch struct {
	Status          *Status
	SelectedHandler *string
	HandlerCategory *string
	RoutingReason   *string
	Result          *Result
	Error           *ErrorInfo
	Cost            *Cost
	StartedAt       *time.Time
	CompletedAt     *time.Time
}

// Apply mutates t according to p and refreshes UpdatedAt.
//
// # Inputs
//
//   - t: Task to mutate in place.
//   - now: Time used for UpdatedAt. Clamped so UpdatedAt never decreases.
//
// # Outputs
//
//   - error: Wraps ErrInvalidTransition when the status change is illegal.
func (p Patch) Apply(t *Task, now time.Time) error {
	if p.Status != nil && *p.Status != t.Status {
		if !CanTransition(t.Status, *p.Status) {
			return fmt.Errorf("%w: %s -> %s", ErrInvalidTransition, t.Status, *p.Status)
		}
	}
	if p.Status != nil && *p.Status == t.Status && t.Status.IsTerminal() {
		return fmt.Errorf("%w: %s is terminal", ErrInvalidTransition, t.Status)
	}
	if p.Status != nil {
		t.Status = *p.Status
	}
	if p.SelectedHandler != nil {
		t.SelectedHandler = *p.SelectedHandler
	}
	if p.HandlerCategory != nil {
		t.HandlerCategory = *p.HandlerCategory
	}
	if p.RoutingReason != nil {
		t.RoutingReason = *p.RoutingReason
	}
	if p.Result != nil {
		r := *p.Result
		if r.Citations == nil {
			r.Citations = []Citation{}
		}
		t.Result = &r
	}
	if p.Error != nil {
		e := *p.Error
		t.Error = &e
	}
	if p.Cost != nil {
		c := *p.Cost
		t.Cost = &c
	}
	if p.StartedAt != nil && t.StartedAt == nil {
		s := p.StartedAt.UTC()
		t.StartedAt = &s
	}
	if p.CompletedAt != nil && t.CompletedAt == nil {
		c := p.CompletedAt.UTC()
		t.CompletedAt = &c
	}

	now = now.UTC()
	if now.Before(t.UpdatedAt) {
		now = t.UpdatedAt
	}
	t.UpdatedAt = now
	return nil
}

// StatusPtr is a helper for building patches.
func StatusPtr(s Status) *Status { return &s }

// StringPtr is a helper for building patches.
func StringPtr(s string) *string { return &s }

// TimePtr is a helper for building patches.
func TimePtr(t time.Time) *time.Time { return &t }

// =============================================================================
// Listing
// =============================================================================

// Filter selects a page of tasks, newest first.
type Filter struct {
	Status   Status
	Category string
	Page     int
	PageSize int
}

const (
	DefaultPageSize = 20
	MaxPageSize     = 100
)

// Normalize clamps paging values into the accepted range.
func (f Filter) Normalize() Filter {
	if f.Page < 1 {
		f.Page = 1
	}
	if f.PageSize < 1 {
		f.PageSize = DefaultPageSize
	}
	if f.PageSize > MaxPageSize {
		f.PageSize = MaxPageSize
	}
	return f
}

// Matches reports whether t passes the status and category filters.
func (f Filter) Matches(t *Task) bool {
	if f.Status != "" && t.Status != f.Status {
		return false
	}
	if f.Category != "" && t.HandlerCategory != f.Category {
		return false
	}
	return true
}

// Page is one page of a task listing.
type Page struct {
	Items    []*Task `json:"items"`
	Total    int     `json:"total"`
	Page     int     `json:"page"`
	PageSize int     `json:"page_size"`
}
