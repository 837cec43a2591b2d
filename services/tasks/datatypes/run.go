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
	"fmt"
	"time"
)

// Role distinguishes classifier runs from handler runs.
type Role string

const (
	RoleRouter   Role = "router"
	RoleExecutor Role = "executor"
)

// RouterActor is the actor name recorded on classifier runs.
const RouterActor = "Router"

// TokenUsage is the token accounting reported by the model provider.
type TokenUsage struct {
	PromptTokens     int `json:"prompt_tokens"`
	CompletionTokens int `json:"completion_tokens"`
	TotalTokens      int `json:"total_tokens"`
}

// ExecutionRun is the immutable audit record of one classifier or handler
// invocation, successful or not.
type ExecutionRun struct {
	ID         string     `json:"id"`
	TaskID     string     `json:"task_id"`
	SessionID  string     `json:"session_id,omitempty"`
	ActorName  string     `json:"actor_name"`
	Role       Role       `json:"role"`
	Attempt    int        `json:"attempt"`
	Input      string     `json:"input"`
	Output     string     `json:"output,omitempty"`
	Model      string     `json:"model,omitempty"`
	ToolsUsed  []string   `json:"tools_used"`
	Error      *ErrorInfo `json:"error,omitempty"`
	StartedAt  time.Time  `json:"started_at"`
	FinishedAt time.Time  `json:"finished_at"`
	DurationMS int64      `json:"duration_ms"`
	TokenUsage TokenUsage `json:"token_usage"`
}

// RunID derives the deterministic identifier of an execution run.
//
// The same task, actor and attempt always produce the same ID, so a replayed
// append is detected by the run log instead of creating a duplicate.
func RunID(taskID, actor string, attempt int) string {
	return fmt.Sprintf("%s:%s:%d", taskID, actor, attempt)
}

// Succeeded reports whether the run finished without error.
func (r *ExecutionRun) Succeeded() bool {
	return r.Error == nil
}
