// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package llm

import (
	"context"
	"errors"
	"sync"
)

// ScriptedStep is one canned reply of a MockClient.
type ScriptedStep struct {
	Text string
	Err  error
}

// MockClient replays scripted steps in order and records every request.
// When the script runs out, the last step repeats.
type MockClient struct {
	mu       sync.Mutex
	steps    []ScriptedStep
	requests []Request
	Model    string
	Usage    Usage
}

// NewMockClient creates a mock with the given script.
func NewMockClient(steps ...ScriptedStep) *MockClient {
	return &MockClient{
		steps: steps,
		Model: "mock-model",
		Usage: Usage{PromptTokens: 10, CompletionTokens: 5, TotalTokens: 15},
	}
}

// Reply is shorthand for a successful step.
func Reply(text string) ScriptedStep {
	return ScriptedStep{Text: text}
}

// Fail is shorthand for a failing step.
func Fail(err error) ScriptedStep {
	return ScriptedStep{Err: err}
}

// Complete implements Client.
func (m *MockClient) Complete(ctx context.Context, req Request) (*Response, error) {
	m.mu.Lock()
	m.requests = append(m.requests, req)
	if len(m.steps) == 0 {
		m.mu.Unlock()
		return nil, NewError(KindUnavailable, errors.New("mock client has no script"))
	}
	step := m.steps[0]
	if len(m.steps) > 1 {
		m.steps = m.steps[1:]
	}
	m.mu.Unlock()

	if err := ctx.Err(); err != nil {
		return nil, NewError(KindTimeout, err)
	}
	if step.Err != nil {
		return nil, step.Err
	}
	model := req.Model
	if model == "" {
		model = m.Model
	}
	return &Response{Text: step.Text, Model: model, Usage: m.Usage}, nil
}

// Requests returns a copy of the recorded requests.
func (m *MockClient) Requests() []Request {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]Request(nil), m.requests...)
}

// Calls returns how many times Complete ran.
func (m *MockClient) Calls() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.requests)
}
