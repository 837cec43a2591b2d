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

	"github.com/sashabaranov/go-openai/jsonschema"
)

// Message is one prior turn sent ahead of the user prompt.
type Message struct {
	Role    string `json:"role"` // "user" or "assistant"
	Content string `json:"content"`
}

// Schema asks the backend for structured output matching Definition.
type Schema struct {
	Name       string
	Definition *jsonschema.Definition
	Strict     bool
}

// Request is a single completion call.
type Request struct {
	SystemPrompt string
	UserPrompt   string
	History      []Message
	Model        string
	MaxTokens    int
	Temperature  float32

	// Schema is optional. When set the backend is asked for JSON only.
	Schema *Schema
}

// Usage is provider token accounting.
type Usage struct {
	PromptTokens     int
	CompletionTokens int
	TotalTokens      int
}

// Response is the completion result.
type Response struct {
	Text  string
	Model string
	Usage Usage
}

// Client is the interface every backend implements. Implementations must not
// retry internally; retries are owned by the task processor.
type Client interface {
	Complete(ctx context.Context, req Request) (*Response, error)
}
