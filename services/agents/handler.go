// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package agents defines the handler contract and the capability registry.
//
// # Description
//
// A Handler turns a routed task into content. Handlers are looked up by
// canonical name through a Registry that is built once at startup and passed
// explicitly to the router and the processor. Adding a capability means
// implementing Handler and registering it; the classifier derives its set of
// allowed names from the registry.
//
// # Error Handling
//
// Handlers report failures as *HandlerError. Transient errors (timeouts,
// rate limits, unavailable backends) are retried by the processor. Permanent
// errors fail the task immediately.
package agents

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/AleutianAI/AleutianAgents/services/llm"
	"github.com/AleutianAI/AleutianAgents/services/tasks/datatypes"
)

// =============================================================================
// Contract
// =============================================================================

// Handler is one capability.
type Handler interface {
	// Name is the canonical registry key, e.g. "CodeHandler".
	Name() string

	// Category is the coarse task category stored on the task, e.g. "code".
	Category() string

	// Description is a one-line summary shown to the classifier.
	Description() string

	// Run produces the output for task. It must not mutate task.
	Run(ctx context.Context, task *datatypes.Task) (*Output, error)
}

// Invocation is what an execution run records about one model call chain.
type Invocation struct {
	Input     string
	Output    string
	Model     string
	ToolsUsed []string
	Usage     datatypes.TokenUsage
	StartedAt time.Time
	Duration  time.Duration
}

// AddUsage folds a provider response's usage into inv.
func (inv *Invocation) AddUsage(u llm.Usage) {
	inv.Usage.PromptTokens += u.PromptTokens
	inv.Usage.CompletionTokens += u.CompletionTokens
	inv.Usage.TotalTokens += u.TotalTokens
}

// Output is the result of one successful handler run.
type Output struct {
	Content       string
	OutputSubtype string
	Citations     []datatypes.Citation
	Invocation    Invocation
}

// =============================================================================
// Errors
// =============================================================================

// ErrorKind tells the processor whether to retry.
type ErrorKind int

const (
	Transient ErrorKind = iota + 1
	Permanent
)

func (k ErrorKind) String() string {
	switch k {
	case Transient:
		return "transient"
	case Permanent:
		return "permanent"
	default:
		return "unknown"
	}
}

// HandlerError is returned by Handler.Run.
type HandlerError struct {
	Kind    ErrorKind
	Handler string
	Err     error

	// Invocation carries whatever was known before the failure, so the
	// failed attempt still gets an accurate execution run.
	Invocation Invocation
}

func (e *HandlerError) Error() string {
	return fmt.Sprintf("handler %s %s error: %v", e.Handler, e.Kind, e.Err)
}

func (e *HandlerError) Unwrap() error {
	return e.Err
}

// NewTransient wraps err as a retryable handler error.
func NewTransient(handler string, err error) *HandlerError {
	return &HandlerError{Kind: Transient, Handler: handler, Err: err}
}

// NewPermanent wraps err as a non-retryable handler error.
func NewPermanent(handler string, err error) *HandlerError {
	return &HandlerError{Kind: Permanent, Handler: handler, Err: err}
}

// FromLLMError converts an LLM client failure into a handler error.
//
// Timeout, RateLimited and Unavailable map to Transient. Invalid and any
// unclassified error map to Permanent.
func FromLLMError(handler string, err error) *HandlerError {
	switch llm.KindOf(err) {
	case llm.KindTimeout, llm.KindRateLimited, llm.KindUnavailable:
		return NewTransient(handler, err)
	default:
		return NewPermanent(handler, err)
	}
}

// IsTransient reports whether err is a transient *HandlerError.
func IsTransient(err error) bool {
	var he *HandlerError
	return errors.As(err, &he) && he.Kind == Transient
}
