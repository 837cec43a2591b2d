// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package agents

import (
	"context"
	"sync/atomic"

	"github.com/AleutianAI/AleutianAgents/services/tasks/datatypes"
)

// FuncHandler adapts a function to Handler. Used for tests and for small
// capabilities that need no state of their own.
type FuncHandler struct {
	HandlerName     string
	HandlerCategory string
	Summary         string
	Fn              func(ctx context.Context, task *datatypes.Task) (*Output, error)

	calls atomic.Int64
}

// Name implements Handler.
func (f *FuncHandler) Name() string { return f.HandlerName }

// Category implements Handler.
func (f *FuncHandler) Category() string { return f.HandlerCategory }

// Description implements Handler.
func (f *FuncHandler) Description() string { return f.Summary }

// Run implements Handler.
func (f *FuncHandler) Run(ctx context.Context, task *datatypes.Task) (*Output, error) {
	f.calls.Add(1)
	return f.Fn(ctx, task)
}

// Calls returns how many times Run was invoked.
func (f *FuncHandler) Calls() int {
	return int(f.calls.Load())
}
