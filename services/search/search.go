// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package search provides the web search tool used by the content handler.
package search

import (
	"context"
	"fmt"
	"sync"
)

// Result is one ranked search hit.
type Result struct {
	Title   string  `json:"title"`
	URL     string  `json:"url"`
	Snippet string  `json:"snippet"`
	Score   float64 `json:"score"`
}

// Error reports a failed search. Callers degrade instead of failing.
type Error struct {
	Provider string
	Err      error
}

func (e *Error) Error() string {
	return fmt.Sprintf("search %s: %v", e.Provider, e.Err)
}

func (e *Error) Unwrap() error {
	return e.Err
}

// Searcher returns results ordered by relevance.
type Searcher interface {
	Search(ctx context.Context, query string, maxResults int) ([]Result, error)

	// Provider names the backend, recorded as the citation source.
	Provider() string
}

// Nop is used when no search provider is configured. It always returns no
// results.
type Nop struct{}

// Search implements Searcher.
func (Nop) Search(context.Context, string, int) ([]Result, error) {
	return []Result{}, nil
}

// Provider implements Searcher.
func (Nop) Provider() string { return "none" }

// MockSearcher returns canned results or an error and records queries.
type MockSearcher struct {
	mu      sync.Mutex
	Results []Result
	Err     error
	queries []string
}

// Search implements Searcher.
func (m *MockSearcher) Search(_ context.Context, query string, maxResults int) ([]Result, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.queries = append(m.queries, query)
	if m.Err != nil {
		return nil, &Error{Provider: m.Provider(), Err: m.Err}
	}
	out := m.Results
	if maxResults > 0 && len(out) > maxResults {
		out = out[:maxResults]
	}
	return append([]Result(nil), out...), nil
}

// Provider implements Searcher.
func (m *MockSearcher) Provider() string { return "mock" }

// Queries returns the recorded queries.
func (m *MockSearcher) Queries() []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]string(nil), m.queries...)
}
