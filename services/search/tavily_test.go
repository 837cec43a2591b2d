// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package search

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestTavilySearch(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/search", r.URL.Path)
		var req tavilyRequest
		require.NoError(t, json.NewDecoder(r.Body).Decode(&req))
		assert.Equal(t, "tvly-key", req.APIKey)
		assert.Equal(t, "go generics", req.Query)
		assert.Equal(t, 3, req.MaxResults)
		_, _ = w.Write([]byte(`{"results":[
			{"title":"Generics","url":"https://go.dev/doc/tutorial/generics","content":"Tutorial","score":0.9},
			{"title":"Spec","url":"https://go.dev/ref/spec","content":"Type params","score":0.5}
		]}`))
	}))
	defer srv.Close()

	tv := NewTavily(TavilyConfig{APIKey: "tvly-key", BaseURL: srv.URL})
	results, err := tv.Search(context.Background(), "go generics", 3)
	require.NoError(t, err)
	require.Len(t, results, 2)
	assert.Equal(t, "Generics", results[0].Title)
	assert.Equal(t, "Tutorial", results[0].Snippet)
	assert.Equal(t, "tavily", tv.Provider())
}

func TestTavilySearchErrors(t *testing.T) {
	tests := []struct {
		name    string
		status  int
		payload string
	}{
		{"unauthorized", http.StatusUnauthorized, `{"detail":"bad key"}`},
		{"garbage", http.StatusOK, `not json`},
		{"missing results", http.StatusOK, `{}`},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				w.WriteHeader(tt.status)
				_, _ = w.Write([]byte(tt.payload))
			}))
			defer srv.Close()

			_, err := NewTavily(TavilyConfig{APIKey: "k", BaseURL: srv.URL}).Search(context.Background(), "q", 5)
			var searchErr *Error
			require.True(t, errors.As(err, &searchErr))
			assert.Equal(t, "tavily", searchErr.Provider)
		})
	}
}

func TestNewSearcherWithoutKeyIsNop(t *testing.T) {
	s := NewSearcher(TavilyConfig{})
	_, ok := s.(Nop)
	require.True(t, ok)

	results, err := s.Search(context.Background(), "anything", 5)
	require.NoError(t, err)
	assert.Empty(t, results)
}

func TestMockSearcherLimitsResults(t *testing.T) {
	m := &MockSearcher{Results: []Result{{Title: "a"}, {Title: "b"}, {Title: "c"}}}
	got, err := m.Search(context.Background(), "q", 2)
	require.NoError(t, err)
	assert.Len(t, got, 2)
	assert.Equal(t, []string{"q"}, m.Queries())
}
