// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package content

import (
	"context"
	"errors"
	"strings"
	"testing"
	"unicode/utf8"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/AleutianAI/AleutianAgents/services/agents"
	"github.com/AleutianAI/AleutianAgents/services/llm"
	"github.com/AleutianAI/AleutianAgents/services/search"
	"github.com/AleutianAI/AleutianAgents/services/tasks/datatypes"
)

var threeResults = []search.Result{
	{Title: "Go Blog", URL: "https://go.dev/blog", Snippet: "Line one\nline two"},
	{Title: "Effective Go", URL: "https://go.dev/doc/effective_go", Snippet: "idioms"},
	{Title: "", URL: "https://pkg.go.dev", Snippet: "packages"},
}

func newHandler(t *testing.T, client llm.Client, s search.Searcher) *Handler {
	t.Helper()
	h, err := New(client, s, DefaultConfig(), nil)
	require.NoError(t, err)
	return h
}

func contentTask(input string) *datatypes.Task {
	return &datatypes.Task{ID: "task-1", InputText: input}
}

func TestRun_GroundedAppendsReferences(t *testing.T) {
	mock := llm.NewMockClient(llm.Reply("# Go\n\nGo is simple [1]."))
	searcher := &search.MockSearcher{Results: threeResults}
	h := newHandler(t, mock, searcher)

	out, err := h.Run(context.Background(), contentTask("  write about Go  "))
	require.NoError(t, err)

	assert.Equal(t, []string{"write about Go"}, searcher.Queries())
	assert.Equal(t, []string{ToolWebSearch}, out.Invocation.ToolsUsed)
	require.Len(t, out.Citations, 3)
	assert.Equal(t, "mock", out.Citations[0].Source)

	assert.Contains(t, out.Content, "## References")
	assert.Contains(t, out.Content, `- [1] <a href="https://go.dev/blog" target="_blank" rel="noopener noreferrer">Go Blog</a>`)
	assert.Contains(t, out.Content, `- [3] <a href="https://pkg.go.dev" target="_blank" rel="noopener noreferrer">https://pkg.go.dev</a>`)
	assert.Equal(t, 15, out.Invocation.Usage.TotalTokens)

	req := mock.Requests()[0]
	assert.Contains(t, req.UserPrompt, "[1] Title: Go Blog\nURL: https://go.dev/blog\nSnippet: Line one line two")
	assert.InDelta(t, 0.4, req.Temperature, 1e-6)
}

func TestRun_KeepsModelReferences(t *testing.T) {
	body := "Text [1].\n\n## References\n- [1] Go Blog"
	h := newHandler(t, llm.NewMockClient(llm.Reply(body)), &search.MockSearcher{Results: threeResults})

	out, err := h.Run(context.Background(), contentTask("go"))
	require.NoError(t, err)
	assert.Equal(t, body, out.Content)
	assert.Len(t, out.Citations, 3)
}

func TestRun_SearchErrorDegrades(t *testing.T) {
	mock := llm.NewMockClient(llm.Reply("An article without sources."))
	h := newHandler(t, mock, &search.MockSearcher{Err: errors.New("provider down")})

	out, err := h.Run(context.Background(), contentTask("write about tides"))
	require.NoError(t, err)
	assert.Empty(t, out.Citations)
	assert.NotNil(t, out.Citations)
	assert.Empty(t, out.Invocation.ToolsUsed)
	assert.Equal(t, "An article without sources.", out.Content)
	assert.Contains(t, mock.Requests()[0].UserPrompt, noResultsContext)
}

func TestRun_EmptyResults(t *testing.T) {
	h := newHandler(t, llm.NewMockClient(llm.Reply("Body.")), &search.MockSearcher{})

	out, err := h.Run(context.Background(), contentTask("x"))
	require.NoError(t, err)
	assert.Empty(t, out.Citations)
	assert.Empty(t, out.Invocation.ToolsUsed)
	assert.Equal(t, "Body.", out.Content)
}

func TestRun_NilSearcherIsUngrounded(t *testing.T) {
	h := newHandler(t, llm.NewMockClient(llm.Reply("Body.")), nil)
	out, err := h.Run(context.Background(), contentTask("x"))
	require.NoError(t, err)
	assert.Empty(t, out.Citations)
}

func TestRun_LLMErrorsMapToHandlerErrors(t *testing.T) {
	tests := []struct {
		kind llm.ErrorKind
		want agents.ErrorKind
	}{
		{llm.KindRateLimited, agents.Transient},
		{llm.KindTimeout, agents.Transient},
		{llm.KindInvalid, agents.Permanent},
	}
	for _, tt := range tests {
		t.Run(tt.kind.String(), func(t *testing.T) {
			mock := llm.NewMockClient(llm.Fail(llm.NewError(tt.kind, errors.New("x"))))
			h := newHandler(t, mock, &search.MockSearcher{Results: threeResults})

			_, err := h.Run(context.Background(), contentTask("x"))
			var he *agents.HandlerError
			require.ErrorAs(t, err, &he)
			assert.Equal(t, tt.want, he.Kind)
			assert.Equal(t, Name, he.Handler)
			assert.Equal(t, []string{ToolWebSearch}, he.Invocation.ToolsUsed)
		})
	}
}

func TestRun_CapsResults(t *testing.T) {
	many := make([]search.Result, 0, 8)
	for i := 0; i < 8; i++ {
		many = append(many, search.Result{Title: "t", URL: "https://example.com"})
	}
	h := newHandler(t, llm.NewMockClient(llm.Reply("x")), &search.MockSearcher{Results: many})
	out, err := h.Run(context.Background(), contentTask("x"))
	require.NoError(t, err)
	assert.Len(t, out.Citations, 5)
}

func TestBuildQuery(t *testing.T) {
	assert.Equal(t, "abc", BuildQuery("  abc \n", 200))
	long := strings.Repeat("é", 250)
	assert.Equal(t, 200, utf8.RuneCountInString(BuildQuery(long, 200)))
}

func TestSnippet(t *testing.T) {
	h := newHandler(t, llm.NewMockClient(), nil)

	assert.Equal(t, "a b", h.snippet("a\nb"))

	long := strings.Repeat("word ", 200)
	got := h.snippet(long)
	assert.True(t, strings.HasSuffix(got, "..."))
	assert.LessOrEqual(t, utf8.RuneCountInString(got), 403)
}

func TestAppendReferences(t *testing.T) {
	cites := []datatypes.Citation{{Source: "s", Title: "A", URL: "https://a"}}

	tests := []struct {
		name      string
		content   string
		citations []datatypes.Citation
		wantAdded bool
	}{
		{"adds when missing", "Body", cites, true},
		{"keeps markdown heading", "Body\n## References\n- a", cites, false},
		{"keeps plain heading", "Body\nReferences\n- a", cites, false},
		{"no citations", "Body", nil, false},
		{"no urls", "Body", []datatypes.Citation{{Source: "s", Title: "A"}}, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := AppendReferences(tt.content, tt.citations)
			if tt.wantAdded {
				assert.Equal(t, "Body\n\n## References\n- [1] <a href=\"https://a\" target=\"_blank\" rel=\"noopener noreferrer\">A</a>\n", got)
			} else {
				assert.Equal(t, tt.content, got)
			}
		})
	}
}
