// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package content implements the grounded long-form writing handler.
//
// # Description
//
// The handler searches the web for the task text, feeds the numbered results
// to the LLM as context and guarantees a references section in the output.
// Search failures never fail the task: the handler falls back to an
// ungrounded generation with no citations and an empty tool list.
package content

import (
	"context"
	"errors"
	"fmt"
	"html"
	"log/slog"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/tmc/langchaingo/textsplitter"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"

	"github.com/AleutianAI/AleutianAgents/services/agents"
	"github.com/AleutianAI/AleutianAgents/services/llm"
	"github.com/AleutianAI/AleutianAgents/services/search"
	"github.com/AleutianAI/AleutianAgents/services/tasks/datatypes"
)

const (
	// Name is the registry key.
	Name = "ContentHandler"

	// Category is stored on tasks routed here.
	Category = "content"

	// ToolWebSearch marks a run grounded in search results.
	ToolWebSearch = "web_search"

	noResultsContext = "No search results."
)

var snippetSeparators = []string{"\n\n", ". ", "; ", ", ", " ", ""}

// Config tunes the handler.
type Config struct {
	Model           string  `yaml:"model" validate:"required"`
	Temperature     float32 `yaml:"temperature" validate:"gte=0,lte=2"`
	MaxTokens       int     `yaml:"max_tokens" validate:"gt=0"`
	MaxResults      int     `yaml:"max_results" validate:"gte=1,lte=10"`
	MinResults      int     `yaml:"min_results" validate:"gte=0"`
	MaxQueryRunes   int     `yaml:"max_query_runes" validate:"gt=0"`
	MaxSnippetRunes int     `yaml:"max_snippet_runes" validate:"gt=0"`
}

// DefaultConfig returns production defaults.
func DefaultConfig() Config {
	return Config{
		Model:           "gpt-4.1",
		Temperature:     0.4,
		MaxTokens:       4096,
		MaxResults:      5,
		MinResults:      3,
		MaxQueryRunes:   200,
		MaxSnippetRunes: 400,
	}
}

// Handler writes grounded articles.
//
// # Thread Safety
//
// Safe for concurrent use.
type Handler struct {
	client   llm.Client
	searcher search.Searcher
	cfg      Config
	splitter textsplitter.TextSplitter
	logger   *slog.Logger
}

// New creates a content handler. A nil searcher disables grounding.
func New(client llm.Client, searcher search.Searcher, cfg Config, logger *slog.Logger) (*Handler, error) {
	if client == nil {
		return nil, errors.New("llm client must not be nil")
	}
	if cfg.MaxResults <= 0 || cfg.MaxSnippetRunes <= 0 || cfg.MaxQueryRunes <= 0 {
		return nil, fmt.Errorf("invalid content handler config: %+v", cfg)
	}
	if searcher == nil {
		searcher = search.Nop{}
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Handler{
		client:   client,
		searcher: searcher,
		cfg:      cfg,
		splitter: textsplitter.NewRecursiveCharacter(
			textsplitter.WithChunkSize(cfg.MaxSnippetRunes),
			textsplitter.WithChunkOverlap(0),
			textsplitter.WithSeparators(snippetSeparators),
		),
		logger: logger.With(slog.String("component", "content_handler")),
	}, nil
}

// Name implements agents.Handler.
func (h *Handler) Name() string { return Name }

// Category implements agents.Handler.
func (h *Handler) Category() string { return Category }

// Description implements agents.Handler.
func (h *Handler) Description() string {
	return "Writes long-form prose such as articles, blog posts, explanations and summaries, grounded in web search results with citations."
}

// Run implements agents.Handler.
//
// # Description
//
// Searches, builds the numbered context, generates and post-processes the
// article. The invocation records "web_search" in ToolsUsed only when at
// least one result was used.
//
// # Outputs
//
//   - *agents.Output: Article with citations, possibly empty.
//   - error: *agents.HandlerError mapped from the LLM failure.
func (h *Handler) Run(ctx context.Context, task *datatypes.Task) (*agents.Output, error) {
	ctx, span := otel.Tracer("content").Start(ctx, "content.Handler.Run")
	defer span.End()
	span.SetAttributes(attribute.String("task_id", task.ID))

	inv := agents.Invocation{
		Input:     task.InputText,
		Model:     h.cfg.Model,
		ToolsUsed: []string{},
		StartedAt: time.Now(),
	}

	results := h.search(ctx, task)
	citations := make([]datatypes.Citation, 0, len(results))
	for _, r := range results {
		citations = append(citations, datatypes.Citation{
			Source: h.searcher.Provider(),
			Title:  r.Title,
			URL:    r.URL,
		})
	}
	if len(results) > 0 {
		inv.ToolsUsed = []string{ToolWebSearch}
	}
	span.SetAttributes(attribute.Int("search_results", len(results)))

	resp, err := h.client.Complete(ctx, llm.Request{
		SystemPrompt: systemPrompt,
		UserPrompt:   fmt.Sprintf(userPromptFormat, task.InputText, h.searchContext(results)),
		Model:        h.cfg.Model,
		MaxTokens:    h.cfg.MaxTokens,
		Temperature:  h.cfg.Temperature,
	})
	inv.Duration = time.Since(inv.StartedAt)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "generation failed")
		herr := agents.FromLLMError(Name, err)
		herr.Invocation = inv
		return nil, herr
	}
	inv.AddUsage(resp.Usage)
	inv.Model = resp.Model
	inv.Output = resp.Text

	content := AppendReferences(resp.Text, citations)
	h.logger.Info("content generated",
		slog.String("task_id", task.ID),
		slog.Int("citations", len(citations)),
		slog.Int("prompt_tokens", resp.Usage.PromptTokens),
		slog.Int("completion_tokens", resp.Usage.CompletionTokens),
	)
	return &agents.Output{
		Content:    content,
		Citations:  citations,
		Invocation: inv,
	}, nil
}

// search runs the search tool and never fails.
func (h *Handler) search(ctx context.Context, task *datatypes.Task) []search.Result {
	query := BuildQuery(task.InputText, h.cfg.MaxQueryRunes)
	results, err := h.searcher.Search(ctx, query, h.cfg.MaxResults)
	if err != nil {
		h.logger.Warn("search failed, generating without grounding",
			slog.String("task_id", task.ID),
			slog.String("provider", h.searcher.Provider()),
			slog.String("error", err.Error()),
		)
		return nil
	}
	if len(results) > h.cfg.MaxResults {
		results = results[:h.cfg.MaxResults]
	}
	switch {
	case len(results) == 0:
		h.logger.Warn("search returned no results", slog.String("task_id", task.ID))
	case len(results) < h.cfg.MinResults:
		h.logger.Warn("search returned few results",
			slog.String("task_id", task.ID),
			slog.Int("found", len(results)),
			slog.Int("min", h.cfg.MinResults),
		)
	}
	return results
}

func (h *Handler) searchContext(results []search.Result) string {
	if len(results) == 0 {
		return noResultsContext
	}
	entries := make([]string, 0, len(results))
	for i, r := range results {
		entries = append(entries, fmt.Sprintf("[%d] Title: %s\nURL: %s\nSnippet: %s",
			i+1, r.Title, r.URL, h.snippet(r.Snippet)))
	}
	return strings.Join(entries, "\n\n")
}

// snippet flattens newlines and cuts s to MaxSnippetRunes on a natural
// boundary, marking the cut with "...".
func (h *Handler) snippet(s string) string {
	s = strings.ReplaceAll(s, "\n", " ")
	max := h.cfg.MaxSnippetRunes
	if utf8.RuneCountInString(s) <= max {
		return s
	}
	chunks, err := h.splitter.SplitText(s)
	if err == nil && len(chunks) > 0 && utf8.RuneCountInString(chunks[0]) <= max {
		return chunks[0] + "..."
	}
	return string([]rune(s)[:max]) + "..."
}

// BuildQuery trims text and caps it at maxRunes.
func BuildQuery(text string, maxRunes int) string {
	q := strings.TrimSpace(text)
	if r := []rune(q); len(r) > maxRunes {
		return string(r[:maxRunes])
	}
	return q
}

// AppendReferences adds a numbered references section built from citations
// when content has none. Citations without a URL are skipped; if none has a
// URL the content is returned unchanged.
func AppendReferences(content string, citations []datatypes.Citation) string {
	if len(citations) == 0 {
		return content
	}
	lower := strings.ToLower(content)
	if strings.Contains(lower, "## references") || strings.Contains(lower, "\nreferences\n") {
		return content
	}

	var b strings.Builder
	n := 0
	for _, c := range citations {
		if c.URL == "" {
			continue
		}
		n++
		title := c.Title
		if title == "" {
			title = c.URL
		}
		fmt.Fprintf(&b, "- [%d] <a href=\"%s\" target=\"_blank\" rel=\"noopener noreferrer\">%s</a>\n",
			n, html.EscapeString(c.URL), html.EscapeString(title))
	}
	if n == 0 {
		return content
	}
	return strings.TrimRight(content, " \t\n") + "\n\n## References\n" + b.String()
}
