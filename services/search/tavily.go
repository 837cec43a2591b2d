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
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/AleutianAI/AleutianAgents/services/secrets"
)

const (
	tavilyProvider   = "tavily"
	defaultTavilyURL = "https://api.tavily.com"
)

// TavilyConfig configures the Tavily client.
type TavilyConfig struct {
	APIKey  string
	BaseURL string
	Timeout time.Duration
}

// Tavily calls the Tavily search API.
//
// # Thread Safety
//
// Safe for concurrent use.
type Tavily struct {
	key     *secrets.Secret
	baseURL string
	http    *http.Client
}

// NewSearcher returns a Tavily client, or Nop when no key is configured.
func NewSearcher(cfg TavilyConfig) Searcher {
	if cfg.APIKey == "" {
		slog.Warn("Tavily web search disabled: TAVILY_API_KEY is not configured")
		return Nop{}
	}
	return NewTavily(cfg)
}

// NewTavily builds a client. The key is sealed in an enclave immediately.
func NewTavily(cfg TavilyConfig) *Tavily {
	if cfg.BaseURL == "" {
		cfg.BaseURL = defaultTavilyURL
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 15 * time.Second
	}
	return &Tavily{
		key:     secrets.New(cfg.APIKey),
		baseURL: strings.TrimRight(cfg.BaseURL, "/"),
		http:    &http.Client{Timeout: cfg.Timeout},
	}
}

// Provider implements Searcher.
func (t *Tavily) Provider() string { return tavilyProvider }

type tavilyRequest struct {
	APIKey            string `json:"api_key"`
	Query             string `json:"query"`
	MaxResults        int    `json:"max_results"`
	IncludeAnswer     bool   `json:"include_answer"`
	IncludeRawContent bool   `json:"include_raw_content"`
}

type tavilyResponse struct {
	Results []struct {
		Title   string  `json:"title"`
		URL     string  `json:"url"`
		Content string  `json:"content"`
		Score   float64 `json:"score"`
	} `json:"results"`
}

// Search implements Searcher.
func (t *Tavily) Search(ctx context.Context, query string, maxResults int) ([]Result, error) {
	var body []byte
	err := t.key.Use(func(key []byte) error {
		var err error
		body, err = json.Marshal(tavilyRequest{
			APIKey:     string(key),
			Query:      query,
			MaxResults: maxResults,
		})
		return err
	})
	if err != nil {
		return nil, &Error{Provider: tavilyProvider, Err: err}
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, t.baseURL+"/search", bytes.NewReader(body))
	if err != nil {
		return nil, &Error{Provider: tavilyProvider, Err: err}
	}
	req.Header.Set("Content-Type", "application/json")

	slog.Debug("tavily search start", "query", query, "max_results", maxResults)
	resp, err := t.http.Do(req)
	if err != nil {
		return nil, &Error{Provider: tavilyProvider, Err: err}
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		snippet, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return nil, &Error{
			Provider: tavilyProvider,
			Err:      fmt.Errorf("status %d: %s", resp.StatusCode, strings.TrimSpace(string(snippet))),
		}
	}

	var parsed tavilyResponse
	if err := json.NewDecoder(resp.Body).Decode(&parsed); err != nil {
		return nil, &Error{Provider: tavilyProvider, Err: fmt.Errorf("decode response: %w", err)}
	}
	if parsed.Results == nil {
		return nil, &Error{Provider: tavilyProvider, Err: errors.New("response has no results field")}
	}

	results := make([]Result, 0, len(parsed.Results))
	for _, r := range parsed.Results {
		results = append(results, Result{Title: r.Title, URL: r.URL, Snippet: r.Content, Score: r.Score})
	}
	slog.Debug("tavily search completed", "query", query, "result_count", len(results))
	return results, nil
}
