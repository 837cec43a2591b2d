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
	"fmt"
	"log/slog"
	"math"
	"net/http"
	"os"
	"strings"
	"time"

	"github.com/sashabaranov/go-openai"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"golang.org/x/time/rate"
)

const openAISecretPath = "/run/secrets/openai_api_key"

// OpenAIConfig configures the OpenAI-compatible backend.
type OpenAIConfig struct {
	APIKey string
	// BaseURL points at any OpenAI-compatible endpoint (Ollama, vLLM).
	// Empty uses api.openai.com.
	BaseURL      string
	DefaultModel string
	// RequestsPerSecond throttles outbound calls. Zero disables throttling.
	RequestsPerSecond float64
	Burst             int
	HTTPClient        *http.Client
}

// ResolveAPIKey returns the key from OPENAI_API_KEY or the Podman secret.
func ResolveAPIKey() (string, error) {
	if key := os.Getenv("OPENAI_API_KEY"); key != "" {
		return key, nil
	}
	raw, err := os.ReadFile(openAISecretPath)
	if err != nil {
		return "", fmt.Errorf("OPENAI_API_KEY not set and secret %s unreadable: %w", openAISecretPath, err)
	}
	slog.Info("Read the OpenAI API Key from Podman Secrets")
	return strings.TrimSpace(string(raw)), nil
}

// OpenAIClient implements Client over the chat completions API.
type OpenAIClient struct {
	client  *openai.Client
	model   string
	limiter *rate.Limiter
}

// NewOpenAIClient builds a client. The API key may be empty only when
// BaseURL points at a local server that does not check it.
func NewOpenAIClient(cfg OpenAIConfig) (*OpenAIClient, error) {
	if cfg.APIKey == "" && cfg.BaseURL == "" {
		return nil, errors.New("openai api key is required")
	}
	if cfg.DefaultModel == "" {
		cfg.DefaultModel = "gpt-4o-mini"
		slog.Warn("llm default model not set, defaulting to gpt-4o-mini")
	}

	oc := openai.DefaultConfig(cfg.APIKey)
	if cfg.BaseURL != "" {
		oc.BaseURL = strings.TrimRight(cfg.BaseURL, "/")
	}
	if cfg.HTTPClient != nil {
		oc.HTTPClient = cfg.HTTPClient
	}

	var limiter *rate.Limiter
	if cfg.RequestsPerSecond > 0 {
		burst := cfg.Burst
		if burst <= 0 {
			burst = 1
		}
		limiter = rate.NewLimiter(rate.Limit(cfg.RequestsPerSecond), burst)
	}

	slog.Info("Initializing OpenAI client", "model", cfg.DefaultModel, "base_url", oc.BaseURL)
	return &OpenAIClient{
		client:  openai.NewClientWithConfig(oc),
		model:   cfg.DefaultModel,
		limiter: limiter,
	}, nil
}

// Complete implements Client.
func (o *OpenAIClient) Complete(ctx context.Context, req Request) (*Response, error) {
	model := req.Model
	if model == "" {
		model = o.model
	}

	ctx, span := otel.Tracer("llm").Start(ctx, "llm.OpenAIClient.Complete")
	defer span.End()
	span.SetAttributes(
		attribute.String("model", model),
		attribute.Bool("structured", req.Schema != nil),
	)

	if o.limiter != nil {
		if err := o.limiter.Wait(ctx); err != nil {
			span.SetStatus(codes.Error, "rate limiter wait")
			return nil, NewError(KindTimeout, fmt.Errorf("wait for rate limiter: %w", err))
		}
	}

	cr := openai.ChatCompletionRequest{
		Model:       model,
		Messages:    buildMessages(req),
		Temperature: req.Temperature,
	}
	// go-openai omits a zero temperature, which the API reads as 1.0.
	if cr.Temperature == 0 {
		cr.Temperature = math.SmallestNonzeroFloat32
	}
	if req.MaxTokens > 0 {
		cr.MaxCompletionTokens = req.MaxTokens
	}
	if req.Schema != nil {
		cr.ResponseFormat = &openai.ChatCompletionResponseFormat{
			Type: openai.ChatCompletionResponseFormatTypeJSONSchema,
			JSONSchema: &openai.ChatCompletionResponseFormatJSONSchema{
				Name:   req.Schema.Name,
				Schema: req.Schema.Definition,
				Strict: req.Schema.Strict,
			},
		}
	}

	start := time.Now()
	resp, err := o.client.CreateChatCompletion(ctx, cr)
	if err != nil {
		classified := classify(err)
		span.RecordError(err)
		span.SetStatus(codes.Error, classified.Kind.String())
		slog.Warn("OpenAI API call failed",
			"model", model,
			"kind", classified.Kind.String(),
			"error", err,
		)
		return nil, classified
	}
	if len(resp.Choices) == 0 {
		span.SetStatus(codes.Error, "no choices")
		return nil, NewError(KindInvalid, errors.New("openai returned no choices"))
	}

	slog.Debug("Received response from OpenAI",
		"model", resp.Model,
		"finish_reason", resp.Choices[0].FinishReason,
		"duration_ms", time.Since(start).Milliseconds(),
	)
	span.SetAttributes(
		attribute.Int("prompt_tokens", resp.Usage.PromptTokens),
		attribute.Int("completion_tokens", resp.Usage.CompletionTokens),
	)

	respModel := resp.Model
	if respModel == "" {
		respModel = model
	}
	return &Response{
		Text:  resp.Choices[0].Message.Content,
		Model: respModel,
		Usage: Usage{
			PromptTokens:     resp.Usage.PromptTokens,
			CompletionTokens: resp.Usage.CompletionTokens,
			TotalTokens:      resp.Usage.TotalTokens,
		},
	}, nil
}

func buildMessages(req Request) []openai.ChatCompletionMessage {
	msgs := make([]openai.ChatCompletionMessage, 0, len(req.History)+2)
	if req.SystemPrompt != "" {
		msgs = append(msgs, openai.ChatCompletionMessage{Role: openai.ChatMessageRoleSystem, Content: req.SystemPrompt})
	}
	for _, m := range req.History {
		role := openai.ChatMessageRoleUser
		if m.Role == "assistant" {
			role = openai.ChatMessageRoleAssistant
		}
		msgs = append(msgs, openai.ChatCompletionMessage{Role: role, Content: m.Content})
	}
	return append(msgs, openai.ChatCompletionMessage{Role: openai.ChatMessageRoleUser, Content: req.UserPrompt})
}
