// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package code implements the code generation handler.
//
// # Description
//
// Generation runs in two LLM calls: a planning call that picks the target
// language and outlines the work, then a generation call bound to a
// {language, description, code} JSON contract. A reply that does not fit the
// contract is not a failure: the handler falls back to the default language
// with the raw reply as the description and flags the run. Generated code is
// parsed with tree-sitter when a grammar exists; syntax errors are recorded
// on the run, never fatal.
package code

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/sashabaranov/go-openai/jsonschema"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"

	"github.com/AleutianAI/AleutianAgents/services/agents"
	"github.com/AleutianAI/AleutianAgents/services/agents/classifier"
	"github.com/AleutianAI/AleutianAgents/services/llm"
	"github.com/AleutianAI/AleutianAgents/services/tasks/datatypes"
)

const (
	// Name is the registry key.
	Name = "CodeHandler"

	// Category is stored on tasks routed here.
	Category = "code"

	// ToolStructuredFallback marks a reply that missed the JSON contract.
	ToolStructuredFallback = "structured_output_fallback"

	// ToolSyntaxError marks generated code that failed to parse.
	ToolSyntaxError = "syntax_check:error"
)

// Config tunes the handler.
type Config struct {
	PlanModel       string  `yaml:"plan_model" validate:"required"`
	Model           string  `yaml:"model" validate:"required"`
	PlanTemperature float32 `yaml:"plan_temperature" validate:"gte=0,lte=2"`
	Temperature     float32 `yaml:"temperature" validate:"gte=0,lte=2"`
	MaxTokens       int     `yaml:"max_tokens" validate:"gt=0"`
	DefaultLanguage string  `yaml:"default_language" validate:"required"`
	SyntaxCheck     bool    `yaml:"syntax_check"`
	SkipPlanning    bool    `yaml:"skip_planning"`
}

// DefaultConfig returns production defaults.
func DefaultConfig() Config {
	return Config{
		PlanModel:       "gpt-4.1-mini",
		Model:           "gpt-4.1",
		PlanTemperature: 0,
		Temperature:     0.2,
		MaxTokens:       4096,
		DefaultLanguage: "python",
		SyntaxCheck:     true,
	}
}

// Artifact is the generation contract.
type Artifact struct {
	Language    string `json:"language"`
	Description string `json:"description"`
	Code        string `json:"code"`
}

// plan is the planning contract.
type plan struct {
	Language      string `json:"language"`
	Description   string `json:"description"`
	TestsRequired bool   `json:"tests_required"`
	Notes         string `json:"notes"`
}

// Handler generates code.
//
// # Thread Safety
//
// Safe for concurrent use.
type Handler struct {
	client llm.Client
	cfg    Config
	logger *slog.Logger
}

// New creates a code handler.
func New(client llm.Client, cfg Config, logger *slog.Logger) (*Handler, error) {
	if client == nil {
		return nil, errors.New("llm client must not be nil")
	}
	if strings.TrimSpace(cfg.DefaultLanguage) == "" {
		return nil, errors.New("default language must not be empty")
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Handler{
		client: client,
		cfg:    cfg,
		logger: logger.With(slog.String("component", "code_handler")),
	}, nil
}

// Name implements agents.Handler.
func (h *Handler) Name() string { return Name }

// Category implements agents.Handler.
func (h *Handler) Category() string { return Category }

// Description implements agents.Handler.
func (h *Handler) Description() string {
	return "Writes, fixes or explains source code in any programming language and returns it with a short description."
}

// Run implements agents.Handler.
//
// # Outputs
//
//   - *agents.Output: Markdown with a description and a fenced code block.
//     OutputSubtype is the lowercase language.
//   - error: *agents.HandlerError mapped from an LLM failure.
func (h *Handler) Run(ctx context.Context, task *datatypes.Task) (*agents.Output, error) {
	ctx, span := otel.Tracer("code").Start(ctx, "code.Handler.Run")
	defer span.End()
	span.SetAttributes(attribute.String("task_id", task.ID))

	inv := agents.Invocation{
		Input:     task.InputText,
		Model:     h.cfg.Model,
		ToolsUsed: []string{},
		StartedAt: time.Now(),
	}
	fail := func(err error) (*agents.Output, error) {
		inv.Duration = time.Since(inv.StartedAt)
		span.RecordError(err)
		span.SetStatus(codes.Error, "code generation failed")
		herr := agents.FromLLMError(Name, err)
		herr.Invocation = inv
		return nil, herr
	}

	p := plan{Language: h.cfg.DefaultLanguage}
	if !h.cfg.SkipPlanning {
		var err error
		if p, err = h.plan(ctx, task, &inv); err != nil {
			return fail(err)
		}
	}

	resp, err := h.client.Complete(ctx, llm.Request{
		SystemPrompt: generateSystemPrompt,
		UserPrompt: fmt.Sprintf(generateUserFormat, task.InputText,
			p.Language, p.Description, p.TestsRequired, p.Notes),
		Model:       h.cfg.Model,
		MaxTokens:   h.cfg.MaxTokens,
		Temperature: h.cfg.Temperature,
		Schema:      artifactSchema(),
	})
	if err != nil {
		return fail(err)
	}
	inv.AddUsage(resp.Usage)
	inv.Model = resp.Model
	inv.Output = resp.Text

	art, perr := ParseArtifact(resp.Text)
	if perr != nil {
		lang := p.Language
		if lang == "" {
			lang = h.cfg.DefaultLanguage
		}
		h.logger.Warn("code reply missed the structured contract, using fallback",
			slog.String("task_id", task.ID),
			slog.String("language", lang),
			slog.String("error", perr.Error()),
		)
		structuredFallbacks.WithLabelValues("generate").Inc()
		inv.ToolsUsed = append(inv.ToolsUsed, ToolStructuredFallback)
		art = &Artifact{Language: lang, Description: strings.TrimSpace(resp.Text)}
	}
	lang := strings.ToLower(strings.TrimSpace(art.Language))
	if lang == "" {
		lang = strings.ToLower(h.cfg.DefaultLanguage)
	}

	if h.cfg.SyntaxCheck && art.Code != "" {
		h.checkSyntax(ctx, task, lang, art.Code, &inv)
	}

	inv.Duration = time.Since(inv.StartedAt)
	span.SetAttributes(attribute.String("language", lang))
	h.logger.Info("code generated",
		slog.String("task_id", task.ID),
		slog.String("language", lang),
		slog.Int("code_length", len(art.Code)),
		slog.Int("total_tokens", inv.Usage.TotalTokens),
	)
	return &agents.Output{
		Content:       Render(lang, art.Description, art.Code),
		OutputSubtype: lang,
		Citations:     []datatypes.Citation{},
		Invocation:    inv,
	}, nil
}

// plan runs the planning call. A reply that cannot be decoded yields the
// default plan; only transport failures are returned.
func (h *Handler) plan(ctx context.Context, task *datatypes.Task, inv *agents.Invocation) (plan, error) {
	fallback := plan{
		Language:    h.cfg.DefaultLanguage,
		Description: "Implement the behaviour described in the task.",
	}
	resp, err := h.client.Complete(ctx, llm.Request{
		SystemPrompt: planSystemPrompt,
		UserPrompt:   fmt.Sprintf(planUserFormat, task.InputText),
		Model:        h.cfg.PlanModel,
		MaxTokens:    512,
		Temperature:  h.cfg.PlanTemperature,
		Schema:       planSchema(),
	})
	if err != nil {
		return fallback, err
	}
	inv.AddUsage(resp.Usage)

	obj, err := classifier.ExtractJSON(resp.Text)
	var p plan
	if err == nil {
		err = json.Unmarshal([]byte(obj), &p)
	}
	if err != nil {
		h.logger.Warn("plan reply could not be decoded, using default plan",
			slog.String("task_id", task.ID),
			slog.String("error", err.Error()),
		)
		structuredFallbacks.WithLabelValues("plan").Inc()
		return fallback, nil
	}
	if strings.TrimSpace(p.Language) == "" {
		p.Language = h.cfg.DefaultLanguage
	}
	if strings.TrimSpace(p.Description) == "" {
		p.Description = fallback.Description
	}
	return p, nil
}

func (h *Handler) checkSyntax(ctx context.Context, task *datatypes.Task, lang, src string, inv *agents.Invocation) {
	report, err := CheckSyntax(ctx, lang, src)
	switch {
	case err != nil:
		h.logger.Warn("syntax check failed to run", slog.String("task_id", task.ID), slog.String("error", err.Error()))
	case !report.Checked:
		syntaxChecks.WithLabelValues(lang, "unsupported").Inc()
	case report.Valid():
		syntaxChecks.WithLabelValues(lang, "valid").Inc()
	default:
		syntaxChecks.WithLabelValues(lang, "error").Inc()
		inv.ToolsUsed = append(inv.ToolsUsed, ToolSyntaxError)
		first := report.Issues[0]
		h.logger.Warn("generated code has syntax errors",
			slog.String("task_id", task.ID),
			slog.String("language", lang),
			slog.Int("issues", len(report.Issues)),
			slog.Int("line", first.Line),
			slog.String("first", first.Message),
		)
	}
}

// ParseArtifact strictly decodes the generation contract. All three fields
// are required and no others are allowed.
func ParseArtifact(raw string) (*Artifact, error) {
	obj, err := classifier.ExtractJSON(raw)
	if err != nil {
		return nil, err
	}
	var w struct {
		Language    *string `json:"language"`
		Description *string `json:"description"`
		Code        *string `json:"code"`
	}
	dec := json.NewDecoder(bytes.NewReader([]byte(obj)))
	dec.DisallowUnknownFields()
	if err := dec.Decode(&w); err != nil {
		return nil, fmt.Errorf("decode artifact: %w", err)
	}
	if w.Language == nil || w.Description == nil || w.Code == nil {
		return nil, errors.New("artifact must contain language, description and code")
	}
	if strings.TrimSpace(*w.Language) == "" {
		return nil, errors.New("artifact language is empty")
	}
	return &Artifact{Language: *w.Language, Description: *w.Description, Code: *w.Code}, nil
}

// Render formats an artifact as Markdown.
func Render(lang, description, code string) string {
	return fmt.Sprintf("### Description\n\n%s\n\n### Code\n\n```%s\n%s\n```",
		description, strings.ToLower(lang), code)
}

func artifactSchema() *llm.Schema {
	return &llm.Schema{
		Name:   "code_artifact",
		Strict: true,
		Definition: &jsonschema.Definition{
			Type: jsonschema.Object,
			Properties: map[string]jsonschema.Definition{
				"language":    {Type: jsonschema.String, Description: "programming language of the code"},
				"description": {Type: jsonschema.String, Description: "short explanation of the code"},
				"code":        {Type: jsonschema.String, Description: "full source without markdown fences"},
			},
			Required:             []string{"language", "description", "code"},
			AdditionalProperties: false,
		},
	}
}

func planSchema() *llm.Schema {
	return &llm.Schema{
		Name:   "code_plan",
		Strict: true,
		Definition: &jsonschema.Definition{
			Type: jsonschema.Object,
			Properties: map[string]jsonschema.Definition{
				"language":       {Type: jsonschema.String},
				"description":    {Type: jsonschema.String},
				"tests_required": {Type: jsonschema.Boolean},
				"notes":          {Type: jsonschema.String},
			},
			Required:             []string{"language", "description", "tests_required", "notes"},
			AdditionalProperties: false,
		},
	}
}
