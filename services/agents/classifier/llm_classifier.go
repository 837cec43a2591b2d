// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package classifier

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"text/template"
	"time"

	"github.com/sashabaranov/go-openai/jsonschema"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/AleutianAI/AleutianAgents/services/agents"
	"github.com/AleutianAI/AleutianAgents/services/llm"
	"github.com/AleutianAI/AleutianAgents/services/tasks/datatypes"
)

// classificationPromptTemplate lists the capabilities the model may choose.
const classificationPromptTemplate = `You route user tasks to exactly one specialised handler.

Available handlers:
{{range .Handlers}}- {{.Name}}: {{.Description}}
{{end}}- {{.Unknown}}: none of the handlers above fits the task

Pick the single best handler_name. confidence is your probability (0.0-1.0)
that the choice is correct. reasoning is one or two short sentences.

Respond with ONLY valid JSON (no markdown, no preamble):
{"handler_name":"name","confidence":0.0,"reasoning":"brief"}`

const correctionPrompt = `Your previous reply could not be parsed (%s).
Reply again with ONLY a JSON object containing exactly the fields handler_name, confidence and reasoning.`

// Catalog supplies the handlers the classifier may pick from.
type Catalog interface {
	Handlers() []agents.Handler
}

type handlerBrief struct {
	Name        string
	Description string
}

// LLMClassifier implements routing classification with an LLM.
//
// # Description
//
// Reads the catalog on every call, so handlers registered after
// construction are offered to the model without restarting.
//
// # Thread Safety
//
// Safe for concurrent use after initialization.
type LLMClassifier struct {
	client         llm.Client
	catalog        Catalog
	config         ClassifierConfig
	promptTemplate *template.Template
	logger         *slog.Logger
}

// NewLLMClassifier creates a classifier.
//
// # Inputs
//
//   - client: LLM client. Must not be nil.
//   - catalog: Handler source, usually the registry. Must not be nil.
//   - config: Validated before use.
//
// # Outputs
//
//   - *LLMClassifier: Ready-to-use classifier.
//   - error: Nil inputs, invalid config or a broken prompt template.
func NewLLMClassifier(client llm.Client, catalog Catalog, config ClassifierConfig) (*LLMClassifier, error) {
	if client == nil {
		return nil, errors.New("client must not be nil")
	}
	if catalog == nil {
		return nil, errors.New("catalog must not be nil")
	}
	if err := config.Validate(); err != nil {
		return nil, err
	}
	tmpl, err := template.New("classify").Parse(classificationPromptTemplate)
	if err != nil {
		return nil, fmt.Errorf("compile prompt template: %w", err)
	}
	return &LLMClassifier{
		client:         client,
		catalog:        catalog,
		config:         config,
		promptTemplate: tmpl,
		logger:         slog.Default().With(slog.String("component", "classifier")),
	}, nil
}

// Classify decides which handler should process taskText.
//
// # Description
//
// Sends one structured-output request. A reply that fails strict parsing
// is sent back with a correction request up to CorrectiveRetries times.
// The returned Invocation is always non-nil and accumulates usage over all
// calls so the caller can persist an accurate execution run.
//
// # Inputs
//
//   - ctx: Parent context. Each LLM call gets its own Timeout.
//   - taskText: The task's input.
//   - history: Prior session messages, oldest first. May be empty.
//
// # Outputs
//
//   - *Decision: The verdict, confidence clamped into [0, 1].
//   - *agents.Invocation: Model, usage and raw output of the exchange.
//   - error: *Error with KindTimeout or KindMalformedResponse.
//
// # Thread Safety
//
// Safe for concurrent use.
func (c *LLMClassifier) Classify(ctx context.Context, taskText string, history []datatypes.Message) (*Decision, *agents.Invocation, error) {
	ctx, span := otel.Tracer("classifier").Start(ctx, "classifier.LLMClassifier.Classify",
		trace.WithAttributes(
			attribute.Int("query_length", len(taskText)),
			attribute.Int("history_length", len(history)),
		),
	)
	defer span.End()

	inv := &agents.Invocation{
		Input:     taskText,
		Model:     c.config.Model,
		ToolsUsed: []string{},
		StartedAt: time.Now(),
	}
	defer func() { inv.Duration = time.Since(inv.StartedAt) }()

	handlers := c.catalog.Handlers()
	known := make([]string, 0, len(handlers)+1)
	for _, h := range handlers {
		known = append(known, h.Name())
	}
	known = append(known, agents.UnknownHandler)

	prompt, err := c.buildPrompt(handlers)
	if err != nil {
		return nil, inv, &Error{Kind: KindMalformedResponse, Err: fmt.Errorf("build prompt: %w", err)}
	}

	req := llm.Request{
		SystemPrompt: prompt,
		UserPrompt:   taskText,
		History:      toLLMHistory(history),
		Model:        c.config.Model,
		MaxTokens:    c.config.MaxTokens,
		Temperature:  c.config.Temperature,
		Schema:       decisionSchema(known),
	}

	var lastErr error
	for attempt := 0; attempt <= c.config.CorrectiveRetries; attempt++ {
		raw, err := c.call(ctx, req, inv)
		if err != nil {
			span.RecordError(err)
			span.SetStatus(codes.Error, err.Kind.String())
			return nil, inv, err
		}

		decision, perr := ParseDecision(raw, known)
		if perr == nil {
			decision.Reasoning = truncateRunes(decision.Reasoning, c.config.MaxReasoningLength)
			span.SetAttributes(
				attribute.String("handler_name", decision.HandlerName),
				attribute.Float64("confidence", decision.Confidence),
				attribute.Int("corrective_retries", attempt),
			)
			return decision, inv, nil
		}

		lastErr = perr
		c.logger.Warn("classifier reply could not be parsed",
			slog.Int("attempt", attempt+1),
			slog.String("error", perr.Error()),
		)
		req.History = append(append(req.History, llm.Message{Role: "user", Content: req.UserPrompt}),
			llm.Message{Role: "assistant", Content: raw})
		req.UserPrompt = fmt.Sprintf(correctionPrompt, perr.Error())
	}

	span.SetStatus(codes.Error, "malformed response")
	return nil, inv, &Error{
		Kind: KindMalformedResponse,
		Err:  fmt.Errorf("after %d corrective retries: %w", c.config.CorrectiveRetries, lastErr),
	}
}

// call runs one LLM request under the per-call timeout.
func (c *LLMClassifier) call(ctx context.Context, req llm.Request, inv *agents.Invocation) (string, *Error) {
	callCtx, cancel := context.WithTimeout(ctx, c.config.Timeout)
	defer cancel()

	resp, err := c.client.Complete(callCtx, req)
	if err != nil {
		if llm.KindOf(err) == llm.KindInvalid {
			return "", &Error{Kind: KindMalformedResponse, Err: err}
		}
		return "", &Error{Kind: KindTimeout, Err: err}
	}
	inv.AddUsage(resp.Usage)
	inv.Model = resp.Model
	inv.Output = resp.Text
	return resp.Text, nil
}

func (c *LLMClassifier) buildPrompt(handlers []agents.Handler) (string, error) {
	briefs := make([]handlerBrief, 0, len(handlers))
	for _, h := range handlers {
		briefs = append(briefs, handlerBrief{Name: h.Name(), Description: h.Description()})
	}
	data := struct {
		Handlers []handlerBrief
		Unknown  string
	}{
		Handlers: briefs,
		Unknown:  agents.UnknownHandler,
	}

	var buf bytes.Buffer
	if err := c.promptTemplate.Execute(&buf, data); err != nil {
		return "", err
	}
	return buf.String(), nil
}

// decisionSchema constrains handler_name to the known names.
func decisionSchema(known []string) *llm.Schema {
	return &llm.Schema{
		Name:   "routing_decision",
		Strict: true,
		Definition: &jsonschema.Definition{
			Type: jsonschema.Object,
			Properties: map[string]jsonschema.Definition{
				"handler_name": {Type: jsonschema.String, Enum: known},
				"confidence":   {Type: jsonschema.Number},
				"reasoning":    {Type: jsonschema.String},
			},
			Required:             []string{"handler_name", "confidence", "reasoning"},
			AdditionalProperties: false,
		},
	}
}

func toLLMHistory(history []datatypes.Message) []llm.Message {
	out := make([]llm.Message, 0, len(history))
	for _, m := range history {
		out = append(out, llm.Message{Role: string(m.Role), Content: m.Content})
	}
	return out
}

func truncateRunes(s string, max int) string {
	if max <= 0 {
		return s
	}
	r := []rune(s)
	if len(r) <= max {
		return s
	}
	return strings.TrimSpace(string(r[:max]))
}
