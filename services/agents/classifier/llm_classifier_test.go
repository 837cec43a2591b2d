// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package classifier

import (
	"context"
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/AleutianAI/AleutianAgents/services/agents"
	"github.com/AleutianAI/AleutianAgents/services/llm"
	"github.com/AleutianAI/AleutianAgents/services/tasks/datatypes"
)

func testRegistry(t *testing.T) *agents.Registry {
	t.Helper()
	noop := func(context.Context, *datatypes.Task) (*agents.Output, error) { return &agents.Output{}, nil }
	r, err := agents.NewRegistry(
		&agents.FuncHandler{HandlerName: "CodeHandler", HandlerCategory: "code", Summary: "writes code", Fn: noop},
		&agents.FuncHandler{HandlerName: "ContentHandler", HandlerCategory: "content", Summary: "writes prose", Fn: noop},
	)
	require.NoError(t, err)
	return r
}

func newTestClassifier(t *testing.T, client llm.Client) *LLMClassifier {
	t.Helper()
	cfg := DefaultClassifierConfig()
	cfg.Timeout = time.Second
	c, err := NewLLMClassifier(client, testRegistry(t), cfg)
	require.NoError(t, err)
	return c
}

func TestClassify_Success(t *testing.T) {
	mock := llm.NewMockClient(llm.Reply(`{"handler_name":"CodeHandler","confidence":0.91,"reasoning":"a function is requested"}`))
	c := newTestClassifier(t, mock)

	history := []datatypes.Message{
		{Role: datatypes.MessageRoleUser, Content: "earlier question"},
		{Role: datatypes.MessageRoleAssistant, Content: "earlier answer"},
	}
	d, inv, err := c.Classify(context.Background(), "write a python function", history)
	require.NoError(t, err)
	assert.Equal(t, "CodeHandler", d.HandlerName)
	assert.InDelta(t, 0.91, d.Confidence, 1e-9)
	assert.Equal(t, 15, inv.Usage.TotalTokens)

	reqs := mock.Requests()
	require.Len(t, reqs, 1)
	req := reqs[0]
	assert.Equal(t, "write a python function", req.UserPrompt)
	assert.Len(t, req.History, 2)
	assert.Contains(t, req.SystemPrompt, "CodeHandler: writes code")
	assert.Contains(t, req.SystemPrompt, "ContentHandler: writes prose")
	require.NotNil(t, req.Schema)
	assert.Equal(t, []string{"CodeHandler", "ContentHandler", "unknown"},
		req.Schema.Definition.Properties["handler_name"].Enum)
}

func TestClassify_CorrectiveRetry(t *testing.T) {
	mock := llm.NewMockClient(
		llm.Reply("I would pick the code handler."),
		llm.Reply(`{"handler_name":"CodeHandler","confidence":0.8,"reasoning":"fixed"}`),
	)
	c := newTestClassifier(t, mock)

	d, inv, err := c.Classify(context.Background(), "sort a list", nil)
	require.NoError(t, err)
	assert.Equal(t, "CodeHandler", d.HandlerName)
	assert.Equal(t, 30, inv.Usage.TotalTokens, "usage sums over both calls")

	reqs := mock.Requests()
	require.Len(t, reqs, 2)
	retry := reqs[1]
	require.Len(t, retry.History, 2)
	assert.Equal(t, "sort a list", retry.History[0].Content)
	assert.Equal(t, "I would pick the code handler.", retry.History[1].Content)
	assert.True(t, strings.HasPrefix(retry.UserPrompt, "Your previous reply could not be parsed"))
}

func TestClassify_MalformedAfterRetry(t *testing.T) {
	mock := llm.NewMockClient(llm.Reply(`{"handler":"CodeHandler"}`))
	c := newTestClassifier(t, mock)

	_, inv, err := c.Classify(context.Background(), "x", nil)
	var cerr *Error
	require.ErrorAs(t, err, &cerr)
	assert.Equal(t, KindMalformedResponse, cerr.Kind)
	assert.ErrorIs(t, err, ErrInvalidShape)
	assert.Equal(t, 2, mock.Calls())
	require.NotNil(t, inv)
	assert.Equal(t, `{"handler":"CodeHandler"}`, inv.Output)
}

func TestClassify_TransportErrorsAreTimeouts(t *testing.T) {
	for _, kind := range []llm.ErrorKind{llm.KindTimeout, llm.KindRateLimited, llm.KindUnavailable} {
		t.Run(kind.String(), func(t *testing.T) {
			mock := llm.NewMockClient(llm.Fail(llm.NewError(kind, errors.New("boom"))))
			c := newTestClassifier(t, mock)

			_, _, err := c.Classify(context.Background(), "x", nil)
			var cerr *Error
			require.ErrorAs(t, err, &cerr)
			assert.Equal(t, KindTimeout, cerr.Kind)
			assert.Equal(t, 1, mock.Calls(), "transport errors are not corrected")
		})
	}
}

func TestClassify_InvalidRequestIsMalformed(t *testing.T) {
	mock := llm.NewMockClient(llm.Fail(llm.NewError(llm.KindInvalid, errors.New("bad schema"))))
	c := newTestClassifier(t, mock)

	_, _, err := c.Classify(context.Background(), "x", nil)
	var cerr *Error
	require.ErrorAs(t, err, &cerr)
	assert.Equal(t, KindMalformedResponse, cerr.Kind)
}

func TestClassify_CancelledContext(t *testing.T) {
	mock := llm.NewMockClient(llm.Reply(`{"handler_name":"CodeHandler","confidence":1,"reasoning":"r"}`))
	c := newTestClassifier(t, mock)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, _, err := c.Classify(ctx, "x", nil)
	var cerr *Error
	require.ErrorAs(t, err, &cerr)
	assert.Equal(t, KindTimeout, cerr.Kind)
}

func TestClassify_TruncatesReasoning(t *testing.T) {
	long := strings.Repeat("a", 50)
	mock := llm.NewMockClient(llm.Reply(`{"handler_name":"unknown","confidence":0.2,"reasoning":"` + long + `"}`))
	cfg := DefaultClassifierConfig()
	cfg.MaxReasoningLength = 10
	c, err := NewLLMClassifier(mock, testRegistry(t), cfg)
	require.NoError(t, err)

	d, _, err := c.Classify(context.Background(), "x", nil)
	require.NoError(t, err)
	assert.Equal(t, "unknown", d.HandlerName)
	assert.Len(t, d.Reasoning, 10)
}

func TestNewLLMClassifier_Validation(t *testing.T) {
	reg := testRegistry(t)
	mock := llm.NewMockClient()

	_, err := NewLLMClassifier(nil, reg, DefaultClassifierConfig())
	assert.Error(t, err)
	_, err = NewLLMClassifier(mock, nil, DefaultClassifierConfig())
	assert.Error(t, err)

	cfg := DefaultClassifierConfig()
	cfg.Timeout = 0
	_, err = NewLLMClassifier(mock, reg, cfg)
	assert.Error(t, err)
}
