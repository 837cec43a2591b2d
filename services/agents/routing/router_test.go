// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package routing

import (
	"context"
	"errors"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/AleutianAI/AleutianAgents/services/agents"
	"github.com/AleutianAI/AleutianAgents/services/agents/classifier"
	"github.com/AleutianAI/AleutianAgents/services/tasks/datatypes"
)

type stubClassifier struct {
	decision *classifier.Decision
	err      error
	calls    int
}

func (s *stubClassifier) Classify(context.Context, string, []datatypes.Message) (*classifier.Decision, *agents.Invocation, error) {
	s.calls++
	inv := &agents.Invocation{Model: "stub", Output: "raw"}
	if s.err != nil {
		return nil, inv, s.err
	}
	d := *s.decision
	return &d, inv, nil
}

func newRegistry(t *testing.T) *agents.Registry {
	t.Helper()
	fn := func(context.Context, *datatypes.Task) (*agents.Output, error) {
		t.Fatal("router must never invoke a handler")
		return nil, nil
	}
	r, err := agents.NewRegistry(
		&agents.FuncHandler{HandlerName: "CodeHandler", HandlerCategory: "code", Fn: fn},
		&agents.FuncHandler{HandlerName: "ContentHandler", HandlerCategory: "content", Fn: fn},
	)
	require.NoError(t, err)
	return r
}

func task() *datatypes.Task {
	return &datatypes.Task{ID: "t1", InputText: "write a function"}
}

func TestRoute(t *testing.T) {
	tests := []struct {
		name         string
		handler      string
		confidence   float64
		wantErr      bool
		wantCategory string
	}{
		{name: "routes code", handler: "CodeHandler", confidence: 0.9, wantCategory: "code"},
		{name: "routes content", handler: "ContentHandler", confidence: 0.75, wantCategory: "content"},
		{name: "exact minimum passes", handler: "CodeHandler", confidence: 0.6, wantCategory: "code"},
		{name: "just below minimum fails", handler: "CodeHandler", confidence: 0.5999, wantErr: true},
		{name: "unknown sentinel", handler: agents.UnknownHandler, confidence: 0.99, wantErr: true},
		{name: "unregistered name", handler: "ImageHandler", confidence: 0.99, wantErr: true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			c := &stubClassifier{decision: &classifier.Decision{
				HandlerName: tt.handler, Confidence: tt.confidence, Reasoning: "because",
			}}
			r, err := NewRouter(c, newRegistry(t))
			require.NoError(t, err)

			route, inv, err := r.Route(context.Background(), task(), nil)
			require.NotNil(t, inv)
			assert.Equal(t, "stub", inv.Model)
			if tt.wantErr {
				require.Error(t, err)
				assert.Nil(t, route)
				assert.True(t, IsUnknownTaskType(err))
				var re *Error
				require.ErrorAs(t, err, &re)
				assert.Equal(t, "because", re.Reasoning)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.handler, route.HandlerName)
			assert.Equal(t, tt.wantCategory, route.Category)
			assert.Equal(t, tt.confidence, route.Decision.Confidence)
		})
	}
}

func TestRoute_ClassifierErrorPassesThrough(t *testing.T) {
	cerr := &classifier.Error{Kind: classifier.KindTimeout, Err: errors.New("deadline")}
	r, err := NewRouter(&stubClassifier{err: cerr}, newRegistry(t))
	require.NoError(t, err)

	_, inv, err := r.Route(context.Background(), task(), nil)
	assert.NotNil(t, inv)
	assert.False(t, IsUnknownTaskType(err))
	var got *classifier.Error
	require.ErrorAs(t, err, &got)
	assert.Equal(t, classifier.KindTimeout, got.Kind)
}

func TestMinConfidence(t *testing.T) {
	r, err := NewRouter(&stubClassifier{}, newRegistry(t))
	require.NoError(t, err)
	assert.Equal(t, DefaultMinConfidence, r.MinConfidence())

	r.SetMinConfidence(0.8)
	assert.Equal(t, 0.8, r.MinConfidence())
	r.SetMinConfidence(7)
	assert.Equal(t, 1.0, r.MinConfidence())
	r.SetMinConfidence(-1)
	assert.Equal(t, 0.0, r.MinConfidence())

	r2, err := NewRouter(&stubClassifier{}, newRegistry(t), WithMinConfidence(0.3))
	require.NoError(t, err)
	assert.Equal(t, 0.3, r2.MinConfidence())
}

func TestMinConfidence_ConcurrentUpdate(t *testing.T) {
	c := &stubClassifier{decision: &classifier.Decision{HandlerName: "CodeHandler", Confidence: 0.7}}
	r, err := NewRouter(c, newRegistry(t))
	require.NoError(t, err)

	var wg sync.WaitGroup
	for i := 0; i < 10; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			r.SetMinConfidence(0.5 + float64(i%2)*0.1)
		}(i)
	}
	wg.Wait()
	assert.Contains(t, []float64{0.5, 0.6}, r.MinConfidence())
}

func TestNewRouter_Validation(t *testing.T) {
	_, err := NewRouter(nil, newRegistry(t))
	assert.Error(t, err)
	_, err = NewRouter(&stubClassifier{}, nil)
	assert.Error(t, err)
}
