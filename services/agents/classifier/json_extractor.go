// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package classifier

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"math"
	"strings"
)

var (
	// ErrNoJSON is returned when the reply contains no JSON object.
	ErrNoJSON = errors.New("no JSON object found")

	// ErrInvalidShape is returned when the object does not match the
	// decision contract.
	ErrInvalidShape = errors.New("response does not match decision contract")
)

// ExtractJSON returns the first complete JSON object in raw.
//
// # Description
//
// Tolerates markdown code fences, preamble and postamble. The object is
// found by brace matching that skips braces inside string literals, then
// checked for syntactic validity.
//
// # Outputs
//
//   - string: The JSON object text.
//   - error: ErrNoJSON, or a syntax error for unbalanced or invalid JSON.
func ExtractJSON(raw string) (string, error) {
	text := stripCodeFence(strings.TrimSpace(raw))
	start := strings.IndexByte(text, '{')
	if start < 0 {
		return "", ErrNoJSON
	}

	depth := 0
	inString := false
	escaped := false
	for i := start; i < len(text); i++ {
		c := text[i]
		if inString {
			switch {
			case escaped:
				escaped = false
			case c == '\\':
				escaped = true
			case c == '"':
				inString = false
			}
			continue
		}
		switch c {
		case '"':
			inString = true
		case '{':
			depth++
		case '}':
			depth--
			if depth == 0 {
				candidate := text[start : i+1]
				if !json.Valid([]byte(candidate)) {
					return "", fmt.Errorf("invalid JSON object: %q", truncate(candidate, 80))
				}
				return candidate, nil
			}
		}
	}
	return "", fmt.Errorf("unterminated JSON object: %q", truncate(text[start:], 80))
}

func stripCodeFence(text string) string {
	if !strings.HasPrefix(text, "```") {
		return text
	}
	// Drop the opening fence line, including any language tag.
	if nl := strings.IndexByte(text, '\n'); nl >= 0 {
		text = text[nl+1:]
	} else {
		return ""
	}
	if end := strings.LastIndex(text, "```"); end >= 0 {
		text = text[:end]
	}
	return strings.TrimSpace(text)
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n-3] + "..."
}

// wireDecision uses pointers so missing fields are detectable.
type wireDecision struct {
	HandlerName *string  `json:"handler_name"`
	Confidence  *float64 `json:"confidence"`
	Reasoning   *string  `json:"reasoning"`
}

// ParseDecision decodes a classifier reply into a Decision.
//
// # Description
//
// Strict decode-and-validate: all three fields must be present with the
// right types, no other fields are allowed, and handler_name must be non
// empty. handler_name is matched case-insensitively against known names
// and rewritten to its canonical spelling; an unmatched name is kept as-is
// so the router can reject it. Confidence is clamped into [0, 1]; NaN is
// rejected.
//
// # Inputs
//
//   - raw: The model reply.
//   - known: Registered handler names plus the unknown sentinel.
//
// # Outputs
//
//   - *Decision: The decoded decision.
//   - error: ErrNoJSON, ErrInvalidShape or a JSON syntax error.
func ParseDecision(raw string, known []string) (*Decision, error) {
	obj, err := ExtractJSON(raw)
	if err != nil {
		return nil, err
	}

	dec := json.NewDecoder(bytes.NewReader([]byte(obj)))
	dec.DisallowUnknownFields()
	var w wireDecision
	if err := dec.Decode(&w); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidShape, err)
	}
	switch {
	case w.HandlerName == nil:
		return nil, fmt.Errorf("%w: missing handler_name", ErrInvalidShape)
	case w.Confidence == nil:
		return nil, fmt.Errorf("%w: missing confidence", ErrInvalidShape)
	case w.Reasoning == nil:
		return nil, fmt.Errorf("%w: missing reasoning", ErrInvalidShape)
	case strings.TrimSpace(*w.HandlerName) == "":
		return nil, fmt.Errorf("%w: empty handler_name", ErrInvalidShape)
	case math.IsNaN(*w.Confidence):
		return nil, fmt.Errorf("%w: confidence is NaN", ErrInvalidShape)
	}

	name := strings.TrimSpace(*w.HandlerName)
	for _, k := range known {
		if strings.EqualFold(k, name) {
			name = k
			break
		}
	}
	return &Decision{
		HandlerName: name,
		Confidence:  clamp01(*w.Confidence),
		Reasoning:   strings.TrimSpace(*w.Reasoning),
	}, nil
}

func clamp01(v float64) float64 {
	return math.Max(0, math.Min(1, v))
}
