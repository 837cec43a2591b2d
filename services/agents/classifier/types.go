// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

// Package classifier asks an LLM which registered handler should process a
// task.
//
// # Description
//
// The classifier sends the task text, recent session messages and the list
// of registered handlers to the model with a JSON schema contract of exactly
// three fields: handler_name, confidence and reasoning. The reply is decoded
// strictly; anything that does not fit the shape is a MalformedResponse
// after one corrective retry, never a silent "unknown".
//
// Business rules (minimum confidence, known-handler check) live in the
// routing package, not here.
package classifier

import (
	"errors"
	"fmt"
	"time"
)

// Decision is the classifier's routing verdict.
type Decision struct {
	HandlerName string  `json:"handler_name"`
	Confidence  float64 `json:"confidence"`
	Reasoning   string  `json:"reasoning"`
}

// ErrorKind distinguishes classifier failures. Both kinds are transient.
type ErrorKind int

const (
	KindTimeout ErrorKind = iota + 1
	KindMalformedResponse
)

func (k ErrorKind) String() string {
	switch k {
	case KindTimeout:
		return "timeout"
	case KindMalformedResponse:
		return "malformed_response"
	default:
		return "unknown"
	}
}

// Error is returned by Classify.
type Error struct {
	Kind ErrorKind
	Err  error
}

func (e *Error) Error() string {
	return fmt.Sprintf("classifier %s: %v", e.Kind, e.Err)
}

func (e *Error) Unwrap() error {
	return e.Err
}

// ClassifierConfig configures the LLM classifier.
type ClassifierConfig struct {
	// Model overrides the client's default model.
	Model string `yaml:"model"`

	// Temperature is the sampling temperature. Zero requests the most
	// deterministic output the backend supports.
	Temperature float32 `yaml:"temperature"`

	// MaxTokens bounds the reply size.
	MaxTokens int `yaml:"max_tokens"`

	// Timeout is the deadline for each LLM call.
	Timeout time.Duration `yaml:"timeout"`

	// CorrectiveRetries is how many times a malformed reply is sent back
	// to the model with a correction request.
	CorrectiveRetries int `yaml:"corrective_retries"`

	// MaxReasoningLength truncates reasoning stored on the task.
	MaxReasoningLength int `yaml:"max_reasoning_length"`
}

// DefaultClassifierConfig returns production defaults.
func DefaultClassifierConfig() ClassifierConfig {
	return ClassifierConfig{
		Model:              "gpt-4.1-mini",
		Temperature:        0,
		MaxTokens:          300,
		Timeout:            20 * time.Second,
		CorrectiveRetries:  1,
		MaxReasoningLength: 1000,
	}
}

// Validate checks the configuration.
func (c ClassifierConfig) Validate() error {
	if c.Temperature < 0 || c.Temperature > 2 {
		return fmt.Errorf("temperature must be within [0, 2], got %v", c.Temperature)
	}
	if c.MaxTokens <= 0 {
		return errors.New("max tokens must be positive")
	}
	if c.Timeout <= 0 {
		return errors.New("timeout must be positive")
	}
	if c.CorrectiveRetries < 0 {
		return errors.New("corrective retries must not be negative")
	}
	return nil
}
