// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package screening detects credentials in task text before it leaves for
// an LLM provider or a search API.
//
// The rules live in patterns.yaml, compiled into the binary, so they
// cannot be changed on the host without a rebuild.
package screening

import (
	_ "embed"
	"fmt"
	"regexp"
	"sort"
	"strings"

	"gopkg.in/yaml.v3"
)

//go:embed patterns.yaml
var defaultPatterns []byte

// Confidence is how sure a pattern is that a match is a real secret.
type Confidence string

const (
	Low    Confidence = "low"
	Medium Confidence = "medium"
	High   Confidence = "high"
)

// UnmarshalYAML rejects unknown levels.
func (c *Confidence) UnmarshalYAML(value *yaml.Node) error {
	var s string
	if err := value.Decode(&s); err != nil {
		return err
	}
	switch level := Confidence(s); level {
	case High, Medium, Low:
		*c = level
		return nil
	default:
		return fmt.Errorf("invalid confidence %q", s)
	}
}

type ruleFile struct {
	Classifications []classification `yaml:"classifications"`
}

type classification struct {
	Name     string    `yaml:"name"`
	Priority int       `yaml:"priority"`
	Patterns []pattern `yaml:"patterns"`
}

type pattern struct {
	ID          string     `yaml:"id"`
	Description string     `yaml:"description"`
	Regex       string     `yaml:"regex"`
	Confidence  Confidence `yaml:"confidence"`
	re          *regexp.Regexp
}

// Finding is one match. The matched text itself is never kept.
type Finding struct {
	Classification string     `json:"classification"`
	PatternID      string     `json:"pattern_id"`
	Description    string     `json:"description"`
	Confidence     Confidence `json:"confidence"`
	Line           int        `json:"line"`
}

// Screener matches text against compiled rules.
//
// # Thread Safety
//
// Immutable after construction; safe for concurrent use.
type Screener struct {
	classes []classification
}

// New loads the embedded rules.
func New() (*Screener, error) {
	return Parse(defaultPatterns)
}

// Parse builds a Screener from a YAML rule file.
//
// # Description
//
// Every regex is compiled up front and classifications are sorted by
// descending priority, so Scan reports the most serious matches first.
//
// # Outputs
//
//   - *Screener: Ready to scan.
//   - error: Malformed YAML, an unknown confidence, or a bad regex.
func Parse(data []byte) (*Screener, error) {
	var rf ruleFile
	if err := yaml.Unmarshal(data, &rf); err != nil {
		return nil, fmt.Errorf("parse screening rules: %w", err)
	}
	for i := range rf.Classifications {
		for j := range rf.Classifications[i].Patterns {
			p := &rf.Classifications[i].Patterns[j]
			re, err := regexp.Compile(p.Regex)
			if err != nil {
				return nil, fmt.Errorf("compile pattern %s: %w", p.ID, err)
			}
			p.re = re
		}
	}
	sort.SliceStable(rf.Classifications, func(i, j int) bool {
		return rf.Classifications[i].Priority > rf.Classifications[j].Priority
	})
	return &Screener{classes: rf.Classifications}, nil
}

// Scan returns every match, line by line.
func (s *Screener) Scan(text string) []Finding {
	var findings []Finding
	for n, line := range strings.Split(text, "\n") {
		for _, c := range s.classes {
			for _, p := range c.Patterns {
				if p.re.MatchString(line) {
					findings = append(findings, Finding{
						Classification: c.Name,
						PatternID:      p.ID,
						Description:    p.Description,
						Confidence:     p.Confidence,
						Line:           n + 1,
					})
				}
			}
		}
	}
	return findings
}

// Classify returns the name of the highest priority classification that
// matches, or "public".
func (s *Screener) Classify(text string) string {
	for _, c := range s.classes {
		for _, p := range c.Patterns {
			if p.re.MatchString(text) {
				return c.Name
			}
		}
	}
	return "public"
}

// Redact replaces every match with [REDACTED:<pattern id>].
func (s *Screener) Redact(text string) string {
	for _, c := range s.classes {
		for _, p := range c.Patterns {
			text = p.re.ReplaceAllLiteralString(text, "[REDACTED:"+p.ID+"]")
		}
	}
	return text
}

// Blocking reports the first finding at or above min, if any.
func Blocking(findings []Finding, min Confidence) (Finding, bool) {
	for _, f := range findings {
		if rank(f.Confidence) >= rank(min) {
			return f, true
		}
	}
	return Finding{}, false
}

func rank(c Confidence) int {
	switch c {
	case High:
		return 3
	case Medium:
		return 2
	case Low:
		return 1
	default:
		return 0
	}
}
