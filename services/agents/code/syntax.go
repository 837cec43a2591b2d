// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package code

import (
	"context"
	"fmt"
	"strings"

	sitter "github.com/smacker/go-tree-sitter"
	"github.com/smacker/go-tree-sitter/bash"
	"github.com/smacker/go-tree-sitter/golang"
	"github.com/smacker/go-tree-sitter/javascript"
	"github.com/smacker/go-tree-sitter/python"
	"github.com/smacker/go-tree-sitter/rust"
	"github.com/smacker/go-tree-sitter/typescript/typescript"
)

// maxSyntaxIssues bounds the walk on heavily malformed input.
const maxSyntaxIssues = 20

// SyntaxIssue is one ERROR or MISSING node.
type SyntaxIssue struct {
	Line    int
	Column  int
	Message string
}

// SyntaxReport is the outcome of a syntax check.
type SyntaxReport struct {
	// Checked is false when the language has no grammar.
	Checked bool
	Issues  []SyntaxIssue
}

// Valid reports whether the check ran and found nothing.
func (r SyntaxReport) Valid() bool {
	return r.Checked && len(r.Issues) == 0
}

// grammarFor maps a language tag to a tree-sitter grammar.
func grammarFor(lang string) *sitter.Language {
	switch strings.ToLower(strings.TrimSpace(lang)) {
	case "go", "golang":
		return golang.GetLanguage()
	case "python", "py", "python3":
		return python.GetLanguage()
	case "javascript", "js", "node":
		return javascript.GetLanguage()
	case "typescript", "ts":
		return typescript.GetLanguage()
	case "rust", "rs":
		return rust.GetLanguage()
	case "bash", "sh", "shell":
		return bash.GetLanguage()
	default:
		return nil
	}
}

// CheckSyntax parses src with the grammar for lang.
//
// # Description
//
// Unsupported languages return an unchecked report. Parser failures are
// returned as errors; syntax problems are reported in Issues.
func CheckSyntax(ctx context.Context, lang, src string) (SyntaxReport, error) {
	grammar := grammarFor(lang)
	if grammar == nil || strings.TrimSpace(src) == "" {
		return SyntaxReport{}, nil
	}

	parser := sitter.NewParser()
	defer parser.Close()
	parser.SetLanguage(grammar)

	content := []byte(src)
	tree, err := parser.ParseCtx(ctx, nil, content)
	if err != nil {
		return SyntaxReport{}, fmt.Errorf("parse %s: %w", lang, err)
	}
	defer tree.Close()

	report := SyntaxReport{Checked: true, Issues: []SyntaxIssue{}}
	root := tree.RootNode()
	if root.HasError() {
		collectIssues(root, content, &report.Issues, 0)
	}
	return report, nil
}

func collectIssues(node *sitter.Node, content []byte, out *[]SyntaxIssue, depth int) {
	if depth > 1000 || len(*out) >= maxSyntaxIssues {
		return
	}
	if node.IsError() || node.IsMissing() {
		p := node.StartPoint()
		msg := "syntax error"
		if node.IsMissing() {
			msg = "missing " + node.Type()
		} else if end := min(node.EndByte(), uint32(len(content))); end > node.StartByte() && end-node.StartByte() < 60 {
			msg = fmt.Sprintf("unexpected %q", content[node.StartByte():end])
		}
		*out = append(*out, SyntaxIssue{Line: int(p.Row) + 1, Column: int(p.Column), Message: msg})
	}
	for i := 0; i < int(node.ChildCount()); i++ {
		collectIssues(node.Child(i), content, out, depth+1)
	}
}
