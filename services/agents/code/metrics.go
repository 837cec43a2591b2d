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
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// structuredFallbacks counts replies that did not fit the code contract.
	// Labels: phase (plan, generate)
	structuredFallbacks = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "aleutian",
		Subsystem: "agents",
		Name:      "structured_output_fallbacks_total",
		Help:      "Code handler replies that fell back to the default language",
	}, []string{"phase"})

	// syntaxChecks counts tree-sitter outcomes.
	// Labels: language, result (valid, error, unsupported)
	syntaxChecks = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "aleutian",
		Subsystem: "agents",
		Name:      "code_syntax_checks_total",
		Help:      "Syntax checks of generated code by outcome",
	}, []string{"language", "result"})
)
