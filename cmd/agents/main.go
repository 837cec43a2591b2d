// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Command agents runs the agent task-routing service and inspects its store.
//
// # Usage
//
//	# Serve HTTP and process tasks
//	agents serve --config agents.yaml
//
//	# Inspect tasks while the server is stopped
//	agents tasks list --status failed
//	agents tasks get <task-id>
//
// # Environment Variables
//
//   - OPENAI_API_KEY: LLM provider key (required unless LLM_BASE_URL is set)
//   - TAVILY_API_KEY: web search key (optional, search disabled without it)
//   - AGENTS_API_KEYS: comma separated client keys (auth disabled when empty)
//   - AGENTS_DATA_DIR: task store directory
//   - OTEL_EXPORTER_OTLP_ENDPOINT: OpenTelemetry collector (optional)
package main

import (
	"os"

	"github.com/AleutianAI/AleutianAgents/services/secrets"
)

func main() {
	err := rootCmd.Execute()
	_ = closeLog()
	secrets.Purge()
	if err != nil {
		os.Exit(1)
	}
}
