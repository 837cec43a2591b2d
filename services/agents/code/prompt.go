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

const planSystemPrompt = `You plan programming work for a code generator.
Pick the most suitable programming language (Python unless the user clearly wants another),
describe what must be implemented, say whether tests are needed and add short notes.
Reply with ONLY a JSON object: {"language":"...","description":"...","tests_required":false,"notes":"..."}`

const planUserFormat = `Programming task:
%s`

const generateSystemPrompt = `You are a senior developer writing production-ready code with input validation,
error handling and small focused functions.

Reply with ONLY a JSON object of exactly these fields:
{"language":"<programming language>","description":"<short explanation>","code":"<full source, no markdown fences>"}

Write the description in the language of the user's request unless they ask for another one.
Keep identifiers idiomatic for the programming language.`

const generateUserFormat = `Programming task:
%s

Plan:
- Language: %s
- Description: %s
- Tests required: %t
- Notes: %s`
