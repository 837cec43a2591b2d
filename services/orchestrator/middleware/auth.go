// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package middleware provides HTTP middleware for the agents API.
//
// # Authentication Flow
//
// API keys are sealed in memguard enclaves at startup. The auth middleware
// reads the presented key, compares it against every enclave in constant
// time, and stores the matching key's fingerprint in the Gin context.
//
//	Request
//	   │
//	   ▼
//	RequestID ─► APIKeyAuth ─► RateLimit ─► Handler
//	                 │              │
//	                 │              └─► bucket per key ID (or client IP)
//	                 └─► X-API-Key or "Authorization: Bearer <key>"
//
// # Open Behavior
//
// With no keys configured, authentication is disabled and every request
// passes with an empty key ID. Rate limiting then keys on client IP.
package middleware

import (
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"

	"github.com/AleutianAI/AleutianAgents/services/secrets"
)

// =============================================================================
// Context Keys
// =============================================================================

// APIKeyHeader is the preferred credential header.
const APIKeyHeader = "X-API-Key"

const keyIDKey = "aleutian_key_id"

// =============================================================================
// Context Helpers
// =============================================================================

// SetKeyID stores the authenticated key fingerprint.
func SetKeyID(c *gin.Context, id string) {
	c.Set(keyIDKey, id)
}

// GetKeyID returns the authenticated key fingerprint.
//
// # Outputs
//
//   - string: Fingerprint of the matched key, or "" when auth is disabled
//     or the request did not pass through APIKeyAuth.
func GetKeyID(c *gin.Context) string {
	return c.GetString(keyIDKey)
}

// =============================================================================
// Auth Middleware
// =============================================================================

// APIKeyAuth creates a middleware that authenticates requests against keys.
//
// # Description
//
// Accepts the key in X-API-Key, or as a bearer token in Authorization.
// A missing or unknown key aborts with 401 and the UNAUTHORIZED envelope.
// An empty key set disables the check.
//
// # Inputs
//
//   - keys: Sealed API keys. Empty disables auth.
//   - onReject: Called with "unauthorized" for each refusal. May be nil.
//
// # Thread Safety
//
// Thread-safe. The key set is read-only after construction.
func APIKeyAuth(keys secrets.Set, onReject func(reason string)) gin.HandlerFunc {
	return func(c *gin.Context) {
		if len(keys) == 0 {
			c.Next()
			return
		}

		key := extractAPIKey(c)
		secret, ok := keys.Match(key)
		if !ok {
			if onReject != nil {
				onReject("unauthorized")
			}
			AbortWithError(c, http.StatusUnauthorized, CodeUnauthorized, "missing or invalid API key")
			return
		}

		SetKeyID(c, secret.ID())
		c.Next()
	}
}

// =============================================================================
// Helper Functions
// =============================================================================

// extractAPIKey prefers X-API-Key and falls back to a bearer token. The
// "Bearer" prefix is case-insensitive per RFC 7235.
func extractAPIKey(c *gin.Context) string {
	if key := strings.TrimSpace(c.GetHeader(APIKeyHeader)); key != "" {
		return key
	}
	return extractBearerToken(c)
}

func extractBearerToken(c *gin.Context) string {
	authHeader := c.GetHeader("Authorization")
	if authHeader == "" {
		return ""
	}

	parts := strings.SplitN(authHeader, " ", 2)
	if len(parts) != 2 || !strings.EqualFold(parts[0], "Bearer") {
		return ""
	}

	return strings.TrimSpace(parts[1])
}
