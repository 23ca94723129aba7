// Copyright (C) 2026 Genie Contributors
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

// Package middleware provides HTTP middleware for the chat service.
//
// # Authentication Flow
//
// The auth middleware extracts a bearer token from the Authorization
// header, validates it against the configured shared token, and stores
// the caller identity in the Gin context for downstream handlers.
//
// When no shared token is configured the middleware authenticates every
// request as "local-user". This keeps a local single-user deployment
// working without any authentication infrastructure.
package middleware

import (
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"
)

// =============================================================================
// Context Keys
// =============================================================================

// userIDKey is the context key for the authenticated caller identity.
const userIDKey = "genie_user_id"

// localUserID is the identity used when authentication is disabled.
const localUserID = "local-user"

// =============================================================================
// Context Helpers
// =============================================================================

// SetUserID stores the authenticated caller identity in the Gin context.
func SetUserID(c *gin.Context, userID string) {
	c.Set(userIDKey, userID)
}

// GetUserID retrieves the authenticated caller identity from the Gin
// context. Returns empty string when the request was not authenticated.
func GetUserID(c *gin.Context) string {
	if v, exists := c.Get(userIDKey); exists {
		if userID, ok := v.(string); ok {
			return userID
		}
	}
	return ""
}

// =============================================================================
// Auth Middleware
// =============================================================================

// AuthMiddleware creates a Gin middleware that authenticates requests
// against a shared bearer token.
//
// # Description
//
// Extracts the bearer token from the Authorization header and compares
// it to the configured token. On mismatch the request is aborted with
// 401. An empty configured token disables the check entirely and
// authenticates every caller as local-user.
//
// # Examples
//
//	v1 := router.Group("/v1")
//	v1.Use(middleware.AuthMiddleware(cfg.Server.AuthToken))
//
// # Limitations
//
//   - Only supports Bearer token authentication
//   - Single shared token; no per-user credentials
func AuthMiddleware(sharedToken string) gin.HandlerFunc {
	return func(c *gin.Context) {
		if sharedToken == "" {
			SetUserID(c, localUserID)
			c.Next()
			return
		}

		token := extractBearerToken(c)
		if token == "" || token != sharedToken {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{
				"error": "unauthorized",
			})
			return
		}

		SetUserID(c, localUserID)
		c.Next()
	}
}

// =============================================================================
// Helper Functions
// =============================================================================

// extractBearerToken extracts the token from the Authorization header.
//
// Parses the Authorization header expecting format: "Bearer <token>".
// Returns empty string if the header is missing or malformed. The
// "Bearer" prefix is case-insensitive per RFC 7235.
func extractBearerToken(c *gin.Context) string {
	header := c.GetHeader("Authorization")
	if header == "" {
		return ""
	}

	parts := strings.SplitN(header, " ", 2)
	if len(parts) != 2 || !strings.EqualFold(parts[0], "Bearer") {
		return ""
	}

	return strings.TrimSpace(parts[1])
}
