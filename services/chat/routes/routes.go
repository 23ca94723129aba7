// Copyright (C) 2026 Genie Contributors
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package routes

import (
	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/VaDeloitte/genie/services/chat/attachments"
	"github.com/VaDeloitte/genie/services/chat/clients"
	"github.com/VaDeloitte/genie/services/chat/handlers"
	"github.com/VaDeloitte/genie/services/chat/middleware"
)

// SetupRoutes wires the chat service HTTP surface onto the router.
//
// # Description
//
// Registers the liveness and metrics endpoints unauthenticated, then the
// v1 API group behind the bearer-token middleware:
//
//	POST /v1/turn/stream      - submit a user message, stream the answer
//	POST /v1/turn/regenerate  - replace a previous answer, stream the new one
//	POST /v1/turn/stop        - cancel the in-flight turn
//	POST /v1/files/upload     - upload documents for the conversation
//
// # Inputs
//
//   - router: Gin engine to register on.
//   - turns: Turn lifecycle handler.
//   - uploader: Document upload client. May be nil to disable uploads.
//   - registry: Attachment registry. May be nil.
//   - authToken: Shared bearer token; empty disables authentication.
func SetupRoutes(
	router *gin.Engine,
	turns handlers.TurnHandler,
	uploader clients.Uploader,
	registry *attachments.Registry,
	authToken string,
) {
	router.GET("/health", handlers.HealthCheck)
	router.GET("/metrics", gin.WrapH(promhttp.Handler()))

	// API version 1 group
	v1 := router.Group("/v1")
	v1.Use(middleware.AuthMiddleware(authToken))
	{
		turn := v1.Group("/turn")
		{
			turn.POST("/stream", turns.HandleTurnStream)
			turn.POST("/regenerate", turns.HandleRegenerateStream)
			turn.POST("/stop", turns.HandleStop)
		}

		if uploader != nil {
			v1.POST("/files/upload", handlers.HandleFileUpload(uploader, registry))
		}
	}
}
