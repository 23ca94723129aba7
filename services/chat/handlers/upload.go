// Copyright (C) 2026 Genie Contributors
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package handlers

import (
	"errors"
	"log/slog"
	"net/http"

	"github.com/gin-gonic/gin"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"

	"github.com/VaDeloitte/genie/services/chat/attachments"
	"github.com/VaDeloitte/genie/services/chat/clients"
	"github.com/VaDeloitte/genie/services/chat/datatypes"
	"github.com/VaDeloitte/genie/services/chat/observability"
)

// maxUploadBytes bounds the whole multipart request body.
const maxUploadBytes = 100 << 20 // 100MB

// =============================================================================
// Upload Handler
// =============================================================================

// HandleFileUpload processes POST /v1/files/upload.
//
// # Description
//
// Accepts a multipart form with a conversation_id field and one or more
// files under the "files" key. Files are forwarded to the document backend
// through the circuit-broken upload client, and the returned references
// are registered against the conversation so later turns attach them
// automatically.
//
// # Outputs
//
// HTTP Status:
//   - 200 OK: {"files": [...]} with the stored references
//   - 400 Bad Request: Missing conversation_id, no files, or too many files
//   - 413/415/401/429: Mapped from the backend's rejection
//   - 502 Bad Gateway: Backend failure or open circuit
//
// # Limitations
//
//   - Whole-request body is capped at maxUploadBytes.
func HandleFileUpload(uploader clients.Uploader, registry *attachments.Registry) gin.HandlerFunc {
	tracer := otel.Tracer("genie/services/chat/handlers")

	return func(c *gin.Context) {
		ctx, span := tracer.Start(c.Request.Context(), "HandleFileUpload")
		defer span.End()

		c.Request.Body = http.MaxBytesReader(c.Writer, c.Request.Body, maxUploadBytes)

		// Step 1: Parse the multipart form.
		form, err := c.MultipartForm()
		if err != nil {
			span.RecordError(err)
			span.SetStatus(codes.Error, "invalid multipart form")
			recordUploadOutcome("invalid_form")
			c.JSON(http.StatusBadRequest, gin.H{"error": "invalid multipart form"})
			return
		}

		conversationID := c.PostForm("conversation_id")
		if conversationID == "" {
			recordUploadOutcome("missing_conversation")
			c.JSON(http.StatusBadRequest, gin.H{"error": "conversation_id is required"})
			return
		}

		headers := form.File["files"]
		if len(headers) == 0 {
			recordUploadOutcome("no_files")
			c.JSON(http.StatusBadRequest, gin.H{"error": "no files provided"})
			return
		}
		if len(headers) > datatypes.MaxAttachedFiles {
			recordUploadOutcome("too_many_files")
			c.JSON(http.StatusBadRequest, gin.H{"error": "too many files"})
			return
		}

		span.SetAttributes(
			attribute.String("conversation.id", conversationID),
			attribute.Int("upload.file_count", len(headers)),
		)

		// Step 2: Open the parts and hand them to the upload client as
		// streams; nothing is buffered here.
		uploadFiles := make([]clients.UploadFile, 0, len(headers))
		for _, header := range headers {
			part, openErr := header.Open()
			if openErr != nil {
				span.RecordError(openErr)
				recordUploadOutcome("invalid_form")
				c.JSON(http.StatusBadRequest, gin.H{"error": "unreadable file part"})
				return
			}
			defer part.Close()
			uploadFiles = append(uploadFiles, clients.UploadFile{
				Name:    header.Filename,
				Content: part,
			})
		}

		// Step 3: Forward to the document backend.
		result, err := uploader.Upload(ctx, conversationID, uploadFiles)
		if err != nil {
			span.RecordError(err)
			span.SetStatus(codes.Error, "upload failed")

			var uploadErr *clients.UploadError
			if errors.As(err, &uploadErr) {
				recordUploadOutcome(string(uploadErr.Kind))
				slog.Warn("file upload rejected",
					"conversation_id", conversationID,
					"kind", uploadErr.Kind,
					"status", uploadErr.StatusCode,
				)
				c.JSON(uploadStatusFor(uploadErr), gin.H{"error": uploadErr.Message})
				return
			}

			recordUploadOutcome("error")
			slog.Error("file upload failed",
				"conversation_id", conversationID,
				"error", err,
			)
			c.JSON(http.StatusBadGateway, gin.H{"error": "upload failed"})
			return
		}

		// Step 4: Register the references so subsequent turns in this
		// conversation carry them.
		if registry != nil {
			if err := registry.Add(conversationID, result.Files); err != nil {
				// The upload itself succeeded; the turn-time fallback is
				// the client re-sending the references.
				slog.Error("failed to register uploaded files",
					"conversation_id", conversationID,
					"error", err,
				)
			}
		}

		recordUploadOutcome("success")
		c.JSON(http.StatusOK, gin.H{"files": result.Files})
	}
}

// uploadStatusFor maps a classified upload failure to an HTTP status.
func uploadStatusFor(err *clients.UploadError) int {
	switch err.Kind {
	case clients.UploadFileTooLarge:
		return http.StatusRequestEntityTooLarge
	case clients.UploadUnsupportedType:
		return http.StatusUnsupportedMediaType
	case clients.UploadAuthExpired:
		return http.StatusUnauthorized
	case clients.UploadRateLimited:
		return http.StatusTooManyRequests
	default:
		return http.StatusBadGateway
	}
}

func recordUploadOutcome(outcome string) {
	if m := observability.DefaultMetrics; m != nil {
		m.RecordUpload(outcome)
	}
}
