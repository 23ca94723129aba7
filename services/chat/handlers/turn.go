// Copyright (C) 2026 Genie Contributors
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package handlers

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gin-gonic/gin"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/VaDeloitte/genie/services/chat/datatypes"
	"github.com/VaDeloitte/genie/services/chat/observability"
	"github.com/VaDeloitte/genie/services/chat/orchestrator"
)

// =============================================================================
// Constants
// =============================================================================

const (
	// heartbeatInterval is the interval for sending keepalive pings.
	// Set to 15s to stay well under typical LB timeouts (60s for ALB/Nginx).
	heartbeatInterval = 15 * time.Second
)

// =============================================================================
// Interface Definition
// =============================================================================

// TurnHandler defines the contract for handling streaming turn HTTP requests.
//
// # Description
//
// TurnHandler exposes the turn lifecycle over HTTP: submit a user message
// and stream the assistant's answer back as Server-Sent Events, regenerate
// a previous answer, and stop an in-flight turn.
//
// # Thread Safety
//
// Implementations must be safe for concurrent use by multiple goroutines.
// HTTP handlers are called concurrently by the Gin framework.
//
// # Assumptions
//
//   - All dependencies are properly initialized before handler use
//   - Clients of the streaming endpoints support SSE
type TurnHandler interface {
	// HandleTurnStream processes POST /v1/turn/stream.
	//
	// Streams the assistant's answer via SSE:
	//   - status: Processing status updates
	//   - content: Full assistant text so far (replace, not append)
	//   - citations: Grounding citations (at most once, may follow done)
	//   - usage: Token accounting (at most once)
	//   - done: Turn completion with conversation ID
	//   - error: Sanitized failure text
	HandleTurnStream(c *gin.Context)

	// HandleRegenerateStream processes POST /v1/turn/regenerate.
	//
	// Replays the user message behind the targeted assistant answer and
	// streams the replacement through the same SSE vocabulary as
	// HandleTurnStream.
	HandleRegenerateStream(c *gin.Context)

	// HandleStop processes POST /v1/turn/stop.
	//
	// Cancels the conversation's in-flight turn. Idempotent; stopping an
	// idle conversation is a no-op.
	HandleStop(c *gin.Context)
}

// =============================================================================
// Struct Definition
// =============================================================================

// turnHandler implements TurnHandler for production use.
//
// # Fields
//
//   - sessions: Session manager owning one orchestrator per conversation.
//   - tracer: OpenTelemetry tracer for distributed tracing.
//
// # Thread Safety
//
// Thread-safe. All fields are read-only after construction; per-request
// state lives on the stack and in the session manager.
type turnHandler struct {
	sessions *SessionManager
	tracer   trace.Tracer
}

// NewTurnHandler creates a TurnHandler backed by the given session manager.
func NewTurnHandler(sessions *SessionManager) TurnHandler {
	if sessions == nil {
		panic("NewTurnHandler: sessions must not be nil")
	}
	return &turnHandler{
		sessions: sessions,
		tracer:   otel.Tracer("genie/services/chat/handlers"),
	}
}

// =============================================================================
// SSE Emitter
// =============================================================================

// sseEmitter bridges orchestrator turn events onto an SSE stream.
//
// # Description
//
// The orchestrator may fire CitationsReady after the turn completed, when
// augmentation ran in the background. The handler has returned by then and
// the ResponseWriter must not be touched, so the emitter latches closed
// when the turn finishes and drops late events.
type sseEmitter struct {
	writer   SSEWriter
	endpoint observability.Endpoint
	model    string
	start    time.Time
	firstTok sync.Once
	closed   atomic.Bool
}

func newSSEEmitter(writer SSEWriter, endpoint observability.Endpoint, model string) *sseEmitter {
	return &sseEmitter{
		writer:   writer,
		endpoint: endpoint,
		model:    model,
		start:    time.Now(),
	}
}

// close marks the stream finished; subsequent events are dropped.
func (e *sseEmitter) close() {
	e.closed.Store(true)
}

func (e *sseEmitter) TurnStarted(_ string) {
	if err := e.writer.WriteStatus("Generating response..."); err != nil {
		slog.Debug("failed to write status event", "error", err)
	}
}

func (e *sseEmitter) ContentUpdated(content string) {
	if e.closed.Load() {
		return
	}
	e.firstTok.Do(func() {
		if m := observability.DefaultMetrics; m != nil {
			m.RecordTimeToFirstToken(e.endpoint, time.Since(e.start).Seconds())
		}
	})
	if err := e.writer.WriteContent(content); err != nil {
		slog.Debug("failed to write content event", "error", err)
	}
}

func (e *sseEmitter) CitationsReady(citations []datatypes.Citation) {
	if e.closed.Load() {
		return
	}
	if err := e.writer.WriteCitations(citations); err != nil {
		slog.Debug("failed to write citations event", "error", err)
	}
}

func (e *sseEmitter) UsageReady(usage datatypes.TokenUsage) {
	if e.closed.Load() {
		return
	}
	if m := observability.DefaultMetrics; m != nil {
		model := usage.ModelUsed
		if model == "" {
			model = e.model
		}
		m.RecordTokens(usage.InputTokens, usage.ResponseTokens, model)
	}
	if err := e.writer.WriteUsage(usage); err != nil {
		slog.Debug("failed to write usage event", "error", err)
	}
}

func (e *sseEmitter) TurnCompleted(conv datatypes.Conversation) {
	if e.closed.Load() {
		return
	}
	if err := e.writer.WriteDone(conv.ID); err != nil {
		slog.Debug("failed to write done event", "error", err)
	}
}

func (e *sseEmitter) TurnStopped() {
	if e.closed.Load() {
		return
	}
	if err := e.writer.WriteStatus("Generation stopped."); err != nil {
		slog.Debug("failed to write stopped status", "error", err)
	}
}

func (e *sseEmitter) TurnFailed(message string) {
	if e.closed.Load() {
		return
	}
	if err := e.writer.WriteError(message); err != nil {
		slog.Debug("failed to write error event", "error", err)
	}
}

var _ orchestrator.TurnEmitter = (*sseEmitter)(nil)

// =============================================================================
// Handler Methods
// =============================================================================

// HandleTurnStream processes POST /v1/turn/stream.
//
// # Description
//
// The flow is:
//  1. Parse and validate request body
//  2. Acquire (or hydrate) the conversation's orchestrator
//  3. Set SSE headers and create writer
//  4. Start heartbeat goroutine
//  5. Run the turn, bridging orchestrator events onto the SSE stream
//  6. Record metrics and close out
//
// HTTP Status (before streaming starts):
//   - 400 Bad Request: Invalid request body or validation failure
//   - 500 Internal Server Error: Hydration or SSE setup failure
//
// Errors after streaming has started are sent as SSE error events, not
// HTTP errors.
func (h *turnHandler) HandleTurnStream(c *gin.Context) {
	h.runStream(c, observability.EndpointTurnStream, false)
}

// HandleRegenerateStream processes POST /v1/turn/regenerate.
func (h *turnHandler) HandleRegenerateStream(c *gin.Context) {
	h.runStream(c, observability.EndpointTurnRegenerate, true)
}

// runStream is the shared SSE pipeline for submit and regenerate.
func (h *turnHandler) runStream(c *gin.Context, endpoint observability.Endpoint, regenerate bool) {
	startTime := time.Now()

	ctx, span := h.tracer.Start(c.Request.Context(), "HandleTurnStream")
	defer span.End()

	// Track active stream (for metrics)
	if m := observability.DefaultMetrics; m != nil {
		m.StreamStarted(endpoint)
		defer m.StreamEnded(endpoint)
	}

	status := "error"
	defer func() {
		if m := observability.DefaultMetrics; m != nil {
			m.RecordTurn(endpoint, status)
			m.RecordTurnDuration(endpoint, time.Since(startTime).Seconds(), status)
		}
	}()

	// Step 1: Parse and validate the request body.
	var req datatypes.TurnRequest
	if err := c.BindJSON(&req); err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "invalid request body")
		slog.Error("failed to parse turn request", "error", err)
		if m := observability.DefaultMetrics; m != nil {
			m.RecordError(endpoint, observability.ErrorCodeValidation)
		}
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid request body"})
		return
	}
	req.EnsureDefaults()
	if err := req.Validate(); err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "validation failed")
		slog.Error("turn request validation failed",
			"error", err,
			"request_id", req.RequestID,
		)
		if m := observability.DefaultMetrics; m != nil {
			m.RecordError(endpoint, observability.ErrorCodeValidation)
		}
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid request: validation failed"})
		return
	}

	span.SetAttributes(
		attribute.String("request.id", req.RequestID),
		attribute.String("conversation.id", req.ConversationID),
		attribute.Bool("request.regenerate", regenerate),
	)

	// Step 2: Acquire the conversation's orchestrator, hydrating from the
	// persistence layer on first touch.
	orch, err := h.sessions.Acquire(ctx, req)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "conversation hydration failed")
		slog.Error("failed to hydrate conversation",
			"error", err,
			"conversation_id", req.ConversationID,
		)
		if m := observability.DefaultMetrics; m != nil {
			m.RecordError(endpoint, observability.ErrorCodeInternal)
		}
		c.JSON(http.StatusInternalServerError, gin.H{"error": "conversation unavailable"})
		return
	}

	// Step 3: Set SSE headers and create writer.
	SetSSEHeaders(c.Writer)
	sseWriter, err := NewSSEWriter(c.Writer)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "SSE setup failed")
		slog.Error("failed to create SSE writer",
			"error", err,
			"request_id", req.RequestID,
		)
		if m := observability.DefaultMetrics; m != nil {
			m.RecordError(endpoint, observability.ErrorCodeInternal)
		}
		c.JSON(http.StatusInternalServerError, gin.H{"error": "streaming not supported"})
		return
	}

	// Step 4: Start heartbeat goroutine to prevent connection timeouts
	// while augmentation or a slow model start keeps the stream quiet.
	heartbeatDone := make(chan struct{})
	go h.runHeartbeat(ctx, sseWriter, endpoint, heartbeatDone)

	// Step 5: Run the turn. Orchestrator events land on the SSE stream
	// through the emitter; the emitter latches closed afterwards so a
	// late background citation patch never touches a finished response.
	emitter := newSSEEmitter(sseWriter, endpoint, req.Model)
	var runErr error
	if regenerate {
		runErr = orch.Regenerate(req, emitter)
	} else {
		runErr = orch.RunTurn(req, emitter)
	}

	close(heartbeatDone)
	emitter.close()

	// Step 6: Classify the outcome and record metrics.
	switch {
	case runErr == nil:
		status = "success"
		span.SetStatus(codes.Ok, "")
	case errors.Is(runErr, orchestrator.ErrStopped):
		status = "stopped"
		span.SetAttributes(attribute.Bool("turn.stopped", true))
	default:
		// Pre-stream failures only: the orchestrator resolves in-stream
		// failures itself and returns nil.
		span.RecordError(runErr)
		span.SetStatus(codes.Error, "turn rejected")
		slog.Warn("turn rejected",
			"error", runErr,
			"conversation_id", req.ConversationID,
		)
		if m := observability.DefaultMetrics; m != nil {
			m.RecordError(endpoint, observability.ErrorCodeValidation)
		}
		if err := sseWriter.WriteError("The request could not be processed."); err != nil {
			slog.Debug("failed to write rejection event", "error", err)
		}
	}

	if c.Request.Context().Err() != nil {
		if m := observability.DefaultMetrics; m != nil {
			m.RecordClientDisconnect(endpoint)
		}
	}
}

// HandleStop processes POST /v1/turn/stop.
//
// # Outputs
//
// HTTP Status:
//   - 202 Accepted: Stop signal delivered (or conversation already idle)
//   - 400 Bad Request: Invalid request body
//   - 404 Not Found: No live session for the conversation
func (h *turnHandler) HandleStop(c *gin.Context) {
	_, span := h.tracer.Start(c.Request.Context(), "HandleStop")
	defer span.End()

	var req datatypes.StopRequest
	if err := c.BindJSON(&req); err != nil {
		span.RecordError(err)
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid request body"})
		return
	}
	if err := req.Validate(); err != nil {
		span.RecordError(err)
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid request: validation failed"})
		return
	}

	span.SetAttributes(attribute.String("conversation.id", req.ConversationID))

	orch, ok := h.sessions.Lookup(req.ConversationID)
	if !ok {
		c.JSON(http.StatusNotFound, gin.H{"error": "no active session for conversation"})
		return
	}

	orch.Stop()
	slog.Info("turn stop requested", "conversation_id", req.ConversationID)
	c.JSON(http.StatusAccepted, gin.H{"status": "stopping"})
}

// =============================================================================
// Helper Functions
// =============================================================================

// runHeartbeat sends keepalive pings until the stream finishes.
func (h *turnHandler) runHeartbeat(
	ctx context.Context,
	writer SSEWriter,
	endpoint observability.Endpoint,
	done <-chan struct{},
) {
	ticker := time.NewTicker(heartbeatInterval)
	defer ticker.Stop()

	for {
		select {
		case <-done:
			return
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := writer.WriteKeepAlive(); err != nil {
				slog.Debug("failed to write keepalive", "error", err)
				return
			}
			if m := observability.DefaultMetrics; m != nil {
				m.RecordKeepAlive(endpoint)
			}
		}
	}
}

// =============================================================================
// Compile-time Interface Check
// =============================================================================

var _ TurnHandler = (*turnHandler)(nil)
