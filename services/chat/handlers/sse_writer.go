// Copyright (C) 2026 Genie Contributors
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package handlers

import (
	"encoding/json"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/VaDeloitte/genie/services/chat/datatypes"
)

// =============================================================================
// Interface Definition
// =============================================================================

// SSEWriter defines the contract for writing Server-Sent Events to HTTP
// responses.
//
// # Description
//
// SSEWriter abstracts SSE event serialization and writing, enabling
// testability and separation from HTTP response mechanics. Implementations
// handle the SSE wire format (event: type\ndata: json\n\n) internally.
//
// Each event is automatically assigned:
//   - Id: UUID v4 for ordering and deduplication
//   - CreatedAt: Unix timestamp in milliseconds
//
// # Thread Safety
//
// Implementations must be safe for concurrent use by multiple goroutines.
// Streaming handlers emit content events and keepalives from different
// goroutines concurrently.
//
// # Limitations
//
//   - Must be used with http.Flusher-compatible ResponseWriter
//   - Response headers must be set before first write
//
// # Assumptions
//
//   - Caller has set Content-Type: text/event-stream before writing
//   - Caller has disabled buffering (X-Accel-Buffering: no)
type SSEWriter interface {
	// WriteEvent writes a single SSE event to the response.
	//
	// Populates event metadata (Id, CreatedAt), serializes to JSON, and
	// writes in SSE format. Flushes immediately after writing.
	WriteEvent(event datatypes.StreamEvent) error

	// WriteStatus writes a status event with the given message.
	WriteStatus(message string) error

	// WriteContent writes a content event carrying the full assistant
	// text decoded so far. Clients replace the assistant message in
	// place; content events are not deltas.
	WriteContent(content string) error

	// WriteCitations writes a citations event. At most one citations
	// event is emitted per turn, and it may arrive after done when
	// augmentation ran in the background.
	WriteCitations(citations []datatypes.Citation) error

	// WriteUsage writes a usage event with token accounting.
	WriteUsage(usage datatypes.TokenUsage) error

	// WriteError writes an error event and signals stream failure.
	//
	// The message must already be sanitized for client display; internal
	// error details never cross this boundary.
	WriteError(errMsg string) error

	// WriteDone writes the done event with the conversation ID.
	// Should only be called once per stream.
	WriteDone(conversationID string) error

	// WriteKeepAlive sends a comment line to prevent connection timeouts.
	//
	// Sends an SSE comment (": ping\n\n") during long operations such as
	// augmentation or slow model start. SSE comments are ignored by
	// clients but keep the TCP connection active, preventing timeout
	// disconnections from load balancers (AWS ALB, Nginx default 60s).
	WriteKeepAlive() error
}

// =============================================================================
// Struct Definition
// =============================================================================

// sseWriter implements SSEWriter for HTTP SSE responses.
//
// # Description
//
// sseWriter wraps an http.ResponseWriter to emit SSE-formatted events.
// Each event is written in the format:
//
//	event: {type}
//	data: {json}
//
// # Thread Safety
//
// Thread-safe via mutex. Multiple goroutines can write events concurrently.
//
// # Limitations
//
//   - Cannot be reused across requests
type sseWriter struct {
	writer  http.ResponseWriter
	flusher http.Flusher
	mu      sync.Mutex
}

// =============================================================================
// Constructor
// =============================================================================

// NewSSEWriter creates a new SSEWriter for the given ResponseWriter.
//
// # Description
//
// Creates an sseWriter that wraps the ResponseWriter. The caller must
// set appropriate SSE headers before creating the writer.
//
// # Inputs
//
//   - w: HTTP ResponseWriter. Must implement http.Flusher.
//
// # Outputs
//
//   - SSEWriter: Ready to write SSE events.
//   - error: Non-nil if ResponseWriter doesn't support flushing.
//
// # Examples
//
//	SetSSEHeaders(w)
//	writer, err := NewSSEWriter(w)
//	if err != nil {
//	    http.Error(w, "Streaming not supported", http.StatusInternalServerError)
//	    return
//	}
//	writer.WriteStatus("Generating response...")
//	writer.WriteContent("Hello")
//	writer.WriteDone("conv-123")
func NewSSEWriter(w http.ResponseWriter) (SSEWriter, error) {
	flusher, ok := w.(http.Flusher)
	if !ok {
		return nil, fmt.Errorf("ResponseWriter does not support http.Flusher")
	}

	return &sseWriter{
		writer:  w,
		flusher: flusher,
	}, nil
}

// =============================================================================
// Methods
// =============================================================================

// WriteEvent writes a single SSE event to the response.
func (w *sseWriter) WriteEvent(event datatypes.StreamEvent) error {
	w.mu.Lock()
	defer w.mu.Unlock()

	// Populate metadata
	event.Id = uuid.New().String()
	event.CreatedAt = time.Now().UnixMilli()

	data, err := json.Marshal(event)
	if err != nil {
		return fmt.Errorf("marshal event: %w", err)
	}

	// Write SSE format: event: type\ndata: json\n\n
	if _, err := fmt.Fprintf(w.writer, "event: %s\ndata: %s\n\n", event.Type, data); err != nil {
		return fmt.Errorf("write event: %w", err)
	}

	w.flusher.Flush()
	return nil
}

// WriteStatus writes a status event with the given message.
func (w *sseWriter) WriteStatus(message string) error {
	return w.WriteEvent(datatypes.StreamEvent{
		Type:    datatypes.EventStatus,
		Message: message,
	})
}

// WriteContent writes a content event with the full assistant text so far.
func (w *sseWriter) WriteContent(content string) error {
	return w.WriteEvent(datatypes.StreamEvent{
		Type:    datatypes.EventContent,
		Content: content,
	})
}

// WriteCitations writes a citations event.
func (w *sseWriter) WriteCitations(citations []datatypes.Citation) error {
	return w.WriteEvent(datatypes.StreamEvent{
		Type:      datatypes.EventCitations,
		Citations: citations,
	})
}

// WriteUsage writes a usage event with token accounting.
func (w *sseWriter) WriteUsage(usage datatypes.TokenUsage) error {
	return w.WriteEvent(datatypes.StreamEvent{
		Type:  datatypes.EventUsage,
		Usage: &usage,
	})
}

// WriteError writes an error event.
func (w *sseWriter) WriteError(errMsg string) error {
	return w.WriteEvent(datatypes.StreamEvent{
		Type:  datatypes.EventError,
		Error: errMsg,
	})
}

// WriteDone writes the done event with the conversation ID.
func (w *sseWriter) WriteDone(conversationID string) error {
	return w.WriteEvent(datatypes.StreamEvent{
		Type:           datatypes.EventDone,
		ConversationId: conversationID,
	})
}

// WriteKeepAlive sends a comment line to keep the connection alive.
func (w *sseWriter) WriteKeepAlive() error {
	w.mu.Lock()
	defer w.mu.Unlock()

	// SSE comment format: colon followed by text, then double newline
	if _, err := fmt.Fprintf(w.writer, ": ping\n\n"); err != nil {
		return fmt.Errorf("write keepalive: %w", err)
	}

	w.flusher.Flush()
	return nil
}

// =============================================================================
// Helper Functions
// =============================================================================

// SetSSEHeaders configures HTTP response headers for SSE streaming.
//
// # Description
//
// Sets the required headers for Server-Sent Events:
//   - Content-Type: text/event-stream
//   - Cache-Control: no-cache
//   - Connection: keep-alive
//   - X-Accel-Buffering: no (disables nginx buffering)
//
// Must be called before writing any response body.
func SetSSEHeaders(w http.ResponseWriter) {
	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.Header().Set("X-Accel-Buffering", "no")
}

// =============================================================================
// Compile-time Interface Check
// =============================================================================

var _ SSEWriter = (*sseWriter)(nil)
