// Copyright (C) 2026 Genie Contributors
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

// Request and response DTOs for the chat service HTTP surface.
package datatypes

import (
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/google/uuid"
)

// =============================================================================
// Limits
// =============================================================================

const (
	// MaxMessageContentBytes is the maximum size of a single user message.
	MaxMessageContentBytes = 32 * 1024 // 32KB

	// MaxAttachedFiles is the maximum number of file references per turn.
	MaxAttachedFiles = 20
)

// =============================================================================
// Shared Validator Instance
// =============================================================================

// turnValidate is the validator instance for chat datatypes.
var turnValidate *validator.Validate

func init() {
	turnValidate = validator.New()

	// Byte-length limit on message content (rune count would under-count
	// multi-byte payloads).
	_ = turnValidate.RegisterValidation("maxbytes", func(fl validator.FieldLevel) bool {
		return len(fl.Field().String()) <= MaxMessageContentBytes
	})
}

// =============================================================================
// Turn Request
// =============================================================================

// TurnRequest is the body of POST /v1/turn/stream and /v1/turn/regenerate.
//
// # Description
//
// One TurnRequest drives one user-submit-to-assistant-response cycle. For a
// regeneration the Message field is ignored; the orchestrator replays the
// user message preceding TargetIndex instead.
//
// # Fields
//
//   - RequestID: Optional client-supplied UUID v4 for tracing. Generated
//     server-side when absent.
//   - ConversationID: Required. Stable id of the conversation being driven.
//   - UserID: Required. Owner of the conversation.
//   - Model: Required. Model descriptor to send to the chat backend.
//   - Message: The user's new input. Limited to 32KB.
//   - Files: Document references attached to this turn.
//   - WorkflowPrompt: System prompt supplied by the selected workflow/agent.
//   - OverridePrompt: Explicit per-call prompt override (see IsTyping).
//   - IsTyping: Marks the turn as a live-typing override turn; only then is
//     OverridePrompt eligible in prompt resolution.
//   - Workflow: Name of the active workflow, passed through to the backends.
//   - Temperature: Sampling temperature for the chat backend.
//   - CitationsEnabled: Workflow-level citation toggle; forces the
//     augmentation call even without files.
//   - TargetIndex: Regeneration only. Index of the assistant message to
//     discard and replace.
type TurnRequest struct {
	RequestID        string    `json:"request_id" validate:"omitempty,uuid4"`
	ConversationID   string    `json:"conversation_id" validate:"required"`
	UserID           string    `json:"user_id" validate:"required"`
	Model            string    `json:"model" validate:"required"`
	Message          string    `json:"message" validate:"maxbytes"`
	Files            []FileRef `json:"files,omitempty" validate:"max=20"`
	WorkflowPrompt   string    `json:"workflow_prompt,omitempty"`
	OverridePrompt   string    `json:"override_prompt,omitempty"`
	IsTyping         bool      `json:"is_typing,omitempty"`
	Workflow         string    `json:"workflow,omitempty"`
	Temperature      float64   `json:"temperature,omitempty" validate:"gte=0,lte=2"`
	CitationsEnabled bool      `json:"citations_enabled,omitempty"`
	TargetIndex      int       `json:"target_index,omitempty" validate:"gte=0"`
}

// Validate validates the TurnRequest fields.
func (r *TurnRequest) Validate() error {
	return turnValidate.Struct(r)
}

// EnsureDefaults populates the request id when the client did not send one.
func (r *TurnRequest) EnsureDefaults() {
	if r.RequestID == "" {
		r.RequestID = uuid.New().String()
	}
}

// =============================================================================
// Stop Request
// =============================================================================

// StopRequest is the body of POST /v1/turn/stop.
type StopRequest struct {
	ConversationID string `json:"conversation_id" validate:"required"`
}

// Validate validates the StopRequest fields.
func (r *StopRequest) Validate() error {
	return turnValidate.Struct(r)
}

// =============================================================================
// Stream Events
// =============================================================================

// Stream event types emitted over SSE during a turn.
const (
	EventStatus    = "status"
	EventContent   = "content"
	EventCitations = "citations"
	EventUsage     = "usage"
	EventDone      = "done"
	EventError     = "error"
)

// StreamEvent is one Server-Sent Event emitted during a streaming turn.
//
// # Description
//
// Content events carry the full decoded buffer so far, not a delta: the
// client replaces the assistant message content in place on every event.
// Citations and usage events arrive at most once, after the content is
// complete (citations may also never arrive; see the orchestrator's
// background-patch semantics).
//
// # Fields
//
//   - Type: Event kind; one of the Event* constants.
//   - Id: UUID v4, assigned by the writer for ordering and deduplication.
//   - CreatedAt: Unix milliseconds, assigned by the writer.
//   - Content: Full assistant text so far (content events).
//   - Message: Human-readable status text (status events).
//   - Error: Sanitized failure text (error events).
//   - ConversationId: Echoed conversation id (done events).
//   - Citations: Grounding citations (citations events).
//   - Usage: Token accounting (usage events).
type StreamEvent struct {
	Type           string      `json:"type"`
	Id             string      `json:"id,omitempty"`
	CreatedAt      int64       `json:"created_at,omitempty"`
	Content        string      `json:"content,omitempty"`
	Message        string      `json:"message,omitempty"`
	Error          string      `json:"error,omitempty"`
	ConversationId string      `json:"conversation_id,omitempty"`
	Citations      []Citation  `json:"citations,omitempty"`
	Usage          *TokenUsage `json:"usage,omitempty"`
}

// NowMilli returns the current wall-clock in Unix milliseconds.
func NowMilli() int64 {
	return time.Now().UnixMilli()
}
