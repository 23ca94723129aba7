// Copyright (C) 2026 Genie Contributors
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

// Package datatypes provides data structures for the chat service.
//
// This file contains the conversation domain model: messages, file
// references, citations and token usage. Request and response DTOs for the
// HTTP surface live in turn.go; wire formats for the external backends live
// in wire.go.
package datatypes

import (
	"encoding/json"
	"fmt"
	"path"
	"time"
)

// =============================================================================
// Roles
// =============================================================================

const (
	// RoleUser marks a message authored by the human user.
	RoleUser = "user"

	// RoleAssistant marks a message authored by the model.
	RoleAssistant = "assistant"
)

// =============================================================================
// File References
// =============================================================================

// FileRef identifies one uploaded document attached to a message.
//
// # Description
//
// The upload backend historically returned two shapes: a metadata object
// `{url, azureFileName, originalFileName}` and, before that, a bare URL
// string. FileRef absorbs both at the JSON boundary so the rest of the
// code never has to duck-type; a legacy bare string becomes a FileRef with
// only URL and a best-effort OriginalFileName derived from the URL path.
//
// # Fields
//
//   - URL: Download location of the stored document.
//   - AzureFileName: Backend-assigned blob name (empty for legacy refs).
//   - OriginalFileName: Name the user uploaded the file under.
type FileRef struct {
	URL              string `json:"url"`
	AzureFileName    string `json:"azureFileName,omitempty"`
	OriginalFileName string `json:"originalFileName,omitempty"`
}

// UnmarshalJSON accepts either the metadata object form or a legacy bare
// URL string.
func (f *FileRef) UnmarshalJSON(data []byte) error {
	// Legacy arm: a bare URL string.
	var legacy string
	if err := json.Unmarshal(data, &legacy); err == nil {
		f.URL = legacy
		f.AzureFileName = ""
		f.OriginalFileName = path.Base(legacy)
		return nil
	}

	type alias FileRef
	var ref alias
	if err := json.Unmarshal(data, &ref); err != nil {
		return fmt.Errorf("file ref is neither object nor string: %w", err)
	}
	*f = FileRef(ref)
	return nil
}

// Name returns the display name for the reference, preferring the original
// upload name.
func (f FileRef) Name() string {
	if f.OriginalFileName != "" {
		return f.OriginalFileName
	}
	if f.AzureFileName != "" {
		return f.AzureFileName
	}
	return path.Base(f.URL)
}

// FileNames extracts the display names of a reference list. Used when the
// augmentation backend only wants file names, not full refs.
func FileNames(refs []FileRef) []string {
	if len(refs) == 0 {
		return nil
	}
	names := make([]string, len(refs))
	for i, r := range refs {
		names[i] = r.Name()
	}
	return names
}

// =============================================================================
// Citations
// =============================================================================

// Citation records which uploaded document supported part of an answer.
type Citation struct {
	FileName string `json:"file_name"`
	Excerpt  string `json:"excerpt"`
}

// =============================================================================
// Messages
// =============================================================================

// Message is one turn unit in a conversation.
//
// # Description
//
// A user Message is created synchronously on submit and is immutable
// thereafter. An assistant Message is created empty when the first response
// byte arrives and mutated in place (Content grows) until the stream ends,
// after which it is immutable and persisted.
//
// # Fields
//
//   - Role: "user" or "assistant".
//   - Content: Message text. Mutable only while an assistant message streams.
//   - Files: Optional attached document references (user messages only).
//   - Citations: Optional grounding citations (assistant messages only).
//   - Timestamp: Creation time in Unix milliseconds. Informational only.
type Message struct {
	Role      string     `json:"role"`
	Content   string     `json:"content"`
	Files     []FileRef  `json:"file,omitempty"`
	Citations []Citation `json:"citations,omitempty"`
	Timestamp int64      `json:"timestamp,omitempty"`
}

// NewUserMessage creates a user message stamped with the current time.
func NewUserMessage(content string, files []FileRef) Message {
	return Message{
		Role:      RoleUser,
		Content:   content,
		Files:     files,
		Timestamp: time.Now().UnixMilli(),
	}
}

// NewAssistantMessage creates an empty assistant message ready to receive
// streamed content.
func NewAssistantMessage() Message {
	return Message{
		Role:      RoleAssistant,
		Timestamp: time.Now().UnixMilli(),
	}
}

// =============================================================================
// Conversations
// =============================================================================

// Conversation is an ordered sequence of messages plus the settings the
// turn was run with.
//
// # Description
//
// Message order is append-only during a normal turn; regeneration is the
// one exception, where the prior assistant message at the target index is
// removed before a new one is appended. A Conversation is owned exclusively
// by the turn orchestrator while a turn runs; the persistence layer owns
// the durable copy.
type Conversation struct {
	ID          string    `json:"id"`
	UserID      string    `json:"userId"`
	Model       string    `json:"model"`
	Prompt      string    `json:"prompt,omitempty"`
	Temperature float64   `json:"temperature,omitempty"`
	Messages    []Message `json:"messages"`
}

// LastMessage returns the final message, or nil for an empty conversation.
func (c *Conversation) LastMessage() *Message {
	if len(c.Messages) == 0 {
		return nil
	}
	return &c.Messages[len(c.Messages)-1]
}

// =============================================================================
// Token Usage
// =============================================================================

// TokenUsage is the usage block of the chat backend's trailing JSON
// envelope.
type TokenUsage struct {
	InputTokens    int    `json:"input_tokens"`
	ResponseTokens int    `json:"response_tokens"`
	TotalTokens    int    `json:"total_tokens"`
	ModelUsed      string `json:"model_used"`
}

// =============================================================================
// Completion Envelope
// =============================================================================

// CompletionEnvelope is the optional JSON wrapper some chat backends emit
// as the complete streamed body: the answer plus token accounting.
//
// Streams that are plain text do not parse as this envelope; callers fall
// back to treating the raw text as the answer.
type CompletionEnvelope struct {
	Content    string      `json:"content"`
	TokenUsage *TokenUsage `json:"token_usage"`
}

// ParseCompletionEnvelope attempts to interpret a fully streamed body as a
// CompletionEnvelope.
//
// # Outputs
//
//   - *CompletionEnvelope: Non-nil only when the body is a JSON object
//     carrying both a content field and a token_usage block.
//   - bool: Whether the envelope arm was taken.
func ParseCompletionEnvelope(body string) (*CompletionEnvelope, bool) {
	var env CompletionEnvelope
	if err := json.Unmarshal([]byte(body), &env); err != nil {
		return nil, false
	}
	if env.TokenUsage == nil {
		return nil, false
	}
	return &env, true
}
