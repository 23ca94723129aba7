// Copyright (C) 2026 Genie Contributors
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

// Wire formats for the external backends: augmentation, chat completion,
// conversation store and document upload. Duck-typed response shapes
// (JSON-or-text, files-or-urls) are resolved here, at the boundary, into
// single concrete types.
package datatypes

import (
	"bytes"
	"encoding/json"
	"fmt"
)

// =============================================================================
// Augmentation
// =============================================================================

// WireMessage is the reduced message shape sent to the augmentation and
// chat backends: role and content only, files stripped to a name list.
type WireMessage struct {
	Role    string   `json:"role"`
	Content string   `json:"content"`
	Prompt  string   `json:"prompt,omitempty"`
	Files   []string `json:"file,omitempty"`
}

// ToWireMessages reduces conversation messages to their wire shape.
func ToWireMessages(msgs []Message) []WireMessage {
	out := make([]WireMessage, len(msgs))
	for i, m := range msgs {
		out[i] = WireMessage{
			Role:    m.Role,
			Content: m.Content,
			Files:   FileNames(m.Files),
		}
	}
	return out
}

// AugmentRequest is the body of the augmentation backend call.
type AugmentRequest struct {
	ConversationID string        `json:"conversationId"`
	UserID         string        `json:"userId"`
	Model          string        `json:"model"`
	Messages       []WireMessage `json:"messages"`
	Files          []string      `json:"files"`
	Prompt         string        `json:"prompt,omitempty"`
	Workflow       string        `json:"workflow,omitempty"`
}

// AugmentationResult is the resolved outcome of a successful augmentation
// call: the rewritten system prompt plus any citations the retrieval step
// produced. A nil result means "no augmentation" and is not an error.
type AugmentationResult struct {
	Prompt    string
	Citations []Citation
}

// augmentJSONBody is the preferred JSON response arm of the augmentation
// backend. Older deployments return `content`, newer ones `system_prompt`.
type augmentJSONBody struct {
	Content      string     `json:"content"`
	SystemPrompt string     `json:"system_prompt"`
	Citations    []Citation `json:"citations"`
}

// ResolveAugmentationBody interprets an augmentation response body.
//
// # Description
//
// The backend answers with either a JSON object (preferred) or a bare text
// string carrying the augmented prompt (legacy). Both arms resolve to one
// AugmentationResult here so callers never see which was taken.
//
// # Outputs
//
//   - *AugmentationResult: Never nil on success; Prompt may come from
//     either JSON field, with `content` winning when both are set.
//   - error: Non-nil only when the JSON arm parses but yields no prompt.
func ResolveAugmentationBody(body []byte) (*AugmentationResult, error) {
	trimmed := bytes.TrimSpace(body)
	if len(trimmed) > 0 && trimmed[0] == '{' {
		var parsed augmentJSONBody
		if err := json.Unmarshal(trimmed, &parsed); err == nil {
			prompt := parsed.Content
			if prompt == "" {
				prompt = parsed.SystemPrompt
			}
			if prompt == "" {
				return nil, fmt.Errorf("augmentation response carried no prompt")
			}
			return &AugmentationResult{Prompt: prompt, Citations: parsed.Citations}, nil
		}
	}

	// Legacy arm: the whole body is the prompt. Tolerate a JSON-encoded
	// string as well.
	var quoted string
	if err := json.Unmarshal(trimmed, &quoted); err == nil {
		return &AugmentationResult{Prompt: quoted}, nil
	}
	return &AugmentationResult{Prompt: string(trimmed)}, nil
}

// =============================================================================
// Chat Completion
// =============================================================================

// CompletionRequest is the body of the chat completion backend call.
type CompletionRequest struct {
	Model       string        `json:"model"`
	Messages    []WireMessage `json:"messages"`
	Key         string        `json:"key,omitempty"`
	Prompt      string        `json:"prompt"`
	Files       []string      `json:"files"`
	Workflow    string        `json:"workflow,omitempty"`
	Temperature float64       `json:"temperature,omitempty"`
}

// =============================================================================
// Conversation Store
// =============================================================================

// ConversationRecord is the durable conversation shape exchanged with the
// conversation store backend.
type ConversationRecord struct {
	ID          string    `json:"id"`
	UserID      string    `json:"userId"`
	Model       string    `json:"model"`
	Messages    []Message `json:"messages"`
	Name        string    `json:"name,omitempty"`
	Prompt      string    `json:"prompt,omitempty"`
	Temperature float64   `json:"temperature,omitempty"`
	FolderID    string    `json:"folderId,omitempty"`
}

// fetchEnvelope is the store's fetch response: data is either a single
// record or an array the client must match by id.
type fetchEnvelope struct {
	Success bool            `json:"success"`
	Data    json.RawMessage `json:"data"`
}

// ResolveFetchBody interprets a conversation fetch response body.
//
// # Outputs
//
//   - *ConversationRecord: The record matching id, or nil when the store
//     reports success with no matching record.
//   - error: Non-nil for malformed bodies or success=false.
func ResolveFetchBody(body []byte, id string) (*ConversationRecord, error) {
	var env fetchEnvelope
	if err := json.Unmarshal(body, &env); err != nil {
		return nil, fmt.Errorf("parse fetch envelope: %w", err)
	}
	if !env.Success {
		return nil, fmt.Errorf("store reported failure")
	}
	if len(env.Data) == 0 || bytes.Equal(bytes.TrimSpace(env.Data), []byte("null")) {
		return nil, nil
	}

	trimmed := bytes.TrimSpace(env.Data)
	if trimmed[0] == '[' {
		var records []ConversationRecord
		if err := json.Unmarshal(trimmed, &records); err != nil {
			return nil, fmt.Errorf("parse record list: %w", err)
		}
		for i := range records {
			if records[i].ID == id {
				return &records[i], nil
			}
		}
		return nil, nil
	}

	var record ConversationRecord
	if err := json.Unmarshal(trimmed, &record); err != nil {
		return nil, fmt.Errorf("parse record: %w", err)
	}
	if record.ID != "" && record.ID != id {
		return nil, nil
	}
	return &record, nil
}

// =============================================================================
// Document Upload
// =============================================================================

// UploadResult is the resolved outcome of a document upload: one file
// reference per stored document regardless of which response arm the
// backend answered with.
type UploadResult struct {
	Files []FileRef
}

// uploadBody covers both upload response arms: metadata objects (current)
// and bare URL lists (legacy).
type uploadBody struct {
	Files []FileRef `json:"files"`
	URLs  []string  `json:"urls"`
}

// ResolveUploadBody interprets an upload response body.
//
// # Outputs
//
//   - *UploadResult: File references from whichever arm was populated.
//   - error: Non-nil for malformed bodies or when neither arm is present.
func ResolveUploadBody(body []byte) (*UploadResult, error) {
	var parsed uploadBody
	if err := json.Unmarshal(body, &parsed); err != nil {
		return nil, fmt.Errorf("parse upload response: %w", err)
	}
	if len(parsed.Files) > 0 {
		return &UploadResult{Files: parsed.Files}, nil
	}
	if len(parsed.URLs) > 0 {
		refs := make([]FileRef, len(parsed.URLs))
		for i, u := range parsed.URLs {
			refs[i] = FileRef{URL: u}
			refs[i].OriginalFileName = refs[i].Name()
		}
		return &UploadResult{Files: refs}, nil
	}
	return nil, fmt.Errorf("upload response carried neither files nor urls")
}
