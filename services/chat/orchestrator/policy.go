// Copyright (C) 2026 Genie Contributors
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package orchestrator

import (
	"strings"

	"github.com/VaDeloitte/genie/services/chat/datatypes"
)

// AgentBuilderPromptPrefix marks the reserved agent-builder workflow
// prompt. A workflow prompt starting with it belongs to the builder
// conversation flow, which must not be clobbered by generic retrieval
// text.
const AgentBuilderPromptPrefix = "Enhanced Specification Collection"

// FallbackSystemPrompt is used when no other prompt source applies.
const FallbackSystemPrompt = "You are Genie, a helpful AI assistant. " +
	"Answer the user's questions clearly and accurately, and say so when you do not know."

// IsAgentBuilderPrompt reports whether prompt is the reserved
// agent-builder marker.
func IsAgentBuilderPrompt(prompt string) bool {
	return strings.HasPrefix(prompt, AgentBuilderPromptPrefix)
}

// PromptResolutionInput is the per-turn input to ResolvePrompt. Consumed
// once, never persisted.
type PromptResolutionInput struct {
	// Augmented is the augmentation outcome, nil when augmentation was
	// skipped or failed.
	Augmented *datatypes.AugmentationResult
	// AttachedFileCount is the number of documents attached to this turn.
	AttachedFileCount int
	// WorkflowPrompt is the workflow's default system prompt, empty when
	// no workflow is active.
	WorkflowPrompt string
	// OverridePrompt is an explicit per-call prompt override.
	OverridePrompt string
	// IsTyping marks a live typing turn, the only kind the override
	// applies to.
	IsTyping bool
}

// ResolvePrompt selects the system prompt for a turn. Pure function.
//
// # Description
//
// Precedence, first match wins:
//
//  1. Augmentation succeeded and files are attached: the augmented
//     prompt. Attachments are the strongest signal that grounding
//     context must be preserved, so they win even over an in-progress
//     agent-builder conversation.
//  2. Augmentation succeeded and the workflow prompt is not the
//     agent-builder marker: the augmented prompt.
//  3. Augmentation succeeded, the workflow prompt is the builder marker
//     and no files are attached: the workflow prompt. A specialized
//     builder flow is not clobbered by generic retrieval text.
//  4. No augmentation, an override was supplied and the turn is a
//     typing turn: the override.
//  5. No augmentation and a workflow prompt exists: the workflow prompt.
//  6. Otherwise: FallbackSystemPrompt.
func ResolvePrompt(in PromptResolutionInput) string {
	if in.Augmented != nil {
		if in.AttachedFileCount > 0 {
			return in.Augmented.Prompt
		}
		if !IsAgentBuilderPrompt(in.WorkflowPrompt) {
			return in.Augmented.Prompt
		}
		return in.WorkflowPrompt
	}

	if in.OverridePrompt != "" && in.IsTyping {
		return in.OverridePrompt
	}
	if in.WorkflowPrompt != "" {
		return in.WorkflowPrompt
	}
	return FallbackSystemPrompt
}
