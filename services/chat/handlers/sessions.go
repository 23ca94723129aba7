// Copyright (C) 2026 Genie Contributors
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package handlers

import (
	"context"
	"fmt"
	"log/slog"
	"sync"

	"github.com/VaDeloitte/genie/services/chat/datatypes"
	"github.com/VaDeloitte/genie/services/chat/orchestrator"
)

// =============================================================================
// Conversation Loader
// =============================================================================

// ConversationLoader hydrates a conversation from the persistence layer.
//
// Load returns (nil, nil) when the conversation does not exist yet; the
// manager starts a fresh one in that case.
type ConversationLoader interface {
	Load(ctx context.Context, id string) (*datatypes.Conversation, error)
}

// =============================================================================
// Session Manager
// =============================================================================

// SessionManager owns the live turn orchestrators, one per conversation.
//
// # Description
//
// Each conversation that has an in-flight or recently finished turn holds
// one Orchestrator (and with it one Session and its stop token). The
// manager creates orchestrators lazily on first touch, hydrating the
// conversation from the loader so a returning client resumes where it
// left off.
//
// # Thread Safety
//
// Thread-safe. HTTP handlers acquire sessions concurrently.
type SessionManager struct {
	mu       sync.Mutex
	deps     orchestrator.Deps
	loader   ConversationLoader
	sessions map[string]*orchestrator.Orchestrator
}

// NewSessionManager creates a SessionManager.
//
// # Inputs
//
//   - deps: Collaborators handed to every orchestrator the manager creates.
//   - loader: Conversation hydration source. Must not be nil.
func NewSessionManager(deps orchestrator.Deps, loader ConversationLoader) *SessionManager {
	if loader == nil {
		panic("NewSessionManager: loader must not be nil")
	}
	return &SessionManager{
		deps:     deps,
		loader:   loader,
		sessions: make(map[string]*orchestrator.Orchestrator),
	}
}

// Acquire returns the orchestrator for the conversation, creating and
// hydrating it on first touch.
//
// # Description
//
// The mutex is held across the hydration call. Load is cached behind the
// single-slot conversation cache, so the common repeat case never leaves
// the process; the cold path is one backend fetch.
//
// # Outputs
//
//   - *orchestrator.Orchestrator: Ready to run turns for this conversation.
//   - error: Non-nil when hydration failed. Missing conversations are not
//     an error; a fresh one is started.
func (m *SessionManager) Acquire(ctx context.Context, req datatypes.TurnRequest) (*orchestrator.Orchestrator, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if orch, ok := m.sessions[req.ConversationID]; ok {
		return orch, nil
	}

	conv, err := m.loader.Load(ctx, req.ConversationID)
	if err != nil {
		return nil, fmt.Errorf("load conversation %s: %w", req.ConversationID, err)
	}
	if conv == nil {
		conv = &datatypes.Conversation{
			ID:          req.ConversationID,
			UserID:      req.UserID,
			Model:       req.Model,
			Temperature: req.Temperature,
		}
		slog.Debug("starting new conversation", "conversation_id", req.ConversationID)
	}

	orch := orchestrator.New(orchestrator.NewSession(conv), m.deps)
	m.sessions[req.ConversationID] = orch
	return orch, nil
}

// Lookup returns the live orchestrator for the conversation, if any.
func (m *SessionManager) Lookup(conversationID string) (*orchestrator.Orchestrator, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	orch, ok := m.sessions[conversationID]
	return orch, ok
}

// Evict drops the orchestrator for the conversation. The next Acquire
// re-hydrates from the persistence layer.
func (m *SessionManager) Evict(conversationID string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.sessions, conversationID)
}
