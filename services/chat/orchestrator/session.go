// Copyright (C) 2026 Genie Contributors
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package orchestrator

import (
	"context"
	"sync"
	"time"

	"github.com/VaDeloitte/genie/services/chat/datatypes"
)

// tokenRearmDelay is the pause before a fresh cancellation token replaces
// a spent one after a stop. A rapid stop-then-send otherwise races onto
// the already-cancelled token.
const tokenRearmDelay = 100 * time.Millisecond

// Session is the mutable state of one active chat session: the in-memory
// conversation, the shared cancellation token, and the per-turn
// attachment list. All turn clients cancel as a unit through the one
// token; there is no per-request cancellation.
type Session struct {
	mu sync.Mutex

	conv   *datatypes.Conversation
	ctx    context.Context
	cancel context.CancelFunc

	pendingFiles []datatypes.FileRef
	streaming    bool
	loading      bool

	rearmDelay time.Duration
}

// NewSession builds a session around a conversation with an armed token.
func NewSession(conv *datatypes.Conversation) *Session {
	s := &Session{conv: conv, rearmDelay: tokenRearmDelay}
	s.ctx, s.cancel = context.WithCancel(context.Background())
	return s
}

// =============================================================================
// Cancellation Token
// =============================================================================

// TurnContext returns the context every in-flight call of the current
// turn must use.
func (s *Session) TurnContext() context.Context {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.ctx
}

// Stop aborts all in-flight calls sharing the session token. Idempotent:
// a second stop while the token is already spent is a no-op, so exactly
// one fresh token is armed per stop burst. The fresh token arrives after
// a short delay.
func (s *Session) Stop() {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.ctx.Err() != nil {
		return
	}
	s.cancel()
	s.streaming = false
	s.loading = false

	time.AfterFunc(s.rearmDelay, s.Rearm)
}

// Rearm replaces a spent token with a fresh one. Called after the
// post-stop delay and after every completed turn; a still-live token is
// left alone.
func (s *Session) Rearm() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.ctx.Err() == nil {
		return
	}
	s.ctx, s.cancel = context.WithCancel(context.Background())
}

// Rotate retires the current token and arms a fresh one. Called after
// every completed turn so a finished turn's token is never reused. The
// old token is NOT cancelled: a background citation patch may still be
// riding it, and its own client timeout bounds it. With a Background
// parent the abandoned token holds no resources.
func (s *Session) Rotate() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.ctx, s.cancel = context.WithCancel(context.Background())
}

// Stopped reports whether the current token is spent.
func (s *Session) Stopped() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.ctx.Err() != nil
}

// =============================================================================
// Conversation State
// =============================================================================

// Conversation returns a snapshot copy of the session's conversation.
func (s *Session) Conversation() datatypes.Conversation {
	s.mu.Lock()
	defer s.mu.Unlock()
	snapshot := *s.conv
	snapshot.Messages = append([]datatypes.Message(nil), s.conv.Messages...)
	return snapshot
}

// AppendMessage appends msg and returns its index.
func (s *Session) AppendMessage(msg datatypes.Message) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.conv.Messages = append(s.conv.Messages, msg)
	return len(s.conv.Messages) - 1
}

// RemoveMessageAt drops the message at index. Out-of-range indexes are
// ignored.
func (s *Session) RemoveMessageAt(index int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if index < 0 || index >= len(s.conv.Messages) {
		return
	}
	s.conv.Messages = append(s.conv.Messages[:index], s.conv.Messages[index+1:]...)
}

// SetContentAt replaces the content of the message at index in place.
func (s *Session) SetContentAt(index int, content string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if index < 0 || index >= len(s.conv.Messages) {
		return
	}
	s.conv.Messages[index].Content = content
}

// SetCitationsAt attaches citations to the message at index.
func (s *Session) SetCitationsAt(index int, citations []datatypes.Citation) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if index < 0 || index >= len(s.conv.Messages) {
		return
	}
	s.conv.Messages[index].Citations = citations
}

// MessageCount returns the current message count.
func (s *Session) MessageCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.conv.Messages)
}

// SetPrompt records the system prompt a turn resolved to.
func (s *Session) SetPrompt(prompt string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.conv.Prompt = prompt
}

// =============================================================================
// Per-Turn Attachments and Flags
// =============================================================================

// SetPendingFiles replaces the attachment list for the next turn.
func (s *Session) SetPendingFiles(files []datatypes.FileRef) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.pendingFiles = append([]datatypes.FileRef(nil), files...)
}

// PendingFiles returns the attachment list for the next turn.
func (s *Session) PendingFiles() []datatypes.FileRef {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]datatypes.FileRef(nil), s.pendingFiles...)
}

// ClearPendingFiles drops the per-turn attachment list.
func (s *Session) ClearPendingFiles() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.pendingFiles = nil
}

func (s *Session) setFlags(loading, streaming bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.loading = loading
	s.streaming = streaming
}

// Flags returns the session's loading and streaming flags.
func (s *Session) Flags() (loading, streaming bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.loading, s.streaming
}
