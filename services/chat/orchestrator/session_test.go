// Copyright (C) 2026 Genie Contributors
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package orchestrator

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/VaDeloitte/genie/services/chat/datatypes"
)

func newTestSession() *Session {
	s := NewSession(&datatypes.Conversation{ID: "c1", UserID: "u1", Model: "gpt-4o"})
	s.rearmDelay = 5 * time.Millisecond
	return s
}

func TestSessionStopCancelsToken(t *testing.T) {
	s := newTestSession()
	ctx := s.TurnContext()

	s.Stop()
	assert.Error(t, ctx.Err())
	assert.True(t, s.Stopped())
}

func TestSessionStopIsIdempotent(t *testing.T) {
	s := newTestSession()

	// A stop burst must not panic and must arm exactly one fresh token.
	s.Stop()
	s.Stop()
	s.Stop()

	require.Eventually(t, func() bool { return !s.Stopped() },
		time.Second, time.Millisecond, "fresh token armed after the delay")
	first := s.TurnContext()

	// No second re-arm sneaks in afterwards.
	time.Sleep(3 * s.rearmDelay)
	assert.Same(t, first, s.TurnContext())
}

func TestSessionRapidStopSendGetsFreshToken(t *testing.T) {
	s := newTestSession()
	s.Stop()

	require.Eventually(t, func() bool { return !s.Stopped() },
		time.Second, time.Millisecond)
	assert.NoError(t, s.TurnContext().Err())
}

func TestSessionRotateRetiresLiveToken(t *testing.T) {
	s := newTestSession()
	old := s.TurnContext()

	s.Rotate()
	assert.NotSame(t, old, s.TurnContext())
	assert.NoError(t, old.Err(), "rotation leaves the old token uncancelled")
	assert.NoError(t, s.TurnContext().Err())
}

func TestSessionMessageMutation(t *testing.T) {
	s := newTestSession()

	idx := s.AppendMessage(datatypes.NewUserMessage("hi", nil))
	assert.Equal(t, 0, idx)
	idx = s.AppendMessage(datatypes.NewAssistantMessage())
	assert.Equal(t, 1, idx)

	s.SetContentAt(idx, "partial")
	s.SetCitationsAt(idx, []datatypes.Citation{{FileName: "a.pdf"}})

	conv := s.Conversation()
	require.Len(t, conv.Messages, 2)
	assert.Equal(t, "partial", conv.Messages[1].Content)
	require.Len(t, conv.Messages[1].Citations, 1)

	// The snapshot is detached from the live conversation.
	conv.Messages[1].Content = "mutated"
	assert.Equal(t, "partial", s.Conversation().Messages[1].Content)

	s.RemoveMessageAt(1)
	assert.Equal(t, 1, s.MessageCount())
	s.RemoveMessageAt(99)
	assert.Equal(t, 1, s.MessageCount())
}

func TestSessionPendingFiles(t *testing.T) {
	s := newTestSession()

	s.SetPendingFiles([]datatypes.FileRef{{URL: "https://x/a", OriginalFileName: "a.pdf"}})
	require.Len(t, s.PendingFiles(), 1)

	s.ClearPendingFiles()
	assert.Empty(t, s.PendingFiles())
}
