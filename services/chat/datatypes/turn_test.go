// Copyright (C) 2026 Genie Contributors
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package datatypes

import (
	"strings"
	"testing"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func validTurnRequest() TurnRequest {
	return TurnRequest{
		ConversationID: "conv-1",
		UserID:         "user-1",
		Model:          "gpt-4o",
		Message:        "hello",
	}
}

func TestTurnRequestValidateMinimal(t *testing.T) {
	req := validTurnRequest()
	assert.NoError(t, req.Validate())
}

func TestTurnRequestValidateMissingConversation(t *testing.T) {
	req := validTurnRequest()
	req.ConversationID = ""
	assert.Error(t, req.Validate())
}

func TestTurnRequestValidateOversizedMessage(t *testing.T) {
	req := validTurnRequest()
	req.Message = strings.Repeat("a", MaxMessageContentBytes+1)
	assert.Error(t, req.Validate())
}

func TestTurnRequestValidateTooManyFiles(t *testing.T) {
	req := validTurnRequest()
	req.Files = make([]FileRef, MaxAttachedFiles+1)
	assert.Error(t, req.Validate())
}

func TestTurnRequestValidateTemperatureRange(t *testing.T) {
	req := validTurnRequest()
	req.Temperature = 2.5
	assert.Error(t, req.Validate())

	req.Temperature = 0.7
	assert.NoError(t, req.Validate())
}

func TestTurnRequestValidateBadRequestID(t *testing.T) {
	req := validTurnRequest()
	req.RequestID = "not-a-uuid"
	assert.Error(t, req.Validate())
}

func TestTurnRequestEnsureDefaults(t *testing.T) {
	req := validTurnRequest()
	req.EnsureDefaults()
	require.NotEmpty(t, req.RequestID)
	_, err := uuid.Parse(req.RequestID)
	assert.NoError(t, err)

	// An explicit request id survives.
	fixed := uuid.NewString()
	req2 := validTurnRequest()
	req2.RequestID = fixed
	req2.EnsureDefaults()
	assert.Equal(t, fixed, req2.RequestID)
}

func TestConversationLastMessage(t *testing.T) {
	conv := Conversation{}
	assert.Nil(t, conv.LastMessage())

	conv.Messages = append(conv.Messages, NewUserMessage("hi", nil), NewAssistantMessage())
	last := conv.LastMessage()
	require.NotNil(t, last)
	assert.Equal(t, RoleAssistant, last.Role)

	// LastMessage returns a pointer into the slice, so in-place edits stick.
	last.Content = "streamed so far"
	assert.Equal(t, "streamed so far", conv.Messages[1].Content)
}
