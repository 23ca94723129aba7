// Copyright (C) 2026 Genie Contributors
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package handlers

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/VaDeloitte/genie/services/chat/datatypes"
	"github.com/VaDeloitte/genie/services/chat/orchestrator"
)

// =============================================================================
// Mocks
// =============================================================================

type stubLoader struct {
	conv *datatypes.Conversation
	err  error
}

func (l *stubLoader) Load(context.Context, string) (*datatypes.Conversation, error) {
	return l.conv, l.err
}

type stubAugmenter struct {
	result *datatypes.AugmentationResult
}

func (a *stubAugmenter) Augment(context.Context, datatypes.AugmentRequest) (*datatypes.AugmentationResult, error) {
	return a.result, nil
}

type stubCompleter struct {
	response string
}

func (c *stubCompleter) Stream(context.Context, datatypes.CompletionRequest) (io.ReadCloser, error) {
	return io.NopCloser(strings.NewReader(c.response)), nil
}

type stubSaver struct {
	mu    sync.Mutex
	saves int
}

func (s *stubSaver) Save(context.Context, *datatypes.Conversation) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.saves++
	return nil
}

func (s *stubSaver) count() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.saves
}

// =============================================================================
// Helpers
// =============================================================================

func newTestRouter(t *testing.T, response string) (*gin.Engine, *stubSaver) {
	t.Helper()
	gin.SetMode(gin.TestMode)

	saver := &stubSaver{}
	manager := NewSessionManager(orchestrator.Deps{
		Augmenter: &stubAugmenter{},
		Completer: &stubCompleter{response: response},
		Saver:     saver,
	}, &stubLoader{})

	handler := NewTurnHandler(manager)
	router := gin.New()
	router.POST("/v1/turn/stream", handler.HandleTurnStream)
	router.POST("/v1/turn/regenerate", handler.HandleRegenerateStream)
	router.POST("/v1/turn/stop", handler.HandleStop)
	return router, saver
}

func turnBody(t *testing.T, conversationID, message string) *bytes.Buffer {
	t.Helper()
	body, err := json.Marshal(datatypes.TurnRequest{
		ConversationID: conversationID,
		UserID:         "user-1",
		Model:          "gpt-4o",
		Message:        message,
	})
	require.NoError(t, err)
	return bytes.NewBuffer(body)
}

func postTurn(router *gin.Engine, path string, body *bytes.Buffer) *httptest.ResponseRecorder {
	req := httptest.NewRequest(http.MethodPost, path, body)
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "text/event-stream")
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, req)
	return rec
}

// =============================================================================
// Turn Stream Tests
// =============================================================================

func TestHandleTurnStream_StreamsAnswer(t *testing.T) {
	router, saver := newTestRouter(t, "hello world")

	rec := postTurn(router, "/v1/turn/stream", turnBody(t, "conv-1", "hi"))

	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "text/event-stream", rec.Header().Get("Content-Type"))

	events := parseSSE(t, rec.Body.String())
	require.NotEmpty(t, events)
	assert.Equal(t, datatypes.EventStatus, events[0].Type)

	last := events[len(events)-1]
	assert.Equal(t, datatypes.EventDone, last.Type)
	assert.Equal(t, "conv-1", last.ConversationId)

	var finalContent string
	for _, ev := range events {
		if ev.Type == datatypes.EventContent {
			finalContent = ev.Content
		}
	}
	assert.Equal(t, "hello world", finalContent)
	assert.Equal(t, 1, saver.count())
}

func TestHandleTurnStream_SecondTurnReusesSession(t *testing.T) {
	router, saver := newTestRouter(t, "answer")

	rec := postTurn(router, "/v1/turn/stream", turnBody(t, "conv-1", "first"))
	require.Equal(t, http.StatusOK, rec.Code)
	rec = postTurn(router, "/v1/turn/stream", turnBody(t, "conv-1", "second"))
	require.Equal(t, http.StatusOK, rec.Code)

	assert.Equal(t, 2, saver.count())
}

func TestHandleTurnStream_InvalidBody(t *testing.T) {
	router, _ := newTestRouter(t, "x")

	rec := postTurn(router, "/v1/turn/stream", bytes.NewBufferString("{not json"))
	assert.Equal(t, http.StatusBadRequest, rec.Code)
	assert.Contains(t, rec.Body.String(), "invalid request body")
}

func TestHandleTurnStream_ValidationFailure(t *testing.T) {
	router, _ := newTestRouter(t, "x")

	// Missing conversation_id
	body, err := json.Marshal(datatypes.TurnRequest{UserID: "u", Model: "m", Message: "hi"})
	require.NoError(t, err)

	rec := postTurn(router, "/v1/turn/stream", bytes.NewBuffer(body))
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestHandleTurnStream_LoaderFailure(t *testing.T) {
	gin.SetMode(gin.TestMode)
	manager := NewSessionManager(orchestrator.Deps{
		Augmenter: &stubAugmenter{},
		Completer: &stubCompleter{response: "x"},
		Saver:     &stubSaver{},
	}, &stubLoader{err: assert.AnError})

	handler := NewTurnHandler(manager)
	router := gin.New()
	router.POST("/v1/turn/stream", handler.HandleTurnStream)

	rec := postTurn(router, "/v1/turn/stream", turnBody(t, "conv-1", "hi"))
	assert.Equal(t, http.StatusInternalServerError, rec.Code)
	assert.Contains(t, rec.Body.String(), "conversation unavailable")
}

// =============================================================================
// Regenerate Tests
// =============================================================================

func TestHandleRegenerateStream_ReplacesAnswer(t *testing.T) {
	router, saver := newTestRouter(t, "first answer")

	rec := postTurn(router, "/v1/turn/stream", turnBody(t, "conv-1", "question"))
	require.Equal(t, http.StatusOK, rec.Code)

	rec = postTurn(router, "/v1/turn/regenerate", turnBody(t, "conv-1", ""))
	require.Equal(t, http.StatusOK, rec.Code)

	events := parseSSE(t, rec.Body.String())
	last := events[len(events)-1]
	assert.Equal(t, datatypes.EventDone, last.Type)
	assert.Equal(t, 2, saver.count())
}

func TestHandleRegenerateStream_NothingToRegenerate(t *testing.T) {
	router, saver := newTestRouter(t, "x")

	// Fresh conversation: no assistant answer to replace.
	rec := postTurn(router, "/v1/turn/regenerate", turnBody(t, "conv-9", ""))
	require.Equal(t, http.StatusOK, rec.Code)

	events := parseSSE(t, rec.Body.String())
	var sawError bool
	for _, ev := range events {
		if ev.Type == datatypes.EventError {
			sawError = true
		}
	}
	assert.True(t, sawError, "expected an SSE error event")
	assert.Equal(t, 0, saver.count())
}

// =============================================================================
// Stop Tests
// =============================================================================

func TestHandleStop_NoSession(t *testing.T) {
	router, _ := newTestRouter(t, "x")

	body, err := json.Marshal(datatypes.StopRequest{ConversationID: "missing"})
	require.NoError(t, err)

	rec := postTurn(router, "/v1/turn/stop", bytes.NewBuffer(body))
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestHandleStop_LiveSession(t *testing.T) {
	router, _ := newTestRouter(t, "answer")

	rec := postTurn(router, "/v1/turn/stream", turnBody(t, "conv-1", "hi"))
	require.Equal(t, http.StatusOK, rec.Code)

	body, err := json.Marshal(datatypes.StopRequest{ConversationID: "conv-1"})
	require.NoError(t, err)

	rec = postTurn(router, "/v1/turn/stop", bytes.NewBuffer(body))
	assert.Equal(t, http.StatusAccepted, rec.Code)
	assert.Contains(t, rec.Body.String(), "stopping")
}

func TestHandleStop_InvalidBody(t *testing.T) {
	router, _ := newTestRouter(t, "x")

	rec := postTurn(router, "/v1/turn/stop", bytes.NewBufferString("{}"))
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

// =============================================================================
// Session Manager Tests
// =============================================================================

func TestSessionManager_AcquireHydratesOnce(t *testing.T) {
	loader := &stubLoader{conv: &datatypes.Conversation{
		ID:     "conv-1",
		UserID: "user-1",
		Model:  "gpt-4o",
		Messages: []datatypes.Message{
			datatypes.NewUserMessage("hi", nil),
		},
	}}
	manager := NewSessionManager(orchestrator.Deps{
		Augmenter: &stubAugmenter{},
		Completer: &stubCompleter{response: "x"},
		Saver:     &stubSaver{},
	}, loader)

	req := datatypes.TurnRequest{ConversationID: "conv-1", UserID: "user-1", Model: "gpt-4o"}
	first, err := manager.Acquire(context.Background(), req)
	require.NoError(t, err)
	assert.Equal(t, 1, first.Session().MessageCount())

	second, err := manager.Acquire(context.Background(), req)
	require.NoError(t, err)
	assert.Same(t, first, second)
}

func TestSessionManager_EvictForcesRehydration(t *testing.T) {
	manager := NewSessionManager(orchestrator.Deps{
		Augmenter: &stubAugmenter{},
		Completer: &stubCompleter{response: "x"},
		Saver:     &stubSaver{},
	}, &stubLoader{})

	req := datatypes.TurnRequest{ConversationID: "conv-1", UserID: "u", Model: "m"}
	first, err := manager.Acquire(context.Background(), req)
	require.NoError(t, err)

	manager.Evict("conv-1")
	_, ok := manager.Lookup("conv-1")
	assert.False(t, ok)

	second, err := manager.Acquire(context.Background(), req)
	require.NoError(t, err)
	assert.NotSame(t, first, second)
}
