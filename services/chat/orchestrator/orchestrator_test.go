// Copyright (C) 2026 Genie Contributors
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package orchestrator

import (
	"context"
	"io"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/VaDeloitte/genie/services/chat/clients"
	"github.com/VaDeloitte/genie/services/chat/datatypes"
)

// =============================================================================
// Mocks
// =============================================================================

type mockAugmenter struct {
	mu      sync.Mutex
	result  *datatypes.AugmentationResult
	delay   time.Duration
	calls   int
	lastReq datatypes.AugmentRequest
}

func (m *mockAugmenter) Augment(ctx context.Context, req datatypes.AugmentRequest) (*datatypes.AugmentationResult, error) {
	m.mu.Lock()
	m.calls++
	m.lastReq = req
	delay := m.delay
	result := m.result
	m.mu.Unlock()

	if delay > 0 {
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(delay):
		}
	}
	if ctx.Err() != nil {
		return nil, ctx.Err()
	}
	return result, nil
}

func (m *mockAugmenter) callCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.calls
}

type mockCompleter struct {
	mu       sync.Mutex
	response string
	err      error
	blocking bool
	calls    int
	lastReq  datatypes.CompletionRequest
}

func (m *mockCompleter) Stream(ctx context.Context, req datatypes.CompletionRequest) (io.ReadCloser, error) {
	m.mu.Lock()
	m.calls++
	m.lastReq = req
	m.mu.Unlock()

	if m.blocking {
		<-ctx.Done()
		return nil, ctx.Err()
	}
	if m.err != nil {
		return nil, m.err
	}
	return io.NopCloser(strings.NewReader(m.response)), nil
}

func (m *mockCompleter) request() datatypes.CompletionRequest {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.lastReq
}

type mockSaver struct {
	mu    sync.Mutex
	saves []datatypes.Conversation
}

func (m *mockSaver) Save(_ context.Context, conv *datatypes.Conversation) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	snapshot := *conv
	snapshot.Messages = append([]datatypes.Message(nil), conv.Messages...)
	m.saves = append(m.saves, snapshot)
	return nil
}

func (m *mockSaver) saveCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.saves)
}

type recordingEmitter struct {
	mu        sync.Mutex
	contents  []string
	citations [][]datatypes.Citation
	usage     []datatypes.TokenUsage
	completed int
	stopped   int
	failed    []string
}

func (e *recordingEmitter) TurnStarted(string) {}
func (e *recordingEmitter) ContentUpdated(content string) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.contents = append(e.contents, content)
}
func (e *recordingEmitter) CitationsReady(c []datatypes.Citation) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.citations = append(e.citations, c)
}
func (e *recordingEmitter) UsageReady(u datatypes.TokenUsage) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.usage = append(e.usage, u)
}
func (e *recordingEmitter) TurnCompleted(datatypes.Conversation) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.completed++
}
func (e *recordingEmitter) TurnStopped() {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.stopped++
}
func (e *recordingEmitter) TurnFailed(msg string) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.failed = append(e.failed, msg)
}

func newTestOrchestrator(aug *mockAugmenter, comp *mockCompleter, saver *mockSaver) *Orchestrator {
	session := newTestSession()
	return New(session, Deps{
		Augmenter: aug,
		Completer: comp,
		Saver:     saver,
	})
}

func baseRequest() datatypes.TurnRequest {
	return datatypes.TurnRequest{
		ConversationID: "c1",
		UserID:         "u1",
		Model:          "gpt-4o",
		Message:        "What is 2+2?",
	}
}

// =============================================================================
// Tests
// =============================================================================

func TestRunTurnPlainSubmit(t *testing.T) {
	aug := &mockAugmenter{}
	comp := &mockCompleter{response: "4"}
	saver := &mockSaver{}
	o := newTestOrchestrator(aug, comp, saver)
	emitter := &recordingEmitter{}

	require.NoError(t, o.RunTurn(baseRequest(), emitter))

	conv := o.Session().Conversation()
	require.Len(t, conv.Messages, 2)
	assert.Equal(t, datatypes.RoleUser, conv.Messages[0].Role)
	assert.Equal(t, "What is 2+2?", conv.Messages[0].Content)
	assert.Equal(t, datatypes.RoleAssistant, conv.Messages[1].Role)
	assert.Equal(t, "4", conv.Messages[1].Content)

	assert.Equal(t, 0, aug.callCount(), "no files, no workflow, no citations: augmentation skipped")
	assert.Empty(t, comp.request().Files)
	require.Equal(t, 1, saver.saveCount())
	assert.Len(t, saver.saves[0].Messages, 2)
	assert.Equal(t, 1, emitter.completed)
	assert.Equal(t, StateIdle, o.State())

	loading, streaming := o.Session().Flags()
	assert.False(t, loading)
	assert.False(t, streaming)
}

func TestRunTurnBlocksOnAugmentationWithFiles(t *testing.T) {
	aug := &mockAugmenter{result: &datatypes.AugmentationResult{
		Prompt:    "Use doc.pdf context",
		Citations: []datatypes.Citation{{FileName: "doc.pdf", Excerpt: "..."}},
	}}
	comp := &mockCompleter{response: "grounded answer"}
	saver := &mockSaver{}
	o := newTestOrchestrator(aug, comp, saver)

	req := baseRequest()
	req.Files = []datatypes.FileRef{{URL: "https://x/doc.pdf", OriginalFileName: "doc.pdf"}}
	require.NoError(t, o.RunTurn(req, &recordingEmitter{}))

	assert.Equal(t, 1, aug.callCount())
	assert.Equal(t, "Use doc.pdf context", comp.request().Prompt,
		"blocking augmentation resolved before the chat call")
	assert.Equal(t, []string{"doc.pdf"}, comp.request().Files)

	conv := o.Session().Conversation()
	require.Len(t, conv.Messages, 2)
	require.Len(t, conv.Messages[1].Citations, 1)
	assert.Equal(t, "doc.pdf", conv.Messages[1].Citations[0].FileName)
}

func TestRunTurnStopBeforeFirstChunk(t *testing.T) {
	aug := &mockAugmenter{}
	comp := &mockCompleter{blocking: true}
	saver := &mockSaver{}
	o := newTestOrchestrator(aug, comp, saver)
	emitter := &recordingEmitter{}

	done := make(chan error, 1)
	go func() { done <- o.RunTurn(baseRequest(), emitter) }()

	require.Eventually(t, func() bool { return o.State() == StateStreaming },
		time.Second, time.Millisecond)
	o.Stop()

	select {
	case err := <-done:
		require.ErrorIs(t, err, ErrStopped)
	case <-time.After(time.Second):
		t.Fatal("turn did not unwind after stop")
	}

	conv := o.Session().Conversation()
	require.Len(t, conv.Messages, 1, "no assistant message was ever appended")
	assert.Equal(t, datatypes.RoleUser, conv.Messages[0].Role)

	loading, streaming := o.Session().Flags()
	assert.False(t, loading)
	assert.False(t, streaming)
	assert.Equal(t, 0, saver.saveCount())
	assert.Equal(t, 1, emitter.stopped)
}

func TestRegenerateReplacesAssistantAnswer(t *testing.T) {
	aug := &mockAugmenter{}
	comp := &mockCompleter{response: "new"}
	saver := &mockSaver{}
	o := newTestOrchestrator(aug, comp, saver)

	o.Session().AppendMessage(datatypes.NewUserMessage("hi", nil))
	idx := o.Session().AppendMessage(datatypes.NewAssistantMessage())
	o.Session().SetContentAt(idx, "old")

	req := baseRequest()
	req.Message = ""
	require.NoError(t, o.Regenerate(req, &recordingEmitter{}))

	conv := o.Session().Conversation()
	require.Len(t, conv.Messages, 2, "replaced, not appended")
	assert.Equal(t, "hi", conv.Messages[0].Content)
	assert.Equal(t, "new", conv.Messages[1].Content)
}

func TestRegenerateRejectsNonAssistantTarget(t *testing.T) {
	o := newTestOrchestrator(&mockAugmenter{}, &mockCompleter{}, &mockSaver{})
	o.Session().AppendMessage(datatypes.NewUserMessage("hi", nil))

	req := baseRequest()
	req.TargetIndex = 0
	assert.Error(t, o.Regenerate(req, &recordingEmitter{}))
}

func TestRunTurnUnwrapsUsageEnvelope(t *testing.T) {
	aug := &mockAugmenter{}
	comp := &mockCompleter{
		response: `{"content":"final answer","token_usage":{"input_tokens":10,"response_tokens":5,"total_tokens":15,"model_used":"gpt-4o"}}`,
	}
	saver := &mockSaver{}
	o := newTestOrchestrator(aug, comp, saver)
	emitter := &recordingEmitter{}

	require.NoError(t, o.RunTurn(baseRequest(), emitter))

	conv := o.Session().Conversation()
	require.Len(t, conv.Messages, 2)
	assert.Equal(t, "final answer", conv.Messages[1].Content, "wrapper stripped")
	require.Len(t, emitter.usage, 1)
	assert.Equal(t, 15, emitter.usage[0].TotalTokens)
}

func TestRunTurnCompletionFailureAppendsErrorMessage(t *testing.T) {
	aug := &mockAugmenter{}
	comp := &mockCompleter{err: clients.NewHTTPError(500, "boom")}
	saver := &mockSaver{}
	o := newTestOrchestrator(aug, comp, saver)
	emitter := &recordingEmitter{}

	require.NoError(t, o.RunTurn(baseRequest(), emitter),
		"an errored turn still resolves for the caller")

	conv := o.Session().Conversation()
	require.Len(t, conv.Messages, 2)
	assert.Equal(t, datatypes.RoleAssistant, conv.Messages[1].Role)
	assert.Equal(t, assistantErrorText, conv.Messages[1].Content)
	require.Len(t, emitter.failed, 1)
	assert.Equal(t, StateIdle, o.State())
	assert.Equal(t, 0, saver.saveCount())
}

func TestRunTurnAugmentationFailureFallsBack(t *testing.T) {
	aug := &mockAugmenter{result: nil} // augmentation "failed": nil result
	comp := &mockCompleter{response: "answer"}
	saver := &mockSaver{}
	o := newTestOrchestrator(aug, comp, saver)

	req := baseRequest()
	req.Files = []datatypes.FileRef{{URL: "https://x/doc.pdf", OriginalFileName: "doc.pdf"}}
	req.WorkflowPrompt = "workflow default"
	require.NoError(t, o.RunTurn(req, &recordingEmitter{}))

	assert.Equal(t, 1, aug.callCount())
	assert.Equal(t, "workflow default", comp.request().Prompt,
		"failed augmentation falls through to the workflow prompt")
}

func TestRunTurnBackgroundCitationPatch(t *testing.T) {
	aug := &mockAugmenter{
		result: &datatypes.AugmentationResult{
			Prompt:    "ignored for prompt resolution",
			Citations: []datatypes.Citation{{FileName: "prior.pdf"}},
		},
		delay: 30 * time.Millisecond,
	}
	comp := &mockCompleter{response: "answer"}
	saver := &mockSaver{}
	o := newTestOrchestrator(aug, comp, saver)
	emitter := &recordingEmitter{}

	req := baseRequest()
	req.CitationsEnabled = true
	require.NoError(t, o.RunTurn(req, emitter))

	// The turn completed without waiting for augmentation; the citation
	// patch lands afterwards on the live conversation.
	require.Eventually(t, func() bool {
		conv := o.Session().Conversation()
		return len(conv.Messages) == 2 && len(conv.Messages[1].Citations) == 1
	}, time.Second, 5*time.Millisecond)

	// The persisted copy predates the patch; accepted divergence.
	require.Equal(t, 1, saver.saveCount())
	assert.Empty(t, saver.saves[0].Messages[1].Citations)
}

func TestRunTurnContentUpdatesCarryFullBuffer(t *testing.T) {
	aug := &mockAugmenter{}
	comp := &mockCompleter{response: "hello world"}
	saver := &mockSaver{}
	o := newTestOrchestrator(aug, comp, saver)
	emitter := &recordingEmitter{}

	require.NoError(t, o.RunTurn(baseRequest(), emitter))

	require.NotEmpty(t, emitter.contents)
	assert.Equal(t, "hello world", emitter.contents[len(emitter.contents)-1])
	for i := 1; i < len(emitter.contents); i++ {
		assert.True(t, strings.HasPrefix(emitter.contents[i], emitter.contents[i-1]))
	}
}

func TestRunTurnRejectsInvalidRequest(t *testing.T) {
	o := newTestOrchestrator(&mockAugmenter{}, &mockCompleter{}, &mockSaver{})

	req := baseRequest()
	req.ConversationID = ""
	assert.Error(t, o.RunTurn(req, &recordingEmitter{}))
}
