// Copyright (C) 2026 Genie Contributors
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

// Package orchestrator drives one user turn end to end: prompt
// resolution (possibly awaiting augmentation), the completion stream,
// throttled content updates, finalization, and best-effort persistence,
// with stop and regenerate on top.
package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/codes"

	"github.com/VaDeloitte/genie/services/chat/attachments"
	"github.com/VaDeloitte/genie/services/chat/clients"
	"github.com/VaDeloitte/genie/services/chat/datatypes"
	"github.com/VaDeloitte/genie/services/chat/stream"
)

var turnTracer = otel.Tracer("genie/services/chat/orchestrator")

// ErrStopped reports a turn ended by an explicit stop, never by a
// failure. Callers must not log it as an error.
var ErrStopped = errors.New("turn stopped")

// assistantErrorText is appended as the assistant's answer when the
// completion call or stream fails.
const assistantErrorText = "Something went wrong while generating a response. Please try again."

// persistTimeout bounds the post-turn save, which runs on a detached
// context so stopping the next turn cannot cancel it.
const persistTimeout = 30 * time.Second

// State names the orchestrator's position in the turn lifecycle.
type State string

const (
	StateIdle                 State = "idle"
	StateSending              State = "sending"
	StateAwaitingAugmentation State = "awaiting_augmentation"
	StateStreaming            State = "streaming"
	StateFinalizing           State = "finalizing"
	StateStopped              State = "stopped"
	StateErrored              State = "errored"
)

// TurnEmitter receives typed progress notifications for one turn.
// Implementations must be safe for calls from multiple goroutines; the
// background citation patch may fire while content updates are flowing.
type TurnEmitter interface {
	// TurnStarted fires once, before any network call.
	TurnStarted(conversationID string)
	// ContentUpdated carries the FULL assistant text so far; consumers
	// replace their copy rather than appending.
	ContentUpdated(content string)
	// CitationsReady carries the citations attached to the assistant
	// message. May fire after TurnCompleted when augmentation ran in
	// the background.
	CitationsReady(citations []datatypes.Citation)
	// UsageReady carries token accounting when the stream ended with a
	// usage envelope.
	UsageReady(usage datatypes.TokenUsage)
	// TurnCompleted carries the final conversation snapshot.
	TurnCompleted(conv datatypes.Conversation)
	// TurnStopped fires when the user stopped the turn.
	TurnStopped()
	// TurnFailed carries the user-readable error text.
	TurnFailed(message string)
}

// NopEmitter discards all notifications.
type NopEmitter struct{}

func (NopEmitter) TurnStarted(string)                  {}
func (NopEmitter) ContentUpdated(string)               {}
func (NopEmitter) CitationsReady([]datatypes.Citation) {}
func (NopEmitter) UsageReady(datatypes.TokenUsage)     {}
func (NopEmitter) TurnCompleted(datatypes.Conversation) {
}
func (NopEmitter) TurnStopped()       {}
func (NopEmitter) TurnFailed(string)  {}

var _ TurnEmitter = NopEmitter{}

// ConversationSaver persists a finished turn.
type ConversationSaver interface {
	Save(ctx context.Context, conv *datatypes.Conversation) error
}

// Deps are the orchestrator's collaborators. Registry may be nil when
// attachment re-use across turns is disabled; Clock nil means wall time.
type Deps struct {
	Augmenter clients.Augmenter
	Completer clients.Completer
	Saver     ConversationSaver
	Registry  *attachments.Registry
	Clock     stream.Clock
}

type systemClock struct{}

func (systemClock) Now() time.Time { return time.Now() }

// Orchestrator runs turns for one session. Not safe for concurrent
// RunTurn calls; a session streams one turn at a time.
type Orchestrator struct {
	session *Session
	deps    Deps

	mu               sync.Mutex
	state            State
	assistantIndex   int
	pendingCitations []datatypes.Citation
}

// New builds an orchestrator for session.
func New(session *Session, deps Deps) *Orchestrator {
	if deps.Clock == nil {
		deps.Clock = systemClock{}
	}
	return &Orchestrator{
		session:        session,
		deps:           deps,
		state:          StateIdle,
		assistantIndex: -1,
	}
}

// State returns the lifecycle state.
func (o *Orchestrator) State() State {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.state
}

func (o *Orchestrator) setState(s State) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.state = s
}

// Session exposes the session for handlers that manage its attachment
// list and stop control.
func (o *Orchestrator) Session() *Session {
	return o.session
}

// =============================================================================
// Turn Entry Points
// =============================================================================

// RunTurn executes one user-submit turn. Returns ErrStopped when the
// user stopped it, nil when it completed (including the errored-answer
// path, which resolves the turn from the user's point of view).
func (o *Orchestrator) RunTurn(req datatypes.TurnRequest, emitter TurnEmitter) error {
	req.EnsureDefaults()
	if err := req.Validate(); err != nil {
		return fmt.Errorf("invalid turn request: %w", err)
	}
	return o.run(req, emitter, false)
}

// Regenerate replays the user turn behind the assistant message at
// req.TargetIndex (the last assistant message when zero): the old answer
// is removed, the same user text is re-submitted, and the workflow
// prompt is forced so the resolution policy favors it unless files are
// present.
func (o *Orchestrator) Regenerate(req datatypes.TurnRequest, emitter TurnEmitter) error {
	req.EnsureDefaults()

	conv := o.session.Conversation()
	index := req.TargetIndex
	if index == 0 {
		index = len(conv.Messages) - 1
	}
	if index <= 0 || index >= len(conv.Messages) ||
		conv.Messages[index].Role != datatypes.RoleAssistant {
		return fmt.Errorf("message %d is not a regenerable assistant answer", index)
	}

	prior := conv.Messages[index-1]
	o.session.RemoveMessageAt(index)

	req.Message = prior.Content
	req.Files = prior.Files
	req.IsTyping = false
	return o.run(req, emitter, true)
}

// Stop aborts the in-flight turn. Safe to call at any time, including
// repeatedly; see Session.Stop.
func (o *Orchestrator) Stop() {
	o.setState(StateStopped)
	o.session.Stop()
}

// =============================================================================
// Turn Pipeline
// =============================================================================

func (o *Orchestrator) run(req datatypes.TurnRequest, emitter TurnEmitter, regenerate bool) error {
	ctx := o.session.TurnContext()
	ctx, span := turnTracer.Start(ctx, "Orchestrator.RunTurn")
	defer span.End()

	o.setState(StateSending)
	o.session.setFlags(true, false)
	o.resetTurnState()
	emitter.TurnStarted(req.ConversationID)

	// Step 1: Gather attachments: this turn's plus any registered
	// earlier in the conversation, and make the user's text visible
	// before any network call begins.
	files := o.gatherFiles(req)
	if !regenerate {
		o.session.AppendMessage(datatypes.NewUserMessage(req.Message, files))
	}

	// Step 2: Decide whether augmentation is needed, and whether it is
	// critical path. Attached files must be grounded before the model
	// answers, so they block; otherwise augmentation races the stream
	// and patches citations in later.
	var aug *datatypes.AugmentationResult
	if o.needsAugmentation(req, files) {
		if len(files) > 0 {
			o.setState(StateAwaitingAugmentation)
			var err error
			aug, err = o.deps.Augmenter.Augment(ctx, o.buildAugmentRequest(req, files))
			if err != nil {
				// The augmenter only errors on cancellation.
				return o.finishStopped(emitter)
			}
		} else {
			go o.augmentInBackground(ctx, req, files, emitter)
		}
	}

	// Step 3: Resolve the system prompt and open the completion stream.
	prompt := ResolvePrompt(PromptResolutionInput{
		Augmented:         aug,
		AttachedFileCount: len(files),
		WorkflowPrompt:    req.WorkflowPrompt,
		OverridePrompt:    req.OverridePrompt,
		IsTyping:          req.IsTyping,
	})
	o.session.SetPrompt(prompt)

	o.setState(StateStreaming)
	body, err := o.deps.Completer.Stream(ctx, o.buildCompletionRequest(req, prompt, files))
	if err != nil {
		if errors.Is(err, context.Canceled) || o.session.Stopped() {
			return o.finishStopped(emitter)
		}
		span.RecordError(err)
		span.SetStatus(codes.Error, "completion open failed")
		return o.finishErrored(emitter, err)
	}
	defer body.Close()
	o.session.setFlags(true, true)

	// Step 4: Drain the stream. The assistant message appears the
	// moment the first bytes do; each throttled callback replaces its
	// content with the full buffer so far.
	throttle := stream.NewThrottle(o.deps.Clock)
	full, streamErr := stream.Drain(ctx, body, throttle, func(text string) {
		index := o.ensureAssistantMessage(text)
		if index < 0 {
			return
		}
		o.session.SetContentAt(index, text)
		emitter.ContentUpdated(text)
	})
	if streamErr != nil {
		if errors.Is(streamErr, context.Canceled) || o.session.Stopped() {
			return o.finishStopped(emitter)
		}
		span.RecordError(streamErr)
		span.SetStatus(codes.Error, "stream failed")
		return o.finishErrored(emitter, streamErr)
	}

	// Step 5: Finalize. A trailing usage envelope is unwrapped; blocking
	// augmentation's citations land on the finished answer.
	o.setState(StateFinalizing)
	o.finalize(full, aug, emitter)

	// Step 6: Persist on a detached context, best-effort.
	conv := o.session.Conversation()
	o.persist(&conv)

	o.session.ClearPendingFiles()
	o.session.setFlags(false, false)
	o.session.Rotate()
	o.setState(StateIdle)
	emitter.TurnCompleted(conv)
	return nil
}

func (o *Orchestrator) finalize(full string, aug *datatypes.AugmentationResult, emitter TurnEmitter) {
	content := full
	if env, ok := datatypes.ParseCompletionEnvelope(full); ok {
		content = env.Content
		emitter.UsageReady(*env.TokenUsage)
	}

	o.mu.Lock()
	index := o.assistantIndex
	o.mu.Unlock()
	if index < 0 {
		return
	}

	o.session.SetContentAt(index, content)
	emitter.ContentUpdated(content)
	if aug != nil && len(aug.Citations) > 0 {
		o.session.SetCitationsAt(index, aug.Citations)
		emitter.CitationsReady(aug.Citations)
	}
}

func (o *Orchestrator) persist(conv *datatypes.Conversation) {
	saveCtx, cancel := context.WithTimeout(context.Background(), persistTimeout)
	defer cancel()
	if err := o.deps.Saver.Save(saveCtx, conv); err != nil {
		// Best-effort: the answer stays visible even when the save
		// failed.
		slog.Error("conversation save failed",
			"conversation_id", conv.ID,
			"error", err)
	}
}

func (o *Orchestrator) finishStopped(emitter TurnEmitter) error {
	o.session.ClearPendingFiles()
	o.session.setFlags(false, false)
	o.setState(StateStopped)
	emitter.TurnStopped()
	return ErrStopped
}

func (o *Orchestrator) finishErrored(emitter TurnEmitter, cause error) error {
	slog.Error("turn failed", "error", cause)
	o.session.AppendMessage(datatypes.Message{
		Role:      datatypes.RoleAssistant,
		Content:   assistantErrorText,
		Timestamp: datatypes.NowMilli(),
	})
	o.session.ClearPendingFiles()
	o.session.setFlags(false, false)
	o.setState(StateErrored)
	emitter.TurnFailed(assistantErrorText)
	o.setState(StateIdle)
	return nil
}

// =============================================================================
// Assistant Message and Citation Patching
// =============================================================================

func (o *Orchestrator) resetTurnState() {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.assistantIndex = -1
	o.pendingCitations = nil
}

// ensureAssistantMessage appends the empty assistant message on the
// first real content and returns its index. An empty terminal flush on a
// stream that never produced bytes appends nothing.
func (o *Orchestrator) ensureAssistantMessage(text string) int {
	o.mu.Lock()
	if o.assistantIndex >= 0 {
		index := o.assistantIndex
		o.mu.Unlock()
		return index
	}
	if text == "" {
		o.mu.Unlock()
		return -1
	}
	pending := o.pendingCitations
	o.pendingCitations = nil
	o.mu.Unlock()

	index := o.session.AppendMessage(datatypes.NewAssistantMessage())
	o.mu.Lock()
	o.assistantIndex = index
	o.mu.Unlock()

	if len(pending) > 0 {
		o.session.SetCitationsAt(index, pending)
	}
	return index
}

// augmentInBackground runs the non-blocking augmentation call and
// patches citations onto the assistant message whenever it resolves,
// possibly after the turn has already persisted. The durable copy may
// lack citations the live view shows until a later save; accepted as an
// eventual-consistency window.
func (o *Orchestrator) augmentInBackground(ctx context.Context, req datatypes.TurnRequest, files []datatypes.FileRef, emitter TurnEmitter) {
	aug, err := o.deps.Augmenter.Augment(ctx, o.buildAugmentRequest(req, files))
	if err != nil || aug == nil || len(aug.Citations) == 0 {
		return
	}

	o.mu.Lock()
	index := o.assistantIndex
	if index < 0 {
		// First chunk not in yet; park the citations for it.
		o.pendingCitations = aug.Citations
		o.mu.Unlock()
		return
	}
	o.mu.Unlock()

	o.session.SetCitationsAt(index, aug.Citations)
	emitter.CitationsReady(aug.Citations)
}

// =============================================================================
// Request Assembly
// =============================================================================

// needsAugmentation is the coarse need-RAG predicate: attached files,
// an active workflow, or the citation toggle.
func (o *Orchestrator) needsAugmentation(req datatypes.TurnRequest, files []datatypes.FileRef) bool {
	return len(files) > 0 || req.CitationsEnabled || req.Workflow != ""
}

// gatherFiles merges the request's attachments with the session's
// pending list and the conversation's registered uploads, deduplicated
// by display name.
func (o *Orchestrator) gatherFiles(req datatypes.TurnRequest) []datatypes.FileRef {
	var merged []datatypes.FileRef
	seen := map[string]bool{}
	add := func(refs []datatypes.FileRef) {
		for _, ref := range refs {
			name := ref.Name()
			if name == "" || seen[name] {
				continue
			}
			seen[name] = true
			merged = append(merged, ref)
		}
	}

	add(req.Files)
	add(o.session.PendingFiles())
	if o.deps.Registry != nil {
		registered, err := o.deps.Registry.Get(req.ConversationID)
		if err != nil {
			slog.Warn("attachment registry lookup failed",
				"conversation_id", req.ConversationID, "error", err)
		} else {
			add(registered)
		}
	}
	return merged
}

func (o *Orchestrator) buildAugmentRequest(req datatypes.TurnRequest, files []datatypes.FileRef) datatypes.AugmentRequest {
	conv := o.session.Conversation()
	return datatypes.AugmentRequest{
		ConversationID: req.ConversationID,
		UserID:         req.UserID,
		Model:          req.Model,
		Messages:       datatypes.ToWireMessages(conv.Messages),
		Files:          datatypes.FileNames(files),
		Prompt:         req.WorkflowPrompt,
		Workflow:       req.Workflow,
	}
}

func (o *Orchestrator) buildCompletionRequest(req datatypes.TurnRequest, prompt string, files []datatypes.FileRef) datatypes.CompletionRequest {
	conv := o.session.Conversation()
	return datatypes.CompletionRequest{
		Model:       req.Model,
		Messages:    datatypes.ToWireMessages(conv.Messages),
		Prompt:      prompt,
		Files:       datatypes.FileNames(files),
		Workflow:    req.Workflow,
		Temperature: req.Temperature,
	}
}
