// Copyright (C) 2026 Genie Contributors
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

// Package persist writes finished turns durably, guarded by the
// single-slot cache so completing a turn twice or racing another writer
// never corrupts a conversation.
package persist

import (
	"context"
	"fmt"
	"log/slog"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/codes"

	"github.com/VaDeloitte/genie/services/chat/cache"
	"github.com/VaDeloitte/genie/services/chat/clients"
	"github.com/VaDeloitte/genie/services/chat/datatypes"
)

var persistTracer = otel.Tracer("genie/services/chat/persist")

// Persister loads and saves conversations through the cache.
type Persister struct {
	store clients.ConversationStore
	cache *cache.ConversationCache
}

// NewPersister wires a store behind the cache.
func NewPersister(store clients.ConversationStore, c *cache.ConversationCache) *Persister {
	return &Persister{store: store, cache: c}
}

// =============================================================================
// Load
// =============================================================================

// Load returns the conversation for id, from cache when fresh, the store
// otherwise. (nil, nil) means the conversation does not exist yet.
func (p *Persister) Load(ctx context.Context, id string) (*datatypes.Conversation, error) {
	ctx, span := persistTracer.Start(ctx, "Persister.Load")
	defer span.End()

	if record, ok := p.cache.Get(id); ok {
		return recordToConversation(record), nil
	}

	record, err := p.store.Fetch(ctx, id)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "fetch failed")
		return nil, fmt.Errorf("load conversation %s: %w", id, err)
	}
	if record == nil {
		return nil, nil
	}
	p.cache.Put(id, record)
	return recordToConversation(record), nil
}

// =============================================================================
// Save
// =============================================================================

// Save persists a conversation after a completed turn.
//
// # Description
//
// Step 1: Redundant-write check against the cache. A fresh slot already
// witnessing at least this many messages means the store has this turn;
// no network call is made.
// Step 2: Stale-write guard. The authoritative record is fetched
// (bypassing the cache); when it holds MORE messages than we are about
// to write, another writer got ahead and this save is dropped rather
// than truncating their turn.
// Step 3: Idempotence on equal counts. When the counts match and the
// final message contents are byte-identical, this is a duplicate send;
// skipped.
// Step 4: Upsert, then refresh the cache slot so step 1 catches the
// next duplicate. A failed upsert invalidates the slot instead.
//
// # Limitations
//
// A save error is best-effort from the user's point of view: the caller
// keeps showing the assistant's answer and only logs the failure.
func (p *Persister) Save(ctx context.Context, conv *datatypes.Conversation) error {
	ctx, span := persistTracer.Start(ctx, "Persister.Save")
	defer span.End()

	record := conversationToRecord(conv)

	// Step 1: Redundant-write check.
	if p.cache.ShouldSkipSave(conv.ID, len(record.Messages)) {
		slog.Debug("skipping redundant conversation save", "conversation_id", conv.ID)
		return nil
	}

	// Step 2: Stale-write guard against the authoritative record.
	remote, err := p.store.Fetch(ctx, conv.ID)
	if err != nil {
		// Guard unavailable. Proceeding risks a clobber; failing risks
		// losing this turn. Losing the turn is worse.
		slog.Warn("stale-write guard unavailable, saving anyway",
			"conversation_id", conv.ID, "error", err)
	}
	if remote != nil {
		if len(remote.Messages) > len(record.Messages) {
			slog.Warn("dropping stale conversation save",
				"conversation_id", conv.ID,
				"remote_messages", len(remote.Messages),
				"incoming_messages", len(record.Messages))
			p.cache.Put(conv.ID, remote)
			return nil
		}

		// Step 3: Idempotence on equal counts.
		if len(remote.Messages) == len(record.Messages) && sameLastMessage(remote, record) {
			slog.Debug("skipping duplicate conversation save", "conversation_id", conv.ID)
			p.cache.Put(conv.ID, remote)
			return nil
		}

		record.Name = remote.Name
		record.FolderID = remote.FolderID
	}

	// Step 4: Upsert and refresh the cache.
	if err := p.store.Upsert(ctx, record); err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "upsert failed")
		p.cache.Invalidate(conv.ID)
		return fmt.Errorf("save conversation %s: %w", conv.ID, err)
	}
	p.cache.Put(conv.ID, record)
	return nil
}

func sameLastMessage(a, b *datatypes.ConversationRecord) bool {
	if len(a.Messages) == 0 || len(b.Messages) == 0 {
		return len(a.Messages) == len(b.Messages)
	}
	return a.Messages[len(a.Messages)-1].Content == b.Messages[len(b.Messages)-1].Content
}

// Invalidate drops any cached copy of id, forcing the next Load to hit
// the store.
func (p *Persister) Invalidate(id string) {
	p.cache.Invalidate(id)
}

// =============================================================================
// Conversions
// =============================================================================

func recordToConversation(r *datatypes.ConversationRecord) *datatypes.Conversation {
	return &datatypes.Conversation{
		ID:          r.ID,
		UserID:      r.UserID,
		Model:       r.Model,
		Prompt:      r.Prompt,
		Temperature: r.Temperature,
		Messages:    r.Messages,
	}
}

func conversationToRecord(c *datatypes.Conversation) *datatypes.ConversationRecord {
	return &datatypes.ConversationRecord{
		ID:          c.ID,
		UserID:      c.UserID,
		Model:       c.Model,
		Prompt:      c.Prompt,
		Temperature: c.Temperature,
		Messages:    c.Messages,
	}
}
