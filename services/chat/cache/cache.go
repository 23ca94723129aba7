// Copyright (C) 2026 Genie Contributors
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

// Package cache holds the single-slot conversation cache that sits between
// the turn orchestrator and the conversation store. Only the most recently
// persisted conversation is cached: a chat session works on one conversation
// at a time, so one slot covers the hot path while keeping invalidation
// trivial.
package cache

import (
	"context"
	"encoding/json"
	"log/slog"
	"sync"
	"time"

	"github.com/VaDeloitte/genie/services/chat/datatypes"
)

const (
	// ReadTTL bounds how long the slot may answer reads and write-skip
	// checks. Past it every lookup is a miss, forcing a store round trip.
	ReadTTL = 30 * time.Second

	// AbsoluteTTL bounds the total lifetime of the slot; the sweeper
	// clears it past this age regardless of access.
	AbsoluteTTL = 5 * time.Minute

	// SweepInterval is how often the background sweeper runs.
	SweepInterval = 60 * time.Second

	// MaxCachedRecordBytes caps the encoded size of a cacheable record.
	// Oversized conversations bypass the cache entirely.
	MaxCachedRecordBytes = 5 << 20
)

type slot struct {
	id           string
	encoded      []byte
	messageCount int
	storedAt     time.Time
}

// ConversationCache is a single-slot, TTL-bounded conversation cache.
// Safe for concurrent use.
type ConversationCache struct {
	mu    sync.Mutex
	clock Clock
	slot  *slot
}

// NewConversationCache builds a cache on the given clock. Pass
// SystemClock() outside of tests.
func NewConversationCache(clock Clock) *ConversationCache {
	return &ConversationCache{clock: clock}
}

// =============================================================================
// Reads
// =============================================================================

// Get returns a copy of the cached record for id, or (nil, false) when the
// slot is empty, holds a different conversation, or is older than ReadTTL.
func (c *ConversationCache) Get(id string) (*datatypes.ConversationRecord, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	s := c.freshSlotLocked(id)
	if s == nil {
		return nil, false
	}

	// Decode a fresh copy so callers cannot mutate the cached bytes'
	// source of truth.
	var record datatypes.ConversationRecord
	if err := json.Unmarshal(s.encoded, &record); err != nil {
		c.slot = nil
		return nil, false
	}
	return &record, true
}

// ShouldSkipSave reports whether persisting newMessageCount messages for
// id would be redundant: the slot already witnesses at least that many
// messages durably stored, and the witness is still within ReadTTL. This
// is the first guard consulted before any persistence write.
func (c *ConversationCache) ShouldSkipSave(id string, newMessageCount int) bool {
	c.mu.Lock()
	defer c.mu.Unlock()

	s := c.freshSlotLocked(id)
	return s != nil && newMessageCount <= s.messageCount
}

// freshSlotLocked returns the slot when it matches id and is within
// ReadTTL. Caller holds c.mu.
func (c *ConversationCache) freshSlotLocked(id string) *slot {
	if c.slot == nil || c.slot.id != id {
		return nil
	}
	if c.clock.Now().Sub(c.slot.storedAt) >= ReadTTL {
		return nil
	}
	return c.slot
}

// =============================================================================
// Writes
// =============================================================================

// Put stores a record in the slot, displacing whatever was there. Records
// larger than MaxCachedRecordBytes are not cached, and an existing slot
// for the same conversation is dropped so a stale smaller copy cannot
// answer for the oversized one.
func (c *ConversationCache) Put(id string, record *datatypes.ConversationRecord) {
	encoded, err := json.Marshal(record)
	if err != nil {
		return
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	if len(encoded) > MaxCachedRecordBytes {
		if c.slot != nil && c.slot.id == id {
			c.slot = nil
		}
		return
	}
	c.slot = &slot{
		id:           id,
		encoded:      encoded,
		messageCount: len(record.Messages),
		storedAt:     c.clock.Now(),
	}
}

// Invalidate drops the slot when it holds id.
func (c *ConversationCache) Invalidate(id string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.slot != nil && c.slot.id == id {
		c.slot = nil
	}
}

// Evict drops the slot unconditionally.
func (c *ConversationCache) Evict() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.slot = nil
}

// =============================================================================
// Sweeper
// =============================================================================

// StartSweeper runs a background loop that evicts an absolutely expired
// slot every SweepInterval, until ctx is cancelled.
func (c *ConversationCache) StartSweeper(ctx context.Context) {
	go func() {
		ticker := time.NewTicker(SweepInterval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				c.sweep()
			}
		}
	}()
}

func (c *ConversationCache) sweep() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.slot != nil && c.clock.Now().Sub(c.slot.storedAt) > AbsoluteTTL {
		slog.Debug("evicting expired conversation from cache",
			"conversation_id", c.slot.id)
		c.slot = nil
	}
}
