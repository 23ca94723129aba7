// Copyright (C) 2026 Genie Contributors
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

// Package attachments tracks which uploaded documents belong to which
// conversation, in an embedded BadgerDB so the mapping survives a
// gateway restart mid-session.
package attachments

import (
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"time"

	"github.com/dgraph-io/badger/v4"

	"github.com/VaDeloitte/genie/services/chat/datatypes"
)

const keyPrefix = "attach:"

// EntryTTL bounds how long an attachment mapping outlives its last write.
// Uploaded documents are session-scoped; a day covers any plausible
// session plus a margin for resumed tabs.
const EntryTTL = 24 * time.Hour

// Config holds registry storage configuration.
type Config struct {
	// Path is the directory for database files. Ignored when InMemory
	// is true.
	Path string

	// InMemory disables disk persistence. For tests.
	InMemory bool

	// Logger receives BadgerDB's internal logging. Nil disables it.
	Logger *slog.Logger
}

// Registry is the conversation → attachments mapping. Safe for
// concurrent use.
type Registry struct {
	db *badger.DB
}

// NewRegistry opens the registry at cfg.Path, creating the directory
// when missing.
func NewRegistry(cfg Config) (*Registry, error) {
	if !cfg.InMemory && cfg.Path == "" {
		return nil, errors.New("path is required for persistent registry")
	}

	var opts badger.Options
	if cfg.InMemory {
		opts = badger.DefaultOptions("").WithInMemory(true)
	} else {
		if err := os.MkdirAll(cfg.Path, 0750); err != nil {
			return nil, fmt.Errorf("create registry directory %s: %w", cfg.Path, err)
		}
		opts = badger.DefaultOptions(cfg.Path)
	}
	if cfg.Logger != nil {
		opts = opts.WithLogger(&badgerLogger{logger: cfg.Logger})
	} else {
		opts = opts.WithLogger(nil)
	}

	db, err := badger.Open(opts)
	if err != nil {
		return nil, fmt.Errorf("open attachment registry: %w", err)
	}
	return &Registry{db: db}, nil
}

// Add appends refs to the conversation's attachment list and refreshes
// its TTL.
func (r *Registry) Add(conversationID string, refs []datatypes.FileRef) error {
	if len(refs) == 0 {
		return nil
	}
	key := []byte(keyPrefix + conversationID)
	return r.db.Update(func(txn *badger.Txn) error {
		existing, err := readRefs(txn, key)
		if err != nil {
			return err
		}
		encoded, err := json.Marshal(append(existing, refs...))
		if err != nil {
			return fmt.Errorf("encode attachment list: %w", err)
		}
		entry := badger.NewEntry(key, encoded).WithTTL(EntryTTL)
		return txn.SetEntry(entry)
	})
}

// Get returns the conversation's attachments, empty when none are
// registered.
func (r *Registry) Get(conversationID string) ([]datatypes.FileRef, error) {
	key := []byte(keyPrefix + conversationID)
	var refs []datatypes.FileRef
	err := r.db.View(func(txn *badger.Txn) error {
		var readErr error
		refs, readErr = readRefs(txn, key)
		return readErr
	})
	return refs, err
}

// Clear drops the conversation's attachment list.
func (r *Registry) Clear(conversationID string) error {
	key := []byte(keyPrefix + conversationID)
	return r.db.Update(func(txn *badger.Txn) error {
		err := txn.Delete(key)
		if errors.Is(err, badger.ErrKeyNotFound) {
			return nil
		}
		return err
	})
}

// Close releases the underlying database.
func (r *Registry) Close() error {
	return r.db.Close()
}

func readRefs(txn *badger.Txn, key []byte) ([]datatypes.FileRef, error) {
	item, err := txn.Get(key)
	if errors.Is(err, badger.ErrKeyNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	var refs []datatypes.FileRef
	err = item.Value(func(val []byte) error {
		return json.Unmarshal(val, &refs)
	})
	if err != nil {
		return nil, fmt.Errorf("decode attachment list: %w", err)
	}
	return refs, nil
}

// badgerLogger adapts slog to BadgerDB's Logger interface.
type badgerLogger struct {
	logger *slog.Logger
}

func (l *badgerLogger) Errorf(format string, args ...interface{}) {
	l.logger.Error(fmt.Sprintf(format, args...))
}

func (l *badgerLogger) Warningf(format string, args ...interface{}) {
	l.logger.Warn(fmt.Sprintf(format, args...))
}

func (l *badgerLogger) Infof(format string, args ...interface{}) {
	l.logger.Info(fmt.Sprintf(format, args...))
}

func (l *badgerLogger) Debugf(format string, args ...interface{}) {
	l.logger.Debug(fmt.Sprintf(format, args...))
}
