// Copyright (C) 2026 Genie Contributors
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package clients

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"time"

	"go.opentelemetry.io/otel/codes"

	"github.com/VaDeloitte/genie/services/chat/datatypes"
)

const storeTimeout = 15 * time.Second

// ConversationStore fetches and persists durable conversation records.
type ConversationStore interface {
	// Fetch returns the record for id, or (nil, nil) when the store has
	// no such conversation.
	Fetch(ctx context.Context, id string) (*datatypes.ConversationRecord, error)
	// Upsert writes the record, replacing any previous version.
	Upsert(ctx context.Context, record *datatypes.ConversationRecord) error
}

// StoreClient is the HTTP ConversationStore.
type StoreClient struct {
	baseURL    string
	httpClient *http.Client
}

// NewStoreClient builds a ConversationStore against baseURL.
func NewStoreClient(baseURL string, httpClient *http.Client) *StoreClient {
	if httpClient == nil {
		httpClient = &http.Client{Timeout: storeTimeout}
	}
	return &StoreClient{baseURL: baseURL, httpClient: httpClient}
}

func (c *StoreClient) Fetch(ctx context.Context, id string) (*datatypes.ConversationRecord, error) {
	ctx, span := clientTracer.Start(ctx, "StoreClient.Fetch")
	defer span.End()

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodGet,
		c.baseURL+"/conversations/"+url.PathEscape(id), nil)
	if err != nil {
		return nil, fmt.Errorf("build fetch request: %w", err)
	}

	resp, err := c.httpClient.Do(httpReq)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "fetch failed")
		return nil, fmt.Errorf("fetch conversation: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusNotFound {
		return nil, nil
	}
	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("read fetch response: %w", err)
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		httpErr := NewHTTPError(resp.StatusCode, string(body))
		span.RecordError(httpErr)
		return nil, httpErr
	}
	return datatypes.ResolveFetchBody(body, id)
}

func (c *StoreClient) Upsert(ctx context.Context, record *datatypes.ConversationRecord) error {
	ctx, span := clientTracer.Start(ctx, "StoreClient.Upsert")
	defer span.End()

	payload, err := json.Marshal(record)
	if err != nil {
		return fmt.Errorf("marshal conversation: %w", err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPut,
		c.baseURL+"/conversations/"+url.PathEscape(record.ID), bytes.NewReader(payload))
	if err != nil {
		return fmt.Errorf("build upsert request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")

	resp, err := c.httpClient.Do(httpReq)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "upsert failed")
		return fmt.Errorf("upsert conversation: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		httpErr := NewHTTPError(resp.StatusCode, string(body))
		span.RecordError(httpErr)
		return httpErr
	}
	return nil
}

var _ ConversationStore = (*StoreClient)(nil)
