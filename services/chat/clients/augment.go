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
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"time"

	"go.opentelemetry.io/otel/codes"

	"github.com/VaDeloitte/genie/services/chat/datatypes"
)

const (
	augmentTimeout    = 45 * time.Second
	maxAugmentRetries = 2
	augmentRetryDelay = 1 * time.Second
)

// Augmenter rewrites a turn's prompt against the user's uploaded
// documents.
type Augmenter interface {
	// Augment returns the augmentation outcome for a turn.
	//
	// Failure contract: a backend failure yields (nil, nil); the turn
	// proceeds without augmentation and the failure is only logged. The
	// single non-nil error is ctx.Err(), so callers can distinguish "the
	// backend let us down" from "the user stopped the turn".
	Augment(ctx context.Context, req datatypes.AugmentRequest) (*datatypes.AugmentationResult, error)
}

// AugmentClient is the HTTP Augmenter.
type AugmentClient struct {
	baseURL    string
	httpClient *http.Client
	retryDelay time.Duration
}

// NewAugmentClient builds an Augmenter against baseURL. A nil httpClient
// gets a dedicated one with the augmentation timeout.
func NewAugmentClient(baseURL string, httpClient *http.Client) *AugmentClient {
	if httpClient == nil {
		httpClient = &http.Client{Timeout: augmentTimeout}
	}
	return &AugmentClient{
		baseURL:    baseURL,
		httpClient: httpClient,
		retryDelay: augmentRetryDelay,
	}
}

// Augment implements Augmenter with retry on transient failures.
func (c *AugmentClient) Augment(ctx context.Context, req datatypes.AugmentRequest) (*datatypes.AugmentationResult, error) {
	ctx, span := clientTracer.Start(ctx, "AugmentClient.Augment")
	defer span.End()

	payload, err := json.Marshal(req)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "marshal failed")
		slog.Warn("augmentation request could not be encoded", "error", err)
		return nil, nil
	}

	delay := c.retryDelay
	var lastErr error
	for attempt := 0; attempt <= maxAugmentRetries; attempt++ {
		if attempt > 0 {
			slog.Info("retrying augmentation",
				"attempt", attempt+1,
				"delay", delay,
				"conversation_id", req.ConversationID)
			select {
			case <-ctx.Done():
				return nil, ctx.Err()
			case <-time.After(delay):
			}
			delay *= 2
		}

		result, attemptErr := c.augmentOnce(ctx, payload)
		if attemptErr == nil {
			return result, nil
		}
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		lastErr = attemptErr
		if !IsRetryable(attemptErr) && !isTimeout(attemptErr) {
			break
		}
	}

	span.RecordError(lastErr)
	span.SetStatus(codes.Error, "augmentation failed")
	slog.Warn("augmentation failed, continuing without it",
		"conversation_id", req.ConversationID,
		"error", lastErr)
	return nil, nil
}

func (c *AugmentClient) augmentOnce(ctx context.Context, payload []byte) (*datatypes.AugmentationResult, error) {
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost,
		c.baseURL+"/augment", bytes.NewReader(payload))
	if err != nil {
		return nil, fmt.Errorf("build augmentation request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")

	resp, err := c.httpClient.Do(httpReq)
	if err != nil {
		return nil, fmt.Errorf("augmentation call: %w", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("read augmentation response: %w", err)
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return nil, NewHTTPError(resp.StatusCode, string(body))
	}
	return datatypes.ResolveAugmentationBody(body)
}

// isTimeout reports client-side timeouts, which are retryable even though
// they never carry a status code.
func isTimeout(err error) bool {
	if errors.Is(err, context.DeadlineExceeded) {
		return true
	}
	var netErr interface{ Timeout() bool }
	return errors.As(err, &netErr) && netErr.Timeout()
}

var _ Augmenter = (*AugmentClient)(nil)
