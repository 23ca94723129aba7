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
	"net/http"

	openai "github.com/sashabaranov/go-openai"
	"go.opentelemetry.io/otel/codes"

	"github.com/VaDeloitte/genie/services/chat/datatypes"
)

// Completer opens a chat completion token stream for a turn.
type Completer interface {
	// Stream returns the raw completion byte stream. The caller owns the
	// ReadCloser and must close it; closing early aborts the stream.
	Stream(ctx context.Context, req datatypes.CompletionRequest) (io.ReadCloser, error)
}

// =============================================================================
// Genie Backend
// =============================================================================

// CompletionClient streams from the Genie chat backend, which answers
// with a plain chunked text body.
type CompletionClient struct {
	baseURL    string
	httpClient *http.Client
}

// NewCompletionClient builds a Completer against baseURL. The httpClient
// must not carry a total-request timeout; streams are open-ended and are
// bounded by ctx instead.
func NewCompletionClient(baseURL string, httpClient *http.Client) *CompletionClient {
	if httpClient == nil {
		httpClient = &http.Client{}
	}
	return &CompletionClient{baseURL: baseURL, httpClient: httpClient}
}

func (c *CompletionClient) Stream(ctx context.Context, req datatypes.CompletionRequest) (io.ReadCloser, error) {
	ctx, span := clientTracer.Start(ctx, "CompletionClient.Stream")
	defer span.End()

	payload, err := json.Marshal(req)
	if err != nil {
		span.RecordError(err)
		return nil, fmt.Errorf("marshal completion request: %w", err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost,
		c.baseURL+"/chat", bytes.NewReader(payload))
	if err != nil {
		return nil, fmt.Errorf("build completion request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("Accept", "text/event-stream, text/plain")

	resp, err := c.httpClient.Do(httpReq)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "completion call failed")
		return nil, fmt.Errorf("completion call: %w", err)
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		resp.Body.Close()
		httpErr := NewHTTPError(resp.StatusCode, string(body))
		span.RecordError(httpErr)
		span.SetStatus(codes.Error, "completion rejected")
		return nil, httpErr
	}
	return resp.Body, nil
}

// =============================================================================
// OpenAI-Compatible Backend
// =============================================================================

// OpenAICompletionClient streams from any OpenAI-compatible endpoint. The
// delta stream is re-surfaced as a plain byte stream so both backends feed
// the same decoder.
type OpenAICompletionClient struct {
	client *openai.Client
}

// NewOpenAICompletionClient builds a Completer for an OpenAI-compatible
// endpoint. An empty baseURL targets api.openai.com.
func NewOpenAICompletionClient(apiKey, baseURL string) *OpenAICompletionClient {
	cfg := openai.DefaultConfig(apiKey)
	if baseURL != "" {
		cfg.BaseURL = baseURL
	}
	return &OpenAICompletionClient{client: openai.NewClientWithConfig(cfg)}
}

func (c *OpenAICompletionClient) Stream(ctx context.Context, req datatypes.CompletionRequest) (io.ReadCloser, error) {
	ctx, span := clientTracer.Start(ctx, "OpenAICompletionClient.Stream")
	defer span.End()

	messages := make([]openai.ChatCompletionMessage, 0, len(req.Messages)+1)
	if req.Prompt != "" {
		messages = append(messages, openai.ChatCompletionMessage{
			Role:    openai.ChatMessageRoleSystem,
			Content: req.Prompt,
		})
	}
	for _, m := range req.Messages {
		messages = append(messages, openai.ChatCompletionMessage{
			Role:    m.Role,
			Content: m.Content,
		})
	}

	upstream, err := c.client.CreateChatCompletionStream(ctx, openai.ChatCompletionRequest{
		Model:       req.Model,
		Messages:    messages,
		Temperature: float32(req.Temperature),
		Stream:      true,
	})
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "stream open failed")
		return nil, fmt.Errorf("open completion stream: %w", err)
	}

	// Bridge the typed delta stream onto an io.ReadCloser. The writer
	// goroutine exits when the upstream ends or the reader closes the
	// pipe, whichever comes first.
	pr, pw := io.Pipe()
	go func() {
		defer upstream.Close()
		for {
			chunk, recvErr := upstream.Recv()
			if errors.Is(recvErr, io.EOF) {
				pw.Close()
				return
			}
			if recvErr != nil {
				pw.CloseWithError(recvErr)
				return
			}
			for _, choice := range chunk.Choices {
				if choice.Delta.Content == "" {
					continue
				}
				if _, writeErr := pw.Write([]byte(choice.Delta.Content)); writeErr != nil {
					return
				}
			}
		}
	}()
	return pr, nil
}

var (
	_ Completer = (*CompletionClient)(nil)
	_ Completer = (*OpenAICompletionClient)(nil)
)
