// Copyright (C) 2026 Genie Contributors
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package clients

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"mime/multipart"
	"net/http"
	"time"

	"github.com/sony/gobreaker/v2"
	"go.opentelemetry.io/otel/codes"

	"github.com/VaDeloitte/genie/services/chat/datatypes"
)

const (
	uploadTimeout     = 60 * time.Second
	uploadMaxFailures = 5
	uploadCBTimeout   = 30 * time.Second
	uploadCBInterval  = 60 * time.Second
)

// UploadFile is one document handed to the uploader.
type UploadFile struct {
	Name    string
	Content io.Reader
}

// Uploader stores documents for a conversation so augmentation can
// retrieve against them.
type Uploader interface {
	Upload(ctx context.Context, conversationID string, files []UploadFile) (*datatypes.UploadResult, error)
}

// UploadClient is the HTTP Uploader. A circuit breaker fails fast while
// the upload backend is down, so a user mashing the attach button does
// not stack sixty-second timeouts.
type UploadClient struct {
	baseURL    string
	httpClient *http.Client
	breaker    *gobreaker.CircuitBreaker[*datatypes.UploadResult]
}

// NewUploadClient builds an Uploader against baseURL.
func NewUploadClient(baseURL string, httpClient *http.Client) *UploadClient {
	if httpClient == nil {
		httpClient = &http.Client{Timeout: uploadTimeout}
	}
	breaker := gobreaker.NewCircuitBreaker[*datatypes.UploadResult](gobreaker.Settings{
		Name:        "document-upload",
		MaxRequests: 1,
		Interval:    uploadCBInterval,
		Timeout:     uploadCBTimeout,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= uploadMaxFailures
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			slog.Warn("upload circuit breaker state change",
				"breaker", name,
				"from", from.String(),
				"to", to.String())
		},
		IsSuccessful: func(err error) bool {
			// Client mistakes (bad file type, too large) are the user's
			// problem, not backend health; they must not trip the breaker.
			var uploadErr *UploadError
			if errors.As(err, &uploadErr) {
				return uploadErr.Kind != UploadServerError
			}
			return err == nil
		},
	})
	return &UploadClient{baseURL: baseURL, httpClient: httpClient, breaker: breaker}
}

// Upload implements Uploader.
func (c *UploadClient) Upload(ctx context.Context, conversationID string, files []UploadFile) (*datatypes.UploadResult, error) {
	ctx, span := clientTracer.Start(ctx, "UploadClient.Upload")
	defer span.End()

	result, err := c.breaker.Execute(func() (*datatypes.UploadResult, error) {
		return c.uploadOnce(ctx, conversationID, files)
	})
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "upload failed")
		if errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests) {
			return nil, &UploadError{
				Kind:    UploadServerError,
				Message: "upload backend is unavailable, try again shortly",
			}
		}
		return nil, err
	}
	return result, nil
}

func (c *UploadClient) uploadOnce(ctx context.Context, conversationID string, files []UploadFile) (*datatypes.UploadResult, error) {
	// Stream the multipart body instead of buffering; uploads can run to
	// tens of megabytes.
	pr, pw := io.Pipe()
	writer := multipart.NewWriter(pw)
	go func() {
		err := func() error {
			if err := writer.WriteField("conversationId", conversationID); err != nil {
				return err
			}
			for _, f := range files {
				part, err := writer.CreateFormFile("files", f.Name)
				if err != nil {
					return err
				}
				if _, err := io.Copy(part, f.Content); err != nil {
					return err
				}
			}
			return writer.Close()
		}()
		pw.CloseWithError(err)
	}()

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost,
		c.baseURL+"/files", pr)
	if err != nil {
		return nil, fmt.Errorf("build upload request: %w", err)
	}
	httpReq.Header.Set("Content-Type", writer.FormDataContentType())

	resp, err := c.httpClient.Do(httpReq)
	if err != nil {
		return nil, &UploadError{Kind: UploadServerError, Message: err.Error()}
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, &UploadError{Kind: UploadServerError, Message: err.Error()}
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return nil, &UploadError{
			Kind:       ClassifyUploadStatus(resp.StatusCode),
			StatusCode: resp.StatusCode,
			Message:    string(body),
		}
	}
	return datatypes.ResolveUploadBody(body)
}

// BreakerState exposes the circuit state for health reporting.
func (c *UploadClient) BreakerState() gobreaker.State {
	return c.breaker.State()
}

var _ Uploader = (*UploadClient)(nil)
