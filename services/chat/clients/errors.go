// Copyright (C) 2026 Genie Contributors
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package clients

import (
	"errors"
	"fmt"
	"net/http"
)

// =============================================================================
// HTTP Errors
// =============================================================================

// HTTPError is a non-2xx backend answer. Retryable marks transient status
// codes worth another attempt.
type HTTPError struct {
	StatusCode int
	Message    string
	Retryable  bool
}

func (e *HTTPError) Error() string {
	return fmt.Sprintf("backend returned %d: %s", e.StatusCode, e.Message)
}

// NewHTTPError builds an HTTPError with Retryable derived from the code.
func NewHTTPError(statusCode int, message string) *HTTPError {
	return &HTTPError{
		StatusCode: statusCode,
		Message:    message,
		Retryable:  isRetryableStatusCode(statusCode),
	}
}

// isRetryableStatusCode reports whether a status is worth retrying:
// gateway trouble or rate limiting, never client mistakes.
func isRetryableStatusCode(statusCode int) bool {
	switch statusCode {
	case http.StatusTooManyRequests,
		http.StatusBadGateway,
		http.StatusServiceUnavailable,
		http.StatusGatewayTimeout:
		return true
	}
	return false
}

// IsRetryable reports whether err is a retryable HTTPError. Network-level
// errors are handled separately by the callers that see them.
func IsRetryable(err error) bool {
	var httpErr *HTTPError
	return errors.As(err, &httpErr) && httpErr.Retryable
}

// =============================================================================
// Upload Failure Classification
// =============================================================================

// UploadFailureKind names why a document upload was rejected, so the
// surface can tell the user something more useful than "failed".
type UploadFailureKind string

const (
	UploadFileTooLarge    UploadFailureKind = "file_too_large"
	UploadUnsupportedType UploadFailureKind = "unsupported_type"
	UploadAuthExpired     UploadFailureKind = "auth_expired"
	UploadRateLimited     UploadFailureKind = "rate_limited"
	UploadServerError     UploadFailureKind = "server_error"
	UploadUnknown         UploadFailureKind = "unknown"
)

// UploadError is a classified upload rejection.
type UploadError struct {
	Kind       UploadFailureKind
	StatusCode int
	Message    string
}

func (e *UploadError) Error() string {
	return fmt.Sprintf("upload rejected (%s, status %d): %s", e.Kind, e.StatusCode, e.Message)
}

// ClassifyUploadStatus maps an upload response status to a failure kind.
func ClassifyUploadStatus(statusCode int) UploadFailureKind {
	switch {
	case statusCode == http.StatusRequestEntityTooLarge:
		return UploadFileTooLarge
	case statusCode == http.StatusUnsupportedMediaType:
		return UploadUnsupportedType
	case statusCode == http.StatusUnauthorized || statusCode == http.StatusForbidden:
		return UploadAuthExpired
	case statusCode == http.StatusTooManyRequests:
		return UploadRateLimited
	case statusCode >= 500:
		return UploadServerError
	}
	return UploadUnknown
}
