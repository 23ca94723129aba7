// Copyright (C) 2026 Genie Contributors
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

// Package clients holds the HTTP clients the turn pipeline talks through:
// prompt augmentation, chat completion, the conversation store, and
// document upload. All of them share one authenticating transport.
package clients

import (
	"net/http"

	"go.opentelemetry.io/otel"
)

var clientTracer = otel.Tracer("genie/services/chat/clients")

// Credentials supplies per-request auth material. Funcs rather than values
// so rotated tokens are picked up without rebuilding clients.
type Credentials struct {
	// BearerToken returns the current access token, empty when anonymous.
	BearerToken func() string
	// XSRFToken returns the anti-forgery token attached to mutating
	// requests, empty when the deployment does not use one.
	XSRFToken func() string
}

// authTransport decorates every request with the session's auth headers.
type authTransport struct {
	base  http.RoundTripper
	creds Credentials
}

// NewAuthTransport wraps base so all requests carry the Authorization
// header, and mutating requests additionally carry X-XSRF-TOKEN. A nil
// base falls back to http.DefaultTransport.
func NewAuthTransport(base http.RoundTripper, creds Credentials) http.RoundTripper {
	if base == nil {
		base = http.DefaultTransport
	}
	return &authTransport{base: base, creds: creds}
}

func (t *authTransport) RoundTrip(req *http.Request) (*http.Response, error) {
	// Per RoundTripper contract the request must not be mutated in place.
	clone := req.Clone(req.Context())
	if t.creds.BearerToken != nil {
		if token := t.creds.BearerToken(); token != "" {
			clone.Header.Set("Authorization", "Bearer "+token)
		}
	}
	if isMutating(req.Method) && t.creds.XSRFToken != nil {
		if token := t.creds.XSRFToken(); token != "" {
			clone.Header.Set("X-XSRF-TOKEN", token)
		}
	}
	return t.base.RoundTrip(clone)
}

func isMutating(method string) bool {
	switch method {
	case http.MethodPost, http.MethodPut, http.MethodPatch, http.MethodDelete:
		return true
	}
	return false
}

var _ http.RoundTripper = (*authTransport)(nil)
