// Copyright (C) 2026 Genie Contributors
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

// Package observability provides Prometheus metrics for the chat gateway.
//
// # Description
//
// Metrics cover the turn pipeline end to end:
//   - Turn counters (by endpoint, status, error type)
//   - Token usage (input/output by model)
//   - Latency histograms (time to first token, total turn duration)
//   - Active stream gauges
//   - Upload outcomes by failure kind
//
// # Integration
//
// Exposed via the /metrics endpoint for Prometheus scraping.
//
// # Thread Safety
//
// All metric operations are thread-safe via Prometheus's internal locking.
package observability

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// =============================================================================
// Metric Definitions
// =============================================================================

const metricsNamespace = "genie"

const turnSubsystem = "turns"

// TurnMetrics holds all Prometheus metrics for turn processing.
// Initialize once at startup via InitMetrics().
type TurnMetrics struct {
	// TurnsTotal counts turns by endpoint and status.
	// Labels: endpoint (turn_stream, turn_regenerate), status (success,
	// error, stopped)
	TurnsTotal *prometheus.CounterVec

	// TokensTotal counts tokens processed by direction and model.
	// Labels: direction (input, output), model
	TokensTotal *prometheus.CounterVec

	// TimeToFirstTokenSeconds measures latency to first streamed token.
	// Labels: endpoint
	TimeToFirstTokenSeconds *prometheus.HistogramVec

	// TurnDurationSeconds measures total turn duration.
	// Labels: endpoint, status
	TurnDurationSeconds *prometheus.HistogramVec

	// ActiveStreams tracks currently open SSE streams.
	// Labels: endpoint
	ActiveStreams *prometheus.GaugeVec

	// ErrorsTotal counts errors by type and endpoint.
	// Labels: endpoint, error_code
	ErrorsTotal *prometheus.CounterVec

	// KeepAlivesTotal counts SSE keepalive pings sent.
	// Labels: endpoint
	KeepAlivesTotal *prometheus.CounterVec

	// ClientDisconnectsTotal counts clients that dropped mid-stream.
	// Labels: endpoint
	ClientDisconnectsTotal *prometheus.CounterVec

	// UploadsTotal counts document uploads by outcome.
	// Labels: outcome (success or an upload failure kind)
	UploadsTotal *prometheus.CounterVec
}

// DefaultMetrics is the singleton instance. Initialized by InitMetrics().
var DefaultMetrics *TurnMetrics

// InitMetrics creates and registers all metrics on the default registry.
// Call once at startup; a second call panics on duplicate registration.
func InitMetrics() *TurnMetrics {
	DefaultMetrics = &TurnMetrics{
		TurnsTotal: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: metricsNamespace,
				Subsystem: turnSubsystem,
				Name:      "requests_total",
				Help:      "Total number of turns by endpoint and status",
			},
			[]string{"endpoint", "status"},
		),

		TokensTotal: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: metricsNamespace,
				Subsystem: turnSubsystem,
				Name:      "tokens_total",
				Help:      "Total tokens processed by direction and model",
			},
			[]string{"direction", "model"},
		),

		TimeToFirstTokenSeconds: promauto.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: metricsNamespace,
				Subsystem: turnSubsystem,
				Name:      "time_to_first_token_seconds",
				Help:      "Time from turn submit to first streamed token in seconds",
				Buckets:   []float64{0.1, 0.25, 0.5, 1.0, 2.5, 5.0, 10.0, 30.0},
			},
			[]string{"endpoint"},
		),

		TurnDurationSeconds: promauto.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: metricsNamespace,
				Subsystem: turnSubsystem,
				Name:      "duration_seconds",
				Help:      "Total turn duration in seconds",
				Buckets:   []float64{1, 5, 10, 30, 60, 120, 300},
			},
			[]string{"endpoint", "status"},
		),

		ActiveStreams: promauto.NewGaugeVec(
			prometheus.GaugeOpts{
				Namespace: metricsNamespace,
				Subsystem: turnSubsystem,
				Name:      "active_streams",
				Help:      "Number of currently open SSE streams",
			},
			[]string{"endpoint"},
		),

		ErrorsTotal: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: metricsNamespace,
				Subsystem: turnSubsystem,
				Name:      "errors_total",
				Help:      "Total turn errors by type and endpoint",
			},
			[]string{"endpoint", "error_code"},
		),

		KeepAlivesTotal: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: metricsNamespace,
				Subsystem: turnSubsystem,
				Name:      "keepalives_total",
				Help:      "Total SSE keepalive pings sent",
			},
			[]string{"endpoint"},
		),

		ClientDisconnectsTotal: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: metricsNamespace,
				Subsystem: turnSubsystem,
				Name:      "client_disconnects_total",
				Help:      "Total client disconnections during streaming",
			},
			[]string{"endpoint"},
		),

		UploadsTotal: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: metricsNamespace,
				Subsystem: "uploads",
				Name:      "total",
				Help:      "Total document uploads by outcome",
			},
			[]string{"outcome"},
		),
	}

	return DefaultMetrics
}

// =============================================================================
// Error Codes
// =============================================================================

// ErrorCode represents a categorized error type for metrics.
type ErrorCode string

const (
	// ErrorCodeValidation indicates request validation failure.
	ErrorCodeValidation ErrorCode = "validation"

	// ErrorCodeCompletion indicates a chat completion backend failure.
	ErrorCodeCompletion ErrorCode = "completion_error"

	// ErrorCodeAugmentation indicates an augmentation backend failure.
	ErrorCodeAugmentation ErrorCode = "augmentation_error"

	// ErrorCodeTimeout indicates operation timeout.
	ErrorCodeTimeout ErrorCode = "timeout"

	// ErrorCodeInternal indicates internal server error.
	ErrorCodeInternal ErrorCode = "internal"

	// ErrorCodeClientDisconnect indicates the client dropped mid-stream.
	ErrorCodeClientDisconnect ErrorCode = "client_disconnect"
)

// =============================================================================
// Endpoint Names
// =============================================================================

// Endpoint represents a gateway endpoint for metrics labeling.
type Endpoint string

const (
	// EndpointTurnStream is the submit-and-stream endpoint.
	EndpointTurnStream Endpoint = "turn_stream"

	// EndpointTurnRegenerate is the regenerate endpoint.
	EndpointTurnRegenerate Endpoint = "turn_regenerate"
)

// =============================================================================
// Helper Methods
// =============================================================================

// RecordTurn records a finished turn with one of the statuses success,
// error or stopped.
func (m *TurnMetrics) RecordTurn(endpoint Endpoint, status string) {
	m.TurnsTotal.WithLabelValues(string(endpoint), status).Inc()
}

// RecordError records a turn error.
func (m *TurnMetrics) RecordError(endpoint Endpoint, code ErrorCode) {
	m.ErrorsTotal.WithLabelValues(string(endpoint), string(code)).Inc()
}

// RecordTokens records token usage for a model.
func (m *TurnMetrics) RecordTokens(inputTokens, outputTokens int, model string) {
	m.TokensTotal.WithLabelValues("input", model).Add(float64(inputTokens))
	m.TokensTotal.WithLabelValues("output", model).Add(float64(outputTokens))
}

// StreamStarted increments the active streams gauge.
func (m *TurnMetrics) StreamStarted(endpoint Endpoint) {
	m.ActiveStreams.WithLabelValues(string(endpoint)).Inc()
}

// StreamEnded decrements the active streams gauge.
func (m *TurnMetrics) StreamEnded(endpoint Endpoint) {
	m.ActiveStreams.WithLabelValues(string(endpoint)).Dec()
}

// RecordKeepAlive records an SSE keepalive ping.
func (m *TurnMetrics) RecordKeepAlive(endpoint Endpoint) {
	m.KeepAlivesTotal.WithLabelValues(string(endpoint)).Inc()
}

// RecordClientDisconnect records a client that dropped mid-stream.
func (m *TurnMetrics) RecordClientDisconnect(endpoint Endpoint) {
	m.ClientDisconnectsTotal.WithLabelValues(string(endpoint)).Inc()
}

// RecordTimeToFirstToken records latency from request start to the first
// streamed content event.
func (m *TurnMetrics) RecordTimeToFirstToken(endpoint Endpoint, seconds float64) {
	m.TimeToFirstTokenSeconds.WithLabelValues(string(endpoint)).Observe(seconds)
}

// RecordTurnDuration records the total wall-clock duration of a turn.
func (m *TurnMetrics) RecordTurnDuration(endpoint Endpoint, seconds float64, status string) {
	m.TurnDurationSeconds.WithLabelValues(string(endpoint), status).Observe(seconds)
}

// RecordUpload records an upload outcome: "success" or a failure kind.
func (m *TurnMetrics) RecordUpload(outcome string) {
	m.UploadsTotal.WithLabelValues(outcome).Inc()
}
