// Copyright (C) 2025 Halcyon Labs
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

// Package observability provides Prometheus metrics for the chatd service.
//
// # Description
//
// Metrics cover the streaming query path (request counters, fragment
// counters, time to first fragment, stream duration, active streams,
// client disconnects) and thread lifecycle operations. Exposed via the
// /metrics endpoint for Prometheus scraping.
//
// # Thread Safety
//
// All metric operations are thread-safe via Prometheus's internal locking.
package observability

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

const metricsNamespace = "threadline"

const streamingSubsystem = "streaming"

// StreamingMetrics holds all Prometheus metrics for the query stream path
// and thread lifecycle operations. Initialize once at startup via
// InitMetrics().
type StreamingMetrics struct {
	// RequestsTotal counts streaming requests.
	// Labels: endpoint, status (success, error)
	RequestsTotal *prometheus.CounterVec

	// FragmentsTotal counts reply fragments delivered to clients.
	// Labels: endpoint
	FragmentsTotal *prometheus.CounterVec

	// TimeToFirstFragmentSeconds measures latency to the first fragment.
	// Labels: endpoint
	TimeToFirstFragmentSeconds *prometheus.HistogramVec

	// StreamDurationSeconds measures total stream duration.
	// Labels: endpoint, status
	StreamDurationSeconds *prometheus.HistogramVec

	// ActiveStreams tracks currently active streaming connections.
	// Labels: endpoint
	ActiveStreams *prometheus.GaugeVec

	// ErrorsTotal counts errors by type.
	// Labels: endpoint, error_code
	ErrorsTotal *prometheus.CounterVec

	// ClientDisconnectsTotal counts client disconnections mid-stream.
	// Labels: endpoint
	ClientDisconnectsTotal *prometheus.CounterVec

	// ThreadOpsTotal counts thread lifecycle operations.
	// Labels: op (init, clear, set_title, list, history, full), status
	ThreadOpsTotal *prometheus.CounterVec
}

// DefaultMetrics is the singleton instance, initialized by InitMetrics().
var DefaultMetrics *StreamingMetrics

// InitMetrics creates and registers all Prometheus metrics. Call once at
// startup; a second call panics on duplicate registration.
func InitMetrics() *StreamingMetrics {
	DefaultMetrics = &StreamingMetrics{
		RequestsTotal: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: metricsNamespace,
				Subsystem: streamingSubsystem,
				Name:      "requests_total",
				Help:      "Total number of streaming requests by endpoint and status",
			},
			[]string{"endpoint", "status"},
		),

		FragmentsTotal: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: metricsNamespace,
				Subsystem: streamingSubsystem,
				Name:      "fragments_total",
				Help:      "Total reply fragments delivered by endpoint",
			},
			[]string{"endpoint"},
		),

		TimeToFirstFragmentSeconds: promauto.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: metricsNamespace,
				Subsystem: streamingSubsystem,
				Name:      "time_to_first_fragment_seconds",
				Help:      "Time from request to first fragment in seconds",
				Buckets:   []float64{0.1, 0.25, 0.5, 1.0, 2.5, 5.0, 10.0, 30.0},
			},
			[]string{"endpoint"},
		),

		StreamDurationSeconds: promauto.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: metricsNamespace,
				Subsystem: streamingSubsystem,
				Name:      "stream_duration_seconds",
				Help:      "Total stream duration in seconds",
				Buckets:   []float64{1, 5, 10, 30, 60, 120, 300},
			},
			[]string{"endpoint", "status"},
		),

		ActiveStreams: promauto.NewGaugeVec(
			prometheus.GaugeOpts{
				Namespace: metricsNamespace,
				Subsystem: streamingSubsystem,
				Name:      "active_streams",
				Help:      "Number of currently active streaming connections",
			},
			[]string{"endpoint"},
		),

		ErrorsTotal: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: metricsNamespace,
				Subsystem: streamingSubsystem,
				Name:      "errors_total",
				Help:      "Total streaming errors by type and endpoint",
			},
			[]string{"endpoint", "error_code"},
		),

		ClientDisconnectsTotal: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: metricsNamespace,
				Subsystem: streamingSubsystem,
				Name:      "client_disconnects_total",
				Help:      "Total client disconnections during streaming",
			},
			[]string{"endpoint"},
		),

		ThreadOpsTotal: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: metricsNamespace,
				Subsystem: "threads",
				Name:      "ops_total",
				Help:      "Total thread lifecycle operations by op and status",
			},
			[]string{"op", "status"},
		),
	}

	return DefaultMetrics
}

// ErrorCode represents a categorized error type for metrics.
type ErrorCode string

const (
	// ErrorCodeValidation indicates request validation failure.
	ErrorCodeValidation ErrorCode = "validation"

	// ErrorCodeGeneration indicates a model stream failure.
	ErrorCodeGeneration ErrorCode = "generation"

	// ErrorCodeStore indicates a persistence failure.
	ErrorCodeStore ErrorCode = "store"

	// ErrorCodeNotFound indicates an operation on an unknown thread.
	ErrorCodeNotFound ErrorCode = "not_found"

	// ErrorCodeInternal indicates an internal server error.
	ErrorCodeInternal ErrorCode = "internal"

	// ErrorCodeClientDisconnect indicates the client disconnected.
	ErrorCodeClientDisconnect ErrorCode = "client_disconnect"
)

// Endpoint represents a streaming endpoint for metrics labeling.
type Endpoint string

// EndpointQueryStream is the conversational streaming endpoint.
const EndpointQueryStream Endpoint = "query_stream"

// RecordRequest records a completed streaming request.
func (m *StreamingMetrics) RecordRequest(endpoint Endpoint, success bool) {
	m.RequestsTotal.WithLabelValues(string(endpoint), statusLabel(success)).Inc()
}

// RecordError records a streaming error.
func (m *StreamingMetrics) RecordError(endpoint Endpoint, code ErrorCode) {
	m.ErrorsTotal.WithLabelValues(string(endpoint), string(code)).Inc()
}

// RecordFragments adds to the delivered fragment counter.
func (m *StreamingMetrics) RecordFragments(endpoint Endpoint, n int) {
	m.FragmentsTotal.WithLabelValues(string(endpoint)).Add(float64(n))
}

// StreamStarted increments the active streams gauge.
func (m *StreamingMetrics) StreamStarted(endpoint Endpoint) {
	m.ActiveStreams.WithLabelValues(string(endpoint)).Inc()
}

// StreamEnded decrements the active streams gauge.
func (m *StreamingMetrics) StreamEnded(endpoint Endpoint) {
	m.ActiveStreams.WithLabelValues(string(endpoint)).Dec()
}

// RecordTimeToFirstFragment records the first-fragment latency.
func (m *StreamingMetrics) RecordTimeToFirstFragment(endpoint Endpoint, seconds float64) {
	m.TimeToFirstFragmentSeconds.WithLabelValues(string(endpoint)).Observe(seconds)
}

// RecordStreamDuration records the total stream duration.
func (m *StreamingMetrics) RecordStreamDuration(endpoint Endpoint, seconds float64, success bool) {
	m.StreamDurationSeconds.WithLabelValues(string(endpoint), statusLabel(success)).Observe(seconds)
}

// RecordClientDisconnect increments the client disconnect counter.
func (m *StreamingMetrics) RecordClientDisconnect(endpoint Endpoint) {
	m.ClientDisconnectsTotal.WithLabelValues(string(endpoint)).Inc()
}

// RecordThreadOp records a thread lifecycle operation.
func (m *StreamingMetrics) RecordThreadOp(op string, success bool) {
	m.ThreadOpsTotal.WithLabelValues(op, statusLabel(success)).Inc()
}

func statusLabel(success bool) string {
	if success {
		return "success"
	}
	return "error"
}
