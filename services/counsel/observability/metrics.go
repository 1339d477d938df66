// Copyright (C) 2025 Briefwise Systems (eng@briefwise.app)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

// Package observability provides Prometheus metrics for the request
// pipeline: admission outcomes, stream lifecycle, latency, and token
// accounting. Metrics are exposed on /metrics.
//
// All metric operations are thread-safe via Prometheus's internal
// locking.
package observability

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

const metricsNamespace = "briefwise"

const pipelineSubsystem = "pipeline"

// PipelineMetrics holds all Prometheus metrics for the chat pipeline.
// Initialize once at startup via InitMetrics().
type PipelineMetrics struct {
	// RequestsTotal counts pipeline requests.
	// Labels: status (success, error, rejected)
	RequestsTotal *prometheus.CounterVec

	// ErrorsTotal counts pipeline errors by kind.
	// Labels: error_code (rate_limited, quota_exceeded, guardrail_rejected,
	// generation_failed, storage_failed, timeout, internal)
	ErrorsTotal *prometheus.CounterVec

	// AdmissionRejectionsTotal counts requests turned away before
	// generation. Labels: kind (rate_limit, quota, guardrail, validation)
	AdmissionRejectionsTotal *prometheus.CounterVec

	// RetrievalDegradationsTotal counts searches that failed and fell
	// back to an empty context.
	RetrievalDegradationsTotal prometheus.Counter

	// TokensTotal counts tokens by direction and model.
	// Labels: direction (prompt, candidate), model
	TokensTotal *prometheus.CounterVec

	// ActiveStreams tracks currently open SSE streams.
	ActiveStreams prometheus.Gauge

	// TimeToFirstTokenSeconds measures latency from admission to the
	// first streamed chunk.
	TimeToFirstTokenSeconds prometheus.Histogram

	// StreamDurationSeconds measures total stream duration.
	// Labels: status (success, error)
	StreamDurationSeconds *prometheus.HistogramVec

	// KeepAlivesTotal counts heartbeat comments sent on idle streams.
	KeepAlivesTotal prometheus.Counter

	// ClientDisconnectsTotal counts clients that dropped mid-stream.
	ClientDisconnectsTotal prometheus.Counter
}

// DefaultMetrics is the process-wide instance, set by InitMetrics.
var DefaultMetrics *PipelineMetrics

// InitMetrics creates and registers all pipeline metrics on the
// default registry. Call once at startup; a second call panics on
// duplicate registration.
func InitMetrics() *PipelineMetrics {
	DefaultMetrics = NewMetrics(prometheus.DefaultRegisterer)
	return DefaultMetrics
}

// NewMetrics registers the pipeline metrics on the given registerer.
// Tests pass a fresh registry to avoid duplicate registration.
func NewMetrics(reg prometheus.Registerer) *PipelineMetrics {
	factory := promauto.With(reg)
	return &PipelineMetrics{
		RequestsTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: metricsNamespace,
				Subsystem: pipelineSubsystem,
				Name:      "requests_total",
				Help:      "Total pipeline requests by terminal status",
			},
			[]string{"status"},
		),

		ErrorsTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: metricsNamespace,
				Subsystem: pipelineSubsystem,
				Name:      "errors_total",
				Help:      "Total pipeline errors by kind",
			},
			[]string{"error_code"},
		),

		AdmissionRejectionsTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: metricsNamespace,
				Subsystem: pipelineSubsystem,
				Name:      "admission_rejections_total",
				Help:      "Requests rejected before generation by admission kind",
			},
			[]string{"kind"},
		),

		RetrievalDegradationsTotal: factory.NewCounter(
			prometheus.CounterOpts{
				Namespace: metricsNamespace,
				Subsystem: pipelineSubsystem,
				Name:      "retrieval_degradations_total",
				Help:      "Searches that failed and degraded to empty context",
			},
		),

		TokensTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: metricsNamespace,
				Subsystem: pipelineSubsystem,
				Name:      "tokens_total",
				Help:      "Total tokens by direction and model",
			},
			[]string{"direction", "model"},
		),

		ActiveStreams: factory.NewGauge(
			prometheus.GaugeOpts{
				Namespace: metricsNamespace,
				Subsystem: pipelineSubsystem,
				Name:      "active_streams",
				Help:      "Currently open SSE streams",
			},
		),

		TimeToFirstTokenSeconds: factory.NewHistogram(
			prometheus.HistogramOpts{
				Namespace: metricsNamespace,
				Subsystem: pipelineSubsystem,
				Name:      "time_to_first_token_seconds",
				Help:      "Time from admission to first streamed chunk",
				Buckets:   []float64{0.1, 0.25, 0.5, 1.0, 2.5, 5.0, 10.0, 30.0},
			},
		),

		StreamDurationSeconds: factory.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: metricsNamespace,
				Subsystem: pipelineSubsystem,
				Name:      "stream_duration_seconds",
				Help:      "Total stream duration in seconds",
				Buckets:   []float64{1, 5, 10, 30, 60, 120, 300},
			},
			[]string{"status"},
		),

		KeepAlivesTotal: factory.NewCounter(
			prometheus.CounterOpts{
				Namespace: metricsNamespace,
				Subsystem: pipelineSubsystem,
				Name:      "keepalives_total",
				Help:      "Heartbeat comments sent on idle streams",
			},
		),

		ClientDisconnectsTotal: factory.NewCounter(
			prometheus.CounterOpts{
				Namespace: metricsNamespace,
				Subsystem: pipelineSubsystem,
				Name:      "client_disconnects_total",
				Help:      "Clients that dropped mid-stream",
			},
		),
	}
}

// =============================================================================
// Label values
// =============================================================================

// ErrorCode categorizes a pipeline error for metrics.
type ErrorCode string

const (
	ErrorCodeRateLimited       ErrorCode = "rate_limited"
	ErrorCodeQuotaExceeded     ErrorCode = "quota_exceeded"
	ErrorCodeGuardrailRejected ErrorCode = "guardrail_rejected"
	ErrorCodeValidation        ErrorCode = "validation"
	ErrorCodeGenerationFailed  ErrorCode = "generation_failed"
	ErrorCodeStorageFailed     ErrorCode = "storage_failed"
	ErrorCodeTimeout           ErrorCode = "timeout"
	ErrorCodeInternal          ErrorCode = "internal"
)

// RejectionKind labels an admission rejection.
type RejectionKind string

const (
	RejectionRateLimit  RejectionKind = "rate_limit"
	RejectionQuota      RejectionKind = "quota"
	RejectionGuardrail  RejectionKind = "guardrail"
	RejectionValidation RejectionKind = "validation"
)

// =============================================================================
// Helper methods
// =============================================================================

// RecordRequest records a terminal pipeline outcome.
func (m *PipelineMetrics) RecordRequest(status string) {
	m.RequestsTotal.WithLabelValues(status).Inc()
}

// RecordError records a pipeline error by kind.
func (m *PipelineMetrics) RecordError(code ErrorCode) {
	m.ErrorsTotal.WithLabelValues(string(code)).Inc()
}

// RecordRejection records an admission rejection.
func (m *PipelineMetrics) RecordRejection(kind RejectionKind) {
	m.AdmissionRejectionsTotal.WithLabelValues(string(kind)).Inc()
}

// RecordRetrievalDegradation notes a search that fell back to empty
// context.
func (m *PipelineMetrics) RecordRetrievalDegradation() {
	m.RetrievalDegradationsTotal.Inc()
}

// RecordTokens records token usage for one completed generation.
func (m *PipelineMetrics) RecordTokens(promptTokens, candidateTokens int, model string) {
	m.TokensTotal.WithLabelValues("prompt", model).Add(float64(promptTokens))
	m.TokensTotal.WithLabelValues("candidate", model).Add(float64(candidateTokens))
}

// StreamStarted increments the active streams gauge.
func (m *PipelineMetrics) StreamStarted() {
	m.ActiveStreams.Inc()
}

// StreamEnded decrements the active streams gauge.
func (m *PipelineMetrics) StreamEnded() {
	m.ActiveStreams.Dec()
}

// RecordTimeToFirstToken records admission-to-first-chunk latency.
func (m *PipelineMetrics) RecordTimeToFirstToken(seconds float64) {
	m.TimeToFirstTokenSeconds.Observe(seconds)
}

// RecordStreamDuration records total stream duration.
func (m *PipelineMetrics) RecordStreamDuration(seconds float64, success bool) {
	status := "success"
	if !success {
		status = "error"
	}
	m.StreamDurationSeconds.WithLabelValues(status).Observe(seconds)
}

// RecordKeepAlive counts one heartbeat comment.
func (m *PipelineMetrics) RecordKeepAlive() {
	m.KeepAlivesTotal.Inc()
}

// RecordClientDisconnect counts one mid-stream client drop.
func (m *PipelineMetrics) RecordClientDisconnect() {
	m.ClientDisconnectsTotal.Inc()
}
