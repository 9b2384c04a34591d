// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package observability provides metrics and instrumentation for the
// coordinator.
//
// # Description
//
// This package implements Prometheus metrics for monitoring federation
// operations. Metrics include:
//   - Contribution counters (accepted, duplicate, rejected)
//   - Round lifecycle counters (by trigger) and aggregation latency
//   - Episode and replay-pool activity
//   - Snapshot/rollback counters
//   - Request counters and errors by endpoint
//
// # Integration
//
// Metrics are exposed via /metrics endpoint. Use with Prometheus + Grafana
// for dashboards and alerting.
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

// Namespace for all metrics
const metricsNamespace = "aleutian"

// Subsystem for federation metrics
const federationSubsystem = "federation"

// FederationMetrics holds all Prometheus metrics for coordinator operations.
//
// # Description
//
// Provides counters, histograms, and gauges for monitoring round cadence,
// contribution flow, and model churn. Initialize once at startup via
// InitMetrics().
//
// # Thread Safety
//
// All operations are thread-safe.
type FederationMetrics struct {
	// ContributionsTotal counts upload outcomes.
	// Labels: status (accepted, duplicate, rejected)
	ContributionsTotal *prometheus.CounterVec

	// RoundsTotal counts closed rounds by what closed them.
	// Labels: trigger (contributors, ceiling)
	RoundsTotal *prometheus.CounterVec

	// AggregationDurationSeconds measures merge-and-commit latency.
	AggregationDurationSeconds prometheus.Histogram

	// EpisodesTotal counts accepted episode summaries.
	// Labels: outcome (success, failure)
	EpisodesTotal *prometheus.CounterVec

	// ReplaySamples tracks pooled experience samples per subject.
	// Labels: subject
	ReplaySamples *prometheus.GaugeVec

	// SnapshotsTotal counts version snapshots created.
	SnapshotsTotal prometheus.Counter

	// RollbacksTotal counts rollbacks performed.
	RollbacksTotal prometheus.Counter

	// RequestsTotal counts HTTP requests by endpoint and status.
	// Labels: endpoint, status (success, error)
	RequestsTotal *prometheus.CounterVec

	// ErrorsTotal counts errors by type and endpoint.
	// Labels: endpoint, error_code
	ErrorsTotal *prometheus.CounterVec
}

// DefaultMetrics is the singleton instance of FederationMetrics.
// Initialized by InitMetrics().
var DefaultMetrics *FederationMetrics

// InitMetrics initializes the default metrics instance.
//
// # Description
//
// Creates and registers all Prometheus metrics. Should be called once at
// application startup. Subsequent calls return the existing instance, so
// tests constructing multiple services do not trip duplicate registration.
//
// # Outputs
//
//   - *FederationMetrics: The initialized metrics instance.
//
// # Examples
//
//	func main() {
//	    observability.InitMetrics()
//	    // ... start server ...
//	}
//
// # Assumptions
//
//   - Prometheus default registry is available.
func InitMetrics() *FederationMetrics {
	if DefaultMetrics != nil {
		return DefaultMetrics
	}

	DefaultMetrics = &FederationMetrics{
		ContributionsTotal: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: metricsNamespace,
				Subsystem: federationSubsystem,
				Name:      "contributions_total",
				Help:      "Total upload submissions by outcome",
			},
			[]string{"status"},
		),

		RoundsTotal: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: metricsNamespace,
				Subsystem: federationSubsystem,
				Name:      "rounds_total",
				Help:      "Total closed rounds by trigger",
			},
			[]string{"trigger"},
		),

		AggregationDurationSeconds: promauto.NewHistogram(
			prometheus.HistogramOpts{
				Namespace: metricsNamespace,
				Subsystem: federationSubsystem,
				Name:      "aggregation_duration_seconds",
				Help:      "Time to merge a round and commit the new model",
				Buckets:   []float64{0.001, 0.005, 0.01, 0.05, 0.1, 0.5, 1.0, 5.0},
			},
		),

		EpisodesTotal: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: metricsNamespace,
				Subsystem: federationSubsystem,
				Name:      "episodes_total",
				Help:      "Total accepted episode summaries by outcome",
			},
			[]string{"outcome"},
		),

		ReplaySamples: promauto.NewGaugeVec(
			prometheus.GaugeOpts{
				Namespace: metricsNamespace,
				Subsystem: federationSubsystem,
				Name:      "replay_samples",
				Help:      "Experience samples currently pooled per subject",
			},
			[]string{"subject"},
		),

		SnapshotsTotal: promauto.NewCounter(
			prometheus.CounterOpts{
				Namespace: metricsNamespace,
				Subsystem: federationSubsystem,
				Name:      "snapshots_total",
				Help:      "Total model version snapshots created",
			},
		),

		RollbacksTotal: promauto.NewCounter(
			prometheus.CounterOpts{
				Namespace: metricsNamespace,
				Subsystem: federationSubsystem,
				Name:      "rollbacks_total",
				Help:      "Total model rollbacks performed",
			},
		),

		RequestsTotal: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: metricsNamespace,
				Subsystem: federationSubsystem,
				Name:      "requests_total",
				Help:      "Total HTTP requests by endpoint and status",
			},
			[]string{"endpoint", "status"},
		),

		ErrorsTotal: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: metricsNamespace,
				Subsystem: federationSubsystem,
				Name:      "errors_total",
				Help:      "Total errors by type and endpoint",
			},
			[]string{"endpoint", "error_code"},
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

	// ErrorCodeDuplicate indicates an idempotency violation.
	ErrorCodeDuplicate ErrorCode = "duplicate_submission"

	// ErrorCodeNotReady indicates no aggregation has completed yet.
	ErrorCodeNotReady ErrorCode = "not_ready"

	// ErrorCodeNotFound indicates an unknown subject or evicted version.
	ErrorCodeNotFound ErrorCode = "not_found"

	// ErrorCodeAggregation indicates an internal merge failure.
	ErrorCodeAggregation ErrorCode = "aggregation_failure"

	// ErrorCodeRateLimited indicates a producer exceeded its upload budget.
	ErrorCodeRateLimited ErrorCode = "rate_limited"

	// ErrorCodeInternal indicates internal server error.
	ErrorCodeInternal ErrorCode = "internal"
)

// =============================================================================
// Endpoint Names
// =============================================================================

// Endpoint represents a coordinator endpoint for metrics labeling.
type Endpoint string

const (
	// EndpointUpload is POST /upload.
	EndpointUpload Endpoint = "upload"

	// EndpointGlobal is GET /global.
	EndpointGlobal Endpoint = "global"

	// EndpointHeartbeat is POST /heartbeat.
	EndpointHeartbeat Endpoint = "heartbeat"

	// EndpointStatus is GET /status.
	EndpointStatus Endpoint = "status"

	// EndpointEpisodes is POST /episodes.
	EndpointEpisodes Endpoint = "episodes"

	// EndpointTacticalWeights is GET /tactical-weights.
	EndpointTacticalWeights Endpoint = "tactical_weights"

	// EndpointReplay is POST/GET /replay.
	EndpointReplay Endpoint = "replay"

	// EndpointVersion is GET /version/:n.
	EndpointVersion Endpoint = "version"

	// EndpointRollback is POST /rollback/:n.
	EndpointRollback Endpoint = "rollback"
)

// =============================================================================
// Helper Methods
// =============================================================================

// RecordRequest records a completed request.
//
// # Inputs
//
//   - endpoint: The endpoint that handled the request.
//   - success: Whether the request completed successfully.
func (m *FederationMetrics) RecordRequest(endpoint Endpoint, success bool) {
	status := "success"
	if !success {
		status = "error"
	}
	m.RequestsTotal.WithLabelValues(string(endpoint), status).Inc()
}

// RecordError records a categorized request error.
//
// # Inputs
//
//   - endpoint: The endpoint where the error occurred.
//   - code: The error type code.
func (m *FederationMetrics) RecordError(endpoint Endpoint, code ErrorCode) {
	m.ErrorsTotal.WithLabelValues(string(endpoint), string(code)).Inc()
}

// RecordContribution records an upload outcome.
//
// # Inputs
//
//   - status: "accepted", "duplicate", or "rejected".
func (m *FederationMetrics) RecordContribution(status string) {
	m.ContributionsTotal.WithLabelValues(status).Inc()
}

// RecordRoundClosed records a round close with its trigger and latency.
//
// # Inputs
//
//   - trigger: "contributors" or "ceiling".
//   - seconds: merge-and-commit duration.
func (m *FederationMetrics) RecordRoundClosed(trigger string, seconds float64) {
	m.RoundsTotal.WithLabelValues(trigger).Inc()
	m.AggregationDurationSeconds.Observe(seconds)
}

// RecordEpisode records an accepted episode summary.
//
// # Inputs
//
//   - succeeded: episode outcome.
func (m *FederationMetrics) RecordEpisode(succeeded bool) {
	outcome := "success"
	if !succeeded {
		outcome = "failure"
	}
	m.EpisodesTotal.WithLabelValues(outcome).Inc()
}

// SetReplaySamples updates the pooled sample gauge for a subject.
func (m *FederationMetrics) SetReplaySamples(subject string, n int) {
	m.ReplaySamples.WithLabelValues(subject).Set(float64(n))
}

// RecordSnapshot increments the snapshot counter.
func (m *FederationMetrics) RecordSnapshot() {
	m.SnapshotsTotal.Inc()
}

// RecordRollback increments the rollback counter.
func (m *FederationMetrics) RecordRollback() {
	m.RollbacksTotal.Inc()
}
