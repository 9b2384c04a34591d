// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package federation

import (
	"bytes"
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"time"
)

// =============================================================================
// Flight Recorder
// =============================================================================

// RoundRecord is the payload mirrored to the flight-recorder service once
// per finalized round: the full aggregated snapshot plus round metadata.
type RoundRecord struct {
	Round            int         `json:"round"`
	ClosedAt         time.Time   `json:"closedAt"`
	Trigger          string      `json:"trigger"`
	ContributorCount int         `json:"contributorCount"`
	Version          int         `json:"version,omitempty"`
	Model            GlobalModel `json:"model"`
}

// FlightRecorder mirrors finalized rounds to the external append-only
// observability sink. Write-only from the coordinator's perspective and
// strictly best-effort: federation correctness never depends on the sink,
// so implementations must never return an error to the caller.
type FlightRecorder interface {
	// RecordRound submits one finalized round. Fire-and-forget: the call
	// returns immediately and any delivery failure is logged locally.
	RecordRound(ctx context.Context, record RoundRecord)
}

// NopRecorder discards all records. Used when no recorder endpoint is
// configured and in tests.
type NopRecorder struct{}

// RecordRound discards the record.
func (NopRecorder) RecordRound(context.Context, RoundRecord) {}

// HTTPRecorder posts round records to the flight-recorder service.
type HTTPRecorder struct {
	endpoint string
	client   *http.Client
	logger   *slog.Logger
}

// NewHTTPRecorder creates a recorder posting to endpoint with the given
// per-delivery timeout. A zero timeout defaults to 5 seconds.
func NewHTTPRecorder(endpoint string, timeout time.Duration, logger *slog.Logger) *HTTPRecorder {
	if timeout <= 0 {
		timeout = 5 * time.Second
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &HTTPRecorder{
		endpoint: endpoint,
		client:   &http.Client{Timeout: timeout},
		logger:   logger.With("component", "flight_recorder"),
	}
}

// RecordRound delivers the record in a background goroutine. Errors are
// swallowed with a warning; the sink is never allowed to fail a request.
func (r *HTTPRecorder) RecordRound(ctx context.Context, record RoundRecord) {
	// Detach from the request context so an upload response does not wait
	// on the sink, while still bounding the delivery.
	go func() {
		ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), r.client.Timeout)
		defer cancel()

		body, err := json.Marshal(record)
		if err != nil {
			r.logger.Warn("flight recorder marshal failed",
				"round", record.Round,
				"error", err)
			return
		}

		req, err := http.NewRequestWithContext(ctx, http.MethodPost, r.endpoint, bytes.NewReader(body))
		if err != nil {
			r.logger.Warn("flight recorder request build failed",
				"round", record.Round,
				"error", err)
			return
		}
		req.Header.Set("Content-Type", "application/json")

		resp, err := r.client.Do(req)
		if err != nil {
			r.logger.Warn("flight recorder unreachable",
				"round", record.Round,
				"endpoint", r.endpoint,
				"error", err)
			return
		}
		defer resp.Body.Close()

		if resp.StatusCode < 200 || resp.StatusCode > 299 {
			r.logger.Warn("flight recorder rejected round record",
				"round", record.Round,
				"status", resp.StatusCode)
		}
	}()
}

// Compile-time interface compliance.
var (
	_ FlightRecorder = (*HTTPRecorder)(nil)
	_ FlightRecorder = NopRecorder{}
)
