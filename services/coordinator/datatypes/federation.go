// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package datatypes defines the JSON-over-HTTP request and response
// contracts for the coordinator, plus their shape/bounds validation.
//
// Validation is stateless and runs before any coordinator state is touched.
// Bounds come from field experience with producer counter drift:
//   - AvgReward must sit in [-100, 100]; values outside are sensor noise
//     or reward-function bugs, never legitimate signal.
//   - SampleCount is capped at 1,000,000 per upload.
//   - SuccessCount > SampleCount is repaired by clamping rather than
//     rejected, because reconnecting producers routinely resend with the
//     two counters briefly out of step.
package datatypes

import (
	"fmt"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"

	"github.com/AleutianAI/TacticMesh/pkg/validation"
	"github.com/AleutianAI/TacticMesh/services/coordinator/federation"
)

// Bounds for contributed tactic statistics.
const (
	MinAvgReward   = -100.0
	MaxAvgReward   = 100.0
	MaxSampleCount = 1_000_000
)

// federationValidate is the package-level validator instance.
var federationValidate *validator.Validate

func init() {
	federationValidate = validator.New()

	// identifier validates producer ids, subject types, and action ids
	// against the shared identifier rules.
	_ = federationValidate.RegisterValidation("identifier", func(fl validator.FieldLevel) bool {
		return validation.ValidateIdentifier(fl.Field().String()) == nil
	})
}

// =============================================================================
// Upload
// =============================================================================

// TacticStatsPayload is the wire form of one action's statistics.
type TacticStatsPayload struct {
	AvgReward    float64 `json:"avgReward" validate:"gte=-100,lte=100"`
	SampleCount  int     `json:"sampleCount" validate:"gte=0,lte=1000000"`
	SuccessCount int     `json:"successCount" validate:"gte=0"`
}

// UploadRequest is the POST /upload body.
type UploadRequest struct {
	ProducerID  string                        `json:"producerId" validate:"required,identifier"`
	SubjectType string                        `json:"subjectType" validate:"required,identifier"`
	TacticMap   map[string]TacticStatsPayload `json:"tacticMap" validate:"required,min=1,dive,keys,identifier,endkeys"`
	Bootstrap   bool                          `json:"bootstrap"`
}

// Validate checks shape and bounds, repairing the one recoverable
// inconsistency (SuccessCount > SampleCount) by clamping.
//
// # Outputs
//
//   - []string: human-readable notes for any repairs applied.
//   - error: non-nil if the request must be rejected.
func (r *UploadRequest) Validate() ([]string, error) {
	if err := federationValidate.Struct(r); err != nil {
		return nil, formatValidationError(err)
	}

	var repairs []string
	for action, stats := range r.TacticMap {
		if stats.SuccessCount > stats.SampleCount {
			repairs = append(repairs, fmt.Sprintf(
				"%s: successCount %d clamped to sampleCount %d",
				action, stats.SuccessCount, stats.SampleCount))
			stats.SuccessCount = stats.SampleCount
			r.TacticMap[action] = stats
		}
	}
	return repairs, nil
}

// ToTacticMap converts the wire payload into the federation type.
func (r *UploadRequest) ToTacticMap() federation.TacticMap {
	out := make(federation.TacticMap, len(r.TacticMap))
	for action, stats := range r.TacticMap {
		out[action] = federation.TacticStats{
			AvgReward:    stats.AvgReward,
			SampleCount:  stats.SampleCount,
			SuccessCount: stats.SuccessCount,
		}
	}
	return out
}

// UploadResponse acknowledges an accepted contribution.
type UploadResponse struct {
	Round            int `json:"round"`
	ContributorCount int `json:"contributorCount"`
}

// =============================================================================
// Heartbeat
// =============================================================================

// HeartbeatRequest is the POST /heartbeat body.
type HeartbeatRequest struct {
	ProducerID     string   `json:"producerId" validate:"required,identifier"`
	ActiveSubjects []string `json:"activeSubjects" validate:"omitempty,dive,identifier"`
}

// Validate checks shape and bounds.
func (r *HeartbeatRequest) Validate() error {
	if err := federationValidate.Struct(r); err != nil {
		return formatValidationError(err)
	}
	return nil
}

// HeartbeatResponse tells the producer which round is open.
type HeartbeatResponse struct {
	Round int `json:"round"`
}

// =============================================================================
// Episodes
// =============================================================================

// EpisodeRequest is the POST /episodes body: one complete multi-step
// encounter summary.
type EpisodeRequest struct {
	SubjectType       string         `json:"subjectType" validate:"required,identifier"`
	TacticUsageCounts map[string]int `json:"tacticUsageCounts" validate:"required,min=1,dive,keys,identifier,endkeys,gt=0"`
	EpisodeReward     float64        `json:"episodeReward"`
	Succeeded         bool           `json:"succeeded"`
	SampleCount       int            `json:"sampleCount" validate:"required,gt=0"`
}

// Validate checks shape and bounds.
func (r *EpisodeRequest) Validate() error {
	if err := federationValidate.Struct(r); err != nil {
		return formatValidationError(err)
	}
	return nil
}

// EpisodeResponse acknowledges a folded episode.
type EpisodeResponse struct {
	EpisodeNumber int64 `json:"episodeNumber"`
}

// =============================================================================
// Replay
// =============================================================================

// ExperienceSamplePayload is the wire form of one state transition.
type ExperienceSamplePayload struct {
	State     []float64 `json:"state" validate:"required,min=1"`
	Action    string    `json:"action" validate:"required,identifier"`
	Reward    float64   `json:"reward"`
	NextState []float64 `json:"nextState" validate:"omitempty"`
	Terminal  bool      `json:"terminal"`
}

// ReplayAddRequest is the POST /replay body.
type ReplayAddRequest struct {
	SubjectType string                    `json:"subjectType" validate:"required,identifier"`
	Samples     []ExperienceSamplePayload `json:"samples" validate:"required,min=1,dive"`
}

// Validate checks shape and bounds.
func (r *ReplayAddRequest) Validate() error {
	if err := federationValidate.Struct(r); err != nil {
		return formatValidationError(err)
	}
	return nil
}

// ToSamples converts the wire payload into federation samples. InsertedAt is
// stamped by the replay pool on entry.
func (r *ReplayAddRequest) ToSamples() []federation.ExperienceSample {
	out := make([]federation.ExperienceSample, len(r.Samples))
	for i, s := range r.Samples {
		out[i] = federation.ExperienceSample{
			State:     s.State,
			Action:    s.Action,
			Reward:    s.Reward,
			NextState: s.NextState,
			Terminal:  s.Terminal,
		}
	}
	return out
}

// ReplayAddResponse reports the pool size after the add.
type ReplayAddResponse struct {
	SubjectType string `json:"subjectType"`
	PoolSize    int    `json:"poolSize"`
}

// ReplaySampleResponse is the GET /replay body.
type ReplaySampleResponse struct {
	SubjectType string                        `json:"subjectType"`
	Samples     []federation.ExperienceSample `json:"samples"`
}

// =============================================================================
// Versions
// =============================================================================

// RollbackResponse acknowledges a completed rollback.
type RollbackResponse struct {
	RolledBackTo int       `json:"rolledBackTo"`
	NewVersion   int       `json:"newVersion"`
	Timestamp    time.Time `json:"timestamp"`
}

// =============================================================================
// Errors
// =============================================================================

// ErrorResponse is the uniform error body. Error carries the taxonomy name
// (ValidationError, DuplicateSubmission, NotReady, NotFound,
// AggregationFailure); the optional fields carry recovery hints.
type ErrorResponse struct {
	Error         string   `json:"error"`
	Details       string   `json:"details,omitempty"`
	NextRound     int      `json:"nextRound,omitempty"`
	KnownSubjects []string `json:"knownSubjects,omitempty"`
}

// formatValidationError flattens validator.ValidationErrors into one
// client-readable message.
func formatValidationError(err error) error {
	verrs, ok := err.(validator.ValidationErrors)
	if !ok {
		return err
	}
	parts := make([]string, 0, len(verrs))
	for _, fe := range verrs {
		parts = append(parts, fmt.Sprintf("%s failed %q", fe.Namespace(), fe.Tag()))
	}
	return fmt.Errorf("%s", strings.Join(parts, "; "))
}
