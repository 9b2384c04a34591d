// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package federation implements the coordinator core for the TacticMesh
// federated-learning network.
//
// Many independent, intermittently-connected producers submit partial,
// possibly-duplicate tactic observations. This package is the single
// consistency authority over the shared policy they converge on:
//   - Coordinator: round lifecycle, contributor bookkeeping, triggers
//   - Engine: pure merge of contributed tactic maps (FedAvg / FedAvgM)
//   - WeightAggregator: EMA fold of episode signal into action preferences
//   - ReplayPool: bounded shared experience cache with uniform sampling
//   - VersionStore: bounded ring of full-model snapshots with restore
//
// # Thread Safety
//
// The Coordinator serializes all mutations behind a single writer lock
// (one logical writer per shard). Reads are served from atomically
// published copies and never observe mid-aggregation state.
package federation

import (
	"fmt"
	"sort"
	"time"
)

// SchemaVersion tags the persisted GlobalModel format. Version 2 is the
// canonical momentum-capable schema; version 1 payloads (no momentum map)
// are read-compatible and rehydrate with zero momentum state.
const SchemaVersion = 2

// =============================================================================
// Tactic Statistics
// =============================================================================

// TacticStats holds the aggregated reward statistics for one action.
//
// Invariant: SuccessCount <= SampleCount. Producers occasionally violate
// this (counter drift across reconnects); the ingress validator repairs it
// by clamping before the stats ever reach this package.
type TacticStats struct {
	// AvgReward is the mean observed reward for the action.
	AvgReward float64 `json:"avgReward"`

	// SampleCount is the number of underlying observations.
	SampleCount int `json:"sampleCount"`

	// SuccessCount is the number of observations judged successful.
	SuccessCount int `json:"successCount"`
}

// TacticMap maps action id -> aggregated statistics for one subject type.
type TacticMap map[string]TacticStats

// Clone returns a deep copy of the map. A nil map clones to nil.
func (m TacticMap) Clone() TacticMap {
	if m == nil {
		return nil
	}
	out := make(TacticMap, len(m))
	for action, stats := range m {
		out[action] = stats
	}
	return out
}

// Actions returns the action ids in sorted order, for deterministic logs
// and responses.
func (m TacticMap) Actions() []string {
	actions := make([]string, 0, len(m))
	for action := range m {
		actions = append(actions, action)
	}
	sort.Strings(actions)
	return actions
}

// =============================================================================
// Rounds and Contributions
// =============================================================================

// ContributorKey identifies one submission source within a round: a
// (producer, subject) pair. It is the idempotency key for uploads.
type ContributorKey struct {
	ProducerID  string `json:"producerId"`
	SubjectType string `json:"subjectType"`
}

// String renders the key for use as a map key in persisted round state.
func (k ContributorKey) String() string {
	return fmt.Sprintf("%s|%s", k.ProducerID, k.SubjectType)
}

// Contribution is one accepted upload, owned by the round that accepted it.
// Contributions are copied into the aggregation engine at merge time and
// discarded when the round closes.
type Contribution struct {
	SubjectType string    `json:"subjectType"`
	Tactics     TacticMap `json:"tacticMap"`
	SubmittedAt time.Time `json:"submittedAt"`
	Round       int       `json:"roundNumber"`
}

// Round is one discrete aggregation cycle. Exactly one round is open per
// shard at any time; rounds are never reopened.
type Round struct {
	// Number is monotonically increasing, starting at 1.
	Number int `json:"number"`

	// Contributions maps ContributorKey.String() -> accepted contribution.
	Contributions map[string]Contribution `json:"contributions"`

	// OpenedAt is when the round started collecting.
	OpenedAt time.Time `json:"openedAt"`
}

// newRound opens round n with no contributions.
func newRound(n int, now time.Time) *Round {
	return &Round{
		Number:        n,
		Contributions: make(map[string]Contribution),
		OpenedAt:      now,
	}
}

// Subjects returns the distinct subject types contributed so far this round.
func (r *Round) Subjects() []string {
	seen := make(map[string]struct{})
	for _, c := range r.Contributions {
		seen[c.SubjectType] = struct{}{}
	}
	subjects := make([]string, 0, len(seen))
	for s := range seen {
		subjects = append(subjects, s)
	}
	sort.Strings(subjects)
	return subjects
}

// =============================================================================
// Global Model
// =============================================================================

// GlobalModel is the shared policy produced by round aggregation. At most
// one instance is current; it is superseded atomically per aggregation and
// prior instances survive only inside version snapshots.
type GlobalModel struct {
	// Round is the number of the round whose aggregation produced this model.
	Round int `json:"round"`

	// Timestamp is when the aggregation committed.
	Timestamp time.Time `json:"timestamp"`

	// ContributorCount is how many contributions merged into this model.
	ContributorCount int `json:"contributorCount"`

	// SchemaVersion tags the persisted format. See SchemaVersion.
	SchemaVersion int `json:"schemaVersion"`

	// TacticsBySubject holds the merged tactic statistics per subject type.
	TacticsBySubject map[string]TacticMap `json:"tacticsBySubject"`

	// Momentum carries the FedAvgM accumulator per subject and action.
	// Empty under the plain FedAvg strategy and for schema v1 payloads.
	Momentum map[string]map[string]float64 `json:"momentum,omitempty"`
}

// Clone returns a deep copy, so snapshots and published reads never alias
// coordinator-owned state.
func (g *GlobalModel) Clone() *GlobalModel {
	if g == nil {
		return nil
	}
	out := &GlobalModel{
		Round:            g.Round,
		Timestamp:        g.Timestamp,
		ContributorCount: g.ContributorCount,
		SchemaVersion:    g.SchemaVersion,
	}
	if g.TacticsBySubject != nil {
		out.TacticsBySubject = make(map[string]TacticMap, len(g.TacticsBySubject))
		for subject, tactics := range g.TacticsBySubject {
			out.TacticsBySubject[subject] = tactics.Clone()
		}
	}
	if g.Momentum != nil {
		out.Momentum = make(map[string]map[string]float64, len(g.Momentum))
		for subject, m := range g.Momentum {
			inner := make(map[string]float64, len(m))
			for action, v := range m {
				inner[action] = v
			}
			out.Momentum[subject] = inner
		}
	}
	return out
}

// Subjects returns the subject types in the model, sorted.
func (g *GlobalModel) Subjects() []string {
	subjects := make([]string, 0, len(g.TacticsBySubject))
	for s := range g.TacticsBySubject {
		subjects = append(subjects, s)
	}
	sort.Strings(subjects)
	return subjects
}

// =============================================================================
// Experience Samples
// =============================================================================

// ExperienceSample is one raw state transition shared into the replay pool
// for cross-producer local retraining.
type ExperienceSample struct {
	State      []float64 `json:"state"`
	Action     string    `json:"action"`
	Reward     float64   `json:"reward"`
	NextState  []float64 `json:"nextState"`
	Terminal   bool      `json:"terminal"`
	InsertedAt time.Time `json:"insertedAt"`
}

// =============================================================================
// Version Snapshots
// =============================================================================

// VersionSnapshot is one retained full copy of the global model.
type VersionSnapshot struct {
	Version   int         `json:"version"`
	Timestamp time.Time   `json:"timestamp"`
	Model     GlobalModel `json:"model"`
}
