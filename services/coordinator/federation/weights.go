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
	"math"
	"sort"
	"sync"
)

// =============================================================================
// Tactical Weight Aggregator
// =============================================================================

// WeightConfig holds the EMA fold parameters for episode-level learning.
//
// Per-action "single event" signal is too sparse to ever become visible at
// round cadence (1-3 raw events per round yields imperceptible learning for
// weeks). Episode summaries carry 50-200 underlying samples each, so the
// fold converges in hours instead.
type WeightConfig struct {
	// Alpha is the EMA learning rate. Default: 0.05.
	Alpha float64 `yaml:"alpha"`

	// SuccessSign is the outcome multiplier for successful episodes.
	// Default: +1.0.
	SuccessSign float64 `yaml:"successSign"`

	// FailureSign is the outcome multiplier for failed episodes. The
	// asymmetric penalty discourages unreliable tactics faster than it
	// rewards marginal wins. Default: -0.5.
	FailureSign float64 `yaml:"failureSign"`
}

// DefaultWeightConfig returns the production fold parameters.
func DefaultWeightConfig() WeightConfig {
	return WeightConfig{
		Alpha:       0.05,
		SuccessSign: 1.0,
		FailureSign: -0.5,
	}
}

// SubjectWeightState is the persisted form of one subject's weight table.
type SubjectWeightState struct {
	Weights  map[string]float64 `json:"weights"`
	Episodes int                `json:"episodes"`
}

// WeightAggregator folds episode summaries into per-subject action
// preference weights via exponential moving average. Its lifecycle is
// independent of rounds: weights are never reset on round close.
//
// # Thread Safety
//
// Safe for concurrent use. Reads copy; the internal maps never escape.
type WeightAggregator struct {
	mu       sync.RWMutex
	cfg      WeightConfig
	weights  map[string]map[string]float64
	episodes map[string]int
}

// NewWeightAggregator creates an aggregator with defaults applied for
// zero-valued config fields.
func NewWeightAggregator(cfg WeightConfig) *WeightAggregator {
	def := DefaultWeightConfig()
	if cfg.Alpha == 0 {
		cfg.Alpha = def.Alpha
	}
	if cfg.SuccessSign == 0 {
		cfg.SuccessSign = def.SuccessSign
	}
	if cfg.FailureSign == 0 {
		cfg.FailureSign = def.FailureSign
	}

	return &WeightAggregator{
		cfg:      cfg,
		weights:  make(map[string]map[string]float64),
		episodes: make(map[string]int),
	}
}

// Fold applies one episode summary to the subject's weight table.
//
// # Description
//
// For each action: weight = weight·(1−α) + share·sign·α, where share is the
// fraction of the episode's tactic invocations attributed to the action and
// sign is SuccessSign or FailureSign by episode outcome.
//
// # Inputs
//
//   - subject: subject type the episode was fought against.
//   - usage: action -> invocation count within the episode. Must be
//     non-empty with positive counts.
//   - succeeded: episode outcome.
//
// # Outputs
//
//   - SubjectWeightState: a copy of the updated table, for write-through
//     persistence by the caller.
//   - error: *ValidationError on empty or non-positive usage.
func (w *WeightAggregator) Fold(subject string, usage map[string]int, succeeded bool) (SubjectWeightState, error) {
	total := 0
	for action, count := range usage {
		if count <= 0 {
			return SubjectWeightState{}, &ValidationError{
				Field:  "tacticUsageCounts." + action,
				Reason: "invocation count must be positive",
			}
		}
		total += count
	}
	if total == 0 {
		return SubjectWeightState{}, &ValidationError{
			Field:  "tacticUsageCounts",
			Reason: "at least one tactic invocation is required",
		}
	}

	sign := w.cfg.SuccessSign
	if !succeeded {
		sign = w.cfg.FailureSign
	}

	w.mu.Lock()
	defer w.mu.Unlock()

	table, ok := w.weights[subject]
	if !ok {
		table = make(map[string]float64)
		w.weights[subject] = table
	}

	for action, count := range usage {
		share := float64(count) / float64(total)
		table[action] = table[action]*(1-w.cfg.Alpha) + share*sign*w.cfg.Alpha
	}
	w.episodes[subject]++

	return SubjectWeightState{
		Weights:  copyWeights(table),
		Episodes: w.episodes[subject],
	}, nil
}

// Weights returns a copy of the subject's weight table, or false if the
// subject has never been seen.
func (w *WeightAggregator) Weights(subject string) (map[string]float64, bool) {
	w.mu.RLock()
	defer w.mu.RUnlock()

	table, ok := w.weights[subject]
	if !ok {
		return nil, false
	}
	return copyWeights(table), true
}

// All returns a copy of every subject's weight table.
func (w *WeightAggregator) All() map[string]map[string]float64 {
	w.mu.RLock()
	defer w.mu.RUnlock()

	out := make(map[string]map[string]float64, len(w.weights))
	for subject, table := range w.weights {
		out[subject] = copyWeights(table)
	}
	return out
}

// Subjects returns the known subject types, sorted.
func (w *WeightAggregator) Subjects() []string {
	w.mu.RLock()
	defer w.mu.RUnlock()

	subjects := make([]string, 0, len(w.weights))
	for s := range w.weights {
		subjects = append(subjects, s)
	}
	sort.Strings(subjects)
	return subjects
}

// Rank returns a softmax preference distribution over the subject's actions.
//
// # Description
//
// Converts raw EMA weights into a ready-to-sample probability ranking:
// p(a) = exp(w_a/T) / Σ exp(w_i/T). Higher temperature flattens the
// distribution toward uniform exploration.
//
// # Inputs
//
//   - subject: subject type to rank.
//   - temperature: softmax temperature. Values <= 0 default to 1.0.
//
// # Outputs
//
//   - map action -> probability, summing to 1.
//   - error: *NotFoundError for an unknown subject.
func (w *WeightAggregator) Rank(subject string, temperature float64) (map[string]float64, error) {
	if temperature <= 0 {
		temperature = 1.0
	}

	table, ok := w.Weights(subject)
	if !ok {
		return nil, &NotFoundError{Kind: "subject", Key: subject, Known: w.Subjects()}
	}

	// Subtract the max weight before exponentiating for numeric stability.
	maxW := math.Inf(-1)
	for _, v := range table {
		if v > maxW {
			maxW = v
		}
	}

	var sum float64
	ranked := make(map[string]float64, len(table))
	for action, v := range table {
		p := math.Exp((v - maxW) / temperature)
		ranked[action] = p
		sum += p
	}
	for action := range ranked {
		ranked[action] /= sum
	}
	return ranked, nil
}

// EpisodesSeen returns the total episodes folded across all subjects.
func (w *WeightAggregator) EpisodesSeen() int {
	w.mu.RLock()
	defer w.mu.RUnlock()

	total := 0
	for _, n := range w.episodes {
		total += n
	}
	return total
}

// Load installs a persisted weight table for one subject, replacing any
// in-memory state. Used at coordinator startup for rehydration.
func (w *WeightAggregator) Load(subject string, state SubjectWeightState) {
	w.mu.Lock()
	defer w.mu.Unlock()

	w.weights[subject] = copyWeights(state.Weights)
	w.episodes[subject] = state.Episodes
}

func copyWeights(table map[string]float64) map[string]float64 {
	out := make(map[string]float64, len(table))
	for k, v := range table {
		out[k] = v
	}
	return out
}
