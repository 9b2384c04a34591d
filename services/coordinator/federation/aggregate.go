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
	"errors"
	"fmt"
	"math"
)

// =============================================================================
// Strategies
// =============================================================================

// Strategy selects how contributed tactic maps merge into the global model.
type Strategy string

const (
	// StrategyFedAvg is the plain weighted mean:
	// newAvg = Σ(avg_i · n_i · w_i) / Σ(n_i · w_i), counts weight-scaled.
	StrategyFedAvg Strategy = "fedavg"

	// StrategyFedAvgM is the momentum-damped weighted mean. It computes the
	// FedAvg mean first, then folds it toward the current model value:
	// m = β·m + (1−β)·(incoming − current); newAvg = current + η·m.
	// Use when round samples are individually small and noisy: a single
	// spammy contributor cannot swing the shared policy in one round.
	StrategyFedAvgM Strategy = "fedavgm"
)

// =============================================================================
// Configuration
// =============================================================================

// EngineConfig holds the aggregation engine tuning parameters.
//
// # Fields
//
//   - Strategy: FedAvg or FedAvgM. Default: FedAvgM.
//   - Beta: momentum decay for FedAvgM. Default: 0.9.
//   - Eta: server learning rate for FedAvgM. Default: 0.01.
//   - SignificanceThreshold: relative per-action change that marks a merge
//     as significant (snapshot-worthy). Default: 0.05.
//   - Epsilon: denominator floor for the significance ratio. Default: 0.001.
type EngineConfig struct {
	Strategy              Strategy `yaml:"strategy"`
	Beta                  float64  `yaml:"beta"`
	Eta                   float64  `yaml:"eta"`
	SignificanceThreshold float64  `yaml:"significanceThreshold"`
	Epsilon               float64  `yaml:"epsilon"`
}

// DefaultEngineConfig returns the production defaults (momentum strategy).
func DefaultEngineConfig() EngineConfig {
	return EngineConfig{
		Strategy:              StrategyFedAvgM,
		Beta:                  0.9,
		Eta:                   0.01,
		SignificanceThreshold: 0.05,
		Epsilon:               0.001,
	}
}

// =============================================================================
// Engine
// =============================================================================

// WeightedContribution pairs one contributor's tactic map with the static
// importance weight of its subject type. The weight normalizes signal so a
// numerically dominant but low-signal subject cannot drown rarer ones.
type WeightedContribution struct {
	Tactics TacticMap
	Weight  float64
}

// MergeResult is the output of one per-subject merge.
type MergeResult struct {
	// Tactics is the merged tactic map, including untouched carry-over
	// actions from the current model.
	Tactics TacticMap

	// Momentum is the updated per-action momentum state. Under FedAvg it is
	// the input momentum unchanged.
	Momentum map[string]float64
}

// Engine merges contributed tactic maps. Merge is a pure function of its
// inputs; the engine itself holds only configuration and is safe for
// concurrent use.
type Engine struct {
	cfg EngineConfig
}

// NewEngine creates an aggregation engine, applying defaults for zero-valued
// fields and rejecting out-of-range parameters.
func NewEngine(cfg EngineConfig) (*Engine, error) {
	if cfg.Strategy == "" {
		cfg.Strategy = DefaultEngineConfig().Strategy
	}
	if cfg.Beta == 0 {
		cfg.Beta = DefaultEngineConfig().Beta
	}
	if cfg.Eta == 0 {
		cfg.Eta = DefaultEngineConfig().Eta
	}
	if cfg.SignificanceThreshold == 0 {
		cfg.SignificanceThreshold = DefaultEngineConfig().SignificanceThreshold
	}
	if cfg.Epsilon == 0 {
		cfg.Epsilon = DefaultEngineConfig().Epsilon
	}

	if cfg.Strategy != StrategyFedAvg && cfg.Strategy != StrategyFedAvgM {
		return nil, fmt.Errorf("unknown aggregation strategy: %q", cfg.Strategy)
	}
	if cfg.Beta < 0 || cfg.Beta >= 1 {
		return nil, fmt.Errorf("beta must be in [0,1): %v", cfg.Beta)
	}
	if cfg.Eta <= 0 {
		return nil, fmt.Errorf("eta must be positive: %v", cfg.Eta)
	}

	return &Engine{cfg: cfg}, nil
}

// Strategy returns the configured strategy.
func (e *Engine) Strategy() Strategy {
	return e.cfg.Strategy
}

// Merge combines the round's contributions for one subject type with the
// current model slice for that subject.
//
// # Description
//
// For every action present in any contribution, the plain weighted mean is
// computed: Σ(avg_i·n_i·w_i) / Σ(n_i·w_i); SampleCount and SuccessCount are
// weight-scaled sums (rounded). Under FedAvgM the mean is then damped toward
// the current value via the momentum accumulator, and counts accumulate onto
// the current model's counts instead of replacing them. Actions present in
// the current model but absent from every contribution carry over unchanged.
//
// # Inputs
//
//   - contribs: the round's contributions for one subject. Must be non-empty
//     with positive weights.
//   - current: the current model slice for the subject. May be nil (first
//     aggregation or new subject).
//   - momentum: the subject's momentum state. May be nil.
//
// # Outputs
//
//   - MergeResult: merged tactics plus updated momentum. Inputs are never
//     mutated.
//   - error: non-nil on empty input or non-positive weight.
func (e *Engine) Merge(contribs []WeightedContribution, current TacticMap, momentum map[string]float64) (MergeResult, error) {
	if len(contribs) == 0 {
		return MergeResult{}, errors.New("no contributions to merge")
	}
	for i, c := range contribs {
		if c.Weight <= 0 {
			return MergeResult{}, fmt.Errorf("contribution %d has non-positive weight %v", i, c.Weight)
		}
	}

	incoming := weightedMean(contribs)

	merged := current.Clone()
	if merged == nil {
		merged = make(TacticMap, len(incoming))
	}
	nextMomentum := cloneMomentum(momentum)

	for action, in := range incoming {
		cur, exists := merged[action]
		if !exists || e.cfg.Strategy == StrategyFedAvg {
			// Plain replacement. New actions adopt the incoming mean
			// directly under both strategies; there is no current value to
			// damp toward.
			merged[action] = in
			continue
		}

		delta := in.AvgReward - cur.AvgReward
		m := e.cfg.Beta*nextMomentum[action] + (1-e.cfg.Beta)*delta
		nextMomentum[action] = m

		merged[action] = TacticStats{
			AvgReward:    cur.AvgReward + e.cfg.Eta*m,
			SampleCount:  cur.SampleCount + in.SampleCount,
			SuccessCount: cur.SuccessCount + in.SuccessCount,
		}
	}

	return MergeResult{Tactics: merged, Momentum: nextMomentum}, nil
}

// Significant reports whether the change from old to new crosses the
// configured relative threshold for any action. A brand-new action, or a
// nil/empty old map (first aggregation), is always significant.
func (e *Engine) Significant(old, updated TacticMap) bool {
	if len(old) == 0 {
		return true
	}
	for action, stats := range updated {
		prev, exists := old[action]
		if !exists {
			return true
		}
		denom := math.Max(math.Abs(prev.AvgReward), e.cfg.Epsilon)
		if math.Abs(stats.AvgReward-prev.AvgReward)/denom > e.cfg.SignificanceThreshold {
			return true
		}
	}
	return false
}

// =============================================================================
// Internals
// =============================================================================

// weightedMean computes the plain FedAvg merge across all contributions.
// Actions whose weighted sample mass is zero are dropped: a zero-count
// contribution carries no signal to average.
func weightedMean(contribs []WeightedContribution) TacticMap {
	type acc struct {
		num       float64
		den       float64
		samples   float64
		successes float64
	}

	accs := make(map[string]*acc)
	for _, c := range contribs {
		for action, stats := range c.Tactics {
			a, ok := accs[action]
			if !ok {
				a = &acc{}
				accs[action] = a
			}
			mass := float64(stats.SampleCount) * c.Weight
			a.num += stats.AvgReward * mass
			a.den += mass
			a.samples += mass
			a.successes += float64(stats.SuccessCount) * c.Weight
		}
	}

	out := make(TacticMap, len(accs))
	for action, a := range accs {
		if a.den == 0 {
			continue
		}
		out[action] = TacticStats{
			AvgReward:    a.num / a.den,
			SampleCount:  int(math.Round(a.samples)),
			SuccessCount: int(math.Round(a.successes)),
		}
	}
	return out
}

func cloneMomentum(m map[string]float64) map[string]float64 {
	out := make(map[string]float64, len(m))
	for k, v := range m {
		out[k] = v
	}
	return out
}
