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
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// TestFold_SuccessEMA checks the fold by hand: alpha=0.05, success sign +1,
// usage {flank:3, ambush:1} gives shares 0.75/0.25, so from zero weights
// flank = 0.75*1*0.05 = 0.0375 and ambush = 0.0125.
func TestFold_SuccessEMA(t *testing.T) {
	w := NewWeightAggregator(WeightConfig{})

	state, err := w.Fold("goblin", map[string]int{"flank": 3, "ambush": 1}, true)
	require.NoError(t, err)

	assert.InDelta(t, 0.0375, state.Weights["flank"], 1e-9)
	assert.InDelta(t, 0.0125, state.Weights["ambush"], 1e-9)
	assert.Equal(t, 1, state.Episodes)
}

// TestFold_FailurePenalty verifies the asymmetric failure sign pulls an
// established weight down: 0.0375*0.95 + 1.0*(-0.5)*0.05 = 0.010625.
func TestFold_FailurePenalty(t *testing.T) {
	w := NewWeightAggregator(WeightConfig{})

	_, err := w.Fold("goblin", map[string]int{"flank": 3, "ambush": 1}, true)
	require.NoError(t, err)

	state, err := w.Fold("goblin", map[string]int{"flank": 4}, false)
	require.NoError(t, err)

	assert.InDelta(t, 0.010625, state.Weights["flank"], 1e-9)
	// Unused actions are not decayed by an episode that never invoked them.
	assert.InDelta(t, 0.0125, state.Weights["ambush"], 1e-9)
	assert.Equal(t, 2, state.Episodes)
}

func TestFold_Validation(t *testing.T) {
	w := NewWeightAggregator(WeightConfig{})

	var verr *ValidationError

	_, err := w.Fold("goblin", map[string]int{}, true)
	require.Error(t, err)
	assert.True(t, errors.As(err, &verr))

	_, err = w.Fold("goblin", map[string]int{"flank": 0}, true)
	require.Error(t, err)
	assert.True(t, errors.As(err, &verr))
}

func TestWeights_ReturnsCopies(t *testing.T) {
	w := NewWeightAggregator(WeightConfig{})
	_, err := w.Fold("goblin", map[string]int{"flank": 1}, true)
	require.NoError(t, err)

	table, ok := w.Weights("goblin")
	require.True(t, ok)
	table["flank"] = 99

	again, _ := w.Weights("goblin")
	assert.InDelta(t, 0.05, again["flank"], 1e-9)

	_, ok = w.Weights("dragon")
	assert.False(t, ok)
}

func TestRank_SoftmaxDistribution(t *testing.T) {
	w := NewWeightAggregator(WeightConfig{})
	w.Load("goblin", SubjectWeightState{
		Weights:  map[string]float64{"flank": 0.4, "ambush": 0.1, "retreat": -0.2},
		Episodes: 10,
	})

	ranked, err := w.Rank("goblin", 1.0)
	require.NoError(t, err)

	sum := 0.0
	for _, p := range ranked {
		sum += p
	}
	assert.InDelta(t, 1.0, sum, 1e-9)
	assert.Greater(t, ranked["flank"], ranked["ambush"])
	assert.Greater(t, ranked["ambush"], ranked["retreat"])

	// Higher temperature flattens toward uniform.
	flat, err := w.Rank("goblin", 10.0)
	require.NoError(t, err)
	assert.Less(t, flat["flank"]-flat["retreat"], ranked["flank"]-ranked["retreat"])
}

func TestRank_UnknownSubject(t *testing.T) {
	w := NewWeightAggregator(WeightConfig{})
	w.Load("goblin", SubjectWeightState{Weights: map[string]float64{"flank": 0.1}})

	_, err := w.Rank("dragon", 1.0)
	var nf *NotFoundError
	require.True(t, errors.As(err, &nf))
	assert.Equal(t, []string{"goblin"}, nf.Known)
}

func TestEpisodesSeen(t *testing.T) {
	w := NewWeightAggregator(WeightConfig{})

	_, err := w.Fold("goblin", map[string]int{"flank": 1}, true)
	require.NoError(t, err)
	_, err = w.Fold("dragon", map[string]int{"dodge": 2}, false)
	require.NoError(t, err)

	assert.Equal(t, 2, w.EpisodesSeen())
	assert.Equal(t, []string{"dragon", "goblin"}, w.Subjects())
}
