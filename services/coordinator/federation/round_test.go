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
	"context"
	"errors"
	"io"
	"log/slog"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/AleutianAI/TacticMesh/services/coordinator/storage"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func newTestCoordinator(t *testing.T, store storage.Store) *Coordinator {
	t.Helper()
	if store == nil {
		store = storage.NewMemoryStore()
	}
	c, err := NewCoordinator(CoordinatorConfig{
		ContributorThreshold: 3,
		SweepInterval:        -1, // tests drive the sweep directly
		Engine:               EngineConfig{Strategy: StrategyFedAvg},
	}, store, NopRecorder{}, testLogger(), nil)
	require.NoError(t, err)
	return c
}

func contribute(t *testing.T, c *Coordinator, producer, subject string, avg float64, n, succ int) RoundStatus {
	t.Helper()
	status, err := c.RecordContribution(context.Background(), producer, subject,
		TacticMap{"flank": {AvgReward: avg, SampleCount: n, SuccessCount: succ}}, false)
	require.NoError(t, err)
	return status
}

// TestCoordinator_ThresholdTrigger walks the canonical scenario: three
// contributions (5.0, n=10), (7.0, n=5), (3.0, n=5) close the round, and the
// resulting model averages to exactly 5.0 with 20 samples.
func TestCoordinator_ThresholdTrigger(t *testing.T) {
	c := newTestCoordinator(t, nil)

	s1 := contribute(t, c, "producer-a", "goblin", 5.0, 10, 6)
	assert.Equal(t, 1, s1.Round)
	assert.Equal(t, 1, s1.ContributorCount)

	contribute(t, c, "producer-b", "goblin", 7.0, 5, 4)

	_, err := c.GlobalModel("")
	assert.ErrorIs(t, err, ErrNotReady)

	s3 := contribute(t, c, "producer-c", "goblin", 3.0, 5, 1)
	assert.Equal(t, 1, s3.Round)
	assert.Equal(t, 3, s3.ContributorCount)

	model, err := c.GlobalModel("")
	require.NoError(t, err)
	assert.Equal(t, 1, model.Round)
	assert.Equal(t, 3, model.ContributorCount)
	assert.Equal(t, SchemaVersion, model.SchemaVersion)
	assert.InDelta(t, 5.0, model.TacticsBySubject["goblin"]["flank"].AvgReward, 1e-9)
	assert.Equal(t, 20, model.TacticsBySubject["goblin"]["flank"].SampleCount)

	// The next round is open and empty.
	status := c.Status()
	assert.Equal(t, 2, status.Round)
	assert.Equal(t, 0, status.ContributorCount)
	assert.True(t, status.HasGlobalModel)

	// First aggregation is always significant: version 1 exists.
	snap, err := c.Version(1)
	require.NoError(t, err)
	assert.Equal(t, 1, snap.Model.Round)
}

func TestCoordinator_DuplicateSubmission(t *testing.T) {
	c := newTestCoordinator(t, nil)

	contribute(t, c, "producer-a", "goblin", 5.0, 10, 6)

	_, err := c.RecordContribution(context.Background(), "producer-a", "goblin",
		TacticMap{"flank": {AvgReward: 6.0, SampleCount: 1}}, false)
	var dup *DuplicateSubmissionError
	require.True(t, errors.As(err, &dup))
	assert.Equal(t, 1, dup.Round)

	// Same producer, different subject is a different contributor key.
	status, err := c.RecordContribution(context.Background(), "producer-a", "dragon",
		TacticMap{"dodge": {AvgReward: 2.0, SampleCount: 4}}, false)
	require.NoError(t, err)
	assert.Equal(t, 2, status.ContributorCount)
}

func TestCoordinator_DuplicateResetsAcrossRounds(t *testing.T) {
	c := newTestCoordinator(t, nil)

	contribute(t, c, "producer-a", "goblin", 5.0, 10, 6)
	contribute(t, c, "producer-b", "goblin", 7.0, 5, 4)
	contribute(t, c, "producer-c", "goblin", 3.0, 5, 1)

	// Round 2 is a fresh dedup scope.
	status := contribute(t, c, "producer-a", "goblin", 6.0, 8, 5)
	assert.Equal(t, 2, status.Round)
	assert.Equal(t, 1, status.ContributorCount)
}

// TestCoordinator_BootstrapExemption covers the one allowed dedup bypass:
// a key's first-ever bootstrap lands even over an existing contribution, and
// any later bootstrap is treated as a normal duplicate.
func TestCoordinator_BootstrapExemption(t *testing.T) {
	c := newTestCoordinator(t, nil)

	contribute(t, c, "producer-a", "goblin", 5.0, 10, 6)

	status, err := c.RecordContribution(context.Background(), "producer-a", "goblin",
		TacticMap{"flank": {AvgReward: 1.0, SampleCount: 2}}, true)
	require.NoError(t, err)
	// The bootstrap replaced the earlier contribution, not added to it.
	assert.Equal(t, 1, status.ContributorCount)

	_, err = c.RecordContribution(context.Background(), "producer-a", "goblin",
		TacticMap{"flank": {AvgReward: 2.0, SampleCount: 2}}, true)
	var dup *DuplicateSubmissionError
	require.True(t, errors.As(err, &dup))
	assert.Equal(t, 1, dup.Round)
}

func TestCoordinator_CeilingTrigger(t *testing.T) {
	c := newTestCoordinator(t, nil)

	contribute(t, c, "producer-a", "goblin", 5.0, 10, 6)

	// Age the round past the ceiling and run one sweep tick.
	c.mu.Lock()
	c.round.OpenedAt = time.Now().Add(-11 * time.Minute)
	c.mu.Unlock()
	c.sweepOnce()

	model, err := c.GlobalModel("")
	require.NoError(t, err)
	assert.Equal(t, 1, model.ContributorCount)
	assert.Equal(t, 2, c.Status().Round)
}

func TestCoordinator_CeilingNeedsAContribution(t *testing.T) {
	c := newTestCoordinator(t, nil)

	c.mu.Lock()
	c.round.OpenedAt = time.Now().Add(-11 * time.Minute)
	c.mu.Unlock()
	c.sweepOnce()

	// An empty round never closes, no matter how old.
	assert.Equal(t, 1, c.Status().Round)
	_, err := c.GlobalModel("")
	assert.ErrorIs(t, err, ErrNotReady)
}

func TestCoordinator_GlobalModelSubjectFilter(t *testing.T) {
	c := newTestCoordinator(t, nil)

	contribute(t, c, "producer-a", "goblin", 5.0, 10, 6)
	contribute(t, c, "producer-b", "dragon", 7.0, 5, 4)
	contribute(t, c, "producer-c", "goblin", 3.0, 5, 1)

	slice, err := c.GlobalModel("goblin")
	require.NoError(t, err)
	assert.Len(t, slice.TacticsBySubject, 1)
	assert.Contains(t, slice.TacticsBySubject, "goblin")

	_, err = c.GlobalModel("kraken")
	var nf *NotFoundError
	require.True(t, errors.As(err, &nf))
	assert.Equal(t, []string{"dragon", "goblin"}, nf.Known)
}

func TestCoordinator_Rollback(t *testing.T) {
	c := newTestCoordinator(t, nil)

	// Round 1 -> version 1 at avg 5.0.
	contribute(t, c, "producer-a", "goblin", 5.0, 10, 6)
	contribute(t, c, "producer-b", "goblin", 7.0, 5, 4)
	contribute(t, c, "producer-c", "goblin", 3.0, 5, 1)

	// Round 2 -> version 2 at avg 8.0 (60% shift, significant).
	contribute(t, c, "producer-a", "goblin", 8.0, 10, 9)
	contribute(t, c, "producer-b", "goblin", 8.0, 10, 9)
	contribute(t, c, "producer-c", "goblin", 8.0, 10, 9)

	model, err := c.GlobalModel("")
	require.NoError(t, err)
	assert.InDelta(t, 8.0, model.TacticsBySubject["goblin"]["flank"].AvgReward, 1e-9)

	snap, err := c.Rollback(context.Background(), 1)
	require.NoError(t, err)
	assert.Equal(t, 3, snap.Version)

	restored, err := c.GlobalModel("")
	require.NoError(t, err)
	assert.InDelta(t, 5.0, restored.TacticsBySubject["goblin"]["flank"].AvgReward, 1e-9)
	assert.Equal(t, 20, restored.TacticsBySubject["goblin"]["flank"].SampleCount)

	// Pre-rollback history is intact.
	v2, err := c.Version(2)
	require.NoError(t, err)
	assert.InDelta(t, 8.0, v2.Model.TacticsBySubject["goblin"]["flank"].AvgReward, 1e-9)

	_, err = c.Rollback(context.Background(), 42)
	var nf *NotFoundError
	assert.True(t, errors.As(err, &nf))
}

func TestCoordinator_RecordEpisode(t *testing.T) {
	c := newTestCoordinator(t, nil)

	n, err := c.RecordEpisode(context.Background(), "goblin", map[string]int{"flank": 3}, 12.5, true, 50)
	require.NoError(t, err)
	assert.Equal(t, int64(1), n)

	weights, err := c.TacticalWeights("goblin")
	require.NoError(t, err)
	assert.InDelta(t, 0.05, weights["goblin"]["flank"], 1e-9)

	// Sparse episodes carry no learnable pattern and are rejected.
	_, err = c.RecordEpisode(context.Background(), "goblin", map[string]int{"flank": 1}, 1.0, true, 4)
	var verr *ValidationError
	assert.True(t, errors.As(err, &verr))

	assert.Equal(t, 1, c.Status().EpisodesSeen)
}

func TestCoordinator_HeartbeatAndStatus(t *testing.T) {
	c := newTestCoordinator(t, nil)

	round := c.Heartbeat(context.Background(), "producer-a", []string{"goblin"})
	assert.Equal(t, 1, round)

	status := c.Status()
	assert.Equal(t, 1, status.ActiveProducers)
	assert.Equal(t, 0, status.ContributorCount)
	assert.False(t, status.HasGlobalModel)
}

func TestCoordinator_ReplayRoundTrip(t *testing.T) {
	c := newTestCoordinator(t, nil)

	size, err := c.AddReplaySamples(context.Background(), "goblin", []ExperienceSample{
		{State: []float64{0.1}, Action: "flank", Reward: 1.0},
		{State: []float64{0.2}, Action: "flank", Reward: 2.0},
	})
	require.NoError(t, err)
	assert.Equal(t, 2, size)

	drawn := c.SampleReplay("goblin", 5)
	assert.Len(t, drawn, 2)
}

// TestCoordinator_Rehydration restarts the coordinator on the same store and
// checks that mid-round state, the model, weights, replay, and the bootstrap
// ledger all survive.
func TestCoordinator_Rehydration(t *testing.T) {
	store := storage.NewMemoryStore()
	ctx := context.Background()

	c1 := newTestCoordinator(t, store)
	contribute(t, c1, "producer-a", "goblin", 5.0, 10, 6)
	contribute(t, c1, "producer-b", "goblin", 7.0, 5, 4)
	_, err := c1.RecordEpisode(ctx, "goblin", map[string]int{"flank": 3}, 10.0, true, 50)
	require.NoError(t, err)
	_, err = c1.AddReplaySamples(ctx, "goblin", []ExperienceSample{
		{State: []float64{0.1}, Action: "flank", Reward: 1.0},
	})
	require.NoError(t, err)
	_, err = c1.RecordContribution(ctx, "producer-c", "goblin",
		TacticMap{"flank": {AvgReward: 1.0, SampleCount: 1, SuccessCount: 1}}, true)
	require.NoError(t, err)

	// Round 1 closed at the threshold; round 2 is open and empty.
	c2 := newTestCoordinator(t, store)

	status := c2.Status()
	assert.Equal(t, 2, status.Round)
	assert.Equal(t, 0, status.ContributorCount)
	assert.Equal(t, 1, status.EpisodesSeen)

	model, err := c2.GlobalModel("")
	require.NoError(t, err)
	assert.Equal(t, 1, model.Round)
	assert.Equal(t, 3, model.ContributorCount)

	weights, err := c2.TacticalWeights("goblin")
	require.NoError(t, err)
	assert.InDelta(t, 0.05, weights["goblin"]["flank"], 1e-9)

	assert.Len(t, c2.SampleReplay("goblin", 10), 1)

	// producer-c's bootstrap credit was spent before the restart.
	_, err = c2.RecordContribution(ctx, "producer-c", "goblin",
		TacticMap{"flank": {AvgReward: 2.0, SampleCount: 1}}, true)
	require.NoError(t, err) // fresh round, not a duplicate
	_, err = c2.RecordContribution(ctx, "producer-c", "goblin",
		TacticMap{"flank": {AvgReward: 3.0, SampleCount: 1}}, true)
	var dup *DuplicateSubmissionError
	assert.True(t, errors.As(err, &dup))

	// Version numbering resumes past the rehydrated snapshots.
	snap, err := c2.Version(1)
	require.NoError(t, err)
	assert.Equal(t, 1, snap.Model.Round)
}

// failingStore wraps a store and fails writes on demand, to exercise the
// write-through rollback path.
type failingStore struct {
	storage.Store
	failPuts bool
}

func (f *failingStore) Put(ctx context.Context, key string, value []byte) error {
	if f.failPuts {
		return errors.New("disk full")
	}
	return f.Store.Put(ctx, key, value)
}

func TestCoordinator_ContributionRollsBackOnPersistFailure(t *testing.T) {
	fs := &failingStore{Store: storage.NewMemoryStore()}
	c := newTestCoordinator(t, fs)

	fs.failPuts = true
	_, err := c.RecordContribution(context.Background(), "producer-a", "goblin",
		TacticMap{"flank": {AvgReward: 5.0, SampleCount: 10}}, false)
	require.Error(t, err)

	// The failed contribution must not occupy the dedup slot.
	fs.failPuts = false
	status, err := c.RecordContribution(context.Background(), "producer-a", "goblin",
		TacticMap{"flank": {AvgReward: 5.0, SampleCount: 10}}, false)
	require.NoError(t, err)
	assert.Equal(t, 1, status.ContributorCount)
}

func TestCoordinator_SubjectWeightsApply(t *testing.T) {
	store := storage.NewMemoryStore()
	c, err := NewCoordinator(CoordinatorConfig{
		ContributorThreshold: 2,
		SweepInterval:        -1,
		Engine:               EngineConfig{Strategy: StrategyFedAvg},
		SubjectWeights:       map[string]float64{"goblin": 2.0},
	}, store, NopRecorder{}, testLogger(), nil)
	require.NoError(t, err)

	contribute(t, c, "producer-a", "goblin", 4.0, 10, 5)
	contribute(t, c, "producer-b", "goblin", 7.0, 10, 3)

	// Same subject weight on both contributors cancels in the mean but
	// scales the counts: 2.0 * (10 + 10) = 40.
	model, err := c.GlobalModel("")
	require.NoError(t, err)
	assert.InDelta(t, 5.5, model.TacticsBySubject["goblin"]["flank"].AvgReward, 1e-9)
	assert.Equal(t, 40, model.TacticsBySubject["goblin"]["flank"].SampleCount)
}
