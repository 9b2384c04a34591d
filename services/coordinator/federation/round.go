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
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/AleutianAI/TacticMesh/services/coordinator/observability"
	"github.com/AleutianAI/TacticMesh/services/coordinator/storage"
)

// =============================================================================
// Round States and Triggers
// =============================================================================

// RoundState names the coordinator's lifecycle state.
type RoundState string

const (
	// StateCollecting accepts contributions.
	StateCollecting RoundState = "COLLECTING"

	// StateAggregating is transient and non-reentrant: a close in progress
	// must finish before any other write is accepted.
	StateAggregating RoundState = "AGGREGATING"
)

// Round close triggers, used for logs and metrics labels.
const (
	// TriggerContributors closes a round whose contributor count reached
	// the configured threshold.
	TriggerContributors = "contributors"

	// TriggerCeiling closes a round whose wall-clock age exceeded the
	// configured ceiling with at least one contribution.
	TriggerCeiling = "ceiling"
)

// =============================================================================
// Durable-Store Key Layout
// =============================================================================

const (
	keyRoundCurrent       = "round:current"
	keyRoundContributions = "round:contributions"
	keyModelGlobal        = "model:global"
	keyModelVersionPrefix = "model:version:"
	keyWeightsPrefix      = "weights:"
	keyReplayPrefix       = "replay:"
	keyHeartbeatPrefix    = "heartbeat:"
	keyEpisodeCounter     = "episode:counter"
)

// =============================================================================
// Configuration
// =============================================================================

// CoordinatorConfig holds the round-lifecycle tuning parameters.
//
// # Required Fields
//
// None - all fields have sensible defaults.
type CoordinatorConfig struct {
	// ContributorThreshold closes the round when this many contributions
	// have been accepted. Default: 3.
	ContributorThreshold int `yaml:"contributorThreshold"`

	// RoundCeiling closes the round when this much wall-clock time has
	// passed since it opened and at least one contribution exists.
	// Default: 10 minutes.
	RoundCeiling time.Duration `yaml:"roundCeiling"`

	// SweepInterval is how often the background sweep checks the ceiling,
	// so round finality does not depend on further upload traffic.
	// Default: 30 seconds. Set negative to disable.
	SweepInterval time.Duration `yaml:"sweepInterval"`

	// Engine configures the aggregation strategy.
	Engine EngineConfig `yaml:"engine"`

	// Weights configures the tactical weight EMA fold.
	Weights WeightConfig `yaml:"weights"`

	// Replay bounds the shared experience pool.
	Replay PoolConfig `yaml:"replay"`

	// VersionRetention is the snapshot ring depth. Default: 10.
	VersionRetention int `yaml:"versionRetention"`

	// SubjectWeights is the static importance per subject type, e.g.
	// proportional to field occurrence frequency. Missing subjects
	// default to 1.0.
	SubjectWeights map[string]float64 `yaml:"subjectWeights"`

	// MinEpisodeSamples rejects episode summaries with fewer underlying
	// samples; sparse episodes carry no learnable pattern. Default: 5.
	MinEpisodeSamples int `yaml:"minEpisodeSamples"`

	// HeartbeatWindow is how recently a producer must have heartbeated to
	// count as active in status reports. Default: 5 minutes.
	HeartbeatWindow time.Duration `yaml:"heartbeatWindow"`
}

func applyCoordinatorDefaults(cfg CoordinatorConfig) CoordinatorConfig {
	if cfg.ContributorThreshold <= 0 {
		cfg.ContributorThreshold = 3
	}
	if cfg.RoundCeiling <= 0 {
		cfg.RoundCeiling = 10 * time.Minute
	}
	if cfg.SweepInterval == 0 {
		cfg.SweepInterval = 30 * time.Second
	}
	if cfg.VersionRetention <= 0 {
		cfg.VersionRetention = DefaultVersionRetention
	}
	if cfg.MinEpisodeSamples <= 0 {
		cfg.MinEpisodeSamples = 5
	}
	if cfg.HeartbeatWindow <= 0 {
		cfg.HeartbeatWindow = 5 * time.Minute
	}
	return cfg
}

// =============================================================================
// Coordinator
// =============================================================================

// RoundStatus is the acknowledgement returned for an accepted contribution.
type RoundStatus struct {
	// Round is the round that accepted the contribution.
	Round int `json:"round"`

	// ContributorCount is the round's contribution count including this one.
	ContributorCount int `json:"contributorCount"`
}

// HeartbeatRecord is the last-seen bookkeeping kept per producer.
type HeartbeatRecord struct {
	ProducerID     string    `json:"producerId"`
	LastSeen       time.Time `json:"lastSeen"`
	ActiveSubjects []string  `json:"activeSubjects"`
}

// StatusReport summarizes coordinator state for operators and producers.
type StatusReport struct {
	Round                int  `json:"round"`
	ContributorCount     int  `json:"contributorCount"`
	ModelsInCurrentRound int  `json:"modelsInCurrentRound"`
	HasGlobalModel       bool `json:"hasGlobalModel"`
	ActiveProducers      int  `json:"activeProducers"`
	EpisodesSeen         int  `json:"episodesSeen"`
}

// Coordinator is the stateful orchestrator for one shard: it owns the round
// lifecycle, contributor bookkeeping, aggregation and snapshot triggers, and
// serves reads from atomically published copies.
//
// # Description
//
// All mutations are serialized behind a single writer lock (one logical
// writer per shard). Contribution volume per round is small, so
// serialization is not a throughput bottleneck, and it removes the race
// class around "who triggers aggregation". Reads never take the writer
// lock: the current model and round number are published atomically at
// commit time, so no partial or mid-aggregation state is ever externally
// observable.
//
// In-memory state is an explicit write-through cache over the durable
// store: every committed mutation is persisted before it becomes
// externally observable, and the cache is invalidated only by the
// coordinator's own writes.
type Coordinator struct {
	mu  sync.Mutex // writer lock; guards all fields below it
	cfg CoordinatorConfig

	state        RoundState
	round        *Round
	bootstrapped map[string]struct{}
	model        *GlobalModel // authoritative; nil until first aggregation
	episodeCount int64

	engine   *Engine
	weights  *WeightAggregator
	replay   *ReplayPool
	versions *VersionStore

	store    storage.Store
	recorder FlightRecorder
	logger   *slog.Logger
	metrics  *observability.FederationMetrics

	// Published read state. Readers load these without the writer lock and
	// always observe the last fully-committed values.
	current        atomic.Pointer[GlobalModel]
	currentRound   atomic.Int64
	roundContribs  atomic.Int64
	roundSubjects  atomic.Int64
	episodesFolded atomic.Int64

	hbMu       sync.RWMutex
	heartbeats map[string]HeartbeatRecord

	sweepStop chan struct{}
	sweepDone chan struct{}
}

// NewCoordinator creates a coordinator over the given store, rehydrating any
// persisted state and opening round 1 if none exists.
//
// # Inputs
//
//   - cfg: lifecycle configuration. Zero values use defaults.
//   - store: durable key-value store. Must not be nil.
//   - recorder: flight-recorder sink. Nil uses NopRecorder.
//   - logger: structured logger. Nil uses slog.Default().
//   - metrics: Prometheus metrics. May be nil (metrics disabled).
//
// # Outputs
//
//   - *Coordinator: ready to serve. Call StartSweep() to enable the
//     background ceiling check and Close() on shutdown.
//   - error: non-nil on invalid engine config or unreadable persisted state.
func NewCoordinator(cfg CoordinatorConfig, store storage.Store, recorder FlightRecorder,
	logger *slog.Logger, metrics *observability.FederationMetrics) (*Coordinator, error) {

	if store == nil {
		return nil, fmt.Errorf("store must not be nil")
	}
	if recorder == nil {
		recorder = NopRecorder{}
	}
	if logger == nil {
		logger = slog.Default()
	}
	cfg = applyCoordinatorDefaults(cfg)

	engine, err := NewEngine(cfg.Engine)
	if err != nil {
		return nil, fmt.Errorf("create aggregation engine: %w", err)
	}

	c := &Coordinator{
		cfg:          cfg,
		state:        StateCollecting,
		bootstrapped: make(map[string]struct{}),
		engine:       engine,
		weights:      NewWeightAggregator(cfg.Weights),
		replay:       NewReplayPool(cfg.Replay),
		versions:     NewVersionStore(cfg.VersionRetention),
		store:        store,
		recorder:     recorder,
		logger:       logger.With("component", "coordinator"),
		metrics:      metrics,
		heartbeats:   make(map[string]HeartbeatRecord),
	}

	if err := c.loadState(context.Background()); err != nil {
		return nil, fmt.Errorf("rehydrate coordinator state: %w", err)
	}

	if c.round == nil {
		c.round = newRound(1, time.Now())
		if err := c.persistRound(context.Background()); err != nil {
			return nil, fmt.Errorf("persist initial round: %w", err)
		}
	}
	c.publishRoundLocked()

	c.logger.Info("coordinator ready",
		"round", c.round.Number,
		"strategy", string(engine.Strategy()),
		"has_global_model", c.model != nil,
	)

	return c, nil
}

// =============================================================================
// Writes
// =============================================================================

// RecordContribution accepts one tactic-map upload into the current round.
//
// # Description
//
// Accepted iff the round is collecting AND (the key's first-ever bootstrap
// OR no prior contribution this round from the key). Bootstrap is the
// deliberate dedup exception: a producer with zero local history must
// always be able to write immediately, which guarantees every new
// participant lands at least one accepted contribution. A second bootstrap
// from the same key is checked against the current round as a normal
// duplicate.
//
// When the accepted contribution reaches the contributor threshold, or the
// round's age exceeds the ceiling, the round closes and aggregation runs
// before this call returns. An aggregation failure leaves the round open
// with all contributions preserved; the upload itself is still accepted.
//
// # Outputs
//
//   - RoundStatus: the accepting round and its contribution count.
//   - error: *DuplicateSubmissionError on an idempotency violation, or an
//     internal error if the write-through fails (the contribution is then
//     not retained).
func (c *Coordinator) RecordContribution(ctx context.Context, producerID, subjectType string,
	tactics TacticMap, bootstrap bool) (RoundStatus, error) {

	c.mu.Lock()
	defer c.mu.Unlock()

	key := ContributorKey{ProducerID: producerID, SubjectType: subjectType}.String()
	_, seenThisRound := c.round.Contributions[key]
	_, usedBootstrap := c.bootstrapped[key]

	bootstrapExempt := bootstrap && !usedBootstrap
	if seenThisRound && !bootstrapExempt {
		if c.metrics != nil {
			c.metrics.RecordContribution("duplicate")
		}
		return RoundStatus{}, &DuplicateSubmissionError{Round: c.round.Number}
	}

	prev, hadPrev := c.round.Contributions[key]
	c.round.Contributions[key] = Contribution{
		SubjectType: subjectType,
		Tactics:     tactics.Clone(),
		SubmittedAt: time.Now(),
		Round:       c.round.Number,
	}
	if bootstrapExempt {
		c.bootstrapped[key] = struct{}{}
	}

	if err := c.persistRound(ctx); err != nil {
		// Roll the cache back so memory and store stay consistent.
		if hadPrev {
			c.round.Contributions[key] = prev
		} else {
			delete(c.round.Contributions, key)
		}
		if bootstrapExempt {
			delete(c.bootstrapped, key)
		}
		if c.metrics != nil {
			c.metrics.RecordContribution("rejected")
		}
		return RoundStatus{}, fmt.Errorf("persist contribution: %w", err)
	}

	status := RoundStatus{
		Round:            c.round.Number,
		ContributorCount: len(c.round.Contributions),
	}
	c.publishRoundLocked()
	if c.metrics != nil {
		c.metrics.RecordContribution("accepted")
	}
	c.logger.Debug("contribution accepted",
		"producer", producerID,
		"subject", subjectType,
		"round", status.Round,
		"contributors", status.ContributorCount,
		"bootstrap", bootstrap,
	)

	// Dual trigger: threshold first, ceiling second. At most one fires per
	// accepted contribution.
	var trigger string
	switch {
	case len(c.round.Contributions) >= c.cfg.ContributorThreshold:
		trigger = TriggerContributors
	case time.Since(c.round.OpenedAt) > c.cfg.RoundCeiling:
		trigger = TriggerCeiling
	}
	if trigger != "" {
		if err := c.closeRoundLocked(ctx, trigger); err != nil {
			// The contribution is committed; the round stays open for a
			// later retry of the close.
			c.logger.Error("round close failed, round left open",
				"round", c.round.Number,
				"trigger", trigger,
				"error", err,
			)
			if c.metrics != nil {
				c.metrics.RecordError(observability.EndpointUpload, observability.ErrorCodeAggregation)
			}
		}
	}

	return status, nil
}

// closeRoundLocked merges the round's contributions, commits the new global
// model, and opens the next round. Caller must hold the writer lock.
//
// Atomicity: the new model and next round are persisted before any
// in-memory state changes, so a failure at any point leaves the round open
// with contributions preserved and nothing partial observable.
func (c *Coordinator) closeRoundLocked(ctx context.Context, trigger string) error {
	if c.state == StateAggregating {
		return &AggregationError{Round: c.round.Number, Err: fmt.Errorf("aggregation already in progress")}
	}
	c.state = StateAggregating
	defer func() { c.state = StateCollecting }()

	start := time.Now()
	closing := c.round

	groups := make(map[string][]WeightedContribution)
	for _, contrib := range closing.Contributions {
		groups[contrib.SubjectType] = append(groups[contrib.SubjectType], WeightedContribution{
			Tactics: contrib.Tactics,
			Weight:  c.subjectWeight(contrib.SubjectType),
		})
	}

	merged := make(map[string]TacticMap)
	momentum := make(map[string]map[string]float64)
	if c.model != nil {
		for subject, tactics := range c.model.TacticsBySubject {
			merged[subject] = tactics.Clone()
		}
		for subject, m := range c.model.Momentum {
			momentum[subject] = cloneMomentum(m)
		}
	}

	significant := c.model == nil
	for subject, group := range groups {
		result, err := c.engine.Merge(group, merged[subject], momentum[subject])
		if err != nil {
			return &AggregationError{Round: closing.Number, Err: err}
		}
		if !significant && c.engine.Significant(merged[subject], result.Tactics) {
			significant = true
		}
		merged[subject] = result.Tactics
		if c.engine.Strategy() == StrategyFedAvgM {
			momentum[subject] = result.Momentum
		}
	}

	model := &GlobalModel{
		Round:            closing.Number,
		Timestamp:        time.Now(),
		ContributorCount: len(closing.Contributions),
		SchemaVersion:    SchemaVersion,
		TacticsBySubject: merged,
	}
	if c.engine.Strategy() == StrategyFedAvgM {
		model.Momentum = momentum
	}

	next := newRound(closing.Number+1, time.Now())

	if err := c.persistModel(ctx, model); err != nil {
		return &AggregationError{Round: closing.Number, Err: err}
	}
	if err := c.persistRoundState(ctx, next); err != nil {
		return &AggregationError{Round: closing.Number, Err: err}
	}

	// Commit point: publish the new model and round.
	c.model = model
	c.current.Store(model.Clone())
	c.round = next
	c.publishRoundLocked()

	version := 0
	if significant {
		snap := c.versions.Snapshot(model)
		version = snap.Version
		if err := c.persistSnapshot(ctx, snap); err != nil {
			c.logger.Warn("snapshot write-through failed, durable copy missing",
				"version", snap.Version,
				"error", err,
			)
		}
		if c.metrics != nil {
			c.metrics.RecordSnapshot()
		}
	}

	if c.metrics != nil {
		c.metrics.RecordRoundClosed(trigger, time.Since(start).Seconds())
	}
	c.logger.Info("round closed",
		"round", closing.Number,
		"trigger", trigger,
		"contributors", model.ContributorCount,
		"subjects", len(groups),
		"significant", significant,
		"version", version,
		"next_round", next.Number,
	)

	c.recorder.RecordRound(ctx, RoundRecord{
		Round:            closing.Number,
		ClosedAt:         model.Timestamp,
		Trigger:          trigger,
		ContributorCount: model.ContributorCount,
		Version:          version,
		Model:            *model.Clone(),
	})

	return nil
}

// RecordEpisode folds one episode summary into the tactical weights,
// bypassing round gating entirely: episodes are dense, frequent, and
// individually low-stakes.
//
// # Outputs
//
//   - int64: the monotonic episode number.
//   - error: *ValidationError on sparse or malformed usage counts.
func (c *Coordinator) RecordEpisode(ctx context.Context, subjectType string, usage map[string]int,
	episodeReward float64, succeeded bool, sampleCount int) (int64, error) {

	if sampleCount < c.cfg.MinEpisodeSamples {
		return 0, &ValidationError{
			Field:  "sampleCount",
			Reason: fmt.Sprintf("episode too sparse: %d samples, need at least %d", sampleCount, c.cfg.MinEpisodeSamples),
		}
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	state, err := c.weights.Fold(subjectType, usage, succeeded)
	if err != nil {
		return 0, err
	}
	c.episodeCount++
	c.episodesFolded.Store(c.episodeCount)

	// Episode signal is individually low-stakes: a failed write-through is
	// logged and the in-memory fold stands until the next successful write.
	if err := c.persistWeights(ctx, subjectType, state); err != nil {
		c.logger.Warn("weights write-through failed",
			"subject", subjectType,
			"error", err,
		)
	}
	if err := c.store.Put(ctx, keyEpisodeCounter, []byte(strconv.FormatInt(c.episodeCount, 10))); err != nil {
		c.logger.Warn("episode counter write-through failed", "error", err)
	}

	if c.metrics != nil {
		c.metrics.RecordEpisode(succeeded)
	}
	c.logger.Debug("episode folded",
		"subject", subjectType,
		"episode", c.episodeCount,
		"reward", episodeReward,
		"succeeded", succeeded,
		"samples", sampleCount,
	)

	return c.episodeCount, nil
}

// AddReplaySamples pools experience samples for cross-producer retraining.
// Never triggers aggregation.
func (c *Coordinator) AddReplaySamples(ctx context.Context, subjectType string, samples []ExperienceSample) (int, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	size := c.replay.Add(subjectType, samples)
	if err := c.persistReplay(ctx, subjectType); err != nil {
		c.logger.Warn("replay write-through failed",
			"subject", subjectType,
			"error", err,
		)
	}
	if c.metrics != nil {
		c.metrics.SetReplaySamples(subjectType, size)
	}
	return size, nil
}

// Rollback restores the model stored at version as the new current state.
// The restored state is recorded as a new snapshot entry, so history before
// the rollback point survives.
//
// # Outputs
//
//   - VersionSnapshot: the new snapshot holding the restored model.
//   - error: *NotFoundError if the version was evicted or never created.
func (c *Coordinator) Rollback(ctx context.Context, version int) (VersionSnapshot, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	snap, err := c.versions.Rollback(version)
	if err != nil {
		return VersionSnapshot{}, err
	}

	restored := snap.Model.Clone()
	if err := c.persistModel(ctx, restored); err != nil {
		return VersionSnapshot{}, fmt.Errorf("persist rolled-back model: %w", err)
	}
	if err := c.persistSnapshot(ctx, snap); err != nil {
		c.logger.Warn("rollback snapshot write-through failed",
			"version", snap.Version,
			"error", err,
		)
	}

	c.model = restored
	c.current.Store(restored.Clone())

	if c.metrics != nil {
		c.metrics.RecordRollback()
	}
	c.logger.Info("model rolled back",
		"restored_version", version,
		"new_version", snap.Version,
		"model_round", restored.Round,
	)

	return snap, nil
}

// =============================================================================
// Reads
// =============================================================================

// GlobalModel returns the current global model, optionally sliced to one
// subject type. Never blocks writers.
//
// # Outputs
//
//   - *GlobalModel: a private copy the caller may keep.
//   - error: ErrNotReady before the first aggregation; *NotFoundError (with
//     the known-subject list) for an unknown filter.
func (c *Coordinator) GlobalModel(subjectFilter string) (*GlobalModel, error) {
	model := c.current.Load()
	if model == nil {
		return nil, ErrNotReady
	}

	if subjectFilter == "" {
		return model.Clone(), nil
	}

	tactics, ok := model.TacticsBySubject[subjectFilter]
	if !ok {
		return nil, &NotFoundError{Kind: "subject", Key: subjectFilter, Known: model.Subjects()}
	}

	slice := &GlobalModel{
		Round:            model.Round,
		Timestamp:        model.Timestamp,
		ContributorCount: model.ContributorCount,
		SchemaVersion:    model.SchemaVersion,
		TacticsBySubject: map[string]TacticMap{subjectFilter: tactics.Clone()},
	}
	return slice, nil
}

// Heartbeat updates last-seen bookkeeping for a producer. Never affects
// round state and never blocks writers.
//
// Returns the current round number so producers can plan their next upload.
func (c *Coordinator) Heartbeat(ctx context.Context, producerID string, activeSubjects []string) int {
	record := HeartbeatRecord{
		ProducerID:     producerID,
		LastSeen:       time.Now(),
		ActiveSubjects: append([]string(nil), activeSubjects...),
	}

	c.hbMu.Lock()
	c.heartbeats[producerID] = record
	c.hbMu.Unlock()

	if data, err := json.Marshal(record); err == nil {
		if err := c.store.Put(ctx, keyHeartbeatPrefix+producerID, data); err != nil {
			c.logger.Warn("heartbeat write-through failed",
				"producer", producerID,
				"error", err,
			)
		}
	}

	return int(c.currentRound.Load())
}

// Status reports coordinator state from published counters; never blocks
// writers.
func (c *Coordinator) Status() StatusReport {
	c.hbMu.RLock()
	active := 0
	cutoff := time.Now().Add(-c.cfg.HeartbeatWindow)
	for _, hb := range c.heartbeats {
		if hb.LastSeen.After(cutoff) {
			active++
		}
	}
	c.hbMu.RUnlock()

	return StatusReport{
		Round:                int(c.currentRound.Load()),
		ContributorCount:     int(c.roundContribs.Load()),
		ModelsInCurrentRound: int(c.roundSubjects.Load()),
		HasGlobalModel:       c.current.Load() != nil,
		ActiveProducers:      active,
		EpisodesSeen:         int(c.episodesFolded.Load()),
	}
}

// TacticalWeights returns the EMA weight table for one subject, or all
// subjects when the filter is empty.
func (c *Coordinator) TacticalWeights(subjectFilter string) (map[string]map[string]float64, error) {
	if subjectFilter == "" {
		return c.weights.All(), nil
	}
	table, ok := c.weights.Weights(subjectFilter)
	if !ok {
		return nil, &NotFoundError{Kind: "subject", Key: subjectFilter, Known: c.weights.Subjects()}
	}
	return map[string]map[string]float64{subjectFilter: table}, nil
}

// RankTacticalWeights returns the softmax preference ranking for a subject.
func (c *Coordinator) RankTacticalWeights(subject string, temperature float64) (map[string]float64, error) {
	return c.weights.Rank(subject, temperature)
}

// SampleReplay draws up to n pooled samples for a subject, uniformly at
// random without replacement.
func (c *Coordinator) SampleReplay(subjectType string, n int) []ExperienceSample {
	return c.replay.Sample(subjectType, n)
}

// Version returns the snapshot stored at version.
func (c *Coordinator) Version(version int) (VersionSnapshot, error) {
	return c.versions.Get(version)
}

// =============================================================================
// Background Sweep
// =============================================================================

// StartSweep begins the background ceiling check so rounds never stay open
// indefinitely when upload traffic stops. No-op if SweepInterval is
// negative or a sweep is already running.
func (c *Coordinator) StartSweep() {
	if c.cfg.SweepInterval <= 0 || c.sweepStop != nil {
		return
	}
	c.sweepStop = make(chan struct{})
	c.sweepDone = make(chan struct{})
	go c.runSweep(c.sweepStop, c.sweepDone)
}

// StopSweep halts the background sweep and waits for it to finish.
func (c *Coordinator) StopSweep() {
	if c.sweepStop == nil {
		return
	}
	close(c.sweepStop)
	<-c.sweepDone
	c.sweepStop = nil
	c.sweepDone = nil
}

func (c *Coordinator) runSweep(stopCh, doneCh chan struct{}) {
	defer close(doneCh)

	ticker := time.NewTicker(c.cfg.SweepInterval)
	defer ticker.Stop()

	for {
		select {
		case <-stopCh:
			return
		case <-ticker.C:
			c.sweepOnce()
		}
	}
}

func (c *Coordinator) sweepOnce() {
	c.mu.Lock()
	defer c.mu.Unlock()

	if len(c.round.Contributions) == 0 || time.Since(c.round.OpenedAt) <= c.cfg.RoundCeiling {
		return
	}
	if err := c.closeRoundLocked(context.Background(), TriggerCeiling); err != nil {
		c.logger.Error("sweep round close failed, round left open",
			"round", c.round.Number,
			"error", err,
		)
	}
}

// Close stops background work. The store is owned by the caller and is not
// closed here.
func (c *Coordinator) Close() {
	c.StopSweep()
}

// =============================================================================
// Persistence
// =============================================================================

// persistedRoundMeta is the round:current payload. Contributions are stored
// separately under round:contributions so heartbeat-sized reads stay small.
type persistedRoundMeta struct {
	Number       int       `json:"number"`
	OpenedAt     time.Time `json:"openedAt"`
	Bootstrapped []string  `json:"bootstrapped"`
}

func (c *Coordinator) subjectWeight(subject string) float64 {
	if w, ok := c.cfg.SubjectWeights[subject]; ok && w > 0 {
		return w
	}
	return 1.0
}

func (c *Coordinator) publishRoundLocked() {
	c.currentRound.Store(int64(c.round.Number))
	c.roundContribs.Store(int64(len(c.round.Contributions)))
	c.roundSubjects.Store(int64(len(c.round.Subjects())))
}

func (c *Coordinator) persistRound(ctx context.Context) error {
	return c.persistRoundState(ctx, c.round)
}

func (c *Coordinator) persistRoundState(ctx context.Context, round *Round) error {
	bootstrapped := make([]string, 0, len(c.bootstrapped))
	for key := range c.bootstrapped {
		bootstrapped = append(bootstrapped, key)
	}
	sort.Strings(bootstrapped)

	meta, err := json.Marshal(persistedRoundMeta{
		Number:       round.Number,
		OpenedAt:     round.OpenedAt,
		Bootstrapped: bootstrapped,
	})
	if err != nil {
		return fmt.Errorf("marshal round meta: %w", err)
	}
	contribs, err := json.Marshal(round.Contributions)
	if err != nil {
		return fmt.Errorf("marshal round contributions: %w", err)
	}

	if err := c.store.Put(ctx, keyRoundCurrent, meta); err != nil {
		return err
	}
	return c.store.Put(ctx, keyRoundContributions, contribs)
}

func (c *Coordinator) persistModel(ctx context.Context, model *GlobalModel) error {
	data, err := json.Marshal(model)
	if err != nil {
		return fmt.Errorf("marshal global model: %w", err)
	}
	return c.store.Put(ctx, keyModelGlobal, data)
}

func (c *Coordinator) persistSnapshot(ctx context.Context, snap VersionSnapshot) error {
	data, err := json.Marshal(snap)
	if err != nil {
		return fmt.Errorf("marshal snapshot: %w", err)
	}
	return c.store.Put(ctx, keyModelVersionPrefix+strconv.Itoa(snap.Version), data)
}

func (c *Coordinator) persistWeights(ctx context.Context, subject string, state SubjectWeightState) error {
	data, err := json.Marshal(state)
	if err != nil {
		return fmt.Errorf("marshal weights: %w", err)
	}
	return c.store.Put(ctx, keyWeightsPrefix+subject, data)
}

func (c *Coordinator) persistReplay(ctx context.Context, subject string) error {
	data, err := json.Marshal(c.replay.Snapshot(subject))
	if err != nil {
		return fmt.Errorf("marshal replay pool: %w", err)
	}
	return c.store.Put(ctx, keyReplayPrefix+subject, data)
}

// loadState rehydrates the write-through cache from the durable store.
func (c *Coordinator) loadState(ctx context.Context) error {
	// Global model.
	if data, err := c.store.Get(ctx, keyModelGlobal); err == nil {
		var model GlobalModel
		if err := json.Unmarshal(data, &model); err != nil {
			return fmt.Errorf("decode %s: %w", keyModelGlobal, err)
		}
		c.model = &model
		c.current.Store(model.Clone())
	} else if !errors.Is(err, storage.ErrKeyNotFound) {
		return err
	}

	// Current round.
	if data, err := c.store.Get(ctx, keyRoundCurrent); err == nil {
		var meta persistedRoundMeta
		if err := json.Unmarshal(data, &meta); err != nil {
			return fmt.Errorf("decode %s: %w", keyRoundCurrent, err)
		}
		round := newRound(meta.Number, meta.OpenedAt)
		for _, key := range meta.Bootstrapped {
			c.bootstrapped[key] = struct{}{}
		}
		if data, err := c.store.Get(ctx, keyRoundContributions); err == nil {
			if err := json.Unmarshal(data, &round.Contributions); err != nil {
				return fmt.Errorf("decode %s: %w", keyRoundContributions, err)
			}
		} else if !errors.Is(err, storage.ErrKeyNotFound) {
			return err
		}
		c.round = round
	} else if !errors.Is(err, storage.ErrKeyNotFound) {
		return err
	}

	// Version snapshots, ordered oldest first.
	entries, err := c.store.List(ctx, keyModelVersionPrefix)
	if err != nil {
		return err
	}
	snapshots := make([]VersionSnapshot, 0, len(entries))
	for key, data := range entries {
		var snap VersionSnapshot
		if err := json.Unmarshal(data, &snap); err != nil {
			return fmt.Errorf("decode %s: %w", key, err)
		}
		snapshots = append(snapshots, snap)
	}
	sort.Slice(snapshots, func(i, j int) bool { return snapshots[i].Version < snapshots[j].Version })
	c.versions.Load(snapshots)

	// Tactical weights.
	entries, err = c.store.List(ctx, keyWeightsPrefix)
	if err != nil {
		return err
	}
	for key, data := range entries {
		var state SubjectWeightState
		if err := json.Unmarshal(data, &state); err != nil {
			return fmt.Errorf("decode %s: %w", key, err)
		}
		c.weights.Load(strings.TrimPrefix(key, keyWeightsPrefix), state)
	}

	// Replay pools.
	entries, err = c.store.List(ctx, keyReplayPrefix)
	if err != nil {
		return err
	}
	for key, data := range entries {
		var samples []ExperienceSample
		if err := json.Unmarshal(data, &samples); err != nil {
			return fmt.Errorf("decode %s: %w", key, err)
		}
		c.replay.Load(strings.TrimPrefix(key, keyReplayPrefix), samples)
	}

	// Heartbeats.
	entries, err = c.store.List(ctx, keyHeartbeatPrefix)
	if err != nil {
		return err
	}
	for key, data := range entries {
		var record HeartbeatRecord
		if err := json.Unmarshal(data, &record); err != nil {
			return fmt.Errorf("decode %s: %w", key, err)
		}
		c.heartbeats[record.ProducerID] = record
	}

	// Episode counter.
	if data, err := c.store.Get(ctx, keyEpisodeCounter); err == nil {
		n, err := strconv.ParseInt(string(data), 10, 64)
		if err != nil {
			return fmt.Errorf("decode %s: %w", keyEpisodeCounter, err)
		}
		c.episodeCount = n
		c.episodesFolded.Store(n)
	} else if !errors.Is(err, storage.ErrKeyNotFound) {
		return err
	}

	return nil
}
