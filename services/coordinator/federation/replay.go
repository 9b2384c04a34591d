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
	"math/rand"
	"sort"
	"sync"
	"time"
)

// =============================================================================
// Replay Pool
// =============================================================================

// PoolConfig bounds the shared experience cache.
type PoolConfig struct {
	// Capacity is the maximum samples retained per subject type.
	// Default: 2000.
	Capacity int `yaml:"capacity"`

	// MaxSampleAge expires samples lazily on Add. Default: 7 days.
	// Zero disables expiry.
	MaxSampleAge time.Duration `yaml:"maxSampleAge"`
}

// DefaultPoolConfig returns the production pool bounds.
func DefaultPoolConfig() PoolConfig {
	return PoolConfig{
		Capacity:     2000,
		MaxSampleAge: 7 * 24 * time.Hour,
	}
}

// ReplayPool is a per-subject bounded multiset of experience samples with
// FIFO eviction and uniform sampling. It exists solely so producers can
// retrain locally from pooled cross-producer experience; it never triggers
// aggregation.
//
// # Thread Safety
//
// Safe for concurrent use.
type ReplayPool struct {
	mu    sync.Mutex
	cfg   PoolConfig
	pools map[string][]ExperienceSample
	rng   *rand.Rand
	now   func() time.Time
}

// NewReplayPool creates a pool with defaults applied for zero-valued config
// fields.
func NewReplayPool(cfg PoolConfig) *ReplayPool {
	def := DefaultPoolConfig()
	if cfg.Capacity <= 0 {
		cfg.Capacity = def.Capacity
	}

	return &ReplayPool{
		cfg:   cfg,
		pools: make(map[string][]ExperienceSample),
		rng:   rand.New(rand.NewSource(time.Now().UnixNano())),
		now:   time.Now,
	}
}

// Add appends samples for a subject, then truncates to capacity evicting the
// oldest first. Samples without an InsertedAt are stamped on entry; expired
// samples are dropped before the append.
//
// Returns the pool size for the subject after the add.
func (p *ReplayPool) Add(subject string, samples []ExperienceSample) int {
	now := p.now()

	p.mu.Lock()
	defer p.mu.Unlock()

	pool := p.pools[subject]
	if p.cfg.MaxSampleAge > 0 {
		cutoff := now.Add(-p.cfg.MaxSampleAge)
		kept := pool[:0]
		for _, s := range pool {
			if s.InsertedAt.After(cutoff) {
				kept = append(kept, s)
			}
		}
		pool = kept
	}

	for _, s := range samples {
		if s.InsertedAt.IsZero() {
			s.InsertedAt = now
		}
		pool = append(pool, s)
	}

	if len(pool) > p.cfg.Capacity {
		pool = pool[len(pool)-p.cfg.Capacity:]
	}

	p.pools[subject] = pool
	return len(pool)
}

// Sample returns up to n samples for the subject, drawn uniformly at random
// without replacement. An unknown subject yields an empty slice.
func (p *ReplayPool) Sample(subject string, n int) []ExperienceSample {
	if n <= 0 {
		return nil
	}

	p.mu.Lock()
	defer p.mu.Unlock()

	pool := p.pools[subject]
	if len(pool) == 0 {
		return nil
	}
	if n > len(pool) {
		n = len(pool)
	}

	// Partial Fisher-Yates over a copied index slice: the first n positions
	// are a uniform draw without replacement.
	idx := make([]int, len(pool))
	for i := range idx {
		idx[i] = i
	}
	for i := 0; i < n; i++ {
		j := i + p.rng.Intn(len(idx)-i)
		idx[i], idx[j] = idx[j], idx[i]
	}

	out := make([]ExperienceSample, n)
	for i := 0; i < n; i++ {
		out[i] = pool[idx[i]]
	}
	return out
}

// Size returns the current sample count for a subject.
func (p *ReplayPool) Size(subject string) int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.pools[subject])
}

// Subjects returns the subject types with pooled samples, sorted.
func (p *ReplayPool) Subjects() []string {
	p.mu.Lock()
	defer p.mu.Unlock()

	subjects := make([]string, 0, len(p.pools))
	for s, pool := range p.pools {
		if len(pool) > 0 {
			subjects = append(subjects, s)
		}
	}
	sort.Strings(subjects)
	return subjects
}

// Snapshot returns a copy of a subject's pool, oldest first, for
// write-through persistence.
func (p *ReplayPool) Snapshot(subject string) []ExperienceSample {
	p.mu.Lock()
	defer p.mu.Unlock()

	pool := p.pools[subject]
	out := make([]ExperienceSample, len(pool))
	copy(out, pool)
	return out
}

// Load installs a persisted pool for one subject, truncating to capacity.
// Used at coordinator startup for rehydration.
func (p *ReplayPool) Load(subject string, samples []ExperienceSample) {
	p.mu.Lock()
	defer p.mu.Unlock()

	pool := make([]ExperienceSample, len(samples))
	copy(pool, samples)
	if len(pool) > p.cfg.Capacity {
		pool = pool[len(pool)-p.cfg.Capacity:]
	}
	p.pools[subject] = pool
}
