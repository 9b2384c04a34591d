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
	"strconv"
	"sync"
	"time"
)

// =============================================================================
// Version Store
// =============================================================================

// DefaultVersionRetention is how many snapshots the ring keeps by default.
const DefaultVersionRetention = 10

// VersionStore keeps a bounded-depth ring of full-model snapshots with
// point-in-time restore. Version numbers are monotonic and never reused;
// when the ring is full the single oldest entry is evicted.
//
// # Thread Safety
//
// Safe for concurrent use, though in practice all writes arrive under the
// coordinator's writer lock.
type VersionStore struct {
	mu        sync.Mutex
	retention int
	snapshots []VersionSnapshot
	next      int
	now       func() time.Time
}

// NewVersionStore creates a store retaining up to retention snapshots.
// Non-positive retention uses DefaultVersionRetention.
func NewVersionStore(retention int) *VersionStore {
	if retention <= 0 {
		retention = DefaultVersionRetention
	}
	return &VersionStore{
		retention: retention,
		next:      1,
		now:       time.Now,
	}
}

// Snapshot stores a full copy of the model under the next version number,
// evicting the oldest entry if the retention bound is exceeded.
func (v *VersionStore) Snapshot(model *GlobalModel) VersionSnapshot {
	v.mu.Lock()
	defer v.mu.Unlock()
	return v.snapshotLocked(model)
}

func (v *VersionStore) snapshotLocked(model *GlobalModel) VersionSnapshot {
	snap := VersionSnapshot{
		Version:   v.next,
		Timestamp: v.now(),
		Model:     *model.Clone(),
	}
	v.next++

	v.snapshots = append(v.snapshots, snap)
	if len(v.snapshots) > v.retention {
		v.snapshots = v.snapshots[1:]
	}
	return snap
}

// Get returns the snapshot stored at version, or *NotFoundError if it was
// evicted or never created.
func (v *VersionStore) Get(version int) (VersionSnapshot, error) {
	v.mu.Lock()
	defer v.mu.Unlock()

	for _, snap := range v.snapshots {
		if snap.Version == version {
			return VersionSnapshot{
				Version:   snap.Version,
				Timestamp: snap.Timestamp,
				Model:     *snap.Model.Clone(),
			}, nil
		}
	}
	return VersionSnapshot{}, &NotFoundError{Kind: "version", Key: strconv.Itoa(version)}
}

// Rollback restores the model stored at version and records the restored
// state as a new snapshot entry. History before the rollback point is never
// deleted (beyond normal ring eviction).
//
// Returns the new snapshot holding the restored model; the caller installs
// its model as current state.
func (v *VersionStore) Rollback(version int) (VersionSnapshot, error) {
	v.mu.Lock()
	defer v.mu.Unlock()

	for _, snap := range v.snapshots {
		if snap.Version == version {
			restored := snap.Model
			return v.snapshotLocked(&restored), nil
		}
	}
	return VersionSnapshot{}, &NotFoundError{Kind: "version", Key: strconv.Itoa(version)}
}

// Versions returns the retained version numbers, oldest first.
func (v *VersionStore) Versions() []int {
	v.mu.Lock()
	defer v.mu.Unlock()

	out := make([]int, len(v.snapshots))
	for i, snap := range v.snapshots {
		out[i] = snap.Version
	}
	return out
}

// Latest returns the most recent snapshot, or false if none exist.
func (v *VersionStore) Latest() (VersionSnapshot, bool) {
	v.mu.Lock()
	defer v.mu.Unlock()

	if len(v.snapshots) == 0 {
		return VersionSnapshot{}, false
	}
	snap := v.snapshots[len(v.snapshots)-1]
	return VersionSnapshot{
		Version:   snap.Version,
		Timestamp: snap.Timestamp,
		Model:     *snap.Model.Clone(),
	}, true
}

// Load installs persisted snapshots at startup. Snapshots must be ordered
// oldest first; next becomes one past the highest loaded version.
func (v *VersionStore) Load(snapshots []VersionSnapshot) {
	v.mu.Lock()
	defer v.mu.Unlock()

	v.snapshots = append([]VersionSnapshot(nil), snapshots...)
	if len(v.snapshots) > v.retention {
		v.snapshots = v.snapshots[len(v.snapshots)-v.retention:]
	}
	for _, snap := range v.snapshots {
		if snap.Version >= v.next {
			v.next = snap.Version + 1
		}
	}
}
