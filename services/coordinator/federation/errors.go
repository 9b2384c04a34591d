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
)

// =============================================================================
// Error Taxonomy
// =============================================================================

// ErrNotReady is returned by model reads before any aggregation has ever
// completed. Recoverable: the client waits and retries.
var ErrNotReady = errors.New("no global model available yet")

// ValidationError reports a malformed or out-of-bounds request field.
// Validation failures are rejected before any state is touched and are
// never recorded as round events.
type ValidationError struct {
	Field  string
	Reason string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("validation failed: %s: %s", e.Field, e.Reason)
}

// DuplicateSubmissionError reports an idempotency violation: the same
// (producer, subject) key already contributed to the current round.
// Recoverable: the producer retries in the next round.
type DuplicateSubmissionError struct {
	// Round is the round that already holds a contribution from the key.
	Round int
}

func (e *DuplicateSubmissionError) Error() string {
	return fmt.Sprintf("duplicate submission for round %d", e.Round)
}

// NotFoundError reports an unknown subject type or an evicted/never-created
// version. Terminal for that request.
type NotFoundError struct {
	// Kind names what was looked up: "subject" or "version".
	Kind string

	// Key is the value that was not found.
	Key string

	// Known lists the known keys of the same kind, when cheap to compute.
	Known []string
}

func (e *NotFoundError) Error() string {
	if len(e.Known) > 0 {
		return fmt.Sprintf("%s %q not found (known: %v)", e.Kind, e.Key, e.Known)
	}
	return fmt.Sprintf("%s %q not found", e.Kind, e.Key)
}

// AggregationError reports an internal merge failure. The round is left
// open with its contributions preserved, so no data is lost and the close
// can be retried by the next accepted contribution.
type AggregationError struct {
	Round int
	Err   error
}

func (e *AggregationError) Error() string {
	return fmt.Sprintf("aggregation failed for round %d: %v", e.Round, e.Err)
}

func (e *AggregationError) Unwrap() error {
	return e.Err
}
