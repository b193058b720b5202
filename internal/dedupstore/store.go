// Copyright (C) NHR@FAU, University Erlangen-Nuremberg.
// All rights reserved. This file is part of cc-backend.
// Use of this source code is governed by a MIT-style
// license that can be found in the LICENSE file.

// Package dedupstore implements the shared key/value store the pipeline
// consults to decide whether a data_id has already been cached: the
// pubtime-keyed record a DEDUP_CHECK compares against. It holds no metric
// counters; those are Prometheus collectors in internal/metrics.
package dedupstore

import (
	"context"
	"errors"
	"fmt"
	"time"
)

// ErrUnavailable wraps any failure reaching the backing store (connection
// refused, timeout, auth failure). The pipeline treats it uniformly as a
// FAILED disposition regardless of backend.
type ErrUnavailable struct {
	Op  string
	Err error
}

func (e *ErrUnavailable) Error() string {
	return fmt.Sprintf("dedup store %s: %v", e.Op, e.Err)
}

func (e *ErrUnavailable) Unwrap() error { return e.Err }

// ErrNotFound is returned by Get when a key has no recorded value (or it
// expired under its TTL).
var ErrNotFound = errors.New("dedupstore: key not found")

// Store is the persistence abstraction both DEDUP_CHECK1 and
// DEDUP_CHECK2 compare against (spec.md §4.3, §4.8). Implementations
// must make CommitIfNewer atomic: two concurrent commits for the same
// key must not both be accepted if one is not newer than the other.
type Store interface {
	// Get returns the last recorded pubtime epoch for dataID, or
	// ErrNotFound if none is on record (or it expired).
	Get(ctx context.Context, dataID string) (float64, error)

	// CommitIfNewer atomically writes epoch for dataID if no value is on
	// record yet; if one is, the write additionally requires epoch to be
	// strictly greater than the recorded value AND hasUpdate to be true
	// (the notification carries an "update" link), matching the
	// reference consumer's is_unique conjunction — a strictly newer but
	// canonical-only republish of an already-cached data_id is still a
	// duplicate. A successful write resets the entry's TTL. It reports
	// whether the write happened.
	CommitIfNewer(ctx context.Context, dataID string, epoch float64, hasUpdate bool, ttl time.Duration) (committed bool, err error)

	// Set unconditionally writes epoch for dataID with the given TTL.
	// Exposed for parity with the literal always-overwrite semantics
	// spec.md §4.8 describes; pipeline code should prefer
	// CommitIfNewer (see DESIGN.md's Open Question decision).
	Set(ctx context.Context, dataID string, epoch float64, ttl time.Duration) error

	// Close releases any resources the store holds open.
	Close() error
}
