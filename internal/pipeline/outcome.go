// Copyright (C) NHR@FAU, University Erlangen-Nuremberg.
// All rights reserved. This file is part of cc-backend.
// Use of this source code is governed by a MIT-style
// license that can be found in the LICENSE file.

// Package pipeline orchestrates one notification through
// parse/dedup/fetch/verify/upload/dedup/commit/publish, reporting the
// outcome as a tagged value instead of raising and catching exceptions
// along the way (spec.md §9 Non-goal on exception-based control flow).
package pipeline

import "fmt"

// Kind identifies which branch of the pipeline a Outcome represents.
type Kind int

const (
	// KindCached means the object was downloaded, verified, uploaded,
	// and the notification should republish with a rewritten link.
	KindCached Kind = iota
	// KindPassthrough means properties.cache opted the notification out
	// of caching; it republishes unmodified aside from id/topic.
	KindPassthrough
	// KindDuplicate means a DEDUP_CHECK found a record already committed
	// for this data_id that the notification does not supersede (its
	// pubtime is not strictly newer, or it carries no update link); the
	// notification is dropped silently.
	KindDuplicate
	// KindSkipped means the notification was well-formed but could not
	// be processed for a reason that is not an operational failure
	// (e.g. no usable source link); dropped silently.
	KindSkipped
	// KindFailed means a step that should have succeeded did not; an
	// error notification should be republished.
	KindFailed
)

func (k Kind) String() string {
	switch k {
	case KindCached:
		return "cached"
	case KindPassthrough:
		return "passthrough"
	case KindDuplicate:
		return "duplicate"
	case KindSkipped:
		return "skipped"
	case KindFailed:
		return "failed"
	default:
		return "unknown"
	}
}

// Outcome is the result of running one notification through the
// pipeline.
type Outcome struct {
	Kind   Kind
	URL    string // set when Kind == KindCached
	Reason string // set when Kind == KindSkipped or KindFailed
	Err    error  // set when Kind == KindFailed
}

func (o Outcome) String() string {
	if o.Err != nil {
		return fmt.Sprintf("%s: %v", o.Kind, o.Err)
	}
	if o.Reason != "" {
		return fmt.Sprintf("%s: %s", o.Kind, o.Reason)
	}
	return o.Kind.String()
}

func cachedOutcome(url string) Outcome    { return Outcome{Kind: KindCached, URL: url} }
func passthroughOutcome() Outcome         { return Outcome{Kind: KindPassthrough} }
func duplicateOutcome() Outcome           { return Outcome{Kind: KindDuplicate} }
func skippedOutcome(reason string) Outcome {
	return Outcome{Kind: KindSkipped, Reason: reason}
}
func failedOutcome(reason string, err error) Outcome {
	return Outcome{Kind: KindFailed, Reason: reason, Err: err}
}
