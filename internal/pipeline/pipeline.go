// Copyright (C) NHR@FAU, University Erlangen-Nuremberg.
// All rights reserved. This file is part of cc-backend.
// Use of this source code is governed by a MIT-style
// license that can be found in the LICENSE file.

package pipeline

import (
	"context"
	"errors"
	"os"
	"time"

	"github.com/wmo-im/wis2-gc/internal/dedupstore"
	"github.com/wmo-im/wis2-gc/internal/fetcher"
	"github.com/wmo-im/wis2-gc/internal/integrity"
	"github.com/wmo-im/wis2-gc/internal/metrics"
	"github.com/wmo-im/wis2-gc/internal/notification"
	"github.com/wmo-im/wis2-gc/pkg/log"
)

// Uploader is the subset of internal/blobstore.Store the pipeline
// needs; kept as an interface so tests can exercise UPLOAD without a
// real S3-compatible endpoint.
type Uploader interface {
	Upload(ctx context.Context, key, path, contentType string) (url string, err error)
}

// Pipeline wires together the dependencies every stage needs. One
// instance is shared by every worker; all methods are safe to call
// concurrently for different notifications (the caller is responsible
// for serializing calls that share a data_id, via internal/workqueue,
// which hands out at most one message per group at a time).
type Pipeline struct {
	Store     dedupstore.Store
	Fetcher   *fetcher.Fetcher
	Blobstore Uploader
	Metrics   *metrics.Registry
	TTL       time.Duration
}

// Process runs one notification payload through
// PARSE -> DEDUP_CHECK1 -> [DECIDE_CACHE] -> FETCH -> VERIFY -> UPLOAD ->
// DEDUP_CHECK2 -> COMMIT, returning the parsed notification (nil only if
// parsing itself failed) and the disposition the caller should publish.
func (p *Pipeline) Process(ctx context.Context, raw []byte) (*notification.Notification, Outcome) {
	n, err := notification.Parse(raw)
	if err != nil {
		return nil, failedOutcome("parse", err)
	}

	if outcome, stop := p.dedupCheck(ctx, n); stop {
		return n, outcome
	}

	if !n.DoCache {
		p.Metrics.RecordPassthrough(n.Centre())
		log.Stagef("DECIDE_CACHE", "%s: caching disabled by notification, passing through", n.DataID)
		return n, passthroughOutcome()
	}

	link, err := n.SelectSource()
	if err != nil {
		if errors.Is(err, notification.ErrMissingSourceLink) {
			log.Stagef("DECIDE_CACHE", "%s: no usable source link, skipping", n.DataID)
			return n, skippedOutcome("no usable source link")
		}
		log.Stagef("DECIDE_CACHE", "%s: bad source link: %v", n.DataID, err)
		return n, skippedOutcome(err.Error())
	}

	result, err := p.fetch(ctx, n, link)
	if err != nil {
		p.Metrics.RecordFailure(n.Centre(), n.Dataserver())
		log.Stagef("FETCH", "%s: %v", n.DataID, err)
		return n, failedOutcome("fetch", err)
	}
	defer os.Remove(result.Path)

	data, err := os.ReadFile(result.Path)
	if err != nil {
		p.Metrics.RecordFailure(n.Centre(), n.Dataserver())
		return n, failedOutcome("fetch", err)
	}

	if err := p.verify(n, data); err != nil {
		p.Metrics.RecordIntegrityFailure(n.Centre())
		p.Metrics.RecordFailure(n.Centre(), n.Dataserver())
		log.Stagef("VERIFY", "%s: %v", n.DataID, err)
		return n, failedOutcome("verify", err)
	}

	key := notification.CacheObjectKey(n.Topic, n.Filename())
	url, err := p.Blobstore.Upload(ctx, key, result.Path, "")
	if err != nil {
		p.Metrics.RecordFailure(n.Centre(), n.Dataserver())
		log.Stagef("UPLOAD", "%s: %v", n.DataID, err)
		return n, failedOutcome("upload", err)
	}

	committed, err := p.Store.CommitIfNewer(ctx, n.DataID, n.PubTimeEpoch, n.HasUpdateLink(), p.TTL)
	if err != nil {
		p.Metrics.RecordFailure(n.Centre(), n.Dataserver())
		log.Stagef("COMMIT", "%s: %v", n.DataID, err)
		return n, failedOutcome("commit", err)
	}
	if !committed {
		// A newer or equal update for this data_id was committed by a
		// concurrent worker while this one was fetching, or this
		// notification never carried an update link to begin with; the
		// object we just uploaded is stale and the notification it
		// belongs to must not be republished as the cache's current
		// record.
		log.Stagef("COMMIT", "%s: lost race to a newer update, treating as duplicate", n.DataID)
		return n, duplicateOutcome()
	}

	p.Metrics.RecordSuccess(n.Centre(), n.Dataserver(), n.PubTimeEpoch)
	log.Stagef("PUBLISH_CACHE", "%s: cached at %s", n.DataID, url)
	return n, cachedOutcome(url)
}

// dedupCheck implements DEDUP_CHECK1: a notification is a duplicate if
// the store already holds a record for data_id and either its pubtime
// is not strictly newer, or it is newer but carries no update link — a
// strictly-newer canonical-only republish of an already-cached data_id
// is still a duplicate, matching the reference consumer's is_unique.
func (p *Pipeline) dedupCheck(ctx context.Context, n *notification.Notification) (Outcome, bool) {
	last, err := p.Store.Get(ctx, n.DataID)
	if errors.Is(err, dedupstore.ErrNotFound) {
		return Outcome{}, false
	}
	if err != nil {
		p.Metrics.RecordFailure(n.Centre(), n.Dataserver())
		log.Stagef("DEDUP_CHECK1", "%s: %v", n.DataID, err)
		return failedOutcome("dedup_check1", err), true
	}
	if n.PubTimeEpoch <= last {
		log.Stagef("DEDUP_CHECK1", "%s: duplicate (pubtime %f <= recorded %f)", n.DataID, n.PubTimeEpoch, last)
		return duplicateOutcome(), true
	}
	if !n.HasUpdateLink() {
		log.Stagef("DEDUP_CHECK1", "%s: duplicate (newer pubtime but no update link)", n.DataID)
		return duplicateOutcome(), true
	}
	return Outcome{}, false
}

func (p *Pipeline) fetch(ctx context.Context, n *notification.Notification, link notification.Link) (fetcher.Result, error) {
	if n.Content != nil {
		data, err := fetcher.DecodeInline(n.Content)
		if err != nil {
			return fetcher.Result{}, err
		}
		return p.Fetcher.WriteBytes(n.Filename(), data)
	}
	return p.Fetcher.Fetch(ctx, link.Href, n.Filename())
}

func (p *Pipeline) verify(n *notification.Notification, data []byte) error {
	if n.Integrity != nil {
		return integrity.Verify(n.Integrity.Method, n.Integrity.Value, data)
	}
	value, err := integrity.Generate(integrity.DefaultMethod, data)
	if err != nil {
		return err
	}
	n.SetIntegrityBlock(integrity.DefaultMethod, value)
	return nil
}
