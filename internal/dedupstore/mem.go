// Copyright (C) NHR@FAU, University Erlangen-Nuremberg.
// All rights reserved. This file is part of cc-backend.
// Use of this source code is governed by a MIT-style
// license that can be found in the LICENSE file.

package dedupstore

import (
	"context"
	"sync"
	"time"

	"github.com/wmo-im/wis2-gc/pkg/lrucache"
)

// MemStore is a single-process Store backed by pkg/lrucache, for
// STORE_BACKEND=memory deployments (a single gc instance, or tests) that
// have no Redis available. Entries expire under the same TTL semantics
// as the Redis backend; CommitIfNewer is additionally serialized by a
// mutex since lrucache's Get/Put pair is not itself compare-and-set.
type MemStore struct {
	mu    sync.Mutex
	cache *lrucache.Cache
}

// NewMemStore creates a memory-backed store. maxEntries bounds the cache
// by entry count rather than byte size: every entry is given size 1, so
// maxEntries doubles as lrucache's maxmemory budget.
func NewMemStore(maxEntries int) *MemStore {
	return &MemStore{cache: lrucache.New(maxEntries)}
}

func (s *MemStore) Get(ctx context.Context, dataID string) (float64, error) {
	v := s.cache.Get(dataID, nil)
	if v == nil {
		return 0, ErrNotFound
	}
	return v.(float64), nil
}

func (s *MemStore) CommitIfNewer(ctx context.Context, dataID string, epoch float64, hasUpdate bool, ttl time.Duration) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	v := s.cache.Get(dataID, nil)
	if v != nil && (v.(float64) >= epoch || !hasUpdate) {
		return false, nil
	}
	s.cache.Put(dataID, epoch, 1, ttl)
	return true, nil
}

func (s *MemStore) Set(ctx context.Context, dataID string, epoch float64, ttl time.Duration) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.cache.Put(dataID, epoch, 1, ttl)
	return nil
}

func (s *MemStore) Close() error {
	return nil
}

var _ Store = (*MemStore)(nil)
