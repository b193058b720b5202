// Copyright (C) NHR@FAU, University Erlangen-Nuremberg.
// All rights reserved. This file is part of cc-backend.
// Use of this source code is governed by a MIT-style
// license that can be found in the LICENSE file.

package dedupstore

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMemStoreGetMissing(t *testing.T) {
	s := NewMemStore(16)
	_, err := s.Get(context.Background(), "missing")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestMemStoreCommitIfNewerFirstWriteAlwaysWins(t *testing.T) {
	s := NewMemStore(16)
	ctx := context.Background()

	committed, err := s.CommitIfNewer(ctx, "dataset/1", 100.0, false, time.Minute)
	require.NoError(t, err)
	assert.True(t, committed, "no record on file means first write is always novel, update link or not")

	epoch, err := s.Get(ctx, "dataset/1")
	require.NoError(t, err)
	assert.Equal(t, 100.0, epoch)
}

func TestMemStoreCommitIfNewerRejectsOlderOrEqual(t *testing.T) {
	s := NewMemStore(16)
	ctx := context.Background()

	_, err := s.CommitIfNewer(ctx, "dataset/1", 100.0, true, time.Minute)
	require.NoError(t, err)

	committed, err := s.CommitIfNewer(ctx, "dataset/1", 100.0, true, time.Minute)
	require.NoError(t, err)
	assert.False(t, committed, "equal epoch must not overwrite")

	committed, err = s.CommitIfNewer(ctx, "dataset/1", 50.0, true, time.Minute)
	require.NoError(t, err)
	assert.False(t, committed, "older epoch must not overwrite")

	committed, err = s.CommitIfNewer(ctx, "dataset/1", 150.0, true, time.Minute)
	require.NoError(t, err)
	assert.True(t, committed, "newer epoch with an update link must overwrite")
}

func TestMemStoreCommitIfNewerRejectsNewerWithoutUpdateLink(t *testing.T) {
	s := NewMemStore(16)
	ctx := context.Background()

	_, err := s.CommitIfNewer(ctx, "dataset/1", 100.0, true, time.Minute)
	require.NoError(t, err)

	committed, err := s.CommitIfNewer(ctx, "dataset/1", 150.0, false, time.Minute)
	require.NoError(t, err)
	assert.False(t, committed, "a strictly newer canonical-only republish of an already-cached data_id is still a duplicate")

	epoch, err := s.Get(ctx, "dataset/1")
	require.NoError(t, err)
	assert.Equal(t, 100.0, epoch, "record must not be overwritten")
}

func TestMemStoreSetIsUnconditional(t *testing.T) {
	s := NewMemStore(16)
	ctx := context.Background()

	require.NoError(t, s.Set(ctx, "dataset/1", 100.0, time.Minute))
	require.NoError(t, s.Set(ctx, "dataset/1", 1.0, time.Minute))

	epoch, err := s.Get(ctx, "dataset/1")
	require.NoError(t, err)
	assert.Equal(t, 1.0, epoch, "Set always overwrites regardless of ordering")
}

func TestMemStoreCommitIfNewerConcurrentOnlyOneWinner(t *testing.T) {
	s := NewMemStore(16)
	ctx := context.Background()

	const n = 50
	var wg sync.WaitGroup
	wins := make([]bool, n)
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			committed, err := s.CommitIfNewer(ctx, "dataset/race", float64(i+1), true, time.Minute)
			require.NoError(t, err)
			wins[i] = committed
		}(i)
	}
	wg.Wait()

	epoch, err := s.Get(ctx, "dataset/race")
	require.NoError(t, err)
	assert.Equal(t, float64(n), epoch, "highest epoch must be the one left on record")
}
