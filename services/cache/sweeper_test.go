// Copyright (C) 2026 Conveyor Authors (dev@conveyor-ci.dev)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package cache

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSweeper_RunNow(t *testing.T) {
	mgr := newTestManager(t, nil)
	ctx := context.Background()
	zero := time.Duration(0)

	_, err := mgr.Store(ctx, StoreRequest{
		Key: "stale", SourcePath: storeSource(t, []byte("old")),
		PipelineID: "pipe-1", StageName: "build", TTL: &zero,
	})
	require.NoError(t, err)
	_, err = mgr.Store(ctx, StoreRequest{
		Key: "fresh", SourcePath: storeSource(t, []byte("new")),
		PipelineID: "pipe-1", StageName: "build",
	})
	require.NoError(t, err)

	sweeper := NewSweeper(mgr, SweeperConfig{})
	removed, err := sweeper.RunNow(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, removed)

	stats, err := mgr.Stats(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, stats.Count)
}

func TestSweeper_StartTwice(t *testing.T) {
	mgr := newTestManager(t, nil)
	sweeper := NewSweeper(mgr, SweeperConfig{Interval: time.Hour})

	require.NoError(t, sweeper.Start(context.Background()))
	defer sweeper.Stop()

	assert.Error(t, sweeper.Start(context.Background()))
}

func TestSweeper_StopIdempotent(t *testing.T) {
	mgr := newTestManager(t, nil)
	sweeper := NewSweeper(mgr, SweeperConfig{Interval: time.Hour})

	require.NoError(t, sweeper.Start(context.Background()))
	sweeper.Stop()
	sweeper.Stop()

	// Restartable after a clean stop
	require.NoError(t, sweeper.Start(context.Background()))
	sweeper.Stop()
}

func TestSweeper_PeriodicSweep(t *testing.T) {
	mgr := newTestManager(t, nil)
	ctx := context.Background()
	zero := time.Duration(0)

	_, err := mgr.Store(ctx, StoreRequest{
		Key: "stale", SourcePath: storeSource(t, []byte("old")),
		PipelineID: "pipe-1", StageName: "build", TTL: &zero,
	})
	require.NoError(t, err)

	sweeper := NewSweeper(mgr, SweeperConfig{Interval: 10 * time.Millisecond})
	require.NoError(t, sweeper.Start(ctx))
	defer sweeper.Stop()

	require.Eventually(t, func() bool {
		expired, err := mgr.store.Expired()
		return err == nil && len(expired) == 0
	}, 2*time.Second, 10*time.Millisecond)
}
