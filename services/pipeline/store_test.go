// Copyright (C) 2026 Conveyor Authors (dev@conveyor-ci.dev)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package pipeline

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestStore(t *testing.T) *Store {
	t.Helper()
	store, err := NewStore(InMemoryStoreConfig())
	require.NoError(t, err)
	t.Cleanup(func() { _ = store.Close() })
	return store
}

func testPipeline(id, name string, status Status) *Pipeline {
	return &Pipeline{
		ID:        id,
		Name:      name,
		Source:    "https://github.com/acme/" + name + ".git",
		Branch:    "main",
		Stages:    DefaultStages(),
		Status:    status,
		CreatedAt: time.Now(),
		Metrics:   map[string]any{},
	}
}

func TestPipelineStore_SaveGet(t *testing.T) {
	store := newTestStore(t)
	p := testPipeline("p1", "app", StatusPending)
	started := time.Now().Add(-time.Minute).Truncate(time.Second)
	p.StartedAt = &started
	p.Metrics["test_coverage"] = 85.5

	require.NoError(t, store.Save(p))

	got, err := store.Get("p1")
	require.NoError(t, err)
	require.NotNil(t, got)
	assert.Equal(t, "app", got.Name)
	assert.Equal(t, StatusPending, got.Status)
	require.NotNil(t, got.StartedAt)
	assert.True(t, got.StartedAt.Equal(started))
	assert.Equal(t, 85.5, got.Coverage())
}

func TestPipelineStore_GetMissing(t *testing.T) {
	store := newTestStore(t)
	got, err := store.Get("ghost")
	require.NoError(t, err)
	assert.Nil(t, got)
}

func TestPipelineStore_SaveUnlessTerminal(t *testing.T) {
	store := newTestStore(t)

	p := testPipeline("p1", "app", StatusRunning)
	terminal, err := store.SaveUnlessTerminal(p)
	require.NoError(t, err)
	assert.Empty(t, terminal)

	p.Status = StatusFailed
	terminal, err = store.SaveUnlessTerminal(p)
	require.NoError(t, err)
	assert.Empty(t, terminal)

	// The persisted record is terminal; a stale writer is refused
	stale := testPipeline("p1", "app", StatusSuccess)
	terminal, err = store.SaveUnlessTerminal(stale)
	require.NoError(t, err)
	assert.Equal(t, StatusFailed, terminal)

	got, err := store.Get("p1")
	require.NoError(t, err)
	assert.Equal(t, StatusFailed, got.Status)
}

func TestPipelineStore_SaveEmptyID(t *testing.T) {
	store := newTestStore(t)
	err := store.Save(&Pipeline{})
	var verr *ValidationError
	require.ErrorAs(t, err, &verr)
}

func TestPipelineStore_List(t *testing.T) {
	store := newTestStore(t)
	older := testPipeline("p1", "app", StatusSuccess)
	older.CreatedAt = time.Now().Add(-time.Hour)
	newer := testPipeline("p2", "app", StatusRunning)
	other := testPipeline("p3", "web", StatusRunning)
	for _, p := range []*Pipeline{older, newer, other} {
		require.NoError(t, store.Save(p))
	}

	all, err := store.List(ListFilter{})
	require.NoError(t, err)
	require.Len(t, all, 3)
	assert.Equal(t, "p1", all[2].ID, "newest first")

	running, err := store.List(ListFilter{Status: StatusRunning})
	require.NoError(t, err)
	assert.Len(t, running, 2)

	apps, err := store.List(ListFilter{Name: "app", Status: StatusRunning})
	require.NoError(t, err)
	require.Len(t, apps, 1)
	assert.Equal(t, "p2", apps[0].ID)
}

func TestPipelineStore_Delete(t *testing.T) {
	store := newTestStore(t)
	require.NoError(t, store.Save(testPipeline("p1", "app", StatusPending)))

	require.NoError(t, store.Delete("p1"))
	got, err := store.Get("p1")
	require.NoError(t, err)
	assert.Nil(t, got)

	assert.NoError(t, store.Delete("ghost"))
}
