// Copyright (C) 2026 Conveyor Authors (dev@conveyor-ci.dev)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package secrets

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestStore_CreateAndValue(t *testing.T) {
	s := NewStore(0)

	meta, err := s.Create(CreateRequest{Name: "registry-token", Value: "hunter2", Type: TypeToken})
	require.NoError(t, err)
	assert.NotEmpty(t, meta.ID)
	assert.Equal(t, ScopeGlobal, meta.Scope)
	assert.True(t, meta.ExpiresAt.IsZero())

	value, err := s.Value(meta.ID)
	require.NoError(t, err)
	assert.Equal(t, "hunter2", value)

	// Access stats moved
	got, err := s.Get(meta.ID)
	require.NoError(t, err)
	assert.EqualValues(t, 1, got.AccessCount)
	assert.False(t, got.LastAccessedAt.IsZero())
}

func TestStore_CreateValidation(t *testing.T) {
	s := NewStore(0)

	_, err := s.Create(CreateRequest{Value: "v"})
	require.Error(t, err, "missing name")

	_, err = s.Create(CreateRequest{Name: "n"})
	require.Error(t, err, "missing value")

	_, err = s.Create(CreateRequest{Name: "n", Value: "v", Scope: ScopePipeline})
	require.Error(t, err, "pipeline scope without pipeline id")
}

func TestStore_ValueUnknown(t *testing.T) {
	s := NewStore(0)
	_, err := s.Value("ghost")
	require.ErrorIs(t, err, ErrNotFound)
}

func TestStore_Rotate(t *testing.T) {
	s := NewStore(0)
	meta, err := s.Create(CreateRequest{Name: "db-pass", Value: "old"})
	require.NoError(t, err)

	require.NoError(t, s.Rotate(meta.ID, "new"))
	value, err := s.Value(meta.ID)
	require.NoError(t, err)
	assert.Equal(t, "new", value)

	got, err := s.Get(meta.ID)
	require.NoError(t, err)
	assert.Equal(t, meta.ID, got.ID, "identity survives rotation")
	assert.False(t, got.UpdatedAt.Before(meta.UpdatedAt))

	require.ErrorIs(t, s.Rotate("ghost", "x"), ErrNotFound)
}

func TestStore_Delete(t *testing.T) {
	s := NewStore(0)
	meta, err := s.Create(CreateRequest{Name: "doomed", Value: "v"})
	require.NoError(t, err)

	require.NoError(t, s.Delete(meta.ID))
	_, err = s.Value(meta.ID)
	require.ErrorIs(t, err, ErrNotFound)
	require.ErrorIs(t, s.Delete(meta.ID), ErrNotFound)
}

func TestStore_Expiry(t *testing.T) {
	s := NewStore(0)
	meta, err := s.Create(CreateRequest{Name: "ephemeral", Value: "v", TTL: time.Millisecond})
	require.NoError(t, err)

	time.Sleep(5 * time.Millisecond)

	_, err = s.Value(meta.ID)
	require.ErrorIs(t, err, ErrExpired)

	// The expired secret was purged on access
	_, err = s.Get(meta.ID)
	require.ErrorIs(t, err, ErrNotFound)
}

func TestStore_DefaultTTL(t *testing.T) {
	s := NewStore(time.Hour)
	meta, err := s.Create(CreateRequest{Name: "n", Value: "v"})
	require.NoError(t, err)
	assert.False(t, meta.ExpiresAt.IsZero())
	assert.WithinDuration(t, time.Now().Add(time.Hour), meta.ExpiresAt, time.Minute)
}

func TestStore_List(t *testing.T) {
	s := NewStore(0)
	_, err := s.Create(CreateRequest{Name: "b-global", Value: "v"})
	require.NoError(t, err)
	_, err = s.Create(CreateRequest{Name: "a-global", Value: "v"})
	require.NoError(t, err)
	_, err = s.Create(CreateRequest{Name: "scoped", Value: "v",
		Scope: ScopePipeline, PipelineID: "p1"})
	require.NoError(t, err)
	expired, err := s.Create(CreateRequest{Name: "gone", Value: "v", TTL: time.Millisecond})
	require.NoError(t, err)
	_ = expired
	time.Sleep(5 * time.Millisecond)

	all := s.List("")
	require.Len(t, all, 3)
	assert.Equal(t, "a-global", all[0].Name, "sorted by name")

	scoped := s.List(ScopePipeline)
	require.Len(t, scoped, 1)
	assert.Equal(t, "scoped", scoped[0].Name)
}

func TestStore_ForPipeline(t *testing.T) {
	s := NewStore(0)
	_, err := s.Create(CreateRequest{Name: "GLOBAL_KEY", Value: "g"})
	require.NoError(t, err)
	_, err = s.Create(CreateRequest{Name: "P1_KEY", Value: "one",
		Scope: ScopePipeline, PipelineID: "p1"})
	require.NoError(t, err)
	_, err = s.Create(CreateRequest{Name: "P2_KEY", Value: "two",
		Scope: ScopePipeline, PipelineID: "p2"})
	require.NoError(t, err)

	env, err := s.ForPipeline("p1")
	require.NoError(t, err)
	assert.Equal(t, map[string]string{"GLOBAL_KEY": "g", "P1_KEY": "one"}, env)
}

func TestStore_CleanupExpired(t *testing.T) {
	s := NewStore(0)
	_, err := s.Create(CreateRequest{Name: "keep", Value: "v"})
	require.NoError(t, err)
	_, err = s.Create(CreateRequest{Name: "drop", Value: "v", TTL: time.Millisecond})
	require.NoError(t, err)
	time.Sleep(5 * time.Millisecond)

	assert.Equal(t, 1, s.CleanupExpired())
	assert.Equal(t, 1, s.Count())
	assert.Zero(t, s.CleanupExpired())
}
