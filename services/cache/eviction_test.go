// Copyright (C) 2026 Conveyor Authors (dev@conveyor-ci.dev)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package cache

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseEvictionPolicy(t *testing.T) {
	for _, valid := range []string{"lru", "lfu", "size", "hybrid"} {
		policy, err := ParseEvictionPolicy(valid)
		require.NoError(t, err)
		assert.Equal(t, EvictionPolicy(valid), policy)
	}

	_, err := ParseEvictionPolicy("random")
	var verr *ValidationError
	require.ErrorAs(t, err, &verr)
}

func evictionFixture(now time.Time) []*Entry {
	return []*Entry{
		{ID: "a", SizeBytes: 100, AccessCount: 10, LastAccessedAt: now.Add(-1 * time.Hour)},
		{ID: "b", SizeBytes: 300, AccessCount: 1, LastAccessedAt: now.Add(-3 * time.Hour)},
		{ID: "c", SizeBytes: 200, AccessCount: 5, LastAccessedAt: now.Add(-2 * time.Hour)},
	}
}

func victimIDs(entries []*Entry) []string {
	ids := make([]string, len(entries))
	for i, e := range entries {
		ids[i] = e.ID
	}
	return ids
}

func TestOrderVictims_LRU(t *testing.T) {
	now := time.Now()
	victims := orderVictims(evictionFixture(now), EvictionLRU, now)
	// Oldest last-access first
	assert.Equal(t, []string{"b", "c", "a"}, victimIDs(victims))
}

func TestOrderVictims_LFU(t *testing.T) {
	now := time.Now()
	victims := orderVictims(evictionFixture(now), EvictionLFU, now)
	// Lowest access count first
	assert.Equal(t, []string{"b", "c", "a"}, victimIDs(victims))
}

func TestOrderVictims_Size(t *testing.T) {
	now := time.Now()
	victims := orderVictims(evictionFixture(now), EvictionSize, now)
	// Largest first
	assert.Equal(t, []string{"b", "c", "a"}, victimIDs(victims))
}

func TestOrderVictims_Hybrid(t *testing.T) {
	now := time.Now()
	victims := orderVictims(evictionFixture(now), EvictionHybrid, now)
	// b: old, rarely used, large -> highest score.
	// a: fresh, frequently used, small -> lowest score.
	assert.Equal(t, []string{"b", "c", "a"}, victimIDs(victims))
}

func TestOrderVictims_TieBreaksByID(t *testing.T) {
	now := time.Now()
	same := now.Add(-time.Hour)
	entries := []*Entry{
		{ID: "z", SizeBytes: 100, AccessCount: 1, LastAccessedAt: same},
		{ID: "a", SizeBytes: 100, AccessCount: 1, LastAccessedAt: same},
		{ID: "m", SizeBytes: 100, AccessCount: 1, LastAccessedAt: same},
	}

	for _, policy := range []EvictionPolicy{EvictionLRU, EvictionLFU, EvictionSize, EvictionHybrid} {
		victims := orderVictims(entries, policy, now)
		assert.Equal(t, []string{"a", "m", "z"}, victimIDs(victims), string(policy))
	}
}

func TestOrderVictims_DoesNotMutateInput(t *testing.T) {
	now := time.Now()
	entries := evictionFixture(now)
	_ = orderVictims(entries, EvictionSize, now)
	assert.Equal(t, []string{"a", "b", "c"}, victimIDs(entries))
}

func TestHybridScores_Weighting(t *testing.T) {
	now := time.Now()
	entries := []*Entry{
		{ID: "cold", SizeBytes: 1000, AccessCount: 0, LastAccessedAt: now.Add(-10 * time.Hour)},
		{ID: "hot", SizeBytes: 10, AccessCount: 100, LastAccessedAt: now},
	}
	scores := hybridScores(entries, now)

	// cold: ageNorm=1, freqNorm=0, sizeNorm=1 -> 0.4 + 0.4 + 0.2 = 1.0
	assert.InDelta(t, 1.0, scores["cold"], 0.001)
	// hot: ageNorm=0, freqNorm=1, sizeNorm=0.01 -> 0.002
	assert.InDelta(t, 0.002, scores["hot"], 0.001)
}
