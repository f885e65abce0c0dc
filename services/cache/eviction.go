// Copyright (C) 2026 Conveyor Authors (dev@conveyor-ci.dev)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package cache

import (
	"fmt"
	"sort"
	"time"
)

// =============================================================================
// Eviction Policies
// =============================================================================

// EvictionPolicy selects which entries are removed when the cache exceeds
// its configured capacity.
type EvictionPolicy string

const (
	// EvictionLRU evicts the least recently accessed entries first.
	EvictionLRU EvictionPolicy = "lru"

	// EvictionLFU evicts the least frequently accessed entries first.
	EvictionLFU EvictionPolicy = "lfu"

	// EvictionSize evicts the largest entries first.
	EvictionSize EvictionPolicy = "size"

	// EvictionHybrid evicts by a weighted score of age, access frequency,
	// and size. See hybridScore for the exact weighting.
	EvictionHybrid EvictionPolicy = "hybrid"
)

// ParseEvictionPolicy validates an eviction policy name.
func ParseEvictionPolicy(s string) (EvictionPolicy, error) {
	switch EvictionPolicy(s) {
	case EvictionLRU, EvictionLFU, EvictionSize, EvictionHybrid:
		return EvictionPolicy(s), nil
	}
	return "", &ValidationError{Field: "eviction_policy", Reason: fmt.Sprintf("unknown eviction policy %q", s)}
}

// orderVictims sorts entries victims-first under the given policy.
//
// Ties under the active ordering break by entry ID ascending so eviction
// is reproducible.
func orderVictims(entries []*Entry, policy EvictionPolicy, now time.Time) []*Entry {
	out := make([]*Entry, len(entries))
	copy(out, entries)

	var less func(a, b *Entry) bool
	switch policy {
	case EvictionLFU:
		less = func(a, b *Entry) bool {
			if a.AccessCount != b.AccessCount {
				return a.AccessCount < b.AccessCount
			}
			return a.ID < b.ID
		}
	case EvictionSize:
		less = func(a, b *Entry) bool {
			if a.SizeBytes != b.SizeBytes {
				return a.SizeBytes > b.SizeBytes
			}
			return a.ID < b.ID
		}
	case EvictionHybrid:
		scores := hybridScores(out, now)
		less = func(a, b *Entry) bool {
			sa, sb := scores[a.ID], scores[b.ID]
			if sa != sb {
				return sa > sb
			}
			return a.ID < b.ID
		}
	default: // EvictionLRU
		less = func(a, b *Entry) bool {
			if !a.LastAccessedAt.Equal(b.LastAccessedAt) {
				return a.LastAccessedAt.Before(b.LastAccessedAt)
			}
			return a.ID < b.ID
		}
	}

	sort.Slice(out, func(i, j int) bool { return less(out[i], out[j]) })
	return out
}

// hybridScores computes the hybrid eviction score for each entry:
//
//	score = 0.4*ageNorm + 0.4*(1-freqNorm) + 0.2*sizeNorm
//
// where ageNorm, freqNorm and sizeNorm normalize each entry's age since
// last access, access count, and size against the candidate set's maxima.
// A higher score means a better eviction candidate: old, rarely used, and
// large entries go first.
func hybridScores(entries []*Entry, now time.Time) map[string]float64 {
	var maxAge time.Duration
	var maxCount int64
	var maxSize int64
	for _, e := range entries {
		if age := now.Sub(e.LastAccessedAt); age > maxAge {
			maxAge = age
		}
		if e.AccessCount > maxCount {
			maxCount = e.AccessCount
		}
		if e.SizeBytes > maxSize {
			maxSize = e.SizeBytes
		}
	}

	scores := make(map[string]float64, len(entries))
	for _, e := range entries {
		var ageNorm, freqNorm, sizeNorm float64
		if maxAge > 0 {
			ageNorm = float64(now.Sub(e.LastAccessedAt)) / float64(maxAge)
		}
		if maxCount > 0 {
			freqNorm = float64(e.AccessCount) / float64(maxCount)
		}
		if maxSize > 0 {
			sizeNorm = float64(e.SizeBytes) / float64(maxSize)
		}
		scores[e.ID] = 0.4*ageNorm + 0.4*(1-freqNorm) + 0.2*sizeNorm
	}
	return scores
}
