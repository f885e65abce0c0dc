// Copyright (C) 2026 Conveyor Authors (dev@conveyor-ci.dev)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

// Package cache implements Conveyor's content-addressed build cache: a
// durable metadata index over compressed artifact files, plus the policy
// layer that decides what gets stored, reused, and evicted.
//
// The package splits into two layers:
//
//   - Store: durable key→entry index (BadgerDB) plus physical byte storage,
//     independent of eviction policy.
//   - Manager: policy layer over the Store handling content hashing,
//     compression, TTLs, size-bound enforcement, and eviction.
//
// A background Sweeper removes expired entries on an interval.
//
// # Thread Safety
//
// Store and Manager are safe for concurrent use by multiple pipelines.
// Index mutations are serialized per composite key via Badger transactions;
// physical files use generated unique names so concurrent writes never
// collide.
package cache

import (
	"fmt"
	"sort"
	"strings"
	"time"
)

// =============================================================================
// Cache Types
// =============================================================================

// Type tags a cache entry with the kind of artifact it holds.
type Type string

const (
	TypeDependency    Type = "dependency"
	TypeBuildArtifact Type = "build_artifact"
	TypeTestResult    Type = "test_result"
	TypeDockerLayer   Type = "docker_layer"
	TypeSourceCode    Type = "source_code"
	TypeIntermediate  Type = "intermediate"
	TypeCustom        Type = "custom"
)

// ParseType validates a cache type string.
//
// Returns a ValidationError for unknown types.
func ParseType(s string) (Type, error) {
	switch Type(s) {
	case TypeDependency, TypeBuildArtifact, TypeTestResult,
		TypeDockerLayer, TypeSourceCode, TypeIntermediate, TypeCustom:
		return Type(s), nil
	}
	return "", &ValidationError{Field: "cache_type", Reason: fmt.Sprintf("unknown cache type %q", s)}
}

// =============================================================================
// Composite Key
// =============================================================================

// Key is the composite identifier addressing a cache entry logically.
//
// Logical equality requires all five components to match; the content hash
// is the sole determinant of cache validity across different pipeline runs
// for the same stage and dependency set.
type Key struct {
	// Name distinguishes multiple cached artifacts within one stage.
	Name string `json:"name"`

	// PipelineID is the pipeline that produced the entry.
	PipelineID string `json:"pipeline_id"`

	// StageName is the stage that produced the entry.
	StageName string `json:"stage_name"`

	// ContentHash is the digest of the staged inputs.
	ContentHash string `json:"content_hash"`

	// Dependencies is the dependency list active when the entry was
	// produced. Compared as a set; order is irrelevant.
	Dependencies []string `json:"dependencies,omitempty"`

	// Type tags the kind of artifact.
	Type Type `json:"type"`
}

// String returns the physical key representation used by the Store index:
// "pipeline:stage:content-hash:name".
func (k Key) String() string {
	return k.PipelineID + ":" + k.StageName + ":" + k.ContentHash + ":" + k.Name
}

// DependencySetEqual reports whether deps contains exactly the same
// elements as the key's dependency list, ignoring order and duplicates.
func (k Key) DependencySetEqual(deps []string) bool {
	return dependencySetEqual(k.Dependencies, deps)
}

func dependencySetEqual(a, b []string) bool {
	setA := make(map[string]struct{}, len(a))
	for _, d := range a {
		setA[d] = struct{}{}
	}
	setB := make(map[string]struct{}, len(b))
	for _, d := range b {
		setB[d] = struct{}{}
	}
	if len(setA) != len(setB) {
		return false
	}
	for d := range setA {
		if _, ok := setB[d]; !ok {
			return false
		}
	}
	return true
}

// sortedDependencies returns a sorted copy of deps for deterministic
// serialization and hashing.
func sortedDependencies(deps []string) []string {
	out := make([]string, len(deps))
	copy(out, deps)
	sort.Strings(out)
	return out
}

// =============================================================================
// Cache Entry
// =============================================================================

// Entry is one stored artifact.
//
// The entry ID is independent of the Key so that key collisions across
// compression generations remain distinguishable. An entry whose expiry
// timestamp has passed is logically absent: it is excluded from lookups
// and counted toward eviction even if not yet physically deleted.
type Entry struct {
	// ID uniquely identifies the entry (UUID).
	ID string `json:"id"`

	// Key is the composite key the entry satisfies.
	Key Key `json:"key"`

	// FilePath is the physical location of the compressed artifact.
	FilePath string `json:"file_path"`

	// SizeBytes is the on-disk size of the compressed artifact.
	SizeBytes int64 `json:"size_bytes"`

	// Compression is the algorithm used for the artifact file.
	Compression Compression `json:"compression"`

	// CreatedAt is when the entry was stored.
	CreatedAt time.Time `json:"created_at"`

	// LastAccessedAt is updated on every successful retrieve.
	LastAccessedAt time.Time `json:"last_accessed_at"`

	// AccessCount is incremented on every successful retrieve.
	AccessCount int64 `json:"access_count"`

	// TTL is the lifetime granted at store time.
	TTL time.Duration `json:"ttl"`

	// ExpiresAt is CreatedAt + TTL.
	ExpiresAt time.Time `json:"expires_at"`

	// Tags are free-form labels usable for bulk invalidation.
	Tags []string `json:"tags,omitempty"`

	// Metadata holds free-form key-value annotations.
	Metadata map[string]string `json:"metadata,omitempty"`
}

// Expired reports whether the entry is logically absent at the given time.
// An entry stored with a zero TTL expires at its creation instant.
func (e *Entry) Expired(now time.Time) bool {
	if e.ExpiresAt.IsZero() {
		return false
	}
	return !now.Before(e.ExpiresAt)
}

// HasAnyTag reports whether any of tags appears in the entry's tag list.
func (e *Entry) HasAnyTag(tags []string) bool {
	for _, want := range tags {
		for _, have := range e.Tags {
			if want == have {
				return true
			}
		}
	}
	return false
}

// =============================================================================
// Statistics
// =============================================================================

// TypeStats aggregates per-type entry counts and sizes.
type TypeStats struct {
	Count      int   `json:"count"`
	TotalBytes int64 `json:"total_bytes"`
}

// Stats summarizes the live contents of the cache.
type Stats struct {
	Count         int                `json:"count"`
	TotalBytes    int64              `json:"total_bytes"`
	AvgBytes      int64              `json:"avg_bytes"`
	MaxBytes      int64              `json:"max_bytes"`
	MinBytes      int64              `json:"min_bytes"`
	TotalAccesses int64              `json:"total_accesses"`
	ByType        map[Type]TypeStats `json:"by_type"`
}

// String renders a short human-readable summary for logs and CLI output.
func (s Stats) String() string {
	var b strings.Builder
	fmt.Fprintf(&b, "%d entries, %d bytes total", s.Count, s.TotalBytes)
	if s.Count > 0 {
		fmt.Fprintf(&b, " (avg %d, min %d, max %d), %d accesses",
			s.AvgBytes, s.MinBytes, s.MaxBytes, s.TotalAccesses)
	}
	return b.String()
}
