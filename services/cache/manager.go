// Copyright (C) 2026 Conveyor Authors (dev@conveyor-ci.dev)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package cache

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/google/uuid"
)

// =============================================================================
// Manager Configuration
// =============================================================================

// ManagerConfig holds configuration for the cache policy layer.
type ManagerConfig struct {
	// DataDir is the flat directory holding compressed artifact files.
	// Required. Created if it doesn't exist.
	DataDir string

	// MaxCacheBytes bounds the total size of all entries. Exceeding it
	// after a store triggers eviction. Default: 10 GiB.
	MaxCacheBytes int64

	// DefaultTTL applies to stores that don't specify a TTL.
	// Default: 24 hours.
	DefaultTTL time.Duration

	// Compression selects the codec for newly stored artifacts.
	// Default: gzip.
	Compression Compression

	// EvictionPolicy selects the capacity-eviction ordering.
	// Default: hybrid.
	EvictionPolicy EvictionPolicy

	// Logger is the logger for manager operations.
	// If nil, slog.Default() is used.
	Logger *slog.Logger

	// Metrics receives cache counters. May be nil.
	Metrics *Metrics
}

func applyManagerDefaults(cfg ManagerConfig) ManagerConfig {
	if cfg.MaxCacheBytes == 0 {
		cfg.MaxCacheBytes = 10 << 30
	}
	if cfg.DefaultTTL == 0 {
		cfg.DefaultTTL = 24 * time.Hour
	}
	if cfg.Compression == "" {
		cfg.Compression = CompressionGzip
	}
	if cfg.EvictionPolicy == "" {
		cfg.EvictionPolicy = EvictionHybrid
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	return cfg
}

// =============================================================================
// Manager
// =============================================================================

// Manager is the policy layer over the Store: content hashing, compression
// selection, TTL bookkeeping, size-bound enforcement, and eviction.
//
// A cache miss is never an error; Retrieve signals it with a false return.
//
// # Thread Safety
//
// Safe for concurrent use. Eviction passes are serialized by an internal
// mutex; store and retrieve operations on distinct keys proceed
// concurrently.
type Manager struct {
	store   *Store
	config  ManagerConfig
	logger  *slog.Logger
	metrics *Metrics
	now     func() time.Time

	// evictMu serializes capacity-eviction passes so concurrent stores
	// don't double-evict.
	evictMu sync.Mutex
}

// NewManager creates a Manager over the given Store.
func NewManager(store *Store, cfg ManagerConfig) (*Manager, error) {
	if store == nil {
		return nil, &ValidationError{Field: "store", Reason: "must not be nil"}
	}
	if cfg.DataDir == "" {
		return nil, &ValidationError{Field: "data_dir", Reason: "must not be empty"}
	}
	cfg = applyManagerDefaults(cfg)
	if _, err := ParseCompression(string(cfg.Compression)); err != nil {
		return nil, err
	}
	if _, err := ParseEvictionPolicy(string(cfg.EvictionPolicy)); err != nil {
		return nil, err
	}
	if err := os.MkdirAll(cfg.DataDir, 0750); err != nil {
		return nil, storageErr("init", cfg.DataDir, err)
	}

	return &Manager{
		store:   store,
		config:  cfg,
		logger:  cfg.Logger,
		metrics: cfg.Metrics,
		now:     time.Now,
	}, nil
}

// =============================================================================
// Store
// =============================================================================

// StoreRequest describes one artifact to cache.
type StoreRequest struct {
	// Key names the artifact within the stage.
	Key string

	// SourcePath is the file or directory to cache.
	SourcePath string

	// PipelineID and StageName identify the producing stage.
	PipelineID string
	StageName  string

	// Type tags the artifact kind. Empty means TypeCustom.
	Type Type

	// ContentHash overrides the hash computed from SourcePath. Callers
	// caching derived outputs set it to the hash of the inputs so later
	// lookups can key off what produced the artifact.
	ContentHash string

	// Dependencies is the dependency list active for this artifact.
	Dependencies []string

	// TTL overrides the configured default when non-nil. A zero TTL
	// produces an entry that is expired from the moment it is stored.
	TTL *time.Duration

	// Tags and Metadata annotate the entry.
	Tags     []string
	Metadata map[string]string
}

func (r *StoreRequest) validate() error {
	if r.Key == "" {
		return &ValidationError{Field: "key", Reason: "must not be empty"}
	}
	if r.SourcePath == "" {
		return &ValidationError{Field: "source_path", Reason: "must not be empty"}
	}
	if r.PipelineID == "" {
		return &ValidationError{Field: "pipeline_id", Reason: "must not be empty"}
	}
	if r.StageName == "" {
		return &ValidationError{Field: "stage_name", Reason: "must not be empty"}
	}
	if r.Type == "" {
		r.Type = TypeCustom
	}
	_, err := ParseType(string(r.Type))
	return err
}

// Store caches the source file or directory under the request's composite
// key. If an unexpired entry for the same composite key already exists the
// call is an idempotent success and no new artifact is written. The
// duplicate check matches on the key's string form alone (pipeline,
// stage, content hash, name); a request with the same four parts but a
// different dependency list or type is still a duplicate, and the
// existing entry's dependencies and type stay as first recorded. After a
// successful store the total cache size is checked against the configured
// maximum and eviction runs if exceeded.
func (m *Manager) Store(ctx context.Context, req StoreRequest) (bool, error) {
	if err := ctx.Err(); err != nil {
		return false, err
	}
	if err := req.validate(); err != nil {
		m.countStore("error")
		return false, err
	}

	contentHash := req.ContentHash
	if contentHash == "" {
		var err error
		contentHash, err = HashSource(req.SourcePath)
		if err != nil {
			m.countStore("error")
			return false, storageErr("hash", req.SourcePath, err)
		}
	}

	key := Key{
		Name:         req.Key,
		PipelineID:   req.PipelineID,
		StageName:    req.StageName,
		ContentHash:  contentHash,
		Dependencies: sortedDependencies(req.Dependencies),
		Type:         req.Type,
	}

	existing, err := m.store.Get(key.String())
	if err != nil {
		m.countStore("error")
		return false, err
	}
	if existing != nil {
		m.logger.Debug("cache.manager: entry already cached",
			"key", key.String(), "entry_id", existing.ID)
		m.countStore("duplicate")
		return true, nil
	}

	entryID := uuid.NewString()
	artifactPath := filepath.Join(m.config.DataDir, entryID+m.config.Compression.Extension())
	size, err := compressPath(req.SourcePath, artifactPath, m.config.Compression)
	if err != nil {
		// No partial artifacts: remove whatever landed before failing
		_ = os.Remove(artifactPath)
		m.countStore("error")
		return false, storageErr("compress", req.SourcePath, err)
	}

	ttl := m.config.DefaultTTL
	if req.TTL != nil {
		ttl = *req.TTL
	}
	now := m.now()
	entry := &Entry{
		ID:             entryID,
		Key:            key,
		FilePath:       artifactPath,
		SizeBytes:      size,
		Compression:    m.config.Compression,
		CreatedAt:      now,
		LastAccessedAt: now,
		TTL:            ttl,
		ExpiresAt:      now.Add(ttl),
		Tags:           req.Tags,
		Metadata:       req.Metadata,
	}

	if err := m.store.Put(entry); err != nil {
		// Metadata and artifact land together or not at all
		_ = os.Remove(artifactPath)
		m.countStore("error")
		return false, err
	}

	m.logger.Debug("cache.manager: stored entry",
		"key", key.String(), "entry_id", entryID,
		"size_bytes", size, "compression", string(m.config.Compression),
		"expires_at", entry.ExpiresAt.Format(time.RFC3339),
	)
	m.countStore("stored")

	if err := m.enforceSizeLimit(ctx); err != nil {
		m.logger.Warn("cache.manager: eviction pass failed", "error", err)
	}
	m.updateGauges()
	return true, nil
}

// =============================================================================
// Retrieve
// =============================================================================

// RetrieveRequest describes one cache lookup.
type RetrieveRequest struct {
	// Key names the artifact within the stage.
	Key string

	// TargetPath is where the artifact is extracted. An existing
	// directory (or trailing separator) means directory extraction;
	// otherwise the artifact's single file is written to TargetPath.
	TargetPath string

	// PipelineID and StageName identify the requesting stage.
	PipelineID string
	StageName  string

	// ContentHash, when set, requires an exact composite-key match.
	ContentHash string

	// Dependencies is the caller's current dependency list, used for
	// the dependency-set fallback match.
	Dependencies []string

	// AllowDependencyMatch enables the content-agnostic fallback when
	// ContentHash is empty: an entry for the same pipeline, stage, and
	// key whose dependency set equals the caller's is reused regardless
	// of content drift elsewhere. Every fallback hit is logged with the
	// matched entry's content hash so false hits are auditable.
	AllowDependencyMatch bool
}

func (r *RetrieveRequest) validate() error {
	if r.Key == "" {
		return &ValidationError{Field: "key", Reason: "must not be empty"}
	}
	if r.TargetPath == "" {
		return &ValidationError{Field: "target_path", Reason: "must not be empty"}
	}
	if r.PipelineID == "" {
		return &ValidationError{Field: "pipeline_id", Reason: "must not be empty"}
	}
	if r.StageName == "" {
		return &ValidationError{Field: "stage_name", Reason: "must not be empty"}
	}
	return nil
}

// Retrieve extracts a cached artifact to the target path. Returns false
// for any miss: no matching entry, an expired match (deleted on sight), or
// a match whose artifact file has gone missing (also deleted, logged).
// A true return means the artifact was extracted and the entry touched.
func (m *Manager) Retrieve(ctx context.Context, req RetrieveRequest) (bool, error) {
	if err := ctx.Err(); err != nil {
		return false, err
	}
	if err := req.validate(); err != nil {
		return false, err
	}

	if req.ContentHash != "" {
		return m.retrieveExact(req)
	}
	if !req.AllowDependencyMatch {
		m.countMiss("no_hash")
		return false, nil
	}
	return m.retrieveByDependencies(req)
}

func (m *Manager) retrieveExact(req RetrieveRequest) (bool, error) {
	key := Key{
		Name:        req.Key,
		PipelineID:  req.PipelineID,
		StageName:   req.StageName,
		ContentHash: req.ContentHash,
	}
	entry, err := m.store.Get(key.String())
	if err != nil {
		return false, err
	}
	if entry == nil {
		m.countMiss("not_found")
		return false, nil
	}
	hit, err := m.materialize(entry, req.TargetPath)
	if err != nil || !hit {
		return hit, err
	}
	m.countHit("exact")
	return true, nil
}

func (m *Manager) retrieveByDependencies(req RetrieveRequest) (bool, error) {
	candidates, err := m.store.FindByCriteria(Criteria{PipelineID: req.PipelineID})
	if err != nil {
		return false, err
	}

	now := m.now()
	var best *Entry
	for _, e := range candidates {
		if e.Key.StageName != req.StageName || e.Key.Name != req.Key {
			continue
		}
		if !e.Key.DependencySetEqual(req.Dependencies) {
			continue
		}
		if e.Expired(now) {
			// Expired matches are deleted and treated as misses
			if err := m.store.Delete(e.ID); err != nil {
				m.logger.Warn("cache.manager: failed to delete expired entry",
					"entry_id", e.ID, "error", err)
			}
			continue
		}
		if best == nil || e.CreatedAt.After(best.CreatedAt) ||
			(e.CreatedAt.Equal(best.CreatedAt) && e.ID < best.ID) {
			best = e
		}
	}
	if best == nil {
		m.countMiss("not_found")
		return false, nil
	}

	hit, err := m.materialize(best, req.TargetPath)
	if err != nil || !hit {
		return hit, err
	}
	m.logger.Info("cache.manager: dependency-set fallback hit",
		"key", best.Key.String(),
		"content_hash", best.Key.ContentHash,
		"pipeline_id", req.PipelineID,
		"stage", req.StageName,
	)
	m.countHit("dependency")
	return true, nil
}

// materialize extracts the entry's artifact to target and touches the
// entry. A missing artifact file deletes the entry and reports a miss.
func (m *Manager) materialize(entry *Entry, target string) (bool, error) {
	if _, err := os.Stat(entry.FilePath); err != nil {
		m.logger.Warn("cache.manager: artifact file missing, dropping entry",
			"entry_id", entry.ID, "path", entry.FilePath)
		if delErr := m.store.Delete(entry.ID); delErr != nil {
			m.logger.Warn("cache.manager: failed to delete orphaned entry",
				"entry_id", entry.ID, "error", delErr)
		}
		m.countMiss("file_missing")
		return false, nil
	}

	if err := decompressPath(entry.FilePath, target, entry.Compression); err != nil {
		return false, storageErr("decompress", entry.FilePath, err)
	}
	if err := m.store.Touch(entry.ID); err != nil {
		m.logger.Warn("cache.manager: touch failed", "entry_id", entry.ID, "error", err)
	}
	return true, nil
}

// =============================================================================
// Invalidation and Cleanup
// =============================================================================

// InvalidateRequest selects entries for deletion. PipelineID and Type
// narrow the candidate set (AND); within that set, an empty Key and Tags
// deletes everything, otherwise an entry is deleted when its key name
// equals Key OR any of Tags intersects the entry's tags.
type InvalidateRequest struct {
	Key        string
	PipelineID string
	Type       Type
	Tags       []string
}

// Invalidate deletes all matching entries and returns the count deleted.
func (m *Manager) Invalidate(ctx context.Context, req InvalidateRequest) (int, error) {
	if err := ctx.Err(); err != nil {
		return 0, err
	}
	entries, err := m.store.FindByCriteria(Criteria{
		PipelineID: req.PipelineID,
		Type:       req.Type,
	})
	if err != nil {
		return 0, err
	}

	deleted := 0
	for _, e := range entries {
		all := req.Key == "" && len(req.Tags) == 0
		if !all && e.Key.Name != req.Key && !e.HasAnyTag(req.Tags) {
			continue
		}
		if err := m.store.Delete(e.ID); err != nil {
			return deleted, err
		}
		deleted++
	}

	if deleted > 0 {
		m.logger.Info("cache.manager: invalidated entries",
			"count", deleted, "pipeline_id", req.PipelineID, "type", string(req.Type))
		if m.metrics != nil {
			m.metrics.InvalidatedTotal.Add(float64(deleted))
		}
		m.updateGauges()
	}
	return deleted, nil
}

// CleanupExpired deletes all expired entries and returns the count.
func (m *Manager) CleanupExpired(ctx context.Context) (int, error) {
	if err := ctx.Err(); err != nil {
		return 0, err
	}
	expired, err := m.store.Expired()
	if err != nil {
		return 0, err
	}
	deleted := 0
	for _, e := range expired {
		if err := m.store.Delete(e.ID); err != nil {
			return deleted, err
		}
		deleted++
	}
	if deleted > 0 {
		if m.metrics != nil {
			m.metrics.ExpiredSweptTotal.Add(float64(deleted))
		}
		m.updateGauges()
	}
	return deleted, nil
}

// Stats returns live cache statistics.
func (m *Manager) Stats(ctx context.Context) (Stats, error) {
	if err := ctx.Err(); err != nil {
		return Stats{}, err
	}
	return m.store.Stats()
}

// TotalSize returns the combined size of all entries, expired included.
// Expired entries still occupy disk until swept, so they count toward the
// capacity bound.
func (m *Manager) TotalSize() (int64, error) {
	entries, err := m.store.All()
	if err != nil {
		return 0, err
	}
	var total int64
	for _, e := range entries {
		total += e.SizeBytes
	}
	return total, nil
}

// =============================================================================
// Capacity Eviction
// =============================================================================

// enforceSizeLimit brings the total cache size back under the configured
// maximum: expired entries go first, then victims in policy order until
// the bound holds or no entries remain.
func (m *Manager) enforceSizeLimit(ctx context.Context) error {
	m.evictMu.Lock()
	defer m.evictMu.Unlock()

	if err := ctx.Err(); err != nil {
		return err
	}

	entries, err := m.store.All()
	if err != nil {
		return err
	}
	var total int64
	for _, e := range entries {
		total += e.SizeBytes
	}
	if total <= m.config.MaxCacheBytes {
		return nil
	}

	now := m.now()
	var live []*Entry
	expiredRemoved := 0
	for _, e := range entries {
		if !e.Expired(now) {
			live = append(live, e)
			continue
		}
		if err := m.store.Delete(e.ID); err != nil {
			return err
		}
		total -= e.SizeBytes
		expiredRemoved++
	}

	evicted := 0
	if total > m.config.MaxCacheBytes {
		for _, victim := range orderVictims(live, m.config.EvictionPolicy, now) {
			if total <= m.config.MaxCacheBytes {
				break
			}
			if err := m.store.Delete(victim.ID); err != nil {
				return err
			}
			total -= victim.SizeBytes
			evicted++
		}
	}

	m.logger.Info("cache.manager: capacity eviction completed",
		"policy", string(m.config.EvictionPolicy),
		"expired_removed", expiredRemoved,
		"evicted", evicted,
		"total_bytes", total,
		"max_bytes", m.config.MaxCacheBytes,
	)
	if m.metrics != nil && evicted > 0 {
		m.metrics.EvictionsTotal.WithLabelValues(string(m.config.EvictionPolicy)).Add(float64(evicted))
	}
	return nil
}

// =============================================================================
// Metric Helpers
// =============================================================================

func (m *Manager) countHit(match string) {
	if m.metrics != nil {
		m.metrics.HitsTotal.WithLabelValues(match).Inc()
	}
}

func (m *Manager) countMiss(reason string) {
	if m.metrics != nil {
		m.metrics.MissesTotal.WithLabelValues(reason).Inc()
	}
}

func (m *Manager) countStore(outcome string) {
	if m.metrics != nil {
		m.metrics.StoresTotal.WithLabelValues(outcome).Inc()
	}
}

func (m *Manager) updateGauges() {
	if m.metrics == nil {
		return
	}
	stats, err := m.store.Stats()
	if err != nil {
		m.logger.Debug("cache.manager: stats for gauges failed", "error", err)
		return
	}
	m.metrics.SizeBytes.Set(float64(stats.TotalBytes))
	m.metrics.EntryCount.Set(float64(stats.Count))
}

// String summarises manager configuration for startup logs.
func (m *Manager) String() string {
	return fmt.Sprintf("cache.Manager{dir=%s max=%d ttl=%s compression=%s policy=%s}",
		m.config.DataDir, m.config.MaxCacheBytes, m.config.DefaultTTL,
		m.config.Compression, m.config.EvictionPolicy)
}
