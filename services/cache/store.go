// Copyright (C) 2026 Conveyor Authors (dev@conveyor-ci.dev)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package cache

import (
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"time"

	"github.com/dgraph-io/badger/v4"
)

// =============================================================================
// Store Configuration
// =============================================================================

// StoreConfig holds configuration for the cache metadata index.
type StoreConfig struct {
	// Path is the directory for index files.
	// Required for persistent stores. Ignored when InMemory is true.
	Path string

	// InMemory enables in-memory mode (no disk persistence).
	// Useful for testing.
	InMemory bool

	// SyncWrites enables synchronous writes for durability. A cache
	// store followed by a retrieve must observe the stored value, so
	// production stores keep this on.
	SyncWrites bool

	// Logger is the logger for store operations.
	// If nil, slog.Default() is used.
	Logger *slog.Logger
}

// DefaultStoreConfig returns production defaults for the given path.
func DefaultStoreConfig(path string) StoreConfig {
	return StoreConfig{
		Path:       path,
		SyncWrites: true,
	}
}

// InMemoryStoreConfig returns configuration optimized for testing.
func InMemoryStoreConfig() StoreConfig {
	return StoreConfig{
		InMemory:   true,
		SyncWrites: false,
	}
}

// badgerLogger adapts slog.Logger to BadgerDB's Logger interface.
type badgerLogger struct {
	logger *slog.Logger
}

func (l *badgerLogger) Errorf(format string, args ...interface{}) {
	l.logger.Error(fmt.Sprintf(format, args...))
}

func (l *badgerLogger) Warningf(format string, args ...interface{}) {
	l.logger.Warn(fmt.Sprintf(format, args...))
}

func (l *badgerLogger) Infof(format string, args ...interface{}) {
	l.logger.Debug(fmt.Sprintf(format, args...))
}

func (l *badgerLogger) Debugf(format string, args ...interface{}) {
	l.logger.Debug(fmt.Sprintf(format, args...))
}

// =============================================================================
// Store
// =============================================================================

// Index key layout:
//
//	entry:<entry-id>    -> JSON-encoded Entry
//	key:<key-string>    -> entry id currently satisfying that composite key
//
// The key: index enforces the one-live-entry-per-composite-key rule; Put
// replaces whatever entry the index previously pointed at.
const (
	entryKeyPrefix = "entry:"
	indexKeyPrefix = "key:"
)

// Store is the durable key→entry index plus physical byte storage,
// independent of eviction policy.
//
// # Thread Safety
//
// Safe for concurrent use. Mutations are serialized per composite key by
// Badger's transactional conflict detection; operations on distinct keys
// proceed concurrently.
type Store struct {
	db     *badger.DB
	logger *slog.Logger
	now    func() time.Time
}

// NewStore opens the metadata index described by cfg.
//
// The caller must Close() the returned store.
func NewStore(cfg StoreConfig) (*Store, error) {
	if !cfg.InMemory && cfg.Path == "" {
		return nil, &ValidationError{Field: "path", Reason: "required for persistent store"}
	}

	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}

	var opts badger.Options
	if cfg.InMemory {
		opts = badger.DefaultOptions("").WithInMemory(true)
	} else {
		if err := os.MkdirAll(cfg.Path, 0750); err != nil {
			return nil, storageErr("open", cfg.Path, err)
		}
		opts = badger.DefaultOptions(cfg.Path)
	}
	opts = opts.WithSyncWrites(cfg.SyncWrites)
	opts = opts.WithNumVersionsToKeep(1)
	opts = opts.WithLogger(&badgerLogger{logger: logger})

	db, err := badger.Open(opts)
	if err != nil {
		return nil, storageErr("open", cfg.Path, err)
	}

	return &Store{
		db:     db,
		logger: logger,
		now:    time.Now,
	}, nil
}

// Close closes the underlying index.
func (s *Store) Close() error {
	return s.db.Close()
}

// Put upserts an entry by id and points the composite-key index at it,
// replacing any prior entry with the same physical key string. The
// replaced entry's metadata row is removed in the same transaction and
// its artifact file deleted afterwards (best effort, logged).
//
// Put only writes metadata. The caller owns the artifact file and must
// remove it if Put fails, so that the metadata row and the file land
// together or not at all.
func (s *Store) Put(entry *Entry) error {
	if entry.ID == "" {
		return &ValidationError{Field: "entry.id", Reason: "must not be empty"}
	}

	keyStr := entry.Key.String()
	var replaced *Entry

	err := s.db.Update(func(txn *badger.Txn) error {
		replaced = nil
		// Find the entry currently holding this composite key
		if item, err := txn.Get([]byte(indexKeyPrefix + keyStr)); err == nil {
			var oldID string
			if err := item.Value(func(val []byte) error {
				oldID = string(val)
				return nil
			}); err != nil {
				return err
			}
			if oldID != entry.ID {
				old, err := getEntryTxn(txn, oldID)
				if err != nil {
					return err
				}
				if old != nil {
					replaced = old
					if err := txn.Delete([]byte(entryKeyPrefix + oldID)); err != nil {
						return err
					}
				}
			}
		} else if !errors.Is(err, badger.ErrKeyNotFound) {
			return err
		}

		data, err := json.Marshal(entry)
		if err != nil {
			return err
		}
		if err := txn.Set([]byte(entryKeyPrefix+entry.ID), data); err != nil {
			return err
		}
		return txn.Set([]byte(indexKeyPrefix+keyStr), []byte(entry.ID))
	})
	if err != nil {
		return storageErr("put", keyStr, err)
	}

	if replaced != nil {
		s.removeArtifact(replaced)
	}
	return nil
}

// Get returns the entry whose composite key string matches exactly.
// Returns (nil, nil) when no entry exists or the entry has expired.
func (s *Store) Get(keyString string) (*Entry, error) {
	var entry *Entry
	err := s.db.View(func(txn *badger.Txn) error {
		item, err := txn.Get([]byte(indexKeyPrefix + keyString))
		if errors.Is(err, badger.ErrKeyNotFound) {
			return nil
		}
		if err != nil {
			return err
		}
		var id string
		if err := item.Value(func(val []byte) error {
			id = string(val)
			return nil
		}); err != nil {
			return err
		}
		entry, err = getEntryTxn(txn, id)
		return err
	})
	if err != nil {
		return nil, storageErr("get", keyString, err)
	}
	if entry == nil || entry.Expired(s.now()) {
		return nil, nil
	}
	return entry, nil
}

// GetByID returns the entry with the given id regardless of expiry.
// Returns (nil, nil) when no such entry exists.
func (s *Store) GetByID(id string) (*Entry, error) {
	var entry *Entry
	err := s.db.View(func(txn *badger.Txn) error {
		var err error
		entry, err = getEntryTxn(txn, id)
		return err
	})
	if err != nil {
		return nil, storageErr("get", id, err)
	}
	return entry, nil
}

// Criteria filters FindByCriteria results. Empty fields are ignored;
// non-empty fields combine with AND semantics.
type Criteria struct {
	PipelineID  string
	Type        Type
	ContentHash string
}

func (c Criteria) matches(e *Entry) bool {
	if c.PipelineID != "" && e.Key.PipelineID != c.PipelineID {
		return false
	}
	if c.Type != "" && e.Key.Type != c.Type {
		return false
	}
	if c.ContentHash != "" && e.Key.ContentHash != c.ContentHash {
		return false
	}
	return true
}

// FindByCriteria returns all entries matching the supplied filters,
// including expired ones. Callers decide how to treat expiry.
func (s *Store) FindByCriteria(criteria Criteria) ([]*Entry, error) {
	var out []*Entry
	err := s.scan(func(e *Entry) {
		if criteria.matches(e) {
			out = append(out, e)
		}
	})
	if err != nil {
		return nil, storageErr("find", "", err)
	}
	return out, nil
}

// All returns every entry in the index, including expired ones.
func (s *Store) All() ([]*Entry, error) {
	var out []*Entry
	if err := s.scan(func(e *Entry) { out = append(out, e) }); err != nil {
		return nil, storageErr("scan", "", err)
	}
	return out, nil
}

// touchRetries bounds optimistic-concurrency retries on Touch. Conflicts
// only occur when the same entry is retrieved concurrently.
const touchRetries = 5

// Touch atomically increments the entry's access count and sets its
// last-access time to now. Concurrent touches on distinct entries never
// block each other.
func (s *Store) Touch(entryID string) error {
	var lastErr error
	for attempt := 0; attempt < touchRetries; attempt++ {
		err := s.db.Update(func(txn *badger.Txn) error {
			entry, err := getEntryTxn(txn, entryID)
			if err != nil {
				return err
			}
			if entry == nil {
				return badger.ErrKeyNotFound
			}
			entry.AccessCount++
			entry.LastAccessedAt = s.now()
			data, err := json.Marshal(entry)
			if err != nil {
				return err
			}
			return txn.Set([]byte(entryKeyPrefix+entryID), data)
		})
		if err == nil {
			return nil
		}
		if !errors.Is(err, badger.ErrConflict) {
			return storageErr("touch", entryID, err)
		}
		lastErr = err
	}
	return storageErr("touch", entryID, lastErr)
}

// Delete removes the entry's metadata row and attempts to delete its
// artifact file. A missing artifact file is logged, not fatal; the
// metadata removal still succeeds.
func (s *Store) Delete(entryID string) error {
	var deleted *Entry
	err := s.db.Update(func(txn *badger.Txn) error {
		entry, err := getEntryTxn(txn, entryID)
		if err != nil {
			return err
		}
		if entry == nil {
			return nil
		}
		deleted = entry
		if err := txn.Delete([]byte(entryKeyPrefix + entryID)); err != nil {
			return err
		}
		// Drop the composite-key index only if it still points at us
		keyStr := entry.Key.String()
		if item, err := txn.Get([]byte(indexKeyPrefix + keyStr)); err == nil {
			var current string
			if err := item.Value(func(val []byte) error {
				current = string(val)
				return nil
			}); err != nil {
				return err
			}
			if current == entryID {
				return txn.Delete([]byte(indexKeyPrefix + keyStr))
			}
		} else if !errors.Is(err, badger.ErrKeyNotFound) {
			return err
		}
		return nil
	})
	if err != nil {
		return storageErr("delete", entryID, err)
	}

	if deleted != nil {
		s.removeArtifact(deleted)
	}
	return nil
}

// Expired returns all entries whose expiry timestamp has passed.
func (s *Store) Expired() ([]*Entry, error) {
	now := s.now()
	var out []*Entry
	err := s.scan(func(e *Entry) {
		if e.Expired(now) {
			out = append(out, e)
		}
	})
	if err != nil {
		return nil, storageErr("expired", "", err)
	}
	return out, nil
}

// Stats summarizes live (unexpired) cache contents.
func (s *Store) Stats() (Stats, error) {
	now := s.now()
	stats := Stats{ByType: make(map[Type]TypeStats)}

	err := s.scan(func(e *Entry) {
		if e.Expired(now) {
			return
		}
		stats.Count++
		stats.TotalBytes += e.SizeBytes
		stats.TotalAccesses += e.AccessCount
		if stats.Count == 1 || e.SizeBytes > stats.MaxBytes {
			stats.MaxBytes = e.SizeBytes
		}
		if stats.Count == 1 || e.SizeBytes < stats.MinBytes {
			stats.MinBytes = e.SizeBytes
		}
		ts := stats.ByType[e.Key.Type]
		ts.Count++
		ts.TotalBytes += e.SizeBytes
		stats.ByType[e.Key.Type] = ts
	})
	if err != nil {
		return Stats{}, storageErr("stats", "", err)
	}
	if stats.Count > 0 {
		stats.AvgBytes = stats.TotalBytes / int64(stats.Count)
	}
	return stats, nil
}

// =============================================================================
// Internal Helpers
// =============================================================================

func (s *Store) scan(visit func(*Entry)) error {
	return s.db.View(func(txn *badger.Txn) error {
		opts := badger.DefaultIteratorOptions
		opts.Prefix = []byte(entryKeyPrefix)
		it := txn.NewIterator(opts)
		defer it.Close()
		for it.Rewind(); it.Valid(); it.Next() {
			var entry Entry
			if err := it.Item().Value(func(val []byte) error {
				return json.Unmarshal(val, &entry)
			}); err != nil {
				return err
			}
			visit(&entry)
		}
		return nil
	})
}

func getEntryTxn(txn *badger.Txn, id string) (*Entry, error) {
	item, err := txn.Get([]byte(entryKeyPrefix + id))
	if errors.Is(err, badger.ErrKeyNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	var entry Entry
	if err := item.Value(func(val []byte) error {
		return json.Unmarshal(val, &entry)
	}); err != nil {
		return nil, err
	}
	return &entry, nil
}

// removeArtifact deletes an entry's artifact file. Missing files are
// logged at debug level; other failures at warn.
func (s *Store) removeArtifact(entry *Entry) {
	if entry.FilePath == "" {
		return
	}
	if err := os.Remove(entry.FilePath); err != nil {
		if os.IsNotExist(err) {
			s.logger.Debug("cache.store: artifact file already gone",
				"entry_id", entry.ID, "path", entry.FilePath)
		} else {
			s.logger.Warn("cache.store: failed to remove artifact file",
				"entry_id", entry.ID, "path", entry.FilePath, "error", err)
		}
	}
}
