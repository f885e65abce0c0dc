// Copyright (C) 2026 Conveyor Authors (dev@conveyor-ci.dev)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package pipeline

import (
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sort"

	badger "github.com/dgraph-io/badger/v4"
)

// =============================================================================
// Pipeline Record Store
// =============================================================================

const recordKeyPrefix = "pipeline:"

// StoreConfig holds configuration for the pipeline record store.
type StoreConfig struct {
	// Path is the on-disk badger directory. Ignored when InMemory is set.
	Path string

	// InMemory runs badger without persistence. For tests.
	InMemory bool

	// SyncWrites flushes every write to disk before acknowledging.
	SyncWrites bool

	// Logger receives badger's internal messages. Defaults to slog.Default().
	Logger *slog.Logger
}

// DefaultStoreConfig returns production defaults for the given path.
func DefaultStoreConfig(path string) StoreConfig {
	return StoreConfig{Path: path, SyncWrites: true}
}

// InMemoryStoreConfig returns a throwaway in-memory configuration.
func InMemoryStoreConfig() StoreConfig {
	return StoreConfig{InMemory: true}
}

// Store persists pipeline records in badger as JSON.
//
// # Thread Safety
//
// Safe for concurrent use; badger transactions provide isolation.
type Store struct {
	db     *badger.DB
	logger *slog.Logger
}

// badgerLogger adapts slog to badger's logger interface.
type badgerLogger struct{ logger *slog.Logger }

func (l badgerLogger) Errorf(f string, v ...any)   { l.logger.Error(fmt.Sprintf(f, v...)) }
func (l badgerLogger) Warningf(f string, v ...any) { l.logger.Warn(fmt.Sprintf(f, v...)) }
func (l badgerLogger) Infof(f string, v ...any)    { l.logger.Debug(fmt.Sprintf(f, v...)) }
func (l badgerLogger) Debugf(f string, v ...any)   { l.logger.Debug(fmt.Sprintf(f, v...)) }

// NewStore opens the pipeline record store.
func NewStore(cfg StoreConfig) (*Store, error) {
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	if !cfg.InMemory && cfg.Path == "" {
		return nil, &ValidationError{Field: "path", Reason: "must not be empty"}
	}

	var opts badger.Options
	if cfg.InMemory {
		opts = badger.DefaultOptions("").WithInMemory(true)
	} else {
		if err := os.MkdirAll(filepath.Dir(cfg.Path), 0750); err != nil {
			return nil, &StorageError{Op: "open", Key: cfg.Path, Err: err}
		}
		opts = badger.DefaultOptions(cfg.Path)
	}
	opts = opts.
		WithSyncWrites(cfg.SyncWrites).
		WithNumVersionsToKeep(1).
		WithLogger(badgerLogger{logger: cfg.Logger})

	db, err := badger.Open(opts)
	if err != nil {
		return nil, &StorageError{Op: "open", Key: cfg.Path, Err: err}
	}
	return &Store{db: db, logger: cfg.Logger}, nil
}

// Close releases the underlying database.
func (s *Store) Close() error {
	return s.db.Close()
}

// Save writes the pipeline record, replacing any previous version.
func (s *Store) Save(p *Pipeline) error {
	if p.ID == "" {
		return &ValidationError{Field: "pipeline.id", Reason: "must not be empty"}
	}
	data, err := json.Marshal(p)
	if err != nil {
		return &StorageError{Op: "save", Key: p.ID, Err: err}
	}
	err = s.db.Update(func(txn *badger.Txn) error {
		return txn.Set([]byte(recordKeyPrefix+p.ID), data)
	})
	if err != nil {
		return &StorageError{Op: "save", Key: p.ID, Err: err}
	}
	return nil
}

// SaveUnlessTerminal writes the record like Save, unless the persisted
// version already carries a terminal status. In that case nothing is
// written and the persisted status is returned. The check and the write
// share one transaction, so concurrent finishers (the engine's run loop
// and the stuck-run monitor) cannot overwrite each other's terminal
// state.
func (s *Store) SaveUnlessTerminal(p *Pipeline) (Status, error) {
	if p.ID == "" {
		return "", &ValidationError{Field: "pipeline.id", Reason: "must not be empty"}
	}
	data, err := json.Marshal(p)
	if err != nil {
		return "", &StorageError{Op: "save", Key: p.ID, Err: err}
	}
	var terminal Status
	err = s.db.Update(func(txn *badger.Txn) error {
		item, err := txn.Get([]byte(recordKeyPrefix + p.ID))
		if err == nil {
			var stored Pipeline
			if verr := item.Value(func(val []byte) error {
				return json.Unmarshal(val, &stored)
			}); verr != nil {
				return verr
			}
			if stored.Status.Terminal() {
				terminal = stored.Status
				return nil
			}
		} else if !errors.Is(err, badger.ErrKeyNotFound) {
			return err
		}
		return txn.Set([]byte(recordKeyPrefix+p.ID), data)
	})
	if err != nil {
		return "", &StorageError{Op: "save", Key: p.ID, Err: err}
	}
	return terminal, nil
}

// Get returns the pipeline with the given id, or (nil, nil) when absent.
func (s *Store) Get(id string) (*Pipeline, error) {
	var p *Pipeline
	err := s.db.View(func(txn *badger.Txn) error {
		item, err := txn.Get([]byte(recordKeyPrefix + id))
		if errors.Is(err, badger.ErrKeyNotFound) {
			return nil
		}
		if err != nil {
			return err
		}
		return item.Value(func(val []byte) error {
			p = new(Pipeline)
			return json.Unmarshal(val, p)
		})
	})
	if err != nil {
		return nil, &StorageError{Op: "get", Key: id, Err: err}
	}
	return p, nil
}

// ListFilter narrows List results. Zero values match everything.
type ListFilter struct {
	Status Status
	Name   string
}

// List returns pipelines matching the filter, newest first.
func (s *Store) List(filter ListFilter) ([]*Pipeline, error) {
	var out []*Pipeline
	err := s.db.View(func(txn *badger.Txn) error {
		opts := badger.DefaultIteratorOptions
		opts.Prefix = []byte(recordKeyPrefix)
		it := txn.NewIterator(opts)
		defer it.Close()

		for it.Rewind(); it.Valid(); it.Next() {
			err := it.Item().Value(func(val []byte) error {
				var p Pipeline
				if err := json.Unmarshal(val, &p); err != nil {
					return err
				}
				if filter.Status != "" && p.Status != filter.Status {
					return nil
				}
				if filter.Name != "" && p.Name != filter.Name {
					return nil
				}
				out = append(out, &p)
				return nil
			})
			if err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		return nil, &StorageError{Op: "list", Key: "", Err: err}
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].ID < out[j].ID
		}
		return out[i].CreatedAt.After(out[j].CreatedAt)
	})
	return out, nil
}

// Delete removes a pipeline record. Deleting a missing id is a no-op.
func (s *Store) Delete(id string) error {
	err := s.db.Update(func(txn *badger.Txn) error {
		return txn.Delete([]byte(recordKeyPrefix + id))
	})
	if err != nil {
		return &StorageError{Op: "delete", Key: id, Err: err}
	}
	return nil
}
