// Copyright (C) 2026 Conveyor Authors (dev@conveyor-ci.dev)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package cache

import "fmt"

// ValidationError reports a malformed cache request: unknown cache type,
// empty key component, missing source path. Surfaced immediately to the
// caller and never retried.
type ValidationError struct {
	// Field names the offending request field.
	Field string

	// Reason describes what is wrong with it.
	Reason string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("validation: %s: %s", e.Field, e.Reason)
}

// StorageError reports a cache store I/O failure: disk, permissions, or
// index corruption. Callers must not continue writing pipeline state when
// the store cannot confirm a write.
//
// A cache miss is NOT a StorageError; misses are signaled by boolean
// returns.
type StorageError struct {
	// Op is the store operation that failed ("put", "get", "delete", ...).
	Op string

	// Path is the file or index key involved, when known.
	Path string

	// Err is the underlying failure.
	Err error
}

func (e *StorageError) Error() string {
	if e.Path != "" {
		return fmt.Sprintf("cache storage: %s %s: %v", e.Op, e.Path, e.Err)
	}
	return fmt.Sprintf("cache storage: %s: %v", e.Op, e.Err)
}

func (e *StorageError) Unwrap() error {
	return e.Err
}

// storageErr wraps err as a StorageError for the given operation.
func storageErr(op, path string, err error) error {
	return &StorageError{Op: op, Path: path, Err: err}
}
