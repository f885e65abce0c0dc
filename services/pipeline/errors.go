// Copyright (C) 2026 Conveyor Authors (dev@conveyor-ci.dev)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package pipeline

import (
	"fmt"
	"time"
)

// ValidationError reports malformed input: bad definitions, unknown stage
// types, illegal status strings. Always surfaced synchronously at creation
// time, never as run state.
type ValidationError struct {
	Field  string
	Reason string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("validation: %s: %s", e.Field, e.Reason)
}

// StorageError wraps pipeline record persistence failures.
type StorageError struct {
	Op  string
	Key string
	Err error
}

func (e *StorageError) Error() string {
	return fmt.Sprintf("pipeline storage: %s %s: %v", e.Op, e.Key, e.Err)
}

func (e *StorageError) Unwrap() error { return e.Err }

// StageExecutionError carries which stage failed and the command output
// leading up to the failure. The engine turns it into pipeline state; it
// never escapes to API callers as a raw error.
type StageExecutionError struct {
	Stage  string
	Output string
	Err    error
}

func (e *StageExecutionError) Error() string {
	return fmt.Sprintf("stage %s: %v", e.Stage, e.Err)
}

func (e *StageExecutionError) Unwrap() error { return e.Err }

// TimeoutError reports an exceeded execution bound, either a single stage
// or a whole pipeline stuck past the global limit.
type TimeoutError struct {
	Op    string
	Limit time.Duration
}

func (e *TimeoutError) Error() string {
	return fmt.Sprintf("%s exceeded %s limit", e.Op, e.Limit)
}
