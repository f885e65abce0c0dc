// Copyright (C) 2026 Conveyor Authors (dev@conveyor-ci.dev)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package pipeline

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"strings"

	"github.com/conveyor-ci/conveyor/services/cache"
)

// restoreArchive unpacks a packaged artifact back into the workspace.
func restoreArchive(artifact, workspace string) error {
	return cache.Extract(artifact, workspace+string(filepath.Separator), cache.CompressionGzip)
}

// =============================================================================
// Auto-Fix
// =============================================================================

// Remediation is one pattern-matched fix the engine can apply to a failed
// run before retrying it.
type Remediation struct {
	// Name identifies the fix in metrics and pipeline records.
	Name string

	// Matches decides whether the fix applies to the failure.
	Matches func(err error, output string) bool

	// Apply performs the fix against the run's workspace. A non-nil
	// error disqualifies the retry.
	Apply func(ctx context.Context, ec *ExecutionContext) error
}

// defaultRemediations is the fixed remediation table, checked in order;
// the first match wins.
func defaultRemediations() []Remediation {
	return []Remediation{
		{
			Name: "permissions",
			Matches: func(err error, output string) bool {
				return containsFold(err, output, "permission denied")
			},
			Apply: func(ctx context.Context, ec *ExecutionContext) error {
				// Make the whole workspace traversable and executable
				return filepath.WalkDir(ec.Workspace, func(path string, d os.DirEntry, err error) error {
					if err != nil {
						return err
					}
					if d.IsDir() {
						return os.Chmod(path, 0755)
					}
					return os.Chmod(path, 0644)
				})
			},
		},
		{
			Name: "missing_files",
			Matches: func(err error, output string) bool {
				return containsFold(err, output, "no such file") ||
					containsFold(err, output, "file not found")
			},
			Apply: func(ctx context.Context, ec *ExecutionContext) error {
				// Restore prior packaged artifacts into the workspace
				ec.mu.Lock()
				artifacts := append([]string(nil), ec.Pipeline.Artifacts...)
				ec.mu.Unlock()
				for _, artifact := range artifacts {
					if _, err := os.Stat(artifact); err != nil {
						continue
					}
					if err := restoreArchive(artifact, ec.Workspace); err != nil {
						return err
					}
				}
				return nil
			},
		},
		{
			Name: "timeout",
			Matches: func(err error, output string) bool {
				var terr *TimeoutError
				return errors.As(err, &terr) ||
					errors.Is(err, context.DeadlineExceeded) ||
					containsFold(err, output, "timeout")
			},
			Apply: func(ctx context.Context, ec *ExecutionContext) error {
				// Double each stage's time budget for the retry
				ec.mu.Lock()
				for i := range ec.Pipeline.Stages {
					if ec.Pipeline.Stages[i].Timeout > 0 {
						ec.Pipeline.Stages[i].Timeout *= 2
					}
				}
				ec.mu.Unlock()
				return nil
			},
		},
		{
			Name: "memory",
			Matches: func(err error, output string) bool {
				return containsFold(err, output, "out of memory") ||
					containsFold(err, output, "cannot allocate memory")
			},
			Apply: func(ctx context.Context, ec *ExecutionContext) error {
				// Serialize the parallel group on the retry to lower
				// peak memory
				ec.mu.Lock()
				for i := range ec.Pipeline.Stages {
					ec.Pipeline.Stages[i].Parallel = false
				}
				ec.mu.Unlock()
				return nil
			},
		},
	}
}

func containsFold(err error, output, substr string) bool {
	if err != nil && strings.Contains(strings.ToLower(err.Error()), substr) {
		return true
	}
	return strings.Contains(strings.ToLower(output), substr)
}

// matchRemediation returns the first remediation applying to the failure,
// or nil when none matches.
func matchRemediation(remediations []Remediation, err error, output string) *Remediation {
	for i := range remediations {
		if remediations[i].Matches(err, output) {
			return &remediations[i]
		}
	}
	return nil
}
