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
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMatchRemediation(t *testing.T) {
	remediations := defaultRemediations()

	tests := []struct {
		name   string
		err    error
		output string
		want   string
	}{
		{"permission in error", errors.New("mkdir: Permission Denied"), "", "permissions"},
		{"permission in output", errors.New("exit status 1"), "sh: ./run.sh: permission denied", "permissions"},
		{"missing file", errors.New("exit status 1"), "gcc: no such file or directory", "missing_files"},
		{"timeout error type", &TimeoutError{Op: "stage build", Limit: time.Minute}, "", "timeout"},
		{"deadline exceeded", context.DeadlineExceeded, "", "timeout"},
		{"oom", errors.New("exit status 137"), "fatal: Out of Memory", "memory"},
		{"no match", errors.New("syntax error"), "compile failed", ""},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := matchRemediation(remediations, tt.err, tt.output)
			if tt.want == "" {
				assert.Nil(t, got)
				return
			}
			require.NotNil(t, got)
			assert.Equal(t, tt.want, got.Name)
		})
	}
}

func remediationByName(t *testing.T, name string) *Remediation {
	t.Helper()
	for _, r := range defaultRemediations() {
		if r.Name == name {
			return &r
		}
	}
	t.Fatalf("no remediation named %s", name)
	return nil
}

func TestRemediation_TimeoutDoublesStageBudgets(t *testing.T) {
	p := &Pipeline{Stages: []Stage{
		{Name: "build", Type: StageBuild, Timeout: 10 * time.Minute},
		{Name: "test", Type: StageTest},
	}}
	ec := &ExecutionContext{Pipeline: p}

	require.NoError(t, remediationByName(t, "timeout").Apply(context.Background(), ec))
	assert.Equal(t, 20*time.Minute, p.Stages[0].Timeout)
	assert.Zero(t, p.Stages[1].Timeout, "default-budget stages untouched")
}

func TestRemediation_MemorySerializesParallelGroup(t *testing.T) {
	p := &Pipeline{Stages: DefaultStages()}
	ec := &ExecutionContext{Pipeline: p}

	require.NoError(t, remediationByName(t, "memory").Apply(context.Background(), ec))
	for _, s := range p.Stages {
		assert.False(t, s.Parallel, s.Name)
	}
}
