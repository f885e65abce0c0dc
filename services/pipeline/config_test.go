// Copyright (C) 2026 Conveyor Authors (dev@conveyor-ci.dev)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package pipeline

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const sampleDefinition = `
name: backend
source: https://github.com/acme/backend.git
branch: release
stages:
  - name: compile
    type: build
    timeout: 30m
  - name: unit
    type: test
    parallel: true
  - name: scan
    type: security
    parallel: true
`

func TestParseDefinition(t *testing.T) {
	def, err := ParseDefinition([]byte(sampleDefinition))
	require.NoError(t, err)
	assert.Equal(t, "backend", def.Name)
	assert.Equal(t, "release", def.Branch)
	require.Len(t, def.Stages, 3)
	assert.True(t, def.Stages[1].Parallel)
}

func TestParseDefinition_BadYAML(t *testing.T) {
	_, err := ParseDefinition([]byte("name: [unclosed"))
	var verr *ValidationError
	require.ErrorAs(t, err, &verr)
}

func TestDefinition_Validate(t *testing.T) {
	tests := []struct {
		name string
		def  Definition
	}{
		{"missing name", Definition{Source: "https://x.git"}},
		{"missing source", Definition{Name: "app"}},
		{"unknown stage type", Definition{Name: "app", Source: "s",
			Stages: []StageDefinition{{Name: "lint", Type: "lint"}}}},
		{"unnamed stage", Definition{Name: "app", Source: "s",
			Stages: []StageDefinition{{Type: "build"}}}},
		{"bad timeout", Definition{Name: "app", Source: "s",
			Stages: []StageDefinition{{Name: "b", Type: "build", Timeout: "soon"}}}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := tt.def.Validate()
			var verr *ValidationError
			require.ErrorAs(t, err, &verr)
		})
	}
}

func TestDefinition_Pipeline_Defaults(t *testing.T) {
	def := &Definition{Name: "app", Source: "https://github.com/acme/app.git"}
	p, err := def.Pipeline()
	require.NoError(t, err)

	assert.NotEmpty(t, p.ID)
	assert.Equal(t, "main", p.Branch)
	assert.Equal(t, StatusPending, p.Status)
	assert.Len(t, p.Stages, 7, "default stage list applied")
	assert.Nil(t, p.StartedAt)
	assert.False(t, p.CreatedAt.IsZero())
}

func TestDefinition_Pipeline_CustomStages(t *testing.T) {
	def, err := ParseDefinition([]byte(sampleDefinition))
	require.NoError(t, err)

	p, err := def.Pipeline()
	require.NoError(t, err)
	require.Len(t, p.Stages, 3)
	assert.Equal(t, StageBuild, p.Stages[0].Type)
	assert.Equal(t, 30*time.Minute, p.Stages[0].Timeout)
	assert.True(t, p.Stages[2].Parallel)
}

func TestLoadDefinition(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "app.yaml")
	require.NoError(t, os.WriteFile(path, []byte(sampleDefinition), 0640))

	def, err := LoadDefinition(path)
	require.NoError(t, err)
	assert.Equal(t, "backend", def.Name)

	_, err = LoadDefinition(filepath.Join(dir, "missing.yaml"))
	assert.Error(t, err)
}
