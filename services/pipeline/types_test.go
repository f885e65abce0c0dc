// Copyright (C) 2026 Conveyor Authors (dev@conveyor-ci.dev)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package pipeline

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseStatus(t *testing.T) {
	for _, s := range []string{"pending", "running", "success", "failed", "cancelled", "retrying"} {
		got, err := ParseStatus(s)
		require.NoError(t, err)
		assert.Equal(t, Status(s), got)
	}
	_, err := ParseStatus("paused")
	var verr *ValidationError
	require.ErrorAs(t, err, &verr)
}

func TestStatus_Terminal(t *testing.T) {
	assert.True(t, StatusSuccess.Terminal())
	assert.True(t, StatusFailed.Terminal())
	assert.True(t, StatusCancelled.Terminal())
	assert.False(t, StatusPending.Terminal())
	assert.False(t, StatusRunning.Terminal())
	assert.False(t, StatusRetrying.Terminal())
}

func TestStatus_CanTransitionTo(t *testing.T) {
	all := []Status{StatusPending, StatusRunning, StatusSuccess,
		StatusFailed, StatusCancelled, StatusRetrying}

	legal := map[Status][]Status{
		StatusPending:  {StatusRunning, StatusCancelled},
		StatusRunning:  {StatusSuccess, StatusFailed, StatusCancelled, StatusRetrying},
		StatusRetrying: {StatusRunning, StatusFailed, StatusCancelled},
		// Terminal states allow nothing
		StatusSuccess:   {},
		StatusFailed:    {},
		StatusCancelled: {},
	}

	for from, allowed := range legal {
		allowedSet := make(map[Status]bool)
		for _, s := range allowed {
			allowedSet[s] = true
		}
		for _, to := range all {
			assert.Equal(t, allowedSet[to], from.CanTransitionTo(to),
				"%s -> %s", from, to)
		}
	}
}

func TestParseStageType(t *testing.T) {
	for _, s := range []string{"source", "setup", "build", "test", "security", "package", "deploy"} {
		got, err := ParseStageType(s)
		require.NoError(t, err)
		assert.Equal(t, StageType(s), got)
	}
	_, err := ParseStageType("lint")
	var verr *ValidationError
	require.ErrorAs(t, err, &verr)
}

func TestDefaultStages(t *testing.T) {
	stages := DefaultStages()
	require.Len(t, stages, 7)

	names := make([]string, len(stages))
	for i, s := range stages {
		names[i] = s.Name
	}
	assert.Equal(t, []string{"checkout", "dependencies", "build", "test",
		"security_scan", "package", "deploy"}, names)

	// test and security_scan form the only parallel group
	for _, s := range stages {
		parallel := s.Name == "test" || s.Name == "security_scan"
		assert.Equal(t, parallel, s.Parallel, s.Name)
	}
}

func TestPipeline_MetricAccessors(t *testing.T) {
	p := &Pipeline{}
	assert.Zero(t, p.Coverage())
	assert.Zero(t, p.VulnerabilityCount())

	p.setMetric("test_coverage", 85.5)
	p.setMetric("vulnerabilities", 3)
	assert.Equal(t, 85.5, p.Coverage())
	assert.Equal(t, 3, p.VulnerabilityCount())

	// JSON round trips land numbers as float64
	p.setMetric("vulnerabilities", float64(2))
	assert.Equal(t, 2, p.VulnerabilityCount())
}
