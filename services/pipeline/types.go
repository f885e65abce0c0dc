// Copyright (C) 2026 Conveyor Authors (dev@conveyor-ci.dev)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

// Package pipeline implements the CI/CD pipeline data model, state
// machine, and execution engine.
//
// A Pipeline moves through a fixed status machine: pending → running →
// {success, failed, cancelled}, with a bounded running → retrying →
// running loop for automatic remediation. Terminal states absorb all
// further transitions. Stages execute in definition order; consecutive
// parallel-flagged stages form a group that runs concurrently with a
// join barrier before the next stage.
package pipeline

import (
	"time"
)

// =============================================================================
// Status Machine
// =============================================================================

// Status is the lifecycle state of a pipeline.
type Status string

const (
	StatusPending   Status = "pending"
	StatusRunning   Status = "running"
	StatusSuccess   Status = "success"
	StatusFailed    Status = "failed"
	StatusCancelled Status = "cancelled"
	StatusRetrying  Status = "retrying"
)

// ParseStatus validates and normalizes a status string.
func ParseStatus(s string) (Status, error) {
	switch Status(s) {
	case StatusPending, StatusRunning, StatusSuccess,
		StatusFailed, StatusCancelled, StatusRetrying:
		return Status(s), nil
	default:
		return "", &ValidationError{Field: "status", Reason: "unknown status " + s}
	}
}

// Terminal reports whether the status is absorbing: no transition out of
// a terminal status is ever legal.
func (s Status) Terminal() bool {
	switch s {
	case StatusSuccess, StatusFailed, StatusCancelled:
		return true
	}
	return false
}

// CanTransitionTo is the single source of truth for transition legality.
//
// pending → running | cancelled
// running → success | failed | cancelled | retrying
// retrying → running | failed | cancelled
// success | failed | cancelled → nothing
func (s Status) CanTransitionTo(next Status) bool {
	if s.Terminal() {
		return false
	}
	switch s {
	case StatusPending:
		return next == StatusRunning || next == StatusCancelled
	case StatusRunning:
		return next == StatusSuccess || next == StatusFailed ||
			next == StatusCancelled || next == StatusRetrying
	case StatusRetrying:
		return next == StatusRunning || next == StatusFailed ||
			next == StatusCancelled
	}
	return false
}

// =============================================================================
// Stages
// =============================================================================

// StageType selects which executor runs a stage. The mapping from type to
// executor is fixed at engine construction.
type StageType string

const (
	StageSource   StageType = "source"
	StageSetup    StageType = "setup"
	StageBuild    StageType = "build"
	StageTest     StageType = "test"
	StageSecurity StageType = "security"
	StagePackage  StageType = "package"
	StageDeploy   StageType = "deploy"
)

// ParseStageType validates a stage type string.
func ParseStageType(s string) (StageType, error) {
	switch StageType(s) {
	case StageSource, StageSetup, StageBuild, StageTest,
		StageSecurity, StagePackage, StageDeploy:
		return StageType(s), nil
	default:
		return "", &ValidationError{Field: "stage.type", Reason: "unknown stage type " + s}
	}
}

// Stage is one step of a pipeline definition.
type Stage struct {
	Name string    `json:"name"`
	Type StageType `json:"type"`

	// Parallel marks the stage as part of a concurrent group. Consecutive
	// parallel stages run together and join before the next stage starts.
	Parallel bool `json:"parallel"`

	// Commands overrides the executor's project-type detection with an
	// explicit command list. Each entry is run through the shell.
	Commands []string `json:"commands,omitempty"`

	// Timeout bounds the stage's execution. Zero means the engine default.
	Timeout time.Duration `json:"timeout,omitempty"`
}

// DefaultStages is the stage list used when a definition names none:
// checkout, dependencies, build, then test and security_scan in parallel,
// then package and deploy.
func DefaultStages() []Stage {
	return []Stage{
		{Name: "checkout", Type: StageSource},
		{Name: "dependencies", Type: StageSetup},
		{Name: "build", Type: StageBuild},
		{Name: "test", Type: StageTest, Parallel: true},
		{Name: "security_scan", Type: StageSecurity, Parallel: true},
		{Name: "package", Type: StagePackage},
		{Name: "deploy", Type: StageDeploy},
	}
}

// StageResult records one stage execution.
type StageResult struct {
	Name        string        `json:"name"`
	Status      string        `json:"status"`
	StartedAt   time.Time     `json:"started_at"`
	CompletedAt time.Time     `json:"completed_at"`
	Duration    time.Duration `json:"duration"`
	CacheHit    bool          `json:"cache_hit"`
	Output      string        `json:"output,omitempty"`
	Error       string        `json:"error,omitempty"`
}

// =============================================================================
// Pipeline
// =============================================================================

// Pipeline is one CI/CD run. Persisted as JSON; timestamps serialize
// RFC 3339 and the status as its string form.
type Pipeline struct {
	ID     string `json:"id"`
	Name   string `json:"name"`
	Source string `json:"source"`
	Branch string `json:"branch"`

	Stages []Stage `json:"stages"`
	Status Status  `json:"status"`

	CreatedAt   time.Time  `json:"created_at"`
	StartedAt   *time.Time `json:"started_at,omitempty"`
	CompletedAt *time.Time `json:"completed_at,omitempty"`

	// RetryCount is how many remediation retries have been spent.
	RetryCount int `json:"retry_count"`

	// Metrics accumulates per-stage measurements (coverage, vulnerability
	// counts, fix names) consulted by later stages.
	Metrics map[string]any `json:"metrics,omitempty"`

	// Artifacts lists archives produced by the package stage.
	Artifacts []string `json:"artifacts,omitempty"`

	StageResults []StageResult `json:"stage_results,omitempty"`
}

// Coverage returns the recorded test coverage percentage, zero if absent.
func (p *Pipeline) Coverage() float64 {
	v, ok := p.Metrics["test_coverage"]
	if !ok {
		return 0
	}
	switch n := v.(type) {
	case float64:
		return n
	case int:
		return float64(n)
	}
	return 0
}

// VulnerabilityCount returns the recorded open vulnerability count.
func (p *Pipeline) VulnerabilityCount() int {
	v, ok := p.Metrics["vulnerabilities"]
	if !ok {
		return 0
	}
	switch n := v.(type) {
	case int:
		return n
	case float64:
		return int(n)
	}
	return 0
}

// setMetric initializes the map on first use.
func (p *Pipeline) setMetric(key string, value any) {
	if p.Metrics == nil {
		p.Metrics = make(map[string]any)
	}
	p.Metrics[key] = value
}
