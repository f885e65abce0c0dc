// Copyright (C) 2026 Conveyor Authors (dev@conveyor-ci.dev)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

// Package deploy implements the rolling, blue-green, and canary deployment
// strategies and the environment backend they drive.
//
// A strategy never touches infrastructure directly; it drives a Backend.
// The in-process EnvironmentPool backend serves local deployments and
// tests, and keeps the strategy logic honest: every strategy performs real
// deploy, health-check, traffic, and rollback calls.
package deploy

import (
	"context"
	"fmt"
)

// =============================================================================
// Strategies
// =============================================================================

// Strategy names a deployment rollout method.
type Strategy string

const (
	StrategyRolling   Strategy = "rolling"
	StrategyBlueGreen Strategy = "blue_green"
	StrategyCanary    Strategy = "canary"
)

// ParseStrategy validates a strategy string.
func ParseStrategy(s string) (Strategy, error) {
	switch Strategy(s) {
	case StrategyRolling, StrategyBlueGreen, StrategyCanary:
		return Strategy(s), nil
	default:
		return "", fmt.Errorf("unknown deployment strategy %q", s)
	}
}

// Signals are the pipeline measurements the strategy decision consumes.
type Signals struct {
	// TestCoverage is the recorded coverage percentage, 0-100.
	TestCoverage float64

	// OpenVulnerabilities is the count of unresolved findings from the
	// security stage.
	OpenVulnerabilities int
}

// ChooseStrategy picks a rollout method from pipeline signals:
//
//   - coverage above 80% earns the confidence for an atomic blue-green
//     switch;
//   - open vulnerabilities force a canary ramp so blast radius stays
//     bounded while the findings are triaged;
//   - everything else rolls out batch by batch.
func ChooseStrategy(sig Signals) Strategy {
	if sig.TestCoverage > 80 {
		return StrategyBlueGreen
	}
	if sig.OpenVulnerabilities > 0 {
		return StrategyCanary
	}
	return StrategyRolling
}

// =============================================================================
// Backend
// =============================================================================

// Release identifies one deployable artifact.
type Release struct {
	PipelineID string
	Name       string
	Artifact   string
	Version    string
}

// Backend is the infrastructure surface a strategy drives. Implementations
// must be safe for sequential use by a single strategy run; strategies
// never call a backend concurrently.
type Backend interface {
	// Instances lists the deployment target names in a stable order.
	Instances() []string

	// Active returns the instance currently receiving full traffic.
	Active() string

	// DeployInstance places the release on the named instance. The
	// instance's previous release is retained for rollback.
	DeployInstance(ctx context.Context, instance string, rel Release) error

	// HealthCheck probes the named instance under its current traffic
	// share. A non-nil error means unhealthy.
	HealthCheck(ctx context.Context, instance string) error

	// SwitchTraffic atomically moves all traffic from one instance to
	// another.
	SwitchTraffic(ctx context.Context, from, to string) error

	// SetTrafficPercent routes the given share of traffic to the
	// instance.
	SetTrafficPercent(ctx context.Context, instance string, percent int) error

	// Rollback restores the instance's previous release.
	Rollback(ctx context.Context, instance string) error

	// Discard removes an undeployed or failed release from the instance
	// without touching what was live before.
	Discard(ctx context.Context, instance string) error
}

// Deployer executes a strategy against a backend.
type Deployer interface {
	// Deploy rolls the release out. A non-nil error means the rollout
	// failed and the backend was restored to its prior state as far as
	// the strategy could manage.
	Deploy(ctx context.Context, backend Backend, rel Release) error
}

// ForStrategy returns the deployer implementing the named strategy.
func ForStrategy(s Strategy) (Deployer, error) {
	switch s {
	case StrategyRolling:
		return &Rolling{}, nil
	case StrategyBlueGreen:
		return &BlueGreen{}, nil
	case StrategyCanary:
		return &Canary{}, nil
	default:
		return nil, fmt.Errorf("unknown deployment strategy %q", s)
	}
}
