// Copyright (C) 2026 Conveyor Authors (dev@conveyor-ci.dev)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package deploy

import (
	"context"
	"fmt"
	"log/slog"
)

// defaultCanarySteps is the traffic ramp applied when none is configured.
var defaultCanarySteps = []int{10, 25, 50, 75, 100}

// Canary deploys to one instance and ramps its traffic share stepwise,
// health checking at every increment. The first failing increment resets
// the canary's traffic to zero and rolls the instance back to its prior
// release; instances that were never touched keep serving.
type Canary struct {
	// Steps is the ascending traffic ramp. Default 10, 25, 50, 75, 100.
	Steps []int

	// Instance names the canary target. Default: the last instance in
	// the backend's order, so the active instance keeps the remainder.
	Instance string
}

var _ Deployer = (*Canary)(nil)

func (c *Canary) Deploy(ctx context.Context, backend Backend, rel Release) error {
	steps := c.Steps
	if len(steps) == 0 {
		steps = defaultCanarySteps
	}

	target := c.Instance
	if target == "" {
		instances := backend.Instances()
		if len(instances) == 0 {
			return fmt.Errorf("canary deploy: no instances")
		}
		target = instances[len(instances)-1]
	}

	if err := backend.DeployInstance(ctx, target, rel); err != nil {
		return fmt.Errorf("canary deploy: deploy to %s: %w", target, err)
	}

	for _, pct := range steps {
		if err := backend.SetTrafficPercent(ctx, target, pct); err != nil {
			c.revert(ctx, backend, target)
			return fmt.Errorf("canary deploy: set traffic %d%%: %w", pct, err)
		}
		if err := backend.HealthCheck(ctx, target); err != nil {
			slog.Warn("deploy.canary: increment unhealthy, reverting",
				"instance", target, "release", rel.Name,
				"traffic_percent", pct, "error", err)
			c.revert(ctx, backend, target)
			return fmt.Errorf("canary deploy: health check at %d%%: %w", pct, err)
		}
		slog.Debug("deploy.canary: increment healthy",
			"instance", target, "traffic_percent", pct)
	}

	slog.Info("deploy.canary: ramp complete",
		"release", rel.Name, "instance", target)
	return nil
}

func (c *Canary) revert(ctx context.Context, backend Backend, target string) {
	if err := backend.SetTrafficPercent(ctx, target, 0); err != nil {
		slog.Error("deploy.canary: traffic reset failed",
			"instance", target, "error", err)
	}
	if err := backend.Rollback(ctx, target); err != nil {
		slog.Error("deploy.canary: rollback failed",
			"instance", target, "error", err)
	}
}
