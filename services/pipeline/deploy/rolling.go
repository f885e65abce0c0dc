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

// Rolling deploys in batches across all instances, health checking each
// batch before the next. A failed check rolls every already-deployed
// instance back to its prior release.
type Rolling struct {
	// BatchSize is how many instances update per batch. Default 1.
	BatchSize int
}

var _ Deployer = (*Rolling)(nil)

func (r *Rolling) Deploy(ctx context.Context, backend Backend, rel Release) error {
	batch := r.BatchSize
	if batch <= 0 {
		batch = 1
	}
	instances := backend.Instances()
	if len(instances) == 0 {
		return fmt.Errorf("rolling deploy: no instances")
	}

	var deployed []string
	for start := 0; start < len(instances); start += batch {
		end := start + batch
		if end > len(instances) {
			end = len(instances)
		}
		group := instances[start:end]

		for _, inst := range group {
			if err := backend.DeployInstance(ctx, inst, rel); err != nil {
				r.rollback(ctx, backend, deployed)
				return fmt.Errorf("rolling deploy: instance %s: %w", inst, err)
			}
			deployed = append(deployed, inst)
		}
		for _, inst := range group {
			if err := backend.HealthCheck(ctx, inst); err != nil {
				slog.Warn("deploy.rolling: batch unhealthy, rolling back",
					"instance", inst, "release", rel.Name, "error", err)
				r.rollback(ctx, backend, deployed)
				return fmt.Errorf("rolling deploy: health check on %s: %w", inst, err)
			}
		}
		slog.Debug("deploy.rolling: batch healthy",
			"release", rel.Name, "batch_end", end, "total", len(instances))
	}

	slog.Info("deploy.rolling: rollout complete",
		"release", rel.Name, "instances", len(instances))
	return nil
}

func (r *Rolling) rollback(ctx context.Context, backend Backend, deployed []string) {
	for i := len(deployed) - 1; i >= 0; i-- {
		if err := backend.Rollback(ctx, deployed[i]); err != nil {
			slog.Error("deploy.rolling: rollback failed",
				"instance", deployed[i], "error", err)
		}
	}
}
