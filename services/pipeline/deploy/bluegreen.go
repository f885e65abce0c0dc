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

// BlueGreen deploys to the idle instance, smoke tests it, then switches
// all traffic atomically. A failed smoke test discards the idle deployment
// and leaves the live instance untouched.
type BlueGreen struct{}

var _ Deployer = (*BlueGreen)(nil)

func (b *BlueGreen) Deploy(ctx context.Context, backend Backend, rel Release) error {
	instances := backend.Instances()
	if len(instances) < 2 {
		return fmt.Errorf("blue-green deploy: needs at least two instances, have %d", len(instances))
	}

	live := backend.Active()
	idle := ""
	for _, inst := range instances {
		if inst != live {
			idle = inst
			break
		}
	}
	if idle == "" {
		return fmt.Errorf("blue-green deploy: no idle instance beside %s", live)
	}

	if err := backend.DeployInstance(ctx, idle, rel); err != nil {
		return fmt.Errorf("blue-green deploy: deploy to %s: %w", idle, err)
	}

	if err := backend.HealthCheck(ctx, idle); err != nil {
		slog.Warn("deploy.bluegreen: smoke test failed, keeping live instance",
			"idle", idle, "live", live, "release", rel.Name, "error", err)
		if discardErr := backend.Discard(ctx, idle); discardErr != nil {
			slog.Error("deploy.bluegreen: discard failed",
				"instance", idle, "error", discardErr)
		}
		return fmt.Errorf("blue-green deploy: smoke test on %s: %w", idle, err)
	}

	if err := backend.SwitchTraffic(ctx, live, idle); err != nil {
		return fmt.Errorf("blue-green deploy: traffic switch: %w", err)
	}

	slog.Info("deploy.bluegreen: switched",
		"release", rel.Name, "from", live, "to", idle)
	return nil
}
