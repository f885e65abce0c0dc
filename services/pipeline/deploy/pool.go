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
	"sync"
)

// =============================================================================
// Environment Pool
// =============================================================================

// HealthFunc probes one instance. The release and traffic share let probes
// judge an instance under load; a nil error means healthy.
type HealthFunc func(instance string, rel Release, trafficPercent int) error

// instanceState tracks one deployment target.
type instanceState struct {
	current        Release
	previous       Release
	deployed       bool
	trafficPercent int
}

// EnvironmentPool is the in-process Backend: a set of named instances with
// per-instance release history and traffic shares. The health probe is
// injectable so callers can wire real checks or failure scenarios.
//
// # Thread Safety
//
// Safe for concurrent use; a mutex guards all instance state.
type EnvironmentPool struct {
	mu        sync.Mutex
	order     []string
	instances map[string]*instanceState
	health    HealthFunc
	logger    *slog.Logger
}

var _ Backend = (*EnvironmentPool)(nil)

// NewEnvironmentPool creates a pool over the named instances. The first
// instance starts with full traffic. A nil health func reports every
// deployed instance healthy.
func NewEnvironmentPool(names []string, health HealthFunc) (*EnvironmentPool, error) {
	if len(names) == 0 {
		return nil, fmt.Errorf("environment pool needs at least one instance")
	}
	if health == nil {
		health = func(string, Release, int) error { return nil }
	}

	pool := &EnvironmentPool{
		order:     append([]string(nil), names...),
		instances: make(map[string]*instanceState, len(names)),
		health:    health,
		logger:    slog.Default(),
	}
	for i, name := range names {
		if _, dup := pool.instances[name]; dup {
			return nil, fmt.Errorf("duplicate instance name %q", name)
		}
		state := &instanceState{}
		if i == 0 {
			state.trafficPercent = 100
		}
		pool.instances[name] = state
	}
	return pool, nil
}

func (p *EnvironmentPool) Instances() []string {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]string(nil), p.order...)
}

// Active returns the instance with the largest traffic share.
func (p *EnvironmentPool) Active() string {
	p.mu.Lock()
	defer p.mu.Unlock()
	active := p.order[0]
	best := -1
	for _, name := range p.order {
		if pct := p.instances[name].trafficPercent; pct > best {
			best = pct
			active = name
		}
	}
	return active
}

func (p *EnvironmentPool) state(instance string) (*instanceState, error) {
	st, ok := p.instances[instance]
	if !ok {
		return nil, fmt.Errorf("unknown instance %q", instance)
	}
	return st, nil
}

func (p *EnvironmentPool) DeployInstance(ctx context.Context, instance string, rel Release) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	st, err := p.state(instance)
	if err != nil {
		return err
	}
	if st.deployed {
		st.previous = st.current
	}
	st.current = rel
	st.deployed = true
	p.logger.Debug("deploy.pool: deployed release",
		"instance", instance, "release", rel.Name, "version", rel.Version)
	return nil
}

func (p *EnvironmentPool) HealthCheck(ctx context.Context, instance string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	p.mu.Lock()
	st, err := p.state(instance)
	if err != nil {
		p.mu.Unlock()
		return err
	}
	if !st.deployed {
		p.mu.Unlock()
		return fmt.Errorf("instance %q has no deployed release", instance)
	}
	rel, pct := st.current, st.trafficPercent
	p.mu.Unlock()

	// Probe outside the lock; health checks may be slow
	return p.health(instance, rel, pct)
}

func (p *EnvironmentPool) SwitchTraffic(ctx context.Context, from, to string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	src, err := p.state(from)
	if err != nil {
		return err
	}
	dst, err := p.state(to)
	if err != nil {
		return err
	}
	src.trafficPercent = 0
	dst.trafficPercent = 100
	p.logger.Info("deploy.pool: switched traffic", "from", from, "to", to)
	return nil
}

func (p *EnvironmentPool) SetTrafficPercent(ctx context.Context, instance string, percent int) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if percent < 0 || percent > 100 {
		return fmt.Errorf("traffic percent %d out of range", percent)
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	st, err := p.state(instance)
	if err != nil {
		return err
	}
	st.trafficPercent = percent
	return nil
}

func (p *EnvironmentPool) Rollback(ctx context.Context, instance string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	st, err := p.state(instance)
	if err != nil {
		return err
	}
	if !st.deployed {
		return fmt.Errorf("instance %q has nothing to roll back", instance)
	}
	p.logger.Info("deploy.pool: rolling back",
		"instance", instance, "from", st.current.Name, "to", st.previous.Name)
	st.current = st.previous
	st.previous = Release{}
	st.deployed = st.current != (Release{})
	return nil
}

func (p *EnvironmentPool) Discard(ctx context.Context, instance string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	st, err := p.state(instance)
	if err != nil {
		return err
	}
	st.current = st.previous
	st.previous = Release{}
	st.deployed = st.current != (Release{})
	st.trafficPercent = 0
	return nil
}

// Current returns the release deployed on the instance, for assertions
// and status reporting.
func (p *EnvironmentPool) Current(instance string) (Release, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	st, ok := p.instances[instance]
	if !ok || !st.deployed {
		return Release{}, false
	}
	return st.current, true
}

// TrafficPercent returns the instance's current traffic share.
func (p *EnvironmentPool) TrafficPercent(instance string) int {
	p.mu.Lock()
	defer p.mu.Unlock()
	if st, ok := p.instances[instance]; ok {
		return st.trafficPercent
	}
	return 0
}
