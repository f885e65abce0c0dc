// Copyright (C) 2026 Conveyor Authors (dev@conveyor-ci.dev)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package pipeline

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"time"
)

// =============================================================================
// Run Monitor
// =============================================================================

// MonitorConfig holds the background monitor's settings.
type MonitorConfig struct {
	// Interval is how often the monitor sweeps. Default 5 minutes.
	Interval time.Duration

	// RunTimeout is the global bound after which a running pipeline is
	// declared stuck and failed. Default 1 hour.
	RunTimeout time.Duration

	// ArtifactRetention is how long packaged artifacts are kept.
	// Default 7 days.
	ArtifactRetention time.Duration

	// ArtifactsDir is the pruned directory. Empty disables pruning.
	ArtifactsDir string
}

// DefaultMonitorConfig returns production defaults.
func DefaultMonitorConfig() MonitorConfig {
	return MonitorConfig{
		Interval:          5 * time.Minute,
		RunTimeout:        time.Hour,
		ArtifactRetention: 7 * 24 * time.Hour,
	}
}

// Monitor fails pipelines stuck past the run timeout and prunes aged
// artifacts. Stuck runs happen when a worker dies without recording a
// terminal state; the monitor is the backstop that keeps them from
// holding status forever. When the run is still live in this process,
// failing it also cancels the run so its subprocesses terminate.
//
// # Thread Safety
//
// All public methods are thread-safe; a mutex protects the running state.
type Monitor struct {
	store   *Store
	engine  *Engine
	config  MonitorConfig
	metrics *Metrics
	now     func() time.Time
	done    chan struct{}
	mu      sync.Mutex
	running bool
}

// NewMonitor creates a monitor over the pipeline store. The engine may be
// nil when no runs execute in this process. Not started until Start() is
// called.
func NewMonitor(store *Store, engine *Engine, metrics *Metrics, config MonitorConfig) *Monitor {
	defaults := DefaultMonitorConfig()
	if config.Interval <= 0 {
		config.Interval = defaults.Interval
	}
	if config.RunTimeout <= 0 {
		config.RunTimeout = defaults.RunTimeout
	}
	if config.ArtifactRetention <= 0 {
		config.ArtifactRetention = defaults.ArtifactRetention
	}
	return &Monitor{
		store:   store,
		engine:  engine,
		config:  config,
		metrics: metrics,
		now:     time.Now,
		done:    make(chan struct{}),
	}
}

// Start begins the background sweep loop. Returns an error if already
// running.
func (m *Monitor) Start(ctx context.Context) error {
	m.mu.Lock()
	if m.running {
		m.mu.Unlock()
		return fmt.Errorf("monitor is already running")
	}
	m.running = true
	m.done = make(chan struct{}) // Reset for potential restart
	m.mu.Unlock()

	slog.Info("pipeline.monitor: starting",
		"interval", m.config.Interval.String(),
		"run_timeout", m.config.RunTimeout.String())
	go m.runLoop(ctx)
	return nil
}

// Stop signals the sweep loop to stop. Safe to call multiple times.
func (m *Monitor) Stop() {
	m.mu.Lock()
	defer m.mu.Unlock()
	if !m.running {
		return
	}
	slog.Info("pipeline.monitor: stopping")
	close(m.done)
	m.running = false
}

// RunNow performs one sweep immediately, returning how many stuck runs
// were failed. Useful for manual invocation and tests.
func (m *Monitor) RunNow(ctx context.Context) (int, error) {
	failed, err := m.sweepStuck(ctx)
	if err != nil {
		return failed, err
	}
	m.pruneArtifacts()
	return failed, nil
}

func (m *Monitor) runLoop(ctx context.Context) {
	ticker := time.NewTicker(m.config.Interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			slog.Info("pipeline.monitor: stopped (context cancelled)")
			return
		case <-m.done:
			slog.Info("pipeline.monitor: stopped (stop requested)")
			return
		case <-ticker.C:
			if _, err := m.RunNow(ctx); err != nil {
				slog.Error("pipeline.monitor: sweep failed", "error", err)
			}
		}
	}
}

// sweepStuck fails running pipelines whose start time is older than the
// run timeout.
func (m *Monitor) sweepStuck(ctx context.Context) (int, error) {
	if err := ctx.Err(); err != nil {
		return 0, err
	}
	running, err := m.store.List(ListFilter{Status: StatusRunning})
	if err != nil {
		return 0, err
	}

	now := m.now()
	failed := 0
	for _, p := range running {
		if p.StartedAt == nil || now.Sub(*p.StartedAt) < m.config.RunTimeout {
			continue
		}
		terr := &TimeoutError{Op: "pipeline " + p.ID, Limit: m.config.RunTimeout}
		p.Status = StatusFailed
		p.CompletedAt = &now
		p.setMetric("failure_reason", terr.Error())
		terminal, err := m.store.SaveUnlessTerminal(p)
		if err != nil {
			return failed, err
		}
		if terminal != "" {
			// The run finished between the listing and the write
			continue
		}
		if m.engine != nil {
			m.engine.cancelRun(p.ID)
		}
		failed++
		slog.Warn("pipeline.monitor: failed stuck pipeline",
			"pipeline_id", p.ID, "started_at", p.StartedAt.Format(time.RFC3339),
			"timeout", m.config.RunTimeout.String())
		if m.metrics != nil {
			m.metrics.StuckTimeoutsTotal.Inc()
			m.metrics.RunsTotal.WithLabelValues(string(StatusFailed)).Inc()
		}
	}
	return failed, nil
}

// pruneArtifacts removes packaged artifacts older than the retention
// window. Failures are logged, never fatal.
func (m *Monitor) pruneArtifacts() {
	if m.config.ArtifactsDir == "" {
		return
	}
	cutoff := m.now().Add(-m.config.ArtifactRetention)
	entries, err := os.ReadDir(m.config.ArtifactsDir)
	if err != nil {
		slog.Warn("pipeline.monitor: artifact dir unreadable",
			"dir", m.config.ArtifactsDir, "error", err)
		return
	}
	for _, entry := range entries {
		if entry.IsDir() {
			continue
		}
		info, err := entry.Info()
		if err != nil || info.ModTime().After(cutoff) {
			continue
		}
		path := filepath.Join(m.config.ArtifactsDir, entry.Name())
		if err := os.Remove(path); err != nil {
			slog.Warn("pipeline.monitor: artifact prune failed",
				"path", path, "error", err)
			continue
		}
		slog.Debug("pipeline.monitor: pruned artifact", "path", path)
	}
}
