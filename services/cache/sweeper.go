// Copyright (C) 2026 Conveyor Authors (dev@conveyor-ci.dev)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package cache

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"
)

// =============================================================================
// Expiry Sweeper
// =============================================================================

// SweeperConfig holds configuration for the background expiry sweeper.
type SweeperConfig struct {
	// Interval is how often to run sweep cycles. Default: 30 minutes.
	Interval time.Duration
}

// DefaultSweeperConfig returns sensible default sweeper configuration.
func DefaultSweeperConfig() SweeperConfig {
	return SweeperConfig{
		Interval: 30 * time.Minute,
	}
}

// Sweeper periodically removes expired cache entries.
//
// Uses the ticker + done channel pattern for graceful shutdown. Only one
// sweeper should run per cache instance.
//
// # Thread Safety
//
// All public methods are thread-safe; a mutex protects the running state.
type Sweeper struct {
	manager *Manager
	config  SweeperConfig
	done    chan struct{}
	mu      sync.Mutex
	running bool
}

// NewSweeper creates a sweeper over the given manager. Not started until
// Start() is called.
func NewSweeper(manager *Manager, config SweeperConfig) *Sweeper {
	if config.Interval <= 0 {
		config.Interval = DefaultSweeperConfig().Interval
	}
	return &Sweeper{
		manager: manager,
		config:  config,
		done:    make(chan struct{}),
	}
}

// Start begins the background sweep loop. Returns an error if the sweeper
// is already running. The loop stops when Stop() is called or the context
// is cancelled.
func (s *Sweeper) Start(ctx context.Context) error {
	s.mu.Lock()
	if s.running {
		s.mu.Unlock()
		return fmt.Errorf("sweeper is already running")
	}
	s.running = true
	s.done = make(chan struct{}) // Reset for potential restart
	s.mu.Unlock()

	slog.Info("cache.sweeper: starting", "interval", s.config.Interval.String())
	go s.runLoop(ctx)
	return nil
}

// Stop signals the sweep loop to stop. Safe to call multiple times.
func (s *Sweeper) Stop() {
	s.mu.Lock()
	defer s.mu.Unlock()

	if !s.running {
		return
	}
	slog.Info("cache.sweeper: stopping")
	close(s.done)
	s.running = false
}

// RunNow triggers an immediate sweep cycle, returning the number of
// entries removed. Useful for manual invocation and tests.
func (s *Sweeper) RunNow(ctx context.Context) (int, error) {
	return s.manager.CleanupExpired(ctx)
}

func (s *Sweeper) runLoop(ctx context.Context) {
	ticker := time.NewTicker(s.config.Interval)
	defer ticker.Stop()

	// Run an initial sweep immediately on start
	s.sweep(ctx)

	for {
		select {
		case <-ctx.Done():
			slog.Info("cache.sweeper: stopped (context cancelled)")
			return
		case <-s.done:
			slog.Info("cache.sweeper: stopped (stop requested)")
			return
		case <-ticker.C:
			s.sweep(ctx)
		}
	}
}

func (s *Sweeper) sweep(ctx context.Context) {
	removed, err := s.manager.CleanupExpired(ctx)
	if err != nil {
		slog.Error("cache.sweeper: sweep cycle failed", "error", err)
		return
	}
	if removed > 0 {
		slog.Info("cache.sweeper: sweep cycle completed", "removed", removed)
	} else {
		slog.Debug("cache.sweeper: sweep cycle completed (nothing expired)")
	}
}
