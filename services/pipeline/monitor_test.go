// Copyright (C) 2026 Conveyor Authors (dev@conveyor-ci.dev)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package pipeline

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func runningPipeline(t *testing.T, store *Store, id string, startedAgo time.Duration) *Pipeline {
	t.Helper()
	started := time.Now().Add(-startedAgo)
	p := &Pipeline{
		ID:        id,
		Name:      "app",
		Source:    "https://example.com/app.git",
		Status:    StatusRunning,
		CreatedAt: started,
		StartedAt: &started,
	}
	require.NoError(t, store.Save(p))
	return p
}

func TestMonitor_FailsStuckRuns(t *testing.T) {
	store := newTestStore(t)
	runningPipeline(t, store, "stuck", 2*time.Hour)
	runningPipeline(t, store, "fresh", 10*time.Minute)

	m := NewMonitor(store, nil, nil, MonitorConfig{RunTimeout: time.Hour})
	failed, err := m.RunNow(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, failed)

	stuck, err := store.Get("stuck")
	require.NoError(t, err)
	assert.Equal(t, StatusFailed, stuck.Status)
	require.NotNil(t, stuck.CompletedAt)
	reason, _ := stuck.Metrics["failure_reason"].(string)
	assert.Contains(t, reason, "limit")

	fresh, err := store.Get("fresh")
	require.NoError(t, err)
	assert.Equal(t, StatusRunning, fresh.Status)
	assert.Nil(t, fresh.CompletedAt)
}

// gatedRunner parks every command until released, then reports success.
type gatedRunner struct {
	started chan struct{}
	release chan struct{}
}

func (r *gatedRunner) Run(ctx context.Context, dir, name string, args ...string) (CommandResult, error) {
	select {
	case r.started <- struct{}{}:
	default:
	}
	select {
	case <-r.release:
		return CommandResult{}, nil
	case <-ctx.Done():
		return CommandResult{}, ctx.Err()
	}
}

// startGatedRun triggers a single-stage pipeline that parks inside the
// runner, returning once its stage is executing.
func startGatedRun(t *testing.T, store *Store, runner *gatedRunner) (*Engine, *Pipeline) {
	t.Helper()
	engine, err := NewEngine(store, nil, runner, nil, EngineConfig{
		WorkspaceDir: filepath.Join(t.TempDir(), "ws"),
		ArtifactsDir: filepath.Join(t.TempDir(), "art"),
		MaxRetries:   -1,
	})
	require.NoError(t, err)

	ctx := context.Background()
	def := &Definition{Name: "app", Source: "ignored",
		Stages: []StageDefinition{{Name: "build", Type: "build", Commands: []string{"make all"}}}}
	p, err := engine.CreatePipeline(ctx, def)
	require.NoError(t, err)
	require.NoError(t, engine.Trigger(ctx, p.ID))

	select {
	case <-runner.started:
	case <-time.After(5 * time.Second):
		t.Fatal("stage never started")
	}
	return engine, p
}

func TestMonitor_FailsLiveRunAndCancelsIt(t *testing.T) {
	store := newTestStore(t)
	runner := &gatedRunner{started: make(chan struct{}, 1), release: make(chan struct{})}
	engine, p := startGatedRun(t, store, runner)

	m := NewMonitor(store, engine, nil, MonitorConfig{RunTimeout: time.Nanosecond})
	failed, err := m.RunNow(context.Background())
	require.NoError(t, err)
	require.Equal(t, 1, failed)

	// The sweep cancelled the live run; it terminates without release and
	// must not move the record off failed
	engine.Wait()

	got, err := store.Get(p.ID)
	require.NoError(t, err)
	assert.Equal(t, StatusFailed, got.Status)
	reason, _ := got.Metrics["failure_reason"].(string)
	assert.Contains(t, reason, "limit")
}

func TestMonitor_FailedRunCannotCompleteLater(t *testing.T) {
	store := newTestStore(t)
	runner := &gatedRunner{started: make(chan struct{}, 1), release: make(chan struct{})}
	engine, p := startGatedRun(t, store, runner)

	// No engine wired: the sweep fails the record while the run stays live
	m := NewMonitor(store, nil, nil, MonitorConfig{RunTimeout: time.Nanosecond})
	failed, err := m.RunNow(context.Background())
	require.NoError(t, err)
	require.Equal(t, 1, failed)

	// Releasing the runner lets every stage succeed, but the terminal
	// record must stay failed
	close(runner.release)
	engine.Wait()

	got, err := store.Get(p.ID)
	require.NoError(t, err)
	assert.Equal(t, StatusFailed, got.Status)
}

func TestMonitor_SweepIsIdempotent(t *testing.T) {
	store := newTestStore(t)
	runningPipeline(t, store, "stuck", 2*time.Hour)

	m := NewMonitor(store, nil, nil, MonitorConfig{RunTimeout: time.Hour})
	ctx := context.Background()

	failed, err := m.RunNow(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, failed)

	// Already failed; the second sweep finds nothing running
	failed, err = m.RunNow(ctx)
	require.NoError(t, err)
	assert.Zero(t, failed)
}

func TestMonitor_PrunesAgedArtifacts(t *testing.T) {
	store := newTestStore(t)
	dir := t.TempDir()

	old := filepath.Join(dir, "app-old.tar.gz")
	require.NoError(t, os.WriteFile(old, []byte("x"), 0640))
	stale := time.Now().Add(-8 * 24 * time.Hour)
	require.NoError(t, os.Chtimes(old, stale, stale))

	recent := filepath.Join(dir, "app-recent.tar.gz")
	require.NoError(t, os.WriteFile(recent, []byte("x"), 0640))

	m := NewMonitor(store, nil, nil, MonitorConfig{ArtifactsDir: dir})
	_, err := m.RunNow(context.Background())
	require.NoError(t, err)

	assert.NoFileExists(t, old)
	assert.FileExists(t, recent)
}

func TestMonitor_StartStop(t *testing.T) {
	store := newTestStore(t)
	m := NewMonitor(store, nil, nil, MonitorConfig{Interval: time.Hour})
	ctx := context.Background()

	require.NoError(t, m.Start(ctx))
	require.Error(t, m.Start(ctx), "second start while running")

	m.Stop()
	m.Stop() // idempotent

	// Restartable after a stop
	require.NoError(t, m.Start(ctx))
	m.Stop()
}

func TestMonitor_PeriodicSweep(t *testing.T) {
	store := newTestStore(t)
	runningPipeline(t, store, "stuck", 2*time.Hour)

	m := NewMonitor(store, nil, nil, MonitorConfig{
		Interval:   10 * time.Millisecond,
		RunTimeout: time.Hour,
	})
	require.NoError(t, m.Start(context.Background()))
	defer m.Stop()

	require.Eventually(t, func() bool {
		p, err := store.Get("stuck")
		return err == nil && p.Status == StatusFailed
	}, 2*time.Second, 10*time.Millisecond)
}

func TestMonitor_CancelledContext(t *testing.T) {
	store := newTestStore(t)
	m := NewMonitor(store, nil, nil, MonitorConfig{})

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err := m.RunNow(ctx)
	require.ErrorIs(t, err, context.Canceled)
}
