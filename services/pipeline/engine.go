// Copyright (C) 2026 Conveyor Authors (dev@conveyor-ci.dev)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package pipeline

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/conveyor-ci/conveyor/services/cache"
	"github.com/conveyor-ci/conveyor/services/pipeline/deploy"
)

// =============================================================================
// Engine
// =============================================================================

// EngineConfig holds the orchestration engine's settings.
type EngineConfig struct {
	// WorkspaceDir roots per-run checkouts. Required.
	WorkspaceDir string

	// ArtifactsDir roots packaged artifacts. Required.
	ArtifactsDir string

	// MaxWorkers bounds concurrent pipeline runs. Default 4.
	MaxWorkers int

	// StageTimeout bounds stages with no per-stage override. Default 15m.
	StageTimeout time.Duration

	// MaxRetries bounds auto-fix retries per run. Default 2.
	MaxRetries int

	// KeepWorkspace skips workspace cleanup after terminal runs. For
	// debugging.
	KeepWorkspace bool

	Logger  *slog.Logger
	Metrics *Metrics
}

func applyEngineDefaults(cfg EngineConfig) EngineConfig {
	if cfg.MaxWorkers <= 0 {
		cfg.MaxWorkers = 4
	}
	if cfg.StageTimeout <= 0 {
		cfg.StageTimeout = 15 * time.Minute
	}
	if cfg.MaxRetries < 0 {
		cfg.MaxRetries = 0
	} else if cfg.MaxRetries == 0 {
		cfg.MaxRetries = 2
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	return cfg
}

// Engine orchestrates pipeline runs: creation, triggering, cancellation,
// and status. Runs execute on a bounded worker pool; one slot per
// pipeline. Stage groups marked parallel run concurrently within the
// slot.
//
// # Thread Safety
//
// Safe for concurrent use. Per-run cancellation functions are tracked
// under a mutex; pipeline records are persisted through the Store on
// every transition.
type Engine struct {
	store        *Store
	cache        *cache.Manager
	runner       CommandRunner
	backend      deploy.Backend
	executors    map[StageType]StageExecutor
	remediations []Remediation
	config       EngineConfig
	logger       *slog.Logger
	metrics      *Metrics

	// sem is the worker-pool semaphore; one token per running pipeline.
	sem chan struct{}

	mu      sync.Mutex
	cancels map[string]context.CancelFunc
	wg      sync.WaitGroup
}

// NewEngine wires the engine. The cache manager and backend may be nil;
// stages degrade to uncached execution and the deploy stage fails cleanly.
func NewEngine(store *Store, cacheManager *cache.Manager, runner CommandRunner,
	backend deploy.Backend, cfg EngineConfig) (*Engine, error) {
	if store == nil {
		return nil, &ValidationError{Field: "store", Reason: "must not be nil"}
	}
	if runner == nil {
		runner = NewExecRunner()
	}
	if cfg.WorkspaceDir == "" {
		return nil, &ValidationError{Field: "workspace_dir", Reason: "must not be empty"}
	}
	if cfg.ArtifactsDir == "" {
		return nil, &ValidationError{Field: "artifacts_dir", Reason: "must not be empty"}
	}
	cfg = applyEngineDefaults(cfg)
	for _, dir := range []string{cfg.WorkspaceDir, cfg.ArtifactsDir} {
		if err := os.MkdirAll(dir, 0750); err != nil {
			return nil, &StorageError{Op: "init", Key: dir, Err: err}
		}
	}

	return &Engine{
		store:        store,
		cache:        cacheManager,
		runner:       runner,
		backend:      backend,
		executors:    defaultExecutors(),
		remediations: defaultRemediations(),
		config:       cfg,
		logger:       cfg.Logger,
		metrics:      cfg.Metrics,
		sem:          make(chan struct{}, cfg.MaxWorkers),
		cancels:      make(map[string]context.CancelFunc),
	}, nil
}

// Wait blocks until all in-flight runs finish. For shutdown and tests.
func (e *Engine) Wait() {
	e.wg.Wait()
}

// =============================================================================
// Operations
// =============================================================================

// CreatePipeline validates the definition and persists a pending pipeline.
// All validation failures surface here, synchronously; nothing runs yet.
func (e *Engine) CreatePipeline(ctx context.Context, def *Definition) (*Pipeline, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	p, err := def.Pipeline()
	if err != nil {
		return nil, err
	}
	if err := e.store.Save(p); err != nil {
		return nil, err
	}
	e.logger.Info("pipeline.engine: created pipeline",
		"pipeline_id", p.ID, "name", p.Name, "stages", len(p.Stages))
	return p, nil
}

// ErrIllegalTransition reports a trigger or cancel that the status machine
// forbids.
var ErrIllegalTransition = errors.New("illegal status transition")

// Trigger starts executing a pending pipeline on the worker pool. The
// call returns once the run is queued; execution failures become pipeline
// state, never Trigger errors.
func (e *Engine) Trigger(ctx context.Context, id string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	p, err := e.store.Get(id)
	if err != nil {
		return err
	}
	if p == nil {
		return &ValidationError{Field: "pipeline_id", Reason: "no such pipeline " + id}
	}
	if !p.Status.CanTransitionTo(StatusRunning) {
		return fmt.Errorf("%w: %s pipeline cannot start", ErrIllegalTransition, p.Status)
	}

	runCtx, cancel := context.WithCancel(context.WithoutCancel(ctx))
	e.mu.Lock()
	if _, active := e.cancels[id]; active {
		e.mu.Unlock()
		cancel()
		return fmt.Errorf("%w: pipeline %s already queued", ErrIllegalTransition, id)
	}
	e.cancels[id] = cancel
	e.mu.Unlock()

	e.wg.Add(1)
	go func() {
		defer e.wg.Done()
		defer func() {
			e.mu.Lock()
			delete(e.cancels, id)
			e.mu.Unlock()
			cancel()
		}()

		select {
		case e.sem <- struct{}{}:
			defer func() { <-e.sem }()
		case <-runCtx.Done():
			e.finishCancelled(p)
			return
		}
		e.run(runCtx, p)
	}()
	return nil
}

// Cancel stops a pipeline. Cancelling a terminal pipeline is a no-op;
// cancelling an unknown id is a validation error.
func (e *Engine) Cancel(ctx context.Context, id string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	p, err := e.store.Get(id)
	if err != nil {
		return err
	}
	if p == nil {
		return &ValidationError{Field: "pipeline_id", Reason: "no such pipeline " + id}
	}
	if p.Status.Terminal() {
		e.logger.Debug("pipeline.engine: cancel on terminal pipeline ignored",
			"pipeline_id", id, "status", string(p.Status))
		return nil
	}

	if e.cancelRun(id) {
		// The run loop observes the cancellation and records the state
		return nil
	}

	// Not in flight: transition directly
	return e.transition(p, StatusCancelled)
}

// cancelRun fires the cancel func for a live run, if any, which also
// terminates its subprocesses through context. Reports whether a run was
// in flight.
func (e *Engine) cancelRun(id string) bool {
	e.mu.Lock()
	cancel, active := e.cancels[id]
	e.mu.Unlock()
	if active {
		cancel()
	}
	return active
}

// GetStatus returns the pipeline record, or (nil, nil) when unknown.
func (e *Engine) GetStatus(ctx context.Context, id string) (*Pipeline, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	return e.store.Get(id)
}

// ListPipelines returns pipelines matching the filter, newest first.
func (e *Engine) ListPipelines(ctx context.Context, filter ListFilter) ([]*Pipeline, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	return e.store.List(filter)
}

// =============================================================================
// Run Loop
// =============================================================================

func (e *Engine) transition(p *Pipeline, next Status) error {
	if !p.Status.CanTransitionTo(next) {
		return fmt.Errorf("%w: %s -> %s", ErrIllegalTransition, p.Status, next)
	}
	prev := p.Status
	p.Status = next
	now := time.Now()
	switch next {
	case StatusRunning:
		if p.StartedAt == nil {
			p.StartedAt = &now
		}
	case StatusSuccess, StatusFailed, StatusCancelled:
		p.CompletedAt = &now
	}

	// The stuck-run monitor can finish the persisted record while this
	// run is live; its terminal state wins and the in-memory copy adopts
	// it instead of overwriting.
	terminal, err := e.store.SaveUnlessTerminal(p)
	if err != nil {
		p.Status = prev
		return err
	}
	if terminal != "" {
		p.Status = terminal
		return fmt.Errorf("%w: record already %s", ErrIllegalTransition, terminal)
	}
	if next.Terminal() && e.metrics != nil {
		e.metrics.RunsTotal.WithLabelValues(string(next)).Inc()
	}
	return nil
}

func (e *Engine) finishCancelled(p *Pipeline) {
	if err := e.transition(p, StatusCancelled); err != nil {
		e.logger.Warn("pipeline.engine: cancel transition failed",
			"pipeline_id", p.ID, "error", err)
	}
}

func (e *Engine) run(ctx context.Context, p *Pipeline) {
	if e.metrics != nil {
		e.metrics.ActiveRuns.Inc()
		defer e.metrics.ActiveRuns.Dec()
	}

	workspace := filepath.Join(e.config.WorkspaceDir, p.ID)
	if err := os.MkdirAll(workspace, 0750); err != nil {
		e.logger.Error("pipeline.engine: workspace creation failed",
			"pipeline_id", p.ID, "error", err)
		p.Status = StatusFailed
		now := time.Now()
		p.CompletedAt = &now
		_ = e.store.Save(p)
		return
	}
	if !e.config.KeepWorkspace {
		defer os.RemoveAll(workspace)
	}

	ec := &ExecutionContext{
		Pipeline:     p,
		Workspace:    workspace,
		ArtifactsDir: e.config.ArtifactsDir,
		Runner:       e.runner,
		Cache:        e.cache,
		Backend:      e.backend,
		Logger:       e.logger,
	}

	if err := e.transition(p, StatusRunning); err != nil {
		e.logger.Warn("pipeline.engine: start transition failed",
			"pipeline_id", p.ID, "error", err)
		return
	}
	e.logger.Info("pipeline.engine: run started",
		"pipeline_id", p.ID, "name", p.Name)

	for {
		err := e.runStages(ctx, ec)
		if err == nil {
			if terr := e.transition(p, StatusSuccess); terr != nil {
				e.logger.Warn("pipeline.engine: success transition failed",
					"pipeline_id", p.ID, "error", terr)
			}
			e.logger.Info("pipeline.engine: run succeeded", "pipeline_id", p.ID)
			return
		}

		if errors.Is(err, context.Canceled) || ctx.Err() != nil {
			e.finishCancelled(p)
			e.logger.Info("pipeline.engine: run cancelled", "pipeline_id", p.ID)
			return
		}

		if !e.tryRemediate(ctx, ec, err) {
			if terr := e.transition(p, StatusFailed); terr != nil {
				e.logger.Warn("pipeline.engine: fail transition failed",
					"pipeline_id", p.ID, "error", terr)
			}
			e.logger.Warn("pipeline.engine: run failed",
				"pipeline_id", p.ID, "error", err)
			return
		}
		// Remediated: loop re-runs the stages under StatusRunning
	}
}

// tryRemediate applies the first matching remediation and moves the run
// through retrying back to running. Returns false when the retry budget
// is spent or nothing matches.
func (e *Engine) tryRemediate(ctx context.Context, ec *ExecutionContext, runErr error) bool {
	p := ec.Pipeline
	if p.RetryCount >= e.config.MaxRetries {
		return false
	}

	var output string
	var execErr *StageExecutionError
	if errors.As(runErr, &execErr) {
		output = execErr.Output
	}
	remedy := matchRemediation(e.remediations, runErr, output)
	if remedy == nil {
		return false
	}

	if err := e.transition(p, StatusRetrying); err != nil {
		return false
	}
	p.RetryCount++
	e.logger.Info("pipeline.engine: applying remediation",
		"pipeline_id", p.ID, "fix", remedy.Name, "attempt", p.RetryCount)
	if e.metrics != nil {
		e.metrics.AutoFixesTotal.WithLabelValues(remedy.Name).Inc()
	}

	var fixes []string
	if existing, ok := p.Metrics["auto_fixes"].([]string); ok {
		fixes = existing
	}
	ec.setMetric("auto_fixes", append(fixes, remedy.Name))

	if err := remedy.Apply(ctx, ec); err != nil {
		e.logger.Warn("pipeline.engine: remediation failed",
			"pipeline_id", p.ID, "fix", remedy.Name, "error", err)
		return false
	}
	if err := e.transition(p, StatusRunning); err != nil {
		return false
	}
	return true
}

// runStages executes the stage list, grouping consecutive parallel stages
// under one errgroup with a join barrier.
func (e *Engine) runStages(ctx context.Context, ec *ExecutionContext) error {
	stages := ec.Pipeline.Stages
	for i := 0; i < len(stages); {
		if !stages[i].Parallel {
			if err := e.runStage(ctx, ec, stages[i]); err != nil {
				return err
			}
			i++
			continue
		}

		// Collect the whole consecutive parallel group
		j := i
		for j < len(stages) && stages[j].Parallel {
			j++
		}
		group := stages[i:j]

		g, gCtx := errgroup.WithContext(ctx)
		for _, stage := range group {
			g.Go(func() error {
				return e.runStage(gCtx, ec, stage)
			})
		}
		if err := g.Wait(); err != nil {
			return err
		}
		i = j
	}
	return nil
}

func (e *Engine) runStage(ctx context.Context, ec *ExecutionContext, stage Stage) error {
	executor, ok := e.executors[stage.Type]
	if !ok {
		return &StageExecutionError{
			Stage: stage.Name,
			Err:   fmt.Errorf("no executor for stage type %q", stage.Type),
		}
	}

	timeout := stage.Timeout
	if timeout <= 0 {
		timeout = e.config.StageTimeout
	}
	stageCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	e.logger.Debug("pipeline.engine: stage starting",
		"pipeline_id", ec.Pipeline.ID, "stage", stage.Name, "type", string(stage.Type))

	start := time.Now()
	err := executor.Execute(stageCtx, ec, stage)
	elapsed := time.Since(start)

	if e.metrics != nil {
		e.metrics.StageDuration.WithLabelValues(string(stage.Type)).Observe(elapsed.Seconds())
		if ec.CacheHit(stage.Name) {
			e.metrics.StageCacheHitsTotal.Inc()
		}
	}

	result := StageResult{
		Name:        stage.Name,
		StartedAt:   start,
		CompletedAt: start.Add(elapsed),
		Duration:    elapsed,
		CacheHit:    ec.CacheHit(stage.Name),
	}

	if err != nil {
		// A stage deadline becomes a TimeoutError so remediation can
		// recognize it; caller cancellation passes through untouched
		if errors.Is(err, context.DeadlineExceeded) && ctx.Err() == nil {
			err = &StageExecutionError{
				Stage: stage.Name,
				Err:   &TimeoutError{Op: "stage " + stage.Name, Limit: timeout},
			}
		}
		result.Status = "failed"
		result.Error = err.Error()
		ec.appendStageResult(result)
		return err
	}

	result.Status = "success"
	ec.appendStageResult(result)
	e.logger.Debug("pipeline.engine: stage finished",
		"pipeline_id", ec.Pipeline.ID, "stage", stage.Name,
		"duration", elapsed.String(), "cache_hit", result.CacheHit)
	return nil
}
