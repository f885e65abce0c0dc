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
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"regexp"
	"strconv"
	"strings"
	"sync"

	"github.com/conveyor-ci/conveyor/services/cache"
	"github.com/conveyor-ci/conveyor/services/pipeline/deploy"
)

// =============================================================================
// Execution Context
// =============================================================================

// ExecutionContext carries shared state through one pipeline run. The
// engine creates it before the first stage and threads it through every
// executor.
type ExecutionContext struct {
	Pipeline     *Pipeline
	Workspace    string
	ArtifactsDir string
	Runner       CommandRunner
	Cache        *cache.Manager
	Backend      deploy.Backend
	Logger       *slog.Logger

	mu sync.Mutex

	// sourceHash is the workspace content digest taken after checkout,
	// before dependency installation. Cache keys for derived outputs
	// use it.
	sourceHash string

	// dependencies lists the project's declared dependencies, parsed by
	// the setup stage from the manifest.
	dependencies []string

	// cacheHit flags the smallest-effort path taken per stage name.
	cacheHits map[string]bool
}

// SourceHash returns the post-checkout workspace digest.
func (c *ExecutionContext) SourceHash() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.sourceHash
}

func (c *ExecutionContext) setSourceHash(h string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.sourceHash = h
}

// Dependencies returns the parsed dependency list.
func (c *ExecutionContext) Dependencies() []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]string(nil), c.dependencies...)
}

func (c *ExecutionContext) setDependencies(deps []string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.dependencies = deps
}

func (c *ExecutionContext) markCacheHit(stage string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.cacheHits == nil {
		c.cacheHits = make(map[string]bool)
	}
	c.cacheHits[stage] = true
}

// CacheHit reports whether the named stage was satisfied from cache.
func (c *ExecutionContext) CacheHit(stage string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.cacheHits[stage]
}

func (c *ExecutionContext) setMetric(key string, value any) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.Pipeline.setMetric(key, value)
}

func (c *ExecutionContext) appendStageResult(result StageResult) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.Pipeline.StageResults = append(c.Pipeline.StageResults, result)
}

// StageExecutor runs one stage type. The engine maps each StageType to
// exactly one executor at construction.
type StageExecutor interface {
	Execute(ctx context.Context, ec *ExecutionContext, stage Stage) error
}

// defaultExecutors is the fixed stage-type dispatch table.
func defaultExecutors() map[StageType]StageExecutor {
	return map[StageType]StageExecutor{
		StageSource:   &sourceExecutor{},
		StageSetup:    &setupExecutor{},
		StageBuild:    &buildExecutor{},
		StageTest:     &testExecutor{},
		StageSecurity: &securityExecutor{},
		StagePackage:  &packageExecutor{},
		StageDeploy:   &deployExecutor{},
	}
}

// runCommands executes an explicit command list through the shell.
func runCommands(ctx context.Context, ec *ExecutionContext, stage Stage, commands []string) error {
	for _, command := range commands {
		result, err := ec.Runner.Run(ctx, ec.Workspace, "sh", "-c", command)
		if err != nil {
			return &StageExecutionError{Stage: stage.Name, Output: result.Output, Err: err}
		}
	}
	return nil
}

// =============================================================================
// Project Detection
// =============================================================================

type projectKind struct {
	manifest string
	setup    []string
	build    []string
	test     []string
	outputs  []string
}

// projectKinds is checked in order; the first manifest found wins.
var projectKinds = []projectKind{
	{
		manifest: "go.mod",
		setup:    []string{"go", "mod", "download"},
		build:    []string{"go", "build", "./..."},
		test:     []string{"go", "test", "-cover", "./..."},
		outputs:  []string{"bin", "dist"},
	},
	{
		manifest: "package.json",
		setup:    []string{"npm", "install"},
		build:    []string{"npm", "run", "build"},
		test:     []string{"npm", "test"},
		outputs:  []string{"dist", "build"},
	},
	{
		manifest: "requirements.txt",
		setup:    []string{"pip", "install", "-r", "requirements.txt"},
		build:    []string{"python", "-m", "compileall", "."},
		test:     []string{"pytest", "--tb=short"},
		outputs:  []string{"dist", "build"},
	},
	{
		manifest: "pom.xml",
		setup:    []string{"mvn", "dependency:resolve"},
		build:    []string{"mvn", "package"},
		test:     []string{"mvn", "test"},
		outputs:  []string{"target"},
	},
	{
		manifest: "Cargo.toml",
		setup:    []string{"cargo", "fetch"},
		build:    []string{"cargo", "build", "--release"},
		test:     []string{"cargo", "test"},
		outputs:  []string{"target"},
	},
	{
		manifest: "Makefile",
		setup:    nil,
		build:    []string{"make"},
		test:     []string{"make", "test"},
		outputs:  []string{"build", "dist", "out"},
	},
}

// detectProject returns the first project kind whose manifest exists in
// the workspace, or nil when nothing is recognized.
func detectProject(workspace string) *projectKind {
	for i := range projectKinds {
		kind := projectKinds[i]
		if _, err := os.Stat(filepath.Join(workspace, kind.manifest)); err == nil {
			return &kind
		}
	}
	return nil
}

// outputDir returns the first conventional output directory that exists.
func (k *projectKind) outputDir(workspace string) string {
	for _, dir := range k.outputs {
		path := filepath.Join(workspace, dir)
		if info, err := os.Stat(path); err == nil && info.IsDir() {
			return path
		}
	}
	return ""
}

// parseManifestDependencies extracts a coarse dependency list from the
// manifest: non-empty, non-comment lines, trimmed. Enough to make
// dependency-set cache matching meaningful across manifest reorderings.
func parseManifestDependencies(workspace, manifest string) []string {
	data, err := os.ReadFile(filepath.Join(workspace, manifest))
	if err != nil {
		return nil
	}
	var deps []string
	for _, line := range strings.Split(string(data), "\n") {
		line = strings.TrimSpace(line)
		if line == "" || strings.HasPrefix(line, "#") || strings.HasPrefix(line, "//") {
			continue
		}
		deps = append(deps, line)
	}
	return deps
}

// =============================================================================
// Source Stage
// =============================================================================

type sourceExecutor struct{}

func (e *sourceExecutor) Execute(ctx context.Context, ec *ExecutionContext, stage Stage) error {
	if len(stage.Commands) > 0 {
		if err := runCommands(ctx, ec, stage, stage.Commands); err != nil {
			return err
		}
	} else if err := e.fetch(ctx, ec, stage); err != nil {
		return err
	}

	// Digest the pristine checkout; derived-output cache keys use it
	hash, err := cache.HashDirectory(ec.Workspace)
	if err != nil {
		return &StageExecutionError{Stage: stage.Name, Err: fmt.Errorf("hash workspace: %w", err)}
	}
	ec.setSourceHash(hash)
	ec.setMetric("source_hash", hash)
	return nil
}

func (e *sourceExecutor) fetch(ctx context.Context, ec *ExecutionContext, stage Stage) error {
	source := ec.Pipeline.Source
	switch {
	case strings.HasPrefix(source, "git@"),
		strings.HasPrefix(source, "git://"),
		strings.HasPrefix(source, "http://"),
		strings.HasPrefix(source, "https://"):
		result, err := ec.Runner.Run(ctx, filepath.Dir(ec.Workspace),
			"git", "clone", "--depth", "1", "--branch", ec.Pipeline.Branch,
			source, ec.Workspace)
		if err != nil {
			return &StageExecutionError{Stage: stage.Name, Output: result.Output, Err: err}
		}
		return nil
	default:
		info, err := os.Stat(source)
		if err != nil || !info.IsDir() {
			return &StageExecutionError{
				Stage: stage.Name,
				Err:   fmt.Errorf("source %q is neither a git URL nor a local directory", source),
			}
		}
		if err := copyTree(source, ec.Workspace); err != nil {
			return &StageExecutionError{Stage: stage.Name, Err: err}
		}
		return nil
	}
}

// copyTree copies a directory recursively, skipping .git and symlinks.
func copyTree(src, dst string) error {
	return filepath.WalkDir(src, func(path string, d os.DirEntry, err error) error {
		if err != nil {
			return err
		}
		rel, err := filepath.Rel(src, path)
		if err != nil {
			return err
		}
		if rel == ".git" || strings.HasPrefix(rel, ".git"+string(filepath.Separator)) {
			if d.IsDir() {
				return filepath.SkipDir
			}
			return nil
		}
		target := filepath.Join(dst, rel)
		if d.IsDir() {
			return os.MkdirAll(target, 0750)
		}
		if !d.Type().IsRegular() {
			return nil
		}
		in, err := os.Open(path)
		if err != nil {
			return err
		}
		defer in.Close()
		if err := os.MkdirAll(filepath.Dir(target), 0750); err != nil {
			return err
		}
		out, err := os.Create(target)
		if err != nil {
			return err
		}
		if _, err := io.Copy(out, in); err != nil {
			out.Close()
			return err
		}
		return out.Close()
	})
}

// =============================================================================
// Setup Stage
// =============================================================================

type setupExecutor struct{}

func (e *setupExecutor) Execute(ctx context.Context, ec *ExecutionContext, stage Stage) error {
	kind := detectProject(ec.Workspace)
	if kind != nil {
		ec.setDependencies(parseManifestDependencies(ec.Workspace, kind.manifest))
	}

	if len(stage.Commands) > 0 {
		return runCommands(ctx, ec, stage, stage.Commands)
	}
	if kind == nil || len(kind.setup) == 0 {
		ec.Logger.Debug("pipeline.stage: no dependency setup needed",
			"pipeline_id", ec.Pipeline.ID)
		return nil
	}
	result, err := ec.Runner.Run(ctx, ec.Workspace, kind.setup[0], kind.setup[1:]...)
	if err != nil {
		return &StageExecutionError{Stage: stage.Name, Output: result.Output, Err: err}
	}
	return nil
}

// =============================================================================
// Build Stage
// =============================================================================

type buildExecutor struct{}

func (e *buildExecutor) Execute(ctx context.Context, ec *ExecutionContext, stage Stage) error {
	kind := detectProject(ec.Workspace)

	// Cache lookup: exact on the source digest first, then the
	// dependency-set fallback for builds of drifted-but-equivalent trees
	if ec.Cache != nil && kind != nil {
		if hit, err := e.tryCache(ctx, ec, stage, kind); err != nil {
			ec.Logger.Warn("pipeline.stage: build cache lookup failed",
				"pipeline_id", ec.Pipeline.ID, "error", err)
		} else if hit {
			ec.markCacheHit(stage.Name)
			ec.Logger.Info("pipeline.stage: build restored from cache",
				"pipeline_id", ec.Pipeline.ID, "stage", stage.Name)
			return nil
		}
	}

	if len(stage.Commands) > 0 {
		if err := runCommands(ctx, ec, stage, stage.Commands); err != nil {
			return err
		}
	} else {
		if kind == nil {
			return &StageExecutionError{
				Stage: stage.Name,
				Err:   fmt.Errorf("no recognized build system in workspace"),
			}
		}
		result, err := ec.Runner.Run(ctx, ec.Workspace, kind.build[0], kind.build[1:]...)
		if err != nil {
			return &StageExecutionError{Stage: stage.Name, Output: result.Output, Err: err}
		}
	}

	if ec.Cache != nil && kind != nil {
		if out := kind.outputDir(ec.Workspace); out != "" {
			// Cache entries key on the pipeline name, not the run ID,
			// so reruns of the same pipeline share them
			_, err := ec.Cache.Store(ctx, cache.StoreRequest{
				Key:          "build-output",
				SourcePath:   out,
				PipelineID:   ec.Pipeline.Name,
				StageName:    stage.Name,
				Type:         cache.TypeBuildArtifact,
				ContentHash:  ec.SourceHash(),
				Dependencies: ec.Dependencies(),
			})
			if err != nil {
				ec.Logger.Warn("pipeline.stage: build cache store failed",
					"pipeline_id", ec.Pipeline.ID, "error", err)
			}
		}
	}
	return nil
}

// tryCache looks for a reusable build output, first by exact content
// hash, then by dependency-set match. Lookups use the pipeline name as
// the cache's PipelineID so hits carry across runs.
func (e *buildExecutor) tryCache(ctx context.Context, ec *ExecutionContext, stage Stage, kind *projectKind) (bool, error) {
	target := filepath.Join(ec.Workspace, kind.outputs[0]) + string(filepath.Separator)

	if hash := ec.SourceHash(); hash != "" {
		hit, err := ec.Cache.Retrieve(ctx, cache.RetrieveRequest{
			Key:         "build-output",
			TargetPath:  target,
			PipelineID:  ec.Pipeline.Name,
			StageName:   stage.Name,
			ContentHash: hash,
		})
		if err != nil || hit {
			return hit, err
		}
	}

	deps := ec.Dependencies()
	if len(deps) == 0 {
		return false, nil
	}
	return ec.Cache.Retrieve(ctx, cache.RetrieveRequest{
		Key:                  "build-output",
		TargetPath:           target,
		PipelineID:           ec.Pipeline.Name,
		StageName:            stage.Name,
		Dependencies:         deps,
		AllowDependencyMatch: true,
	})
}

// =============================================================================
// Test Stage
// =============================================================================

var coveragePattern = regexp.MustCompile(`(?i)coverage[:\s]+([0-9]+(?:\.[0-9]+)?)\s*%`)

type testExecutor struct{}

func (e *testExecutor) Execute(ctx context.Context, ec *ExecutionContext, stage Stage) error {
	var output string

	if len(stage.Commands) > 0 {
		for _, command := range stage.Commands {
			result, err := ec.Runner.Run(ctx, ec.Workspace, "sh", "-c", command)
			output += result.Output
			if err != nil {
				ec.setMetric("test_coverage", parseCoverage(output))
				return &StageExecutionError{Stage: stage.Name, Output: result.Output, Err: err}
			}
		}
	} else {
		kind := detectProject(ec.Workspace)
		if kind == nil || len(kind.test) == 0 {
			ec.Logger.Debug("pipeline.stage: no test runner detected",
				"pipeline_id", ec.Pipeline.ID)
			return nil
		}
		result, err := ec.Runner.Run(ctx, ec.Workspace, kind.test[0], kind.test[1:]...)
		output = result.Output
		if err != nil {
			ec.setMetric("test_coverage", parseCoverage(output))
			return &StageExecutionError{Stage: stage.Name, Output: result.Output, Err: err}
		}
	}

	ec.setMetric("test_coverage", parseCoverage(output))
	return nil
}

// parseCoverage extracts the last reported coverage percentage from test
// output, zero when none appears.
func parseCoverage(output string) float64 {
	matches := coveragePattern.FindAllStringSubmatch(output, -1)
	if len(matches) == 0 {
		return 0
	}
	v, err := strconv.ParseFloat(matches[len(matches)-1][1], 64)
	if err != nil {
		return 0
	}
	return v
}

// =============================================================================
// Security Stage
// =============================================================================

// securityScanners are tried in order; scanners not installed are skipped.
// A non-zero exit counts as findings, mirroring how audit tools signal.
var securityScanners = [][]string{
	{"govulncheck", "./..."},
	{"npm", "audit", "--audit-level=high"},
	{"trivy", "fs", "--exit-code", "1", "."},
}

type securityExecutor struct{}

func (e *securityExecutor) Execute(ctx context.Context, ec *ExecutionContext, stage Stage) error {
	if len(stage.Commands) > 0 {
		findings := 0
		for _, command := range stage.Commands {
			if _, err := ec.Runner.Run(ctx, ec.Workspace, "sh", "-c", command); err != nil {
				if ctx.Err() != nil {
					return ctx.Err()
				}
				findings++
			}
		}
		ec.setMetric("vulnerabilities", findings)
		return nil
	}

	findings := 0
	for _, scanner := range securityScanners {
		result, err := ec.Runner.Run(ctx, ec.Workspace, scanner[0], scanner[1:]...)
		if err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			// Missing tools are skipped; real findings exit non-zero
			if result.ExitCode > 0 {
				findings++
				ec.Logger.Warn("pipeline.stage: security findings",
					"pipeline_id", ec.Pipeline.ID, "scanner", scanner[0])
			}
		}
	}
	ec.setMetric("vulnerabilities", findings)
	return nil
}

// =============================================================================
// Package Stage
// =============================================================================

type packageExecutor struct{}

func (e *packageExecutor) Execute(ctx context.Context, ec *ExecutionContext, stage Stage) error {
	if len(stage.Commands) > 0 {
		if err := runCommands(ctx, ec, stage, stage.Commands); err != nil {
			return err
		}
	}

	src := ec.Workspace
	if kind := detectProject(ec.Workspace); kind != nil {
		if out := kind.outputDir(ec.Workspace); out != "" {
			src = out
		}
	}

	if err := os.MkdirAll(ec.ArtifactsDir, 0750); err != nil {
		return &StageExecutionError{Stage: stage.Name, Err: err}
	}
	name := fmt.Sprintf("%s-%s.tar.gz", ec.Pipeline.Name, ec.Pipeline.ID)
	artifact := filepath.Join(ec.ArtifactsDir, name)

	size, err := cache.Archive(src, artifact, cache.CompressionGzip)
	if err != nil {
		return &StageExecutionError{Stage: stage.Name, Err: fmt.Errorf("archive %s: %w", src, err)}
	}

	ec.mu.Lock()
	ec.Pipeline.Artifacts = append(ec.Pipeline.Artifacts, artifact)
	ec.mu.Unlock()
	ec.setMetric("artifact_bytes", size)

	ec.Logger.Info("pipeline.stage: packaged artifact",
		"pipeline_id", ec.Pipeline.ID, "artifact", name, "size_bytes", size)
	return nil
}

// =============================================================================
// Deploy Stage
// =============================================================================

type deployExecutor struct{}

func (e *deployExecutor) Execute(ctx context.Context, ec *ExecutionContext, stage Stage) error {
	if ec.Backend == nil {
		return &StageExecutionError{
			Stage: stage.Name,
			Err:   fmt.Errorf("no deployment backend configured"),
		}
	}

	artifact := ""
	ec.mu.Lock()
	if len(ec.Pipeline.Artifacts) > 0 {
		artifact = ec.Pipeline.Artifacts[len(ec.Pipeline.Artifacts)-1]
	}
	ec.mu.Unlock()
	if artifact == "" {
		return &StageExecutionError{
			Stage: stage.Name,
			Err:   fmt.Errorf("nothing to deploy: no packaged artifact"),
		}
	}

	strategy := deploy.ChooseStrategy(deploy.Signals{
		TestCoverage:        ec.Pipeline.Coverage(),
		OpenVulnerabilities: ec.Pipeline.VulnerabilityCount(),
	})
	ec.setMetric("deploy_strategy", string(strategy))

	deployer, err := deploy.ForStrategy(strategy)
	if err != nil {
		return &StageExecutionError{Stage: stage.Name, Err: err}
	}

	ec.Logger.Info("pipeline.stage: deploying",
		"pipeline_id", ec.Pipeline.ID, "strategy", string(strategy))

	rel := deploy.Release{
		PipelineID: ec.Pipeline.ID,
		Name:       ec.Pipeline.Name,
		Artifact:   artifact,
		Version:    ec.Pipeline.ID,
	}
	if err := deployer.Deploy(ctx, ec.Backend, rel); err != nil {
		return &StageExecutionError{Stage: stage.Name, Err: err}
	}
	return nil
}
