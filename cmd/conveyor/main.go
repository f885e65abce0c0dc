// Copyright (C) 2026 Conveyor Authors (dev@conveyor-ci.dev)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

// Conveyor server: wires the cache, pipeline engine, secret store, and
// control plane together and runs until signalled. All configuration
// comes from environment variables.
package main

import (
	"context"
	"log"
	"log/slog"
	"os"
	"os/signal"
	"path/filepath"
	"strconv"
	"strings"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"

	"github.com/conveyor-ci/conveyor/pkg/extensions"
	"github.com/conveyor-ci/conveyor/pkg/logging"
	"github.com/conveyor-ci/conveyor/services/cache"
	"github.com/conveyor-ci/conveyor/services/controlplane"
	"github.com/conveyor-ci/conveyor/services/executor"
	"github.com/conveyor-ci/conveyor/services/pipeline"
	"github.com/conveyor-ci/conveyor/services/pipeline/deploy"
	"github.com/conveyor-ci/conveyor/services/secrets"
)

func getEnvString(key, fallback string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return fallback
}

func getEnvInt(key string, fallback int) int {
	raw := os.Getenv(key)
	if raw == "" {
		return fallback
	}
	value, err := strconv.Atoi(raw)
	if err != nil {
		slog.Warn("main: ignoring malformed env var", "key", key, "value", raw)
		return fallback
	}
	return value
}

func getEnvDuration(key string, fallback time.Duration) time.Duration {
	raw := os.Getenv(key)
	if raw == "" {
		return fallback
	}
	value, err := time.ParseDuration(raw)
	if err != nil {
		slog.Warn("main: ignoring malformed env var", "key", key, "value", raw)
		return fallback
	}
	return value
}

func main() {
	dataDir := getEnvString("CONVEYOR_DATA_DIR", "/var/lib/conveyor")

	logger := logging.New(logging.Config{
		Level:   logging.LevelInfo,
		LogDir:  getEnvString("CONVEYOR_LOG_DIR", ""),
		Service: "conveyor",
		JSON:    true,
	})
	defer logger.Close()
	slog.SetDefault(logger.Slog())

	registry := prometheus.NewRegistry()
	registry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)

	// --- Cache ---
	cacheStore, err := cache.NewStore(cache.DefaultStoreConfig(
		filepath.Join(dataDir, "cache-index")))
	if err != nil {
		log.Fatalf("FATAL: cache store: %v", err)
	}
	defer cacheStore.Close()

	cacheMetrics := cache.NewMetrics(registry)
	cacheManager, err := cache.NewManager(cacheStore, cache.ManagerConfig{
		DataDir:        filepath.Join(dataDir, "cache-data"),
		MaxCacheBytes:  int64(getEnvInt("CONVEYOR_CACHE_MAX_MB", 10*1024)) * 1024 * 1024,
		DefaultTTL:     getEnvDuration("CONVEYOR_CACHE_TTL", 7*24*time.Hour),
		Compression:    cache.Compression(getEnvString("CONVEYOR_CACHE_COMPRESSION", string(cache.CompressionGzip))),
		EvictionPolicy: cache.EvictionPolicy(getEnvString("CONVEYOR_CACHE_EVICTION", string(cache.EvictionHybrid))),
		Metrics:        cacheMetrics,
	})
	if err != nil {
		log.Fatalf("FATAL: cache manager: %v", err)
	}

	sweeper := cache.NewSweeper(cacheManager, cache.SweeperConfig{
		Interval: getEnvDuration("CONVEYOR_CACHE_SWEEP_INTERVAL", 10*time.Minute),
	})

	// --- Pipeline engine ---
	pipelineStore, err := pipeline.NewStore(pipeline.DefaultStoreConfig(
		filepath.Join(dataDir, "pipelines")))
	if err != nil {
		log.Fatalf("FATAL: pipeline store: %v", err)
	}
	defer pipelineStore.Close()

	instances := strings.Split(getEnvString("CONVEYOR_DEPLOY_INSTANCES", "blue,green"), ",")
	pool, err := deploy.NewEnvironmentPool(instances, nil)
	if err != nil {
		log.Fatalf("FATAL: environment pool: %v", err)
	}

	pipelineMetrics := pipeline.NewMetrics(registry)
	engine, err := pipeline.NewEngine(pipelineStore, cacheManager, nil, pool,
		pipeline.EngineConfig{
			WorkspaceDir: filepath.Join(dataDir, "workspaces"),
			ArtifactsDir: filepath.Join(dataDir, "artifacts"),
			MaxWorkers:   getEnvInt("CONVEYOR_MAX_WORKERS", 4),
			StageTimeout: getEnvDuration("CONVEYOR_STAGE_TIMEOUT", 15*time.Minute),
			Metrics:      pipelineMetrics,
		})
	if err != nil {
		log.Fatalf("FATAL: pipeline engine: %v", err)
	}

	monitor := pipeline.NewMonitor(pipelineStore, engine, pipelineMetrics, pipeline.MonitorConfig{
		RunTimeout:   getEnvDuration("CONVEYOR_RUN_TIMEOUT", time.Hour),
		ArtifactsDir: filepath.Join(dataDir, "artifacts"),
	})

	// --- Secrets ---
	secretStore := secrets.NewStore(getEnvDuration("CONVEYOR_SECRET_TTL", 0))

	// --- Distributed executor (optional) ---
	var execClient *executor.Client
	if executorURL := os.Getenv("CONVEYOR_EXECUTOR_URL"); executorURL != "" {
		execClient = executor.NewClient(executorURL, os.Getenv("CONVEYOR_EXECUTOR_API_KEY"))
		slog.Info("main: distributed executor configured", "url", executorURL)
	}

	// --- Control plane ---
	opts := extensions.DefaultOptions()
	opts.AuditLogger = extensions.NewSlogAuditLogger(logger.Slog())
	if keysPath := os.Getenv("CONVEYOR_API_KEYS_FILE"); keysPath != "" {
		provider, err := loadKeyProvider(keysPath)
		if err != nil {
			log.Fatalf("FATAL: api keys: %v", err)
		}
		opts.AuthProvider = provider
	}

	service, err := controlplane.New(controlplane.Config{
		Port:         getEnvString("CONVEYOR_PORT", "8080"),
		OTELEndpoint: os.Getenv("OTEL_EXPORTER_OTLP_ENDPOINT"),
		Registry:     registry,
	}, engine, cacheManager, secretStore, execClient, opts)
	if err != nil {
		log.Fatalf("FATAL: control plane: %v", err)
	}

	// --- Background loops ---
	ctx, stop := signal.NotifyContext(context.Background(),
		syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := sweeper.Start(ctx); err != nil {
		log.Fatalf("FATAL: cache sweeper: %v", err)
	}
	defer sweeper.Stop()
	if err := monitor.Start(ctx); err != nil {
		log.Fatalf("FATAL: pipeline monitor: %v", err)
	}
	defer monitor.Stop()

	if defsDir := os.Getenv("CONVEYOR_DEFINITIONS_DIR"); defsDir != "" {
		watcher, err := pipeline.NewDefinitionWatcher(defsDir, engine)
		if err != nil {
			log.Fatalf("FATAL: definition watcher: %v", err)
		}
		go watcher.Start(ctx)
	}

	go func() {
		if err := service.Run(); err != nil {
			slog.Error("main: server stopped", "error", err)
			stop()
		}
	}()

	<-ctx.Done()
	slog.Info("main: shutting down")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	if err := service.Shutdown(shutdownCtx); err != nil {
		slog.Error("main: shutdown failed", "error", err)
	}
	engine.Wait()
	slog.Info("main: goodbye")
}
