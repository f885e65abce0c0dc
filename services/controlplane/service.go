// Copyright (C) 2026 Conveyor Authors (dev@conveyor-ci.dev)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

// Package controlplane assembles the REST control service: gin router,
// auth, tracing, metrics, and the handler wiring.
package controlplane

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"go.opentelemetry.io/contrib/instrumentation/github.com/gin-gonic/gin/otelgin"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace/otlptracegrpc"
	"go.opentelemetry.io/otel/propagation"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	semconv "go.opentelemetry.io/otel/semconv/v1.21.0"
	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"

	"github.com/conveyor-ci/conveyor/pkg/extensions"
	"github.com/conveyor-ci/conveyor/services/cache"
	"github.com/conveyor-ci/conveyor/services/controlplane/handlers"
	"github.com/conveyor-ci/conveyor/services/controlplane/routes"
	"github.com/conveyor-ci/conveyor/services/executor"
	"github.com/conveyor-ci/conveyor/services/pipeline"
	"github.com/conveyor-ci/conveyor/services/secrets"
)

// ServiceName identifies the control plane in traces and logs.
const ServiceName = "conveyor-control-plane"

// Config holds the control plane's settings.
type Config struct {
	// Port the HTTP server listens on. Default "8080".
	Port string

	// OTELEndpoint is the OTLP gRPC collector address. Empty disables
	// tracing.
	OTELEndpoint string

	// Registry collects metrics for /metrics. Nil creates a fresh one.
	Registry *prometheus.Registry
}

func applyConfigDefaults(cfg Config) Config {
	if cfg.Port == "" {
		cfg.Port = "8080"
	}
	if cfg.Registry == nil {
		cfg.Registry = prometheus.NewRegistry()
		cfg.Registry.MustRegister(
			collectors.NewGoCollector(),
			collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
		)
	}
	return cfg
}

// Service is the assembled control plane.
//
// # Thread Safety
//
// Safe for concurrent use once constructed; gin handles request
// concurrency, and all collaborators are themselves thread-safe.
type Service struct {
	config Config
	router *gin.Engine
	hub    *handlers.EventHub
	server *http.Server

	tracerShutdown func(context.Context)
}

// New assembles the control plane over its collaborators. The executor
// client may be nil; task routes answer 503.
func New(cfg Config, engine *pipeline.Engine, cacheManager *cache.Manager,
	secretStore *secrets.Store, execClient *executor.Client,
	opts extensions.ServiceOptions) (*Service, error) {
	if engine == nil {
		return nil, errors.New("controlplane: engine must not be nil")
	}
	if cacheManager == nil {
		return nil, errors.New("controlplane: cache manager must not be nil")
	}
	if secretStore == nil {
		return nil, errors.New("controlplane: secret store must not be nil")
	}
	if opts.AuthProvider == nil {
		opts.AuthProvider = &extensions.NopAuthProvider{}
	}
	if opts.AuditLogger == nil {
		opts.AuditLogger = &extensions.NopAuditLogger{}
	}
	cfg = applyConfigDefaults(cfg)

	s := &Service{
		config: cfg,
		hub:    handlers.NewEventHub(),
	}

	if cfg.OTELEndpoint != "" {
		shutdown, err := initTracer(cfg.OTELEndpoint)
		if err != nil {
			return nil, err
		}
		s.tracerShutdown = shutdown
	}

	router := gin.New()
	router.Use(gin.Recovery())
	if cfg.OTELEndpoint != "" {
		router.Use(otelgin.Middleware(ServiceName))
	}
	router.GET("/metrics", gin.WrapH(promhttp.HandlerFor(cfg.Registry,
		promhttp.HandlerOpts{})))

	routes.SetupRoutes(router, routes.Deps{
		Engine:   engine,
		Cache:    cacheManager,
		Secrets:  secretStore,
		Executor: execClient,
		Hub:      s.hub,
	}, opts)
	s.router = router
	return s, nil
}

// Router exposes the gin engine for tests and embedding.
func (s *Service) Router() *gin.Engine {
	return s.router
}

// Hub exposes the build-status event hub so the engine's callers can
// publish status changes.
func (s *Service) Hub() *handlers.EventHub {
	return s.hub
}

// Run starts the HTTP server and blocks until it stops.
func (s *Service) Run() error {
	s.server = &http.Server{
		Addr:              ":" + s.config.Port,
		Handler:           s.router,
		ReadHeaderTimeout: 10 * time.Second,
	}
	slog.Info("controlplane: listening", "port", s.config.Port)
	err := s.server.ListenAndServe()
	if errors.Is(err, http.ErrServerClosed) {
		return nil
	}
	return err
}

// Shutdown drains in-flight requests and flushes the tracer.
func (s *Service) Shutdown(ctx context.Context) error {
	var err error
	if s.server != nil {
		err = s.server.Shutdown(ctx)
	}
	if s.tracerShutdown != nil {
		s.tracerShutdown(ctx)
	}
	return err
}

// initTracer wires the OTLP gRPC exporter and installs the global trace
// provider. The returned function flushes and shuts the exporter down.
func initTracer(endpoint string) (func(context.Context), error) {
	ctx := context.Background()

	conn, err := grpc.NewClient(endpoint,
		grpc.WithTransportCredentials(insecure.NewCredentials()))
	if err != nil {
		return nil, err
	}
	traceExporter, err := otlptracegrpc.New(ctx, otlptracegrpc.WithGRPCConn(conn))
	if err != nil {
		return nil, err
	}
	res, err := resource.New(ctx,
		resource.WithAttributes(semconv.ServiceNameKey.String(ServiceName)))
	if err != nil {
		return nil, err
	}
	bsp := sdktrace.NewBatchSpanProcessor(traceExporter)
	traceProvider := sdktrace.NewTracerProvider(
		sdktrace.WithSampler(sdktrace.AlwaysSample()),
		sdktrace.WithResource(res),
		sdktrace.WithSpanProcessor(bsp))
	otel.SetTracerProvider(traceProvider)
	otel.SetTextMapPropagator(propagation.NewCompositeTextMapPropagator(
		propagation.TraceContext{}, propagation.Baggage{}))

	return func(ctx context.Context) {
		ctx, cancel := context.WithTimeout(ctx, 5*time.Second)
		defer cancel()
		if err := traceExporter.Shutdown(ctx); err != nil {
			slog.Error("controlplane: OTLP exporter shutdown failed", "error", err)
		}
	}, nil
}
