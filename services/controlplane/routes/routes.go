// Copyright (C) 2026 Conveyor Authors (dev@conveyor-ci.dev)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

// Package routes wires control-plane handlers onto the gin router.
package routes

import (
	"github.com/gin-gonic/gin"

	"github.com/conveyor-ci/conveyor/pkg/extensions"
	"github.com/conveyor-ci/conveyor/services/cache"
	"github.com/conveyor-ci/conveyor/services/controlplane/handlers"
	"github.com/conveyor-ci/conveyor/services/controlplane/middleware"
	"github.com/conveyor-ci/conveyor/services/executor"
	"github.com/conveyor-ci/conveyor/services/pipeline"
	"github.com/conveyor-ci/conveyor/services/secrets"
)

// Deps bundles the collaborators the API surfaces. Executor may be nil;
// its routes answer 503.
type Deps struct {
	Engine   *pipeline.Engine
	Cache    *cache.Manager
	Secrets  *secrets.Store
	Executor *executor.Client
	Hub      *handlers.EventHub
}

// SetupRoutes registers every control-plane route. All /v1 routes pass
// the auth middleware; mutating routes additionally require the scope
// named next to them.
func SetupRoutes(router *gin.Engine, deps Deps, opts extensions.ServiceOptions) {
	router.GET("/health", handlers.HealthCheck)

	v1 := router.Group("/v1")
	v1.Use(middleware.AuthMiddleware(opts.AuthProvider))
	{
		pipelines := v1.Group("/pipelines")
		{
			pipelines.GET("",
				middleware.RequireScope(extensions.ScopePipelinesRead),
				handlers.ListPipelines(deps.Engine))
			pipelines.POST("",
				middleware.RequireScope(extensions.ScopePipelinesWrite),
				handlers.CreatePipeline(deps.Engine, deps.Hub, opts.AuditLogger))
			pipelines.GET("/:id",
				middleware.RequireScope(extensions.ScopePipelinesRead),
				handlers.GetPipeline(deps.Engine))
			pipelines.POST("/:id/trigger",
				middleware.RequireScope(extensions.ScopePipelinesWrite),
				handlers.TriggerPipeline(deps.Engine, deps.Hub, opts.AuditLogger))
			pipelines.POST("/:id/cancel",
				middleware.RequireScope(extensions.ScopePipelinesWrite),
				handlers.CancelPipeline(deps.Engine, deps.Hub, opts.AuditLogger))
			pipelines.GET("/:id/logs",
				middleware.RequireScope(extensions.ScopePipelinesRead),
				handlers.PipelineLogs(deps.Engine))
		}

		cacheGroup := v1.Group("/cache")
		{
			cacheGroup.GET("/stats",
				middleware.RequireScope(extensions.ScopeCacheRead),
				handlers.CacheStats(deps.Cache))
			cacheGroup.POST("/store",
				middleware.RequireScope(extensions.ScopeCacheWrite),
				handlers.CacheStore(deps.Cache, opts.AuditLogger))
			cacheGroup.POST("/retrieve",
				middleware.RequireScope(extensions.ScopeCacheWrite),
				handlers.CacheRetrieve(deps.Cache))
		}
		v1.DELETE("/cache",
			middleware.RequireScope(extensions.ScopeCacheWrite),
			handlers.CacheInvalidate(deps.Cache, opts.AuditLogger))

		tasks := v1.Group("/tasks")
		{
			tasks.POST("",
				middleware.RequireScope(extensions.ScopePipelinesWrite),
				handlers.SubmitTask(deps.Executor, opts.AuditLogger))
			tasks.GET("/:id",
				middleware.RequireScope(extensions.ScopePipelinesRead),
				handlers.GetTask(deps.Executor))
		}
		v1.GET("/workers",
			middleware.RequireScope(extensions.ScopePipelinesRead),
			handlers.ListWorkers(deps.Executor))

		secretsGroup := v1.Group("/secrets")
		{
			secretsGroup.POST("",
				middleware.RequireScope(extensions.ScopeSecretsWrite),
				handlers.CreateSecret(deps.Secrets, opts.AuditLogger))
			secretsGroup.GET("",
				middleware.RequireScope(extensions.ScopeSecretsRead),
				handlers.ListSecrets(deps.Secrets))
			secretsGroup.GET("/:id/value",
				middleware.RequireScope(extensions.ScopeSecretsRead),
				handlers.SecretValue(deps.Secrets, opts.AuditLogger))
			secretsGroup.DELETE("/:id",
				middleware.RequireScope(extensions.ScopeSecretsWrite),
				handlers.DeleteSecret(deps.Secrets, opts.AuditLogger))
		}

		v1.GET("/events",
			middleware.RequireScope(extensions.ScopePipelinesRead),
			handlers.HandleEvents(deps.Hub))
	}
}
