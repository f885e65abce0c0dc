// Copyright (C) 2026 Conveyor Authors (dev@conveyor-ci.dev)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package handlers

import (
	"net/http"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/conveyor-ci/conveyor/pkg/extensions"
	"github.com/conveyor-ci/conveyor/services/cache"
)

// CacheStats returns the live cache summary.
func CacheStats(manager *cache.Manager) gin.HandlerFunc {
	return func(c *gin.Context) {
		stats, err := manager.Stats(c.Request.Context())
		if err != nil {
			respondError(c, err)
			return
		}
		c.JSON(http.StatusOK, stats)
	}
}

// cacheStoreRequest is the wire shape for POST /v1/cache/store. Paths are
// server-local; the control plane and workers share the filesystem.
type cacheStoreRequest struct {
	Key          string            `json:"key" binding:"required"`
	SourcePath   string            `json:"source_path" binding:"required"`
	PipelineID   string            `json:"pipeline_id" binding:"required"`
	StageName    string            `json:"stage_name"`
	Type         string            `json:"type"`
	Dependencies []string          `json:"dependencies"`
	Tags         []string          `json:"tags"`
	TTLSeconds   *int64            `json:"ttl_seconds"`
	Metadata     map[string]string `json:"metadata"`
}

// CacheStore stores an artifact in the cache.
func CacheStore(manager *cache.Manager, audit extensions.AuditLogger) gin.HandlerFunc {
	return func(c *gin.Context) {
		var req cacheStoreRequest
		if err := c.ShouldBindJSON(&req); err != nil {
			badRequest(c, "malformed store request: "+err.Error())
			return
		}

		storeReq := cache.StoreRequest{
			Key:          req.Key,
			SourcePath:   req.SourcePath,
			PipelineID:   req.PipelineID,
			StageName:    req.StageName,
			Type:         cache.Type(req.Type),
			Dependencies: req.Dependencies,
			Tags:         req.Tags,
			Metadata:     req.Metadata,
		}
		if req.TTLSeconds != nil {
			ttl := time.Duration(*req.TTLSeconds) * time.Second
			storeReq.TTL = &ttl
		}

		stored, err := manager.Store(c.Request.Context(), storeReq)
		if err != nil {
			respondError(c, err)
			return
		}

		recordAudit(c, audit, "cache.store", "create", "cache_entry", req.Key)
		c.JSON(http.StatusOK, gin.H{"stored": stored})
	}
}

// cacheRetrieveRequest is the wire shape for POST /v1/cache/retrieve.
type cacheRetrieveRequest struct {
	Key                  string   `json:"key" binding:"required"`
	TargetPath           string   `json:"target_path" binding:"required"`
	PipelineID           string   `json:"pipeline_id" binding:"required"`
	StageName            string   `json:"stage_name"`
	ContentHash          string   `json:"content_hash"`
	Dependencies         []string `json:"dependencies"`
	AllowDependencyMatch bool     `json:"allow_dependency_match"`
}

// CacheRetrieve materializes a cached artifact at the target path. A miss
// is a normal 200 with hit=false, never an error.
func CacheRetrieve(manager *cache.Manager) gin.HandlerFunc {
	return func(c *gin.Context) {
		var req cacheRetrieveRequest
		if err := c.ShouldBindJSON(&req); err != nil {
			badRequest(c, "malformed retrieve request: "+err.Error())
			return
		}

		hit, err := manager.Retrieve(c.Request.Context(), cache.RetrieveRequest{
			Key:                  req.Key,
			TargetPath:           req.TargetPath,
			PipelineID:           req.PipelineID,
			StageName:            req.StageName,
			ContentHash:          req.ContentHash,
			Dependencies:         req.Dependencies,
			AllowDependencyMatch: req.AllowDependencyMatch,
		})
		if err != nil {
			respondError(c, err)
			return
		}
		c.JSON(http.StatusOK, gin.H{"hit": hit})
	}
}

// cacheInvalidateRequest is the wire shape for DELETE /v1/cache. Key and
// tags combine as OR; pipeline id and type narrow the candidates.
type cacheInvalidateRequest struct {
	Key        string   `json:"key"`
	PipelineID string   `json:"pipeline_id"`
	Type       string   `json:"type"`
	Tags       []string `json:"tags"`
}

// CacheInvalidate removes matching entries, returning how many went.
func CacheInvalidate(manager *cache.Manager, audit extensions.AuditLogger) gin.HandlerFunc {
	return func(c *gin.Context) {
		var req cacheInvalidateRequest
		if err := c.ShouldBindJSON(&req); err != nil {
			badRequest(c, "malformed invalidate request: "+err.Error())
			return
		}

		removed, err := manager.Invalidate(c.Request.Context(), cache.InvalidateRequest{
			Key:        req.Key,
			PipelineID: req.PipelineID,
			Type:       cache.Type(req.Type),
			Tags:       req.Tags,
		})
		if err != nil {
			respondError(c, err)
			return
		}

		recordAudit(c, audit, "cache.invalidate", "delete", "cache_entry", req.Key)
		c.JSON(http.StatusOK, gin.H{"invalidated": removed})
	}
}
