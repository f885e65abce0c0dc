// Copyright (C) 2026 Conveyor Authors (dev@conveyor-ci.dev)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

// Package handlers provides the HTTP request handlers for the control
// plane. Handlers are gin.HandlerFunc constructors taking their
// collaborators explicitly; routes wires them together.
package handlers

import (
	"errors"
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/conveyor-ci/conveyor/services/cache"
	"github.com/conveyor-ci/conveyor/services/executor"
	"github.com/conveyor-ci/conveyor/services/pipeline"
	"github.com/conveyor-ci/conveyor/services/secrets"
)

// respondError maps domain errors onto the API's error envelope. Storage
// internals never leak to clients; the detail names the operation, not
// the stack.
func respondError(c *gin.Context, err error) {
	status := http.StatusInternalServerError
	message := "internal error"

	var pipeVal *pipeline.ValidationError
	var cacheVal *cache.ValidationError
	var pipeStorage *pipeline.StorageError
	var cacheStorage *cache.StorageError

	switch {
	case errors.As(err, &pipeVal), errors.As(err, &cacheVal):
		status = http.StatusBadRequest
		message = "validation failed"
	case errors.Is(err, pipeline.ErrIllegalTransition):
		status = http.StatusConflict
		message = "illegal transition"
	case errors.Is(err, secrets.ErrNotFound), errors.Is(err, executor.ErrTaskNotFound):
		status = http.StatusNotFound
		message = "not found"
	case errors.Is(err, secrets.ErrExpired):
		status = http.StatusNotFound
		message = "expired"
	case errors.As(err, &pipeStorage), errors.As(err, &cacheStorage):
		status = http.StatusInternalServerError
		message = "storage failure"
	}

	c.JSON(status, gin.H{"error": message, "detail": err.Error()})
}

// notFound emits the standard 404 envelope for missing resources.
func notFound(c *gin.Context, detail string) {
	c.JSON(http.StatusNotFound, gin.H{"error": "not found", "detail": detail})
}

// badRequest emits the standard 400 envelope for malformed payloads.
func badRequest(c *gin.Context, detail string) {
	c.JSON(http.StatusBadRequest, gin.H{"error": "validation failed", "detail": detail})
}

// HealthCheck reports liveness. Unauthenticated.
func HealthCheck(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{
		"status":  "ok",
		"service": "conveyor-control-plane",
	})
}
