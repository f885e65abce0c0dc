// Copyright (C) 2026 Conveyor Authors (dev@conveyor-ci.dev)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package handlers

import (
	"errors"
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/conveyor-ci/conveyor/pkg/extensions"
	"github.com/conveyor-ci/conveyor/services/executor"
)

// executorUnavailable emits the 503 envelope for deployments without a
// distributed executor configured.
func executorUnavailable(c *gin.Context) {
	c.JSON(http.StatusServiceUnavailable, gin.H{
		"error":  "executor unavailable",
		"detail": "no distributed executor configured",
	})
}

// SubmitTask forwards a task to the distributed executor.
func SubmitTask(client *executor.Client, audit extensions.AuditLogger) gin.HandlerFunc {
	return func(c *gin.Context) {
		if client == nil {
			executorUnavailable(c)
			return
		}

		var task executor.Task
		if err := c.ShouldBindJSON(&task); err != nil {
			badRequest(c, "malformed task: "+err.Error())
			return
		}

		id, err := client.Submit(c.Request.Context(), task)
		if err != nil {
			if errors.Is(err, executor.ErrInvalidInput) {
				badRequest(c, err.Error())
				return
			}
			respondError(c, err)
			return
		}

		recordAudit(c, audit, "task.submit", "create", "task", id)
		c.JSON(http.StatusAccepted, gin.H{"id": id})
	}
}

// GetTask returns the executor's status for a task; ?result=true also
// fetches the outcome of a finished task.
func GetTask(client *executor.Client) gin.HandlerFunc {
	return func(c *gin.Context) {
		if client == nil {
			executorUnavailable(c)
			return
		}

		id := c.Param("id")
		status, err := client.Status(c.Request.Context(), id)
		if err != nil {
			respondError(c, err)
			return
		}
		if c.Query("result") == "true" && status.State.Terminal() {
			result, err := client.Result(c.Request.Context(), id)
			if err != nil {
				respondError(c, err)
				return
			}
			c.JSON(http.StatusOK, gin.H{"status": status, "result": result})
			return
		}
		c.JSON(http.StatusOK, gin.H{"status": status})
	}
}

// ListWorkers returns the executor's registered worker nodes.
func ListWorkers(client *executor.Client) gin.HandlerFunc {
	return func(c *gin.Context) {
		if client == nil {
			executorUnavailable(c)
			return
		}

		workers, err := client.Workers(c.Request.Context())
		if err != nil {
			respondError(c, err)
			return
		}
		c.JSON(http.StatusOK, gin.H{"workers": workers, "count": len(workers)})
	}
}
