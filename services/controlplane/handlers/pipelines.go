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
	"github.com/conveyor-ci/conveyor/services/controlplane/middleware"
	"github.com/conveyor-ci/conveyor/services/pipeline"
)

// ListPipelines returns pipelines newest-first, optionally filtered by
// ?status= and ?name=.
func ListPipelines(engine *pipeline.Engine) gin.HandlerFunc {
	return func(c *gin.Context) {
		var filter pipeline.ListFilter
		if raw := c.Query("status"); raw != "" {
			status, err := pipeline.ParseStatus(raw)
			if err != nil {
				badRequest(c, "unknown status "+raw)
				return
			}
			filter.Status = status
		}
		filter.Name = c.Query("name")

		pipelines, err := engine.ListPipelines(c.Request.Context(), filter)
		if err != nil {
			respondError(c, err)
			return
		}
		c.JSON(http.StatusOK, gin.H{"pipelines": pipelines, "count": len(pipelines)})
	}
}

// CreatePipeline validates the posted definition and persists a pending
// pipeline. Nothing runs until a trigger.
func CreatePipeline(engine *pipeline.Engine, hub *EventHub, audit extensions.AuditLogger) gin.HandlerFunc {
	return func(c *gin.Context) {
		var def pipeline.Definition
		if err := c.ShouldBindJSON(&def); err != nil {
			badRequest(c, "malformed pipeline definition: "+err.Error())
			return
		}

		p, err := engine.CreatePipeline(c.Request.Context(), &def)
		if err != nil {
			respondError(c, err)
			return
		}

		recordAudit(c, audit, "pipeline.create", "create", "pipeline", p.ID)
		hub.Publish(Event{
			Type:       EventPipelineCreated,
			PipelineID: p.ID,
			Name:       p.Name,
			Status:     string(p.Status),
		})
		c.JSON(http.StatusCreated, p)
	}
}

// GetPipeline returns one pipeline record by id.
func GetPipeline(engine *pipeline.Engine) gin.HandlerFunc {
	return func(c *gin.Context) {
		p, err := engine.GetStatus(c.Request.Context(), c.Param("id"))
		if err != nil {
			respondError(c, err)
			return
		}
		if p == nil {
			notFound(c, "no pipeline "+c.Param("id"))
			return
		}
		c.JSON(http.StatusOK, p)
	}
}

// TriggerPipeline queues a pending pipeline for execution. Returns 202;
// execution failures become pipeline state, not trigger errors.
func TriggerPipeline(engine *pipeline.Engine, hub *EventHub, audit extensions.AuditLogger) gin.HandlerFunc {
	return func(c *gin.Context) {
		id := c.Param("id")
		if err := engine.Trigger(c.Request.Context(), id); err != nil {
			respondError(c, err)
			return
		}

		recordAudit(c, audit, "pipeline.trigger", "trigger", "pipeline", id)
		hub.Publish(Event{
			Type:       EventPipelineTriggered,
			PipelineID: id,
			Status:     string(pipeline.StatusRunning),
		})
		c.JSON(http.StatusAccepted, gin.H{"pipeline_id": id, "status": "queued"})
	}
}

// CancelPipeline stops a pipeline. Cancelling a terminal pipeline is a
// no-op success.
func CancelPipeline(engine *pipeline.Engine, hub *EventHub, audit extensions.AuditLogger) gin.HandlerFunc {
	return func(c *gin.Context) {
		id := c.Param("id")
		if err := engine.Cancel(c.Request.Context(), id); err != nil {
			respondError(c, err)
			return
		}

		recordAudit(c, audit, "pipeline.cancel", "cancel", "pipeline", id)
		hub.Publish(Event{
			Type:       EventPipelineCancelled,
			PipelineID: id,
			Status:     string(pipeline.StatusCancelled),
		})
		c.JSON(http.StatusOK, gin.H{"pipeline_id": id, "status": "cancel requested"})
	}
}

// PipelineLogs returns the per-stage execution record for a pipeline.
func PipelineLogs(engine *pipeline.Engine) gin.HandlerFunc {
	return func(c *gin.Context) {
		p, err := engine.GetStatus(c.Request.Context(), c.Param("id"))
		if err != nil {
			respondError(c, err)
			return
		}
		if p == nil {
			notFound(c, "no pipeline "+c.Param("id"))
			return
		}
		c.JSON(http.StatusOK, gin.H{
			"pipeline_id": p.ID,
			"status":      p.Status,
			"stages":      p.StageResults,
			"metrics":     p.Metrics,
		})
	}
}

// recordAudit emits one audit event attributed to the caller's API key.
func recordAudit(c *gin.Context, audit extensions.AuditLogger, eventType, action, resourceType, resourceID string) {
	if audit == nil {
		return
	}
	keyID := "anonymous"
	if info := middleware.GetAuthInfo(c); info != nil {
		keyID = info.KeyID
	}
	audit.Record(c.Request.Context(), extensions.AuditEvent{
		EventType:    eventType,
		Timestamp:    time.Now().UTC(),
		KeyID:        keyID,
		Action:       action,
		ResourceType: resourceType,
		ResourceID:   resourceID,
		Outcome:      "success",
		Metadata:     map[string]any{"remote_addr": c.ClientIP()},
	})
}
