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
	"github.com/conveyor-ci/conveyor/services/secrets"
)

// createSecretRequest is the wire shape for POST /v1/secrets. The value
// appears in the request body only; responses carry metadata alone.
type createSecretRequest struct {
	Name       string `json:"name" binding:"required"`
	Value      string `json:"value" binding:"required"`
	Type       string `json:"type"`
	Scope      string `json:"scope"`
	PipelineID string `json:"pipeline_id"`
	TTLSeconds int64  `json:"ttl_seconds"`
}

// CreateSecret stores a new secret and returns its metadata.
func CreateSecret(store *secrets.Store, audit extensions.AuditLogger) gin.HandlerFunc {
	return func(c *gin.Context) {
		var req createSecretRequest
		if err := c.ShouldBindJSON(&req); err != nil {
			badRequest(c, "malformed secret: "+err.Error())
			return
		}

		meta, err := store.Create(secrets.CreateRequest{
			Name:       req.Name,
			Value:      req.Value,
			Type:       secrets.Type(req.Type),
			Scope:      secrets.Scope(req.Scope),
			PipelineID: req.PipelineID,
			TTL:        time.Duration(req.TTLSeconds) * time.Second,
		})
		if err != nil {
			badRequest(c, err.Error())
			return
		}

		recordAudit(c, audit, "secret.set", "create", "secret", meta.ID)
		c.JSON(http.StatusCreated, meta)
	}
}

// ListSecrets returns secret metadata, optionally filtered by ?scope=.
// Values are never listed.
func ListSecrets(store *secrets.Store) gin.HandlerFunc {
	return func(c *gin.Context) {
		list := store.List(secrets.Scope(c.Query("scope")))
		c.JSON(http.StatusOK, gin.H{"secrets": list, "count": len(list)})
	}
}

// SecretValue returns the decrypted value of one secret. Every read is
// audit-logged.
func SecretValue(store *secrets.Store, audit extensions.AuditLogger) gin.HandlerFunc {
	return func(c *gin.Context) {
		id := c.Param("id")
		value, err := store.Value(id)
		if err != nil {
			respondError(c, err)
			return
		}

		recordAudit(c, audit, "secret.read", "read", "secret", id)
		c.JSON(http.StatusOK, gin.H{"id": id, "value": value})
	}
}

// DeleteSecret removes a secret and wipes its value.
func DeleteSecret(store *secrets.Store, audit extensions.AuditLogger) gin.HandlerFunc {
	return func(c *gin.Context) {
		id := c.Param("id")
		if err := store.Delete(id); err != nil {
			respondError(c, err)
			return
		}

		recordAudit(c, audit, "secret.delete", "delete", "secret", id)
		c.JSON(http.StatusOK, gin.H{"deleted": id})
	}
}
