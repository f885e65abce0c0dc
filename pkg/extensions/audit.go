// Copyright (C) 2026 Conveyor Authors (dev@conveyor-ci.dev)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package extensions

import (
	"context"
	"log/slog"
	"time"
)

// AuditEvent represents a control-plane action worth keeping a record of.
//
// # Event Categories
//
// Events are categorized by type for filtering and alerting:
//   - Authentication: "auth.failed"
//   - Pipelines: "pipeline.trigger", "pipeline.cancel", "pipeline.retry"
//   - Cache: "cache.invalidate", "cache.clear"
//   - Secrets: "secret.set", "secret.delete", "secret.read"
//
// Example:
//
//	event := AuditEvent{
//	    EventType:    "pipeline.trigger",
//	    Timestamp:    time.Now().UTC(),
//	    KeyID:        authInfo.KeyID,
//	    Action:       "create",
//	    ResourceType: "pipeline",
//	    ResourceID:   pipelineID,
//	    Outcome:      "success",
//	}
type AuditEvent struct {
	// EventType categorizes the event for filtering and alerting.
	// Format: "category.action" (e.g., "pipeline.trigger")
	EventType string

	// Timestamp is when the event occurred (always use UTC).
	// If zero, implementations should set it to time.Now().UTC().
	Timestamp time.Time

	// KeyID identifies which API key performed the action.
	// Use "system" for automated actions.
	KeyID string

	// Action describes what operation was attempted.
	// Common values: "create", "read", "update", "delete", "cancel"
	Action string

	// ResourceType is the category of resource involved.
	// Examples: "pipeline", "cache_entry", "secret"
	ResourceType string

	// ResourceID is the specific resource instance (optional).
	ResourceID string

	// Outcome indicates the result of the action.
	// Values: "success", "failure", "denied"
	Outcome string

	// Metadata holds additional event-specific data.
	//
	// Common metadata keys:
	//   - "error": error message if Outcome is "failure"
	//   - "remote_addr": client address
	Metadata map[string]any
}

// AuditLogger records control-plane actions.
//
// Implementations must be safe for concurrent use and must not block the
// caller for long; Record is invoked on request paths.
type AuditLogger interface {
	// Record persists a single audit event. Errors should be logged by
	// the implementation rather than propagated to request handlers.
	Record(ctx context.Context, event AuditEvent)
}

// NopAuditLogger discards all events. This is the default for single-user
// deployments where an audit trail isn't needed.
type NopAuditLogger struct{}

// Record discards the event.
func (l *NopAuditLogger) Record(_ context.Context, _ AuditEvent) {}

// SlogAuditLogger writes audit events to a structured logger.
type SlogAuditLogger struct {
	logger *slog.Logger
}

// NewSlogAuditLogger creates an audit logger backed by the given slog.Logger.
func NewSlogAuditLogger(logger *slog.Logger) *SlogAuditLogger {
	return &SlogAuditLogger{logger: logger}
}

// Record emits the event as a single structured log line.
func (l *SlogAuditLogger) Record(ctx context.Context, event AuditEvent) {
	if event.Timestamp.IsZero() {
		event.Timestamp = time.Now().UTC()
	}
	l.logger.InfoContext(ctx, "audit: "+event.EventType,
		"key_id", event.KeyID,
		"action", event.Action,
		"resource_type", event.ResourceType,
		"resource_id", event.ResourceID,
		"outcome", event.Outcome,
	)
}

// Compile-time interface compliance checks.
var (
	_ AuditLogger = (*NopAuditLogger)(nil)
	_ AuditLogger = (*SlogAuditLogger)(nil)
)
