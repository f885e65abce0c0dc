// Copyright (C) 2026 Conveyor Authors (dev@conveyor-ci.dev)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package handlers

import (
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
)

// =============================================================================
// Event Hub
// =============================================================================

// Event types published over the build-status stream.
const (
	EventPipelineCreated   = "pipeline_created"
	EventPipelineTriggered = "pipeline_triggered"
	EventPipelineCancelled = "pipeline_cancelled"
)

// Event is one build-status notification.
type Event struct {
	Type       string    `json:"type"`
	PipelineID string    `json:"pipeline_id"`
	Name       string    `json:"name,omitempty"`
	Status     string    `json:"status,omitempty"`
	Timestamp  time.Time `json:"timestamp"`
}

// subscriberBuffer bounds each subscriber's queue. A subscriber that
// falls this far behind starts losing events rather than blocking
// publishers.
const subscriberBuffer = 64

// EventHub fans build-status events out to websocket subscribers.
//
// # Thread Safety
//
// Safe for concurrent use. Publish never blocks; slow subscribers drop
// events.
type EventHub struct {
	mu   sync.Mutex
	subs map[chan Event]struct{}
}

// NewEventHub creates an empty hub.
func NewEventHub() *EventHub {
	return &EventHub{subs: make(map[chan Event]struct{})}
}

// Publish delivers the event to every subscriber. The timestamp is
// stamped here if the caller left it zero.
func (h *EventHub) Publish(ev Event) {
	if ev.Timestamp.IsZero() {
		ev.Timestamp = time.Now().UTC()
	}
	h.mu.Lock()
	defer h.mu.Unlock()
	for ch := range h.subs {
		select {
		case ch <- ev:
		default:
			// Subscriber is saturated; the event is lost for them
		}
	}
}

// Subscribe registers a new subscriber. The returned cancel function
// must be called exactly once when done.
func (h *EventHub) Subscribe() (<-chan Event, func()) {
	ch := make(chan Event, subscriberBuffer)
	h.mu.Lock()
	h.subs[ch] = struct{}{}
	h.mu.Unlock()

	return ch, func() {
		h.mu.Lock()
		delete(h.subs, ch)
		h.mu.Unlock()
	}
}

// SubscriberCount returns how many subscribers are attached.
func (h *EventHub) SubscriberCount() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.subs)
}

// =============================================================================
// Websocket Handler
// =============================================================================

var eventsUpgrader = websocket.Upgrader{
	CheckOrigin: func(r *http.Request) bool {
		return true
	},
	ReadBufferSize:  4 * 1024,
	WriteBufferSize: 4 * 1024,
}

// HandleEvents upgrades the connection and streams build-status events
// as JSON until the client disconnects.
func HandleEvents(hub *EventHub) gin.HandlerFunc {
	return func(c *gin.Context) {
		ws, err := eventsUpgrader.Upgrade(c.Writer, c.Request, nil)
		if err != nil {
			slog.Error("controlplane.events: websocket upgrade failed", "error", err)
			return
		}
		defer ws.Close()

		events, cancel := hub.Subscribe()
		defer cancel()
		slog.Info("controlplane.events: subscriber connected",
			"remote", c.ClientIP(), "subscribers", hub.SubscriberCount())

		// Drain the read side so close frames are processed
		done := make(chan struct{})
		go func() {
			defer close(done)
			for {
				if _, _, err := ws.ReadMessage(); err != nil {
					return
				}
			}
		}()

		for {
			select {
			case ev := <-events:
				if err := ws.WriteJSON(ev); err != nil {
					slog.Info("controlplane.events: subscriber disconnected", "error", err)
					return
				}
			case <-done:
				return
			case <-c.Request.Context().Done():
				return
			}
		}
	}
}
