// Copyright (C) 2026 Conveyor Authors (dev@conveyor-ci.dev)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package cache

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

const (
	metricsNamespace = "conveyor"
	cacheSubsystem   = "cache"
)

// Metrics holds all Prometheus metrics for cache operations.
//
// Initialize once per registry via NewMetrics(). All operations are
// thread-safe via Prometheus's internal locking.
type Metrics struct {
	// HitsTotal counts successful retrieves by match kind.
	// Labels: match (exact, dependency)
	HitsTotal *prometheus.CounterVec

	// MissesTotal counts retrieves that found nothing usable.
	// Labels: reason (not_found, expired, file_missing, no_hash)
	MissesTotal *prometheus.CounterVec

	// StoresTotal counts store calls by outcome.
	// Labels: outcome (stored, duplicate, error)
	StoresTotal *prometheus.CounterVec

	// EvictionsTotal counts entries removed by capacity eviction.
	// Labels: policy (lru, lfu, size, hybrid)
	EvictionsTotal *prometheus.CounterVec

	// ExpiredSweptTotal counts entries removed by expiry cleanup.
	ExpiredSweptTotal prometheus.Counter

	// InvalidatedTotal counts entries removed by explicit invalidation.
	InvalidatedTotal prometheus.Counter

	// SizeBytes tracks the current total size of live entries.
	SizeBytes prometheus.Gauge

	// EntryCount tracks the current number of live entries.
	EntryCount prometheus.Gauge
}

// NewMetrics creates and registers cache metrics with the given registerer.
// A nil registerer falls back to the Prometheus default registry.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	factory := promauto.With(reg)

	return &Metrics{
		HitsTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: metricsNamespace,
				Subsystem: cacheSubsystem,
				Name:      "hits_total",
				Help:      "Total cache hits by match kind",
			},
			[]string{"match"},
		),

		MissesTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: metricsNamespace,
				Subsystem: cacheSubsystem,
				Name:      "misses_total",
				Help:      "Total cache misses by reason",
			},
			[]string{"reason"},
		),

		StoresTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: metricsNamespace,
				Subsystem: cacheSubsystem,
				Name:      "stores_total",
				Help:      "Total store calls by outcome",
			},
			[]string{"outcome"},
		),

		EvictionsTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: metricsNamespace,
				Subsystem: cacheSubsystem,
				Name:      "evictions_total",
				Help:      "Total entries evicted under capacity pressure",
			},
			[]string{"policy"},
		),

		ExpiredSweptTotal: factory.NewCounter(
			prometheus.CounterOpts{
				Namespace: metricsNamespace,
				Subsystem: cacheSubsystem,
				Name:      "expired_swept_total",
				Help:      "Total entries removed by expiry cleanup",
			},
		),

		InvalidatedTotal: factory.NewCounter(
			prometheus.CounterOpts{
				Namespace: metricsNamespace,
				Subsystem: cacheSubsystem,
				Name:      "invalidated_total",
				Help:      "Total entries removed by explicit invalidation",
			},
		),

		SizeBytes: factory.NewGauge(
			prometheus.GaugeOpts{
				Namespace: metricsNamespace,
				Subsystem: cacheSubsystem,
				Name:      "size_bytes",
				Help:      "Current total size of live cache entries",
			},
		),

		EntryCount: factory.NewGauge(
			prometheus.GaugeOpts{
				Namespace: metricsNamespace,
				Subsystem: cacheSubsystem,
				Name:      "entry_count",
				Help:      "Current number of live cache entries",
			},
		),
	}
}
