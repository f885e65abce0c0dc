// Copyright (C) 2026 Conveyor Authors (dev@conveyor-ci.dev)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package pipeline

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics holds the engine's Prometheus instruments.
type Metrics struct {
	// RunsTotal counts completed runs by terminal status.
	RunsTotal *prometheus.CounterVec

	// StageDuration observes stage wall time by stage type.
	StageDuration *prometheus.HistogramVec

	// ActiveRuns gauges pipelines currently in flight.
	ActiveRuns prometheus.Gauge

	// AutoFixesTotal counts applied remediations by fix name.
	AutoFixesTotal *prometheus.CounterVec

	// StageCacheHitsTotal counts stages satisfied from cache.
	StageCacheHitsTotal prometheus.Counter

	// StuckTimeoutsTotal counts pipelines failed by the monitor.
	StuckTimeoutsTotal prometheus.Counter
}

// NewMetrics registers the engine's metrics on the given registerer.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	factory := promauto.With(reg)
	return &Metrics{
		RunsTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: "conveyor",
			Subsystem: "pipeline",
			Name:      "runs_total",
			Help:      "Completed pipeline runs by terminal status.",
		}, []string{"status"}),
		StageDuration: factory.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: "conveyor",
			Subsystem: "pipeline",
			Name:      "stage_duration_seconds",
			Help:      "Stage wall time by stage type.",
			Buckets:   prometheus.ExponentialBuckets(0.1, 2, 14),
		}, []string{"stage_type"}),
		ActiveRuns: factory.NewGauge(prometheus.GaugeOpts{
			Namespace: "conveyor",
			Subsystem: "pipeline",
			Name:      "active_runs",
			Help:      "Pipelines currently executing.",
		}),
		AutoFixesTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: "conveyor",
			Subsystem: "pipeline",
			Name:      "auto_fixes_total",
			Help:      "Applied remediations by fix name.",
		}, []string{"fix"}),
		StageCacheHitsTotal: factory.NewCounter(prometheus.CounterOpts{
			Namespace: "conveyor",
			Subsystem: "pipeline",
			Name:      "stage_cache_hits_total",
			Help:      "Stages satisfied from the build cache.",
		}),
		StuckTimeoutsTotal: factory.NewCounter(prometheus.CounterOpts{
			Namespace: "conveyor",
			Subsystem: "pipeline",
			Name:      "stuck_timeouts_total",
			Help:      "Pipelines failed by the stuck-run monitor.",
		}),
	}
}
