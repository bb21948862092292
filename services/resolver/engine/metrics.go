// Copyright (C) 2026 Resolvetech Systems (dev@resolvetech.io)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package engine

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	applyTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "upstreamd_apply_total",
		Help: "Apply attempts by outcome (committed, rolled_back, fatal, rejected).",
	}, []string{"outcome"})

	applyDuration = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "upstreamd_apply_duration_seconds",
		Help:    "Wall-clock duration of apply attempts that reached the mutation phase.",
		Buckets: prometheus.ExponentialBuckets(0.05, 2, 12),
	})

	rollbackTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "upstreamd_rollback_total",
		Help: "Completed automatic rollbacks.",
	})

	fatalTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "upstreamd_rollback_fatal_total",
		Help: "Rollbacks that failed and left the system needing manual recovery.",
	})

	driftTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "upstreamd_managed_file_drift_total",
		Help: "External modifications observed on the managed configuration file.",
	})

	snapshotCount = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "upstreamd_snapshots",
		Help: "Snapshots currently stored on disk.",
	})
)

func recordApply(outcome string, elapsed time.Duration) {
	applyTotal.WithLabelValues(outcome).Inc()
	if outcome != "rejected" {
		applyDuration.Observe(elapsed.Seconds())
	}
}

func recordRollback() { rollbackTotal.Inc() }
func recordFatal()    { fatalTotal.Inc() }
func recordDrift()    { driftTotal.Inc() }
