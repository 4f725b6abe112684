// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package metrics provides Prometheus instrumentation for the orchestration
// engine.
//
// # Description
//
// Exposes gauges and counters that back the observability emitter's
// diagnostics report: heartbeat silence, lease population, and takeover
// activity. Metrics are exposed via /metrics for Prometheus scrape.
//
// # Thread Safety
//
// All metric operations are thread-safe via Prometheus's internal locking.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

const namespace = "daokit"

// RunMetrics holds all Prometheus metrics for one orchestration engine
// process. Initialize once at startup via NewRunMetrics().
//
// # Fields
//
//   - HeartbeatSilenceSeconds: Gauge of current silence per (task_id, run_id)
//   - LeaseActiveTotal: Gauge of active leases by status
//   - TakeoversTotal: Counter of successor takeovers by outcome
//   - TransitionsTotal: Counter of lifecycle transitions by trigger
//   - ReworkLoopsTotal: Counter of verify->dispatch rework loops
type RunMetrics struct {
	HeartbeatSilenceSeconds *prometheus.GaugeVec
	LeaseActiveTotal        *prometheus.GaugeVec
	TakeoversTotal          *prometheus.CounterVec
	TransitionsTotal        *prometheus.CounterVec
	ReworkLoopsTotal        *prometheus.CounterVec
}

// NewRunMetrics creates and registers all Prometheus metrics against reg.
// Pass prometheus.NewRegistry() for isolated tests; pass nil to register
// against the default global registry.
func NewRunMetrics(reg prometheus.Registerer) *RunMetrics {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	factory := promauto.With(reg)
	return &RunMetrics{
		HeartbeatSilenceSeconds: factory.NewGaugeVec(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Name:      "heartbeat_silence_seconds",
				Help:      "Seconds since last observed activity for a run",
			},
			[]string{"task_id", "run_id"},
		),
		LeaseActiveTotal: factory.NewGaugeVec(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Name:      "lease_active_total",
				Help:      "Number of leases currently in a given status",
			},
			[]string{"status"},
		),
		TakeoversTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "takeovers_total",
				Help:      "Total successor takeover attempts by outcome",
			},
			[]string{"outcome"},
		),
		TransitionsTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "transitions_total",
				Help:      "Total lifecycle transitions by trigger",
			},
			[]string{"trigger"},
		),
		ReworkLoopsTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "rework_loops_total",
				Help:      "Total verify-rejected-then-redispatched loops by step",
			},
			[]string{"step_id"},
		),
	}
}

// ObserveHeartbeatSilence records the current silence duration for a run.
func (m *RunMetrics) ObserveHeartbeatSilence(taskID, runID string, seconds float64) {
	m.HeartbeatSilenceSeconds.WithLabelValues(taskID, runID).Set(seconds)
}

// SetLeaseActive sets the current gauge value for a lease status bucket.
func (m *RunMetrics) SetLeaseActive(status string, count float64) {
	m.LeaseActiveTotal.WithLabelValues(status).Set(count)
}

// RecordTakeover increments the takeover counter for an outcome
// ("adopted" or "rejected").
func (m *RunMetrics) RecordTakeover(outcome string) {
	m.TakeoversTotal.WithLabelValues(outcome).Inc()
}

// RecordTransition increments the transition counter for a trigger name.
func (m *RunMetrics) RecordTransition(trigger string) {
	m.TransitionsTotal.WithLabelValues(trigger).Inc()
}

// RecordReworkLoop increments the rework counter for a step.
func (m *RunMetrics) RecordReworkLoop(stepID string) {
	m.ReworkLoopsTotal.WithLabelValues(stepID).Inc()
}
