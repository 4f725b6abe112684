// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package metrics

import (
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/require"
)

func newTestMetrics(t *testing.T) *RunMetrics {
	t.Helper()
	return NewRunMetrics(prometheus.NewRegistry())
}

// ===== ObserveHeartbeatSilence =====

func TestRunMetrics_ObserveHeartbeatSilence(t *testing.T) {
	m := newTestMetrics(t)
	m.ObserveHeartbeatSilence("task-1", "run-1", 42.5)

	val := testutil.ToFloat64(m.HeartbeatSilenceSeconds.WithLabelValues("task-1", "run-1"))
	require.Equal(t, 42.5, val)

	m.ObserveHeartbeatSilence("task-1", "run-1", 60.0)
	val = testutil.ToFloat64(m.HeartbeatSilenceSeconds.WithLabelValues("task-1", "run-1"))
	require.Equal(t, 60.0, val)
}

// ===== SetLeaseActive =====

func TestRunMetrics_SetLeaseActive(t *testing.T) {
	m := newTestMetrics(t)
	m.SetLeaseActive("active", 3)
	m.SetLeaseActive("expired", 1)

	require.Equal(t, 3.0, testutil.ToFloat64(m.LeaseActiveTotal.WithLabelValues("active")))
	require.Equal(t, 1.0, testutil.ToFloat64(m.LeaseActiveTotal.WithLabelValues("expired")))
}

// ===== RecordTakeover =====

func TestRunMetrics_RecordTakeover(t *testing.T) {
	m := newTestMetrics(t)
	m.RecordTakeover("adopted")
	m.RecordTakeover("adopted")
	m.RecordTakeover("rejected")

	require.Equal(t, 2.0, testutil.ToFloat64(m.TakeoversTotal.WithLabelValues("adopted")))
	require.Equal(t, 1.0, testutil.ToFloat64(m.TakeoversTotal.WithLabelValues("rejected")))
}

// ===== RecordTransition =====

func TestRunMetrics_RecordTransition(t *testing.T) {
	m := newTestMetrics(t)
	m.RecordTransition("accept_failed")
	m.RecordTransition("accept_failed")
	m.RecordTransition("done")

	require.Equal(t, 2.0, testutil.ToFloat64(m.TransitionsTotal.WithLabelValues("accept_failed")))
	require.Equal(t, 1.0, testutil.ToFloat64(m.TransitionsTotal.WithLabelValues("done")))
}

// ===== RecordReworkLoop =====

func TestRunMetrics_RecordReworkLoop(t *testing.T) {
	m := newTestMetrics(t)
	m.RecordReworkLoop("step-a")
	m.RecordReworkLoop("step-a")
	m.RecordReworkLoop("step-b")

	require.Equal(t, 2.0, testutil.ToFloat64(m.ReworkLoopsTotal.WithLabelValues("step-a")))
	require.Equal(t, 1.0, testutil.ToFloat64(m.ReworkLoopsTotal.WithLabelValues("step-b")))
}

// ===== isolated registries do not conflict =====

func TestNewRunMetrics_IsolatedRegistries(t *testing.T) {
	m1 := NewRunMetrics(prometheus.NewRegistry())
	m2 := NewRunMetrics(prometheus.NewRegistry())

	m1.RecordTakeover("adopted")
	require.Equal(t, 1.0, testutil.ToFloat64(m1.TakeoversTotal.WithLabelValues("adopted")))
	require.Equal(t, 0.0, testutil.ToFloat64(m2.TakeoversTotal.WithLabelValues("adopted")))
}
