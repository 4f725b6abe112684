// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package heartbeat

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/daokit/daokit/internal/contracts"
	"github.com/daokit/daokit/internal/ledger"
	"github.com/daokit/daokit/internal/storage/filetree"
)

func newTestEvaluator(t *testing.T) (*Evaluator, ledger.Key) {
	t.Helper()
	root := t.TempDir()
	backend := filetree.New(root)
	require.NoError(t, backend.Init(context.Background(), root))
	l := ledger.New(backend, nil)
	return New(l, Thresholds{WarningAfterSeconds: 10, StaleAfterSeconds: 20}, nil), ledger.Key{TaskID: "task-1", RunID: "run-1"}
}

func TestEvaluate_IdleWhenNoStepRunning(t *testing.T) {
	e, key := newTestEvaluator(t)
	now := time.Now().UTC()
	status, err := e.Evaluate(context.Background(), key, false, now, now)
	require.NoError(t, err)
	require.Equal(t, contracts.HeartbeatIdle, status.Status)
}

func TestEvaluate_RunningWithinWarningWindow(t *testing.T) {
	e, key := newTestEvaluator(t)
	now := time.Now().UTC()
	last := now.Add(-5 * time.Second)
	status, err := e.Evaluate(context.Background(), key, true, last, now)
	require.NoError(t, err)
	require.Equal(t, contracts.HeartbeatRunning, status.Status)
}

func TestEvaluate_WarningBetweenThresholds(t *testing.T) {
	e, key := newTestEvaluator(t)
	now := time.Now().UTC()
	last := now.Add(-15 * time.Second)
	status, err := e.Evaluate(context.Background(), key, true, last, now)
	require.NoError(t, err)
	require.Equal(t, contracts.HeartbeatWarning, status.Status)
}

func TestEvaluate_StaleBeyondThreshold(t *testing.T) {
	e, key := newTestEvaluator(t)
	now := time.Now().UTC()
	last := now.Add(-30 * time.Second)
	status, err := e.Evaluate(context.Background(), key, true, last, now)
	require.NoError(t, err)
	require.Equal(t, contracts.HeartbeatStale, status.Status)
	require.NotEmpty(t, status.ReasonCode)
}

func TestEvaluate_StaleEscalationDedupedAcrossTicks(t *testing.T) {
	e, key := newTestEvaluator(t)
	now := time.Now().UTC()
	last := now.Add(-30 * time.Second)

	_, err := e.Evaluate(context.Background(), key, true, last, now)
	require.NoError(t, err)
	events, err := e.ledger.Events(context.Background(), key, 0, 10)
	require.NoError(t, err)
	require.Len(t, events, 1)

	_, err = e.Evaluate(context.Background(), key, true, last, now.Add(time.Second))
	require.NoError(t, err)
	events, err = e.ledger.Events(context.Background(), key, 0, 10)
	require.NoError(t, err)
	require.Len(t, events, 1, "second stale tick in the same streak must not duplicate the event")
}

func TestEvaluate_NewStaleStreakAfterRecoveryEmitsAgain(t *testing.T) {
	e, key := newTestEvaluator(t)
	now := time.Now().UTC()

	_, err := e.Evaluate(context.Background(), key, true, now.Add(-30*time.Second), now)
	require.NoError(t, err)

	_, err = e.Evaluate(context.Background(), key, true, now, now.Add(time.Second))
	require.NoError(t, err)

	_, err = e.Evaluate(context.Background(), key, true, now.Add(time.Second), now.Add(31*time.Second))
	require.NoError(t, err)

	events, err := e.ledger.Events(context.Background(), key, 0, 10)
	require.NoError(t, err)
	require.Len(t, events, 2)
}

func TestLastActivity_PrefersNewerArtifactMtime(t *testing.T) {
	dir := t.TempDir()
	filePath := filepath.Join(dir, "out.json")
	require.NoError(t, os.WriteFile(filePath, []byte("{}"), 0o644))

	explicit := time.Now().Add(-time.Hour)
	got := LastActivity(explicit, dir)
	require.True(t, got.After(explicit))
}
