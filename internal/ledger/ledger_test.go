// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package ledger

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/daokit/daokit/internal/contracts"
	"github.com/daokit/daokit/internal/storage/filetree"
)

func newTestLedger(t *testing.T) (*Ledger, Key) {
	t.Helper()
	root := t.TempDir()
	backend := filetree.New(root)
	require.NoError(t, backend.Init(context.Background(), root))
	return New(backend, nil), Key{TaskID: "task-1", RunID: "run-1"}
}

func baseState(key Key) *contracts.PipelineState {
	return &contracts.PipelineState{
		TaskID: key.TaskID,
		RunID:  key.RunID,
		Status: contracts.StatusExecute,
		Steps: []contracts.StepState{
			{ID: "extract", Status: contracts.StepPending},
		},
	}
}

// ===== CommitTransition =====

func TestLedger_CommitTransition_AssignsEventID(t *testing.T) {
	l, key := newTestLedger(t)
	state := baseState(key)
	event := &contracts.Event{EventType: contracts.EventLifecycleTransition, Severity: contracts.SeverityInfo}

	require.NoError(t, l.CommitTransition(context.Background(), state, event))
	require.Equal(t, int64(1), event.EventID)
	require.Equal(t, contracts.SchemaVersion, event.SchemaVersion)
	require.Equal(t, key.TaskID, event.Correlation.TaskID)

	got, err := l.ReadState(context.Background(), key)
	require.NoError(t, err)
	require.Equal(t, contracts.StatusExecute, got.Status)
}

func TestLedger_CommitTransition_NilStateRejected(t *testing.T) {
	l, _ := newTestLedger(t)
	err := l.CommitTransition(context.Background(), nil, nil)
	require.Error(t, err)
}

func TestLedger_CommitTransition_WithoutEvent(t *testing.T) {
	l, key := newTestLedger(t)
	state := baseState(key)
	require.NoError(t, l.CommitTransition(context.Background(), state, nil))

	events, err := l.Events(context.Background(), key, 0, 10)
	require.NoError(t, err)
	require.Empty(t, events)
}

// ===== AppendEvent =====

func TestLedger_AppendEvent_MonotonicIDs(t *testing.T) {
	l, key := newTestLedger(t)
	state := baseState(key)
	require.NoError(t, l.CommitTransition(context.Background(), state, nil))

	e1 := &contracts.Event{EventType: contracts.EventHeartbeatWarning, Severity: contracts.SeverityWarn}
	e2 := &contracts.Event{EventType: contracts.EventHeartbeatStale, Severity: contracts.SeverityError}
	require.NoError(t, l.AppendEvent(context.Background(), key, e1))
	require.NoError(t, l.AppendEvent(context.Background(), key, e2))

	require.Equal(t, int64(1), e1.EventID)
	require.Equal(t, int64(2), e2.EventID)
}

// ===== Lease invariants =====

func TestLedger_PutLease_RejectsDuplicateActive(t *testing.T) {
	l, key := newTestLedger(t)
	now := time.Now().UTC()

	first := &contracts.Lease{
		Lane: "primary", StepID: "dispatch", TaskID: key.TaskID, RunID: key.RunID,
		ThreadID: "t1", PID: 100, LeaseToken: "tok-1",
		Expiry: now.Add(time.Hour), Status: contracts.LeaseActive,
	}
	require.NoError(t, l.PutLease(context.Background(), first, "", now))

	second := &contracts.Lease{
		Lane: "primary", StepID: "dispatch", TaskID: key.TaskID, RunID: key.RunID,
		ThreadID: "t2", PID: 200, LeaseToken: "tok-2",
		Expiry: now.Add(time.Hour), Status: contracts.LeaseActive,
	}
	err := l.PutLease(context.Background(), second, "", now)
	require.ErrorIs(t, err, ErrDuplicateActiveLease)
}

func TestLedger_PutLease_AllowsTakeoverAfterExpiry(t *testing.T) {
	l, key := newTestLedger(t)
	now := time.Now().UTC()

	expired := &contracts.Lease{
		Lane: "primary", StepID: "dispatch", TaskID: key.TaskID, RunID: key.RunID,
		ThreadID: "t1", PID: 100, LeaseToken: "tok-1",
		Expiry: now.Add(-time.Minute), Status: contracts.LeaseActive,
	}
	require.NoError(t, l.PutLease(context.Background(), expired, "", now.Add(-time.Hour)))

	successor := &contracts.Lease{
		Lane: "primary", StepID: "dispatch", TaskID: key.TaskID, RunID: key.RunID,
		ThreadID: "t2", PID: 200, LeaseToken: "tok-2",
		Expiry: now.Add(time.Hour), Status: contracts.LeaseActive,
	}
	require.NoError(t, l.PutLease(context.Background(), successor, "", now))

	active, err := l.ActiveLease(context.Background(), key, "dispatch", now)
	require.NoError(t, err)
	require.NotNil(t, active)
	require.Equal(t, "tok-2", active.LeaseToken)
}

// ===== Heartbeat round trip =====

func TestLedger_Heartbeat_RoundTrip(t *testing.T) {
	l, key := newTestLedger(t)
	status := &contracts.HeartbeatStatus{
		Status:              contracts.HeartbeatRunning,
		LastHeartbeatAt:     time.Now().UTC(),
		ObservedAt:          time.Now().UTC(),
		WarningAfterSeconds: 900,
		StaleAfterSeconds:   1200,
	}
	require.NoError(t, l.SetHeartbeat(context.Background(), key, status))

	got, err := l.Heartbeat(context.Background(), key)
	require.NoError(t, err)
	require.Equal(t, contracts.HeartbeatRunning, got.Status)
}

// ===== Checkpoint round trip =====

func TestLedger_Checkpoints_RoundTrip(t *testing.T) {
	l, key := newTestLedger(t)
	checkpoint := &contracts.Checkpoint{
		CheckpointID: "ckpt-1", StepID: "dispatch", LifecycleNode: "dispatch",
		SnapshotHash: "deadbeef", CreatedAt: time.Now().UTC(), Valid: true,
	}
	require.NoError(t, l.AppendCheckpoint(context.Background(), key, checkpoint))

	got, err := l.Checkpoints(context.Background(), key)
	require.NoError(t, err)
	require.Len(t, got, 1)
	require.Equal(t, "ckpt-1", got[0].CheckpointID)
}
