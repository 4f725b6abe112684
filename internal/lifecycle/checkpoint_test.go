// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package lifecycle

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/daokit/daokit/internal/contracts"
	"github.com/daokit/daokit/internal/ledger"
	"github.com/daokit/daokit/internal/storage/filetree"
)

func newTestLedger(t *testing.T) *ledger.Ledger {
	t.Helper()
	root := t.TempDir()
	backend := filetree.New(root)
	require.NoError(t, backend.Init(context.Background(), root))
	return ledger.New(backend, nil)
}

func TestWriteCheckpoint_ThenResumeFindsMatch(t *testing.T) {
	l := newTestLedger(t)
	ctx := context.Background()
	key := ledger.Key{TaskID: "t1", RunID: "r1"}

	state := &contracts.PipelineState{
		TaskID: "t1", RunID: "r1", Status: contracts.StatusExecute,
		CurrentStepID: "extract",
		Steps:         []contracts.StepState{{ID: "extract", Status: contracts.StepRunning}},
		RoleLifecycle: map[string]string{},
	}
	require.NoError(t, l.CommitTransition(ctx, state, nil))

	_, err := WriteCheckpoint(ctx, l, key, NodeDispatch, state, time.Now().UTC())
	require.NoError(t, err)

	verified, err := Resume(ctx, l, key)
	require.NoError(t, err)
	require.Equal(t, string(NodeDispatch), verified.Checkpoint.LifecycleNode)
	require.True(t, verified.Checkpoint.Valid)
}

func TestResume_NoCheckpointsErrors(t *testing.T) {
	l := newTestLedger(t)
	ctx := context.Background()
	key := ledger.Key{TaskID: "t1", RunID: "r1"}

	state := &contracts.PipelineState{
		TaskID: "t1", RunID: "r1", Status: contracts.StatusExecute,
		RoleLifecycle: map[string]string{},
	}
	require.NoError(t, l.CommitTransition(ctx, state, nil))

	_, err := Resume(ctx, l, key)
	require.Error(t, err)
}

func TestResume_SkipsInvalidAndStaleCheckpoints(t *testing.T) {
	l := newTestLedger(t)
	ctx := context.Background()
	key := ledger.Key{TaskID: "t1", RunID: "r1"}

	state := &contracts.PipelineState{
		TaskID: "t1", RunID: "r1", Status: contracts.StatusExecute,
		CurrentStepID: "extract",
		Steps:         []contracts.StepState{{ID: "extract", Status: contracts.StepRunning}},
		RoleLifecycle: map[string]string{},
	}
	require.NoError(t, l.CommitTransition(ctx, state, nil))

	stale, err := WriteCheckpoint(ctx, l, key, NodeDispatch, state, time.Now().UTC())
	require.NoError(t, err)
	stale.Valid = false
	require.NoError(t, l.AppendCheckpoint(ctx, key, stale))

	// Advance state so its hash no longer matches the stale checkpoint,
	// then write a fresh valid one.
	state.Status = contracts.StatusAccept
	require.NoError(t, l.CommitTransition(ctx, state, nil))
	fresh, err := WriteCheckpoint(ctx, l, key, NodeVerify, state, time.Now().UTC())
	require.NoError(t, err)

	verified, err := Resume(ctx, l, key)
	require.NoError(t, err)
	require.Equal(t, fresh.CheckpointID, verified.Checkpoint.CheckpointID)
}
