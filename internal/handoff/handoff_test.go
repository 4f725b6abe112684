// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package handoff

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

func seedState(t *testing.T, l *ledger.Ledger, key ledger.Key) {
	t.Helper()
	state := &contracts.PipelineState{
		TaskID: key.TaskID, RunID: key.RunID, Status: contracts.StatusExecute,
		CurrentStepID: "plan",
		Steps: []contracts.StepState{
			{ID: "extract", Status: contracts.StepAccepted},
			{ID: "plan", Status: contracts.StepRunning},
			{ID: "dispatch", Status: contracts.StepPending},
		},
		RoleLifecycle: map[string]string{},
	}
	require.NoError(t, l.CommitTransition(context.Background(), state, &contracts.Event{
		EventType:   contracts.EventLifecycleTransition,
		Severity:    contracts.SeverityInfo,
		Correlation: contracts.Correlation{TaskID: key.TaskID, RunID: key.RunID},
	}))
}

func TestCreate_CapturesOpenStepsInOrder(t *testing.T) {
	l := newTestLedger(t)
	key := ledger.Key{TaskID: "t1", RunID: "r1"}
	seedState(t, l, key)

	pkg, err := Create(context.Background(), l, key, time.Now().UTC())
	require.NoError(t, err)
	require.Equal(t, []string{"dispatch", "plan"}, pkg.OpenAcceptanceItems)
	require.NotEmpty(t, pkg.PackageHash)
	require.Equal(t, contracts.SchemaVersion, pkg.SchemaVersion)
}

func TestApply_ResumePlanExcludesAcceptedAndDoneSteps(t *testing.T) {
	l := newTestLedger(t)
	key := ledger.Key{TaskID: "t1", RunID: "r1"}
	seedState(t, l, key)

	pkg, err := Create(context.Background(), l, key, time.Now().UTC())
	require.NoError(t, err)

	plan, err := Apply(context.Background(), l, key, pkg)
	require.NoError(t, err)
	require.Equal(t, []string{"dispatch", "plan"}, plan.StepIDs)
	require.NotContains(t, plan.StepIDs, "extract")
}

func TestApply_RejectsTaskRunMismatch(t *testing.T) {
	l := newTestLedger(t)
	key := ledger.Key{TaskID: "t1", RunID: "r1"}
	seedState(t, l, key)

	pkg, err := Create(context.Background(), l, key, time.Now().UTC())
	require.NoError(t, err)

	_, err = Apply(context.Background(), l, ledger.Key{TaskID: "t2", RunID: "r1"}, pkg)
	require.ErrorIs(t, err, ErrPackageMismatch)
}

func TestApply_RejectsTamperedHash(t *testing.T) {
	l := newTestLedger(t)
	key := ledger.Key{TaskID: "t1", RunID: "r1"}
	seedState(t, l, key)

	pkg, err := Create(context.Background(), l, key, time.Now().UTC())
	require.NoError(t, err)

	pkg.NextAction = "tampered"
	_, err = Apply(context.Background(), l, key, pkg)
	require.ErrorIs(t, err, ErrPackageMismatch)
}

func TestApply_RejectsSchemaVersionMismatch(t *testing.T) {
	l := newTestLedger(t)
	key := ledger.Key{TaskID: "t1", RunID: "r1"}
	seedState(t, l, key)

	pkg, err := Create(context.Background(), l, key, time.Now().UTC())
	require.NoError(t, err)

	pkg.SchemaVersion = "9.9.9"
	_, err = Apply(context.Background(), l, key, pkg)
	require.ErrorIs(t, err, contracts.ErrSchemaVersionMismatch)
}

func TestCreateApply_RoundTripIsNoOpOnLifecyclePosition(t *testing.T) {
	l := newTestLedger(t)
	key := ledger.Key{TaskID: "t1", RunID: "r1"}
	seedState(t, l, key)

	before, err := l.ReadState(context.Background(), key)
	require.NoError(t, err)

	pkg, err := Create(context.Background(), l, key, time.Now().UTC())
	require.NoError(t, err)
	_, err = Apply(context.Background(), l, key, pkg)
	require.NoError(t, err)

	after, err := l.ReadState(context.Background(), key)
	require.NoError(t, err)
	require.Equal(t, before.Status, after.Status)
	require.Equal(t, before.CurrentStepID, after.CurrentStepID)
}
