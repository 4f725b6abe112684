// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package lease

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/daokit/daokit/internal/contracts"
	"github.com/daokit/daokit/internal/ledger"
	"github.com/daokit/daokit/internal/storage/filetree"
)

func newTestRegistry(t *testing.T) (*Registry, ledger.Key) {
	t.Helper()
	root := t.TempDir()
	backend := filetree.New(root)
	require.NoError(t, backend.Init(context.Background(), root))
	l := ledger.New(backend, nil)
	return New(l, time.Minute), ledger.Key{TaskID: "task-1", RunID: "run-1"}
}

func TestRegistry_RegisterThenRenew(t *testing.T) {
	r, key := newTestRegistry(t)
	now := time.Now().UTC()

	lease, err := r.Register(context.Background(), key.TaskID, key.RunID, "dispatch", "primary", "t1", 100, now)
	require.NoError(t, err)

	renewed, err := r.Renew(context.Background(), key, "dispatch", lease.LeaseToken, now.Add(time.Second))
	require.NoError(t, err)
	require.True(t, renewed.Expiry.After(lease.Expiry))
}

func TestRegistry_RenewWrongTokenRejected(t *testing.T) {
	r, key := newTestRegistry(t)
	now := time.Now().UTC()
	_, err := r.Register(context.Background(), key.TaskID, key.RunID, "dispatch", "primary", "t1", 100, now)
	require.NoError(t, err)

	_, err = r.Renew(context.Background(), key, "dispatch", "bogus-token", now)
	require.ErrorIs(t, err, ErrTokenMismatch)
}

func TestRegistry_Release(t *testing.T) {
	r, key := newTestRegistry(t)
	now := time.Now().UTC()
	lease, err := r.Register(context.Background(), key.TaskID, key.RunID, "dispatch", "primary", "t1", 100, now)
	require.NoError(t, err)

	require.NoError(t, r.Release(context.Background(), key, "dispatch", lease.LeaseToken, now))

	_, err = r.Renew(context.Background(), key, "dispatch", lease.LeaseToken, now)
	require.ErrorIs(t, err, ErrNotActive)
}

func TestRegistry_TakeoverAfterExpiry(t *testing.T) {
	r, key := newTestRegistry(t)
	past := time.Now().UTC().Add(-time.Hour)
	_, err := r.Register(context.Background(), key.TaskID, key.RunID, "primary", "t1", "t1", 100, past)
	require.NoError(t, err)

	successor, err := r.Takeover(context.Background(), key.TaskID, key.RunID, "primary", "primary", "t2", 200, time.Now().UTC())
	require.NoError(t, err)
	require.Equal(t, "t2", successor.ThreadID)
}

func TestRegistry_BatchTakeoverRun_AdoptsActiveAndFailsMissing(t *testing.T) {
	r, key := newTestRegistry(t)
	now := time.Now().UTC()

	state := &contracts.PipelineState{
		TaskID: key.TaskID, RunID: key.RunID, Status: contracts.StatusExecute,
		Steps: []contracts.StepState{
			{ID: "dispatch", Status: contracts.StepRunning},
			{ID: "verify", Status: contracts.StepRunning},
		},
	}
	require.NoError(t, r.ledger.CommitTransition(context.Background(), state, nil))

	_, err := r.Register(context.Background(), key.TaskID, key.RunID, "dispatch", "primary", "t1", 100, now)
	require.NoError(t, err)
	// "verify" step has no lease registered, so it cannot be adopted.

	result, err := r.BatchTakeoverRun(context.Background(), key, "primary", "t2", 200, now.Add(time.Second))
	require.NoError(t, err)
	require.ElementsMatch(t, []string{"dispatch"}, result.AdoptedStepIDs)
	require.ElementsMatch(t, []string{"verify"}, result.FailedStepIDs)

	got, err := r.ledger.ReadState(context.Background(), key)
	require.NoError(t, err)
	require.Equal(t, "failed_non_adopted_lease", got.RoleLifecycle["step:verify"])
	require.Equal(t, "t2", got.Succession.Successor)
}
