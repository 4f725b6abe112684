// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package lifecycle

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/daokit/daokit/internal/acceptance"
	"github.com/daokit/daokit/internal/contracts"
	"github.com/daokit/daokit/internal/ledger"
)

// stubDispatcher writes the step's declared expected_outputs on every
// Create/Rework call except the first failUntil calls, which write
// nothing, so acceptance passes on attempt failUntil+1.
type stubDispatcher struct {
	root      string
	failUntil int
	calls     int
}

func (d *stubDispatcher) dispatch(req DispatchRequest) DispatchResult {
	skip := d.calls < d.failUntil
	d.calls++
	if skip {
		return DispatchResult{}
	}
	for _, eo := range req.Step.ExpectedOutputs {
		path := filepath.Join(d.root, eo.Path)
		_ = os.MkdirAll(filepath.Dir(path), 0o755)
		_ = os.WriteFile(path, []byte(`{"ok":true}`), 0o644)
	}
	return DispatchResult{}
}

func (d *stubDispatcher) Create(_ context.Context, req DispatchRequest) (DispatchResult, error) {
	return d.dispatch(req), nil
}

func (d *stubDispatcher) Resume(_ context.Context, req DispatchRequest) (DispatchResult, error) {
	return d.dispatch(req), nil
}

func (d *stubDispatcher) Rework(_ context.Context, req DispatchRequest, _ *acceptance.ReworkPayload) (DispatchResult, error) {
	return d.dispatch(req), nil
}

func samplePlan() *contracts.Plan {
	return &contracts.Plan{
		TaskID: "task-1", RunID: "run-1", Goal: "demo goal",
		Steps: []contracts.Step{
			{
				ID: "extract", Goal: "extract", Actions: []string{"do it"},
				AcceptanceCriteria: []string{"produces report"},
				ExpectedOutputs:    []contracts.ExpectedOutput{{Name: "report", Path: "extract/report.json"}},
				Dependencies:       []string{},
			},
			{
				ID: "plan", Goal: "plan", Actions: []string{"do it"},
				AcceptanceCriteria: []string{"produces plan"},
				ExpectedOutputs:    []contracts.ExpectedOutput{{Name: "plan", Path: "plan/plan.json"}},
				Dependencies:       []string{"extract"},
			},
		},
	}
}

func TestRuntime_Run_HappyPathReachesDone(t *testing.T) {
	ctx := context.Background()
	l := newTestLedger(t)
	root := t.TempDir()
	dispatcher := &stubDispatcher{root: root}

	rt := New(l, dispatcher, Options{Lane: "lane-a", ThreadID: "thread-a", PID: 1, LeaseTTL: time.Minute}, nil)

	status, err := rt.Run(ctx, samplePlan(), root)
	require.NoError(t, err)
	require.Equal(t, contracts.StatusDone, status)

	view, err := rt.Status(ctx, ledgerKeyFor(samplePlan()))
	require.NoError(t, err)
	require.Equal(t, contracts.StatusDone, view.State.Status)
	for _, s := range view.State.Steps {
		require.Equal(t, contracts.StepAccepted, s.Status)
	}
}

func TestRuntime_Run_ReworkThenAccepts(t *testing.T) {
	ctx := context.Background()
	l := newTestLedger(t)
	root := t.TempDir()
	dispatcher := &stubDispatcher{root: root, failUntil: 1}

	rt := New(l, dispatcher, Options{Lane: "lane-a", ThreadID: "thread-a", PID: 1, LeaseTTL: time.Minute}, nil)

	status, err := rt.Run(ctx, samplePlan(), root)
	require.NoError(t, err)
	require.Equal(t, contracts.StatusDone, status)
	require.GreaterOrEqual(t, dispatcher.calls, 3)
}

func TestRuntime_Run_ReworkExhaustedBlocksRun(t *testing.T) {
	ctx := context.Background()
	l := newTestLedger(t)
	root := t.TempDir()
	dispatcher := &stubDispatcher{root: root, failUntil: 1000}

	rt := New(l, dispatcher, Options{Lane: "lane-a", ThreadID: "thread-a", PID: 1, ReworkBound: 2, LeaseTTL: time.Minute}, nil)

	_, err := rt.Run(ctx, samplePlan(), root)
	require.Error(t, err)

	view, statusErr := rt.Status(ctx, ledgerKeyFor(samplePlan()))
	require.NoError(t, statusErr)
	require.Equal(t, contracts.StatusBlocked, view.State.Status)
}

func ledgerKeyFor(p *contracts.Plan) ledger.Key {
	return ledger.Key{TaskID: p.TaskID, RunID: p.RunID}
}
