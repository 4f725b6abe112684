// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package lifecycle

import (
	"context"
	"fmt"

	"github.com/daokit/daokit/internal/contracts"
	"github.com/daokit/daokit/internal/ledger"
	"github.com/daokit/daokit/internal/lease"
)

// ApplyTakeoverTransition resolves the pipeline-level reliability
// transition authorized by a successor lease adoption. It is the caller's
// job (cmd_takeover) to run lease.Registry.BatchTakeoverRun first and hand
// its result here; BatchTakeoverRun itself only adjusts per-step
// role_lifecycle and succession, never the overall pipeline status, since
// that transition is guarded by this package's edge set, not the lease
// package's.
//
// A run that was never drained (state.Status is neither DRAINING nor
// BLOCKED) is left untouched: an operator-invoked takeover against a
// healthy run only reassigns leases, it does not force a transition.
func ApplyTakeoverTransition(ctx context.Context, l *ledger.Ledger, key ledger.Key, result *lease.AdoptionResult) (contracts.PipelineStatus, error) {
	state, err := l.ReadState(ctx, key)
	if err != nil {
		return "", fmt.Errorf("lifecycle: apply takeover transition: read state: %w", err)
	}

	adopted := len(result.AdoptedStepIDs) > 0

	switch state.Status {
	case contracts.StatusDraining:
		if adopted {
			if err := Guard(NodeDraining, TriggerSuccessorLeaseAdopted, NodeDispatch); err != nil {
				return "", err
			}
			return commitTakeoverTransition(ctx, l, key, state, contracts.StatusExecute, TriggerSuccessorLeaseAdopted)
		}
		if err := Guard(NodeDraining, TriggerNoValidLease, NodeBlocked); err != nil {
			return "", err
		}
		return commitTakeoverTransition(ctx, l, key, state, contracts.StatusBlocked, TriggerNoValidLease)

	case contracts.StatusBlocked:
		if !adopted {
			return state.Status, nil
		}
		if err := Guard(NodeBlocked, TriggerManualRecovery, NodeDispatch); err != nil {
			return "", err
		}
		return commitTakeoverTransition(ctx, l, key, state, contracts.StatusExecute, TriggerManualRecovery)

	default:
		return state.Status, nil
	}
}

// commitTakeoverTransition persists the status change Guard already
// authorized and appends the announcing event.
func commitTakeoverTransition(ctx context.Context, l *ledger.Ledger, key ledger.Key, state *contracts.PipelineState, to contracts.PipelineStatus, trigger Trigger) (contracts.PipelineStatus, error) {
	state.Status = to
	if err := l.CommitTransition(ctx, state, &contracts.Event{
		EventType:   contracts.EventLifecycleTransition,
		Severity:    contracts.SeverityInfo,
		Correlation: contracts.Correlation{TaskID: key.TaskID, RunID: key.RunID},
		Payload:     map[string]interface{}{"status": string(to), "trigger": string(trigger)},
	}); err != nil {
		return "", fmt.Errorf("lifecycle: apply takeover transition: commit: %w", err)
	}
	return to, nil
}
