// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package lease implements the process-lease registry and successor
// takeover protocol: register/heartbeat/renew/release/takeover and the
// batch adoption used when a new controller process takes over a run.
package lease

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/daokit/daokit/internal/contracts"
	"github.com/daokit/daokit/internal/ledger"
)

// Sentinel errors surfaced by registry operations.
var (
	ErrKeyMismatch   = errors.New("lease: (task_id, run_id, step_id) does not match existing lease")
	ErrNotActive     = errors.New("lease: no ACTIVE lease for this step")
	ErrTokenMismatch = errors.New("lease: caller does not own the current lease_token")
)

// Registry mutates lease records through a Ledger, expiring stale leases
// before every evaluation.
type Registry struct {
	ledger *ledger.Ledger
	ttl    time.Duration
}

// New constructs a Registry. ttl is the lease lifetime applied on
// Register/Renew.
func New(l *ledger.Ledger, ttl time.Duration) *Registry {
	return &Registry{ledger: l, ttl: ttl}
}

// Register creates a new ACTIVE lease for (taskID, runID, stepID) held by
// (lane, threadID, pid). Fails with ledger.ErrDuplicateActiveLease if
// another unexpired ACTIVE lease already exists for this step.
func (r *Registry) Register(ctx context.Context, taskID, runID, stepID, lane, threadID string, pid int, now time.Time) (*contracts.Lease, error) {
	l := &contracts.Lease{
		Lane:       lane,
		StepID:     stepID,
		TaskID:     taskID,
		RunID:      runID,
		ThreadID:   threadID,
		PID:        pid,
		LeaseToken: uuid.NewString(),
		Expiry:     now.Add(r.ttl),
		Status:     contracts.LeaseActive,
	}
	if err := r.ledger.PutLease(ctx, l, "", now); err != nil {
		return nil, fmt.Errorf("lease: register: %w", err)
	}
	return l, nil
}

// Heartbeat is an alias for Renew: it extends the lease expiry without
// changing its token or status, proving the holder is still alive.
func (r *Registry) Heartbeat(ctx context.Context, key ledger.Key, stepID, leaseToken string, now time.Time) (*contracts.Lease, error) {
	return r.Renew(ctx, key, stepID, leaseToken, now)
}

// Renew extends the expiry of the caller's ACTIVE lease, first expiring any
// stale lease it finds for this step.
func (r *Registry) Renew(ctx context.Context, key ledger.Key, stepID, leaseToken string, now time.Time) (*contracts.Lease, error) {
	current, err := r.expireAndFind(ctx, key, stepID, now)
	if err != nil {
		return nil, err
	}
	if current == nil {
		return nil, ErrNotActive
	}
	if current.LeaseToken != leaseToken {
		return nil, ErrTokenMismatch
	}
	renewed := *current
	renewed.Expiry = now.Add(r.ttl)
	if err := r.ledger.PutLease(ctx, &renewed, leaseToken, now); err != nil {
		return nil, fmt.Errorf("lease: renew: %w", err)
	}
	return &renewed, nil
}

// Release marks the caller's ACTIVE lease RELEASED. Releasing a lease the
// caller doesn't hold the token for is rejected.
func (r *Registry) Release(ctx context.Context, key ledger.Key, stepID, leaseToken string, now time.Time) error {
	current, err := r.expireAndFind(ctx, key, stepID, now)
	if err != nil {
		return err
	}
	if current == nil {
		return ErrNotActive
	}
	if current.LeaseToken != leaseToken {
		return ErrTokenMismatch
	}
	released := *current
	released.Status = contracts.LeaseReleased
	if err := r.ledger.PutLease(ctx, &released, leaseToken, now); err != nil {
		return fmt.Errorf("lease: release: %w", err)
	}
	return nil
}

// Takeover transfers a step's lease to a new holder unconditionally,
// regardless of the current holder's token — this is the forced-successor
// path, distinct from the cooperative Renew/Release pair.
func (r *Registry) Takeover(ctx context.Context, taskID, runID, stepID, lane, threadID string, pid int, now time.Time) (*contracts.Lease, error) {
	key := ledger.Key{TaskID: taskID, RunID: runID}
	existing, err := r.ledger.ActiveLease(ctx, key, stepID, now)
	if err != nil {
		return nil, err
	}
	expected := ""
	if existing != nil {
		expected = existing.LeaseToken
	}
	successor := &contracts.Lease{
		Lane:       lane,
		StepID:     stepID,
		TaskID:     taskID,
		RunID:      runID,
		ThreadID:   threadID,
		PID:        pid,
		LeaseToken: uuid.NewString(),
		Expiry:     now.Add(r.ttl),
		Status:     contracts.LeaseActive,
	}
	if err := r.ledger.PutLease(ctx, successor, expected, now); err != nil {
		return nil, fmt.Errorf("lease: takeover: %w", err)
	}
	return successor, nil
}

// expireAndFind loads all leases for key, transitions any stale ACTIVE
// lease for stepID to EXPIRED, and returns the (possibly now-absent)
// current ACTIVE lease.
func (r *Registry) expireAndFind(ctx context.Context, key ledger.Key, stepID string, now time.Time) (*contracts.Lease, error) {
	leases, err := r.ledger.Leases(ctx, key)
	if err != nil {
		return nil, err
	}
	for _, l := range leases {
		if l.StepID != stepID || l.Status != contracts.LeaseActive {
			continue
		}
		if !l.Expiry.After(now) {
			expired := *l
			expired.Status = contracts.LeaseExpired
			if err := r.ledger.PutLease(ctx, &expired, l.LeaseToken, now); err != nil {
				return nil, fmt.Errorf("lease: expire stale lease: %w", err)
			}
			return nil, nil
		}
		return l, nil
	}
	return nil, nil
}

// AdoptionResult is the outcome of BatchTakeoverRun.
type AdoptionResult struct {
	AdoptedStepIDs []string
	FailedStepIDs  []string
	TakeoverAt     time.Time
}

// BatchTakeoverRun adopts every RUNNING step's lease for (taskID, runID) on
// behalf of a new successor identity. Only leases that are ACTIVE and
// unexpired are adopted; every other RUNNING step is marked
// failed_non_adopted_lease in role_lifecycle and gets a STEP_FAILED event.
// The result is also folded into pipeline state's succession fields.
func (r *Registry) BatchTakeoverRun(ctx context.Context, key ledger.Key, lane, threadID string, pid int, now time.Time) (*AdoptionResult, error) {
	state, err := r.ledger.ReadState(ctx, key)
	if err != nil {
		return nil, fmt.Errorf("lease: batch takeover: read state: %w", err)
	}

	result := &AdoptionResult{TakeoverAt: now}
	if state.RoleLifecycle == nil {
		state.RoleLifecycle = make(map[string]string)
	}

	for _, step := range state.Steps {
		if step.Status != contracts.StepRunning {
			continue
		}
		active, err := r.ledger.ActiveLease(ctx, key, step.ID, now)
		if err != nil {
			return nil, fmt.Errorf("lease: batch takeover: read lease for %s: %w", step.ID, err)
		}
		if active == nil {
			state.RoleLifecycle["step:"+step.ID] = "failed_non_adopted_lease"
			result.FailedStepIDs = append(result.FailedStepIDs, step.ID)
			if err := r.ledger.AppendEvent(ctx, key, &contracts.Event{
				EventType:   contracts.EventStepFailed,
				Severity:    contracts.SeverityError,
				Correlation: contracts.Correlation{TaskID: key.TaskID, RunID: key.RunID, StepID: step.ID},
				Payload:     map[string]interface{}{"reason": "failed_non_adopted_lease"},
			}); err != nil {
				return nil, err
			}
			continue
		}
		successor := *active
		successor.Lane = lane
		successor.ThreadID = threadID
		successor.PID = pid
		successor.LeaseToken = uuid.NewString()
		successor.Expiry = now.Add(r.ttl)
		if err := r.ledger.PutLease(ctx, &successor, active.LeaseToken, now); err != nil {
			return nil, fmt.Errorf("lease: batch takeover: adopt lease for %s: %w", step.ID, err)
		}
		result.AdoptedStepIDs = append(result.AdoptedStepIDs, step.ID)
		if err := r.ledger.AppendEvent(ctx, key, &contracts.Event{
			EventType:   contracts.EventLeaseAdopted,
			Severity:    contracts.SeverityInfo,
			Correlation: contracts.Correlation{TaskID: key.TaskID, RunID: key.RunID, StepID: step.ID},
		}); err != nil {
			return nil, err
		}
	}

	state.Succession = contracts.Succession{
		LastTakeoverAt: &now,
		Successor:      threadID,
	}
	if err := r.ledger.CommitTransition(ctx, state, &contracts.Event{
		EventType:   contracts.EventSuccessionAccepted,
		Severity:    contracts.SeverityInfo,
		Correlation: contracts.Correlation{TaskID: key.TaskID, RunID: key.RunID},
		Payload: map[string]interface{}{
			"adopted_step_ids": result.AdoptedStepIDs,
			"failed_step_ids":  result.FailedStepIDs,
		},
	}); err != nil {
		return nil, fmt.Errorf("lease: batch takeover: commit succession: %w", err)
	}

	return result, nil
}
