// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package ledger is the typed façade the lifecycle runtime, dispatch
// adapter, acceptance engine, heartbeat evaluator, and lease registry all
// go through instead of touching a storage.Backend directly. It enforces
// the invariants a bare Backend can't: monotonic event IDs, shape
// validation before persistence, and at-most-one-active-lease-per-key.
package ledger

import (
	"context"
	"fmt"
	"time"

	"github.com/daokit/daokit/internal/contracts"
	"github.com/daokit/daokit/internal/obs/logging"
	"github.com/daokit/daokit/internal/storage"
)

// Sentinel errors for invariant violations this façade enforces.
var (
	ErrDuplicateActiveLease = fmt.Errorf("ledger: another lease is already ACTIVE for this (run_id, step_id)")
)

// Ledger wraps a storage.Backend with validation and event-ID assignment.
type Ledger struct {
	backend storage.Backend
	logger  *logging.Logger
}

// New constructs a Ledger over backend. logger may be nil, in which case
// logging.Default() (Info level, stderr) is used.
func New(backend storage.Backend, logger *logging.Logger) *Ledger {
	if logger == nil {
		logger = logging.Default()
	}
	return &Ledger{backend: backend, logger: logger}
}

// Key re-exports storage.RunKey so callers need not import internal/storage
// directly for the common case.
type Key = storage.RunKey

// ReadState returns the current pipeline state for key.
func (l *Ledger) ReadState(ctx context.Context, key Key) (*contracts.PipelineState, error) {
	return l.backend.ReadPipelineState(ctx, key)
}

// CommitTransition validates and persists a new pipeline-state snapshot
// together with the event that announces it, assigning the event's
// monotonic EventID first. This is the only way lifecycle nodes should
// mutate pipeline state.
func (l *Ledger) CommitTransition(ctx context.Context, state *contracts.PipelineState, event *contracts.Event) error {
	if state == nil {
		return fmt.Errorf("%w: nil pipeline state", contracts.ErrInvalidRecord)
	}
	state.SchemaVersion = contracts.SchemaVersion
	state.UpdatedAt = time.Now().UTC()
	if err := contracts.ValidatePipelineState(state); err != nil {
		return err
	}

	if event != nil {
		key := Key{TaskID: state.TaskID, RunID: state.RunID}
		id, err := l.backend.NextEventID(ctx, key)
		if err != nil {
			return fmt.Errorf("ledger: assign event id: %w", err)
		}
		event.SchemaVersion = contracts.SchemaVersion
		event.EventID = id
		if event.Timestamp.IsZero() {
			event.Timestamp = time.Now().UTC()
		}
		if event.Correlation.TaskID == "" {
			event.Correlation.TaskID = state.TaskID
		}
		if event.Correlation.RunID == "" {
			event.Correlation.RunID = state.RunID
		}
		if err := contracts.ValidateEvent(event); err != nil {
			return err
		}
	}

	if err := l.backend.WriteSnapshotWithEvent(ctx, state, event); err != nil {
		return fmt.Errorf("ledger: commit transition: %w", err)
	}
	l.logger.Info("committed pipeline transition",
		"task_id", state.TaskID, "run_id", state.RunID, "status", string(state.Status))
	return nil
}

// AppendEvent records a standalone event that doesn't accompany a state
// transition (heartbeat warnings, human input, checkpoint-persisted).
func (l *Ledger) AppendEvent(ctx context.Context, key Key, event *contracts.Event) error {
	if event == nil {
		return fmt.Errorf("%w: nil event", contracts.ErrInvalidRecord)
	}
	id, err := l.backend.NextEventID(ctx, key)
	if err != nil {
		return fmt.Errorf("ledger: assign event id: %w", err)
	}
	event.SchemaVersion = contracts.SchemaVersion
	event.EventID = id
	if event.Timestamp.IsZero() {
		event.Timestamp = time.Now().UTC()
	}
	if event.Correlation.TaskID == "" {
		event.Correlation.TaskID = key.TaskID
	}
	if event.Correlation.RunID == "" {
		event.Correlation.RunID = key.RunID
	}
	if err := contracts.ValidateEvent(event); err != nil {
		return err
	}
	return l.backend.AppendEvent(ctx, key, event)
}

// Events returns events with EventID > sinceEventID, oldest first.
func (l *Ledger) Events(ctx context.Context, key Key, sinceEventID int64, limit int) ([]*contracts.Event, error) {
	return l.backend.ReadEvents(ctx, key, sinceEventID, limit)
}

// Snapshots returns up to the most recent limit pipeline-state snapshots.
func (l *Ledger) Snapshots(ctx context.Context, key Key, limit int) ([]*contracts.PipelineState, error) {
	return l.backend.ReadSnapshots(ctx, key, limit)
}

// Leases returns all lease records for key, including released/expired ones.
func (l *Ledger) Leases(ctx context.Context, key Key) ([]*contracts.Lease, error) {
	return l.backend.ReadLeases(ctx, key)
}

// ActiveLease returns the current ACTIVE, unexpired lease for stepID, or
// nil if none exists.
func (l *Ledger) ActiveLease(ctx context.Context, key Key, stepID string, now time.Time) (*contracts.Lease, error) {
	leases, err := l.backend.ReadLeases(ctx, key)
	if err != nil {
		return nil, err
	}
	for _, lease := range leases {
		if lease.StepID != stepID {
			continue
		}
		if lease.Status == contracts.LeaseActive && lease.Expiry.After(now) {
			return lease, nil
		}
	}
	return nil, nil
}

// PutLease validates and persists a lease via compare-and-swap on
// expectedToken. When registering a brand-new ACTIVE lease (expectedToken
// == ""), it first checks no other ACTIVE, unexpired lease already holds
// this (run_id, step_id) — the ledger's own duplicate-active-lease guard,
// independent of the backend's per-record CAS.
func (l *Ledger) PutLease(ctx context.Context, lease *contracts.Lease, expectedToken string, now time.Time) error {
	if err := contracts.ValidateLease(lease); err != nil {
		return err
	}
	lease.SchemaVersion = contracts.SchemaVersion

	if expectedToken == "" && lease.Status == contracts.LeaseActive {
		key := Key{TaskID: lease.TaskID, RunID: lease.RunID}
		existing, err := l.ActiveLease(ctx, key, lease.StepID, now)
		if err != nil {
			return err
		}
		if existing != nil && existing.LeaseToken != lease.LeaseToken {
			return ErrDuplicateActiveLease
		}
	}

	if err := l.backend.WriteLease(ctx, lease, expectedToken); err != nil {
		return err
	}
	l.logger.Info("wrote lease", "task_id", lease.TaskID, "run_id", lease.RunID,
		"step_id", lease.StepID, "status", string(lease.Status))
	return nil
}

// Heartbeat returns the current heartbeat status for key.
func (l *Ledger) Heartbeat(ctx context.Context, key Key) (*contracts.HeartbeatStatus, error) {
	return l.backend.ReadHeartbeat(ctx, key)
}

// SetHeartbeat validates and persists a heartbeat status.
func (l *Ledger) SetHeartbeat(ctx context.Context, key Key, status *contracts.HeartbeatStatus) error {
	status.SchemaVersion = contracts.SchemaVersion
	if err := contracts.ValidateHeartbeatStatus(status); err != nil {
		return err
	}
	return l.backend.WriteHeartbeat(ctx, key, status)
}

// AppendCheckpoint validates and appends a checkpoint record.
func (l *Ledger) AppendCheckpoint(ctx context.Context, key Key, checkpoint *contracts.Checkpoint) error {
	checkpoint.SchemaVersion = contracts.SchemaVersion
	if err := contracts.ValidateCheckpoint(checkpoint); err != nil {
		return err
	}
	return l.backend.AppendCheckpoint(ctx, key, checkpoint)
}

// Checkpoints returns all checkpoint records for key, oldest first.
func (l *Ledger) Checkpoints(ctx context.Context, key Key) ([]*contracts.Checkpoint, error) {
	return l.backend.ReadCheckpoints(ctx, key)
}

// SaveHandoff persists a handoff package at path (backend default when
// empty).
func (l *Ledger) SaveHandoff(ctx context.Context, key Key, path string, pkg *contracts.HandoffPackage) error {
	return l.backend.WriteHandoff(ctx, key, path, pkg)
}

// LoadHandoff reads a handoff package from path (backend default when
// empty).
func (l *Ledger) LoadHandoff(ctx context.Context, key Key, path string) (*contracts.HandoffPackage, error) {
	return l.backend.ReadHandoff(ctx, key, path)
}

// ArtifactRoot delegates to the backend's dispatch artifact path
// convention.
func (l *Ledger) ArtifactRoot(root string, key Key) string {
	return l.backend.ArtifactRoot(root, key)
}
