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
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/daokit/daokit/internal/contracts"
	"github.com/daokit/daokit/internal/ledger"
)

// hashableSnapshot is the deterministic subset of pipeline state a
// checkpoint's hash binds. UpdatedAt is included: a checkpoint always
// describes one specific snapshot write, not a semantic-equality class of
// snapshots.
type hashableSnapshot struct {
	TaskID        string                   `json:"task_id"`
	RunID         string                   `json:"run_id"`
	Status        contracts.PipelineStatus `json:"status"`
	CurrentStepID string                   `json:"current_step_id"`
	Steps         []contracts.StepState    `json:"steps"`
	RoleLifecycle map[string]string        `json:"role_lifecycle"`
	Succession    contracts.Succession     `json:"succession"`
	UpdatedAt     time.Time                `json:"updated_at"`
}

func toHashable(p *contracts.PipelineState) hashableSnapshot {
	return hashableSnapshot{
		TaskID: p.TaskID, RunID: p.RunID, Status: p.Status,
		CurrentStepID: p.CurrentStepID, Steps: p.Steps,
		RoleLifecycle: p.RoleLifecycle, Succession: p.Succession, UpdatedAt: p.UpdatedAt,
	}
}

// snapshotHash computes the deterministic hex digest binding a pipeline
// state snapshot, for checkpoint persistence and resume verification.
func snapshotHash(p *contracts.PipelineState) (string, error) {
	raw, err := json.Marshal(toHashable(p))
	if err != nil {
		return "", fmt.Errorf("lifecycle: marshal snapshot for hash: %w", err)
	}
	sum := sha256.Sum256(raw)
	return hex.EncodeToString(sum[:]), nil
}

// WriteCheckpoint hashes state and appends a checkpoint record for node.
func WriteCheckpoint(ctx context.Context, l *ledger.Ledger, key ledger.Key, node Node, state *contracts.PipelineState, now time.Time) (*contracts.Checkpoint, error) {
	hash, err := snapshotHash(state)
	if err != nil {
		return nil, err
	}
	checkpoint := &contracts.Checkpoint{
		CheckpointID:  uuid.NewString(),
		StepID:        state.CurrentStepID,
		LifecycleNode: string(node),
		SnapshotHash:  hash,
		CreatedAt:     now,
		Valid:         true,
	}
	if err := l.AppendCheckpoint(ctx, key, checkpoint); err != nil {
		return nil, fmt.Errorf("lifecycle: write checkpoint: %w", err)
	}
	if err := l.AppendEvent(ctx, key, &contracts.Event{
		EventType:   contracts.EventCheckpointPersisted,
		Severity:    contracts.SeverityInfo,
		Correlation: contracts.Correlation{TaskID: key.TaskID, RunID: key.RunID, StepID: state.CurrentStepID},
		Payload:     map[string]interface{}{"checkpoint_id": checkpoint.CheckpointID, "lifecycle_node": string(node)},
	}); err != nil {
		return nil, err
	}
	return checkpoint, nil
}

// VerifiedCheckpoint is the result of walking the checkpoint history on
// resume: the newest checkpoint whose hash matches the re-read snapshot.
type VerifiedCheckpoint struct {
	Checkpoint *contracts.Checkpoint
	Snapshot   *contracts.PipelineState
}

// Resume walks checkpoints for key backward from the newest until it
// finds one whose hash matches the current (re-read) pipeline state.
// Checkpoints whose hash doesn't match the current state, or that are
// marked invalid, are skipped — they are flagged but never corrupt the
// ledger, since Resume only reads.
func Resume(ctx context.Context, l *ledger.Ledger, key ledger.Key) (*VerifiedCheckpoint, error) {
	state, err := l.ReadState(ctx, key)
	if err != nil {
		return nil, fmt.Errorf("lifecycle: resume: read state: %w", err)
	}
	currentHash, err := snapshotHash(state)
	if err != nil {
		return nil, err
	}

	checkpoints, err := l.Checkpoints(ctx, key)
	if err != nil {
		return nil, fmt.Errorf("lifecycle: resume: read checkpoints: %w", err)
	}
	for i := len(checkpoints) - 1; i >= 0; i-- {
		c := checkpoints[i]
		if !c.Valid {
			continue
		}
		if c.SnapshotHash == currentHash {
			return &VerifiedCheckpoint{Checkpoint: c, Snapshot: state}, nil
		}
	}
	return nil, fmt.Errorf("lifecycle: resume: no valid checkpoint matches current snapshot for %s/%s", key.TaskID, key.RunID)
}
