// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package contracts

import "fmt"

// ValidatePipelineState checks shape invariants the `check` command and the
// ledger façade both rely on. It does not check cross-record invariants
// (those live in the ledger package, which has backend access).
func ValidatePipelineState(p *PipelineState) error {
	if p == nil {
		return fmt.Errorf("%w: nil pipeline state", ErrInvalidRecord)
	}
	if p.SchemaVersion != SchemaVersion {
		return fmt.Errorf("%w: got %q want %q", ErrSchemaVersionMismatch, p.SchemaVersion, SchemaVersion)
	}
	if p.TaskID == "" || p.RunID == "" {
		return fmt.Errorf("%w: task_id/run_id must not be empty", ErrInvalidRecord)
	}
	switch p.Status {
	case StatusPlanning, StatusAnalysis, StatusFreeze, StatusExecute, StatusAccept, StatusDone, StatusDraining, StatusBlocked:
	default:
		return fmt.Errorf("%w: unknown status %q", ErrInvalidRecord, p.Status)
	}
	seen := make(map[string]bool, len(p.Steps))
	for _, s := range p.Steps {
		if s.ID == "" {
			return fmt.Errorf("%w: step with empty id", ErrInvalidRecord)
		}
		if seen[s.ID] {
			return fmt.Errorf("%w: duplicate step id %q in pipeline state", ErrInvalidRecord, s.ID)
		}
		seen[s.ID] = true
	}
	return nil
}

// ValidateEvent checks a single event record's shape.
func ValidateEvent(e *Event) error {
	if e == nil {
		return fmt.Errorf("%w: nil event", ErrInvalidRecord)
	}
	if e.SchemaVersion != SchemaVersion {
		return fmt.Errorf("%w: got %q want %q", ErrSchemaVersionMismatch, e.SchemaVersion, SchemaVersion)
	}
	if e.EventID <= 0 {
		return fmt.Errorf("%w: event_id must be positive, got %d", ErrInvalidRecord, e.EventID)
	}
	if e.Correlation.TaskID == "" || e.Correlation.RunID == "" {
		return fmt.Errorf("%w: event correlation must carry task_id/run_id", ErrInvalidRecord)
	}
	return nil
}

// ValidateLease checks a single lease record's shape.
func ValidateLease(l *Lease) error {
	if l == nil {
		return fmt.Errorf("%w: nil lease", ErrInvalidRecord)
	}
	if l.TaskID == "" || l.RunID == "" || l.StepID == "" {
		return fmt.Errorf("%w: lease must carry task_id/run_id/step_id", ErrInvalidRecord)
	}
	switch l.Status {
	case LeaseActive, LeaseReleased, LeaseExpired:
	default:
		return fmt.Errorf("%w: unknown lease status %q", ErrInvalidRecord, l.Status)
	}
	return nil
}

// ValidateHeartbeatStatus checks a heartbeat status record's shape.
func ValidateHeartbeatStatus(h *HeartbeatStatus) error {
	if h == nil {
		return fmt.Errorf("%w: nil heartbeat status", ErrInvalidRecord)
	}
	switch h.Status {
	case HeartbeatIdle, HeartbeatRunning, HeartbeatWarning, HeartbeatStale, HeartbeatBlocked:
	default:
		return fmt.Errorf("%w: unknown heartbeat status %q", ErrInvalidRecord, h.Status)
	}
	if h.WarningAfterSeconds <= 0 || h.StaleAfterSeconds <= 0 {
		return fmt.Errorf("%w: thresholds must be positive", ErrInvalidRecord)
	}
	if h.WarningAfterSeconds > h.StaleAfterSeconds {
		return fmt.Errorf("%w: warning_after_seconds must not exceed stale_after_seconds", ErrInvalidRecord)
	}
	return nil
}

// ValidateCheckpoint checks a checkpoint record's shape. It does not verify
// the hash against a live snapshot — that is the lifecycle runtime's job at
// resume time, where it has the snapshot to hash.
func ValidateCheckpoint(c *Checkpoint) error {
	if c == nil {
		return fmt.Errorf("%w: nil checkpoint", ErrInvalidRecord)
	}
	if c.CheckpointID == "" || c.SnapshotHash == "" {
		return fmt.Errorf("%w: truncated checkpoint record", ErrTruncatedRecord)
	}
	return nil
}
