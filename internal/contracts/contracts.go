// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package contracts defines the five persisted schemas that make up the
// DAOKit ledger: pipeline state, events, process leases, heartbeat status,
// and checkpoints. Every record carries SchemaVersion and is additive-only
// at the top level; new detail fields belong inside payload/role_lifecycle
// sub-objects, never bolted onto a closed shape.
package contracts

import "time"

// SchemaVersion is the frozen contract-family version. Top-level shapes are
// closed for this version; extensibility lives inside Payload-style fields.
const SchemaVersion = "1.0.0"

// PipelineStatus is the overall run status (closed enum).
type PipelineStatus string

const (
	StatusPlanning PipelineStatus = "PLANNING"
	StatusAnalysis PipelineStatus = "ANALYSIS"
	StatusFreeze   PipelineStatus = "FREEZE"
	StatusExecute  PipelineStatus = "EXECUTE"
	StatusAccept   PipelineStatus = "ACCEPT"
	StatusDone     PipelineStatus = "DONE"
	StatusDraining PipelineStatus = "DRAINING"
	StatusBlocked  PipelineStatus = "BLOCKED"
)

// StepStatus is the per-step lifecycle status.
type StepStatus string

const (
	StepPending  StepStatus = "PENDING"
	StepRunning  StepStatus = "RUNNING"
	StepAccepted StepStatus = "ACCEPTED"
	StepDone     StepStatus = "DONE"
	StepFailed   StepStatus = "FAILED"
)

// Resumable reports whether a step in this status is eligible for
// re-dispatch on resume (§3 invariant: accepted steps never re-execute).
func (s StepStatus) Resumable() bool {
	switch s {
	case StepPending, StepFailed, StepRunning:
		return true
	default:
		return false
	}
}

// StepState is a step's lifecycle entry inside pipeline state.
type StepState struct {
	ID     string     `json:"id"`
	Status StepStatus `json:"status"`
}

// Succession records the last controller handover for a run.
type Succession struct {
	LastTakeoverAt *time.Time `json:"last_takeover_at,omitempty"`
	Successor      string     `json:"successor,omitempty"`
}

// PipelineState is one per (task_id, run_id); the lifecycle runtime is the
// sole owner and only transition/acceptance nodes mutate it.
type PipelineState struct {
	SchemaVersion string         `json:"schema_version"`
	TaskID        string         `json:"task_id"`
	RunID         string         `json:"run_id"`
	Goal          string         `json:"goal"`
	Status        PipelineStatus `json:"status"`
	CurrentStepID string         `json:"current_step_id"`
	Steps         []StepState    `json:"steps"`
	// RoleLifecycle is a free-form extension point: subkeys like
	// "step:<id>" map to arbitrary state strings (e.g.
	// "failed_non_adopted_lease") that don't warrant a dedicated
	// top-level field.
	RoleLifecycle map[string]string `json:"role_lifecycle"`
	Succession    Succession        `json:"succession"`
	UpdatedAt     time.Time         `json:"updated_at"`
}

// StepByID returns a pointer to the step state with the given ID, or nil.
func (p *PipelineState) StepByID(id string) *StepState {
	for i := range p.Steps {
		if p.Steps[i].ID == id {
			return &p.Steps[i]
		}
	}
	return nil
}

// EventType is the closed enum of ledger event kinds.
type EventType string

const (
	EventLifecycleTransition EventType = "LIFECYCLE_TRANSITION"
	EventStepStarted         EventType = "STEP_STARTED"
	EventStepCompleted       EventType = "STEP_COMPLETED"
	EventStepFailed          EventType = "STEP_FAILED"
	EventHeartbeatWarning    EventType = "HEARTBEAT_WARNING"
	EventHeartbeatStale      EventType = "HEARTBEAT_STALE"
	EventLeaseTakeover       EventType = "LEASE_TAKEOVER"
	EventLeaseAdopted        EventType = "LEASE_ADOPTED"
	EventLeaseNotAdopted     EventType = "LEASE_NOT_ADOPTED"
	EventSuccessionAccepted  EventType = "SUCCESSION_ACCEPTED"
	EventReworkEmitted       EventType = "REWORK_EMITTED"
	EventHumanInput          EventType = "HUMAN_INPUT"
	EventAcceptancePassed    EventType = "ACCEPTANCE_PASSED"
	EventAcceptanceFailed    EventType = "ACCEPTANCE_FAILED"
	EventCheckpointPersisted EventType = "CHECKPOINT_PERSISTED"
	EventHandoffCreated      EventType = "HANDOFF_CREATED"
	EventHandoffApplied      EventType = "HANDOFF_APPLIED"
	EventRunDone             EventType = "RUN_DONE"
)

// Severity is the event severity.
type Severity string

const (
	SeverityInfo  Severity = "INFO"
	SeverityWarn  Severity = "WARN"
	SeverityError Severity = "ERROR"
)

// Correlation identifies which run/step an event belongs to.
type Correlation struct {
	TaskID string `json:"task_id"`
	RunID  string `json:"run_id"`
	StepID string `json:"step_id,omitempty"`
}

// Event is one append-only journal entry. EventID is monotonic within a run
// and, once assigned, is never rewritten.
type Event struct {
	SchemaVersion string                 `json:"schema_version"`
	EventID       int64                  `json:"event_id"`
	Timestamp     time.Time              `json:"timestamp"`
	EventType     EventType              `json:"event_type"`
	Severity      Severity               `json:"severity"`
	Correlation   Correlation            `json:"correlation"`
	DedupKey      string                 `json:"dedup_key,omitempty"`
	Payload       map[string]interface{} `json:"payload,omitempty"`
}

// LeaseStatus is the closed enum of lease states.
type LeaseStatus string

const (
	LeaseActive   LeaseStatus = "ACTIVE"
	LeaseReleased LeaseStatus = "RELEASED"
	LeaseExpired  LeaseStatus = "EXPIRED"
)

// Lease binds an executor identity to a (run, step) for a bounded time.
// It is transferable only while ACTIVE and unexpired.
type Lease struct {
	SchemaVersion string      `json:"schema_version"`
	Lane          string      `json:"lane"`
	StepID        string      `json:"step_id"`
	TaskID        string      `json:"task_id"`
	RunID         string      `json:"run_id"`
	ThreadID      string      `json:"thread_id"`
	PID           int         `json:"pid"`
	LeaseToken    string      `json:"lease_token"`
	Expiry        time.Time   `json:"expiry"`
	Status        LeaseStatus `json:"status"`
}

// Key returns the (run_id, step_id) identity that must be unique among
// active leases.
func (l Lease) Key() string { return l.RunID + "/" + l.StepID }

// HeartbeatState is the closed enum of liveness states.
type HeartbeatState string

const (
	HeartbeatIdle    HeartbeatState = "IDLE"
	HeartbeatRunning HeartbeatState = "RUNNING"
	HeartbeatWarning HeartbeatState = "WARNING"
	HeartbeatStale   HeartbeatState = "STALE"
	HeartbeatBlocked HeartbeatState = "BLOCKED"
)

// HeartbeatStatus is the liveness record the heartbeat evaluator owns.
type HeartbeatStatus struct {
	SchemaVersion      string         `json:"schema_version"`
	Status             HeartbeatState `json:"status"`
	ReasonCode         string         `json:"reason_code,omitempty"`
	LastHeartbeatAt    time.Time      `json:"last_heartbeat_at"`
	ObservedAt         time.Time      `json:"observed_at"`
	WarningAfterSeconds int           `json:"warning_after_seconds"`
	StaleAfterSeconds   int           `json:"stale_after_seconds"`
}

// Checkpoint is a per-node snapshot identity used on resume. Hash binds the
// snapshot content; Valid is false when the record is truncated or the hash
// fails re-verification.
type Checkpoint struct {
	SchemaVersion string    `json:"schema_version"`
	CheckpointID  string    `json:"checkpoint_id"`
	StepID        string    `json:"step_id"`
	LifecycleNode string    `json:"lifecycle_node"`
	SnapshotHash  string    `json:"snapshot_hash"`
	CreatedAt     time.Time `json:"created_at"`
	Valid         bool      `json:"valid"`
}

// HandoffPackage is the durable, minimal capture needed to resume a run in a
// fresh process/context.
type HandoffPackage struct {
	SchemaVersion       string    `json:"schema_version"`
	TaskID              string    `json:"task_id"`
	RunID               string    `json:"run_id"`
	CurrentStep         string    `json:"current_step"`
	OpenAcceptanceItems []string  `json:"open_acceptance_items"`
	EvidencePaths       []string  `json:"evidence_paths"`
	NextAction          string    `json:"next_action"`
	PackageHash         string    `json:"package_hash"`
	RecentDecisions     []string  `json:"recent_decisions,omitempty"`
	Blockers            []string  `json:"blockers,omitempty"`
	RetrievalCacheKeys  []string  `json:"retrieval_cache_keys,omitempty"`
	CreatedAt           time.Time `json:"created_at"`
}
