// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package handoff implements the pre-compact package writer and
// session-start resume planner: a durable, hash-verified capture of the
// minimum state needed to resume a run in a fresh process.
package handoff

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"time"

	"github.com/daokit/daokit/internal/contracts"
	"github.com/daokit/daokit/internal/ledger"
)

// ErrPackageMismatch is returned by Apply when a handoff package's
// task_id/run_id does not match the ledger it is being applied to, or its
// content hash no longer matches its declared fields.
var ErrPackageMismatch = errors.New("handoff: package mismatch")

// resumableStatuses is the set of step lifecycle states that Apply will
// schedule for replay. DONE and ACCEPTED steps never replay.
var resumableStatuses = map[contracts.StepStatus]bool{
	contracts.StepPending: true,
	contracts.StepFailed:  true,
	contracts.StepRunning: true,
}

// hashablePackage is the deterministic subset of a HandoffPackage its
// content hash binds: every declared field except the hash itself.
type hashablePackage struct {
	SchemaVersion       string   `json:"schema_version"`
	TaskID              string   `json:"task_id"`
	RunID               string   `json:"run_id"`
	CurrentStep         string   `json:"current_step"`
	OpenAcceptanceItems []string `json:"open_acceptance_items"`
	EvidencePaths       []string `json:"evidence_paths"`
	NextAction          string   `json:"next_action"`
	RecentDecisions     []string `json:"recent_decisions,omitempty"`
	Blockers            []string `json:"blockers,omitempty"`
	RetrievalCacheKeys  []string `json:"retrieval_cache_keys,omitempty"`
}

func toHashable(p *contracts.HandoffPackage) hashablePackage {
	return hashablePackage{
		SchemaVersion:       p.SchemaVersion,
		TaskID:              p.TaskID,
		RunID:               p.RunID,
		CurrentStep:         p.CurrentStep,
		OpenAcceptanceItems: p.OpenAcceptanceItems,
		EvidencePaths:       p.EvidencePaths,
		NextAction:          p.NextAction,
		RecentDecisions:     p.RecentDecisions,
		Blockers:            p.Blockers,
		RetrievalCacheKeys:  p.RetrievalCacheKeys,
	}
}

func packageHash(p *contracts.HandoffPackage) (string, error) {
	raw, err := json.Marshal(toHashable(p))
	if err != nil {
		return "", fmt.Errorf("handoff: marshal package for hash: %w", err)
	}
	sum := sha256.Sum256(raw)
	return hex.EncodeToString(sum[:]), nil
}

// Create snapshots the current ledger state for key into a handoff package
// and computes its content hash. It does not persist the package; callers
// that want it on disk should follow with Save.
func Create(ctx context.Context, l *ledger.Ledger, key ledger.Key, now time.Time) (*contracts.HandoffPackage, error) {
	state, err := l.ReadState(ctx, key)
	if err != nil {
		return nil, fmt.Errorf("handoff: read state: %w", err)
	}

	var openItems []string
	var evidencePaths []string
	for _, s := range state.Steps {
		if resumableStatuses[s.Status] {
			openItems = append(openItems, s.ID)
			evidencePaths = append(evidencePaths, l.ArtifactRoot("", key)+"/"+s.ID)
		}
	}
	sort.Strings(openItems)
	sort.Strings(evidencePaths)

	nextAction := "run complete"
	if len(openItems) > 0 {
		nextAction = fmt.Sprintf("resume step %s", openItems[0])
	}

	pkg := &contracts.HandoffPackage{
		SchemaVersion:       contracts.SchemaVersion,
		TaskID:              key.TaskID,
		RunID:               key.RunID,
		CurrentStep:         state.CurrentStepID,
		OpenAcceptanceItems: openItems,
		EvidencePaths:       evidencePaths,
		NextAction:          nextAction,
		CreatedAt:           now,
	}
	hash, err := packageHash(pkg)
	if err != nil {
		return nil, err
	}
	pkg.PackageHash = hash
	return pkg, nil
}

// Save persists pkg at path via the ledger's backend (empty path selects
// the backend default handoff location).
func Save(ctx context.Context, l *ledger.Ledger, key ledger.Key, path string, pkg *contracts.HandoffPackage) error {
	return l.SaveHandoff(ctx, key, path, pkg)
}

// ResumePlan is the set of steps Apply determined must replay, in the
// deterministic order they should be attempted.
type ResumePlan struct {
	StepIDs []string
}

// Load reads a handoff package from path (empty selects the backend
// default) without validating it against a target ledger.
func Load(ctx context.Context, l *ledger.Ledger, key ledger.Key, path string) (*contracts.HandoffPackage, error) {
	return l.LoadHandoff(ctx, key, path)
}

// Apply verifies pkg against key's ledger (schema version, content hash,
// task/run identity) and computes the resume plan: every step whose
// current lifecycle status is PENDING, FAILED, or RUNNING. DONE/ACCEPTED
// steps never replay.
func Apply(ctx context.Context, l *ledger.Ledger, key ledger.Key, pkg *contracts.HandoffPackage) (*ResumePlan, error) {
	if pkg.SchemaVersion != contracts.SchemaVersion {
		return nil, fmt.Errorf("handoff: %w: schema_version %q", contracts.ErrSchemaVersionMismatch, pkg.SchemaVersion)
	}
	if pkg.TaskID != key.TaskID || pkg.RunID != key.RunID {
		return nil, fmt.Errorf("handoff: %w: package is for %s/%s, ledger is %s/%s", ErrPackageMismatch, pkg.TaskID, pkg.RunID, key.TaskID, key.RunID)
	}

	wantHash := pkg.PackageHash
	check := *pkg
	check.PackageHash = ""
	gotHash, err := packageHash(&check)
	if err != nil {
		return nil, err
	}
	if gotHash != wantHash {
		return nil, fmt.Errorf("handoff: %w: content hash does not match declared fields", ErrPackageMismatch)
	}

	state, err := l.ReadState(ctx, key)
	if err != nil {
		return nil, fmt.Errorf("handoff: read state: %w", err)
	}
	var stepIDs []string
	for _, s := range state.Steps {
		if resumableStatuses[s.Status] {
			stepIDs = append(stepIDs, s.ID)
		}
	}
	sort.Strings(stepIDs)
	return &ResumePlan{StepIDs: stepIDs}, nil
}
