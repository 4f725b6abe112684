// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package storage defines the pluggable persistence contract the ledger
// façade is built on, and provides two interchangeable implementations:
// filetree (the default, a plain directory tree under --root) and tabledb
// (a transactional github.com/dgraph-io/badger/v4 table, selected via
// internal config for stronger durability/atomicity needs). Both honor the
// same Backend interface so that replaying identical scenarios against
// either one yields equivalent canonicalised contract snapshots.
package storage

import (
	"context"
	"errors"

	"github.com/daokit/daokit/internal/contracts"
)

// ErrNotFound is returned when a requested record does not exist yet.
var ErrNotFound = errors.New("storage: record not found")

// RunKey identifies one (task_id, run_id) ledger path.
type RunKey struct {
	TaskID string
	RunID  string
}

// Backend is the typed persistence contract for the five ledger domains.
// Implementations must provide atomic whole-object replace semantics for
// PipelineState/Lease/HeartbeatStatus, and append-with-fsync semantics for
// events/snapshots/checkpoints.
//
// Thread safety: a Backend must be safe for concurrent use across distinct
// RunKeys. Within one RunKey, callers are expected to honor a
// single-writer-per-run model; Backend implementations are not required to
// serialize concurrent writers to the same RunKey beyond what their storage
// medium does natively (atomic rename, badger transaction).
type Backend interface {
	// Init idempotently creates the runtime layout rooted at root. Calling
	// Init twice on the same root must succeed both times and must not
	// destroy existing state.
	Init(ctx context.Context, root string) error

	// Close releases any held resources (file handles, DB handles).
	Close() error

	ReadPipelineState(ctx context.Context, key RunKey) (*contracts.PipelineState, error)

	// WriteSnapshotWithEvent atomically (within the guarantees of the
	// concrete backend) persists the new pipeline-state snapshot, appends
	// it to the snapshot journal, and appends the announcing event, such
	// that a reader can never observe the snapshot without its event or
	// vice versa.
	WriteSnapshotWithEvent(ctx context.Context, state *contracts.PipelineState, event *contracts.Event) error

	AppendEvent(ctx context.Context, key RunKey, event *contracts.Event) error
	ReadEvents(ctx context.Context, key RunKey, sinceEventID int64, limit int) ([]*contracts.Event, error)
	NextEventID(ctx context.Context, key RunKey) (int64, error)

	ReadSnapshots(ctx context.Context, key RunKey, limit int) ([]*contracts.PipelineState, error)

	ReadLeases(ctx context.Context, key RunKey) ([]*contracts.Lease, error)
	// WriteLease performs a compare-and-swap on LeaseToken when expected is
	// non-empty: the write fails with ErrLeaseCAS if the stored token no
	// longer matches, which is how concurrent takeover/release calls are
	// linearised without an in-memory lock.
	WriteLease(ctx context.Context, lease *contracts.Lease, expectedToken string) error

	ReadHeartbeat(ctx context.Context, key RunKey) (*contracts.HeartbeatStatus, error)
	WriteHeartbeat(ctx context.Context, key RunKey, status *contracts.HeartbeatStatus) error

	AppendCheckpoint(ctx context.Context, key RunKey, checkpoint *contracts.Checkpoint) error
	ReadCheckpoints(ctx context.Context, key RunKey) ([]*contracts.Checkpoint, error)

	// WriteHandoff and ReadHandoff persist the handoff package, keyed by
	// RunKey plus an explicit path override (CLI --path).
	WriteHandoff(ctx context.Context, key RunKey, path string, pkg *contracts.HandoffPackage) error
	ReadHandoff(ctx context.Context, key RunKey, path string) (*contracts.HandoffPackage, error)

	// ArtifactRoot returns the directory (filetree) or key-prefix (tabledb,
	// represented as a synthetic path for logging purposes) under which
	// dispatch artifacts for this run are written. The dispatch adapter
	// always writes artifacts to the filesystem regardless of backend
	// choice — only the five ledger domains above are backend-pluggable.
	ArtifactRoot(root string, key RunKey) string
}

// ErrLeaseCAS is returned by WriteLease when expectedToken does not match
// the currently stored lease token.
var ErrLeaseCAS = errors.New("storage: lease compare-and-swap failed")
