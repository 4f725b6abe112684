// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package filetree is the default Backend implementation: a plain directory
// tree under --root, with atomic whole-object replace (temp file + rename)
// for mutable JSON blobs and append-with-fsync for journals.
package filetree

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"sync"

	"github.com/daokit/daokit/internal/contracts"
	"github.com/daokit/daokit/internal/storage"
)

// Backend is the filesystem-tree implementation of storage.Backend.
type Backend struct {
	root string
	// mu serializes writes per process; cross-process coordination is the
	// lease registry's job (leases are the coordination primitive, not an
	// in-memory lock).
	mu sync.Mutex
}

// New constructs a filetree Backend rooted at root. Init must still be
// called before use.
func New(root string) *Backend {
	return &Backend{root: root}
}

func (b *Backend) Init(_ context.Context, root string) error {
	b.root = root
	dirs := []string{
		filepath.Join(root, "state"),
		filepath.Join(root, "artifacts", "dispatch"),
		filepath.Join(root, "checkpoints"),
		filepath.Join(root, "handoff"),
	}
	for _, d := range dirs {
		if err := os.MkdirAll(d, 0o750); err != nil {
			return fmt.Errorf("init layout %s: %w", d, err)
		}
	}
	return nil
}

func (b *Backend) Close() error { return nil }

func (b *Backend) runDir(key storage.RunKey) string {
	return filepath.Join(b.root, "state", key.TaskID, key.RunID)
}

func (b *Backend) checkpointDir(key storage.RunKey) string {
	return filepath.Join(b.root, "checkpoints", key.TaskID, key.RunID)
}

func (b *Backend) handoffDir(key storage.RunKey) string {
	return filepath.Join(b.root, "handoff", key.TaskID, key.RunID)
}

// ArtifactRoot returns the dispatch artifact directory for this run.
func (b *Backend) ArtifactRoot(root string, key storage.RunKey) string {
	return filepath.Join(root, "artifacts", "dispatch", key.TaskID, key.RunID)
}

// atomicWriteJSON writes v to path via temp-file-then-rename so a reader
// never observes a partially-written file.
func atomicWriteJSON(path string, v interface{}) error {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0o750); err != nil {
		return fmt.Errorf("mkdir %s: %w", dir, err)
	}
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal %s: %w", path, err)
	}

	tmp, err := os.CreateTemp(dir, ".tmp-*")
	if err != nil {
		return fmt.Errorf("create temp for %s: %w", path, err)
	}
	tmpPath := tmp.Name()
	success := false
	defer func() {
		if !success {
			os.Remove(tmpPath)
		}
	}()

	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		return fmt.Errorf("write temp for %s: %w", path, err)
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		return fmt.Errorf("sync temp for %s: %w", path, err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("close temp for %s: %w", path, err)
	}
	if err := os.Rename(tmpPath, path); err != nil {
		return fmt.Errorf("rename into %s: %w", path, err)
	}
	success = true
	return nil
}

func readJSON(path string, v interface{}) error {
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return storage.ErrNotFound
		}
		return fmt.Errorf("read %s: %w", path, err)
	}
	if len(data) == 0 {
		return storage.ErrNotFound
	}
	if err := json.Unmarshal(data, v); err != nil {
		return fmt.Errorf("%w: %s: %v", contracts.ErrTruncatedRecord, path, err)
	}
	return nil
}

// appendJSONL appends one JSON-encoded line to path, fsyncing before close
// so a crash can never leave a partially-written line visible to readers.
func appendJSONL(path string, v interface{}) error {
	if err := os.MkdirAll(filepath.Dir(path), 0o750); err != nil {
		return fmt.Errorf("mkdir for %s: %w", path, err)
	}
	f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o640)
	if err != nil {
		return fmt.Errorf("open %s: %w", path, err)
	}
	defer f.Close()

	data, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("marshal line for %s: %w", path, err)
	}
	data = append(data, '\n')
	if _, err := f.Write(data); err != nil {
		return fmt.Errorf("append %s: %w", path, err)
	}
	return f.Sync()
}

func readJSONL[T any](path string) ([]*T, error) {
	f, err := os.Open(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("open %s: %w", path, err)
	}
	defer f.Close()

	var out []*T
	var bad error
	scanner := bufio.NewScanner(f)
	scanner.Buffer(make([]byte, 0, 64*1024), 8*1024*1024)
	for scanner.Scan() {
		line := scanner.Bytes()
		if len(line) == 0 {
			continue
		}
		if bad != nil {
			return nil, bad
		}
		var rec T
		if err := json.Unmarshal(line, &rec); err != nil {
			// A truncated final line is tolerated (e.g. crash mid-append);
			// anything else is a hard failure so corruption isn't silently
			// swallowed.
			bad = fmt.Errorf("%w: %s: %v", contracts.ErrTruncatedRecord, path, err)
			continue
		}
		out = append(out, &rec)
	}
	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("scan %s: %w", path, err)
	}
	return out, nil
}

func (b *Backend) ReadPipelineState(_ context.Context, key storage.RunKey) (*contracts.PipelineState, error) {
	var ps contracts.PipelineState
	if err := readJSON(filepath.Join(b.runDir(key), "pipeline_state.json"), &ps); err != nil {
		return nil, err
	}
	return &ps, nil
}

func (b *Backend) WriteSnapshotWithEvent(_ context.Context, state *contracts.PipelineState, event *contracts.Event) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	key := storage.RunKey{TaskID: state.TaskID, RunID: state.RunID}
	dir := b.runDir(key)

	if err := atomicWriteJSON(filepath.Join(dir, "pipeline_state.json"), state); err != nil {
		return fmt.Errorf("write pipeline_state: %w", err)
	}
	if err := appendJSONL(filepath.Join(dir, "snapshots.jsonl"), state); err != nil {
		return fmt.Errorf("append snapshot: %w", err)
	}
	if event != nil {
		if err := appendJSONL(filepath.Join(dir, "events.jsonl"), event); err != nil {
			return fmt.Errorf("append event: %w", err)
		}
	}
	return nil
}

func (b *Backend) AppendEvent(_ context.Context, key storage.RunKey, event *contracts.Event) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	return appendJSONL(filepath.Join(b.runDir(key), "events.jsonl"), event)
}

func (b *Backend) ReadEvents(_ context.Context, key storage.RunKey, sinceEventID int64, limit int) ([]*contracts.Event, error) {
	events, err := readJSONL[contracts.Event](filepath.Join(b.runDir(key), "events.jsonl"))
	if err != nil {
		return nil, err
	}
	var out []*contracts.Event
	for _, e := range events {
		if e.EventID > sinceEventID {
			out = append(out, e)
		}
	}
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (b *Backend) NextEventID(_ context.Context, key storage.RunKey) (int64, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	events, err := readJSONL[contracts.Event](filepath.Join(b.runDir(key), "events.jsonl"))
	if err != nil {
		return 0, err
	}
	var max int64
	for _, e := range events {
		if e.EventID > max {
			max = e.EventID
		}
	}
	return max + 1, nil
}

func (b *Backend) ReadSnapshots(_ context.Context, key storage.RunKey, limit int) ([]*contracts.PipelineState, error) {
	snaps, err := readJSONL[contracts.PipelineState](filepath.Join(b.runDir(key), "snapshots.jsonl"))
	if err != nil {
		return nil, err
	}
	if limit > 0 && len(snaps) > limit {
		snaps = snaps[len(snaps)-limit:]
	}
	return snaps, nil
}

func (b *Backend) ReadLeases(_ context.Context, key storage.RunKey) ([]*contracts.Lease, error) {
	var leases []*contracts.Lease
	err := readJSON(filepath.Join(b.runDir(key), "process_leases.json"), &leases)
	if err == storage.ErrNotFound {
		return nil, nil
	}
	return leases, err
}

func (b *Backend) WriteLease(_ context.Context, lease *contracts.Lease, expectedToken string) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	key := storage.RunKey{TaskID: lease.TaskID, RunID: lease.RunID}
	path := filepath.Join(b.runDir(key), "process_leases.json")

	var leases []*contracts.Lease
	if err := readJSON(path, &leases); err != nil && err != storage.ErrNotFound {
		return err
	}

	found := false
	for i, existing := range leases {
		if existing.Key() == lease.Key() {
			if expectedToken != "" && existing.LeaseToken != expectedToken {
				return storage.ErrLeaseCAS
			}
			leases[i] = lease
			found = true
			break
		}
	}
	if !found {
		if expectedToken != "" {
			return storage.ErrLeaseCAS
		}
		leases = append(leases, lease)
	}

	sort.Slice(leases, func(i, j int) bool { return leases[i].Key() < leases[j].Key() })
	return atomicWriteJSON(path, leases)
}

func (b *Backend) ReadHeartbeat(_ context.Context, key storage.RunKey) (*contracts.HeartbeatStatus, error) {
	var hb contracts.HeartbeatStatus
	if err := readJSON(filepath.Join(b.runDir(key), "heartbeat_status.json"), &hb); err != nil {
		return nil, err
	}
	return &hb, nil
}

func (b *Backend) WriteHeartbeat(_ context.Context, key storage.RunKey, status *contracts.HeartbeatStatus) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	return atomicWriteJSON(filepath.Join(b.runDir(key), "heartbeat_status.json"), status)
}

func (b *Backend) AppendCheckpoint(_ context.Context, key storage.RunKey, checkpoint *contracts.Checkpoint) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	return appendJSONL(filepath.Join(b.checkpointDir(key), "checkpoints.jsonl"), checkpoint)
}

func (b *Backend) ReadCheckpoints(_ context.Context, key storage.RunKey) ([]*contracts.Checkpoint, error) {
	return readJSONL[contracts.Checkpoint](filepath.Join(b.checkpointDir(key), "checkpoints.jsonl"))
}

func (b *Backend) WriteHandoff(_ context.Context, key storage.RunKey, path string, pkg *contracts.HandoffPackage) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if path == "" {
		path = filepath.Join(b.handoffDir(key), "handoff.json")
	}
	return atomicWriteJSON(path, pkg)
}

func (b *Backend) ReadHandoff(_ context.Context, key storage.RunKey, path string) (*contracts.HandoffPackage, error) {
	if path == "" {
		path = filepath.Join(b.handoffDir(key), "handoff.json")
	}
	var pkg contracts.HandoffPackage
	if err := readJSON(path, &pkg); err != nil {
		return nil, err
	}
	return &pkg, nil
}

var _ storage.Backend = (*Backend)(nil)
