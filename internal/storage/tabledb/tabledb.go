// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package tabledb is the transactional table Backend implementation, backed
// by github.com/dgraph-io/badger/v4. It offers the same five domains as
// filetree but with true cross-key transactional atomicity: a pipeline-state
// write and its announcing event commit inside one badger.Txn, so the
// snapshot-then-event ordering guarantee holds by construction rather than
// by write-order convention.
//
// Selection is internal only (see internal/config) — there is no public CLI
// flag for backend choice.
package tabledb

import (
	"context"
	"encoding/json"
	"fmt"
	"path/filepath"
	"sort"

	badger "github.com/dgraph-io/badger/v4"

	"github.com/daokit/daokit/internal/contracts"
	"github.com/daokit/daokit/internal/storage"
)

// Backend is the badger-backed implementation of storage.Backend.
type Backend struct {
	db *badger.DB
}

// New opens (creating if absent) a badger database under root/tabledb.
func New(root string) (*Backend, error) {
	b := &Backend{}
	if err := b.Init(context.Background(), root); err != nil {
		return nil, err
	}
	return b, nil
}

func (b *Backend) Init(_ context.Context, root string) error {
	dir := filepath.Join(root, "tabledb")
	opts := badger.DefaultOptions(dir).WithLogger(nil)
	db, err := badger.Open(opts)
	if err != nil {
		return fmt.Errorf("open badger at %s: %w", dir, err)
	}
	b.db = db
	return nil
}

func (b *Backend) Close() error {
	if b.db == nil {
		return nil
	}
	return b.db.Close()
}

func (b *Backend) ArtifactRoot(root string, key storage.RunKey) string {
	return filepath.Join(root, "artifacts", "dispatch", key.TaskID, key.RunID)
}

// --- key helpers -----------------------------------------------------------

func stateKey(key storage.RunKey) []byte {
	return []byte(fmt.Sprintf("state:pipeline:%s:%s", key.TaskID, key.RunID))
}

func heartbeatKey(key storage.RunKey) []byte {
	return []byte(fmt.Sprintf("heartbeat:%s:%s", key.TaskID, key.RunID))
}

func leaseKey(key storage.RunKey, stepID string) []byte {
	return []byte(fmt.Sprintf("lease:%s:%s:%s", key.TaskID, key.RunID, stepID))
}

func leasePrefix(key storage.RunKey) []byte {
	return []byte(fmt.Sprintf("lease:%s:%s:", key.TaskID, key.RunID))
}

func eventKey(key storage.RunKey, eventID int64) []byte {
	return []byte(fmt.Sprintf("event:%s:%s:%020d", key.TaskID, key.RunID, eventID))
}

func eventPrefix(key storage.RunKey) []byte {
	return []byte(fmt.Sprintf("event:%s:%s:", key.TaskID, key.RunID))
}

func snapshotKey(key storage.RunKey, seq int64) []byte {
	return []byte(fmt.Sprintf("snapshot:%s:%s:%020d", key.TaskID, key.RunID, seq))
}

func snapshotPrefix(key storage.RunKey) []byte {
	return []byte(fmt.Sprintf("snapshot:%s:%s:", key.TaskID, key.RunID))
}

func checkpointKey(key storage.RunKey, createdAtUnixNano int64, id string) []byte {
	return []byte(fmt.Sprintf("checkpoint:%s:%s:%020d:%s", key.TaskID, key.RunID, createdAtUnixNano, id))
}

func checkpointPrefix(key storage.RunKey) []byte {
	return []byte(fmt.Sprintf("checkpoint:%s:%s:", key.TaskID, key.RunID))
}

func handoffKey(key storage.RunKey, path string) []byte {
	if path == "" {
		path = "default"
	}
	return []byte(fmt.Sprintf("handoff:%s:%s:%s", key.TaskID, key.RunID, path))
}

// --- pipeline state ---------------------------------------------------------

func (b *Backend) ReadPipelineState(_ context.Context, key storage.RunKey) (*contracts.PipelineState, error) {
	var ps contracts.PipelineState
	err := b.db.View(func(txn *badger.Txn) error {
		item, err := txn.Get(stateKey(key))
		if err != nil {
			return err
		}
		return item.Value(func(val []byte) error { return json.Unmarshal(val, &ps) })
	})
	if err == badger.ErrKeyNotFound {
		return nil, storage.ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return &ps, nil
}

// WriteSnapshotWithEvent commits the pipeline-state replace, the snapshot
// journal entry, and the announcing event inside a single badger
// transaction — true atomicity, unlike filetree's write-order convention.
func (b *Backend) WriteSnapshotWithEvent(_ context.Context, state *contracts.PipelineState, event *contracts.Event) error {
	key := storage.RunKey{TaskID: state.TaskID, RunID: state.RunID}
	stateBytes, err := json.Marshal(state)
	if err != nil {
		return fmt.Errorf("marshal pipeline state: %w", err)
	}

	return b.db.Update(func(txn *badger.Txn) error {
		if err := txn.Set(stateKey(key), stateBytes); err != nil {
			return err
		}
		seq, err := nextSeqLocked(txn, snapshotPrefix(key))
		if err != nil {
			return err
		}
		if err := txn.Set(snapshotKey(key, seq), stateBytes); err != nil {
			return err
		}
		if event != nil {
			eventBytes, err := json.Marshal(event)
			if err != nil {
				return fmt.Errorf("marshal event: %w", err)
			}
			if err := txn.Set(eventKey(key, event.EventID), eventBytes); err != nil {
				return err
			}
		}
		return nil
	})
}

// nextSeqLocked computes the next sequence number under prefix by scanning
// for the current max. Called only from within an active badger.Txn, so the
// scan-then-write is serialized by badger's single-writer transaction model.
func nextSeqLocked(txn *badger.Txn, prefix []byte) (int64, error) {
	opts := badger.DefaultIteratorOptions
	opts.PrefetchValues = false
	opts.Prefix = prefix
	it := txn.NewIterator(opts)
	defer it.Close()

	var max int64
	for it.Seek(prefix); it.ValidForPrefix(prefix); it.Next() {
		max++
	}
	return max, nil
}

func (b *Backend) AppendEvent(_ context.Context, key storage.RunKey, event *contracts.Event) error {
	data, err := json.Marshal(event)
	if err != nil {
		return fmt.Errorf("marshal event: %w", err)
	}
	return b.db.Update(func(txn *badger.Txn) error {
		return txn.Set(eventKey(key, event.EventID), data)
	})
}

func (b *Backend) ReadEvents(_ context.Context, key storage.RunKey, sinceEventID int64, limit int) ([]*contracts.Event, error) {
	var out []*contracts.Event
	prefix := eventPrefix(key)
	err := b.db.View(func(txn *badger.Txn) error {
		opts := badger.DefaultIteratorOptions
		opts.Prefix = prefix
		it := txn.NewIterator(opts)
		defer it.Close()
		for it.Seek(prefix); it.ValidForPrefix(prefix); it.Next() {
			var e contracts.Event
			if err := it.Item().Value(func(val []byte) error { return json.Unmarshal(val, &e) }); err != nil {
				return err
			}
			if e.EventID > sinceEventID {
				out = append(out, &e)
			}
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	sort.Slice(out, func(i, j int) bool { return out[i].EventID < out[j].EventID })
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (b *Backend) NextEventID(_ context.Context, key storage.RunKey) (int64, error) {
	events, err := b.ReadEvents(context.Background(), key, 0, 0)
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
	var out []*contracts.PipelineState
	prefix := snapshotPrefix(key)
	err := b.db.View(func(txn *badger.Txn) error {
		opts := badger.DefaultIteratorOptions
		opts.Prefix = prefix
		it := txn.NewIterator(opts)
		defer it.Close()
		for it.Seek(prefix); it.ValidForPrefix(prefix); it.Next() {
			var ps contracts.PipelineState
			if err := it.Item().Value(func(val []byte) error { return json.Unmarshal(val, &ps) }); err != nil {
				return err
			}
			out = append(out, &ps)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	if limit > 0 && len(out) > limit {
		out = out[len(out)-limit:]
	}
	return out, nil
}

func (b *Backend) ReadLeases(_ context.Context, key storage.RunKey) ([]*contracts.Lease, error) {
	var out []*contracts.Lease
	prefix := leasePrefix(key)
	err := b.db.View(func(txn *badger.Txn) error {
		opts := badger.DefaultIteratorOptions
		opts.Prefix = prefix
		it := txn.NewIterator(opts)
		defer it.Close()
		for it.Seek(prefix); it.ValidForPrefix(prefix); it.Next() {
			var l contracts.Lease
			if err := it.Item().Value(func(val []byte) error { return json.Unmarshal(val, &l) }); err != nil {
				return err
			}
			out = append(out, &l)
		}
		return nil
	})
	return out, err
}

func (b *Backend) WriteLease(_ context.Context, lease *contracts.Lease, expectedToken string) error {
	key := storage.RunKey{TaskID: lease.TaskID, RunID: lease.RunID}
	k := leaseKey(key, lease.StepID)
	data, err := json.Marshal(lease)
	if err != nil {
		return fmt.Errorf("marshal lease: %w", err)
	}

	return b.db.Update(func(txn *badger.Txn) error {
		item, err := txn.Get(k)
		if err != nil && err != badger.ErrKeyNotFound {
			return err
		}
		if err == badger.ErrKeyNotFound {
			if expectedToken != "" {
				return storage.ErrLeaseCAS
			}
			return txn.Set(k, data)
		}
		var existing contracts.Lease
		if verr := item.Value(func(val []byte) error { return json.Unmarshal(val, &existing) }); verr != nil {
			return verr
		}
		if expectedToken != "" && existing.LeaseToken != expectedToken {
			return storage.ErrLeaseCAS
		}
		return txn.Set(k, data)
	})
}

func (b *Backend) ReadHeartbeat(_ context.Context, key storage.RunKey) (*contracts.HeartbeatStatus, error) {
	var hb contracts.HeartbeatStatus
	err := b.db.View(func(txn *badger.Txn) error {
		item, err := txn.Get(heartbeatKey(key))
		if err != nil {
			return err
		}
		return item.Value(func(val []byte) error { return json.Unmarshal(val, &hb) })
	})
	if err == badger.ErrKeyNotFound {
		return nil, storage.ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return &hb, nil
}

func (b *Backend) WriteHeartbeat(_ context.Context, key storage.RunKey, status *contracts.HeartbeatStatus) error {
	data, err := json.Marshal(status)
	if err != nil {
		return fmt.Errorf("marshal heartbeat: %w", err)
	}
	return b.db.Update(func(txn *badger.Txn) error {
		return txn.Set(heartbeatKey(key), data)
	})
}

func (b *Backend) AppendCheckpoint(_ context.Context, key storage.RunKey, checkpoint *contracts.Checkpoint) error {
	data, err := json.Marshal(checkpoint)
	if err != nil {
		return fmt.Errorf("marshal checkpoint: %w", err)
	}
	return b.db.Update(func(txn *badger.Txn) error {
		return txn.Set(checkpointKey(key, checkpoint.CreatedAt.UnixNano(), checkpoint.CheckpointID), data)
	})
}

func (b *Backend) ReadCheckpoints(_ context.Context, key storage.RunKey) ([]*contracts.Checkpoint, error) {
	var out []*contracts.Checkpoint
	prefix := checkpointPrefix(key)
	err := b.db.View(func(txn *badger.Txn) error {
		opts := badger.DefaultIteratorOptions
		opts.Prefix = prefix
		it := txn.NewIterator(opts)
		defer it.Close()
		for it.Seek(prefix); it.ValidForPrefix(prefix); it.Next() {
			var c contracts.Checkpoint
			if err := it.Item().Value(func(val []byte) error { return json.Unmarshal(val, &c) }); err != nil {
				return err
			}
			out = append(out, &c)
		}
		return nil
	})
	return out, err
}

func (b *Backend) WriteHandoff(_ context.Context, key storage.RunKey, path string, pkg *contracts.HandoffPackage) error {
	data, err := json.Marshal(pkg)
	if err != nil {
		return fmt.Errorf("marshal handoff: %w", err)
	}
	return b.db.Update(func(txn *badger.Txn) error {
		return txn.Set(handoffKey(key, path), data)
	})
}

func (b *Backend) ReadHandoff(_ context.Context, key storage.RunKey, path string) (*contracts.HandoffPackage, error) {
	var pkg contracts.HandoffPackage
	err := b.db.View(func(txn *badger.Txn) error {
		item, err := txn.Get(handoffKey(key, path))
		if err != nil {
			return err
		}
		return item.Value(func(val []byte) error { return json.Unmarshal(val, &pkg) })
	})
	if err == badger.ErrKeyNotFound {
		return nil, storage.ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return &pkg, nil
}

// RunGC triggers badger's value-log garbage collection, the supplemental
// maintenance operation described in SPEC_FULL.md §12. It is invoked only
// from `daokit check --compact` and never implicitly.
func (b *Backend) RunGC(discardRatio float64) error {
	err := b.db.RunValueLogGC(discardRatio)
	if err == badger.ErrNoRewrite {
		return nil
	}
	return err
}

var _ storage.Backend = (*Backend)(nil)
