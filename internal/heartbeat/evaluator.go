// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package heartbeat evaluates run liveness from explicit heartbeat
// timestamps and artifact mtimes, escalating to WARNING/STALE with
// deduplicated events. A poll-driven evaluator is the default; fsnotify
// watch mode reacts to artifact writes instead of sleeping between polls.
package heartbeat

import (
	"context"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"time"

	"github.com/fsnotify/fsnotify"

	"github.com/daokit/daokit/internal/contracts"
	"github.com/daokit/daokit/internal/ledger"
	"github.com/daokit/daokit/internal/obs/logging"
)

// Thresholds holds the silence thresholds the evaluator compares elapsed
// silence against. Defaults match the run-level configuration defaults.
type Thresholds struct {
	WarningAfterSeconds int
	StaleAfterSeconds   int
}

// DefaultThresholds returns the built-in 900s/1200s pair.
func DefaultThresholds() Thresholds {
	return Thresholds{WarningAfterSeconds: 900, StaleAfterSeconds: 1200}
}

// Evaluator computes and persists heartbeat status for a run.
type Evaluator struct {
	ledger     *ledger.Ledger
	thresholds Thresholds
	logger     *logging.Logger

	lastStaleDedup string
}

// New constructs an Evaluator.
func New(l *ledger.Ledger, thresholds Thresholds, logger *logging.Logger) *Evaluator {
	if logger == nil {
		logger = logging.Default()
	}
	return &Evaluator{ledger: l, thresholds: thresholds, logger: logger}
}

// LastActivity returns the max of explicitHeartbeat and the newest mtime
// found under artifactRoot. Either input may be zero; if both are zero,
// the zero Time is returned.
func LastActivity(explicitHeartbeat time.Time, artifactRoot string) time.Time {
	newest := explicitHeartbeat
	_ = filepath.WalkDir(artifactRoot, func(_ string, d fs.DirEntry, err error) error {
		if err != nil || d == nil || d.IsDir() {
			return nil
		}
		info, err := d.Info()
		if err != nil {
			return nil
		}
		if info.ModTime().After(newest) {
			newest = info.ModTime()
		}
		return nil
	})
	return newest
}

// Evaluate computes the current heartbeat state for key given whether a
// step is currently running, persists it, and emits a deduplicated
// HEARTBEAT_STALE event on the first tick of a stale streak.
func (e *Evaluator) Evaluate(ctx context.Context, key ledger.Key, stepRunning bool, lastActivity, now time.Time) (*contracts.HeartbeatStatus, error) {
	status := &contracts.HeartbeatStatus{
		LastHeartbeatAt:     lastActivity,
		ObservedAt:          now,
		WarningAfterSeconds: e.thresholds.WarningAfterSeconds,
		StaleAfterSeconds:   e.thresholds.StaleAfterSeconds,
	}

	if !stepRunning {
		status.Status = contracts.HeartbeatIdle
		if err := e.ledger.SetHeartbeat(ctx, key, status); err != nil {
			return nil, err
		}
		return status, nil
	}

	silence := now.Sub(lastActivity)
	warning := time.Duration(e.thresholds.WarningAfterSeconds) * time.Second
	stale := time.Duration(e.thresholds.StaleAfterSeconds) * time.Second

	switch {
	case silence < warning:
		status.Status = contracts.HeartbeatRunning
	case silence < stale:
		status.Status = contracts.HeartbeatWarning
		status.ReasonCode = "SILENCE_WARNING"
	default:
		status.Status = contracts.HeartbeatStale
		status.ReasonCode = reasonCodeForSilence(stale)
	}

	if err := e.ledger.SetHeartbeat(ctx, key, status); err != nil {
		return nil, err
	}

	if status.Status == contracts.HeartbeatStale {
		dedupKey := fmt.Sprintf("%s|%d|%s", key.TaskID, lastActivity.UnixNano(), status.ReasonCode)
		if dedupKey != e.lastStaleDedup {
			e.lastStaleDedup = dedupKey
			if err := e.ledger.AppendEvent(ctx, key, &contracts.Event{
				EventType:   contracts.EventHeartbeatStale,
				Severity:    contracts.SeverityError,
				Correlation: contracts.Correlation{TaskID: key.TaskID, RunID: key.RunID},
				DedupKey:    dedupKey,
				Payload:     map[string]interface{}{"reason_code": status.ReasonCode, "silence_seconds": silence.Seconds()},
			}); err != nil {
				return nil, err
			}
			e.logger.Warn("heartbeat escalated to STALE", "task_id", key.TaskID, "run_id", key.RunID, "reason_code", status.ReasonCode)
		}
	} else {
		// Leaving a stale streak resets dedup so the next streak emits again.
		e.lastStaleDedup = ""
	}

	return status, nil
}

// reasonCodeForSilence renders a coarse threshold-derived reason code from
// the stale threshold, e.g. NO_OUTPUT_20M for a 1200-second threshold.
func reasonCodeForSilence(threshold time.Duration) string {
	minutes := int(threshold.Minutes())
	if minutes < 1 {
		minutes = 1
	}
	return fmt.Sprintf("NO_OUTPUT_%dM", minutes)
}

// Watch runs Evaluate on every artifact filesystem event under
// artifactRoot, plus a periodic fallback tick, until ctx is canceled. This
// is the fsnotify-driven alternative to polling in a loop.
func (e *Evaluator) Watch(ctx context.Context, key ledger.Key, artifactRoot string, fallbackPoll time.Duration, stepRunning func() bool) error {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("heartbeat: create watcher: %w", err)
	}
	defer watcher.Close()

	if err := addRecursive(watcher, artifactRoot); err != nil {
		return fmt.Errorf("heartbeat: watch %s: %w", artifactRoot, err)
	}

	ticker := time.NewTicker(fallbackPoll)
	defer ticker.Stop()

	tick := func() error {
		now := time.Now().UTC()
		last := LastActivity(time.Time{}, artifactRoot)
		_, err := e.Evaluate(ctx, key, stepRunning(), last, now)
		return err
	}

	for {
		select {
		case <-ctx.Done():
			return nil
		case event, ok := <-watcher.Events:
			if !ok {
				return nil
			}
			if event.Op&fsnotify.Create == fsnotify.Create {
				if info, statErr := os.Stat(event.Name); statErr == nil && info.IsDir() {
					_ = watcher.Add(event.Name)
				}
			}
			if err := tick(); err != nil {
				return err
			}
		case err, ok := <-watcher.Errors:
			if !ok {
				return nil
			}
			e.logger.Warn("heartbeat watcher error", "error", err.Error())
		case <-ticker.C:
			if err := tick(); err != nil {
				return err
			}
		}
	}
}

func addRecursive(watcher *fsnotify.Watcher, root string) error {
	return filepath.WalkDir(root, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			if os.IsNotExist(err) {
				return nil
			}
			return err
		}
		if d.IsDir() {
			return watcher.Add(path)
		}
		return nil
	})
}
