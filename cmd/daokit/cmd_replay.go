// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package main

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"time"

	"github.com/spf13/cobra"

	"github.com/daokit/daokit/internal/config"
	"github.com/daokit/daokit/internal/contracts"
	"github.com/daokit/daokit/internal/ledger"
	"github.com/daokit/daokit/internal/obs/logging"
)

var (
	replayTaskID         string
	replayRunID          string
	replaySource         string
	replayLimit          int
	replaySinceEventID   int64
	replaySinceTimestamp string
	replayJSON           bool
)

var replayCmd = &cobra.Command{
	Use:   "replay",
	Short: "Iterate the event journal or the snapshot history for a run",
	Run:   runReplayCommand,
}

func init() {
	replayCmd.Flags().StringVar(&replayTaskID, "task-id", "", "task id (required)")
	replayCmd.Flags().StringVar(&replayRunID, "run-id", "", "run id (required)")
	replayCmd.Flags().StringVar(&replaySource, "source", "events", "events|snapshots")
	replayCmd.Flags().IntVar(&replayLimit, "limit", 0, "maximum records to return (0 = unbounded)")
	replayCmd.Flags().Int64Var(&replaySinceEventID, "since-event-id", 0, "only events with event_id greater than this (events source only)")
	replayCmd.Flags().StringVar(&replaySinceTimestamp, "since-timestamp", "", "RFC3339 timestamp; only records at or after this instant")
	replayCmd.Flags().BoolVar(&replayJSON, "json", false, "machine-readable JSON output")
}

func runReplayCommand(cmd *cobra.Command, args []string) {
	if replayTaskID == "" || replayRunID == "" {
		outputError(contracts.ReasonReplayFailed, fmt.Errorf("--task-id and --run-id are required"))
		os.Exit(1)
	}

	var since time.Time
	if replaySinceTimestamp != "" {
		parsed, err := time.Parse(time.RFC3339, replaySinceTimestamp)
		if err != nil {
			outputError(contracts.ReasonReplayFailed, fmt.Errorf("parse --since-timestamp: %w", err))
			os.Exit(1)
		}
		since = parsed
	}

	cfg, err := config.Load(rootPath)
	if err != nil {
		outputError(contracts.ReasonReplayFailed, err)
		os.Exit(1)
	}
	backend, err := openBackend(cfg, rootPath)
	if err != nil {
		outputError(contracts.ReasonReplayFailed, err)
		os.Exit(1)
	}
	defer backend.Close()
	l := ledger.New(backend, logging.Default())
	key := ledger.Key{TaskID: replayTaskID, RunID: replayRunID}
	ctx := context.Background()

	switch replaySource {
	case "events":
		events, err := l.Events(ctx, key, replaySinceEventID, replayLimit)
		if err != nil {
			outputError(contracts.ReasonReplayFailed, err)
			os.Exit(1)
		}
		if !since.IsZero() {
			events = filterEventsSince(events, since)
		}
		printReplay(events)
	case "snapshots":
		snapshots, err := l.Snapshots(ctx, key, replayLimit)
		if err != nil {
			outputError(contracts.ReasonReplayFailed, err)
			os.Exit(1)
		}
		if !since.IsZero() {
			snapshots = filterSnapshotsSince(snapshots, since)
		}
		printReplay(snapshots)
	default:
		outputError(contracts.ReasonReplayFailed, fmt.Errorf("--source must be %q or %q, got %q", "events", "snapshots", replaySource))
		os.Exit(1)
	}
}

func filterEventsSince(events []*contracts.Event, since time.Time) []*contracts.Event {
	out := events[:0:0]
	for _, e := range events {
		if !e.Timestamp.Before(since) {
			out = append(out, e)
		}
	}
	return out
}

func filterSnapshotsSince(snapshots []*contracts.PipelineState, since time.Time) []*contracts.PipelineState {
	out := snapshots[:0:0]
	for _, s := range snapshots {
		if !s.UpdatedAt.Before(since) {
			out = append(out, s)
		}
	}
	return out
}

func printReplay(v interface{}) {
	if replayJSON {
		enc := json.NewEncoder(os.Stdout)
		enc.SetIndent("", "  ")
		_ = enc.Encode(v)
		return
	}
	switch records := v.(type) {
	case []*contracts.Event:
		for _, e := range records {
			fmt.Printf("%d\t%s\t%s\t%s\n", e.EventID, e.Timestamp.Format(time.RFC3339), e.EventType, e.Correlation.StepID)
		}
	case []*contracts.PipelineState:
		for _, s := range records {
			fmt.Printf("%s\t%s\t%s\n", s.UpdatedAt.Format(time.RFC3339), s.Status, s.CurrentStepID)
		}
	}
}
