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
	"github.com/daokit/daokit/internal/lease"
	"github.com/daokit/daokit/internal/lifecycle"
	"github.com/daokit/daokit/internal/obs/logging"
	"github.com/daokit/daokit/internal/observability"
)

// defaultLeaseTTL mirrors the 10-minute default lifecycle.New applies when
// Options.LeaseTTL is unset; takeover adopts leases with this lifetime.
const defaultLeaseTTL = 10 * time.Minute

var (
	takeoverTaskID          string
	takeoverRunID           string
	takeoverSuccessorThread string
	takeoverSuccessorPID    int
	takeoverLane            string
	takeoverReason          string
	takeoverJSON            bool
)

var takeoverCmd = &cobra.Command{
	Use:   "takeover",
	Short: "Adopt every running step's lease on behalf of a successor controller",
	Run:   runTakeoverCommand,
}

func init() {
	takeoverCmd.Flags().StringVar(&takeoverTaskID, "task-id", "", "task id (required)")
	takeoverCmd.Flags().StringVar(&takeoverRunID, "run-id", "", "run id (required)")
	takeoverCmd.Flags().StringVar(&takeoverSuccessorThread, "successor-thread-id", "", "identity adopting the leases (required)")
	takeoverCmd.Flags().IntVar(&takeoverSuccessorPID, "successor-pid", 0, "successor process id")
	takeoverCmd.Flags().StringVar(&takeoverLane, "lane", "default", "lease lane")
	takeoverCmd.Flags().StringVar(&takeoverReason, "reason", "manual operator takeover", "trigger reason recorded in the takeover diagnostic")
	takeoverCmd.Flags().BoolVar(&takeoverJSON, "json", false, "machine-readable JSON output")
}

func runTakeoverCommand(cmd *cobra.Command, args []string) {
	if takeoverTaskID == "" || takeoverRunID == "" || takeoverSuccessorThread == "" {
		outputError(contracts.ReasonTakeoverFailed, fmt.Errorf("--task-id, --run-id, and --successor-thread-id are required"))
		os.Exit(1)
	}

	cfg, err := config.Load(rootPath)
	if err != nil {
		outputError(contracts.ReasonTakeoverFailed, err)
		os.Exit(1)
	}
	backend, err := openBackend(cfg, rootPath)
	if err != nil {
		outputError(contracts.ReasonTakeoverFailed, err)
		os.Exit(1)
	}
	defer backend.Close()
	l := ledger.New(backend, logging.Default())
	registry := lease.New(l, defaultLeaseTTL)

	key := ledger.Key{TaskID: takeoverTaskID, RunID: takeoverRunID}
	decisionAt := time.Now().UTC()
	ctx := context.Background()

	result, err := registry.BatchTakeoverRun(ctx, key, takeoverLane, takeoverSuccessorThread, takeoverSuccessorPID, decisionAt)
	if err != nil {
		outputError(contracts.ReasonTakeoverFailed, err)
		os.Exit(1)
	}

	pipelineStatus, err := lifecycle.ApplyTakeoverTransition(ctx, l, key, result)
	if err != nil {
		outputError(contracts.ReasonTakeoverFailed, err)
		os.Exit(1)
	}

	outcome := "rejected"
	if len(result.AdoptedStepIDs) > 0 {
		outcome = "adopted"
	}
	runMetrics.RecordTakeover(outcome)
	runMetrics.SetLeaseActive(string(pipelineStatus), float64(len(result.AdoptedStepIDs)))

	diag := observability.BuildTakeoverDiagnostic(takeoverReason, decisionAt, observability.AdoptionResult{
		AdoptedStepIDs: result.AdoptedStepIDs,
		FailedStepIDs:  result.FailedStepIDs,
		TakeoverAt:     result.TakeoverAt,
	})

	if takeoverJSON {
		enc := json.NewEncoder(os.Stdout)
		enc.SetIndent("", "  ")
		_ = enc.Encode(diag)
		return
	}
	fmt.Printf("takeover: adopted=%v failed=%v pipeline_status=%s\n", diag.AdoptedStepIDs, diag.FailedStepIDs, pipelineStatus)
}
