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

	"github.com/spf13/cobra"

	"github.com/daokit/daokit/internal/config"
	"github.com/daokit/daokit/internal/contracts"
	"github.com/daokit/daokit/internal/ledger"
	"github.com/daokit/daokit/internal/lifecycle"
	"github.com/daokit/daokit/internal/obs/logging"
	"github.com/daokit/daokit/internal/ux"
)

var (
	statusTaskID string
	statusRunID  string
	statusJSON   bool
)

var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show pipeline state, leases, and heartbeat for a run",
	Run:   runStatusCommand,
}

func init() {
	statusCmd.Flags().StringVar(&statusTaskID, "task-id", "", "task id (required)")
	statusCmd.Flags().StringVar(&statusRunID, "run-id", "", "run id (required)")
	statusCmd.Flags().BoolVar(&statusJSON, "json", false, "machine-readable JSON output")
}

func runStatusCommand(cmd *cobra.Command, args []string) {
	if statusTaskID == "" || statusRunID == "" {
		outputError(contracts.ReasonStatusFailed, fmt.Errorf("--task-id and --run-id are required"))
		os.Exit(1)
	}

	cfg, err := config.Load(rootPath)
	if err != nil {
		outputError(contracts.ReasonStatusFailed, err)
		os.Exit(1)
	}
	backend, err := openBackend(cfg, rootPath)
	if err != nil {
		outputError(contracts.ReasonStatusFailed, err)
		os.Exit(1)
	}
	defer backend.Close()
	l := ledger.New(backend, logging.Default())
	runtime := lifecycle.New(l, nil, lifecycle.Options{}, logging.Default())

	view, err := runtime.Status(context.Background(), ledger.Key{TaskID: statusTaskID, RunID: statusRunID})
	if err != nil {
		outputError(contracts.ReasonStatusFailed, err)
		os.Exit(1)
	}

	if statusJSON {
		enc := json.NewEncoder(os.Stdout)
		enc.SetIndent("", "  ")
		_ = enc.Encode(view)
		return
	}

	printStatusHuman(view)
}

func printStatusHuman(view *lifecycle.StatusView) {
	ux.Heading(fmt.Sprintf("%s %s / %s", ux.PipelineIcon(view.State.Status), view.State.TaskID, view.State.RunID))
	ux.Line("status", string(view.State.Status))
	ux.Line("current step", view.State.CurrentStepID)
	fmt.Println()
	for _, s := range view.State.Steps {
		fmt.Printf("  %s %s (%s)\n", ux.StepIcon(s.Status), s.ID, s.Status)
	}
	fmt.Println()
	if view.Heartbeat != nil {
		ux.Line("heartbeat", string(view.Heartbeat.Status))
	} else {
		ux.Line("heartbeat", "no record")
	}
	ux.Line("active leases", fmt.Sprintf("%d", len(view.Leases)))
	for _, lease := range view.Leases {
		fmt.Printf("    %s lane=%s thread=%s expires=%s\n", lease.StepID, lease.Lane, lease.ThreadID, lease.Expiry.Format("15:04:05"))
	}
	if view.HandoffPointer != nil {
		ux.Line("handoff package", fmt.Sprintf("created=%s current_step=%s next_action=%s", view.HandoffPointer.CreatedAt.Format("15:04:05"), view.HandoffPointer.CurrentStep, view.HandoffPointer.NextAction))
	} else {
		ux.Line("handoff package", "none")
	}
}
