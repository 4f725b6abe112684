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

	"github.com/google/uuid"
	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"

	"github.com/daokit/daokit/internal/config"
	"github.com/daokit/daokit/internal/contracts"
	"github.com/daokit/daokit/internal/handoff"
	"github.com/daokit/daokit/internal/heartbeat"
	"github.com/daokit/daokit/internal/ledger"
	"github.com/daokit/daokit/internal/lifecycle"
	"github.com/daokit/daokit/internal/obs/logging"
	"github.com/daokit/daokit/internal/plan"
)

var (
	handoffTaskID    string
	handoffRunID     string
	handoffCreate    bool
	handoffApply     bool
	handoffPath      string
	handoffJSON      bool
	handoffGoal      string
	handoffStepsPath string
	handoffLane      string
)

var handoffCmd = &cobra.Command{
	Use:   "handoff",
	Short: "Create or apply a pre-compact / session-start handoff package",
	Run:   runHandoffCommand,
}

func init() {
	handoffCmd.Flags().StringVar(&handoffTaskID, "task-id", "", "task id (required)")
	handoffCmd.Flags().StringVar(&handoffRunID, "run-id", "", "run id (required)")
	handoffCmd.Flags().BoolVar(&handoffCreate, "create", false, "snapshot the current ledger into a handoff package")
	handoffCmd.Flags().BoolVar(&handoffApply, "apply", false, "verify and resume from a previously saved handoff package")
	handoffCmd.Flags().StringVar(&handoffPath, "path", "", "package identifier under handoff/ (defaults to \"default\")")
	handoffCmd.Flags().BoolVar(&handoffJSON, "json", false, "machine-readable JSON output")
	handoffCmd.Flags().StringVar(&handoffGoal, "goal", "", "original run goal; supply with --apply to resume execution, not just print the plan")
	handoffCmd.Flags().StringVar(&handoffStepsPath, "steps", "", "path to the original run's --steps YAML file, required to resume if steps weren't a single auto-generated step")
	handoffCmd.Flags().StringVar(&handoffLane, "lane", "default", "lease lane the resuming controller claims steps under")
}

func runHandoffCommand(cmd *cobra.Command, args []string) {
	if handoffTaskID == "" || handoffRunID == "" {
		outputError(contracts.ReasonHandoffFailed, fmt.Errorf("--task-id and --run-id are required"))
		os.Exit(1)
	}
	if handoffCreate == handoffApply {
		outputError(contracts.ReasonHandoffFailed, fmt.Errorf("exactly one of --create or --apply is required"))
		os.Exit(1)
	}

	cfg, err := config.Load(rootPath)
	if err != nil {
		outputError(contracts.ReasonHandoffFailed, err)
		os.Exit(1)
	}
	backend, err := openBackend(cfg, rootPath)
	if err != nil {
		outputError(contracts.ReasonHandoffFailed, err)
		os.Exit(1)
	}
	if err := backend.Init(context.Background(), rootPath); err != nil {
		outputError(contracts.ReasonHandoffFailed, err)
		os.Exit(1)
	}
	defer backend.Close()
	logger := logging.Default()
	l := ledger.New(backend, logger)
	key := ledger.Key{TaskID: handoffTaskID, RunID: handoffRunID}
	ctx := context.Background()

	if handoffCreate {
		pkg, err := handoff.Create(ctx, l, key, time.Now().UTC())
		if err != nil {
			outputError(contracts.ReasonHandoffFailed, err)
			os.Exit(1)
		}
		if err := handoff.Save(ctx, l, key, handoffPath, pkg); err != nil {
			outputError(contracts.ReasonHandoffFailed, err)
			os.Exit(1)
		}
		emitHandoffResult(pkg)
		return
	}

	pkg, err := handoff.Load(ctx, l, key, handoffPath)
	if err != nil {
		outputError(contracts.ReasonHandoffFailed, err)
		os.Exit(1)
	}
	resumePlan, err := handoff.Apply(ctx, l, key, pkg)
	if err != nil {
		outputError(contracts.ReasonHandoffFailed, err)
		os.Exit(1)
	}

	if handoffGoal == "" && handoffStepsPath == "" {
		emitHandoffResult(resumePlan)
		return
	}
	if len(resumePlan.StepIDs) == 0 {
		emitHandoffResult(resumePlan)
		return
	}

	compiled, err := compileResumePlan(key)
	if err != nil {
		outputError(contracts.ReasonHandoffFailed, err)
		os.Exit(1)
	}

	dispatcher, err := buildDispatcher(cfg, l.ArtifactRoot(rootPath, key), logger)
	if err != nil {
		outputError(contracts.ReasonHandoffFailed, err)
		os.Exit(1)
	}
	runtime := lifecycle.New(l, dispatcher, lifecycle.Options{
		Lane:                   handoffLane,
		ThreadID:               uuid.NewString(),
		PID:                    os.Getpid(),
		ReworkBound:            cfg.Acceptance.ReworkBound,
		AllowedScopeDefault:    cfg.Acceptance.AllowedScope,
		RequireCommandEvidence: cfg.Acceptance.RequireCommandEvidence,
		HeartbeatThresholds: heartbeat.Thresholds{
			WarningAfterSeconds: int(cfg.Heartbeat.WarningAfterSeconds),
			StaleAfterSeconds:   int(cfg.Heartbeat.StaleAfterSeconds),
		},
		Metrics: runMetrics,
	}, logger)

	status, err := runtime.ResumeRun(ctx, compiled, l.ArtifactRoot(rootPath, key), resumePlan.StepIDs)
	if err != nil {
		outputError(contracts.ReasonHandoffFailed, err)
		os.Exit(1)
	}
	fmt.Printf("handoff resumed: task=%s run=%s status=%s steps=%v\n", key.TaskID, key.RunID, status, resumePlan.StepIDs)
}

// compileResumePlan recompiles the original plan from --goal/--steps so
// ResumeRun has step definitions to dispatch: the ledger only ever
// persists StepState, never the Step bodies a handoff resumes.
func compileResumePlan(key ledger.Key) (*contracts.Plan, error) {
	input := plan.Input{Goal: handoffGoal, TaskID: key.TaskID, RunID: key.RunID}
	if handoffStepsPath != "" {
		raw, err := os.ReadFile(handoffStepsPath)
		if err != nil {
			return nil, fmt.Errorf("read --steps file: %w", err)
		}
		var sf stepsFile
		if err := yaml.Unmarshal(raw, &sf); err != nil {
			return nil, fmt.Errorf("parse --steps file: %w", err)
		}
		if input.Goal == "" {
			input.Goal = sf.Goal
		}
		input.Constraints = sf.Constraints
		input.Steps = sf.Steps
	}
	if len(input.Steps) == 0 {
		input.Steps = []contracts.Step{{
			ID:                 "step-1",
			Title:              "complete goal",
			Goal:               input.Goal,
			Actions:            []string{input.Goal},
			AcceptanceCriteria: []string{"goal satisfied"},
		}}
	}
	return plan.Compile(input)
}

func emitHandoffResult(v interface{}) {
	if handoffJSON {
		enc := json.NewEncoder(os.Stdout)
		enc.SetIndent("", "  ")
		_ = enc.Encode(v)
		return
	}
	switch r := v.(type) {
	case *contracts.HandoffPackage:
		fmt.Printf("handoff created: task=%s run=%s hash=%s open_items=%d\n", r.TaskID, r.RunID, r.PackageHash, len(r.OpenAcceptanceItems))
	case *handoff.ResumePlan:
		fmt.Printf("handoff applied: resume steps=%v\n", r.StepIDs)
	}
}
