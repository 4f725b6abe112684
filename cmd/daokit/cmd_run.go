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
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/google/uuid"
	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"

	"github.com/daokit/daokit/internal/config"
	"github.com/daokit/daokit/internal/contracts"
	"github.com/daokit/daokit/internal/dispatch"
	"github.com/daokit/daokit/internal/dispatch/llm"
	"github.com/daokit/daokit/internal/dispatch/subprocess"
	"github.com/daokit/daokit/internal/heartbeat"
	"github.com/daokit/daokit/internal/ledger"
	"github.com/daokit/daokit/internal/lifecycle"
	"github.com/daokit/daokit/internal/obs/logging"
	"github.com/daokit/daokit/internal/plan"
)

var (
	runGoal              string
	runConstraints       []string
	runStepsPath         string
	runTaskID            string
	runRunID             string
	runLane              string
	runSimulateInterrupt time.Duration
)

var runCmd = &cobra.Command{
	Use:   "run",
	Short: "Compile a plan and drive it through extract -> plan -> dispatch -> verify -> transition",
	Run:   runRunCommand,
}

func init() {
	runCmd.Flags().StringVar(&runGoal, "goal", "", "run goal (required unless --steps supplies one)")
	runCmd.Flags().StringSliceVar(&runConstraints, "constraint", nil, "repeatable constraint string")
	runCmd.Flags().StringVar(&runStepsPath, "steps", "", "path to a YAML file with {goal, constraints, steps: [...]}")
	runCmd.Flags().StringVar(&runTaskID, "task-id", "", "override the derived task id")
	runCmd.Flags().StringVar(&runRunID, "run-id", "", "override the derived run id")
	runCmd.Flags().StringVar(&runLane, "lane", "default", "lease lane this controller claims steps under")
	runCmd.Flags().DurationVar(&runSimulateInterrupt, "simulate-interruption", 0, "cancel the run after this duration, for drill/test use")
}

// stepsFile is the on-disk shape --steps accepts: a hand-authored plan, in
// the same vocabulary plan.Input already understands.
type stepsFile struct {
	Goal        string           `yaml:"goal"`
	Constraints []string         `yaml:"constraints"`
	Steps       []contracts.Step `yaml:"steps"`
}

func runRunCommand(cmd *cobra.Command, args []string) {
	input := plan.Input{Goal: runGoal, Constraints: runConstraints, TaskID: runTaskID, RunID: runRunID}

	if runStepsPath != "" {
		raw, err := os.ReadFile(runStepsPath)
		if err != nil {
			outputError(contracts.ReasonRunFailed, fmt.Errorf("read --steps file: %w", err))
			os.Exit(1)
		}
		var sf stepsFile
		if err := yaml.Unmarshal(raw, &sf); err != nil {
			outputError(contracts.ReasonRunFailed, fmt.Errorf("parse --steps file: %w", err))
			os.Exit(1)
		}
		if input.Goal == "" {
			input.Goal = sf.Goal
		}
		if len(input.Constraints) == 0 {
			input.Constraints = sf.Constraints
		}
		input.Steps = sf.Steps
	}

	if input.Goal == "" {
		outputError(contracts.ReasonRunFailed, fmt.Errorf("--goal is required (directly or via --steps)"))
		os.Exit(1)
	}

	// No pre-authored steps: bootstrap a single catch-all step so the goal
	// is still dispatchable end to end.
	if len(input.Steps) == 0 {
		input.Steps = []contracts.Step{{
			ID:                 "step-1",
			Title:              "complete goal",
			Goal:               input.Goal,
			Actions:            []string{input.Goal},
			AcceptanceCriteria: []string{"goal satisfied"},
		}}
	}

	compiled, err := plan.Compile(input)
	if err != nil {
		outputError(contracts.ReasonRunFailed, err)
		os.Exit(1)
	}

	cfg, err := config.Load(rootPath)
	if err != nil {
		outputError(contracts.ReasonRunFailed, err)
		os.Exit(1)
	}

	backend, err := openBackend(cfg, rootPath)
	if err != nil {
		outputError(contracts.ReasonRunFailed, err)
		os.Exit(1)
	}
	if err := backend.Init(context.Background(), rootPath); err != nil {
		outputError(contracts.ReasonRunFailed, err)
		os.Exit(1)
	}
	defer backend.Close()
	logger := logging.Default()
	l := ledger.New(backend, logger)

	key := ledger.Key{TaskID: compiled.TaskID, RunID: compiled.RunID}
	evidenceRoot := l.ArtifactRoot(rootPath, key)

	dispatcher, err := buildDispatcher(cfg, evidenceRoot, logger)
	if err != nil {
		outputError(contracts.ReasonRunFailed, err)
		os.Exit(1)
	}

	threadID := uuid.NewString()
	runtime := lifecycle.New(l, dispatcher, lifecycle.Options{
		Lane:                   runLane,
		ThreadID:               threadID,
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

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	if runSimulateInterrupt > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, runSimulateInterrupt)
		defer cancel()
	}

	status, err := runtime.Run(ctx, compiled, evidenceRoot)
	if err != nil {
		if err == lifecycle.ErrRunInterrupted {
			fmt.Fprintf(os.Stderr, "run interrupted: task=%s run=%s\n", compiled.TaskID, compiled.RunID)
			os.Exit(130)
		}
		outputError(contracts.ReasonRunFailed, err)
		os.Exit(1)
	}

	fmt.Printf("run %s: task=%s run=%s\n", status, compiled.TaskID, compiled.RunID)
}

// buildDispatcher selects the dispatch adapter from the resolved config.
// There is no CLI flag for this choice; it is controlled entirely by
// DAOKIT_DISPATCH_BACKEND / .daokit/settings.yaml.
func buildDispatcher(cfg config.Config, evidenceRoot string, logger *logging.Logger) (dispatch.Adapter, error) {
	switch cfg.DispatchBackend {
	case config.DispatchLLM:
		return llm.New(llm.Config{
			LLMConfig:    cfg.LLM,
			ArtifactRoot: evidenceRoot,
		}, logger), nil
	case config.DispatchSubprocess:
		return subprocess.New(subprocess.Config{
			Command:      cfg.Subprocess.Command,
			Args:         cfg.Subprocess.Args,
			Timeout:      time.Duration(cfg.Subprocess.TimeoutSeconds) * time.Second,
			ArtifactRoot: evidenceRoot,
		}, logger), nil
	default:
		return nil, fmt.Errorf("run: unknown dispatch backend %q", cfg.DispatchBackend)
	}
}
