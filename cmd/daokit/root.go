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

	"github.com/spf13/cobra"

	"github.com/daokit/daokit/internal/contracts"
	"github.com/daokit/daokit/internal/obs/metrics"
	"github.com/daokit/daokit/internal/obs/tracing"
)

// runMetrics is the process-wide Prometheus instrumentation set. Every
// command that drives the lifecycle runtime or a takeover shares this one
// instance so /metrics reports a single process's activity.
var runMetrics = metrics.NewRunMetrics(nil)

// --- Global command variables ---
var (
	rootPath string // --root, shared by every subcommand

	rootCmd = &cobra.Command{
		Use:   "daokit",
		Short: "Deterministic, evidence-gated orchestration engine for long-running multi-agent workflows",
		Long: `daokit drives tasks through a fixed lifecycle (extract -> plan -> dispatch ->
verify -> transition), records every state change to an append-only ledger,
and keeps execution recoverable across process death, window/context resets,
and controller replacement.`,
	}
)

func init() {
	rootCmd.PersistentFlags().StringVar(&rootPath, "root", ".daokit", "runtime directory root")
	rootCmd.AddCommand(initCmd)
	rootCmd.AddCommand(checkCmd)
	rootCmd.AddCommand(runCmd)
	rootCmd.AddCommand(statusCmd)
	rootCmd.AddCommand(replayCmd)
	rootCmd.AddCommand(takeoverCmd)
	rootCmd.AddCommand(handoffCmd)
}

func main() {
	shutdown, err := tracing.Init(context.Background(), tracing.ConfigFromEnv())
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
	defer func() { _ = shutdown(context.Background()) }()

	metricsShutdown, err := metrics.Serve(metrics.ConfigFromEnv(os.Getenv), nil)
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
	defer func() { _ = metricsShutdown(context.Background()) }()

	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

// outputError prints a reason code plus its one-line remediation pointer,
// per the terminal-failure convention every command follows.
func outputError(reasonCode string, err error) {
	fmt.Fprintf(os.Stderr, "Error [%s]: %v\n", reasonCode, err)
	if remediation := contracts.RemediationFor(reasonCode); remediation != "" {
		fmt.Fprintf(os.Stderr, "  remediation: %s\n", remediation)
	}
}
