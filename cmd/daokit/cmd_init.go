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

	"github.com/daokit/daokit/internal/config"
	"github.com/daokit/daokit/internal/contracts"
)

// initCmd creates the runtime directory tree and empty state files
// idempotently. Calling it twice on the same root succeeds both times and
// never destroys existing state.
var initCmd = &cobra.Command{
	Use:   "init",
	Short: "Create the runtime directory tree and empty state files",
	Run:   runInitCommand,
}

func runInitCommand(cmd *cobra.Command, args []string) {
	cfg, err := config.Load(rootPath)
	if err != nil {
		outputError(contracts.ReasonInitFailed, err)
		os.Exit(1)
	}
	backend, err := openBackend(cfg, rootPath)
	if err != nil {
		outputError(contracts.ReasonInitFailed, err)
		os.Exit(1)
	}
	defer backend.Close()
	if err := backend.Init(context.Background(), rootPath); err != nil {
		outputError(contracts.ReasonInitFailed, err)
		os.Exit(1)
	}
	fmt.Printf("initialized daokit runtime at %s (storage_backend=%s)\n", rootPath, cfg.StorageBackend)
}
