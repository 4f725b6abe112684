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
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"

	"github.com/spf13/cobra"

	"github.com/daokit/daokit/internal/contracts"
)

var (
	checkJSON    bool
	checkCompact bool
)

// checkCmd validates the runtime layout, pipeline state, and heartbeat
// status files under --root.
var checkCmd = &cobra.Command{
	Use:   "check",
	Short: "Validate runtime layout, state, and heartbeat files",
	Run:   runCheckCommand,
}

func init() {
	checkCmd.Flags().BoolVar(&checkJSON, "json", false, "machine-readable JSON output")
	checkCmd.Flags().BoolVar(&checkCompact, "compact", false, "run table-backend maintenance (badger GC) before checking")
}

type checkResult struct {
	OK          bool   `json:"ok"`
	ReasonCode  string `json:"reason_code,omitempty"`
	Remediation string `json:"remediation,omitempty"`
	Detail      string `json:"detail,omitempty"`
}

func runCheckCommand(cmd *cobra.Command, args []string) {
	if checkCompact {
		runCompactionMaintenance(rootPath)
	}

	result := checkLayout(rootPath)
	if result.OK {
		result = checkStateFiles(rootPath)
	}

	if checkJSON {
		enc := json.NewEncoder(os.Stdout)
		enc.SetIndent("", "  ")
		_ = enc.Encode(result)
	} else if result.OK {
		fmt.Println("check: ok")
	} else {
		outputError(result.ReasonCode, fmt.Errorf("%s", result.Detail))
	}

	if !result.OK {
		os.Exit(1)
	}
}

// checkLayout verifies the four top-level directories the persisted layout
// requires exist under root.
func checkLayout(root string) checkResult {
	required := []string{
		filepath.Join(root, "state"),
		filepath.Join(root, "artifacts", "dispatch"),
		filepath.Join(root, "checkpoints"),
		filepath.Join(root, "handoff"),
	}
	for _, dir := range required {
		info, err := os.Stat(dir)
		if err != nil || !info.IsDir() {
			return checkResult{
				OK: false, ReasonCode: contracts.ReasonCheckLayoutMissing,
				Remediation: contracts.RemediationFor(contracts.ReasonCheckLayoutMissing),
				Detail:      fmt.Sprintf("missing required directory %s", dir),
			}
		}
	}
	return checkResult{OK: true}
}

// checkStateFiles walks every task/run directory under state/ and verifies
// pipeline_state.json and heartbeat_status.json, where present, decode as
// valid JSON matching their schema.
func checkStateFiles(root string) checkResult {
	stateRoot := filepath.Join(root, "state")
	entries, err := os.ReadDir(stateRoot)
	if err != nil {
		return checkResult{OK: true}
	}
	for _, taskEntry := range entries {
		if !taskEntry.IsDir() {
			continue
		}
		taskDir := filepath.Join(stateRoot, taskEntry.Name())
		runEntries, err := os.ReadDir(taskDir)
		if err != nil {
			continue
		}
		for _, runEntry := range runEntries {
			if !runEntry.IsDir() {
				continue
			}
			runDir := filepath.Join(taskDir, runEntry.Name())
			if res := checkJSONFile(runDir, "pipeline_state.json", &contracts.PipelineState{}, contracts.ReasonCheckStateInvalid); !res.OK {
				return res
			}
			if res := checkJSONFile(runDir, "heartbeat_status.json", &contracts.HeartbeatStatus{}, contracts.ReasonCheckHeartbeatInvalid); !res.OK {
				return res
			}
		}
	}
	return checkResult{OK: true}
}

func checkJSONFile(dir, name string, v interface{}, reasonCode string) checkResult {
	path := filepath.Join(dir, name)
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return checkResult{OK: true}
		}
		return checkResult{OK: false, ReasonCode: reasonCode, Remediation: contracts.RemediationFor(reasonCode), Detail: fmt.Sprintf("read %s: %v", path, err)}
	}
	if len(data) == 0 {
		return checkResult{OK: true}
	}
	if err := json.Unmarshal(data, v); err != nil {
		return checkResult{OK: false, ReasonCode: reasonCode, Remediation: contracts.RemediationFor(reasonCode), Detail: fmt.Sprintf("parse %s: %v", path, err)}
	}
	var verr error
	switch rec := v.(type) {
	case *contracts.PipelineState:
		verr = contracts.ValidatePipelineState(rec)
	case *contracts.HeartbeatStatus:
		verr = contracts.ValidateHeartbeatStatus(rec)
	}
	if verr != nil {
		return checkResult{OK: false, ReasonCode: reasonCode, Remediation: contracts.RemediationFor(reasonCode), Detail: fmt.Sprintf("validate %s: %v", path, verr)}
	}
	return checkResult{OK: true}
}
