// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package acceptance

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/daokit/daokit/internal/contracts"
)

func writeFile(t *testing.T, root, rel, content string) {
	t.Helper()
	full := filepath.Join(root, rel)
	require.NoError(t, os.MkdirAll(filepath.Dir(full), 0o755))
	require.NoError(t, os.WriteFile(full, []byte(content), 0o644))
}

func baseStep() contracts.Step {
	return contracts.Step{
		ID:                 "extract",
		AcceptanceCriteria: []string{"output is valid JSON"},
		ExpectedOutputs:    []contracts.ExpectedOutput{{Name: "report", Path: "report.json"}},
	}
}

// ===== missing / unreadable / path escape =====

func TestEvaluate_MissingEvidence(t *testing.T) {
	root := t.TempDir()
	proof, rej := Evaluate(baseStep(), root, nil, Config{})
	require.Nil(t, proof)
	require.Equal(t, contracts.ReasonMissingEvidence, rej.ReasonCode)
}

func TestEvaluate_InvalidEvidencePath(t *testing.T) {
	root := t.TempDir()
	step := baseStep()
	step.ExpectedOutputs = []contracts.ExpectedOutput{{Name: "report", Path: "../escape.json"}}
	proof, rej := Evaluate(step, root, nil, Config{})
	require.Nil(t, proof)
	require.Equal(t, contracts.ReasonInvalidEvidencePath, rej.ReasonCode)
}

func TestEvaluate_UnreadableEvidenceWhenDirectory(t *testing.T) {
	root := t.TempDir()
	require.NoError(t, os.MkdirAll(filepath.Join(root, "report.json"), 0o755))
	proof, rej := Evaluate(baseStep(), root, nil, Config{})
	require.Nil(t, proof)
	require.Equal(t, contracts.ReasonUnreadableEvidence, rej.ReasonCode)
}

// ===== passing path =====

func TestEvaluate_PassesWithEvidencePresent(t *testing.T) {
	root := t.TempDir()
	writeFile(t, root, "report.json", `{"ok":true}`)
	proof, rej := Evaluate(baseStep(), root, nil, Config{})
	require.Nil(t, rej)
	require.NotEmpty(t, proof.ProofID)
	require.Len(t, proof.CriteriaStates, 1)
}

func TestEvaluate_ProofIDDeterministic(t *testing.T) {
	root := t.TempDir()
	writeFile(t, root, "report.json", `{"ok":true}`)
	p1, _ := Evaluate(baseStep(), root, nil, Config{})
	p2, _ := Evaluate(baseStep(), root, nil, Config{})
	require.Equal(t, p1.ProofID, p2.ProofID)
}

// ===== scope guard =====

func TestEvaluate_OutOfScopeChangeRejected(t *testing.T) {
	root := t.TempDir()
	writeFile(t, root, "report.json", `{"ok":true}`)
	step := baseStep()
	step.AllowedScope = []string{"src/**"}
	proof, rej := Evaluate(step, root, []string{"other/file.go"}, Config{AllowedScope: step.AllowedScope})
	require.Nil(t, proof)
	require.Equal(t, contracts.ReasonOutOfScopeChange, rej.ReasonCode)
	require.Contains(t, rej.ViolatingFiles, "other/file.go")
}

func TestEvaluate_InScopeChangeAllowed(t *testing.T) {
	root := t.TempDir()
	writeFile(t, root, "report.json", `{"ok":true}`)
	step := baseStep()
	step.AllowedScope = []string{"src/**"}
	proof, rej := Evaluate(step, root, []string{"src/main.go"}, Config{AllowedScope: step.AllowedScope})
	require.Nil(t, rej)
	require.NotNil(t, proof)
}

// ===== command evidence =====

func TestEvaluate_MissingCommandEvidence(t *testing.T) {
	root := t.TempDir()
	writeFile(t, root, "report.json", `{"ok":true}`)
	writeFile(t, root, "verification.log", "ran the tests, all good\n")
	proof, rej := Evaluate(baseStep(), root, nil, Config{RequireCommandEvidence: true})
	require.Nil(t, proof)
	require.Equal(t, contracts.ReasonMissingCommandEvidence, rej.ReasonCode)
}

func TestEvaluate_CommandLineMarkerAccepted(t *testing.T) {
	root := t.TempDir()
	writeFile(t, root, "report.json", `{"ok":true}`)
	writeFile(t, root, "verification.log", "Command: go test ./...\nPASS\n")
	proof, rej := Evaluate(baseStep(), root, nil, Config{RequireCommandEvidence: true})
	require.Nil(t, rej)
	require.NotNil(t, proof)
}

func TestEvaluate_CommandBlockMarkerAccepted(t *testing.T) {
	root := t.TempDir()
	writeFile(t, root, "report.json", `{"ok":true}`)
	writeFile(t, root, "verification.log", "=== COMMAND ENTRY 1 START ===\ngo test ./...\n=== COMMAND ENTRY 1 END ===\n")
	proof, rej := Evaluate(baseStep(), root, nil, Config{RequireCommandEvidence: true})
	require.Nil(t, rej)
	require.NotNil(t, proof)
}

// ===== rework payload =====

func TestBuildRework_CarriesReasonAndCriteria(t *testing.T) {
	rej := &Rejection{StepID: "extract", ReasonCode: contracts.ReasonMissingEvidence, FailedCriteria: []string{"c1"}, Detail: "missing"}
	payload := BuildRework(rej)
	require.Equal(t, "extract", payload.StepID)
	require.Equal(t, contracts.ReasonMissingEvidence, payload.ReasonCode)
	require.Equal(t, []string{"c1"}, payload.FailedCriteria)
}
