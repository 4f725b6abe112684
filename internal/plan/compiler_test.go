// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package plan

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/daokit/daokit/internal/contracts"
)

func validStep(id string, deps ...string) contracts.Step {
	if deps == nil {
		deps = []string{}
	}
	return contracts.Step{
		ID:                 id,
		Goal:               "do work for " + id,
		Actions:            []string{"run"},
		AcceptanceCriteria: []string{"output exists"},
		ExpectedOutputs:    []contracts.ExpectedOutput{{Name: "out", Path: "artifacts/" + id + ".json"}},
		Dependencies:       deps,
	}
}

// ===== happy path =====

func TestCompile_SimpleChain(t *testing.T) {
	input := Input{
		Goal: "ship the feature",
		Steps: []contracts.Step{
			validStep("extract"),
			validStep("verify", "extract"),
		},
	}
	p, err := Compile(input)
	require.NoError(t, err)
	require.NotEmpty(t, p.TaskID)
	require.NotEmpty(t, p.RunID)
	require.Len(t, p.Steps, 2)
}

func TestCompile_DeterministicIDs(t *testing.T) {
	input := Input{
		Goal: "ship the feature",
		Steps: []contracts.Step{
			validStep("extract"),
		},
	}
	p1, err := Compile(input)
	require.NoError(t, err)
	p2, err := Compile(input)
	require.NoError(t, err)
	require.Equal(t, p1.TaskID, p2.TaskID)
	require.Equal(t, p1.RunID, p2.RunID)
}

func TestCompile_ExplicitIDsOverrideDerivation(t *testing.T) {
	input := Input{
		Goal:   "ship the feature",
		TaskID: "task-fixed",
		RunID:  "run-fixed",
		Steps:  []contracts.Step{validStep("extract")},
	}
	p, err := Compile(input)
	require.NoError(t, err)
	require.Equal(t, "task-fixed", p.TaskID)
	require.Equal(t, "run-fixed", p.RunID)
}

func TestCompile_NormalizesOutputPathAliases(t *testing.T) {
	step := validStep("extract")
	step.ExpectedOutputs = []contracts.ExpectedOutput{{Name: "out", Path: "a/./b/../b/out.json"}}
	p, err := Compile(Input{Goal: "g", Steps: []contracts.Step{step}})
	require.NoError(t, err)
	require.Equal(t, "a/b/out.json", p.Steps[0].ExpectedOutputs[0].Path)
}

// ===== required-field rejections =====

func TestCompile_RejectsEmptyGoal(t *testing.T) {
	step := validStep("extract")
	step.Goal = ""
	_, err := Compile(Input{Goal: "g", Steps: []contracts.Step{step}})
	require.Error(t, err)
	var planErrs contracts.PlanErrors
	require.True(t, errors.As(err, &planErrs))
	require.Equal(t, "empty_goal", planErrs[0].Kind)
}

func TestCompile_RejectsMissingDependenciesField(t *testing.T) {
	step := contracts.Step{
		ID: "extract", Goal: "g", Actions: []string{"run"},
		AcceptanceCriteria: []string{"ok"},
		ExpectedOutputs:     []contracts.ExpectedOutput{{Name: "o", Path: "out.json"}},
		// Dependencies left nil.
	}
	_, err := Compile(Input{Goal: "g", Steps: []contracts.Step{step}})
	require.Error(t, err)
}

// ===== duplicate detection =====

func TestCompile_RejectsDuplicateStepID(t *testing.T) {
	_, err := Compile(Input{Goal: "g", Steps: []contracts.Step{validStep("extract"), validStep("extract")}})
	require.Error(t, err)
	var planErrs contracts.PlanErrors
	require.True(t, errors.As(err, &planErrs))
	found := false
	for _, e := range planErrs {
		if e.Kind == "duplicate_step_id" {
			found = true
		}
	}
	require.True(t, found)
}

func TestCompile_RejectsDuplicateExpectedOutputAcrossSteps(t *testing.T) {
	a := validStep("a")
	b := validStep("b")
	b.ExpectedOutputs = a.ExpectedOutputs
	_, err := Compile(Input{Goal: "g", Steps: []contracts.Step{a, b}})
	require.Error(t, err)
}

// ===== dependency validation =====

func TestCompile_RejectsSelfDependency(t *testing.T) {
	_, err := Compile(Input{Goal: "g", Steps: []contracts.Step{validStep("a", "a")}})
	require.Error(t, err)
}

func TestCompile_RejectsUnknownDependency(t *testing.T) {
	_, err := Compile(Input{Goal: "g", Steps: []contracts.Step{validStep("a", "ghost")}})
	require.Error(t, err)
}

func TestCompile_AllowsDeclaredExternalDependency(t *testing.T) {
	step := validStep("a", "prior-run-output")
	step.ExternalDependencies = []string{"prior-run-output"}
	_, err := Compile(Input{Goal: "g", Steps: []contracts.Step{step}})
	require.NoError(t, err)
}

func TestCompile_RejectsCyclicDependency(t *testing.T) {
	a := validStep("a", "c")
	b := validStep("b", "a")
	c := validStep("c", "b")
	_, err := Compile(Input{Goal: "g", Steps: []contracts.Step{a, b, c}})
	require.Error(t, err)
	var planErrs contracts.PlanErrors
	require.True(t, errors.As(err, &planErrs))
	for _, e := range planErrs {
		require.Equal(t, "cyclic_dependency", e.Kind)
	}
}

func TestCompile_AcceptsDiamondDependency(t *testing.T) {
	a := validStep("a")
	b := validStep("b", "a")
	c := validStep("c", "a")
	d := validStep("d", "b", "c")
	_, err := Compile(Input{Goal: "g", Steps: []contracts.Step{a, b, c, d}})
	require.NoError(t, err)
}
