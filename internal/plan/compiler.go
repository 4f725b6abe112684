// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package plan compiles a goal plus optional pre-authored steps into a
// canonical, dispatch-ready contracts.Plan: normalized step records,
// deterministic task_id/run_id derivation, and structured rejection
// diagnostics for malformed input.
package plan

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"path"
	"sort"
	"strings"

	"github.com/daokit/daokit/internal/contracts"
)

// Input is the uncompiled plan request.
type Input struct {
	Goal        string
	Constraints []string
	Steps       []contracts.Step

	// TaskID/RunID override the derived hash when the caller already has
	// stable identifiers (e.g. resuming an existing run).
	TaskID string
	RunID  string
}

// Compile normalizes input into a canonical contracts.Plan, or returns
// contracts.PlanErrors describing every rejection found. All diagnostics
// from one compile are returned together rather than stopping at the
// first.
func Compile(input Input) (*contracts.Plan, error) {
	steps := make([]contracts.Step, len(input.Steps))
	for i, s := range input.Steps {
		steps[i] = normalizeStep(s)
	}

	var errs contracts.PlanErrors
	errs = append(errs, checkRequiredFields(steps)...)
	errs = append(errs, checkDuplicateIDs(steps)...)
	errs = append(errs, checkDuplicateOutputs(steps)...)
	errs = append(errs, checkDependencies(steps)...)
	if len(errs) == 0 {
		errs = append(errs, checkCycles(steps)...)
	}
	if len(errs) > 0 {
		return nil, errs
	}

	sort.SliceStable(steps, func(i, j int) bool { return steps[i].ID < steps[j].ID })

	taskID, runID := input.TaskID, input.RunID
	if taskID == "" || runID == "" {
		hash := canonicalHash(input.Goal, input.Constraints, steps)
		if taskID == "" {
			taskID = "task-" + hash[:16]
		}
		if runID == "" {
			runID = "run-" + hash[16:32]
		}
	}

	return &contracts.Plan{
		TaskID: taskID,
		RunID:  runID,
		Goal:   strings.TrimSpace(input.Goal),
		Steps:  steps,
	}, nil
}

// normalizeStep trims whitespace and collapses expected-output path
// aliases (e.g. "a/./b" and "a/b/" both become "a/b") so later duplicate
// checks compare on canonical identity.
func normalizeStep(s contracts.Step) contracts.Step {
	out := s
	out.ID = strings.TrimSpace(s.ID)
	out.Goal = strings.TrimSpace(s.Goal)
	out.Actions = trimAll(s.Actions)
	out.AcceptanceCriteria = trimAll(s.AcceptanceCriteria)
	out.Dependencies = trimAll(s.Dependencies)
	out.ExternalDependencies = trimAll(s.ExternalDependencies)
	out.AllowedScope = trimAll(s.AllowedScope)

	normalizedOutputs := make([]contracts.ExpectedOutput, len(s.ExpectedOutputs))
	for i, eo := range s.ExpectedOutputs {
		normalizedOutputs[i] = contracts.ExpectedOutput{
			Name: strings.TrimSpace(eo.Name),
			Path: normalizePath(eo.Path),
		}
	}
	out.ExpectedOutputs = normalizedOutputs
	return out
}

func normalizePath(p string) string {
	p = strings.TrimSpace(p)
	if p == "" {
		return p
	}
	cleaned := path.Clean(strings.ReplaceAll(p, "\\", "/"))
	return strings.TrimPrefix(cleaned, "./")
}

func trimAll(in []string) []string {
	if in == nil {
		return nil
	}
	out := make([]string, len(in))
	for i, s := range in {
		out[i] = strings.TrimSpace(s)
	}
	return out
}

func checkRequiredFields(steps []contracts.Step) contracts.PlanErrors {
	var errs contracts.PlanErrors
	for _, s := range steps {
		if s.ID == "" {
			errs = append(errs, &contracts.PlanError{Kind: "empty_step_id", StepID: s.ID, Detail: "step id must not be empty"})
			continue
		}
		if s.Goal == "" {
			errs = append(errs, &contracts.PlanError{Kind: "empty_goal", StepID: s.ID, Detail: "step goal must not be empty"})
		}
		if len(s.Actions) == 0 {
			errs = append(errs, &contracts.PlanError{Kind: "empty_actions", StepID: s.ID, Detail: "step must declare at least one action"})
		}
		if len(s.AcceptanceCriteria) == 0 {
			errs = append(errs, &contracts.PlanError{Kind: "empty_acceptance_criteria", StepID: s.ID, Detail: "step must declare at least one acceptance criterion"})
		}
		if len(s.ExpectedOutputs) == 0 {
			errs = append(errs, &contracts.PlanError{Kind: "empty_expected_outputs", StepID: s.ID, Detail: "step must declare at least one expected output"})
		}
		if s.Dependencies == nil {
			errs = append(errs, &contracts.PlanError{Kind: "missing_dependencies_field", StepID: s.ID, Detail: "dependencies must be explicit, use an empty list for none"})
		}
	}
	return errs
}

func checkDuplicateIDs(steps []contracts.Step) contracts.PlanErrors {
	var errs contracts.PlanErrors
	seen := make(map[string]bool, len(steps))
	for _, s := range steps {
		if s.ID == "" {
			continue
		}
		if seen[s.ID] {
			errs = append(errs, &contracts.PlanError{Kind: "duplicate_step_id", StepID: s.ID, Detail: "step id appears more than once in plan"})
			continue
		}
		seen[s.ID] = true
	}
	return errs
}

func checkDuplicateOutputs(steps []contracts.Step) contracts.PlanErrors {
	var errs contracts.PlanErrors
	owner := make(map[string]string, len(steps))
	for _, s := range steps {
		for _, eo := range s.ExpectedOutputs {
			if eo.Path == "" {
				continue
			}
			if prior, ok := owner[eo.Path]; ok && prior != s.ID {
				errs = append(errs, &contracts.PlanError{
					Kind: "duplicate_expected_output", StepID: s.ID,
					Detail: fmt.Sprintf("output path %q already claimed by step %q", eo.Path, prior),
				})
				continue
			}
			owner[eo.Path] = s.ID
		}
	}
	return errs
}

func checkDependencies(steps []contracts.Step) contracts.PlanErrors {
	var errs contracts.PlanErrors
	known := make(map[string]bool, len(steps))
	for _, s := range steps {
		known[s.ID] = true
	}
	for _, s := range steps {
		external := make(map[string]bool, len(s.ExternalDependencies))
		for _, d := range s.ExternalDependencies {
			external[d] = true
		}
		for _, dep := range s.Dependencies {
			if dep == s.ID {
				errs = append(errs, &contracts.PlanError{Kind: "self_dependency", StepID: s.ID, Detail: fmt.Sprintf("step depends on itself: %q", dep)})
				continue
			}
			if !known[dep] && !external[dep] {
				errs = append(errs, &contracts.PlanError{Kind: "unknown_dependency", StepID: s.ID, Detail: fmt.Sprintf("dependency %q is not a plan step or declared external_dependency", dep)})
			}
		}
	}
	return errs
}

// checkCycles runs Kahn's algorithm (iterative, no recursion) over
// internal dependencies only; external dependencies never participate in
// the cycle since they have no in-plan node.
func checkCycles(steps []contracts.Step) contracts.PlanErrors {
	known := make(map[string]bool, len(steps))
	for _, s := range steps {
		known[s.ID] = true
	}

	inDegree := make(map[string]int, len(steps))
	dependents := make(map[string][]string, len(steps))
	for _, s := range steps {
		inDegree[s.ID] = 0
	}
	for _, s := range steps {
		for _, dep := range s.Dependencies {
			if !known[dep] {
				continue // already reported by checkDependencies
			}
			dependents[dep] = append(dependents[dep], s.ID)
			inDegree[s.ID]++
		}
	}

	queue := make([]string, 0, len(steps))
	for _, s := range steps {
		if inDegree[s.ID] == 0 {
			queue = append(queue, s.ID)
		}
	}
	sort.Strings(queue)

	visited := 0
	for len(queue) > 0 {
		id := queue[0]
		queue = queue[1:]
		visited++
		next := append([]string(nil), dependents[id]...)
		sort.Strings(next)
		for _, child := range next {
			inDegree[child]--
			if inDegree[child] == 0 {
				queue = append(queue, child)
			}
		}
	}

	if visited == len(steps) {
		return nil
	}

	var errs contracts.PlanErrors
	for _, s := range steps {
		if inDegree[s.ID] > 0 {
			errs = append(errs, &contracts.PlanError{Kind: "cyclic_dependency", StepID: s.ID, Detail: "step participates in a dependency cycle"})
		}
	}
	return errs
}

// canonicalHash returns a stable hex digest over goal, constraints, and
// the normalized step set, for deterministic task_id/run_id derivation
// when the caller supplies neither.
func canonicalHash(goal string, constraints []string, steps []contracts.Step) string {
	data := struct {
		Goal        string           `json:"goal"`
		Constraints []string         `json:"constraints"`
		Steps       []contracts.Step `json:"steps"`
	}{
		Goal:        strings.TrimSpace(goal),
		Constraints: constraints,
		Steps:       steps,
	}
	raw, err := json.Marshal(data)
	if err != nil {
		// json.Marshal only fails on cyclic/unsupported types; contracts.Step
		// has neither, so this path is unreachable in practice.
		raw = []byte(goal)
	}
	sum := sha256.Sum256(raw)
	return hex.EncodeToString(sum[:])
}
