// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package lifecycle is the graph runtime: the fixed node sequence
// extract→plan→dispatch→verify→transition, its conditional and
// reliability-triggered back-edges, transition guards, and
// checkpoint/resume over the ledger.
package lifecycle

import (
	"fmt"

	"github.com/daokit/daokit/internal/contracts"
)

// Node is one of the five fixed lifecycle nodes, or a reliability state.
type Node string

const (
	NodeExtract    Node = "extract"
	NodePlan       Node = "plan"
	NodeDispatch   Node = "dispatch"
	NodeVerify     Node = "verify"
	NodeTransition Node = "transition"
	NodeDraining   Node = "DRAINING"
	NodeBlocked    Node = "BLOCKED"
	NodeTerminal   Node = "terminal"
)

// Trigger names the condition that authorizes an edge.
type Trigger string

const (
	TriggerCanonical              Trigger = "canonical"
	TriggerAcceptFailed           Trigger = "accept_failed"
	TriggerDone                   Trigger = "done"
	TriggerStaleOrSuccession      Trigger = "stale_or_succession"
	TriggerSuccessorLeaseAdopted  Trigger = "successor_accepted_and_lease_adopted"
	TriggerNoValidLease           Trigger = "no_valid_lease"
	TriggerManualRecovery         Trigger = "manual_recovery"
	TriggerReworkExhausted        Trigger = "rework_exhausted"
)

// edge is one authorized (from, trigger) -> to mapping.
type edge struct {
	from    Node
	trigger Trigger
	to      Node
}

// edges is the closed set of lifecycle transitions. Any edge not listed
// here is rejected by Guard.
var edges = []edge{
	{NodeExtract, TriggerCanonical, NodePlan},
	{NodePlan, TriggerCanonical, NodeDispatch},
	{NodeDispatch, TriggerCanonical, NodeVerify},
	{NodeVerify, TriggerCanonical, NodeTransition},
	{NodeVerify, TriggerAcceptFailed, NodeDispatch},
	{NodeTransition, TriggerDone, NodeTerminal},
	{NodeDispatch, TriggerStaleOrSuccession, NodeDraining},
	{NodeVerify, TriggerStaleOrSuccession, NodeDraining},
	{NodeDraining, TriggerSuccessorLeaseAdopted, NodeDispatch},
	{NodeDraining, TriggerNoValidLease, NodeBlocked},
	{NodeBlocked, TriggerManualRecovery, NodeDispatch},
	{NodeVerify, TriggerReworkExhausted, NodeBlocked},
}

// Guard validates that (from, trigger, to) is an authorized edge. On
// rejection it returns a *contracts.TransitionError carrying the full set
// of targets allowed from `from` via `trigger`, per the diagnostic shape
// the runtime must produce for any disallowed edge.
func Guard(from Node, trigger Trigger, to Node) error {
	var allowed []string
	for _, e := range edges {
		if e.from != from {
			continue
		}
		if e.to == to && e.trigger == trigger {
			return nil
		}
		if e.trigger == trigger {
			allowed = append(allowed, string(e.to))
		}
	}
	return &contracts.TransitionError{
		Trigger:        string(trigger),
		FromStatus:     string(from),
		ToStatus:       string(to),
		AllowedTargets: allowed,
	}
}

// AcceptanceRoute maps a verify-node reason code to its authorized
// outgoing trigger. Unknown reason codes must abort rather than fall
// through to a default route.
func AcceptanceRoute(reasonCode string) (Trigger, error) {
	switch reasonCode {
	case "ACCEPTANCE_PASSED":
		return TriggerCanonical, nil
	case contracts.ReasonMissingEvidence, contracts.ReasonUnreadableEvidence,
		contracts.ReasonInvalidEvidencePath, contracts.ReasonOutOfScopeChange,
		contracts.ReasonMissingCommandEvidence, "CRITERIA_FAILED":
		return TriggerAcceptFailed, nil
	default:
		return "", fmt.Errorf("lifecycle: unmapped verify reason code %q: route-guard diagnostic", reasonCode)
	}
}
