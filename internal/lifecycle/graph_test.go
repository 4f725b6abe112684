// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package lifecycle

import (
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/daokit/daokit/internal/contracts"
)

func TestGuard_CanonicalChainAllowed(t *testing.T) {
	require.NoError(t, Guard(NodeExtract, TriggerCanonical, NodePlan))
	require.NoError(t, Guard(NodePlan, TriggerCanonical, NodeDispatch))
	require.NoError(t, Guard(NodeDispatch, TriggerCanonical, NodeVerify))
	require.NoError(t, Guard(NodeVerify, TriggerCanonical, NodeTransition))
	require.NoError(t, Guard(NodeTransition, TriggerDone, NodeTerminal))
}

func TestGuard_ReworkLoopAllowed(t *testing.T) {
	require.NoError(t, Guard(NodeVerify, TriggerAcceptFailed, NodeDispatch))
}

func TestGuard_DrainingAndRecoveryAllowed(t *testing.T) {
	require.NoError(t, Guard(NodeDispatch, TriggerStaleOrSuccession, NodeDraining))
	require.NoError(t, Guard(NodeVerify, TriggerStaleOrSuccession, NodeDraining))
	require.NoError(t, Guard(NodeDraining, TriggerSuccessorLeaseAdopted, NodeDispatch))
	require.NoError(t, Guard(NodeDraining, TriggerNoValidLease, NodeBlocked))
	require.NoError(t, Guard(NodeBlocked, TriggerManualRecovery, NodeDispatch))
}

func TestGuard_RejectsUnauthorizedEdge(t *testing.T) {
	err := Guard(NodeExtract, TriggerCanonical, NodeVerify)
	require.Error(t, err)

	var transErr *contracts.TransitionError
	require.ErrorAs(t, err, &transErr)
	require.Equal(t, string(NodeExtract), transErr.FromStatus)
	require.Equal(t, string(NodeVerify), transErr.ToStatus)
	require.Contains(t, transErr.AllowedTargets, string(NodePlan))
}

func TestGuard_RejectsUnknownTrigger(t *testing.T) {
	err := Guard(NodeVerify, TriggerDone, NodeTransition)
	require.Error(t, err)
}

func TestAcceptanceRoute_PassedMapsToCanonical(t *testing.T) {
	trigger, err := AcceptanceRoute("ACCEPTANCE_PASSED")
	require.NoError(t, err)
	require.Equal(t, TriggerCanonical, trigger)
}

func TestAcceptanceRoute_KnownRejectionMapsToAcceptFailed(t *testing.T) {
	for _, code := range []string{
		contracts.ReasonMissingEvidence,
		contracts.ReasonUnreadableEvidence,
		contracts.ReasonInvalidEvidencePath,
		contracts.ReasonOutOfScopeChange,
		contracts.ReasonMissingCommandEvidence,
	} {
		trigger, err := AcceptanceRoute(code)
		require.NoError(t, err)
		require.Equal(t, TriggerAcceptFailed, trigger)
	}
}

func TestAcceptanceRoute_UnknownCodeErrors(t *testing.T) {
	_, err := AcceptanceRoute("SOMETHING_MADE_UP")
	require.Error(t, err)
}
