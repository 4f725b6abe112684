// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package observability builds an operator-facing diagnostics report by
// reading the ledger; it never mutates pipeline state, events, leases, or
// heartbeat status.
package observability

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"time"

	"github.com/daokit/daokit/internal/contracts"
	"github.com/daokit/daokit/internal/ledger"
	"github.com/daokit/daokit/internal/storage"
)

// HeartbeatFreshnessDiagnostic summarizes the current liveness signal for
// one run.
type HeartbeatFreshnessDiagnostic struct {
	Status              contracts.HeartbeatState
	ReasonCode          string
	SilenceSeconds      float64
	WarningAfterSeconds int
	StaleAfterSeconds   int
}

// BuildHeartbeatFreshness reads the current heartbeat status for key and
// computes silence relative to now.
func BuildHeartbeatFreshness(ctx context.Context, l *ledger.Ledger, key ledger.Key, now time.Time) (*HeartbeatFreshnessDiagnostic, error) {
	hb, err := l.Heartbeat(ctx, key)
	if err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			return &HeartbeatFreshnessDiagnostic{Status: contracts.HeartbeatIdle}, nil
		}
		return nil, fmt.Errorf("observability: read heartbeat: %w", err)
	}
	if hb == nil {
		return &HeartbeatFreshnessDiagnostic{Status: contracts.HeartbeatIdle}, nil
	}
	return &HeartbeatFreshnessDiagnostic{
		Status:              hb.Status,
		ReasonCode:          hb.ReasonCode,
		SilenceSeconds:      now.Sub(hb.LastHeartbeatAt).Seconds(),
		WarningAfterSeconds: hb.WarningAfterSeconds,
		StaleAfterSeconds:   hb.StaleAfterSeconds,
	}, nil
}

// LeaseTransitionDiagnostic is either a snapshot of one current lease or an
// event-sourced transition derived from the ledger's event log.
type LeaseTransitionDiagnostic struct {
	StepID       string
	Lane         string
	Status       contracts.LeaseStatus
	FromStatus   string
	ToStatus     string
	TransitionAt time.Time
	Reason       string
}

// BuildLeaseSnapshot returns one diagnostic per currently recorded lease
// for key, reflecting its present status rather than its history.
func BuildLeaseSnapshot(ctx context.Context, l *ledger.Ledger, key ledger.Key) ([]*LeaseTransitionDiagnostic, error) {
	leases, err := l.Leases(ctx, key)
	if err != nil {
		return nil, fmt.Errorf("observability: read leases: %w", err)
	}
	out := make([]*LeaseTransitionDiagnostic, 0, len(leases))
	for _, lse := range leases {
		out = append(out, &LeaseTransitionDiagnostic{
			StepID: lse.StepID, Lane: lse.Lane, Status: lse.Status,
			ToStatus: string(lse.Status), TransitionAt: lse.Expiry,
		})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].StepID < out[j].StepID })
	return out, nil
}

var leaseEventTypes = map[contracts.EventType]bool{
	contracts.EventLeaseTakeover:   true,
	contracts.EventLeaseAdopted:    true,
	contracts.EventLeaseNotAdopted: true,
}

// BuildLeaseTransitionsFromEvents derives lease transition diagnostics from
// the lease-related events in the ledger, in the order they occurred.
func BuildLeaseTransitionsFromEvents(ctx context.Context, l *ledger.Ledger, key ledger.Key, sinceEventID int64, limit int) ([]*LeaseTransitionDiagnostic, error) {
	events, err := l.Events(ctx, key, sinceEventID, limit)
	if err != nil {
		return nil, fmt.Errorf("observability: read events: %w", err)
	}
	var out []*LeaseTransitionDiagnostic
	for _, e := range events {
		if !leaseEventTypes[e.EventType] {
			continue
		}
		reason, _ := e.Payload["reason"].(string)
		out = append(out, &LeaseTransitionDiagnostic{
			StepID:       e.Correlation.StepID,
			ToStatus:     string(e.EventType),
			TransitionAt: e.Timestamp,
			Reason:       reason,
		})
	}
	return out, nil
}

// TakeoverDiagnostic summarizes one succession takeover decision.
type TakeoverDiagnostic struct {
	TriggerReason          string
	DecisionAt             time.Time
	TakeoverAt             time.Time
	DecisionLatencySeconds *float64
	AdoptedStepIDs         []string
	FailedStepIDs          []string
}

// AdoptionResult mirrors the shape BatchTakeoverRun returns, decoupling
// this package from importing the lease registry directly.
type AdoptionResult struct {
	AdoptedStepIDs []string
	FailedStepIDs  []string
	TakeoverAt     time.Time
}

// BuildTakeoverDiagnostic derives a diagnostic from an adoption result and
// the time the takeover was decided. A negative latency (takeover recorded
// before its own decision, a clock or ordering anomaly) is reported as nil
// rather than a misleading negative number.
func BuildTakeoverDiagnostic(triggerReason string, decisionAt time.Time, result AdoptionResult) *TakeoverDiagnostic {
	d := &TakeoverDiagnostic{
		TriggerReason:  triggerReason,
		DecisionAt:     decisionAt,
		TakeoverAt:     result.TakeoverAt,
		AdoptedStepIDs: append([]string(nil), result.AdoptedStepIDs...),
		FailedStepIDs:  append([]string(nil), result.FailedStepIDs...),
	}
	latency := result.TakeoverAt.Sub(decisionAt).Seconds()
	if latency >= 0 {
		d.DecisionLatencySeconds = &latency
	}
	return d
}

// TimelineEntry is one row of the merged operator timeline.
type TimelineEntry struct {
	OccurredAt  time.Time
	EventID     int64
	EventType   contracts.EventType
	StepID      string
	Severity    contracts.Severity
	Correlation contracts.Correlation
	Payload     map[string]interface{}
}

var timelineEventTypes = map[contracts.EventType]bool{
	contracts.EventHeartbeatWarning:   true,
	contracts.EventHeartbeatStale:     true,
	contracts.EventLeaseTakeover:      true,
	contracts.EventLeaseAdopted:       true,
	contracts.EventLeaseNotAdopted:    true,
	contracts.EventSuccessionAccepted: true,
}

// BuildOperatorTimeline merges heartbeat/lease/takeover events for key into
// a single deterministically ordered view: by occurred-at timestamp, then
// event_id, then event_type, then step_id.
func BuildOperatorTimeline(ctx context.Context, l *ledger.Ledger, key ledger.Key, sinceEventID int64, limit int) ([]*TimelineEntry, error) {
	events, err := l.Events(ctx, key, sinceEventID, limit)
	if err != nil {
		return nil, fmt.Errorf("observability: read events: %w", err)
	}
	var out []*TimelineEntry
	for _, e := range events {
		if !timelineEventTypes[e.EventType] {
			continue
		}
		out = append(out, &TimelineEntry{
			OccurredAt: e.Timestamp, EventID: e.EventID, EventType: e.EventType,
			StepID: e.Correlation.StepID, Severity: e.Severity,
			Correlation: e.Correlation, Payload: e.Payload,
		})
	}
	sort.Slice(out, func(i, j int) bool {
		a, b := out[i], out[j]
		if !a.OccurredAt.Equal(b.OccurredAt) {
			return a.OccurredAt.Before(b.OccurredAt)
		}
		if a.EventID != b.EventID {
			return a.EventID < b.EventID
		}
		if a.EventType != b.EventType {
			return a.EventType < b.EventType
		}
		return a.StepID < b.StepID
	})
	return out, nil
}
