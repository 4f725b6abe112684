// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package lifecycle

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/daokit/daokit/internal/acceptance"
	"github.com/daokit/daokit/internal/contracts"
	"github.com/daokit/daokit/internal/dispatch"
	"github.com/daokit/daokit/internal/heartbeat"
	"github.com/daokit/daokit/internal/ledger"
	"github.com/daokit/daokit/internal/lease"
	"github.com/daokit/daokit/internal/obs/logging"
	"github.com/daokit/daokit/internal/obs/metrics"
	"github.com/daokit/daokit/internal/storage"
)

var tracer = otel.Tracer("daokit.lifecycle")

// ErrRunInterrupted is returned by Run when ctx is canceled cooperatively
// mid-run; the CLI layer maps this to exit code 130.
var ErrRunInterrupted = errors.New("lifecycle: run interrupted")

// ErrRunDraining is returned by runStep when a step's dispatch attempt is
// abandoned mid-flight because the heartbeat evaluator declared the run
// stale: an operator must run takeover before the pipeline can resume.
// Run and ResumeRun report it as the DRAINING status with a nil error.
var ErrRunDraining = errors.New("lifecycle: run entered DRAINING on heartbeat stale")

// heartbeatPollInterval is how often runStep checks liveness against the
// configured thresholds while a dispatch attempt is in flight.
const heartbeatPollInterval = 30 * time.Second

// DispatchRequest, DispatchResult, and Dispatcher are re-exported from the
// dispatch package so callers need not import it directly for the common
// case of driving a Runtime.
type (
	DispatchRequest = dispatch.Request
	DispatchResult  = dispatch.Result
	Dispatcher      = dispatch.Adapter
)

// Options configures a Runtime.
type Options struct {
	Lane                   string
	ThreadID               string
	PID                    int
	ReworkBound            int
	AllowedScopeDefault    []string
	RequireCommandEvidence bool
	LeaseTTL               time.Duration
	HeartbeatThresholds    heartbeat.Thresholds

	// Metrics receives lifecycle transition, rework, and heartbeat
	// observations. Nil disables instrumentation.
	Metrics *metrics.RunMetrics
}

// Runtime drives one pipeline run through the fixed node graph.
type Runtime struct {
	ledger     *ledger.Ledger
	leases     *lease.Registry
	heartbeats *heartbeat.Evaluator
	dispatcher Dispatcher
	opts       Options
	logger     *logging.Logger
	metrics    *metrics.RunMetrics
}

// New constructs a Runtime.
func New(l *ledger.Ledger, dispatcher Dispatcher, opts Options, logger *logging.Logger) *Runtime {
	if logger == nil {
		logger = logging.Default()
	}
	if opts.ReworkBound <= 0 {
		opts.ReworkBound = 3
	}
	if opts.LeaseTTL <= 0 {
		opts.LeaseTTL = 10 * time.Minute
	}
	return &Runtime{
		ledger:     l,
		leases:     lease.New(l, opts.LeaseTTL),
		heartbeats: heartbeat.New(l, opts.HeartbeatThresholds, logger),
		dispatcher: dispatcher,
		opts:       opts,
		logger:     logger,
		metrics:    opts.Metrics,
	}
}

// recordTransition reports a Guard-authorized trigger to the metrics
// sink, if one is configured.
func (r *Runtime) recordTransition(trigger Trigger) {
	if r.metrics != nil {
		r.metrics.RecordTransition(string(trigger))
	}
}

// Run drives plan's steps to completion, starting a fresh pipeline state.
// It returns the terminal status, or an error carrying ReasonRunFailed /
// ErrRunInterrupted semantics.
func (r *Runtime) Run(ctx context.Context, plan *contracts.Plan, evidenceRoot string) (status contracts.PipelineStatus, err error) {
	ctx, span := tracer.Start(ctx, "lifecycle.Run",
		trace.WithAttributes(
			attribute.String("daokit.task_id", plan.TaskID),
			attribute.String("daokit.run_id", plan.RunID),
			attribute.Int("daokit.step_count", len(plan.Steps)),
		),
	)
	defer func() {
		if err != nil {
			span.RecordError(err)
			span.SetStatus(codes.Error, err.Error())
		} else {
			span.SetStatus(codes.Ok, "")
		}
		span.End()
	}()

	key := ledger.Key{TaskID: plan.TaskID, RunID: plan.RunID}
	now := time.Now().UTC()

	steps := make([]contracts.StepState, len(plan.Steps))
	for i, s := range plan.Steps {
		steps[i] = contracts.StepState{ID: s.ID, Status: contracts.StepPending}
	}
	state := &contracts.PipelineState{
		TaskID: plan.TaskID, RunID: plan.RunID, Goal: plan.Goal,
		Status: contracts.StatusPlanning, Steps: steps,
		RoleLifecycle: map[string]string{},
	}
	if err := r.ledger.CommitTransition(ctx, state, &contracts.Event{
		EventType: contracts.EventLifecycleTransition, Severity: contracts.SeverityInfo,
		Correlation: contracts.Correlation{TaskID: key.TaskID, RunID: key.RunID},
		Payload:     map[string]interface{}{"node": string(NodeExtract)},
	}); err != nil {
		return "", fmt.Errorf("lifecycle: run: init state: %w", err)
	}
	if _, err := WriteCheckpoint(ctx, r.ledger, key, NodeExtract, state, now); err != nil {
		return "", err
	}

	state.Status = contracts.StatusAnalysis
	if err := r.ledger.CommitTransition(ctx, state, nil); err != nil {
		return "", err
	}
	if _, err := WriteCheckpoint(ctx, r.ledger, key, NodePlan, state, now); err != nil {
		return "", err
	}

	order, err := topoOrder(plan.Steps)
	if err != nil {
		return "", fmt.Errorf("lifecycle: run: %w", err)
	}

	stepByID := make(map[string]contracts.Step, len(plan.Steps))
	for _, s := range plan.Steps {
		stepByID[s.ID] = s
	}

	state.Status = contracts.StatusExecute
	if err := r.ledger.CommitTransition(ctx, state, nil); err != nil {
		return "", err
	}

	for _, stepID := range order {
		if err := ctx.Err(); err != nil {
			return "", ErrRunInterrupted
		}
		stepStatus, err := r.runStep(ctx, key, state, stepByID[stepID], evidenceRoot)
		if err != nil {
			if errors.Is(err, ErrRunDraining) {
				return state.Status, nil
			}
			return "", err
		}
		if stepStatus != contracts.StepAccepted && stepStatus != contracts.StepDone {
			return r.failStepBlocked(ctx, key, state, stepID, stepStatus)
		}
	}

	return r.finalizeDone(ctx, key, state)
}

// ResumeRun continues a previously checkpointed run against the
// caller-supplied plan, driving only stepIDs (the resumable set a handoff
// package's ResumePlan names) rather than reinitializing pipeline state.
// The ledger never persists a step's definition, only its StepState, so
// the caller must re-supply the same step definitions the original run
// compiled from.
func (r *Runtime) ResumeRun(ctx context.Context, plan *contracts.Plan, evidenceRoot string, stepIDs []string) (status contracts.PipelineStatus, err error) {
	key := ledger.Key{TaskID: plan.TaskID, RunID: plan.RunID}

	verified, err := Resume(ctx, r.ledger, key)
	if err != nil {
		return "", fmt.Errorf("lifecycle: resume run: %w", err)
	}
	state := verified.Snapshot
	if state.Status == contracts.StatusDraining || state.Status == contracts.StatusBlocked {
		return "", fmt.Errorf("lifecycle: resume run: pipeline is %s; run takeover before resuming", state.Status)
	}

	stepByID := make(map[string]contracts.Step, len(plan.Steps))
	for _, s := range plan.Steps {
		stepByID[s.ID] = s
	}

	state.Status = contracts.StatusExecute
	if err := r.ledger.CommitTransition(ctx, state, nil); err != nil {
		return "", err
	}

	for _, stepID := range stepIDs {
		if err := ctx.Err(); err != nil {
			return "", ErrRunInterrupted
		}
		step, ok := stepByID[stepID]
		if !ok {
			return "", fmt.Errorf("lifecycle: resume run: step %q not present in supplied plan", stepID)
		}
		stepStatus, err := r.runStep(ctx, key, state, step, evidenceRoot)
		if err != nil {
			if errors.Is(err, ErrRunDraining) {
				return state.Status, nil
			}
			return "", err
		}
		if stepStatus != contracts.StepAccepted && stepStatus != contracts.StepDone {
			return r.failStepBlocked(ctx, key, state, stepID, stepStatus)
		}
	}

	return r.finalizeDone(ctx, key, state)
}

// failStepBlocked routes a step's terminal non-acceptance into BLOCKED
// through the guarded rework_exhausted edge rather than assigning the
// pipeline status directly.
func (r *Runtime) failStepBlocked(ctx context.Context, key ledger.Key, state *contracts.PipelineState, stepID string, stepStatus contracts.StepStatus) (contracts.PipelineStatus, error) {
	if err := Guard(NodeVerify, TriggerReworkExhausted, NodeBlocked); err != nil {
		return "", err
	}
	r.recordTransition(TriggerReworkExhausted)
	state.Status = contracts.StatusBlocked
	if err := r.ledger.CommitTransition(ctx, state, &contracts.Event{
		EventType: contracts.EventLifecycleTransition, Severity: contracts.SeverityError,
		Correlation: contracts.Correlation{TaskID: key.TaskID, RunID: key.RunID, StepID: stepID},
		Payload:     map[string]interface{}{"node": string(NodeBlocked), "trigger": string(TriggerReworkExhausted)},
	}); err != nil {
		return "", err
	}
	return state.Status, fmt.Errorf("lifecycle: run: step %q ended in %s: %w", stepID, stepStatus, errors.New(contracts.ReasonRunFailed))
}

// finalizeDone commits the terminal DONE transition shared by a
// fresh Run and a ResumeRun that finishes its remaining steps.
func (r *Runtime) finalizeDone(ctx context.Context, key ledger.Key, state *contracts.PipelineState) (contracts.PipelineStatus, error) {
	state.Status = contracts.StatusDone
	state.CurrentStepID = ""
	if err := r.ledger.CommitTransition(ctx, state, &contracts.Event{
		EventType: contracts.EventRunDone, Severity: contracts.SeverityInfo,
		Correlation: contracts.Correlation{TaskID: key.TaskID, RunID: key.RunID},
	}); err != nil {
		return "", err
	}
	if _, err := WriteCheckpoint(ctx, r.ledger, key, NodeTransition, state, time.Now().UTC()); err != nil {
		return "", err
	}
	return state.Status, nil
}

// runStep drives one step through dispatch -> verify -> transition,
// looping back to dispatch on rework up to the configured bound.
func (r *Runtime) runStep(ctx context.Context, key ledger.Key, state *contracts.PipelineState, step contracts.Step, evidenceRoot string) (stepStatus contracts.StepStatus, err error) {
	ctx, span := tracer.Start(ctx, "lifecycle.runStep",
		trace.WithAttributes(
			attribute.String("daokit.step_id", step.ID),
		),
	)
	defer func() {
		span.SetAttributes(attribute.String("daokit.step_status", string(stepStatus)))
		if err != nil {
			span.RecordError(err)
			span.SetStatus(codes.Error, err.Error())
		} else {
			span.SetStatus(codes.Ok, "")
		}
		span.End()
	}()

	state.CurrentStepID = step.ID
	if s := state.StepByID(step.ID); s != nil {
		s.Status = contracts.StepRunning
	}
	if err := r.ledger.CommitTransition(ctx, state, &contracts.Event{
		EventType: contracts.EventStepStarted, Severity: contracts.SeverityInfo,
		Correlation: contracts.Correlation{TaskID: key.TaskID, RunID: key.RunID, StepID: step.ID},
	}); err != nil {
		return "", err
	}

	now := time.Now().UTC()
	if _, err := r.leases.Register(ctx, key.TaskID, key.RunID, step.ID, r.opts.Lane, r.opts.ThreadID, r.opts.PID, now); err != nil {
		return "", fmt.Errorf("lifecycle: register lease for %s: %w", step.ID, err)
	}

	req := DispatchRequest{TaskID: key.TaskID, RunID: key.RunID, StepID: step.ID, ThreadID: r.opts.ThreadID, Step: step, EvidenceRoot: evidenceRoot}

	var result DispatchResult
	var rejection *acceptance.Rejection
	scope := step.AllowedScope
	if len(scope) == 0 {
		scope = r.opts.AllowedScopeDefault
	}
	acceptanceCfg := acceptance.Config{AllowedScope: scope, RequireCommandEvidence: r.opts.RequireCommandEvidence}

	reworkBound := r.opts.ReworkBound
	if step.MaxRework > 0 {
		reworkBound = step.MaxRework
	}
	reworkCount := 0
	for {
		result, err = r.dispatchWithHeartbeat(ctx, key, state, step, evidenceRoot, req, reworkCount, rejection)
		if err != nil {
			if errors.Is(err, ErrRunDraining) {
				return contracts.StepRunning, err
			}
			if ctx.Err() != nil {
				return "", ErrRunInterrupted
			}
			return "", fmt.Errorf("lifecycle: dispatch step %s: %w", step.ID, err)
		}

		if err := r.ledger.CommitTransition(ctx, state, nil); err != nil {
			return "", err
		}
		if _, err := WriteCheckpoint(ctx, r.ledger, key, NodeDispatch, state, time.Now().UTC()); err != nil {
			return "", err
		}

		proof, rej := acceptance.Evaluate(step, evidenceRoot, result.ChangedFiles, acceptanceCfg)
		rejection = rej
		if proof != nil {
			if err := Guard(NodeVerify, TriggerCanonical, NodeTransition); err != nil {
				return "", err
			}
			r.recordTransition(TriggerCanonical)
			if err := r.ledger.AppendEvent(ctx, key, &contracts.Event{
				EventType: contracts.EventAcceptancePassed, Severity: contracts.SeverityInfo,
				Correlation: contracts.Correlation{TaskID: key.TaskID, RunID: key.RunID, StepID: step.ID},
				Payload:     map[string]interface{}{"proof_id": proof.ProofID},
			}); err != nil {
				return "", err
			}
			break
		}

		trigger, routeErr := AcceptanceRoute(rejection.ReasonCode)
		if routeErr != nil {
			return "", fmt.Errorf("lifecycle: verify step %s: %w", step.ID, routeErr)
		}
		if err := Guard(NodeVerify, trigger, NodeDispatch); err != nil {
			return "", fmt.Errorf("lifecycle: verify step %s: %w", step.ID, err)
		}
		r.recordTransition(trigger)
		if err := r.ledger.AppendEvent(ctx, key, &contracts.Event{
			EventType: contracts.EventAcceptanceFailed, Severity: contracts.SeverityWarn,
			Correlation: contracts.Correlation{TaskID: key.TaskID, RunID: key.RunID, StepID: step.ID},
			Payload:     map[string]interface{}{"reason_code": rejection.ReasonCode, "detail": rejection.Detail},
		}); err != nil {
			return "", err
		}

		reworkCount++
		if reworkCount > reworkBound {
			if s := state.StepByID(step.ID); s != nil {
				s.Status = contracts.StepFailed
			}
			if state.RoleLifecycle == nil {
				state.RoleLifecycle = map[string]string{}
			}
			state.RoleLifecycle["step:"+step.ID] = contracts.ReasonReworkExhausted
			if err := r.ledger.CommitTransition(ctx, state, &contracts.Event{
				EventType: contracts.EventStepFailed, Severity: contracts.SeverityError,
				Correlation: contracts.Correlation{TaskID: key.TaskID, RunID: key.RunID, StepID: step.ID},
				Payload:     map[string]interface{}{"reason_code": contracts.ReasonReworkExhausted},
			}); err != nil {
				return "", err
			}
			return contracts.StepFailed, nil
		}
		if err := r.ledger.AppendEvent(ctx, key, &contracts.Event{
			EventType: contracts.EventReworkEmitted, Severity: contracts.SeverityWarn,
			Correlation: contracts.Correlation{TaskID: key.TaskID, RunID: key.RunID, StepID: step.ID},
		}); err != nil {
			return "", err
		}
		if r.metrics != nil {
			r.metrics.RecordReworkLoop(step.ID)
		}
	}

	if _, err := WriteCheckpoint(ctx, r.ledger, key, NodeVerify, state, time.Now().UTC()); err != nil {
		return "", err
	}

	if s := state.StepByID(step.ID); s != nil {
		s.Status = contracts.StepAccepted
	}
	if err := r.ledger.CommitTransition(ctx, state, &contracts.Event{
		EventType: contracts.EventStepCompleted, Severity: contracts.SeverityInfo,
		Correlation: contracts.Correlation{TaskID: key.TaskID, RunID: key.RunID, StepID: step.ID},
	}); err != nil {
		return "", err
	}
	if _, err := WriteCheckpoint(ctx, r.ledger, key, NodeTransition, state, time.Now().UTC()); err != nil {
		return "", err
	}
	if err := r.leases.Release(ctx, key, step.ID, mustCurrentLeaseToken(ctx, r.ledger, key, step.ID), time.Now().UTC()); err != nil {
		r.logger.Warn("release lease after acceptance failed", "step_id", step.ID, "error", err.Error())
	}

	return contracts.StepAccepted, nil
}

// dispatchWithHeartbeat runs one Create/Rework attempt racing against a
// liveness monitor: if the heartbeat evaluator declares the run stale
// before the dispatcher returns, the attempt's context is canceled and
// the step transitions to DRAINING instead of waiting indefinitely on a
// silent dispatcher.
func (r *Runtime) dispatchWithHeartbeat(ctx context.Context, key ledger.Key, state *contracts.PipelineState, step contracts.Step, evidenceRoot string, req DispatchRequest, reworkCount int, rejection *acceptance.Rejection) (DispatchResult, error) {
	attemptCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	staleCh := make(chan *contracts.HeartbeatStatus, 1)
	go r.monitorHeartbeat(attemptCtx, key, evidenceRoot, staleCh)

	type outcome struct {
		result DispatchResult
		err    error
	}
	outcomeCh := make(chan outcome, 1)
	go func() {
		var o outcome
		if reworkCount == 0 {
			o.result, o.err = r.dispatcher.Create(attemptCtx, req)
		} else {
			o.result, o.err = r.dispatcher.Rework(attemptCtx, req, acceptance.BuildRework(rejection))
		}
		outcomeCh <- o
	}()

	select {
	case o := <-outcomeCh:
		return o.result, o.err
	case status := <-staleCh:
		cancel()
		if err := r.enterDraining(ctx, key, state, step.ID, status); err != nil {
			return DispatchResult{}, err
		}
		return DispatchResult{}, ErrRunDraining
	}
}

// monitorHeartbeat polls heartbeat.LastActivity/Evaluate on
// heartbeatPollInterval until ctx is canceled or a STALE verdict is
// reached, in which case it sends once on stale and returns.
func (r *Runtime) monitorHeartbeat(ctx context.Context, key ledger.Key, evidenceRoot string, stale chan<- *contracts.HeartbeatStatus) {
	ticker := time.NewTicker(heartbeatPollInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			now := time.Now().UTC()
			last := heartbeat.LastActivity(time.Time{}, evidenceRoot)
			status, err := r.heartbeats.Evaluate(ctx, key, true, last, now)
			if err != nil {
				r.logger.Warn("heartbeat evaluate failed", "task_id", key.TaskID, "run_id", key.RunID, "error", err.Error())
				continue
			}
			if r.metrics != nil {
				r.metrics.ObserveHeartbeatSilence(key.TaskID, key.RunID, now.Sub(last).Seconds())
			}
			if status.Status == contracts.HeartbeatStale {
				stale <- status
				return
			}
		}
	}
}

// enterDraining authorizes and commits the dispatch->DRAINING edge a
// heartbeat-stale verdict triggers.
func (r *Runtime) enterDraining(ctx context.Context, key ledger.Key, state *contracts.PipelineState, stepID string, status *contracts.HeartbeatStatus) error {
	if err := Guard(NodeDispatch, TriggerStaleOrSuccession, NodeDraining); err != nil {
		return err
	}
	r.recordTransition(TriggerStaleOrSuccession)
	state.Status = contracts.StatusDraining
	return r.ledger.CommitTransition(ctx, state, &contracts.Event{
		EventType: contracts.EventLifecycleTransition, Severity: contracts.SeverityWarn,
		Correlation: contracts.Correlation{TaskID: key.TaskID, RunID: key.RunID, StepID: stepID},
		Payload:     map[string]interface{}{"node": string(NodeDraining), "trigger": string(TriggerStaleOrSuccession), "reason_code": status.ReasonCode},
	})
}

// mustCurrentLeaseToken reads back the step's active lease token for
// release. Best-effort: an empty token causes Release to fail safely
// rather than panic.
func mustCurrentLeaseToken(ctx context.Context, l *ledger.Ledger, key ledger.Key, stepID string) string {
	active, err := l.ActiveLease(ctx, key, stepID, time.Now().UTC())
	if err != nil || active == nil {
		return ""
	}
	return active.LeaseToken
}

// Resume verifies the newest consistent checkpoint and reports which
// steps remain resumable. It does not itself re-enter the dispatch loop;
// callers combine it with Run semantics once a handoff/takeover has
// re-established leases.
func (r *Runtime) Resume(ctx context.Context, key ledger.Key) (*contracts.PipelineState, error) {
	verified, err := Resume(ctx, r.ledger, key)
	if err != nil {
		return nil, fmt.Errorf("lifecycle: resume: %w", err)
	}
	return verified.Snapshot, nil
}

// StatusView is the aggregate view the `status` command and status()
// contract return.
type StatusView struct {
	State          *contracts.PipelineState
	Leases         []*contracts.Lease
	Heartbeat      *contracts.HeartbeatStatus
	HandoffPointer *contracts.HandoffPackage
}

// Status returns the aggregate view: pipeline state, leases, heartbeat,
// and the handoff package pointer for this run, if one was ever saved.
func (r *Runtime) Status(ctx context.Context, key ledger.Key) (*StatusView, error) {
	state, err := r.ledger.ReadState(ctx, key)
	if err != nil {
		return nil, err
	}
	leases, err := r.ledger.Leases(ctx, key)
	if err != nil {
		return nil, err
	}
	hb, err := r.ledger.Heartbeat(ctx, key)
	if err != nil {
		if !errors.Is(err, storage.ErrNotFound) {
			return nil, fmt.Errorf("lifecycle: status: read heartbeat: %w", err)
		}
		hb = nil
	}
	handoff, err := r.ledger.LoadHandoff(ctx, key, "")
	if err != nil {
		if !errors.Is(err, storage.ErrNotFound) {
			return nil, fmt.Errorf("lifecycle: status: read handoff: %w", err)
		}
		handoff = nil
	}
	return &StatusView{State: state, Leases: leases, Heartbeat: hb, HandoffPointer: handoff}, nil
}

// topoOrder returns a dependency-respecting, deterministic execution
// order via iterative (non-recursive) Kahn's algorithm. The plan compiler
// already rejects cycles, so this only errs if called on an uncompiled
// step set.
func topoOrder(steps []contracts.Step) ([]string, error) {
	inDegree := make(map[string]int, len(steps))
	dependents := make(map[string][]string, len(steps))
	known := make(map[string]bool, len(steps))
	for _, s := range steps {
		known[s.ID] = true
		inDegree[s.ID] = 0
	}
	for _, s := range steps {
		for _, dep := range s.Dependencies {
			if !known[dep] {
				continue
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

	var order []string
	for len(queue) > 0 {
		id := queue[0]
		queue = queue[1:]
		order = append(order, id)
		next := append([]string(nil), dependents[id]...)
		sort.Strings(next)
		for _, child := range next {
			inDegree[child]--
			if inDegree[child] == 0 {
				queue = append(queue, child)
			}
		}
	}
	if len(order) != len(steps) {
		return nil, fmt.Errorf("step set contains a dependency cycle (should have been rejected at plan compile time)")
	}
	return order, nil
}
