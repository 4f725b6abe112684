// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package subprocess is the dispatch backend that drives a bounded child
// process per call: dedicated reader goroutines for stdout and stderr, an
// overall timeout, and best-effort parsing of the captured stdout.
package subprocess

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os/exec"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/daokit/daokit/internal/acceptance"
	"github.com/daokit/daokit/internal/dispatch"
	"github.com/daokit/daokit/internal/obs/logging"
)

// maxCapturedBytes bounds how much of a single stream this backend will
// hold in memory per call.
const maxCapturedBytes = 4 * 1024 * 1024

// Config configures the subprocess backend.
type Config struct {
	// Command is the executable invoked for every call with Args as
	// given; the backend adds no flags of its own, and the action and
	// step are recorded only in the call's request artifact.
	Command      string
	Args         []string
	Timeout      time.Duration
	ArtifactRoot string
}

// Backend implements dispatch.Adapter over a bounded child process.
type Backend struct {
	cfg    Config
	logger *logging.Logger
}

// New constructs a subprocess Backend.
func New(cfg Config, logger *logging.Logger) *Backend {
	if logger == nil {
		logger = logging.Default()
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 2 * time.Minute
	}
	return &Backend{cfg: cfg, logger: logger}
}

type requestRecord struct {
	Action  string                 `json:"action"`
	Command string                 `json:"command"`
	Args    []string               `json:"args"`
	Step    map[string]interface{} `json:"step"`
	Rework  *acceptance.ReworkPayload `json:"rework,omitempty"`
}

type errorRecord struct {
	ExitCode   int    `json:"exit_code,omitempty"`
	TimedOut   bool   `json:"timed_out,omitempty"`
	Message    string `json:"message,omitempty"`
	Retryable  bool   `json:"retryable,omitempty"`
}

func (b *Backend) Create(ctx context.Context, req dispatch.Request) (dispatch.Result, error) {
	return b.call(ctx, "create", req, nil)
}

func (b *Backend) Resume(ctx context.Context, req dispatch.Request) (dispatch.Result, error) {
	return b.call(ctx, "resume", req, nil)
}

func (b *Backend) Rework(ctx context.Context, req dispatch.Request, payload *acceptance.ReworkPayload) (dispatch.Result, error) {
	return b.call(ctx, "rework", req, payload)
}

// call runs one bounded child process invocation and writes its artifact
// trio at the deterministic call path.
func (b *Backend) call(ctx context.Context, action string, req dispatch.Request, rework *acceptance.ReworkPayload) (dispatch.Result, error) {
	n, err := dispatch.NextCallNumber(b.cfg.ArtifactRoot, req.TaskID, req.RunID, req.StepID, req.ThreadID, action)
	if err != nil {
		return dispatch.Result{}, err
	}

	stepPayload, err := stepToMap(req)
	if err != nil {
		return dispatch.Result{}, err
	}
	request := requestRecord{Action: action, Command: b.cfg.Command, Args: b.cfg.Args, Step: stepPayload, Rework: rework}

	callCtx, cancel := context.WithTimeout(ctx, b.cfg.Timeout)
	defer cancel()

	cmd := exec.CommandContext(callCtx, b.cfg.Command, b.cfg.Args...)
	cmd.Dir = req.EvidenceRoot

	stdoutPipe, err := cmd.StdoutPipe()
	if err != nil {
		return dispatch.Result{}, fmt.Errorf("subprocess: stdout pipe: %w", err)
	}
	stderrPipe, err := cmd.StderrPipe()
	if err != nil {
		return dispatch.Result{}, fmt.Errorf("subprocess: stderr pipe: %w", err)
	}

	if err := cmd.Start(); err != nil {
		return b.finish(req, action, n, request, nil, fmt.Errorf("subprocess: start: %w", err), false)
	}

	var stdout, stderr bytes.Buffer
	g, _ := errgroup.WithContext(callCtx)
	g.Go(func() error { return drain(&stdout, stdoutPipe) })
	g.Go(func() error { return drain(&stderr, stderrPipe) })

	readErr := g.Wait()
	runErr := cmd.Wait()

	timedOut := callCtx.Err() == context.DeadlineExceeded
	if readErr != nil && runErr == nil {
		runErr = readErr
	}

	parsed := dispatch.ParseOutput(stdout.String())
	if stderr.Len() > 0 {
		parsed["stderr"] = stderr.String()
	}

	if timedOut {
		return b.finish(req, action, n, request, parsed, fmt.Errorf("subprocess: call timed out after %s: %w", b.cfg.Timeout, context.DeadlineExceeded), true)
	}
	if runErr != nil {
		if exitErr, ok := runErr.(*exec.ExitError); ok {
			retryable := isRetryableExit(exitErr.ExitCode())
			return b.finish(req, action, n, request, parsed, fmt.Errorf("subprocess: exited %d: %w", exitErr.ExitCode(), exitErr), retryable)
		}
		return b.finish(req, action, n, request, parsed, fmt.Errorf("subprocess: %w", runErr), false)
	}

	paths, err := dispatch.WriteCallArtifacts(b.cfg.ArtifactRoot, req.TaskID, req.RunID, req.StepID, req.ThreadID, action, n, request, parsed, nil)
	if err != nil {
		return dispatch.Result{}, err
	}
	b.logger.Info("subprocess dispatch call completed", "step_id", req.StepID, "action", action, "artifacts", paths.Dir)

	return dispatch.Result{ChangedFiles: dispatch.ChangedFilesFromOutput(parsed)}, nil
}

// finish writes the artifact trio for a failed call and returns the error
// to the lifecycle runtime. The runtime does not pass a failed call on to
// the verify node: runStep returns the error and the run fails.
func (b *Backend) finish(req dispatch.Request, action string, n int, request requestRecord, parsed map[string]interface{}, callErr error, retryable bool) (dispatch.Result, error) {
	if parsed == nil {
		parsed = map[string]interface{}{}
	}
	rec := errorRecord{Message: callErr.Error(), Retryable: retryable, TimedOut: errors.Is(callErr, context.DeadlineExceeded)}
	var exitErr *exec.ExitError
	if errors.As(callErr, &exitErr) {
		rec.ExitCode = exitErr.ExitCode()
	}
	if _, err := dispatch.WriteCallArtifacts(b.cfg.ArtifactRoot, req.TaskID, req.RunID, req.StepID, req.ThreadID, action, n, request, parsed, rec); err != nil {
		return dispatch.Result{}, err
	}
	return dispatch.Result{}, callErr
}

// isRetryableExit classifies a nonzero subprocess exit code. By
// convention, exit codes 64-79 (EX_* in sysexits.h) signal usage/data
// errors the caller should not retry; anything else is treated as
// transient and retryable via rework.
func isRetryableExit(code int) bool {
	return code < 64 || code > 79
}

// drain copies everything from r into buf on its own goroutine, bounded
// by maxCapturedBytes; excess output is silently discarded rather than
// blocking the child process.
func drain(buf *bytes.Buffer, r io.Reader) error {
	_, err := io.Copy(&limitedWriter{buf: buf, limit: maxCapturedBytes}, r)
	if err != nil && err != io.EOF {
		return err
	}
	return nil
}

type limitedWriter struct {
	buf   *bytes.Buffer
	limit int
}

func (w *limitedWriter) Write(p []byte) (int, error) {
	remaining := w.limit - w.buf.Len()
	if remaining <= 0 {
		return len(p), nil
	}
	if len(p) > remaining {
		p = p[:remaining]
	}
	w.buf.Write(p)
	return len(p), nil
}

func stepToMap(req dispatch.Request) (map[string]interface{}, error) {
	data, err := json.Marshal(req.Step)
	if err != nil {
		return nil, fmt.Errorf("subprocess: marshal step: %w", err)
	}
	var m map[string]interface{}
	if err := json.Unmarshal(data, &m); err != nil {
		return nil, fmt.Errorf("subprocess: unmarshal step: %w", err)
	}
	return m, nil
}
