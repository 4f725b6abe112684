// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package llm is the dispatch backend that issues a single blocking
// request against an OpenAI-compatible chat completion endpoint,
// retrying only on transport errors and 5xx responses.
package llm

import (
	"context"
	"fmt"
	"strings"
	"time"

	openai "github.com/sashabaranov/go-openai"

	"github.com/daokit/daokit/internal/acceptance"
	"github.com/daokit/daokit/internal/config"
	"github.com/daokit/daokit/internal/dispatch"
	"github.com/daokit/daokit/internal/obs/logging"
)

// Config configures the LLM dispatch backend.
type Config struct {
	config.LLMConfig
	MaxRetries   int
	ArtifactRoot string
}

// Backend implements dispatch.Adapter over an OpenAI-compatible chat
// completion endpoint.
type Backend struct {
	client *openai.Client
	cfg    Config
	logger *logging.Logger
}

// New constructs an LLM Backend. When cfg.BaseURL is set to a non-default
// endpoint, the client is configured to target it (OpenAI-compatible
// self-hosted or proxy deployments).
func New(cfg Config, logger *logging.Logger) *Backend {
	if logger == nil {
		logger = logging.Default()
	}
	if cfg.MaxRetries <= 0 {
		cfg.MaxRetries = 3
	}
	clientCfg := openai.DefaultConfig(cfg.APIKey)
	if cfg.BaseURL != "" {
		clientCfg.BaseURL = cfg.BaseURL
	}
	return &Backend{client: openai.NewClientWithConfig(clientCfg), cfg: cfg, logger: logger}
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

type requestRecord struct {
	Action      string                    `json:"action"`
	Model       string                    `json:"model"`
	Temperature float64                   `json:"temperature"`
	MaxTokens   int                       `json:"max_tokens"`
	Messages    []openai.ChatCompletionMessage `json:"messages"`
	Rework      *acceptance.ReworkPayload `json:"rework,omitempty"`
}

type errorRecord struct {
	Message  string `json:"message,omitempty"`
	Attempts int    `json:"attempts,omitempty"`
}

func (b *Backend) call(ctx context.Context, action string, req dispatch.Request, rework *acceptance.ReworkPayload) (dispatch.Result, error) {
	n, err := dispatch.NextCallNumber(b.cfg.ArtifactRoot, req.TaskID, req.RunID, req.StepID, req.ThreadID, action)
	if err != nil {
		return dispatch.Result{}, err
	}

	messages := buildMessages(req, rework)
	chatReq := openai.ChatCompletionRequest{
		Model:       b.cfg.Model,
		Temperature: float32(b.cfg.Temperature),
		Messages:    messages,
	}
	if b.cfg.MaxTokens > 0 {
		chatReq.MaxCompletionTokens = b.cfg.MaxTokens
	}
	request := requestRecord{Action: action, Model: b.cfg.Model, Temperature: b.cfg.Temperature, MaxTokens: b.cfg.MaxTokens, Messages: messages, Rework: rework}

	callCtx := ctx
	var cancel context.CancelFunc
	if b.cfg.TimeoutSeconds > 0 {
		callCtx, cancel = context.WithTimeout(ctx, time.Duration(b.cfg.TimeoutSeconds)*time.Second)
		defer cancel()
	}

	var resp openai.ChatCompletionResponse
	var lastErr error
	attempts := 0
	for attempts = 1; attempts <= b.cfg.MaxRetries; attempts++ {
		resp, lastErr = b.client.CreateChatCompletion(callCtx, chatReq)
		if lastErr == nil {
			break
		}
		if !isRetryable(lastErr) {
			break
		}
		b.logger.Warn("llm dispatch call failed, retrying", "step_id", req.StepID, "attempt", attempts, "error", lastErr.Error())
	}

	if lastErr != nil {
		if _, err := dispatch.WriteCallArtifacts(b.cfg.ArtifactRoot, req.TaskID, req.RunID, req.StepID, req.ThreadID, action, n,
			request, map[string]interface{}{}, errorRecord{Message: lastErr.Error(), Attempts: attempts}); err != nil {
			return dispatch.Result{}, err
		}
		return dispatch.Result{}, fmt.Errorf("llm: call failed after %d attempt(s): %w", attempts, lastErr)
	}
	if len(resp.Choices) == 0 {
		noChoicesErr := fmt.Errorf("llm: response contained no choices")
		if _, err := dispatch.WriteCallArtifacts(b.cfg.ArtifactRoot, req.TaskID, req.RunID, req.StepID, req.ThreadID, action, n,
			request, map[string]interface{}{}, errorRecord{Message: noChoicesErr.Error(), Attempts: attempts}); err != nil {
			return dispatch.Result{}, err
		}
		return dispatch.Result{}, noChoicesErr
	}

	parsed := dispatch.ParseOutput(resp.Choices[0].Message.Content)
	paths, err := dispatch.WriteCallArtifacts(b.cfg.ArtifactRoot, req.TaskID, req.RunID, req.StepID, req.ThreadID, action, n, request, parsed, nil)
	if err != nil {
		return dispatch.Result{}, err
	}
	b.logger.Info("llm dispatch call completed", "step_id", req.StepID, "action", action, "artifacts", paths.Dir, "attempts", attempts)

	return dispatch.Result{ChangedFiles: dispatch.ChangedFilesFromOutput(parsed)}, nil
}

// buildMessages renders the step's goal/actions (and, on rework, the
// acceptance rejection) into a chat completion prompt.
func buildMessages(req dispatch.Request, rework *acceptance.ReworkPayload) []openai.ChatCompletionMessage {
	var b strings.Builder
	fmt.Fprintf(&b, "Goal: %s\n", req.Step.Goal)
	if len(req.Step.Actions) > 0 {
		b.WriteString("Actions:\n")
		for _, a := range req.Step.Actions {
			fmt.Fprintf(&b, "- %s\n", a)
		}
	}
	if len(req.Step.AcceptanceCriteria) > 0 {
		b.WriteString("Acceptance criteria:\n")
		for _, c := range req.Step.AcceptanceCriteria {
			fmt.Fprintf(&b, "- %s\n", c)
		}
	}
	messages := []openai.ChatCompletionMessage{
		{Role: openai.ChatMessageRoleSystem, Content: "You are an autonomous engineering agent executing one plan step. Respond with the result as JSON when possible."},
		{Role: openai.ChatMessageRoleUser, Content: b.String()},
	}
	if rework != nil {
		messages = append(messages, openai.ChatCompletionMessage{
			Role: openai.ChatMessageRoleUser,
			Content: fmt.Sprintf("Your previous attempt was rejected: %s (reason_code=%s, failed_criteria=%v). Address this and retry.",
				rework.RequiredDelta, rework.ReasonCode, rework.FailedCriteria),
		})
	}
	return messages
}

// isRetryable reports whether err is a transport-level failure or a 5xx
// response from the endpoint; 4xx responses are not retried.
func isRetryable(err error) bool {
	var apiErr *openai.APIError
	if ok := asAPIError(err, &apiErr); ok {
		return apiErr.HTTPStatusCode >= 500
	}
	// A RequestError carries the HTTP status of a non-2xx response whose
	// body is not a structured API error.
	if reqErr, ok := err.(*openai.RequestError); ok {
		return reqErr.HTTPStatusCode >= 500
	}
	// Anything else (dial failure, timeout, connection reset) is treated
	// as transport-level and retryable.
	return true
}

func asAPIError(err error, target **openai.APIError) bool {
	apiErr, ok := err.(*openai.APIError)
	if !ok {
		return false
	}
	*target = apiErr
	return true
}
