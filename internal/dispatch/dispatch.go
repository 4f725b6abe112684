// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package dispatch

import (
	"context"

	"github.com/daokit/daokit/internal/acceptance"
	"github.com/daokit/daokit/internal/contracts"
)

// Request is the normalized input to one dispatch call: the step being
// executed, its identity, and where its artifacts live.
type Request struct {
	TaskID       string
	RunID        string
	StepID       string
	ThreadID     string
	Step         contracts.Step
	EvidenceRoot string
}

// Result is what a dispatch call hands back to the lifecycle runtime: the
// set of files the action changed, for the scope guard to check.
type Result struct {
	ChangedFiles []string
}

// Adapter is the {create, resume, rework} capability set both the
// subprocess and LLM backends implement. The lifecycle runtime drives the
// dispatch node entirely through this interface.
type Adapter interface {
	Create(ctx context.Context, req Request) (Result, error)
	Resume(ctx context.Context, req Request) (Result, error)
	Rework(ctx context.Context, req Request, payload *acceptance.ReworkPayload) (Result, error)
}
