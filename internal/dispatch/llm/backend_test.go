// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package llm

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/daokit/daokit/internal/config"
	"github.com/daokit/daokit/internal/contracts"
	"github.com/daokit/daokit/internal/dispatch"
)

func chatResponse(content string) map[string]interface{} {
	return map[string]interface{}{
		"id":      "chatcmpl-1",
		"object":  "chat.completion",
		"created": 1,
		"model":   "gpt-4",
		"choices": []map[string]interface{}{
			{
				"index":         0,
				"finish_reason": "stop",
				"message":       map[string]interface{}{"role": "assistant", "content": content},
			},
		},
	}
}

func sampleRequest(threadID string) dispatch.Request {
	return dispatch.Request{
		TaskID:   "task-1",
		RunID:    "run-1",
		StepID:   "extract",
		ThreadID: threadID,
		Step:     contracts.Step{ID: "extract", Goal: "extract the data", Actions: []string{"read input.json"}, AcceptanceCriteria: []string{"output is valid JSON"}},
	}
}

func TestBackend_Create_HappyPath(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(chatResponse(`{"status":"ok","changed_files":["report.json"]}`))
	}))
	defer srv.Close()

	artifactRoot := t.TempDir()
	b := New(Config{
		LLMConfig:    config.LLMConfig{APIKey: "test-key", BaseURL: srv.URL, Model: "gpt-4", MaxTokens: 512, Temperature: 0.2},
		ArtifactRoot: artifactRoot,
	}, nil)

	result, err := b.Create(context.Background(), sampleRequest(dispatch.ThreadID("task-1", "run-1", "extract")))
	require.NoError(t, err)
	require.Equal(t, []string{"report.json"}, result.ChangedFiles)
}

func TestBackend_Create_RetriesOn5xxThenSucceeds(t *testing.T) {
	attempts := 0
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		attempts++
		if attempts < 2 {
			w.WriteHeader(http.StatusServiceUnavailable)
			_ = json.NewEncoder(w).Encode(map[string]interface{}{"error": map[string]interface{}{"message": "overloaded"}})
			return
		}
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(chatResponse(`{"status":"ok"}`))
	}))
	defer srv.Close()

	b := New(Config{
		LLMConfig:    config.LLMConfig{APIKey: "test-key", BaseURL: srv.URL, Model: "gpt-4"},
		MaxRetries:   3,
		ArtifactRoot: t.TempDir(),
	}, nil)

	_, err := b.Create(context.Background(), sampleRequest(dispatch.ThreadID("task-1", "run-1", "extract")))
	require.NoError(t, err)
	require.Equal(t, 2, attempts)
}

func TestBackend_Create_DoesNotRetryOn4xx(t *testing.T) {
	attempts := 0
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		attempts++
		w.WriteHeader(http.StatusBadRequest)
		_ = json.NewEncoder(w).Encode(map[string]interface{}{"error": map[string]interface{}{"message": "bad request"}})
	}))
	defer srv.Close()

	b := New(Config{
		LLMConfig:    config.LLMConfig{APIKey: "test-key", BaseURL: srv.URL, Model: "gpt-4"},
		MaxRetries:   3,
		ArtifactRoot: t.TempDir(),
	}, nil)

	_, err := b.Create(context.Background(), sampleRequest(dispatch.ThreadID("task-1", "run-1", "extract")))
	require.Error(t, err)
	require.Equal(t, 1, attempts)
}
