// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package config

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"
)

// ===== Load: defaults =====

func TestLoad_Defaults(t *testing.T) {
	tempDir := t.TempDir()
	cfg, err := Load(tempDir)
	require.NoError(t, err)
	require.Equal(t, DispatchSubprocess, cfg.DispatchBackend)
	require.Equal(t, int64(900), cfg.Heartbeat.WarningAfterSeconds)
	require.Equal(t, int64(1200), cfg.Heartbeat.StaleAfterSeconds)
	require.True(t, cfg.Acceptance.RequireCommandEvidence)
	require.Equal(t, 3, cfg.Acceptance.ReworkBound)
}

// ===== Load: settings file layering =====

func TestLoad_SettingsFileOverridesDefaults(t *testing.T) {
	tempDir := t.TempDir()
	require.NoError(t, os.MkdirAll(filepath.Join(tempDir, ".daokit"), 0o755))
	yaml := `
heartbeat:
  warning_after_seconds: 60
  stale_after_seconds: 120
acceptance:
  rework_bound: 5
  allowed_scope:
    - "src/**"
`
	require.NoError(t, os.WriteFile(filepath.Join(tempDir, settingsFile), []byte(yaml), 0o644))

	cfg, err := Load(tempDir)
	require.NoError(t, err)
	require.Equal(t, int64(60), cfg.Heartbeat.WarningAfterSeconds)
	require.Equal(t, int64(120), cfg.Heartbeat.StaleAfterSeconds)
	require.Equal(t, 5, cfg.Acceptance.ReworkBound)
	require.Equal(t, []string{"src/**"}, cfg.Acceptance.AllowedScope)
}

// ===== Load: env overrides file =====

func TestLoad_EnvOverridesSettingsFile(t *testing.T) {
	tempDir := t.TempDir()
	require.NoError(t, os.MkdirAll(filepath.Join(tempDir, ".daokit"), 0o755))
	require.NoError(t, os.WriteFile(filepath.Join(tempDir, settingsFile), []byte("dispatch_backend: subprocess\n"), 0o644))

	t.Setenv("DAOKIT_DISPATCH_BACKEND", "llm")
	t.Setenv("DAOKIT_LLM_API_KEY", "test-key")

	cfg, err := Load(tempDir)
	require.NoError(t, err)
	require.Equal(t, DispatchLLM, cfg.DispatchBackend)
	require.Equal(t, "test-key", cfg.LLM.APIKey)
}

// ===== Validate =====

func TestConfig_Validate(t *testing.T) {
	cases := []struct {
		name    string
		mutate  func(*Config)
		wantErr bool
	}{
		{"defaults ok", func(c *Config) {}, false},
		{"unknown backend", func(c *Config) { c.DispatchBackend = "carrier_pigeon" }, true},
		{"zero warning threshold", func(c *Config) { c.Heartbeat.WarningAfterSeconds = 0 }, true},
		{"warning exceeds stale", func(c *Config) {
			c.Heartbeat.WarningAfterSeconds = 2000
			c.Heartbeat.StaleAfterSeconds = 1000
		}, true},
		{"negative rework bound", func(c *Config) { c.Acceptance.ReworkBound = -1 }, true},
		{"llm backend without api key", func(c *Config) { c.DispatchBackend = DispatchLLM }, true},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			cfg := Default()
			tc.mutate(&cfg)
			err := cfg.Validate()
			if tc.wantErr {
				require.Error(t, err)
			} else {
				require.NoError(t, err)
			}
		})
	}
}
