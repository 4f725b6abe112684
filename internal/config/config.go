// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package config resolves the runtime settings that have no public CLI
// flag: dispatch backend selection, storage backend selection, LLM
// endpoint credentials, heartbeat thresholds, and acceptance policy.
// Layering is env-over-file, read through spf13/viper: DAOKIT_*
// environment variables take precedence over an optional
// .daokit/settings.yaml under the run root.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/spf13/viper"
	"gopkg.in/yaml.v3"
)

// DispatchBackend selects the adapter the lifecycle runtime dispatches
// steps through.
type DispatchBackend string

const (
	DispatchSubprocess DispatchBackend = "subprocess"
	DispatchLLM        DispatchBackend = "llm"
)

// StorageBackend selects the ledger's persistence implementation.
type StorageBackend string

const (
	StorageFiletree StorageBackend = "filetree"
	StorageTableDB  StorageBackend = "tabledb"
)

// LLMConfig holds the OpenAI-compatible endpoint settings for the LLM
// dispatch backend.
type LLMConfig struct {
	APIKey         string  `yaml:"api_key"`
	BaseURL        string  `yaml:"base_url"`
	Model          string  `yaml:"model"`
	MaxTokens      int     `yaml:"max_tokens"`
	Temperature    float64 `yaml:"temperature"`
	TimeoutSeconds int     `yaml:"timeout_seconds"`
}

// SubprocessConfig holds the command invoked per dispatch call for the
// subprocess backend.
type SubprocessConfig struct {
	Command        string   `yaml:"command"`
	Args           []string `yaml:"args"`
	TimeoutSeconds int      `yaml:"timeout_seconds"`
}

// HeartbeatConfig holds the silence thresholds the heartbeat evaluator
// compares elapsed silence against.
type HeartbeatConfig struct {
	WarningAfterSeconds int64 `yaml:"warning_after_seconds"`
	StaleAfterSeconds   int64 `yaml:"stale_after_seconds"`
}

// AcceptanceConfig holds the scope guard and rework policy the acceptance
// engine enforces.
type AcceptanceConfig struct {
	AllowedScope           []string `yaml:"allowed_scope"`
	RequireCommandEvidence bool     `yaml:"require_command_evidence"`
	ReworkBound            int      `yaml:"rework_bound"`
}

// Config is the fully resolved, explicit settings record. There is no
// generic key-value bag exposed past this point; every field is a real
// struct member.
type Config struct {
	DispatchBackend DispatchBackend  `yaml:"dispatch_backend"`
	StorageBackend  StorageBackend   `yaml:"storage_backend"`
	Subprocess      SubprocessConfig `yaml:"subprocess"`
	LLM             LLMConfig        `yaml:"llm"`
	Heartbeat       HeartbeatConfig  `yaml:"heartbeat"`
	Acceptance      AcceptanceConfig `yaml:"acceptance"`
}

// Default returns the built-in settings used when neither an environment
// variable nor a settings file overrides a field.
func Default() Config {
	return Config{
		DispatchBackend: DispatchSubprocess,
		StorageBackend:  StorageFiletree,
		Subprocess: SubprocessConfig{
			Command:        "true",
			TimeoutSeconds: 120,
		},
		LLM: LLMConfig{
			BaseURL:        "https://api.openai.com/v1",
			Model:          "gpt-4o-mini",
			MaxTokens:      4096,
			Temperature:    0.2,
			TimeoutSeconds: 120,
		},
		Heartbeat: HeartbeatConfig{
			WarningAfterSeconds: 900,
			StaleAfterSeconds:   1200,
		},
		Acceptance: AcceptanceConfig{
			RequireCommandEvidence: true,
			ReworkBound:            3,
		},
	}
}

// settingsFile is the file layered under root that Load merges before env.
const settingsFile = ".daokit/settings.yaml"

// Load resolves Config for the runtime rooted at root: defaults, then
// .daokit/settings.yaml if present, then DAOKIT_* environment variables,
// each layer overriding the last.
func Load(root string) (Config, error) {
	def := Default()
	v := viper.New()
	v.SetEnvPrefix("DAOKIT")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	setDefaults(v, def)

	path := filepath.Join(root, settingsFile)
	if raw, err := os.ReadFile(path); err == nil {
		var fileCfg map[string]interface{}
		if err := yaml.Unmarshal(raw, &fileCfg); err != nil {
			return Config{}, fmt.Errorf("config: parse %s: %w", path, err)
		}
		if err := v.MergeConfigMap(fileCfg); err != nil {
			return Config{}, fmt.Errorf("config: merge %s: %w", path, err)
		}
	} else if !os.IsNotExist(err) {
		return Config{}, fmt.Errorf("config: read %s: %w", path, err)
	}

	bindEnv(v)

	cfg := Config{
		DispatchBackend: DispatchBackend(v.GetString("dispatch_backend")),
		StorageBackend:  StorageBackend(v.GetString("storage_backend")),
		Subprocess: SubprocessConfig{
			Command:        v.GetString("subprocess.command"),
			Args:           v.GetStringSlice("subprocess.args"),
			TimeoutSeconds: v.GetInt("subprocess.timeout_seconds"),
		},
		LLM: LLMConfig{
			APIKey:         v.GetString("llm.api_key"),
			BaseURL:        v.GetString("llm.base_url"),
			Model:          v.GetString("llm.model"),
			MaxTokens:      v.GetInt("llm.max_tokens"),
			Temperature:    v.GetFloat64("llm.temperature"),
			TimeoutSeconds: v.GetInt("llm.timeout_seconds"),
		},
		Heartbeat: HeartbeatConfig{
			WarningAfterSeconds: v.GetInt64("heartbeat.warning_after_seconds"),
			StaleAfterSeconds:   v.GetInt64("heartbeat.stale_after_seconds"),
		},
		Acceptance: AcceptanceConfig{
			AllowedScope:           v.GetStringSlice("acceptance.allowed_scope"),
			RequireCommandEvidence: v.GetBool("acceptance.require_command_evidence"),
			ReworkBound:            v.GetInt("acceptance.rework_bound"),
		},
	}
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

func setDefaults(v *viper.Viper, def Config) {
	v.SetDefault("dispatch_backend", string(def.DispatchBackend))
	v.SetDefault("storage_backend", string(def.StorageBackend))
	v.SetDefault("subprocess.command", def.Subprocess.Command)
	v.SetDefault("subprocess.args", def.Subprocess.Args)
	v.SetDefault("subprocess.timeout_seconds", def.Subprocess.TimeoutSeconds)
	v.SetDefault("llm.api_key", def.LLM.APIKey)
	v.SetDefault("llm.base_url", def.LLM.BaseURL)
	v.SetDefault("llm.model", def.LLM.Model)
	v.SetDefault("llm.max_tokens", def.LLM.MaxTokens)
	v.SetDefault("llm.temperature", def.LLM.Temperature)
	v.SetDefault("llm.timeout_seconds", def.LLM.TimeoutSeconds)
	v.SetDefault("heartbeat.warning_after_seconds", def.Heartbeat.WarningAfterSeconds)
	v.SetDefault("heartbeat.stale_after_seconds", def.Heartbeat.StaleAfterSeconds)
	v.SetDefault("acceptance.allowed_scope", def.Acceptance.AllowedScope)
	v.SetDefault("acceptance.require_command_evidence", def.Acceptance.RequireCommandEvidence)
	v.SetDefault("acceptance.rework_bound", def.Acceptance.ReworkBound)
}

// bindEnv wires the DAOKIT_* variables explicitly so nested keys resolve
// through AutomaticEnv's flat name mangling.
func bindEnv(v *viper.Viper) {
	_ = v.BindEnv("dispatch_backend", "DAOKIT_DISPATCH_BACKEND")
	_ = v.BindEnv("storage_backend", "DAOKIT_STORAGE_BACKEND")
	_ = v.BindEnv("subprocess.command", "DAOKIT_SUBPROCESS_COMMAND")
	_ = v.BindEnv("subprocess.args", "DAOKIT_SUBPROCESS_ARGS")
	_ = v.BindEnv("subprocess.timeout_seconds", "DAOKIT_SUBPROCESS_TIMEOUT_SECONDS")
	_ = v.BindEnv("llm.api_key", "DAOKIT_LLM_API_KEY")
	_ = v.BindEnv("llm.base_url", "DAOKIT_LLM_BASE_URL")
	_ = v.BindEnv("llm.model", "DAOKIT_LLM_MODEL")
	_ = v.BindEnv("llm.max_tokens", "DAOKIT_LLM_MAX_TOKENS")
	_ = v.BindEnv("llm.temperature", "DAOKIT_LLM_TEMPERATURE")
	_ = v.BindEnv("llm.timeout_seconds", "DAOKIT_LLM_TIMEOUT_SECONDS")
	_ = v.BindEnv("heartbeat.warning_after_seconds", "DAOKIT_HEARTBEAT_WARNING_AFTER_SECONDS")
	_ = v.BindEnv("heartbeat.stale_after_seconds", "DAOKIT_HEARTBEAT_STALE_AFTER_SECONDS")
	_ = v.BindEnv("acceptance.allowed_scope", "DAOKIT_ACCEPTANCE_ALLOWED_SCOPE")
	_ = v.BindEnv("acceptance.require_command_evidence", "DAOKIT_ACCEPTANCE_REQUIRE_COMMAND_EVIDENCE")
	_ = v.BindEnv("acceptance.rework_bound", "DAOKIT_ACCEPTANCE_REWORK_BOUND")
}

// Validate checks the resolved settings are internally consistent.
func (c Config) Validate() error {
	switch c.DispatchBackend {
	case DispatchSubprocess, DispatchLLM:
	default:
		return fmt.Errorf("config: dispatch_backend must be %q or %q, got %q", DispatchSubprocess, DispatchLLM, c.DispatchBackend)
	}
	switch c.StorageBackend {
	case StorageFiletree, StorageTableDB:
	default:
		return fmt.Errorf("config: storage_backend must be %q or %q, got %q", StorageFiletree, StorageTableDB, c.StorageBackend)
	}
	if c.Heartbeat.WarningAfterSeconds <= 0 || c.Heartbeat.StaleAfterSeconds <= 0 {
		return fmt.Errorf("config: heartbeat thresholds must be positive")
	}
	if c.Heartbeat.WarningAfterSeconds > c.Heartbeat.StaleAfterSeconds {
		return fmt.Errorf("config: heartbeat.warning_after_seconds must not exceed stale_after_seconds")
	}
	if c.Acceptance.ReworkBound < 0 {
		return fmt.Errorf("config: acceptance.rework_bound must not be negative")
	}
	if c.DispatchBackend == DispatchLLM && c.LLM.APIKey == "" {
		return fmt.Errorf("config: DAOKIT_LLM_API_KEY is required when dispatch_backend is %q", DispatchLLM)
	}
	if c.DispatchBackend == DispatchSubprocess && c.Subprocess.Command == "" {
		return fmt.Errorf("config: DAOKIT_SUBPROCESS_COMMAND is required when dispatch_backend is %q", DispatchSubprocess)
	}
	return nil
}
