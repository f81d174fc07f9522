package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
)

func TestLoadYAMLAppliesRoleInheritance(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "datapilot.yaml")
	content := `
server:
  address: ":9000"
llm:
  roles:
    default:
      provider: anthropic
      model_name: claude-sonnet-4
    code_generation:
      model_name: claude-opus-4
      max_tokens: 8192
agent:
  observe: false
task:
  store:
    driver: sqlite
`
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatalf("write config: %v", err)
	}

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.Server.Address != ":9000" {
		t.Fatalf("unexpected address: %s", cfg.Server.Address)
	}
	if cfg.LLM.Roles.Planning.Provider != "anthropic" || cfg.LLM.Roles.Planning.ModelName != "claude-sonnet-4" {
		t.Fatalf("planning should inherit default, got %+v", cfg.LLM.Roles.Planning)
	}
	if cfg.LLM.Roles.Planning.MaxTokens != 4096 {
		t.Fatalf("expected default max tokens, got %d", cfg.LLM.Roles.Planning.MaxTokens)
	}
	gen := cfg.LLM.Roles.CodeGeneration
	if gen.Provider != "anthropic" || gen.ModelName != "claude-opus-4" || gen.MaxTokens != 8192 {
		t.Fatalf("unexpected code generation role: %+v", gen)
	}
	if cfg.Agent.ObserveEnabled() {
		t.Fatal("observe should be disabled")
	}
	if cfg.Task.Store.DSN != filepath.Join(dir, "data", "datapilot.db") {
		t.Fatalf("unexpected sqlite dsn: %s", cfg.Task.Store.DSN)
	}
}

func TestLoadMissingFileUsesDefaults(t *testing.T) {
	cfg, err := Load(filepath.Join(t.TempDir(), "absent.json"))
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.Server.MaxFileSizeBytes != 50*1024*1024 {
		t.Fatalf("unexpected max file size: %d", cfg.Server.MaxFileSizeBytes)
	}
	if cfg.Server.MaxRequestBytes != 201*1024*1024 {
		t.Fatalf("unexpected max request size: %d", cfg.Server.MaxRequestBytes)
	}
	if cfg.LLM.Roles.Default.Provider != "openai" || cfg.LLM.Roles.Default.ModelName != "gpt-5" {
		t.Fatalf("unexpected default model: %+v", cfg.LLM.Roles.Default)
	}
	if cfg.Agent.MaxStepRetries != 5 || cfg.Agent.MaxCodeAttempts != 3 || cfg.Agent.RecursionLimit != 250 {
		t.Fatalf("unexpected agent defaults: %+v", cfg.Agent)
	}
	if !cfg.Agent.ObserveEnabled() {
		t.Fatal("observe should default to enabled")
	}
	if cfg.Task.ExpirySeconds != 3600 || cfg.Task.CleanupIntervalSeconds != 300 {
		t.Fatalf("unexpected task defaults: %+v", cfg.Task)
	}
	if cfg.Sandbox.DataDirectory != "/home/user/data" {
		t.Fatalf("unexpected data directory: %s", cfg.Sandbox.DataDirectory)
	}
}

func TestEnvOverridesFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "datapilot.json")
	if err := os.WriteFile(path, []byte(`{"security":{"api_key":"file-key"},"agent":{"max_step_retries":2}}`), 0o644); err != nil {
		t.Fatalf("write config: %v", err)
	}
	t.Setenv("API_KEY", "env-key")
	t.Setenv("CODE_PLANNING_MAX_STEP_RETRIES", "7")
	t.Setenv("PLANNING_MODEL", "gemini-2.5-pro")
	t.Setenv("PLANNING_PROVIDER", "google")
	t.Setenv("FILE_STORAGE_ENABLED", "true")
	t.Setenv("S3_ENDPOINT", "localhost:9000")

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.Security.APIKey != "env-key" {
		t.Fatalf("expected env api key, got %s", cfg.Security.APIKey)
	}
	if cfg.Agent.MaxStepRetries != 7 {
		t.Fatalf("expected retries from env, got %d", cfg.Agent.MaxStepRetries)
	}
	if cfg.LLM.Roles.Planning.Provider != "google" || cfg.LLM.Roles.Planning.ModelName != "gemini-2.5-pro" {
		t.Fatalf("unexpected planning role: %+v", cfg.LLM.Roles.Planning)
	}
	if !cfg.Storage.Enabled || cfg.Storage.Endpoint != "localhost:9000" {
		t.Fatalf("unexpected storage config: %+v", cfg.Storage)
	}
}

func TestValidateRejectsUnknownDrivers(t *testing.T) {
	path := filepath.Join(t.TempDir(), "datapilot.json")
	if err := os.WriteFile(path, []byte(`{"task":{"queue":{"driver":"kafka"}},"agent":{"output_split_ratio":1.5}}`), 0o644); err != nil {
		t.Fatalf("write config: %v", err)
	}
	_, err := Load(path)
	if err == nil {
		t.Fatal("expected validation error")
	}
	for _, want := range []string{"kafka", "output_split_ratio"} {
		if !strings.Contains(err.Error(), want) {
			t.Fatalf("expected %q in error, got %v", want, err)
		}
	}
}

func TestLoadRejectsEmptyPath(t *testing.T) {
	if _, err := Load(""); err == nil {
		t.Fatal("expected error for empty path")
	}
}
