package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"
)

func TestLoader_LoadValidConfig(t *testing.T) {
	dir := t.TempDir()
	configPath := filepath.Join(dir, "inktrace.yaml")

	yamlContent := `
server:
  port: 9003
  log_level: debug
  cors: true

discovery:
  interval: 10s
  timeout: 2s
  endpoints:
    - localhost:9101
    - http://localhost:9102
  failure_threshold: 5

registry:
  stale_timeout: 1m
  event_log_size: 100
  communication_buffer_size: 200

scoring:
  critical_threshold: 80
  warning_threshold: 40
  dangerous_capabilities:
    shell_exec: 35
  velocity:
    per_minute: 60
  rules:
    - id: no-version
      condition: 'agent.version == ""'
      weight: 5
      message: "Agent does not declare a version"

tentacles:
  weights:
    T3: 1.5

policy_table: ./policies.yaml
`
	if err := os.WriteFile(configPath, []byte(yamlContent), 0644); err != nil {
		t.Fatalf("failed to write test config: %v", err)
	}

	loader := NewLoader()
	if err := loader.Load(configPath); err != nil {
		t.Fatalf("Load() error: %v", err)
	}

	cfg := loader.Get()

	if cfg.Server.Port != 9003 {
		t.Errorf("Server.Port = %d, want 9003", cfg.Server.Port)
	}
	if cfg.Server.LogLevel != "debug" {
		t.Errorf("Server.LogLevel = %q, want \"debug\"", cfg.Server.LogLevel)
	}
	if !cfg.Server.CORS {
		t.Error("Server.CORS = false, want true")
	}

	if cfg.Discovery.Interval != 10*time.Second {
		t.Errorf("Discovery.Interval = %v, want 10s", cfg.Discovery.Interval)
	}
	if len(cfg.Discovery.Endpoints) != 2 {
		t.Fatalf("Discovery.Endpoints length = %d, want 2", len(cfg.Discovery.Endpoints))
	}
	if cfg.Discovery.FailureThreshold != 5 {
		t.Errorf("Discovery.FailureThreshold = %d, want 5", cfg.Discovery.FailureThreshold)
	}
	// Unset fields keep their defaults.
	if cfg.Discovery.ManifestPath != "/.well-known/agent.json" {
		t.Errorf("Discovery.ManifestPath = %q, want default", cfg.Discovery.ManifestPath)
	}

	if cfg.Registry.StaleTimeout != time.Minute {
		t.Errorf("Registry.StaleTimeout = %v, want 1m", cfg.Registry.StaleTimeout)
	}
	if cfg.Registry.EventLogSize != 100 {
		t.Errorf("Registry.EventLogSize = %d, want 100", cfg.Registry.EventLogSize)
	}

	if cfg.Scoring.CriticalThreshold != 80 {
		t.Errorf("Scoring.CriticalThreshold = %d, want 80", cfg.Scoring.CriticalThreshold)
	}
	if cfg.Scoring.DangerousCapabilities["shell_exec"] != 35 {
		t.Errorf("shell_exec weight = %d, want 35", cfg.Scoring.DangerousCapabilities["shell_exec"])
	}
	// Default map entries survive when the file adds new ones.
	if cfg.Scoring.DangerousCapabilities["credential_harvest"] != 40 {
		t.Errorf("credential_harvest weight = %d, want default 40", cfg.Scoring.DangerousCapabilities["credential_harvest"])
	}
	if cfg.Scoring.Velocity.PerMinute != 60 {
		t.Errorf("Velocity.PerMinute = %d, want 60", cfg.Scoring.Velocity.PerMinute)
	}
	if !cfg.Scoring.Velocity.Enabled {
		t.Error("Velocity.Enabled = false, want default true")
	}
	if len(cfg.Scoring.Rules) != 1 || cfg.Scoring.Rules[0].ID != "no-version" {
		t.Fatalf("Scoring.Rules = %+v, want one rule no-version", cfg.Scoring.Rules)
	}

	if cfg.Tentacles.Weights["T3"] != 1.5 {
		t.Errorf("Tentacles.Weights[T3] = %v, want 1.5", cfg.Tentacles.Weights["T3"])
	}
	if cfg.PolicyTable != "./policies.yaml" {
		t.Errorf("PolicyTable = %q, want ./policies.yaml", cfg.PolicyTable)
	}
}

func TestLoader_DefaultConfig(t *testing.T) {
	loader := NewLoader()
	cfg := loader.Get()

	if cfg.Server.Port != 8003 {
		t.Errorf("default Server.Port = %d, want 8003", cfg.Server.Port)
	}
	if cfg.Scoring.CriticalThreshold != 70 {
		t.Errorf("default CriticalThreshold = %d, want 70", cfg.Scoring.CriticalThreshold)
	}
	if cfg.Registry.EventLogSize != 500 {
		t.Errorf("default EventLogSize = %d, want 500", cfg.Registry.EventLogSize)
	}
	if cfg.Registry.CommunicationBufferSize != 1000 {
		t.Errorf("default CommunicationBufferSize = %d, want 1000", cfg.Registry.CommunicationBufferSize)
	}
	if err := cfg.Validate(); err != nil {
		t.Errorf("default config should validate: %v", err)
	}
}

func TestLoader_LoadNonExistentFile(t *testing.T) {
	loader := NewLoader()
	err := loader.Load("/nonexistent/path/to/config.yaml")
	if err == nil {
		t.Error("Load() with nonexistent file should return error")
	}
}

func TestLoader_LoadInvalidYAML(t *testing.T) {
	dir := t.TempDir()
	configPath := filepath.Join(dir, "bad.yaml")

	if err := os.WriteFile(configPath, []byte(`{{{invalid yaml`), 0644); err != nil {
		t.Fatalf("failed to write bad config: %v", err)
	}

	loader := NewLoader()
	err := loader.Load(configPath)
	if err == nil {
		t.Error("Load() with invalid YAML should return error")
	}
}

func TestLoader_RejectsInvalidThresholds(t *testing.T) {
	dir := t.TempDir()
	configPath := filepath.Join(dir, "inktrace.yaml")
	content := "scoring:\n  critical_threshold: 40\n  warning_threshold: 60\n"
	if err := os.WriteFile(configPath, []byte(content), 0644); err != nil {
		t.Fatalf("failed to write config: %v", err)
	}

	loader := NewLoader()
	if err := loader.Load(configPath); err == nil {
		t.Fatal("expected validation error for warning > critical")
	}
	// The loader still serves the previous (default) config.
	if loader.Get().Scoring.CriticalThreshold != 70 {
		t.Error("failed Load() must not replace the active config")
	}
}

func TestLoader_FilePath(t *testing.T) {
	dir := t.TempDir()
	configPath := filepath.Join(dir, "inktrace.yaml")
	if err := os.WriteFile(configPath, []byte("server:\n  port: 9999\n"), 0644); err != nil {
		t.Fatalf("failed to write config: %v", err)
	}

	loader := NewLoader()
	if loader.FilePath() != "" {
		t.Errorf("FilePath() before Load() = %q, want empty", loader.FilePath())
	}

	if err := loader.Load(configPath); err != nil {
		t.Fatalf("Load() error: %v", err)
	}

	if loader.FilePath() != configPath {
		t.Errorf("FilePath() = %q, want %q", loader.FilePath(), configPath)
	}
}

func TestLoader_Reload(t *testing.T) {
	dir := t.TempDir()
	configPath := filepath.Join(dir, "inktrace.yaml")

	if err := os.WriteFile(configPath, []byte("server:\n  port: 8080\n"), 0644); err != nil {
		t.Fatalf("failed to write config: %v", err)
	}

	loader := NewLoader()
	if err := loader.Load(configPath); err != nil {
		t.Fatalf("Load() error: %v", err)
	}
	if loader.Get().Server.Port != 8080 {
		t.Fatalf("port = %d, want 8080", loader.Get().Server.Port)
	}

	if err := os.WriteFile(configPath, []byte("server:\n  port: 9090\n"), 0644); err != nil {
		t.Fatalf("failed to rewrite config: %v", err)
	}
	if err := loader.Reload(); err != nil {
		t.Fatalf("Reload() error: %v", err)
	}
	if loader.Get().Server.Port != 9090 {
		t.Errorf("port after reload = %d, want 9090", loader.Get().Server.Port)
	}
}

func TestLoader_ReloadWithoutFile(t *testing.T) {
	loader := NewLoader()
	if err := loader.Reload(); err == nil {
		t.Error("Reload() without a loaded file should return error")
	}
}

func TestLoader_WatchTriggersOnChange(t *testing.T) {
	dir := t.TempDir()
	configPath := filepath.Join(dir, "inktrace.yaml")
	if err := os.WriteFile(configPath, []byte("scoring:\n  critical_threshold: 70\n"), 0644); err != nil {
		t.Fatalf("failed to write config: %v", err)
	}

	loader := NewLoader()
	if err := loader.Load(configPath); err != nil {
		t.Fatalf("Load() error: %v", err)
	}

	changed := make(chan *Config, 4)
	if err := loader.Watch(nil, func(c *Config) { changed <- c }); err != nil {
		t.Fatalf("Watch() error: %v", err)
	}
	defer loader.StopWatch()

	if err := os.WriteFile(configPath, []byte("scoring:\n  critical_threshold: 90\n  warning_threshold: 50\n"), 0644); err != nil {
		t.Fatalf("failed to rewrite config: %v", err)
	}

	deadline := time.After(5 * time.Second)
	for {
		select {
		case c := <-changed:
			if c.Scoring.CriticalThreshold == 90 {
				return
			}
		case <-deadline:
			t.Fatal("timed out waiting for config reload")
		}
	}
}

func TestGenerateDefault_RoundTrips(t *testing.T) {
	dir := t.TempDir()
	configPath := filepath.Join(dir, "inktrace.yaml")

	if err := GenerateDefault(configPath); err != nil {
		t.Fatalf("GenerateDefault() error: %v", err)
	}

	loader := NewLoader()
	if err := loader.Load(configPath); err != nil {
		t.Fatalf("Load() of generated config error: %v", err)
	}
	cfg := loader.Get()
	if cfg.Discovery.Interval != 3*time.Second {
		t.Errorf("Discovery.Interval = %v, want 3s", cfg.Discovery.Interval)
	}
	if cfg.Registry.StaleTimeout != 30*time.Second {
		t.Errorf("Registry.StaleTimeout = %v, want 30s", cfg.Registry.StaleTimeout)
	}
}
