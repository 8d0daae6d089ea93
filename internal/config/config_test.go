package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/harut0/phoned/internal/model"
)

func TestLoadFileOverlaysDefaults(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "config.yaml")
	content := `socket_path: /tmp/custom.sock
scan_ttl_seconds: 2.5
monitor_interval_seconds: 10
agent:
  base_url: https://api.example.com/v1
  model: ui-pilot-2
  device_type: hdc
  max_steps: 25
`
	if err := os.WriteFile(path, []byte(content), 0o600); err != nil {
		t.Fatalf("write config: %v", err)
	}

	cfg, err := LoadFile(DefaultConfig(), path)
	if err != nil {
		t.Fatalf("load config: %v", err)
	}
	if cfg.SocketPath != "/tmp/custom.sock" {
		t.Fatalf("unexpected socket path: %s", cfg.SocketPath)
	}
	if cfg.ScanTTL != 2500*time.Millisecond {
		t.Fatalf("expected scan ttl 2.5s, got %s", cfg.ScanTTL)
	}
	if cfg.MonitorInterval != 10*time.Second {
		t.Fatalf("expected monitor interval 10s, got %s", cfg.MonitorInterval)
	}
	if cfg.Agent.Model != "ui-pilot-2" || cfg.Agent.DeviceType != model.DeviceHDC {
		t.Fatalf("unexpected agent config: %+v", cfg.Agent)
	}
	if cfg.Agent.Lang != "en" {
		t.Fatalf("expected default lang preserved, got %s", cfg.Agent.Lang)
	}
	if cfg.DBPath == "" {
		t.Fatalf("expected default db path preserved")
	}
}

func TestLoadFileMissingFileKeepsDefaults(t *testing.T) {
	defaults := DefaultConfig()
	cfg, err := LoadFile(defaults, filepath.Join(t.TempDir(), "nope.yaml"))
	if err != nil {
		t.Fatalf("missing file must not error: %v", err)
	}
	if cfg.SocketPath != defaults.SocketPath || cfg.ScanTTL != defaults.ScanTTL {
		t.Fatalf("defaults changed: %+v", cfg)
	}
}

func TestLoadFileRejectsInvalidYAML(t *testing.T) {
	path := filepath.Join(t.TempDir(), "bad.yaml")
	if err := os.WriteFile(path, []byte("socket_path: [unclosed"), 0o600); err != nil {
		t.Fatalf("write config: %v", err)
	}
	if _, err := LoadFile(DefaultConfig(), path); err == nil {
		t.Fatalf("expected parse error")
	}
}

func TestFromEnvOverlays(t *testing.T) {
	t.Setenv("PHONE_AGENT_BASE_URL", "https://env.example.com/v1")
	t.Setenv("PHONE_AGENT_MODEL", "env-model")
	t.Setenv("PHONE_AGENT_API_KEY", "sk-test-env-key-123456")
	t.Setenv("PHONE_AGENT_DEVICE_TYPE", "IOS")
	t.Setenv("PHONE_AGENT_MAX_STEPS", "42")

	cfg := FromEnv(DefaultConfig())
	if cfg.Agent.BaseURL != "https://env.example.com/v1" || cfg.Agent.Model != "env-model" {
		t.Fatalf("unexpected agent config: %+v", cfg.Agent)
	}
	if cfg.Agent.DeviceType != model.DeviceIOS {
		t.Fatalf("expected lowercased device type, got %s", cfg.Agent.DeviceType)
	}
	if cfg.Agent.MaxSteps != 42 {
		t.Fatalf("expected max steps 42, got %d", cfg.Agent.MaxSteps)
	}
}

func TestFromEnvIgnoresInvalidMaxSteps(t *testing.T) {
	t.Setenv("PHONE_AGENT_MAX_STEPS", "not-a-number")
	cfg := FromEnv(DefaultConfig())
	if cfg.Agent.MaxSteps != DefaultConfig().Agent.MaxSteps {
		t.Fatalf("expected default max steps, got %d", cfg.Agent.MaxSteps)
	}
}

func TestAgentConfigValidate(t *testing.T) {
	valid := AgentConfig{
		BaseURL:    "https://api.example.com/v1",
		Model:      "ui-pilot-2",
		DeviceType: model.DeviceADB,
		MaxSteps:   10,
	}
	if err := valid.Validate(); err != nil {
		t.Fatalf("expected valid config: %v", err)
	}

	cases := []struct {
		name   string
		mutate func(*AgentConfig)
	}{
		{"empty base url", func(c *AgentConfig) { c.BaseURL = " " }},
		{"empty model", func(c *AgentConfig) { c.Model = "" }},
		{"bad device type", func(c *AgentConfig) { c.DeviceType = "palm" }},
		{"zero max steps", func(c *AgentConfig) { c.MaxSteps = 0 }},
	}
	for _, tc := range cases {
		cfg := valid
		tc.mutate(&cfg)
		if err := cfg.Validate(); err == nil {
			t.Fatalf("%s: expected validation error", tc.name)
		}
	}
}

func TestRedactedKeepsEdgesOnly(t *testing.T) {
	cfg := AgentConfig{APIKey: "sk-abcdef1234567890"}
	red := cfg.Redacted()
	if red.APIKey == cfg.APIKey {
		t.Fatalf("key must be redacted")
	}
	if !strings.HasPrefix(red.APIKey, "sk-a") || !strings.HasSuffix(red.APIKey, "7890") {
		t.Fatalf("unexpected redaction: %q", red.APIKey)
	}

	if got := (AgentConfig{APIKey: "short"}).Redacted().APIKey; got != "[REDACTED]" {
		t.Fatalf("short keys must be fully masked, got %q", got)
	}
	if got := (AgentConfig{}).Redacted().APIKey; got != "" {
		t.Fatalf("empty key must stay empty, got %q", got)
	}
}
