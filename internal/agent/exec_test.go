package agent

import (
	"bytes"
	"strings"
	"testing"

	"github.com/harut0/phoned/internal/config"
	"github.com/harut0/phoned/internal/model"
)

func validConfig() config.AgentConfig {
	return config.AgentConfig{
		BaseURL:      "https://api.example.com/v1",
		Model:        "ui-pilot-2",
		DeviceType:   model.DeviceADB,
		Lang:         "en",
		MaxSteps:     10,
		AgentCommand: []string{"sh", "-c", "echo running; echo result-line; true"},
	}
}

func TestNewExecAgentValidatesConfig(t *testing.T) {
	cfg := validConfig()
	cfg.Model = ""
	if _, err := NewExecAgent(cfg); err == nil {
		t.Fatalf("expected validation error")
	}
}

func TestNewExecAgentRequiresCommand(t *testing.T) {
	cfg := validConfig()
	cfg.AgentCommand = nil
	if _, err := NewExecAgent(cfg); err == nil || !strings.Contains(err.Error(), "agent_command") {
		t.Fatalf("expected missing command error, got %v", err)
	}
}

func TestNewExecAgentRejectsMissingBinary(t *testing.T) {
	cfg := validConfig()
	cfg.AgentCommand = []string{"definitely-not-a-real-binary-xyz"}
	if _, err := NewExecAgent(cfg); err == nil {
		t.Fatalf("expected look path error")
	}
}

func TestExecAgentRunCapturesOutputAndResult(t *testing.T) {
	cfg := validConfig()
	cfg.AgentCommand = []string{"sh", "-c", `echo "step one"; echo "final answer"; true`}
	ag, err := NewExecAgent(cfg)
	if err != nil {
		t.Fatalf("new agent: %v", err)
	}

	// The task text is appended as the last argument; with sh -c it
	// lands in $0 and the script ignores it.
	var out bytes.Buffer
	result, err := ag.Run("ignored task", &out)
	if err != nil {
		t.Fatalf("run: %v", err)
	}
	if result != "final answer" {
		t.Fatalf("expected last line as result, got %q", result)
	}
	if !strings.Contains(out.String(), "step one") {
		t.Fatalf("expected streamed output, got %q", out.String())
	}
}

func TestExecAgentRunReportsFailure(t *testing.T) {
	cfg := validConfig()
	cfg.AgentCommand = []string{"sh", "-c", "exit 3"}
	ag, err := NewExecAgent(cfg)
	if err != nil {
		t.Fatalf("new agent: %v", err)
	}
	if _, err := ag.Run("task", &bytes.Buffer{}); err == nil {
		t.Fatalf("expected run failure")
	}
}

func TestLastLineWriterTracksLastNonEmptyLine(t *testing.T) {
	w := &lastLineWriter{}
	_, _ = w.Write([]byte("first\n\nsecond\n"))
	if w.Last() != "second" {
		t.Fatalf("expected %q, got %q", "second", w.Last())
	}
	_, _ = w.Write([]byte("trailing without newline"))
	if w.Last() != "trailing without newline" {
		t.Fatalf("expected pending tail, got %q", w.Last())
	}
}
