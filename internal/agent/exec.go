package agent

import (
	"fmt"
	"io"
	"os"
	"os/exec"
	"strconv"
	"strings"

	"github.com/harut0/phoned/internal/config"
)

// ExecAgent bridges to an agent CLI. The configured command is run
// once per task with the task text appended as the last argument;
// connection settings are passed through the environment. Combined
// stdout/stderr streams to the diagnostic writer, and the last
// non-empty output line is taken as the result text.
type ExecAgent struct {
	cfg config.AgentConfig
}

// NewExecAgent is a Factory.
func NewExecAgent(cfg config.AgentConfig) (Agent, error) {
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("agent config: %w", err)
	}
	if len(cfg.AgentCommand) == 0 {
		return nil, fmt.Errorf("agent_command is not configured")
	}
	if _, err := exec.LookPath(cfg.AgentCommand[0]); err != nil {
		return nil, fmt.Errorf("agent binary %s: %w", cfg.AgentCommand[0], err)
	}
	return &ExecAgent{cfg: cfg}, nil
}

func (a *ExecAgent) Run(task string, output io.Writer) (string, error) {
	args := append(append([]string{}, a.cfg.AgentCommand[1:]...), task)
	cmd := exec.Command(a.cfg.AgentCommand[0], args...)
	cmd.Env = append(os.Environ(),
		"PHONE_AGENT_BASE_URL="+a.cfg.BaseURL,
		"PHONE_AGENT_MODEL="+a.cfg.Model,
		"PHONE_AGENT_API_KEY="+a.cfg.APIKey,
		"PHONE_AGENT_DEVICE_TYPE="+string(a.cfg.DeviceType),
		"PHONE_AGENT_DEVICE_ID="+a.cfg.DeviceID,
		"PHONE_AGENT_LANG="+a.cfg.Lang,
		"PHONE_AGENT_MAX_STEPS="+strconv.Itoa(a.cfg.MaxSteps),
	)

	tail := &lastLineWriter{}
	cmd.Stdout = io.MultiWriter(output, tail)
	cmd.Stderr = io.MultiWriter(output, tail)
	if err := cmd.Run(); err != nil {
		return "", fmt.Errorf("agent run: %w", err)
	}
	return tail.Last(), nil
}

// lastLineWriter remembers the last non-empty line written through it.
type lastLineWriter struct {
	pending string
	last    string
}

func (w *lastLineWriter) Write(p []byte) (int, error) {
	w.pending += string(p)
	for {
		idx := strings.IndexByte(w.pending, '\n')
		if idx < 0 {
			break
		}
		line := strings.TrimSpace(w.pending[:idx])
		w.pending = w.pending[idx+1:]
		if line != "" {
			w.last = line
		}
	}
	return len(p), nil
}

func (w *lastLineWriter) Last() string {
	if line := strings.TrimSpace(w.pending); line != "" {
		return line
	}
	return w.last
}
