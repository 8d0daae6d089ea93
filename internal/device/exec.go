package device

import (
	"context"
	"fmt"
	"os/exec"
	"time"

	"github.com/harut0/phoned/internal/config"
)

type RunResult struct {
	Output   string
	Duration time.Duration
}

// Runner abstracts process execution so tests can inject canned
// toolchain output.
type Runner interface {
	Run(ctx context.Context, name string, args ...string) ([]byte, error)
}

type OSRunner struct{}

func (OSRunner) Run(ctx context.Context, name string, args ...string) ([]byte, error) {
	cmd := exec.CommandContext(ctx, name, args...)
	return cmd.CombinedOutput()
}

// Executor runs device toolchain commands with a per-attempt timeout
// and retry backoff. Enumeration commands are read-only, so every
// command is safe to retry.
type Executor struct {
	cfg    config.Config
	runner Runner
}

func NewExecutor(cfg config.Config) *Executor {
	return &Executor{cfg: cfg, runner: OSRunner{}}
}

func NewExecutorWithRunner(cfg config.Config, runner Runner) *Executor {
	e := NewExecutor(cfg)
	e.runner = runner
	return e
}

func (e *Executor) Run(ctx context.Context, command []string) (RunResult, error) {
	if len(command) == 0 {
		return RunResult{}, fmt.Errorf("empty command")
	}

	maxAttempts := 1 + len(e.cfg.RetryBackoff)
	var lastErr error
	for attempt := 1; attempt <= maxAttempts; attempt++ {
		start := time.Now()
		runCtx, cancel := context.WithTimeout(ctx, e.cfg.CommandTimeout)
		out, err := e.runner.Run(runCtx, command[0], command[1:]...)
		cancel()
		if err == nil {
			return RunResult{Output: string(out), Duration: time.Since(start)}, nil
		}
		lastErr = err

		if attempt < maxAttempts {
			backoff := e.cfg.RetryBackoff[attempt-1]
			select {
			case <-ctx.Done():
				return RunResult{}, ctx.Err()
			case <-time.After(backoff):
			}
		}
	}
	return RunResult{}, fmt.Errorf("run %s: %w", command[0], lastErr)
}
