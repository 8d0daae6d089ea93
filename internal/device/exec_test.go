package device

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/harut0/phoned/internal/config"
)

type flakyRunner struct {
	mu       sync.Mutex
	failures int
	calls    int
}

func (r *flakyRunner) Run(_ context.Context, _ string, _ ...string) ([]byte, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.calls++
	if r.calls <= r.failures {
		return nil, errors.New("transient failure")
	}
	return []byte("ok"), nil
}

func TestExecutorRetriesTransientFailures(t *testing.T) {
	cfg := config.DefaultConfig()
	cfg.RetryBackoff = []time.Duration{time.Millisecond, time.Millisecond}
	runner := &flakyRunner{failures: 2}
	e := NewExecutorWithRunner(cfg, runner)

	res, err := e.Run(context.Background(), []string{"adb", "devices"})
	if err != nil {
		t.Fatalf("expected retry to succeed: %v", err)
	}
	if res.Output != "ok" {
		t.Fatalf("unexpected output: %q", res.Output)
	}
	if runner.calls != 3 {
		t.Fatalf("expected 3 attempts, got %d", runner.calls)
	}
}

func TestExecutorExhaustsRetries(t *testing.T) {
	cfg := config.DefaultConfig()
	cfg.RetryBackoff = []time.Duration{time.Millisecond}
	runner := &flakyRunner{failures: 10}
	e := NewExecutorWithRunner(cfg, runner)

	if _, err := e.Run(context.Background(), []string{"adb", "devices"}); err == nil {
		t.Fatalf("expected terminal failure")
	}
	if runner.calls != 2 {
		t.Fatalf("expected 2 attempts, got %d", runner.calls)
	}
}

func TestExecutorRejectsEmptyCommand(t *testing.T) {
	e := NewExecutorWithRunner(config.DefaultConfig(), &flakyRunner{})
	if _, err := e.Run(context.Background(), nil); err == nil {
		t.Fatalf("expected error for empty command")
	}
}

func TestExecutorStopsOnCancelledContext(t *testing.T) {
	cfg := config.DefaultConfig()
	cfg.RetryBackoff = []time.Duration{time.Minute}
	runner := &flakyRunner{failures: 10}
	e := NewExecutorWithRunner(cfg, runner)

	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		time.Sleep(10 * time.Millisecond)
		cancel()
	}()
	start := time.Now()
	_, err := e.Run(ctx, []string{"adb", "devices"})
	if !errors.Is(err, context.Canceled) {
		t.Fatalf("expected context cancellation, got %v", err)
	}
	if time.Since(start) > 5*time.Second {
		t.Fatalf("cancelled run took too long")
	}
}
