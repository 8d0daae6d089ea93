package relay

import (
	"errors"
	"fmt"
	"io"
	"strings"
	"testing"
	"time"

	"github.com/harut0/phoned/internal/agent"
	"github.com/harut0/phoned/internal/config"
	"github.com/harut0/phoned/internal/model"
)

type scriptedAgent struct {
	lines    []string
	result   string
	err      error
	panicMsg string
	started  chan struct{}
	release  chan struct{}
}

func (a *scriptedAgent) Run(_ string, output io.Writer) (string, error) {
	if a.started != nil {
		close(a.started)
	}
	for _, line := range a.lines {
		_, _ = fmt.Fprintln(output, line)
	}
	if a.panicMsg != "" {
		panic(a.panicMsg)
	}
	if a.release != nil {
		<-a.release
	}
	return a.result, a.err
}

func factoryFor(a agent.Agent) agent.Factory {
	return func(config.AgentConfig) (agent.Agent, error) {
		return a, nil
	}
}

func drainRun(t *testing.T, run *Run) []model.TaskEvent {
	t.Helper()
	var events []model.TaskEvent
	timeout := time.After(5 * time.Second)
	for {
		select {
		case ev, ok := <-run.Events():
			if !ok {
				return events
			}
			events = append(events, ev)
		case <-timeout:
			t.Fatalf("timed out draining run events, got %+v", events)
		}
	}
}

func waitNotRunning(t *testing.T, r *Runner) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if !r.Status().Running {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("runner still reports running")
}

func TestRunnerSuccessStream(t *testing.T) {
	ag := &scriptedAgent{
		lines: []string{
			"💭 thinking: open the settings app",
			"🎯 action: tap(120, 480)",
		},
		result: "done",
	}
	r := NewRunner(factoryFor(ag), config.AgentConfig{})
	run, err := r.Start("open settings")
	if err != nil {
		t.Fatalf("start: %v", err)
	}

	events := drainRun(t, run)
	if len(events) != 4 {
		t.Fatalf("expected 4 events, got %d: %+v", len(events), events)
	}
	wantKinds := []model.TaskEventKind{model.EventStart, model.EventThinking, model.EventAction, model.EventSuccess}
	for i, kind := range wantKinds {
		if events[i].Kind != kind {
			t.Fatalf("event %d: expected %s, got %s", i, kind, events[i].Kind)
		}
	}
	if events[0].Message != "task started: open settings" {
		t.Fatalf("unexpected start message: %q", events[0].Message)
	}
	if events[3].Message != "task completed: done" {
		t.Fatalf("unexpected terminal message: %q", events[3].Message)
	}
	if got := run.Result(); got != "done" {
		t.Fatalf("expected result %q, got %q", "done", got)
	}
	waitNotRunning(t, r)
}

func TestRunnerRejectsEmptyTask(t *testing.T) {
	r := NewRunner(factoryFor(&scriptedAgent{}), config.AgentConfig{})
	if _, err := r.Start("   "); !errors.Is(err, ErrEmptyTask) {
		t.Fatalf("expected ErrEmptyTask, got %v", err)
	}
}

func TestRunnerRejectsConcurrentStart(t *testing.T) {
	ag := &scriptedAgent{
		started: make(chan struct{}),
		release: make(chan struct{}),
	}
	r := NewRunner(factoryFor(ag), config.AgentConfig{})
	run, err := r.Start("first task")
	if err != nil {
		t.Fatalf("start: %v", err)
	}
	<-ag.started

	if _, err := r.Start("second task"); !errors.Is(err, ErrTaskRunning) {
		t.Fatalf("expected ErrTaskRunning, got %v", err)
	}

	close(ag.release)
	drainRun(t, run)
	waitNotRunning(t, r)
}

func TestRunnerStopEndsStreamWithoutSuccess(t *testing.T) {
	ag := &scriptedAgent{
		started: make(chan struct{}),
		release: make(chan struct{}),
		result:  "never delivered",
	}
	r := NewRunner(factoryFor(ag), config.AgentConfig{})
	run, err := r.Start("long task")
	if err != nil {
		t.Fatalf("start: %v", err)
	}
	<-ag.started

	first := <-run.Events()
	if first.Kind != model.EventStart {
		t.Fatalf("expected start event first, got %s", first.Kind)
	}

	r.Stop()
	events := drainRun(t, run)
	if len(events) == 0 {
		t.Fatalf("expected a terminal stop event")
	}
	last := events[len(events)-1]
	if last.Kind != model.EventStop {
		t.Fatalf("expected stop terminal, got %s", last.Kind)
	}
	for _, ev := range events {
		if ev.Kind == model.EventSuccess {
			t.Fatalf("success must not follow a stop: %+v", events)
		}
	}
	if got := run.Result(); got != "task stopped" {
		t.Fatalf("expected stopped result, got %q", got)
	}
	waitNotRunning(t, r)

	// The detached worker finishes on its own; its late outcome is
	// discarded.
	close(ag.release)
}

func TestRunnerAgentFailure(t *testing.T) {
	ag := &scriptedAgent{err: errors.New("device vanished")}
	r := NewRunner(factoryFor(ag), config.AgentConfig{})
	run, err := r.Start("doomed task")
	if err != nil {
		t.Fatalf("start: %v", err)
	}
	events := drainRun(t, run)
	last := events[len(events)-1]
	if last.Kind != model.EventError {
		t.Fatalf("expected error terminal, got %s", last.Kind)
	}
	if !strings.Contains(last.Message, "device vanished") {
		t.Fatalf("expected cause in message, got %q", last.Message)
	}
	waitNotRunning(t, r)
}

func TestRunnerAgentPanicBecomesError(t *testing.T) {
	ag := &scriptedAgent{panicMsg: "exploded"}
	r := NewRunner(factoryFor(ag), config.AgentConfig{})
	run, err := r.Start("panicky task")
	if err != nil {
		t.Fatalf("start: %v", err)
	}
	events := drainRun(t, run)
	last := events[len(events)-1]
	if last.Kind != model.EventError || !strings.Contains(last.Message, "agent panicked") {
		t.Fatalf("expected panic to surface as error event, got %+v", last)
	}
	waitNotRunning(t, r)
}

func TestRunnerFactoryFailureEmitsSingleErrorEvent(t *testing.T) {
	factory := func(config.AgentConfig) (agent.Agent, error) {
		return nil, errors.New("missing binary")
	}
	r := NewRunner(factory, config.AgentConfig{})
	run, err := r.Start("any task")
	if err != nil {
		t.Fatalf("start: %v", err)
	}
	events := drainRun(t, run)
	if len(events) != 1 || events[0].Kind != model.EventError {
		t.Fatalf("expected one error event, got %+v", events)
	}
	if !strings.Contains(events[0].Message, "agent construction failed") {
		t.Fatalf("unexpected message: %q", events[0].Message)
	}
	waitNotRunning(t, r)
}

func TestRunnerReusableAfterRun(t *testing.T) {
	ag := &scriptedAgent{result: "first"}
	r := NewRunner(factoryFor(ag), config.AgentConfig{})
	run, err := r.Start("task one")
	if err != nil {
		t.Fatalf("start: %v", err)
	}
	drainRun(t, run)
	waitNotRunning(t, r)

	ag.result = "second"
	run, err = r.Start("task two")
	if err != nil {
		t.Fatalf("second start: %v", err)
	}
	drainRun(t, run)
	if got := run.Result(); got != "second" {
		t.Fatalf("expected %q, got %q", "second", got)
	}
}

func TestRunnerRedactsAPIKeyInEvents(t *testing.T) {
	key := "sk-live-abcdef123456"
	ag := &scriptedAgent{
		lines:  []string{"💭 thinking: calling api with " + key},
		result: "done",
	}
	r := NewRunner(factoryFor(ag), config.AgentConfig{APIKey: key})
	run, err := r.Start("secret task")
	if err != nil {
		t.Fatalf("start: %v", err)
	}
	events := drainRun(t, run)
	for _, ev := range events {
		if strings.Contains(ev.Message, key) {
			t.Fatalf("api key leaked in event: %+v", ev)
		}
	}
}

func TestLineWriterSplitsAndFlushes(t *testing.T) {
	var lines []string
	lw := newLineWriter(func(line string) { lines = append(lines, line) })
	_, _ = lw.Write([]byte("partial"))
	_, _ = lw.Write([]byte(" line\nsecond\nthi"))
	_, _ = lw.Write([]byte("rd"))
	lw.Flush()
	want := []string{"partial line", "second", "third"}
	if len(lines) != len(want) {
		t.Fatalf("expected %d lines, got %v", len(want), lines)
	}
	for i, line := range want {
		if lines[i] != line {
			t.Fatalf("line %d: expected %q, got %q", i, line, lines[i])
		}
	}
}
