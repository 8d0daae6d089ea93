package relay

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"runtime/debug"
	"strings"
	"sync"
	"time"

	"github.com/harut0/phoned/internal/agent"
	"github.com/harut0/phoned/internal/config"
	"github.com/harut0/phoned/internal/model"
	"github.com/harut0/phoned/internal/security"
)

var (
	// ErrEmptyTask rejects blank task text before any worker starts.
	ErrEmptyTask = errors.New("task text is empty")
	// ErrTaskRunning rejects a second Start while a run is in flight.
	// One runner executes one task at a time; callers retry after the
	// current stream ends.
	ErrTaskRunning = errors.New("a task is already running")
)

// Runner bridges the synchronous agent call into a cancellable,
// streaming run. Stop is cooperative: it ends the consumer's stream
// with a stop event but does not interrupt the agent call, which keeps
// running detached until it returns on its own. That limitation is
// part of the agent contract, not something the runner can fix.
type Runner struct {
	factory  agent.Factory
	cfg      config.AgentConfig
	redactor *security.Redactor

	mu      sync.Mutex
	running bool
	cancel  context.CancelFunc
	ag      agent.Agent
}

func NewRunner(factory agent.Factory, cfg config.AgentConfig) *Runner {
	return &Runner{
		factory:  factory,
		cfg:      cfg,
		redactor: security.NewRedactor(cfg.APIKey),
	}
}

// Status is a read-only snapshot of the runner.
type Status struct {
	Running    bool
	AgentReady bool
	Config     config.AgentConfig
}

// Run is one task invocation. The consumer must drain Events until it
// is closed; the stream ends with exactly one terminal event (success,
// error, stop, or info for an unknown outcome).
type Run struct {
	events chan model.TaskEvent
	result string
	done   chan struct{}
}

func (r *Run) Events() <-chan model.TaskEvent { return r.events }

// Result blocks until the run concludes and returns the final result
// text (the agent result, or the failure/stop description).
func (r *Run) Result() string {
	<-r.done
	return r.result
}

type runOutcome struct {
	result string
	err    error
	ok     bool
}

// Start begins one task run. It returns an error only for caller
// mistakes (empty task, run already active); agent construction
// failures surface as a single error event on the returned stream.
func (r *Runner) Start(task string) (*Run, error) {
	if strings.TrimSpace(task) == "" {
		return nil, ErrEmptyTask
	}
	r.mu.Lock()
	if r.running {
		r.mu.Unlock()
		return nil, ErrTaskRunning
	}
	r.running = true
	ag := r.ag
	r.mu.Unlock()

	run := &Run{events: make(chan model.TaskEvent), done: make(chan struct{})}

	if ag == nil {
		built, err := r.factory(r.cfg)
		if err != nil {
			msg := fmt.Sprintf("agent construction failed: %v", err)
			go func() {
				defer r.finish()
				run.result = msg
				close(run.done)
				run.events <- event(model.EventError, msg)
				close(run.events)
			}()
			return run, nil
		}
		r.mu.Lock()
		r.ag = built
		r.mu.Unlock()
		ag = built
	}

	ctx, cancel := context.WithCancel(context.Background())
	r.mu.Lock()
	r.cancel = cancel
	r.mu.Unlock()

	q := NewEventQueue()
	q.Push(event(model.EventStart, "task started: "+task))

	outcome := &runOutcome{}
	go runWorker(ag, task, q, outcome, r.redactor)
	go r.drive(ctx, cancel, run, q, outcome)
	return run, nil
}

// Stop requests cooperative cancellation of the active run. Idempotent
// and a no-op when nothing is running.
func (r *Runner) Stop() {
	r.mu.Lock()
	cancel := r.cancel
	r.mu.Unlock()
	if cancel != nil {
		cancel()
	}
}

func (r *Runner) Status() Status {
	r.mu.Lock()
	defer r.mu.Unlock()
	return Status{Running: r.running, AgentReady: r.ag != nil, Config: r.cfg}
}

func (r *Runner) finish() {
	r.mu.Lock()
	r.running = false
	r.cancel = nil
	r.mu.Unlock()
}

// runWorker performs the blocking agent call, feeding captured output
// through the parser into the queue as lines are produced. Lines are
// scrubbed of credentials before parsing. It owns the queue's producer
// side and closes it when the call returns.
func runWorker(ag agent.Agent, task string, q *EventQueue, out *runOutcome, redactor *security.Redactor) {
	defer q.Close()
	defer func() {
		if rec := recover(); rec != nil {
			out.err = fmt.Errorf("agent panicked: %v\n%s", rec, debug.Stack())
		}
	}()

	parser := NewParser()
	lw := newLineWriter(func(line string) {
		for _, ev := range parser.Feed(redactor.Redact(line)) {
			q.Push(ev)
		}
	})
	result, err := ag.Run(task, lw)
	lw.Flush()
	for _, ev := range parser.Flush() {
		q.Push(ev)
	}
	if err != nil {
		out.err = err
		return
	}
	out.result = result
	out.ok = true
}

// drive forwards queue events to the consumer in order and appends the
// single terminal event. On stop it drains what is already buffered,
// reports stop, and leaves the worker to finish detached; whatever the
// worker later produces is discarded.
func (r *Runner) drive(ctx context.Context, cancel context.CancelFunc, run *Run, q *EventQueue, out *runOutcome) {
	defer r.finish()
	defer cancel()

	stopped := false
	for {
		ev, ok := q.Pop(ctx)
		if !ok {
			stopped = ctx.Err() != nil
			break
		}
		run.events <- ev
	}

	if stopped {
		for {
			ev, ok := q.TryPop()
			if !ok {
				break
			}
			run.events <- ev
		}
		finalize(run, "task stopped", event(model.EventStop, "task stopped on request"))
		return
	}

	switch {
	case out.err != nil:
		msg := fmt.Sprintf("task failed: %v", out.err)
		finalize(run, msg, event(model.EventError, msg))
	case out.ok:
		finalize(run, out.result, event(model.EventSuccess, "task completed: "+out.result))
	default:
		finalize(run, "task outcome unknown", event(model.EventInfo, "task outcome unknown"))
	}
}

func finalize(run *Run, result string, terminal model.TaskEvent) {
	run.result = result
	close(run.done)
	run.events <- terminal
	close(run.events)
}

func event(kind model.TaskEventKind, message string) model.TaskEvent {
	return model.TaskEvent{Kind: kind, Message: message, Timestamp: time.Now().UTC()}
}

// lineWriter splits a byte stream into lines and hands each completed
// line to emit. Flush delivers a trailing unterminated line.
type lineWriter struct {
	emit    func(string)
	pending []byte
}

func newLineWriter(emit func(string)) *lineWriter {
	return &lineWriter{emit: emit}
}

func (w *lineWriter) Write(p []byte) (int, error) {
	w.pending = append(w.pending, p...)
	for {
		idx := bytes.IndexByte(w.pending, '\n')
		if idx < 0 {
			break
		}
		line := string(w.pending[:idx])
		w.pending = w.pending[idx+1:]
		w.emit(line)
	}
	return len(p), nil
}

func (w *lineWriter) Flush() {
	if len(w.pending) == 0 {
		return
	}
	line := string(w.pending)
	w.pending = nil
	w.emit(line)
}
