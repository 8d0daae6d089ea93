package daemon

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"net/http"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"
	"sync"
	"syscall"
	"time"

	"github.com/google/uuid"

	"github.com/harut0/phoned/internal/agent"
	"github.com/harut0/phoned/internal/api"
	"github.com/harut0/phoned/internal/config"
	"github.com/harut0/phoned/internal/db"
	"github.com/harut0/phoned/internal/device"
	"github.com/harut0/phoned/internal/model"
	"github.com/harut0/phoned/internal/relay"
)

const defaultRunsLimit = 50

// Server exposes the task relay and device scanner over a unix-domain
// socket. One daemon per socket path, enforced with an exclusive flock.
type Server struct {
	cfg      config.Config
	httpSrv  *http.Server
	listener net.Listener
	lockFile *os.File
	store    *db.Store
	runner   *relay.Runner
	scanner  *device.Scanner
	factory  agent.Factory
	logf     func(format string, args ...any)

	mu          sync.Mutex
	activeRunID string
	recorders   sync.WaitGroup

	shutdown    sync.Once
	shutdownErr error
}

func NewServer(cfg config.Config, store *db.Store, runner *relay.Runner, scanner *device.Scanner, factory agent.Factory) *Server {
	mux := http.NewServeMux()
	s := &Server{
		cfg:     cfg,
		store:   store,
		runner:  runner,
		scanner: scanner,
		factory: factory,
		logf: func(format string, args ...any) {
			_, _ = fmt.Fprintf(os.Stderr, "phoned: "+format+"\n", args...)
		},
		httpSrv: &http.Server{
			Handler:           mux,
			ReadHeaderTimeout: 5 * time.Second,
		},
	}

	mux.HandleFunc("/v1/health", s.healthHandler)
	mux.HandleFunc("/v1/status", s.statusHandler)
	mux.HandleFunc("/v1/agent/test", s.agentTestHandler)
	mux.HandleFunc("/v1/tasks", s.tasksHandler)
	mux.HandleFunc("/v1/tasks/", s.taskByIDHandler)
	mux.HandleFunc("/v1/devices", s.devicesHandler)
	mux.HandleFunc("/v1/devices/check", s.deviceCheckHandler)
	mux.HandleFunc("/v1/devices/summary", s.deviceSummaryHandler)
	return s
}

func (s *Server) Start(ctx context.Context) error {
	if err := os.MkdirAll(filepath.Dir(s.cfg.SocketPath), 0o755); err != nil {
		return fmt.Errorf("create socket dir: %w", err)
	}
	if err := s.acquireLock(); err != nil {
		return err
	}
	if st, err := os.Lstat(s.cfg.SocketPath); err == nil {
		if st.Mode()&os.ModeSocket == 0 {
			s.releaseLock() //nolint:errcheck
			return fmt.Errorf("socket path exists and is not unix socket: %s", s.cfg.SocketPath)
		}
		if err := os.Remove(s.cfg.SocketPath); err != nil {
			s.releaseLock() //nolint:errcheck
			return fmt.Errorf("remove stale socket: %w", err)
		}
	} else if !errors.Is(err, os.ErrNotExist) {
		s.releaseLock() //nolint:errcheck
		return fmt.Errorf("stat socket path: %w", err)
	}
	ln, err := net.Listen("unix", s.cfg.SocketPath)
	if err != nil {
		s.releaseLock()
		return fmt.Errorf("listen uds: %w", err)
	}
	if err := os.Chmod(s.cfg.SocketPath, 0o600); err != nil {
		ln.Close() //nolint:errcheck
		s.releaseLock()
		return fmt.Errorf("chmod socket: %w", err)
	}
	s.mu.Lock()
	s.listener = ln
	s.mu.Unlock()

	errCh := make(chan error, 1)
	go func() {
		if err := s.httpSrv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = s.Shutdown(shutdownCtx)
		return ctx.Err()
	case err := <-errCh:
		if err != nil {
			_ = s.Shutdown(context.Background())
			return fmt.Errorf("serve uds: %w", err)
		}
		return nil
	}
}

func (s *Server) Shutdown(ctx context.Context) error {
	s.shutdown.Do(func() {
		var errs []error
		if s.httpSrv != nil {
			if err := s.httpSrv.Shutdown(ctx); err != nil {
				errs = append(errs, err)
			}
		}
		s.mu.Lock()
		listener := s.listener
		s.listener = nil
		s.mu.Unlock()
		if listener != nil {
			if err := listener.Close(); err != nil {
				errs = append(errs, err)
			}
		}
		// Recorders persist event streams of in-flight runs; give them
		// until the shutdown deadline to drain.
		drained := make(chan struct{})
		go func() {
			s.recorders.Wait()
			close(drained)
		}()
		select {
		case <-drained:
		case <-ctx.Done():
			errs = append(errs, fmt.Errorf("run recorders still draining"))
		}
		if s.cfg.SocketPath != "" {
			if err := os.Remove(s.cfg.SocketPath); err != nil && !errors.Is(err, os.ErrNotExist) {
				errs = append(errs, err)
			}
		}
		if err := s.releaseLock(); err != nil {
			errs = append(errs, err)
		}
		if len(errs) > 0 {
			s.shutdownErr = fmt.Errorf("shutdown errors: %v", errs)
		}
	})
	return s.shutdownErr
}

func (s *Server) healthHandler(w http.ResponseWriter, _ *http.Request) {
	resp := api.HealthResponse{
		SchemaVersion: "v1",
		GeneratedAt:   time.Now().UTC(),
		Status:        "ok",
		ScanHealth:    string(s.scanner.Health()),
	}
	s.writeJSON(w, http.StatusOK, resp)
}

func (s *Server) statusHandler(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		s.methodNotAllowed(w, http.MethodGet)
		return
	}
	st := s.runner.Status()
	resp := api.StatusEnvelope{
		SchemaVersion: "v1",
		GeneratedAt:   time.Now().UTC(),
		TaskRunning:   st.Running,
		AgentReady:    st.AgentReady,
		ScanHealth:    string(s.scanner.Health()),
		Agent:         agentConfigResponse(st.Config.Redacted()),
	}
	s.writeJSON(w, http.StatusOK, resp)
}

func (s *Server) agentTestHandler(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		s.methodNotAllowed(w, http.MethodPost)
		return
	}
	resp := api.AgentTestResponse{
		SchemaVersion: "v1",
		GeneratedAt:   time.Now().UTC(),
	}
	if err := s.cfg.Agent.Validate(); err != nil {
		resp.Message = fmt.Sprintf("configuration invalid: %v", err)
		s.writeJSON(w, http.StatusOK, resp)
		return
	}
	if _, err := s.factory(s.cfg.Agent); err != nil {
		resp.Message = fmt.Sprintf("agent construction failed: %v", err)
		s.writeJSON(w, http.StatusOK, resp)
		return
	}
	resp.OK = true
	resp.Message = fmt.Sprintf("agent ready (model %s)", s.cfg.Agent.Model)
	s.writeJSON(w, http.StatusOK, resp)
}

func (s *Server) tasksHandler(w http.ResponseWriter, r *http.Request) {
	switch r.Method {
	case http.MethodGet:
		s.listTaskRuns(w, r)
	case http.MethodPost:
		s.startTask(w, r)
	default:
		s.methodNotAllowed(w, http.MethodGet, http.MethodPost)
	}
}

func (s *Server) taskByIDHandler(w http.ResponseWriter, r *http.Request) {
	tail := strings.TrimPrefix(r.URL.Path, "/v1/tasks/")
	parts := strings.Split(strings.Trim(tail, "/"), "/")
	if len(parts) == 0 || parts[0] == "" {
		s.writeError(w, http.StatusNotFound, model.ErrCodeNotFound, "task route not found")
		return
	}
	if len(parts) == 1 && parts[0] == "stop" {
		if r.Method != http.MethodPost {
			s.methodNotAllowed(w, http.MethodPost)
			return
		}
		s.stopTask(w, r)
		return
	}
	runID := parts[0]
	switch {
	case len(parts) == 1:
		if r.Method != http.MethodGet {
			s.methodNotAllowed(w, http.MethodGet)
			return
		}
		s.getTaskRun(w, r, runID)
	case len(parts) == 2 && parts[1] == "events":
		if r.Method != http.MethodGet {
			s.methodNotAllowed(w, http.MethodGet)
			return
		}
		s.listTaskEvents(w, r, runID)
	default:
		s.writeError(w, http.StatusNotFound, model.ErrCodeNotFound, "task route not found")
	}
}

type startTaskRequest struct {
	Task string `json:"task"`
}

func (s *Server) startTask(w http.ResponseWriter, r *http.Request) {
	var req startTaskRequest
	dec := json.NewDecoder(r.Body)
	dec.DisallowUnknownFields()
	if err := dec.Decode(&req); err != nil {
		s.writeError(w, http.StatusBadRequest, model.ErrCodeInvalidRequest, "invalid request body")
		return
	}
	task := strings.TrimSpace(req.Task)

	run, err := s.runner.Start(task)
	switch {
	case errors.Is(err, relay.ErrEmptyTask):
		s.writeError(w, http.StatusBadRequest, model.ErrCodeInvalidRequest, "task is required")
		return
	case errors.Is(err, relay.ErrTaskRunning):
		s.writeError(w, http.StatusConflict, model.ErrCodeTaskRunning, "a task is already running")
		return
	case err != nil:
		s.writeError(w, http.StatusInternalServerError, model.ErrCodeInternal, "failed to start task")
		return
	}

	runID := uuid.NewString()
	startedAt := time.Now().UTC()
	record := model.TaskRun{
		RunID:     runID,
		Task:      task,
		Status:    model.RunRunning,
		StartedAt: startedAt,
	}
	if err := s.store.InsertTaskRun(r.Context(), record); err != nil {
		s.logf("insert task run %s: %v", runID, err)
	}
	s.mu.Lock()
	s.activeRunID = runID
	s.mu.Unlock()

	s.recorders.Add(1)
	go s.recordRun(runID, run)

	resp := api.TaskStartResponse{
		SchemaVersion: "v1",
		GeneratedAt:   time.Now().UTC(),
		RunID:         runID,
		Task:          task,
		StartedAt:     startedAt.Format(time.RFC3339Nano),
	}
	s.writeJSON(w, http.StatusAccepted, resp)
}

// recordRun drains one run's event stream into the store. It is the
// single consumer of the stream, so it must keep reading until close.
func (s *Server) recordRun(runID string, run *relay.Run) {
	defer s.recorders.Done()
	ctx := context.Background()
	var seq int64
	status := model.RunError
	for ev := range run.Events() {
		seq++
		if err := s.store.AppendTaskEvent(ctx, runID, seq, ev); err != nil {
			s.logf("append event %s/%d: %v", runID, seq, err)
		}
		if ev.Kind.IsTerminal() {
			status = model.RunStatusForEvent(ev.Kind)
		}
	}
	if err := s.store.FinishTaskRun(ctx, runID, status, run.Result(), time.Now().UTC()); err != nil {
		s.logf("finish task run %s: %v", runID, err)
	}
	s.mu.Lock()
	if s.activeRunID == runID {
		s.activeRunID = ""
	}
	s.mu.Unlock()
}

func (s *Server) stopTask(w http.ResponseWriter, _ *http.Request) {
	st := s.runner.Status()
	resp := api.TaskStopResponse{
		SchemaVersion: "v1",
		GeneratedAt:   time.Now().UTC(),
	}
	if !st.Running {
		resp.Message = "no task is running"
		s.writeJSON(w, http.StatusOK, resp)
		return
	}
	s.runner.Stop()
	resp.Stopping = true
	resp.Message = "stop requested; the in-flight agent step finishes on its own"
	s.writeJSON(w, http.StatusAccepted, resp)
}

func (s *Server) listTaskRuns(w http.ResponseWriter, r *http.Request) {
	limit := defaultRunsLimit
	if raw := strings.TrimSpace(r.URL.Query().Get("limit")); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n <= 0 {
			s.writeError(w, http.StatusBadRequest, model.ErrCodeInvalidRequest, "limit must be a positive integer")
			return
		}
		limit = n
	}
	runs, err := s.store.ListTaskRuns(r.Context(), limit)
	if err != nil {
		s.logf("list task runs: %v", err)
		s.writeError(w, http.StatusInternalServerError, model.ErrCodeInternal, "failed to list task runs")
		return
	}
	resp := api.TaskRunsEnvelope{
		SchemaVersion: "v1",
		GeneratedAt:   time.Now().UTC(),
		Runs:          make([]api.TaskRunResponse, 0, len(runs)),
	}
	for _, run := range runs {
		resp.Runs = append(resp.Runs, taskRunResponse(run))
	}
	s.writeJSON(w, http.StatusOK, resp)
}

func (s *Server) getTaskRun(w http.ResponseWriter, r *http.Request, runID string) {
	run, err := s.store.GetTaskRun(r.Context(), runID)
	if errors.Is(err, db.ErrNotFound) {
		s.writeError(w, http.StatusNotFound, model.ErrCodeNotFound, "task run not found")
		return
	}
	if err != nil {
		s.logf("get task run %s: %v", runID, err)
		s.writeError(w, http.StatusInternalServerError, model.ErrCodeInternal, "failed to load task run")
		return
	}
	resp := api.TaskRunEnvelope{
		SchemaVersion: "v1",
		GeneratedAt:   time.Now().UTC(),
		Run:           taskRunResponse(run),
	}
	s.writeJSON(w, http.StatusOK, resp)
}

func (s *Server) listTaskEvents(w http.ResponseWriter, r *http.Request, runID string) {
	var cursor int64
	if raw := strings.TrimSpace(r.URL.Query().Get("cursor")); raw != "" {
		n, err := strconv.ParseInt(raw, 10, 64)
		if err != nil || n < 0 {
			s.writeError(w, http.StatusBadRequest, model.ErrCodeInvalidRequest, "cursor must be a non-negative integer")
			return
		}
		cursor = n
	}
	if _, err := s.store.GetTaskRun(r.Context(), runID); err != nil {
		if errors.Is(err, db.ErrNotFound) {
			s.writeError(w, http.StatusNotFound, model.ErrCodeNotFound, "task run not found")
			return
		}
		s.logf("get task run %s: %v", runID, err)
		s.writeError(w, http.StatusInternalServerError, model.ErrCodeInternal, "failed to load task run")
		return
	}
	events, seqs, err := s.store.ListTaskEvents(r.Context(), runID, cursor, 0)
	if err != nil {
		s.logf("list task events %s: %v", runID, err)
		s.writeError(w, http.StatusInternalServerError, model.ErrCodeInternal, "failed to list task events")
		return
	}
	resp := api.TaskEventsEnvelope{
		SchemaVersion: "v1",
		GeneratedAt:   time.Now().UTC(),
		RunID:         runID,
		Cursor:        cursor,
		Events:        make([]api.TaskEventItem, 0, len(events)),
	}
	for i, ev := range events {
		resp.Events = append(resp.Events, api.TaskEventItem{
			Seq:       seqs[i],
			Kind:      string(ev.Kind),
			Message:   ev.Message,
			EventTime: ev.Timestamp.UTC().Format(time.RFC3339Nano),
		})
		resp.Cursor = seqs[i]
	}
	s.writeJSON(w, http.StatusOK, resp)
}

func (s *Server) devicesHandler(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		s.methodNotAllowed(w, http.MethodGet)
		return
	}
	deviceType, ok := s.queryDeviceType(w, r)
	if !ok {
		return
	}
	force := false
	if raw := strings.TrimSpace(r.URL.Query().Get("refresh")); raw != "" {
		v, err := strconv.ParseBool(raw)
		if err != nil {
			s.writeError(w, http.StatusBadRequest, model.ErrCodeInvalidRequest, "refresh must be a boolean")
			return
		}
		force = v
	}
	devices := s.scanner.Scan(r.Context(), deviceType, force)
	resp := api.DevicesEnvelope{
		SchemaVersion: "v1",
		GeneratedAt:   time.Now().UTC(),
		ScanHealth:    string(s.scanner.Health()),
		Summary:       s.scanner.Summary(r.Context(), deviceType),
		Devices:       deviceResponses(devices),
	}
	s.writeJSON(w, http.StatusOK, resp)
}

type deviceCheckRequest struct {
	DeviceID   string `json:"device_id"`
	DeviceType string `json:"device_type"`
}

func (s *Server) deviceCheckHandler(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		s.methodNotAllowed(w, http.MethodPost)
		return
	}
	var req deviceCheckRequest
	dec := json.NewDecoder(r.Body)
	dec.DisallowUnknownFields()
	if err := dec.Decode(&req); err != nil {
		s.writeError(w, http.StatusBadRequest, model.ErrCodeInvalidRequest, "invalid request body")
		return
	}
	deviceType := model.DeviceType(strings.TrimSpace(req.DeviceType))
	if deviceType == "" {
		deviceType = model.DeviceType(s.cfg.Agent.DeviceType)
	}
	if !deviceType.Valid() {
		s.writeError(w, http.StatusBadRequest, model.ErrCodeInvalidRequest, "device_type must be adb, hdc, or ios")
		return
	}
	ok, msg, info := s.scanner.CheckConnection(r.Context(), strings.TrimSpace(req.DeviceID), deviceType)
	resp := api.CheckResponse{
		SchemaVersion: "v1",
		GeneratedAt:   time.Now().UTC(),
		OK:            ok,
		Message:       msg,
	}
	if info != nil {
		resp.DeviceID = info.DeviceID
	}
	s.writeJSON(w, http.StatusOK, resp)
}

func (s *Server) deviceSummaryHandler(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		s.methodNotAllowed(w, http.MethodGet)
		return
	}
	deviceType, ok := s.queryDeviceType(w, r)
	if !ok {
		return
	}
	resp := api.DevicesEnvelope{
		SchemaVersion: "v1",
		GeneratedAt:   time.Now().UTC(),
		ScanHealth:    string(s.scanner.Health()),
		Summary:       s.scanner.Summary(r.Context(), deviceType),
		Devices:       []api.DeviceResponse{},
	}
	s.writeJSON(w, http.StatusOK, resp)
}

func (s *Server) queryDeviceType(w http.ResponseWriter, r *http.Request) (model.DeviceType, bool) {
	deviceType := model.DeviceType(strings.TrimSpace(r.URL.Query().Get("type")))
	if deviceType == "" {
		deviceType = model.DeviceType(s.cfg.Agent.DeviceType)
	}
	if !deviceType.Valid() {
		s.writeError(w, http.StatusBadRequest, model.ErrCodeInvalidRequest, "type must be adb, hdc, or ios")
		return "", false
	}
	return deviceType, true
}

func taskRunResponse(run model.TaskRun) api.TaskRunResponse {
	resp := api.TaskRunResponse{
		RunID:     run.RunID,
		Task:      run.Task,
		Status:    string(run.Status),
		Result:    run.Result,
		StartedAt: run.StartedAt.UTC().Format(time.RFC3339Nano),
	}
	if run.EndedAt != nil {
		ended := run.EndedAt.UTC().Format(time.RFC3339Nano)
		resp.EndedAt = &ended
	}
	return resp
}

func deviceResponses(devices map[string]model.DeviceInfo) []api.DeviceResponse {
	out := make([]api.DeviceResponse, 0, len(devices))
	ids := make([]string, 0, len(devices))
	for id := range devices {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	for _, id := range ids {
		info := devices[id]
		resp := api.DeviceResponse{
			DeviceID:     info.DeviceID,
			Status:       string(info.Status),
			DeviceType:   string(info.DeviceType),
			Model:        info.Model,
			ErrorMessage: info.ErrorMessage,
		}
		if info.LastCheck != nil {
			last := info.LastCheck.UTC().Format(time.RFC3339Nano)
			resp.LastCheck = &last
		}
		out = append(out, resp)
	}
	return out
}

func agentConfigResponse(cfg config.AgentConfig) api.AgentConfigResponse {
	return api.AgentConfigResponse{
		BaseURL:       cfg.BaseURL,
		Model:         cfg.Model,
		APIKey:        cfg.APIKey,
		DeviceType:    string(cfg.DeviceType),
		DeviceID:      cfg.DeviceID,
		Lang:          cfg.Lang,
		MaxSteps:      cfg.MaxSteps,
		ConsoleOutput: cfg.ConsoleOutput,
	}
}

func (s *Server) writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}

func (s *Server) writeError(w http.ResponseWriter, status int, code, msg string) {
	resp := api.ErrorResponse{
		SchemaVersion: "v1",
		GeneratedAt:   time.Now().UTC(),
		Error: api.APIError{
			Code:    code,
			Message: msg,
		},
	}
	s.writeJSON(w, status, resp)
}

func (s *Server) methodNotAllowed(w http.ResponseWriter, allow ...string) {
	if len(allow) > 0 {
		w.Header().Set("Allow", strings.Join(allow, ", "))
	}
	s.writeError(w, http.StatusMethodNotAllowed, model.ErrCodeInvalidRequest, "method not allowed")
}

func (s *Server) acquireLock() error {
	lockPath := s.cfg.SocketPath + ".lock"
	if err := os.MkdirAll(filepath.Dir(lockPath), 0o755); err != nil {
		return fmt.Errorf("create lock dir: %w", err)
	}
	f, err := os.OpenFile(lockPath, os.O_CREATE|os.O_RDWR, 0o600)
	if err != nil {
		return fmt.Errorf("open lock file: %w", err)
	}
	if err := syscall.Flock(int(f.Fd()), syscall.LOCK_EX|syscall.LOCK_NB); err != nil {
		f.Close() //nolint:errcheck
		return fmt.Errorf("daemon already running")
	}
	s.mu.Lock()
	s.lockFile = f
	s.mu.Unlock()
	return nil
}

func (s *Server) releaseLock() error {
	s.mu.Lock()
	f := s.lockFile
	s.lockFile = nil
	s.mu.Unlock()
	if f == nil {
		return nil
	}
	if err := syscall.Flock(int(f.Fd()), syscall.LOCK_UN); err != nil {
		f.Close() //nolint:errcheck
		return err
	}
	return f.Close()
}
