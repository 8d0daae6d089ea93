package cli

import (
	"bytes"
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"io"
	"net"
	"net/http"
	"net/url"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/harut0/phoned/internal/api"
	"github.com/harut0/phoned/internal/config"
	"github.com/harut0/phoned/internal/model"
)

const followInterval = 500 * time.Millisecond

type Runner struct {
	baseURL string
	client  *http.Client
	out     io.Writer
	errOut  io.Writer
}

func NewRunner(socketPath string, out, errOut io.Writer) *Runner {
	transport := &http.Transport{
		DialContext: func(ctx context.Context, _, _ string) (net.Conn, error) {
			var d net.Dialer
			return d.DialContext(ctx, "unix", socketPath)
		},
	}
	return NewRunnerWithClient("http://unix", &http.Client{Transport: transport}, out, errOut)
}

func NewRunnerWithClient(baseURL string, client *http.Client, out, errOut io.Writer) *Runner {
	if out == nil {
		out = os.Stdout
	}
	if errOut == nil {
		errOut = os.Stderr
	}
	if client == nil {
		client = &http.Client{}
	}
	return &Runner{
		baseURL: strings.TrimRight(baseURL, "/"),
		client:  client,
		out:     out,
		errOut:  errOut,
	}
}

func (r *Runner) Run(ctx context.Context, args []string) int {
	socketPath, rest, err := parseGlobalArgs(args)
	if err != nil {
		_, _ = fmt.Fprintf(r.errOut, "error: %v\n", err)
		return 2
	}
	if socketPath != "" && r.baseURL == "http://unix" {
		*r = *NewRunner(socketPath, r.out, r.errOut)
	}
	if len(rest) == 0 {
		r.printUsage()
		return 2
	}
	switch rest[0] {
	case "status":
		return r.runStatus(ctx, rest[1:])
	case "task":
		return r.runTask(ctx, rest[1:])
	case "device":
		return r.runDevice(ctx, rest[1:])
	case "agent":
		return r.runAgent(ctx, rest[1:])
	case "config":
		return r.runConfig(ctx, rest[1:])
	default:
		_, _ = fmt.Fprintf(r.errOut, "unknown command: %s\n", rest[0])
		r.printUsage()
		return 2
	}
}

func parseGlobalArgs(args []string) (string, []string, error) {
	socket := config.DefaultConfig().SocketPath
	rest := make([]string, 0, len(args))
	for i := 0; i < len(args); i++ {
		if args[i] == "--socket" {
			if i+1 >= len(args) {
				return "", nil, fmt.Errorf("--socket requires value")
			}
			socket = args[i+1]
			i++
			continue
		}
		rest = append(rest, args[i])
	}
	return socket, rest, nil
}

func (r *Runner) runStatus(ctx context.Context, args []string) int {
	fs := flag.NewFlagSet("status", flag.ContinueOnError)
	fs.SetOutput(io.Discard)
	jsonOut := fs.Bool("json", false, "output JSON")
	if err := fs.Parse(args); err != nil {
		_, _ = fmt.Fprintf(r.errOut, "error: %v\n", err)
		return 2
	}
	body, err := r.request(ctx, http.MethodGet, "/v1/status", nil, nil)
	if err != nil {
		return r.handleErr(err)
	}
	if *jsonOut {
		_, _ = r.out.Write(body)
		_, _ = fmt.Fprintln(r.out)
		return 0
	}
	var env api.StatusEnvelope
	if err := json.Unmarshal(body, &env); err != nil {
		return r.handleErr(err)
	}
	_, _ = fmt.Fprintf(r.out, "task_running\t%t\n", env.TaskRunning)
	_, _ = fmt.Fprintf(r.out, "agent_ready\t%t\n", env.AgentReady)
	_, _ = fmt.Fprintf(r.out, "scan_health\t%s\n", env.ScanHealth)
	_, _ = fmt.Fprintf(r.out, "model\t%s\n", env.Agent.Model)
	_, _ = fmt.Fprintf(r.out, "device_type\t%s\n", env.Agent.DeviceType)
	return 0
}

func (r *Runner) runTask(ctx context.Context, args []string) int {
	if len(args) == 0 {
		_, _ = fmt.Fprintln(r.errOut, "usage: phonectl task <run|stop|list|show|events>")
		return 2
	}
	switch args[0] {
	case "run":
		return r.runTaskRun(ctx, args[1:])
	case "stop":
		return r.runTaskStop(ctx, args[1:])
	case "list":
		return r.runTaskList(ctx, args[1:])
	case "show":
		return r.runTaskShow(ctx, args[1:])
	case "events":
		return r.runTaskEvents(ctx, args[1:])
	default:
		_, _ = fmt.Fprintf(r.errOut, "unknown task command: %s\n", args[0])
		return 2
	}
}

func (r *Runner) runTaskRun(ctx context.Context, args []string) int {
	fs := flag.NewFlagSet("task run", flag.ContinueOnError)
	fs.SetOutput(io.Discard)
	detach := fs.Bool("detach", false, "start the task and return immediately")
	jsonOut := fs.Bool("json", false, "output JSON")
	if err := fs.Parse(args); err != nil {
		_, _ = fmt.Fprintf(r.errOut, "error: %v\n", err)
		return 2
	}
	task := strings.TrimSpace(strings.Join(fs.Args(), " "))
	if task == "" {
		_, _ = fmt.Fprintln(r.errOut, "usage: phonectl task run [--detach] <task text>")
		return 2
	}
	body, err := r.request(ctx, http.MethodPost, "/v1/tasks", nil, map[string]string{"task": task})
	if err != nil {
		return r.handleErr(err)
	}
	var started api.TaskStartResponse
	if err := json.Unmarshal(body, &started); err != nil {
		return r.handleErr(err)
	}
	if *jsonOut {
		_, _ = r.out.Write(body)
		_, _ = fmt.Fprintln(r.out)
		if *detach {
			return 0
		}
	}
	if *detach {
		if !*jsonOut {
			_, _ = fmt.Fprintln(r.out, started.RunID)
		}
		return 0
	}
	return r.followEvents(ctx, started.RunID, 0)
}

// followEvents polls the run's event log until a terminal event shows
// up, printing each event once. This is the streaming view; the daemon
// keeps the authoritative log.
func (r *Runner) followEvents(ctx context.Context, runID string, cursor int64) int {
	for {
		query := url.Values{}
		if cursor > 0 {
			query.Set("cursor", strconv.FormatInt(cursor, 10))
		}
		body, err := r.request(ctx, http.MethodGet, "/v1/tasks/"+url.PathEscape(runID)+"/events", query, nil)
		if err != nil {
			return r.handleErr(err)
		}
		var env api.TaskEventsEnvelope
		if err := json.Unmarshal(body, &env); err != nil {
			return r.handleErr(err)
		}
		for _, ev := range env.Events {
			_, _ = fmt.Fprintf(r.out, "[%s] %s\n", ev.Kind, ev.Message)
			cursor = ev.Seq
			if model.TaskEventKind(ev.Kind).IsTerminal() {
				if ev.Kind == string(model.EventSuccess) {
					return 0
				}
				return 1
			}
		}
		if len(env.Events) == 0 {
			// No progress; the run may have ended without a terminal
			// event in the log (daemon restart, unknown outcome).
			status, err := r.fetchRunStatus(ctx, runID)
			if err != nil {
				return r.handleErr(err)
			}
			if status != string(model.RunRunning) {
				if status == string(model.RunSuccess) {
					return 0
				}
				return 1
			}
		}
		select {
		case <-ctx.Done():
			return 1
		case <-time.After(followInterval):
		}
	}
}

func (r *Runner) fetchRunStatus(ctx context.Context, runID string) (string, error) {
	body, err := r.request(ctx, http.MethodGet, "/v1/tasks/"+url.PathEscape(runID), nil, nil)
	if err != nil {
		return "", err
	}
	var env api.TaskRunEnvelope
	if err := json.Unmarshal(body, &env); err != nil {
		return "", err
	}
	return env.Run.Status, nil
}

func (r *Runner) runTaskStop(ctx context.Context, args []string) int {
	fs := flag.NewFlagSet("task stop", flag.ContinueOnError)
	fs.SetOutput(io.Discard)
	jsonOut := fs.Bool("json", false, "output JSON")
	if err := fs.Parse(args); err != nil {
		_, _ = fmt.Fprintf(r.errOut, "error: %v\n", err)
		return 2
	}
	body, err := r.request(ctx, http.MethodPost, "/v1/tasks/stop", nil, nil)
	if err != nil {
		return r.handleErr(err)
	}
	if *jsonOut {
		_, _ = r.out.Write(body)
		_, _ = fmt.Fprintln(r.out)
		return 0
	}
	var resp api.TaskStopResponse
	if err := json.Unmarshal(body, &resp); err != nil {
		return r.handleErr(err)
	}
	_, _ = fmt.Fprintln(r.out, resp.Message)
	return 0
}

func (r *Runner) runTaskList(ctx context.Context, args []string) int {
	fs := flag.NewFlagSet("task list", flag.ContinueOnError)
	fs.SetOutput(io.Discard)
	limit := fs.Int("limit", 0, "max runs to list")
	jsonOut := fs.Bool("json", false, "output JSON")
	if err := fs.Parse(args); err != nil {
		_, _ = fmt.Fprintf(r.errOut, "error: %v\n", err)
		return 2
	}
	query := url.Values{}
	if *limit > 0 {
		query.Set("limit", strconv.Itoa(*limit))
	}
	body, err := r.request(ctx, http.MethodGet, "/v1/tasks", query, nil)
	if err != nil {
		return r.handleErr(err)
	}
	if *jsonOut {
		_, _ = r.out.Write(body)
		_, _ = fmt.Fprintln(r.out)
		return 0
	}
	var env api.TaskRunsEnvelope
	if err := json.Unmarshal(body, &env); err != nil {
		return r.handleErr(err)
	}
	for _, run := range env.Runs {
		_, _ = fmt.Fprintf(r.out, "%s\t%s\t%s\t%s\n", run.RunID, run.Status, run.StartedAt, run.Task)
	}
	return 0
}

func (r *Runner) runTaskShow(ctx context.Context, args []string) int {
	fs := flag.NewFlagSet("task show", flag.ContinueOnError)
	fs.SetOutput(io.Discard)
	jsonOut := fs.Bool("json", false, "output JSON")
	rest := args
	runID := ""
	if len(rest) > 0 && !strings.HasPrefix(rest[0], "-") {
		runID = rest[0]
		rest = rest[1:]
	}
	if err := fs.Parse(rest); err != nil {
		_, _ = fmt.Fprintf(r.errOut, "error: %v\n", err)
		return 2
	}
	if runID == "" {
		_, _ = fmt.Fprintln(r.errOut, "usage: phonectl task show <run-id>")
		return 2
	}
	body, err := r.request(ctx, http.MethodGet, "/v1/tasks/"+url.PathEscape(runID), nil, nil)
	if err != nil {
		return r.handleErr(err)
	}
	if *jsonOut {
		_, _ = r.out.Write(body)
		_, _ = fmt.Fprintln(r.out)
		return 0
	}
	var env api.TaskRunEnvelope
	if err := json.Unmarshal(body, &env); err != nil {
		return r.handleErr(err)
	}
	run := env.Run
	_, _ = fmt.Fprintf(r.out, "run_id\t%s\n", run.RunID)
	_, _ = fmt.Fprintf(r.out, "task\t%s\n", run.Task)
	_, _ = fmt.Fprintf(r.out, "status\t%s\n", run.Status)
	_, _ = fmt.Fprintf(r.out, "started_at\t%s\n", run.StartedAt)
	if run.EndedAt != nil {
		_, _ = fmt.Fprintf(r.out, "ended_at\t%s\n", *run.EndedAt)
	}
	if run.Result != "" {
		_, _ = fmt.Fprintf(r.out, "result\t%s\n", run.Result)
	}
	return 0
}

func (r *Runner) runTaskEvents(ctx context.Context, args []string) int {
	fs := flag.NewFlagSet("task events", flag.ContinueOnError)
	fs.SetOutput(io.Discard)
	cursor := fs.Int64("cursor", 0, "list events after this sequence number")
	follow := fs.Bool("follow", false, "keep polling until the run ends")
	jsonOut := fs.Bool("json", false, "output JSON")
	rest := args
	runID := ""
	if len(rest) > 0 && !strings.HasPrefix(rest[0], "-") {
		runID = rest[0]
		rest = rest[1:]
	}
	if err := fs.Parse(rest); err != nil {
		_, _ = fmt.Fprintf(r.errOut, "error: %v\n", err)
		return 2
	}
	if runID == "" {
		_, _ = fmt.Fprintln(r.errOut, "usage: phonectl task events <run-id> [--cursor n] [--follow]")
		return 2
	}
	if *follow {
		return r.followEvents(ctx, runID, *cursor)
	}
	query := url.Values{}
	if *cursor > 0 {
		query.Set("cursor", strconv.FormatInt(*cursor, 10))
	}
	body, err := r.request(ctx, http.MethodGet, "/v1/tasks/"+url.PathEscape(runID)+"/events", query, nil)
	if err != nil {
		return r.handleErr(err)
	}
	if *jsonOut {
		_, _ = r.out.Write(body)
		_, _ = fmt.Fprintln(r.out)
		return 0
	}
	var env api.TaskEventsEnvelope
	if err := json.Unmarshal(body, &env); err != nil {
		return r.handleErr(err)
	}
	for _, ev := range env.Events {
		_, _ = fmt.Fprintf(r.out, "%d\t[%s]\t%s\n", ev.Seq, ev.Kind, ev.Message)
	}
	return 0
}

func (r *Runner) runDevice(ctx context.Context, args []string) int {
	if len(args) == 0 {
		_, _ = fmt.Fprintln(r.errOut, "usage: phonectl device <list|check|summary>")
		return 2
	}
	switch args[0] {
	case "list":
		return r.runDeviceList(ctx, args[1:])
	case "check":
		return r.runDeviceCheck(ctx, args[1:])
	case "summary":
		return r.runDeviceSummary(ctx, args[1:])
	default:
		_, _ = fmt.Fprintf(r.errOut, "unknown device command: %s\n", args[0])
		return 2
	}
}

func (r *Runner) runDeviceList(ctx context.Context, args []string) int {
	fs := flag.NewFlagSet("device list", flag.ContinueOnError)
	fs.SetOutput(io.Discard)
	deviceType := fs.String("type", "", "device type (adb, hdc, ios)")
	refresh := fs.Bool("refresh", false, "force a fresh scan")
	jsonOut := fs.Bool("json", false, "output JSON")
	if err := fs.Parse(args); err != nil {
		_, _ = fmt.Fprintf(r.errOut, "error: %v\n", err)
		return 2
	}
	query := url.Values{}
	if *deviceType != "" {
		query.Set("type", *deviceType)
	}
	if *refresh {
		query.Set("refresh", "true")
	}
	body, err := r.request(ctx, http.MethodGet, "/v1/devices", query, nil)
	if err != nil {
		return r.handleErr(err)
	}
	if *jsonOut {
		_, _ = r.out.Write(body)
		_, _ = fmt.Fprintln(r.out)
		return 0
	}
	var env api.DevicesEnvelope
	if err := json.Unmarshal(body, &env); err != nil {
		return r.handleErr(err)
	}
	for _, d := range env.Devices {
		name := d.Model
		if name == "" {
			name = "-"
		}
		_, _ = fmt.Fprintf(r.out, "%s\t%s\t%s\n", d.DeviceID, d.Status, name)
	}
	_, _ = fmt.Fprintln(r.out, env.Summary)
	return 0
}

func (r *Runner) runDeviceCheck(ctx context.Context, args []string) int {
	fs := flag.NewFlagSet("device check", flag.ContinueOnError)
	fs.SetOutput(io.Discard)
	deviceID := fs.String("device", "", "device id to check")
	deviceType := fs.String("type", "", "device type (adb, hdc, ios)")
	jsonOut := fs.Bool("json", false, "output JSON")
	if err := fs.Parse(args); err != nil {
		_, _ = fmt.Fprintf(r.errOut, "error: %v\n", err)
		return 2
	}
	req := map[string]string{}
	if *deviceID != "" {
		req["device_id"] = *deviceID
	}
	if *deviceType != "" {
		req["device_type"] = *deviceType
	}
	body, err := r.request(ctx, http.MethodPost, "/v1/devices/check", nil, req)
	if err != nil {
		return r.handleErr(err)
	}
	if *jsonOut {
		_, _ = r.out.Write(body)
		_, _ = fmt.Fprintln(r.out)
		return 0
	}
	var resp api.CheckResponse
	if err := json.Unmarshal(body, &resp); err != nil {
		return r.handleErr(err)
	}
	_, _ = fmt.Fprintln(r.out, resp.Message)
	if !resp.OK {
		return 1
	}
	return 0
}

func (r *Runner) runDeviceSummary(ctx context.Context, args []string) int {
	fs := flag.NewFlagSet("device summary", flag.ContinueOnError)
	fs.SetOutput(io.Discard)
	deviceType := fs.String("type", "", "device type (adb, hdc, ios)")
	jsonOut := fs.Bool("json", false, "output JSON")
	if err := fs.Parse(args); err != nil {
		_, _ = fmt.Fprintf(r.errOut, "error: %v\n", err)
		return 2
	}
	query := url.Values{}
	if *deviceType != "" {
		query.Set("type", *deviceType)
	}
	body, err := r.request(ctx, http.MethodGet, "/v1/devices/summary", query, nil)
	if err != nil {
		return r.handleErr(err)
	}
	if *jsonOut {
		_, _ = r.out.Write(body)
		_, _ = fmt.Fprintln(r.out)
		return 0
	}
	var env api.DevicesEnvelope
	if err := json.Unmarshal(body, &env); err != nil {
		return r.handleErr(err)
	}
	_, _ = fmt.Fprintln(r.out, env.Summary)
	return 0
}

func (r *Runner) runAgent(ctx context.Context, args []string) int {
	if len(args) == 0 || args[0] != "test" {
		_, _ = fmt.Fprintln(r.errOut, "usage: phonectl agent test")
		return 2
	}
	fs := flag.NewFlagSet("agent test", flag.ContinueOnError)
	fs.SetOutput(io.Discard)
	jsonOut := fs.Bool("json", false, "output JSON")
	if err := fs.Parse(args[1:]); err != nil {
		_, _ = fmt.Fprintf(r.errOut, "error: %v\n", err)
		return 2
	}
	body, err := r.request(ctx, http.MethodPost, "/v1/agent/test", nil, nil)
	if err != nil {
		return r.handleErr(err)
	}
	if *jsonOut {
		_, _ = r.out.Write(body)
		_, _ = fmt.Fprintln(r.out)
		return 0
	}
	var resp api.AgentTestResponse
	if err := json.Unmarshal(body, &resp); err != nil {
		return r.handleErr(err)
	}
	_, _ = fmt.Fprintln(r.out, resp.Message)
	if !resp.OK {
		return 1
	}
	return 0
}

func (r *Runner) runConfig(ctx context.Context, args []string) int {
	if len(args) == 0 || args[0] != "show" {
		_, _ = fmt.Fprintln(r.errOut, "usage: phonectl config show")
		return 2
	}
	fs := flag.NewFlagSet("config show", flag.ContinueOnError)
	fs.SetOutput(io.Discard)
	jsonOut := fs.Bool("json", false, "output JSON")
	if err := fs.Parse(args[1:]); err != nil {
		_, _ = fmt.Fprintf(r.errOut, "error: %v\n", err)
		return 2
	}
	body, err := r.request(ctx, http.MethodGet, "/v1/status", nil, nil)
	if err != nil {
		return r.handleErr(err)
	}
	var env api.StatusEnvelope
	if err := json.Unmarshal(body, &env); err != nil {
		return r.handleErr(err)
	}
	if *jsonOut {
		raw, err := json.Marshal(env.Agent)
		if err != nil {
			return r.handleErr(err)
		}
		_, _ = r.out.Write(raw)
		_, _ = fmt.Fprintln(r.out)
		return 0
	}
	a := env.Agent
	_, _ = fmt.Fprintf(r.out, "base_url\t%s\n", a.BaseURL)
	_, _ = fmt.Fprintf(r.out, "model\t%s\n", a.Model)
	if a.APIKey != "" {
		_, _ = fmt.Fprintf(r.out, "api_key\t%s\n", a.APIKey)
	}
	_, _ = fmt.Fprintf(r.out, "device_type\t%s\n", a.DeviceType)
	if a.DeviceID != "" {
		_, _ = fmt.Fprintf(r.out, "device_id\t%s\n", a.DeviceID)
	}
	_, _ = fmt.Fprintf(r.out, "lang\t%s\n", a.Lang)
	_, _ = fmt.Fprintf(r.out, "max_steps\t%d\n", a.MaxSteps)
	return 0
}

func (r *Runner) request(ctx context.Context, method, path string, query url.Values, body any) ([]byte, error) {
	u := r.baseURL + path
	if len(query) > 0 {
		u += "?" + query.Encode()
	}
	var reqBody io.Reader
	if body != nil {
		buf := &bytes.Buffer{}
		if err := json.NewEncoder(buf).Encode(body); err != nil {
			return nil, fmt.Errorf("encode request body: %w", err)
		}
		reqBody = buf
	}
	req, err := http.NewRequestWithContext(ctx, method, u, reqBody)
	if err != nil {
		return nil, err
	}
	req.Header.Set("Accept", "application/json")
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	resp, err := r.client.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close() //nolint:errcheck
	payload, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, err
	}
	if resp.StatusCode >= 400 {
		var er api.ErrorResponse
		if unmarshalErr := json.Unmarshal(payload, &er); unmarshalErr == nil && er.Error.Code != "" {
			return nil, fmt.Errorf("%s: %s", er.Error.Code, er.Error.Message)
		}
		return nil, fmt.Errorf("http %d: %s", resp.StatusCode, strings.TrimSpace(string(payload)))
	}
	return payload, nil
}

func (r *Runner) handleErr(err error) int {
	_, _ = fmt.Fprintf(r.errOut, "error: %v\n", err)
	return 1
}

func (r *Runner) printUsage() {
	_, _ = fmt.Fprintln(r.errOut, "usage: phonectl [--socket <path>] <status|task|device|agent|config> ...")
}
