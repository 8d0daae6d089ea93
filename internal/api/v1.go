package api

import "time"

type APIError struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

type ErrorResponse struct {
	SchemaVersion string    `json:"schema_version"`
	GeneratedAt   time.Time `json:"generated_at"`
	Error         APIError  `json:"error"`
}

type AgentConfigResponse struct {
	BaseURL       string `json:"base_url"`
	Model         string `json:"model"`
	APIKey        string `json:"api_key,omitempty"`
	DeviceType    string `json:"device_type"`
	DeviceID      string `json:"device_id,omitempty"`
	Lang          string `json:"lang"`
	MaxSteps      int    `json:"max_steps"`
	ConsoleOutput bool   `json:"console_output"`
}

type StatusEnvelope struct {
	SchemaVersion string              `json:"schema_version"`
	GeneratedAt   time.Time           `json:"generated_at"`
	TaskRunning   bool                `json:"task_running"`
	AgentReady    bool                `json:"agent_ready"`
	ScanHealth    string              `json:"scan_health"`
	Agent         AgentConfigResponse `json:"agent"`
}

type AgentTestResponse struct {
	SchemaVersion string    `json:"schema_version"`
	GeneratedAt   time.Time `json:"generated_at"`
	OK            bool      `json:"ok"`
	Message       string    `json:"message"`
}

type TaskStartResponse struct {
	SchemaVersion string    `json:"schema_version"`
	GeneratedAt   time.Time `json:"generated_at"`
	RunID         string    `json:"run_id"`
	Task          string    `json:"task"`
	StartedAt     string    `json:"started_at"`
}

type TaskStopResponse struct {
	SchemaVersion string    `json:"schema_version"`
	GeneratedAt   time.Time `json:"generated_at"`
	Stopping      bool      `json:"stopping"`
	Message       string    `json:"message"`
}

type TaskRunResponse struct {
	RunID     string  `json:"run_id"`
	Task      string  `json:"task"`
	Status    string  `json:"status"`
	Result    string  `json:"result,omitempty"`
	StartedAt string  `json:"started_at"`
	EndedAt   *string `json:"ended_at,omitempty"`
}

type TaskRunsEnvelope struct {
	SchemaVersion string            `json:"schema_version"`
	GeneratedAt   time.Time         `json:"generated_at"`
	Runs          []TaskRunResponse `json:"runs"`
}

type TaskRunEnvelope struct {
	SchemaVersion string          `json:"schema_version"`
	GeneratedAt   time.Time       `json:"generated_at"`
	Run           TaskRunResponse `json:"run"`
}

type TaskEventItem struct {
	Seq       int64  `json:"seq"`
	Kind      string `json:"kind"`
	Message   string `json:"message"`
	EventTime string `json:"event_time"`
}

type TaskEventsEnvelope struct {
	SchemaVersion string          `json:"schema_version"`
	GeneratedAt   time.Time       `json:"generated_at"`
	RunID         string          `json:"run_id"`
	Cursor        int64           `json:"cursor"`
	Events        []TaskEventItem `json:"events"`
}

type DeviceResponse struct {
	DeviceID     string  `json:"device_id"`
	Status       string  `json:"status"`
	DeviceType   string  `json:"device_type"`
	Model        string  `json:"model,omitempty"`
	LastCheck    *string `json:"last_check,omitempty"`
	ErrorMessage string  `json:"error_message,omitempty"`
}

type DevicesEnvelope struct {
	SchemaVersion string           `json:"schema_version"`
	GeneratedAt   time.Time        `json:"generated_at"`
	ScanHealth    string           `json:"scan_health"`
	Summary       string           `json:"summary"`
	Devices       []DeviceResponse `json:"devices"`
}

type CheckResponse struct {
	SchemaVersion string    `json:"schema_version"`
	GeneratedAt   time.Time `json:"generated_at"`
	OK            bool      `json:"ok"`
	DeviceID      string    `json:"device_id,omitempty"`
	Message       string    `json:"message"`
}
