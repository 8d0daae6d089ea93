package model

import "time"

// TaskEventKind is the closed set of progress event categories for a
// task run. Consumers branch on the kind only; a run normally ends
// with exactly one of Success, Error, or Stop. Info closes the stream
// only when the agent returns without a usable outcome.
type TaskEventKind string

const (
	EventStart       TaskEventKind = "start"
	EventThinking    TaskEventKind = "thinking"
	EventPerformance TaskEventKind = "performance"
	EventAction      TaskEventKind = "action"
	EventTakeover    TaskEventKind = "takeover"
	EventSuccess     TaskEventKind = "success"
	EventError       TaskEventKind = "error"
	EventStop        TaskEventKind = "stop"
	EventInfo        TaskEventKind = "info"
)

// IsTerminal reports whether an event of this kind ends the run stream.
func (k TaskEventKind) IsTerminal() bool {
	switch k {
	case EventSuccess, EventError, EventStop:
		return true
	}
	return false
}

// TaskEvent is one immutable progress record emitted during a task run.
// Emission order is significant and preserved end to end.
type TaskEvent struct {
	Kind      TaskEventKind
	Message   string
	Timestamp time.Time
}

// RunStatus is the persisted lifecycle state of a task run.
type RunStatus string

const (
	RunRunning RunStatus = "running"
	RunSuccess RunStatus = "success"
	RunError   RunStatus = "error"
	RunStopped RunStatus = "stopped"
)

// RunStatusForEvent maps a terminal event kind to the stored run status.
func RunStatusForEvent(kind TaskEventKind) RunStatus {
	switch kind {
	case EventSuccess:
		return RunSuccess
	case EventError:
		return RunError
	case EventStop:
		return RunStopped
	}
	return RunRunning
}

type TaskRun struct {
	RunID     string
	Task      string
	Status    RunStatus
	Result    string
	StartedAt time.Time
	EndedAt   *time.Time
}

// DeviceType selects which device toolchain is enumerated.
type DeviceType string

const (
	DeviceADB DeviceType = "adb"
	DeviceHDC DeviceType = "hdc"
	DeviceIOS DeviceType = "ios"
)

func (t DeviceType) Valid() bool {
	switch t {
	case DeviceADB, DeviceHDC, DeviceIOS:
		return true
	}
	return false
}

type DeviceStatus string

const (
	DeviceConnected    DeviceStatus = "connected"
	DeviceDisconnected DeviceStatus = "disconnected"
	DeviceUnauthorized DeviceStatus = "unauthorized"
	DeviceOffline      DeviceStatus = "offline"
	DeviceUnknown      DeviceStatus = "unknown"
)

// DeviceInfo is one cached device record. DeviceID is the unique key
// within a scanner's cache. A device that drops out of a scan keeps its
// record with Status set to DeviceDisconnected; scans never delete.
type DeviceInfo struct {
	DeviceID     string
	Status       DeviceStatus
	DeviceType   DeviceType
	Model        string
	LastCheck    *time.Time
	ErrorMessage string
}

// ScanHealth tracks whether the external device-listing call itself is
// usable, independent of any individual device's status.
type ScanHealth string

const (
	ScanHealthOK       ScanHealth = "ok"
	ScanHealthDegraded ScanHealth = "degraded"
	ScanHealthDown     ScanHealth = "down"
)

// Error codes defined by the API contract.
const (
	ErrCodeInvalidRequest = "E_INVALID_REQUEST"
	ErrCodeNotFound       = "E_NOT_FOUND"
	ErrCodeTaskRunning    = "E_TASK_RUNNING"
	ErrCodeConfigInvalid  = "E_CONFIG_INVALID"
	ErrCodeAgentFactory   = "E_AGENT_FACTORY"
	ErrCodeInternal       = "E_INTERNAL"
)
