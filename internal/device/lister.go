package device

import (
	"bufio"
	"context"
	"fmt"
	"strings"

	"github.com/harut0/phoned/internal/model"
)

// RawDevice is one record from the native toolchain, status string
// untranslated.
type RawDevice struct {
	DeviceID string
	State    string
	Model    string
}

// Lister enumerates devices for one toolchain. Implementations may be
// slow; callers go through the scanner's TTL cache.
type Lister interface {
	ListDevices(ctx context.Context, deviceType model.DeviceType) ([]RawDevice, error)
}

// ExecLister shells out to the platform tools: adb for Android, hdc
// for HarmonyOS, idevice_id for iOS.
type ExecLister struct {
	executor *Executor
}

func NewExecLister(executor *Executor) *ExecLister {
	return &ExecLister{executor: executor}
}

func (l *ExecLister) ListDevices(ctx context.Context, deviceType model.DeviceType) ([]RawDevice, error) {
	switch deviceType {
	case model.DeviceADB:
		res, err := l.executor.Run(ctx, []string{"adb", "devices", "-l"})
		if err != nil {
			return nil, err
		}
		return parseADBDevices(res.Output), nil
	case model.DeviceHDC:
		res, err := l.executor.Run(ctx, []string{"hdc", "list", "targets", "-v"})
		if err != nil {
			return nil, err
		}
		return parseHDCTargets(res.Output), nil
	case model.DeviceIOS:
		res, err := l.executor.Run(ctx, []string{"idevice_id", "-l"})
		if err != nil {
			return nil, err
		}
		return parseIOSDevices(res.Output), nil
	default:
		return nil, fmt.Errorf("unsupported device type: %s", deviceType)
	}
}

// parseADBDevices reads `adb devices -l` output. Each device line is
// "<serial> <state> [key:value ...]"; the header and empty lines are
// skipped.
func parseADBDevices(output string) []RawDevice {
	devices := make([]RawDevice, 0)
	s := bufio.NewScanner(strings.NewReader(output))
	for s.Scan() {
		line := strings.TrimSpace(s.Text())
		if line == "" || strings.HasPrefix(line, "List of devices") || strings.HasPrefix(line, "*") {
			continue
		}
		fields := strings.Fields(line)
		if len(fields) < 2 {
			continue
		}
		dev := RawDevice{DeviceID: fields[0], State: fields[1]}
		for _, field := range fields[2:] {
			if v, ok := strings.CutPrefix(field, "model:"); ok {
				dev.Model = v
			}
		}
		devices = append(devices, dev)
	}
	return devices
}

// parseHDCTargets reads `hdc list targets -v` output:
// "<connect-key> <mode> <state> <host>".
func parseHDCTargets(output string) []RawDevice {
	devices := make([]RawDevice, 0)
	s := bufio.NewScanner(strings.NewReader(output))
	for s.Scan() {
		line := strings.TrimSpace(s.Text())
		if line == "" || strings.HasPrefix(line, "[Empty]") {
			continue
		}
		fields := strings.Fields(line)
		if len(fields) < 1 {
			continue
		}
		dev := RawDevice{DeviceID: fields[0], State: "device"}
		if len(fields) >= 3 {
			dev.State = fields[2]
		}
		devices = append(devices, dev)
	}
	return devices
}

// parseIOSDevices reads `idevice_id -l` output: one UDID per line.
// The tool only lists reachable devices, so the state is fixed.
func parseIOSDevices(output string) []RawDevice {
	devices := make([]RawDevice, 0)
	s := bufio.NewScanner(strings.NewReader(output))
	for s.Scan() {
		line := strings.TrimSpace(s.Text())
		if line == "" {
			continue
		}
		devices = append(devices, RawDevice{DeviceID: line, State: "device"})
	}
	return devices
}
