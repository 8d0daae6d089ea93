package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/harut0/phoned/internal/model"
)

// AgentConfig is the flat connection record handed to the agent
// factory. Validate must pass before any construction attempt.
type AgentConfig struct {
	BaseURL       string           `yaml:"base_url"`
	Model         string           `yaml:"model"`
	APIKey        string           `yaml:"api_key"`
	DeviceType    model.DeviceType `yaml:"device_type"`
	DeviceID      string           `yaml:"device_id"`
	Lang          string           `yaml:"lang"`
	MaxSteps      int              `yaml:"max_steps"`
	Verbose       bool             `yaml:"verbose"`
	ConsoleOutput bool             `yaml:"console_output"`
	// AgentCommand is the external agent binary plus fixed arguments;
	// the task text is appended as the final argument.
	AgentCommand []string `yaml:"agent_command"`
}

func (c AgentConfig) Validate() error {
	if strings.TrimSpace(c.BaseURL) == "" {
		return fmt.Errorf("base_url must not be empty")
	}
	if strings.TrimSpace(c.Model) == "" {
		return fmt.Errorf("model must not be empty")
	}
	if !c.DeviceType.Valid() {
		return fmt.Errorf("device_type must be one of adb, hdc, ios")
	}
	if c.MaxSteps <= 0 {
		return fmt.Errorf("max_steps must be positive")
	}
	return nil
}

// Redacted returns a copy safe for status responses and logs.
func (c AgentConfig) Redacted() AgentConfig {
	c.APIKey = redactKey(c.APIKey)
	return c
}

func redactKey(key string) string {
	if key == "" {
		return ""
	}
	if len(key) <= 8 {
		return "[REDACTED]"
	}
	return key[:4] + "..." + key[len(key)-4:]
}

type Config struct {
	SocketPath string `yaml:"socket_path"`
	DBPath     string `yaml:"db_path"`
	// Durations are configured in seconds in the YAML file.
	ScanTTLSeconds         float64 `yaml:"scan_ttl_seconds"`
	MonitorIntervalSeconds float64 `yaml:"monitor_interval_seconds"`
	ScanTTL                time.Duration   `yaml:"-"`
	MonitorInterval        time.Duration   `yaml:"-"`
	StopJoinTimeout        time.Duration   `yaml:"-"`
	CommandTimeout         time.Duration   `yaml:"-"`
	RetryBackoff           []time.Duration `yaml:"-"`
	Agent                  AgentConfig     `yaml:"agent"`
}

func DefaultConfig() Config {
	return Config{
		SocketPath:      defaultSocketPath(),
		DBPath:          defaultDBPath(),
		ScanTTL:         5 * time.Second,
		MonitorInterval: 5 * time.Second,
		StopJoinTimeout: 2 * time.Second,
		CommandTimeout:  10 * time.Second,
		RetryBackoff:    []time.Duration{250 * time.Millisecond, 1 * time.Second},
		Agent: AgentConfig{
			DeviceType:    model.DeviceADB,
			Lang:          "en",
			MaxSteps:      100,
			Verbose:       true,
			ConsoleOutput: true,
		},
	}
}

// LoadFile overlays YAML config from path onto cfg. A missing file is
// not an error; the defaults stand.
func LoadFile(cfg Config, path string) (Config, error) {
	data, err := os.ReadFile(path)
	if os.IsNotExist(err) {
		return cfg, nil
	}
	if err != nil {
		return cfg, fmt.Errorf("read config file: %w", err)
	}
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return cfg, fmt.Errorf("parse config file %s: %w", path, err)
	}
	if cfg.ScanTTLSeconds > 0 {
		cfg.ScanTTL = time.Duration(cfg.ScanTTLSeconds * float64(time.Second))
	}
	if cfg.MonitorIntervalSeconds > 0 {
		cfg.MonitorInterval = time.Duration(cfg.MonitorIntervalSeconds * float64(time.Second))
	}
	return cfg, nil
}

// FromEnv overlays PHONE_AGENT_* environment variables. Unset
// variables leave the current value in place.
func FromEnv(cfg Config) Config {
	if v := os.Getenv("PHONE_AGENT_BASE_URL"); v != "" {
		cfg.Agent.BaseURL = v
	}
	if v := os.Getenv("PHONE_AGENT_MODEL"); v != "" {
		cfg.Agent.Model = v
	}
	if v := os.Getenv("PHONE_AGENT_API_KEY"); v != "" {
		cfg.Agent.APIKey = v
	}
	if v := os.Getenv("PHONE_AGENT_DEVICE_TYPE"); v != "" {
		cfg.Agent.DeviceType = model.DeviceType(strings.ToLower(v))
	}
	if v := os.Getenv("PHONE_AGENT_DEVICE_ID"); v != "" {
		cfg.Agent.DeviceID = v
	}
	if v := os.Getenv("PHONE_AGENT_LANG"); v != "" {
		cfg.Agent.Lang = v
	}
	if v := os.Getenv("PHONE_AGENT_MAX_STEPS"); v != "" {
		if steps, err := strconv.Atoi(v); err == nil {
			cfg.Agent.MaxSteps = steps
		}
	}
	return cfg
}

func defaultSocketPath() string {
	runtimeDir := os.Getenv("XDG_RUNTIME_DIR")
	if runtimeDir != "" {
		return filepath.Join(runtimeDir, "phoned", "phoned.sock")
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return ".phoned.sock"
	}
	return filepath.Join(home, ".local", "state", "phoned", "phoned.sock")
}

// DefaultConfigPath is where LoadFile looks when no --config flag is
// given. The file is optional.
func DefaultConfigPath() string {
	if dir := os.Getenv("XDG_CONFIG_HOME"); dir != "" {
		return filepath.Join(dir, "phoned", "config.yaml")
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return "phoned.yaml"
	}
	return filepath.Join(home, ".config", "phoned", "config.yaml")
}

func defaultDBPath() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return "phoned.db"
	}
	return filepath.Join(home, ".local", "state", "phoned", "history.db")
}
