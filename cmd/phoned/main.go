package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/harut0/phoned/internal/agent"
	"github.com/harut0/phoned/internal/config"
	"github.com/harut0/phoned/internal/daemon"
	"github.com/harut0/phoned/internal/db"
	"github.com/harut0/phoned/internal/device"
	"github.com/harut0/phoned/internal/relay"
)

func main() {
	configPath := flag.String("config", config.DefaultConfigPath(), "YAML config path")
	socketPath := flag.String("socket", "", "UDS path for phoned (overrides config)")
	dbPath := flag.String("db", "", "SQLite path (overrides config)")
	flag.Parse()

	cfg, err := config.LoadFile(config.DefaultConfig(), *configPath)
	if err != nil {
		fatal(err)
	}
	cfg = config.FromEnv(cfg)
	if *socketPath != "" {
		cfg.SocketPath = *socketPath
	}
	if *dbPath != "" {
		cfg.DBPath = *dbPath
	}

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	store, err := db.Open(ctx, cfg.DBPath)
	if err != nil {
		fatal(err)
	}
	defer store.Close() //nolint:errcheck

	if err := db.ApplyMigrations(ctx, store.DB()); err != nil {
		fatal(err)
	}

	if err := cfg.Agent.Validate(); err != nil {
		logErr("agent config", err)
	}

	runner := relay.NewRunner(agent.NewExecAgent, cfg.Agent)
	scanner := device.NewScanner(cfg, device.NewExecLister(device.NewExecutor(cfg)))
	scanner.StartMonitoring(cfg.Agent.DeviceType, cfg.MonitorInterval)
	defer scanner.StopMonitoring()

	srv := daemon.NewServer(cfg, store, runner, scanner, agent.NewExecAgent)
	if err := srv.Start(ctx); err != nil && err != context.Canceled {
		fatal(err)
	}
}

func logErr(scope string, err error) {
	_, _ = fmt.Fprintf(os.Stderr, "phoned: %s: %v\n", scope, err)
}

func fatal(err error) {
	_, _ = fmt.Fprintf(os.Stderr, "phoned: %v\n", err)
	os.Exit(1)
}
