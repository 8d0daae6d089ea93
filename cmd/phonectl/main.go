package main

import (
	"context"
	"os"

	"github.com/harut0/phoned/internal/cli"
	"github.com/harut0/phoned/internal/config"
)

func main() {
	cfg := config.DefaultConfig()
	r := cli.NewRunner(cfg.SocketPath, os.Stdout, os.Stderr)
	os.Exit(r.Run(context.Background(), os.Args[1:]))
}
