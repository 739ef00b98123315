package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"

	"github.com/robertarktes/driving-school-scheduler/internal/cli"
	"github.com/robertarktes/driving-school-scheduler/internal/config"
	"github.com/robertarktes/driving-school-scheduler/internal/observability"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
	logger := observability.NewLogger(cfg.LogLevel)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt)
	defer stop()

	if err := cli.NewRoot(cli.EnvFromConfig(cfg, logger)).ExecuteContext(ctx); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}
