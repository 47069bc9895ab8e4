package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"flipbooks/internal/cli"
	"flipbooks/internal/config"
	"flipbooks/internal/logging"
	"flipbooks/internal/pipeline"
	"flipbooks/internal/tasks"
)

func main() {
	if err := run(); err != nil {
		os.Exit(1)
	}
}

func run() error {
	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "config: %v\n", err)
		return err
	}
	logger, err := logging.Setup(cfg)
	if err != nil {
		fmt.Fprintf(os.Stderr, "logging: %v\n", err)
		return err
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	env := tasks.NewEnv(cfg, logger)
	pipe := pipeline.New(ctx, cfg.Processing.ParallelJobs, logger, env)
	defer pipe.Stop()

	rootCmd := cli.NewRootCmd(cfg, logger, pipe)
	return cli.Execute(ctx, rootCmd, os.Args[1:])
}
