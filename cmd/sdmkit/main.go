package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"sdmkit/internal/cli"
	"sdmkit/internal/config"
	"sdmkit/internal/logging"
	"sdmkit/internal/pipeline"
	"sdmkit/internal/storage"
)

func main() {
	if err := run(); err != nil {
		if !errors.Is(err, context.Canceled) {
			fmt.Fprintln(os.Stderr, err)
		}
		os.Exit(1)
	}
}

func run() error {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}

	log, err := logging.SetupWriter(cfg, os.Stderr)
	if err != nil {
		return err
	}

	// The ledger is optional; jobs still run without it.
	store, err := storage.New(cfg.Paths.DatabasePath)
	if err != nil {
		log.Warn("job ledger unavailable", "path", cfg.Paths.DatabasePath, "error", err)
		store = nil
	}
	defer store.Close()

	pipe := pipeline.New(ctx, cfg.Processing.ParallelJobs, log, store, cfg, nil)
	defer pipe.Stop()

	return cli.NewRootCmd(cfg, log, store, pipe).ExecuteContext(ctx)
}
