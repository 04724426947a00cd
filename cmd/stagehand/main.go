package main

import (
	"context"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/spachava753/stagehand/internal/cli"
	"github.com/spachava753/stagehand/internal/models"
)

func main() {
	// Setup context with manual signal handling
	ctx, cancel := context.WithCancel(context.Background())

	// Listen for interrupt signals
	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM)

	defer func() {
		signal.Stop(sigChan)
		cancel()
	}()

	go func() {
		sig := <-sigChan
		slog.Info("interrupt received, stopping running tasks...", "signal", sig)
		cancel()
	}()

	err := cli.New(os.Stdout, os.Stderr).Run(ctx, os.Args[1:])
	if err != nil {
		slog.Error("stagehand failed", "error", err, "error_type", models.TypeOf(err))
	}
	code := models.ExitCodeOf(err)
	// os.Exit skips deferred calls
	signal.Stop(sigChan)
	cancel()
	os.Exit(int(code))
}
