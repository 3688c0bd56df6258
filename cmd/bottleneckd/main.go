package main

import (
	"context"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/e7canasta/spatial-bottleneck/internal/worker"
)

const (
	defaultConfigPath = "configs/bottleneckd.yaml"
	version           = "v0.1.0"
)

func main() {
	// Parse command line flags
	configPath := flag.String("config", defaultConfigPath, "Path to configuration file")
	debug := flag.Bool("debug", false, "Enable debug logging")
	showVersion := flag.Bool("version", false, "Show version and exit")
	flag.Parse()

	if *showVersion {
		fmt.Printf("bottleneckd %s\n", version)
		os.Exit(0)
	}

	// Setup structured logger
	logLevel := slog.LevelInfo
	if *debug {
		logLevel = slog.LevelDebug
	}
	logger := slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{
		Level: logLevel,
	}))
	slog.SetDefault(logger)

	slog.Info("starting bottleneck worker",
		"config", *configPath,
		"debug", *debug,
		"version", version,
	)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)

	w, err := worker.New(*configPath)
	if err != nil {
		slog.Error("failed to create worker", "error", err)
		os.Exit(1)
	}

	if err := w.StartHealthServer(); err != nil {
		slog.Error("failed to start health check server", "error", err)
		os.Exit(1)
	}

	errChan := make(chan error, 1)
	go func() {
		errChan <- w.Run(ctx)
	}()

	exitCode := 0
	select {
	case sig := <-sigChan:
		slog.Info("received shutdown signal", "signal", sig)
		cancel()
		<-errChan
	case err := <-errChan:
		if err != nil {
			slog.Error("worker error", "error", err)
			exitCode = 1
		} else {
			slog.Info("worker finished")
		}
	}

	shutdownTimeout := w.ShutdownTimeout()
	slog.Info("shutting down gracefully", "timeout", shutdownTimeout)

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer shutdownCancel()

	if err := w.Shutdown(shutdownCtx); err != nil {
		slog.Error("shutdown failed", "error", err)
		exitCode = 1
	}

	slog.Info("bottleneck worker stopped", "exit_code", exitCode)
	if exitCode != 0 {
		shutdownCancel()
		os.Exit(exitCode)
	}
}
