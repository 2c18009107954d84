// Package main — cmd/pulsed/main.go
//
// Pulse daemon entrypoint.
//
// Startup sequence:
//  1. Parse flags (config path, log level, version).
//  2. Load and validate config from the given path (or documented
//     defaults if no file exists).
//  3. Initialise structured logger (zap, JSON in production mode).
//  4. Construct the Daemon: acquires the PID-file lock, opens the State
//     Store, wires the Drive Engine, Evaluator, Guardrail Kernel,
//     Mutator, Plasticity Evolver, Trigger Dispatcher, Feedback Intake,
//     nervous-system hooks, and the Health/Metrics surfaces.
//  5. Run the Daemon Loop until SIGINT/SIGTERM.
//
// Shutdown sequence (on SIGINT/SIGTERM):
//  1. Cancel the root context; the Daemon Loop finishes its in-flight
//     iteration, stops sensors, persists a final state snapshot, and
//     releases the PID lock.
//  2. Flush the logger.
//  3. Exit 0.
package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"go.uber.org/zap"

	"github.com/pulsedaemon/pulse/internal/config"
	"github.com/pulsedaemon/pulse/internal/daemon"
	"github.com/pulsedaemon/pulse/internal/logging"
)

// buildVersion is overwritten at release time via -ldflags; "dev" is the
// value a plain `go build` produces.
var buildVersion = "dev"

func main() {
	configPath := flag.String("config", "/etc/pulse/config.yaml", "Path to config.yaml")
	logLevel := flag.String("log-level", "info", "Log level (debug, info, warn, error)")
	logFormat := flag.String("log-format", "json", "Log format (json, console)")
	showVersion := flag.Bool("version", false, "Print version and exit")
	flag.Parse()

	if *showVersion {
		fmt.Printf("pulsed %s\n", buildVersion)
		os.Exit(0)
	}

	cfg, err := loadConfig(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "FATAL: config load failed: %v\n", err)
		os.Exit(1)
	}

	log, err := logging.New(*logLevel, *logFormat)
	if err != nil {
		fmt.Fprintf(os.Stderr, "FATAL: logger init failed: %v\n", err)
		os.Exit(1)
	}
	defer log.Sync() //nolint:errcheck

	log.Info("pulsed starting",
		zap.String("version", buildVersion),
		zap.String("config", *configPath),
		zap.String("state_dir", cfg.State.Dir),
	)

	d, err := daemon.New(cfg, log)
	if err != nil {
		log.Fatal("daemon construction failed", zap.Error(err))
	}

	ctx, cancel := context.WithCancel(context.Background())

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	runErrCh := make(chan error, 1)
	go func() {
		runErrCh <- d.Run(ctx)
	}()

	select {
	case sig := <-sigCh:
		log.Info("shutdown signal received", zap.String("signal", sig.String()))
		cancel()
	case err := <-runErrCh:
		cancel()
		if err != nil {
			log.Error("daemon loop exited with error", zap.Error(err))
		}
		log.Info("pulsed shutdown complete")
		return
	}

	shutdownTimeout := cfg.Daemon.ShutdownTimeout
	if shutdownTimeout <= 0 {
		shutdownTimeout = 10 * time.Second
	}
	timer := time.NewTimer(shutdownTimeout)
	defer timer.Stop()

	select {
	case err := <-runErrCh:
		if err != nil {
			log.Error("daemon loop exited with error", zap.Error(err))
		}
	case <-timer.C:
		log.Warn("shutdown drain timeout — exiting anyway")
	}

	log.Info("pulsed shutdown complete")
}

// loadConfig reads the config file at path, falling back to documented
// defaults when it does not exist, so a freshly installed daemon with no
// config file yet still runs with sane defaults.
func loadConfig(path string) (*config.Config, error) {
	if _, err := os.Stat(path); os.IsNotExist(err) {
		defaults := config.Defaults()
		if verr := config.Validate(&defaults); verr != nil {
			return nil, verr
		}
		return &defaults, nil
	}
	return config.Load(path)
}
