// Sprayd - cold spray process controller
//
// Connects to the chamber PLC and the powder feeder, polls their tags
// into a cache, and exposes equipment and motion control services plus
// optional MQTT/Redis telemetry and spray history recording.
package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"sprayd/config"
	"sprayd/engine"
	"sprayd/logging"
)

// Version is set at build time via -ldflags
var Version = "dev"

// Command line flags
var (
	configPath  = flag.String("config", config.DefaultPath(), "Path to configuration file")
	showVersion = flag.Bool("version", false, "Show version and exit")
	forceMock   = flag.Bool("mock", false, "Use mock hardware (overrides config)")
	logLevel    = flag.String("log-level", "", "Log level (overrides config)")
	console     = flag.Bool("console", true, "Human-readable console logging")
)

func main() {
	flag.Parse()

	if *showVersion {
		fmt.Printf("sprayd %s\n", Version)
		os.Exit(0)
	}

	cfg, err := config.Load(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error loading config: %v\n", err)
		os.Exit(1)
	}

	// Flag overrides (in memory only)
	if *forceMock {
		cfg.Hardware.ForceMock = true
	}
	if *logLevel != "" {
		cfg.LogLevel = *logLevel
	}

	if err := cfg.Validate(); err != nil {
		fmt.Fprintf(os.Stderr, "Config error: %v\n", err)
		os.Exit(1)
	}

	logging.Setup(cfg.LogLevel, *console)
	log := logging.Component("main")

	eng, err := engine.New(cfg)
	if err != nil {
		log.Fatal().Err(err).Msg("engine init failed")
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	if err := eng.Start(ctx); err != nil {
		log.Fatal().Err(err).Msg("engine start failed")
	}

	log.Info().Str("version", Version).Bool("mock", cfg.Hardware.ForceMock).Msg("sprayd running")

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)
	sig := <-sigChan
	log.Info().Str("signal", sig.String()).Msg("shutting down")
	cancel()

	// Graceful shutdown with a hard deadline
	done := make(chan struct{})
	go func() {
		eng.Stop()
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(5 * time.Second):
		log.Warn().Msg("shutdown deadline exceeded")
	}
}
