// Copyright 2026 The VJBus Authors
// SPDX-License-Identifier: Apache-2.0

// Vjbus-supervisor is the root of a VJ console session: it spawns the
// configured worker roster, restarts crashed workers with backoff,
// and exposes the same control protocol as any other worker under
// the name "supervisor". Stop it with SIGINT or SIGTERM and it
// gracefully stops every worker it manages.
package main

import (
	"context"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/pflag"

	"github.com/openvj/vjbus/lib/clock"
	"github.com/openvj/vjbus/lib/config"
	"github.com/openvj/vjbus/lib/discovery"
	"github.com/openvj/vjbus/lib/process"
	"github.com/openvj/vjbus/lib/supervisor"
	"github.com/openvj/vjbus/lib/worker"
)

func main() {
	if err := run(); err != nil {
		process.Fatal(err)
	}
}

func run() error {
	var (
		configPath string
		busRoot    string
		logLevel   string
	)
	pflag.StringVar(&configPath, "config", "", "path to the console configuration file")
	pflag.StringVar(&busRoot, "root", "", "bus root directory (overrides the config file)")
	pflag.StringVar(&logLevel, "log-level", "info", "log level: debug, info, warn, error")
	pflag.Parse()

	cfg, err := config.Load(configPath)
	if err != nil {
		return err
	}
	if busRoot != "" {
		cfg.BusRoot = busRoot
	}

	logger := newLogger(logLevel)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	clk := clock.Real()
	sup := supervisor.New(supervisor.Options{
		Config: cfg,
		Clock:  clk,
		Logger: logger,
	})

	runtime, err := worker.New(worker.Config{
		Name:              supervisor.Name,
		Generation:        supervisor.ParseGeneration(),
		Bus:               discovery.Config{Root: cfg.BusRoot},
		TelemetryAddr:     cfg.TelemetryAddr,
		Streams:           []string{supervisor.EventStream},
		HeartbeatInterval: cfg.HeartbeatInterval,
		LoopInterval:      cfg.LoopInterval,
		Clock:             clk,
		Logger:            logger,
	}, sup)
	if err != nil {
		return err
	}
	sup.BindRuntime(runtime)

	return runtime.Run(ctx)
}

func newLogger(level string) *slog.Logger {
	var l slog.Level
	switch level {
	case "debug":
		l = slog.LevelDebug
	case "warn":
		l = slog.LevelWarn
	case "error":
		l = slog.LevelError
	default:
		l = slog.LevelInfo
	}
	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: l}))
}
