// Copyright 2026 The VJBus Authors
// SPDX-License-Identifier: Apache-2.0

// Vjbus-mock-worker is a scriptable worker for exercising the
// supervisor and the control protocol without real A/V hardware. It
// heartbeats, emits synthetic telemetry, applies set_config, and can
// be told to fail at startup or crash after a delay — the failure
// modes the supervisor's restart machinery exists for.
package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"sync/atomic"
	"syscall"
	"time"

	"github.com/spf13/pflag"

	"github.com/openvj/vjbus/lib/clock"
	"github.com/openvj/vjbus/lib/discovery"
	"github.com/openvj/vjbus/lib/process"
	"github.com/openvj/vjbus/lib/schema"
	"github.com/openvj/vjbus/lib/supervisor"
	"github.com/openvj/vjbus/lib/telemetry"
	"github.com/openvj/vjbus/lib/worker"
)

func main() {
	if err := run(); err != nil {
		process.Fatal(err)
	}
}

func run() error {
	var (
		name          string
		root          string
		telemetryAddr string
		failStart     bool
		exitOnStart   bool
		crashAfter    time.Duration
		telemetryRate float64
	)
	pflag.StringVar(&name, "name", envOr(supervisor.EnvWorkerName, "mock"), "worker name on the bus")
	pflag.StringVar(&root, "root", envOr(supervisor.EnvRoot, "/tmp/vjbus"), "bus root directory")
	pflag.StringVar(&telemetryAddr, "telemetry-addr", envOr(supervisor.EnvTelemetryAddr, telemetry.DefaultAddr), "UDP telemetry address")
	pflag.BoolVar(&failStart, "fail-start", false, "fail during startup (exercises restart backoff)")
	pflag.BoolVar(&exitOnStart, "exit-on-start", false, "exit right after entering the main loop (crash-loop exerciser)")
	pflag.DurationVar(&crashAfter, "crash-after", 0, "crash this long after starting (0 disables)")
	pflag.Float64Var(&telemetryRate, "telemetry-rate", 10, "synthetic telemetry messages per second (0 disables)")
	pflag.Parse()

	logger := slog.New(slog.NewTextHandler(os.Stderr, nil))
	clk := clock.Real()

	heartbeatInterval := time.Duration(0)
	if value := os.Getenv(supervisor.EnvHeartbeatInterval); value != "" {
		if parsed, err := time.ParseDuration(value); err == nil {
			heartbeatInterval = parsed
		}
	}

	mock := &mockWorker{
		name:          name,
		failStart:     failStart,
		exitOnStart:   exitOnStart,
		crashAfter:    crashAfter,
		telemetryRate: telemetryRate,
		clock:         clk,
	}

	runtime, err := worker.New(worker.Config{
		Name:              name,
		Generation:        supervisor.ParseGeneration(),
		Bus:               discovery.Config{Root: root},
		TelemetryAddr:     telemetryAddr,
		Streams:           []string{"/" + name + "/tick"},
		HeartbeatInterval: heartbeatInterval,
		Clock:             clk,
		Logger:            logger,
	}, mock)
	if err != nil {
		return err
	}
	mock.runtime = runtime

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()
	return runtime.Run(ctx)
}

func envOr(key, fallback string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return fallback
}

type mockWorker struct {
	name          string
	failStart     bool
	exitOnStart   bool
	crashAfter    time.Duration
	telemetryRate float64
	clock         clock.Clock
	runtime       *worker.Runtime

	startedAt time.Time
	lastTick  time.Time
	ticks     atomic.Int64
	config    map[string]any
}

func (w *mockWorker) OnStart(ctx context.Context) error {
	if w.failStart {
		return errors.New("mock worker told to fail at startup")
	}
	w.startedAt = w.clock.Now()
	w.lastTick = w.startedAt
	return nil
}

func (w *mockWorker) OnStop(ctx context.Context) error { return nil }

func (w *mockWorker) OnLoop(ctx context.Context) error {
	if w.exitOnStart {
		return errors.New("mock worker exiting immediately, as told")
	}
	now := w.clock.Now()
	if w.crashAfter > 0 && now.Sub(w.startedAt) >= w.crashAfter {
		return fmt.Errorf("mock worker crashing %s after start, as told", w.crashAfter)
	}
	if w.telemetryRate > 0 {
		interval := time.Duration(float64(time.Second) / w.telemetryRate)
		if now.Sub(w.lastTick) >= interval {
			w.lastTick = now
			count := w.ticks.Add(1)
			w.runtime.Telemetry().Send("/"+w.name+"/tick", count, now.Sub(w.startedAt).Seconds())
		}
	}
	return nil
}

func (w *mockWorker) OnCommand(ctx context.Context, command schema.CommandPayload) (schema.AckPayload, error) {
	switch command.Verb {
	case schema.VerbSetConfig:
		w.config = command.Data
		return schema.AckPayload{Status: schema.StatusOK}, nil
	case "echo":
		return schema.AckPayload{Status: schema.StatusOK, Data: command.Data}, nil
	default:
		return schema.AckPayload{}, worker.ErrUnknownVerb
	}
}

func (w *mockWorker) Stats() map[string]any {
	return map[string]any{
		"ticks":          w.ticks.Load(),
		"config_entries": len(w.config),
	}
}
