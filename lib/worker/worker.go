// Copyright 2026 The VJBus Authors
// SPDX-License-Identifier: Apache-2.0

// Package worker provides the lifecycle skeleton every vjbus process
// embeds. Concrete workers (audio analyzer, lyrics fetcher, playback
// monitors) implement the four-method Worker interface; the Runtime
// owns the control endpoint, heartbeat cadence, command dispatch,
// discovery registration, and graceful shutdown.
//
// The runtime is a single-threaded cooperative loop: every step —
// accept, command drain, heartbeat, OnLoop — carries a bounded
// timeout, so no step can starve the others. Domain work that blocks
// (HTTP polling, device reads) belongs on its own goroutine, posting
// results into the loop through a Queue.
package worker

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"time"

	"github.com/openvj/vjbus/lib/clock"
	"github.com/openvj/vjbus/lib/control"
	"github.com/openvj/vjbus/lib/discovery"
	"github.com/openvj/vjbus/lib/schema"
	"github.com/openvj/vjbus/lib/telemetry"
)

// Worker is the contract a domain worker implements. Exactly four
// extension points; no deeper hierarchy exists or is needed.
type Worker interface {
	// OnStart runs once before the main loop; acquire domain
	// resources here. An error is fatal: the process exits non-zero
	// and the supervisor's restart/backoff machinery takes over.
	OnStart(ctx context.Context) error

	// OnStop runs once on shutdown and releases resources. It is
	// called unconditionally once the runtime has entered Running —
	// even when OnLoop or OnCommand just failed.
	OnStop(ctx context.Context) error

	// OnCommand handles one command synchronously. Return ErrUnknownVerb
	// (wrapped or bare) for verbs the worker does not implement; the
	// runtime turns it into an error-typed reply. Any other non-nil
	// error is treated as a runtime failure: the worker logs, stops,
	// and exits non-zero (fail-fast — restart is the one recovery
	// path). Handlers must return within the command budget (a
	// quarter of the heartbeat interval) or heartbeat emission
	// suffers; the runtime logs a warning when the budget is
	// exceeded.
	OnCommand(ctx context.Context, command schema.CommandPayload) (schema.AckPayload, error)

	// OnLoop runs once per runtime iteration (~20 Hz by default) for
	// polling-style work. Slow-cadence polling counts iterations
	// instead of sleeping. A non-nil error is fatal (fail-fast).
	OnLoop(ctx context.Context) error
}

// StatsProvider is optionally implemented by workers that want
// domain counters (frames processed, fps) included in heartbeats.
type StatsProvider interface {
	Stats() map[string]any
}

// ErrUnknownVerb signals that OnCommand does not implement the
// requested verb. The runtime replies with an error envelope instead
// of treating it as a worker failure.
var ErrUnknownVerb = errors.New("worker: unknown verb")

// State is the runtime lifecycle position.
type State int

const (
	Starting State = iota
	Running
	Stopping
	Terminated
)

func (s State) String() string {
	switch s {
	case Starting:
		return "starting"
	case Running:
		return "running"
	case Stopping:
		return "stopping"
	default:
		return "terminated"
	}
}

// Config parameterizes a Runtime. Name, Bus, Clock, and Logger are
// required; the rest default sensibly.
type Config struct {
	// Name is the worker's stable logical name ("audio_analyzer").
	// It determines the control endpoint path and the registration
	// artifact name.
	Name string

	// Generation is assigned by the supervisor (VJBUS_GENERATION in
	// the spawned environment) and stamped into every envelope.
	// Zero for workers started by hand.
	Generation int

	// Bus locates the shared bus directory.
	Bus discovery.Config

	// TelemetryAddr is the UDP endpoint telemetry is sent to.
	// Defaults to telemetry.DefaultAddr.
	TelemetryAddr string

	// Streams lists the telemetry addresses this worker emits,
	// advertised in its registration.
	Streams []string

	// HeartbeatInterval defaults to 5s.
	HeartbeatInterval time.Duration

	// LoopInterval is the main loop cadence, default 50ms (~20 Hz).
	LoopInterval time.Duration

	Clock  clock.Clock
	Logger *slog.Logger
}

const (
	defaultHeartbeatInterval = 5 * time.Second
	defaultLoopInterval      = 50 * time.Millisecond

	// acceptTimeout bounds the per-iteration accept so a quiet
	// socket costs almost nothing.
	acceptTimeout = 5 * time.Millisecond

	// drainTimeout bounds each per-connection receive during the
	// command drain step.
	drainTimeout = time.Millisecond

	// maxCommandsPerTick caps how many commands one iteration
	// processes so a chatty client cannot starve OnLoop or the
	// heartbeat.
	maxCommandsPerTick = 16
)

// Runtime drives one worker process. Create with New, run with Run.
type Runtime struct {
	config  Config
	worker  Worker
	builder *schema.Builder
	sender  *telemetry.Sender

	server      *control.Server
	connections []*control.Conn

	state                State
	startedAt            time.Time
	lastHeartbeat        time.Time
	enabled              bool
	stopRequested        bool
	appliedConfigVersion string
}

// New validates the config, applies defaults, and pairs the runtime
// with its worker. No resources are acquired until Run.
func New(config Config, w Worker) (*Runtime, error) {
	if config.Name == "" {
		return nil, fmt.Errorf("worker: Name is required")
	}
	if config.Bus.Root == "" {
		return nil, fmt.Errorf("worker: Bus.Root is required")
	}
	if config.Clock == nil {
		return nil, fmt.Errorf("worker: Clock is required")
	}
	if config.Logger == nil {
		return nil, fmt.Errorf("worker: Logger is required")
	}
	if config.TelemetryAddr == "" {
		config.TelemetryAddr = telemetry.DefaultAddr
	}
	if config.HeartbeatInterval <= 0 {
		config.HeartbeatInterval = defaultHeartbeatInterval
	}
	if config.LoopInterval <= 0 {
		config.LoopInterval = defaultLoopInterval
	}
	return &Runtime{
		config:  config,
		worker:  w,
		builder: schema.NewBuilder(config.Name, "", config.Generation, config.Clock),
		enabled: true,
	}, nil
}

// Telemetry returns the worker's telemetry sender. Nil until Run has
// started; workers use it from OnLoop and their background
// goroutines.
func (r *Runtime) Telemetry() *telemetry.Sender { return r.sender }

// InstanceID returns the identifier minted for this process lifetime.
func (r *Runtime) InstanceID() string { return r.builder.InstanceID() }

// State returns the current lifecycle state.
func (r *Runtime) State() State { return r.state }

// Run executes the worker lifecycle: bind the control endpoint,
// register with discovery, OnStart, main loop, OnStop, deregister.
// Blocks until ctx is cancelled, a shutdown command arrives, or the
// worker fails. The caller exits non-zero on a returned error so the
// supervisor sees the failure.
func (r *Runtime) Run(ctx context.Context) error {
	logger := r.config.Logger
	r.state = Starting
	r.startedAt = r.config.Clock.Now()

	server, err := control.Listen(r.config.Bus.Root, r.config.Name)
	if err != nil {
		return fmt.Errorf("binding control endpoint: %w", err)
	}
	r.server = server

	sender, err := telemetry.NewSender(r.config.TelemetryAddr, r.config.Name)
	if err != nil {
		server.Close()
		return fmt.Errorf("creating telemetry sender: %w", err)
	}
	r.sender = sender

	record := discovery.Record{
		Worker:     r.config.Name,
		PID:        os.Getpid(),
		InstanceID: r.builder.InstanceID(),
		Generation: r.config.Generation,
		Endpoint:   server.Path(),
		StartedAt:  r.startedAt.UTC(),
	}
	if err := discovery.Register(r.config.Bus, record); err != nil {
		r.releaseTransports()
		return fmt.Errorf("registering with discovery: %w", err)
	}

	logger.Info("worker starting",
		"worker", r.config.Name,
		"instance_id", r.builder.InstanceID(),
		"generation", r.config.Generation,
		"endpoint", server.Path(),
	)

	if err := r.worker.OnStart(ctx); err != nil {
		// Starting → Terminated: OnStop is not called for a worker
		// that never entered Running.
		r.state = Terminated
		discovery.Deregister(r.config.Bus, r.config.Name)
		r.releaseTransports()
		return fmt.Errorf("worker %s failed to start: %w", r.config.Name, err)
	}

	r.state = Running
	r.lastHeartbeat = r.config.Clock.Now()
	loopErr := r.loop(ctx)

	// Running was entered, so OnStop runs unconditionally — resource
	// release does not depend on how the loop ended.
	r.state = Stopping
	logger.Info("worker stopping", "worker", r.config.Name)
	if stopErr := r.worker.OnStop(context.WithoutCancel(ctx)); stopErr != nil {
		logger.Error("worker cleanup failed", "worker", r.config.Name, "error", stopErr)
		if loopErr == nil {
			loopErr = stopErr
		}
	}

	if err := discovery.Deregister(r.config.Bus, r.config.Name); err != nil {
		logger.Warn("failed to remove registration artifact", "error", err)
	}
	for _, conn := range r.connections {
		conn.Close()
	}
	r.connections = nil
	r.releaseTransports()

	r.state = Terminated
	logger.Info("worker terminated", "worker", r.config.Name)
	return loopErr
}

func (r *Runtime) releaseTransports() {
	if r.server != nil {
		r.server.Close()
	}
	if r.sender != nil {
		r.sender.Close()
	}
}

// loop is the cooperative main loop. Each iteration accepts at most
// one connection, drains a bounded number of commands, emits a
// heartbeat when due, and runs OnLoop; the remainder of the tick is
// slept so the cadence holds.
func (r *Runtime) loop(ctx context.Context) error {
	for {
		if ctx.Err() != nil || r.stopRequested {
			return nil
		}
		iterationStart := r.config.Clock.Now()

		r.acceptOne()
		if err := r.drainCommands(ctx); err != nil {
			return err
		}
		r.heartbeatIfDue()

		if r.enabled {
			if err := r.worker.OnLoop(ctx); err != nil {
				return fmt.Errorf("worker %s loop failed: %w", r.config.Name, err)
			}
		}

		elapsed := r.config.Clock.Now().Sub(iterationStart)
		if remaining := r.config.LoopInterval - elapsed; remaining > 0 {
			r.config.Clock.Sleep(remaining)
		}
	}
}

// acceptOne admits at most one pending control connection. Every new
// client is greeted with the registration envelope, so the stream it
// observes begins with exactly one register message.
func (r *Runtime) acceptOne() {
	conn, err := r.server.Accept(acceptTimeout)
	if err != nil {
		if !errors.Is(err, control.ErrTimeout) {
			r.config.Logger.Warn("accept failed", "error", err)
		}
		return
	}

	register := r.builder.Register(schema.RegisterPayload{
		PID:      os.Getpid(),
		Endpoint: r.server.Path(),
		Streams:  r.config.Streams,
	})
	if err := conn.Send(register); err != nil {
		conn.Close()
		return
	}
	r.connections = append(r.connections, conn)
	r.config.Logger.Debug("control client connected", "clients", len(r.connections))
}

// drainCommands services pending commands across all connections,
// bounded per tick. Dead connections are dropped as they are
// observed.
func (r *Runtime) drainCommands(ctx context.Context) error {
	handled := 0
	live := r.connections[:0]
	for _, conn := range r.connections {
		dead := false
		for handled < maxCommandsPerTick {
			request, err := conn.Receive(drainTimeout)
			if err != nil {
				if errors.Is(err, control.ErrTimeout) {
					break
				}
				dead = true
				break
			}
			handled++
			if err := r.dispatch(ctx, conn, request); err != nil {
				return err
			}
		}
		if dead {
			conn.Close()
			r.config.Logger.Debug("control client disconnected")
			continue
		}
		live = append(live, conn)
	}
	r.connections = live
	return nil
}

// dispatch handles one inbound envelope. Protocol problems (wrong
// type, malformed payload, unknown verb) are answered with an
// error-typed envelope, never a dropped connection or a crash.
func (r *Runtime) dispatch(ctx context.Context, conn *control.Conn, request *schema.Envelope) error {
	if request.Type != schema.TypeCommand {
		r.reply(conn, r.builder.Error(request, schema.ErrorPayload{
			Error:  "unexpected message type",
			Detail: fmt.Sprintf("control clients send commands, got %q", request.Type),
		}))
		return nil
	}

	command, err := request.Command()
	if err != nil {
		r.reply(conn, r.builder.Error(request, schema.ErrorPayload{
			Error:  "malformed command",
			Detail: err.Error(),
		}))
		return nil
	}

	started := r.config.Clock.Now()
	ack, err := r.handleCommand(ctx, command)
	if err != nil {
		if errors.Is(err, ErrUnknownVerb) {
			r.reply(conn, r.builder.Error(request, schema.ErrorPayload{
				Error:  "unknown verb",
				Detail: command.Verb,
			}))
			return nil
		}
		// Fail-fast: an internal handler failure means the worker's
		// state is suspect. Answer the caller, then stop.
		r.reply(conn, r.builder.Error(request, schema.ErrorPayload{
			Error:  "internal error",
			Detail: err.Error(),
		}))
		return fmt.Errorf("worker %s command %q failed: %w", r.config.Name, command.Verb, err)
	}

	// Command budget: a quarter of the heartbeat interval. Beyond
	// that, command handling is eating into heartbeat headroom.
	if budget := r.config.HeartbeatInterval / 4; r.config.Clock.Now().Sub(started) > budget {
		r.config.Logger.Warn("command exceeded processing budget",
			"verb", command.Verb,
			"budget", budget,
		)
	}

	r.reply(conn, r.builder.Ack(request, ack))
	return nil
}

// handleCommand implements the built-in verbs and delegates the rest
// to the worker.
func (r *Runtime) handleCommand(ctx context.Context, command schema.CommandPayload) (schema.AckPayload, error) {
	switch command.Verb {
	case schema.VerbGetState:
		return schema.AckPayload{
			Status:               schema.StatusOK,
			AppliedConfigVersion: r.appliedConfigVersion,
			Data: map[string]any{
				"state":          r.state.String(),
				"enabled":        r.enabled,
				"pid":            os.Getpid(),
				"uptime_seconds": r.config.Clock.Now().Sub(r.startedAt).Seconds(),
				"stats":          r.stats(),
			},
		}, nil

	case schema.VerbSetConfig:
		// Idempotency anchor: a config version that is already
		// applied re-acks without touching the worker, so replaying
		// the last command after a reconnect is a no-op.
		if command.ConfigVersion != "" && command.ConfigVersion == r.appliedConfigVersion {
			return schema.AckPayload{
				Status:               schema.StatusOK,
				Message:              "config version already applied",
				AppliedConfigVersion: r.appliedConfigVersion,
			}, nil
		}
		ack, err := r.worker.OnCommand(ctx, command)
		if err != nil {
			return schema.AckPayload{}, err
		}
		if ack.OK() {
			r.appliedConfigVersion = command.ConfigVersion
			ack.AppliedConfigVersion = command.ConfigVersion
		}
		return ack, nil

	case schema.VerbEnable:
		r.enabled = true
		return schema.AckPayload{Status: schema.StatusOK, Message: "enabled"}, nil

	case schema.VerbDisable:
		r.enabled = false
		return schema.AckPayload{Status: schema.StatusOK, Message: "disabled"}, nil

	case schema.VerbShutdown, schema.VerbRestart:
		// Both stop the process; for restart the supervisor respawns
		// it with the next generation.
		r.stopRequested = true
		return schema.AckPayload{Status: schema.StatusOK, Message: "stopping"}, nil

	default:
		return r.worker.OnCommand(ctx, command)
	}
}

// reply sends a response, tolerating a client that vanished between
// request and reply: its connection is reaped on the next drain.
func (r *Runtime) reply(conn *control.Conn, envelope *schema.Envelope) {
	if err := conn.Send(envelope); err != nil {
		r.config.Logger.Debug("failed to send reply", "error", err)
	}
}

// heartbeatIfDue broadcasts a heartbeat to every control client once
// per interval, dropping connections whose peer is gone.
func (r *Runtime) heartbeatIfDue() {
	now := r.config.Clock.Now()
	if now.Sub(r.lastHeartbeat) < r.config.HeartbeatInterval {
		return
	}
	r.lastHeartbeat = now

	heartbeat := r.builder.Heartbeat(schema.HeartbeatPayload{
		PID:           os.Getpid(),
		UptimeSeconds: now.Sub(r.startedAt).Seconds(),
		Stats:         r.stats(),
	})

	live := r.connections[:0]
	for _, conn := range r.connections {
		if err := conn.Send(heartbeat); err != nil {
			conn.Close()
			continue
		}
		live = append(live, conn)
	}
	r.connections = live
}

func (r *Runtime) stats() map[string]any {
	if provider, ok := r.worker.(StatsProvider); ok {
		return provider.Stats()
	}
	return nil
}
