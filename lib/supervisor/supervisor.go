// Copyright 2026 The VJBus Authors
// SPDX-License-Identifier: Apache-2.0

// Package supervisor spawns the worker roster, watches heartbeats,
// and restarts crashed workers with exponential backoff. A worker
// that keeps crashing is declared permanently failed after too many
// restarts inside a sliding window; the operator revives it with an
// explicit start_worker.
//
// The Supervisor is itself a worker: it embeds the same lib/worker
// runtime as everything else, answers the same get_state verb, and
// does its monitoring from OnLoop. Management verbs (start_worker,
// stop_worker, restart_worker) arrive through its control endpoint
// like any other command.
package supervisor

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"time"

	"golang.org/x/sys/unix"

	"github.com/openvj/vjbus/lib/clock"
	"github.com/openvj/vjbus/lib/config"
	"github.com/openvj/vjbus/lib/control"
	"github.com/openvj/vjbus/lib/discovery"
	"github.com/openvj/vjbus/lib/schema"
	"github.com/openvj/vjbus/lib/telemetry"
	"github.com/openvj/vjbus/lib/worker"
)

// Name is the supervisor's own worker name on the bus.
const Name = "supervisor"

// EventStream is the telemetry address lifecycle events are
// published on.
const EventStream = "/supervisor/events"

const (
	// heartbeatTimeoutMultiplier: a worker silent for this many
	// heartbeat intervals is declared unresponsive and killed.
	heartbeatTimeoutMultiplier = 6

	// stopGrace is how long a worker gets between the polite stop
	// (shutdown verb plus SIGTERM) and SIGKILL.
	stopGrace = 5 * time.Second

	// connectRetryInterval throttles dial attempts to a worker whose
	// endpoint is not up yet.
	connectRetryInterval = 500 * time.Millisecond

	// dialTimeout bounds each connection attempt so OnLoop never
	// stalls on a wedged endpoint.
	dialTimeout = 100 * time.Millisecond

	// pumpTimeout bounds each receive while draining a worker's
	// heartbeats.
	pumpTimeout = time.Millisecond

	// pumpBudget caps envelopes consumed per worker per loop
	// iteration.
	pumpBudget = 8
)

// Environment variables handed to spawned workers.
const (
	EnvWorkerName        = "VJBUS_WORKER_NAME"
	EnvRoot              = "VJBUS_ROOT"
	EnvGeneration        = "VJBUS_GENERATION"
	EnvTelemetryAddr     = "VJBUS_TELEMETRY_ADDR"
	EnvHeartbeatInterval = "VJBUS_HEARTBEAT_INTERVAL"
)

// workerState is a managed worker's position in the supervision
// state machine.
type workerState int

const (
	stateStopped workerState = iota
	stateRunning
	stateStopping
	stateBackoff
	stateFailed
)

func (s workerState) String() string {
	switch s {
	case stateStopped:
		return "stopped"
	case stateRunning:
		return "running"
	case stateStopping:
		return "stopping"
	case stateBackoff:
		return "backoff"
	default:
		return "failed"
	}
}

// managed is the supervisor's bookkeeping for one roster entry.
type managed struct {
	spec  config.WorkerSpec
	state workerState

	generation int
	instanceID string
	process    Process
	conn       *control.Conn

	lastHeartbeat      time.Time
	lastConnectAttempt time.Time

	// crashes holds recent crash times inside the sliding window.
	crashes            []time.Time
	consecutiveCrashes int
	restartAt          time.Time
	backoffDelay       time.Duration

	stopDeadline     time.Time
	killSent         bool
	killReason       string
	restartAfterStop bool
}

// Options configures a Supervisor.
type Options struct {
	Config   config.Config
	Launcher Launcher
	Clock    clock.Clock
	Logger   *slog.Logger
}

// Supervisor implements worker.Worker and manages the roster. All
// methods are called from the runtime's single loop goroutine; no
// internal locking is needed.
type Supervisor struct {
	options   Options
	statePath string
	persisted persistedState
	workers   map[string]*managed
	order     []string

	runtime *worker.Runtime
	sender  *telemetry.Sender
	builder *schema.Builder
}

// New creates a Supervisor for the given options. Launcher defaults
// to ExecLauncher.
func New(options Options) *Supervisor {
	if options.Launcher == nil {
		options.Launcher = ExecLauncher{}
	}
	return &Supervisor{
		options:   options,
		statePath: StatePath(options.Config.BusRoot),
		workers:   make(map[string]*managed),
		builder:   schema.NewBuilder(Name, "", 0, options.Clock),
	}
}

// BindRuntime attaches the runtime the supervisor runs under, giving
// it access to the runtime's telemetry sender for lifecycle events.
// Optional; without it events go to the log only.
func (s *Supervisor) BindRuntime(runtime *worker.Runtime) {
	s.runtime = runtime
}

// OnStart loads persisted generations and spawns the autostart
// roster.
func (s *Supervisor) OnStart(ctx context.Context) error {
	if s.runtime != nil {
		s.sender = s.runtime.Telemetry()
	}

	persisted, err := loadState(s.statePath)
	if err != nil {
		// A corrupt or unreadable state file costs generation
		// continuity, not availability.
		s.options.Logger.Warn("resetting supervisor state", "error", err)
	}
	s.persisted = persisted

	for _, spec := range s.options.Config.Workers {
		m := &managed{spec: spec, state: stateStopped}
		s.workers[spec.Name] = m
		s.order = append(s.order, spec.Name)
		if spec.AutostartEnabled() {
			s.spawn(m)
		}
	}
	return nil
}

// OnStop terminates every running worker: polite SIGTERM, then
// SIGKILL after the grace period.
func (s *Supervisor) OnStop(ctx context.Context) error {
	for _, name := range s.order {
		m := s.workers[name]
		if m.process == nil || m.state == stateStopped || m.state == stateFailed {
			continue
		}
		s.sendShutdown(m)
		m.process.Signal(unix.SIGTERM)
	}

	for _, name := range s.order {
		m := s.workers[name]
		if m.process == nil || m.state == stateStopped || m.state == stateFailed {
			continue
		}
		select {
		case <-m.process.Done():
		case <-s.options.Clock.After(stopGrace):
			m.process.Signal(unix.SIGKILL)
			<-m.process.Done()
		}
		s.finalizeExit(m)
		m.state = stateStopped
		s.persist(m)
		s.emit(schema.EventWorkerStopped, m, "supervisor shutdown")
	}
	return nil
}

// OnLoop advances every managed worker's state machine one step.
func (s *Supervisor) OnLoop(ctx context.Context) error {
	now := s.options.Clock.Now()
	for _, name := range s.order {
		s.step(s.workers[name], now)
	}
	return nil
}

// OnCommand implements the management verbs.
func (s *Supervisor) OnCommand(ctx context.Context, command schema.CommandPayload) (schema.AckPayload, error) {
	switch command.Verb {
	case schema.VerbStartWorker, schema.VerbStopWorker, schema.VerbRestartWorker:
	default:
		return schema.AckPayload{}, worker.ErrUnknownVerb
	}

	name, _ := command.Data["worker"].(string)
	if name == "" {
		return schema.AckPayload{
			Status:  schema.StatusError,
			Message: "missing worker field",
		}, nil
	}
	m, ok := s.workers[name]
	if !ok {
		return schema.AckPayload{
			Status:  schema.StatusError,
			Message: fmt.Sprintf("unknown worker %q", name),
		}, nil
	}

	switch command.Verb {
	case schema.VerbStartWorker:
		return s.startWorker(m), nil
	case schema.VerbStopWorker:
		return s.stopWorker(m), nil
	default:
		return s.restartWorker(m), nil
	}
}

// Stats exposes the roster for heartbeats and get_state.
func (s *Supervisor) Stats() map[string]any {
	roster := make(map[string]any, len(s.workers))
	for name, m := range s.workers {
		entry := map[string]any{
			"state":      m.state.String(),
			"generation": m.generation,
			"crashes":    len(m.crashes),
		}
		if m.process != nil && m.state != stateStopped && m.state != stateFailed {
			entry["pid"] = m.process.PID()
		}
		if m.instanceID != "" {
			entry["instance_id"] = m.instanceID
		}
		if m.state == stateBackoff {
			entry["retry_in"] = m.restartAt.Sub(s.options.Clock.Now()).String()
		}
		roster[name] = entry
	}
	return map[string]any{"workers": roster}
}

// --- verb handlers ---

func (s *Supervisor) startWorker(m *managed) schema.AckPayload {
	switch m.state {
	case stateRunning, stateStopping:
		return schema.AckPayload{
			Status:  schema.StatusError,
			Message: fmt.Sprintf("worker %s is already %s", m.spec.Name, m.state),
		}
	}
	// Explicit start wipes crash history: the operator gets a fresh
	// restart window.
	s.resetCrashHistory(m)
	s.spawn(m)
	return schema.AckPayload{Status: schema.StatusOK, Message: "started"}
}

func (s *Supervisor) stopWorker(m *managed) schema.AckPayload {
	switch m.state {
	case stateRunning:
		s.initiateStop(m, false)
		return schema.AckPayload{Status: schema.StatusOK, Message: "stopping"}
	case stateStopping:
		return schema.AckPayload{Status: schema.StatusOK, Message: "already stopping"}
	case stateBackoff, stateFailed:
		// Cancels the pending restart (or clears the failure).
		m.state = stateStopped
		s.resetCrashHistory(m)
		s.persist(m)
		return schema.AckPayload{Status: schema.StatusOK, Message: "stopped"}
	default:
		return schema.AckPayload{Status: schema.StatusOK, Message: "already stopped"}
	}
}

func (s *Supervisor) restartWorker(m *managed) schema.AckPayload {
	switch m.state {
	case stateRunning:
		s.initiateStop(m, true)
		return schema.AckPayload{Status: schema.StatusOK, Message: "restarting"}
	case stateStopping:
		m.restartAfterStop = true
		return schema.AckPayload{Status: schema.StatusOK, Message: "restarting"}
	default:
		s.resetCrashHistory(m)
		s.spawn(m)
		return schema.AckPayload{Status: schema.StatusOK, Message: "started"}
	}
}

// --- state machine ---

func (s *Supervisor) step(m *managed, now time.Time) {
	switch m.state {
	case stateRunning:
		select {
		case <-m.process.Done():
			s.handleCrash(m, now)
			return
		default:
		}
		s.pump(m, now)
		timeout := time.Duration(heartbeatTimeoutMultiplier) * s.options.Config.HeartbeatInterval
		if !m.killSent && now.Sub(m.lastHeartbeat) > timeout {
			s.options.Logger.Error("worker unresponsive, killing",
				"worker", m.spec.Name,
				"silent_for", now.Sub(m.lastHeartbeat),
			)
			m.killSent = true
			m.killReason = "heartbeat timeout"
			m.process.Signal(unix.SIGKILL)
		}

	case stateStopping:
		select {
		case <-m.process.Done():
			s.finalizeExit(m)
			m.state = stateStopped
			s.resetCrashHistory(m)
			s.persist(m)
			s.emit(schema.EventWorkerStopped, m, "")
			if m.restartAfterStop {
				m.restartAfterStop = false
				s.spawn(m)
			}
			return
		default:
		}
		if !m.killSent && now.After(m.stopDeadline) {
			m.killSent = true
			m.process.Signal(unix.SIGKILL)
		}

	case stateBackoff:
		if !now.Before(m.restartAt) {
			s.spawn(m)
		}
	}
}

// spawn assigns the next generation, persists it, and launches the
// process. A launch failure is treated like an immediate crash so the
// backoff and window machinery applies.
func (s *Supervisor) spawn(m *managed) {
	now := s.options.Clock.Now()
	m.generation = s.persisted.Workers[m.spec.Name].Generation + 1
	s.persist(m)

	extraEnv := []string{
		EnvWorkerName + "=" + m.spec.Name,
		EnvRoot + "=" + s.options.Config.BusRoot,
		EnvGeneration + "=" + fmt.Sprintf("%d", m.generation),
		EnvTelemetryAddr + "=" + s.options.Config.TelemetryAddr,
		EnvHeartbeatInterval + "=" + s.options.Config.HeartbeatInterval.String(),
	}

	process, err := s.options.Launcher.Launch(m.spec, extraEnv)
	if err != nil {
		s.options.Logger.Error("failed to launch worker",
			"worker", m.spec.Name,
			"command", m.spec.Command,
			"error", err,
		)
		m.process = nil
		s.recordCrash(m, now)
		return
	}

	restarted := m.consecutiveCrashes > 0
	m.process = process
	m.state = stateRunning
	m.conn = nil
	m.instanceID = ""
	m.lastHeartbeat = now
	m.lastConnectAttempt = time.Time{}
	m.killSent = false
	m.killReason = ""

	s.persist(m)

	event := schema.EventWorkerStarted
	if restarted {
		event = schema.EventWorkerRestarted
	}
	s.emit(event, m, "")
	s.options.Logger.Info("worker spawned",
		"worker", m.spec.Name,
		"pid", process.PID(),
		"generation", m.generation,
	)
}

// persist writes the worker's current shape to the state file. The
// generation entry is the one that must survive; pid and status are
// for a restarted coordinator reading the roster cold.
func (s *Supervisor) persist(m *managed) {
	entry := PersistedWorker{
		Generation: m.generation,
		Status:     m.state.String(),
		Endpoint:   control.EndpointPath(s.options.Config.BusRoot, m.spec.Name),
	}
	if m.process != nil && (m.state == stateRunning || m.state == stateStopping) {
		entry.PID = m.process.PID()
	}
	s.persisted.Workers[m.spec.Name] = entry
	if err := saveState(s.statePath, s.persisted); err != nil {
		s.options.Logger.Error("failed to persist supervisor state", "error", err)
	}
}

// handleCrash processes an unexpected exit of a running worker.
func (s *Supervisor) handleCrash(m *managed, now time.Time) {
	exitErr := m.process.ExitError()
	s.finalizeExit(m)

	detail := "exit status 0"
	if exitErr != nil {
		detail = exitErr.Error()
	}
	if m.killReason != "" {
		detail = m.killReason
	}
	s.options.Logger.Error("worker exited unexpectedly",
		"worker", m.spec.Name,
		"generation", m.generation,
		"detail", detail,
	)
	s.emit(schema.EventWorkerCrashed, m, detail)
	s.recordCrash(m, now)
}

// recordCrash applies the restart window and backoff policy.
func (s *Supervisor) recordCrash(m *managed, now time.Time) {
	policy := s.options.Config.Restart

	// Drop crashes that have aged out of the window. An empty window
	// also means the worker ran stably, so the backoff doubling
	// starts over.
	kept := m.crashes[:0]
	for _, at := range m.crashes {
		if now.Sub(at) <= policy.Window {
			kept = append(kept, at)
		}
	}
	m.crashes = kept
	if len(m.crashes) == 0 {
		m.consecutiveCrashes = 0
	}

	m.crashes = append(m.crashes, now)
	m.consecutiveCrashes++

	if len(m.crashes) > policy.WindowMax {
		m.state = stateFailed
		s.persist(m)
		s.options.Logger.Error("worker permanently failed",
			"worker", m.spec.Name,
			"crashes_in_window", len(m.crashes),
			"window", policy.Window,
		)
		s.emit(schema.EventWorkerFailed, m,
			fmt.Sprintf("%d crashes within %s", len(m.crashes), policy.Window))
		return
	}

	delay := policy.BackoffBase << (m.consecutiveCrashes - 1)
	if delay > policy.BackoffCap || delay <= 0 {
		delay = policy.BackoffCap
	}
	m.backoffDelay = delay
	m.restartAt = now.Add(delay)
	m.state = stateBackoff
	s.persist(m)
	s.options.Logger.Info("worker restart scheduled",
		"worker", m.spec.Name,
		"delay", delay,
		"crashes_in_window", len(m.crashes),
	)
}

// initiateStop begins a graceful stop: shutdown verb, SIGTERM, and a
// deadline after which OnLoop escalates to SIGKILL.
func (s *Supervisor) initiateStop(m *managed, restartAfter bool) {
	s.sendShutdown(m)
	m.process.Signal(unix.SIGTERM)
	m.state = stateStopping
	m.stopDeadline = s.options.Clock.Now().Add(stopGrace)
	m.killSent = false
	m.restartAfterStop = restartAfter
}

// sendShutdown delivers the shutdown verb over the control
// connection, best effort.
func (s *Supervisor) sendShutdown(m *managed) {
	if m.conn == nil {
		return
	}
	command := s.builder.Command(schema.CommandPayload{Verb: schema.VerbShutdown})
	if err := m.conn.Send(command); err != nil {
		s.options.Logger.Debug("shutdown verb not delivered", "worker", m.spec.Name, "error", err)
	}
}

// pump maintains the control connection to a running worker and
// consumes its heartbeat stream.
func (s *Supervisor) pump(m *managed, now time.Time) {
	if m.conn == nil {
		if now.Sub(m.lastConnectAttempt) < connectRetryInterval && !m.lastConnectAttempt.IsZero() {
			return
		}
		m.lastConnectAttempt = now
		conn, err := control.Dial(s.options.Config.BusRoot, m.spec.Name, dialTimeout)
		if err != nil {
			return
		}
		m.conn = conn
		m.lastHeartbeat = now
	}

	for i := 0; i < pumpBudget; i++ {
		envelope, err := m.conn.Receive(pumpTimeout)
		if err != nil {
			if !errors.Is(err, control.ErrTimeout) {
				m.conn.Close()
				m.conn = nil
			}
			return
		}
		switch envelope.Type {
		case schema.TypeHeartbeat:
			m.lastHeartbeat = now
		case schema.TypeRegister:
			m.instanceID = envelope.InstanceID
			m.lastHeartbeat = now
		}
	}
}

// finalizeExit drops the process handle and connection, and clears
// the worker's registration artifact if the process left one behind.
func (s *Supervisor) finalizeExit(m *managed) {
	if m.conn != nil {
		m.conn.Close()
		m.conn = nil
	}
	m.process = nil
	bus := discovery.Config{Root: s.options.Config.BusRoot}
	if err := discovery.RemoveStale(bus, m.spec.Name); err != nil {
		s.options.Logger.Debug("could not remove registration artifact",
			"worker", m.spec.Name, "error", err)
	}
}

func (s *Supervisor) resetCrashHistory(m *managed) {
	m.crashes = nil
	m.consecutiveCrashes = 0
	m.backoffDelay = 0
	m.restartAt = time.Time{}
}

// emit publishes a lifecycle event on the event stream and mirrors it
// to the log.
func (s *Supervisor) emit(event string, m *managed, detail string) {
	s.options.Logger.Info("lifecycle event",
		"event", event,
		"worker", m.spec.Name,
		"generation", m.generation,
		"detail", detail,
	)
	if s.sender != nil {
		s.sender.Send(EventStream, event, m.spec.Name, m.generation, detail)
	}
}

// ParseGeneration reads the generation a supervisor handed to this
// process, zero when absent or malformed.
func ParseGeneration() int {
	value := os.Getenv(EnvGeneration)
	if value == "" {
		return 0
	}
	var generation int
	if _, err := fmt.Sscanf(value, "%d", &generation); err != nil || generation < 0 {
		return 0
	}
	return generation
}
