// Copyright 2026 The VJBus Authors
// SPDX-License-Identifier: Apache-2.0

package supervisor

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"os"
	"strings"
	"sync"
	"testing"
	"time"

	"golang.org/x/sys/unix"

	"github.com/openvj/vjbus/lib/clock"
	"github.com/openvj/vjbus/lib/config"
	"github.com/openvj/vjbus/lib/schema"
	"github.com/openvj/vjbus/lib/worker"
)

// fakeProcess is a scripted process: it records signals and exits
// when told to (or when signaled, if dieOnSignal is set).
type fakeProcess struct {
	pid         int
	dieOnSignal bool

	done     chan struct{}
	exitOnce sync.Once

	mu      sync.Mutex
	exitErr error
	signals []os.Signal
}

func (p *fakeProcess) PID() int { return p.pid }

func (p *fakeProcess) Signal(sig os.Signal) error {
	p.mu.Lock()
	p.signals = append(p.signals, sig)
	die := p.dieOnSignal
	p.mu.Unlock()
	if die {
		p.exit(errors.New("signal: terminated"))
	}
	return nil
}

func (p *fakeProcess) Done() <-chan struct{} { return p.done }

func (p *fakeProcess) ExitError() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.exitErr
}

func (p *fakeProcess) exit(err error) {
	p.exitOnce.Do(func() {
		p.mu.Lock()
		p.exitErr = err
		p.mu.Unlock()
		close(p.done)
	})
}

func (p *fakeProcess) received(sig os.Signal) bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	for _, s := range p.signals {
		if s == sig {
			return true
		}
	}
	return false
}

type launch struct {
	spec config.WorkerSpec
	env  []string
}

// fakeLauncher scripts process creation.
type fakeLauncher struct {
	mu          sync.Mutex
	launches    []launch
	processes   []*fakeProcess
	failAll     bool
	dieOnSignal bool
}

func (l *fakeLauncher) Launch(spec config.WorkerSpec, extraEnv []string) (Process, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.failAll {
		return nil, errors.New("launch refused")
	}
	process := &fakeProcess{
		pid:         1000 + len(l.processes),
		dieOnSignal: l.dieOnSignal,
		done:        make(chan struct{}),
	}
	l.launches = append(l.launches, launch{spec: spec, env: extraEnv})
	l.processes = append(l.processes, process)
	return process, nil
}

func (l *fakeLauncher) count() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.launches)
}

func (l *fakeLauncher) last() (launch, *fakeProcess) {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.launches[len(l.launches)-1], l.processes[len(l.processes)-1]
}

func envValue(entries []string, key string) string {
	prefix := key + "="
	for _, entry := range entries {
		if strings.HasPrefix(entry, prefix) {
			return strings.TrimPrefix(entry, prefix)
		}
	}
	return ""
}

func testOptions(t *testing.T, launcher Launcher, workers ...config.WorkerSpec) (Options, *clock.FakeClock) {
	t.Helper()
	cfg := config.Default()
	cfg.BusRoot = t.TempDir()
	cfg.Workers = workers
	clk := clock.Fake()
	return Options{
		Config:   cfg,
		Launcher: launcher,
		Clock:    clk,
		Logger:   slog.New(slog.NewTextHandler(io.Discard, nil)),
	}, clk
}

func spec(name string) config.WorkerSpec {
	return config.WorkerSpec{Name: name, Command: "/usr/local/bin/vj-" + name}
}

func mustStart(t *testing.T, s *Supervisor) {
	t.Helper()
	if err := s.OnStart(context.Background()); err != nil {
		t.Fatalf("OnStart: %v", err)
	}
}

func loop(t *testing.T, s *Supervisor) {
	t.Helper()
	if err := s.OnLoop(context.Background()); err != nil {
		t.Fatalf("OnLoop: %v", err)
	}
}

func command(t *testing.T, s *Supervisor, verb, workerName string) schema.AckPayload {
	t.Helper()
	ack, err := s.OnCommand(context.Background(), schema.CommandPayload{
		Verb: verb,
		Data: map[string]any{"worker": workerName},
	})
	if err != nil {
		t.Fatalf("OnCommand(%s %s): %v", verb, workerName, err)
	}
	return ack
}

func TestAutostartSpawnsRoster(t *testing.T) {
	launcher := &fakeLauncher{}
	noStart := false
	options, _ := testOptions(t, launcher,
		spec("audio"),
		config.WorkerSpec{Name: "lyrics", Command: "/bin/vj-lyrics", Autostart: &noStart},
	)
	s := New(options)
	mustStart(t, s)

	if launcher.count() != 1 {
		t.Fatalf("launched %d workers, want 1 (lyrics has autostart off)", launcher.count())
	}
	first, _ := launcher.last()
	if first.spec.Name != "audio" {
		t.Errorf("launched %q, want audio", first.spec.Name)
	}
	if got := envValue(first.env, EnvGeneration); got != "1" {
		t.Errorf("%s = %q, want 1", EnvGeneration, got)
	}
	if got := envValue(first.env, EnvWorkerName); got != "audio" {
		t.Errorf("%s = %q, want audio", EnvWorkerName, got)
	}
	if got := envValue(first.env, EnvRoot); got != options.Config.BusRoot {
		t.Errorf("%s = %q, want %q", EnvRoot, got, options.Config.BusRoot)
	}

	roster := s.Stats()["workers"].(map[string]any)
	if roster["audio"].(map[string]any)["state"] != "running" {
		t.Errorf("audio state = %v", roster["audio"])
	}
	if roster["lyrics"].(map[string]any)["state"] != "stopped" {
		t.Errorf("lyrics state = %v", roster["lyrics"])
	}
}

func TestCrashRestartsWithBackoff(t *testing.T) {
	launcher := &fakeLauncher{}
	options, clk := testOptions(t, launcher, spec("audio"))
	s := New(options)
	mustStart(t, s)

	_, process := launcher.last()
	process.exit(errors.New("exit status 1"))
	loop(t, s)

	m := s.workers["audio"]
	if m.state != stateBackoff {
		t.Fatalf("state = %v, want backoff", m.state)
	}
	if m.backoffDelay != time.Second {
		t.Errorf("first backoff = %v, want 1s", m.backoffDelay)
	}
	if launcher.count() != 1 {
		t.Fatal("restarted before the backoff elapsed")
	}

	clk.Advance(time.Second)
	loop(t, s)
	if launcher.count() != 2 {
		t.Fatalf("launched %d, want respawn after backoff", launcher.count())
	}
	restarted, _ := launcher.last()
	if got := envValue(restarted.env, EnvGeneration); got != "2" {
		t.Errorf("respawn generation = %q, want 2", got)
	}
}

func TestBackoffDoublesAndCaps(t *testing.T) {
	launcher := &fakeLauncher{}
	options, clk := testOptions(t, launcher, spec("audio"))
	options.Config.Restart.WindowMax = 100 // keep the window out of the way
	options.Config.Restart.Window = time.Hour
	s := New(options)
	mustStart(t, s)

	m := s.workers["audio"]
	want := []time.Duration{
		time.Second, 2 * time.Second, 4 * time.Second, 8 * time.Second,
		16 * time.Second, 30 * time.Second, 30 * time.Second,
	}
	for i, delay := range want {
		_, process := launcher.last()
		process.exit(errors.New("exit status 1"))
		loop(t, s)
		if m.backoffDelay != delay {
			t.Fatalf("crash %d: backoff = %v, want %v", i+1, m.backoffDelay, delay)
		}
		clk.Advance(delay)
		loop(t, s)
		if m.state != stateRunning {
			t.Fatalf("crash %d: state = %v after backoff, want running", i+1, m.state)
		}
	}
}

func TestWindowExhaustionIsPermanent(t *testing.T) {
	launcher := &fakeLauncher{}
	options, clk := testOptions(t, launcher, spec("audio"))
	options.Config.Restart.WindowMax = 3
	s := New(options)
	mustStart(t, s)

	m := s.workers["audio"]
	for i := 0; i < 4; i++ {
		_, process := launcher.last()
		process.exit(errors.New("exit status 1"))
		loop(t, s)
		if m.state == stateFailed {
			break
		}
		clk.Advance(m.backoffDelay)
		loop(t, s)
	}

	if m.state != stateFailed {
		t.Fatalf("state = %v after window exhaustion, want failed", m.state)
	}
	launches := launcher.count()

	// No amount of waiting revives a failed worker.
	clk.Advance(time.Hour)
	loop(t, s)
	if launcher.count() != launches {
		t.Error("failed worker was restarted without operator action")
	}

	// An explicit start does.
	ack := command(t, s, schema.VerbStartWorker, "audio")
	if !ack.OK() {
		t.Fatalf("start_worker ack = %+v", ack)
	}
	if m.state != stateRunning {
		t.Errorf("state = %v after explicit start, want running", m.state)
	}
	if len(m.crashes) != 0 {
		t.Errorf("crash window = %v, want reset on explicit start", m.crashes)
	}
}

func TestExplicitStopCancelsBackoffAndResetsWindow(t *testing.T) {
	launcher := &fakeLauncher{}
	options, clk := testOptions(t, launcher, spec("audio"))
	s := New(options)
	mustStart(t, s)

	_, process := launcher.last()
	process.exit(errors.New("exit status 2"))
	loop(t, s)

	m := s.workers["audio"]
	if m.state != stateBackoff {
		t.Fatalf("state = %v, want backoff", m.state)
	}

	ack := command(t, s, schema.VerbStopWorker, "audio")
	if !ack.OK() {
		t.Fatalf("stop_worker ack = %+v", ack)
	}
	if m.state != stateStopped {
		t.Fatalf("state = %v, want stopped", m.state)
	}
	if len(m.crashes) != 0 || m.consecutiveCrashes != 0 {
		t.Error("explicit stop must reset the restart window")
	}

	clk.Advance(time.Hour)
	loop(t, s)
	if launcher.count() != 1 {
		t.Error("stopped worker restarted itself")
	}
}

func TestStopEscalatesToKill(t *testing.T) {
	launcher := &fakeLauncher{} // processes ignore signals
	options, clk := testOptions(t, launcher, spec("audio"))
	s := New(options)
	mustStart(t, s)
	_, process := launcher.last()

	ack := command(t, s, schema.VerbStopWorker, "audio")
	if !ack.OK() {
		t.Fatalf("stop_worker ack = %+v", ack)
	}
	if !process.received(unix.SIGTERM) {
		t.Fatal("no SIGTERM after stop_worker")
	}

	m := s.workers["audio"]
	if m.state != stateStopping {
		t.Fatalf("state = %v, want stopping", m.state)
	}

	clk.Advance(stopGrace + time.Second)
	loop(t, s)
	if !process.received(unix.SIGKILL) {
		t.Fatal("no SIGKILL after the stop grace period")
	}

	process.exit(errors.New("signal: killed"))
	loop(t, s)
	if m.state != stateStopped {
		t.Errorf("state = %v, want stopped", m.state)
	}
	if launcher.count() != 1 {
		t.Error("explicitly stopped worker was restarted")
	}
}

func TestHeartbeatTimeoutKillsAndRestarts(t *testing.T) {
	launcher := &fakeLauncher{dieOnSignal: true}
	options, clk := testOptions(t, launcher, spec("audio"))
	s := New(options)
	mustStart(t, s)
	_, process := launcher.last()

	// Six heartbeat intervals of silence.
	silence := time.Duration(heartbeatTimeoutMultiplier)*options.Config.HeartbeatInterval + time.Second
	clk.Advance(silence)
	loop(t, s)

	if !process.received(unix.SIGKILL) {
		t.Fatal("unresponsive worker was not killed")
	}

	loop(t, s) // observe the exit
	m := s.workers["audio"]
	if m.state != stateBackoff {
		t.Fatalf("state = %v, want backoff after heartbeat kill", m.state)
	}

	clk.Advance(m.backoffDelay)
	loop(t, s)
	if m.state != stateRunning || launcher.count() != 2 {
		t.Errorf("state = %v, launches = %d; want respawned", m.state, launcher.count())
	}
}

func TestRestartWorkerStopsThenRespawns(t *testing.T) {
	launcher := &fakeLauncher{dieOnSignal: true}
	options, _ := testOptions(t, launcher, spec("audio"))
	s := New(options)
	mustStart(t, s)

	ack := command(t, s, schema.VerbRestartWorker, "audio")
	if !ack.OK() {
		t.Fatalf("restart_worker ack = %+v", ack)
	}

	loop(t, s) // observe the exit, respawn immediately
	m := s.workers["audio"]
	if m.state != stateRunning {
		t.Fatalf("state = %v, want running after restart", m.state)
	}
	if launcher.count() != 2 {
		t.Fatalf("launches = %d, want 2", launcher.count())
	}
	respawn, _ := launcher.last()
	if got := envValue(respawn.env, EnvGeneration); got != "2" {
		t.Errorf("generation = %q, want 2", got)
	}
}

func TestGenerationsSurviveSupervisorRestart(t *testing.T) {
	launcher := &fakeLauncher{}
	options, _ := testOptions(t, launcher, spec("audio"))
	s := New(options)
	mustStart(t, s)
	first, _ := launcher.last()
	if got := envValue(first.env, EnvGeneration); got != "1" {
		t.Fatalf("generation = %q, want 1", got)
	}

	// A brand-new supervisor over the same bus root continues the
	// sequence instead of reissuing generation 1.
	second := New(Options{
		Config:   options.Config,
		Launcher: launcher,
		Clock:    clock.Fake(),
		Logger:   options.Logger,
	})
	mustStart(t, second)
	respawn, _ := launcher.last()
	if got := envValue(respawn.env, EnvGeneration); got != "2" {
		t.Errorf("generation after supervisor restart = %q, want 2", got)
	}
}

func TestLaunchFailureEntersBackoff(t *testing.T) {
	launcher := &fakeLauncher{failAll: true}
	options, clk := testOptions(t, launcher, spec("audio"))
	s := New(options)
	mustStart(t, s)

	m := s.workers["audio"]
	if m.state != stateBackoff {
		t.Fatalf("state = %v after launch failure, want backoff", m.state)
	}

	// The retry goes through once launching works again.
	launcher.mu.Lock()
	launcher.failAll = false
	launcher.mu.Unlock()
	clk.Advance(m.backoffDelay)
	loop(t, s)
	if m.state != stateRunning {
		t.Errorf("state = %v after retry, want running", m.state)
	}
}

func TestStartWorkerWhileRunningIsAnError(t *testing.T) {
	launcher := &fakeLauncher{}
	options, _ := testOptions(t, launcher, spec("audio"))
	s := New(options)
	mustStart(t, s)

	ack := command(t, s, schema.VerbStartWorker, "audio")
	if ack.OK() {
		t.Error("start_worker on a running worker must fail")
	}
}

func TestUnknownWorkerAndVerb(t *testing.T) {
	launcher := &fakeLauncher{}
	options, _ := testOptions(t, launcher, spec("audio"))
	s := New(options)
	mustStart(t, s)

	ack := command(t, s, schema.VerbStartWorker, "nonexistent")
	if ack.OK() {
		t.Error("start_worker for unknown worker must fail")
	}

	_, err := s.OnCommand(context.Background(), schema.CommandPayload{Verb: "defragment"})
	if !errors.Is(err, worker.ErrUnknownVerb) {
		t.Errorf("unknown verb error = %v, want ErrUnknownVerb", err)
	}
}

func TestStateFileRecordsRoster(t *testing.T) {
	launcher := &fakeLauncher{}
	options, _ := testOptions(t, launcher, spec("audio"))
	s := New(options)
	mustStart(t, s)

	data, err := os.ReadFile(StatePath(options.Config.BusRoot))
	if err != nil {
		t.Fatalf("reading state file: %v", err)
	}
	var state struct {
		Workers map[string]PersistedWorker `json:"workers"`
	}
	if err := json.Unmarshal(data, &state); err != nil {
		t.Fatalf("parsing state file: %v", err)
	}
	entry, ok := state.Workers["audio"]
	if !ok {
		t.Fatalf("state file has no audio entry: %s", data)
	}
	if entry.Generation != 1 || entry.Status != "running" || entry.PID == 0 {
		t.Errorf("entry = %+v, want generation 1, running, nonzero pid", entry)
	}

	// A crash is reflected on disk too.
	_, process := launcher.last()
	process.exit(errors.New("exit status 1"))
	loop(t, s)

	data, err = os.ReadFile(StatePath(options.Config.BusRoot))
	if err != nil {
		t.Fatalf("re-reading state file: %v", err)
	}
	if err := json.Unmarshal(data, &state); err != nil {
		t.Fatalf("re-parsing state file: %v", err)
	}
	if state.Workers["audio"].Status != "backoff" {
		t.Errorf("status = %q after crash, want backoff", state.Workers["audio"].Status)
	}
}

func TestParseGeneration(t *testing.T) {
	t.Setenv(EnvGeneration, "7")
	if got := ParseGeneration(); got != 7 {
		t.Errorf("ParseGeneration = %d, want 7", got)
	}
	t.Setenv(EnvGeneration, "junk")
	if got := ParseGeneration(); got != 0 {
		t.Errorf("ParseGeneration = %d for junk, want 0", got)
	}
}
