// Copyright 2026 The VJBus Authors
// SPDX-License-Identifier: Apache-2.0

// Package config loads the console configuration: where the bus
// lives, the cadence constants, and the worker roster the supervisor
// manages. The file is YAML; every field has a default so an empty
// file (or no file at all) yields a runnable configuration.
package config

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"os"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/openvj/vjbus/lib/telemetry"
)

// Config is the top-level console configuration.
type Config struct {
	// BusRoot is the directory holding control sockets and the
	// discovery registry. Defaults to /tmp/vjbus.
	BusRoot string `yaml:"bus_root"`

	// TelemetryAddr is the UDP endpoint telemetry flows to.
	TelemetryAddr string `yaml:"telemetry_addr"`

	// HeartbeatInterval is how often workers emit heartbeats. The
	// supervisor declares a worker unresponsive after six missed
	// intervals.
	HeartbeatInterval time.Duration `yaml:"heartbeat_interval"`

	// LoopInterval is the worker main-loop cadence.
	LoopInterval time.Duration `yaml:"loop_interval"`

	// Restart tunes the supervisor's backoff and restart-window
	// policy.
	Restart RestartPolicy `yaml:"restart"`

	// Workers is the roster the supervisor spawns and monitors.
	Workers []WorkerSpec `yaml:"workers"`
}

// RestartPolicy bounds how aggressively the supervisor restarts a
// crashing worker.
type RestartPolicy struct {
	// BackoffBase is the delay before the first restart; each
	// subsequent restart doubles it. Default 1s.
	BackoffBase time.Duration `yaml:"backoff_base"`

	// BackoffCap is the ceiling the doubling saturates at. Default 30s.
	BackoffCap time.Duration `yaml:"backoff_cap"`

	// WindowMax is how many restarts the window tolerates before the
	// worker is declared permanently failed. Default 5.
	WindowMax int `yaml:"window_max"`

	// Window is the sliding window the restart count is measured
	// over. Default 60s.
	Window time.Duration `yaml:"window"`
}

// WorkerSpec describes one managed worker process.
type WorkerSpec struct {
	// Name is the worker's logical name; unique within the roster.
	Name string `yaml:"name"`

	// Command is the executable to spawn. Run directly, never
	// through a shell.
	Command string `yaml:"command"`

	// Args are passed verbatim to the executable.
	Args []string `yaml:"args"`

	// Env entries ("KEY=value") are appended to the inherited
	// environment.
	Env []string `yaml:"env"`

	// Dir is the working directory; empty inherits the supervisor's.
	Dir string `yaml:"dir"`

	// Autostart spawns the worker when the supervisor boots.
	// Defaults to true.
	Autostart *bool `yaml:"autostart"`
}

// AutostartEnabled reports whether the worker should be spawned at
// supervisor boot.
func (s WorkerSpec) AutostartEnabled() bool {
	return s.Autostart == nil || *s.Autostart
}

// Default returns the configuration used when no file is given.
func Default() Config {
	return Config{
		BusRoot:           "/tmp/vjbus",
		TelemetryAddr:     telemetry.DefaultAddr,
		HeartbeatInterval: 5 * time.Second,
		LoopInterval:      50 * time.Millisecond,
		Restart: RestartPolicy{
			BackoffBase: time.Second,
			BackoffCap:  30 * time.Second,
			WindowMax:   5,
			Window:      time.Minute,
		},
	}
}

// Load reads and validates a configuration file. Unset fields take
// their defaults; an empty path returns Default() untouched.
func Load(path string) (Config, error) {
	config := Default()
	if path == "" {
		return config, nil
	}

	data, err := os.ReadFile(path)
	if err != nil {
		return Config{}, fmt.Errorf("reading config %s: %w", path, err)
	}

	decoder := yaml.NewDecoder(bytes.NewReader(data))
	decoder.KnownFields(true)
	if err := decoder.Decode(&config); err != nil && !errors.Is(err, io.EOF) {
		return Config{}, fmt.Errorf("parsing config %s: %w", path, err)
	}

	if err := config.Validate(); err != nil {
		return Config{}, fmt.Errorf("config %s: %w", path, err)
	}
	return config, nil
}

// Validate checks invariants loading alone cannot enforce.
func (c Config) Validate() error {
	if c.BusRoot == "" {
		return fmt.Errorf("bus_root must not be empty")
	}
	if c.HeartbeatInterval <= 0 {
		return fmt.Errorf("heartbeat_interval must be positive, got %v", c.HeartbeatInterval)
	}
	if c.LoopInterval <= 0 {
		return fmt.Errorf("loop_interval must be positive, got %v", c.LoopInterval)
	}
	if c.Restart.BackoffBase <= 0 {
		return fmt.Errorf("restart.backoff_base must be positive, got %v", c.Restart.BackoffBase)
	}
	if c.Restart.BackoffCap < c.Restart.BackoffBase {
		return fmt.Errorf("restart.backoff_cap %v is below restart.backoff_base %v",
			c.Restart.BackoffCap, c.Restart.BackoffBase)
	}
	if c.Restart.WindowMax <= 0 {
		return fmt.Errorf("restart.window_max must be positive, got %d", c.Restart.WindowMax)
	}
	if c.Restart.Window <= 0 {
		return fmt.Errorf("restart.window must be positive, got %v", c.Restart.Window)
	}

	seen := make(map[string]bool, len(c.Workers))
	for i, worker := range c.Workers {
		if worker.Name == "" {
			return fmt.Errorf("workers[%d]: name must not be empty", i)
		}
		if worker.Command == "" {
			return fmt.Errorf("worker %s: command must not be empty", worker.Name)
		}
		if seen[worker.Name] {
			return fmt.Errorf("worker %s listed twice", worker.Name)
		}
		seen[worker.Name] = true
	}
	return nil
}

// Worker returns the roster entry for a name, if present.
func (c Config) Worker(name string) (WorkerSpec, bool) {
	for _, worker := range c.Workers {
		if worker.Name == name {
			return worker, true
		}
	}
	return WorkerSpec{}, false
}
