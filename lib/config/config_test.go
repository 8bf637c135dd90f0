// Copyright 2026 The VJBus Authors
// SPDX-License-Identifier: Apache-2.0

package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

func writeConfig(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "vjbus.yaml")
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatalf("writing config: %v", err)
	}
	return path
}

func TestLoadEmptyPathReturnsDefaults(t *testing.T) {
	config, err := Load("")
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if config.BusRoot != "/tmp/vjbus" {
		t.Errorf("BusRoot = %q", config.BusRoot)
	}
	if config.HeartbeatInterval != 5*time.Second {
		t.Errorf("HeartbeatInterval = %v", config.HeartbeatInterval)
	}
	if config.Restart.WindowMax != 5 || config.Restart.Window != time.Minute {
		t.Errorf("Restart = %+v", config.Restart)
	}
}

func TestLoadOverridesAndDefaults(t *testing.T) {
	path := writeConfig(t, `
bus_root: /run/vj
heartbeat_interval: 2s
restart:
  backoff_base: 500ms
  backoff_cap: 10s
  window_max: 3
  window: 30s
workers:
  - name: audio_analyzer
    command: /usr/local/bin/vj-audio
    args: ["--device", "hw:1"]
  - name: lyrics
    command: /usr/local/bin/vj-lyrics
    autostart: false
`)
	config, err := Load(path)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if config.BusRoot != "/run/vj" {
		t.Errorf("BusRoot = %q", config.BusRoot)
	}
	if config.HeartbeatInterval != 2*time.Second {
		t.Errorf("HeartbeatInterval = %v", config.HeartbeatInterval)
	}
	// Unset fields keep their defaults.
	if config.LoopInterval != 50*time.Millisecond {
		t.Errorf("LoopInterval = %v, want default", config.LoopInterval)
	}
	if config.Restart.BackoffBase != 500*time.Millisecond || config.Restart.WindowMax != 3 {
		t.Errorf("Restart = %+v", config.Restart)
	}

	if len(config.Workers) != 2 {
		t.Fatalf("Workers = %+v", config.Workers)
	}
	audio, ok := config.Worker("audio_analyzer")
	if !ok || audio.Command != "/usr/local/bin/vj-audio" || len(audio.Args) != 2 {
		t.Errorf("audio_analyzer = %+v", audio)
	}
	if !audio.AutostartEnabled() {
		t.Error("autostart should default to true")
	}
	lyrics, _ := config.Worker("lyrics")
	if lyrics.AutostartEnabled() {
		t.Error("lyrics autostart should be false")
	}
}

func TestLoadEmptyFileYieldsDefaults(t *testing.T) {
	config, err := Load(writeConfig(t, ""))
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if config.BusRoot != "/tmp/vjbus" {
		t.Errorf("BusRoot = %q, want default", config.BusRoot)
	}
}

func TestLoadRejectsUnknownFields(t *testing.T) {
	_, err := Load(writeConfig(t, "heartbeet_interval: 2s\n"))
	if err == nil {
		t.Fatal("Load accepted a misspelled field")
	}
}

func TestValidateFailures(t *testing.T) {
	cases := []struct {
		name    string
		mutate  func(*Config)
		wantSub string
	}{
		{"empty bus root", func(c *Config) { c.BusRoot = "" }, "bus_root"},
		{"zero heartbeat", func(c *Config) { c.HeartbeatInterval = 0 }, "heartbeat_interval"},
		{"cap below base", func(c *Config) { c.Restart.BackoffCap = c.Restart.BackoffBase / 2 }, "backoff_cap"},
		{"zero window max", func(c *Config) { c.Restart.WindowMax = 0 }, "window_max"},
		{"nameless worker", func(c *Config) {
			c.Workers = []WorkerSpec{{Command: "/bin/true"}}
		}, "name"},
		{"commandless worker", func(c *Config) {
			c.Workers = []WorkerSpec{{Name: "w"}}
		}, "command"},
		{"duplicate worker", func(c *Config) {
			c.Workers = []WorkerSpec{
				{Name: "w", Command: "/bin/true"},
				{Name: "w", Command: "/bin/true"},
			}
		}, "twice"},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			config := Default()
			tc.mutate(&config)
			err := config.Validate()
			if err == nil {
				t.Fatal("Validate accepted invalid config")
			}
			if !strings.Contains(err.Error(), tc.wantSub) {
				t.Errorf("error %q does not mention %q", err, tc.wantSub)
			}
		})
	}
}
