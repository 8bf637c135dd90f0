// Copyright 2026 The VJBus Authors
// SPDX-License-Identifier: Apache-2.0

// Package discovery lets a process with no prior knowledge of worker
// PIDs find live workers. Each worker writes one registration
// artifact (a JSON file named after the worker) under the bus root's
// registry directory on startup and removes it on graceful shutdown.
//
// Artifacts are hints, not guarantees: a crashed worker leaves its
// artifact behind. Scan returns plausibly-live workers; Probe
// confirms liveness by issuing a get_state over the control channel,
// and a Dead result is the signal to remove the stale artifact.
package discovery

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/openvj/vjbus/lib/clock"
	"github.com/openvj/vjbus/lib/control"
	"github.com/openvj/vjbus/lib/schema"
)

// Config locates the shared bus directory. Always passed explicitly —
// never a package global — so tests point each case at an isolated
// temporary directory.
type Config struct {
	// Root is the bus root directory holding control sockets and the
	// registry/ subdirectory of registration artifacts.
	Root string
}

// RegistryDir returns the directory holding registration artifacts.
func (c Config) RegistryDir() string {
	return filepath.Join(c.Root, "registry")
}

// ArtifactPath returns the registration artifact path for a worker.
func (c Config) ArtifactPath(name string) string {
	return filepath.Join(c.RegistryDir(), name+".json")
}

// Record is the content of one registration artifact.
type Record struct {
	Worker     string    `json:"worker_name"`
	PID        int       `json:"pid"`
	InstanceID string    `json:"instance_id"`
	Generation int       `json:"generation"`
	Endpoint   string    `json:"endpoint"`
	StartedAt  time.Time `json:"started_at"`
}

// Status is the result of probing a discovered worker.
type Status int

const (
	// Dead means the worker did not answer: connect failure, timeout,
	// or a broken connection. The registration artifact is stale.
	Dead Status = iota

	// Alive means the worker answered a get_state command.
	Alive
)

func (s Status) String() string {
	if s == Alive {
		return "alive"
	}
	return "dead"
}

// Register writes the worker's registration artifact atomically:
// temp file in the same directory, fsync, rename. A concurrent Scan
// never observes a partial write, and concurrent registrations of
// different workers never collide (each artifact is named by its
// worker).
func Register(config Config, record Record) error {
	if err := os.MkdirAll(config.RegistryDir(), 0o755); err != nil {
		return fmt.Errorf("creating registry directory: %w", err)
	}

	data, err := json.MarshalIndent(record, "", "  ")
	if err != nil {
		return fmt.Errorf("marshaling registration for %s: %w", record.Worker, err)
	}
	data = append(data, '\n')

	path := config.ArtifactPath(record.Worker)
	temporaryPath := path + ".tmp"

	file, err := os.OpenFile(temporaryPath, os.O_WRONLY|os.O_CREATE|os.O_TRUNC, 0o644)
	if err != nil {
		return fmt.Errorf("creating temporary registration file: %w", err)
	}
	if _, err := file.Write(data); err != nil {
		file.Close()
		os.Remove(temporaryPath)
		return fmt.Errorf("writing temporary registration file: %w", err)
	}
	if err := file.Sync(); err != nil {
		file.Close()
		os.Remove(temporaryPath)
		return fmt.Errorf("syncing temporary registration file: %w", err)
	}
	if err := file.Close(); err != nil {
		os.Remove(temporaryPath)
		return fmt.Errorf("closing temporary registration file: %w", err)
	}
	if err := os.Rename(temporaryPath, path); err != nil {
		os.Remove(temporaryPath)
		return fmt.Errorf("renaming registration into place: %w", err)
	}
	return nil
}

// Deregister removes the worker's artifact. Idempotent.
func Deregister(config Config, name string) error {
	if err := os.Remove(config.ArtifactPath(name)); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("removing registration for %s: %w", name, err)
	}
	return nil
}

// Scan enumerates all registration artifacts. Synchronous, O(number
// of artifacts). Unreadable or malformed artifacts are skipped — they
// will be reaped when a Probe declares their worker Dead.
func Scan(config Config) ([]Record, error) {
	entries, err := os.ReadDir(config.RegistryDir())
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("reading registry directory: %w", err)
	}

	var records []Record
	for _, entry := range entries {
		if entry.IsDir() || !strings.HasSuffix(entry.Name(), ".json") {
			continue
		}
		data, err := os.ReadFile(filepath.Join(config.RegistryDir(), entry.Name()))
		if err != nil {
			continue
		}
		var record Record
		if err := json.Unmarshal(data, &record); err != nil {
			continue
		}
		if record.Worker == "" || record.Endpoint == "" {
			continue
		}
		records = append(records, record)
	}
	return records, nil
}

// Probe actively confirms a scanned worker is responsive: connect to
// its endpoint and issue get_state, waiting up to timeout for the
// ack. Registration and heartbeat envelopes arriving on the fresh
// connection are skipped while waiting. Never hangs — every wait is
// bounded by the deadline.
func Probe(record Record, timeout time.Duration, clk clock.Clock) Status {
	conn, err := control.DialPath(record.Endpoint, timeout)
	if err != nil {
		return Dead
	}
	defer conn.Close()

	builder := schema.NewBuilder("discovery", "", 0, clk)
	command := builder.Command(schema.CommandPayload{Verb: schema.VerbGetState})
	if err := conn.Send(command); err != nil {
		return Dead
	}

	deadline := time.Now().Add(timeout)
	for {
		remaining := time.Until(deadline)
		if remaining <= 0 {
			return Dead
		}
		reply, err := conn.Receive(remaining)
		if err != nil {
			return Dead
		}
		if reply.Type == schema.TypeAck && reply.CorrelationID == command.CorrelationID {
			return Alive
		}
		// Register, heartbeat, or an unrelated message — keep
		// waiting within the deadline.
	}
}

// RemoveStale deletes the artifact for a worker whose Probe returned
// Dead. Separate from Deregister only in intent; same operation.
func RemoveStale(config Config, name string) error {
	return Deregister(config, name)
}
