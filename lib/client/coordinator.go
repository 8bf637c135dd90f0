// Copyright 2026 The VJBus Authors
// SPDX-License-Identifier: Apache-2.0

package client

import (
	"fmt"
	"time"

	"github.com/openvj/vjbus/lib/discovery"
	"github.com/openvj/vjbus/lib/schema"
)

// identity is what a coordinator remembers about a worker between
// sync passes. A change in either field means the process was
// replaced and its in-memory state is gone.
type identity struct {
	instanceID string
	generation int
}

// desired is the configuration a worker should converge on.
type desired struct {
	version string
	data    map[string]any
}

// Coordinator keeps a fleet of workers converged on desired
// configuration. It detects worker restarts by watching generation
// and instance changes, and replays the desired config to any worker
// that came back fresh. Replay is safe because set_config is
// idempotent by config version.
type Coordinator struct {
	client  *Client
	known   map[string]identity
	desired map[string]desired
}

// NewCoordinator wraps a client with restart tracking.
func NewCoordinator(client *Client) *Coordinator {
	return &Coordinator{
		client:  client,
		known:   make(map[string]identity),
		desired: make(map[string]desired),
	}
}

// SetDesired records the configuration a worker should be running.
// The next SyncAll (or the next restart) pushes it.
func (c *Coordinator) SetDesired(worker, version string, data map[string]any) {
	c.desired[worker] = desired{version: version, data: data}
}

// SyncResult reports what one sync pass did for one worker.
type SyncResult struct {
	Worker     string
	Generation int
	InstanceID string

	// Fresh means the worker was new or restarted since the last
	// pass.
	Fresh bool

	// Replayed means desired configuration was pushed this pass.
	Replayed bool

	Err error
}

// SyncAll discovers live workers, queries their state, and replays
// desired configuration to any worker whose generation or instance
// changed since the previous pass. Dead workers drop out of the
// known set so their next appearance counts as fresh.
func (c *Coordinator) SyncAll(probeTimeout, callTimeout time.Duration) ([]SyncResult, error) {
	infos, err := c.client.Discover(probeTimeout)
	if err != nil {
		return nil, err
	}

	results := make([]SyncResult, 0, len(infos))
	seen := make(map[string]bool, len(infos))
	for _, info := range infos {
		if info.Status == discovery.Dead {
			continue
		}
		seen[info.Worker] = true
		results = append(results, c.syncOne(info, callTimeout))
	}

	// Forget workers that vanished; if they come back they are
	// fresh and get a replay.
	for name := range c.known {
		if !seen[name] {
			delete(c.known, name)
		}
	}
	return results, nil
}

func (c *Coordinator) syncOne(info WorkerInfo, callTimeout time.Duration) SyncResult {
	result := SyncResult{Worker: info.Worker}

	session, err := c.client.Connect(info.Worker)
	if err != nil {
		result.Err = err
		return result
	}
	defer session.Close()

	ack, err := session.CallAck(schema.CommandPayload{Verb: schema.VerbGetState}, callTimeout)
	if err != nil {
		result.Err = err
		return result
	}

	current := identity{instanceID: session.InstanceID(), generation: session.Generation()}
	result.Generation = current.generation
	result.InstanceID = current.instanceID

	previous, ok := c.known[info.Worker]
	result.Fresh = !ok || previous != current

	want, hasDesired := c.desired[info.Worker]
	needsConfig := hasDesired &&
		(result.Fresh || ack.AppliedConfigVersion != want.version)

	if needsConfig {
		applied, err := session.CallAck(schema.CommandPayload{
			Verb:          schema.VerbSetConfig,
			ConfigVersion: want.version,
			Data:          want.data,
		}, callTimeout)
		if err != nil {
			result.Err = err
			return result
		}
		if applied.AppliedConfigVersion != want.version {
			result.Err = fmt.Errorf("worker %s acked config %q, want %q",
				info.Worker, applied.AppliedConfigVersion, want.version)
			return result
		}
		result.Replayed = true
	}

	c.known[info.Worker] = current
	return result
}
