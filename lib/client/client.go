// Copyright 2026 The VJBus Authors
// SPDX-License-Identifier: Apache-2.0

// Package client is the consumer side of the bus: discover workers,
// open control sessions, issue commands, and keep a set of workers
// converged on desired configuration across restarts.
//
// A control connection carries more than replies — heartbeats,
// registration, and events arrive interleaved with acks. Session.Call
// pairs replies to commands by correlation ID and lets everything
// else flow past (or into a notify callback), so callers never
// mistake a heartbeat for an answer.
package client

import (
	"errors"
	"fmt"
	"log/slog"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/openvj/vjbus/lib/clock"
	"github.com/openvj/vjbus/lib/control"
	"github.com/openvj/vjbus/lib/discovery"
	"github.com/openvj/vjbus/lib/schema"
)

// ErrNoReply means the command's reply did not arrive within the
// timeout.
var ErrNoReply = errors.New("client: no reply within timeout")

const dialTimeout = time.Second

// Client discovers and connects to workers on one bus.
type Client struct {
	bus     discovery.Config
	clock   clock.Clock
	logger  *slog.Logger
	builder *schema.Builder
}

// New creates a client for the bus rooted at root. The name
// identifies this client in the envelopes it sends ("console",
// "coordinator").
func New(root, name string, clk clock.Clock, logger *slog.Logger) *Client {
	return &Client{
		bus:     discovery.Config{Root: root},
		clock:   clk,
		logger:  logger,
		builder: schema.NewBuilder(name, "", 0, clk),
	}
}

// WorkerInfo is one discovered worker plus its probed liveness.
type WorkerInfo struct {
	discovery.Record
	Status discovery.Status
}

// Discover scans the registry and probes every record, in parallel
// so one dead worker's timeout does not delay the rest. Stale
// artifacts (probe says dead) are removed so the registry converges
// on reality.
func (c *Client) Discover(probeTimeout time.Duration) ([]WorkerInfo, error) {
	records, err := discovery.Scan(c.bus)
	if err != nil {
		return nil, err
	}

	infos := make([]WorkerInfo, len(records))
	var group errgroup.Group
	for i, record := range records {
		i, record := i, record
		group.Go(func() error {
			status := discovery.Probe(record, probeTimeout, c.clock)
			if status == discovery.Dead {
				if err := discovery.RemoveStale(c.bus, record.Worker); err != nil {
					c.logger.Warn("could not remove stale registration",
						"worker", record.Worker, "error", err)
				}
			}
			infos[i] = WorkerInfo{Record: record, Status: status}
			return nil
		})
	}
	group.Wait()
	return infos, nil
}

// Connect opens a control session to the named worker.
func (c *Client) Connect(name string) (*Session, error) {
	conn, err := control.Dial(c.bus.Root, name, dialTimeout)
	if err != nil {
		return nil, err
	}
	return &Session{
		conn:    conn,
		builder: c.builder,
		worker:  name,
	}, nil
}

// Session is one control connection to one worker.
type Session struct {
	conn    *control.Conn
	builder *schema.Builder
	worker  string

	// identity observed from the worker's envelopes.
	instanceID string
	generation int

	// Notify, when set, receives every envelope that is not the
	// reply Call is waiting for: heartbeats, events, registration.
	Notify func(*schema.Envelope)
}

// Worker returns the session's worker name.
func (s *Session) Worker() string { return s.worker }

// InstanceID returns the worker's instance ID as last observed on
// this session. Empty until any envelope has arrived.
func (s *Session) InstanceID() string { return s.instanceID }

// Generation returns the worker's generation as last observed.
func (s *Session) Generation() int { return s.generation }

// Call sends a command and waits for its ack or error reply,
// matching by correlation ID. Envelopes that are not the reply are
// passed to Notify and skipped. The worker's identity fields are
// refreshed from every envelope seen.
func (s *Session) Call(command schema.CommandPayload, timeout time.Duration) (*schema.Envelope, error) {
	request := s.builder.Command(command)
	if err := s.conn.Send(request); err != nil {
		return nil, err
	}

	deadline := time.Now().Add(timeout)
	for {
		remaining := time.Until(deadline)
		if remaining <= 0 {
			return nil, fmt.Errorf("%w: %s to %s", ErrNoReply, command.Verb, s.worker)
		}
		envelope, err := s.conn.Receive(remaining)
		if err != nil {
			if errors.Is(err, control.ErrTimeout) {
				return nil, fmt.Errorf("%w: %s to %s", ErrNoReply, command.Verb, s.worker)
			}
			return nil, err
		}
		s.observe(envelope)

		isReply := (envelope.Type == schema.TypeAck || envelope.Type == schema.TypeError) &&
			envelope.CorrelationID == request.CorrelationID
		if isReply {
			return envelope, nil
		}
		if s.Notify != nil {
			s.Notify(envelope)
		}
	}
}

// Receive waits for the next envelope of any kind. Used by passive
// observers (heartbeat tails, event monitors).
func (s *Session) Receive(timeout time.Duration) (*schema.Envelope, error) {
	envelope, err := s.conn.Receive(timeout)
	if err != nil {
		return nil, err
	}
	s.observe(envelope)
	return envelope, nil
}

// Close closes the session.
func (s *Session) Close() error { return s.conn.Close() }

func (s *Session) observe(envelope *schema.Envelope) {
	if envelope.InstanceID != "" {
		s.instanceID = envelope.InstanceID
	}
	s.generation = envelope.Generation
}

// CallAck is Call plus payload decoding: an error-typed reply or a
// non-ok status becomes a Go error.
func (s *Session) CallAck(command schema.CommandPayload, timeout time.Duration) (schema.AckPayload, error) {
	reply, err := s.Call(command, timeout)
	if err != nil {
		return schema.AckPayload{}, err
	}
	if reply.Type == schema.TypeError {
		problem, err := reply.ProtocolError()
		if err != nil {
			return schema.AckPayload{}, fmt.Errorf("%s rejected %s", s.worker, command.Verb)
		}
		return schema.AckPayload{}, fmt.Errorf("%s rejected %s: %s (%s)",
			s.worker, command.Verb, problem.Error, problem.Detail)
	}
	ack, err := reply.Ack()
	if err != nil {
		return schema.AckPayload{}, err
	}
	if !ack.OK() {
		return ack, fmt.Errorf("%s failed %s: %s", s.worker, command.Verb, ack.Message)
	}
	return ack, nil
}
