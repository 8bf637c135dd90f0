// Copyright 2026 The VJBus Authors
// SPDX-License-Identifier: Apache-2.0

package schema

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/openvj/vjbus/lib/clock"
)

// Builder stamps envelopes with a process's fixed identity: worker
// name, instance ID, and generation. One Builder per process; the
// identity fields never change during a process lifetime.
//
// Builder methods never fail for the payload types defined in this
// package — they marshal plain structs — so they return envelopes
// directly rather than (envelope, error) pairs.
type Builder struct {
	worker     string
	instanceID string
	generation int
	clock      clock.Clock
}

// NewBuilder creates a Builder for the given identity. A fresh
// instance ID is minted when instanceID is empty.
func NewBuilder(worker, instanceID string, generation int, clk clock.Clock) *Builder {
	if instanceID == "" {
		instanceID = NewInstanceID()
	}
	return &Builder{
		worker:     worker,
		instanceID: instanceID,
		generation: generation,
		clock:      clk,
	}
}

// InstanceID returns the process instance identifier the builder
// stamps into envelopes.
func (b *Builder) InstanceID() string { return b.instanceID }

// Generation returns the generation the builder stamps into
// envelopes.
func (b *Builder) Generation() int { return b.generation }

// Command builds a command envelope with a fresh correlation ID.
func (b *Builder) Command(payload CommandPayload) *Envelope {
	return b.envelope(TypeCommand, NewCorrelationID(), payload)
}

// Ack builds the reply to a command, echoing its correlation ID.
func (b *Builder) Ack(request *Envelope, payload AckPayload) *Envelope {
	return b.envelope(TypeAck, request.CorrelationID, payload)
}

// Error builds an error-typed reply. When request is non-nil its
// correlation ID is echoed so the sender can pair the failure with
// its command.
func (b *Builder) Error(request *Envelope, payload ErrorPayload) *Envelope {
	correlationID := ""
	if request != nil {
		correlationID = request.CorrelationID
	}
	return b.envelope(TypeError, correlationID, payload)
}

// Heartbeat builds a heartbeat envelope.
func (b *Builder) Heartbeat(payload HeartbeatPayload) *Envelope {
	return b.envelope(TypeHeartbeat, "", payload)
}

// Register builds the one-per-startup registration envelope.
func (b *Builder) Register(payload RegisterPayload) *Envelope {
	return b.envelope(TypeRegister, "", payload)
}

// Event builds a lifecycle event envelope.
func (b *Builder) Event(payload EventPayload) *Envelope {
	return b.envelope(TypeEvent, "", payload)
}

// Telemetry builds a telemetry envelope for control-channel use.
// High-rate telemetry goes over lib/telemetry datagrams instead.
func (b *Builder) Telemetry(payload TelemetryPayload) *Envelope {
	return b.envelope(TypeTelemetry, "", payload)
}

func (b *Builder) envelope(messageType MessageType, correlationID string, payload any) *Envelope {
	raw, err := json.Marshal(payload)
	if err != nil {
		// Payload structs in this package always marshal; reaching
		// this means a worker put an unmarshalable value (a channel,
		// a func) into a Stats or Data map.
		panic(fmt.Sprintf("schema: marshaling %s payload: %v", messageType, err))
	}
	return &Envelope{
		SchemaVersion: Version,
		Type:          messageType,
		Worker:        b.worker,
		InstanceID:    b.instanceID,
		Generation:    b.generation,
		CorrelationID: correlationID,
		Timestamp:     b.clock.Now().UTC(),
		Payload:       raw,
	}
}

// EnsureTimestamp returns the envelope timestamp, substituting the
// current time when the sender left it zero. Keeps downstream age
// arithmetic from treating malformed envelopes as ancient.
func EnsureTimestamp(e *Envelope, clk clock.Clock) time.Time {
	if e.Timestamp.IsZero() {
		return clk.Now().UTC()
	}
	return e.Timestamp
}
