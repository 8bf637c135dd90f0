// Copyright 2026 The VJBus Authors
// SPDX-License-Identifier: Apache-2.0

// Package schema defines the versioned message envelope carried over
// both the control and telemetry channels, and the typed payloads for
// each message type. Every process on the bus shares these types.
package schema

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// Version is the wire-format version stamped into every envelope.
// Receivers accept any envelope whose major version matches and
// respond with an error envelope otherwise.
const Version = "1.0.0"

// MessageType discriminates the payload union of an Envelope.
type MessageType string

const (
	TypeCommand   MessageType = "command"
	TypeAck       MessageType = "ack"
	TypeEvent     MessageType = "event"
	TypeTelemetry MessageType = "telemetry"
	TypeHeartbeat MessageType = "heartbeat"
	TypeRegister  MessageType = "register"
	TypeError     MessageType = "error"
)

// Standard command verbs. Workers may accept additional verbs; these
// are the ones the runtime and supervisor understand.
const (
	VerbGetState      = "get_state"
	VerbSetConfig     = "set_config"
	VerbRestart       = "restart"
	VerbEnable        = "enable"
	VerbDisable       = "disable"
	VerbShutdown      = "shutdown"
	VerbStartWorker   = "start_worker"
	VerbStopWorker    = "stop_worker"
	VerbRestartWorker = "restart_worker"
)

// Ack status values.
const (
	StatusOK    = "ok"
	StatusError = "error"
)

// Envelope is the single message shape crossing every channel.
//
// InstanceID is minted once per process lifetime and distinguishes a
// run of a worker from a previous crashed run. Generation increments
// each time the supervisor restarts a worker, so a consumer holding a
// connection to generation G can detect it is now talking to G+1.
type Envelope struct {
	SchemaVersion string          `json:"schema_version"`
	Type          MessageType     `json:"type"`
	Worker        string          `json:"worker_name"`
	InstanceID    string          `json:"instance_id"`
	Generation    int             `json:"generation"`
	CorrelationID string          `json:"correlation_id,omitempty"`
	Timestamp     time.Time       `json:"timestamp"`
	Payload       json.RawMessage `json:"payload,omitempty"`
}

// CommandPayload asks a worker to perform a verb. ConfigVersion is an
// opaque token chosen by the sender; the worker echoes it back in the
// ack's AppliedConfigVersion once applied, which is the sender's
// idempotency anchor for replay after reconnect.
type CommandPayload struct {
	Verb          string         `json:"verb"`
	ConfigVersion string         `json:"config_version,omitempty"`
	Data          map[string]any `json:"data,omitempty"`
}

// AckPayload answers a command. Status is "ok" or "error". Data
// carries query results (get_state state snapshots).
type AckPayload struct {
	Status               string         `json:"status"`
	Message              string         `json:"message,omitempty"`
	AppliedConfigVersion string         `json:"applied_config_version,omitempty"`
	Data                 map[string]any `json:"data,omitempty"`
}

// OK reports whether the ack indicates success.
func (a AckPayload) OK() bool { return a.Status == StatusOK }

// HeartbeatPayload is emitted periodically by every worker. Stats are
// worker-defined (frames processed, fps, queue depths).
type HeartbeatPayload struct {
	PID           int            `json:"pid"`
	UptimeSeconds float64        `json:"uptime_seconds"`
	Stats         map[string]any `json:"stats,omitempty"`
}

// TelemetryPayload is a single sample on a named stream. Sequence is
// a per-stream monotonic counter; consumers use gaps to detect loss
// but must never block waiting for missing numbers.
type TelemetryPayload struct {
	Stream   string `json:"stream"`
	Sequence uint64 `json:"sequence"`
	Data     any    `json:"data"`
}

// RegisterPayload is the first message a worker sends on startup,
// announcing where its control endpoint lives and which telemetry
// streams it emits.
type RegisterPayload struct {
	PID      int      `json:"pid"`
	Endpoint string   `json:"endpoint"`
	Streams  []string `json:"streams,omitempty"`
}

// EventPayload is a lifecycle notification, primarily emitted by the
// supervisor (worker_started, worker_crashed, worker_restarted,
// worker_failed).
type EventPayload struct {
	Level   string         `json:"level"`
	Message string         `json:"message"`
	Details map[string]any `json:"details,omitempty"`
}

// Supervisor lifecycle event names carried in EventPayload.Message.
const (
	EventWorkerStarted   = "worker_started"
	EventWorkerStopped   = "worker_stopped"
	EventWorkerCrashed   = "worker_crashed"
	EventWorkerRestarted = "worker_restarted"
	EventWorkerFailed    = "worker_failed"
)

// ErrorPayload reports a protocol-level failure: malformed envelope,
// unknown verb, schema mismatch. It is a reply, never fatal to the
// receiver.
type ErrorPayload struct {
	Error  string `json:"error"`
	Detail string `json:"detail,omitempty"`
}

// NewInstanceID mints the unique identifier for one process lifetime.
func NewInstanceID() string { return uuid.NewString() }

// NewCorrelationID mints the opaque token pairing a command with its
// ack.
func NewCorrelationID() string { return uuid.NewString() }

// Encode marshals the envelope to its JSON wire form.
func (e *Envelope) Encode() ([]byte, error) {
	data, err := json.Marshal(e)
	if err != nil {
		return nil, fmt.Errorf("encoding %s envelope: %w", e.Type, err)
	}
	return data, nil
}

// Decode parses an envelope from its JSON wire form and validates the
// fields every message must carry.
func Decode(data []byte) (*Envelope, error) {
	var envelope Envelope
	if err := json.Unmarshal(data, &envelope); err != nil {
		return nil, fmt.Errorf("parsing envelope: %w", err)
	}
	if envelope.SchemaVersion == "" {
		return nil, fmt.Errorf("envelope missing schema_version")
	}
	if envelope.Type == "" {
		return nil, fmt.Errorf("envelope missing type")
	}
	if envelope.Worker == "" {
		return nil, fmt.Errorf("envelope missing worker_name")
	}
	return &envelope, nil
}

// Command decodes the payload of a command envelope.
func (e *Envelope) Command() (CommandPayload, error) {
	var payload CommandPayload
	if err := e.decodePayload(TypeCommand, &payload); err != nil {
		return CommandPayload{}, err
	}
	if payload.Verb == "" {
		return CommandPayload{}, fmt.Errorf("command envelope missing verb")
	}
	return payload, nil
}

// Ack decodes the payload of an ack envelope.
func (e *Envelope) Ack() (AckPayload, error) {
	var payload AckPayload
	err := e.decodePayload(TypeAck, &payload)
	return payload, err
}

// Heartbeat decodes the payload of a heartbeat envelope.
func (e *Envelope) Heartbeat() (HeartbeatPayload, error) {
	var payload HeartbeatPayload
	err := e.decodePayload(TypeHeartbeat, &payload)
	return payload, err
}

// Register decodes the payload of a register envelope.
func (e *Envelope) Register() (RegisterPayload, error) {
	var payload RegisterPayload
	err := e.decodePayload(TypeRegister, &payload)
	return payload, err
}

// Event decodes the payload of an event envelope.
func (e *Envelope) Event() (EventPayload, error) {
	var payload EventPayload
	err := e.decodePayload(TypeEvent, &payload)
	return payload, err
}

// Telemetry decodes the payload of a telemetry envelope.
func (e *Envelope) Telemetry() (TelemetryPayload, error) {
	var payload TelemetryPayload
	err := e.decodePayload(TypeTelemetry, &payload)
	return payload, err
}

// ProtocolError decodes the payload of an error envelope.
func (e *Envelope) ProtocolError() (ErrorPayload, error) {
	var payload ErrorPayload
	err := e.decodePayload(TypeError, &payload)
	return payload, err
}

func (e *Envelope) decodePayload(want MessageType, into any) error {
	if e.Type != want {
		return fmt.Errorf("envelope type is %q, not %q", e.Type, want)
	}
	if len(e.Payload) == 0 {
		return fmt.Errorf("%s envelope has no payload", want)
	}
	if err := json.Unmarshal(e.Payload, into); err != nil {
		return fmt.Errorf("parsing %s payload: %w", want, err)
	}
	return nil
}
