// Copyright 2026 The VJBus Authors
// SPDX-License-Identifier: Apache-2.0

package schema

import (
	"strings"
	"testing"

	"github.com/openvj/vjbus/lib/clock"
)

func testBuilder() *Builder {
	return NewBuilder("audio_analyzer", "", 3, clock.Fake())
}

func TestRoundTripEveryType(t *testing.T) {
	builder := testBuilder()
	command := builder.Command(CommandPayload{Verb: VerbSetConfig, ConfigVersion: "v7", Data: map[string]any{"gain": 0.5}})

	envelopes := []*Envelope{
		command,
		builder.Ack(command, AckPayload{Status: StatusOK, AppliedConfigVersion: "v7"}),
		builder.Heartbeat(HeartbeatPayload{PID: 123, UptimeSeconds: 4.5, Stats: map[string]any{"fps": 20}}),
		builder.Register(RegisterPayload{PID: 123, Endpoint: "/tmp/vjbus/audio_analyzer.sock", Streams: []string{"/audio/levels"}}),
		builder.Event(EventPayload{Level: "info", Message: EventWorkerStarted}),
		builder.Telemetry(TelemetryPayload{Stream: "/audio/levels", Sequence: 9, Data: []any{0.1}}),
		builder.Error(command, ErrorPayload{Error: "unknown verb"}),
	}

	for _, original := range envelopes {
		data, err := original.Encode()
		if err != nil {
			t.Fatalf("Encode %s: %v", original.Type, err)
		}
		decoded, err := Decode(data)
		if err != nil {
			t.Fatalf("Decode %s: %v", original.Type, err)
		}
		if decoded.Type != original.Type {
			t.Errorf("Type = %q, want %q", decoded.Type, original.Type)
		}
		if decoded.Worker != "audio_analyzer" {
			t.Errorf("Worker = %q, want audio_analyzer", decoded.Worker)
		}
		if decoded.InstanceID != builder.InstanceID() {
			t.Errorf("InstanceID = %q, want %q", decoded.InstanceID, builder.InstanceID())
		}
		if decoded.Generation != 3 {
			t.Errorf("Generation = %d, want 3", decoded.Generation)
		}
		if decoded.SchemaVersion != Version {
			t.Errorf("SchemaVersion = %q, want %q", decoded.SchemaVersion, Version)
		}
		if !decoded.Timestamp.Equal(original.Timestamp) {
			t.Errorf("Timestamp = %v, want %v", decoded.Timestamp, original.Timestamp)
		}
	}
}

func TestAckEchoesCorrelationID(t *testing.T) {
	builder := testBuilder()
	command := builder.Command(CommandPayload{Verb: VerbGetState})
	if command.CorrelationID == "" {
		t.Fatal("command minted without correlation ID")
	}

	ack := builder.Ack(command, AckPayload{Status: StatusOK})
	if ack.CorrelationID != command.CorrelationID {
		t.Errorf("ack correlation = %q, want %q", ack.CorrelationID, command.CorrelationID)
	}

	errorReply := builder.Error(command, ErrorPayload{Error: "boom"})
	if errorReply.CorrelationID != command.CorrelationID {
		t.Errorf("error correlation = %q, want %q", errorReply.CorrelationID, command.CorrelationID)
	}
}

func TestCommandPayloadDecode(t *testing.T) {
	builder := testBuilder()
	envelope := builder.Command(CommandPayload{Verb: VerbSetConfig, ConfigVersion: "v1", Data: map[string]any{"mode": "club"}})

	payload, err := envelope.Command()
	if err != nil {
		t.Fatalf("Command: %v", err)
	}
	if payload.Verb != VerbSetConfig {
		t.Errorf("Verb = %q, want %q", payload.Verb, VerbSetConfig)
	}
	if payload.ConfigVersion != "v1" {
		t.Errorf("ConfigVersion = %q, want v1", payload.ConfigVersion)
	}
	if payload.Data["mode"] != "club" {
		t.Errorf("Data[mode] = %v, want club", payload.Data["mode"])
	}
}

func TestDecodePayloadTypeMismatch(t *testing.T) {
	builder := testBuilder()
	heartbeat := builder.Heartbeat(HeartbeatPayload{PID: 1})

	if _, err := heartbeat.Command(); err == nil {
		t.Error("decoding a heartbeat as a command succeeded")
	}
}

func TestDecodeRejectsMissingFields(t *testing.T) {
	cases := []struct {
		name string
		raw  string
		want string
	}{
		{"not json", "{", "parsing envelope"},
		{"no schema version", `{"type":"command","worker_name":"x"}`, "schema_version"},
		{"no type", `{"schema_version":"1.0.0","worker_name":"x"}`, "type"},
		{"no worker", `{"schema_version":"1.0.0","type":"command"}`, "worker_name"},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			_, err := Decode([]byte(tc.raw))
			if err == nil {
				t.Fatal("Decode succeeded on invalid envelope")
			}
			if !strings.Contains(err.Error(), tc.want) {
				t.Errorf("error = %q, want mention of %q", err, tc.want)
			}
		})
	}
}

func TestCommandRequiresVerb(t *testing.T) {
	builder := testBuilder()
	envelope := builder.Command(CommandPayload{})
	if _, err := envelope.Command(); err == nil {
		t.Error("command without verb decoded successfully")
	}
}

func TestDistinctInstanceIDs(t *testing.T) {
	a := NewBuilder("w", "", 0, clock.Fake())
	b := NewBuilder("w", "", 0, clock.Fake())
	if a.InstanceID() == b.InstanceID() {
		t.Error("two builders minted the same instance ID")
	}
}
