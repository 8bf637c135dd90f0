// Copyright 2026 The VJBus Authors
// SPDX-License-Identifier: Apache-2.0

package control

import (
	"errors"
	"os"
	"testing"
	"time"

	"github.com/openvj/vjbus/lib/clock"
	"github.com/openvj/vjbus/lib/schema"
)

func testEnvelope(t *testing.T, verb string) *schema.Envelope {
	t.Helper()
	builder := schema.NewBuilder("test_worker", "", 0, clock.Fake())
	return builder.Command(schema.CommandPayload{Verb: verb})
}

func TestSendReceive(t *testing.T) {
	root := t.TempDir()
	server, err := Listen(root, "test_worker")
	if err != nil {
		t.Fatalf("Listen: %v", err)
	}
	defer server.Close()

	accepted := make(chan *Conn, 1)
	go func() {
		conn, acceptErr := server.Accept(2 * time.Second)
		if acceptErr != nil {
			t.Errorf("Accept: %v", acceptErr)
			accepted <- nil
			return
		}
		accepted <- conn
	}()

	client, err := Dial(root, "test_worker", time.Second)
	if err != nil {
		t.Fatalf("Dial: %v", err)
	}
	defer client.Close()

	serverConn := <-accepted
	if serverConn == nil {
		t.FailNow()
	}
	defer serverConn.Close()

	sent := testEnvelope(t, schema.VerbGetState)
	if err := client.Send(sent); err != nil {
		t.Fatalf("Send: %v", err)
	}

	received, err := serverConn.Receive(time.Second)
	if err != nil {
		t.Fatalf("Receive: %v", err)
	}
	if received.CorrelationID != sent.CorrelationID {
		t.Errorf("CorrelationID = %q, want %q", received.CorrelationID, sent.CorrelationID)
	}
	command, err := received.Command()
	if err != nil {
		t.Fatalf("Command: %v", err)
	}
	if command.Verb != schema.VerbGetState {
		t.Errorf("Verb = %q, want get_state", command.Verb)
	}
}

func TestAcceptTimeout(t *testing.T) {
	server, err := Listen(t.TempDir(), "idle_worker")
	if err != nil {
		t.Fatalf("Listen: %v", err)
	}
	defer server.Close()

	start := time.Now()
	_, err = server.Accept(50 * time.Millisecond)
	if !errors.Is(err, ErrTimeout) {
		t.Errorf("error = %v, want ErrTimeout", err)
	}
	if elapsed := time.Since(start); elapsed > time.Second {
		t.Errorf("Accept blocked %v, want ~50ms", elapsed)
	}
}

func TestReceiveTimeoutLeavesConnectionUsable(t *testing.T) {
	root := t.TempDir()
	server, err := Listen(root, "w")
	if err != nil {
		t.Fatalf("Listen: %v", err)
	}
	defer server.Close()

	go func() {
		client, dialErr := Dial(root, "w", time.Second)
		if dialErr != nil {
			t.Errorf("Dial: %v", dialErr)
			return
		}
		defer client.Close()
		// Send only after the server's first Receive has timed out.
		time.Sleep(150 * time.Millisecond)
		if sendErr := client.Send(testEnvelope(t, schema.VerbGetState)); sendErr != nil {
			t.Errorf("Send: %v", sendErr)
		}
		time.Sleep(100 * time.Millisecond)
	}()

	conn, err := server.Accept(2 * time.Second)
	if err != nil {
		t.Fatalf("Accept: %v", err)
	}
	defer conn.Close()

	if _, err := conn.Receive(50 * time.Millisecond); !errors.Is(err, ErrTimeout) {
		t.Fatalf("first Receive error = %v, want ErrTimeout", err)
	}
	if _, err := conn.Receive(time.Second); err != nil {
		t.Fatalf("second Receive after timeout: %v", err)
	}
}

func TestDialWithoutListener(t *testing.T) {
	_, err := Dial(t.TempDir(), "nobody", 100*time.Millisecond)
	if !errors.Is(err, ErrConnectFailed) {
		t.Errorf("error = %v, want ErrConnectFailed", err)
	}
}

func TestPeerCloseObservedOnReceive(t *testing.T) {
	root := t.TempDir()
	server, err := Listen(root, "w")
	if err != nil {
		t.Fatalf("Listen: %v", err)
	}
	defer server.Close()

	done := make(chan struct{})
	go func() {
		defer close(done)
		client, dialErr := Dial(root, "w", time.Second)
		if dialErr != nil {
			t.Errorf("Dial: %v", dialErr)
			return
		}
		client.Close()
	}()

	conn, err := server.Accept(2 * time.Second)
	if err != nil {
		t.Fatalf("Accept: %v", err)
	}
	defer conn.Close()
	<-done

	if _, err := conn.Receive(time.Second); !errors.Is(err, ErrClosed) {
		t.Errorf("Receive after peer close = %v, want ErrClosed", err)
	}
}

func TestStaleSocketReclaimed(t *testing.T) {
	root := t.TempDir()

	// Simulate a crashed worker: bind, then close the listener while
	// leaving the socket file on disk (a SIGKILLed process never
	// unlinks its socket).
	first, err := Listen(root, "crashed")
	if err != nil {
		t.Fatalf("Listen: %v", err)
	}
	first.listener.SetUnlinkOnClose(false)
	first.listener.Close()
	if _, err := os.Stat(first.Path()); err != nil {
		t.Fatalf("stale socket file missing before reclaim test: %v", err)
	}

	second, err := Listen(root, "crashed")
	if err != nil {
		t.Fatalf("Listen over stale socket: %v", err)
	}
	second.Close()
}

func TestEndpointInUse(t *testing.T) {
	root := t.TempDir()
	live, err := Listen(root, "busy")
	if err != nil {
		t.Fatalf("Listen: %v", err)
	}
	defer live.Close()

	// Keep the live listener accepting so the probe dial succeeds.
	go func() {
		conn, acceptErr := live.Accept(2 * time.Second)
		if acceptErr == nil {
			conn.Close()
		}
	}()

	if _, err := Listen(root, "busy"); !errors.Is(err, ErrEndpointInUse) {
		t.Errorf("error = %v, want ErrEndpointInUse", err)
	}
}

func TestServerCloseRemovesSocket(t *testing.T) {
	root := t.TempDir()
	server, err := Listen(root, "w")
	if err != nil {
		t.Fatalf("Listen: %v", err)
	}
	if err := server.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}
	if _, err := os.Stat(server.Path()); !os.IsNotExist(err) {
		t.Errorf("socket file still present after Close")
	}
}

func TestEndpointPathDeterministic(t *testing.T) {
	a := EndpointPath("/tmp/vjbus", "audio_analyzer")
	b := EndpointPath("/tmp/vjbus", "audio_analyzer")
	if a != b {
		t.Errorf("paths differ: %q vs %q", a, b)
	}
	if a != "/tmp/vjbus/audio_analyzer.sock" {
		t.Errorf("path = %q, want /tmp/vjbus/audio_analyzer.sock", a)
	}
}
