// Copyright 2026 The VJBus Authors
// SPDX-License-Identifier: Apache-2.0

// Vjbus-console is the operator's command-line window into a running
// bus: list workers, query state, send verbs, manage the roster
// through the supervisor, and watch heartbeats or telemetry live.
//
// Usage:
//
//	vjbus-console [flags] list
//	vjbus-console [flags] state <worker>
//	vjbus-console [flags] send <worker> <verb> [key=value ...]
//	vjbus-console [flags] config <worker> <version> [key=value ...]
//	vjbus-console [flags] start|stop|restart <worker>
//	vjbus-console [flags] tail <worker>
//	vjbus-console [flags] listen [address-prefix]
package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/spf13/pflag"

	"github.com/openvj/vjbus/lib/client"
	"github.com/openvj/vjbus/lib/clock"
	"github.com/openvj/vjbus/lib/process"
	"github.com/openvj/vjbus/lib/schema"
	"github.com/openvj/vjbus/lib/supervisor"
	"github.com/openvj/vjbus/lib/telemetry"
)

func main() {
	if err := run(); err != nil {
		process.Fatal(err)
	}
}

func run() error {
	var (
		root          string
		timeout       time.Duration
		telemetryAddr string
		verbose       bool
	)
	pflag.StringVar(&root, "root", "/tmp/vjbus", "bus root directory")
	pflag.DurationVar(&timeout, "timeout", 3*time.Second, "per-command reply timeout")
	pflag.StringVar(&telemetryAddr, "telemetry-addr", telemetry.DefaultAddr, "UDP address for the listen command")
	pflag.BoolVar(&verbose, "verbose", false, "log client internals to stderr")
	pflag.Parse()

	args := pflag.Args()
	if len(args) == 0 {
		return fmt.Errorf("no command given (list, state, send, config, start, stop, restart, tail, listen)")
	}

	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	if verbose {
		logger = slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelDebug}))
	}
	c := client.New(root, "console", clock.Real(), logger)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	switch args[0] {
	case "list":
		return listWorkers(c, timeout)
	case "state":
		if len(args) < 2 {
			return fmt.Errorf("usage: state <worker>")
		}
		return showState(c, args[1], timeout)
	case "send":
		if len(args) < 3 {
			return fmt.Errorf("usage: send <worker> <verb> [key=value ...]")
		}
		return sendVerb(c, args[1], args[2], args[3:], timeout)
	case "config":
		if len(args) < 3 {
			return fmt.Errorf("usage: config <worker> <version> [key=value ...]")
		}
		return sendConfig(c, args[1], args[2], args[3:], timeout)
	case "start", "stop", "restart":
		if len(args) < 2 {
			return fmt.Errorf("usage: %s <worker>", args[0])
		}
		return manageWorker(c, args[0], args[1], timeout)
	case "tail":
		if len(args) < 2 {
			return fmt.Errorf("usage: tail <worker>")
		}
		return tailWorker(ctx, c, args[1])
	case "listen":
		prefix := "/"
		if len(args) > 1 {
			prefix = args[1]
		}
		return listenTelemetry(ctx, telemetryAddr, prefix, logger)
	default:
		return fmt.Errorf("unknown command %q", args[0])
	}
}

func listWorkers(c *client.Client, timeout time.Duration) error {
	infos, err := c.Discover(timeout)
	if err != nil {
		return err
	}
	if len(infos) == 0 {
		fmt.Println("no workers registered")
		return nil
	}
	fmt.Printf("%-20s %-8s %-8s %-12s %s\n", "WORKER", "STATUS", "PID", "GENERATION", "STARTED")
	for _, info := range infos {
		fmt.Printf("%-20s %-8s %-8d %-12d %s\n",
			info.Worker, info.Status, info.PID, info.Generation,
			info.StartedAt.Local().Format(time.RFC3339))
	}
	return nil
}

func showState(c *client.Client, name string, timeout time.Duration) error {
	session, err := c.Connect(name)
	if err != nil {
		return err
	}
	defer session.Close()

	ack, err := session.CallAck(schema.CommandPayload{Verb: schema.VerbGetState}, timeout)
	if err != nil {
		return err
	}
	return printJSON(map[string]any{
		"worker":                 name,
		"instance_id":            session.InstanceID(),
		"generation":             session.Generation(),
		"applied_config_version": ack.AppliedConfigVersion,
		"state":                  ack.Data,
	})
}

func sendVerb(c *client.Client, name, verb string, pairs []string, timeout time.Duration) error {
	data, err := parsePairs(pairs)
	if err != nil {
		return err
	}
	session, err := c.Connect(name)
	if err != nil {
		return err
	}
	defer session.Close()

	ack, err := session.CallAck(schema.CommandPayload{Verb: verb, Data: data}, timeout)
	if err != nil {
		return err
	}
	return printAck(ack)
}

func sendConfig(c *client.Client, name, version string, pairs []string, timeout time.Duration) error {
	data, err := parsePairs(pairs)
	if err != nil {
		return err
	}
	session, err := c.Connect(name)
	if err != nil {
		return err
	}
	defer session.Close()

	ack, err := session.CallAck(schema.CommandPayload{
		Verb:          schema.VerbSetConfig,
		ConfigVersion: version,
		Data:          data,
	}, timeout)
	if err != nil {
		return err
	}
	return printAck(ack)
}

// manageWorker routes start/stop/restart through the supervisor.
func manageWorker(c *client.Client, action, name string, timeout time.Duration) error {
	session, err := c.Connect(supervisor.Name)
	if err != nil {
		return fmt.Errorf("connecting to supervisor: %w", err)
	}
	defer session.Close()

	verb := map[string]string{
		"start":   schema.VerbStartWorker,
		"stop":    schema.VerbStopWorker,
		"restart": schema.VerbRestartWorker,
	}[action]

	ack, err := session.CallAck(schema.CommandPayload{
		Verb: verb,
		Data: map[string]any{"worker": name},
	}, timeout)
	if err != nil {
		return err
	}
	return printAck(ack)
}

// tailWorker prints every envelope the worker pushes: heartbeats,
// events, telemetry. Runs until interrupted.
func tailWorker(ctx context.Context, c *client.Client, name string) error {
	session, err := c.Connect(name)
	if err != nil {
		return err
	}
	defer session.Close()

	for {
		if ctx.Err() != nil {
			return nil
		}
		envelope, err := session.Receive(500 * time.Millisecond)
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			continue
		}
		line := map[string]any{
			"time":       envelope.Timestamp.Local().Format("15:04:05.000"),
			"type":       envelope.Type,
			"worker":     envelope.Worker,
			"generation": envelope.Generation,
		}
		var payload map[string]any
		if json.Unmarshal(envelope.Payload, &payload) == nil {
			line["payload"] = payload
		}
		if err := printJSON(line); err != nil {
			return err
		}
	}
}

// listenTelemetry binds the telemetry port and prints matching
// messages. Only one process can bind the port; run this instead of,
// not alongside, a rendering engine.
func listenTelemetry(ctx context.Context, addr, prefix string, logger *slog.Logger) error {
	receiver, err := telemetry.NewReceiver(addr, logger)
	if err != nil {
		return err
	}
	receiver.Subscribe(prefix, func(m telemetry.Message) {
		fmt.Printf("%-30s %-18s seq=%-8d %v\n", m.Address, m.Worker, m.Sequence, m.Args)
	})
	return receiver.Run(ctx)
}

// parsePairs turns key=value arguments into a payload map. Values
// that parse as JSON (numbers, booleans, quoted strings, arrays)
// keep their type; everything else stays a string.
func parsePairs(pairs []string) (map[string]any, error) {
	if len(pairs) == 0 {
		return nil, nil
	}
	data := make(map[string]any, len(pairs))
	for _, pair := range pairs {
		key, value, found := strings.Cut(pair, "=")
		if !found || key == "" {
			return nil, fmt.Errorf("argument %q is not key=value", pair)
		}
		var parsed any
		if err := json.Unmarshal([]byte(value), &parsed); err == nil {
			data[key] = parsed
		} else {
			data[key] = value
		}
	}
	return data, nil
}

func printAck(ack schema.AckPayload) error {
	return printJSON(map[string]any{
		"status":                 ack.Status,
		"message":                ack.Message,
		"applied_config_version": ack.AppliedConfigVersion,
		"data":                   ack.Data,
	})
}

func printJSON(value any) error {
	encoded, err := json.MarshalIndent(value, "", "  ")
	if err != nil {
		return err
	}
	fmt.Println(string(encoded))
	return nil
}
