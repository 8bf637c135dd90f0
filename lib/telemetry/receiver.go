// Copyright 2026 The VJBus Authors
// SPDX-License-Identifier: Apache-2.0

package telemetry

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"sync"

	"github.com/openvj/vjbus/lib/codec"
)

// maxDatagramSize bounds the receive buffer. Telemetry datagrams are
// small (a handful of floats); 64 KB is the practical UDP ceiling.
const maxDatagramSize = 64 * 1024

// Receiver binds a UDP port and dispatches decoded datagrams to
// subscribed handlers. Subscriptions may be added before or during
// Run; dispatch holds a read lock only.
type Receiver struct {
	conn   *net.UDPConn
	logger *slog.Logger

	mu            sync.RWMutex
	subscriptions *trie
}

// NewReceiver binds the given UDP address (host:port; port 0 picks a
// free port, which tests rely on).
func NewReceiver(bind string, logger *slog.Logger) (*Receiver, error) {
	address, err := net.ResolveUDPAddr("udp", bind)
	if err != nil {
		return nil, fmt.Errorf("resolving telemetry bind %s: %w", bind, err)
	}
	conn, err := net.ListenUDP("udp", address)
	if err != nil {
		return nil, fmt.Errorf("binding telemetry receiver on %s: %w", bind, err)
	}
	return &Receiver{
		conn:          conn,
		logger:        logger,
		subscriptions: newTrie(),
	}, nil
}

// Addr returns the bound address, including the kernel-assigned port
// when the receiver was created with port 0.
func (r *Receiver) Addr() string {
	return r.conn.LocalAddr().String()
}

// Subscribe registers a handler for an address pattern. The pattern
// matches itself and every address beneath it: "/audio" catches
// "/audio/levels" and "/audio/beat/onset"; "/" catches everything.
func (r *Receiver) Subscribe(pattern string, handler Handler) {
	r.mu.Lock()
	r.subscriptions.add(pattern, handler)
	r.mu.Unlock()
}

// Run reads datagrams until ctx is cancelled. Malformed datagrams are
// logged and dropped — a lossy channel has no one to report errors
// to. Returns nil on cancellation.
func (r *Receiver) Run(ctx context.Context) error {
	// Unblock the read when the context is cancelled.
	go func() {
		<-ctx.Done()
		r.conn.Close()
	}()

	buffer := make([]byte, maxDatagramSize)
	for {
		n, _, err := r.conn.ReadFromUDP(buffer)
		if err != nil {
			if ctx.Err() != nil || errors.Is(err, net.ErrClosed) {
				return nil
			}
			return fmt.Errorf("reading telemetry datagram: %w", err)
		}

		var datagram Datagram
		if err := codec.Unmarshal(buffer[:n], &datagram); err != nil {
			r.logger.Debug("dropping malformed telemetry datagram",
				"bytes", n,
				"error", err,
			)
			continue
		}

		message := Message{
			Worker:   datagram.Worker,
			Address:  datagram.Address,
			Sequence: datagram.Sequence,
			Args:     datagram.Args,
		}

		r.mu.RLock()
		handlers := r.subscriptions.match(datagram.Address)
		r.mu.RUnlock()

		for _, handler := range handlers {
			handler(message)
		}
	}
}
