// Copyright 2026 The VJBus Authors
// SPDX-License-Identifier: Apache-2.0

// Package telemetry implements the lossy, fire-and-forget channel for
// high-rate data: audio features, log lines, supervisor lifecycle
// events. One Send is one UDP datagram to the loopback interface; no
// listener means the datagram vanishes, which is the contract. The
// producer is never blocked and never sees an error.
//
// Addresses are slash-delimited hierarchies ("/audio/levels").
// Receivers subscribe by prefix: a subscription at "/audio" catches
// every address underneath it.
package telemetry

import (
	"net"
	"sync"

	"github.com/openvj/vjbus/lib/codec"
)

// DefaultAddr is the loopback endpoint telemetry flows through when
// the configuration does not override it.
const DefaultAddr = "127.0.0.1:9801"

// Datagram is the CBOR body of one telemetry packet. Sequence is
// monotonic per address so consumers can detect gaps; they must never
// block waiting for a missing number — the transport drops and
// reorders by design.
type Datagram struct {
	Address  string `cbor:"address"`
	Worker   string `cbor:"worker,omitempty"`
	Sequence uint64 `cbor:"sequence"`
	Args     []any  `cbor:"args"`
}

// Sender emits telemetry datagrams. Safe for concurrent use. All
// failure modes (no listener, encode error, closed socket) are
// swallowed: by contract telemetry can never block or throw in the
// producer's path.
type Sender struct {
	worker string

	mu        sync.Mutex
	conn      *net.UDPConn
	sequences map[string]uint64
}

// NewSender creates a sender targeting the given UDP address
// (host:port). The socket is connected once; each Send is a single
// write.
func NewSender(target, worker string) (*Sender, error) {
	address, err := net.ResolveUDPAddr("udp", target)
	if err != nil {
		return nil, err
	}
	conn, err := net.DialUDP("udp", nil, address)
	if err != nil {
		return nil, err
	}
	return &Sender{
		worker:    worker,
		conn:      conn,
		sequences: make(map[string]uint64),
	}, nil
}

// Send emits one datagram and returns immediately. A nil or empty
// args yields a zero-length argument list; callers pass scalars
// directly ("Send(addr, 0.5)") and they arrive as one-element lists.
func (s *Sender) Send(address string, args ...any) {
	if args == nil {
		args = []any{}
	}

	s.mu.Lock()
	if s.conn == nil {
		s.mu.Unlock()
		return
	}
	s.sequences[address]++
	datagram := Datagram{
		Address:  address,
		Worker:   s.worker,
		Sequence: s.sequences[address],
		Args:     args,
	}
	body, err := codec.Marshal(datagram)
	if err == nil {
		// Errors here (ECONNREFUSED from a vanished listener, buffer
		// pressure) are dropped: absence of data is the only
		// observable failure mode of this channel.
		s.conn.Write(body)
	}
	s.mu.Unlock()
}

// Close releases the socket. Subsequent Sends become no-ops.
func (s *Sender) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.conn == nil {
		return nil
	}
	err := s.conn.Close()
	s.conn = nil
	return err
}
