// Copyright 2026 The VJBus Authors
// SPDX-License-Identifier: Apache-2.0

// Package control implements the reliable, ordered, bidirectional
// request/response channel between a worker and its clients. Each
// worker listens on a Unix domain socket at a path derived from its
// name under the bus root, so any client that knows the name can
// connect. Messages are length-prefixed JSON envelopes (lib/wire).
//
// The channel itself never retries: a send on a dead connection
// surfaces ErrClosed and the caller re-discovers the worker through
// lib/discovery.
package control

import (
	"errors"
	"fmt"
	"io"
	"net"
	"os"
	"path/filepath"
	"syscall"
	"time"

	"github.com/openvj/vjbus/lib/schema"
	"github.com/openvj/vjbus/lib/wire"
)

var (
	// ErrEndpointInUse means another live process already listens on
	// the worker's endpoint. Stale sockets left by crashed processes
	// are reclaimed automatically and do not cause this error.
	ErrEndpointInUse = errors.New("control: endpoint in use by a live process")

	// ErrConnectFailed means the client could not establish a
	// connection: no listener, refused, or the dial timed out.
	ErrConnectFailed = errors.New("control: connect failed")

	// ErrTimeout means an Accept or Receive deadline elapsed with no
	// activity. The connection (or listener) remains usable.
	ErrTimeout = errors.New("control: timed out")

	// ErrClosed means the peer closed the connection or the
	// connection was closed locally. Observable on the next Send or
	// Receive — a broken connection is never silently dropped.
	ErrClosed = errors.New("control: connection closed")
)

// sendTimeout bounds every Send. A local Unix socket write only
// stalls when the peer stopped reading entirely; five seconds is far
// past any legitimate delay.
const sendTimeout = 5 * time.Second

// EndpointPath returns the control socket path for a worker name
// under the given bus root. Deterministic, so clients derive it with
// no prior knowledge of the worker's PID.
func EndpointPath(root, name string) string {
	return filepath.Join(root, name+".sock")
}

// Server is a worker's listening control endpoint.
type Server struct {
	listener *net.UnixListener
	path     string
}

// Listen binds the control endpoint for the named worker. A stale
// socket file left behind by a crashed process is detected by
// attempting a connection: if nobody answers, the file is removed and
// the endpoint rebound. A socket with a live listener yields
// ErrEndpointInUse.
func Listen(root, name string) (*Server, error) {
	if err := os.MkdirAll(root, 0o755); err != nil {
		return nil, fmt.Errorf("creating bus root %s: %w", root, err)
	}

	path := EndpointPath(root, name)
	listener, err := listenUnix(path)
	if err == nil {
		return &Server{listener: listener, path: path}, nil
	}

	if !errors.Is(err, os.ErrExist) && !isAddrInUse(err) {
		return nil, fmt.Errorf("listening on %s: %w", path, err)
	}

	// The socket file exists. Probe it: a successful dial means a
	// live listener owns the endpoint.
	probe, probeErr := net.DialTimeout("unix", path, 250*time.Millisecond)
	if probeErr == nil {
		probe.Close()
		return nil, fmt.Errorf("%w: %s", ErrEndpointInUse, path)
	}

	// Nobody home — reclaim the stale socket and rebind.
	if err := os.Remove(path); err != nil && !os.IsNotExist(err) {
		return nil, fmt.Errorf("removing stale socket %s: %w", path, err)
	}
	listener, err = listenUnix(path)
	if err != nil {
		return nil, fmt.Errorf("rebinding %s after stale reclaim: %w", path, err)
	}
	return &Server{listener: listener, path: path}, nil
}

func listenUnix(path string) (*net.UnixListener, error) {
	address, err := net.ResolveUnixAddr("unix", path)
	if err != nil {
		return nil, err
	}
	return net.ListenUnix("unix", address)
}

func isAddrInUse(err error) bool {
	return errors.Is(err, syscall.EADDRINUSE)
}

// Path returns the socket path the server is bound to.
func (s *Server) Path() string { return s.path }

// Accept waits up to timeout for one pending connection. Returns
// ErrTimeout when none arrives, so a worker's main loop can
// interleave accepts with heartbeats and polling work.
func (s *Server) Accept(timeout time.Duration) (*Conn, error) {
	if err := s.listener.SetDeadline(time.Now().Add(timeout)); err != nil {
		return nil, fmt.Errorf("setting accept deadline: %w", err)
	}
	conn, err := s.listener.Accept()
	if err != nil {
		if isTimeout(err) {
			return nil, ErrTimeout
		}
		if errors.Is(err, net.ErrClosed) {
			return nil, ErrClosed
		}
		return nil, fmt.Errorf("accepting connection: %w", err)
	}
	return &Conn{conn: conn}, nil
}

// Close stops accepting and removes the socket file.
func (s *Server) Close() error {
	err := s.listener.Close()
	if removeErr := os.Remove(s.path); removeErr != nil && !os.IsNotExist(removeErr) && err == nil {
		err = removeErr
	}
	return err
}

// Conn is one framed, ordered control connection. Within a single
// connection, command N's ack always precedes command N+1's ack; no
// ordering holds across connections.
type Conn struct {
	conn net.Conn
}

// Dial connects to the named worker's control endpoint under root.
func Dial(root, name string, timeout time.Duration) (*Conn, error) {
	return DialPath(EndpointPath(root, name), timeout)
}

// DialPath connects to a control endpoint by socket path. Used by
// discovery, which learns paths from registration artifacts rather
// than deriving them.
func DialPath(path string, timeout time.Duration) (*Conn, error) {
	conn, err := net.DialTimeout("unix", path, timeout)
	if err != nil {
		return nil, fmt.Errorf("%w: %s: %v", ErrConnectFailed, path, err)
	}
	return &Conn{conn: conn}, nil
}

// Send writes one envelope frame. A peer that has gone away surfaces
// ErrClosed; the caller decides whether to re-discover.
func (c *Conn) Send(envelope *schema.Envelope) error {
	data, err := envelope.Encode()
	if err != nil {
		return err
	}
	if err := c.conn.SetWriteDeadline(time.Now().Add(sendTimeout)); err != nil {
		return translate(err)
	}
	if err := wire.WriteFrame(c.conn, data); err != nil {
		return translate(err)
	}
	return nil
}

// Receive waits up to timeout for one envelope frame. ErrTimeout
// leaves the connection usable; ErrClosed means the peer is gone.
func (c *Conn) Receive(timeout time.Duration) (*schema.Envelope, error) {
	if err := c.conn.SetReadDeadline(time.Now().Add(timeout)); err != nil {
		return nil, translate(err)
	}
	data, err := wire.ReadFrame(c.conn)
	if err != nil {
		return nil, translate(err)
	}
	return schema.Decode(data)
}

// Close closes the connection. The peer observes ErrClosed on its
// next Send or Receive.
func (c *Conn) Close() error {
	return c.conn.Close()
}

// translate maps transport-level errors onto the package sentinels.
// Frame-size violations pass through untouched so callers can
// distinguish a corrupt peer from a dead one.
func translate(err error) error {
	switch {
	case err == nil:
		return nil
	case errors.Is(err, wire.ErrFrameTooLarge):
		return err
	case isTimeout(err):
		return ErrTimeout
	case isClosed(err):
		return ErrClosed
	default:
		return err
	}
}

func isTimeout(err error) bool {
	var netError net.Error
	return errors.As(err, &netError) && netError.Timeout()
}

func isClosed(err error) bool {
	// EOF (clean close), truncated frame, reset, and broken pipe all
	// mean the peer is gone mid-conversation.
	return errors.Is(err, net.ErrClosed) ||
		errors.Is(err, os.ErrClosed) ||
		errors.Is(err, io.EOF) ||
		errors.Is(err, io.ErrUnexpectedEOF) ||
		errors.Is(err, syscall.ECONNRESET) ||
		errors.Is(err, syscall.EPIPE)
}
