// Copyright 2026 The VJBus Authors
// SPDX-License-Identifier: Apache-2.0

// Package wire implements the control channel frame format: a 4-byte
// big-endian length prefix followed by a UTF-8 JSON envelope. The
// length bound protects readers from allocating unbounded memory on a
// corrupt prefix.
package wire

import (
	"encoding/binary"
	"errors"
	"fmt"
	"io"
)

// MaxFrameSize bounds a single frame's payload. 10 MB is far beyond
// any legitimate envelope; anything larger is a corrupt length prefix
// or a misbehaving peer.
const MaxFrameSize = 10 * 1024 * 1024

// ErrFrameTooLarge is returned when a length prefix exceeds
// MaxFrameSize, before any payload allocation happens.
var ErrFrameTooLarge = errors.New("wire: frame exceeds maximum size")

// WriteFrame writes one length-prefixed frame. The payload is written
// in a single Write call after the prefix so a concurrent reader
// never observes an interleaved frame on a stream socket.
func WriteFrame(w io.Writer, payload []byte) error {
	if len(payload) > MaxFrameSize {
		return fmt.Errorf("%w: %d bytes", ErrFrameTooLarge, len(payload))
	}

	frame := make([]byte, 4+len(payload))
	binary.BigEndian.PutUint32(frame[:4], uint32(len(payload)))
	copy(frame[4:], payload)

	if _, err := w.Write(frame); err != nil {
		return fmt.Errorf("writing frame: %w", err)
	}
	return nil
}

// ReadFrame reads one length-prefixed frame and returns its payload.
// io.EOF is returned unwrapped when the stream ends cleanly between
// frames; an EOF mid-frame surfaces as io.ErrUnexpectedEOF.
func ReadFrame(r io.Reader) ([]byte, error) {
	var prefix [4]byte
	if _, err := io.ReadFull(r, prefix[:]); err != nil {
		if errors.Is(err, io.EOF) {
			return nil, io.EOF
		}
		return nil, fmt.Errorf("reading frame length: %w", err)
	}

	length := binary.BigEndian.Uint32(prefix[:])
	if length > MaxFrameSize {
		return nil, fmt.Errorf("%w: prefix claims %d bytes", ErrFrameTooLarge, length)
	}
	if length == 0 {
		return nil, errors.New("wire: zero-length frame")
	}

	payload := make([]byte, length)
	if _, err := io.ReadFull(r, payload); err != nil {
		return nil, fmt.Errorf("reading frame payload: %w", err)
	}
	return payload, nil
}
