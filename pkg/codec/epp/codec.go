// Copyright (c) The Registry Proxy Authors
// SPDX-License-Identifier: Apache-2.0

// Package epp implements the length-prefixed binary framing used by the
// registry-management protocol. Each frame is a 4-byte big-endian payload
// length followed by exactly that many payload bytes. A connection carries
// many frames over its lifetime, strictly one at a time.
package epp

import (
	"encoding/binary"
	"fmt"
	"io"

	"github.com/mamikk/nomulus/pkg/codec"
	"github.com/mamikk/nomulus/pkg/errors"
)

// headerSize is the fixed size of the length prefix.
const headerSize = 4

// DefaultMaxFrameBytes bounds a single frame payload.
const DefaultMaxFrameBytes = 1 << 20 // 1 MiB

// Codec frames and deframes length-prefixed binary messages.
type Codec struct {
	// MaxFrameBytes is the largest accepted payload length. A frame
	// declaring more is a protocol violation regardless of content.
	MaxFrameBytes uint32
}

var _ codec.Codec = (*Codec)(nil)

// New creates an EPP codec with the given frame size limit.
// A zero limit selects DefaultMaxFrameBytes.
func New(maxFrameBytes uint32) *Codec {
	if maxFrameBytes == 0 {
		maxFrameBytes = DefaultMaxFrameBytes
	}
	return &Codec{MaxFrameBytes: maxFrameBytes}
}

// ReadMessage reads one length-prefixed frame from r.
// A clean close before any header byte returns io.EOF; a close mid-frame
// returns io.ErrUnexpectedEOF.
func (c *Codec) ReadMessage(r io.Reader) (*codec.Message, error) {
	var header [headerSize]byte
	if _, err := io.ReadFull(r, header[:]); err != nil {
		if err == io.EOF {
			return nil, io.EOF
		}
		return nil, fmt.Errorf("read frame header: %w", err)
	}

	n := binary.BigEndian.Uint32(header[:])
	if n > c.MaxFrameBytes {
		return nil, fmt.Errorf("%w: declared %d bytes, max %d",
			errors.ErrFrameTooLarge, n, c.MaxFrameBytes)
	}

	payload := make([]byte, n)
	if _, err := io.ReadFull(r, payload); err != nil {
		return nil, fmt.Errorf("read frame payload: %w", err)
	}

	return &codec.Message{
		Protocol: "epp",
		Payload:  payload,
	}, nil
}

// WriteResponse writes resp as one length-prefixed frame.
func (c *Codec) WriteResponse(w io.Writer, resp []byte) error {
	if uint64(len(resp)) > uint64(c.MaxFrameBytes) {
		return fmt.Errorf("%w: response %d bytes, max %d",
			errors.ErrFrameTooLarge, len(resp), c.MaxFrameBytes)
	}

	var header [headerSize]byte
	binary.BigEndian.PutUint32(header[:], uint32(len(resp)))
	if _, err := w.Write(header[:]); err != nil {
		return fmt.Errorf("write frame header: %w", err)
	}
	if _, err := w.Write(resp); err != nil {
		return fmt.Errorf("write frame payload: %w", err)
	}
	return nil
}
