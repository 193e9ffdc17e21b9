// Copyright (c) The Registry Proxy Authors
// SPDX-License-Identifier: Apache-2.0

// Package whois implements the line-oriented directory-lookup protocol.
// A connection carries exactly one CRLF-terminated request line; the
// response is written verbatim and the connection closes.
package whois

import (
	"bufio"
	"fmt"
	"io"

	"github.com/mamikk/nomulus/pkg/codec"
	"github.com/mamikk/nomulus/pkg/errors"
)

// DefaultMaxLineBytes bounds the request line, terminator included.
const DefaultMaxLineBytes = 512

// Codec reads one lookup request line and writes the raw response.
type Codec struct {
	// MaxLineBytes is the largest accepted request line including the
	// line terminator.
	MaxLineBytes int
}

var _ codec.Codec = (*Codec)(nil)

// New creates a WHOIS codec with the given line length limit.
// A zero limit selects DefaultMaxLineBytes.
func New(maxLineBytes int) *Codec {
	if maxLineBytes == 0 {
		maxLineBytes = DefaultMaxLineBytes
	}
	return &Codec{MaxLineBytes: maxLineBytes}
}

// ReadMessage reads a single newline-terminated request line from r.
// The terminator (CRLF or bare LF) is stripped from the payload.
func (c *Codec) ReadMessage(r io.Reader) (*codec.Message, error) {
	// The protocol is one-shot, so buffering past the line is harmless.
	// ReadSlice bounds the line at the buffer size, so a client streaming
	// bytes without a terminator is cut off at MaxLineBytes.
	br := bufio.NewReaderSize(r, c.MaxLineBytes)

	line, err := br.ReadSlice('\n')
	switch {
	case err == io.EOF && len(line) == 0:
		return nil, io.EOF
	case err == io.EOF:
		return nil, fmt.Errorf("%w: request not newline-terminated", errors.ErrProtocolViolation)
	case err == bufio.ErrBufferFull:
		return nil, fmt.Errorf("%w: request line exceeds %d bytes",
			errors.ErrProtocolViolation, c.MaxLineBytes)
	case err != nil:
		return nil, fmt.Errorf("read request line: %w", err)
	}

	// Strip LF and an optional preceding CR.
	line = line[:len(line)-1]
	if n := len(line); n > 0 && line[n-1] == '\r' {
		line = line[:n-1]
	}

	return &codec.Message{
		Protocol: "whois",
		// ReadSlice returns a view into the buffer; copy it out.
		Payload: append([]byte(nil), line...),
	}, nil
}

// WriteResponse writes the backend's response bytes unmodified.
func (c *Codec) WriteResponse(w io.Writer, resp []byte) error {
	if _, err := w.Write(resp); err != nil {
		return fmt.Errorf("write response: %w", err)
	}
	return nil
}
