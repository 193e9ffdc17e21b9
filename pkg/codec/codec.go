// Copyright (c) The Registry Proxy Authors
// SPDX-License-Identifier: Apache-2.0

// Package codec defines the protocol codec abstraction that turns a byte
// stream into complete application messages and back. A codec knows nothing
// about the backend; it only frames and deframes.
package codec

import "io"

// Message is one decoded application-layer request together with the
// client metadata the backend needs for its own access control.
type Message struct {
	// Protocol is the registered protocol name (epp, whois, health-check).
	Protocol string

	// Payload is the raw decoded application payload: the frame body for
	// binary protocols, the request line (without terminator) for
	// line-oriented ones.
	Payload []byte

	// ClientIP is the original client address, forwarded to the backend.
	ClientIP string

	// CertFingerprint is the SHA-256 fingerprint of the client's TLS
	// certificate, base64-encoded, when the connection is mutually
	// authenticated. Empty otherwise.
	CertFingerprint string
}

// Codec reads exactly one protocol message from a stream and writes exactly
// one response back in the protocol's wire form.
//
// ReadMessage blocks until a complete frame is available, the stream ends,
// or the frame is invalid. It must return io.EOF for a clean close before
// any frame bytes are read, and errors.ErrProtocolViolation (wrapped) for
// malformed or oversized frames.
type Codec interface {
	// ReadMessage reads and decodes one complete message from r.
	ReadMessage(r io.Reader) (*Message, error)

	// WriteResponse encodes resp into the protocol's wire form and writes
	// it to w.
	WriteResponse(w io.Writer, resp []byte) error
}
